package dataplane

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/psaab/netfw/pkg/classifier"
	"github.com/psaab/netfw/pkg/compiler"
	"github.com/psaab/netfw/pkg/rule"
)

// MemorySink publishes table sets for the in-process classifier. Each
// flush builds a complete Matcher off to the side and installs it with one
// pointer swap, so readers see either the old tables or the new ones.
type MemorySink struct {
	ingress, egress memDir
}

type memDir struct {
	mu      sync.Mutex
	current atomic.Pointer[classifier.Matcher]
	flushes atomic.Uint64
}

// NewMemorySink returns a sink with nothing published.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) dir(d rule.Direction) *memDir {
	switch d {
	case rule.Ingress:
		return &s.ingress
	case rule.Egress:
		return &s.egress
	}
	return nil
}

// Flush publishes ts for dir.
func (s *MemorySink) Flush(dir rule.Direction, ts *compiler.TableSet) error {
	d := s.dir(dir)
	if d == nil {
		return fmt.Errorf("flush: invalid direction %d", dir)
	}
	if ts == nil {
		ts = compiler.Empty(dir)
	}
	m := classifier.NewMatcher(ts)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.current.Store(m)
	d.flushes.Add(1)
	return nil
}

// Matcher returns the published matcher for dir, or nil.
func (s *MemorySink) Matcher(dir rule.Direction) *classifier.Matcher {
	d := s.dir(dir)
	if d == nil {
		return nil
	}
	return d.current.Load()
}

// Tables returns the published table set for dir, or nil.
func (s *MemorySink) Tables(dir rule.Direction) *compiler.TableSet {
	if m := s.Matcher(dir); m != nil {
		return m.Tables()
	}
	return nil
}

// Flushes returns how many times dir has been published.
func (s *MemorySink) Flushes(dir rule.Direction) uint64 {
	if d := s.dir(dir); d != nil {
		return d.flushes.Load()
	}
	return 0
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }
