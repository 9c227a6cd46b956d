// Package dataplane publishes compiled rule tables to the packet path.
package dataplane

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/psaab/netfw/pkg/classifier"
	"github.com/psaab/netfw/pkg/compiler"
	"github.com/psaab/netfw/pkg/domain"
	"github.com/psaab/netfw/pkg/rule"
)

// Compile-time assertions.
var (
	_ Sink                     = (*Manager)(nil)
	_ PolicyWriter             = (*Manager)(nil)
	_ Sink                     = (*MemorySink)(nil)
	_ classifier.MatcherSource = (*MemorySink)(nil)
)

// Sink type names used in the daemon config.
const (
	TypeMemory = "memory" // default
	TypeEBPF   = "ebpf"
)

// Options configures sink construction.
type Options struct {
	// PinPath is the bpffs directory kernel maps are pinned under. Empty
	// disables pinning.
	PinPath string
}

// NewSink creates a sink of the given type. An empty string selects the
// in-process sink. The eBPF sink is returned with its maps loaded.
func NewSink(kind string, opts Options) (Sink, error) {
	switch kind {
	case "", TypeMemory:
		return NewMemorySink(), nil
	case TypeEBPF:
		m := New(opts)
		if err := m.Load(); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown sink type %q (valid: memory, ebpf)", kind)
	}
}

// Sink receives the compiled tables of one direction. Flushes of the same
// direction are serialized by the sink; different directions may flush
// concurrently.
type Sink interface {
	Flush(dir rule.Direction, ts *compiler.TableSet) error
	Close() error
}

// PolicyWriter is implemented by sinks that also carry default actions,
// the current user and the domain tables.
type PolicyWriter interface {
	SetDefaultActions(global classifier.DefaultAction, perUser []classifier.DefaultAction) error
	SetCurrentUser(userID uint32) error
	SetDomains(entries []domain.Entry) error
}

// SinkWriteError reports the tables a flush failed to write. Tables not
// listed were written; the direction may be left partially updated.
type SinkWriteError struct {
	Direction rule.Direction
	Tables    map[string]error
}

func (e *SinkWriteError) Error() string {
	names := make([]string, 0, len(e.Tables))
	for n := range e.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+": "+e.Tables[n].Error())
	}
	return fmt.Sprintf("flush %s: %d table(s) failed: %s", e.Direction, len(names), strings.Join(parts, "; "))
}

// Unwrap returns the per-table errors in table name order.
func (e *SinkWriteError) Unwrap() []error {
	names := make([]string, 0, len(e.Tables))
	for n := range e.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, n := range names {
		errs = append(errs, e.Tables[n])
	}
	return errs
}

// FailedTables returns the names of the tables in err if it is a
// SinkWriteError, nil otherwise.
func FailedTables(err error) []string {
	var swe *SinkWriteError
	if !errors.As(err, &swe) {
		return nil
	}
	names := make([]string, 0, len(swe.Tables))
	for n := range swe.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
