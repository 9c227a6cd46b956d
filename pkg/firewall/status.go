package firewall

import (
	"time"

	"github.com/psaab/netfw/pkg/classifier"
	"github.com/psaab/netfw/pkg/compiler"
	"github.com/psaab/netfw/pkg/domain"
	"github.com/psaab/netfw/pkg/rule"
)

// Status is a point-in-time summary of the service.
type Status struct {
	Rules         int                        `json:"rules"`
	PendingRules  int                        `json:"pending_rules"`
	DomainRules   int                        `json:"domain_rules"`
	DomainEntries int                        `json:"domain_entries"`
	CachedAddrs   int                        `json:"cached_addresses"`
	CurrentUser   uint32                     `json:"current_user"`
	Defaults      classifier.DefaultAction   `json:"default_action"`
	UserDefaults  []classifier.DefaultAction `json:"user_defaults,omitempty"`
	Directions    []DirectionStatus          `json:"directions"`
	Compiles      uint64                     `json:"compiles"`
	CompileErrors uint64                     `json:"compile_errors"`
	FlushErrors   uint64                     `json:"flush_errors"`
	LastCompile   time.Time                  `json:"last_compile,omitempty"`
	LastDuration  time.Duration              `json:"last_compile_duration_ns"`
}

// DirectionStatus describes the published tables of one direction.
type DirectionStatus struct {
	Direction rule.Direction `json:"direction"`
	Rules     int            `json:"rules"`
	Flushes   uint64         `json:"flushes"`
	Tables    map[string]int `json:"tables"`
}

// Status returns the current status.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Rules:        len(s.rules),
		PendingRules: len(s.pending),
		DomainRules:  len(s.domainRules),
	}
	s.mu.Unlock()

	st.DomainEntries = s.cache.Table().Len()
	st.CachedAddrs = s.cache.Len()
	st.CurrentUser = s.defaults.CurrentUser()
	st.Defaults = s.defaults.Global()
	st.UserDefaults = s.defaults.List()
	st.Compiles = s.compiles.Load()
	st.CompileErrors = s.compileErrors.Load()
	st.FlushErrors = s.flushErrors.Load()
	if ns := s.lastCompile.Load(); ns != 0 {
		st.LastCompile = time.Unix(0, ns)
	}
	st.LastDuration = time.Duration(s.lastDuration.Load())

	for _, dir := range rule.Directions {
		ds := DirectionStatus{Direction: dir, Flushes: s.mem.Flushes(dir)}
		if ts := s.mem.Tables(dir); ts != nil {
			ds.Rules = ts.Rules
			ds.Tables = ts.Stats()
		}
		st.Directions = append(st.Directions, ds)
	}
	return st
}

// Tables returns the table set currently published for dir.
func (s *Service) Tables(dir rule.Direction) *compiler.TableSet {
	return s.mem.Tables(dir)
}

// Rules returns a copy of the applied rule list.
func (s *Service) Rules() []rule.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rule.Rule(nil), s.rules...)
}

// DomainEntries returns the installed domain entries.
func (s *Service) DomainEntries() []domain.Entry {
	return s.cache.Table().Entries()
}
