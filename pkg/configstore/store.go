// Package configstore keeps the active rule set with commit history and
// rollback support, persisted as YAML.
package configstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/psaab/netfw/pkg/config"
)

// DefaultHistorySize is the number of previous rule sets kept.
const DefaultHistorySize = 50

// Store manages the active rule set.
type Store struct {
	mu       sync.RWMutex
	active   *config.RuleSet
	compiled *config.Compiled
	history  *History
	filePath string
	now      func() time.Time
}

// New creates a new store. An empty filePath keeps everything in memory.
func New(filePath string) *Store {
	return &Store{
		active:   &config.RuleSet{},
		compiled: &config.Compiled{},
		history:  NewHistory(DefaultHistorySize),
		filePath: filePath,
		now:      time.Now,
	}
}

// Load loads the active rule set from disk. A missing file leaves the
// store empty.
func (s *Store) Load() error {
	if s.filePath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, err := config.LoadRuleSet(s.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil // start with no rules
		}
		return err
	}
	compiled, err := rs.Compile()
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}
	s.active = rs
	s.compiled = compiled
	return nil
}

// Save persists the active rule set to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.save()
}

func (s *Store) save() error {
	if s.filePath == "" {
		return nil
	}
	data, err := config.MarshalRuleSet(s.active)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	return os.Rename(tmp, s.filePath)
}

// CommitCheck validates rs without changing the store.
func (s *Store) CommitCheck(rs *config.RuleSet) (*config.Compiled, error) {
	return rs.Compile()
}

// Commit validates rs and makes it the active rule set, pushing the
// previous one to the history.
func (s *Store) Commit(rs *config.RuleSet, comment string) (*config.Compiled, error) {
	compiled, err := rs.Compile()
	if err != nil {
		return nil, fmt.Errorf("commit check failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Push current active to history
	s.history.Push(&HistoryEntry{
		RuleSet:   s.active.Clone(),
		Timestamp: s.now(),
		Comment:   comment,
	})

	s.active = rs.Clone()
	s.compiled = compiled

	if err := s.save(); err != nil {
		// Non-fatal: the new rules are already in effect.
		slog.Warn("failed to save rules", "path", s.filePath, "err", err)
	}
	return compiled, nil
}

// Rollback returns the rule set committed n commits ago (n >= 1). The
// caller applies it and commits it again.
func (s *Store) Rollback(n int) (*config.RuleSet, error) {
	if n < 1 {
		return nil, fmt.Errorf("rollback %d: must be at least 1", n)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, err := s.history.Get(n - 1)
	if err != nil {
		return nil, err
	}
	return entry.RuleSet.Clone(), nil
}

// Active returns a copy of the active rule set.
func (s *Store) Active() *config.RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Clone()
}

// Compiled returns the typed form of the active rule set.
func (s *Store) Compiled() *config.Compiled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compiled
}

// History returns the history entries, most recent first.
func (s *Store) History() []*HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.List()
}

// ShowActive returns the active rule set as YAML.
func (s *Store) ShowActive() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := config.MarshalRuleSet(s.active)
	return string(data), err
}

// ShowCompare returns a diff between the active rule set and rs as YAML
// lines, with "-" for removed lines and "+" for added lines.
func (s *Store) ShowCompare(rs *config.RuleSet) (string, error) {
	activeText, err := s.ShowActive()
	if err != nil {
		return "", err
	}
	data, err := config.MarshalRuleSet(rs)
	if err != nil {
		return "", err
	}

	activeLines := splitLines(activeText)
	candidateLines := splitLines(string(data))

	// Build sets for O(n) diff
	activeMap := make(map[string]bool, len(activeLines))
	for _, line := range activeLines {
		activeMap[line] = true
	}
	candidateMap := make(map[string]bool, len(candidateLines))
	for _, line := range candidateLines {
		candidateMap[line] = true
	}

	var b strings.Builder

	// Removed lines (in active but not candidate)
	for _, line := range activeLines {
		if !candidateMap[line] {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}

	// Added lines (in candidate but not active)
	for _, line := range candidateLines {
		if !activeMap[line] {
			fmt.Fprintf(&b, "+ %s\n", line)
		}
	}

	if b.Len() == 0 {
		return "[no changes]\n", nil
	}
	return b.String(), nil
}

// splitLines splits a string into non-empty lines.
func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != "{}" {
			lines = append(lines, line)
		}
	}
	return lines
}
