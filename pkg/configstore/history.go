package configstore

import (
	"fmt"
	"time"

	"github.com/psaab/netfw/pkg/config"
)

// HistoryEntry is a rule set that a commit replaced. Comment and
// Timestamp belong to the replacing commit, so entry n answers "what was
// in force before the commit described here". Rollback reinstalls
// RuleSet and commits it again under the comment "rollback N", which
// pushes a new entry instead of truncating the history.
type HistoryEntry struct {
	RuleSet   *config.RuleSet `json:"rule_set"`
	Timestamp time.Time       `json:"timestamp"`
	Comment   string          `json:"comment,omitempty"`
}

// History keeps the last maxSize replaced rule sets in a fixed ring.
// Index 0 is the rule set replaced by the most recent commit, which is
// what "rollback 1" restores.
type History struct {
	ring    []*HistoryEntry
	next    int // slot the next Push writes
	count   int
	maxSize int
}

// NewHistory returns a History holding at most maxSize entries.
func NewHistory(maxSize int) *History {
	if maxSize < 1 {
		maxSize = 1
	}
	return &History{ring: make([]*HistoryEntry, maxSize), maxSize: maxSize}
}

// Push records the rule set a commit is about to replace. The oldest
// entry is dropped once the ring is full.
func (h *History) Push(entry *HistoryEntry) {
	h.ring[h.next] = entry
	h.next = (h.next + 1) % h.maxSize
	if h.count < h.maxSize {
		h.count++
	}
}

// Get returns entry n, where 0 is the most recently replaced rule set.
// The error is phrased for rollback, which asks for n+1.
func (h *History) Get(n int) (*HistoryEntry, error) {
	if n < 0 || n >= h.count {
		return nil, fmt.Errorf("rollback %d: no such rule set (have %d entries)", n+1, h.count)
	}
	return h.ring[(h.next-1-n+h.maxSize)%h.maxSize], nil
}

func (h *History) Len() int {
	return h.count
}

func (h *History) MaxSize() int {
	return h.maxSize
}

// List returns every entry, most recently replaced first.
func (h *History) List() []*HistoryEntry {
	out := make([]*HistoryEntry, h.count)
	for i := range out {
		out[i], _ = h.Get(i)
	}
	return out
}
