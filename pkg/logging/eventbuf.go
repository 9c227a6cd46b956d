// Package logging keeps a record of policy changes: an in-memory ring of
// recent events with live subscribers, and an optional rotating audit file.
package logging

import (
	"strings"
	"sync"
	"time"
)

// Event types.
const (
	EventCompile       = "COMPILE"
	EventCompileFail   = "COMPILE_FAIL"
	EventFlushFail     = "FLUSH_FAIL"
	EventDomainRules   = "DOMAIN_RULES"
	EventDefaultAction = "DEFAULT_ACTION"
	EventCurrentUser   = "CURRENT_USER"
	EventClear         = "CLEAR"
	EventCommit        = "COMMIT"
	EventRollback      = "ROLLBACK"
)

// EventRecord is a policy event stored in the event buffer.
type EventRecord struct {
	Time      time.Time
	Type      string // "COMPILE", "FLUSH_FAIL", etc.
	Direction string // "ingress", "egress" or empty
	Action    string // "allow", "deny" for default action events
	UserID    uint32
	Rules     int // rules compiled or domain entries installed
	Duration  time.Duration
	Detail    string
	Err       string
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int    // next write position
	count int    // number of events stored
	seq   uint64 // monotonically increasing sequence number

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// Subscribers are notified non-blocking. A zero Time is set to now.
func (eb *EventBuffer) Add(rec EventRecord) {
	if eb == nil {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.seq++
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	if _, ok := eb.subs[sub]; ok {
		delete(eb.subs, sub)
		close(sub.C)
	}
	eb.subMu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Type      string // case-insensitive exact match on Type
	Direction string // case-insensitive exact match on Direction
	UserID    uint32 // 0 = no filter
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Type == "" && f.Direction == "" && f.UserID == 0
}

// Matches reports whether rec passes the filter.
func (f EventFilter) Matches(rec EventRecord) bool {
	return f.matches(&rec)
}

func (f EventFilter) matches(rec *EventRecord) bool {
	if f.Type != "" && !strings.EqualFold(rec.Type, f.Type) {
		return false
	}
	if f.Direction != "" && !strings.EqualFold(rec.Direction, f.Direction) {
		return false
	}
	if f.UserID != 0 && rec.UserID != f.UserID {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n > eb.count {
		n = eb.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		// Walk backwards from the most recent entry
		idx := (eb.head - 1 - i + eb.size) % eb.size
		result[i] = eb.buf[idx]
	}
	return result
}

// Seq returns the number of events ever added.
func (eb *EventBuffer) Seq() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}
