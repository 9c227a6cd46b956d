package domain

import (
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/psaab/netfw/pkg/rule"
)

// DefaultMinTTL is the shortest lifetime given to a learned address.
const DefaultMinTTL = 30 * time.Second

type cacheKey struct {
	addr   netip.Addr
	userID uint32
	appUID uint32
}

// CacheEntry is one learned address.
type CacheEntry struct {
	Addr    netip.Addr `json:"addr"`
	UserID  uint32     `json:"user_id"`
	AppUID  uint32     `json:"app_uid"`
	Name    string     `json:"name"`
	Expires time.Time  `json:"expires"`
}

// Cache records the addresses that DNS answers returned for allowed
// names, so egress to them can bypass a default-deny policy.
type Cache struct {
	table  atomic.Pointer[Table]
	minTTL time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]CacheEntry
}

// NewCache returns an empty cache. Learned addresses live for the answer's
// TTL but never less than minTTL.
func NewCache(minTTL time.Duration) *Cache {
	c := &Cache{
		minTTL:  minTTL,
		now:     time.Now,
		entries: make(map[cacheKey]CacheEntry),
	}
	c.table.Store(&Table{})
	return c
}

// SetTable replaces the domain table. Addresses learned under the old
// table are dropped.
func (c *Cache) SetTable(t *Table) {
	if t == nil {
		t = &Table{}
	}
	c.table.Store(t)
	c.Clear()
}

// Table returns the current domain table.
func (c *Cache) Table() *Table {
	return c.table.Load()
}

// QueryAllowed reports whether a query for name may be sent.
func (c *Cache) QueryAllowed(name string, userID, appUID uint32) bool {
	return c.table.Load().QueryAllowed(name, userID, appUID)
}

// ObserveAnswer records the A and AAAA records of a successful response
// whose question is allowed for the user and app. It returns the number of
// addresses recorded.
func (c *Cache) ObserveAnswer(m *dns.Msg, userID, appUID uint32) int {
	if m == nil || !m.Response || m.Rcode != dns.RcodeSuccess || len(m.Question) == 0 {
		return 0
	}
	qname := m.Question[0].Name
	e, ok := c.table.Load().Match(qname, userID, appUID)
	if !ok || e.Action != rule.Allow {
		return 0
	}

	now := c.now()
	n := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rr := range m.Answer {
		var a netip.Addr
		switch v := rr.(type) {
		case *dns.A:
			a, ok = netip.AddrFromSlice(v.A.To4())
		case *dns.AAAA:
			a, ok = netip.AddrFromSlice(v.AAAA.To16())
		default:
			continue
		}
		if !ok {
			continue
		}
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		if ttl < c.minTTL {
			ttl = c.minTTL
		}
		k := cacheKey{addr: a.Unmap(), userID: userID, appUID: e.AppUID}
		exp := now.Add(ttl)
		if old, ok := c.entries[k]; ok && old.Expires.After(exp) {
			exp = old.Expires
		}
		c.entries[k] = CacheEntry{Addr: k.addr, UserID: userID, AppUID: e.AppUID, Name: e.Name, Expires: exp}
		n++
	}
	return n
}

// Permitted reports whether addr was learned for the user, either for
// appUID or for every app.
func (c *Cache) Permitted(addr netip.Addr, userID, appUID uint32) bool {
	addr = addr.Unmap()
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[cacheKey{addr, userID, appUID}]; ok && now.Before(e.Expires) {
		return true
	}
	if appUID != 0 {
		if e, ok := c.entries[cacheKey{addr, userID, 0}]; ok && now.Before(e.Expires) {
			return true
		}
	}
	return false
}

// Expire removes entries whose lifetime has passed and returns how many
// were removed.
func (c *Cache) Expire() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.Expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear drops every learned address.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]CacheEntry)
	c.mu.Unlock()
}

// Len returns the number of learned addresses, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a snapshot ordered by address, user and app.
func (c *Cache) Entries() []CacheEntry {
	c.mu.RLock()
	out := make([]CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].Addr.Compare(out[j].Addr); cmp != 0 {
			return cmp < 0
		}
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].AppUID < out[j].AppUID
	})
	return out
}
