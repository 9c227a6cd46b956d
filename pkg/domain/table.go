// Package domain holds the per-user domain allow/deny tables and the cache
// of addresses learned from DNS answers for allowed names.
package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/miekg/dns"

	"github.com/psaab/netfw/pkg/rule"
)

// ErrInvalidName is returned for patterns that are not valid domain names.
var ErrInvalidName = errors.New("invalid domain name")

// Entry is one compiled domain pattern. Name is canonical: lower case and
// fully qualified.
type Entry struct {
	Name     string      `json:"name"`
	Wildcard bool        `json:"wildcard,omitempty"`
	UserID   uint32      `json:"user_id"`
	AppUID   uint32      `json:"app_uid"`
	Action   rule.Action `json:"action"`
}

func (e Entry) String() string {
	n := e.Name
	if e.Wildcard {
		n = "*." + n
	}
	return fmt.Sprintf("%s user=%d app=%d %s", n, e.UserID, e.AppUID, e.Action)
}

type key struct {
	name   string
	userID uint32
	appUID uint32
}

// Table answers which domain rule, if any, covers a name for a user and
// application. A Table is immutable once built.
type Table struct {
	exact    map[key]Entry
	wildcard map[key]Entry
}

// Canonical returns the lower-case fully qualified form of name.
func Canonical(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return dns.CanonicalName(name), nil
}

// Build compiles domain rules into a Table. A later rule for the same
// (name, user, app) replaces an earlier one.
func Build(rules []rule.DomainRule) (*Table, error) {
	if err := rule.CheckDomainLimits(rules); err != nil {
		return nil, err
	}
	t := &Table{
		exact:    make(map[key]Entry),
		wildcard: make(map[key]Entry),
	}
	for i := range rules {
		r := &rules[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		for _, d := range r.Domains {
			name, err := Canonical(d.Name)
			if err != nil {
				return nil, fmt.Errorf("domain rule %q: %w", r.Name, err)
			}
			e := Entry{Name: name, Wildcard: d.Wildcard, UserID: r.UserID, AppUID: r.AppUID, Action: r.Action}
			k := key{name: name, userID: r.UserID, appUID: r.AppUID}
			if d.Wildcard {
				t.wildcard[k] = e
			} else {
				t.exact[k] = e
			}
		}
	}
	return t, nil
}

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.exact) + len(t.wildcard)
}

// Match returns the entry covering name for the user and application.
// An exact entry beats a wildcard one, a nearer wildcard beats a farther
// one, and an app-specific entry beats one for every app.
func (t *Table) Match(name string, userID, appUID uint32) (Entry, bool) {
	if t.Len() == 0 {
		return Entry{}, false
	}
	name, err := Canonical(name)
	if err != nil {
		return Entry{}, false
	}
	if e, ok := lookup(t.exact, name, userID, appUID); ok {
		return e, true
	}
	// Wildcards match proper subdomains only: walk up from the parent.
	labels := dns.SplitDomainName(name)
	for i := 1; i < len(labels); i++ {
		parent := dns.Fqdn(strings.Join(labels[i:], "."))
		if e, ok := lookup(t.wildcard, parent, userID, appUID); ok {
			return e, true
		}
	}
	return Entry{}, false
}

func lookup(m map[key]Entry, name string, userID, appUID uint32) (Entry, bool) {
	if appUID != 0 {
		if e, ok := m[key{name, userID, appUID}]; ok {
			return e, true
		}
	}
	e, ok := m[key{name, userID, 0}]
	return e, ok
}

// QueryAllowed reports whether a DNS query for name may leave the host.
// Only a matching deny entry blocks it.
func (t *Table) QueryAllowed(name string, userID, appUID uint32) bool {
	e, ok := t.Match(name, userID, appUID)
	return !ok || e.Action != rule.Deny
}

// Entries returns every entry ordered by name, wildcard flag, user and app.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, 0, t.Len())
	for _, e := range t.exact {
		out = append(out, e)
	}
	for _, e := range t.wildcard {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Wildcard != b.Wildcard {
			return !a.Wildcard
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.AppUID < b.AppUID
	})
	return out
}

// WireName returns name in DNS wire format (length-prefixed labels), the
// form the packet path sees in a query.
func WireName(name string) ([]byte, error) {
	name, err := Canonical(name)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 256)
	n, err := dns.PackDomainName(name, buf, 0, nil, false)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", name, err)
	}
	return buf[:n], nil
}
