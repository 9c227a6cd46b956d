package classifier

import (
	"sort"
	"sync"

	"github.com/psaab/netfw/pkg/rule"
)

// UIDsPerUser is the size of the per-user application uid block.
const UIDsPerUser = 200000

// UserIDFromUID maps a socket uid to its owning user. Uids in the first
// block belong to the current foreground user.
func UserIDFromUID(uid, current uint32) uint32 {
	if u := uid / UIDsPerUser; u != 0 {
		return u
	}
	return current
}

// DefaultAction is the pair of per-direction defaults for one user.
type DefaultAction struct {
	UserID  uint32      `json:"user_id"`
	Ingress rule.Action `json:"ingress"`
	Egress  rule.Action `json:"egress"`
}

// For returns the default for dir.
func (d DefaultAction) For(dir rule.Direction) rule.Action {
	if dir == rule.Ingress {
		return d.Ingress
	}
	return d.Egress
}

// Defaults holds the global and per-user default actions and the
// current user id.
type Defaults struct {
	mu      sync.RWMutex
	global  DefaultAction
	perUser map[uint32]DefaultAction
	current uint32
}

// NewDefaults returns defaults that allow both directions.
func NewDefaults() *Defaults {
	return &Defaults{
		global:  DefaultAction{Ingress: rule.Allow, Egress: rule.Allow},
		perUser: make(map[uint32]DefaultAction),
	}
}

// SetGlobal sets the defaults used for users without their own.
func (d *Defaults) SetGlobal(in, out rule.Action) {
	d.mu.Lock()
	d.global = DefaultAction{Ingress: in, Egress: out}
	d.mu.Unlock()
}

// Set sets the defaults for one user.
func (d *Defaults) Set(userID uint32, in, out rule.Action) {
	d.mu.Lock()
	d.perUser[userID] = DefaultAction{UserID: userID, Ingress: in, Egress: out}
	d.mu.Unlock()
}

// Clear drops every per-user default and resets the global defaults to
// allow.
func (d *Defaults) Clear() {
	d.mu.Lock()
	d.perUser = make(map[uint32]DefaultAction)
	d.global = DefaultAction{Ingress: rule.Allow, Egress: rule.Allow}
	d.mu.Unlock()
}

// Get returns the default action for userID in dir.
func (d *Defaults) Get(userID uint32, dir rule.Direction) rule.Action {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if da, ok := d.perUser[userID]; ok {
		return da.For(dir)
	}
	return d.global.For(dir)
}

// Global returns the global defaults.
func (d *Defaults) Global() DefaultAction {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.global
}

// List returns the per-user defaults ordered by user id.
func (d *Defaults) List() []DefaultAction {
	d.mu.RLock()
	out := make([]DefaultAction, 0, len(d.perUser))
	for _, da := range d.perUser {
		out = append(out, da)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// SetCurrentUser records the foreground user.
func (d *Defaults) SetCurrentUser(userID uint32) {
	d.mu.Lock()
	d.current = userID
	d.mu.Unlock()
}

// CurrentUser returns the foreground user.
func (d *Defaults) CurrentUser() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}
