package dataplane

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/cilium/ebpf"

	"github.com/psaab/netfw/pkg/bitmap"
	"github.com/psaab/netfw/pkg/classifier"
	"github.com/psaab/netfw/pkg/compiler"
	"github.com/psaab/netfw/pkg/domain"
	"github.com/psaab/netfw/pkg/rule"
)

// Flush clears and rewrites every table of dir in compiler.TableNames
// order. The update is not atomic: the packet path can observe a mix of
// old and new tables while a flush runs, and a failed table is left
// partially written. Failures are collected per table and returned as a
// *SinkWriteError.
func (m *Manager) Flush(dir rule.Direction, ts *compiler.TableSet) error {
	if !dir.Valid() {
		return fmt.Errorf("flush: invalid direction %d", dir)
	}
	if !m.loaded {
		return fmt.Errorf("eBPF maps not loaded")
	}
	if ts == nil {
		ts = compiler.Empty(dir)
	}

	mu := &m.dirMu[dir]
	mu.Lock()
	defer mu.Unlock()

	failed := make(map[string]error)
	for _, table := range compiler.TableNames {
		name := MapName(dir, table)
		em, ok := m.maps[name]
		if !ok {
			failed[table] = fmt.Errorf("%s map not found", name)
			continue
		}
		n, err := writeTable(em, table, ts)
		if err != nil {
			slog.Warn("table flush failed", "direction", dir, "table", table, "err", err)
			failed[table] = err
			continue
		}
		slog.Debug("table flushed", "direction", dir, "table", table, "entries", n)
	}
	if len(failed) > 0 {
		return &SinkWriteError{Direction: dir, Tables: failed}
	}
	return nil
}

func writeTable(em *ebpf.Map, table string, ts *compiler.TableSet) (int, error) {
	switch table {
	case compiler.TableSrcV4:
		return writePrefixes(em, ts.SrcV4, OtherKeyV4, KeyV4)
	case compiler.TableSrcV6:
		return writePrefixes(em, ts.SrcV6, OtherKeyV6, KeyV6)
	case compiler.TableDstV4:
		return writePrefixes(em, ts.DstV4, OtherKeyV4, KeyV4)
	case compiler.TableDstV6:
		return writePrefixes(em, ts.DstV6, OtherKeyV6, KeyV6)
	case compiler.TableSrcPort:
		return writeDimension(em, ts.SrcPort, OtherPort)
	case compiler.TableDstPort:
		return writeDimension(em, ts.DstPort, OtherPort)
	case compiler.TableProto:
		return writeDimension(em, ts.Proto, OtherProto)
	case compiler.TableAppUID:
		return writeDimension(em, ts.AppUID, OtherAppUID)
	case compiler.TableUserID:
		return writeDimension(em, ts.UserID, OtherUID)
	case compiler.TableAction:
		if err := em.Update(ActionKey, ts.Deny, ebpf.UpdateAny); err != nil {
			return 0, fmt.Errorf("update action: %w", err)
		}
		return 1, nil
	}
	return 0, fmt.Errorf("unknown table %q", table)
}

// writePrefixes replaces the contents of an LPM map. The catch-all goes
// in first so an explicit rule for the reserved host route overrides it.
func writePrefixes[K comparable](em *ebpf.Map, pm *compiler.PrefixMap, other K, key func(netip.Prefix) K) (int, error) {
	if err := clearMap[K](em); err != nil {
		return 0, err
	}
	if err := em.Update(other, pm.Other(), ebpf.UpdateAny); err != nil {
		return 0, fmt.Errorf("update catch-all: %w", err)
	}
	n := 1
	for _, e := range pm.Entries() {
		if err := em.Update(key(e.Prefix), e.Bitmap, ebpf.UpdateAny); err != nil {
			return n, fmt.Errorf("update %s: %w", e.Prefix, err)
		}
		n++
	}
	return n, nil
}

func writeDimension[K comparable](em *ebpf.Map, dm *compiler.DimensionMap[K], other K) (int, error) {
	if err := clearMap[K](em); err != nil {
		return 0, err
	}
	if err := em.Update(other, dm.Other(), ebpf.UpdateAny); err != nil {
		return 0, fmt.Errorf("update catch-all: %w", err)
	}
	n := 1
	var werr error
	dm.Range(func(k K, b bitmap.Bitmap) bool {
		if err := em.Update(k, b, ebpf.UpdateAny); err != nil {
			werr = fmt.Errorf("update %v: %w", k, err)
			return false
		}
		n++
		return true
	})
	return n, werr
}

// collectKeys walks a map's keys with NextKey.
func collectKeys[K any](em *ebpf.Map) ([]K, error) {
	var keys []K
	var cur any
	for {
		var next K
		err := em.NextKey(cur, &next)
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return keys, nil
		}
		if err != nil {
			return keys, fmt.Errorf("iterate: %w", err)
		}
		keys = append(keys, next)
		cur = next
	}
}

// clearMap deletes every entry of em.
func clearMap[K any](em *ebpf.Map) error {
	keys, err := collectKeys[K](em)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := em.Delete(k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("delete: %w", err)
		}
	}
	return nil
}

func countKeys(em *ebpf.Map) (int, error) {
	var (
		n   int
		cur any
	)
	next := make([]byte, em.KeySize())
	for {
		err := em.NextKey(cur, next)
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		cur = append([]byte(nil), next...)
	}
}

// SetDefaultActions replaces the default action map: the global entry
// under DefaultActionGlobalKey plus one entry per user.
func (m *Manager) SetDefaultActions(global classifier.DefaultAction, perUser []classifier.DefaultAction) error {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()

	em, ok := m.maps[MapDefaultAction]
	if !ok {
		return fmt.Errorf("%s map not found", MapDefaultAction)
	}
	if len(perUser) > MaxUsers {
		return fmt.Errorf("%d per-user defaults exceed %d", len(perUser), MaxUsers)
	}
	if err := clearMap[uint32](em); err != nil {
		return fmt.Errorf("clear %s: %w", MapDefaultAction, err)
	}
	if err := em.Update(DefaultActionGlobalKey, defaultValue(global), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("update global default: %w", err)
	}
	for _, da := range perUser {
		if err := em.Update(da.UserID, defaultValue(da), ebpf.UpdateAny); err != nil {
			return fmt.Errorf("update default for user %d: %w", da.UserID, err)
		}
	}
	return nil
}

func defaultValue(da classifier.DefaultAction) DefaultActionValue {
	return DefaultActionValue{Ingress: skAction(da.Ingress), Egress: skAction(da.Egress)}
}

// SetCurrentUser writes the foreground user id.
func (m *Manager) SetCurrentUser(userID uint32) error {
	em, ok := m.maps[MapCurrentUID]
	if !ok {
		return fmt.Errorf("%s map not found", MapCurrentUID)
	}
	return em.Update(CurrentUserKey, userID, ebpf.UpdateAny)
}

// DomainKeyFor returns the map key of a domain entry. Wildcard entries
// are stored under the name with a leading "*" label.
func DomainKeyFor(e domain.Entry) (DomainKey, error) {
	name := e.Name
	if e.Wildcard {
		name = "*." + name
	}
	wire, err := domain.WireName(name)
	if err != nil {
		return DomainKey{}, err
	}
	var k DomainKey
	copy(k.Data[:], wire)
	return k, nil
}

// SetDomains replaces the domain pass and deny maps and drops addresses
// the packet path learned under the previous domain rules.
func (m *Manager) SetDomains(entries []domain.Entry) error {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()

	pass, ok := m.maps[MapDomainPass]
	if !ok {
		return fmt.Errorf("%s map not found", MapDomainPass)
	}
	deny, ok := m.maps[MapDomainDeny]
	if !ok {
		return fmt.Errorf("%s map not found", MapDomainDeny)
	}

	var errs []error
	for _, c := range []struct {
		name  string
		clear func(*ebpf.Map) error
	}{
		{MapDomainPass, clearMap[DomainKey]},
		{MapDomainDeny, clearMap[DomainKey]},
		{MapDomainIPv4, clearMap[LPMKeyV4]},
		{MapDomainIPv6, clearMap[LPMKeyV6]},
	} {
		if em, ok := m.maps[c.name]; ok {
			if err := c.clear(em); err != nil {
				errs = append(errs, fmt.Errorf("clear %s: %w", c.name, err))
			}
		}
	}

	written := make(map[DomainKey]domain.Entry)
	for _, e := range entries {
		k, err := DomainKeyFor(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		em := pass
		if e.Action == rule.Deny {
			em = deny
		}
		if prev, dup := written[k]; dup && prev.Action == e.Action {
			slog.Debug("domain key shared by several users, last entry wins",
				"name", e.Name, "user_id", e.UserID, "previous_user_id", prev.UserID)
		}
		written[k] = e
		if err := em.Update(k, DomainValue{UID: e.UserID, AppUID: e.AppUID}, ebpf.UpdateAny); err != nil {
			errs = append(errs, fmt.Errorf("update domain %s: %w", e, err))
		}
	}
	return errors.Join(errs...)
}
