package configstore

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/psaab/netfw/pkg/config"
)

// newTestStore creates a Store backed by a temp file for testing.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	return New(path)
}

func ruleSet(names ...string) *config.RuleSet {
	rs := &config.RuleSet{}
	for _, n := range names {
		rs.Rules = append(rs.Rules, config.RuleSpec{
			Name:        n,
			Direction:   "egress",
			Action:      "deny",
			Protocol:    "tcp",
			RemoteAddrs: []string{"192.0.2.0/24"},
			RemotePorts: []string{"443"},
		})
	}
	return rs
}

func TestCommitAndPersist(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}

	compiled, err := s.Commit(ruleSet("a", "b"), "first")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(compiled.Rules) != 2 {
		t.Fatalf("compiled %d rules, want 2", len(compiled.Rules))
	}

	// A fresh store on the same file sees the committed rules.
	s2 := New(s.filePath)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s2.Active(); len(got.Rules) != 2 || got.Rules[1].Name != "b" {
		t.Errorf("reloaded rules = %+v", got.Rules)
	}
	if len(s2.Compiled().Rules) != 2 {
		t.Error("reloaded store has no compiled rules")
	}
}

func TestCommitRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	bad := ruleSet("x")
	bad.Rules[0].RemotePorts = []string{"90-80"}
	if _, err := s.Commit(bad, ""); err == nil {
		t.Fatal("invalid rule set committed")
	}
	if len(s.History()) != 0 {
		t.Error("failed commit pushed history")
	}
	if _, err := s.CommitCheck(bad); err == nil {
		t.Error("CommitCheck accepted invalid rule set")
	}
}

func TestRollback(t *testing.T) {
	s := New("")
	for _, names := range [][]string{{"one"}, {"one", "two"}, {"three"}} {
		if _, err := s.Commit(ruleSet(names...), strings.Join(names, ",")); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(s.History()); got != 3 {
		t.Fatalf("history len = %d, want 3", got)
	}

	rs, err := s.Rollback(1)
	if err != nil {
		t.Fatalf("Rollback(1): %v", err)
	}
	if len(rs.Rules) != 2 || rs.Rules[1].Name != "two" {
		t.Errorf("rollback 1 = %+v", rs.Rules)
	}
	rs.Rules[0].Name = "mutated"
	again, _ := s.Rollback(1)
	if again.Rules[0].Name != "one" {
		t.Error("Rollback returned shared state")
	}

	// The oldest entry is the empty rule set before the first commit.
	rs, err = s.Rollback(3)
	if err != nil || len(rs.Rules) != 0 {
		t.Errorf("rollback 3 = %+v, %v", rs, err)
	}
	if _, err := s.Rollback(4); err == nil {
		t.Error("rollback beyond history succeeded")
	}
	if _, err := s.Rollback(0); err == nil {
		t.Error("rollback 0 succeeded")
	}
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(2)
	for _, c := range []string{"a", "b", "c"} {
		h.Push(&HistoryEntry{Comment: c})
	}
	if h.Len() != 2 || h.MaxSize() != 2 {
		t.Fatalf("len %d max %d", h.Len(), h.MaxSize())
	}
	list := h.List()
	if list[0].Comment != "c" || list[1].Comment != "b" {
		t.Errorf("List order = %s, %s", list[0].Comment, list[1].Comment)
	}
	if e, _ := h.Get(1); e.Comment != "b" {
		t.Errorf("Get(1) = %s", e.Comment)
	}
	if _, err := h.Get(2); err == nil || !strings.Contains(err.Error(), "rollback 3") {
		t.Errorf("Get(2) err = %v", err)
	}

	// Keep wrapping past the ring size several times.
	for _, c := range []string{"d", "e", "f", "g"} {
		h.Push(&HistoryEntry{Comment: c})
	}
	var got []string
	for _, e := range h.List() {
		got = append(got, e.Comment)
	}
	if diff := cmp.Diff([]string{"g", "f"}, got); diff != "" {
		t.Errorf("List after wrap (-want +got):\n%s", diff)
	}
	if NewHistory(0).MaxSize() != 1 {
		t.Error("zero-size history not clamped")
	}
}

// Rollback re-commits, so the rolled-back-from set becomes entry 0.
func TestRollbackRecommitHistory(t *testing.T) {
	s := New("")
	for _, c := range []string{"one", "two"} {
		if _, err := s.Commit(ruleSet(c), c); err != nil {
			t.Fatal(err)
		}
	}
	rs, err := s.Rollback(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(rs, "rollback 1"); err != nil {
		t.Fatal(err)
	}
	h := s.History()
	if len(h) != 3 || h[0].Comment != "rollback 1" || h[0].RuleSet.Rules[0].Name != "two" {
		t.Errorf("history head = %+v", h[0])
	}
	if got := s.Active().Rules[0].Name; got != "one" {
		t.Errorf("active = %s, want one", got)
	}
}

func TestShowCompare(t *testing.T) {
	s := New("")
	if _, err := s.Commit(ruleSet("keep", "drop"), ""); err != nil {
		t.Fatal(err)
	}
	diff, err := s.ShowCompare(ruleSet("keep", "add"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(diff, "- - name: drop") || !strings.Contains(diff, "+ - name: add") {
		t.Errorf("diff = %q", diff)
	}
	same, _ := s.ShowCompare(ruleSet("keep", "drop"))
	if same != "[no changes]\n" {
		t.Errorf("identical diff = %q", same)
	}
}
