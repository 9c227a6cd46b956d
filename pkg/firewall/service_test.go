package firewall

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/dns"

	"github.com/psaab/netfw/pkg/classifier"
	"github.com/psaab/netfw/pkg/compiler"
	"github.com/psaab/netfw/pkg/config"
	"github.com/psaab/netfw/pkg/configstore"
	"github.com/psaab/netfw/pkg/dataplane"
	"github.com/psaab/netfw/pkg/domain"
	"github.com/psaab/netfw/pkg/logging"
	"github.com/psaab/netfw/pkg/rule"
)

// recordingSink is a Sink and PolicyWriter that remembers what it was
// given. Tables listed in fail make Flush return a SinkWriteError.
type recordingSink struct {
	mu      sync.Mutex
	flushed map[rule.Direction]*compiler.TableSet
	global  classifier.DefaultAction
	perUser []classifier.DefaultAction
	current uint32
	domains []domain.Entry
	fail    []string
	closed  bool
}

func newRecordingSink(fail ...string) *recordingSink {
	return &recordingSink{flushed: make(map[rule.Direction]*compiler.TableSet), fail: fail}
}

func (r *recordingSink) Flush(dir rule.Direction, ts *compiler.TableSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed[dir] = ts
	if len(r.fail) == 0 {
		return nil
	}
	swe := &dataplane.SinkWriteError{Direction: dir, Tables: map[string]error{}}
	for _, name := range r.fail {
		swe.Tables[name] = errors.New("map busy")
	}
	return swe
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func (r *recordingSink) SetDefaultActions(global classifier.DefaultAction, perUser []classifier.DefaultAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global, r.perUser = global, perUser
	return nil
}

func (r *recordingSink) SetCurrentUser(userID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = userID
	return nil
}

func (r *recordingSink) SetDomains(entries []domain.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains = entries
	return nil
}

func mustIP(t *testing.T, s string) rule.IPParam {
	t.Helper()
	p, err := rule.ParseIPParam(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func denyHTTP(t *testing.T, addr string) rule.Rule {
	t.Helper()
	return rule.Rule{
		Name:        "deny-" + addr,
		Direction:   rule.Egress,
		Action:      rule.Deny,
		Protocol:    rule.ProtoTCP,
		RemoteAddrs: []rule.IPParam{mustIP(t, addr)},
		RemotePorts: []rule.PortRange{{Start: 80, End: 80}},
	}
}

func egress(dst string, port uint16) classifier.Packet {
	return classifier.Packet{
		Direction: rule.Egress,
		Src:       netip.MustParseAddr("192.168.1.20"),
		Dst:       netip.MustParseAddr(dst),
		SrcPort:   40000,
		DstPort:   port,
		Protocol:  rule.ProtoTCP,
		UserID:    100,
	}
}

func TestSetRulesBatch(t *testing.T) {
	ctx := context.Background()
	sink := newRecordingSink()
	s := New(Options{Sinks: []dataplane.Sink{sink}})

	if err := s.SetRules(ctx, []rule.Rule{denyHTTP(t, "153.3.238.110/32")}, false); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.Pending())
	}
	// Not yet authoritative.
	if v := s.Classify(egress("153.3.238.110", 80)); v.Action != rule.Allow {
		t.Errorf("batched rule already applied: %+v", v)
	}

	if err := s.SetRules(ctx, []rule.Rule{denyHTTP(t, "10.0.0.1-10.0.0.9")}, true); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 0 || len(s.Rules()) != 2 {
		t.Fatalf("pending %d, rules %d", s.Pending(), len(s.Rules()))
	}

	tests := []struct {
		dst  string
		port uint16
		want rule.Action
	}{
		{"153.3.238.110", 80, rule.Deny},
		{"153.3.238.111", 80, rule.Allow},
		{"153.3.238.110", 443, rule.Allow},
		{"10.0.0.5", 80, rule.Deny},
		{"10.0.0.10", 80, rule.Allow},
	}
	for _, tt := range tests {
		if v := s.Classify(egress(tt.dst, tt.port)); v.Action != tt.want {
			t.Errorf("%s:%d = %s, want %s", tt.dst, tt.port, v.Action, tt.want)
		}
	}

	if sink.flushed[rule.Egress] == nil || sink.flushed[rule.Egress].Rules != 2 {
		t.Errorf("extra sink egress flush = %+v", sink.flushed[rule.Egress])
	}
	if sink.flushed[rule.Ingress] == nil || sink.flushed[rule.Ingress].Rules != 0 {
		t.Errorf("extra sink ingress flush = %+v", sink.flushed[rule.Ingress])
	}
}

func TestSetRulesInvalidDiscardsBatch(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	if err := s.SetRules(ctx, []rule.Rule{denyHTTP(t, "192.0.2.1")}, false); err != nil {
		t.Fatal(err)
	}
	bad := denyHTTP(t, "192.0.2.2")
	bad.RemotePorts = []rule.PortRange{{Start: 90, End: 80}}
	if err := s.SetRules(ctx, []rule.Rule{bad}, true); err == nil {
		t.Fatal("invalid rule accepted")
	}
	if s.Pending() != 0 || len(s.Rules()) != 0 {
		t.Errorf("pending %d, rules %d after invalid batch", s.Pending(), len(s.Rules()))
	}
}

func TestCompileErrorKeepsTables(t *testing.T) {
	ev := logging.NewEventBuffer(16)
	s := New(Options{Events: ev})
	ctx := context.Background()
	if err := s.SetRules(ctx, []rule.Rule{denyHTTP(t, "192.0.2.1")}, true); err != nil {
		t.Fatal(err)
	}

	// More egress rules than a bitmap has bits, spread over users so the
	// per-user limit is not hit first.
	var many []rule.Rule
	for i := 0; i < 2100; i++ {
		r := denyHTTP(t, "198.51.100.1")
		r.UserID = uint32(i%3 + 1)
		many = append(many, r)
	}
	err := s.SetRules(ctx, many, true)
	if !errors.Is(err, compiler.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
	if v := s.Classify(egress("192.0.2.1", 80)); v.Action != rule.Deny {
		t.Errorf("previous tables lost: %+v", v)
	}
	st := s.Status()
	if st.Rules != 1 || st.CompileErrors != 1 || st.Compiles != 1 {
		t.Errorf("status = %+v", st)
	}
	if got := ev.LatestFiltered(1, logging.EventFilter{Type: logging.EventCompileFail}); len(got) != 1 {
		t.Error("no compile failure event")
	}

	var limited []rule.Rule
	for i := 0; i <= rule.MaxRulesPerUser; i++ {
		limited = append(limited, denyHTTP(t, "198.51.100.1"))
	}
	if err := s.SetRules(ctx, limited, true); !errors.Is(err, rule.ErrTooManyRules) {
		t.Errorf("err = %v, want ErrTooManyRules", err)
	}
}

func TestSinkFailure(t *testing.T) {
	ev := logging.NewEventBuffer(16)
	bad := newRecordingSink(compiler.TableSrcV4, compiler.TableAction)
	s := New(Options{Sinks: []dataplane.Sink{bad}, Events: ev})

	err := s.SetRules(context.Background(), []rule.Rule{denyHTTP(t, "192.0.2.1")}, true)
	if err == nil {
		t.Fatal("sink failure not reported")
	}
	var swe *dataplane.SinkWriteError
	if !errors.As(err, &swe) {
		t.Fatalf("err = %v, want SinkWriteError", err)
	}
	if diff := cmp.Diff([]string{"action", "saddr"}, dataplane.FailedTables(err)); diff != "" {
		t.Errorf("failed tables (-want +got):\n%s", diff)
	}

	// The in-process tables are still updated.
	if v := s.Classify(egress("192.0.2.1", 80)); v.Action != rule.Deny {
		t.Errorf("in-process tables not updated: %+v", v)
	}
	if st := s.Status(); st.FlushErrors != 2 {
		t.Errorf("flush errors = %d, want 2", st.FlushErrors)
	}
	if got := ev.LatestFiltered(10, logging.EventFilter{Type: logging.EventFlushFail}); len(got) != 2 {
		t.Errorf("flush failure events = %d, want 2", len(got))
	}
}

func TestCancelledContextSkipsFlush(t *testing.T) {
	s := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.SetRules(ctx, []rule.Rule{denyHTTP(t, "192.0.2.1")}, true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if v := s.Classify(egress("192.0.2.1", 80)); v.Action != rule.Allow {
		t.Errorf("tables flushed despite cancellation: %+v", v)
	}
}

func TestDefaultActions(t *testing.T) {
	sink := newRecordingSink()
	s := New(Options{Sinks: []dataplane.Sink{sink}})

	if err := s.SetDefaultAction(GlobalUser, rule.Allow, rule.Deny); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDefaultAction(100, rule.Deny, rule.Allow); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCurrentUser(100); err != nil {
		t.Fatal(err)
	}

	want := classifier.DefaultAction{Ingress: rule.Allow, Egress: rule.Deny}
	if sink.global != want {
		t.Errorf("sink global = %+v, want %+v", sink.global, want)
	}
	wantUsers := []classifier.DefaultAction{{UserID: 100, Ingress: rule.Deny, Egress: rule.Allow}}
	if diff := cmp.Diff(wantUsers, sink.perUser); diff != "" {
		t.Errorf("sink per-user defaults (-want +got):\n%s", diff)
	}
	if sink.current != 100 {
		t.Errorf("sink current user = %d", sink.current)
	}

	// User 100 allows egress; user 0 resolves to the current user.
	p := egress("203.0.113.9", 443)
	p.UserID = 0
	if v := s.Classify(p); v.Action != rule.Allow || v.Reason != classifier.ReasonDefault {
		t.Errorf("current user verdict = %+v", v)
	}
	p.UserID = 7
	if v := s.Classify(p); v.Action != rule.Deny {
		t.Errorf("global default verdict = %+v", v)
	}

	if err := s.SetDefaultAction(-2, rule.Allow, rule.Allow); err == nil {
		t.Error("user id -2 accepted")
	}
	if err := s.SetDefaultAction(1, 0, rule.Allow); err == nil {
		t.Error("invalid action accepted")
	}
}

func answer(name string, ttl uint32, addrs ...string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Response = true
	for _, a := range addrs {
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.ParseIP(a),
		})
	}
	return m
}

func TestDomainRulesOverrideDeny(t *testing.T) {
	sink := newRecordingSink()
	s := New(Options{Sinks: []dataplane.Sink{sink}})
	if err := s.SetDefaultAction(GlobalUser, rule.Allow, rule.Deny); err != nil {
		t.Fatal(err)
	}
	err := s.SetDomainRules([]rule.DomainRule{{
		UserID:  100,
		Action:  rule.Allow,
		Domains: []rule.DomainParam{rule.ParseDomainParam("example.com"), rule.ParseDomainParam("*.example.org")},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(sink.domains) != 2 {
		t.Errorf("sink got %d domain entries, want 2", len(sink.domains))
	}

	if !s.QueryAllowed("www.example.org", 100, 0) || s.QueryAllowed("example.net", 100, 0) {
		t.Error("QueryAllowed mismatch")
	}
	if n := s.ObserveDNS(answer("www.example.org", 300, "203.0.113.7"), 100, 0); n != 1 {
		t.Fatalf("ObserveDNS cached %d addresses, want 1", n)
	}
	if n := s.ObserveDNS(answer("example.net", 300, "203.0.113.8"), 100, 0); n != 0 {
		t.Errorf("unlisted domain cached %d addresses", n)
	}

	v := s.Classify(egress("203.0.113.7", 443))
	if v.Action != rule.Allow || v.Reason != classifier.ReasonDomain {
		t.Errorf("resolved address verdict = %+v", v)
	}
	if v := s.Classify(egress("203.0.113.8", 443)); v.Action != rule.Deny {
		t.Errorf("unresolved address verdict = %+v", v)
	}

	if err := s.SetDomainRules([]rule.DomainRule{{UserID: 1, Action: rule.Deny, Domains: []rule.DomainParam{{Name: "a..b"}}}}); err == nil {
		t.Error("invalid domain accepted")
	}
}

func TestClearRules(t *testing.T) {
	ctx := context.Background()
	s := New(Options{})
	if err := s.SetRules(ctx, []rule.Rule{denyHTTP(t, "192.0.2.1")}, true); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDefaultAction(GlobalUser, rule.Deny, rule.Deny); err != nil {
		t.Fatal(err)
	}
	if err := s.SetDomainRules([]rule.DomainRule{{UserID: 1, Action: rule.Allow, Domains: []rule.DomainParam{{Name: "example.com"}}}}); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearRules(ctx, rule.KindIP); err != nil {
		t.Fatal(err)
	}
	st := s.Status()
	if st.Rules != 0 || st.DomainEntries != 1 || st.Defaults.Egress != rule.Deny {
		t.Errorf("after KindIP clear: %+v", st)
	}

	if err := s.ClearRules(ctx, rule.KindAll); err != nil {
		t.Fatal(err)
	}
	st = s.Status()
	if st.DomainEntries != 0 || st.Defaults.Egress != rule.Allow {
		t.Errorf("after KindAll clear: %+v", st)
	}
}

func TestRuleFor(t *testing.T) {
	s := New(Options{})
	in := rule.Rule{Name: "ssh-in", Direction: rule.Ingress, Action: rule.Deny, Protocol: rule.ProtoTCP,
		LocalPorts: []rule.PortRange{{Start: 22, End: 22}}}
	out := denyHTTP(t, "192.0.2.1")
	if err := s.SetRules(context.Background(), []rule.Rule{in, out}, true); err != nil {
		t.Fatal(err)
	}

	v := s.Classify(egress("192.0.2.1", 80))
	r, ok := s.RuleFor(rule.Egress, v.Rule)
	if !ok || r.Name != out.Name {
		t.Errorf("egress verdict rule = %d (%q)", v.Rule, r.Name)
	}
	v = s.Classify(classifier.Packet{
		Direction: rule.Ingress,
		Src:       netip.MustParseAddr("198.51.100.4"),
		Dst:       netip.MustParseAddr("192.168.1.20"),
		SrcPort:   50000,
		DstPort:   22,
		Protocol:  rule.ProtoTCP,
	})
	if r, ok := s.RuleFor(rule.Ingress, v.Rule); !ok || r.Name != "ssh-in" {
		t.Errorf("ingress verdict = %+v", v)
	}
	if _, ok := s.RuleFor(rule.Ingress, 5); ok {
		t.Error("RuleFor out of range succeeded")
	}

	st := s.Status()
	if len(st.Directions) != 2 || st.Directions[0].Rules != 1 || st.Directions[1].Rules != 1 {
		t.Errorf("directions = %+v", st.Directions)
	}
}

func TestApplyRuleSetAndRollback(t *testing.T) {
	ctx := context.Background()
	ev := logging.NewEventBuffer(32)
	s := New(Options{Store: configstore.New(""), Events: ev})

	first := &config.RuleSet{Rules: []config.RuleSpec{{
		Name: "web", Direction: "egress", Action: "deny", Protocol: "tcp",
		RemoteAddrs: []string{"192.0.2.0/24"}, RemotePorts: []string{"80"},
	}}}
	if err := s.ApplyRuleSet(ctx, first, "first"); err != nil {
		t.Fatal(err)
	}
	second := &config.RuleSet{Rules: []config.RuleSpec{{
		Name: "dns", Direction: "egress", Action: "deny", Protocol: "udp",
		RemotePorts: []string{"53"},
	}}}
	if err := s.ApplyRuleSet(ctx, second, "second"); err != nil {
		t.Fatal(err)
	}
	if v := s.Classify(egress("192.0.2.1", 80)); v.Action != rule.Allow {
		t.Errorf("first rule set still active: %+v", v)
	}

	bad := &config.RuleSet{Rules: []config.RuleSpec{{Direction: "sideways", Action: "deny"}}}
	if err := s.ApplyRuleSet(ctx, bad, ""); err == nil {
		t.Error("invalid rule set applied")
	}
	if got := s.Rules(); len(got) != 1 || got[0].Name != "dns" {
		t.Errorf("rules after failed apply = %+v", got)
	}

	if err := s.Rollback(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if v := s.Classify(egress("192.0.2.1", 80)); v.Action != rule.Deny {
		t.Errorf("rollback did not restore first rule set: %+v", v)
	}
	if got := ev.LatestFiltered(1, logging.EventFilter{Type: logging.EventRollback}); len(got) != 1 {
		t.Error("no rollback event")
	}

	if err := New(Options{}).ApplyRuleSet(ctx, first, ""); err == nil {
		t.Error("ApplyRuleSet without a store succeeded")
	}
}

func TestRestoreAndDefaults(t *testing.T) {
	ctx := context.Background()
	store := configstore.New("")
	rs := &config.RuleSet{Rules: []config.RuleSpec{{
		Direction: "egress", Action: "allow", RemoteAddrs: []string{"10.0.0.0/8"},
	}}}
	if _, err := store.Commit(rs, ""); err != nil {
		t.Fatal(err)
	}

	sink := newRecordingSink()
	s := New(Options{Store: store, Sinks: []dataplane.Sink{sink}})
	err := s.ApplyDefaults(&config.Defaults{
		Global:        classifier.DefaultAction{Ingress: rule.Allow, Egress: rule.Deny},
		CurrentUserID: 42,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if sink.current != 42 {
		t.Errorf("sink current user = %d, want 42", sink.current)
	}

	if v := s.Classify(egress("10.1.2.3", 443)); v.Action != rule.Allow || v.Reason != classifier.ReasonRule {
		t.Errorf("allowed prefix verdict = %+v", v)
	}
	if v := s.Classify(egress("11.1.2.3", 443)); v.Action != rule.Deny {
		t.Errorf("default deny verdict = %+v", v)
	}
	// Loopback is always exempt.
	if v := s.Classify(egress("127.0.0.1", 443)); v.Action != rule.Allow || v.Reason != classifier.ReasonLoopback {
		t.Errorf("loopback verdict = %+v", v)
	}

	if err := s.Close(); err != nil || !sink.closed {
		t.Errorf("Close = %v, closed %v", err, sink.closed)
	}
}

func TestApplyRuleSetCommitsDespiteSinkFailure(t *testing.T) {
	ctx := context.Background()
	ev := logging.NewEventBuffer(32)
	store := configstore.New("")
	s := New(Options{
		Store:  store,
		Events: ev,
		Sinks:  []dataplane.Sink{newRecordingSink(compiler.TableAction)},
	})

	rs := &config.RuleSet{Rules: []config.RuleSpec{{
		Name: "web", Direction: "egress", Action: "deny", Protocol: "tcp",
		RemoteAddrs: []string{"192.0.2.0/24"}, RemotePorts: []string{"80"},
	}}}
	err := s.ApplyRuleSet(ctx, rs, "web")
	if !errors.Is(err, ErrPublish) {
		t.Fatalf("err = %v, want ErrPublish", err)
	}
	if diff := cmp.Diff([]string{"action"}, dataplane.FailedTables(err)); diff != "" {
		t.Errorf("failed tables (-want +got):\n%s", diff)
	}
	if n := len(store.Active().Rules); n != 1 {
		t.Errorf("store has %d active rules, want 1", n)
	}
	if got := ev.LatestFiltered(1, logging.EventFilter{Type: logging.EventCommit}); len(got) != 1 {
		t.Error("no commit event")
	}

	// A restart restores what was enforced.
	restarted := New(Options{Store: store})
	if err := restarted.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if v := restarted.Classify(egress("192.0.2.1", 80)); v.Action != rule.Deny {
		t.Errorf("restored verdict = %+v", v)
	}

	// A compile error still leaves the store untouched.
	bad := &config.RuleSet{Rules: []config.RuleSpec{{Direction: "egress", Action: "deny", RemotePorts: []string{"90-80"}}}}
	if err := s.ApplyRuleSet(ctx, bad, ""); err == nil || errors.Is(err, ErrPublish) {
		t.Errorf("bad rule set err = %v", err)
	}
	if got := store.Active().Rules; len(got) != 1 || got[0].Name != "web" {
		t.Errorf("active rules after bad apply = %+v", got)
	}
}

func TestSubmitRuleSetBatches(t *testing.T) {
	ctx := context.Background()
	store := configstore.New("")
	s := New(Options{Store: store})

	web := &config.RuleSet{Rules: []config.RuleSpec{{
		Name: "web", Direction: "egress", Action: "deny", Protocol: "tcp",
		RemoteAddrs: []string{"192.0.2.1"}, RemotePorts: []string{"80"},
	}}}
	dnsSet := &config.RuleSet{
		Rules: []config.RuleSpec{{
			Name: "dns", Direction: "egress", Action: "deny", Protocol: "udp", RemotePorts: []string{"53"},
		}},
		DomainRules: []config.DomainRuleSpec{{UserID: 100, Action: "allow", Domains: []string{"example.com"}}},
	}

	if err := s.SubmitRuleSet(ctx, web, "", false); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 1 || len(s.Rules()) != 0 {
		t.Errorf("after first batch: pending %d, rules %d", s.Pending(), len(s.Rules()))
	}
	if v := s.Classify(egress("192.0.2.1", 80)); v.Action != rule.Allow {
		t.Errorf("non-final batch took effect: %+v", v)
	}

	if err := s.SubmitRuleSet(ctx, dnsSet, "batched", true); err != nil {
		t.Fatal(err)
	}
	if s.Pending() != 0 {
		t.Errorf("pending after final batch = %d", s.Pending())
	}
	if v := s.Classify(egress("192.0.2.1", 80)); v.Action != rule.Deny {
		t.Errorf("first batch rule not applied: %+v", v)
	}
	active := store.Active()
	if len(active.Rules) != 2 || len(active.DomainRules) != 1 {
		t.Errorf("committed %d rules, %d domain rules; want 2, 1", len(active.Rules), len(active.DomainRules))
	}
	if h := store.History(); len(h) == 0 || h[0].Comment != "batched" {
		t.Errorf("history = %+v", h)
	}

	// An invalid batch drops what was queued.
	if err := s.SubmitRuleSet(ctx, web, "", false); err != nil {
		t.Fatal(err)
	}
	bad := &config.RuleSet{Rules: []config.RuleSpec{{Direction: "sideways", Action: "deny"}}}
	if err := s.SubmitRuleSet(ctx, bad, "", false); err == nil {
		t.Error("invalid batch accepted")
	}
	if s.Pending() != 0 {
		t.Errorf("pending after invalid batch = %d", s.Pending())
	}
}
