// Package firewall ties the rule compiler, the sinks and the classifier
// together. A Service owns the current rule set and is the single place
// where rules, domain rules and default actions are changed.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/psaab/netfw/pkg/classifier"
	"github.com/psaab/netfw/pkg/compiler"
	"github.com/psaab/netfw/pkg/config"
	"github.com/psaab/netfw/pkg/configstore"
	"github.com/psaab/netfw/pkg/dataplane"
	"github.com/psaab/netfw/pkg/domain"
	"github.com/psaab/netfw/pkg/logging"
	"github.com/psaab/netfw/pkg/rule"
)

// GlobalUser selects the global default action in SetDefaultAction.
const GlobalUser int64 = -1

// ErrPublish marks errors from extra sinks. The in-process tables are
// already updated when it is returned.
var ErrPublish = errors.New("publish to sink failed")

// Options configures a Service.
type Options struct {
	// Sinks receive every flush after the in-process tables. Sinks that
	// implement dataplane.PolicyWriter also get defaults and domains.
	Sinks []dataplane.Sink
	// Store persists committed rule sets. Nil disables ApplyRuleSet and
	// Rollback.
	Store  *configstore.Store
	Events *logging.EventBuffer
	// MinTTL is the floor applied to cached DNS answers.
	MinTTL time.Duration
}

// Service is the firewall control plane.
type Service struct {
	mem      *dataplane.MemorySink
	sinks    []dataplane.Sink
	defaults *classifier.Defaults
	cache    *domain.Cache
	cls      *classifier.Classifier
	store    *configstore.Store
	events   *logging.EventBuffer

	// mu serializes rule changes. Classify never takes it.
	mu          sync.Mutex
	pending     []rule.Rule
	pendingSet  config.RuleSet
	rules       []rule.Rule
	byDir       [3][]rule.Rule
	domainRules []rule.DomainRule

	compiles      atomic.Uint64
	compileErrors atomic.Uint64
	flushErrors   atomic.Uint64
	lastCompile   atomic.Int64 // unix nanoseconds
	lastDuration  atomic.Int64
}

// New returns a Service with no rules, allow defaults and empty tables
// published in both directions.
func New(opts Options) *Service {
	s := &Service{
		mem:      dataplane.NewMemorySink(),
		sinks:    opts.Sinks,
		defaults: classifier.NewDefaults(),
		cache:    domain.NewCache(opts.MinTTL),
		store:    opts.Store,
		events:   opts.Events,
	}
	s.cls = classifier.New(s.mem, s.defaults, s.cache)
	for _, dir := range rule.Directions {
		s.mem.Flush(dir, nil)
	}
	return s
}

// SetRules adds rules to the pending batch. When final is set the whole
// batch replaces the current rule set: it is validated, compiled for both
// directions and flushed. Until then lookups keep using the previous
// tables. An invalid rule discards the pending batch.
func (s *Service) SetRules(ctx context.Context, rules []rule.Rule, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			idx := len(s.pending) + i
			s.discardPending()
			return fmt.Errorf("rule %d: %w", idx, err)
		}
	}
	s.pending = append(s.pending, rules...)
	if !final {
		slog.Debug("rules batched", "pending", len(s.pending))
		return nil
	}
	batch := s.pending
	s.discardPending()
	return s.applyRules(ctx, batch)
}

// SubmitRuleSet adds rs to the pending rule set batch. Non-final batches
// are only validated. The final batch is merged with the earlier ones and
// installed and committed as one rule set by ApplyRuleSet. An invalid
// batch discards everything pending, including rules batched with
// SetRules.
func (s *Service) SubmitRuleSet(ctx context.Context, rs *config.RuleSet, comment string, final bool) error {
	if s.store == nil {
		return errors.New("no rule store configured")
	}
	compiled, err := s.store.CommitCheck(rs)
	if err != nil {
		s.mu.Lock()
		s.discardPending()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.pendingSet.Rules = append(s.pendingSet.Rules, rs.Rules...)
	s.pendingSet.DomainRules = append(s.pendingSet.DomainRules, rs.DomainRules...)
	s.pending = append(s.pending, compiled.Rules...)
	if !final {
		slog.Debug("rule set batched", "pending", len(s.pending))
		s.mu.Unlock()
		return nil
	}
	merged := s.pendingSet
	s.discardPending()
	s.mu.Unlock()
	return s.ApplyRuleSet(ctx, &merged, comment)
}

// discardPending drops both kinds of pending batch. s.mu must be held.
func (s *Service) discardPending() {
	s.pending = nil
	s.pendingSet = config.RuleSet{}
}

// Pending returns the number of rules waiting for a final batch.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// partition splits rules by direction, keeping their relative order.
// A rule's index in its direction's list is its bit.
func partition(rules []rule.Rule) [3][]rule.Rule {
	var out [3][]rule.Rule
	for _, r := range rules {
		out[r.Direction] = append(out[r.Direction], r)
	}
	return out
}

// applyRules compiles and flushes rules. s.mu must be held.
func (s *Service) applyRules(ctx context.Context, rules []rule.Rule) error {
	if err := rule.CheckLimits(rules); err != nil {
		s.compileFailed(err)
		return err
	}
	byDir := partition(rules)

	start := time.Now()
	var sets [3]*compiler.TableSet
	var g errgroup.Group
	for _, dir := range rule.Directions {
		g.Go(func() error {
			ts, err := compiler.Compile(byDir[dir], dir)
			if err != nil {
				return fmt.Errorf("compile %s: %w", dir, err)
			}
			sets[dir] = ts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.compileFailed(err)
		return err
	}
	took := time.Since(start)
	s.compiles.Add(1)
	s.lastCompile.Store(time.Now().UnixNano())
	s.lastDuration.Store(int64(took))

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("compiled rules not flushed: %w", err)
	}

	var errs []error
	for _, dir := range rule.Directions {
		if err := s.flush(dir, sets[dir]); err != nil {
			errs = append(errs, err)
		}
		s.events.Add(logging.EventRecord{
			Type:      logging.EventCompile,
			Direction: dir.String(),
			Rules:     len(byDir[dir]),
			Duration:  took,
		})
	}
	s.rules = rules
	s.byDir = byDir
	slog.Info("rules applied",
		"ingress", len(byDir[rule.Ingress]),
		"egress", len(byDir[rule.Egress]),
		"took", took)
	return errors.Join(errs...)
}

func (s *Service) compileFailed(err error) {
	s.compileErrors.Add(1)
	slog.Warn("rule compile failed", "err", err)
	s.events.Add(logging.EventRecord{Type: logging.EventCompileFail, Err: err.Error()})
}

// flush publishes ts to the in-process tables, then to every extra sink.
// A sink failure does not stop the others.
func (s *Service) flush(dir rule.Direction, ts *compiler.TableSet) error {
	if err := s.mem.Flush(dir, ts); err != nil {
		return err
	}
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Flush(dir, ts); err != nil {
			s.flushErrors.Add(1)
			slog.Error("sink flush failed", "direction", dir, "tables", dataplane.FailedTables(err), "err", err)
			s.events.Add(logging.EventRecord{
				Type:      logging.EventFlushFail,
				Direction: dir.String(),
				Err:       err.Error(),
			})
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPublish, errors.Join(errs...))
	}
	return nil
}

// policyWriters calls fn for every sink that carries policy state and
// joins the errors.
func (s *Service) policyWriters(fn func(dataplane.PolicyWriter) error) error {
	var errs []error
	for _, sink := range s.sinks {
		if pw, ok := sink.(dataplane.PolicyWriter); ok {
			if err := fn(pw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPublish, errors.Join(errs...))
	}
	return nil
}

// SetDomainRules replaces the domain rules. The domain cache is emptied.
func (s *Service) SetDomainRules(rules []rule.DomainRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyDomainRules(rules)
}

func (s *Service) applyDomainRules(rules []rule.DomainRule) error {
	t, err := domain.Build(rules)
	if err != nil {
		return err
	}
	s.cache.SetTable(t)
	s.domainRules = rules
	s.events.Add(logging.EventRecord{Type: logging.EventDomainRules, Rules: t.Len()})
	slog.Info("domain rules applied", "rules", len(rules), "entries", t.Len())
	entries := t.Entries()
	return s.policyWriters(func(pw dataplane.PolicyWriter) error {
		return pw.SetDomains(entries)
	})
}

// SetDefaultAction sets the default actions of userID, or the global
// defaults when userID is GlobalUser.
func (s *Service) SetDefaultAction(userID int64, in, out rule.Action) error {
	if !in.Valid() || !out.Valid() {
		return fmt.Errorf("default action: invalid action %d/%d", in, out)
	}
	if userID < GlobalUser || userID > int64(^uint32(0)) {
		return fmt.Errorf("default action: user id %d out of range", userID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := logging.EventRecord{
		Type:   logging.EventDefaultAction,
		Action: in.String() + "/" + out.String(),
	}
	if userID == GlobalUser {
		s.defaults.SetGlobal(in, out)
		rec.Detail = "global"
	} else {
		s.defaults.Set(uint32(userID), in, out)
		rec.UserID = uint32(userID)
	}
	s.events.Add(rec)
	return s.writeDefaults()
}

func (s *Service) writeDefaults() error {
	global, perUser := s.defaults.Global(), s.defaults.List()
	return s.policyWriters(func(pw dataplane.PolicyWriter) error {
		return pw.SetDefaultActions(global, perUser)
	})
}

// SetCurrentUser records the foreground user, used for traffic from
// uids in the first per-user block.
func (s *Service) SetCurrentUser(userID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults.SetCurrentUser(userID)
	s.events.Add(logging.EventRecord{Type: logging.EventCurrentUser, UserID: userID})
	return s.policyWriters(func(pw dataplane.PolicyWriter) error {
		return pw.SetCurrentUser(userID)
	})
}

// ClearRules drops the rules of the given kind. KindAll clears IP rules,
// domain rules and default actions, and discards any pending batch.
func (s *Service) ClearRules(ctx context.Context, kind rule.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if kind == rule.KindIP || kind == rule.KindAll {
		s.discardPending()
		errs = append(errs, s.applyRules(ctx, nil))
	}
	if kind == rule.KindDomain || kind == rule.KindAll {
		errs = append(errs, s.applyDomainRules(nil))
	}
	if kind == rule.KindDefaultAction || kind == rule.KindAll {
		s.defaults.Clear()
		errs = append(errs, s.writeDefaults())
	}
	s.events.Add(logging.EventRecord{Type: logging.EventClear, Detail: kind.String()})
	return errors.Join(errs...)
}

// Classify returns the verdict for p against the published tables.
func (s *Service) Classify(p classifier.Packet) classifier.Verdict {
	return s.cls.Classify(p)
}

// RuleFor returns the rule that owns bit idx in dir's tables.
func (s *Service) RuleFor(dir rule.Direction, idx int) (rule.Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !dir.Valid() || idx < 0 || idx >= len(s.byDir[dir]) {
		return rule.Rule{}, false
	}
	return s.byDir[dir][idx], true
}

// ObserveDNS records the addresses in a DNS answer for the user and app
// that asked. It returns the number of addresses cached.
func (s *Service) ObserveDNS(m *dns.Msg, userID, appUID uint32) int {
	if userID == 0 {
		userID = s.defaults.CurrentUser()
	}
	return s.cache.ObserveAnswer(m, userID, appUID)
}

// QueryAllowed reports whether userID/appUID may resolve name.
func (s *Service) QueryAllowed(name string, userID, appUID uint32) bool {
	if userID == 0 {
		userID = s.defaults.CurrentUser()
	}
	return s.cache.QueryAllowed(name, userID, appUID)
}

// SetLoopback replaces the loopback prefixes exempt from filtering.
func (s *Service) SetLoopback(prefixes []netip.Prefix) {
	s.cls.SetLoopback(prefixes)
}

// ApplyDefaults installs the default actions and current user from a
// daemon configuration.
func (s *Service) ApplyDefaults(d *config.Defaults) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults.Clear()
	s.defaults.SetGlobal(d.Global.Ingress, d.Global.Egress)
	for _, u := range d.PerUser {
		s.defaults.Set(u.UserID, u.Ingress, u.Egress)
	}
	s.defaults.SetCurrentUser(d.CurrentUserID)
	return errors.Join(
		s.writeDefaults(),
		s.policyWriters(func(pw dataplane.PolicyWriter) error {
			return pw.SetCurrentUser(d.CurrentUserID)
		}),
	)
}

// ApplyRuleSet compiles rs, installs it and commits it to the store. If
// rs does not compile nothing changes. When only an extra sink fails the
// rule set is in force in process, so it is still committed and the
// ErrPublish error is returned after the commit.
func (s *Service) ApplyRuleSet(ctx context.Context, rs *config.RuleSet, comment string) error {
	if s.store == nil {
		return errors.New("no rule store configured")
	}
	compiled, err := s.store.CommitCheck(rs)
	if err != nil {
		return err
	}
	applyErr := s.applyCompiled(ctx, compiled)
	if applyErr != nil && !errors.Is(applyErr, ErrPublish) {
		return applyErr
	}
	if _, err := s.store.Commit(rs, comment); err != nil {
		return errors.Join(applyErr, err)
	}
	s.events.Add(logging.EventRecord{Type: logging.EventCommit, Rules: len(compiled.Rules), Detail: comment})
	return applyErr
}

// Rollback reinstalls the rule set committed n commits ago.
func (s *Service) Rollback(ctx context.Context, n int) error {
	if s.store == nil {
		return errors.New("no rule store configured")
	}
	rs, err := s.store.Rollback(n)
	if err != nil {
		return err
	}
	err = s.ApplyRuleSet(ctx, rs, fmt.Sprintf("rollback %d", n))
	if err != nil && !errors.Is(err, ErrPublish) {
		return err
	}
	s.events.Add(logging.EventRecord{Type: logging.EventRollback, Detail: strconv.Itoa(n)})
	return err
}

// Restore installs the rule set already active in the store, typically
// once at startup after Store.Load.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.applyCompiled(ctx, s.store.Compiled())
}

func (s *Service) applyCompiled(ctx context.Context, c *config.Compiled) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardPending()
	err := s.applyRules(ctx, c.Rules)
	if err != nil && !errors.Is(err, ErrPublish) {
		return err
	}
	return errors.Join(err, s.applyDomainRules(c.DomainRules))
}

// Store returns the rule store, or nil.
func (s *Service) Store() *configstore.Store {
	return s.store
}

// Events returns the event buffer, or nil.
func (s *Service) Events() *logging.EventBuffer {
	return s.events
}

// DomainCache returns the resolved-address cache.
func (s *Service) DomainCache() *domain.Cache {
	return s.cache
}

// Close closes every extra sink.
func (s *Service) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		errs = append(errs, sink.Close())
	}
	return errors.Join(errs...)
}
