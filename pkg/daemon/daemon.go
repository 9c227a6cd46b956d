// Package daemon implements the netfw daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/psaab/netfw/pkg/api"
	"github.com/psaab/netfw/pkg/classifier"
	"github.com/psaab/netfw/pkg/config"
	"github.com/psaab/netfw/pkg/configstore"
	"github.com/psaab/netfw/pkg/dataplane"
	"github.com/psaab/netfw/pkg/domain"
	"github.com/psaab/netfw/pkg/firewall"
	"github.com/psaab/netfw/pkg/grpcapi"
	"github.com/psaab/netfw/pkg/logging"
)

// DefaultConfigFile is used when Options.ConfigFile is empty.
const DefaultConfigFile = "/etc/netfw/netfw.yaml"

// Options configures the daemon. Non-empty listen addresses override the
// api section of the configuration file.
type Options struct {
	ConfigFile string
	APIAddr    string
	GRPCAddr   string
	// NoDataplane forces the in-process sink even when the
	// configuration asks for eBPF.
	NoDataplane bool
}

// Daemon is the main netfw daemon.
type Daemon struct {
	opts   Options
	cfg    *config.Config
	fw     *firewall.Service
	events *logging.EventBuffer
	sink   dataplane.Sink // nil unless an eBPF sink is loaded

	audit    *logging.AuditLog
	auditSub *logging.Subscription
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = DefaultConfigFile
	}
	return &Daemon{opts: opts}
}

// setup loads the configuration and builds the firewall service with its
// rules installed. It does not start any goroutine.
func (d *Daemon) setup(ctx context.Context) error {
	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings {
		slog.Warn("config warning", "msg", w)
	}
	d.cfg = cfg

	var sinks []dataplane.Sink
	if cfg.Sink == dataplane.TypeEBPF && !d.opts.NoDataplane {
		sink, err := dataplane.NewSink(cfg.Sink, dataplane.Options{PinPath: cfg.PinPath})
		if err != nil {
			slog.Warn("failed to load eBPF maps, running with in-process tables only", "err", err)
		} else {
			d.sink = sink
			sinks = append(sinks, sink)
		}
	}

	store := configstore.New(storeFile(cfg.StorePath))
	if err := store.Load(); err != nil {
		slog.Warn("failed to load stored rules, starting from the config file", "err", err)
	}

	defaults, err := cfg.Defaults()
	if err != nil {
		return err
	}

	d.events = logging.NewEventBuffer(1000)
	if cfg.AuditLog != "" {
		al, err := logging.NewAuditLog(logging.AuditLogConfig{Path: cfg.AuditLog})
		if err != nil {
			slog.Warn("audit log disabled", "err", err)
		} else {
			d.audit = al
			d.auditSub = d.events.Subscribe(256)
		}
	}
	d.fw = firewall.New(firewall.Options{
		Sinks:  sinks,
		Store:  store,
		Events: d.events,
		MinTTL: cfg.DomainCache.MinTTL,
	})
	if err := d.fw.ApplyDefaults(defaults); err != nil {
		slog.Warn("failed to write default actions", "err", err)
	}

	prefixes, err := classifier.DiscoverLoopback(cfg.LoopbackInterface)
	if err != nil {
		slog.Warn("loopback discovery failed, using built-in prefixes", "err", err)
	}
	d.fw.SetLoopback(prefixes)

	// Rules committed at run time take precedence over the config file.
	if active := store.Active(); len(active.Rules)+len(active.DomainRules) > 0 {
		slog.Info("restoring committed rules")
		err = d.fw.Restore(ctx)
	} else {
		slog.Info("applying rules from config", "rules", len(cfg.Rules), "domain_rules", len(cfg.DomainRules))
		err = d.fw.ApplyRuleSet(ctx, &cfg.RuleSet, "initial config")
	}
	if errors.Is(err, firewall.ErrPublish) {
		// The rules are in force in process; the sink catches up on the
		// next successful flush.
		slog.Warn("rules installed but not fully published", "err", err)
		return nil
	}
	return err
}

// storeFile returns the rule file kept in dir, or "" for memory only.
func storeFile(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "rules.yaml")
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting netfw daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := d.setup(ctx); err != nil {
		d.close()
		return err
	}

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup

	gc := domain.NewGC(d.fw.DomainCache(), d.cfg.DomainCache.GCInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		gc.Run(ctx)
	}()

	if d.audit != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.audit.Follow(d.auditSub)
			d.audit.Close()
		}()
		go func() {
			<-ctx.Done()
			d.auditSub.Close()
		}()
	}

	var auth *api.AuthConfig
	if len(d.cfg.API.APIKeys) > 0 {
		auth = &api.AuthConfig{APIKeys: d.cfg.API.APIKeys}
	}

	errCh := make(chan error, 2)
	if addr := firstNonEmpty(d.opts.APIAddr, d.cfg.API.HTTPAddr); addr != "" {
		srv := api.NewServer(api.Config{Addr: addr, Auth: auth, Firewall: d.fw})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("HTTP API: %w", err)
			}
		}()
	}
	if addr := firstNonEmpty(d.opts.GRPCAddr, d.cfg.API.GRPCAddr); addr != "" {
		srv := grpcapi.NewServer(addr, grpcapi.Config{Firewall: d.fw, Auth: auth})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("gRPC API: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	logFinalStats(d.fw, d.sink)
	if err := d.close(); err != nil {
		runErr = errors.Join(runErr, err)
	}

	slog.Info("shutdown complete")
	return runErr
}

// close releases the sinks and the audit log after a failed or finished
// run.
func (d *Daemon) close() error {
	if d.auditSub != nil {
		d.auditSub.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.fw != nil {
		return d.fw.Close()
	}
	return nil
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

// logFinalStats logs compile counters and, for the eBPF sink, map sizes
// before shutdown.
func logFinalStats(fw *firewall.Service, sink dataplane.Sink) {
	st := fw.Status()
	slog.Info("final statistics",
		"rules", st.Rules,
		"domain_entries", st.DomainEntries,
		"compiles", st.Compiles,
		"compile_errors", st.CompileErrors,
		"flush_errors", st.FlushErrors)

	m, ok := sink.(*dataplane.Manager)
	if !ok || !m.IsLoaded() {
		return
	}
	for _, ms := range m.MapStats() {
		slog.Debug("map", "name", ms.Name, "type", ms.Type, "entries", ms.Entries, "max", ms.MaxEntries)
	}
}
