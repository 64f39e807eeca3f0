package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ocx/enforcer/internal/catalog"
	"github.com/ocx/enforcer/internal/config"
	"github.com/ocx/enforcer/internal/controlplane"
	"github.com/ocx/enforcer/internal/escrow"
	"github.com/ocx/enforcer/internal/events"
	"github.com/ocx/enforcer/internal/identity"
	"github.com/ocx/enforcer/internal/infra"
	"github.com/ocx/enforcer/internal/kernel"
	"github.com/ocx/enforcer/internal/metrics"
	"github.com/ocx/enforcer/internal/ringbuf"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load the hooks and serve the control plane",
	Long: "Loads the compiled enforcement object, attaches the LSM, tracepoint and\n" +
		"kprobe hooks, whitelists this process, then forwards kernel events to the\n" +
		"Tri-Factor Gate and the configured sinks until interrupted.",
	RunE: runDaemon,
}

// closers shuts resources down in reverse order of acquisition.
type closers []io.Closer

func (c *closers) add(x io.Closer) { *c = append(*c, x) }

func (c closers) closeAll() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			slog.Warn("Shutdown close failed", "error", err)
		}
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(cfg.Log.Logger(os.Stderr))
	pol, err := cfg.PolicyFor()
	if err != nil {
		return err
	}

	var cs closers
	defer func() { cs.closeAll() }()

	// 1. Kernel objects and hooks.
	objs, err := kernel.Load(cfg.Kernel.ObjectPath, pol)
	if err != nil {
		return err
	}
	cs.add(objs)
	store := objs.Store()
	if err := kernel.Whitelist(store); err != nil {
		return err
	}
	hooks, err := kernel.Attach(objs)
	if err != nil {
		return err
	}
	cs.add(hooks)

	// 2. Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 3. Kernel ring buffers onto the userspace rings.
	ch := events.NewChannels(cfg.Events.Channels)
	metrics.RegisterRingDrops(reg, "audit", ch.Audit.Dropped)
	metrics.RegisterRingDrops(reg, "escrow", ch.Escrow.Dropped)
	metrics.RegisterRingDrops(reg, "lifecycle", ch.Lifecycle.Dropped)

	auditRd, err := ringbuf.NewReader("audit", objs.Events, ch.Audit)
	if err != nil {
		return err
	}
	escrowRd, err := ringbuf.NewReader("escrow", objs.EscrowEvents, ch.Escrow)
	if err != nil {
		auditRd.Close()
		return err
	}
	lifeRd, err := ringbuf.NewReader("lifecycle", objs.IdentityEvents, ch.Lifecycle)
	if err != nil {
		auditRd.Close()
		escrowRd.Close()
		return err
	}

	// 4. Sinks and the pending escrow store.
	bus := events.NewBus(cfg.Events.Source)
	if cfg.Sinks.Log {
		bus.Add(events.NewLogSink(slog.Default()))
	}
	var pending escrow.PendingStore = escrow.NewMemoryPending()
	if cfg.Sinks.Redis.Addr != "" {
		rdb, err := infra.NewGoRedisAdapter(ctx, cfg.Sinks.Redis)
		if err != nil {
			slog.Warn("Redis unavailable, pending escrow stays in memory", "error", err)
		} else {
			cs.add(rdb)
			pending = escrow.NewRedisPending(rdb, "")
			bus.Add(events.NewRedisSink(rdb, ""))
		}
	}
	if cfg.Sinks.PubSub.ProjectID != "" {
		ps, err := events.NewPubSubSink(ctx, cfg.Sinks.PubSub.ProjectID, cfg.Sinks.PubSub.Topic)
		if err != nil {
			slog.Warn("Pub/Sub unavailable, continuing without it", "error", err)
		} else {
			cs.add(ps)
			bus.Add(ps)
		}
	}
	var audit controlplane.AuditLog
	if cfg.Sinks.Archive != "" {
		archive, err := events.NewArchiveSink(ctx, cfg.Sinks.Archive)
		if err != nil {
			return err
		}
		cs.add(archive)
		bus.Add(archive)
		audit = archive
	}
	deps := controlplane.Deps{Audit: audit, Gatherer: reg, Policy: pol}
	if cfg.Sinks.SocketIO {
		live := events.NewSocketIOServer()
		cs.add(live)
		bus.Add(events.NewSocketIOSink(live))
		deps.Live = live
	}

	// 5. Control plane.
	verdicts := controlplane.NewVerdictUpdater(store, pol)
	cat := catalog.Default()
	if cfg.Control.CatalogPath != "" {
		if cat, err = catalog.LoadFile(cfg.Control.CatalogPath); err != nil {
			return err
		}
	}
	catSync := controlplane.NewCatalogSync(cat, store.Tools)
	if _, err := catSync.Sync(); err != nil {
		return fmt.Errorf("sync tool registry: %w", err)
	}

	gate := escrow.NewTriFactorGate(store, verdicts, pending, pol, cfg.TriFactor, m)
	tenants, err := config.NewManager(cfg, cfg.Control.TenantsPath)
	if err != nil {
		return err
	}
	gate.UseTenantOverrides(tenants.TriFactor)
	jit := escrow.NewJITEntitlements(store.Entitlements)
	kill := escrow.NewKillSwitch(store.Identity, verdicts)
	gate.UseReleaseGuard(kill.Killed)
	refiner := identity.NewHashRefiner(store.Identity, identity.BinaryHasher{})

	if cfg.SPIFFE.SocketPath != "" {
		creds, err := identity.NewCredentialHasher(ctx, cfg.SPIFFE.SocketPath)
		if err != nil {
			slog.Warn("SPIFFE Workload API unavailable, identity binding without credentials", "error", err)
		} else {
			cs.add(creds)
			deps.Credentials = creds
		}
	}

	deps.Verdicts, deps.Catalog, deps.Escrow, deps.JIT, deps.Kill = verdicts, catSync, gate, jit, kill
	api := controlplane.NewServer(deps)

	// 6. Run until interrupted or until a component fails.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	goRun := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(runCtx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goRun("audit reader", auditRd.Run)
	goRun("escrow reader", escrowRd.Run)
	goRun("lifecycle reader", lifeRd.Run)
	goRun("pump", func(ctx context.Context) error {
		events.NewPump(ch, cfg.Events.PollInterval, refiner, gate, jit, kill, bus).Run(ctx)
		return nil
	})
	goRun("jit sweeper", func(ctx context.Context) error {
		jit.Run(ctx, cfg.Control.JITSweep)
		return nil
	})
	goRun("control api", func(ctx context.Context) error {
		return api.Serve(ctx, cfg.Control.Addr)
	})
	if cfg.Control.CatalogPath != "" {
		w, err := controlplane.NewCatalogWatcher(catSync, cfg.Control.CatalogPath)
		if err != nil {
			slog.Warn("Catalog hot reload disabled", "error", err)
		} else {
			goRun("catalog watcher", w.Run)
		}
	}

	if path := cfg.Control.TenantsPath; path != "" {
		goRun("tenant reload", func(ctx context.Context) error {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hup:
					if err := tenants.Reload(path); err != nil {
						slog.Warn("Tenant overrides reload failed, keeping previous", "path", path, "error", err)
						continue
					}
					slog.Info("Tenant overrides reloaded", "path", path)
				}
			}
		})
	}

	slog.Info("Enforcer running", "fail_mode", cfg.Policy.FailMode, "trust_scale", pol.Scale, "control", cfg.Control.Addr)

	var runErr error
	select {
	case <-runCtx.Done():
	case runErr = <-errCh:
		slog.Error("Component failed, shutting down", "error", runErr)
	}
	cancel()
	// Readers also stop on cancel; closing here covers a reader stuck in Read.
	if err := errors.Join(auditRd.Close(), escrowRd.Close(), lifeRd.Close()); err != nil {
		slog.Debug("Ring reader close", "error", err)
	}
	wg.Wait()
	slog.Info("Shutting down gracefully...")
	return runErr
}
