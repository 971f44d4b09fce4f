package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/flowrt/internal/audit"
	"github.com/basket/flowrt/internal/bus"
	"github.com/basket/flowrt/internal/config"
	"github.com/basket/flowrt/internal/cron"
	"github.com/basket/flowrt/internal/gateway"
	"github.com/basket/flowrt/internal/graph"
	"github.com/basket/flowrt/internal/loader"
	otelPkg "github.com/basket/flowrt/internal/otel"
	"github.com/basket/flowrt/internal/policy"
	"github.com/basket/flowrt/internal/protocol"
	"github.com/basket/flowrt/internal/store"
	"github.com/basket/flowrt/internal/telemetry"
)

const (
	shutdownTimeout = 5 * time.Second
	auditRetention  = 30 * 24 * time.Hour
)

type serveOptions struct {
	bindAddr string
	quiet    bool
}

func newServeCommand() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime and its WebSocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.bindAddr, "bind", "", "listen address (overrides bind_addr)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "log to logs/system.jsonl only")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if opts.bindAddr != "" {
		cfg.BindAddr = opts.bindAddr
	}

	// Audit comes up before the logger so that E_LOGGER_INIT is audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if !isLoopback(cfg.BindAddr) && cfg.AuthToken == "" {
		logger.Warn("auth_token is empty on non-loopback bind; any client that reaches the port can connect", "bind_addr", cfg.BindAddr)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		Namespace:   cfg.Runtime.Namespace,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	st, err := store.Open(config.DatabasePath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	capabilities := cfg.Capabilities
	if len(capabilities) == 0 {
		capabilities = policy.DefaultCapabilities
	}
	perms, err := policy.LoadPermissions(config.PermissionsPath(cfg.HomeDir), capabilities)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	gate := policy.NewGate(capabilities, perms)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", gate.PolicyVersion(), "secrets", len(perms.Permissions))

	runtimeID, err := loadRuntimeID(cfg)
	if err != nil {
		fatalStartup(logger, "E_RUNTIME_ID", err)
	}

	ldr := loader.New(loader.Options{
		Store:           st,
		Logger:          logger,
		LibraryPrefixes: cfg.LibraryPrefixes,
	})

	var gw *gateway.Server
	rt := protocol.New(protocol.Options{
		Gate:        gate,
		Loader:      ldr,
		Broadcaster: protocol.BroadcasterFunc(func(m protocol.Message) { gw.Broadcast(m) }),
		Bus:         eventBus,
		Logger:      logger,
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
		Identity: protocol.Identity{
			Type:              cfg.Runtime.Type,
			ID:                runtimeID,
			Label:             cfg.Runtime.Label,
			Namespace:         cfg.Runtime.Namespace,
			Repository:        cfg.Runtime.Repository,
			RepositoryVersion: cfg.Runtime.RepositoryVersion,
		},
		BaseDir:    cfg.BaseDir,
		FilterData: cfg.FilterData,
		Debounce:   protocol.Trailing(time.Duration(cfg.DebounceMillis) * time.Millisecond),
	})
	gw = gateway.New(gateway.Config{
		Runtime:           rt,
		Policy:            gate,
		Bus:               eventBus,
		Logger:            logger,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		QueueSize:         cfg.MaxClientQueue,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Error("runtime close", "error", err)
		}
	}()

	if cfg.DefaultGraph != "" {
		id, err := startDefaultGraph(ctx, rt, cfg)
		if err != nil {
			fatalStartup(logger, "E_DEFAULT_GRAPH", err)
		}
		logger.Info("startup phase", "phase", "default_graph_started", "graph", id, "path", cfg.DefaultGraph)
	}

	sched := cron.NewScheduler(cron.Config{Store: st, Runner: rt, Logger: logger})
	if err := sched.Sync(ctx, cfg.Schedules, time.Now()); err != nil {
		fatalStartup(logger, "E_CRON_SYNC", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "schedules", len(cfg.Schedules))

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits need a restart", "error", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.StartEviction(ctx)
	logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		watchConfig(gctx, watcher, gate, sched, cfg.HomeDir, logger)
		return nil
	})
	g.Go(func() error {
		purgeAuditLoop(gctx, st, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// startDefaultGraph registers the configured graph file as the main graph
// under <namespace>/<name> and starts its network.
func startDefaultGraph(ctx context.Context, rt *protocol.Runtime, cfg config.Config) (string, error) {
	g, err := graph.LoadFile(cfg.DefaultGraph)
	if err != nil {
		return "", err
	}
	name := g.Name()
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(cfg.DefaultGraph), filepath.Ext(cfg.DefaultGraph))
	}
	id := cfg.Runtime.Namespace + "/" + name
	if cfg.BaseDir != "" && g.Property("baseDir") == "" {
		g.SetProperty("baseDir", cfg.BaseDir)
	}
	rt.RegisterGraph(ctx, id, g, true)
	if err := rt.StartNetwork(ctx, id); err != nil {
		return id, fmt.Errorf("start %s: %w", id, err)
	}
	return id, nil
}

// watchConfig applies permissions.yaml edits to the gate and re-syncs cron
// schedules when config.yaml changes. Parse failures keep the previous state.
func watchConfig(ctx context.Context, w *config.Watcher, gate *policy.Gate, sched *cron.Scheduler, homeDir string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if ev.IsPermissions() {
				if err := policy.ReloadFromFile(gate, config.PermissionsPath(homeDir)); err != nil {
					logger.Error("permissions reload failed; keeping previous grants", "error", err)
					continue
				}
				logger.Info("permissions reloaded", "policy_version", gate.PolicyVersion())
				continue
			}
			cfg, err := config.LoadFrom(homeDir)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			if err := sched.Sync(ctx, cfg.Schedules, time.Now()); err != nil {
				logger.Error("schedule sync failed", "error", err)
				continue
			}
			logger.Info("config reloaded", "fingerprint", cfg.Fingerprint(), "schedules", len(cfg.Schedules))
		}
	}
}

func purgeAuditLoop(ctx context.Context, st *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeAuditLog(ctx, auditRetention)
			if err != nil {
				logger.Error("audit retention failed", "error", err)
			} else if n > 0 {
				logger.Info("audit retention completed", "purged_audit_logs", n)
			}
		}
	}
}

// loadRuntimeID returns the configured runtime id, or one generated on first
// boot and kept in <home>/runtime.id.
func loadRuntimeID(cfg config.Config) (string, error) {
	if cfg.Runtime.ID != "" {
		return cfg.Runtime.ID, nil
	}
	path := filepath.Join(cfg.HomeDir, "runtime.id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Fatal, "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
