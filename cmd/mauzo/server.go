package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/mauzo/internal/approval"
	"github.com/jkaninda/mauzo/internal/config"
	"github.com/jkaninda/mauzo/internal/connector"
	"github.com/jkaninda/mauzo/internal/dispatch"
	"github.com/jkaninda/mauzo/internal/gateway/events"
	"github.com/jkaninda/mauzo/internal/gateway/httpapi"
	"github.com/jkaninda/mauzo/internal/observability"
	"github.com/jkaninda/mauzo/internal/policy"
	"github.com/jkaninda/mauzo/internal/queue"
	"github.com/jkaninda/mauzo/internal/ratelimit"
	"github.com/jkaninda/mauzo/internal/scheduler"
	"github.com/jkaninda/mauzo/internal/session"
	"github.com/jkaninda/mauzo/internal/storage"
	pgstore "github.com/jkaninda/mauzo/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/mauzo/internal/storage/sqlite"
	"github.com/jkaninda/mauzo/internal/tools"
	"github.com/jkaninda/mauzo/internal/tools/comms"
	"github.com/jkaninda/mauzo/internal/tools/crm"
	memorytools "github.com/jkaninda/mauzo/internal/tools/memory"
	"github.com/jkaninda/mauzo/internal/workflow"
)

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Mauzo server (HTTP API, scheduler, workers)",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `mauzo --config path` and `mauzo server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServer starts the tool dispatch pipeline, the workflow engine with its
// worker pool and scheduler, and the HTTP API gateway.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("MAUZO_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serverPort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{Enabled: true}
		}
		cfg.HTTP.ListenAddr = serverPort
	}
	if (cfg.HTTP == nil || !cfg.HTTP.Enabled) && !cfg.Workflows.SchedulerEnabled {
		return fmt.Errorf("nothing to run: enable http or workflows.scheduler_enabled in config")
	}

	logger.Info("starting mauzo server", slog.String("config", serverConfigPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability (optional).
	var metrics *observability.MetricsCollector
	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Enabled {
		metrics = observability.NewMetricsCollector()
	}
	var tracerSetup *observability.TracerSetup
	if cfg.Observability != nil && cfg.Observability.Tracing != nil && cfg.Observability.Tracing.Enabled {
		tracerSetup, err = observability.NewTracerSetup(cfg.Observability.Tracing)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerSetup.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutting down tracer", slog.String("error", err.Error()))
			}
		}()
	}

	// Storage.
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating storage: %w", err)
	}

	orgName := "default"
	if cfg.Storage != nil && cfg.Storage.Postgres != nil && cfg.Storage.Postgres.DefaultOrgName != "" {
		orgName = cfg.Storage.Postgres.DefaultOrgName
	}
	orgID, err := store.EnsureOrg(ctx, orgName)
	if err != nil {
		return fmt.Errorf("ensuring organization: %w", err)
	}
	logger.Info("storage ready",
		slog.String("driver", store.Driver()),
		slog.String("org", orgName),
	)

	// Connectors. The in-process record store doubles as the default
	// provider for search, sync, and comms delivery; real deployments
	// register provider connectors alongside it.
	connectors := connector.NewRegistry()
	mem := connector.NewMemory()
	if err := connectors.Register(mem); err != nil {
		return fmt.Errorf("registering memory connector: %w", err)
	}
	if err := connector.RunSync(ctx, connectors, store.SyncStatus(), orgID, logger); err != nil {
		logger.Warn("startup sync finished with errors", slog.String("error", err.Error()))
	}

	// Change sessions and record storage. CRM reads and writes go through
	// the durable record mirror; fuzzy search reads the connector layer.
	records := store.Records()
	sessions := session.NewEngine(store.Sessions(), records, logger)

	// Tool registry.
	toolReg := tools.NewRegistry()
	crm.Register(toolReg, crm.Deps{Records: records, Querier: mem, Sessions: sessions})
	comms.Register(toolReg, connectors, "memory", "memory")
	memorytools.Register(toolReg, store.Workflows())
	toolReg.Register(dispatch.NewWriteToSystemTool(connectors))
	if cfg.Analytics != nil {
		toolReg.Register(crm.NewRevenueQueryTool(*cfg.Analytics, logger))
	}

	// Dispatch pipeline: policy evaluation, approval gating, execution.
	evaluator := policy.NewEvaluator(toolReg, store.UserSettings())
	approvals := approval.NewManager(store.Operations(), logger)
	dispatcher := dispatch.New(toolReg, evaluator, approvals, sessions, connectors, logger)
	approvals.SetExecutor(dispatcher)
	dispatcher.SetApprovalTTL(cfg.Approval.TTL())
	if metrics != nil {
		dispatcher.SetMetrics(metrics)
	}
	if tracerSetup != nil {
		dispatcher.SetTracer(tracerSetup.Tracer())
	}

	cancelSweep := approvals.StartSweep(ctx, cfg.Approval.SweepInterval(), cfg.Approval.Retain())
	defer cancelSweep()

	// Workflow engine with its worker pool.
	engine := workflow.NewEngine(store.Workflows(), store.UserSettings(), workflow.NewStepRunner(dispatcher, logger), logger)
	if metrics != nil {
		engine.SetMetrics(metrics)
	}
	if cfg.Workflows.MaxChildWorkflows > 0 {
		engine.SetMaxChildren(cfg.Workflows.MaxChildWorkflows)
	}

	pool := queue.NewWorkerPool(cfg.Fanout.WorkerCount(), engine.QueueHandler(), logger)
	engine.SetQueue(pool)
	pool.Start(ctx)
	defer pool.Shutdown()

	// Workflow composition tools need the engine, so they register late.
	toolReg.Register(workflow.NewRunWorkflowTool(engine))
	fanLimiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Fanout.RequestsPerMinute,
		BurstSize:         cfg.Fanout.BurstSize,
	})
	toolReg.Register(workflow.NewLoopOverTool(engine, dispatcher, cfg.Fanout.WorkerCount(), cfg.Fanout.ItemCap(), fanLimiter))

	// Cron scheduler (optional).
	if cfg.Workflows.SchedulerEnabled {
		sched := scheduler.New(store.Workflows(), engine, cfg.Workflows.PollInterval(), logger)
		if metrics != nil {
			sched.SetMetrics(scheduler.NewMetrics(metrics.Registry))
		}
		cancelScheduler := sched.Start(ctx)
		defer cancelScheduler()
		logger.Info("scheduler started",
			slog.String("poll_interval", cfg.Workflows.PollInterval().String()),
		)
	}

	// WebSocket event stream (optional).
	var hub *events.Hub
	if cfg.Events != nil && cfg.Events.Enabled {
		hub = events.NewHub(cfg.Events.SubscriberToken(), logger)
		approvals.SetNotifier(hub)
	}

	// HTTP API gateway.
	if cfg.HTTP == nil || !cfg.HTTP.Enabled {
		logger.Info("http disabled, running headless")
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.HTTP.RequestsPerMinute,
		BurstSize:         cfg.HTTP.BurstSize,
	})
	httpCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.ListenAddr,
		EnableDocs:     cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeys(),
		MaxRequestSize: cfg.HTTP.MaxRequestBytes,
	}
	if metrics != nil {
		httpCfg.Metrics = metrics
		httpCfg.MetricsRegistry = metrics.Registry
		httpCfg.MetricsPath = cfg.Observability.Metrics.Path
	}
	if tracerSetup != nil {
		httpCfg.Tracer = tracerSetup.Tracer()
	}

	gw := httpapi.NewGateway(httpCfg, orgID, dispatcher, approvals, limiter, logger).
		WithSessions(sessions, store.Sessions()).
		WithWorkflows(engine, store.Workflows())
	if hub != nil {
		gw.WithHandler(cfg.Events.EventsPath(), hub.Handler())
		logger.Info("event stream mounted", slog.String("path", cfg.Events.EventsPath()))
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	return nil
}

// openStore builds the configured storage backend.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pgCfg := pgstore.Config{DSN: cfg.PostgresDSN()}
		if pg := cfg.Storage.Postgres; pg != nil {
			pgCfg.MaxOpenConns = pg.MaxOpenConns
			pgCfg.MaxIdleConns = pg.MaxIdleConns
			pgCfg.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeS) * time.Second
		}
		db, err := pgstore.Open(pgCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pgstore.NewStore(db), nil
	case storage.DriverSQLite:
		sqCfg := sqlitestore.Config{Path: cfg.SQLitePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sqCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		st, err := sqlitestore.Open(sqCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.StorageDriver())
	}
}
