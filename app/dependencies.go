package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/upb/governed-core/config"
	"github.com/upb/governed-core/internal/auth"
	"github.com/upb/governed-core/internal/observability"
	"github.com/upb/governed-core/middleware"
	"github.com/upb/governed-core/repositories"
	"github.com/upb/governed-core/repositories/memory"
	"github.com/upb/governed-core/repositories/postgres"
	"github.com/upb/governed-core/repositories/sqlite"
	"github.com/upb/governed-core/services/audit"
	"github.com/upb/governed-core/services/authz"
	"github.com/upb/governed-core/services/duty"
	"github.com/upb/governed-core/services/evidence"
	"github.com/upb/governed-core/services/ledger"
)

// monitorStopTimeout bounds how long Close waits for queued verifications
const monitorStopTimeout = 10 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config    *config.Config
	Logger    *zap.Logger
	Telemetry *observability.Providers
	Metrics   *observability.Metrics

	// Stores; at most one of RepoFactory and SQLite backs the ledger
	RepoFactory  *postgres.RepositoryFactory
	SQLite       *sqlite.Store
	Repositories *repositories.Repositories

	// Governed core
	Ledger    *ledger.Ledger
	RuleCache *authz.RuleCache
	Gate      *authz.Gate
	Engine    *duty.Engine
	Sink      evidence.Sink
	Exporter  *evidence.Exporter
	Monitor   *audit.Monitor

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	stopCleanup chan struct{}
	closed      bool
}

// NewDependencies creates and wires up all application dependencies.
// The ledger head is recovered from the store before anything can append.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:      cfg,
		Logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"telemetry", deps.initTelemetry},
		{"stores", deps.initStores},
		{"ledger", deps.initLedger},
		{"authorization gate", deps.initGate},
		{"duty engine", deps.initEngine},
		{"evidence exporter", deps.initEvidence},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	deps.initMonitor()
	if err := deps.initAuth(); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

func (d *Dependencies) initTelemetry(ctx context.Context) error {
	providers, err := observability.NewProviders(ctx, d.Config.Observability, d.Config.Observability.ServiceName, d.Logger)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	d.Telemetry = providers

	if d.Config.Observability.MetricsEnabled {
		metrics, err := observability.NewGlobalMetrics()
		if err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		d.Metrics = metrics
	}
	return nil
}

// initStores selects the ledger backend, the rule source and the manifest store
func (d *Dependencies) initStores(ctx context.Context) error {
	cfg := d.Config
	repos := &repositories.Repositories{}

	if cfg.NeedsDatabase() {
		factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.RepoFactory = factory

		if err := factory.GetDB().HealthCheck(ctx); err != nil {
			return err
		}
		if err := factory.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		d.Logger.Info("database connection established",
			zap.String("connection", cfg.Database.LogString()))
	}

	switch cfg.Ledger.Backend {
	case config.BackendPostgres:
		pg := d.RepoFactory.NewRepositories()
		repos.Ledger = pg.Ledger
		repos.Manifests = pg.Manifests
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.SQLitePath), 0o750); err != nil {
			return fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		store, err := sqlite.Open(ctx, cfg.Ledger.SQLitePath, d.Logger)
		if err != nil {
			return err
		}
		d.SQLite = store
		repos.Ledger = store.Ledger()
		repos.Manifests = store.Manifests()
	case config.BackendMemory:
		d.Logger.Warn("using the in-memory ledger; records do not survive a restart")
		repos.Ledger = memory.NewLedgerRepository()
		repos.Manifests = memory.NewManifestRepository()
	default:
		return fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}

	switch cfg.Authz.RulesSource {
	case config.RulesSourcePostgres:
		repos.Rules = postgres.NewRuleRepository(d.RepoFactory.GetDB(), d.Logger)
	default:
		repos.Rules = authz.NewFileRuleSource(cfg.Authz.RulesFile)
	}

	d.Repositories = repos
	d.Logger.Info("stores initialized",
		zap.String("ledger_backend", cfg.Ledger.Backend),
		zap.String("rules_source", cfg.Authz.RulesSource))
	return nil
}

func (d *Dependencies) initLedger(ctx context.Context) error {
	d.Ledger = ledger.New(d.Repositories.Ledger, d.Logger, ledger.WithMetrics(d.Metrics))
	return d.Ledger.Open(ctx)
}

// initGate loads the rule table eagerly so a broken rule file stops startup
func (d *Dependencies) initGate(ctx context.Context) error {
	d.RuleCache = authz.NewRuleCache(d.Config.Authz.CacheSize, d.Config.Authz.CacheTTL)
	if ttl := d.Config.Authz.CacheTTL; ttl > 0 {
		go d.RuleCache.StartCleanupWorker(ttl, d.stopCleanup)
	}

	d.Gate = authz.NewGate(d.Repositories.Rules, d.Ledger, d.RuleCache, d.Logger, authz.WithMetrics(d.Metrics))
	return d.Gate.Reload(ctx)
}

func (d *Dependencies) initEngine(context.Context) error {
	schedule := duty.DefaultSchedule()
	if path := d.Config.Duty.ScheduleFile; path != "" {
		loaded, err := duty.LoadSchedule(path)
		if err != nil {
			return err
		}
		schedule = loaded
	}

	d.Engine = duty.NewEngine(d.Gate, d.Ledger, schedule, d.Logger, duty.WithMetrics(d.Metrics))
	d.Logger.Info("duty engine initialized", zap.String("schedule_version", d.Engine.ScheduleVersion()))
	return nil
}

func (d *Dependencies) initEvidence(ctx context.Context) error {
	cfg := d.Config.Evidence

	var err error
	switch cfg.Sink {
	case config.SinkS3:
		d.Sink, err = evidence.NewS3Sink(ctx, evidence.S3SinkConfig{
			Bucket:   cfg.Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.Prefix,
		})
	case config.SinkGCS:
		d.Sink, err = evidence.NewGCSSink(ctx, evidence.GCSSinkConfig{
			Bucket: cfg.Bucket,
			Prefix: cfg.Prefix,
		})
	default:
		d.Sink, err = evidence.NewFileSink(cfg.Dir)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s evidence sink: %w", cfg.Sink, err)
	}

	d.Exporter = evidence.NewExporter(d.Gate, d.Ledger, d.Sink, d.Repositories.Manifests, d.Logger)
	return nil
}

func (d *Dependencies) initMonitor() {
	d.Monitor = audit.NewMonitor(d.Ledger, d.Logger, audit.Config{
		BufferSize:  d.Config.Ledger.MonitorQueue,
		WorkerCount: d.Config.Ledger.MonitorWorkers,
		Interval:    d.Config.Ledger.MonitorInterval,
	})
}

func (d *Dependencies) initAuth() error {
	if d.Config.Auth.SigningKey == "" {
		d.Logger.Warn("JWT signing key not configured, protected routes will reject every request")
		d.AuthMiddleware = middleware.NewAuthMiddleware(rejectAllValidator{}, d.Logger)
		return nil
	}

	validator, err := auth.NewValidator(auth.Config{
		SigningKey: d.Config.Auth.SigningKey,
		Issuer:     d.Config.Auth.Issuer,
		Audience:   d.Config.Auth.Audience,
		Leeway:     30 * time.Second,
	})
	if err != nil {
		return err
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	return nil
}

// rejectAllValidator rejects all tokens (used when no signing key is configured)
type rejectAllValidator struct{}

func (rejectAllValidator) ValidateToken(context.Context, string) (*auth.Claims, error) {
	return nil, fmt.Errorf("authentication not configured")
}

// ReadinessChecks returns the probes behind /health/ready
func (d *Dependencies) ReadinessChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if d.RepoFactory != nil {
		checks["database"] = d.RepoFactory.GetDB().HealthCheck
	}
	if d.SQLite != nil {
		checks["sqlite"] = d.SQLite.HealthCheck
	}
	if d.Monitor != nil {
		checks["ledger_integrity"] = func(context.Context) error { return d.Monitor.Healthy() }
	}
	return checks
}

// Start launches background workers
func (d *Dependencies) Start() error {
	return d.Monitor.Start()
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Monitor != nil && d.Monitor.GetStats().Started {
		if err := d.Monitor.Stop(monitorStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop integrity monitor: %w", err))
		}
	}

	close(d.stopCleanup)

	if closer, ok := d.Sink.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close evidence sink: %w", err))
		}
	}

	if d.SQLite != nil {
		if err := d.SQLite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sqlite store: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Telemetry != nil {
		if err := d.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
