package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/contamx/contamx/internal/audit"
	"github.com/contamx/contamx/internal/events"
	"github.com/contamx/contamx/internal/ingest"
	jobmetrics "github.com/contamx/contamx/internal/jobs"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/observability"
	"github.com/contamx/contamx/internal/orchestrator"
	"github.com/contamx/contamx/internal/platform/cache"
	"github.com/contamx/contamx/internal/platform/db"
	"github.com/contamx/contamx/internal/reconcile"
	"github.com/contamx/contamx/internal/sat"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
	"github.com/contamx/contamx/jobs"
)

const testModeEnv = "CONTAMX_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether binaries should exit before dialing Postgres
// or Redis.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// Runtime is the dependency graph shared by the API and the worker.
type Runtime struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Bus        *events.Bus
	Metrics    *observability.Metrics
	JobMetrics *jobmetrics.Metrics
	Queue      *jobs.Client

	Tenants   *tenant.Service
	Ledger    *ledger.Service
	Ingest    *ingest.Service
	Reconcile *reconcile.Service
	Sync      *orchestrator.Service
	Audit     *audit.Service
}

// NewRuntime dials Postgres and Redis and builds every service. appName is
// reported to Postgres.
func NewRuntime(ctx context.Context, cfg *Config, logger *slog.Logger, appName string) (*Runtime, error) {
	sealer, err := shared.NewSealer(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{AppName: appName})
	if err != nil {
		return nil, err
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, err
	}
	queue, err := jobs.NewClient(cache.QueueOpts(cfg.RedisAddr), cfg.RetryPolicy())
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, err
	}
	satClient, err := sat.NewHTTPClient(sat.Config{
		BaseURL: cfg.SATGatewayURL,
		Token:   cfg.SATGatewayToken,
		Timeout: cfg.ExternalTimeout,
	}, nil, logger)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		_ = queue.Close()
		return nil, err
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Bus:     events.NewBus(logger, 256),
		Metrics: observability.NewMetrics(),
		Queue:   queue,
	}
	rt.JobMetrics = jobmetrics.NewMetrics(rt.Metrics.Registerer())

	auditLog := shared.NewAuditLogger(pool)
	locker := tenant.NewRedisLocker(redisClient, 30*time.Second, logger)
	rt.Audit = audit.NewService(audit.NewRepository(pool))
	rt.Tenants = tenant.NewService(tenant.NewRepository(pool), logger)
	rt.Ledger = ledger.NewService(ledger.NewRepository(pool), locker, rt.Bus, auditLog, logger)
	rt.Ingest = ingest.NewService(ingest.NewRepository(pool), rt.Ledger, ingest.NewRedisEFOSList(redisClient, ""), rt.Bus, auditLog, logger)
	rt.Reconcile = reconcile.NewService(reconcile.NewRepository(pool), rt.Ledger, rt.Ingest, rt.Bus, cfg.ReconcileConfig(), logger)

	deps := orchestrator.Dependencies{
		Repo:        orchestrator.NewRepository(pool),
		Tenants:     rt.Tenants,
		Ingest:      rt.Ingest,
		Ledger:      rt.Ledger,
		Reconcile:   rt.Reconcile,
		SAT:         satClient,
		Queue:       queue,
		Sealer:      sealer,
		Policy:      cfg.RetryPolicy(),
		Lease:       cfg.SyncLease,
		OdooTimeout: cfg.ExternalTimeout,
		OdooRPS:     cfg.OdooRPS,
		Logger:      logger,
	}
	if cfg.BankGatewayURL != "" {
		bank, err := sat.NewBankClient(sat.Config{
			BaseURL: cfg.BankGatewayURL,
			Token:   cfg.SATGatewayToken,
			Timeout: cfg.ExternalTimeout,
		}, nil, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		deps.Bank = bank
	}
	rt.Sync = orchestrator.NewService(deps)
	rt.Sync.Subscribe(rt.Bus)
	return rt, nil
}

// RunBus delivers events until ctx ends.
func (r *Runtime) RunBus(ctx context.Context) {
	if err := r.Bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.Logger.Error("event bus stopped", slog.Any("error", err))
	}
}

// Close releases connections in reverse order of acquisition.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.Queue != nil {
		if err := r.Queue.Close(); err != nil {
			r.Logger.Warn("queue close", slog.Any("error", err))
		}
	}
	if r.Redis != nil {
		if err := r.Redis.Close(); err != nil {
			r.Logger.Warn("redis close", slog.Any("error", err))
		}
	}
	if r.Pool != nil {
		r.Pool.Close()
	}
}
