package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/contamx/contamx/cmd/contamx/cli"
	"github.com/contamx/contamx/internal/app"
	audithttp "github.com/contamx/contamx/internal/audit/http"
	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/orchestrator"
	"github.com/contamx/contamx/internal/platform/cache"
	"github.com/contamx/contamx/internal/reconcile"
	"github.com/contamx/contamx/jobs"
)

const usage = `usage: contamx [command]

commands:
  serve                          run the HTTP API (default)
  company register [flags]       onboard a company and open its periods
  ledger verify [flags]          check trial balance and snapshots of a period
  jobs trigger <task> [company]  enqueue a maintenance task
  jobs stats                     show queue depth
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "serve" {
		if err := serve(ctx, stop, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}
	os.Exit(runCommand(ctx, cfg, logger, args))
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	rt, err := app.NewRuntime(ctx, cfg, logger, "contamx-api")
	if err != nil {
		return err
	}
	defer rt.Close()
	go rt.RunBus(ctx)

	inspector := asynq.NewInspector(cache.QueueOpts(cfg.RedisAddr))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          rt.Metrics,
		Tenant:           app.TenantMiddleware(rt.Tenants, cfg, logger),
		LedgerHandler:    ledger.NewHandler(logger, rt.Ledger),
		IngestHandler:    ingest.NewHandler(logger, rt.Ingest),
		ReconcileHandler: reconcile.NewHandler(logger, rt.Reconcile),
		SyncHandler:      orchestrator.NewHandler(logger, rt.Sync),
		AuditHandler:     audithttp.NewHandler(logger, rt.Audit),
		JobHandler:       jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) < 2 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
	switch args[0] + " " + args[1] {
	case "company register":
		return companyRegister(ctx, cfg, logger, args[2:])
	case "ledger verify":
		return ledgerVerify(ctx, cfg, logger, args[2:])
	case "jobs trigger":
		return jobsTrigger(ctx, cfg, args[2:])
	case "jobs stats":
		return jobsStats(ctx, cfg)
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func companyRegister(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("company register", flag.ContinueOnError)
	opts := cli.RegisterOptions{}
	fs.StringVar(&opts.RFC, "rfc", "", "company RFC")
	fs.StringVar(&opts.LegalName, "name", "", "legal name")
	fs.StringVar(&opts.FiscalRegime, "regime", "", "SAT fiscal regime code")
	fs.Int64Var(&opts.OwnerUserID, "owner", 0, "user id of the first admin")
	fs.StringVar(&opts.FirstPeriod, "open", "", "first period to open (YYYY-MM)")
	fs.IntVar(&opts.Months, "months", 12, "number of periods to open")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rt, err := app.NewRuntime(ctx, cfg, logger, "contamx-cli")
	if err != nil {
		logger.Error("init runtime", slog.Any("error", err))
		return 1
	}
	defer rt.Close()
	c, err := cli.NewCompanyCLI(rt.Tenants, rt.Ledger)
	if err != nil {
		logger.Error("init company cli", slog.Any("error", err))
		return 1
	}
	return c.RegisterCommand(ctx, opts)
}

func ledgerVerify(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("ledger verify", flag.ContinueOnError)
	opts := cli.VerifyOptions{}
	fs.Int64Var(&opts.CompanyID, "company", 0, "company id")
	fs.StringVar(&opts.Period, "period", "", "period to verify (YYYY-MM)")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rt, err := app.NewRuntime(ctx, cfg, logger, "contamx-cli")
	if err != nil {
		logger.Error("init runtime", slog.Any("error", err))
		return 1
	}
	defer rt.Close()
	c, err := cli.NewLedgerCLI(rt.Ledger, rt.Tenants)
	if err != nil {
		logger.Error("init ledger cli", slog.Any("error", err))
		return 1
	}
	return c.VerifyCommand(ctx, opts)
}

func jobsTrigger(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintf(os.Stderr, "jobs trigger: task required (%s)\n", strings.Join(cli.Triggerable, ", "))
		return 2
	}
	company := "all"
	if len(args) > 1 {
		company = args[1]
	}
	c, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
		return 1
	}
	defer c.Close()
	info, err := c.Trigger(ctx, args[0], company)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
	return 0
}

func jobsStats(ctx context.Context, cfg *app.Config) int {
	c, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
		return 1
	}
	defer c.Close()
	stats, err := c.InspectQueues(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
		return 1
	}
	for _, s := range stats {
		_, _ = fmt.Fprintf(os.Stdout, "%-8s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
	}
	archived, err := c.ListArchived(ctx, 10)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
		return 1
	}
	for _, t := range archived {
		_, _ = fmt.Fprintf(os.Stdout, "archived %s %s: %s\n", t.Type, t.ID, t.LastErr)
	}
	return 0
}
