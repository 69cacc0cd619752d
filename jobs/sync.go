package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/contamx/contamx/internal/jobs"
	"github.com/contamx/contamx/internal/orchestrator"
	"github.com/contamx/contamx/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SyncService is the orchestrator surface the sync tasks drive.
type SyncService interface {
	HandlePull(ctx context.Context, jobID int64) error
	HandleExport(ctx context.Context, jobID int64) error
	Sweep(ctx context.Context) (orchestrator.SweepResult, error)
	RefreshEFOS(ctx context.Context) (int, error)
}

// SyncJobs adapts orchestrator operations to asynq handlers.
type SyncJobs struct {
	Service SyncService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSyncJobs constructs the sync task handlers.
func NewSyncJobs(service SyncService, logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncJobs {
	return &SyncJobs{Service: service, Logger: logger, Metrics: metrics}
}

// Handlers lists the task handlers for worker registration.
func (j *SyncJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskSATPull, Handler: j.HandlePull},
		{Type: TaskOdooExport, Handler: j.HandleExport},
		{Type: TaskSyncSweep, Handler: j.HandleSweep},
		{Type: TaskEFOSRefresh, Handler: j.HandleEFOSRefresh},
	}
}

// HandlePull runs a pull attempt.
func (j *SyncJobs) HandlePull(ctx context.Context, task *asynq.Task) error {
	return j.runJob(ctx, task, TaskSATPull, j.Service.HandlePull)
}

// HandleExport runs an export attempt.
func (j *SyncJobs) HandleExport(ctx context.Context, task *asynq.Task) error {
	return j.runJob(ctx, task, TaskOdooExport, j.Service.HandleExport)
}

func (j *SyncJobs) runJob(ctx context.Context, task *asynq.Task, name string, run func(context.Context, int64) error) error {
	if j == nil || j.Service == nil {
		return errors.New("sync jobs: service not configured")
	}
	var payload SyncJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.JobID <= 0 {
		j.log(name).Error("invalid payload", slog.String("payload", string(task.Payload())))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(name)
	err := run(ctx, payload.JobID)
	if errors.Is(err, orchestrator.ErrNeedsAttention) {
		j.metrics().AddExhausted(name, payload.CompanyID)
	}
	return tracker.End(retryable(err))
}

// retryable hands transient failures back to asynq for a delayed retry and
// stops it from retrying anything else.
func retryable(err error) error {
	if err == nil || shared.IsRetryable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// HandleSweep runs the periodic sync sweep.
func (j *SyncJobs) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("sync jobs: service not configured")
	}
	tracker := j.metrics().Track(TaskSyncSweep)
	res, err := j.Service.Sweep(ctx)
	if err != nil {
		j.log(TaskSyncSweep).Error("sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.log(TaskSyncSweep).Info("sweep done",
		slog.Int("triggered", res.Triggered),
		slog.Int("requeued", res.Requeued),
		slog.Int("failed", res.Failed),
	)
	return tracker.End(nil)
}

// HandleEFOSRefresh reloads the 69-B list.
func (j *SyncJobs) HandleEFOSRefresh(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("sync jobs: service not configured")
	}
	tracker := j.metrics().Track(TaskEFOSRefresh)
	n, err := j.Service.RefreshEFOS(ctx)
	if err != nil {
		j.log(TaskEFOSRefresh).Error("efos refresh failed", slog.Any("error", err))
		return tracker.End(retryable(err))
	}
	j.log(TaskEFOSRefresh).Info("efos list loaded", slog.Int("flagged", n))
	return tracker.End(nil)
}

func (j *SyncJobs) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SyncJobs) log(name string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", name))
	}
	return slog.Default().With(slog.String("job", name))
}
