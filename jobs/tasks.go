package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/contamx/contamx/internal/orchestrator"
)

const (
	// QueueDefault is the queue for maintenance jobs.
	QueueDefault = "default"
	// QueueSync is the queue for SAT pulls and Odoo exports.
	QueueSync = "sync"

	// TaskSATPull runs one attempt of a persisted pull job.
	TaskSATPull = "sync:sat_pull"
	// TaskOdooExport runs one attempt of a persisted export job.
	TaskOdooExport = "sync:odoo_export"
	// TaskSyncSweep queues auto-sync pulls and recovers lost jobs.
	TaskSyncSweep = "sync:sweep"
	// TaskEFOSRefresh reloads the SAT 69-B list.
	TaskEFOSRefresh = "sat:efos_refresh"
	// TaskSnapshotRebuild rebuilds ledger balance snapshots.
	TaskSnapshotRebuild = "ledger:snapshot_rebuild"
	// TaskLedgerIntegrity verifies snapshots and trial balances.
	TaskLedgerIntegrity = "ledger:integrity"
)

// SyncJobPayload points a task at its persisted job record.
type SyncJobPayload struct {
	JobID     int64 `json:"job_id"`
	CompanyID int64 `json:"company_id,omitempty"`
}

func syncJobTask(taskType, taskID string, payload SyncJobPayload, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(QueueSync), asynq.TaskID(taskID)}, opts...)
	return asynq.NewTask(taskType, body, opts...), nil
}

// NewSATPullTask builds the pull task. Every pull of a company shares one
// task id so at most one is queued.
func NewSATPullTask(companyID, jobID int64, opts ...asynq.Option) (*asynq.Task, error) {
	return syncJobTask(TaskSATPull, orchestrator.PullTaskID(companyID), SyncJobPayload{JobID: jobID, CompanyID: companyID}, opts...)
}

// NewOdooExportTask builds the export task keyed by the export's
// idempotency key.
func NewOdooExportTask(jobID int64, key string, opts ...asynq.Option) (*asynq.Task, error) {
	return syncJobTask(TaskOdooExport, key, SyncJobPayload{JobID: jobID}, opts...)
}

// LedgerPayload scopes the ledger maintenance jobs. An empty Company means
// every active company; a zero PeriodID means the latest ended period.
type LedgerPayload struct {
	Company  string `json:"company"`
	PeriodID int64  `json:"period_id,omitempty"`
}

func (p LedgerPayload) companyID() (int64, error) {
	if p.Company == "" || p.Company == "all" {
		return 0, nil
	}
	id, err := strconv.ParseInt(p.Company, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid company id %q", p.Company)
	}
	return id, nil
}

// NewSnapshotRebuildTask creates the snapshot rebuild task.
func NewSnapshotRebuildTask(company string, periodID int64) (*asynq.Task, error) {
	return ledgerTask(TaskSnapshotRebuild, company, periodID)
}

// NewLedgerIntegrityTask creates the integrity check task.
func NewLedgerIntegrityTask(company string) (*asynq.Task, error) {
	return ledgerTask(TaskLedgerIntegrity, company, 0)
}

func ledgerTask(taskType, company string, periodID int64) (*asynq.Task, error) {
	if company == "" {
		company = "all"
	}
	body, err := json.Marshal(LedgerPayload{Company: company, PeriodID: periodID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}

// NewSyncSweepTask creates the sweep task.
func NewSyncSweepTask() *asynq.Task {
	return asynq.NewTask(TaskSyncSweep, nil, asynq.Queue(QueueSync))
}

// NewEFOSRefreshTask creates the 69-B refresh task.
func NewEFOSRefreshTask() *asynq.Task {
	return asynq.NewTask(TaskEFOSRefresh, nil, asynq.Queue(QueueDefault))
}
