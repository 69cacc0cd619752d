// Package orchestrator drives the SAT and bank pulls, the Odoo export and
// their persisted job records.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/contamx/contamx/internal/shared"
)

// JobKind names the work a SyncJob performs.
type JobKind string

const (
	JobSATPull    JobKind = "SAT_PULL"
	JobOdooExport JobKind = "ODOO_EXPORT"
)

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
)

// CheckpointKind names a pull cursor.
type CheckpointKind string

const (
	CheckpointSAT    CheckpointKind = "SAT_PULL"
	CheckpointBank   CheckpointKind = "BANK_PULL"
	CheckpointExport CheckpointKind = "ODOO_EXPORT"
)

// Job is the persisted record of one unit of sync work. IdempotencyKey is
// unique across all jobs.
type Job struct {
	ID             int64
	Kind           JobKind
	CompanyID      int64
	IdempotencyKey string
	Attempts       int
	MaxAttempts    int
	Status         JobStatus
	NeedsAttention bool
	LastError      string
	NextAttemptAt  *time.Time
	ExternalRef    string
	Payload        json.RawMessage
	CancelledAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Cancelled reports whether an operator cancelled the job.
func (j Job) Cancelled() bool { return j.CancelledAt != nil }

// Exhausted reports whether the job has used its own attempt budget. Jobs
// stored without one fall back to policy.
func (j Job) Exhausted(policy RetryPolicy) bool {
	if j.MaxAttempts > 0 {
		return j.Attempts >= j.MaxAttempts
	}
	return policy.Exhausted(j.Attempts)
}

// Active reports whether the job is queued, running or waiting for an
// automatic retry.
func (j Job) Active() bool {
	if j.Cancelled() {
		return false
	}
	switch j.Status {
	case JobPending, JobRunning:
		return true
	case JobFailed:
		return !j.NeedsAttention
	}
	return false
}

// ExportPayload is the payload of an ODOO_EXPORT job.
type ExportPayload struct {
	EntryID int64 `json:"entry_id"`
}

func (j Job) exportPayload() (ExportPayload, error) {
	var p ExportPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil || p.EntryID == 0 {
		return p, fmt.Errorf("%w: job %d payload", ErrInvalidJob, j.ID)
	}
	return p, nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	CompanyID      int64
	Kind           JobKind
	Status         JobStatus
	NeedsAttention *bool
	Page           shared.Page
}

// Checkpoint is the last cursor fully processed for a company and feed.
type Checkpoint struct {
	CompanyID int64
	Kind      CheckpointKind
	Cursor    string
	UpdatedAt time.Time
}

// ConnectionStatus records the outcome of the last connection test.
type ConnectionStatus string

const (
	ConnectionUntested  ConnectionStatus = "UNTESTED"
	ConnectionConnected ConnectionStatus = "CONNECTED"
	ConnectionError     ConnectionStatus = "ERROR"
)

// OdooConnection holds a company's Odoo credentials. The password is only
// stored sealed.
type OdooConnection struct {
	CompanyID        int64
	URL              string
	Database         string
	Username         string
	SecretCiphertext []byte
	OdooCompanyID    int64
	OdooJournalID    int64
	Status           ConnectionStatus
	LastError        string
	LastTestedAt     *time.Time
	UpdatedAt        time.Time
}

// ConnectionInput is what an operator submits to configure Odoo. An empty
// Password keeps the stored one.
type ConnectionInput struct {
	URL           string `json:"url" validate:"required,url"`
	Database      string `json:"database" validate:"required"`
	Username      string `json:"username" validate:"required"`
	Password      string `json:"password"`
	OdooCompanyID int64  `json:"odoo_company_id" validate:"gte=0"`
	OdooJournalID int64  `json:"odoo_journal_id" validate:"gte=0"`
}

// SyncSettings are the per-company switches for background sync.
type SyncSettings struct {
	CompanyID     int64
	AutoSync      bool
	ExportEnabled bool
	UpdatedAt     time.Time
}

// PullResult summarises one pull run.
type PullResult struct {
	Listed     int
	Imported   int
	Duplicates int
	Rejected   int
	Cursor     string
}

// SweepResult summarises one Sweep.
type SweepResult struct {
	Triggered int
	Requeued  int
	Exported  int
	Failed    int
}

var (
	// ErrJobNotFound indicates a missing job.
	ErrJobNotFound = shared.NewError(shared.KindNotFound, "JobNotFound", "orchestrator: job not found")
	// ErrInvalidJob indicates a job record that cannot be executed.
	ErrInvalidJob = shared.NewError(shared.KindIntegrity, "InvalidJob", "orchestrator: job record is invalid")
	// ErrJobNotRetryable indicates RetryJob on a job that does not need it.
	ErrJobNotRetryable = shared.NewError(shared.KindConflict, "JobNotRetryable", "orchestrator: job is not awaiting a retry")
	// ErrJobFinished indicates CancelJob on a job that already succeeded.
	ErrJobFinished = shared.NewError(shared.KindConflict, "JobFinished", "orchestrator: job already finished")
	// ErrNeedsAttention indicates a job that stopped retrying.
	ErrNeedsAttention = shared.NewError(shared.KindIntegrity, "NeedsAttention", "orchestrator: job needs operator attention")
	// ErrConnectionNotFound indicates no Odoo connection for the company.
	ErrConnectionNotFound = shared.NewError(shared.KindValidation, "OdooNotConfigured", "orchestrator: odoo connection not configured")
	// ErrPasswordRequired indicates a first connection saved without a password.
	ErrPasswordRequired = shared.NewError(shared.KindValidation, "OdooPasswordRequired", "orchestrator: odoo password required")
	// ErrCheckpointNotFound indicates no cursor yet for a feed.
	ErrCheckpointNotFound = shared.NewError(shared.KindNotFound, "CheckpointNotFound", "orchestrator: checkpoint not found")
	// ErrSettingsNotFound indicates no sync settings row.
	ErrSettingsNotFound = shared.NewError(shared.KindNotFound, "SettingsNotFound", "orchestrator: sync settings not found")
)
