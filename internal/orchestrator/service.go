package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/odoo"
	"github.com/contamx/contamx/internal/reconcile"
	"github.com/contamx/contamx/internal/sat"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TenantPort resolves system scopes for background work.
type TenantPort interface {
	SystemScope(ctx context.Context, companyID int64) (tenant.Scope, error)
	ListActiveCompanies(ctx context.Context) ([]tenant.Company, error)
}

// IngestPort feeds pulled documents and statement rows into ingestion.
type IngestPort interface {
	IngestCFDI(ctx context.Context, scope tenant.Scope, raw []byte) (ingest.Result, error)
	IngestBankRows(ctx context.Context, scope tenant.Scope, rows []ingest.BankRow) (ingest.BankImport, error)
	RefreshEFOS(ctx context.Context, entries []ingest.EFOSEntry) (int, error)
}

// LedgerPort is the slice of the ledger the export reads.
type LedgerPort interface {
	GetEntry(ctx context.Context, scope tenant.Scope, entryID int64) (ledger.JournalEntry, error)
	ListEntries(ctx context.Context, scope tenant.Scope, filter ledger.EntryFilter) ([]ledger.JournalEntry, error)
	ListAccounts(ctx context.Context, scope tenant.Scope) ([]ledger.Account, error)
}

// ReconcilePort runs a reconciliation pass.
type ReconcilePort interface {
	Reconcile(ctx context.Context, scope tenant.Scope) (reconcile.Summary, error)
}

// BankFeed lists bank statement rows after a cursor.
type BankFeed interface {
	ListSince(ctx context.Context, rfc, cursor string) (sat.StatementPage, error)
}

// OdooClient is the part of the Odoo API the export and connection test use.
type OdooClient interface {
	Version(ctx context.Context) (odoo.Version, error)
	Authenticate(ctx context.Context) (int64, error)
	FindMoveByRef(ctx context.Context, ref string) (int64, bool, error)
	CreateMove(ctx context.Context, m odoo.Move) (int64, error)
}

// OdooDialer builds a client for a company's connection.
type OdooDialer func(cfg odoo.Config) (OdooClient, error)

// DialOdoo builds the JSON-RPC client.
func DialOdoo(cfg odoo.Config) (OdooClient, error) {
	return odoo.New(cfg, nil)
}

// Queue hands job ids to the worker pool. Enqueueing a job that is already
// queued is not an error.
type Queue interface {
	EnqueuePull(ctx context.Context, companyID, jobID int64) error
	EnqueueExport(ctx context.Context, jobID int64, key string) error
}

// Dependencies wires the orchestrator. Bank and Reconcile are optional.
type Dependencies struct {
	Repo      RepositoryPort
	Tenants   TenantPort
	Ingest    IngestPort
	Ledger    LedgerPort
	Reconcile ReconcilePort
	SAT       sat.Source
	Bank      BankFeed
	Odoo      OdooDialer
	Queue     Queue
	Sealer    *shared.Sealer
	Policy    RetryPolicy
	// Lease is how long a RUNNING job may go silent before Sweep requeues it.
	Lease time.Duration
	// Fanout bounds concurrent per-company work in Sweep.
	Fanout      int
	OdooTimeout time.Duration
	OdooRPS     float64
	Logger      *slog.Logger
}

// Service drives pulls, exports and their job records.
type Service struct {
	repo      RepositoryPort
	tenants   TenantPort
	ingest    IngestPort
	ledger    LedgerPort
	reconcile ReconcilePort
	sat       sat.Source
	bank      BankFeed
	dial      OdooDialer
	queue     Queue
	sealer    *shared.Sealer
	policy    RetryPolicy
	lease     time.Duration
	fanout    int
	odooCfg   odoo.Config
	logger    *slog.Logger
	flight    singleflight.Group
	now       func() time.Time
}

// NewService constructs the orchestrator.
func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := deps.Odoo
	if dial == nil {
		dial = DialOdoo
	}
	lease := deps.Lease
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	fanout := deps.Fanout
	if fanout <= 0 {
		fanout = 4
	}
	return &Service{
		repo:      deps.Repo,
		tenants:   deps.Tenants,
		ingest:    deps.Ingest,
		ledger:    deps.Ledger,
		reconcile: deps.Reconcile,
		sat:       deps.SAT,
		bank:      deps.Bank,
		dial:      dial,
		queue:     deps.Queue,
		sealer:    deps.Sealer,
		policy:    deps.Policy.normalized(),
		lease:     lease,
		fanout:    fanout,
		odooCfg:   odoo.Config{Timeout: deps.OdooTimeout, RPS: deps.OdooRPS},
		logger:    logger.With(slog.String("component", "orchestrator")),
		now:       time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Policy returns the retry schedule shared with the worker.
func (s *Service) Policy() RetryPolicy {
	return s.policy
}

// ExportKey is the idempotency key of the Odoo export of a document.
func ExportKey(companyID int64, documentUUID string) string {
	return fmt.Sprintf("odoo:%d:%s", companyID, strings.ToUpper(documentUUID))
}

// PullTaskID is the queue task id shared by every pull of a company.
func PullTaskID(companyID int64) string {
	return fmt.Sprintf("sat-pull:%d", companyID)
}

// exportDocumentUUID is the CFDI UUID for CFDI postings and the entry UUID
// for everything else.
func exportDocumentUUID(entry ledger.JournalEntry) string {
	if entry.SourceModule == ledger.SourceCFDI && entry.SourceRef != "" {
		return entry.SourceRef
	}
	return entry.UUID.String()
}

// RunSATPull imports every CFDI listed after the company's checkpoint. A
// rejected document is counted and skipped. A transient failure stops the
// run without moving the checkpoint past the current page.
func (s *Service) RunSATPull(ctx context.Context, companyID int64) (PullResult, error) {
	scope, err := s.tenants.SystemScope(ctx, companyID)
	if err != nil {
		return PullResult{}, err
	}
	cursor, err := s.checkpoint(ctx, companyID, CheckpointSAT)
	if err != nil {
		return PullResult{}, err
	}
	res := PullResult{Cursor: cursor}
	rfc := scope.Company().RFC
	for {
		listing, err := s.sat.ListSince(ctx, rfc, cursor)
		if err != nil {
			return res, err
		}
		res.Listed += len(listing.UUIDs)
		for _, id := range listing.UUIDs {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if err := s.pullOne(ctx, scope, id, &res); err != nil {
				return res, err
			}
		}
		if listing.Cursor != "" && listing.Cursor != cursor {
			cursor = listing.Cursor
			if err := s.saveCheckpoint(ctx, companyID, CheckpointSAT, cursor); err != nil {
				return res, err
			}
			res.Cursor = cursor
		}
		if !listing.HasMore {
			break
		}
	}
	s.logger.InfoContext(ctx, "sat pull finished",
		slog.Int64("company_id", companyID),
		slog.Int("listed", res.Listed),
		slog.Int("imported", res.Imported),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("rejected", res.Rejected),
	)
	return res, nil
}

func (s *Service) pullOne(ctx context.Context, scope tenant.Scope, uuid string, res *PullResult) error {
	raw, err := s.sat.Fetch(ctx, scope.Company().RFC, uuid)
	if err == nil {
		var result ingest.Result
		result, err = s.ingest.IngestCFDI(ctx, scope, raw)
		if err == nil {
			if result.Duplicate {
				res.Duplicates++
			} else {
				res.Imported++
			}
			return nil
		}
	}
	if shared.IsRetryable(err) || errors.Is(err, context.Canceled) {
		return err
	}
	res.Rejected++
	s.logger.WarnContext(ctx, "sat document skipped",
		slog.Int64("company_id", scope.CompanyID()),
		slog.String("uuid", uuid),
		slog.String("code", shared.CodeOf(err)),
		slog.Any("error", err),
	)
	return nil
}

// RunBankPull imports statement rows after the company's checkpoint and
// then runs a reconciliation pass.
func (s *Service) RunBankPull(ctx context.Context, companyID int64) (PullResult, error) {
	if s.bank == nil {
		return PullResult{}, nil
	}
	scope, err := s.tenants.SystemScope(ctx, companyID)
	if err != nil {
		return PullResult{}, err
	}
	cursor, err := s.checkpoint(ctx, companyID, CheckpointBank)
	if err != nil {
		return PullResult{}, err
	}
	res := PullResult{Cursor: cursor}
	for {
		page, err := s.bank.ListSince(ctx, scope.Company().RFC, cursor)
		if err != nil {
			return res, err
		}
		res.Listed += len(page.Rows)
		if len(page.Rows) > 0 {
			imported, err := s.ingest.IngestBankRows(ctx, scope, page.Rows)
			if err != nil {
				return res, err
			}
			res.Imported += len(imported.Inserted)
			res.Duplicates += imported.Duplicates
		}
		if page.Cursor != "" && page.Cursor != cursor {
			cursor = page.Cursor
			if err := s.saveCheckpoint(ctx, companyID, CheckpointBank, cursor); err != nil {
				return res, err
			}
			res.Cursor = cursor
		}
		if !page.HasMore {
			break
		}
	}
	if s.reconcile != nil && res.Imported > 0 {
		if _, err := s.reconcile.Reconcile(ctx, scope); err != nil {
			if shared.IsRetryable(err) {
				return res, err
			}
			s.logger.WarnContext(ctx, "reconcile after bank pull failed",
				slog.Int64("company_id", companyID),
				slog.Any("error", err),
			)
		}
	}
	return res, nil
}

func (s *Service) checkpoint(ctx context.Context, companyID int64, kind CheckpointKind) (string, error) {
	var cursor string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		cp, err := tx.GetCheckpoint(ctx, companyID, kind)
		if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
			return err
		}
		cursor = cp.Cursor
		return nil
	})
	return cursor, err
}

func (s *Service) saveCheckpoint(ctx context.Context, companyID int64, kind CheckpointKind, cursor string) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SaveCheckpoint(ctx, Checkpoint{CompanyID: companyID, Kind: kind, Cursor: cursor, UpdatedAt: s.now()})
	})
}

// RefreshEFOS downloads the 69-B list and replaces the cached copy.
func (s *Service) RefreshEFOS(ctx context.Context) (int, error) {
	body, err := s.sat.EFOSFeed(ctx)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	entries, err := ingest.ParseEFOSCSV(body)
	if err != nil {
		return 0, err
	}
	return s.ingest.RefreshEFOS(ctx, entries)
}

// TriggerSyncNow queues a pull for the scoped company, or returns the pull
// already queued or running.
func (s *Service) TriggerSyncNow(ctx context.Context, scope tenant.Scope) (Job, error) {
	if err := scope.Require(shared.PermSyncTrigger); err != nil {
		return Job{}, err
	}
	return s.triggerPull(ctx, scope.CompanyID())
}

func (s *Service) triggerPull(ctx context.Context, companyID int64) (Job, error) {
	v, err, _ := s.flight.Do(strconv.FormatInt(companyID, 10), func() (any, error) {
		var (
			job     Job
			created bool
		)
		now := s.now()
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			active, err := tx.ActiveJob(ctx, companyID, JobSATPull)
			if err == nil {
				job = active
				return nil
			}
			if !errors.Is(err, ErrJobNotFound) {
				return err
			}
			job, created, err = tx.InsertJob(ctx, Job{
				Kind:           JobSATPull,
				CompanyID:      companyID,
				IdempotencyKey: fmt.Sprintf("sat-pull:%d:%d", companyID, now.UnixNano()),
				MaxAttempts:    s.policy.MaxAttempts,
				Status:         JobPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			return err
		})
		if err != nil {
			return Job{}, err
		}
		if job.Status == JobPending {
			s.enqueue(ctx, job)
		}
		if created {
			s.logger.InfoContext(ctx, "sat pull queued",
				slog.Int64("company_id", companyID),
				slog.Int64("job_id", job.ID),
			)
		}
		return job, nil
	})
	if err != nil {
		return Job{}, err
	}
	return v.(Job), nil
}

// ExportToOdoo queues the export of a posted entry. Repeated calls for the
// same document return the same job.
func (s *Service) ExportToOdoo(ctx context.Context, scope tenant.Scope, entryID int64) (Job, error) {
	if err := scope.Require(shared.PermSyncTrigger); err != nil {
		return Job{}, err
	}
	entry, err := s.ledger.GetEntry(ctx, scope, entryID)
	if err != nil {
		return Job{}, err
	}
	payload, err := json.Marshal(ExportPayload{EntryID: entry.ID})
	if err != nil {
		return Job{}, err
	}
	now := s.now()
	var (
		job     Job
		created bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		job, created, err = tx.InsertJob(ctx, Job{
			Kind:           JobOdooExport,
			CompanyID:      scope.CompanyID(),
			IdempotencyKey: ExportKey(scope.CompanyID(), exportDocumentUUID(entry)),
			MaxAttempts:    s.policy.MaxAttempts,
			Status:         JobPending,
			Payload:        payload,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		return err
	})
	if err != nil {
		return Job{}, err
	}
	if job.CompanyID != scope.CompanyID() {
		return Job{}, fmt.Errorf("%w: key %s", ErrInvalidJob, job.IdempotencyKey)
	}
	if job.Status == JobPending && !job.Cancelled() {
		s.enqueue(ctx, job)
	}
	if created {
		s.logger.InfoContext(ctx, "odoo export queued",
			slog.Int64("company_id", job.CompanyID),
			slog.Int64("entry_id", entry.ID),
			slog.String("key", job.IdempotencyKey),
		)
	}
	return job, nil
}

// enqueue hands the job to the queue. A failure is logged only: the job is
// persisted and Sweep will pick it up.
func (s *Service) enqueue(ctx context.Context, job Job) bool {
	if s.queue == nil {
		return false
	}
	var err error
	switch job.Kind {
	case JobSATPull:
		err = s.queue.EnqueuePull(ctx, job.CompanyID, job.ID)
	case JobOdooExport:
		err = s.queue.EnqueueExport(ctx, job.ID, job.IdempotencyKey)
	default:
		err = fmt.Errorf("%w: kind %s", ErrInvalidJob, job.Kind)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "enqueue sync job failed",
			slog.Int64("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// HandlePull runs one attempt of a pull job: the SAT pull, then the bank
// pull.
func (s *Service) HandlePull(ctx context.Context, jobID int64) error {
	return s.execute(ctx, jobID, JobSATPull, func(ctx context.Context, job Job) (string, error) {
		res, err := s.RunSATPull(ctx, job.CompanyID)
		if err != nil {
			return "", err
		}
		if _, err := s.RunBankPull(ctx, job.CompanyID); err != nil {
			return "", err
		}
		return res.Cursor, nil
	})
}

// HandleExport runs one attempt of an export job. The move is looked up by
// its key first so a retry never creates a second one.
func (s *Service) HandleExport(ctx context.Context, jobID int64) error {
	return s.execute(ctx, jobID, JobOdooExport, func(ctx context.Context, job Job) (string, error) {
		payload, err := job.exportPayload()
		if err != nil {
			return "", err
		}
		scope, err := s.tenants.SystemScope(ctx, job.CompanyID)
		if err != nil {
			return "", err
		}
		entry, err := s.ledger.GetEntry(ctx, scope, payload.EntryID)
		if err != nil {
			return "", err
		}
		conn, client, err := s.connect(ctx, job.CompanyID)
		if err != nil {
			return "", err
		}
		if id, found, err := client.FindMoveByRef(ctx, job.IdempotencyKey); err != nil {
			return "", err
		} else if found {
			return strconv.FormatInt(id, 10), nil
		}
		move, err := s.buildMove(ctx, scope, entry, job.IdempotencyKey, conn.OdooJournalID)
		if err != nil {
			return "", err
		}
		id, err := client.CreateMove(ctx, move)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(id, 10), nil
	})
}

func (s *Service) buildMove(ctx context.Context, scope tenant.Scope, entry ledger.JournalEntry, ref string, journalID int64) (odoo.Move, error) {
	accounts, err := s.ledger.ListAccounts(ctx, scope)
	if err != nil {
		return odoo.Move{}, err
	}
	codes := make(map[int64]string, len(accounts))
	for _, a := range accounts {
		codes[a.ID] = a.Code
	}
	move := odoo.Move{
		Ref:       ref,
		Date:      entry.Date,
		JournalID: journalID,
		Narration: fmt.Sprintf("#%d %s", entry.Number, entry.Description),
	}
	for _, m := range entry.Movements {
		code, ok := codes[m.AccountID]
		if !ok {
			return odoo.Move{}, fmt.Errorf("%w: entry %d account %d", ErrInvalidJob, entry.ID, m.AccountID)
		}
		move.Lines = append(move.Lines, odoo.MoveLine{
			AccountCode: code,
			Name:        entry.Description,
			Debit:       m.Debit,
			Credit:      m.Credit,
		})
	}
	return move, nil
}

var errSkipJob = errors.New("orchestrator: job not runnable")

// execute wraps one attempt with the persisted lifecycle. The returned
// error is retryable only when the queue should try again.
func (s *Service) execute(ctx context.Context, jobID int64, kind JobKind, run func(context.Context, Job) (string, error)) error {
	job, err := s.begin(ctx, jobID, kind)
	if errors.Is(err, errSkipJob) {
		return nil
	}
	if err != nil {
		return err
	}
	ref, runErr := run(ctx, job)
	return s.finish(ctx, job.ID, ref, runErr)
}

func (s *Service) begin(ctx context.Context, jobID int64, kind JobKind) (Job, error) {
	var job Job
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if current.Kind != kind {
			return fmt.Errorf("%w: job %d is %s", ErrInvalidJob, jobID, current.Kind)
		}
		if current.Cancelled() || current.Status == JobSucceeded || current.NeedsAttention {
			job = current
			return errSkipJob
		}
		current.Attempts++
		current.Status = JobRunning
		current.NextAttemptAt = nil
		current.UpdatedAt = s.now()
		if err := tx.UpdateJob(ctx, current); err != nil {
			return err
		}
		job = current
		return nil
	})
	if errors.Is(err, errSkipJob) {
		s.logger.InfoContext(ctx, "sync job skipped",
			slog.Int64("job_id", jobID),
			slog.String("status", string(job.Status)),
			slog.Bool("cancelled", job.Cancelled()),
		)
	}
	return job, err
}

func (s *Service) finish(ctx context.Context, jobID int64, ref string, runErr error) error {
	var (
		job    Job
		result error
	)
	now := s.now()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		current.UpdatedAt = now
		current.NextAttemptAt = nil
		switch {
		case runErr == nil:
			current.Status = JobSucceeded
			current.ExternalRef = ref
			current.LastError = ""
			result = nil
		case current.Cancelled():
			current.Status = JobFailed
			current.LastError = runErr.Error()
			result = nil
		case shared.IsRetryable(runErr) && !current.Exhausted(s.policy):
			current.Status = JobFailed
			current.LastError = runErr.Error()
			next := now.Add(s.policy.Delay(current.Attempts))
			current.NextAttemptAt = &next
			result = runErr
		default:
			current.Status = JobFailed
			current.LastError = runErr.Error()
			current.NeedsAttention = true
			result = fmt.Errorf("%w: %w", ErrNeedsAttention, runErr)
		}
		job = current
		return tx.UpdateJob(ctx, current)
	})
	if err != nil {
		if runErr != nil {
			return errors.Join(runErr, err)
		}
		return err
	}
	attrs := []any{
		slog.Int64("job_id", job.ID),
		slog.Int64("company_id", job.CompanyID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempts", job.Attempts),
	}
	switch {
	case runErr == nil:
		s.logger.InfoContext(ctx, "sync job succeeded", append(attrs, slog.String("external_ref", ref))...)
	case job.NeedsAttention:
		s.logger.ErrorContext(ctx, "sync job needs attention", append(attrs, slog.Any("error", runErr))...)
	default:
		s.logger.WarnContext(ctx, "sync job attempt failed", append(attrs, slog.Any("error", runErr))...)
	}
	return result
}

// connect opens the company's Odoo connection with its decrypted password.
func (s *Service) connect(ctx context.Context, companyID int64) (OdooConnection, OdooClient, error) {
	var conn OdooConnection
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		conn, err = tx.GetConnection(ctx, companyID)
		return err
	})
	if err != nil {
		return OdooConnection{}, nil, err
	}
	if s.sealer == nil {
		return conn, nil, shared.ErrSecretKey
	}
	password, err := s.sealer.Open(conn.SecretCiphertext)
	if err != nil {
		return conn, nil, err
	}
	cfg := s.odooCfg
	cfg.URL = conn.URL
	cfg.Database = conn.Database
	cfg.Username = conn.Username
	cfg.Password = string(password)
	cfg.CompanyID = conn.OdooCompanyID
	client, err := s.dial(cfg)
	if err != nil {
		return conn, nil, err
	}
	return conn, client, nil
}

// TestOdooConnection checks the stored credentials with version and
// authenticate calls and records the outcome. A remote failure is reported
// in the returned status, not as an error.
func (s *Service) TestOdooConnection(ctx context.Context, scope tenant.Scope) (OdooConnection, error) {
	if err := scope.Require(shared.PermSyncManage); err != nil {
		return OdooConnection{}, err
	}
	conn, client, err := s.connect(ctx, scope.CompanyID())
	if errors.Is(err, ErrConnectionNotFound) || errors.Is(err, shared.ErrDecrypt) || errors.Is(err, shared.ErrSecretKey) {
		return OdooConnection{}, err
	}
	if err == nil {
		_, err = client.Version(ctx)
	}
	if err == nil {
		_, err = client.Authenticate(ctx)
	}
	now := s.now()
	conn.LastTestedAt = &now
	conn.UpdatedAt = now
	if err != nil {
		conn.Status = ConnectionError
		conn.LastError = err.Error()
	} else {
		conn.Status = ConnectionConnected
		conn.LastError = ""
	}
	if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpsertConnection(ctx, conn)
	}); err != nil {
		return OdooConnection{}, err
	}
	s.logger.InfoContext(ctx, "odoo connection tested",
		slog.Int64("company_id", conn.CompanyID),
		slog.String("status", string(conn.Status)),
	)
	return conn, nil
}

// SaveOdooConnection stores the company's Odoo settings with the password
// sealed. The connection returns to UNTESTED.
func (s *Service) SaveOdooConnection(ctx context.Context, scope tenant.Scope, in ConnectionInput) (OdooConnection, error) {
	if err := scope.Require(shared.PermSyncManage); err != nil {
		return OdooConnection{}, err
	}
	in.URL = strings.TrimRight(strings.TrimSpace(in.URL), "/")
	in.Database = strings.TrimSpace(in.Database)
	in.Username = strings.TrimSpace(in.Username)
	if in.URL == "" || in.Database == "" || in.Username == "" {
		return OdooConnection{}, fmt.Errorf("%w: url, database and username are required", odoo.ErrInvalidConfig)
	}
	var sealed []byte
	if in.Password != "" {
		if s.sealer == nil {
			return OdooConnection{}, shared.ErrSecretKey
		}
		var err error
		if sealed, err = s.sealer.Seal([]byte(in.Password)); err != nil {
			return OdooConnection{}, err
		}
	}
	var conn OdooConnection
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetConnection(ctx, scope.CompanyID())
		if err != nil && !errors.Is(err, ErrConnectionNotFound) {
			return err
		}
		if sealed == nil {
			if existing.SecretCiphertext == nil {
				return ErrPasswordRequired
			}
			sealed = existing.SecretCiphertext
		}
		conn = OdooConnection{
			CompanyID:        scope.CompanyID(),
			URL:              in.URL,
			Database:         in.Database,
			Username:         in.Username,
			SecretCiphertext: sealed,
			OdooCompanyID:    in.OdooCompanyID,
			OdooJournalID:    in.OdooJournalID,
			Status:           ConnectionUntested,
			UpdatedAt:        s.now(),
		}
		return tx.UpsertConnection(ctx, conn)
	})
	if err != nil {
		return OdooConnection{}, err
	}
	return conn, nil
}

// GetOdooConnection returns the stored connection.
func (s *Service) GetOdooConnection(ctx context.Context, scope tenant.Scope) (OdooConnection, error) {
	if err := scope.Require(shared.PermSyncTrigger); err != nil {
		return OdooConnection{}, err
	}
	var conn OdooConnection
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		conn, err = tx.GetConnection(ctx, scope.CompanyID())
		return err
	})
	return conn, err
}

// SaveSyncSettings stores the company's sync switches.
func (s *Service) SaveSyncSettings(ctx context.Context, scope tenant.Scope, autoSync, exportEnabled bool) (SyncSettings, error) {
	if err := scope.Require(shared.PermSyncManage); err != nil {
		return SyncSettings{}, err
	}
	settings := SyncSettings{
		CompanyID:     scope.CompanyID(),
		AutoSync:      autoSync,
		ExportEnabled: exportEnabled,
		UpdatedAt:     s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpsertSettings(ctx, settings)
	})
	if err != nil {
		return SyncSettings{}, err
	}
	return settings, nil
}

// GetSyncSettings returns the company's switches; both are off until saved.
func (s *Service) GetSyncSettings(ctx context.Context, scope tenant.Scope) (SyncSettings, error) {
	if err := scope.Require(shared.PermSyncTrigger); err != nil {
		return SyncSettings{}, err
	}
	return s.settings(ctx, scope.CompanyID())
}

func (s *Service) settings(ctx context.Context, companyID int64) (SyncSettings, error) {
	var settings SyncSettings
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		settings, err = tx.GetSettings(ctx, companyID)
		if errors.Is(err, ErrSettingsNotFound) {
			settings = SyncSettings{CompanyID: companyID}
			return nil
		}
		return err
	})
	return settings, err
}

// GetJob returns one of the scoped company's jobs.
func (s *Service) GetJob(ctx context.Context, scope tenant.Scope, jobID int64) (Job, error) {
	if err := scope.Require(shared.PermSyncTrigger); err != nil {
		return Job{}, err
	}
	var job Job
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		job, err = s.ownedJob(ctx, tx, scope, jobID, false)
		return err
	})
	return job, err
}

// ListJobs returns the scoped company's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, scope tenant.Scope, filter JobFilter) ([]Job, error) {
	if err := scope.Require(shared.PermSyncTrigger); err != nil {
		return nil, err
	}
	filter.CompanyID = scope.CompanyID()
	var jobs []Job
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		jobs, err = tx.ListJobs(ctx, filter)
		return err
	})
	return jobs, err
}

func (s *Service) ownedJob(ctx context.Context, tx TxRepository, scope tenant.Scope, jobID int64, forUpdate bool) (Job, error) {
	get := tx.GetJob
	if forUpdate {
		get = tx.GetJobForUpdate
	}
	job, err := get(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.CompanyID != scope.CompanyID() {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

// RetryJob re-arms a job that stopped retrying or was cancelled, with a
// fresh attempt budget.
func (s *Service) RetryJob(ctx context.Context, scope tenant.Scope, jobID int64) (Job, error) {
	if err := scope.Require(shared.PermSyncManage); err != nil {
		return Job{}, err
	}
	var job Job
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := s.ownedJob(ctx, tx, scope, jobID, true)
		if err != nil {
			return err
		}
		if current.Status != JobFailed || !(current.NeedsAttention || current.Cancelled()) {
			return fmt.Errorf("%w: job %d is %s", ErrJobNotRetryable, jobID, current.Status)
		}
		current.Attempts = 0
		current.Status = JobPending
		current.NeedsAttention = false
		current.CancelledAt = nil
		current.NextAttemptAt = nil
		current.UpdatedAt = s.now()
		job = current
		return tx.UpdateJob(ctx, current)
	})
	if err != nil {
		return Job{}, err
	}
	s.enqueue(ctx, job)
	s.logger.InfoContext(ctx, "sync job re-armed",
		slog.Int64("job_id", job.ID),
		slog.Int64("actor_id", scope.ActorID()),
	)
	return job, nil
}

// CancelJob stops further attempts. An attempt already running completes.
func (s *Service) CancelJob(ctx context.Context, scope tenant.Scope, jobID int64) (Job, error) {
	if err := scope.Require(shared.PermSyncManage); err != nil {
		return Job{}, err
	}
	var job Job
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := s.ownedJob(ctx, tx, scope, jobID, true)
		if err != nil {
			return err
		}
		if current.Status == JobSucceeded {
			return fmt.Errorf("%w: job %d", ErrJobFinished, jobID)
		}
		job = current
		if current.Cancelled() {
			return nil
		}
		now := s.now()
		current.CancelledAt = &now
		current.NextAttemptAt = nil
		current.NeedsAttention = false
		if current.Status != JobRunning {
			current.Status = JobFailed
		}
		current.UpdatedAt = now
		job = current
		return tx.UpdateJob(ctx, current)
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}
