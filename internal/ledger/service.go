package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/contamx/contamx/internal/events"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates posting, reversing and closing for every company.
// Writes of one company are serialised through the tenant locker; reads run
// under snapshot isolation without it.
type Service struct {
	repo      RepositoryPort
	locker    tenant.Locker
	publisher events.Publisher
	audit     AuditPort
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, locker tenant.Locker, publisher events.Publisher, audit AuditPort, logger *slog.Logger) *Service {
	if locker == nil {
		locker = tenant.NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		audit:     audit,
		logger:    logger.With(slog.String("component", "ledger")),
		now:       time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Post validates and persists a journal entry. A draft carrying a source
// that was already posted returns the existing entry without side effects.
func (s *Service) Post(ctx context.Context, scope tenant.Scope, draft EntryDraft) (JournalEntry, error) {
	if err := scope.Require(shared.PermLedgerPost); err != nil {
		return JournalEntry{}, err
	}
	if draft.Kind == "" {
		draft.Kind = EntryKindNormal
	}
	if draft.Kind == EntryKindReversal {
		return JournalEntry{}, fmt.Errorf("%w: reversals are created through Reverse", ErrInvalidStatus)
	}
	if err := draft.Validate(); err != nil {
		return JournalEntry{}, err
	}

	var (
		entry   JournalEntry
		created bool
	)
	err := s.withLock(ctx, scope.CompanyID(), func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			entry, created, err = s.insert(ctx, tx, scope, draft)
			return err
		})
	})
	if errors.Is(err, ErrSourceConflict) {
		return s.entryBySource(ctx, scope.CompanyID(), draft.SourceModule, draft.SourceRef)
	}
	if err != nil {
		return JournalEntry{}, err
	}
	if created {
		s.afterPost(ctx, scope, entry, "journal.post", nil)
	}
	return entry, nil
}

// insert runs the checks that need storage and writes the entry. It must be
// called with the company lock held.
func (s *Service) insert(ctx context.Context, tx TxRepository, scope tenant.Scope, draft EntryDraft) (JournalEntry, bool, error) {
	companyID := scope.CompanyID()
	period, err := tx.GetPeriodForUpdate(ctx, companyID, draft.PeriodID)
	if err != nil {
		return JournalEntry{}, false, err
	}
	if period.Status != PeriodStatusOpen {
		return JournalEntry{}, false, fmt.Errorf("%w: %s", ErrPeriodClosed, period.Code())
	}
	if !period.Contains(draft.Date) {
		return JournalEntry{}, false, fmt.Errorf("%w: %s not in %s", ErrDateOutOfRange, draft.Date.Format(time.DateOnly), period.Code())
	}
	chart, err := s.loadChart(ctx, tx, companyID)
	if err != nil {
		return JournalEntry{}, false, err
	}
	for _, m := range draft.Movements {
		if err := chart.CheckPostable(m.AccountID); err != nil {
			return JournalEntry{}, false, err
		}
	}
	if draft.SourceModule != "" && draft.SourceRef != "" {
		existing, err := tx.FindEntryBySource(ctx, companyID, draft.SourceModule, draft.SourceRef)
		switch {
		case err == nil:
			return existing, false, nil
		case !errors.Is(err, ErrEntryNotFound):
			return JournalEntry{}, false, err
		}
	}
	number, err := tx.NextSequence(ctx, companyID)
	if err != nil {
		return JournalEntry{}, false, err
	}
	entry := JournalEntry{
		CompanyID:    companyID,
		PeriodID:     period.ID,
		Number:       number,
		UUID:         uuid.New(),
		Date:         truncateDay(draft.Date),
		Description:  draft.Description,
		Kind:         draft.Kind,
		Status:       EntryStatusPosted,
		ReferenceID:  draft.ReferenceID,
		SourceModule: draft.SourceModule,
		SourceRef:    draft.SourceRef,
		PostedBy:     scope.ActorID(),
		PostedAt:     s.now(),
	}
	inserted, err := tx.InsertEntry(ctx, entry)
	if err != nil {
		return JournalEntry{}, false, err
	}
	movements, err := tx.InsertMovements(ctx, inserted.ID, draft.Movements)
	if err != nil {
		return JournalEntry{}, false, err
	}
	inserted.Movements = movements
	if draft.SourceModule != "" && draft.SourceRef != "" {
		if err := tx.LinkSource(ctx, companyID, draft.SourceModule, draft.SourceRef, inserted.ID); err != nil {
			return JournalEntry{}, false, err
		}
	}
	return inserted, true, nil
}

// Reverse posts a mirror of the entry. When the original period is closed
// the reversal lands on the first day of the next open period.
func (s *Service) Reverse(ctx context.Context, scope tenant.Scope, entryID int64, input ReverseInput) (JournalEntry, error) {
	if err := scope.Require(shared.PermLedgerPost); err != nil {
		return JournalEntry{}, err
	}
	if entryID == 0 {
		return JournalEntry{}, ErrEntryNotFound
	}
	var reversal JournalEntry
	err := s.withLock(ctx, scope.CompanyID(), func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			original, err := tx.GetEntry(ctx, scope.CompanyID(), entryID)
			if err != nil {
				return err
			}
			if original.Status != EntryStatusPosted {
				return ErrInvalidStatus
			}
			reversed, err := tx.HasReversal(ctx, original.ID)
			if err != nil {
				return err
			}
			if reversed {
				return ErrAlreadyReversed
			}
			period, err := tx.GetPeriodForUpdate(ctx, scope.CompanyID(), original.PeriodID)
			if err != nil {
				return err
			}
			target := period
			date := original.Date
			if input.Date != nil {
				date = *input.Date
			}
			if period.Status != PeriodStatusOpen {
				next, err := tx.FindOpenPeriodFrom(ctx, scope.CompanyID(), period.EndDate.AddDate(0, 0, 1))
				if err != nil {
					return err
				}
				target = next
				date = next.StartDate
			}
			ref := original.ID
			draft := EntryDraft{
				PeriodID:     target.ID,
				Date:         date,
				Description:  reversalMemo(input.Memo, original.Number),
				Kind:         EntryKindReversal,
				ReferenceID:  &ref,
				SourceModule: "REVERSAL",
				SourceRef:    original.UUID.String(),
				Movements:    mirror(original.Movements),
			}
			entry, created, err := s.insert(ctx, tx, scope, draft)
			if err != nil {
				return err
			}
			if !created {
				return ErrAlreadyReversed
			}
			if err := tx.InsertReversal(ctx, original.ID, entry.ID); err != nil {
				return err
			}
			reversal = entry
			return nil
		})
	})
	if errors.Is(err, ErrSourceConflict) {
		return JournalEntry{}, ErrAlreadyReversed
	}
	if err != nil {
		return JournalEntry{}, err
	}
	s.afterPost(ctx, scope, reversal, "journal.reverse", map[string]any{"original_id": entryID})
	return reversal, nil
}

// ClosePeriod verifies the cumulative trial balance, marks the period closed
// and snapshots every leaf account in one transaction.
func (s *Service) ClosePeriod(ctx context.Context, scope tenant.Scope, periodID int64) (Period, error) {
	if err := scope.Require(shared.PermLedgerClose); err != nil {
		return Period{}, err
	}
	var closed Period
	err := s.withLock(ctx, scope.CompanyID(), func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			period, err := tx.GetPeriodForUpdate(ctx, scope.CompanyID(), periodID)
			if err != nil {
				return err
			}
			if period.Status == PeriodStatusClosed {
				return ErrAlreadyClosed
			}
			tb, err := s.trialBalance(ctx, tx, scope.CompanyID(), period.EndDate)
			if err != nil {
				return err
			}
			if !tb.Balanced() {
				s.logger.ErrorContext(ctx, "trial balance not zero at close",
					slog.Int64("company_id", scope.CompanyID()),
					slog.Int64("period_id", period.ID),
					slog.String("period", period.Code()),
					slog.String("debit", tb.Debit.String()),
					slog.String("credit", tb.Credit.String()),
				)
				return fmt.Errorf("%w: debit %s credit %s", ErrUnbalancedTrialBalance, tb.Debit, tb.Credit)
			}
			at := s.now()
			if err := tx.MarkPeriodClosed(ctx, scope.CompanyID(), period.ID, scope.ActorID(), at); err != nil {
				return err
			}
			if _, err := s.buildSnapshots(ctx, tx, scope.CompanyID(), period); err != nil {
				return err
			}
			period.Status = PeriodStatusClosed
			period.ClosedAt = &at
			actor := scope.ActorID()
			period.ClosedBy = &actor
			closed = period
			return nil
		})
	})
	if err != nil {
		return Period{}, err
	}
	s.publish(ctx, events.PeriodClosed{
		CompanyID: scope.CompanyID(),
		PeriodID:  closed.ID,
		Year:      closed.Year,
		Month:     closed.Month,
		ClosedBy:  scope.ActorID(),
		At:        *closed.ClosedAt,
	})
	s.record(ctx, scope, "period.close", "period", closed.ID, map[string]any{"period": closed.Code()})
	return closed, nil
}

// OpenPeriod creates the fiscal month for the company.
func (s *Service) OpenPeriod(ctx context.Context, scope tenant.Scope, year, month int) (Period, error) {
	if err := scope.Require(shared.PermLedgerConfig); err != nil {
		return Period{}, err
	}
	if month < 1 || month > 12 || year < 1900 {
		return Period{}, fmt.Errorf("%w: %04d-%02d", ErrPeriodNotFound, year, month)
	}
	start, end := MonthBounds(year, month)
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		period, err = tx.InsertPeriod(ctx, Period{
			CompanyID: scope.CompanyID(),
			Year:      year,
			Month:     month,
			StartDate: start,
			EndDate:   end,
			Status:    PeriodStatusOpen,
		})
		return err
	})
	if err != nil {
		return Period{}, err
	}
	s.record(ctx, scope, "period.open", "period", period.ID, map[string]any{"period": period.Code()})
	return period, nil
}

// ListPeriods returns the company's periods ordered by start date.
func (s *Service) ListPeriods(ctx context.Context, scope tenant.Scope) ([]Period, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return nil, err
	}
	var periods []Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		periods, err = tx.ListPeriods(ctx, scope.CompanyID())
		return err
	})
	return periods, err
}

// PeriodFor returns the open period covering date, or the next open one.
func (s *Service) PeriodFor(ctx context.Context, scope tenant.Scope, date time.Time) (Period, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return Period{}, err
	}
	var period Period
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		period, err = tx.FindOpenPeriodFrom(ctx, scope.CompanyID(), date)
		return err
	})
	return period, err
}

// CreateAccount adds a node to the chart of accounts.
func (s *Service) CreateAccount(ctx context.Context, scope tenant.Scope, input AccountInput) (Account, error) {
	if err := scope.Require(shared.PermLedgerConfig); err != nil {
		return Account{}, err
	}
	if input.Code == "" || input.Name == "" {
		return Account{}, fmt.Errorf("%w: code and name required", ErrInvalidMovement)
	}
	if input.Nature != NatureDebit && input.Nature != NatureCredit {
		return Account{}, fmt.Errorf("%w: nature %q", ErrInvalidMovement, input.Nature)
	}
	var account Account
	err := s.withLock(ctx, scope.CompanyID(), func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			chart, err := s.loadChart(ctx, tx, scope.CompanyID())
			if err != nil {
				return err
			}
			if input.ParentID != nil {
				if _, ok := chart.Get(*input.ParentID); !ok {
					return fmt.Errorf("%w: parent %d", ErrUnknownAccount, *input.ParentID)
				}
				used, err := tx.AccountHasMovements(ctx, *input.ParentID)
				if err != nil {
					return err
				}
				if used {
					return fmt.Errorf("%w: parent %d already carries movements", ErrNonLeafAccount, *input.ParentID)
				}
			}
			account, err = tx.InsertAccount(ctx, Account{
				CompanyID:    scope.CompanyID(),
				ParentID:     input.ParentID,
				Code:         input.Code,
				Name:         input.Name,
				GroupingCode: input.GroupingCode,
				Nature:       input.Nature,
				Active:       true,
			})
			return err
		})
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, scope, "account.create", "account", account.ID, map[string]any{"code": account.Code})
	return account, nil
}

// ListAccounts returns the company chart ordered by code.
func (s *Service) ListAccounts(ctx context.Context, scope tenant.Scope) ([]Account, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return nil, err
	}
	var accounts []Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		chart, err := s.loadChart(ctx, tx, scope.CompanyID())
		if err != nil {
			return err
		}
		accounts = chart.Accounts()
		return nil
	})
	return accounts, err
}

// GetEntry returns a posted entry with its movements.
func (s *Service) GetEntry(ctx context.Context, scope tenant.Scope, entryID int64) (JournalEntry, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return JournalEntry{}, err
	}
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.GetEntry(ctx, scope.CompanyID(), entryID)
		return err
	})
	return entry, err
}

// ListEntries returns entries newest first, or oldest first after a cursor.
func (s *Service) ListEntries(ctx context.Context, scope tenant.Scope, filter EntryFilter) ([]JournalEntry, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return nil, err
	}
	var entries []JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entries, err = tx.ListEntries(ctx, scope.CompanyID(), filter)
		return err
	})
	return entries, err
}

// SetMapping points a classification key at a postable account.
func (s *Service) SetMapping(ctx context.Context, scope tenant.Scope, module, key string, accountID int64) error {
	if err := scope.Require(shared.PermLedgerConfig); err != nil {
		return err
	}
	if module == "" || key == "" {
		return fmt.Errorf("%w: module and key required", ErrMappingNotFound)
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		chart, err := s.loadChart(ctx, tx, scope.CompanyID())
		if err != nil {
			return err
		}
		if err := chart.CheckPostable(accountID); err != nil {
			return err
		}
		return tx.UpsertMapping(ctx, AccountMapping{CompanyID: scope.CompanyID(), Module: module, Key: key, AccountID: accountID})
	})
}

// ResolveAccount returns the postable account mapped to module/key.
func (s *Service) ResolveAccount(ctx context.Context, scope tenant.Scope, module, key string) (Account, error) {
	if err := scope.Require(""); err != nil {
		return Account{}, err
	}
	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		mapping, err := tx.GetMapping(ctx, scope.CompanyID(), module, key)
		if err != nil {
			return err
		}
		chart, err := s.loadChart(ctx, tx, scope.CompanyID())
		if err != nil {
			return err
		}
		if err := chart.CheckPostable(mapping.AccountID); err != nil {
			return err
		}
		account, _ = chart.Get(mapping.AccountID)
		return nil
	})
	return account, err
}

// EntryBySource returns the entry posted for a source link.
func (s *Service) EntryBySource(ctx context.Context, scope tenant.Scope, module, ref string) (JournalEntry, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return JournalEntry{}, err
	}
	return s.entryBySource(ctx, scope.CompanyID(), module, ref)
}

func (s *Service) entryBySource(ctx context.Context, companyID int64, module, ref string) (JournalEntry, error) {
	var entry JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entry, err = tx.FindEntryBySource(ctx, companyID, module, ref)
		return err
	})
	return entry, err
}

func (s *Service) loadChart(ctx context.Context, tx TxRepository, companyID int64) (*Chart, error) {
	accounts, err := tx.ListAccounts(ctx, companyID)
	if err != nil {
		return nil, err
	}
	return NewChart(companyID, accounts)
}

func (s *Service) withLock(ctx context.Context, companyID int64, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, companyID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (s *Service) afterPost(ctx context.Context, scope tenant.Scope, entry JournalEntry, action string, meta map[string]any) {
	s.publish(ctx, events.PolizaPosted{
		CompanyID:    entry.CompanyID,
		EntryID:      entry.ID,
		EntryUUID:    entry.UUID,
		Number:       entry.Number,
		PeriodID:     entry.PeriodID,
		SourceModule: entry.SourceModule,
		SourceRef:    entry.SourceRef,
		ReversalOf:   entry.ReferenceID,
		At:           entry.PostedAt,
	})
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = entry.Number
	meta["source_module"] = entry.SourceModule
	meta["source_ref"] = entry.SourceRef
	s.record(ctx, scope, action, "journal_entry", entry.ID, meta)
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", string(evt.Kind())),
			slog.Int64("company_id", evt.Company()),
			slog.Any("error", err),
		)
	}
}

func (s *Service) record(ctx context.Context, scope tenant.Scope, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		CompanyID: scope.CompanyID(),
		ActorID:   scope.ActorID(),
		Action:    action,
		Entity:    entity,
		EntityID:  strconv.FormatInt(id, 10),
		Meta:      meta,
		At:        s.now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

func mirror(movements []Movement) []MovementInput {
	out := make([]MovementInput, 0, len(movements))
	for _, m := range movements {
		out = append(out, MovementInput{
			AccountID: m.AccountID,
			Debit:     m.Credit,
			Credit:    m.Debit,
			Document:  m.Document,
		})
	}
	return out
}

func reversalMemo(memo string, number int64) string {
	if memo != "" {
		return memo
	}
	return fmt.Sprintf("Reversa de póliza %d", number)
}
