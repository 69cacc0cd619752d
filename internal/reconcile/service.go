package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/contamx/contamx/internal/events"
	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

// Account mapping used to find the company's bank account.
const (
	MappingModule = ledger.SourceBank
	BankKey       = "bank"
)

// bankRefNamespace seeds the source refs of entries created for movements.
var bankRefNamespace = uuid.MustParse("5c3e1f0a-7d2b-4e8f-9a61-0b4c2d7e8f13")

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// LedgerPort is the slice of the ledger reconciliation reads and posts to.
type LedgerPort interface {
	Post(ctx context.Context, scope tenant.Scope, draft ledger.EntryDraft) (ledger.JournalEntry, error)
	PeriodFor(ctx context.Context, scope tenant.Scope, date time.Time) (ledger.Period, error)
	ResolveAccount(ctx context.Context, scope tenant.Scope, module, key string) (ledger.Account, error)
	GetEntry(ctx context.Context, scope tenant.Scope, entryID int64) (ledger.JournalEntry, error)
	ListEntries(ctx context.Context, scope tenant.Scope, filter ledger.EntryFilter) ([]ledger.JournalEntry, error)
}

// DocumentsPort is the slice of ingestion reconciliation reads and settles.
type DocumentsPort interface {
	GetMovement(ctx context.Context, scope tenant.Scope, id int64) (ingest.BankMovement, error)
	ListUnmatchedMovements(ctx context.Context, scope tenant.Scope, page shared.Page) ([]ingest.BankMovement, error)
	MatchMovement(ctx context.Context, scope tenant.Scope, id, entryID int64, documentID *int64) (ingest.BankMovement, bool, error)
	IgnoreBankMovement(ctx context.Context, scope tenant.Scope, id int64) (ingest.BankMovement, error)
	LinkedEntryIDs(ctx context.Context, scope tenant.Scope, ids []int64) (map[int64]bool, error)
	PendingPayments(ctx context.Context, scope tenant.Scope) ([]ingest.FiscalDocument, error)
	FindDocument(ctx context.Context, scope tenant.Scope, uuid string) (ingest.FiscalDocument, error)
	ApplyPayment(ctx context.Context, scope tenant.Scope, uuid string, evidence ingest.PaymentEvidence) (ingest.FiscalDocument, *ledger.JournalEntry, error)
}

// Service scores unmatched movements and settles them.
type Service struct {
	repo      RepositoryPort
	ledger    LedgerPort
	docs      DocumentsPort
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the reconciliation service.
func NewService(repo RepositoryPort, ledger LedgerPort, docs DocumentsPort, publisher events.Publisher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		ledger:    ledger,
		docs:      docs,
		publisher: publisher,
		cfg:       cfg.normalized(),
		logger:    logger.With(slog.String("component", "reconcile")),
		now:       time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Propose scores the candidates of one movement without side effects.
func (s *Service) Propose(ctx context.Context, scope tenant.Scope, movementID int64) (Decision, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return Decision{}, err
	}
	mv, err := s.docs.GetMovement(ctx, scope, movementID)
	if err != nil {
		return Decision{}, err
	}
	bank, err := s.bankAccount(ctx, scope)
	if err != nil {
		return Decision{}, err
	}
	return s.propose(ctx, scope, mv, bank)
}

func (s *Service) propose(ctx context.Context, scope tenant.Scope, mv ingest.BankMovement, bankAccountID int64) (Decision, error) {
	candidates, err := s.candidates(ctx, scope, mv, bankAccountID)
	if err != nil {
		return Decision{}, err
	}
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		if sc, ok := Score(mv, c, s.cfg); ok {
			scored = append(scored, sc)
		}
	}
	return Decide(mv.ID, scored, s.cfg), nil
}

// candidates collects entries inside the date window that move the bank
// account by the movement amount and are not yet matched, plus PPD
// documents on the same side whose outstanding balance equals it.
func (s *Service) candidates(ctx context.Context, scope tenant.Scope, mv ingest.BankMovement, bankAccountID int64) ([]Candidate, error) {
	from := mv.Date.AddDate(0, 0, -s.cfg.DateWindowDays)
	to := mv.Date.AddDate(0, 0, s.cfg.DateWindowDays)
	entries, err := s.ledger.ListEntries(ctx, scope, ledger.EntryFilter{From: &from, To: &to, Page: shared.Page{Limit: 500}})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	linked, err := s.docs.LinkedEntryIDs(ctx, scope, ids)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, e := range entries {
		if linked[e.ID] || e.Kind == ledger.EntryKindReversal {
			continue
		}
		if len(e.Movements) == 0 {
			if e, err = s.ledger.GetEntry(ctx, scope, e.ID); err != nil {
				return nil, err
			}
		}
		if !settles(e, bankAccountID, mv.Amount) {
			continue
		}
		out = append(out, Candidate{
			Kind:    TargetEntry,
			EntryID: e.ID,
			Amount:  mv.Amount.Abs(),
			Date:    e.Date,
			Text:    e.Description + " " + e.SourceRef,
		})
	}

	pending, err := s.docs.PendingPayments(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, d := range pending {
		if !sameSide(d, mv.Amount) || d.Outstanding() != mv.Amount.Abs() {
			continue
		}
		rfc, name := d.Counterparty()
		out = append(out, Candidate{
			Kind:         TargetDocument,
			DocumentID:   d.ID,
			DocumentUUID: d.UUID,
			Amount:       d.Outstanding(),
			Date:         d.IssuedAt,
			Text:         fmt.Sprintf("%s %s %s%s %s", name, rfc, d.Series, d.Folio, d.UUID),
		})
	}
	return out, nil
}

// settles reports whether entry moves the bank account by exactly amount on
// the side a movement of that sign would.
func settles(entry ledger.JournalEntry, bankAccountID int64, amount shared.Cents) bool {
	for _, m := range entry.Movements {
		if m.AccountID != bankAccountID {
			continue
		}
		if amount > 0 && m.Debit == amount {
			return true
		}
		if amount < 0 && m.Credit == -amount {
			return true
		}
	}
	return false
}

// sameSide pairs deposits with issued invoices and withdrawals with received
// ones.
func sameSide(doc ingest.FiscalDocument, amount shared.Cents) bool {
	issued := doc.Direction == ingest.DirectionIssued
	if doc.Type == ingest.DocTypeExpense {
		issued = !issued
	}
	return issued == (amount > 0)
}

// Reconcile runs a pass over every unmatched movement of the company. Clear
// winners are matched, ambiguous ones are stored as proposals. A transient
// failure stops the pass; other failures skip the movement.
func (s *Service) Reconcile(ctx context.Context, scope tenant.Scope) (Summary, error) {
	if err := scope.Require(shared.PermReconcile); err != nil {
		return Summary{}, err
	}
	bank, err := s.bankAccount(ctx, scope)
	if err != nil {
		return Summary{}, err
	}
	var pending []ingest.BankMovement
	for page := (shared.Page{Limit: 200}); ; page.Offset += page.Limit {
		batch, err := s.docs.ListUnmatchedMovements(ctx, scope, page)
		if err != nil {
			return Summary{}, err
		}
		pending = append(pending, batch...)
		if len(batch) < page.Limit {
			break
		}
	}

	var summary Summary
	for _, mv := range pending {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Scanned++
		if err := s.reconcileOne(ctx, scope, mv, bank, &summary); err != nil {
			if shared.IsRetryable(err) {
				return summary, err
			}
			summary.Failed++
			s.logger.WarnContext(ctx, "reconcile movement failed",
				slog.Int64("company_id", scope.CompanyID()),
				slog.Int64("movement_id", mv.ID),
				slog.Any("error", err),
			)
		}
	}
	s.logger.InfoContext(ctx, "reconciliation pass finished",
		slog.Int64("company_id", scope.CompanyID()),
		slog.Int("scanned", summary.Scanned),
		slog.Int("auto", summary.AutoMatched),
		slog.Int("review", summary.Review),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (s *Service) reconcileOne(ctx context.Context, scope tenant.Scope, mv ingest.BankMovement, bank int64, summary *Summary) error {
	d, err := s.propose(ctx, scope, mv, bank)
	if err != nil {
		return err
	}
	switch d.Outcome {
	case OutcomeAuto:
		best, _ := d.Best()
		target := Target{Kind: best.Kind, EntryID: best.EntryID, DocumentUUID: best.DocumentUUID}
		if _, err := s.accept(ctx, scope, mv, bank, target, true, best.Score); err != nil {
			return err
		}
		summary.AutoMatched++
	case OutcomeReview:
		if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.UpsertProposal(ctx, Proposal{CompanyID: scope.CompanyID(), MovementID: mv.ID, Decision: d, CreatedAt: s.now()})
		}); err != nil {
			return err
		}
		summary.Review++
	default:
		s.dropProposal(ctx, scope, mv.ID)
		summary.Unmatched++
	}
	return nil
}

// Accept settles a movement against target. A movement that is already
// matched is returned unchanged.
func (s *Service) Accept(ctx context.Context, scope tenant.Scope, movementID int64, target Target) (ingest.BankMovement, error) {
	if err := scope.Require(shared.PermReconcile); err != nil {
		return ingest.BankMovement{}, err
	}
	mv, err := s.docs.GetMovement(ctx, scope, movementID)
	if err != nil {
		return ingest.BankMovement{}, err
	}
	bank, err := s.bankAccount(ctx, scope)
	if err != nil {
		return ingest.BankMovement{}, err
	}
	return s.accept(ctx, scope, mv, bank, target, false, 0)
}

func (s *Service) accept(ctx context.Context, scope tenant.Scope, mv ingest.BankMovement, bank int64, target Target, auto bool, score float64) (ingest.BankMovement, error) {
	switch mv.Status {
	case ingest.MovementMatched:
		return mv, nil
	case ingest.MovementIgnored:
		return mv, fmt.Errorf("%w: %d", ErrMovementIgnored, mv.ID)
	}

	var (
		entryID    int64
		documentID *int64
	)
	switch target.Kind {
	case TargetEntry:
		entry, err := s.ledger.GetEntry(ctx, scope, target.EntryID)
		if err != nil {
			return mv, err
		}
		if !settles(entry, bank, mv.Amount) {
			return mv, fmt.Errorf("%w: entry %d does not move the bank account by %s", ErrInvalidTarget, entry.ID, mv.Amount)
		}
		linked, err := s.docs.LinkedEntryIDs(ctx, scope, []int64{entry.ID})
		if err != nil {
			return mv, err
		}
		if linked[entry.ID] {
			return mv, fmt.Errorf("%w: entry %d already settles another movement", ErrInvalidTarget, entry.ID)
		}
		entryID = entry.ID
	case TargetDocument:
		doc, id, err := s.settleDocument(ctx, scope, mv, target.DocumentUUID)
		if err != nil {
			return mv, err
		}
		entryID, documentID = id, &doc.ID
	case TargetCreate:
		entry, err := s.createEntry(ctx, scope, mv, bank, target)
		if err != nil {
			return mv, err
		}
		entryID = entry.ID
	default:
		return mv, fmt.Errorf("%w: kind %q", ErrInvalidTarget, target.Kind)
	}

	matched, changed, err := s.docs.MatchMovement(ctx, scope, mv.ID, entryID, documentID)
	if errors.Is(err, ingest.ErrEntryAlreadyLinked) {
		return mv, fmt.Errorf("%w: entry %d already settles another movement", ErrInvalidTarget, entryID)
	}
	if err != nil {
		return mv, err
	}
	if !changed {
		s.logger.InfoContext(ctx, "movement already settled",
			slog.Int64("company_id", scope.CompanyID()),
			slog.Int64("movement_id", mv.ID),
			slog.String("status", string(matched.Status)),
		)
		if matched.Status == ingest.MovementIgnored {
			return matched, fmt.Errorf("%w: %d", ErrMovementIgnored, mv.ID)
		}
		return matched, nil
	}
	s.dropProposal(ctx, scope, mv.ID)
	s.publish(ctx, events.PaymentReconciled{
		CompanyID:  scope.CompanyID(),
		MovementID: mv.ID,
		EntryID:    entryID,
		DocumentID: documentID,
		Auto:       auto,
		Score:      score,
		At:         s.now(),
	})
	return matched, nil
}

// settleDocument applies the movement as payment of a PPD document and
// returns the entry that posted it.
func (s *Service) settleDocument(ctx context.Context, scope tenant.Scope, mv ingest.BankMovement, uuid string) (ingest.FiscalDocument, int64, error) {
	doc, err := s.docs.FindDocument(ctx, scope, uuid)
	if err != nil {
		return doc, 0, err
	}
	if !sameSide(doc, mv.Amount) {
		return doc, 0, fmt.Errorf("%w: %s is %s", ErrInvalidTarget, doc.UUID, doc.Direction)
	}
	if doc.Status == ingest.StatusPostedToLedger && doc.EntryID != nil {
		return doc, *doc.EntryID, nil
	}
	if doc.Outstanding() != mv.Amount.Abs() {
		return doc, 0, fmt.Errorf("%w: %s outstanding %s, movement %s", ErrInvalidTarget, doc.UUID, doc.Outstanding(), mv.Amount.Abs())
	}
	doc, entry, err := s.docs.ApplyPayment(ctx, scope, doc.UUID, ingest.PaymentEvidence{
		Date:      mv.Date,
		Amount:    mv.Amount.Abs(),
		Reference: "BANK:" + mv.ExternalID,
	})
	if err != nil {
		return doc, 0, err
	}
	switch {
	case entry != nil:
		return doc, entry.ID, nil
	case doc.EntryID != nil:
		return doc, *doc.EntryID, nil
	}
	return doc, 0, fmt.Errorf("%w: %s was not posted", ErrInvalidTarget, doc.UUID)
}

// createEntry posts a new entry for a movement no existing record explains,
// such as a bank fee. Its source ref derives from the movement so a retry
// returns the same entry.
func (s *Service) createEntry(ctx context.Context, scope tenant.Scope, mv ingest.BankMovement, bank int64, target Target) (ledger.JournalEntry, error) {
	counter := target.CounterAccountID
	if counter == 0 {
		if target.CounterKey == "" {
			return ledger.JournalEntry{}, fmt.Errorf("%w: counter account required", ErrInvalidTarget)
		}
		acc, err := s.ledger.ResolveAccount(ctx, scope, MappingModule, target.CounterKey)
		if err != nil {
			return ledger.JournalEntry{}, err
		}
		counter = acc.ID
	}
	if counter == bank {
		return ledger.JournalEntry{}, fmt.Errorf("%w: counter account is the bank account", ErrInvalidTarget)
	}
	period, err := s.ledger.PeriodFor(ctx, scope, mv.Date)
	if err != nil {
		return ledger.JournalEntry{}, err
	}
	date := mv.Date
	if !period.Contains(date) {
		date = period.StartDate
	}
	memo := target.Memo
	if memo == "" {
		memo = fmt.Sprintf("Movimiento bancario %s %s", mv.ExternalID, mv.Description)
	}
	amount := mv.Amount.Abs()
	ref := &ledger.DocumentRef{Kind: ledger.SourceBank, ID: mv.ExternalID}
	bankLine := ledger.MovementInput{AccountID: bank, Document: ref}
	counterLine := ledger.MovementInput{AccountID: counter, Document: ref}
	if mv.Amount > 0 {
		bankLine.Debit, counterLine.Credit = amount, amount
	} else {
		counterLine.Debit, bankLine.Credit = amount, amount
	}
	return s.ledger.Post(ctx, scope, ledger.EntryDraft{
		PeriodID:     period.ID,
		Date:         date,
		Description:  memo,
		Kind:         ledger.EntryKindNormal,
		SourceModule: ledger.SourceBank,
		SourceRef:    MovementRef(scope.CompanyID(), mv.ExternalID),
		Movements:    []ledger.MovementInput{bankLine, counterLine},
	})
}

// MovementRef is the ledger source ref of an entry created for a bank
// movement.
func MovementRef(companyID int64, externalID string) string {
	return uuid.NewSHA1(bankRefNamespace, fmt.Appendf(nil, "%d:%s", companyID, externalID)).String()
}

// Ignore excludes a movement from reconciliation.
func (s *Service) Ignore(ctx context.Context, scope tenant.Scope, movementID int64) (ingest.BankMovement, error) {
	mv, err := s.docs.IgnoreBankMovement(ctx, scope, movementID)
	if err != nil {
		return mv, err
	}
	s.dropProposal(ctx, scope, movementID)
	return mv, nil
}

// ListProposals returns movements waiting for manual confirmation.
func (s *Service) ListProposals(ctx context.Context, scope tenant.Scope, page shared.Page) ([]Proposal, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return nil, err
	}
	var out []Proposal
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListProposals(ctx, scope.CompanyID(), page)
		return err
	})
	return out, err
}

func (s *Service) bankAccount(ctx context.Context, scope tenant.Scope) (int64, error) {
	acc, err := s.ledger.ResolveAccount(ctx, scope, MappingModule, BankKey)
	if err != nil {
		return 0, err
	}
	return acc.ID, nil
}

func (s *Service) dropProposal(ctx context.Context, scope tenant.Scope, movementID int64) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteProposal(ctx, scope.CompanyID(), movementID)
	})
	if err != nil && !errors.Is(err, ErrProposalNotFound) {
		s.logger.WarnContext(ctx, "drop proposal failed", slog.Int64("movement_id", movementID), slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.WarnContext(ctx, "publish event failed", slog.String("event", string(evt.Kind())), slog.Any("error", err))
	}
}
