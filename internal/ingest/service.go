package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/contamx/contamx/internal/events"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// LedgerPort is the slice of the ledger used to post documents.
type LedgerPort interface {
	Post(ctx context.Context, scope tenant.Scope, draft ledger.EntryDraft) (ledger.JournalEntry, error)
	PeriodFor(ctx context.Context, scope tenant.Scope, date time.Time) (ledger.Period, error)
	ResolveAccount(ctx context.Context, scope tenant.Scope, module, key string) (ledger.Account, error)
}

// AuditPort records ingestion events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service validates, stores and classifies fiscal documents and bank rows.
type Service struct {
	repo      RepositoryPort
	ledger    LedgerPort
	efos      EFOSList
	publisher events.Publisher
	audit     AuditPort
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the ingestion service.
func NewService(repo RepositoryPort, ledger LedgerPort, efos EFOSList, publisher events.Publisher, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		ledger:    ledger,
		efos:      efos,
		publisher: publisher,
		audit:     audit,
		logger:    logger.With(slog.String("component", "ingest")),
		now:       time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// IngestCFDI parses, deduplicates, validates and stores a CFDI, then posts it
// when its payment method allows. A second ingest of the same UUID returns
// the stored document with Duplicate set. A rejected document is stored and
// its reason returned as the error. When posting fails the stored document
// is returned together with the error; a later ingest of the same XML
// retries the posting.
func (s *Service) IngestCFDI(ctx context.Context, scope tenant.Scope, raw []byte) (Result, error) {
	if err := scope.Require(shared.PermDocumentsIngest); err != nil {
		return Result{}, err
	}
	parsed, err := ParseCFDI(raw)
	if err != nil {
		return Result{}, err
	}

	existing, err := s.findByUUID(ctx, scope.CompanyID(), parsed.UUID)
	switch {
	case err == nil:
		return s.duplicate(ctx, scope, existing)
	case !errors.Is(err, ErrDocumentNotFound):
		return Result{}, err
	}

	doc := parsed.document(scope.CompanyID(), scope.Company().RFC)
	reason, rejectErr, err := s.validate(ctx, doc)
	if err != nil {
		return Result{}, err
	}
	doc.Status = StatusValidated
	if reason != "" {
		doc.Status = StatusRejected
		doc.RejectReason = reason
	}

	var inserted bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, inserted, err = tx.InsertDocument(ctx, doc)
		if err != nil || !inserted {
			return err
		}
		if doc.Status == StatusValidated && doc.Type == DocTypePayment {
			return tx.InsertPaymentLinks(ctx, paymentLinks(doc, parsed.Payments))
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		return s.duplicate(ctx, scope, doc)
	}
	s.logger.InfoContext(ctx, "cfdi stored",
		slog.Int64("company_id", doc.CompanyID),
		slog.String("uuid", doc.UUID),
		slog.String("type", string(doc.Type)),
		slog.String("status", string(doc.Status)),
		slog.String("reject_reason", doc.RejectReason),
	)
	s.record(ctx, scope, "cfdi.ingest", doc.ID, map[string]any{"uuid": doc.UUID, "status": doc.Status, "reason": doc.RejectReason})

	result := Result{Document: doc}
	var postErr error
	if doc.Status == StatusValidated {
		switch {
		case doc.Type == DocTypePayment:
			s.applyComplement(ctx, scope, parsed.Payments)
		case doc.Postable() && doc.PaymentMethod == PaymentPUE:
			result.Document, result.Entry, postErr = s.post(ctx, scope, doc, doc.IssuedAt)
		case doc.Postable() && doc.PaymentMethod == PaymentPPD:
			s.applyPendingLinks(ctx, scope, doc.UUID)
			if refreshed, err := s.findByUUID(ctx, scope.CompanyID(), doc.UUID); err == nil {
				result.Document = refreshed
			}
		}
	}
	s.publishImported(ctx, result.Document)
	if rejectErr != nil {
		return result, rejectErr
	}
	return result, postErr
}

func (s *Service) duplicate(ctx context.Context, scope tenant.Scope, doc FiscalDocument) (Result, error) {
	result := Result{Document: doc, Duplicate: true}
	if doc.Status != StatusValidated || !doc.Postable() || doc.PaymentMethod != PaymentPUE {
		return result, nil
	}
	// An earlier attempt stored the document but could not post it.
	var err error
	result.Document, result.Entry, err = s.post(ctx, scope, doc, doc.IssuedAt)
	return result, err
}

// validate returns the reject reason and matching error for a document that
// fails a fiscal rule. The final error is reserved for lookups that failed.
func (s *Service) validate(ctx context.Context, doc FiscalDocument) (string, error, error) {
	if !shared.ValidRFC(doc.IssuerRFC) || !shared.ValidRFC(doc.ReceiverRFC) {
		return ReasonInvalidRFC, fmt.Errorf("%w: issuer %q receiver %q", ErrInvalidRFC, doc.IssuerRFC, doc.ReceiverRFC), nil
	}
	if doc.Direction == "" {
		return ReasonRFCMismatch, fmt.Errorf("%w: issuer %s receiver %s", ErrRFCMismatch, doc.IssuerRFC, doc.ReceiverRFC), nil
	}
	if doc.Postable() && doc.PaymentMethod == PaymentPUE && doc.PaymentForm == PaymentFormUndefined {
		return ReasonInvalidPaymentForm, ErrInvalidPaymentForm, nil
	}
	if s.efos != nil {
		flagged, err := s.efos.IsFlagged(ctx, doc.IssuerRFC)
		if err != nil {
			return "", nil, err
		}
		if flagged {
			return ReasonEFOSFlagged, fmt.Errorf("%w: %s", ErrEFOSFlagged, doc.IssuerRFC), nil
		}
	}
	return "", nil, nil
}

// post classifies the document, posts it dated at date (or at the start of
// the next open period when date falls in a closed one) and records the
// entry on the document.
func (s *Service) post(ctx context.Context, scope tenant.Scope, doc FiscalDocument, date time.Time) (FiscalDocument, *ledger.JournalEntry, error) {
	period, err := s.ledger.PeriodFor(ctx, scope, date)
	if err != nil {
		return doc, nil, err
	}
	if !period.Contains(date) {
		date = period.StartDate
	}
	draft, err := Classify(doc, period.ID, date, func(key string) (int64, error) {
		acc, err := s.ledger.ResolveAccount(ctx, scope, MappingModule, key)
		return acc.ID, err
	})
	if err != nil {
		return doc, nil, err
	}
	entry, err := s.ledger.Post(ctx, scope, draft)
	if err != nil {
		s.logger.WarnContext(ctx, "cfdi posting failed",
			slog.Int64("company_id", doc.CompanyID),
			slog.String("uuid", doc.UUID),
			slog.Any("error", err),
		)
		return doc, nil, err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetDocumentForUpdate(ctx, doc.CompanyID, doc.ID)
		if err != nil {
			return err
		}
		if current.Status == StatusPostedToLedger {
			doc = current
			return nil
		}
		if !CanTransition(current.Status, StatusPostedToLedger) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, StatusPostedToLedger)
		}
		current.Status = StatusPostedToLedger
		current.EntryID = &entry.ID
		if err := tx.UpdateDocument(ctx, current); err != nil {
			return err
		}
		doc = current
		return nil
	})
	if err != nil {
		return doc, nil, err
	}
	return doc, &entry, nil
}

// ApplyPayment records payment evidence against a PPD document and posts it
// once the evidence covers the outstanding balance. Evidence counts once per
// reference and posting goes through the CFDI source link, so repeating a
// call is harmless.
func (s *Service) ApplyPayment(ctx context.Context, scope tenant.Scope, uuid string, evidence PaymentEvidence) (FiscalDocument, *ledger.JournalEntry, error) {
	if err := scope.Require(shared.PermReconcile); err != nil {
		return FiscalDocument{}, nil, err
	}
	var doc FiscalDocument
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		found, err := tx.FindDocumentByUUID(ctx, scope.CompanyID(), NormalizeUUID(uuid))
		if err != nil {
			return err
		}
		current, err := tx.GetDocumentForUpdate(ctx, scope.CompanyID(), found.ID)
		if err != nil {
			return err
		}
		doc = current
		if doc.Status == StatusPostedToLedger {
			return nil
		}
		if doc.Status != StatusValidated || !doc.Postable() || doc.PaymentMethod != PaymentPPD {
			return fmt.Errorf("%w: %s is %s %s", ErrNotPayable, doc.UUID, doc.PaymentMethod, doc.Status)
		}
		if strings.TrimSpace(evidence.Reference) == "" {
			return fmt.Errorf("%w: payment reference required", ErrNotPayable)
		}
		fresh, err := tx.RecordPayment(ctx, doc.CompanyID, doc.ID, evidence)
		if err != nil || !fresh {
			return err
		}
		doc.Paid += evidence.Amount
		if full := doc.MXN(doc.Total); doc.Paid > full {
			doc.Paid = full
		}
		return tx.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return FiscalDocument{}, nil, err
	}
	if doc.Status == StatusPostedToLedger || doc.Outstanding() > 0 {
		return doc, nil, nil
	}
	s.logger.InfoContext(ctx, "ppd document paid",
		slog.Int64("company_id", doc.CompanyID),
		slog.String("uuid", doc.UUID),
		slog.String("reference", evidence.Reference),
	)
	return s.post(ctx, scope, doc, evidence.Date)
}

func paymentLinks(doc FiscalDocument, payments []Payment) []PaymentLink {
	var links []PaymentLink
	for _, p := range payments {
		for _, rel := range p.Related {
			links = append(links, PaymentLink{
				CompanyID:   doc.CompanyID,
				PaymentUUID: doc.UUID,
				RelatedUUID: rel.UUID,
				PaidAt:      p.Date,
				Amount:      rel.Paid,
			})
		}
	}
	return links
}

func (s *Service) applyComplement(ctx context.Context, scope tenant.Scope, payments []Payment) {
	seen := map[string]struct{}{}
	for _, p := range payments {
		for _, rel := range p.Related {
			if _, dup := seen[rel.UUID]; dup {
				continue
			}
			seen[rel.UUID] = struct{}{}
			s.applyPendingLinks(ctx, scope, rel.UUID)
		}
	}
}

// applyPendingLinks applies every unapplied payment complement line that
// settles relatedUUID. Links stay pending while the invoice is unknown.
func (s *Service) applyPendingLinks(ctx context.Context, scope tenant.Scope, relatedUUID string) {
	var (
		links []PaymentLink
		doc   FiscalDocument
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if doc, err = tx.FindDocumentByUUID(ctx, scope.CompanyID(), relatedUUID); err != nil {
			return err
		}
		links, err = tx.PendingPaymentLinks(ctx, scope.CompanyID(), relatedUUID)
		return err
	})
	if errors.Is(err, ErrDocumentNotFound) {
		return
	}
	if err != nil {
		s.logger.WarnContext(ctx, "load payment links failed", slog.String("uuid", relatedUUID), slog.Any("error", err))
		return
	}
	for _, link := range links {
		_, _, err := s.ApplyPayment(ctx, scope, relatedUUID, PaymentEvidence{
			Date:      link.PaidAt,
			Amount:    doc.MXN(link.Amount),
			Reference: "CFDI-P:" + link.PaymentUUID,
		})
		if err != nil && !errors.Is(err, ErrNotPayable) {
			s.logger.WarnContext(ctx, "apply payment complement failed",
				slog.String("uuid", relatedUUID),
				slog.String("payment_uuid", link.PaymentUUID),
				slog.Any("error", err),
			)
			continue
		}
		if err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.MarkPaymentLinkApplied(ctx, link)
		}); err != nil {
			s.logger.WarnContext(ctx, "mark payment link failed", slog.String("uuid", relatedUUID), slog.Any("error", err))
		}
	}
}

// GetDocument returns one document.
func (s *Service) GetDocument(ctx context.Context, scope tenant.Scope, id int64) (FiscalDocument, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return FiscalDocument{}, err
	}
	var doc FiscalDocument
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.GetDocument(ctx, scope.CompanyID(), id)
		return err
	})
	return doc, err
}

// FindDocument returns the document with the CFDI UUID.
func (s *Service) FindDocument(ctx context.Context, scope tenant.Scope, uuid string) (FiscalDocument, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return FiscalDocument{}, err
	}
	return s.findByUUID(ctx, scope.CompanyID(), NormalizeUUID(uuid))
}

func (s *Service) findByUUID(ctx context.Context, companyID int64, uuid string) (FiscalDocument, error) {
	var doc FiscalDocument
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		doc, err = tx.FindDocumentByUUID(ctx, companyID, uuid)
		return err
	})
	return doc, err
}

// ListDocuments returns documents newest first.
func (s *Service) ListDocuments(ctx context.Context, scope tenant.Scope, filter DocumentFilter) ([]FiscalDocument, error) {
	if err := scope.Require(shared.PermLedgerView); err != nil {
		return nil, err
	}
	var docs []FiscalDocument
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		docs, err = tx.ListDocuments(ctx, scope.CompanyID(), filter)
		return err
	})
	return docs, err
}

// PendingPayments returns PPD invoices still waiting for payment evidence.
func (s *Service) PendingPayments(ctx context.Context, scope tenant.Scope) ([]FiscalDocument, error) {
	docs, err := s.ListDocuments(ctx, scope, DocumentFilter{
		Status:        StatusValidated,
		PaymentMethod: PaymentPPD,
		Page:          shared.Page{Limit: 500},
	})
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if d.Postable() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Service) publishImported(ctx context.Context, doc FiscalDocument) {
	if s.publisher == nil {
		return
	}
	evt := events.CFDIImported{
		CompanyID:     doc.CompanyID,
		DocumentID:    doc.ID,
		UUID:          doc.UUID,
		Status:        string(doc.Status),
		PaymentMethod: string(doc.PaymentMethod),
		EntryID:       doc.EntryID,
		At:            s.now(),
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.WarnContext(ctx, "publish event failed", slog.String("event", string(evt.Kind())), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, scope tenant.Scope, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		CompanyID: scope.CompanyID(),
		ActorID:   scope.ActorID(),
		Action:    action,
		Entity:    "fiscal_document",
		EntityID:  strconv.FormatInt(id, 10),
		Meta:      meta,
		At:        s.now(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
