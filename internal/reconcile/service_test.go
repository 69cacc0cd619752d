package reconcile_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/events"
	"github.com/contamx/contamx/internal/events/eventstest"
	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/ingest/ingesttest"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/ledger/ledgertest"
	"github.com/contamx/contamx/internal/reconcile"
	"github.com/contamx/contamx/internal/reconcile/reconciletest"
	"github.com/contamx/contamx/internal/shared"
	"github.com/contamx/contamx/internal/tenant"
	"github.com/contamx/contamx/internal/tenant/tenanttest"
)

const (
	companyRFC  = "CMX010101AB1"
	customerRFC = "CLI020202QW3"
	invoiceUUID = "9A8B7C6D-5E4F-4321-8765-0FEDCBA98765"
)

type env struct {
	scope     tenant.Scope
	ledger    *ledgertest.Fixture
	docs      *ingest.Service
	proposals *reconciletest.Memory
	events    *eventstest.Recorder
	service   *reconcile.Service
}

func setup(t *testing.T) *env {
	t.Helper()
	scope := tenanttest.Scope(t, 1, companyRFC)
	e := &env{
		scope:     scope,
		ledger:    ledgertest.NewFixture(t, scope),
		proposals: reconciletest.NewMemory(),
		events:    &eventstest.Recorder{},
	}
	e.docs = ingest.NewService(ingesttest.NewMemory(), e.ledger.Service, ingesttest.NewEFOS(), e.events, nil, nil)
	e.service = reconcile.NewService(e.proposals, e.ledger.Service, e.docs, e.events, reconcile.DefaultConfig(), nil)
	return e
}

// deposit posts a collection into the bank account. A negative amount
// posts a payment out of it instead.
func (e *env) deposit(t *testing.T, date time.Time, amount shared.Cents, memo string) ledger.JournalEntry {
	t.Helper()
	bank := ledger.MovementInput{AccountID: e.ledger.ID(ledgertest.Bank), Debit: amount}
	counter := ledger.MovementInput{AccountID: e.ledger.ID(ledgertest.Revenue), Credit: amount}
	if amount < 0 {
		bank = ledger.MovementInput{AccountID: e.ledger.ID(ledgertest.Bank), Credit: -amount}
		counter = ledger.MovementInput{AccountID: e.ledger.ID(ledgertest.Expense), Debit: -amount}
	}
	entry, err := e.ledger.Service.Post(context.Background(), e.scope, ledger.EntryDraft{
		PeriodID:    e.ledger.January.ID,
		Date:        date,
		Description: memo,
		Movements:   []ledger.MovementInput{bank, counter},
	})
	require.NoError(t, err)
	return entry
}

func (e *env) statement(t *testing.T, rows ...ingest.BankRow) []ingest.BankMovement {
	t.Helper()
	res, err := e.docs.IngestBankRows(context.Background(), e.scope, rows)
	require.NoError(t, err)
	require.Len(t, res.Inserted, len(rows))
	return res.Inserted
}

func row(id string, date time.Time, amount shared.Cents, desc string) ingest.BankRow {
	return ingest.BankRow{ExternalID: id, Date: date, Amount: amount, Description: desc}
}

func (e *env) movement(t *testing.T, id int64) ingest.BankMovement {
	t.Helper()
	mv, err := e.docs.GetMovement(context.Background(), e.scope, id)
	require.NoError(t, err)
	return mv
}

// ppdInvoice renders an issued invoice paid in installments.
func ppdInvoice() []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>`+
		`<cfdi:Comprobante xmlns:cfdi="http://www.sat.gob.mx/cfd/4" xmlns:tfd="http://www.sat.gob.mx/TimbreFiscalDigital" `+
		`Version="4.0" Serie="A" Folio="101" Fecha="2024-01-15T10:30:00" SubTotal="1000.00" Total="1160.00" `+
		`TipoDeComprobante="I" Moneda="MXN" MetodoPago="PPD" FormaPago="99">`+
		`<cfdi:Emisor Rfc="%s" Nombre="Contadores MX"/>`+
		`<cfdi:Receptor Rfc="%s" Nombre="Cliente Norte"/>`+
		`<cfdi:Conceptos><cfdi:Concepto ClaveProdServ="84111506" Cantidad="1" Descripcion="Servicio" ValorUnitario="1000.00" Importe="1000.00"/></cfdi:Conceptos>`+
		`<cfdi:Impuestos TotalImpuestosTrasladados="160.00"/>`+
		`<cfdi:Complemento><tfd:TimbreFiscalDigital Version="1.1" UUID="%s" FechaTimbrado="2024-01-15T10:31:00"/></cfdi:Complemento>`+
		`</cfdi:Comprobante>`, companyRFC, customerRFC, invoiceUUID))
}

func TestProposeCloseCandidatesNeedReview(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	older := e.deposit(t, day(8), 100000, "Cobro cliente")
	newer := e.deposit(t, day(9), 100000, "Cobro cliente")
	mv := e.statement(t, row("MV-1", day(10), 100000, "DEPOSITO"))[0]

	d, err := e.service.Propose(ctx, e.scope, mv.ID)
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeReview, d.Outcome)
	require.Len(t, d.Candidates, 2)
	require.Equal(t, newer.ID, d.Candidates[0].EntryID)
	require.Equal(t, 0.74, d.Candidates[0].Score)
	require.Equal(t, older.ID, d.Candidates[1].EntryID)
	require.Equal(t, 0.68, d.Candidates[1].Score)

	require.Equal(t, ingest.MovementUnmatched, e.movement(t, mv.ID).Status)
	require.Empty(t, e.events.OfKind(events.KindPaymentReconciled))
}

func TestProposeSkipsAmountAndWindowMisses(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.deposit(t, day(10), 100001, "Cobro")
	e.deposit(t, day(2), 100000, "Cobro")
	e.deposit(t, day(10), -100000, "Pago proveedor")
	mv := e.statement(t, row("MV-1", day(10), 100000, "DEPOSITO"))[0]

	d, err := e.service.Propose(ctx, e.scope, mv.ID)
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeNone, d.Outcome)
	require.Empty(t, d.Candidates)
}

func TestReconcileAutoMatchesClearWinner(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	entry := e.deposit(t, day(8), 100000, "Cobro ACME factura 101")
	mv := e.statement(t, row("MV-1", day(10), 100000, "SPEI ACME 101"))[0]

	summary, err := e.service.Reconcile(ctx, e.scope)
	require.NoError(t, err)
	require.Equal(t, reconcile.Summary{Scanned: 1, AutoMatched: 1}, summary)

	matched := e.movement(t, mv.ID)
	require.Equal(t, ingest.MovementMatched, matched.Status)
	require.Equal(t, &entry.ID, matched.EntryID)

	got := e.events.OfKind(events.KindPaymentReconciled)
	require.Len(t, got, 1)
	evt := got[0].(events.PaymentReconciled)
	require.True(t, evt.Auto)
	require.Equal(t, 0.88, evt.Score)
	require.Equal(t, entry.ID, evt.EntryID)

	again, err := e.service.Reconcile(ctx, e.scope)
	require.NoError(t, err)
	require.Equal(t, reconcile.Summary{}, again)
}

func TestReconcileStoresReviewProposals(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.deposit(t, day(8), 100000, "Cobro")
	newer := e.deposit(t, day(9), 100000, "Cobro")
	mvs := e.statement(t,
		row("MV-1", day(10), 100000, "DEPOSITO"),
		row("MV-2", day(20), 777700, "DEPOSITO"),
	)

	summary, err := e.service.Reconcile(ctx, e.scope)
	require.NoError(t, err)
	require.Equal(t, reconcile.Summary{Scanned: 2, Review: 1, Unmatched: 1}, summary)

	proposals, err := e.service.ListProposals(ctx, e.scope, shared.Page{})
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	require.Equal(t, mvs[0].ID, proposals[0].MovementID)
	require.Equal(t, reconcile.OutcomeReview, proposals[0].Decision.Outcome)

	matched, err := e.service.Accept(ctx, e.scope, mvs[0].ID, reconcile.Target{Kind: reconcile.TargetEntry, EntryID: newer.ID})
	require.NoError(t, err)
	require.Equal(t, ingest.MovementMatched, matched.Status)

	proposals, err = e.service.ListProposals(ctx, e.scope, shared.Page{})
	require.NoError(t, err)
	require.Empty(t, proposals)

	evt := e.events.OfKind(events.KindPaymentReconciled)[0].(events.PaymentReconciled)
	require.False(t, evt.Auto)
}

func TestMatchedEntryIsNoLongerACandidate(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	entry := e.deposit(t, day(9), 100000, "Cobro")
	mvs := e.statement(t,
		row("MV-1", day(10), 100000, "DEPOSITO"),
		row("MV-2", day(10), 100000, "DEPOSITO"),
	)
	_, err := e.service.Accept(ctx, e.scope, mvs[0].ID, reconcile.Target{Kind: reconcile.TargetEntry, EntryID: entry.ID})
	require.NoError(t, err)

	d, err := e.service.Propose(ctx, e.scope, mvs[1].ID)
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeNone, d.Outcome)
}

func TestAcceptRejectsEntryAlreadySettlingAnotherMovement(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	entry := e.deposit(t, day(9), 100000, "Cobro")
	mvs := e.statement(t,
		row("MV-1", day(10), 100000, "DEPOSITO"),
		row("MV-2", day(10), 100000, "DEPOSITO"),
	)
	target := reconcile.Target{Kind: reconcile.TargetEntry, EntryID: entry.ID}

	_, err := e.service.Accept(ctx, e.scope, mvs[0].ID, target)
	require.NoError(t, err)

	_, err = e.service.Accept(ctx, e.scope, mvs[1].ID, target)
	require.ErrorIs(t, err, reconcile.ErrInvalidTarget)
	require.Equal(t, ingest.MovementUnmatched, e.movement(t, mvs[1].ID).Status)
	require.Len(t, e.events.OfKind(events.KindPaymentReconciled), 1)
}

func TestAcceptRejectsEntryThatDoesNotSettle(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	entry := e.deposit(t, day(9), 50000, "Cobro")
	mv := e.statement(t, row("MV-1", day(10), 100000, "DEPOSITO"))[0]

	_, err := e.service.Accept(ctx, e.scope, mv.ID, reconcile.Target{Kind: reconcile.TargetEntry, EntryID: entry.ID})
	require.ErrorIs(t, err, reconcile.ErrInvalidTarget)
	require.Equal(t, shared.KindValidation, shared.KindOf(err))
	require.Equal(t, ingest.MovementUnmatched, e.movement(t, mv.ID).Status)

	_, err = e.service.Accept(ctx, e.scope, mv.ID, reconcile.Target{Kind: "SOMETHING"})
	require.ErrorIs(t, err, reconcile.ErrInvalidTarget)
}

func TestAcceptCreatesEntryForBankFee(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	mv := e.statement(t, row("FEE-1", day(20), -5800, "COMISION POR MANEJO DE CUENTA"))[0]

	d, err := e.service.Propose(ctx, e.scope, mv.ID)
	require.NoError(t, err)
	require.Equal(t, reconcile.OutcomeNone, d.Outcome)

	target := reconcile.Target{Kind: reconcile.TargetCreate, CounterKey: ledgertest.BankFees}
	matched, err := e.service.Accept(ctx, e.scope, mv.ID, target)
	require.NoError(t, err)
	require.Equal(t, ingest.MovementMatched, matched.Status)
	require.NotNil(t, matched.EntryID)

	entry, err := e.ledger.Service.GetEntry(ctx, e.scope, *matched.EntryID)
	require.NoError(t, err)
	require.Equal(t, ledger.SourceBank, entry.SourceModule)
	require.Equal(t, reconcile.MovementRef(1, "FEE-1"), entry.SourceRef)
	require.Equal(t, day(20), entry.Date)

	fees, err := e.ledger.Service.BalanceAsOf(ctx, e.scope, e.ledger.ID(ledgertest.BankFees), day(31))
	require.NoError(t, err)
	require.Equal(t, shared.Cents(5800), fees.Net())
	bank, err := e.ledger.Service.BalanceAsOf(ctx, e.scope, e.ledger.ID(ledgertest.Bank), day(31))
	require.NoError(t, err)
	require.Equal(t, shared.Cents(-5800), bank.Net())

	again, err := e.service.Accept(ctx, e.scope, mv.ID, target)
	require.NoError(t, err)
	require.Equal(t, matched.EntryID, again.EntryID)
	entries, err := e.ledger.Service.ListEntries(ctx, e.scope, ledger.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, e.events.OfKind(events.KindPaymentReconciled), 1)
}

func TestAcceptCreateRequiresCounterAccount(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	mv := e.statement(t, row("FEE-1", day(20), -5800, "COMISION"))[0]

	_, err := e.service.Accept(ctx, e.scope, mv.ID, reconcile.Target{Kind: reconcile.TargetCreate})
	require.ErrorIs(t, err, reconcile.ErrInvalidTarget)

	_, err = e.service.Accept(ctx, e.scope, mv.ID, reconcile.Target{Kind: reconcile.TargetCreate, CounterAccountID: e.ledger.ID(ledgertest.Bank)})
	require.ErrorIs(t, err, reconcile.ErrInvalidTarget)

	_, err = e.service.Accept(ctx, e.scope, mv.ID, reconcile.Target{Kind: reconcile.TargetCreate, CounterKey: "unknown"})
	require.ErrorIs(t, err, ledger.ErrMappingNotFound)
}

func TestReconcileSettlesPendingInvoice(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	res, err := e.docs.IngestCFDI(ctx, e.scope, ppdInvoice())
	require.NoError(t, err)
	require.Equal(t, ingest.StatusValidated, res.Document.Status)
	mv := e.statement(t, row("MV-9", day(17), 116000, "CLI020202QW3 A101"))[0]

	d, err := e.service.Propose(ctx, e.scope, mv.ID)
	require.NoError(t, err)
	best, ok := d.Best()
	require.True(t, ok)
	require.Equal(t, reconcile.TargetDocument, best.Kind)
	require.Equal(t, invoiceUUID, best.DocumentUUID)
	require.Equal(t, reconcile.OutcomeAuto, d.Outcome)

	summary, err := e.service.Reconcile(ctx, e.scope)
	require.NoError(t, err)
	require.Equal(t, 1, summary.AutoMatched)

	doc, err := e.docs.FindDocument(ctx, e.scope, invoiceUUID)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusPostedToLedger, doc.Status)
	require.Equal(t, shared.Cents(116000), doc.Paid)

	matched := e.movement(t, mv.ID)
	require.Equal(t, ingest.MovementMatched, matched.Status)
	require.Equal(t, doc.EntryID, matched.EntryID)
	require.Equal(t, &doc.ID, matched.DocumentID)

	entry, err := e.ledger.Service.GetEntry(ctx, e.scope, *doc.EntryID)
	require.NoError(t, err)
	require.Equal(t, day(17), entry.Date)
}

func TestAcceptDocumentNeedsFullPayment(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	_, err := e.docs.IngestCFDI(ctx, e.scope, ppdInvoice())
	require.NoError(t, err)
	partial := e.statement(t, row("MV-1", day(17), 50000, "ABONO"))[0]
	withdrawal := e.statement(t, row("MV-2", day(17), -116000, "CARGO"))[0]

	_, err = e.service.Accept(ctx, e.scope, partial.ID, reconcile.Target{Kind: reconcile.TargetDocument, DocumentUUID: invoiceUUID})
	require.ErrorIs(t, err, reconcile.ErrInvalidTarget)
	_, err = e.service.Accept(ctx, e.scope, withdrawal.ID, reconcile.Target{Kind: reconcile.TargetDocument, DocumentUUID: invoiceUUID})
	require.ErrorIs(t, err, reconcile.ErrInvalidTarget)

	doc, err := e.docs.FindDocument(ctx, e.scope, invoiceUUID)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusValidated, doc.Status)
	require.Zero(t, doc.Paid)
}

func TestIgnoredMovementCannotBeAccepted(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	entry := e.deposit(t, day(9), 100000, "Cobro")
	mv := e.statement(t, row("MV-1", day(10), 100000, "DEPOSITO"))[0]

	ignored, err := e.service.Ignore(ctx, e.scope, mv.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.MovementIgnored, ignored.Status)

	_, err = e.service.Accept(ctx, e.scope, mv.ID, reconcile.Target{Kind: reconcile.TargetEntry, EntryID: entry.ID})
	require.ErrorIs(t, err, reconcile.ErrMovementIgnored)

	summary, err := e.service.Reconcile(ctx, e.scope)
	require.NoError(t, err)
	require.Zero(t, summary.Scanned)
}

func TestReconcileIsTenantScoped(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	mv := e.statement(t, row("MV-1", day(10), 100000, "DEPOSITO"))[0]

	other := tenanttest.Scope(t, 2, "OTR030303AA1")
	_, err := e.service.Propose(ctx, other, mv.ID)
	require.ErrorIs(t, err, ingest.ErrMovementNotFound)
	_, err = e.service.Accept(ctx, other, mv.ID, reconcile.Target{Kind: reconcile.TargetCreate, CounterKey: ledgertest.BankFees})
	require.ErrorIs(t, err, ingest.ErrMovementNotFound)

	_, err = e.service.Reconcile(ctx, tenant.Scope{})
	require.ErrorIs(t, err, tenant.ErrNoTenant)
	require.Equal(t, ingest.MovementUnmatched, e.movement(t, mv.ID).Status)
}
