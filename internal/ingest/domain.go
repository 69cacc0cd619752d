// Package ingest turns CFDI XML and bank statement rows into validated,
// deduplicated documents and, where the payment method allows it, ledger
// postings.
package ingest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/shared"
)

// DocType is the CFDI TipoDeComprobante.
type DocType string

const (
	DocTypeIncome   DocType = "I"
	DocTypeExpense  DocType = "E"
	DocTypePayment  DocType = "P"
	DocTypePayroll  DocType = "N"
	DocTypeTransfer DocType = "T"
)

// Direction tells whether the company issued or received the document.
type Direction string

const (
	DirectionIssued   Direction = "ISSUED"
	DirectionReceived Direction = "RECEIVED"
)

// PaymentMethod is the CFDI MetodoPago.
type PaymentMethod string

const (
	PaymentPUE PaymentMethod = "PUE"
	PaymentPPD PaymentMethod = "PPD"
)

// PaymentFormUndefined is FormaPago "99", only valid with PPD.
const PaymentFormUndefined = "99"

// DocumentStatus is the lifecycle of a fiscal document.
type DocumentStatus string

const (
	StatusReceived       DocumentStatus = "RECEIVED"
	StatusValidated      DocumentStatus = "VALIDATED"
	StatusRejected       DocumentStatus = "REJECTED"
	StatusPostedToLedger DocumentStatus = "POSTED_TO_LEDGER"
)

var transitions = map[DocumentStatus][]DocumentStatus{
	StatusReceived:  {StatusValidated, StatusRejected},
	StatusValidated: {StatusPostedToLedger, StatusRejected},
}

// CanTransition reports whether a document may move from one status to
// another. Rejected and posted documents are terminal.
func CanTransition(from, to DocumentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reject reasons stored on rejected documents.
const (
	ReasonRFCMismatch        = "RFC_MISMATCH"
	ReasonInvalidRFC         = "INVALID_RFC"
	ReasonInvalidPaymentForm = "INVALID_PAYMENT_FORM"
	ReasonEFOSFlagged        = "EFOS_FLAGGED"
)

// FiscalDocument is a stored CFDI. Amounts are in the document currency;
// ExchangeRate converts them to MXN.
type FiscalDocument struct {
	ID             int64
	CompanyID      int64
	UUID           string
	Version        string
	Series         string
	Folio          string
	Type           DocType
	Direction      Direction
	IssuerRFC      string
	IssuerName     string
	ReceiverRFC    string
	ReceiverName   string
	IssuedAt       time.Time
	Subtotal       shared.Cents
	Discount       shared.Cents
	TaxTransferred shared.Cents
	TaxWithheld    shared.Cents
	Total          shared.Cents
	Currency       string
	ExchangeRate   decimal.Decimal
	PaymentMethod  PaymentMethod
	PaymentForm    string
	Status         DocumentStatus
	RejectReason   string
	EntryID        *int64
	Paid           shared.Cents
	ContentHash    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MXN converts an amount of the document currency into pesos.
func (d FiscalDocument) MXN(amount shared.Cents) shared.Cents {
	if d.ExchangeRate.IsZero() || d.ExchangeRate.Equal(decimal.NewFromInt(1)) {
		return amount
	}
	return shared.CentsFromDecimal(amount.Decimal().Mul(d.ExchangeRate))
}

// Outstanding returns the unpaid MXN balance of a PPD document.
func (d FiscalDocument) Outstanding() shared.Cents {
	rest := d.MXN(d.Total) - d.Paid
	if rest < 0 {
		return 0
	}
	return rest
}

// Counterparty returns the other side of the document.
func (d FiscalDocument) Counterparty() (rfc, name string) {
	if d.Direction == DirectionIssued {
		return d.ReceiverRFC, d.ReceiverName
	}
	return d.IssuerRFC, d.IssuerName
}

// Postable reports whether the document type produces ledger entries.
func (d FiscalDocument) Postable() bool {
	return d.Type == DocTypeIncome || d.Type == DocTypeExpense
}

// PaymentEvidence proves (part of) a PPD document was paid.
type PaymentEvidence struct {
	Date      time.Time
	Amount    shared.Cents
	Reference string
}

// PaymentLink is a related document of a payment complement, kept until the
// paid invoice is known.
type PaymentLink struct {
	CompanyID   int64
	PaymentUUID string
	RelatedUUID string
	PaidAt      time.Time
	Amount      shared.Cents
	Applied     bool
}

// Result describes the outcome of IngestCFDI.
type Result struct {
	Document  FiscalDocument
	Duplicate bool
	Entry     *ledger.JournalEntry
}

// DocumentFilter narrows ListDocuments.
type DocumentFilter struct {
	Status        DocumentStatus
	Direction     Direction
	PaymentMethod PaymentMethod
	Type          DocType
	From          *time.Time
	To            *time.Time
	Page          shared.Page
}

// MovementStatus is the reconciliation state of a bank movement.
type MovementStatus string

const (
	MovementUnmatched MovementStatus = "UNMATCHED"
	MovementMatched   MovementStatus = "MATCHED"
	MovementIgnored   MovementStatus = "IGNORED"
)

// BankRow is one statement line as delivered by a feed or CSV file. Amount
// is positive for deposits and negative for withdrawals.
type BankRow struct {
	ExternalID  string
	Date        time.Time
	Amount      shared.Cents
	Reference   string
	Description string
}

// BankMovement is a stored statement line.
type BankMovement struct {
	ID          int64
	CompanyID   int64
	ExternalID  string
	Amount      shared.Cents
	Date        time.Time
	Reference   string
	Description string
	Status      MovementStatus
	EntryID     *int64
	DocumentID  *int64
	CreatedAt   time.Time
}

// BankImport summarises IngestBankRows.
type BankImport struct {
	Inserted   []BankMovement
	Duplicates int
}

// MovementFilter narrows movement listings.
type MovementFilter struct {
	Status MovementStatus
	From   *time.Time
	To     *time.Time
	Page   shared.Page
}

var (
	// ErrMalformedCFDI indicates XML that is not a usable CFDI. Nothing is stored.
	ErrMalformedCFDI = shared.NewError(shared.KindValidation, "MalformedCFDI", "ingest: malformed CFDI")
	// ErrRFCMismatch indicates the company is neither issuer nor receiver.
	ErrRFCMismatch = shared.NewError(shared.KindValidation, "RFCMismatch", "ingest: company RFC is neither issuer nor receiver")
	// ErrInvalidRFC indicates an issuer or receiver RFC with a bad shape.
	ErrInvalidRFC = shared.NewError(shared.KindValidation, "InvalidRFC", "ingest: invalid RFC")
	// ErrInvalidPaymentForm indicates PUE with FormaPago 99.
	ErrInvalidPaymentForm = shared.NewError(shared.KindValidation, "InvalidPaymentForm", "ingest: PUE requires a definite payment form")
	// ErrEFOSFlagged indicates an issuer on the SAT 69-B list.
	ErrEFOSFlagged = shared.NewError(shared.KindValidation, "EFOSFlagged", "ingest: issuer listed under article 69-B")
	// ErrDocumentNotFound indicates a missing document.
	ErrDocumentNotFound = shared.NewError(shared.KindNotFound, "DocumentNotFound", "ingest: document not found")
	// ErrInvalidTransition indicates a backwards status change.
	ErrInvalidTransition = shared.NewError(shared.KindValidation, "InvalidTransition", "ingest: invalid document status transition")
	// ErrNotPayable indicates payment evidence for a document that cannot take it.
	ErrNotPayable = shared.NewError(shared.KindValidation, "NotPayable", "ingest: document does not accept payments")
	// ErrMovementNotFound indicates a missing bank movement.
	ErrMovementNotFound = shared.NewError(shared.KindNotFound, "MovementNotFound", "ingest: bank movement not found")
	// ErrEntryAlreadyLinked indicates an entry that already backs another matched movement.
	ErrEntryAlreadyLinked = shared.NewError(shared.KindConflict, "EntryAlreadyLinked", "ingest: entry already settles another bank movement")
	// ErrMalformedBankRow indicates an unusable statement row.
	ErrMalformedBankRow = shared.NewError(shared.KindValidation, "MalformedBankRow", "ingest: malformed bank row")
	// ErrMalformedEFOS indicates an unreadable 69-B file.
	ErrMalformedEFOS = shared.NewError(shared.KindValidation, "MalformedEFOS", "ingest: malformed 69-B list")
)
