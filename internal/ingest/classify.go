package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/shared"
)

// Classification keys resolved through the CFDI account mappings.
const (
	KeyBank                  = "bank"
	KeyExpense               = "expense"
	KeyRevenue               = "revenue"
	KeyVATCreditable         = "vat_creditable"
	KeyVATPayable            = "vat_payable"
	KeyWithholdingPayable    = "withholding_payable"
	KeyWithholdingReceivable = "withholding_receivable"
)

// MappingModule is the account mapping module used for CFDI postings.
const MappingModule = "CFDI"

// Accounts resolves a classification key to a ledger account id.
type Accounts func(key string) (int64, error)

// Classify builds the entry that settles a document in cash. Received
// invoices debit the expense and creditable VAT against the bank; issued
// invoices debit the bank against revenue and VAT payable. Credit notes (E)
// mirror their invoice. Amounts are converted to MXN.
func Classify(doc FiscalDocument, periodID int64, date time.Time, accounts Accounts) (ledger.EntryDraft, error) {
	if !doc.Postable() {
		return ledger.EntryDraft{}, fmt.Errorf("%w: type %s does not post", ErrNotPayable, doc.Type)
	}
	total := doc.MXN(doc.Total)
	transferred := doc.MXN(doc.TaxTransferred)
	withheld := doc.MXN(doc.TaxWithheld)
	base := total - transferred + withheld

	type line struct {
		key    string
		amount shared.Cents
		debit  bool
	}
	var lines []line
	if doc.Direction == DirectionReceived {
		lines = []line{
			{KeyExpense, base, true},
			{KeyVATCreditable, transferred, true},
			{KeyWithholdingPayable, withheld, false},
			{KeyBank, total, false},
		}
	} else {
		lines = []line{
			{KeyBank, total, true},
			{KeyWithholdingReceivable, withheld, true},
			{KeyRevenue, base, false},
			{KeyVATPayable, transferred, false},
		}
	}
	ref := &ledger.DocumentRef{Kind: ledger.SourceCFDI, ID: doc.UUID}
	draft := ledger.EntryDraft{
		PeriodID:     periodID,
		Date:         date,
		Description:  describe(doc),
		Kind:         ledger.EntryKindNormal,
		SourceModule: ledger.SourceCFDI,
		SourceRef:    doc.UUID,
	}
	for _, l := range lines {
		if l.amount == 0 {
			continue
		}
		accountID, err := accounts(l.key)
		if err != nil {
			return ledger.EntryDraft{}, err
		}
		debit := l.debit
		if doc.Type == DocTypeExpense {
			debit = !debit
		}
		amount := l.amount
		if amount < 0 {
			amount, debit = -amount, !debit
		}
		m := ledger.MovementInput{AccountID: accountID, Document: ref}
		if debit {
			m.Debit = amount
		} else {
			m.Credit = amount
		}
		draft.Movements = append(draft.Movements, m)
	}
	return draft, nil
}

func describe(doc FiscalDocument) string {
	rfc, name := doc.Counterparty()
	var sb strings.Builder
	fmt.Fprintf(&sb, "CFDI %s", doc.Type)
	if doc.Series != "" || doc.Folio != "" {
		fmt.Fprintf(&sb, " %s%s", doc.Series, doc.Folio)
	}
	if name != "" {
		fmt.Fprintf(&sb, " %s", name)
	}
	fmt.Fprintf(&sb, " %s %s", rfc, doc.UUID)
	return sb.String()
}
