package ingest_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/shared"
)

var chartKeys = map[string]int64{
	ingest.KeyBank:                  1,
	ingest.KeyExpense:               2,
	ingest.KeyRevenue:               3,
	ingest.KeyVATCreditable:         4,
	ingest.KeyVATPayable:            5,
	ingest.KeyWithholdingPayable:    6,
	ingest.KeyWithholdingReceivable: 7,
}

func resolve(key string) (int64, error) {
	if id, ok := chartKeys[key]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("no account for %s", key)
}

func sides(draft ledger.EntryDraft) map[int64][2]shared.Cents {
	out := map[int64][2]shared.Cents{}
	for _, m := range draft.Movements {
		s := out[m.AccountID]
		s[0] += m.Debit
		s[1] += m.Credit
		out[m.AccountID] = s
	}
	return out
}

func TestClassifyReceivedInvoice(t *testing.T) {
	doc := ingest.FiscalDocument{
		UUID: "U1", Type: ingest.DocTypeIncome, Direction: ingest.DirectionReceived,
		IssuerRFC: supplierRFC, Total: 116000, TaxTransferred: 16000,
	}
	draft, err := ingest.Classify(doc, 9, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), resolve)
	require.NoError(t, err)
	require.NoError(t, draft.Validate())
	require.Equal(t, ledger.SourceCFDI, draft.SourceModule)
	require.Equal(t, "U1", draft.SourceRef)
	require.Equal(t, map[int64][2]shared.Cents{
		2: {100000, 0},
		4: {16000, 0},
		1: {0, 116000},
	}, sides(draft))
	for _, m := range draft.Movements {
		require.Equal(t, &ledger.DocumentRef{Kind: ledger.SourceCFDI, ID: "U1"}, m.Document)
	}
}

func TestClassifyIssuedInvoiceWithWithholding(t *testing.T) {
	doc := ingest.FiscalDocument{
		UUID: "U2", Type: ingest.DocTypeIncome, Direction: ingest.DirectionIssued,
		ReceiverRFC: customerRFC, Total: 106000, TaxTransferred: 16000, TaxWithheld: 10000,
	}
	draft, err := ingest.Classify(doc, 9, time.Now(), resolve)
	require.NoError(t, err)
	require.NoError(t, draft.Validate())
	require.Equal(t, map[int64][2]shared.Cents{
		1: {106000, 0},
		7: {10000, 0},
		3: {0, 100000},
		5: {0, 16000},
	}, sides(draft))
}

func TestClassifyCreditNoteMirrorsInvoice(t *testing.T) {
	doc := ingest.FiscalDocument{
		UUID: "U3", Type: ingest.DocTypeExpense, Direction: ingest.DirectionIssued,
		Total: 11600, TaxTransferred: 1600,
	}
	draft, err := ingest.Classify(doc, 9, time.Now(), resolve)
	require.NoError(t, err)
	require.NoError(t, draft.Validate())
	require.Equal(t, map[int64][2]shared.Cents{
		1: {0, 11600},
		3: {10000, 0},
		5: {1600, 0},
	}, sides(draft))
}

func TestClassifyConvertsForeignCurrency(t *testing.T) {
	doc := ingest.FiscalDocument{
		UUID: "U4", Type: ingest.DocTypeIncome, Direction: ingest.DirectionReceived,
		Total: 11600, TaxTransferred: 1600, Currency: "USD", ExchangeRate: decimal.RequireFromString("17.5"),
	}
	draft, err := ingest.Classify(doc, 9, time.Now(), resolve)
	require.NoError(t, err)
	require.NoError(t, draft.Validate())
	require.Equal(t, shared.Cents(203000), sides(draft)[1][1])
}

func TestClassifyRejectsNonPostableTypes(t *testing.T) {
	_, err := ingest.Classify(ingest.FiscalDocument{Type: ingest.DocTypePayment}, 9, time.Now(), resolve)
	require.ErrorIs(t, err, ingest.ErrNotPayable)
}

func TestClassifyMissingMapping(t *testing.T) {
	doc := ingest.FiscalDocument{Type: ingest.DocTypeIncome, Direction: ingest.DirectionReceived, Total: 100, TaxTransferred: 0}
	_, err := ingest.Classify(doc, 9, time.Now(), func(string) (int64, error) { return 0, ledger.ErrMappingNotFound })
	require.ErrorIs(t, err, ledger.ErrMappingNotFound)
}
