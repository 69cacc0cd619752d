package ingest_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/shared"
)

func TestParseBankCSVSignedAmount(t *testing.T) {
	csv := "\ufeffID,Date,Amount,Reference,Description\n" +
		"TX-1,2025-03-08,\"1,160.00\",SPEI F-101,Pago cliente\n" +
		"TX-2,2025-03-09,-$350.00,,Comision\n"
	rows, err := ingest.ParseBankCSV(strings.NewReader(csv))
	require.NoError(t, err)
	require.Equal(t, []ingest.BankRow{
		{ExternalID: "TX-1", Date: time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC), Amount: 116000, Reference: "SPEI F-101", Description: "Pago cliente"},
		{ExternalID: "TX-2", Date: time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC), Amount: -35000, Description: "Comision"},
	}, rows)
}

func TestParseBankCSVSpanishSplitColumns(t *testing.T) {
	csv := "Folio,Fecha Operación,Concepto,Cargo,Abono,Referencia\n" +
		"9001,08/03/2025,DEPOSITO SPEI,,1160.00,A101\n" +
		"9002,09/03/2025,COMISION MANEJO,58.00,,\n"
	rows, err := ingest.ParseBankCSV(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, shared.Cents(116000), rows[0].Amount)
	require.Equal(t, "A101", rows[0].Reference)
	require.Equal(t, shared.Cents(-5800), rows[1].Amount)
	require.Equal(t, time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC), rows[1].Date)
}

func TestParseBankCSVErrors(t *testing.T) {
	cases := map[string]string{
		"missing id column": "Date,Amount\n2025-03-08,10.00\n",
		"missing amount":    "ID,Date\nTX,2025-03-08\n",
		"bad date":          "ID,Date,Amount\nTX,March 8,10.00\n",
		"bad amount":        "ID,Date,Amount\nTX,2025-03-08,diez\n",
		"zero amount":       "ID,Date,Amount\nTX,2025-03-08,0.00\n",
		"empty id":          "ID,Date,Amount\n,2025-03-08,10.00\n",
		"empty file":        "",
	}
	for name, csv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingest.ParseBankCSV(strings.NewReader(csv))
			require.ErrorIs(t, err, ingest.ErrMalformedBankRow)
		})
	}
}
