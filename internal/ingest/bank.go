package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/contamx/contamx/internal/shared"
)

var bankColumns = map[string][]string{
	"id":          {"id", "external_id", "folio", "referencia bancaria", "id movimiento"},
	"date":        {"date", "fecha", "fecha operacion"},
	"amount":      {"amount", "monto", "importe"},
	"deposit":     {"deposit", "abono", "deposito", "abonos", "depositos"},
	"withdrawal":  {"withdrawal", "cargo", "retiro", "cargos", "retiros"},
	"reference":   {"reference", "referencia"},
	"description": {"description", "concepto", "descripcion"},
}

var bankDateLayouts = []string{time.DateOnly, "02/01/2006", "02-01-2006", "2006/01/02"}

// ParseBankCSV reads a statement export. The header row names the columns
// in English or Spanish; amounts come either signed in one column or split
// into deposit and withdrawal columns.
func ParseBankCSV(r io.Reader) ([]BankRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedBankRow, err)
	}
	cols := map[string]int{}
	for i, name := range header {
		folded := shared.Fold(strings.TrimPrefix(name, "\ufeff"))
		for key, aliases := range bankColumns {
			for _, alias := range aliases {
				if folded == alias {
					if _, taken := cols[key]; !taken {
						cols[key] = i
					}
				}
			}
		}
	}
	_, hasAmount := cols["amount"]
	_, hasDeposit := cols["deposit"]
	_, hasWithdrawal := cols["withdrawal"]
	if _, ok := cols["id"]; !ok {
		return nil, fmt.Errorf("%w: missing id column", ErrMalformedBankRow)
	}
	if _, ok := cols["date"]; !ok {
		return nil, fmt.Errorf("%w: missing date column", ErrMalformedBankRow)
	}
	if !hasAmount && !(hasDeposit && hasWithdrawal) {
		return nil, fmt.Errorf("%w: missing amount columns", ErrMalformedBankRow)
	}

	field := func(record []string, key string) string {
		i, ok := cols[key]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []BankRow
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedBankRow, line, err)
		}
		row := BankRow{
			ExternalID:  field(record, "id"),
			Reference:   field(record, "reference"),
			Description: field(record, "description"),
		}
		if row.ExternalID == "" {
			return nil, fmt.Errorf("%w: line %d: empty id", ErrMalformedBankRow, line)
		}
		if row.Date, err = parseBankDate(field(record, "date")); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedBankRow, line, err)
		}
		if hasAmount {
			row.Amount, err = parseMoney(field(record, "amount"))
		} else {
			row.Amount, err = splitAmount(field(record, "deposit"), field(record, "withdrawal"))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedBankRow, line, err)
		}
		if row.Amount == 0 {
			return nil, fmt.Errorf("%w: line %d: zero amount", ErrMalformedBankRow, line)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseBankDate(raw string) (time.Time, error) {
	for _, layout := range bankDateLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q", raw)
}

func parseMoney(raw string) (shared.Cents, error) {
	return shared.ParseCents(strings.NewReplacer(" ", "", "$", "").Replace(raw))
}

func splitAmount(deposit, withdrawal string) (shared.Cents, error) {
	var total shared.Cents
	if deposit != "" {
		v, err := parseMoney(deposit)
		if err != nil {
			return 0, err
		}
		total += v.Abs()
	}
	if withdrawal != "" {
		v, err := parseMoney(withdrawal)
		if err != nil {
			return 0, err
		}
		total -= v.Abs()
	}
	return total, nil
}

// Validate checks a row delivered by a feed.
func (r BankRow) Validate() error {
	if strings.TrimSpace(r.ExternalID) == "" {
		return fmt.Errorf("%w: empty id", ErrMalformedBankRow)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: %s has no date", ErrMalformedBankRow, r.ExternalID)
	}
	if r.Amount == 0 {
		return fmt.Errorf("%w: %s has zero amount", ErrMalformedBankRow, r.ExternalID)
	}
	return nil
}
