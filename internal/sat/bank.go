package sat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/contamx/contamx/internal/ingest"
	"github.com/contamx/contamx/internal/shared"
)

// StatementPage is one page of bank statement rows after a cursor.
type StatementPage struct {
	Rows    []ingest.BankRow
	Cursor  string
	HasMore bool
}

// BankClient reads statement lines from the bank aggregation gateway, which
// speaks the same REST dialect as the CFDI gateway.
type BankClient struct {
	http *HTTPClient
}

// NewBankClient builds a BankClient for cfg.
func NewBankClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*BankClient, error) {
	c, err := NewHTTPClient(cfg, httpClient, logger)
	if err != nil {
		return nil, err
	}
	return &BankClient{http: c}, nil
}

type statementResponse struct {
	Movements []struct {
		ID          string `json:"id"`
		Date        string `json:"date"`
		Amount      string `json:"amount"`
		Reference   string `json:"reference"`
		Description string `json:"description"`
	} `json:"movements"`
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more"`
}

// ListSince returns statement rows of the company's accounts posted after
// cursor. Amounts are signed: deposits positive, withdrawals negative.
func (b *BankClient) ListSince(ctx context.Context, rfc, cursor string) (StatementPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(b.http.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	body, err := b.http.get(ctx, "/v1/companies/"+rfc+"/movements", q)
	if err != nil {
		return StatementPage{}, err
	}
	defer body.Close()
	var resp statementResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return StatementPage{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	page := StatementPage{Cursor: resp.Cursor, HasMore: resp.HasMore, Rows: make([]ingest.BankRow, 0, len(resp.Movements))}
	for _, m := range resp.Movements {
		date, err := time.Parse(time.DateOnly, strings.TrimSpace(m.Date))
		if err != nil {
			return StatementPage{}, fmt.Errorf("%w: movement %s date %q", ErrBadResponse, m.ID, m.Date)
		}
		amount, err := shared.ParseCents(m.Amount)
		if err != nil {
			return StatementPage{}, fmt.Errorf("%w: movement %s: %v", ErrBadResponse, m.ID, err)
		}
		page.Rows = append(page.Rows, ingest.BankRow{
			ExternalID:  strings.TrimSpace(m.ID),
			Date:        date,
			Amount:      amount,
			Reference:   strings.TrimSpace(m.Reference),
			Description: strings.TrimSpace(m.Description),
		})
	}
	return page, nil
}
