package odoo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/contamx/contamx/internal/shared"
)

// MoveLine is one journal item of an account.move.
type MoveLine struct {
	AccountCode string
	Name        string
	Debit       shared.Cents
	Credit      shared.Cents
}

// Move is the journal entry mirrored into Odoo.
type Move struct {
	Ref       string
	Date      time.Time
	JournalID int64
	Narration string
	Lines     []MoveLine
}

// FindMoveByRef returns the id of the account.move whose ref equals ref.
func (c *Client) FindMoveByRef(ctx context.Context, ref string) (int64, bool, error) {
	domain := []any{[]any{"ref", "=", ref}}
	if c.cfg.CompanyID > 0 {
		domain = append(domain, []any{"company_id", "=", c.cfg.CompanyID})
	}
	var rows []struct {
		ID int64 `json:"id"`
	}
	if err := c.ExecuteKW(ctx, "account.move", "search_read", []any{domain}, map[string]any{"fields": []string{"id"}, "limit": 1}, &rows); err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].ID, true, nil
}

// AccountID resolves an account code in the Odoo chart.
func (c *Client) AccountID(ctx context.Context, code string) (int64, error) {
	c.mu.Lock()
	id, ok := c.accounts[code]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	domain := []any{[]any{"code", "=", code}}
	if c.cfg.CompanyID > 0 {
		domain = append(domain, []any{"company_id", "=", c.cfg.CompanyID})
	}
	var rows []struct {
		ID int64 `json:"id"`
	}
	if err := c.ExecuteKW(ctx, "account.account", "search_read", []any{domain}, map[string]any{"fields": []string{"id"}, "limit": 1}, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, code)
	}
	c.mu.Lock()
	c.accounts[code] = rows[0].ID
	c.mu.Unlock()
	return rows[0].ID, nil
}

// CreateMove creates and posts m, returning the new account.move id.
func (c *Client) CreateMove(ctx context.Context, m Move) (int64, error) {
	lines := make([]any, 0, len(m.Lines))
	for _, l := range m.Lines {
		accountID, err := c.AccountID(ctx, l.AccountCode)
		if err != nil {
			return 0, err
		}
		lines = append(lines, []any{0, 0, map[string]any{
			"account_id": accountID,
			"name":       l.Name,
			"debit":      json.Number(l.Debit.String()),
			"credit":     json.Number(l.Credit.String()),
		}})
	}
	vals := map[string]any{
		"ref":       m.Ref,
		"date":      m.Date.Format(time.DateOnly),
		"move_type": "entry",
		"narration": m.Narration,
		"line_ids":  lines,
	}
	if m.JournalID > 0 {
		vals["journal_id"] = m.JournalID
	}
	if c.cfg.CompanyID > 0 {
		vals["company_id"] = c.cfg.CompanyID
	}
	var id int64
	if err := c.ExecuteKW(ctx, "account.move", "create", []any{vals}, nil, &id); err != nil {
		return 0, err
	}
	if err := c.ExecuteKW(ctx, "account.move", "action_post", []any{[]int64{id}}, nil, nil); err != nil {
		return id, err
	}
	return id, nil
}
