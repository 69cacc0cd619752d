// Package sat talks to the CFDI download gateway that fronts the SAT mass
// download service, the 69-B list and the bank statement feed.
package sat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/contamx/contamx/internal/shared"
)

const maxResponseSize = 16 << 20

var (
	// ErrNotFound indicates the gateway has no such CFDI.
	ErrNotFound = shared.NewError(shared.KindNotFound, "SATNotFound", "sat: cfdi not found")
	// ErrUnauthorized indicates rejected gateway credentials.
	ErrUnauthorized = shared.NewError(shared.KindForbidden, "SATUnauthorized", "sat: gateway rejected credentials")
	// ErrBadResponse indicates a response the client cannot use.
	ErrBadResponse = shared.NewError(shared.KindValidation, "SATBadResponse", "sat: unexpected gateway response")
)

// Listing is one page of stamped CFDI UUIDs after a cursor.
type Listing struct {
	UUIDs   []string
	Cursor  string
	HasMore bool
}

// Source lists and downloads CFDI XML for a company RFC.
type Source interface {
	ListSince(ctx context.Context, rfc, cursor string) (Listing, error)
	Fetch(ctx context.Context, rfc, uuid string) ([]byte, error)
	EFOSFeed(ctx context.Context) (io.ReadCloser, error)
}

// Config configures HTTPClient.
type Config struct {
	BaseURL  string
	Token    string
	PageSize int
	Timeout  time.Duration
}

// HTTPClient implements Source against the gateway's REST API.
type HTTPClient struct {
	base     *url.URL
	token    string
	pageSize int
	http     *http.Client
	logger   *slog.Logger
}

// NewHTTPClient validates cfg and builds a client. A nil httpClient gets one
// with cfg.Timeout.
func NewHTTPClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("sat: invalid gateway url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{base: base, token: cfg.Token, pageSize: cfg.PageSize, http: httpClient, logger: logger}, nil
}

type listResponse struct {
	UUIDs   []string `json:"uuids"`
	Cursor  string   `json:"cursor"`
	HasMore bool     `json:"has_more"`
}

// ListSince returns CFDI stamped after cursor for rfc, issued and received.
// An empty cursor starts from the beginning.
func (c *HTTPClient) ListSince(ctx context.Context, rfc, cursor string) (Listing, error) {
	q := url.Values{}
	q.Set("rfc", rfc)
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	body, err := c.get(ctx, "/v1/cfdi", q)
	if err != nil {
		return Listing{}, err
	}
	defer body.Close()
	var resp listResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return Listing{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if resp.HasMore && resp.Cursor == cursor {
		return Listing{}, fmt.Errorf("%w: cursor did not advance", ErrBadResponse)
	}
	return Listing{UUIDs: resp.UUIDs, Cursor: resp.Cursor, HasMore: resp.HasMore}, nil
}

// Fetch downloads the XML of one CFDI.
func (c *HTTPClient) Fetch(ctx context.Context, rfc, uuid string) ([]byte, error) {
	q := url.Values{}
	q.Set("rfc", rfc)
	body, err := c.get(ctx, "/v1/cfdi/"+uuid+"/xml", q)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	raw, err := io.ReadAll(io.LimitReader(body, maxResponseSize))
	if err != nil {
		return nil, shared.Transient("SATRead", err)
	}
	return raw, nil
}

// EFOSFeed streams the current 69-B list as published by SAT. The caller
// closes the reader.
func (c *HTTPClient) EFOSFeed(ctx context.Context) (io.ReadCloser, error) {
	return c.get(ctx, "/v1/efos/69b.csv", nil)
}

func (c *HTTPClient) get(ctx context.Context, path string, q url.Values) (io.ReadCloser, error) {
	u := *c.base
	u.Path += path
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("sat: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, shared.Transient("SATUnavailable", err)
	}
	if err := classify(resp); err != nil {
		c.logger.WarnContext(ctx, "sat gateway request failed",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.Any("error", err),
		)
		return nil, err
	}
	return resp.Body, nil
}

// classify maps an HTTP status to the error taxonomy and closes the body of
// failed responses.
func classify(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_ = resp.Body.Close()
	msg := fmt.Sprintf("HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return shared.Transient("SATUnavailable", errors.New(msg))
	}
	return fmt.Errorf("%w: %s", ErrBadResponse, msg)
}
