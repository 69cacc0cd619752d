// Package odoo is a minimal JSON-RPC client for the Odoo external API.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/contamx/contamx/internal/shared"
)

const maxResponseSize = 8 << 20

var (
	// ErrAuth indicates Odoo rejected the credentials.
	ErrAuth = shared.NewError(shared.KindValidation, "OdooAuth", "odoo: authentication failed")
	// ErrRemote indicates a server-side fault such as a missing field or
	// access rule.
	ErrRemote = shared.NewError(shared.KindValidation, "OdooRemote", "odoo: remote error")
	// ErrAccountNotFound indicates an account code absent from the Odoo chart.
	ErrAccountNotFound = shared.NewError(shared.KindValidation, "OdooAccountNotFound", "odoo: account not found")
	// ErrInvalidConfig indicates an unusable connection configuration.
	ErrInvalidConfig = shared.NewError(shared.KindValidation, "OdooConfig", "odoo: invalid connection settings")
	// ErrBadResponse indicates a response the client cannot decode.
	ErrBadResponse = shared.NewError(shared.KindTransient, "OdooBadResponse", "odoo: malformed response")
)

// Config identifies one Odoo database and user.
type Config struct {
	URL       string
	Database  string
	Username  string
	Password  string
	CompanyID int64
	Timeout   time.Duration
	// RPS caps calls per second. Zero means 5.
	RPS float64
}

// Version is the subset of common.version callers use.
type Version struct {
	ServerVersion string `json:"server_version"`
	ProtocolVer   int    `json:"protocol_version"`
}

// Client calls /jsonrpc. It authenticates lazily and caches the uid and
// account ids.
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	seq      atomic.Int64

	mu       sync.Mutex
	uid      int64
	accounts map[string]int64
}

// New builds a client for cfg. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidConfig, cfg.URL)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		cfg:      cfg,
		endpoint: base.String() + "/jsonrpc",
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		accounts: map[string]int64{},
	}, nil
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *rpcError) err() error {
	detail := e.Data.Message
	if detail == "" {
		detail = e.Message
	}
	if strings.Contains(e.Data.Name, "AccessDenied") || strings.Contains(e.Data.Name, "SessionExpired") {
		return fmt.Errorf("%w: %s", ErrAuth, detail)
	}
	return fmt.Errorf("%w: %s: %s", ErrRemote, e.Data.Name, detail)
}

func (c *Client) call(ctx context.Context, service, method string, args []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	id := c.seq.Add(1)
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      id,
	})
	if err != nil {
		return fmt.Errorf("odoo: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("odoo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return shared.Transient("OdooUnavailable", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return shared.Transient("OdooUnavailable", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return shared.Transient("OdooUnavailable", fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d", ErrRemote, resp.StatusCode)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if decoded.Error != nil {
		return decoded.Error.err()
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return fmt.Errorf("%w: %s.%s result: %v", ErrBadResponse, service, method, err)
	}
	return nil
}

// Version calls common.version. It needs no credentials.
func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	err := c.call(ctx, "common", "version", []any{}, &v)
	return v, err
}

// Authenticate resolves the uid for the configured user.
func (c *Client) Authenticate(ctx context.Context) (int64, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "common", "authenticate", []any{c.cfg.Database, c.cfg.Username, c.cfg.Password, map[string]any{}}, &raw); err != nil {
		return 0, err
	}
	var uid int64
	if err := json.Unmarshal(raw, &uid); err != nil || uid <= 0 {
		return 0, fmt.Errorf("%w: %s@%s", ErrAuth, c.cfg.Username, c.cfg.Database)
	}
	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
	return uid, nil
}

func (c *Client) ensureUID(ctx context.Context) (int64, error) {
	c.mu.Lock()
	uid := c.uid
	c.mu.Unlock()
	if uid != 0 {
		return uid, nil
	}
	return c.Authenticate(ctx)
}

// ExecuteKW calls object.execute_kw for model.method and decodes the result
// into out.
func (c *Client) ExecuteKW(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	uid, err := c.ensureUID(ctx)
	if err != nil {
		return err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return c.call(ctx, "object", "execute_kw", []any{c.cfg.Database, uid, c.cfg.Password, model, method, args, kwargs}, out)
}
