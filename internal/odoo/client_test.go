package odoo_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/odoo"
	"github.com/contamx/contamx/internal/shared"
)

// fakeOdoo serves the handful of JSON-RPC calls the client makes.
type fakeOdoo struct {
	mu       sync.Mutex
	password string
	moves    map[int64]map[string]any
	posted   map[int64]bool
	lookups  map[string]int
	fault    string
}

func newFakeOdoo() *fakeOdoo {
	return &fakeOdoo{password: "secret", moves: map[int64]map[string]any{}, posted: map[int64]bool{}, lookups: map[string]int{}}
}

func (f *fakeOdoo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64 `json:"id"`
		Params struct {
			Service string            `json:"service"`
			Method  string            `json:"method"`
			Args    []json.RawMessage `json:"args"`
		} `json:"params"`
	}
	if r.URL.Path != "/jsonrpc" || json.NewDecoder(r.Body).Decode(&req) != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	reply := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
	fail := func(name, msg string) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{
			"code": 200, "message": "Odoo Server Error", "data": map[string]any{"name": name, "message": msg},
		}})
	}
	arg := func(i int, out any) { _ = json.Unmarshal(req.Params.Args[i], out) }

	switch req.Params.Service + "." + req.Params.Method {
	case "common.version":
		reply(map[string]any{"server_version": "17.0", "protocol_version": 1})
	case "common.authenticate":
		var pw string
		arg(2, &pw)
		if pw != f.password {
			reply(false)
			return
		}
		reply(7)
	case "object.execute_kw":
		var pw, model, method string
		arg(2, &pw)
		arg(3, &model)
		arg(4, &method)
		if pw != f.password {
			fail("odoo.exceptions.AccessDenied", "Access Denied")
			return
		}
		if f.fault != "" {
			fail(f.fault, "boom")
			return
		}
		switch model + "." + method {
		case "account.account.search_read":
			var domain [][][]any
			arg(5, &domain)
			code := domain[0][0][2].(string)
			f.lookups[code]++
			if code == "999.99" {
				reply([]any{})
				return
			}
			reply([]map[string]any{{"id": len(code)}})
		case "account.move.search_read":
			var domain [][][]any
			arg(5, &domain)
			ref := domain[0][0][2].(string)
			for id, m := range f.moves {
				if m["ref"] == ref {
					reply([]map[string]any{{"id": id}})
					return
				}
			}
			reply([]any{})
		case "account.move.create":
			var vals []map[string]any
			arg(5, &vals)
			id := int64(len(f.moves) + 100)
			f.moves[id] = vals[0]
			reply(id)
		case "account.move.action_post":
			var ids [][]int64
			arg(5, &ids)
			f.posted[ids[0][0]] = true
			reply(true)
		default:
			fail("builtins.ValueError", "unknown call "+model+"."+method)
		}
	default:
		fail("builtins.ValueError", "unknown service")
	}
}

func newClient(t *testing.T, f *fakeOdoo, password string) *odoo.Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := odoo.New(odoo.Config{URL: srv.URL, Database: "contamx", Username: "sync@contamx.mx", Password: password, CompanyID: 1, RPS: 1000}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestVersionAndAuthenticate(t *testing.T) {
	f := newFakeOdoo()
	ctx := context.Background()

	c := newClient(t, f, "secret")
	v, err := c.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, "17.0", v.ServerVersion)
	uid, err := c.Authenticate(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), uid)

	bad := newClient(t, f, "wrong")
	_, err = bad.Authenticate(ctx)
	require.ErrorIs(t, err, odoo.ErrAuth)
	require.False(t, shared.IsRetryable(err))
}

func TestCreateMoveThenFindByRef(t *testing.T) {
	f := newFakeOdoo()
	c := newClient(t, f, "secret")
	ctx := context.Background()
	ref := "odoo:1:6F1C2D3E-4A5B-4C6D-8E9F-0A1B2C3D4E5F"

	_, found, err := c.FindMoveByRef(ctx, ref)
	require.NoError(t, err)
	require.False(t, found)

	id, err := c.CreateMove(ctx, odoo.Move{
		Ref:       ref,
		Date:      time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		JournalID: 3,
		Narration: "CFDI A101",
		Lines: []odoo.MoveLine{
			{AccountCode: "601.84", Name: "Servicio", Debit: 99999},
			{AccountCode: "601.84", Name: "Redondeo", Debit: 1},
			{AccountCode: "118.01", Name: "IVA", Debit: 16000},
			{AccountCode: "102.01", Name: "Banco", Credit: 116000},
		},
	})
	require.NoError(t, err)
	require.True(t, f.posted[id])
	require.Equal(t, 1, f.lookups["601.84"])

	move := f.moves[id]
	require.Equal(t, "2024-01-15", move["date"])
	require.EqualValues(t, 3, move["journal_id"])
	line := move["line_ids"].([]any)[3].([]any)[2].(map[string]any)
	require.Equal(t, 1160.0, line["credit"])

	got, found, err := c.FindMoveByRef(ctx, ref)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, got)
}

func TestCreateMoveUnknownAccount(t *testing.T) {
	f := newFakeOdoo()
	c := newClient(t, f, "secret")
	_, err := c.CreateMove(context.Background(), odoo.Move{Ref: "r", Lines: []odoo.MoveLine{{AccountCode: "999.99", Debit: 1}}})
	require.ErrorIs(t, err, odoo.ErrAccountNotFound)
	require.Empty(t, f.moves)
}

func TestRemoteFaultsAreClassified(t *testing.T) {
	f := newFakeOdoo()
	f.fault = "odoo.exceptions.ValidationError"
	c := newClient(t, f, "secret")
	_, _, err := c.FindMoveByRef(context.Background(), "r")
	require.ErrorIs(t, err, odoo.ErrRemote)
	require.Equal(t, shared.KindValidation, shared.KindOf(err))
}

func TestUnavailableServerIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c, err := odoo.New(odoo.Config{URL: srv.URL}, srv.Client())
	require.NoError(t, err)
	_, err = c.Version(context.Background())
	require.True(t, shared.IsRetryable(err))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := odoo.New(odoo.Config{URL: "odoo.local"}, nil)
	require.ErrorIs(t, err, odoo.ErrInvalidConfig)
}
