package sat_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/sat"
	"github.com/contamx/contamx/internal/shared"
)

func newClient(t *testing.T, h http.HandlerFunc) *sat.HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := sat.NewHTTPClient(sat.Config{BaseURL: srv.URL + "/", Token: "tkn", PageSize: 2}, srv.Client(), nil)
	require.NoError(t, err)
	return c
}

func TestListSincePassesCursor(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/cfdi", r.URL.Path)
		require.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		require.Equal(t, "CMX010101AB1", r.URL.Query().Get("rfc"))
		require.Equal(t, "2", r.URL.Query().Get("limit"))
		switch r.URL.Query().Get("cursor") {
		case "":
			_, _ = io.WriteString(w, `{"uuids":["A","B"],"cursor":"c1","has_more":true}`)
		case "c1":
			_, _ = io.WriteString(w, `{"uuids":["C"],"cursor":"c2","has_more":false}`)
		default:
			t.Fatalf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})
	ctx := context.Background()

	first, err := c.ListSince(ctx, "CMX010101AB1", "")
	require.NoError(t, err)
	require.Equal(t, sat.Listing{UUIDs: []string{"A", "B"}, Cursor: "c1", HasMore: true}, first)
	second, err := c.ListSince(ctx, "CMX010101AB1", first.Cursor)
	require.NoError(t, err)
	require.Equal(t, []string{"C"}, second.UUIDs)
	require.False(t, second.HasMore)
}

func TestListSinceRejectsStuckCursor(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"uuids":[],"cursor":"c1","has_more":true}`)
	})
	_, err := c.ListSince(context.Background(), "CMX010101AB1", "c1")
	require.ErrorIs(t, err, sat.ErrBadResponse)
}

func TestFetchReturnsXML(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/cfdi/6F1C2D3E-4A5B-4C6D-8E9F-0A1B2C3D4E5F/xml", r.URL.Path)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<cfdi:Comprobante/>`)
	})
	raw, err := c.Fetch(context.Background(), "CMX010101AB1", "6F1C2D3E-4A5B-4C6D-8E9F-0A1B2C3D4E5F")
	require.NoError(t, err)
	require.Equal(t, `<cfdi:Comprobante/>`, string(raw))
}

func TestGatewayErrorsAreClassified(t *testing.T) {
	cases := []struct {
		status int
		kind   shared.Kind
	}{
		{http.StatusNotFound, shared.KindNotFound},
		{http.StatusUnauthorized, shared.KindForbidden},
		{http.StatusTooManyRequests, shared.KindTransient},
		{http.StatusBadGateway, shared.KindTransient},
		{http.StatusBadRequest, shared.KindValidation},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			})
			_, err := c.Fetch(context.Background(), "CMX010101AB1", "X")
			require.Error(t, err)
			require.Equal(t, tc.kind, shared.KindOf(err))
		})
	}
}

func TestUnreachableGatewayIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := sat.NewHTTPClient(sat.Config{BaseURL: srv.URL, Timeout: time.Second}, nil, nil)
	require.NoError(t, err)
	_, err = c.ListSince(context.Background(), "CMX010101AB1", "")
	require.True(t, shared.IsRetryable(err))
}

func TestEFOSFeedStreamsCSV(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/efos/69b.csv", r.URL.Path)
		_, _ = io.WriteString(w, "No,RFC,Nombre,Situación\n1,AAA010101AAA,X,Definitivo\n")
	})
	body, err := c.EFOSFeed(context.Background())
	require.NoError(t, err)
	defer body.Close()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "AAA010101AAA")
}

func TestNewHTTPClientValidatesURL(t *testing.T) {
	_, err := sat.NewHTTPClient(sat.Config{BaseURL: "not a url"}, nil, nil)
	require.Error(t, err)
}
