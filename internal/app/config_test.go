package app

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/ledger"
	"github.com/contamx/contamx/internal/observability"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", testKey())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 5, cfg.ReconDateWindowDays)
	require.InDelta(t, 0.80, cfg.ReconAutoThreshold, 1e-9)

	policy := cfg.RetryPolicy()
	require.Equal(t, 8, policy.MaxAttempts)
	require.Equal(t, 30*time.Second, policy.Base)
	require.Equal(t, time.Hour, policy.Max)
	require.Equal(t, 0.10, cfg.ReconcileConfig().TieThreshold)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"missing key":   {"SECRET_KEY": ""},
		"short key":     {"SECRET_KEY": base64.StdEncoding.EncodeToString([]byte("short"))},
		"bad cron":      {"SECRET_KEY": testKey(), "CRON_SWEEP": "every minute"},
		"threshold":     {"SECRET_KEY": testKey(), "RECON_AUTO_THRESHOLD": "1.5"},
		"backoff order": {"SECRET_KEY": testKey(), "SYNC_BACKOFF_BASE": "2h", "SYNC_BACKOFF_MAX": "1h"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestEmptyCronDisablesSchedule(t *testing.T) {
	t.Setenv("SECRET_KEY", testKey())
	t.Setenv("CRON_EFOS", "")
	t.Setenv("CRON_SWEEP", "@every 5m")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "", cfg.CronSpecs()["CRON_EFOS"])
}

func TestLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn", AppEnv: "test"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "shown", rec["msg"])
	require.Equal(t, "test", rec["env"])
}

func TestRouterServesHealthAndGuardsAPI(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{}, &buf)
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
	router := NewRouter(RouterParams{
		Logger:  logger,
		Config:  &Config{AppRequestTimeout: time.Second},
		Metrics: observability.NewMetrics(),
		Tenant:  guard,

		LedgerHandler: ledger.NewHandler(logger, nil),
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/ledger/accounts", nil))
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "contamx_http_requests_total")
}
