package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contamx/contamx/internal/shared"
)

func TestRespondErrorMapsTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("post: %w", shared.NewError(shared.KindValidation, "Unbalanced", "ledger: unbalanced")), http.StatusUnprocessableEntity, "Unbalanced"},
		{shared.Transient("OdooUnavailable", fmt.Errorf("dial tcp")), http.StatusServiceUnavailable, "OdooUnavailable"},
		{shared.NewError(shared.KindIntegrity, "UnbalancedTrialBalance", "ledger: trial balance"), http.StatusInternalServerError, "UnbalancedTrialBalance"},
		{shared.ErrForbidden, http.StatusForbidden, "Forbidden"},
		{shared.ErrNotFound, http.StatusNotFound, "NotFound"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code)
		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Equal(t, tc.code, body.Code)
	}
}

func TestDecodeJSONValidates(t *testing.T) {
	type payload struct {
		Name string `json:"name" validate:"required"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":""}`))
	var p payload
	err := DecodeJSON(req, &p)
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, shared.KindValidation, shared.KindOf(err))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
	require.NoError(t, DecodeJSON(req, &p))
	require.Equal(t, "ok", p.Name)
}
