package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/auth"
	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/ledger"
	"github.com/vnmchuo/usage-ledger/internal/metrics"
	"github.com/vnmchuo/usage-ledger/internal/pricing"
)

type mockEngine struct {
	recordUsageFunc func(ctx context.Context, req billing.Request) *billing.Result
	balanceFunc     func(ctx context.Context, orgID string) (ledger.Balance, error)
	usageFunc       func(ctx context.Context, orgID string, from, to time.Time) ([]*ledger.UsageRecord, decimal.Decimal, error)
}

func (m *mockEngine) RecordUsage(ctx context.Context, req billing.Request) *billing.Result {
	if m.recordUsageFunc != nil {
		return m.recordUsageFunc(ctx, req)
	}
	return &billing.Result{Status: billing.StatusRejected, Kind: billing.KindUnexpected}
}

func (m *mockEngine) Balance(ctx context.Context, orgID string) (ledger.Balance, error) {
	if m.balanceFunc != nil {
		return m.balanceFunc(ctx, orgID)
	}
	return ledger.Balance{OrgID: orgID}, nil
}

func (m *mockEngine) Usage(ctx context.Context, orgID string, from, to time.Time) ([]*ledger.UsageRecord, decimal.Decimal, error) {
	if m.usageFunc != nil {
		return m.usageFunc(ctx, orgID, from, to)
	}
	return nil, decimal.Zero, nil
}

func setupTest() (http.Handler, *mockEngine) {
	engine := &mockEngine{}
	return NewRouter(NewHandler(engine, zap.NewNop()), nil, nil), engine
}

func serve(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func validBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"run_id":        "run-1",
		"step_id":       "step-1",
		"org_id":        "org-1",
		"input_units":   500,
		"output_units":  200,
		"model":         "gpt-4o",
		"agent_id":      "agent-1",
		"metadata":      map[string]any{"region": "eu"},
		"unknown_field": true,
	})
	return body
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestHandleRecordUsage_InvalidBody(t *testing.T) {
	h, _ := setupTest()
	w := serve(h, http.MethodPost, "/v1/usage", []byte(`{invalid json}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "malformed_request", resp["error"].(map[string]any)["kind"])
}

func TestHandleRecordUsage_NullUnits(t *testing.T) {
	h, engine := setupTest()
	called := false
	engine.recordUsageFunc = func(context.Context, billing.Request) *billing.Result {
		called = true
		return nil
	}

	for _, body := range []string{
		`{"run_id":"r","step_id":"s","org_id":"o","model":"m","input_units":null,"output_units":1}`,
		`{"run_id":"r","step_id":"s","org_id":"o","model":"m","input_units":1}`,
	} {
		w := serve(h, http.MethodPost, "/v1/usage", []byte(body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.False(t, called)
}

func TestHandleRecordUsage_Success(t *testing.T) {
	h, engine := setupTest()
	var got billing.Request
	engine.recordUsageFunc = func(_ context.Context, req billing.Request) *billing.Result {
		got = req
		return &billing.Result{
			Status:           billing.StatusSuccess,
			Record:           &ledger.UsageRecord{ID: "rec-1", OrgID: req.OrgID, Cost: decimal.RequireFromString("0.0011")},
			TotalUnits:       700,
			Cost:             decimal.RequireFromString("0.0011"),
			PricingSource:    pricing.SourceFallback,
			PricingDegraded:  true,
			BalanceRemaining: decimal.RequireFromString("9.9989"),
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/usage", bytes.NewReader(validBody()))
	req.Header.Set("Idempotency-Key", "hdr-key")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, int64(500), got.InputUnits)
	assert.Equal(t, int64(200), got.OutputUnits)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, "hdr-key", got.IdempotencyKey)
	assert.Equal(t, "eu", got.Metadata["region"])

	resp := decode(t, w)
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "0.00110000", resp["cost"])
	assert.Equal(t, "9.99890000", resp["balance_remaining"])
	assert.Equal(t, "fallback", resp["pricing_source"])
	assert.Equal(t, true, resp["pricing_degraded"])
	assert.Equal(t, float64(700), resp["total_units"])
	assert.Equal(t, "rec-1", resp["record"].(map[string]any)["id"])
	assert.Nil(t, resp["error"])
}

func TestHandleRecordUsage_BodyKeyWinsOverHeader(t *testing.T) {
	h, engine := setupTest()
	var got billing.Request
	engine.recordUsageFunc = func(_ context.Context, req billing.Request) *billing.Result {
		got = req
		return &billing.Result{Status: billing.StatusIdempotent, Record: &ledger.UsageRecord{ID: "rec-1"}}
	}

	body := `{"run_id":"r","step_id":"s","org_id":"o","model":"m","input_units":1,"output_units":1,"idempotency_key":"body-key"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/usage", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "hdr-key")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body-key", got.IdempotencyKey)
	assert.Equal(t, "idempotent", decode(t, w)["status"])
}

func TestHandleRecordUsage_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		result *billing.Result
		code   int
	}{
		{"validation", &billing.Result{Status: billing.StatusRejected, Kind: billing.KindMissingModel}, http.StatusUnprocessableEntity},
		{"unknown org", &billing.Result{Status: billing.StatusRejected, Kind: billing.KindUnknownOrg}, http.StatusUnprocessableEntity},
		{"excessive cost", &billing.Result{Status: billing.StatusRejected, Kind: billing.KindExcessiveCost}, http.StatusUnprocessableEntity},
		{"lock timeout", &billing.Result{Status: billing.StatusRejected, Kind: billing.KindLockTimeout}, http.StatusServiceUnavailable},
		{"deadlock", &billing.Result{Status: billing.StatusRejected, Kind: billing.KindDeadlock}, http.StatusServiceUnavailable},
		{"timeout", &billing.Result{Status: billing.StatusRejected, Kind: billing.KindTimeout}, http.StatusGatewayTimeout},
		{"idempotency conflict", &billing.Result{Status: billing.StatusRejected, Kind: billing.KindIdempotencyConflict}, http.StatusConflict},
		{"unexpected", &billing.Result{Status: billing.StatusRejected, Kind: billing.KindUnexpected}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, engine := setupTest()
			engine.recordUsageFunc = func(context.Context, billing.Request) *billing.Result { return tt.result }

			w := serve(h, http.MethodPost, "/v1/usage", validBody())
			assert.Equal(t, tt.code, w.Code)

			resp := decode(t, w)
			assert.Equal(t, "rejected", resp["status"])
			errBody := resp["error"].(map[string]any)
			assert.Equal(t, string(tt.result.Kind), errBody["kind"])
			assert.Equal(t, tt.result.Retryable(), errBody["retryable"])
		})
	}
}

func TestHandleRecordUsage_RateLimited(t *testing.T) {
	h, engine := setupTest()
	engine.recordUsageFunc = func(context.Context, billing.Request) *billing.Result {
		return &billing.Result{Status: billing.StatusRateLimited, RetryAfter: 1500 * time.Millisecond}
	}

	w := serve(h, http.MethodPost, "/v1/usage", validBody())

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, float64(2), decode(t, w)["retry_after_seconds"])
}

func TestHandleRecordUsage_InsufficientCredits(t *testing.T) {
	h, engine := setupTest()
	engine.recordUsageFunc = func(context.Context, billing.Request) *billing.Result {
		return &billing.Result{
			Status:    billing.StatusInsufficientCredits,
			Available: decimal.RequireFromString("1.5"),
			Required:  decimal.RequireFromString("2"),
			Shortfall: decimal.RequireFromString("0.5"),
		}
	}

	w := serve(h, http.MethodPost, "/v1/usage", validBody())

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "1.50000000", resp["available"])
	assert.Equal(t, "2.00000000", resp["required"])
	assert.Equal(t, "0.50000000", resp["shortfall"])
}

func TestHandleBalance(t *testing.T) {
	h, engine := setupTest()
	engine.balanceFunc = func(_ context.Context, orgID string) (ledger.Balance, error) {
		return ledger.Balance{
			OrgID:    orgID,
			Amount:   decimal.RequireFromString("10"),
			Reserved: decimal.RequireFromString("2.5"),
		}, nil
	}

	w := serve(h, http.MethodGet, "/v1/orgs/org-9/balance", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "org-9", resp["org_id"])
	assert.Equal(t, "10.00000000", resp["balance"])
	assert.Equal(t, "7.50000000", resp["available"])
}

func TestHandleBalance_StoreError(t *testing.T) {
	h, engine := setupTest()
	engine.balanceFunc = func(context.Context, string) (ledger.Balance, error) {
		return ledger.Balance{}, errors.New("connection reset")
	}

	w := serve(h, http.MethodGet, "/v1/orgs/org-9/balance", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	h, _ := setupTest()

	for _, target := range []string{
		"/v1/orgs/org-1/usage?from=not-a-date",
		"/v1/orgs/org-1/usage?to=yesterday",
		"/v1/orgs/org-1/usage?from=2024-02-01T00:00:00Z&to=2024-01-01T00:00:00Z",
	} {
		w := serve(h, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	h, engine := setupTest()
	var gotFrom, gotTo time.Time
	engine.usageFunc = func(_ context.Context, orgID string, from, to time.Time) ([]*ledger.UsageRecord, decimal.Decimal, error) {
		gotFrom, gotTo = from, to
		return []*ledger.UsageRecord{
			{ID: "a", OrgID: orgID, Model: "gpt-4"},
			{ID: "b", OrgID: orgID, Model: "gpt-4"},
		}, decimal.RequireFromString("0.005"), nil
	}

	w := serve(h, http.MethodGet, "/v1/orgs/org-1/usage?from=2024-01-01T00:00:00Z&to=2024-02-01T00:00:00Z", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), gotFrom.UTC())
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), gotTo.UTC())

	resp := decode(t, w)
	assert.Equal(t, float64(2), resp["total_records"])
	assert.Equal(t, "0.00500000", resp["total_cost"])
	assert.Len(t, resp["records"], 2)
}

func TestHandleUsage_DefaultDates(t *testing.T) {
	h, _ := setupTest()

	w := serve(h, http.MethodGet, "/v1/orgs/org-1/usage", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.NotEmpty(t, resp["from"])
	assert.NotEmpty(t, resp["to"])
	assert.Equal(t, []any{}, resp["records"])
}

func TestRouter_HealthzAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveCall("success", "", 0.01)

	h := NewRouter(NewHandler(&mockEngine{}, nil), reg, nil)

	w := serve(h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = serve(h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "usage_ledger_calls_total")
}

// keyFor injects a fixed API key, standing in for auth.NewMiddleware.
func keyFor(k *auth.APIKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithAPIKey(r.Context(), k)))
		})
	}
}

func TestRouter_OrgScopedKeys(t *testing.T) {
	engine := &mockEngine{recordUsageFunc: func(_ context.Context, req billing.Request) *billing.Result {
		return &billing.Result{Status: billing.StatusSuccess, Record: &ledger.UsageRecord{ID: "rec-1", OrgID: req.OrgID}}
	}}
	h := NewRouter(NewHandler(engine, nil), nil, keyFor(&auth.APIKey{ID: "key-1", OrgID: "org-2"}))

	// validBody bills org-1.
	w := serve(h, http.MethodPost, "/v1/usage", validBody())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode(t, w)["error"].(map[string]any)["kind"])

	assert.Equal(t, http.StatusForbidden, serve(h, http.MethodGet, "/v1/orgs/org-1/balance", nil).Code)
	assert.Equal(t, http.StatusForbidden, serve(h, http.MethodGet, "/v1/orgs/org-1/usage", nil).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/v1/orgs/org-2/balance", nil).Code)

	// Health checks stay outside authentication.
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz", nil).Code)
}

func TestRouter_RequiresKey(t *testing.T) {
	h := NewRouter(NewHandler(&mockEngine{}, nil), nil, auth.NewMiddleware(nil, nil, nil))

	w := serve(h, http.MethodGet, "/v1/orgs/org-1/balance", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
