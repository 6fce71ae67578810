// Package api exposes the billing engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/auth"
	"github.com/vnmchuo/usage-ledger/internal/billing"
	"github.com/vnmchuo/usage-ledger/internal/cost"
	"github.com/vnmchuo/usage-ledger/internal/ledger"
)

const maxBodyBytes = 1 << 20

// Engine is the part of billing.Engine the handlers use.
type Engine interface {
	RecordUsage(ctx context.Context, req billing.Request) *billing.Result
	Balance(ctx context.Context, orgID string) (ledger.Balance, error)
	Usage(ctx context.Context, orgID string, from, to time.Time) ([]*ledger.UsageRecord, decimal.Decimal, error)
}

type Handler struct {
	engine Engine
	logger *zap.Logger
	now    func() time.Time
}

func NewHandler(engine Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, logger: logger, now: time.Now}
}

// usageRequest mirrors billing.Request. Units are pointers so that a missing
// or null count is told apart from zero.
type usageRequest struct {
	RunID          string         `json:"run_id"`
	StepID         string         `json:"step_id"`
	OrgID          string         `json:"org_id"`
	InputUnits     *int64         `json:"input_units"`
	OutputUnits    *int64         `json:"output_units"`
	Model          string         `json:"model"`
	AgentID        string         `json:"agent_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type usageResponse struct {
	Status billing.Status `json:"status"`

	Record           *ledger.UsageRecord `json:"record,omitempty"`
	TotalUnits       int64               `json:"total_units,omitempty"`
	Cost             string              `json:"cost,omitempty"`
	PricingSource    string              `json:"pricing_source,omitempty"`
	PricingDegraded  bool                `json:"pricing_degraded,omitempty"`
	BalanceRemaining string              `json:"balance_remaining,omitempty"`

	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`

	Available string `json:"available,omitempty"`
	Required  string `json:"required,omitempty"`
	Shortfall string `json:"shortfall,omitempty"`

	Error *errorBody `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Kind: kind, Message: msg}})
}

func forbidden(w http.ResponseWriter, orgID string) {
	writeError(w, http.StatusForbidden, "forbidden", "API key is not allowed to act on organization "+orgID)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(cost.Scale)
}

// HandleRecordUsage bills one call. The Idempotency-Key header is used when the
// body carries no key.
func (h *Handler) HandleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var body usageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		msg := "invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeError(w, http.StatusBadRequest, "malformed_request", msg)
		return
	}
	if body.InputUnits == nil || body.OutputUnits == nil {
		writeError(w, http.StatusBadRequest, "malformed_request", "input_units and output_units are required")
		return
	}
	if !auth.Allows(r.Context(), body.OrgID) {
		forbidden(w, body.OrgID)
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res := h.engine.RecordUsage(r.Context(), billing.Request{
		RunID:          body.RunID,
		StepID:         body.StepID,
		OrgID:          body.OrgID,
		InputUnits:     *body.InputUnits,
		OutputUnits:    *body.OutputUnits,
		Model:          body.Model,
		AgentID:        body.AgentID,
		TaskID:         body.TaskID,
		IdempotencyKey: body.IdempotencyKey,
		Metadata:       body.Metadata,
	})

	status, resp := render(res)
	if res.Status == billing.StatusRateLimited {
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
	}
	writeJSON(w, status, resp)
}

func render(res *billing.Result) (int, usageResponse) {
	resp := usageResponse{Status: res.Status}
	switch res.Status {
	case billing.StatusSuccess, billing.StatusIdempotent:
		resp.Record = res.Record
		resp.TotalUnits = res.TotalUnits
		resp.Cost = money(res.Cost)
		resp.PricingSource = string(res.PricingSource)
		resp.PricingDegraded = res.PricingDegraded
		resp.BalanceRemaining = money(res.BalanceRemaining)
		return http.StatusOK, resp
	case billing.StatusRateLimited:
		resp.RetryAfterSeconds = int64(math.Ceil(res.RetryAfter.Seconds()))
		return http.StatusTooManyRequests, resp
	case billing.StatusInsufficientCredits:
		resp.Available = money(res.Available)
		resp.Required = money(res.Required)
		resp.Shortfall = money(res.Shortfall)
		return http.StatusPaymentRequired, resp
	}

	resp.Error = &errorBody{Kind: string(res.Kind), Message: res.Message, Retryable: res.Retryable()}
	switch res.Kind {
	case billing.KindLockTimeout, billing.KindDeadlock:
		return http.StatusServiceUnavailable, resp
	case billing.KindTimeout:
		return http.StatusGatewayTimeout, resp
	case billing.KindIdempotencyConflict:
		return http.StatusConflict, resp
	case billing.KindUnexpected:
		return http.StatusInternalServerError, resp
	default:
		return http.StatusUnprocessableEntity, resp
	}
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !auth.Allows(r.Context(), orgID) {
		forbidden(w, orgID)
		return
	}
	bal, err := h.engine.Balance(r.Context(), orgID)
	if err != nil {
		h.logger.Error("failed to read balance", zap.String("org_id", orgID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unexpected", "failed to read balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"org_id":     orgID,
		"balance":    money(bal.Amount),
		"reserved":   money(bal.Reserved),
		"available":  money(bal.Available()),
		"updated_at": bal.UpdatedAt,
	})
}

// HandleUsage lists an organization's records. from and to are RFC3339 and
// default to the last 30 days.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	if !auth.Allows(r.Context(), orgID) {
		forbidden(w, orgID)
		return
	}
	now := h.now()
	from, to := now.AddDate(0, 0, -30), now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed_request", "invalid 'from' date format (use RFC3339)")
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed_request", "invalid 'to' date format (use RFC3339)")
			return
		}
		to = t
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "malformed_request", "'to' must not precede 'from'")
		return
	}

	records, total, err := h.engine.Usage(r.Context(), orgID, from, to)
	if err != nil {
		h.logger.Error("failed to read usage", zap.String("org_id", orgID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "unexpected", "failed to read usage")
		return
	}
	if records == nil {
		records = []*ledger.UsageRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"org_id":        orgID,
		"total_records": len(records),
		"total_cost":    money(total),
		"records":       records,
		"from":          from,
		"to":            to,
	})
}
