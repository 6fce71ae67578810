package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-ledger/internal/catalog"
	"github.com/vnmchuo/usage-ledger/internal/cost"
	"github.com/vnmchuo/usage-ledger/internal/identity"
	"github.com/vnmchuo/usage-ledger/internal/ledger"
	"github.com/vnmchuo/usage-ledger/internal/metrics"
	"github.com/vnmchuo/usage-ledger/internal/notify"
	"github.com/vnmchuo/usage-ledger/internal/pricing"
	"github.com/vnmchuo/usage-ledger/pkg/ratelimit"
)

type Config struct {
	// MaxUnitsPerCall caps input+output units. Zero disables the cap.
	MaxUnitsPerCall int64

	// MaxCostPerCall rejects calls costing more. Zero disables the ceiling.
	MaxCostPerCall decimal.Decimal

	// LowBalanceThreshold triggers an advisory notification when a debit
	// takes the available balance below it.
	LowBalanceThreshold decimal.Decimal

	// CallTimeout bounds a whole RecordUsage call. Zero means the caller's
	// context is the only bound.
	CallTimeout time.Duration

	// DefaultLimits applies when the catalog has no rate limit for an org.
	DefaultLimits catalog.RateLimit

	// Fallback is the price used when no catalog rule matches a model.
	Fallback pricing.Price
}

// Deps are the collaborators of an Engine. Store, Directory, Limiter and
// Catalog are required; the rest default to no-ops.
type Deps struct {
	Store     ledger.Store
	Directory identity.Directory
	Limiter   ratelimit.Limiter
	Catalog   catalog.Provider
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

type Engine struct {
	store      ledger.Store
	limiter    ratelimit.Limiter
	catalog    catalog.Provider
	resolver   *pricing.Resolver
	calculator *cost.Calculator
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
	rules      []rule
	cfg        Config

	now   func() time.Time
	newID func() string
}

func NewEngine(deps Deps, cfg Config) *Engine {
	e := &Engine{
		store:      deps.Store,
		limiter:    deps.Limiter,
		catalog:    deps.Catalog,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		logger:     deps.Logger,
		calculator: cost.NewCalculator(cfg.MaxCostPerCall),
		rules:      validationRules(deps.Directory, cfg.MaxUnitsPerCall),
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("billing")
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	e.resolver = pricing.NewResolver(cfg.Fallback, e.logger)
	return e
}

// RecordUsage bills one call. It never panics and never returns a raw error:
// every outcome, including storage failures, is a tagged Result.
func (e *Engine) RecordUsage(ctx context.Context, req Request) (res *Result) {
	start := e.now()

	ctx, span := e.tracer.Start(ctx, "billing.record_usage")
	defer span.End()
	span.SetAttributes(
		attribute.String("org_id", req.OrgID),
		attribute.String("run_id", req.RunID),
		attribute.String("step_id", req.StepID),
		attribute.String("model", req.Model),
	)

	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
	}

	log := e.logger.With(
		zap.String("org_id", req.OrgID),
		zap.String("run_id", req.RunID),
		zap.String("step_id", req.StepID),
		zap.String("model", req.Model),
		zap.Int64("input_units", req.InputUnits),
		zap.Int64("output_units", req.OutputUnits),
	)

	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while recording usage", zap.Any("panic", p), zap.Stack("stack"))
			res = rejected(KindUnexpected, "internal error")
		}
		e.finish(span, res, start)
	}()

	return e.record(ctx, &req, log)
}

func (e *Engine) record(ctx context.Context, req *Request, log *zap.Logger) *Result {
	// A known key short-circuits before validation.
	if req.IdempotencyKey != "" {
		rec, err := e.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			return e.replay(ctx, req, rec, log)
		case !errors.Is(err, ledger.ErrNotFound):
			return e.failure(ctx, "idempotency", err, log)
		}
	}

	if err := validate(ctx, e.rules, req); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			log.Info("usage rejected", zap.String("phase", "validation"), zap.String("kind", string(ve.Kind)), zap.String("reason", ve.Message))
			return rejected(ve.Kind, ve.Message)
		}
		return e.failure(ctx, "validation", err, log)
	}

	totalUnits := req.InputUnits + req.OutputUnits
	cat := e.catalog.Current()

	limit := cat.RateLimitFor(req.OrgID, e.cfg.DefaultLimits)
	decision, err := e.limiter.Allow(ctx, req.OrgID, totalUnits, ratelimit.Limits{
		CallsPerWindow: limit.CallsPerWindow,
		UnitsPerWindow: limit.UnitsPerWindow,
	})
	switch {
	case err != nil && ctx.Err() != nil:
		return e.failure(ctx, "rate_limit", err, log)
	case err != nil:
		// Counters are best-effort; an unreachable limiter admits the call.
		log.Warn("rate limiter unavailable, admitting call", zap.Error(err))
	case !decision.Allowed:
		log.Info("usage rate limited",
			zap.String("phase", "rate_limit"),
			zap.Int64("window_calls", decision.Calls),
			zap.Int64("window_units", decision.Units),
		)
		return rateLimited(decision.RetryAfter)
	}

	at := e.now()
	resolution := e.resolver.Resolve(cat.Pricing, req.Model, at)
	if e.metrics != nil {
		e.metrics.ObservePricing(string(resolution.Source))
	}

	breakdown, err := e.calculator.Calculate(cost.Input{
		OrgID:       req.OrgID,
		Model:       req.Model,
		InputUnits:  req.InputUnits,
		OutputUnits: req.OutputUnits,
		Price:       resolution.Price,
		At:          at,
	}, cat.Surcharges)
	if errors.Is(err, cost.ErrExcessiveCost) {
		log.Error("usage rejected: cost exceeds per-call ceiling",
			zap.String("phase", "cost"),
			zap.String("pricing_source", string(resolution.Source)),
			zap.String("pattern", resolution.Pattern),
			zap.String("cost", breakdown.TotalCost.String()),
		)
		return rejected(KindExcessiveCost, err.Error())
	}
	if err != nil {
		return e.failure(ctx, "cost", err, log)
	}

	rec := &ledger.UsageRecord{
		ID:             e.newID(),
		RunID:          req.RunID,
		StepID:         req.StepID,
		AgentID:        req.AgentID,
		TaskID:         req.TaskID,
		OrgID:          req.OrgID,
		InputUnits:     req.InputUnits,
		OutputUnits:    req.OutputUnits,
		TotalUnits:     totalUnits,
		Model:          req.Model,
		Cost:           breakdown.TotalCost,
		BaseCost:       breakdown.BaseCost,
		SurchargeCost:  breakdown.SurchargeCost,
		PricingSource:  string(resolution.Source),
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      at,
	}

	out, err := writeRecord(ctx, e.store, rec)
	if err != nil {
		return e.failure(ctx, "ledger", err, log)
	}

	if out.existing != nil {
		log.Info("idempotency key taken concurrently, returning original record",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("record_id", out.existing.ID),
		)
		return e.replay(ctx, req, out.existing, log)
	}

	if out.insufficient {
		log.Info("usage rejected: insufficient credits",
			zap.String("phase", "balance"),
			zap.String("available", out.available.String()),
			zap.String("required", rec.Cost.String()),
		)
		res := insufficient(out.available, rec.Cost)
		e.notifier.Notify(notify.Event{
			Type:      notify.InsufficientCredits,
			OrgID:     req.OrgID,
			Available: res.Available,
			Required:  res.Required,
			Shortfall: res.Shortfall,
			At:        at,
		})
		return res
	}

	remaining := out.after.Available()
	e.maybeNotifyLowBalance(rec, out.before.Available(), remaining)
	if e.metrics != nil {
		e.metrics.ObserveCharge(rec.TotalUnits, rec.Cost)
	}

	log.Debug("usage recorded",
		zap.String("record_id", rec.ID),
		zap.String("cost", rec.Cost.StringFixed(cost.Scale)),
		zap.String("pricing_source", rec.PricingSource),
		zap.String("balance_remaining", remaining.StringFixed(cost.Scale)),
	)
	return recorded(StatusSuccess, rec, remaining)
}

// maybeNotifyLowBalance fires when this debit crossed the threshold.
func (e *Engine) maybeNotifyLowBalance(rec *ledger.UsageRecord, before, after decimal.Decimal) {
	threshold := e.cfg.LowBalanceThreshold
	if !threshold.IsPositive() || !after.LessThan(threshold) || before.LessThan(threshold) {
		return
	}
	e.notifier.Notify(notify.Event{
		Type:      notify.LowBalance,
		OrgID:     rec.OrgID,
		Available: after,
		Threshold: threshold,
		RecordID:  rec.ID,
		At:        rec.CreatedAt,
	})
}

// replay answers a call whose idempotency key is already taken. Keys are
// global, so a key held by another organization's record is a conflict and
// neither record nor balance of that organization is disclosed.
func (e *Engine) replay(ctx context.Context, req *Request, rec *ledger.UsageRecord, log *zap.Logger) *Result {
	if rec.OrgID != req.OrgID {
		log.Warn("usage rejected: idempotency key belongs to another organization",
			zap.String("phase", "idempotency"),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
		return rejected(KindIdempotencyConflict, "idempotency key is already used by another organization")
	}
	return e.idempotent(ctx, rec, log)
}

// idempotent reports an earlier record with the organization's live balance.
func (e *Engine) idempotent(ctx context.Context, rec *ledger.UsageRecord, log *zap.Logger) *Result {
	bal, err := e.store.GetBalance(ctx, rec.OrgID)
	if err != nil {
		return e.failure(ctx, "idempotency", err, log)
	}
	return recorded(StatusIdempotent, rec, bal.Available())
}

// failure converts an error from a collaborator into a rejected result.
func (e *Engine) failure(ctx context.Context, phase string, err error, log *zap.Logger) *Result {
	log = log.With(zap.String("phase", phase), zap.Error(err))
	switch {
	case errors.Is(err, ledger.ErrLockTimeout):
		log.Warn("usage rejected: lock wait timed out")
		return rejected(KindLockTimeout, "timed out waiting for the organization balance lock")
	case errors.Is(err, ledger.ErrDeadlock):
		log.Warn("usage rejected: deadlock detected")
		return rejected(KindDeadlock, "deadlock detected while updating the balance")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		log.Warn("usage rejected: call timed out")
		return rejected(KindTimeout, "call did not complete before its deadline")
	default:
		log.Error("usage rejected: unexpected error")
		return rejected(KindUnexpected, fmt.Sprintf("%s failed", phase))
	}
}

func (e *Engine) finish(span trace.Span, res *Result, start time.Time) {
	span.SetAttributes(attribute.String("status", string(res.Status)))
	if res.Status == StatusRejected {
		span.SetAttributes(attribute.String("error_kind", string(res.Kind)))
		span.SetStatus(codes.Error, res.Message)
	}
	if res.OK() {
		span.SetAttributes(
			attribute.String("record_id", res.Record.ID),
			attribute.String("pricing_source", string(res.PricingSource)),
		)
	}
	if e.metrics != nil {
		e.metrics.ObserveCall(string(res.Status), string(res.Kind), e.now().Sub(start).Seconds())
	}
}

// Balance returns the organization's live balance without creating it.
func (e *Engine) Balance(ctx context.Context, orgID string) (ledger.Balance, error) {
	return e.store.GetBalance(ctx, orgID)
}

// Usage lists records for orgID in [from, to] with their total cost.
func (e *Engine) Usage(ctx context.Context, orgID string, from, to time.Time) ([]*ledger.UsageRecord, decimal.Decimal, error) {
	recs, err := e.store.UsageByOrg(ctx, orgID, from, to)
	if err != nil {
		return nil, decimal.Zero, err
	}
	total, err := e.store.TotalCostByOrg(ctx, orgID, from, to)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return recs, total, nil
}
