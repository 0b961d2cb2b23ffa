// Package pipeline is the data-plane decision path. Every proxied
// request runs the same ordered stages: authentication, permission,
// rate limits, budgets, policy enforcement, secret resolution and
// upstream execution. Exactly one request log is written per attempt.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/keyrelay/gateway/internal/adapters"
	"github.com/keyrelay/gateway/internal/circuitbreaker"
	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/counter"
	"github.com/keyrelay/gateway/internal/database"
	"github.com/keyrelay/gateway/internal/metrics"
	"github.com/keyrelay/gateway/internal/policy"
	"github.com/keyrelay/gateway/internal/pop"
	"github.com/keyrelay/gateway/internal/usage"
	"github.com/keyrelay/gateway/internal/vault"
)

// Defaults for the PoP freshness checks.
const (
	DefaultSkewWindow = 5 * time.Minute
	DefaultNonceTTL   = 10 * time.Minute
)

// Request is the transport-independent view of an inbound data-plane
// call the router hands to the gateway.
type Request struct {
	ID            string
	Method        string
	PathWithQuery string
	ResourceID    string
	Action        string
	Header        http.Header
	Body          []byte
}

// Result is what the router renders back to the client. Exactly one of
// Body or Stream is set on success; Err is set on denial or failure.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	Stream      io.ReadCloser
	Err         *core.GatewayError

	// Rate carries the winning rate-limit state for response headers,
	// when a rate stage ran.
	Rate *counter.RateResult
}

// Gateway runs the pipeline.
type Gateway struct {
	repo     database.Repository
	nonces   pop.NonceStore
	counters counter.Store
	registry *adapters.Registry
	vault    *vault.Vault
	breakers *circuitbreaker.Manager
	recorder *usage.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	skewWindow time.Duration
	nonceTTL   time.Duration
}

// Config wires the gateway's collaborators.
type Config struct {
	Repo       database.Repository
	Nonces     pop.NonceStore
	Counters   counter.Store
	Registry   *adapters.Registry
	Vault      *vault.Vault
	Breakers   *circuitbreaker.Manager
	Recorder   *usage.Recorder
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	SkewWindow time.Duration
	NonceTTL   time.Duration
}

// New creates the gateway pipeline.
func New(cfg Config) *Gateway {
	if cfg.SkewWindow <= 0 {
		cfg.SkewWindow = DefaultSkewWindow
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	return &Gateway{
		repo:       cfg.Repo,
		nonces:     cfg.Nonces,
		counters:   cfg.Counters,
		registry:   cfg.Registry,
		vault:      cfg.Vault,
		breakers:   cfg.Breakers,
		recorder:   cfg.Recorder,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "pipeline"),
		skewWindow: cfg.SkewWindow,
		nonceTTL:   cfg.NonceTTL,
	}
}

// Handle runs every stage for one request and always leaves a request
// log behind, whatever the outcome.
func (g *Gateway) Handle(ctx context.Context, req *Request) *Result {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	entry := &core.RequestLog{
		ID:         req.ID,
		ResourceID: req.ResourceID,
		Action:     req.Action,
		Endpoint:   req.PathWithQuery,
		Method:     req.Method,
		CreatedAt:  start,
	}

	result := g.run(ctx, req, entry)

	entry.LatencyMs = time.Since(start).Milliseconds()
	if result.Err != nil {
		if ctx.Err() != nil {
			entry.Decision = core.DecisionError
			entry.DecisionReason = "cancelled"
		} else {
			entry.Decision = core.DecisionFor(result.Err.Code)
			entry.DecisionReason = result.Err.Message
		}
	} else {
		entry.Decision = core.DecisionAllowed
	}

	if g.metrics != nil {
		g.metrics.ObserveRequest(req.ResourceID, req.Action, string(entry.Decision), time.Since(start))
	}

	// Streaming responses record once the stream drains; everything else
	// records now, off the response path.
	if result.Stream == nil {
		var u *core.Usage
		if result.Err == nil && result.Body != nil {
			if adapter, ok := g.registry.Get(req.ResourceID); ok {
				extracted := adapter.ExtractUsage(result.Body)
				u = &extracted
			}
		}
		go g.recorder.Record(entry, u)
	}

	return result
}

// run is the ordered stage sequence. It returns on the first denial.
func (g *Gateway) run(ctx context.Context, req *Request, entry *core.RequestLog) *Result {
	// Stage 1: resolve the resource and action.
	adapter, ok := g.registry.Get(req.ResourceID)
	if !ok {
		if !core.ValidResourceID(req.ResourceID) {
			return fail(core.NewErrorf(core.ErrInvalidRequest, "resource id %q is not <type>:<provider>", req.ResourceID))
		}
		return fail(core.NewErrorf(core.ErrUnknownResource, "unknown resource %q", req.ResourceID))
	}
	if !g.registry.Supports(req.ResourceID, req.Action) {
		return fail(adapters.UnsupportedAction(req.ResourceID, req.Action))
	}

	// Stage 2: proof-of-possession authentication.
	headers, gerr := pop.ParseHeaders(req.Header)
	if gerr != nil {
		return fail(gerr)
	}
	entry.AppID = headers.AppID

	if gerr := pop.CheckSkew(headers.Timestamp, time.Now(), g.skewWindow); gerr != nil {
		return fail(gerr)
	}

	app, err := g.repo.FindApp(ctx, headers.AppID)
	if err != nil {
		if err == database.ErrNotFound {
			return fail(core.NewErrorf(core.ErrAppNotFound, "unknown app %q", headers.AppID))
		}
		return fail(core.NewErrorf(core.ErrInternal, "load app: %v", err))
	}
	if app.Status != core.AppActive {
		return fail(core.NewErrorf(core.ErrAppDisabled, "app is %s", app.Status))
	}

	pub, err := pop.DecodePublicKey(app.PublicKey)
	if err != nil {
		return fail(core.NewErrorf(core.ErrInternal, "stored public key unusable: %v", err))
	}
	canonical := pop.BuildCanonical(req.Method, req.PathWithQuery, headers.AppID,
		headers.Timestamp, headers.Nonce, pop.HashBody(req.Body))
	if !pop.Verify(pub, canonical, headers.Signature) {
		return fail(core.NewError(core.ErrInvalidSignature, "signature verification failed"))
	}

	// Nonce reservation happens only after the signature checks out, so a
	// forged request cannot burn a nonce the real app may still use.
	fresh, err := g.nonces.Reserve(ctx, headers.AppID, headers.Nonce, g.nonceTTL)
	if err != nil {
		return fail(core.NewErrorf(core.ErrInternal, "nonce reservation: %v", err))
	}
	if !fresh {
		return fail(core.NewError(core.ErrInvalidNonce, "nonce already used"))
	}

	// Stage 3: permission and temporal validity.
	perm, err := g.repo.FindPermission(ctx, app.ID, req.ResourceID, req.Action)
	if err != nil {
		if err == database.ErrNotFound {
			return fail(core.NewErrorf(core.ErrPermissionDenied,
				"no permission for %s %s", req.ResourceID, req.Action))
		}
		return fail(core.NewErrorf(core.ErrInternal, "load permission: %v", err))
	}
	if perm.Status != core.PermissionActive {
		return fail(core.NewErrorf(core.ErrPermissionDenied,
			"permission for %s %s is revoked", req.ResourceID, req.Action))
	}
	if gerr := policy.CheckValidity(perm, time.Now()); gerr != nil {
		return fail(gerr)
	}

	// Stage 4: rate limits, most specific configured limit first.
	rate, gerr := g.checkRates(ctx, app.ID, perm, req)
	if gerr != nil {
		if g.metrics != nil && gerr.Code == core.ErrRateLimitExceeded {
			g.metrics.RateLimitDenials.WithLabelValues(app.ID, req.ResourceID).Inc()
		}
		res := fail(gerr)
		res.Rate = rate
		return res
	}

	// Stage 5: request budgets.
	if gerr := g.checkBudgets(ctx, app.ID, perm); gerr != nil {
		res := fail(gerr)
		res.Rate = rate
		return res
	}

	// Stage 6: validation, shaping and policy enforcement. Shaping always
	// runs; the policy rules only when a constraint could bite.
	validated, gerr := adapter.ValidateAndShape(req.Action, req.Body, perm.Constraints)
	if gerr != nil {
		return fail(gerr)
	}
	fields := validated.Enforcement
	if policy.HasEnforceableConstraints(perm.Constraints) {
		pol := policy.FromConstraints(perm.Constraints)
		if gerr := policy.Enforce(pol, fields); gerr != nil {
			if g.metrics != nil {
				g.metrics.PolicyDenials.WithLabelValues(req.ResourceID, string(gerr.Code)).Inc()
			}
			return fail(gerr)
		}
		if rule, ok := policy.ModelLimitFor(pol, fields.Model); ok {
			key := counter.ModelRateKey(app.ID, req.ResourceID, req.Action, fields.Model)
			window := time.Duration(rule.WindowSec) * time.Second
			mr, err := g.counters.CheckRateLimit(ctx, key, rule.Max, window)
			if err != nil {
				return fail(core.NewErrorf(core.ErrInternal, "model rate check: %v", err))
			}
			if !mr.Allowed {
				if g.metrics != nil {
					g.metrics.RateLimitDenials.WithLabelValues(app.ID, req.ResourceID).Inc()
				}
				return fail(rateError(&mr, "model rate limit exceeded"))
			}
		}
	}

	// Stage 7: resolve and decrypt the upstream credential.
	secret, gerr := g.resolveSecret(ctx, req.ResourceID)
	if gerr != nil {
		return fail(gerr)
	}

	// Stage 8: upstream execution behind the breaker.
	stream := fields.Stream != nil && *fields.Stream
	breaker := g.breakers.Get(req.ResourceID)
	if err := breaker.Allow(); err != nil {
		if g.metrics != nil {
			g.metrics.BreakerRejections.WithLabelValues(req.ResourceID).Inc()
		}
		return fail(&core.GatewayError{
			Code:      core.ErrUpstreamError,
			Message:   "upstream temporarily unavailable",
			Status:    http.StatusBadGateway,
			Retryable: true,
			Details:   map[string]interface{}{"circuit": "open"},
		})
	}

	upstreamStart := time.Now()
	exec, gerr := adapter.Execute(ctx, req.Action, validated.ShapedInput, adapters.ExecContext{
		Secret: secret.key,
		Config: secret.config,
	}, adapters.ExecOptions{Stream: stream})
	if g.metrics != nil {
		g.metrics.UpstreamLatency.WithLabelValues(req.ResourceID).Observe(time.Since(upstreamStart).Seconds())
	}
	if gerr != nil {
		breaker.Report(gerr.Code != core.ErrUpstreamError || gerr.Status < http.StatusInternalServerError)
		return fail(gerr)
	}
	breaker.Report(true)

	result := &Result{
		Status:      http.StatusOK,
		ContentType: exec.ContentType,
		Rate:        rate,
	}
	if exec.Stream != nil {
		result.Stream = g.wrapStream(exec.Stream, entry)
	} else {
		result.Body = exec.Body
	}
	return result
}

func fail(gerr *core.GatewayError) *Result {
	return &Result{Status: gerr.Status, Err: gerr}
}

func rateError(rate *counter.RateResult, msg string) *core.GatewayError {
	gerr := core.NewError(core.ErrRateLimitExceeded, msg)
	gerr.Retryable = true
	gerr.WithDetail("resetAt", rate.ResetAt.UTC().Format(time.RFC3339))
	return gerr
}

// checkRates applies the winning rate limit: a per-permission limit
// scopes to (resource, action); otherwise the app-wide default applies.
// A configured burst limit is checked on top.
func (g *Gateway) checkRates(ctx context.Context, appID string, perm *core.ResourcePermission, req *Request) (*counter.RateResult, *core.GatewayError) {
	limit := counter.DefaultRateLimitRequests
	window := counter.DefaultRateLimitWindow
	key := counter.RateKey(appID, "", "")
	if perm.RateLimitRequests != nil {
		limit = *perm.RateLimitRequests
		key = counter.RateKey(appID, req.ResourceID, req.Action)
		if perm.RateLimitWindowSec != nil {
			window = time.Duration(*perm.RateLimitWindowSec) * time.Second
		}
	}

	rate, err := g.counters.CheckRateLimit(ctx, key, limit, window)
	if err != nil {
		return nil, core.NewErrorf(core.ErrInternal, "rate check: %v", err)
	}
	if !rate.Allowed {
		return &rate, rateError(&rate, "rate limit exceeded")
	}

	if perm.BurstLimit != nil && perm.BurstWindowSecs != nil {
		burstKey := key + ":burst"
		burstWindow := time.Duration(*perm.BurstWindowSecs) * time.Second
		burst, err := g.counters.CheckRateLimit(ctx, burstKey, *perm.BurstLimit, burstWindow)
		if err != nil {
			return &rate, core.NewErrorf(core.ErrInternal, "burst check: %v", err)
		}
		if !burst.Allowed {
			return &burst, rateError(&burst, "burst limit exceeded")
		}
	}
	return &rate, nil
}

// checkBudgets applies the daily then the monthly request quota.
func (g *Gateway) checkBudgets(ctx context.Context, appID string, perm *core.ResourcePermission) *core.GatewayError {
	daily := int64(counter.DefaultDailyBudget)
	if perm.DailyQuota != nil {
		daily = *perm.DailyQuota
	}
	now := time.Now()

	allowed, used, err := g.counters.CheckBudget(ctx,
		counter.BudgetKey(appID, counter.PeriodDaily), daily, counter.PeriodEnd(counter.PeriodDaily, now))
	if err != nil {
		return core.NewErrorf(core.ErrInternal, "daily budget check: %v", err)
	}
	if !allowed {
		if g.metrics != nil {
			g.metrics.BudgetDenials.WithLabelValues(appID, string(counter.PeriodDaily)).Inc()
		}
		return budgetError(counter.PeriodDaily, used, daily, now)
	}

	if perm.MonthlyQuota != nil {
		allowed, used, err := g.counters.CheckBudget(ctx,
			counter.BudgetKey(appID, counter.PeriodMonthly), *perm.MonthlyQuota, counter.PeriodEnd(counter.PeriodMonthly, now))
		if err != nil {
			return core.NewErrorf(core.ErrInternal, "monthly budget check: %v", err)
		}
		if !allowed {
			if g.metrics != nil {
				g.metrics.BudgetDenials.WithLabelValues(appID, string(counter.PeriodMonthly)).Inc()
			}
			return budgetError(counter.PeriodMonthly, used, *perm.MonthlyQuota, now)
		}
	}
	return nil
}

func budgetError(period counter.BudgetPeriod, used, limit int64, now time.Time) *core.GatewayError {
	gerr := core.NewErrorf(core.ErrBudgetExceeded, "%s request budget exhausted", period)
	gerr.Retryable = true
	gerr.WithDetail("period", string(period))
	gerr.WithDetail("used", used)
	gerr.WithDetail("limit", limit)
	gerr.WithDetail("resetAt", counter.PeriodEnd(period, now).Format(time.RFC3339))
	return gerr
}

type resolvedSecret struct {
	key    string
	config []byte
}

// resolveSecret loads and decrypts the upstream credential. Every
// failure mode maps to ERR_RESOURCE_NOT_CONFIGURED so callers cannot
// distinguish a missing secret from an undecryptable one.
func (g *Gateway) resolveSecret(ctx context.Context, resourceID string) (*resolvedSecret, *core.GatewayError) {
	stored, err := g.repo.FindResourceSecret(ctx, resourceID)
	if err != nil {
		if err == database.ErrNotFound {
			return nil, core.NewErrorf(core.ErrResourceNotConfigured,
				"resource %s has no configured credential", resourceID)
		}
		return nil, core.NewErrorf(core.ErrInternal, "load secret: %v", err)
	}
	if stored.Status != core.SecretActive {
		return nil, core.NewErrorf(core.ErrResourceNotConfigured,
			"credential for %s is disabled", resourceID)
	}

	plaintext, err := g.vault.Decrypt(stored.EncryptedKey, stored.KeyIV)
	if err != nil {
		g.logger.Error("secret decryption failed", "resource", resourceID, "error", err)
		return nil, core.NewErrorf(core.ErrResourceNotConfigured,
			"credential for %s is unusable", resourceID)
	}
	return &resolvedSecret{key: string(plaintext), config: stored.Config}, nil
}
