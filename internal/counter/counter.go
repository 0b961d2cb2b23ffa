// Package counter implements the shared rate-limit, budget and token
// counters. All mutations on a single key are atomic with respect to
// concurrent workers; counter state is not relied on to survive
// restarts, only to keep current-window totals accurate.
package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/keyrelay/gateway/internal/core"
)

// Default limits applied when no per-app configuration exists.
const (
	DefaultRateLimitRequests = 60
	DefaultRateLimitWindow   = 60 * time.Second
	DefaultDailyBudget       = 1000
)

// TokenCounterRetention bounds how long daily per-model token keys are
// kept in backends that support expiry.
const TokenCounterRetention = 90 * 24 * time.Hour

// RateResult is the outcome of a fixed-window rate check.
type RateResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Store is the counter surface the pipeline consumes.
type Store interface {
	// CheckRateLimit increments the fixed-window counter for key and
	// reports whether the request fits under limit.
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateResult, error)

	// CheckBudget conditionally increments the budget counter: when
	// used+1 would exceed limit the increment is withheld and the call
	// reports denial. The counter expires at resetAt.
	CheckBudget(ctx context.Context, key string, limit int64, resetAt time.Time) (allowed bool, used int64, err error)

	// AddTokens records observational token usage for a daily key.
	AddTokens(ctx context.Context, key string, usage core.Usage) error
}

// RateKey derives the fixed-window rate key. Empty resourceID and action
// produce the app-wide key; an empty action with a resource produces the
// resource-wide key.
func RateKey(appID, resourceID, action string) string {
	key := "rl:" + appID
	if resourceID != "" {
		key += ":" + resourceID
		if action != "" {
			key += ":" + action
		} else {
			key += ":*"
		}
	}
	return key
}

// ModelRateKey derives the per-model rate key.
func ModelRateKey(appID, resourceID, action, model string) string {
	return fmt.Sprintf("rlm:%s:%s:%s:%s", appID, resourceID, action, model)
}

// BudgetPeriod names the budget windows.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "DAILY"
	PeriodMonthly BudgetPeriod = "MONTHLY"
)

// BudgetKey derives the request-budget key.
func BudgetKey(appID string, period BudgetPeriod) string {
	return fmt.Sprintf("bud:%s:%s", appID, period)
}

// TokenKey derives the daily observational token-usage key.
func TokenKey(appID, resourceID, model string, day time.Time) string {
	return fmt.Sprintf("tok:%s:%s:%s:%s", appID, resourceID, model, day.UTC().Format("20060102"))
}

// PeriodEnd returns when the given budget period rolls over, in the
// counter store's clock (UTC).
func PeriodEnd(period BudgetPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}
