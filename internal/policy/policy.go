// Package policy derives enforcement policies from permission
// constraints and evaluates them fail-closed: when a constraint is set
// and the adapter could not report the matching request field, the
// request is denied.
package policy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/keyrelay/gateway/internal/core"
)

// EnforcementFields is the normalized view of a request an adapter emits
// from validation. The engine consumes these; it never re-parses the
// body. Pointer fields distinguish "absent" from zero values, which is
// what fail-closed evaluation needs.
type EnforcementFields struct {
	Model           string // bare model, "models/" prefix stripped
	Stream          *bool
	UsesTools       *bool
	MaxOutputTokens *int
}

// ModelRateLimit is an additional per-model rate rule from constraints.
type ModelRateLimit struct {
	Model     string `json:"model"`
	Max       int    `json:"max"`
	WindowSec int    `json:"window"`
}

// Policy is the recognized subset of a constraints blob. Unknown keys
// are ignored.
type Policy struct {
	AllowedModels   []string         `json:"allowedModels,omitempty"`
	MaxOutputTokens *int             `json:"maxOutputTokens,omitempty"`
	AllowTools      *bool            `json:"allowTools,omitempty"`
	AllowStreaming  *bool            `json:"allowStreaming,omitempty"`
	ModelRateLimits []ModelRateLimit `json:"modelRateLimits,omitempty"`
}

// FromConstraints extracts the recognized keys from a constraints blob.
// A nil or unparseable blob yields an empty policy: constraints the
// gateway cannot read must not silently widen access, and an empty
// policy enforces nothing, so parse failures surface via validation at
// grant time instead.
func FromConstraints(constraints json.RawMessage) Policy {
	var p Policy
	if len(constraints) == 0 {
		return p
	}
	_ = json.Unmarshal(constraints, &p)
	return p
}

// HasEnforceableConstraints lets the pipeline skip enforcement (and the
// full body parse) when no constraint would bite.
func HasEnforceableConstraints(constraints json.RawMessage) bool {
	p := FromConstraints(constraints)
	if len(p.AllowedModels) > 0 || p.MaxOutputTokens != nil || len(p.ModelRateLimits) > 0 {
		return true
	}
	if p.AllowTools != nil && !*p.AllowTools {
		return true
	}
	if p.AllowStreaming != nil && !*p.AllowStreaming {
		return true
	}
	return false
}

// stripModelPrefix treats "models/" as an optional prefix.
func stripModelPrefix(model string) string {
	return strings.TrimPrefix(model, "models/")
}

// modelMatches compares two model names with the optional "models/"
// prefix ignored on either side.
func modelMatches(a, b string) bool {
	return stripModelPrefix(a) == stripModelPrefix(b)
}

// Enforce evaluates the policy rules in order against the adapter's
// enforcement fields. The first violated rule wins.
func Enforce(p Policy, fields EnforcementFields) *core.GatewayError {
	// Rule 1: model allow-list.
	if len(p.AllowedModels) > 0 {
		if fields.Model == "" {
			return core.NewError(core.ErrPolicyViolation,
				"policy requires a model but the request declares none").WithDetail("field", "model")
		}
		matched := false
		for _, allowed := range p.AllowedModels {
			if modelMatches(allowed, fields.Model) {
				matched = true
				break
			}
		}
		if !matched {
			return core.NewErrorf(core.ErrModelNotAllowed, "model %q is not permitted", fields.Model)
		}
	}

	// Rule 2: output token cap.
	if p.MaxOutputTokens != nil && fields.MaxOutputTokens != nil &&
		*fields.MaxOutputTokens > *p.MaxOutputTokens {
		return core.NewErrorf(core.ErrMaxTokensExceeded,
			"requested output cap %d exceeds permitted %d", *fields.MaxOutputTokens, *p.MaxOutputTokens)
	}

	// Rule 3: tools gate.
	if p.AllowTools != nil && !*p.AllowTools {
		if fields.UsesTools == nil {
			return core.NewError(core.ErrPolicyViolation,
				"policy forbids tools but tool usage could not be determined").WithDetail("field", "usesTools")
		}
		if *fields.UsesTools {
			return core.NewError(core.ErrToolsNotAllowed, "tool use is not permitted")
		}
	}

	// Rule 4: streaming gate.
	if p.AllowStreaming != nil && !*p.AllowStreaming {
		if fields.Stream == nil {
			return core.NewError(core.ErrPolicyViolation,
				"policy forbids streaming but streaming intent could not be determined").WithDetail("field", "stream")
		}
		if *fields.Stream {
			return core.NewError(core.ErrStreamingNotAllowed, "streaming is not permitted")
		}
	}

	return nil
}

// ModelLimitFor returns the per-model rate rule matching the effective
// model, if any.
func ModelLimitFor(p Policy, model string) (ModelRateLimit, bool) {
	for _, rule := range p.ModelRateLimits {
		if modelMatches(rule.Model, model) {
			return rule, true
		}
	}
	return ModelRateLimit{}, false
}

// CheckValidity evaluates temporal validity of a permission: the
// validFrom/expiresAt range and, when present, the time window.
func CheckValidity(perm *core.ResourcePermission, now time.Time) *core.GatewayError {
	if perm.ValidFrom != nil && now.Before(*perm.ValidFrom) {
		return core.NewError(core.ErrPermissionDenied, "permission is not yet valid")
	}
	if perm.ExpiresAt != nil && now.After(*perm.ExpiresAt) {
		return core.NewError(core.ErrPermissionExpired, "permission has expired")
	}
	if perm.TimeWindow != nil {
		if err := checkTimeWindow(perm.TimeWindow, now); err != nil {
			return err
		}
	}
	return nil
}

func checkTimeWindow(tw *core.TimeWindow, now time.Time) *core.GatewayError {
	loc := time.UTC
	if tw.Timezone != "" {
		if l, err := time.LoadLocation(tw.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	if len(tw.AllowedDays) > 0 {
		dayOK := false
		for _, d := range tw.AllowedDays {
			if int(local.Weekday()) == d {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return core.NewError(core.ErrPermissionDenied, "outside permitted days")
		}
	}

	hour := local.Hour()
	inWindow := false
	if tw.StartHour <= tw.EndHour {
		inWindow = hour >= tw.StartHour && hour < tw.EndHour
	} else {
		// Overnight wrap, e.g. 22 -> 6.
		inWindow = hour >= tw.StartHour || hour < tw.EndHour
	}
	if !inWindow {
		return core.NewError(core.ErrPermissionDenied, "outside permitted hours")
	}
	return nil
}
