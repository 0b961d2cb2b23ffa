// Package adapters defines the pluggable resource adapter contract and
// the typed registry the router and pipeline resolve adapters from.
package adapters

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/policy"
)

// ExecContext carries the decrypted upstream credential and the
// per-resource config (custom base URL etc.) into execute.
type ExecContext struct {
	Secret string
	Config json.RawMessage
}

// ExecOptions carries per-call execution switches.
type ExecOptions struct {
	Stream bool
}

// ValidationResult is the outcome of a successful validateAndShape:
// the capped/translated payload handed to execute, plus the normalized
// enforcement view the policy engine consumes.
type ValidationResult struct {
	ShapedInput []byte
	Enforcement policy.EnforcementFields
}

// ExecResult is either a buffered response (Body set) or a live stream
// (Stream set). Usage is present only for buffered responses; streaming
// usage is recovered by the usage recorder from the final SSE frame.
type ExecResult struct {
	Body        []byte
	ContentType string
	Usage       *core.Usage
	Stream      io.ReadCloser
}

// Adapter is a resource connector identified by (resourceType, provider).
// Implementations validate and shape inbound payloads, execute them
// against the upstream, extract usage and map upstream failures onto the
// gateway error vocabulary.
type Adapter interface {
	// ResourceType is the first half of the resource id, e.g. "llm".
	ResourceType() string

	// Provider is the second half, e.g. "groq".
	Provider() string

	// SupportedActions lists the actions this adapter executes.
	SupportedActions() []string

	// CredentialSchema describes the secret fields the admin form
	// collects. Nil when a single opaque key suffices.
	CredentialSchema() map[string]string

	// ValidateAndShape parses and validates the raw input for an action,
	// applies caps and defaults, and emits the enforcement fields.
	ValidateAndShape(action string, input []byte, constraints json.RawMessage) (*ValidationResult, *core.GatewayError)

	// Execute performs the upstream call with the shaped input. The
	// context is derived from the inbound request lifetime and must be
	// honoured.
	Execute(ctx context.Context, action string, shaped []byte, ec ExecContext, opts ExecOptions) (*ExecResult, *core.GatewayError)

	// ExtractUsage pulls token accounting from a buffered response body.
	ExtractUsage(response []byte) core.Usage
}

// ID renders the canonical "<type>:<provider>" resource id.
func ID(a Adapter) string {
	return a.ResourceType() + ":" + a.Provider()
}

// MapUpstreamStatus translates an upstream HTTP status into the shared
// provider error taxonomy: 400 BAD_REQUEST, 401 UNAUTHORIZED, 403
// FORBIDDEN, 404 NOT_FOUND, 429 RATE_LIMITED (retryable), 5xx
// PROVIDER_ERROR (retryable), anything else UNKNOWN. The HTTP status is
// passed through to the caller.
func MapUpstreamStatus(status int, body string) *core.GatewayError {
	truncated := body
	if len(truncated) > 512 {
		truncated = truncated[:512]
	}

	providerCode := "UNKNOWN"
	retryable := false
	switch status {
	case http.StatusBadRequest:
		providerCode = "BAD_REQUEST"
	case http.StatusUnauthorized:
		providerCode = "UNAUTHORIZED"
	case http.StatusForbidden:
		providerCode = "FORBIDDEN"
	case http.StatusNotFound:
		providerCode = "NOT_FOUND"
	case http.StatusTooManyRequests:
		providerCode = "RATE_LIMITED"
		retryable = true
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		providerCode = "PROVIDER_ERROR"
		retryable = true
	}

	ge := &core.GatewayError{
		Code:      core.ErrUpstreamError,
		Message:   "upstream returned " + providerCode,
		Status:    status,
		Retryable: retryable,
	}
	ge.WithDetail("provider_code", providerCode)
	if truncated != "" {
		ge.WithDetail("upstream_body", truncated)
	}
	return ge
}
