// Package openai implements the OpenAI-compatible chat-completions
// adapter. One adapter value per provider: OpenAI itself plus the
// compatible fleet (Groq, Together, Fireworks, vLLM and friends) differ
// only in provider name and default base URL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/keyrelay/gateway/internal/adapters"
	"github.com/keyrelay/gateway/internal/core"
)

// DefaultMaxOutputTokens is the provider default applied when neither
// the request nor the constraints carry an output cap.
const DefaultMaxOutputTokens = 4096

// Adapter talks to one OpenAI-compatible provider.
type Adapter struct {
	provider string
	baseURL  string
	client   *http.Client
}

// resourceConfig is the per-resource config blob stored next to the
// secret.
type resourceConfig struct {
	BaseURL string `json:"baseUrl,omitempty"`
}

// New creates an adapter for a provider with its default base URL, e.g.
// New("groq", "https://api.groq.com/openai/v1").
func New(provider, baseURL string) *Adapter {
	return &Adapter{
		provider: provider,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			// Generous ceiling for slow generations; per-request
			// cancellation rides on the context.
			Timeout: 5 * time.Minute,
		},
	}
}

func (a *Adapter) ResourceType() string { return "llm" }
func (a *Adapter) Provider() string     { return a.provider }

func (a *Adapter) SupportedActions() []string {
	return []string{adapters.ActionChatCompletions}
}

func (a *Adapter) SupportedConstraints() []string {
	return adapters.ChatConstraints
}

func (a *Adapter) CredentialSchema() map[string]string {
	return map[string]string{"apiKey": "Provider API key sent as a bearer token"}
}

// ValidateAndShape parses the chat body, validates the shared schema and
// applies the effective output cap.
func (a *Adapter) ValidateAndShape(action string, input []byte, constraints json.RawMessage) (*adapters.ValidationResult, *core.GatewayError) {
	if action != adapters.ActionChatCompletions {
		return nil, adapters.UnsupportedAction(adapters.ID(a), action)
	}
	req, gerr := adapters.ParseChatRequest(input)
	if gerr != nil {
		return nil, gerr
	}
	return adapters.ShapeChat(req, constraints, DefaultMaxOutputTokens)
}

// Execute forwards the shaped body unchanged to
// POST <baseUrl>/chat/completions with the secret as a bearer token.
// Non-streaming responses are returned verbatim; streaming responses
// hand back the upstream SSE body.
func (a *Adapter) Execute(ctx context.Context, action string, shaped []byte, ec adapters.ExecContext, opts adapters.ExecOptions) (*adapters.ExecResult, *core.GatewayError) {
	if action != adapters.ActionChatCompletions {
		return nil, adapters.UnsupportedAction(adapters.ID(a), action)
	}

	baseURL := a.baseURL
	if len(ec.Config) > 0 {
		var cfg resourceConfig
		if json.Unmarshal(ec.Config, &cfg) == nil && cfg.BaseURL != "" {
			baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/chat/completions", bytes.NewReader(shaped))
	if err != nil {
		return nil, core.NewErrorf(core.ErrInternal, "build upstream request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ec.Secret)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewError(core.ErrInternal, "cancelled")
		}
		return nil, &core.GatewayError{
			Code: core.ErrUpstreamError, Message: "upstream unreachable",
			Status: http.StatusBadGateway, Retryable: true,
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, adapters.MapUpstreamStatus(resp.StatusCode, string(body))
	}

	if opts.Stream {
		return &adapters.ExecResult{
			Stream:      resp.Body,
			ContentType: "text/event-stream",
		}, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &core.GatewayError{
			Code: core.ErrUpstreamError, Message: "read upstream response",
			Status: http.StatusBadGateway, Retryable: true,
		}
	}
	usage := a.ExtractUsage(body)
	return &adapters.ExecResult{
		Body:        body,
		ContentType: "application/json",
		Usage:       &usage,
	}, nil
}

// ExtractUsage reads usage.prompt_tokens/completion_tokens/total_tokens.
func (a *Adapter) ExtractUsage(response []byte) core.Usage {
	return adapters.ExtractChatUsage(response)
}
