// Package gemini implements the Gemini adapter: the shared
// chat-completions contract on the wire, translated to and from the
// generativelanguage API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keyrelay/gateway/internal/adapters"
	"github.com/keyrelay/gateway/internal/core"
)

// DefaultMaxOutputTokens is Gemini's provider default output cap.
const DefaultMaxOutputTokens = 8192

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter translates chat-completions traffic for Gemini.
type Adapter struct {
	baseURL string
	client  *http.Client
}

type resourceConfig struct {
	BaseURL string `json:"baseUrl,omitempty"`
}

// New creates the Gemini adapter.
func New() *Adapter {
	return &Adapter{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (a *Adapter) ResourceType() string { return "llm" }
func (a *Adapter) Provider() string     { return "gemini" }

func (a *Adapter) SupportedActions() []string {
	return []string{adapters.ActionChatCompletions}
}

func (a *Adapter) SupportedConstraints() []string {
	return adapters.ChatConstraints
}

func (a *Adapter) CredentialSchema() map[string]string {
	return map[string]string{"apiKey": "Google AI Studio API key sent as the key query parameter"}
}

// ValidateAndShape keeps the shaped input in the shared chat schema;
// translation to the Gemini wire format happens at execute time so that
// shaping stays a fixed point.
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

// ============================================================================
// WIRE TYPES
// ============================================================================

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

// translateRequest maps the shaped chat request onto the Gemini schema:
// system turns become the top-level systemInstruction, assistant turns
// become role "model", user and tool turns become role "user".
func translateRequest(req *adapters.ChatCompletionRequest) *geminiRequest {
	out := &geminiRequest{}

	var systemParts []geminiPart
	for _, msg := range req.Messages {
		text := adapters.ContentText(msg.Content)
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, geminiPart{Text: text})
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}})
		default: // user, tool
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: text}}})
		}
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &geminiContent{Parts: systemParts}
	}

	cfg := &generationConfig{
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	switch {
	case req.MaxTokens != nil:
		cfg.MaxOutputTokens = req.MaxTokens
	case req.MaxCompletionTokens != nil:
		cfg.MaxOutputTokens = req.MaxCompletionTokens
	}
	if len(req.Stop) > 0 {
		var one string
		var many []string
		if json.Unmarshal(req.Stop, &one) == nil {
			cfg.StopSequences = []string{one}
		} else if json.Unmarshal(req.Stop, &many) == nil {
			cfg.StopSequences = many
		}
	}
	out.GenerationConfig = cfg
	return out
}

// mapFinishReason maps Gemini finish reasons onto the OpenAI vocabulary.
func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default: // STOP and anything unrecognized
		return "stop"
	}
}

// translateResponse renders a Gemini response as an OpenAI-compatible
// chat.completion object.
func translateResponse(model string, resp *geminiResponse, now time.Time) ([]byte, core.Usage) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type choice struct {
		Index        int     `json:"index"`
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}

	out := struct {
		ID      string             `json:"id"`
		Object  string             `json:"object"`
		Created int64              `json:"created"`
		Model   string             `json:"model"`
		Choices []choice           `json:"choices"`
		Usage   adapters.ChatUsage `json:"usage"`
	}{
		ID:      fmt.Sprintf("chatcmpl-%d", now.UnixMilli()),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
	}

	for i, cand := range resp.Candidates {
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
		out.Choices = append(out.Choices, choice{
			Index:        i,
			Message:      message{Role: "assistant", Content: text.String()},
			FinishReason: mapFinishReason(cand.FinishReason),
		})
	}

	usage := core.Usage{Model: model}
	if resp.UsageMetadata != nil {
		usage.InputTokens = resp.UsageMetadata.PromptTokenCount
		usage.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
		usage.TotalTokens = resp.UsageMetadata.TotalTokenCount
		out.Usage = adapters.ChatUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}

	body, _ := json.Marshal(out)
	return body, usage
}

// ============================================================================
// EXECUTE
// ============================================================================

// Execute translates the shaped chat request, calls generateContent (or
// streamGenerateContent with alt=sse) and translates the result back.
func (a *Adapter) Execute(ctx context.Context, action string, shaped []byte, ec adapters.ExecContext, opts adapters.ExecOptions) (*adapters.ExecResult, *core.GatewayError) {
	if action != adapters.ActionChatCompletions {
		return nil, adapters.UnsupportedAction(adapters.ID(a), action)
	}

	var chatReq adapters.ChatCompletionRequest
	if err := json.Unmarshal(shaped, &chatReq); err != nil {
		return nil, core.NewErrorf(core.ErrInternal, "reparse shaped input: %v", err)
	}
	model := strings.TrimPrefix(chatReq.Model, "models/")

	baseURL := a.baseURL
	if len(ec.Config) > 0 {
		var cfg resourceConfig
		if json.Unmarshal(ec.Config, &cfg) == nil && cfg.BaseURL != "" {
			baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
		}
	}

	method := "generateContent"
	query := url.Values{"key": {ec.Secret}}
	if opts.Stream {
		method = "streamGenerateContent"
		query.Set("alt", "sse")
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s?%s", baseURL, model, method, query.Encode())

	payload, err := json.Marshal(translateRequest(&chatReq))
	if err != nil {
		return nil, core.NewErrorf(core.ErrInternal, "marshal gemini request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewErrorf(core.ErrInternal, "build upstream request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

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
			Stream:      NewStreamTranslator(resp.Body, model),
			ContentType: "text/event-stream",
		}, nil
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &core.GatewayError{
			Code: core.ErrUpstreamError, Message: "read upstream response",
			Status: http.StatusBadGateway, Retryable: true,
		}
	}

	var gresp geminiResponse
	if err := json.Unmarshal(raw, &gresp); err != nil {
		return nil, &core.GatewayError{
			Code: core.ErrUpstreamError, Message: "unparseable upstream response",
			Status: http.StatusBadGateway, Retryable: true,
		}
	}

	body, usage := translateResponse(model, &gresp, time.Now())
	return &adapters.ExecResult{
		Body:        body,
		ContentType: "application/json",
		Usage:       &usage,
	}, nil
}

// ExtractUsage reads the translated (OpenAI-shaped) response.
func (a *Adapter) ExtractUsage(response []byte) core.Usage {
	return adapters.ExtractChatUsage(response)
}
