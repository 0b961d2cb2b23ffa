package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/policy"
)

// ActionChatCompletions is the shared chat action id.
const ActionChatCompletions = "chat.completions"

// ChatConstraints are the constraint keys the chat adapters enforce,
// advertised through discovery.
var ChatConstraints = []string{"allowedModels", "maxOutputTokens", "allowTools", "allowStreaming"}

// ChatMessage is one turn of a chat-completions conversation. Content is
// kept raw: it is either a string or an array of typed parts, and both
// forms must survive shaping byte-compatibly.
type ChatMessage struct {
	Role       string            `json:"role"`
	Content    json.RawMessage   `json:"content,omitempty"`
	Name       string            `json:"name,omitempty"`
	ToolCalls  []json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ChatCompletionRequest is the schema-validated request shared by the
// OpenAI-compatible and Gemini adapters.
type ChatCompletionRequest struct {
	Model               string            `json:"model"`
	Messages            []ChatMessage     `json:"messages"`
	Temperature         *float64          `json:"temperature,omitempty"`
	TopP                *float64          `json:"top_p,omitempty"`
	N                   *int              `json:"n,omitempty"`
	MaxTokens           *int              `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int              `json:"max_completion_tokens,omitempty"`
	Stop                json.RawMessage   `json:"stop,omitempty"`
	Stream              bool              `json:"stream,omitempty"`
	Tools               []json.RawMessage `json:"tools,omitempty"`
	ToolChoice          json.RawMessage   `json:"tool_choice,omitempty"`
	ResponseFormat      json.RawMessage   `json:"response_format,omitempty"`
	Seed                *int64            `json:"seed,omitempty"`
}

var chatRoles = map[string]bool{
	"system": true, "user": true, "assistant": true, "tool": true,
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ParseChatRequest unmarshals and schema-validates a chat-completions
// body. Violations come back as readable constraint errors.
func ParseChatRequest(input []byte) (*ChatCompletionRequest, *core.GatewayError) {
	var req ChatCompletionRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, core.NewError(core.ErrInvalidJSON, "request body is not valid JSON")
	}

	if req.Model == "" {
		return nil, core.NewError(core.ErrConstraintViolation, "model is required")
	}
	if len(req.Messages) == 0 {
		return nil, core.NewError(core.ErrConstraintViolation, "messages must not be empty")
	}
	for i, msg := range req.Messages {
		if !chatRoles[msg.Role] {
			return nil, core.NewErrorf(core.ErrConstraintViolation,
				"messages[%d].role %q must be one of system, user, assistant, tool", i, msg.Role)
		}
		if err := validateContent(i, msg.Content); err != nil {
			return nil, err
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, core.NewError(core.ErrConstraintViolation, "temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return nil, core.NewError(core.ErrConstraintViolation, "top_p must be between 0 and 1")
	}
	if req.N != nil && (*req.N < 1 || *req.N > 10) {
		return nil, core.NewError(core.ErrConstraintViolation, "n must be between 1 and 10")
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return nil, core.NewError(core.ErrConstraintViolation, "max_tokens must be a positive integer")
	}
	if req.MaxCompletionTokens != nil && *req.MaxCompletionTokens <= 0 {
		return nil, core.NewError(core.ErrConstraintViolation, "max_completion_tokens must be a positive integer")
	}

	return &req, nil
}

func validateContent(idx int, content json.RawMessage) *core.GatewayError {
	if len(content) == 0 {
		return nil
	}
	var asString string
	if json.Unmarshal(content, &asString) == nil {
		return nil
	}
	var parts []contentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return core.NewErrorf(core.ErrConstraintViolation,
			"messages[%d].content must be a string or an array of parts", idx)
	}
	for j, part := range parts {
		if part.Type == "" {
			return core.NewErrorf(core.ErrConstraintViolation,
				"messages[%d].content[%d] is missing a type", idx, j)
		}
	}
	return nil
}

// ContentText flattens a message's content to plain text, joining the
// text parts of multi-part content.
func ContentText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var asString string
	if json.Unmarshal(content, &asString) == nil {
		return asString
	}
	var parts []contentPart
	if json.Unmarshal(content, &parts) != nil {
		return ""
	}
	var texts []string
	for _, part := range parts {
		if part.Type == "text" && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ShapeChat applies the effective output cap and returns the shaped
// request plus its enforcement view. The cap is
// min(request cap, constraints cap, provider default), written back into
// the field it arrived in (max_tokens when neither was present), which
// makes shaping a fixed point.
func ShapeChat(req *ChatCompletionRequest, constraints json.RawMessage, providerDefault int) (*ValidationResult, *core.GatewayError) {
	pol := policy.FromConstraints(constraints)

	cap := providerDefault
	if pol.MaxOutputTokens != nil && *pol.MaxOutputTokens < cap {
		cap = *pol.MaxOutputTokens
	}

	requested := 0
	switch {
	case req.MaxTokens != nil:
		requested = *req.MaxTokens
	case req.MaxCompletionTokens != nil:
		requested = *req.MaxCompletionTokens
	}

	effective := cap
	if requested > 0 {
		// The engine judges the raw request; the shape only caps it.
		effective = requested
		if effective > cap {
			effective = cap
		}
	}

	switch {
	case req.MaxCompletionTokens != nil && req.MaxTokens == nil:
		req.MaxCompletionTokens = &effective
	default:
		req.MaxTokens = &effective
		req.MaxCompletionTokens = nil
	}

	shaped, err := json.Marshal(req)
	if err != nil {
		return nil, core.NewErrorf(core.ErrInternal, "marshal shaped request: %v", err)
	}

	usesTools := len(req.Tools) > 0
	stream := req.Stream
	enforcement := policy.EnforcementFields{
		Model:           strings.TrimPrefix(req.Model, "models/"),
		Stream:          &stream,
		UsesTools:       &usesTools,
		MaxOutputTokens: &requested,
	}
	if requested == 0 {
		// No explicit cap in the request; report the shaped value so
		// token-cap rules judge what will actually be sent upstream.
		enforcement.MaxOutputTokens = &effective
	}

	return &ValidationResult{ShapedInput: shaped, Enforcement: enforcement}, nil
}

// ChatUsage is the usage block of an OpenAI-shaped response.
type ChatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ExtractChatUsage pulls usage and model from an OpenAI-shaped response
// body. Missing usage yields zeros.
func ExtractChatUsage(response []byte) core.Usage {
	var envelope struct {
		Model string    `json:"model"`
		Usage ChatUsage `json:"usage"`
	}
	if err := json.Unmarshal(response, &envelope); err != nil {
		return core.Usage{}
	}
	return core.Usage{
		InputTokens:  envelope.Usage.PromptTokens,
		OutputTokens: envelope.Usage.CompletionTokens,
		TotalTokens:  envelope.Usage.TotalTokens,
		Model:        envelope.Model,
	}
}

// UnsupportedAction is the shared rejection for unknown actions.
func UnsupportedAction(resourceID, action string) *core.GatewayError {
	return core.NewError(core.ErrUnsupportedAction,
		fmt.Sprintf("resource %s does not support action %q", resourceID, action))
}
