package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/gateway/internal/adapters"
	"github.com/keyrelay/gateway/internal/core"
)

func parseChat(t *testing.T, body string) *adapters.ChatCompletionRequest {
	t.Helper()
	req, gerr := adapters.ParseChatRequest([]byte(body))
	require.Nil(t, gerr)
	return req
}

func TestTranslateRequestRoles(t *testing.T) {
	req := parseChat(t, `{
		"model": "gemini-1.5-flash",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi there"},
			{"role": "user", "content": [{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}
		],
		"temperature": 0.5,
		"max_tokens": 256,
		"stop": ["END"]
	}`)

	out := translateRequest(req)

	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "be brief", out.SystemInstruction.Parts[0].Text)

	require.Len(t, out.Contents, 3)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "hello", out.Contents[0].Parts[0].Text)
	assert.Equal(t, "model", out.Contents[1].Role, "assistant turns map to role model")
	assert.Equal(t, "user", out.Contents[2].Role)
	assert.Equal(t, "part one\npart two", out.Contents[2].Parts[0].Text)

	require.NotNil(t, out.GenerationConfig)
	assert.Equal(t, 0.5, *out.GenerationConfig.Temperature)
	assert.Equal(t, 256, *out.GenerationConfig.MaxOutputTokens)
	assert.Equal(t, []string{"END"}, out.GenerationConfig.StopSequences)
}

func TestTranslateRequestStopString(t *testing.T) {
	req := parseChat(t, `{"model":"m","messages":[{"role":"user","content":"x"}],"stop":"HALT"}`)
	out := translateRequest(req)
	assert.Equal(t, []string{"HALT"}, out.GenerationConfig.StopSequences)
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, "stop", mapFinishReason("STOP"))
	assert.Equal(t, "length", mapFinishReason("MAX_TOKENS"))
	assert.Equal(t, "content_filter", mapFinishReason("SAFETY"))
	assert.Equal(t, "content_filter", mapFinishReason("RECITATION"))
	assert.Equal(t, "stop", mapFinishReason("OTHER"))
	assert.Equal(t, "stop", mapFinishReason(""))
}

func TestTranslateResponse(t *testing.T) {
	gresp := &geminiResponse{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [{"text": "Hello, "}, {"text": "world."}]},
			"finishReason": "MAX_TOKENS"
		}],
		"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 9, "totalTokenCount": 16}
	}`), gresp))

	now := time.Unix(1700000000, 0)
	body, usage := translateResponse("gemini-1.5-flash", gresp, now)

	var out struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		Model   string `json:"model"`
		Choices []struct {
			Index   int `json:"index"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage adapters.ChatUsage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(body, &out))

	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, int64(1700000000), out.Created)
	assert.Equal(t, "gemini-1.5-flash", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "assistant", out.Choices[0].Message.Role)
	assert.Equal(t, "Hello, world.", out.Choices[0].Message.Content)
	assert.Equal(t, "length", out.Choices[0].FinishReason)
	assert.Equal(t, int64(16), out.Usage.TotalTokens)

	assert.Equal(t, int64(7), usage.InputTokens)
	assert.Equal(t, int64(9), usage.OutputTokens)
	assert.Equal(t, "gemini-1.5-flash", usage.Model)
}

func TestValidateAndShapeRejectsUnknownAction(t *testing.T) {
	a := New()
	_, gerr := a.ValidateAndShape("images.generate", []byte(`{}`), nil)
	require.NotNil(t, gerr)
	assert.Equal(t, core.ErrUnsupportedAction, gerr.Code)
}

func TestExecuteTranslatesRoundtrip(t *testing.T) {
	var gotPath, gotKey string
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "pong"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 1, "candidatesTokenCount": 2, "totalTokenCount": 3}
		}`)
	}))
	defer srv.Close()

	a := New()
	shaped := []byte(`{"model":"models/gemini-1.5-flash","messages":[{"role":"user","content":"ping"}],"max_tokens":100}`)
	cfg, _ := json.Marshal(resourceConfig{BaseURL: srv.URL})

	res, gerr := a.Execute(context.Background(), adapters.ActionChatCompletions, shaped,
		adapters.ExecContext{Secret: "test-key", Config: cfg}, adapters.ExecOptions{})
	require.Nil(t, gerr)

	// The models/ prefix is stripped before the endpoint is built.
	assert.Equal(t, "/v1beta/models/gemini-1.5-flash:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)
	require.Len(t, gotBody.Contents, 1)
	assert.Equal(t, "ping", gotBody.Contents[0].Parts[0].Text)

	assert.Equal(t, "application/json", res.ContentType)
	require.NotNil(t, res.Usage)
	assert.Equal(t, int64(3), res.Usage.TotalTokens)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(res.Body, &out))
	assert.Equal(t, "pong", out.Choices[0].Message.Content)
}

func TestExecuteMapsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error": {"message": "quota"}}`)
	}))
	defer srv.Close()

	a := New()
	cfg, _ := json.Marshal(resourceConfig{BaseURL: srv.URL})
	shaped := []byte(`{"model":"gemini-1.5-flash","messages":[{"role":"user","content":"x"}]}`)

	_, gerr := a.Execute(context.Background(), adapters.ActionChatCompletions, shaped,
		adapters.ExecContext{Secret: "k", Config: cfg}, adapters.ExecOptions{})
	require.NotNil(t, gerr)
	assert.Equal(t, core.ErrUpstreamError, gerr.Code)
	assert.Equal(t, http.StatusTooManyRequests, gerr.Status)
	assert.Equal(t, "RATE_LIMITED", gerr.Details["provider_code"])
	assert.True(t, gerr.Retryable)
}

func TestExecuteStreamUsesSSEEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "alt=sse")
		assert.Contains(t, r.URL.Path, ":streamGenerateContent")
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}\n\n")
	}))
	defer srv.Close()

	a := New()
	cfg, _ := json.Marshal(resourceConfig{BaseURL: srv.URL})
	shaped := []byte(`{"model":"gemini-1.5-flash","messages":[{"role":"user","content":"x"}],"stream":true}`)

	res, gerr := a.Execute(context.Background(), adapters.ActionChatCompletions, shaped,
		adapters.ExecContext{Secret: "k", Config: cfg}, adapters.ExecOptions{Stream: true})
	require.Nil(t, gerr)
	require.NotNil(t, res.Stream)
	defer res.Stream.Close()

	out, err := io.ReadAll(res.Stream)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"hi"`)
	assert.True(t, len(out) > 0)
	assert.Equal(t, "text/event-stream", res.ContentType)
}
