// Package usage records token accounting and request logs after the
// response is already on its way to the client. Everything here is
// best-effort: recording failures are logged, never surfaced.
package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/counter"
	"github.com/keyrelay/gateway/internal/database"
	"github.com/keyrelay/gateway/internal/events"
	"github.com/keyrelay/gateway/internal/metrics"
)

// Recorder persists usage and request logs asynchronously.
type Recorder struct {
	repo    database.Repository
	counter counter.Store
	bus     events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRecorder creates the recorder. bus and metrics may be nil in tests.
func NewRecorder(repo database.Repository, cs counter.Store, bus events.Bus, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:    repo,
		counter: cs,
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "usage"),
	}
}

// Record writes the request log, accumulates token counters and
// publishes the decision event. It runs on the caller's goroutine;
// callers on the hot path should invoke it via `go`.
func (r *Recorder) Record(entry *core.RequestLog, usage *core.Usage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if usage != nil {
		entry.Model = usage.Model
		entry.TokensIn = usage.InputTokens
		entry.TokensOut = usage.OutputTokens
	}

	if err := r.repo.AppendRequestLog(ctx, entry); err != nil {
		r.logger.Warn("request log write failed", "request_id", entry.ID, "error", err)
	}

	if usage != nil && usage.TotalTokens > 0 && entry.AppID != "" {
		key := counter.TokenKey(entry.AppID, entry.ResourceID, usage.Model, entry.CreatedAt)
		if err := r.counter.AddTokens(ctx, key, *usage); err != nil {
			r.logger.Warn("token counter update failed", "key", key, "error", err)
		}
		if r.metrics != nil {
			r.metrics.ObserveTokens(entry.ResourceID, usage.Model, usage.InputTokens, usage.OutputTokens)
		}
	}

	if r.bus != nil {
		r.bus.Publish(ctx, events.Event{
			Type:     events.TypeRequestDecided,
			AppID:    entry.AppID,
			Resource: entry.ResourceID,
			Payload:  entry,
		})
	}
}

// ScanStreamUsage recovers the usage block from the final SSE frame of
// a captured stream. Providers that stream without usage yield zeros.
func ScanStreamUsage(streamed []byte) *core.Usage {
	var last []byte
	for _, line := range bytes.Split(streamed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		last = payload
	}
	if last == nil {
		return &core.Usage{}
	}

	var frame struct {
		Model string `json:"model"`
		Usage *struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(last, &frame); err != nil || frame.Usage == nil {
		return &core.Usage{Model: frame.Model}
	}
	return &core.Usage{
		InputTokens:  frame.Usage.PromptTokens,
		OutputTokens: frame.Usage.CompletionTokens,
		TotalTokens:  frame.Usage.TotalTokens,
		Model:        frame.Model,
	}
}
