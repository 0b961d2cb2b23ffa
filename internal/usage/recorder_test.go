package usage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/counter"
	"github.com/keyrelay/gateway/internal/database"
	"github.com/keyrelay/gateway/internal/events"
)

func TestScanStreamUsage(t *testing.T) {
	stream := []byte("data: {\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"model\":\"gpt-4o\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":5,\"total_tokens\":8}}\n\n" +
		"data: [DONE]\n\n")

	u := ScanStreamUsage(stream)
	assert.Equal(t, int64(3), u.InputTokens)
	assert.Equal(t, int64(5), u.OutputTokens)
	assert.Equal(t, int64(8), u.TotalTokens)
	assert.Equal(t, "gpt-4o", u.Model)
}

func TestScanStreamUsageNoUsageBlock(t *testing.T) {
	stream := []byte("data: {\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\ndata: [DONE]\n\n")
	u := ScanStreamUsage(stream)
	assert.Zero(t, u.TotalTokens)
	assert.Equal(t, "m", u.Model)
}

func TestScanStreamUsageEmpty(t *testing.T) {
	assert.Zero(t, ScanStreamUsage(nil).TotalTokens)
	assert.Zero(t, ScanStreamUsage([]byte("data: [DONE]\n\n")).TotalTokens)
	assert.Zero(t, ScanStreamUsage([]byte(": keepalive\n\n")).TotalTokens)
}

func TestRecordWritesLogAndTokens(t *testing.T) {
	repo := database.NewMemoryRepository()
	counters := counter.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewMemoryBus(logger)
	rec := NewRecorder(repo, counters, bus, nil, logger)

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	created := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	entry := &core.RequestLog{
		ID: "req-1", AppID: "app-1", ResourceID: "llm:groq",
		Action: "chat.completions", Decision: core.DecisionAllowed, CreatedAt: created,
	}
	rec.Record(entry, &core.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, Model: "gpt-4o"})

	logs, err := repo.ListRequestLogs(context.Background(), database.LogFilter{AppID: "app-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(10), logs[0].TokensIn)
	assert.Equal(t, int64(20), logs[0].TokensOut)
	assert.Equal(t, "gpt-4o", logs[0].Model)

	got := counters.TokenUsage(counter.TokenKey("app-1", "llm:groq", "gpt-4o", created))
	assert.Equal(t, int64(30), got.TotalTokens)

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeRequestDecided, ev.Type)
		assert.Equal(t, "app-1", ev.AppID)
	default:
		t.Fatal("expected a request.decided event")
	}
}

func TestRecordSkipsTokensForDenials(t *testing.T) {
	repo := database.NewMemoryRepository()
	counters := counter.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := NewRecorder(repo, counters, nil, nil, logger)

	created := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	rec.Record(&core.RequestLog{
		ID: "req-2", AppID: "app-1", ResourceID: "llm:groq",
		Decision: core.DecisionDeniedRateLimit, CreatedAt: created,
	}, nil)

	logs, err := repo.ListRequestLogs(context.Background(), database.LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Zero(t, logs[0].TokensIn)

	got := counters.TokenUsage(counter.TokenKey("app-1", "llm:groq", "", created))
	assert.Zero(t, got.TotalTokens)
}
