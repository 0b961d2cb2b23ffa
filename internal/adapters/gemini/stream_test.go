package gemini

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFrames(t *testing.T, raw string) []completionChunk {
	t.Helper()
	var chunks []completionChunk
	for _, block := range strings.Split(raw, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || block == "data: [DONE]" {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), "unexpected frame %q", block)
		var chunk completionChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(block, "data: ")), &chunk))
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestStreamTranslatorRewritesFrames(t *testing.T) {
	upstream := strings.Join([]string{
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}]}`,
		``,
		`data: {"candidates":[{"content":{"parts":[{"text":", world"}]}}]}`,
		``,
		`data: {"candidates":[{"content":{"parts":[{"text":"."}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":6,"totalTokenCount":10}}`,
		``,
	}, "\n")

	tr := NewStreamTranslator(io.NopCloser(strings.NewReader(upstream)), "gemini-1.5-flash")
	raw, err := io.ReadAll(tr)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	out := string(raw)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"), "stream must end with the DONE sentinel")

	chunks := readFrames(t, out)
	require.Len(t, chunks, 3)

	var text strings.Builder
	for _, chunk := range chunks {
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		assert.Equal(t, "gemini-1.5-flash", chunk.Model)
		assert.Equal(t, chunks[0].ID, chunk.ID, "all frames share one completion id")
		require.Len(t, chunk.Choices, 1)
		text.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "Hello, world.", text.String())

	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role, "first frame carries the role")
	assert.Empty(t, chunks[1].Choices[0].Delta.Role)

	last := chunks[len(chunks)-1]
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)

	var usage map[string]int64
	require.NoError(t, json.Unmarshal(last.Usage, &usage))
	assert.Equal(t, int64(10), usage["total_tokens"])
}

func TestStreamTranslatorDropsMalformedFrames(t *testing.T) {
	upstream := strings.Join([]string{
		`data: not json at all`,
		``,
		`: comment line`,
		`event: ping`,
		``,
		`data: {"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}`,
		``,
	}, "\n")

	tr := NewStreamTranslator(io.NopCloser(strings.NewReader(upstream)), "m")
	raw, err := io.ReadAll(tr)
	require.NoError(t, err)
	tr.Close()

	chunks := readFrames(t, string(raw))
	require.Len(t, chunks, 1, "only the valid frame survives")
	assert.Equal(t, "ok", chunks[0].Choices[0].Delta.Content)
	assert.True(t, strings.HasSuffix(string(raw), "data: [DONE]\n\n"))
}

func TestStreamTranslatorMapsFinishReasons(t *testing.T) {
	upstream := `data: {"candidates":[{"content":{"parts":[{"text":"t"}]},"finishReason":"MAX_TOKENS"}]}` + "\n\n"

	tr := NewStreamTranslator(io.NopCloser(strings.NewReader(upstream)), "m")
	raw, err := io.ReadAll(tr)
	require.NoError(t, err)
	tr.Close()

	chunks := readFrames(t, string(raw))
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Choices[0].FinishReason)
	assert.Equal(t, "length", *chunks[0].Choices[0].FinishReason)
}

func TestStreamTranslatorEmptyUpstream(t *testing.T) {
	tr := NewStreamTranslator(io.NopCloser(strings.NewReader("")), "m")
	raw, err := io.ReadAll(tr)
	require.NoError(t, err)
	tr.Close()

	assert.Equal(t, "data: [DONE]\n\n", string(raw))
}
