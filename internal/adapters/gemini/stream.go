package gemini

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

var dataPrefix = []byte("data:")

// chunkDelta and chunkChoice mirror the chat.completion.chunk frame
// shape the OpenAI-compatible providers stream.
type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []chunkChoice   `json:"choices"`
	Usage   json.RawMessage `json:"usage,omitempty"`
}

// streamTranslator rewrites a Gemini alt=sse stream into
// chat.completion.chunk frames, terminated by data: [DONE].
type streamTranslator struct {
	upstream io.ReadCloser
	pr       *io.PipeReader
}

// NewStreamTranslator wraps a Gemini SSE body. The returned reader
// yields translated frames; closing it tears down the upstream body.
func NewStreamTranslator(upstream io.ReadCloser, model string) io.ReadCloser {
	pr, pw := io.Pipe()
	t := &streamTranslator{upstream: upstream, pr: pr}
	go t.run(pw, model)
	return t
}

func (t *streamTranslator) Read(p []byte) (int, error) { return t.pr.Read(p) }

func (t *streamTranslator) Close() error {
	t.pr.Close()
	return t.upstream.Close()
}

func (t *streamTranslator) run(pw *io.PipeWriter, model string) {
	defer pw.Close()

	id := fmt.Sprintf("chatcmpl-%d", time.Now().UnixMilli())
	created := time.Now().Unix()
	firstFrame := true

	scanner := bufio.NewScanner(t.upstream)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal(payload, &chunk); err != nil {
			// Malformed frames are dropped rather than aborting the stream.
			continue
		}

		out := completionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
		}
		for i, cand := range chunk.Candidates {
			var text strings.Builder
			for _, part := range cand.Content.Parts {
				text.WriteString(part.Text)
			}
			choice := chunkChoice{Index: i, Delta: chunkDelta{Content: text.String()}}
			if firstFrame {
				choice.Delta.Role = "assistant"
			}
			if cand.FinishReason != "" {
				reason := mapFinishReason(cand.FinishReason)
				choice.FinishReason = &reason
			}
			out.Choices = append(out.Choices, choice)
		}
		if chunk.UsageMetadata != nil {
			usage, _ := json.Marshal(map[string]int64{
				"prompt_tokens":     chunk.UsageMetadata.PromptTokenCount,
				"completion_tokens": chunk.UsageMetadata.CandidatesTokenCount,
				"total_tokens":      chunk.UsageMetadata.TotalTokenCount,
			})
			out.Usage = usage
		}
		firstFrame = false

		frame, err := json.Marshal(out)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(pw, "data: %s\n\n", frame); err != nil {
			// Client went away; stop pulling from upstream.
			t.upstream.Close()
			return
		}
	}

	fmt.Fprint(pw, "data: [DONE]\n\n")
	t.upstream.Close()
}
