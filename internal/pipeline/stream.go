package pipeline

import (
	"io"
	"sync"

	"github.com/keyrelay/gateway/internal/core"
	"github.com/keyrelay/gateway/internal/usage"
)

// tailCap bounds how much of a stream is retained for usage scanning.
// Usage rides in the final frames, so a bounded tail is enough.
const tailCap = 64 << 10

// recordingStream tees a streamed response into a bounded tail buffer
// and records the request once the stream finishes, however it finishes.
type recordingStream struct {
	rc     io.ReadCloser
	tail   []byte
	once   sync.Once
	finish func(tail []byte)
}

func (g *Gateway) wrapStream(rc io.ReadCloser, entry *core.RequestLog) io.ReadCloser {
	return &recordingStream{
		rc: rc,
		finish: func(tail []byte) {
			go g.recorder.Record(entry, usage.ScanStreamUsage(tail))
		},
	}
}

func (s *recordingStream) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if n > 0 {
		s.tail = append(s.tail, p[:n]...)
		if len(s.tail) > tailCap {
			// Keep whole lines where possible; a mid-frame cut only costs
			// the usage scan, not the client's stream.
			s.tail = s.tail[len(s.tail)-tailCap:]
		}
	}
	if err != nil {
		s.done()
	}
	return n, err
}

func (s *recordingStream) Close() error {
	s.done()
	return s.rc.Close()
}

func (s *recordingStream) done() {
	s.once.Do(func() { s.finish(s.tail) })
}
