package sandbox

import (
	"bytes"
	"strings"
	"sync"
)

// cappedWriter keeps the first limit bytes written to it and forwards them to
// an observer. Bytes past the limit are discarded but still reported as
// written, so the producer's pipe keeps draining.
type cappedWriter struct {
	stream string
	limit  int
	obs    Observer

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func newCappedWriter(stream string, limit int, obs Observer) *cappedWriter {
	return &cappedWriter{stream: stream, limit: limit, obs: obs}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	room := w.limit - w.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			w.truncated = true
		}
		return len(p), nil
	}
	chunk := p
	if len(chunk) > room {
		chunk = chunk[:room]
		w.truncated = true
	}
	w.buf.Write(chunk)
	if w.obs != nil {
		w.obs.Output(w.stream, chunk)
	}
	return len(p), nil
}

func (w *cappedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.ToValidUTF8(w.buf.String(), "\uFFFD")
}

func (w *cappedWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
