package generation

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/checkpoint"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Session is one streaming generation for a (user, conversation) key.
// It moves from running to exactly one terminal status and never leaves it.
type Session struct {
	ID        string
	Key       checkpoint.Key
	Model     string
	StartedAt time.Time

	cancelled atomic.Bool

	mu     sync.Mutex
	status Status
	text   strings.Builder
}

func newSession(key checkpoint.Key, model, seed string) *Session {
	s := &Session{
		ID:        uuid.New().String(),
		Key:       key,
		Model:     model,
		StartedAt: time.Now().UTC(),
		status:    StatusRunning,
	}
	s.text.WriteString(seed)
	return s
}

// Cancel raises the cancellation flag. It returns true only for the call that
// raised it; later calls change nothing.
func (s *Session) Cancel() bool {
	return s.cancelled.CompareAndSwap(false, true)
}

// Cancelled reports whether Cancel has been called.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Text returns the accumulated reply so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// append adds delta and returns the full accumulated text.
func (s *Session) append(delta string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(delta)
	return s.text.String()
}

// finish moves a running session to status. It reports false if the session
// had already reached a terminal status.
func (s *Session) finish(status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return false
	}
	s.status = status
	return true
}
