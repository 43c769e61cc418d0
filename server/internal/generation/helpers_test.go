package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/checkpoint"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/model"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/ollama"
)

// fakeUpstream replays chunks. With a gate, each chunk waits for a receive.
type fakeUpstream struct {
	chunks  []ollama.Chunk
	err     error
	gate    chan struct{}
	panicky bool

	mu       sync.Mutex
	requests []ollama.ChatRequest
}

func (f *fakeUpstream) Chat(ctx context.Context, req ollama.ChatRequest, fn func(ollama.Chunk) error) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.panicky {
		panic("upstream exploded")
	}
	for _, ch := range f.chunks {
		if f.gate != nil {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := fn(ch); err != nil {
			return err
		}
	}
	return f.err
}

func (f *fakeUpstream) lastRequest() ollama.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func textChunks(parts ...string) []ollama.Chunk {
	chunks := make([]ollama.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, ollama.Chunk{Content: p})
	}
	return append(chunks, ollama.Chunk{Done: true, PromptTokens: 5, CompletionTokens: len(parts)})
}

// memHistory is an in-memory History.
type memHistory struct {
	mu            sync.Mutex
	owners        map[string]string
	messages      map[string][]HistoryMessage
	usage         []Usage
	nextID        int
	failAssistant bool
}

func newMemHistory() *memHistory {
	return &memHistory{owners: map[string]string{}, messages: map[string][]HistoryMessage{}}
}

func (h *memHistory) CreateConversation(_ context.Context, userID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := fmt.Sprintf("conv-%d", h.nextID)
	h.owners[id] = userID
	return id, nil
}

func (h *memHistory) CheckConversation(_ context.Context, key checkpoint.Key) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owners[key.ConversationID] != key.UserID {
		return ErrNotFound
	}
	return nil
}

func (h *memHistory) AppendMessage(_ context.Context, key checkpoint.Key, msg HistoryMessage) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAssistant && msg.Role == model.RoleAssistant {
		return "", errors.New("database unavailable")
	}
	h.nextID++
	msg.ID = fmt.Sprintf("msg-%d", h.nextID)
	h.messages[key.ConversationID] = append(h.messages[key.ConversationID], msg)
	return msg.ID, nil
}

func (h *memHistory) UpdateMessage(_ context.Context, id, content string, partial bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conv, msgs := range h.messages {
		for i := range msgs {
			if msgs[i].ID == id {
				h.messages[conv][i].Content = content
				h.messages[conv][i].Partial = partial
				return nil
			}
		}
	}
	return ErrNotFound
}

func (h *memHistory) Recent(_ context.Context, key checkpoint.Key, limit int) ([]HistoryMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.messages[key.ConversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]HistoryMessage(nil), msgs...), nil
}

func (h *memHistory) LogUsage(_ context.Context, _, _ string, usage Usage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage = append(h.usage, usage)
	return nil
}

func (h *memHistory) all(conv string) []HistoryMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryMessage(nil), h.messages[conv]...)
}

func (h *memHistory) setFailAssistant(v bool) {
	h.mu.Lock()
	h.failAssistant = v
	h.mu.Unlock()
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Emit(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) content() string {
	var b strings.Builder
	for _, e := range r.snapshot() {
		if e.Type == EventContent {
			b.WriteString(e.Content)
		}
	}
	return b.String()
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last() Event {
	events := r.snapshot()
	if len(events) == 0 {
		return Event{}
	}
	return events[len(events)-1]
}

// spyStore records checkpoint writes and flags any write that is ahead of
// what the watched recorder has received.
type spyStore struct {
	checkpoint.Store
	watch *recorder

	mu     sync.Mutex
	writes []string
	ahead  bool
}

func (s *spyStore) Write(ctx context.Context, key checkpoint.Key, content string, complete bool) error {
	s.mu.Lock()
	s.writes = append(s.writes, content)
	if s.watch != nil && !strings.HasPrefix(s.watch.content(), content) {
		s.ahead = true
	}
	s.mu.Unlock()
	return s.Store.Write(ctx, key, content, complete)
}

// failingStore rejects every checkpoint write.
type failingStore struct {
	checkpoint.Store
}

func (failingStore) Write(context.Context, checkpoint.Key, string, bool) error {
	return errors.New("disk full")
}

func newFileStore(t *testing.T) checkpoint.Store {
	t.Helper()
	cps, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return cps
}

func newTestService(up ollama.Upstream, h History, cps checkpoint.Store, artifacts ArtifactCounter) *Service {
	return NewService(up, cps, h, Options{
		DefaultModel: "test-model",
		HistoryLimit: 20,
		Artifacts:    artifacts,
	}, zap.NewNop())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
