package generation

import (
	"sync"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/checkpoint"
)

// Registry tracks the one running session permitted per key.
type Registry struct {
	mu       sync.RWMutex
	sessions map[checkpoint.Key]*Session

	locksMu  sync.Mutex
	keyLocks map[checkpoint.Key]*keyLock
}

// keyLock serializes admission for one key. It lives in keyLocks only while
// some caller holds or waits for it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[checkpoint.Key]*Session),
		keyLocks: make(map[checkpoint.Key]*keyLock),
	}
}

// lockKey blocks until the caller owns key and returns the matching unlock.
func (r *Registry) lockKey(key checkpoint.Key) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.keyLocks[key]
	if !ok {
		l = &keyLock{}
		r.keyLocks[key] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(r.keyLocks, key)
		}
		r.locksMu.Unlock()
	}
}

// Register claims key for s. It fails with ErrConflict while another session
// for the same key is still running.
func (r *Registry) Register(s *Session) error {
	defer r.lockKey(s.Key)()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Key]; ok && cur.Status() == StatusRunning {
		return ErrConflict
	}
	r.sessions[s.Key] = s
	return nil
}

// Exclusive runs fn while no session for key can be registered. running is the
// session currently holding key, or nil. fn must not call Register.
func (r *Registry) Exclusive(key checkpoint.Key, fn func(running *Session) error) error {
	defer r.lockKey(key)()
	return fn(r.Get(key))
}

// Get returns the running session for key, or nil.
func (r *Registry) Get(key checkpoint.Key) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok || s.Status() != StatusRunning {
		return nil
	}
	return s
}

// Cancel raises the cancellation flag of the running session for key.
// It reports whether such a session exists; repeated calls are harmless.
func (r *Registry) Cancel(key checkpoint.Key) (*Session, bool) {
	s := r.Get(key)
	if s == nil {
		return nil, false
	}
	s.Cancel()
	return s, true
}

// Deregister removes s if it still owns its key. A newer session registered
// under the same key is left alone.
func (r *Registry) Deregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Key]; ok && cur == s {
		delete(r.sessions, s.Key)
	}
}

// Active returns the number of running sessions.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.Status() == StatusRunning {
			n++
		}
	}
	return n
}
