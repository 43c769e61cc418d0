// Package generation runs streaming chat generations: one running session per
// (user, conversation), cooperative cancellation checked once per upstream
// chunk, and checkpoint-backed recovery of replies cut short by a restart.
package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/checkpoint"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/model"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/ollama"
)

// RecoveredNote is appended to text recovered from an interrupted generation.
const RecoveredNote = "\n\n[Response interrupted. Recovered partial output.]"

const (
	continuePrompt       = "Continue from where you left off."
	continueHistoryLimit = 50
)

// Options configures a Service.
type Options struct {
	DefaultModel    string
	HistoryLimit    int
	UpstreamTimeout time.Duration
	// Artifacts is optional.
	Artifacts ArtifactCounter
}

// Service is the entry point for starting, stopping and recovering generations.
type Service struct {
	registry    *Registry
	relay       *Relay
	checkpoints checkpoint.Store
	history     History
	opts        Options
	log         *zap.Logger
}

func NewService(upstream ollama.Upstream, checkpoints checkpoint.Store, history History, opts Options, log *zap.Logger) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	registry := NewRegistry()
	return &Service{
		registry:    registry,
		checkpoints: checkpoints,
		history:     history,
		opts:        opts,
		log:         log,
		relay: &Relay{
			upstream:    upstream,
			checkpoints: checkpoints,
			history:     history,
			artifacts:   opts.Artifacts,
			registry:    registry,
			timeout:     opts.UpstreamTimeout,
			log:         log.Named("relay"),
		},
	}
}

// Registry exposes the active-generation registry.
func (s *Service) Registry() *Registry { return s.registry }

// StartRequest submits a user message.
type StartRequest struct {
	UserID string
	// ConversationID may be empty, in which case a conversation is created.
	ConversationID string
	Message        string
	Model          string
	Images         []string
}

// Start registers a session, saves the user message and streams the reply.
// It returns ErrConflict, ErrNotFound or ErrInvalidRequest before any event is
// emitted; once the session event is out all outcomes arrive as events.
func (s *Service) Start(ctx context.Context, req StartRequest, em Emitter) error {
	if req.UserID == "" || strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	modelName := s.model(req.Model)

	key := checkpoint.Key{UserID: req.UserID, ConversationID: req.ConversationID}
	if key.ConversationID == "" {
		id, err := s.history.CreateConversation(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		key.ConversationID = id
	} else {
		if err := s.history.CheckConversation(ctx, key); err != nil {
			return err
		}
		// A leftover checkpoint would be overwritten by this generation.
		if _, err := s.Recover(ctx, key); err != nil {
			s.log.Warn("failed to recover checkpoint before start", zap.String("key", key.String()), zap.Error(err))
		}
	}

	sess := newSession(key, modelName, "")
	if err := s.registry.Register(sess); err != nil {
		return err
	}
	started := false
	defer func() {
		if !started {
			sess.finish(StatusFailed)
			s.registry.Deregister(sess)
		}
	}()

	if _, err := s.history.AppendMessage(ctx, key, HistoryMessage{
		Role:    model.RoleUser,
		Content: req.Message,
		Model:   modelName,
	}); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}

	recent, err := s.history.Recent(ctx, key, s.opts.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	messages := toUpstream(recent)
	if len(req.Images) > 0 {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == model.RoleUser {
				messages[i].Images = req.Images
				break
			}
		}
	}

	started = true
	s.log.Info("generation started",
		zap.String("generation_id", sess.ID),
		zap.String("user_id", key.UserID),
		zap.String("conversation_id", key.ConversationID),
		zap.String("model", modelName),
		zap.Int("context_messages", len(messages)),
	)
	_ = em.Emit(Event{Type: EventSession, SessionID: key.ConversationID, GenerationID: sess.ID})
	s.relay.Run(ctx, sess, Request{Model: modelName, Messages: messages}, em)
	return nil
}

// ContinueRequest resumes the partial assistant reply that ends a conversation.
type ContinueRequest struct {
	UserID         string
	ConversationID string
	Model          string
}

// Continue asks the model to carry on from a partial reply. New text is
// streamed as content events and the stored message is updated in place.
func (s *Service) Continue(ctx context.Context, req ContinueRequest, em Emitter) error {
	key := checkpoint.Key{UserID: req.UserID, ConversationID: req.ConversationID}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if err := s.history.CheckConversation(ctx, key); err != nil {
		return err
	}
	if _, err := s.Recover(ctx, key); err != nil {
		s.log.Warn("failed to recover checkpoint before continue", zap.String("key", key.String()), zap.Error(err))
	}

	recent, err := s.history.Recent(ctx, key, continueHistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(recent) == 0 {
		return ErrNotPartial
	}
	last := recent[len(recent)-1]
	if last.Role != model.RoleAssistant || !last.Partial {
		return ErrNotPartial
	}

	seed := strings.TrimSuffix(last.Content, RecoveredNote)

	modelName := s.model(req.Model)
	sess := newSession(key, modelName, seed)
	if err := s.registry.Register(sess); err != nil {
		return err
	}

	messages := append(toUpstream(recent), ollama.Message{Role: model.RoleUser, Content: continuePrompt})

	s.log.Info("generation continued",
		zap.String("generation_id", sess.ID),
		zap.String("user_id", key.UserID),
		zap.String("conversation_id", key.ConversationID),
		zap.String("message_id", last.ID),
	)
	_ = em.Emit(Event{Type: EventSession, SessionID: key.ConversationID, GenerationID: sess.ID})
	s.relay.Run(ctx, sess, Request{Model: modelName, Messages: messages, ContinueMessageID: last.ID}, em)
	return nil
}

// Cancel raises the cancellation flag of the running session for key and
// returns the text accumulated so far. Calling it again has no further effect.
func (s *Service) Cancel(key checkpoint.Key) (partial string, found bool) {
	sess, ok := s.registry.Cancel(key)
	if !ok {
		return "", false
	}
	s.log.Info("generation stop requested",
		zap.String("generation_id", sess.ID),
		zap.String("user_id", key.UserID),
		zap.String("conversation_id", key.ConversationID),
	)
	return sess.Text(), true
}

// Snapshot describes the generation state of a key.
type Snapshot struct {
	Status       string    `json:"status"` // running, interrupted, complete or none
	GenerationID string    `json:"generation_id,omitempty"`
	Content      string    `json:"content,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// Status reports the running session for key, else its stored checkpoint.
func (s *Service) Status(ctx context.Context, key checkpoint.Key) (*Snapshot, error) {
	if sess := s.registry.Get(key); sess != nil {
		return &Snapshot{
			Status:       string(StatusRunning),
			GenerationID: sess.ID,
			Content:      sess.Text(),
			StartedAt:    sess.StartedAt,
		}, nil
	}
	cp, err := s.checkpoints.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return &Snapshot{Status: "none"}, nil
	}
	status := "interrupted"
	if cp.Complete {
		status = "complete"
	}
	return &Snapshot{Status: status, Content: cp.Content, UpdatedAt: cp.UpdatedAt}, nil
}

// RecoveredMessage is a reply salvaged from a checkpoint.
type RecoveredMessage struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"session_id"`
	Content        string    `json:"content"`
	Partial        bool      `json:"partial"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Recover surfaces the checkpoint for key once: it is saved to history and
// cleared. An incomplete checkpoint comes back annotated with RecoveredNote and
// saved as partial. Nothing is recovered while a session for key is running.
// It returns nil when there is nothing to recover.
func (s *Service) Recover(ctx context.Context, key checkpoint.Key) (*RecoveredMessage, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var out *RecoveredMessage
	err := s.registry.Exclusive(key, func(running *Session) error {
		if running != nil {
			return nil
		}
		cp, err := s.checkpoints.Read(ctx, key)
		if err != nil || cp == nil {
			return err
		}

		content, partial := cp.Content, !cp.Complete
		if partial {
			content += RecoveredNote
		}

		id, err := s.saveRecovered(ctx, key, cp.Content, content, partial)
		if err != nil {
			return fmt.Errorf("save recovered message: %w", err)
		}
		if err := s.checkpoints.Clear(ctx, key); err != nil {
			s.log.Warn("failed to clear recovered checkpoint", zap.String("key", key.String()), zap.Error(err))
		}

		s.log.Info("recovered generation",
			zap.String("user_id", key.UserID),
			zap.String("conversation_id", key.ConversationID),
			zap.Bool("partial", partial),
			zap.Int("chars", len(cp.Content)),
		)
		out = &RecoveredMessage{
			MessageID:      id,
			ConversationID: key.ConversationID,
			Content:        content,
			Partial:        partial,
			UpdatedAt:      cp.UpdatedAt,
		}
		return nil
	})
	return out, err
}

// saveRecovered writes recovered text to history. A checkpoint left by Continue
// extends the trailing partial message, which is then updated in place.
func (s *Service) saveRecovered(ctx context.Context, key checkpoint.Key, raw, content string, partial bool) (string, error) {
	recent, err := s.history.Recent(ctx, key, 1)
	if err != nil {
		return "", err
	}
	if len(recent) == 1 {
		last := recent[0]
		if last.Role == model.RoleAssistant && last.Partial && last.Content != "" && strings.HasPrefix(raw, last.Content) {
			return last.ID, s.history.UpdateMessage(ctx, last.ID, content, partial)
		}
	}
	return s.history.AppendMessage(ctx, key, HistoryMessage{
		Role:    model.RoleAssistant,
		Content: content,
		Model:   s.opts.DefaultModel,
		Partial: partial,
	})
}

// Clear drops the checkpoint for key. It fails with ErrConflict while a
// session for key is running.
func (s *Service) Clear(ctx context.Context, key checkpoint.Key) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.registry.Exclusive(key, func(running *Session) error {
		if running != nil {
			return ErrConflict
		}
		return s.checkpoints.Clear(ctx, key)
	})
}

// PendingCheckpoints lists checkpoints not owned by a running session.
func (s *Service) PendingCheckpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	keys, err := s.checkpoints.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*checkpoint.Checkpoint
	for _, key := range keys {
		if s.registry.Get(key) != nil {
			continue
		}
		cp, err := s.checkpoints.Read(ctx, key)
		if err != nil {
			s.log.Warn("unreadable checkpoint", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		if cp != nil {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *Service) model(requested string) string {
	if requested != "" {
		return requested
	}
	return s.opts.DefaultModel
}

// toUpstream converts history to model messages. The recovery note is for
// readers of the history and never reaches the model.
func toUpstream(msgs []HistoryMessage) []ollama.Message {
	out := make([]ollama.Message, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if m.Role == model.RoleAssistant {
			content = strings.TrimSuffix(content, RecoveredNote)
		}
		out = append(out, ollama.Message{Role: m.Role, Content: content})
	}
	return out
}
