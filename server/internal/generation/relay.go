package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/checkpoint"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/model"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/ollama"
)

// finalizeTimeout bounds history and checkpoint writes after the stream ends.
const finalizeTimeout = 10 * time.Second

// Request is what the relay sends upstream for one session.
type Request struct {
	Model    string
	Messages []ollama.Message
	// ContinueMessageID, when set, names the partial message being extended;
	// the result is written back to it instead of appended.
	ContinueMessageID string
}

// Relay streams one session from the upstream server to an Emitter, writing
// every delta through to the checkpoint store after it has been emitted.
type Relay struct {
	upstream    ollama.Upstream
	checkpoints checkpoint.Store
	history     History
	artifacts   ArtifactCounter
	registry    *Registry
	timeout     time.Duration
	log         *zap.Logger
}

// Run drives sess to a terminal state and deregisters it. Exactly one terminal
// event is emitted. Run does not stop when ctx is cancelled; only the session's
// cancellation flag or the upstream timeout end a generation early.
func (r *Relay) Run(ctx context.Context, sess *Session, req Request, em Emitter) {
	ctx = context.WithoutCancel(ctx)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	log := r.log.With(
		zap.String("generation_id", sess.ID),
		zap.String("user_id", sess.Key.UserID),
		zap.String("conversation_id", sess.Key.ConversationID),
		zap.String("model", req.Model),
	)
	emit := func(e Event) {
		if err := em.Emit(e); err != nil {
			log.Debug("client gone, continuing generation", zap.String("event", e.Type), zap.Error(err))
		}
	}

	defer r.registry.Deregister(sess)
	defer func() {
		if p := recover(); p != nil {
			log.Error("relay panic", zap.Any("panic", p), zap.Stack("stack"))
			r.fail(ctx, log, sess, req, emit, fmt.Errorf("internal error: %v", p))
		}
	}()

	var prompt, completion int
	err := r.upstream.Chat(ctx, ollama.ChatRequest{Model: req.Model, Messages: req.Messages}, func(ch ollama.Chunk) error {
		if sess.Cancelled() {
			return errCancelled
		}
		if ch.Content != "" {
			emit(Event{Type: EventContent, Content: ch.Content})
			text := sess.append(ch.Content)
			r.writeCheckpoint(ctx, log, sess.Key, text, false)
		}
		if ch.Done {
			prompt, completion = ch.PromptTokens, ch.CompletionTokens
		}
		return nil
	})

	switch {
	case errors.Is(err, errCancelled):
		r.stop(ctx, log, sess, req, emit)
	case err != nil:
		r.fail(ctx, log, sess, req, emit, err)
	default:
		r.complete(ctx, log, sess, req, emit, *newUsage(prompt, completion))
	}
}

func (r *Relay) complete(ctx context.Context, log *zap.Logger, sess *Session, req Request, emit func(Event), usage Usage) {
	ctx, cancel := finalizeContext(ctx)
	defer cancel()

	text := sess.Text()
	done := Event{Type: EventDone, Usage: &usage}

	if text != "" {
		r.writeCheckpoint(ctx, log, sess.Key, text, true)
		if err := r.persist(ctx, sess, req, text, false); err != nil {
			// The complete checkpoint stays behind for Recover.
			log.Error("failed to save reply to history", zap.Error(err))
		} else {
			r.clearCheckpoint(ctx, log, sess.Key)
		}
		if err := r.history.LogUsage(ctx, sess.Key.UserID, req.Model, usage); err != nil {
			log.Warn("failed to log usage", zap.Error(err))
		}
		if r.artifacts != nil {
			done.Artifacts = r.artifacts.Count(text)
		}
	} else {
		r.clearCheckpoint(ctx, log, sess.Key)
	}

	sess.finish(StatusCompleted)
	log.Info("generation completed",
		zap.Int("chars", len(text)),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(sess.StartedAt)),
	)
	emit(done)
}

func (r *Relay) stop(ctx context.Context, log *zap.Logger, sess *Session, req Request, emit func(Event)) {
	ctx, cancel := finalizeContext(ctx)
	defer cancel()

	r.savePartial(ctx, log, sess, req)
	sess.finish(StatusCancelled)
	log.Info("generation stopped", zap.Int("chars", len(sess.Text())))
	emit(Event{Type: EventStopped, Partial: true})
}

func (r *Relay) fail(ctx context.Context, log *zap.Logger, sess *Session, req Request, emit func(Event), cause error) {
	if sess.Status() != StatusRunning {
		return
	}
	ctx, cancel := finalizeContext(ctx)
	defer cancel()

	r.savePartial(ctx, log, sess, req)
	sess.finish(StatusFailed)
	log.Warn("generation failed", zap.Error(cause))
	emit(Event{Type: EventError, Error: errorMessage(cause)})
}

// savePartial hands the accumulated text to history as a partial reply and
// drops the checkpoint once history has it.
func (r *Relay) savePartial(ctx context.Context, log *zap.Logger, sess *Session, req Request) {
	text := sess.Text()
	if text == "" {
		r.clearCheckpoint(ctx, log, sess.Key)
		return
	}
	if err := r.persist(ctx, sess, req, text, true); err != nil {
		log.Error("failed to save partial reply", zap.Error(err))
		return
	}
	r.clearCheckpoint(ctx, log, sess.Key)
}

func (r *Relay) persist(ctx context.Context, sess *Session, req Request, text string, partial bool) error {
	if req.ContinueMessageID != "" {
		return r.history.UpdateMessage(ctx, req.ContinueMessageID, text, partial)
	}
	_, err := r.history.AppendMessage(ctx, sess.Key, HistoryMessage{
		Role:    model.RoleAssistant,
		Content: text,
		Model:   req.Model,
		Partial: partial,
	})
	return err
}

// Checkpoint failures only weaken recovery, so they are logged and swallowed.
func (r *Relay) writeCheckpoint(ctx context.Context, log *zap.Logger, key checkpoint.Key, text string, complete bool) {
	if err := r.checkpoints.Write(ctx, key, text, complete); err != nil {
		log.Warn("checkpoint write failed", zap.Error(err))
	}
}

func (r *Relay) clearCheckpoint(ctx context.Context, log *zap.Logger, key checkpoint.Key) {
	if err := r.checkpoints.Clear(ctx, key); err != nil {
		log.Warn("checkpoint clear failed", zap.Error(err))
	}
}

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func errorMessage(err error) string {
	var statusErr *ollama.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("HTTP %d", statusErr.Code)
	}
	return err.Error()
}
