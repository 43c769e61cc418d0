package generation

import (
	"context"
	"errors"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/checkpoint"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/model"
	"github.com/zeidalqadri/ollama-chat-service/server/internal/store"
)

// HistoryMessage is a stored conversation turn.
type HistoryMessage struct {
	ID      string
	Role    string
	Content string
	Model   string
	Partial bool
}

// History is the durable chat-history collaborator. Finalised text is handed
// to it; it is never written mid-stream.
type History interface {
	CreateConversation(ctx context.Context, userID string) (string, error)
	// CheckConversation returns ErrNotFound unless userID owns conversationID.
	CheckConversation(ctx context.Context, key checkpoint.Key) error
	AppendMessage(ctx context.Context, key checkpoint.Key, msg HistoryMessage) (string, error)
	UpdateMessage(ctx context.Context, id, content string, partial bool) error
	// Recent returns up to limit messages, oldest first.
	Recent(ctx context.Context, key checkpoint.Key, limit int) ([]HistoryMessage, error)
	LogUsage(ctx context.Context, userID, model string, usage Usage) error
}

// ArtifactCounter derives per-type artifact counts from a finished reply.
type ArtifactCounter interface {
	Count(text string) map[string]int
}

// StoreHistory implements History on the gorm store.
type StoreHistory struct {
	store *store.Store
}

func NewStoreHistory(s *store.Store) *StoreHistory {
	return &StoreHistory{store: s}
}

func (h *StoreHistory) CreateConversation(ctx context.Context, userID string) (string, error) {
	conv := &model.Conversation{UserID: userID}
	if err := h.store.CreateConversation(ctx, conv); err != nil {
		return "", err
	}
	return conv.ID, nil
}

func (h *StoreHistory) CheckConversation(ctx context.Context, key checkpoint.Key) error {
	_, err := h.store.GetConversation(ctx, key.UserID, key.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (h *StoreHistory) AppendMessage(ctx context.Context, key checkpoint.Key, msg HistoryMessage) (string, error) {
	m := &model.Message{
		ConversationID: key.ConversationID,
		UserID:         key.UserID,
		Role:           msg.Role,
		Content:        msg.Content,
		Model:          msg.Model,
		Partial:        msg.Partial,
	}
	if err := h.store.AppendMessage(ctx, m); err != nil {
		return "", err
	}
	_ = h.store.TouchConversation(ctx, key.ConversationID)
	return m.ID, nil
}

func (h *StoreHistory) UpdateMessage(ctx context.Context, id, content string, partial bool) error {
	err := h.store.UpdateMessage(ctx, id, content, partial)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func (h *StoreHistory) Recent(ctx context.Context, key checkpoint.Key, limit int) ([]HistoryMessage, error) {
	rows, err := h.store.RecentMessages(ctx, key.ConversationID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryMessage, 0, len(rows))
	for _, m := range rows {
		out = append(out, HistoryMessage{
			ID:      m.ID,
			Role:    m.Role,
			Content: m.Content,
			Model:   m.Model,
			Partial: m.Partial,
		})
	}
	return out, nil
}

func (h *StoreHistory) LogUsage(ctx context.Context, userID, modelName string, usage Usage) error {
	return h.store.LogUsage(ctx, &model.UsageLog{
		UserID:    userID,
		Model:     modelName,
		TokensIn:  usage.PromptTokens,
		TokensOut: usage.CompletionTokens,
	})
}
