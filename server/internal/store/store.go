// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- Conversations ---

func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if conv.Name == "" {
		conv.Name = model.DefaultConversationName
	}
	return s.db.WithContext(ctx).Create(conv).Error
}

// GetConversation returns the conversation only when it belongs to userID.
func (s *Store) GetConversation(ctx context.Context, userID, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ? AND user_id = ?", id, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (s *Store) TouchConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ?", id).
		Update("updated_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
}

// --- Messages ---

func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) error {
	return s.db.WithContext(ctx).Create(msg).Error
}

// UpdateMessage rewrites the content and partial flag of an existing message.
func (s *Store) UpdateMessage(ctx context.Context, id, content string, partial bool) error {
	result := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"content": content, "partial": partial})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentMessages returns the newest limit messages of a conversation in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	var messages []*model.Message
	q := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// --- Usage ---

func (s *Store) LogUsage(ctx context.Context, usage *model.UsageLog) error {
	return s.db.WithContext(ctx).Create(usage).Error
}

func (s *Store) ListUsage(ctx context.Context, userID string) ([]*model.UsageLog, error) {
	var logs []*model.UsageLog
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}
