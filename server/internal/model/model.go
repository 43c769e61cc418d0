// Package model defines the database models used by the chat-history collaborator.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is one chat thread owned by a user.
type Conversation struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;type:text;index" json:"userId"`
	Name      string    `gorm:"not null;type:text" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Messages []Message `gorm:"foreignKey:ConversationID" json:"-"`
}

func (Conversation) TableName() string { return "conversations" }

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// Message is one turn in a conversation. Partial marks an assistant reply that
// was stopped, failed, or recovered before the model finished.
type Message struct {
	ID             string    `gorm:"primaryKey;type:text" json:"id"`
	ConversationID string    `gorm:"column:conversation_id;not null;type:text;index" json:"conversationId"`
	UserID         string    `gorm:"column:user_id;not null;type:text;index" json:"userId"`
	Role           string    `gorm:"not null;type:text" json:"role"`
	Content        string    `gorm:"not null;type:text" json:"content"`
	Model          string    `gorm:"type:text" json:"model"`
	Partial        bool      `gorm:"not null;default:false" json:"partial"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updatedAt"`

	Conversation *Conversation `gorm:"foreignKey:ConversationID" json:"-"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// UsageLog records token usage for one completed generation.
type UsageLog struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;type:text;index" json:"userId"`
	Model     string    `gorm:"not null;type:text" json:"model"`
	TokensIn  int       `gorm:"column:tokens_in;not null" json:"tokensIn"`
	TokensOut int       `gorm:"column:tokens_out;not null" json:"tokensOut"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (UsageLog) TableName() string { return "usage_log" }

func (u *UsageLog) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Conversation{},
		&Message{},
		&UsageLog{},
	}
}
