// Package checkpoint persists the in-progress text of a streaming generation so a
// reply interrupted by a crash or restart can be recovered later.
//
// One record exists per (user, conversation) key. Each write replaces the whole
// record. Stores make no crash-atomicity promise beyond a single key: a torn write
// may lose that checkpoint and nothing else.
package checkpoint

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidKey is returned when a key has an empty user or conversation.
	ErrInvalidKey = errors.New("invalid checkpoint key")
)

// Key identifies a generation: one user, one conversation.
type Key struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

func (k Key) String() string {
	return k.UserID + "/" + k.ConversationID
}

// Validate rejects keys with an empty component.
func (k Key) Validate() error {
	if k.UserID == "" || k.ConversationID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	return nil
}

// encode returns a filesystem and bucket safe name for the key.
func (k Key) encode() string {
	return base64.RawURLEncoding.EncodeToString([]byte(k.UserID)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(k.ConversationID))
}

func decodeKey(name string) (Key, error) {
	user, conv, ok := strings.Cut(name, ".")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, name)
	}
	u, err := base64.RawURLEncoding.DecodeString(user)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	c, err := base64.RawURLEncoding.DecodeString(conv)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return Key{UserID: string(u), ConversationID: string(c)}, nil
}

// Checkpoint is the stored record.
type Checkpoint struct {
	Key       Key       `json:"key"`
	Content   string    `json:"content"`
	Complete  bool      `json:"complete"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is implemented by every checkpoint backend.
type Store interface {
	// Write overwrites the record for key.
	Write(ctx context.Context, key Key, content string, complete bool) error
	// Read returns nil, nil when no record exists.
	Read(ctx context.Context, key Key) (*Checkpoint, error)
	// Clear removes the record; clearing a missing key is not an error.
	Clear(ctx context.Context, key Key) error
	// List returns the keys of all stored records.
	List(ctx context.Context) ([]Key, error)
	Close() error
}

func newRecord(key Key, content string, complete bool) Checkpoint {
	return Checkpoint{
		Key:       key,
		Content:   content,
		Complete:  complete,
		UpdatedAt: time.Now().UTC(),
	}
}
