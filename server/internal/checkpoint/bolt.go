package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const checkpointsBucket = "checkpoints"

// BoltStore keeps all checkpoints in one bbolt database.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(checkpointsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoints bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Write(_ context.Context, key Key, content string, complete bool) error {
	if err := key.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(newRecord(key, content, complete))
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(checkpointsBucket)).Put([]byte(key.encode()), data)
	})
}

func (s *BoltStore) Read(_ context.Context, key Key) (*Checkpoint, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var cp *Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(checkpointsBucket)).Get([]byte(key.encode()))
		if data == nil {
			return nil
		}
		cp = &Checkpoint{}
		return json.Unmarshal(data, cp)
	})
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	return cp, nil
}

func (s *BoltStore) Clear(_ context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(checkpointsBucket)).Delete([]byte(key.encode()))
	})
}

func (s *BoltStore) List(_ context.Context) ([]Key, error) {
	var keys []Key
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(checkpointsBucket)).ForEach(func(k, _ []byte) error {
			if key, err := decodeKey(string(k)); err == nil {
				keys = append(keys, key)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return keys, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
