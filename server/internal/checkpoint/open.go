package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string // file, bolt or redis
	Dir      string // file and bolt
	RedisURL string
	TTL      time.Duration
}

// Open returns the configured Store.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "file":
		return NewFileStore(opts.Dir)
	case "bolt":
		return NewBoltStore(filepath.Join(opts.Dir, "checkpoints.db"))
	case "redis":
		return NewRedisStore(ctx, opts.RedisURL, opts.TTL)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", opts.Backend)
	}
}
