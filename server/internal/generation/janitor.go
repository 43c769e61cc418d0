package generation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PruneStale clears checkpoints not updated within maxAge whose key has no
// running session, and returns how many were removed.
func (s *Service) PruneStale(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := s.checkpoints.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for _, key := range keys {
		err := s.registry.Exclusive(key, func(running *Session) error {
			if running != nil {
				return nil
			}
			cp, err := s.checkpoints.Read(ctx, key)
			if err != nil || cp == nil || cp.UpdatedAt.After(cutoff) {
				return err
			}
			if err := s.checkpoints.Clear(ctx, key); err != nil {
				return err
			}
			pruned++
			s.log.Info("pruned stale checkpoint",
				zap.String("key", key.String()),
				zap.Time("updated_at", cp.UpdatedAt),
				zap.Bool("complete", cp.Complete),
			)
			return nil
		})
		if err != nil {
			s.log.Warn("failed to prune checkpoint", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return pruned, nil
}

// Janitor periodically prunes checkpoints that were never recovered.
type Janitor struct {
	svc      *Service
	interval time.Duration
	maxAge   time.Duration
	log      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor creates a janitor; Start runs it.
func NewJanitor(svc *Service, interval, maxAge time.Duration, log *zap.Logger) *Janitor {
	return &Janitor{svc: svc, interval: interval, maxAge: maxAge, log: log}
}

// Start begins the cleanup loop.
func (j *Janitor) Start(parentCtx context.Context) {
	ctx, cancel := context.WithCancel(parentCtx)
	j.cancel = cancel

	j.wg.Add(1)
	go j.loop(ctx)
}

// Stop ends the loop and waits for an in-flight sweep.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := j.svc.PruneStale(ctx, j.maxAge)
			if err != nil {
				j.log.Warn("checkpoint cleanup error", zap.Error(err))
			} else if count > 0 {
				j.log.Info("checkpoint cleanup", zap.Int("pruned", count))
			}
		}
	}
}

