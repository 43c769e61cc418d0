package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// PolicyWatcher reloads a policy file into a Sandbox whenever it changes.
// A file that fails to load or validate leaves the current policy in place.
type PolicyWatcher struct {
	sandbox *Sandbox
	path    string
	watcher *fsnotify.Watcher
	log     *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// WatchPolicy starts watching path. The directory is watched rather than the
// file so editors that replace the file on save are still picked up.
func WatchPolicy(ctx context.Context, sb *Sandbox, path string, log *zap.Logger) (*PolicyWatcher, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &PolicyWatcher{
		sandbox: sb,
		path:    path,
		watcher: fw,
		log:     log.With(zap.String("policy_file", path)),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop(ctx)
	w.log.Info("watching sandbox policy for changes")
	return w, nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *PolicyWatcher) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return w.watcher.Close()
}

func (w *PolicyWatcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("policy watcher error", zap.Error(err))
		}
	}
}

func (w *PolicyWatcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		w.log.Error("keeping previous sandbox policy", zap.Error(err))
		return
	}
	w.sandbox.SetPolicy(p)
	w.log.Info("sandbox policy reloaded",
		zap.Int("allowed_imports", len(p.AllowedImports)),
		zap.Int("forbidden_imports", len(p.ForbiddenImports)),
	)
}
