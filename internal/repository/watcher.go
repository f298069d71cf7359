package repository

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/internal/logging"
)

// SeedWatcher reloads a Service from its seed file whenever the file changes.
type SeedWatcher struct {
	path     string
	svc      *Service
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger
	reloaded func(error)
}

// NewSeedWatcher watches path. The directory is watched rather than the file
// so editors that replace the file by renaming are followed.
func NewSeedWatcher(path string, svc *Service, logger *zap.Logger) (*SeedWatcher, error) {
	if logger == nil {
		logger = logging.L()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}
	return &SeedWatcher{
		path:     abs,
		svc:      svc,
		watcher:  watcher,
		debounce: 200 * time.Millisecond,
		logger:   logger,
	}, nil
}

// OnReload registers a callback run after every reload attempt.
func (w *SeedWatcher) OnReload(fn func(error)) {
	w.reloaded = fn
}

// Run processes file events until ctx is done or the watcher is stopped.
func (w *SeedWatcher) Run(ctx context.Context) {
	w.logger.Info("watching seed file", zap.String("path", w.path))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			// Editors write in bursts; reload once it settles.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("seed watcher error", logging.Err(err))

		case <-ctx.Done():
			w.logger.Debug("seed watcher stopping")
			return
		}
	}
}

func (w *SeedWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *SeedWatcher) reload(ctx context.Context) {
	seed, err := LoadSeed(w.path)
	if err == nil {
		err = w.svc.Reload(ctx, seed)
	}
	if err != nil {
		w.logger.Warn("seed reload failed, keeping current tree",
			zap.String("path", w.path), logging.Err(err))
	}
	if w.reloaded != nil {
		w.reloaded(err)
	}
}

// Stop releases the underlying watcher.
func (w *SeedWatcher) Stop() error {
	return w.watcher.Close()
}
