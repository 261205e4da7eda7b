package sources

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the registry when its file changes. It watches the
// parent directory because atomic tmp-then-rename writes replace the file
// inode, which a direct file watch loses track of.
type Watcher struct {
	mu       sync.Mutex
	reg      *Registry
	fsw      *fsnotify.Watcher
	debounce time.Duration
	pending  map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	onReload func(count int)
	logger   *zap.Logger
}

// NewWatcher wires a watcher to reg. onReload runs after every successful
// reload and may be nil.
func NewWatcher(reg *Registry, onReload func(count int), logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		reg:      reg,
		fsw:      fsw,
		debounce: 500 * time.Millisecond,
		pending:  map[string]time.Time{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		onReload: onReload,
		logger:   logger.Named("sources.watcher"),
	}, nil
}

// Start begins watching. Non-blocking; the loop exits on Stop or ctx
// cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.reg.Path())
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Warn("watch failed, hot reload disabled", zap.String("dir", dir), zap.Error(err))
	} else {
		w.logger.Info("watching source registry", zap.String("dir", dir))
	}

	go w.run(ctx)
	return nil
}

// Stop halts the loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("closing watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-ticker.C:
			w.processSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.reg.Path()) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processSettled() {
	w.mu.Lock()
	now := time.Now()
	settled := false
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			delete(w.pending, path)
			settled = true
		}
	}
	w.mu.Unlock()
	if !settled {
		return
	}
	if err := w.reg.Reload(); err != nil {
		return
	}
	if w.onReload != nil {
		w.onReload(w.reg.Len())
	}
}
