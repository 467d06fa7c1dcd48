// Package watch reloads a file-backed setting when the file changes on disk.
package watch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// ChangeFunc receives the new file content.
type ChangeFunc func(ctx context.Context, data []byte) error

// Watcher watches one file through its parent directory, so editors that
// replace the file by rename are seen too.
type Watcher struct {
	path     string
	onChange ChangeFunc
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	lastHash [sha256.Size]byte
	// reloadMu serializes onChange calls.
	reloadMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long writes must settle before a reload.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher for path. The current content, if any, counts as
// already loaded.
func New(path string, onChange ChangeFunc, logger *slog.Logger, opts ...Option) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		debounce: defaultDebounce,
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if data, err := os.ReadFile(path); err == nil {
		w.lastHash = sha256.Sum256(data)
	}
	return w
}

// Ready is closed once the first watch is registered.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is done. A broken watcher is recreated with
// backoff.
func (w *Watcher) Run(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	backoff := restartBackoffBase
	defer w.stopTimer()

	for {
		if ctx.Err() != nil {
			return nil
		}
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(dir); err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.logger.Warn("watch init failed", "dir", dir, "err", err)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, restartBackoffMax)
			continue
		}

		backoff = restartBackoffBase
		w.readyOnce.Do(func() { close(w.ready) })
		w.logger.Debug("watching file", "path", w.path)

		w.loop(ctx, fw, file)
		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("watcher stopped; restarting", "path", w.path, "backoff", backoff)
		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, restartBackoffMax)
	}
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, file string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("watch overflow; forcing reload", "path", w.path)
				w.schedule(ctx)
				continue
			}
			w.logger.Warn("watch error", "path", w.path, "err", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("watched file removed; keeping current settings", "path", w.path)
		} else {
			w.logger.Warn("read watched file", "path", w.path, "err", err)
		}
		return
	}

	sum := sha256.Sum256(data)
	w.mu.Lock()
	unchanged := bytes.Equal(sum[:], w.lastHash[:])
	w.mu.Unlock()
	if unchanged {
		w.logger.Debug("watched file unchanged", "path", w.path)
		return
	}

	if err := w.onChange(ctx, data); err != nil {
		w.logger.Warn("reload rejected", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	w.lastHash = sum
	w.mu.Unlock()
	w.logger.Info("reloaded watched file", "path", w.path)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
