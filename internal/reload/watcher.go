// Package reload re-reads configuration files when they change on disk.
package reload

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes from editors into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	Path     string
	Reload   func() error // invoked after the file settles; errors are logged
	Debounce time.Duration
	Logger   *log.Logger
}

// Watcher watches a single file and invokes a reload callback when it changes.
type Watcher struct {
	path     string
	reload   func() error
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *log.Logger

	mu      sync.Mutex
	timer   *time.Timer
	reloads int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for cfg.Path.
func New(cfg Config) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("watch path cannot be empty")
	}
	if cfg.Reload == nil {
		return nil, fmt.Errorf("reload callback cannot be nil")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[reload] ", log.LstdFlags|log.Lmsgprefix)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:     filepath.Clean(cfg.Path),
		reload:   cfg.Reload,
		debounce: cfg.Debounce,
		watcher:  watcher,
		logger:   cfg.Logger,
	}, nil
}

// Start begins watching. The parent directory is watched so that atomic
// replace-by-rename saves are seen too.
func (w *Watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Printf("watching %s for changes", w.path)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()

	return nil
}

// Stop shuts the watcher down and cancels any pending reload.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	return err
}

// Reloads returns how many reloads have completed successfully.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(event.Op)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule(op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if w.ctx.Err() != nil {
			return
		}
		if _, err := os.Stat(w.path); err != nil {
			// Renamed away; wait for the replacement to be created
			return
		}
		if err := w.reload(); err != nil {
			w.logger.Printf("error reloading %s after %s: %v", w.path, op, err)
			return
		}
		w.logger.Printf("reloaded %s", w.path)

		w.mu.Lock()
		w.reloads++
		w.mu.Unlock()
	})
}
