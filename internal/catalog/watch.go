package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tabbridge/internal/logging"
)

const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a Store when its file changes. Bursts of filesystem events
// collapse into one reload after the debounce interval.
type Watcher struct {
	store    *Store
	fs       *fsnotify.Watcher
	target   string
	debounce time.Duration
	onReload func(source string)
	logger   *logging.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Watch starts watching the directory holding the store's file, so editors
// that replace the file by rename are still noticed. onReload runs after each
// successful reload.
func Watch(ctx context.Context, store *Store, debounce time.Duration, onReload func(source string)) (*Watcher, error) {
	if store == nil {
		return nil, errors.New("catalog store is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	target, err := filepath.Abs(store.Path())
	if err != nil {
		return nil, err
	}
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := source.Add(filepath.Dir(target)); err != nil {
		_ = source.Close()
		return nil, err
	}

	watcher := &Watcher{
		store:    store,
		fs:       source,
		target:   target,
		debounce: debounce,
		onReload: onReload,
		logger:   store.logger,
		done:     make(chan struct{}),
	}
	watcher.wg.Add(1)
	go watcher.run()
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = watcher.Close()
			case <-watcher.done:
			}
		}()
	}
	return watcher, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("catalog watcher error", map[string]string{
				logging.FieldCategory: "catalog",
				"error":               err.Error(),
			})
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == w.target
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
		return
	}
	w.timer.Reset(w.debounce)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if err := w.store.Reload(); err != nil {
		return
	}
	if w.onReload != nil {
		w.onReload(w.store.Path())
	}
}

func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}
