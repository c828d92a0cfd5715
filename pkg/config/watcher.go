package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes to a fixed set of files. Directories are watched
// rather than files so that editors replacing a file by rename are seen.
type Watcher struct {
	logger   zerolog.Logger
	debounce time.Duration
	files    map[string]struct{}
	dirs     map[string]struct{}
}

// NewWatcher creates a watcher for the given files.
func NewWatcher(logger zerolog.Logger, files ...string) (*Watcher, error) {
	w := &Watcher{
		logger:   logger.With().Str("component", "watcher").Logger(),
		debounce: DefaultDebounce,
		files:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
	}
	for _, f := range files {
		if f == "" {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", f, err)
		}
		w.files[abs] = struct{}{}
		w.dirs[filepath.Dir(abs)] = struct{}{}
	}
	return w, nil
}

// SetDebounce overrides the debounce delay.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run calls onChange once per burst of changes to the watched files until
// ctx is cancelled. Calls to onChange never overlap.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	for dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.logger.Debug().Str("dir", dir).Msg("Watching directory")
	}

	var (
		mu      sync.Mutex
		timer   *time.Timer
		running sync.Mutex
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("File changed")

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				running.Lock()
				defer running.Unlock()
				onChange(ctx)
			})
			mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	_, ok := w.files[filepath.Clean(event.Name)]
	return ok
}
