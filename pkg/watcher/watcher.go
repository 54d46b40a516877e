package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wouteroostervld/chaingraph/pkg/filter"
)

// Enqueuer queues a record file for ingestion
type Enqueuer interface {
	EnqueueJob(ctx context.Context, project, path, contentHash string) (bool, error)
}

// RecordWatcher watches directories of chunk record files and queues an
// ingest job for the owning project whenever a record file changes
type RecordWatcher struct {
	watcher  *fsnotify.Watcher
	queue    Enqueuer
	onChange func(project, path string)
	mu       sync.Mutex
	watched  map[string]string // dir -> project
	debounce time.Duration
	pending  map[string]*time.Timer
}

// Config holds watcher configuration
type Config struct {
	DebounceDelay time.Duration // Delay before enqueueing (default: 1s)
	Queue         Enqueuer

	// OnChange is called after a changed record file was queued
	OnChange func(project, path string)
}

// New creates a new record watcher
func New(cfg *Config) (*RecordWatcher, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.DebounceDelay == 0 {
		cfg.DebounceDelay = time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &RecordWatcher{
		watcher:  watcher,
		queue:    cfg.Queue,
		onChange: cfg.OnChange,
		watched:  make(map[string]string),
		debounce: cfg.DebounceDelay,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Watch adds a record directory for project to the watch list
func (w *RecordWatcher) Watch(project, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	if owner, ok := w.watched[abs]; ok {
		if owner != project {
			return fmt.Errorf("%s is already watched for project %s", abs, owner)
		}
		return nil // Already watching
	}

	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}

	w.watched[abs] = project
	return nil
}

// Unwatch removes a directory from the watch list
func (w *RecordWatcher) Unwatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	if _, ok := w.watched[abs]; !ok {
		return nil // Not watching
	}

	if err := w.watcher.Remove(abs); err != nil {
		return fmt.Errorf("failed to unwatch %s: %w", abs, err)
	}

	delete(w.watched, abs)
	return nil
}

// Scan queues every record file already present in the watched
// directories. Unchanged files are skipped by the queue.
func (w *RecordWatcher) Scan(ctx context.Context) (int, error) {
	queued := 0
	for dir, project := range w.snapshot() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return queued, fmt.Errorf("failed to scan %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !filter.IsRecordFile(e.Name()) {
				continue
			}
			ok, err := w.enqueue(ctx, project, filepath.Join(dir, e.Name()))
			if err != nil {
				return queued, err
			}
			if ok {
				queued++
			}
		}
	}
	return queued, nil
}

// Start begins watching for record file changes
func (w *RecordWatcher) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}

			// Only care about write and create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !filter.IsRecordFile(event.Name) {
				continue
			}

			w.handleEvent(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			// Log error but continue watching
			slog.Warn("Watcher error", "error", err)
		}
	}
}

// handleEvent debounces record file change events
func (w *RecordWatcher) handleEvent(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	project, ok := w.watched[filepath.Dir(path)]
	if !ok {
		return
	}

	// Cancel existing timer if any
	if timer, exists := w.pending[path]; exists {
		timer.Stop()
	}

	// Set new debounce timer
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		queued, err := w.enqueue(ctx, project, path)
		if err != nil {
			slog.Error("Failed to queue record file", "project", project, "path", path, "error", err)
			return
		}
		if queued && w.onChange != nil {
			w.onChange(project, path)
		}
	})
}

func (w *RecordWatcher) enqueue(ctx context.Context, project, path string) (bool, error) {
	hash, err := HashFile(path)
	if err != nil {
		return false, err
	}
	if w.queue == nil {
		return true, nil
	}
	queued, err := w.queue.EnqueueJob(ctx, project, path, hash)
	if err != nil {
		return false, err
	}
	if queued {
		slog.Debug("Queued record file", "project", project, "path", path)
	}
	return queued, nil
}

// HashFile returns the hex SHA256 of a record file, the job queue's change key
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open record file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash record file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (w *RecordWatcher) snapshot() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.watched))
	for k, v := range w.watched {
		out[k] = v
	}
	return out
}

// Close stops the watcher and releases resources
func (w *RecordWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Cancel all pending timers
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)

	return w.watcher.Close()
}

// Watched returns the watched directories and their projects
func (w *RecordWatcher) Watched() map[string]string {
	return w.snapshot()
}
