package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// memQueue dedupes by content hash like the job queue does
type memQueue struct {
	mu     sync.Mutex
	hashes map[string]string
	jobs   []string
}

func newMemQueue() *memQueue { return &memQueue{hashes: map[string]string{}} }

func (q *memQueue) EnqueueJob(ctx context.Context, project, path, hash string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := project + ":" + path
	if q.hashes[key] == hash {
		return false, nil
	}
	q.hashes[key] = hash
	q.jobs = append(q.jobs, key)
	return true, nil
}

func (q *memQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func TestNew(t *testing.T) {
	w, err := New(nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Close()

	if w.debounce != time.Second {
		t.Errorf("debounce = %v, want %v", w.debounce, time.Second)
	}
}

func TestWatch(t *testing.T) {
	tempDir := t.TempDir()

	w, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch("proj", tempDir); err != nil {
		t.Errorf("Watch failed: %v", err)
	}

	watched := w.Watched()
	if len(watched) != 1 {
		t.Errorf("expected 1 watched dir, got %d", len(watched))
	}

	// Watch same dir again - should be idempotent
	if err := w.Watch("proj", tempDir); err != nil {
		t.Errorf("second Watch failed: %v", err)
	}
	if len(w.Watched()) != 1 {
		t.Error("watching same dir twice should not duplicate")
	}

	// A directory belongs to one project
	if err := w.Watch("other", tempDir); err == nil {
		t.Error("expected error watching a dir for a second project")
	}
}

func TestUnwatch(t *testing.T) {
	tempDir := t.TempDir()

	w, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.Watch("proj", tempDir)

	if err := w.Unwatch(tempDir); err != nil {
		t.Errorf("Unwatch failed: %v", err)
	}
	if len(w.Watched()) != 0 {
		t.Error("expected 0 watched dirs after unwatch")
	}
}

func TestScan(t *testing.T) {
	tempDir := t.TempDir()
	os.WriteFile(filepath.Join(tempDir, "a.jsonl"), []byte(`{"node_id":"a"}`), 0600)
	os.WriteFile(filepath.Join(tempDir, "b.json"), []byte(`[]`), 0600)
	os.WriteFile(filepath.Join(tempDir, "notes.txt"), []byte("ignored"), 0600)

	queue := newMemQueue()
	w, err := New(&Config{Queue: queue})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Watch("proj", tempDir); err != nil {
		t.Fatal(err)
	}

	n, err := w.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if n != 2 {
		t.Errorf("queued %d files, want 2", n)
	}

	// Unchanged files are not queued again
	n, err = w.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("rescan queued %d files, want 0", n)
	}
}

func TestRecordChangeDetection(t *testing.T) {
	tempDir := t.TempDir()
	recordFile := filepath.Join(tempDir, "chunks.jsonl")

	type change struct{ project, path string }
	changes := make(chan change, 10)
	queue := newMemQueue()
	cfg := &Config{
		DebounceDelay: 50 * time.Millisecond,
		Queue:         queue,
		OnChange: func(project, path string) {
			changes <- change{project, path}
		},
	}

	w, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch("proj", tempDir); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Start watcher in background
	go w.Start(ctx)

	// Non-record files are ignored
	if err := os.WriteFile(filepath.Join(tempDir, "readme.md"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(recordFile, []byte(`{"node_id":"a"}`), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		if c.path != recordFile {
			t.Errorf("got change for %s, want %s", c.path, recordFile)
		}
		if c.project != "proj" {
			t.Errorf("got project %s, want proj", c.project)
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("timeout waiting for record change event")
	}

	if queue.count() != 1 {
		t.Errorf("expected 1 queued job, got %d", queue.count())
	}
}

func TestDebounce(t *testing.T) {
	tempDir := t.TempDir()
	recordFile := filepath.Join(tempDir, "chunks.jsonl")

	changes := make(chan string, 10)
	cfg := &Config{
		DebounceDelay: 100 * time.Millisecond,
		Queue:         newMemQueue(),
		OnChange: func(project, path string) {
			changes <- path
		},
	}

	w, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	w.Watch("proj", tempDir)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go w.Start(ctx)

	// Write multiple times rapidly
	for i := 0; i < 5; i++ {
		os.WriteFile(recordFile, []byte(string(rune('a'+i))), 0600)
		time.Sleep(20 * time.Millisecond)
	}

	// Should only get ONE debounced event
	eventCount := 0
	timeout := time.After(300 * time.Millisecond)

loop:
	for {
		select {
		case <-changes:
			eventCount++
		case <-timeout:
			break loop
		}
	}

	if eventCount != 1 {
		t.Errorf("expected 1 debounced event, got %d", eventCount)
	}
}
