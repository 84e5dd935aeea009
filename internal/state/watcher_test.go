package state

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSnapshotFileWatcherReloadsAfterExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	backend := NewJSONFileStateBackend(path)
	store, err := New(Options{Backend: backend})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	// Seed the file so the directory and file exist before watching.
	if err := store.ReplaceSelectedTasks([]int64{}); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	watcher, err := NewSnapshotFileWatcher(store, path, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	// A sibling process saves through its own backend handle.
	sibling := NewJSONFileStateBackend(path)
	snap := defaultSnapshot()
	task := testTask(42)
	snap.Tasks[task.TaskID] = task
	snap.Notifications = []Notification{testNotification(1, false)}
	snap.UnreadCount = 1
	if err := sibling.Save(&persistedState{SchemaVersion: snapshotSchemaVersion, Snapshot: *snap}); err != nil {
		t.Fatalf("sibling save: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		current := store.Snapshot()
		if _, ok := current.Tasks[42]; ok {
			if current.UnreadCount != 1 {
				t.Fatalf("unread count %d after reload, want 1", current.UnreadCount)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("store never picked up the external write")
}

func TestSnapshotFileWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	backend := NewJSONFileStateBackend(path)
	store, err := New(Options{Backend: backend})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.ReplaceSelectedTasks([]int64{}); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	watcher, err := NewSnapshotFileWatcher(store, path, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	before := store.Snapshot()
	other := NewJSONFileStateBackend(filepath.Join(dir, "other.json"))
	if err := other.Save(&persistedState{SchemaVersion: snapshotSchemaVersion, Snapshot: *defaultSnapshot()}); err != nil {
		t.Fatalf("unrelated save: %v", err)
	}

	time.Sleep(2 * watcherDebounce)
	if store.Snapshot() != before {
		t.Fatalf("unrelated file write triggered a reload")
	}
}

func TestNewSnapshotFileWatcherRejectsMissingArguments(t *testing.T) {
	if _, err := NewSnapshotFileWatcher(nil, "state.json", nil); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput for nil store, got %v", err)
	}
}
