package flowsync

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStateBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowsync.db")
	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("new sqlite state backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.(*SQLiteStateBackend).Close() })

	initial, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if initial != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", initial)
	}

	saved := &persistedState{
		Flows: map[string]Flow{
			"flow-1": {ID: "flow-1", Title: "Read", TrackingType: TrackingBinary},
		},
		Watermark: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || loaded.Flows["flow-1"].Title != "Read" {
		t.Fatalf("snapshot did not round-trip: %+v", loaded)
	}
	if !loaded.Watermark.Equal(saved.Watermark) {
		t.Fatalf("watermark did not round-trip: %s", loaded.Watermark)
	}
}

func TestSQLiteStateBackendOverwritesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowsync.db")
	backend, err := NewSQLiteStateBackend(path)
	if err != nil {
		t.Fatalf("new sqlite state backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.(*SQLiteStateBackend).Close() })

	if err := backend.Save(&persistedState{Watermark: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	second := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	if err := backend.Save(&persistedState{Watermark: second}); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !loaded.Watermark.Equal(second) {
		t.Fatalf("save must upsert the single snapshot row, got %s", loaded.Watermark)
	}
}

func TestSQLiteOperationQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowsync.db")
	queue, err := NewSQLiteOperationQueue(path)
	if err != nil {
		t.Fatalf("new sqlite queue: %v", err)
	}
	if err := queue.Enqueue(testOperation(t, "op-a", OpCreateFlow, "flow-1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteOperationQueue(path)
	if err != nil {
		t.Fatalf("reopen sqlite queue: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	ops := reopened.Snapshot()
	if len(ops) != 1 || ops[0].ID != "op-a" {
		t.Fatalf("queue must survive reopen, got %v", ops)
	}
}
