package flowsync

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildStateBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build state backend failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil memory state backend")
	}
	if err := backend.Save(&persistedState{Watermark: resolverBase}); err != nil {
		t.Fatalf("memory backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("memory backend load failed: %v", err)
	}
	if snapshot == nil || !snapshot.Watermark.Equal(resolverBase) {
		t.Fatalf("expected persisted watermark, got %+v", snapshot)
	}
}

func TestBuildStateBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := BuildStateBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file state backend failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil file state backend")
	}
	if err := backend.Save(&persistedState{Watermark: resolverBase}); err != nil {
		t.Fatalf("file backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("file backend load failed: %v", err)
	}
	if snapshot == nil || !snapshot.Watermark.Equal(resolverBase) {
		t.Fatalf("expected persisted watermark, got %+v", snapshot)
	}
}

func TestBuildStateBackendFromDSNBarePathIsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := BuildStateBackendFromDSN(path)
	if err != nil {
		t.Fatalf("build state backend failed: %v", err)
	}
	if _, ok := backend.(*JSONFileStateBackend); !ok {
		t.Fatalf("bare path must map to the JSON file backend, got %T", backend)
	}
}

func TestBuildStateBackendFromDSNNotImplemented(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("postgres://localhost/flowsync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres state backend to be available, got %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil postgres state backend")
	}
	if _, err := BuildStateBackendFromDSN("mysql://localhost/flowsync"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql state backend, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("ftp://localhost/flowsync"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestBuildOperationQueueFromDSN(t *testing.T) {
	queue, err := BuildOperationQueueFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil memory queue")
	}

	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err = BuildOperationQueueFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil file queue")
	}

	if _, err := BuildOperationQueueFromDSN("redis://localhost:6379"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for redis queue, got %v", err)
	}
}

func TestRegisterStateBackendFactory(t *testing.T) {
	scheme := "statetestcustom"
	RegisterStateBackendFactory(scheme, func(dsn string) (StateBackend, error) {
		return NewInMemoryStateBackend(), nil
	})
	backend, err := BuildStateBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build state backend via registered factory failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil backend from registered state backend factory")
	}
}

func TestRegisterOperationQueueFactory(t *testing.T) {
	scheme := "queuetestcustom"
	RegisterOperationQueueFactory(scheme, func(dsn string) (OperationQueue, error) {
		return NewMemoryOperationQueue(), nil
	})
	queue, err := BuildOperationQueueFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build queue via registered factory failed: %v", err)
	}
	if queue == nil {
		t.Fatalf("expected non-nil queue from registered operation queue factory")
	}
}
