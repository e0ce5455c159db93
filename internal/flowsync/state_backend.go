package flowsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// snapshotSchema guards the persisted snapshot on load. A snapshot that does
// not match fails safe to an empty state instead of crashing the sync cycle
// or feeding garbage into the merge pass.
const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "flows": {
      "type": ["object", "null"],
      "additionalProperties": {
        "type": "object",
        "required": ["id", "title", "trackingType"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "trackingType": {"enum": ["binary", "quantitative", "timebased"]},
          "status": {"type": ["object", "null"]}
        }
      }
    },
    "settings": {"type": ["object", "null"]},
    "watermark": {"type": "string"},
    "ledger": {"type": ["array", "null"]},
    "activity": {"type": ["array", "null"]},
    "dropped": {"type": ["array", "null"]},
    "meta": {"type": ["object", "null"]}
  }
}`

var (
	snapshotSchemaOnce     sync.Once
	compiledSnapshotSchema *jsonschema.Schema
	snapshotSchemaErr      error
)

func snapshotValidator() (*jsonschema.Schema, error) {
	snapshotSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(snapshotSchema)))
		if err != nil {
			snapshotSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("flowsync://snapshot.schema.json", doc); err != nil {
			snapshotSchemaErr = err
			return
		}
		compiledSnapshotSchema, snapshotSchemaErr = compiler.Compile("flowsync://snapshot.schema.json")
	})
	return compiledSnapshotSchema, snapshotSchemaErr
}

// decodeSnapshot validates and unmarshals raw snapshot bytes. Any failure is
// reported to the caller, which treats it as a fail-safe empty state.
func decodeSnapshot(data []byte) (*persistedState, error) {
	schema, err := snapshotValidator()
	if err != nil {
		return nil, err
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("snapshot is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("snapshot failed schema validation: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// JSONFileStateBackend persists the snapshot as one JSON document written
// atomically via rename.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: path}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
		return err
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// InMemoryStateBackend keeps the snapshot in memory, round-tripping through
// JSON so callers never share live pointers with the store.
type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var state persistedState
	if err := json.Unmarshal(b.snapshot, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = data
	return nil
}
