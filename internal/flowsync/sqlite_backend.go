package flowsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteStateTableName = "flowsync_state"
	sqliteQueueTableName = "flowsync_queue"
	sqliteSnapshotKey    = "default"
	sqliteOpTimeout      = 5 * time.Second
)

type sqliteSnapshotTable struct {
	path      string
	tableName string
	key       string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLiteSnapshotTable(path, tableName, key string) (*sqliteSnapshotTable, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(key) == "" {
		key = sqliteSnapshotKey
	}
	return &sqliteSnapshotTable{
		path:      path,
		tableName: tableName,
		key:       key,
		openDB:    sql.Open,
	}, nil
}

func (t *sqliteSnapshotTable) ensureReady() error {
	t.initOnce.Do(func() {
		if dir := filepath.Dir(t.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.initErr = err
				return
			}
		}
		db, err := t.openDB("sqlite", t.path)
		if err != nil {
			t.initErr = err
			return
		}
		// One writer at a time; the store's worker serializes access anyway.
		db.SetMaxOpenConns(1)
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q (
				snapshot_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT (datetime('now'))
			)`, t.tableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			t.initErr = err
			return
		}
		t.db = db
	})
	return t.initErr
}

func (t *sqliteSnapshotTable) load() ([]byte, error) {
	if err := t.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %q WHERE snapshot_key = ?", t.tableName)
	var payload string
	err := t.db.QueryRowContext(ctx, query, t.key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (t *sqliteSnapshotTable) save(payload []byte) error {
	if err := t.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %q (snapshot_key, snapshot, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT (snapshot_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = datetime('now')`, t.tableName)
	_, err := t.db.ExecContext(ctx, query, t.key, string(payload))
	return err
}

func (t *sqliteSnapshotTable) close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

// SQLiteStateBackend persists the store snapshot in a local SQLite file, the
// default on-device durable store.
type SQLiteStateBackend struct {
	table *sqliteSnapshotTable
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	table, err := newSQLiteSnapshotTable(path, sqliteStateTableName, sqliteSnapshotKey)
	if err != nil {
		return nil, err
	}
	return &SQLiteStateBackend{table: table}, nil
}

func (b *SQLiteStateBackend) Load() (*persistedState, error) {
	payload, err := b.table.load()
	if err != nil || payload == nil {
		return nil, err
	}
	return decodeSnapshot(payload)
}

func (b *SQLiteStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.table.save(payload)
}

func (b *SQLiteStateBackend) Close() error {
	return b.table.close()
}

type sqliteQueuePersister struct {
	table *sqliteSnapshotTable
}

func NewSQLiteOperationQueue(path string) (OperationQueue, error) {
	table, err := newSQLiteSnapshotTable(path, sqliteQueueTableName, sqliteSnapshotKey)
	if err != nil {
		return nil, err
	}
	return newOperationQueue(&sqliteQueuePersister{table: table}, 0)
}

func (p *sqliteQueuePersister) load() ([]SyncOperation, error) {
	payload, err := p.table.load()
	if err != nil || payload == nil {
		return nil, err
	}
	var snapshot queueSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, nil
	}
	return snapshot.Items, nil
}

func (p *sqliteQueuePersister) save(items []SyncOperation) error {
	payload, err := json.Marshal(queueSnapshot{Items: items})
	if err != nil {
		return err
	}
	return p.table.save(payload)
}

func (p *sqliteQueuePersister) close() error {
	return p.table.close()
}
