package flowsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateTableName = "flowsync_state"
	postgresQueueTableName = "flowsync_queue"
	postgresSnapshotKey    = "default"
	postgresOpTimeout      = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresSnapshotTable upserts one JSON snapshot per key; both the state
// backend and the queue persister ride on it.
type postgresSnapshotTable struct {
	dsn       string
	tableName string
	key       string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newPostgresSnapshotTable(dsn, tableName, key string) (*postgresSnapshotTable, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(key) == "" {
		key = postgresSnapshotKey
	}
	return &postgresSnapshotTable{
		dsn:       dsn,
		tableName: tableName,
		key:       key,
		openDB:    sql.Open,
	}, nil
}

func (t *postgresSnapshotTable) ensureReady() error {
	t.initOnce.Do(func() {
		db, err := t.openDB("postgres", t.dsn)
		if err != nil {
			t.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				snapshot_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(t.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			t.initErr = err
			return
		}
		t.db = db
	})
	return t.initErr
}

func (t *postgresSnapshotTable) load() ([]byte, error) {
	if err := t.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE snapshot_key = $1", postgresQuoteIdentifier(t.tableName))
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

func (t *postgresSnapshotTable) save(payload []byte) error {
	if err := t.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (snapshot_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (snapshot_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(t.tableName))
	_, err := t.db.ExecContext(ctx, query, t.key, string(payload))
	return err
}

func (t *postgresSnapshotTable) close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

// PostgresStateBackend persists the store snapshot in a Postgres row, for
// deployments that back the device store with a household server instead of
// the local filesystem.
type PostgresStateBackend struct {
	table *postgresSnapshotTable
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	table, err := newPostgresSnapshotTable(dsn, postgresStateTableName, postgresSnapshotKey)
	if err != nil {
		return nil, err
	}
	return &PostgresStateBackend{table: table}, nil
}

func (b *PostgresStateBackend) Load() (*persistedState, error) {
	payload, err := b.table.load()
	if err != nil || payload == nil {
		return nil, err
	}
	return decodeSnapshot(payload)
}

func (b *PostgresStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.table.save(payload)
}

func (b *PostgresStateBackend) Close() error {
	return b.table.close()
}

type postgresQueuePersister struct {
	table *postgresSnapshotTable
}

// NewPostgresOperationQueue persists the whole queue as one row, rewritten
// on every mutation just like the file-backed queue.
func NewPostgresOperationQueue(dsn string) (OperationQueue, error) {
	table, err := newPostgresSnapshotTable(dsn, postgresQueueTableName, postgresSnapshotKey)
	if err != nil {
		return nil, err
	}
	return newOperationQueue(&postgresQueuePersister{table: table}, 0)
}

func (p *postgresQueuePersister) load() ([]SyncOperation, error) {
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

func (p *postgresQueuePersister) save(items []SyncOperation) error {
	payload, err := json.Marshal(queueSnapshot{Items: items})
	if err != nil {
		return err
	}
	return p.table.save(payload)
}

func (p *postgresQueuePersister) close() error {
	return p.table.close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
