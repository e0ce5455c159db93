package flowsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxRetries is the per-operation retry ceiling. An operation that
// fails this many times is dropped from the queue with a logged data-loss
// warning.
const DefaultMaxRetries = 3

// DrainResult summarizes one drain pass over the queue.
type DrainResult struct {
	Applied  int
	Retained int
	Rejected int
	Dropped  []SyncOperation
	// Aborted is set when the pass stopped early on an authentication
	// failure. Remaining operations are left untouched.
	Aborted bool
}

// OperationQueue is the ordered list of not-yet-acknowledged mutations
// awaiting upload. Every mutation persists the whole queue atomically; no
// partial write is visible to a concurrent reader.
type OperationQueue interface {
	Enqueue(op SyncOperation) error
	// Drain iterates a snapshot of the queue in FIFO order, invoking apply
	// for each entry. Success removes the entry; a transient failure
	// increments its retry count, dropping it once the ceiling is reached;
	// an ErrRejected failure removes it without retry. One operation's
	// failure never blocks the operations behind it, except that an
	// ErrLoginRequired failure aborts the pass outright.
	Drain(apply func(SyncOperation) error) (DrainResult, error)
	Snapshot() []SyncOperation
	Depth() int
	Close() error
}

type queuePersister interface {
	load() ([]SyncOperation, error)
	save(items []SyncOperation) error
	close() error
}

type operationQueue struct {
	mu         sync.Mutex
	items      []SyncOperation
	persister  queuePersister
	maxRetries int
	now        func() time.Time
}

func newOperationQueue(persister queuePersister, maxRetries int) (*operationQueue, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	q := &operationQueue{
		persister:  persister,
		maxRetries: maxRetries,
		now:        time.Now,
	}
	if persister != nil {
		items, err := persister.load()
		if err != nil {
			return nil, err
		}
		q.items = items
	}
	return q, nil
}

// NewMemoryOperationQueue returns a queue with no durable persistence,
// used in tests and by the memory DSN scheme.
func NewMemoryOperationQueue() OperationQueue {
	q, _ := newOperationQueue(nil, 0)
	return q
}

func (q *operationQueue) Enqueue(op SyncOperation) error {
	if strings.TrimSpace(op.ID) == "" {
		return ErrInvalidInput
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, op)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return err
	}
	return nil
}

func (q *operationQueue) Drain(apply func(SyncOperation) error) (DrainResult, error) {
	q.mu.Lock()
	pass := append([]SyncOperation(nil), q.items...)
	q.mu.Unlock()

	var result DrainResult
	for i, op := range pass {
		err := apply(op)
		if err == nil {
			result.Applied++
			if removeErr := q.remove(op.ID); removeErr != nil {
				return result, removeErr
			}
			continue
		}
		if errors.Is(err, ErrLoginRequired) || errors.Is(err, ErrCycleInterrupted) {
			// Not the operation's fault; leave it and everything behind it
			// untouched for the next cycle.
			result.Retained += len(pass) - i
			result.Aborted = true
			return result, err
		}
		if errors.Is(err, ErrRejected) {
			result.Rejected++
			if removeErr := q.remove(op.ID); removeErr != nil {
				return result, removeErr
			}
			continue
		}
		retries, failErr := q.fail(op.ID, err)
		if failErr != nil {
			return result, failErr
		}
		if retries >= q.maxRetries {
			op.RetryCount = retries
			op.LastError = err.Error()
			result.Dropped = append(result.Dropped, op)
			if removeErr := q.remove(op.ID); removeErr != nil {
				return result, removeErr
			}
			continue
		}
		result.Retained++
	}
	return result, nil
}

func (q *operationQueue) Snapshot() []SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SyncOperation(nil), q.items...)
}

func (q *operationQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *operationQueue) Close() error {
	if q.persister == nil {
		return nil
	}
	return q.persister.close()
}

func (q *operationQueue) remove(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == opID {
			restore := append([]SyncOperation(nil), q.items...)
			q.items = append(q.items[:i], q.items[i+1:]...)
			if err := q.saveLocked(); err != nil {
				q.items = restore
				return err
			}
			return nil
		}
	}
	return nil
}

func (q *operationQueue) fail(opID string, cause error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == opID {
			q.items[i].RetryCount++
			q.items[i].LastError = cause.Error()
			if err := q.saveLocked(); err != nil {
				q.items[i].RetryCount--
				return q.items[i].RetryCount, err
			}
			return q.items[i].RetryCount, nil
		}
	}
	return q.maxRetries, nil
}

func (q *operationQueue) saveLocked() error {
	if q.persister == nil {
		return nil
	}
	return q.persister.save(append([]SyncOperation(nil), q.items...))
}

type queueSnapshot struct {
	Items []SyncOperation `json:"items"`
}

type fileQueuePersister struct {
	path string
}

// NewFileOperationQueue returns a queue persisted as a single JSON document,
// rewritten atomically on every mutation. A malformed file fails safe to an
// empty queue rather than blocking startup.
func NewFileOperationQueue(path string) (OperationQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return newOperationQueue(&fileQueuePersister{path: path}, 0)
}

func (p *fileQueuePersister) load() ([]SyncOperation, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot queueSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, nil
	}
	return snapshot.Items, nil
}

func (p *fileQueuePersister) save(items []SyncOperation) error {
	data, err := json.Marshal(queueSnapshot{Items: items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

func (p *fileQueuePersister) close() error {
	return nil
}

// NewOperation builds a SyncOperation with a marshaled payload. The id must
// be assigned by the caller once per logical action.
func NewOperation(id string, opType OperationType, targetID, date string, payload any, enqueuedAt time.Time) (SyncOperation, error) {
	if strings.TrimSpace(id) == "" {
		return SyncOperation{}, fmt.Errorf("%w: operation id required", ErrInvalidInput)
	}
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return SyncOperation{}, err
		}
	}
	return SyncOperation{
		ID:         id,
		Type:       opType,
		TargetID:   targetID,
		Date:       date,
		Payload:    body,
		EnqueuedAt: enqueuedAt,
	}, nil
}
