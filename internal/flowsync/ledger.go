package flowsync

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const DefaultLedgerTTL = 24 * time.Hour

// IdempotencyKey derives the fingerprint for one logical user action. The
// key is computed purely from semantically stable inputs: operation type,
// user, target and the client-assigned operation id generated once and
// reused across retries. No randomness and no per-attempt timestamp may
// enter the fingerprint, otherwise a retried action can never be recognized
// as a duplicate.
func IdempotencyKey(opType OperationType, userID, targetID, clientOpID string) string {
	h := sha256.New()
	for _, part := range []string{string(opType), userID, targetID, clientOpID} {
		h.Write([]byte(strings.TrimSpace(part)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ledger records operation fingerprints with a TTL so a retried client
// action is applied at most once. It is consulted at the point a mutation
// first enters the system, not per network retry: a double-tapped "complete"
// is suppressed before it ever becomes a SyncOperation.
//
// The ledger is not safe for concurrent use on its own; the owning Store
// serializes access through its worker.
type Ledger struct {
	ttl     time.Duration
	records map[string]time.Time
	now     func() time.Time
}

func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &Ledger{
		ttl:     ttl,
		records: map[string]time.Time{},
		now:     time.Now,
	}
}

// Record stores a fingerprint. A zero ttl falls back to the ledger default.
func (l *Ledger) Record(key string, ttl time.Duration) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if ttl <= 0 {
		ttl = l.ttl
	}
	l.records[key] = l.now().Add(ttl)
}

// IsDuplicate reports whether the fingerprint was recorded and has not yet
// expired. Expired records are evicted on the way out.
func (l *Ledger) IsDuplicate(key string) bool {
	expiresAt, ok := l.records[key]
	if !ok {
		return false
	}
	if !l.now().Before(expiresAt) {
		delete(l.records, key)
		return false
	}
	return true
}

// Sweep evicts every expired record and returns the number removed.
func (l *Ledger) Sweep() int {
	now := l.now()
	removed := 0
	for key, expiresAt := range l.records {
		if !now.Before(expiresAt) {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live records, counting not-yet-swept expired
// entries.
func (l *Ledger) Len() int {
	return len(l.records)
}

func (l *Ledger) snapshot() []IdempotencyRecord {
	records := make([]IdempotencyRecord, 0, len(l.records))
	for key, expiresAt := range l.records {
		records = append(records, IdempotencyRecord{Key: key, ExpiresAt: expiresAt})
	}
	return records
}

func (l *Ledger) restore(records []IdempotencyRecord) {
	l.records = make(map[string]time.Time, len(records))
	now := l.now()
	for _, record := range records {
		if strings.TrimSpace(record.Key) == "" || !now.Before(record.ExpiresAt) {
			continue
		}
		l.records[record.Key] = record.ExpiresAt
	}
}
