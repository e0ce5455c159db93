package flowsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Logger is the narrow logging surface injected into the sync core.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// opScopeSetStatus keys the idempotency ledger for status writes regardless
// of whether they end up queued as a create or an update.
const opScopeSetStatus OperationType = "set_status"

// CycleMetadata records the outcome counts of the most recent sync cycle.
type CycleMetadata struct {
	CyclesCompleted   int        `json:"cyclesCompleted"`
	CyclesFailed      int        `json:"cyclesFailed"`
	LastCycleAt       *time.Time `json:"lastCycleAt,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	Uploaded          int        `json:"uploaded"`
	Downloaded        int        `json:"downloaded"`
	ConflictsResolved int        `json:"conflictsResolved"`
}

type persistedState struct {
	Flows     map[string]Flow     `json:"flows"`
	Settings  Settings            `json:"settings"`
	Watermark time.Time           `json:"watermark"`
	Ledger    []IdempotencyRecord `json:"ledger,omitempty"`
	Activity  []ActivitySummary   `json:"activity,omitempty"`
	Dropped   []DroppedOperation  `json:"dropped,omitempty"`
	Meta      CycleMetadata       `json:"meta"`
}

// StateBackend durably holds the local record store, idempotency ledger,
// activity cache and sync watermark as one snapshot.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type StoreOptions struct {
	Backend     StateBackend
	Queue       OperationQueue
	UserID      string
	LedgerTTL   time.Duration
	ActivityTTL time.Duration
	MaxDropped  int
	Logger      Logger
}

// RemoteEntry is one per-date status record pulled from the backend during
// the download phase.
type RemoteEntry struct {
	FlowID    string      `json:"flowId"`
	Date      string      `json:"date"`
	Entry     StatusEntry `json:"entry"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// RemoteState is the download-phase payload handed to MergeRemote.
type RemoteState struct {
	Flows    []Flow
	Entries  []RemoteEntry
	Settings *Settings
	Activity []ActivitySummary
}

// MergeOutcome reports what a download-merge pass did.
type MergeOutcome struct {
	Adopted           int
	Merged            int
	ConflictsResolved int
	Requeued          int
	Conflicts         []Conflict
}

// Store is the authoritative on-device copy of flows, settings and sync
// bookkeeping. All state access serializes through a single worker goroutine
// consuming a command channel; UI-driven mutations and the sync engine never
// touch shared maps directly.
type Store struct {
	backend  StateBackend
	queue    OperationQueue
	userID   string
	logger   Logger
	validate *validator.Validate

	ledger   *Ledger
	activity *ActivityCache

	flows      map[string]Flow
	settings   Settings
	watermark  time.Time
	dropped    []DroppedOperation
	meta       CycleMetadata
	maxDropped int

	commands chan func()
	closed   chan struct{}
	now      func() time.Time
	newID    func() string
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: state backend required", ErrInvalidInput)
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewMemoryOperationQueue()
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	maxDropped := opts.MaxDropped
	if maxDropped <= 0 {
		maxDropped = 100
	}
	s := &Store{
		backend:    opts.Backend,
		queue:      queue,
		userID:     strings.TrimSpace(opts.UserID),
		logger:     logger,
		validate:   validator.New(),
		ledger:     NewLedger(opts.LedgerTTL),
		activity:   NewActivityCache(opts.ActivityTTL),
		flows:      map[string]Flow{},
		settings:   DefaultSettings(),
		maxDropped: maxDropped,
		commands:   make(chan func()),
		closed:     make(chan struct{}),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	if err := s.loadSnapshot(); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *Store) run() {
	for {
		select {
		case cmd := <-s.commands:
			cmd()
		case <-s.closed:
			return
		}
	}
}

// exec runs fn on the worker goroutine and waits for it to finish. After
// Close, commands run inline against the final state so late readers do not
// deadlock.
func (s *Store) exec(fn func()) {
	done := make(chan struct{})
	select {
	case s.commands <- func() { fn(); close(done) }:
		<-done
	case <-s.closed:
		fn()
	}
}

func (s *Store) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	var saveErr error
	s.exec(func() {
		saveErr = s.persistLocked()
		close(s.closed)
	})
	if err := s.queue.Close(); err != nil && saveErr == nil {
		saveErr = err
	}
	if closer, ok := s.backend.(stateBackendCloser); ok {
		if err := closer.Close(); err != nil && saveErr == nil {
			saveErr = err
		}
	}
	return saveErr
}

// CreateFlow applies a new flow optimistically and queues its upload. The
// clientOpID must be generated once per logical action and reused verbatim
// on retry so the idempotency ledger can suppress double submission.
func (s *Store) CreateFlow(clientOpID string, flow Flow) error {
	if err := s.validate.Struct(flow); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var outErr error
	s.exec(func() {
		key := IdempotencyKey(OpCreateFlow, s.userID, flow.ID, clientOpID)
		if s.ledger.IsDuplicate(key) {
			outErr = ErrDuplicateAction
			return
		}
		now := s.now()
		if flow.CreatedAt.IsZero() {
			flow.CreatedAt = now
		}
		flow.UpdatedAt = now
		if flow.OwnerID == "" {
			flow.OwnerID = s.userID
		}
		s.flows[flow.ID] = flow
		op, err := NewOperation(s.newID(), OpCreateFlow, flow.ID, "", flow, now)
		if err != nil {
			outErr = err
			return
		}
		if err := s.queue.Enqueue(op); err != nil {
			outErr = err
			return
		}
		s.ledger.Record(key, 0)
		s.activity.Invalidate(flow.ID)
		outErr = s.persistLocked()
	})
	return outErr
}

// UpdateFlow replaces the stored flow's descriptive fields and queues the
// patch. The status map is owned by the entry operations and is preserved.
func (s *Store) UpdateFlow(clientOpID string, flow Flow) error {
	if err := s.validate.Struct(flow); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var outErr error
	s.exec(func() {
		current, ok := s.flows[flow.ID]
		if !ok {
			outErr = ErrNotFound
			return
		}
		key := IdempotencyKey(OpUpdateFlow, s.userID, flow.ID, clientOpID)
		if s.ledger.IsDuplicate(key) {
			outErr = ErrDuplicateAction
			return
		}
		now := s.now()
		flow.CreatedAt = current.CreatedAt
		flow.Status = current.Status
		flow.UpdatedAt = now
		s.flows[flow.ID] = flow
		op, err := NewOperation(s.newID(), OpUpdateFlow, flow.ID, "", flow, now)
		if err != nil {
			outErr = err
			return
		}
		if err := s.queue.Enqueue(op); err != nil {
			outErr = err
			return
		}
		s.ledger.Record(key, 0)
		outErr = s.persistLocked()
	})
	return outErr
}

// DeleteFlow marks the flow with a tombstone so the removal can replicate;
// nothing is hard-deleted locally.
func (s *Store) DeleteFlow(clientOpID, flowID string) error {
	var outErr error
	s.exec(func() {
		flow, ok := s.flows[flowID]
		if !ok {
			outErr = ErrNotFound
			return
		}
		key := IdempotencyKey(OpDeleteFlow, s.userID, flowID, clientOpID)
		if s.ledger.IsDuplicate(key) {
			outErr = ErrDuplicateAction
			return
		}
		now := s.now()
		flow.DeletedAt = &now
		flow.UpdatedAt = now
		s.flows[flowID] = flow
		op, err := NewOperation(s.newID(), OpDeleteFlow, flowID, "", nil, now)
		if err != nil {
			outErr = err
			return
		}
		if err := s.queue.Enqueue(op); err != nil {
			outErr = err
			return
		}
		s.ledger.Record(key, 0)
		s.activity.Invalidate(flowID)
		outErr = s.persistLocked()
	})
	return outErr
}

// SetStatus records the outcome for one calendar date. The symbol is
// normalized before storage; raw upstream marks are accepted.
func (s *Store) SetStatus(clientOpID, flowID, date string, entry StatusEntry) error {
	if strings.TrimSpace(date) == "" {
		return fmt.Errorf("%w: date required", ErrInvalidInput)
	}
	var outErr error
	s.exec(func() {
		flow, ok := s.flows[flowID]
		if !ok {
			outErr = ErrNotFound
			return
		}
		// The queued op type depends on whether the date already holds an
		// entry, which flips once the first attempt lands; the fingerprint
		// must stay stable across retries, so it uses a fixed scope.
		key := IdempotencyKey(opScopeSetStatus, s.userID, flowID+"/"+date, clientOpID)
		if s.ledger.IsDuplicate(key) {
			outErr = ErrDuplicateAction
			return
		}
		opType := OpCreateEntry
		if _, exists := flow.Status[date]; exists {
			opType = OpUpdateEntry
		}
		now := s.now()
		entry.Symbol = NormalizeSymbol(string(entry.Symbol))
		if entry.Timestamp == nil {
			ts := now
			entry.Timestamp = &ts
		}
		if flow.Status == nil {
			flow.Status = map[string]StatusEntry{}
		} else {
			flow.Status = flow.cloneStatus()
		}
		flow.Status[date] = entry
		flow.UpdatedAt = now
		s.flows[flowID] = flow
		op, err := NewOperation(s.newID(), opType, flowID, date, entry, now)
		if err != nil {
			outErr = err
			return
		}
		if err := s.queue.Enqueue(op); err != nil {
			outErr = err
			return
		}
		s.ledger.Record(key, 0)
		s.activity.Invalidate(flowID)
		outErr = s.persistLocked()
	})
	return outErr
}

// ClearStatus removes the entry for one date and queues the deletion.
func (s *Store) ClearStatus(clientOpID, flowID, date string) error {
	var outErr error
	s.exec(func() {
		flow, ok := s.flows[flowID]
		if !ok {
			outErr = ErrNotFound
			return
		}
		if _, exists := flow.Status[date]; !exists {
			outErr = ErrNotFound
			return
		}
		key := IdempotencyKey(OpDeleteEntry, s.userID, flowID+"/"+date, clientOpID)
		if s.ledger.IsDuplicate(key) {
			outErr = ErrDuplicateAction
			return
		}
		now := s.now()
		flow.Status = flow.cloneStatus()
		delete(flow.Status, date)
		flow.UpdatedAt = now
		s.flows[flowID] = flow
		op, err := NewOperation(s.newID(), OpDeleteEntry, flowID, date, nil, now)
		if err != nil {
			outErr = err
			return
		}
		if err := s.queue.Enqueue(op); err != nil {
			outErr = err
			return
		}
		s.ledger.Record(key, 0)
		s.activity.Invalidate(flowID)
		outErr = s.persistLocked()
	})
	return outErr
}

// UpdateSettings replaces the settings document and queues its upload.
func (s *Store) UpdateSettings(clientOpID string, settings Settings) error {
	if err := s.validate.Struct(settings); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var outErr error
	s.exec(func() {
		key := IdempotencyKey(OpPutSettings, s.userID, "settings", clientOpID)
		if s.ledger.IsDuplicate(key) {
			outErr = ErrDuplicateAction
			return
		}
		now := s.now()
		settings.UpdatedAt = now
		s.settings = settings
		op, err := NewOperation(s.newID(), OpPutSettings, "settings", "", settings, now)
		if err != nil {
			outErr = err
			return
		}
		if err := s.queue.Enqueue(op); err != nil {
			outErr = err
			return
		}
		s.ledger.Record(key, 0)
		outErr = s.persistLocked()
	})
	return outErr
}

func (s *Store) GetFlow(flowID string) (Flow, error) {
	var (
		flow Flow
		err  error
	)
	s.exec(func() {
		stored, ok := s.flows[flowID]
		if !ok {
			err = ErrNotFound
			return
		}
		flow = stored
		flow.Status = stored.cloneStatus()
	})
	return flow, err
}

// ListFlows returns the live (non-tombstoned) flows sorted by id.
func (s *Store) ListFlows() []Flow {
	var flows []Flow
	s.exec(func() {
		for _, flow := range s.flows {
			if flow.Deleted() {
				continue
			}
			clone := flow
			clone.Status = flow.cloneStatus()
			flows = append(flows, clone)
		}
	})
	sortFlowsByID(flows)
	return flows
}

func (s *Store) Settings() Settings {
	var settings Settings
	s.exec(func() { settings = s.settings })
	return settings
}

func (s *Store) SyncEnabled() bool {
	return s.Settings().SyncEnabled
}

func (s *Store) Watermark() time.Time {
	var watermark time.Time
	s.exec(func() { watermark = s.watermark })
	return watermark
}

func (s *Store) Metadata() CycleMetadata {
	var meta CycleMetadata
	s.exec(func() { meta = s.meta })
	return meta
}

func (s *Store) PendingOperations() []SyncOperation {
	return s.queue.Snapshot()
}

func (s *Store) PendingUploads() int {
	return s.queue.Depth()
}

func (s *Store) DroppedOperations() []DroppedOperation {
	var dropped []DroppedOperation
	s.exec(func() { dropped = append(dropped, s.dropped...) })
	return dropped
}

// Activity returns the cached aggregate for a flow, recomputing on demand.
func (s *Store) Activity(flowID string) (ActivitySummary, error) {
	var (
		summary ActivitySummary
		err     error
	)
	s.exec(func() {
		flow, ok := s.flows[flowID]
		if !ok {
			err = ErrNotFound
			return
		}
		summary = s.activity.Summary(flow)
	})
	return summary, err
}

// DrainQueue runs one upload pass. Operations dropped at the retry ceiling
// are logged as data loss and retained in the inspectable dropped log.
func (s *Store) DrainQueue(apply func(SyncOperation) error) (DrainResult, error) {
	result, err := s.queue.Drain(apply)
	if len(result.Dropped) > 0 {
		s.exec(func() {
			now := s.now()
			for _, op := range result.Dropped {
				s.logger.Printf("WARNING: dropping operation %s (%s %s) after %d attempts: %s; local change is lost",
					op.ID, op.Type, op.TargetID, op.RetryCount, op.LastError)
				s.dropped = append(s.dropped, DroppedOperation{
					Operation: op,
					Reason:    op.LastError,
					DroppedAt: now,
				})
			}
			if len(s.dropped) > s.maxDropped {
				s.dropped = s.dropped[len(s.dropped)-s.maxDropped:]
			}
			if persistErr := s.persistLocked(); persistErr != nil && err == nil {
				err = persistErr
			}
		})
	}
	return result, err
}

// MergeRemote folds the download-phase payload into the local record store:
// entities on both sides run the conflict resolver, server-only entities are
// adopted, local-only entities stay put with their operations still queued.
// Resolutions that kept any local value are re-queued for upload so the
// outcome propagates back.
func (s *Store) MergeRemote(remote RemoteState) (MergeOutcome, error) {
	var (
		outcome MergeOutcome
		outErr  error
	)
	s.exec(func() {
		now := s.now()
		serverFlows := make(map[string]Flow, len(remote.Flows))
		for _, flow := range remote.Flows {
			flow.Status = flow.cloneStatus()
			serverFlows[flow.ID] = flow
		}
		for _, entry := range remote.Entries {
			flow, ok := serverFlows[entry.FlowID]
			if !ok {
				continue
			}
			if flow.Status == nil {
				flow.Status = map[string]StatusEntry{}
			}
			flow.Status[entry.Date] = entry.Entry
			if entry.UpdatedAt.After(flow.UpdatedAt) {
				flow.UpdatedAt = entry.UpdatedAt
			}
			serverFlows[entry.FlowID] = flow
		}

		for id, server := range serverFlows {
			local, exists := s.flows[id]
			if !exists {
				s.flows[id] = server
				s.activity.Invalidate(id)
				outcome.Adopted++
				continue
			}
			if conflict, ok := DetectConflict(local, server, s.watermark, now); ok {
				outcome.Conflicts = append(outcome.Conflicts, conflict)
			}
			resolution := ResolveFlow(local, server, s.watermark, now)
			if !flowEqual(local, resolution.Merged) {
				s.activity.Invalidate(id)
			}
			s.flows[id] = resolution.Merged
			outcome.Merged++
			if resolution.ConflictResolved {
				outcome.ConflictsResolved++
			}
			if resolution.RequeueUpload {
				op, err := NewOperation(s.newID(), OpUpdateFlow, id, "", resolution.Merged, now)
				if err != nil {
					outErr = err
					return
				}
				if err := s.queue.Enqueue(op); err != nil {
					outErr = err
					return
				}
				outcome.Requeued++
			}
		}

		if remote.Settings != nil {
			s.settings = ResolveSettings(s.settings, *remote.Settings)
		}
		for _, summary := range remote.Activity {
			s.activity.MergeRemote(summary)
		}
		outErr = s.persistLocked()
	})
	return outcome, outErr
}

// CompleteCycle records a fully successful cycle: the watermark advances
// monotonically and the metadata counters persist. Never called after an
// authentication abort or a partial cycle.
func (s *Store) CompleteCycle(cycleStart time.Time, uploaded, downloaded, conflictsResolved int) error {
	var outErr error
	s.exec(func() {
		if cycleStart.After(s.watermark) {
			s.watermark = cycleStart
		}
		now := s.now()
		s.meta.CyclesCompleted++
		s.meta.LastCycleAt = &now
		s.meta.LastError = ""
		s.meta.Uploaded = uploaded
		s.meta.Downloaded = downloaded
		s.meta.ConflictsResolved = conflictsResolved
		s.ledger.Sweep()
		outErr = s.persistLocked()
	})
	return outErr
}

// RecordCycleFailure persists the failure without touching the watermark.
func (s *Store) RecordCycleFailure(cause error) error {
	var outErr error
	s.exec(func() {
		now := s.now()
		s.meta.CyclesFailed++
		s.meta.LastCycleAt = &now
		if cause != nil {
			s.meta.LastError = cause.Error()
		}
		outErr = s.persistLocked()
	})
	return outErr
}

// IsDuplicateAction exposes the ledger check for callers that want to probe
// without mutating.
func (s *Store) IsDuplicateAction(opType OperationType, targetID, clientOpID string) bool {
	var duplicate bool
	s.exec(func() {
		duplicate = s.ledger.IsDuplicate(IdempotencyKey(opType, s.userID, targetID, clientOpID))
	})
	return duplicate
}

func (s *Store) loadSnapshot() error {
	state, err := s.backend.Load()
	if err != nil {
		// Malformed or unreadable persisted state fails safe to empty; the
		// device keeps operating and sync rebuilds from the backend.
		s.logger.Printf("WARNING: persisted state unreadable, starting empty: %v", err)
		return nil
	}
	if state == nil {
		return nil
	}
	if state.Flows != nil {
		s.flows = state.Flows
	}
	if !state.Settings.UpdatedAt.IsZero() || state.Settings.SyncEnabled {
		s.settings = state.Settings
	}
	s.watermark = state.Watermark
	s.dropped = state.Dropped
	s.meta = state.Meta
	s.ledger.restore(state.Ledger)
	s.activity.restore(state.Activity)
	return nil
}

func (s *Store) persistLocked() error {
	state := &persistedState{
		Flows:     s.flows,
		Settings:  s.settings,
		Watermark: s.watermark,
		Ledger:    s.ledger.snapshot(),
		Activity:  s.activity.snapshot(),
		Dropped:   s.dropped,
		Meta:      s.meta,
	}
	return s.backend.Save(state)
}

func sortFlowsByID(flows []Flow) {
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
}

func flowEqual(a, b Flow) bool {
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aJSON) == string(bJSON)
}
