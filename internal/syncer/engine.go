// Package syncer orchestrates sync cycles against the remote backend: the
// engine runs one upload-download-resolve pass, the scheduler decides when.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowtrack/flowsync/internal/flowsync"
)

// State is the engine's position in the cycle state machine.
type State string

const (
	StateIdle        State = "idle"
	StateUploading   State = "uploading"
	StateDownloading State = "downloading"
	StateResolving   State = "resolving"
	StateFailed      State = "failed"
)

var (
	// ErrSyncInProgress is returned to a trigger that arrives while a cycle
	// is running. The trigger is dropped, never queued.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNotEligible is the pre-flight canSync refusal: unauthenticated,
	// offline, or sync disabled. The trigger is a no-op, not a failure.
	ErrNotEligible = errors.New("sync not eligible")
)

// RemoteAPI is the backend surface the engine consumes. Mutating calls carry
// the operation id so the server can deduplicate retried uploads.
type RemoteAPI interface {
	ListFlows(ctx context.Context) ([]flowsync.Flow, error)
	ListEntries(ctx context.Context, since time.Time) ([]flowsync.RemoteEntry, error)
	CreateFlow(ctx context.Context, opID string, flow flowsync.Flow) error
	UpdateFlow(ctx context.Context, opID, flowID string, patch json.RawMessage) error
	DeleteFlow(ctx context.Context, opID, flowID string) error
	CreateEntry(ctx context.Context, opID, flowID, date string, entry json.RawMessage) error
	UpdateEntry(ctx context.Context, opID, flowID, date string, entry json.RawMessage) error
	DeleteEntry(ctx context.Context, opID, flowID, date string) error
	GetSettings(ctx context.Context) (flowsync.Settings, error)
	PutSettings(ctx context.Context, opID string, settings flowsync.Settings) error
}

// IdentityProvider supplies authentication state.
type IdentityProvider interface {
	IsAuthenticated() bool
	Token() (string, error)
}

// ConnectivityMonitor reports whether the device currently has a usable
// connection to the backend.
type ConnectivityMonitor interface {
	Online() bool
}

type EngineOptions struct {
	Store        *flowsync.Store
	API          RemoteAPI
	Identity     IdentityProvider
	Connectivity ConnectivityMonitor
	Logger       flowsync.Logger
	// CallTimeout bounds every network call so a hung request cannot hold
	// the single-flight guard indefinitely.
	CallTimeout time.Duration
}

// Engine runs one sync cycle at a time:
// Idle → Uploading → Downloading → Resolving → Idle, or Idle → Failed → Idle
// on unrecoverable error. Entry requires the canSync guard to hold.
type Engine struct {
	store        *flowsync.Store
	api          RemoteAPI
	identity     IdentityProvider
	connectivity ConnectivityMonitor
	logger       flowsync.Logger
	callTimeout  time.Duration
	now          func() time.Time

	running atomic.Bool

	mu               sync.Mutex
	state            State
	lastConflicts    int
	pendingDownloads int
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil || opts.API == nil || opts.Identity == nil || opts.Connectivity == nil {
		return nil, fmt.Errorf("%w: store, api, identity and connectivity are required", flowsync.ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Engine{
		store:        opts.Store,
		api:          opts.API,
		identity:     opts.Identity,
		connectivity: opts.Connectivity,
		logger:       logger,
		callTimeout:  callTimeout,
		now:          time.Now,
		state:        StateIdle,
	}, nil
}

// CanSync reports whether a cycle may start right now: authenticated,
// online, sync enabled, and no cycle already running.
func (e *Engine) CanSync() bool {
	return e.identity.IsAuthenticated() &&
		e.connectivity.Online() &&
		e.store.SyncEnabled() &&
		!e.running.Load()
}

// State returns the engine's current position in the state machine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status builds the read-only snapshot surfaced to UI and telemetry.
func (e *Engine) Status() flowsync.SyncStatus {
	e.mu.Lock()
	conflicts := e.lastConflicts
	pendingDownloads := e.pendingDownloads
	e.mu.Unlock()

	status := flowsync.SyncStatus{
		IsOnline:                   e.connectivity.Online(),
		IsSyncing:                  e.running.Load(),
		PendingUploads:             e.store.PendingUploads(),
		PendingDownloads:           pendingDownloads,
		ConflictsResolvedThisCycle: conflicts,
	}
	if watermark := e.store.Watermark(); !watermark.IsZero() {
		last := watermark
		status.LastSyncTime = &last
	}
	return status
}

// SyncOnce runs one full cycle. A cycle already in flight returns
// ErrSyncInProgress; a failed canSync guard returns ErrNotEligible. An
// authentication failure at any point aborts immediately without advancing
// the watermark. Upload failures degrade gracefully: failed operations stay
// queued and the cycle still proceeds to the download phase.
func (e *Engine) SyncOnce(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer e.running.Store(false)
	defer e.setState(StateIdle)

	if !e.identity.IsAuthenticated() {
		return fmt.Errorf("%w: not authenticated", ErrNotEligible)
	}
	if !e.connectivity.Online() {
		return fmt.Errorf("%w: offline", ErrNotEligible)
	}
	if !e.store.SyncEnabled() {
		return fmt.Errorf("%w: sync disabled", ErrNotEligible)
	}

	cycleStart := e.now()

	e.setState(StateUploading)
	uploadResult, uploadErr := e.uploadQueue(ctx)
	if uploadErr != nil {
		return e.failCycle(uploadErr)
	}

	e.setState(StateDownloading)
	remoteState, downloaded, downloadErr := e.download(ctx)
	if downloadErr != nil {
		return e.failCycle(downloadErr)
	}

	e.setState(StateResolving)
	outcome, mergeErr := e.store.MergeRemote(remoteState)
	if mergeErr != nil {
		return e.failCycle(mergeErr)
	}

	if err := e.store.CompleteCycle(cycleStart, uploadResult.Applied, downloaded, outcome.ConflictsResolved); err != nil {
		return e.failCycle(err)
	}

	e.mu.Lock()
	e.lastConflicts = outcome.ConflictsResolved
	e.pendingDownloads = 0
	e.mu.Unlock()

	e.logger.Printf("sync cycle complete: uploaded=%d retained=%d dropped=%d downloaded=%d adopted=%d conflicts=%d requeued=%d",
		uploadResult.Applied, uploadResult.Retained, len(uploadResult.Dropped),
		downloaded, outcome.Adopted, outcome.ConflictsResolved, outcome.Requeued)
	return nil
}

func (e *Engine) uploadQueue(ctx context.Context) (flowsync.DrainResult, error) {
	result, err := e.store.DrainQueue(func(op flowsync.SyncOperation) error {
		// Shutdown stops new calls; the in-flight one finishes on its own
		// detached timeout below.
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", flowsync.ErrCycleInterrupted, ctx.Err())
		}
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.callTimeout)
		defer cancel()
		return e.applyOperation(callCtx, op)
	})
	if err != nil {
		if errors.Is(err, flowsync.ErrCycleInterrupted) {
			return result, err
		}
		if errors.Is(err, flowsync.ErrLoginRequired) {
			return result, fmt.Errorf("upload aborted: %w", flowsync.ErrLoginRequired)
		}
		return result, err
	}
	for _, dropped := range result.Dropped {
		e.logger.Printf("upload dropped %s %s after retry ceiling", dropped.Type, dropped.TargetID)
	}
	return result, nil
}

func (e *Engine) applyOperation(ctx context.Context, op flowsync.SyncOperation) error {
	switch op.Type {
	case flowsync.OpCreateFlow:
		var flow flowsync.Flow
		if err := json.Unmarshal(op.Payload, &flow); err != nil {
			return fmt.Errorf("%w: unreadable payload: %v", flowsync.ErrRejected, err)
		}
		return e.api.CreateFlow(ctx, op.ID, flow)
	case flowsync.OpUpdateFlow:
		return e.api.UpdateFlow(ctx, op.ID, op.TargetID, json.RawMessage(op.Payload))
	case flowsync.OpDeleteFlow:
		return e.api.DeleteFlow(ctx, op.ID, op.TargetID)
	case flowsync.OpCreateEntry:
		return e.api.CreateEntry(ctx, op.ID, op.TargetID, op.Date, json.RawMessage(op.Payload))
	case flowsync.OpUpdateEntry:
		return e.api.UpdateEntry(ctx, op.ID, op.TargetID, op.Date, json.RawMessage(op.Payload))
	case flowsync.OpDeleteEntry:
		return e.api.DeleteEntry(ctx, op.ID, op.TargetID, op.Date)
	case flowsync.OpPutSettings:
		var settings flowsync.Settings
		if err := json.Unmarshal(op.Payload, &settings); err != nil {
			return fmt.Errorf("%w: unreadable payload: %v", flowsync.ErrRejected, err)
		}
		return e.api.PutSettings(ctx, op.ID, settings)
	default:
		return fmt.Errorf("%w: unknown operation type %q", flowsync.ErrRejected, op.Type)
	}
}

func (e *Engine) download(ctx context.Context) (flowsync.RemoteState, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	flows, err := e.api.ListFlows(callCtx)
	if err != nil {
		return flowsync.RemoteState{}, 0, fmt.Errorf("list flows: %w", err)
	}

	entries, err := e.api.ListEntries(callCtx, e.store.Watermark())
	if err != nil {
		return flowsync.RemoteState{}, 0, fmt.Errorf("list entries: %w", err)
	}

	settings, err := e.api.GetSettings(callCtx)
	if err != nil {
		return flowsync.RemoteState{}, 0, fmt.Errorf("get settings: %w", err)
	}

	// Server-computed activity fragments ride on the flow payloads; strip
	// them off before the flows reach the record store.
	var activity []flowsync.ActivitySummary
	for i := range flows {
		if flows[i].Activity != nil {
			activity = append(activity, *flows[i].Activity)
			flows[i].Activity = nil
		}
	}

	downloaded := len(flows) + len(entries)
	e.mu.Lock()
	e.pendingDownloads = downloaded
	e.mu.Unlock()

	return flowsync.RemoteState{
		Flows:    flows,
		Entries:  entries,
		Settings: &settings,
		Activity: activity,
	}, downloaded, nil
}

func (e *Engine) failCycle(cause error) error {
	e.setState(StateFailed)
	if recordErr := e.store.RecordCycleFailure(cause); recordErr != nil {
		e.logger.Printf("failed to record cycle failure: %v", recordErr)
	}
	if errors.Is(cause, flowsync.ErrLoginRequired) {
		e.logger.Printf("sync cycle aborted: LOGIN_REQUIRED")
		return fmt.Errorf("%w", flowsync.ErrLoginRequired)
	}
	e.logger.Printf("sync cycle failed: %v", cause)
	return cause
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
