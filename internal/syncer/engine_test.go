package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flowtrack/flowsync/internal/flowsync"
)

type fakeIdentity struct {
	authenticated bool
}

func (f *fakeIdentity) IsAuthenticated() bool  { return f.authenticated }
func (f *fakeIdentity) Token() (string, error) { return "token", nil }

type fakeConnectivity struct {
	online bool
}

func (f *fakeConnectivity) Online() bool { return f.online }

// fakeAPI records uploads and serves canned download payloads.
type fakeAPI struct {
	mu sync.Mutex

	flows    []flowsync.Flow
	entries  []flowsync.RemoteEntry
	settings flowsync.Settings

	created   []flowsync.Flow
	updated   []string
	deleted   []string
	entryOps  []string
	idemKeys  []string
	listErr   error
	mutateErr error
	listCalls int
	sinceSeen []time.Time
}

func (f *fakeAPI) ListFlows(ctx context.Context) ([]flowsync.Flow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]flowsync.Flow(nil), f.flows...), nil
}

func (f *fakeAPI) ListEntries(ctx context.Context, since time.Time) ([]flowsync.RemoteEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceSeen = append(f.sinceSeen, since)
	return append([]flowsync.RemoteEntry(nil), f.entries...), nil
}

func (f *fakeAPI) CreateFlow(ctx context.Context, opID string, flow flowsync.Flow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.created = append(f.created, flow)
	f.idemKeys = append(f.idemKeys, opID)
	return nil
}

func (f *fakeAPI) UpdateFlow(ctx context.Context, opID, flowID string, patch json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.updated = append(f.updated, flowID)
	f.idemKeys = append(f.idemKeys, opID)
	return nil
}

func (f *fakeAPI) DeleteFlow(ctx context.Context, opID, flowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.deleted = append(f.deleted, flowID)
	return nil
}

func (f *fakeAPI) CreateEntry(ctx context.Context, opID, flowID, date string, entry json.RawMessage) error {
	return f.recordEntryOp("create", flowID, date)
}

func (f *fakeAPI) UpdateEntry(ctx context.Context, opID, flowID, date string, entry json.RawMessage) error {
	return f.recordEntryOp("update", flowID, date)
}

func (f *fakeAPI) DeleteEntry(ctx context.Context, opID, flowID, date string) error {
	return f.recordEntryOp("delete", flowID, date)
}

func (f *fakeAPI) recordEntryOp(kind, flowID, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.entryOps = append(f.entryOps, fmt.Sprintf("%s %s %s", kind, flowID, date))
	return nil
}

func (f *fakeAPI) GetSettings(ctx context.Context) (flowsync.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeAPI) PutSettings(ctx context.Context, opID string, settings flowsync.Settings) error {
	return nil
}

type engineFixture struct {
	store        *flowsync.Store
	api          *fakeAPI
	identity     *fakeIdentity
	connectivity *fakeConnectivity
	engine       *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store, err := flowsync.NewStore(flowsync.StoreOptions{
		Backend: flowsync.NewInMemoryStateBackend(),
		UserID:  "user-1",
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	api := &fakeAPI{settings: flowsync.DefaultSettings()}
	identity := &fakeIdentity{authenticated: true}
	connectivity := &fakeConnectivity{online: true}
	engine, err := NewEngine(EngineOptions{
		Store:        store,
		API:          api,
		Identity:     identity,
		Connectivity: connectivity,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return &engineFixture{store: store, api: api, identity: identity, connectivity: connectivity, engine: engine}
}

func testEngineFlow(id string) flowsync.Flow {
	return flowsync.Flow{ID: id, Title: "Stretch", TrackingType: flowsync.TrackingBinary}
}

func TestSyncOnceUploadsQueueAndAdvancesWatermark(t *testing.T) {
	fix := newEngineFixture(t)

	if err := fix.store.CreateFlow("op-1", testEngineFlow("flow-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := fix.store.SetStatus("op-2", "flow-1", "2024-03-01", flowsync.StatusEntry{Symbol: "+"}); err != nil {
		t.Fatalf("set status failed: %v", err)
	}

	before := fix.store.Watermark()
	if err := fix.engine.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if len(fix.api.created) != 1 || fix.api.created[0].ID != "flow-1" {
		t.Fatalf("expected the queued create uploaded, got %v", fix.api.created)
	}
	if len(fix.api.entryOps) != 1 {
		t.Fatalf("expected the queued entry uploaded, got %v", fix.api.entryOps)
	}
	if len(fix.api.idemKeys) == 0 || fix.api.idemKeys[0] == "" {
		t.Fatalf("uploads must carry the operation id for server-side dedup")
	}
	if fix.store.PendingUploads() != 0 {
		t.Fatalf("queue must drain, depth=%d", fix.store.PendingUploads())
	}
	if !fix.store.Watermark().After(before) {
		t.Fatalf("successful cycle must advance the watermark")
	}
	if fix.engine.State() != StateIdle {
		t.Fatalf("engine must return to idle, got %s", fix.engine.State())
	}
}

func TestSyncOnceNotEligibleWhenOfflineOrUnauthenticated(t *testing.T) {
	fix := newEngineFixture(t)

	fix.connectivity.online = false
	if err := fix.engine.SyncOnce(context.Background()); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("offline sync must be ineligible, got %v", err)
	}

	fix.connectivity.online = true
	fix.identity.authenticated = false
	if err := fix.engine.SyncOnce(context.Background()); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("unauthenticated sync must be ineligible, got %v", err)
	}
	if fix.api.listCalls != 0 {
		t.Fatalf("ineligible cycle must not touch the network")
	}
	meta := fix.store.Metadata()
	if meta.CyclesFailed != 0 {
		t.Fatalf("ineligibility is a no-op, not a failure: %+v", meta)
	}
}

func TestSyncOnceNotEligibleWhenSyncDisabled(t *testing.T) {
	fix := newEngineFixture(t)

	settings := flowsync.DefaultSettings()
	settings.SyncEnabled = false
	if err := fix.store.UpdateSettings("op-settings", settings); err != nil {
		t.Fatalf("update settings failed: %v", err)
	}

	if err := fix.engine.SyncOnce(context.Background()); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("disabled sync must be ineligible, got %v", err)
	}
}

func TestSyncOnceSingleFlight(t *testing.T) {
	fix := newEngineFixture(t)

	// Hold the first cycle open inside the upload phase.
	if err := fix.store.CreateFlow("op-1", testEngineFlow("flow-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	blocked := &blockingAPI{
		fakeAPI: fix.api,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine, err := NewEngine(EngineOptions{
		Store:        fix.store,
		API:          blocked,
		Identity:     fix.identity,
		Connectivity: fix.connectivity,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() { firstDone <- engine.SyncOnce(context.Background()) }()

	<-blocked.entered
	if err := engine.SyncOnce(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("concurrent trigger must be dropped, got %v", err)
	}
	close(blocked.release)

	if err := <-firstDone; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
}

type blockingAPI struct {
	*fakeAPI
	enterOnce sync.Once
	entered   chan struct{}
	release   chan struct{}
}

func (b *blockingAPI) CreateFlow(ctx context.Context, opID string, flow flowsync.Flow) error {
	b.enterOnce.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeAPI.CreateFlow(ctx, opID, flow)
}

func TestSyncOnceAuthFailureAbortsWithoutWatermark(t *testing.T) {
	fix := newEngineFixture(t)

	if err := fix.store.CreateFlow("op-1", testEngineFlow("flow-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fix.api.mutateErr = flowsync.ErrLoginRequired

	err := fix.engine.SyncOnce(context.Background())
	if !errors.Is(err, flowsync.ErrLoginRequired) {
		t.Fatalf("expected LOGIN_REQUIRED abort, got %v", err)
	}
	if !fix.store.Watermark().IsZero() {
		t.Fatalf("aborted cycle must not advance the watermark")
	}
	if fix.store.PendingUploads() != 1 {
		t.Fatalf("aborted upload must leave the queue untouched, depth=%d", fix.store.PendingUploads())
	}
	if fix.store.Metadata().CyclesFailed != 1 {
		t.Fatalf("abort must be recorded as a failed cycle")
	}
}

func TestSyncOnceUploadFailureDegradesGracefully(t *testing.T) {
	fix := newEngineFixture(t)

	if err := fix.store.CreateFlow("op-1", testEngineFlow("flow-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	fix.api.mutateErr = errors.New("server unavailable")
	fix.api.flows = []flowsync.Flow{func() flowsync.Flow {
		f := testEngineFlow("flow-9")
		f.UpdatedAt = time.Now()
		return f
	}()}

	if err := fix.engine.SyncOnce(context.Background()); err != nil {
		t.Fatalf("a transient upload failure must not fail the cycle: %v", err)
	}
	if fix.store.PendingUploads() != 1 {
		t.Fatalf("failed upload stays queued for the next cycle, depth=%d", fix.store.PendingUploads())
	}
	if _, err := fix.store.GetFlow("flow-9"); err != nil {
		t.Fatalf("download must still run after upload failures: %v", err)
	}
	if fix.store.Watermark().IsZero() {
		t.Fatalf("cycle completed, watermark must advance")
	}
}

func TestSyncOnceDownloadFailureFailsCycle(t *testing.T) {
	fix := newEngineFixture(t)
	fix.api.listErr = errors.New("gateway timeout")

	if err := fix.engine.SyncOnce(context.Background()); err == nil {
		t.Fatalf("download failure must fail the cycle")
	}
	if !fix.store.Watermark().IsZero() {
		t.Fatalf("failed cycle must not advance the watermark")
	}
	if fix.store.Metadata().CyclesFailed != 1 {
		t.Fatalf("failure must be recorded")
	}
}

func TestSyncOnceStripsActivityFragments(t *testing.T) {
	fix := newEngineFixture(t)

	flow := testEngineFlow("flow-1")
	flow.UpdatedAt = time.Now()
	flow.Activity = &flowsync.ActivitySummary{
		FlowID:         "flow-1",
		CompletedCount: 12,
		LastUpdated:    time.Now().Add(time.Hour),
	}
	fix.api.flows = []flowsync.Flow{flow}

	if err := fix.engine.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	stored, err := fix.store.GetFlow("flow-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Activity != nil {
		t.Fatalf("fragment must be stripped before the flow reaches the store")
	}
	summary, err := fix.store.Activity("flow-1")
	if err != nil {
		t.Fatalf("activity failed: %v", err)
	}
	if summary.CompletedCount != 12 {
		t.Fatalf("fragment must land in the activity cache, got %d", summary.CompletedCount)
	}
}

func TestSyncOnceListsEntriesSinceWatermark(t *testing.T) {
	fix := newEngineFixture(t)

	if err := fix.engine.SyncOnce(context.Background()); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	watermark := fix.store.Watermark()
	if err := fix.engine.SyncOnce(context.Background()); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	fix.api.mu.Lock()
	defer fix.api.mu.Unlock()
	if len(fix.api.sinceSeen) != 2 {
		t.Fatalf("expected two entry listings, got %d", len(fix.api.sinceSeen))
	}
	if !fix.api.sinceSeen[0].IsZero() {
		t.Fatalf("first download must request everything, got since=%s", fix.api.sinceSeen[0])
	}
	if !fix.api.sinceSeen[1].Equal(watermark) {
		t.Fatalf("second download must request changes since the watermark, got %s want %s",
			fix.api.sinceSeen[1], watermark)
	}
}

func TestEngineStatusReflectsStore(t *testing.T) {
	fix := newEngineFixture(t)

	if err := fix.store.CreateFlow("op-1", testEngineFlow("flow-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	status := fix.engine.Status()
	if !status.IsOnline {
		t.Fatalf("status must reflect connectivity")
	}
	if status.IsSyncing {
		t.Fatalf("no cycle is running")
	}
	if status.PendingUploads != 1 {
		t.Fatalf("pending uploads = %d, want 1", status.PendingUploads)
	}
	if status.LastSyncTime != nil {
		t.Fatalf("no cycle has completed yet")
	}

	if err := fix.engine.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	status = fix.engine.Status()
	if status.LastSyncTime == nil {
		t.Fatalf("completed cycle must surface a last sync time")
	}
}
