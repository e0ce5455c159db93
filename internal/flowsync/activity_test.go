package flowsync

import (
	"testing"
	"time"
)

func TestComputeActivityCountsAndStreaks(t *testing.T) {
	flow := Flow{
		ID:           "flow-1",
		Title:        "Read",
		TrackingType: TrackingBinary,
		Status: map[string]StatusEntry{
			"2024-03-01": {Symbol: SymbolCompleted},
			"2024-03-02": {Symbol: SymbolCompleted},
			"2024-03-03": {Symbol: SymbolCompleted},
			"2024-03-04": {Symbol: SymbolMissed},
			"2024-03-06": {Symbol: SymbolCompleted},
			"2024-03-07": {Symbol: SymbolCompleted},
			"2024-03-08": {Symbol: SymbolSkipped},
			"2024-03-09": {Symbol: SymbolPartial},
			"not-a-date": {Symbol: SymbolCompleted},
		},
	}
	now := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	summary := ComputeActivity(flow, now)
	if summary.CompletedCount != 5 {
		t.Fatalf("completed count = %d, want 5", summary.CompletedCount)
	}
	if summary.MissedCount != 1 || summary.SkippedCount != 1 || summary.PartialCount != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.BestStreak != 3 {
		t.Fatalf("best streak = %d, want 3", summary.BestStreak)
	}
	if summary.CurrentStreak != 2 {
		t.Fatalf("current streak = %d, want 2", summary.CurrentStreak)
	}
	if summary.ByWeekday["Friday"] != 1 {
		t.Fatalf("expected one completed Friday, got %d", summary.ByWeekday["Friday"])
	}
	if summary.ByWeekday["Saturday"] != 1 || summary.ByWeekday["Wednesday"] != 1 {
		t.Fatalf("unexpected weekday histogram: %v", summary.ByWeekday)
	}
}

func TestActivityCacheServesUntilStale(t *testing.T) {
	cache := NewActivityCache(5 * time.Minute)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	flow := Flow{
		ID:           "flow-1",
		Title:        "Read",
		TrackingType: TrackingBinary,
		Status:       map[string]StatusEntry{"2024-03-01": {Symbol: SymbolCompleted}},
	}
	first := cache.Summary(flow)
	if first.CompletedCount != 1 {
		t.Fatalf("completed count = %d, want 1", first.CompletedCount)
	}

	// Within the TTL the cached aggregate is served even though the source
	// changed underneath it.
	flow.Status["2024-03-02"] = StatusEntry{Symbol: SymbolCompleted}
	now = now.Add(time.Minute)
	if got := cache.Summary(flow); got.CompletedCount != 1 {
		t.Fatalf("expected stale-but-fresh cached value, got %d", got.CompletedCount)
	}

	now = now.Add(10 * time.Minute)
	if got := cache.Summary(flow); got.CompletedCount != 2 {
		t.Fatalf("expired entry must recompute, got %d", got.CompletedCount)
	}
}

func TestActivityCacheInvalidateForcesRecompute(t *testing.T) {
	cache := NewActivityCache(time.Hour)
	flow := Flow{
		ID:           "flow-1",
		Title:        "Read",
		TrackingType: TrackingBinary,
		Status:       map[string]StatusEntry{"2024-03-01": {Symbol: SymbolCompleted}},
	}
	if got := cache.Summary(flow); got.CompletedCount != 1 {
		t.Fatalf("completed count = %d, want 1", got.CompletedCount)
	}

	flow.Status["2024-03-02"] = StatusEntry{Symbol: SymbolCompleted}
	cache.Invalidate("flow-1")
	if got := cache.Summary(flow); got.CompletedCount != 2 {
		t.Fatalf("invalidated entry must recompute, got %d", got.CompletedCount)
	}
}

func TestActivityCacheMergeRemoteNewerWins(t *testing.T) {
	cache := NewActivityCache(time.Hour)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	flow := Flow{
		ID:           "flow-1",
		Title:        "Read",
		TrackingType: TrackingBinary,
		Status:       map[string]StatusEntry{"2024-03-01": {Symbol: SymbolCompleted}},
	}
	local := cache.Summary(flow)

	stale := ActivitySummary{FlowID: "flow-1", CompletedCount: 99, LastUpdated: local.LastUpdated.Add(-time.Hour)}
	if got := cache.MergeRemote(stale); got.CompletedCount != local.CompletedCount {
		t.Fatalf("older remote fragment must lose, got %d", got.CompletedCount)
	}

	fresh := ActivitySummary{FlowID: "flow-1", CompletedCount: 7, LastUpdated: local.LastUpdated.Add(time.Hour)}
	if got := cache.MergeRemote(fresh); got.CompletedCount != 7 {
		t.Fatalf("newer remote fragment must win, got %d", got.CompletedCount)
	}
}

func TestActivityCacheRestoreIsStale(t *testing.T) {
	cache := NewActivityCache(time.Hour)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	cache.restore([]ActivitySummary{{FlowID: "flow-1", CompletedCount: 42, LastUpdated: now.Add(-2 * time.Hour)}})

	flow := Flow{
		ID:           "flow-1",
		Title:        "Read",
		TrackingType: TrackingBinary,
		Status:       map[string]StatusEntry{"2024-03-01": {Symbol: SymbolCompleted}},
	}
	// Restored entries are stale on arrival; the first read recomputes.
	if got := cache.Summary(flow); got.CompletedCount != 1 {
		t.Fatalf("restored entry must recompute on first read, got %d", got.CompletedCount)
	}
}
