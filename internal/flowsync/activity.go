package flowsync

import (
	"sync"
	"time"
)

// DefaultActivityTTL bounds how long a computed summary is served before
// being recomputed.
const DefaultActivityTTL = 5 * time.Minute

const statusDateLayout = "2006-01-02"

type activityEntry struct {
	summary    ActivitySummary
	computedAt time.Time
}

// ActivityCache holds derived, read-optimized aggregates per flow. Entries
// expire after a TTL, are invalidated whenever the source flow's status map
// changes, and are persisted for cold-start reuse. Server-provided fragments
// merge in with the same newer-LastUpdated-wins rule as entity resolution,
// at whole-entry granularity.
type ActivityCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]activityEntry
	now     func() time.Time
}

func NewActivityCache(ttl time.Duration) *ActivityCache {
	if ttl <= 0 {
		ttl = DefaultActivityTTL
	}
	return &ActivityCache{
		ttl:     ttl,
		entries: map[string]activityEntry{},
		now:     time.Now,
	}
}

// Summary returns the cached aggregate for the flow, recomputing it when the
// cached copy is missing or older than the TTL.
func (c *ActivityCache) Summary(flow Flow) ActivitySummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if entry, ok := c.entries[flow.ID]; ok && now.Sub(entry.computedAt) < c.ttl {
		return entry.summary
	}
	summary := ComputeActivity(flow, now)
	c.entries[flow.ID] = activityEntry{summary: summary, computedAt: now}
	return summary
}

// Invalidate drops the cached entry so the next read recomputes it. Called
// whenever the flow's status map changes.
func (c *ActivityCache) Invalidate(flowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, flowID)
}

// MergeRemote folds a server-provided fragment into the cache,
// newer-LastUpdated-wins against whatever is cached.
func (c *ActivityCache) MergeRemote(incoming ActivitySummary) ActivitySummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := incoming
	if entry, ok := c.entries[incoming.FlowID]; ok {
		merged = ResolveActivity(entry.summary, incoming)
	}
	c.entries[incoming.FlowID] = activityEntry{summary: merged, computedAt: c.now()}
	return merged
}

func (c *ActivityCache) snapshot() []ActivitySummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summaries := make([]ActivitySummary, 0, len(c.entries))
	for _, entry := range c.entries {
		summaries = append(summaries, entry.summary)
	}
	return summaries
}

func (c *ActivityCache) restore(summaries []ActivitySummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]activityEntry, len(summaries))
	// Cold-start entries are restored already stale so the first read after
	// startup recomputes against current data.
	staleAt := c.now().Add(-c.ttl)
	for _, summary := range summaries {
		if summary.FlowID == "" {
			continue
		}
		c.entries[summary.FlowID] = activityEntry{summary: summary, computedAt: staleAt}
	}
}

// ComputeActivity derives the aggregate statistics for a flow from its
// status map. The map may be sparse and may contain dates outside any active
// range; unparseable date keys are skipped.
func ComputeActivity(flow Flow, now time.Time) ActivitySummary {
	summary := ActivitySummary{
		FlowID:      flow.ID,
		ByWeekday:   map[string]int{},
		LastUpdated: now,
	}
	var completedDays []time.Time
	for _, date := range flow.StatusDates() {
		entry := flow.Status[date]
		day, err := time.Parse(statusDateLayout, date)
		if err != nil {
			continue
		}
		switch entry.Symbol {
		case SymbolCompleted:
			summary.CompletedCount++
			summary.ByWeekday[day.Weekday().String()]++
			completedDays = append(completedDays, day)
		case SymbolMissed:
			summary.MissedCount++
		case SymbolSkipped:
			summary.SkippedCount++
		case SymbolPartial:
			summary.PartialCount++
		}
	}
	summary.CurrentStreak, summary.BestStreak = streaks(completedDays)
	if len(summary.ByWeekday) == 0 {
		summary.ByWeekday = nil
	}
	return summary
}

// streaks expects days sorted ascending, as produced by StatusDates.
func streaks(days []time.Time) (current, best int) {
	run := 0
	for i, day := range days {
		if i > 0 && day.Sub(days[i-1]) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	current = run
	return current, best
}
