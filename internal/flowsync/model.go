package flowsync

import (
	"sort"
	"strings"
	"time"
)

type TrackingType string

const (
	TrackingBinary       TrackingType = "binary"
	TrackingQuantitative TrackingType = "quantitative"
	TrackingTimeBased    TrackingType = "timebased"
)

type Symbol string

const (
	SymbolCompleted Symbol = "completed"
	SymbolMissed    Symbol = "missed"
	SymbolSkipped   Symbol = "skipped"
	SymbolPartial   Symbol = "partial"
	SymbolUnset     Symbol = "unset"
)

// NormalizeSymbol maps the literal marks found in upstream payloads ("+",
// "-", "➖", …) onto the canonical symbol set. Unknown marks normalize to
// unset rather than failing the record.
func NormalizeSymbol(raw string) Symbol {
	switch strings.TrimSpace(raw) {
	case "+", "✓", "completed", "done":
		return SymbolCompleted
	case "-", "✗", "missed", "failed":
		return SymbolMissed
	case "➖", "skip", "skipped":
		return SymbolSkipped
	case "~", "partial", "half":
		return SymbolPartial
	case "", "unset", "none":
		return SymbolUnset
	default:
		return SymbolUnset
	}
}

type Quantitative struct {
	UnitText string  `json:"unitText,omitempty"`
	Goal     float64 `json:"goal"`
	Count    float64 `json:"count"`
}

type Pause struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

type TimeBased struct {
	StartTime     *time.Time `json:"startTime,omitempty"`
	Pauses        []Pause    `json:"pauses,omitempty"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	TotalDuration int64      `json:"totalDuration"`
	PausesCount   int        `json:"pausesCount"`
}

// OpenPause returns the currently open pause, if any. At most one pause may
// be open at a time.
func (t TimeBased) OpenPause() (Pause, bool) {
	for _, p := range t.Pauses {
		if p.End == nil {
			return p, true
		}
	}
	return Pause{}, false
}

// Duration derives the tracked duration. TotalDuration is authoritative only
// once EndTime is set; until then the value is recomputed from the start,
// pauses and the reference time.
func (t TimeBased) Duration(now time.Time) time.Duration {
	if t.EndTime != nil {
		return time.Duration(t.TotalDuration) * time.Second
	}
	if t.StartTime == nil {
		return 0
	}
	total := now.Sub(*t.StartTime)
	for _, p := range t.Pauses {
		end := now
		if p.End != nil {
			end = *p.End
		}
		if end.After(p.Start) {
			total -= end.Sub(p.Start)
		}
	}
	if total < 0 {
		total = 0
	}
	return total
}

type StatusEntry struct {
	Symbol       Symbol        `json:"symbol"`
	Emotion      string        `json:"emotion,omitempty"`
	Note         string        `json:"note,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Quantitative *Quantitative `json:"quantitative,omitempty"`
	TimeBased    *TimeBased    `json:"timebased,omitempty"`
}

// IsZero reports whether the entry carries no user action at all. Zero
// entries never win a status-map merge.
func (e StatusEntry) IsZero() bool {
	return e.Symbol == "" && e.Emotion == "" && e.Note == "" &&
		e.Timestamp == nil && e.Quantitative == nil && e.TimeBased == nil
}

type Flow struct {
	ID           string                 `json:"id" validate:"required"`
	OwnerID      string                 `json:"ownerId"`
	Title        string                 `json:"title" validate:"required"`
	TrackingType TrackingType           `json:"trackingType" validate:"required,oneof=binary quantitative timebased"`
	Frequency    int                    `json:"frequency,omitempty"`
	DaysOfWeek   []time.Weekday         `json:"daysOfWeek,omitempty"`
	ReminderTime string                 `json:"reminderTime,omitempty"`
	GroupID      string                 `json:"groupId,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
	DeletedAt    *time.Time             `json:"deletedAt,omitempty"`
	Status       map[string]StatusEntry `json:"status,omitempty"`

	ConflictResolved bool       `json:"conflictResolved,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`

	// Activity carries the server-computed aggregate fragment piggybacked
	// on list responses. It is never stored on the flow itself; the engine
	// strips it into the activity cache during the download phase.
	Activity *ActivitySummary `json:"activity,omitempty"`
}

// Deleted reports whether the flow carries a tombstone. Flows are never
// hard-deleted locally so removals can replicate.
func (f Flow) Deleted() bool {
	return f.DeletedAt != nil
}

// StatusDates returns the status map keys sorted by date string. The map
// itself carries no ordering guarantee; consumers re-derive order on
// iteration.
func (f Flow) StatusDates() []string {
	dates := make([]string, 0, len(f.Status))
	for date := range f.Status {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates
}

func (f Flow) cloneStatus() map[string]StatusEntry {
	if f.Status == nil {
		return nil
	}
	clone := make(map[string]StatusEntry, len(f.Status))
	for date, entry := range f.Status {
		clone[date] = entry
	}
	return clone
}

type OperationType string

const (
	OpCreateFlow  OperationType = "create_flow"
	OpUpdateFlow  OperationType = "update_flow"
	OpDeleteFlow  OperationType = "delete_flow"
	OpCreateEntry OperationType = "create_entry"
	OpUpdateEntry OperationType = "update_entry"
	OpDeleteEntry OperationType = "delete_entry"
	OpPutSettings OperationType = "put_settings"
)

// SyncOperation is a queued, not-yet-confirmed mutation awaiting upload. IDs
// are client-assigned once at enqueue time and reused across retries.
type SyncOperation struct {
	ID         string        `json:"id"`
	Type       OperationType `json:"type"`
	TargetID   string        `json:"targetId"`
	Date       string        `json:"date,omitempty"`
	Payload    []byte        `json:"payload,omitempty"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	RetryCount int           `json:"retryCount"`
	LastError  string        `json:"lastError,omitempty"`
}

// DroppedOperation records an operation removed from the queue after
// exhausting its retries. The drop is documented data loss, kept inspectable
// rather than silently absorbed.
type DroppedOperation struct {
	Operation SyncOperation `json:"operation"`
	Reason    string        `json:"reason"`
	DroppedAt time.Time     `json:"droppedAt"`
}

type Conflict struct {
	EntityType        string    `json:"entityType"`
	EntityID          string    `json:"entityId"`
	LocalSnapshot     Flow      `json:"localSnapshot"`
	ServerSnapshot    Flow      `json:"serverSnapshot"`
	ConflictingFields []string  `json:"conflictingFields"`
	DetectedAt        time.Time `json:"detectedAt"`
}

type IdempotencyRecord struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Settings is the user settings document replicated alongside flows and
// merged whole-record by UpdatedAt.
type Settings struct {
	SyncEnabled  bool         `json:"syncEnabled"`
	ReminderHour int          `json:"reminderHour" validate:"gte=0,lte=23"`
	WeekStart    time.Weekday `json:"weekStart"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

func DefaultSettings() Settings {
	return Settings{
		SyncEnabled:  true,
		ReminderHour: 9,
		WeekStart:    time.Monday,
	}
}

// SyncStatus is the read-only snapshot surfaced to UI and telemetry
// consumers.
type SyncStatus struct {
	IsOnline                   bool       `json:"isOnline"`
	IsSyncing                  bool       `json:"isSyncing"`
	PendingUploads             int        `json:"pendingUploads"`
	PendingDownloads           int        `json:"pendingDownloads"`
	ConflictsResolvedThisCycle int        `json:"conflictsResolvedThisCycle"`
	LastSyncTime               *time.Time `json:"lastSyncTime,omitempty"`
}

// ActivitySummary is the derived per-flow aggregate held by the activity
// cache. It is a performance optimization, not a durability concern.
type ActivitySummary struct {
	FlowID         string         `json:"flowId"`
	CompletedCount int            `json:"completedCount"`
	MissedCount    int            `json:"missedCount"`
	SkippedCount   int            `json:"skippedCount"`
	PartialCount   int            `json:"partialCount"`
	CurrentStreak  int            `json:"currentStreak"`
	BestStreak     int            `json:"bestStreak"`
	ByWeekday      map[string]int `json:"byWeekday,omitempty"`
	LastUpdated    time.Time      `json:"lastUpdated"`
}
