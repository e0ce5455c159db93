package flowsync

import (
	"sort"
	"time"
)

// Resolution is the outcome of merging a local and a server copy of the same
// flow.
type Resolution struct {
	Merged Flow
	// ConflictResolved is set when both sides changed since the watermark
	// and the deterministic merge policy had to pick winners.
	ConflictResolved bool
	// RequeueUpload is set when any local value survived the merge; the
	// chosen resolution must propagate back to the server so the two sides
	// do not oscillate.
	RequeueUpload bool
}

// InConflict reports whether both sides changed the entity since the last
// confirmed consistent point. If only one side changed, no conflict exists
// and the changed side wins trivially.
func InConflict(local, server Flow, watermark time.Time) bool {
	return local.UpdatedAt.After(watermark) && server.UpdatedAt.After(watermark)
}

// DetectConflict builds the conflict record for a divergent pair, listing
// the top-level fields whose values differ.
func DetectConflict(local, server Flow, watermark time.Time, now time.Time) (Conflict, bool) {
	if !InConflict(local, server, watermark) {
		return Conflict{}, false
	}
	fields := conflictingFields(local, server)
	if len(fields) == 0 {
		return Conflict{}, false
	}
	return Conflict{
		EntityType:        "flow",
		EntityID:          server.ID,
		LocalSnapshot:     local,
		ServerSnapshot:    server,
		ConflictingFields: fields,
		DetectedAt:        now,
	}, true
}

// ResolveFlow merges a local and a server copy of the same flow. The policy
// is deterministic last-writer-wins per field, not a CRDT: for non-conflict
// pairs the side changed since the watermark wins outright; for conflicts
// the server copy is the base and the status map is merged key-wise, with
// non-empty local date entries overriding server entries for the same date.
func ResolveFlow(local, server Flow, watermark time.Time, now time.Time) Resolution {
	localChanged := local.UpdatedAt.After(watermark)
	serverChanged := server.UpdatedAt.After(watermark)

	switch {
	case !localChanged && serverChanged:
		return Resolution{Merged: server}
	case localChanged && !serverChanged:
		return Resolution{Merged: local, RequeueUpload: false}
	case !localChanged && !serverChanged:
		// Neither side moved; the server copy carries any fields added
		// server-side.
		return Resolution{Merged: server}
	}

	merged := server
	merged.Status = MergeStatusMaps(local.Status, server.Status)
	merged.ConflictResolved = true
	resolvedAt := now
	merged.ResolvedAt = &resolvedAt
	if merged.UpdatedAt.Before(local.UpdatedAt) {
		merged.UpdatedAt = local.UpdatedAt
	}

	requeue := statusOverridesServer(local.Status, server.Status)
	return Resolution{Merged: merged, ConflictResolved: true, RequeueUpload: requeue}
}

// MergeStatusMaps produces the key-wise union of two status maps. A local
// entry wins its date key when present and non-empty; every server-only date
// is adopted. Inputs are not mutated.
func MergeStatusMaps(local, server map[string]StatusEntry) map[string]StatusEntry {
	if len(local) == 0 && len(server) == 0 {
		return nil
	}
	merged := make(map[string]StatusEntry, len(server)+len(local))
	for date, entry := range server {
		merged[date] = entry
	}
	for date, entry := range local {
		if entry.IsZero() {
			continue
		}
		merged[date] = entry
	}
	return merged
}

// ResolveSettings merges the settings document whole-record,
// newer-UpdatedAt-wins. Ties keep the server copy.
func ResolveSettings(local, server Settings) Settings {
	if local.UpdatedAt.After(server.UpdatedAt) {
		return local
	}
	return server
}

// ResolveActivity merges a cached and an incoming activity summary at
// whole-entry granularity with the same newer-LastUpdated-wins rule as flow
// resolution.
func ResolveActivity(local, incoming ActivitySummary) ActivitySummary {
	if local.LastUpdated.After(incoming.LastUpdated) {
		return local
	}
	return incoming
}

func statusOverridesServer(local, server map[string]StatusEntry) bool {
	for date, entry := range local {
		if entry.IsZero() {
			continue
		}
		serverEntry, ok := server[date]
		if !ok {
			return true
		}
		if !statusEntryEqual(entry, serverEntry) {
			return true
		}
	}
	return false
}

func conflictingFields(local, server Flow) []string {
	fields := make([]string, 0, 4)
	if local.Title != server.Title {
		fields = append(fields, "title")
	}
	if local.TrackingType != server.TrackingType {
		fields = append(fields, "trackingType")
	}
	if local.Frequency != server.Frequency {
		fields = append(fields, "frequency")
	}
	if !weekdaysEqual(local.DaysOfWeek, server.DaysOfWeek) {
		fields = append(fields, "daysOfWeek")
	}
	if local.ReminderTime != server.ReminderTime {
		fields = append(fields, "reminderTime")
	}
	if (local.DeletedAt == nil) != (server.DeletedAt == nil) {
		fields = append(fields, "deletedAt")
	}
	if !statusMapsEqual(local.Status, server.Status) {
		fields = append(fields, "status")
	}
	sort.Strings(fields)
	return fields
}

func statusMapsEqual(a, b map[string]StatusEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for date, entry := range a {
		other, ok := b[date]
		if !ok || !statusEntryEqual(entry, other) {
			return false
		}
	}
	return true
}

func statusEntryEqual(a, b StatusEntry) bool {
	if a.Symbol != b.Symbol || a.Emotion != b.Emotion || a.Note != b.Note {
		return false
	}
	if !timePtrEqual(a.Timestamp, b.Timestamp) {
		return false
	}
	if (a.Quantitative == nil) != (b.Quantitative == nil) {
		return false
	}
	if a.Quantitative != nil && *a.Quantitative != *b.Quantitative {
		return false
	}
	if (a.TimeBased == nil) != (b.TimeBased == nil) {
		return false
	}
	if a.TimeBased != nil && !timeBasedEqual(*a.TimeBased, *b.TimeBased) {
		return false
	}
	return true
}

func timeBasedEqual(a, b TimeBased) bool {
	if !timePtrEqual(a.StartTime, b.StartTime) || !timePtrEqual(a.EndTime, b.EndTime) {
		return false
	}
	if a.TotalDuration != b.TotalDuration || a.PausesCount != b.PausesCount {
		return false
	}
	if len(a.Pauses) != len(b.Pauses) {
		return false
	}
	for i := range a.Pauses {
		if !a.Pauses[i].Start.Equal(b.Pauses[i].Start) || !timePtrEqual(a.Pauses[i].End, b.Pauses[i].End) {
			return false
		}
	}
	return true
}

func timePtrEqual(a, b *time.Time) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || a.Equal(*b)
}

func weekdaysEqual(a, b []time.Weekday) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
