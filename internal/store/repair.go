package store

import (
	"time"

	"github.com/watchmark/watchmark/internal/models"
)

// DefaultTitle substitutes a missing or invalid bookmark title.
const DefaultTitle = "Unknown Title"

// maxUnwrapDepth bounds the structural search inside corrupted backup
// payloads. A valid snapshot sits at depth zero; anything nested deeper
// than this is garbage, and an unbounded walk could recurse forever on
// adversarial input.
const maxUnwrapDepth = 8

// RepairBookmark coerces a loosely-typed stored record into a valid
// Bookmark. Missing or invalid fields get best-effort defaults; a value
// that is not even structurally an object yields nil. The returned bool
// reports whether any field needed repair.
func RepairBookmark(id string, raw interface{}, now time.Time) (*models.Bookmark, bool) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, false
	}
	obj = migrateLegacyFields(obj)

	repaired := false

	rec := &models.Bookmark{ID: id}

	if v, ok := asString(obj["id"]); ok && v != "" && v != id {
		// Collection key wins over a divergent embedded id.
		repaired = true
	}

	rec.URL, ok = asString(obj["url"])
	if !ok {
		rec.URL = ""
		repaired = true
	}

	if title, ok := asString(obj["title"]); ok && title != "" {
		rec.Title = title
	} else {
		rec.Title = DefaultTitle
		repaired = true
	}

	if author, ok := asString(obj["author"]); ok {
		rec.Author = author
	} else {
		repaired = true
	}

	last, ok := asNumber(obj["last_position"])
	if !ok || last < 0 {
		last = clampFloat(last, 0)
		repaired = true
	}
	rec.LastPosition = last

	max, ok := asNumber(obj["max_position"])
	if !ok || max < 0 {
		max = 0
		repaired = true
	}
	if max < rec.LastPosition {
		max = rec.LastPosition
		repaired = true
	}
	rec.MaxPosition = max

	created, okCreated := asTime(obj["created_at"])
	updated, okUpdated := asTime(obj["updated_at"])
	if !okCreated || created.After(now) {
		created = now
		repaired = true
	}
	if !okUpdated || updated.After(now) {
		updated = now
		repaired = true
	}
	if updated.Before(created) {
		updated = created
		repaired = true
	}
	rec.CreatedAt = created
	rec.UpdatedAt = updated

	return rec, repaired
}

// RepairBookmarks repairs a whole stored collection, dropping entries that
// are not structurally objects.
func RepairBookmarks(raw interface{}, now time.Time) (map[string]*models.Bookmark, bool) {
	repaired := false

	obj, ok := raw.(map[string]interface{})
	if !ok {
		return map[string]*models.Bookmark{}, raw != nil
	}

	out := make(map[string]*models.Bookmark, len(obj))
	for id, entry := range obj {
		if id == "" {
			repaired = true
			continue
		}
		rec, changed := RepairBookmark(id, entry, now)
		if rec == nil {
			repaired = true
			continue
		}
		if changed {
			repaired = true
		}
		out[id] = rec
	}

	return out, repaired
}

// RepairSettings coerces loosely-typed stored settings, replacing invalid
// fields with typed defaults and clamping retention into its range.
func RepairSettings(raw interface{}) (models.Settings, bool) {
	defaults := models.DefaultSettings()

	obj, ok := raw.(map[string]interface{})
	if !ok {
		return defaults, true
	}

	repaired := false
	out := defaults

	if v, ok := asBool(obj["auto_track"]); ok {
		out.AutoTrack = v
	} else {
		repaired = true
	}

	if v, ok := asNumber(obj["cleanup_retention_days"]); ok {
		days := int(v)
		if days < models.MinRetentionDays {
			days = models.MinRetentionDays
			repaired = true
		}
		if days > models.MaxRetentionDays {
			days = models.MaxRetentionDays
			repaired = true
		}
		out.CleanupRetentionDays = days
	} else {
		repaired = true
	}

	if sites, ok := asStringSlice(obj["supported_sites"]); ok {
		out.SupportedSites = sites
	} else {
		repaired = true
	}

	if v, ok := asNumber(obj["schema_version"]); ok && int(v) > 0 {
		out.SchemaVersion = int(v)
	} else {
		repaired = true
	}
	if out.SchemaVersion < models.CurrentSchemaVersion {
		out.SchemaVersion = models.CurrentSchemaVersion
		repaired = true
	}

	return out, repaired
}

// RepairSnapshot validates a backup payload before it can be reinstated.
// A backup may itself have been taken from corrupted state, or ended up
// nested inside an older snapshot; a bounded structural search tries to
// locate a valid {bookmarks, settings} shape. Nothing found means the
// backup is discarded rather than restored.
func RepairSnapshot(raw interface{}, now time.Time) (*models.BackupSnapshot, error) {
	shape, ok := unwrapSnapshot(raw, 0)
	if !ok {
		return nil, models.ErrBackupCorrupt
	}

	bookmarks, _ := RepairBookmarks(shape["bookmarks"], now)
	settings, _ := RepairSettings(shape["settings"])

	snap := &models.BackupSnapshot{
		Bookmarks:     bookmarks,
		Settings:      settings,
		FormatVersion: models.CurrentSchemaVersion,
		Timestamp:     now,
	}
	if ts, ok := asTime(shape["timestamp"]); ok && !ts.After(now) {
		snap.Timestamp = ts
	}

	return snap, nil
}

// unwrapSnapshot searches raw for an object carrying both a bookmarks
// collection and settings, descending at most maxUnwrapDepth levels.
func unwrapSnapshot(raw interface{}, depth int) (map[string]interface{}, bool) {
	if depth > maxUnwrapDepth {
		return nil, false
	}

	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, false
	}

	_, hasBookmarks := obj["bookmarks"].(map[string]interface{})
	_, hasSettings := obj["settings"].(map[string]interface{})
	if hasBookmarks && hasSettings {
		return obj, true
	}

	for _, v := range obj {
		if inner, ok := unwrapSnapshot(v, depth+1); ok {
			return inner, true
		}
	}

	return nil, false
}

// migrateLegacyFields renames schema v1 bookmark fields. Version 1 stored
// positions as "timestamp" and "max_timestamp"; version 2 renamed them.
func migrateLegacyFields(obj map[string]interface{}) map[string]interface{} {
	if _, ok := obj["last_position"]; !ok {
		if v, ok := obj["timestamp"]; ok {
			obj["last_position"] = v
		}
	}
	if _, ok := obj["max_position"]; !ok {
		if v, ok := obj["max_timestamp"]; ok {
			obj["max_position"] = v
		}
	}
	return obj
}

// Loose type coercion helpers. Data read back from a corrupted store can
// hold anything; these accept what json.Unmarshal produces for untyped
// documents.

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asBool(v interface{}) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asStringSlice(v interface{}) ([]string, bool) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, t)
		}
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case float64:
		// Schema v1 stored epoch milliseconds.
		if t <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(t)).UTC(), true
	default:
		return time.Time{}, false
	}
}

func clampFloat(v, min float64) float64 {
	if v < min {
		return min
	}
	return v
}
