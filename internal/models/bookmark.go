package models

import (
	"time"
)

// CurrentSchemaVersion for stored data migrations.
const CurrentSchemaVersion = 2

// Bookmark is the durable record of watch progress for a single video.
type Bookmark struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	LastPosition float64   `json:"last_position"`
	MaxPosition  float64   `json:"max_position"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (b *Bookmark) Clone() *Bookmark {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

// Validate checks the record invariants.
func (b *Bookmark) Validate() error {
	if b.ID == "" {
		return &InvalidDataError{Field: "id", Reason: "must not be empty"}
	}
	if b.LastPosition < 0 {
		return &InvalidDataError{Field: "last_position", Reason: "must be >= 0"}
	}
	if b.MaxPosition < b.LastPosition {
		return &InvalidDataError{Field: "max_position", Reason: "must be >= last_position"}
	}
	if b.UpdatedAt.Before(b.CreatedAt) {
		return &InvalidDataError{Field: "updated_at", Reason: "must not precede created_at"}
	}
	return nil
}

// Settings is the durable singleton of tracking preferences.
type Settings struct {
	AutoTrack            bool     `json:"auto_track"`
	CleanupRetentionDays int      `json:"cleanup_retention_days"`
	SupportedSites       []string `json:"supported_sites"`
	SchemaVersion        int      `json:"schema_version"`
}

// Retention bounds for CleanupRetentionDays.
const (
	MinRetentionDays = 1
	MaxRetentionDays = 365
)

// DefaultSettings returns settings with typed defaults.
func DefaultSettings() Settings {
	return Settings{
		AutoTrack:            true,
		CleanupRetentionDays: 90,
		SupportedSites:       []string{"youtube"},
		SchemaVersion:        CurrentSchemaVersion,
	}
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	AutoTrack            *bool     `json:"auto_track,omitempty"`
	CleanupRetentionDays *int      `json:"cleanup_retention_days,omitempty"`
	SupportedSites       *[]string `json:"supported_sites,omitempty"`
}

// Apply merges a patch into the settings. Retention is clamped to its
// valid range rather than rejected.
func (s *Settings) Apply(p SettingsPatch) {
	if p.AutoTrack != nil {
		s.AutoTrack = *p.AutoTrack
	}
	if p.CleanupRetentionDays != nil {
		s.CleanupRetentionDays = clampRetention(*p.CleanupRetentionDays)
	}
	if p.SupportedSites != nil {
		s.SupportedSites = dedupeSites(*p.SupportedSites)
	}
}

func clampRetention(days int) int {
	if days < MinRetentionDays {
		return MinRetentionDays
	}
	if days > MaxRetentionDays {
		return MaxRetentionDays
	}
	return days
}

func dedupeSites(sites []string) []string {
	seen := make(map[string]struct{}, len(sites))
	out := make([]string, 0, len(sites))
	for _, s := range sites {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// BackupSnapshot is a full copy of the durable data set, stored under its
// own key so a snapshot can never nest inside the live collection.
type BackupSnapshot struct {
	Bookmarks     map[string]*Bookmark `json:"bookmarks"`
	Settings      Settings             `json:"settings"`
	Timestamp     time.Time            `json:"timestamp"`
	FormatVersion int                  `json:"format_version"`
}
