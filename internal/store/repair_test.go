package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmark/watchmark/internal/models"
	"github.com/watchmark/watchmark/internal/store"
)

func TestRepairBookmark(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		raw      interface{}
		want     *models.Bookmark
		wantNil  bool
		repaired bool
	}{
		{
			name: "valid record untouched",
			raw: map[string]interface{}{
				"url":           "https://example.com",
				"title":         "Fine",
				"author":        "Someone",
				"last_position": 10.0,
				"max_position":  20.0,
				"created_at":    "2026-07-01T00:00:00Z",
				"updated_at":    "2026-07-02T00:00:00Z",
			},
			want: &models.Bookmark{
				ID:           "vid",
				URL:          "https://example.com",
				Title:        "Fine",
				Author:       "Someone",
				LastPosition: 10,
				MaxPosition:  20,
			},
			repaired: false,
		},
		{
			name:    "not an object",
			raw:     []interface{}{"nope"},
			wantNil: true,
		},
		{
			name: "missing title gets default",
			raw: map[string]interface{}{
				"url":           "https://example.com",
				"author":        "Someone",
				"last_position": 5.0,
				"max_position":  5.0,
				"created_at":    "2026-07-01T00:00:00Z",
				"updated_at":    "2026-07-01T00:00:00Z",
			},
			want:     &models.Bookmark{ID: "vid", Title: store.DefaultTitle, Author: "Someone", URL: "https://example.com", LastPosition: 5, MaxPosition: 5},
			repaired: true,
		},
		{
			name: "negative position clamps to zero",
			raw: map[string]interface{}{
				"title":         "Clamp",
				"author":        "",
				"url":           "",
				"last_position": -3.0,
				"max_position":  -1.0,
				"created_at":    "2026-07-01T00:00:00Z",
				"updated_at":    "2026-07-01T00:00:00Z",
			},
			want:     &models.Bookmark{ID: "vid", Title: "Clamp", LastPosition: 0, MaxPosition: 0},
			repaired: true,
		},
		{
			name: "max below last raises to last",
			raw: map[string]interface{}{
				"title":         "Order",
				"author":        "",
				"url":           "",
				"last_position": 50.0,
				"max_position":  20.0,
				"created_at":    "2026-07-01T00:00:00Z",
				"updated_at":    "2026-07-01T00:00:00Z",
			},
			want:     &models.Bookmark{ID: "vid", Title: "Order", LastPosition: 50, MaxPosition: 50},
			repaired: true,
		},
		{
			name: "wrong types coerce to defaults",
			raw: map[string]interface{}{
				"title":         42.0,
				"last_position": "not a number",
			},
			want:     &models.Bookmark{ID: "vid", Title: store.DefaultTitle},
			repaired: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, repaired := store.RepairBookmark("vid", tt.raw, now)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.repaired, repaired)
			assert.Equal(t, tt.want.Title, got.Title)
			assert.Equal(t, tt.want.Author, got.Author)
			assert.Equal(t, tt.want.URL, got.URL)
			assert.Equal(t, tt.want.LastPosition, got.LastPosition)
			assert.Equal(t, tt.want.MaxPosition, got.MaxPosition)
			assert.False(t, got.CreatedAt.After(now))
			assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
		})
	}
}

func TestRepairBookmarkConverges(t *testing.T) {
	// Repairing already-repaired output changes nothing further.
	now := time.Now().UTC()
	raw := map[string]interface{}{
		"title":         "",
		"last_position": -10.0,
		"max_position":  "garbage",
	}

	first, repaired := store.RepairBookmark("vid", raw, now)
	require.NotNil(t, first)
	assert.True(t, repaired)

	roundTripped := map[string]interface{}{
		"url":           first.URL,
		"title":         first.Title,
		"author":        first.Author,
		"last_position": first.LastPosition,
		"max_position":  first.MaxPosition,
		"created_at":    first.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    first.UpdatedAt.Format(time.RFC3339Nano),
	}
	second, repaired := store.RepairBookmark("vid", roundTripped, now)
	require.NotNil(t, second)
	assert.False(t, repaired)
	assert.Equal(t, first, second)
}

func TestRepairSnapshotUnwrapsNesting(t *testing.T) {
	now := time.Now().UTC()

	valid := map[string]interface{}{
		"bookmarks": map[string]interface{}{
			"vid": map[string]interface{}{"title": "Nested"},
		},
		"settings": map[string]interface{}{},
	}

	t.Run("top level", func(t *testing.T) {
		snap, err := store.RepairSnapshot(valid, now)
		require.NoError(t, err)
		require.Contains(t, snap.Bookmarks, "vid")
		assert.Equal(t, "Nested", snap.Bookmarks["vid"].Title)
	})

	t.Run("wrapped one level", func(t *testing.T) {
		snap, err := store.RepairSnapshot(map[string]interface{}{"data": valid}, now)
		require.NoError(t, err)
		assert.Contains(t, snap.Bookmarks, "vid")
	})

	t.Run("too deeply nested is corrupt", func(t *testing.T) {
		wrapped := interface{}(valid)
		for i := 0; i < 12; i++ {
			wrapped = map[string]interface{}{"layer": wrapped}
		}
		_, err := store.RepairSnapshot(wrapped, now)
		assert.ErrorIs(t, err, models.ErrBackupCorrupt)
	})

	t.Run("no snapshot shape anywhere", func(t *testing.T) {
		_, err := store.RepairSnapshot(map[string]interface{}{"foo": "bar"}, now)
		assert.ErrorIs(t, err, models.ErrBackupCorrupt)
	})
}

func TestRepairSettings(t *testing.T) {
	t.Run("clamps retention", func(t *testing.T) {
		settings, repaired := store.RepairSettings(map[string]interface{}{
			"auto_track":             true,
			"cleanup_retention_days": 9999.0,
			"supported_sites":        []interface{}{"youtube"},
			"schema_version":         float64(models.CurrentSchemaVersion),
		})
		assert.True(t, repaired)
		assert.Equal(t, models.MaxRetentionDays, settings.CleanupRetentionDays)
	})

	t.Run("garbage becomes defaults", func(t *testing.T) {
		settings, repaired := store.RepairSettings("not even an object")
		assert.True(t, repaired)
		assert.Equal(t, models.DefaultSettings(), settings)
	})
}
