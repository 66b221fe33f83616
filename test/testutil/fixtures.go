// Package testutil provides shared fixtures for integration tests.
package testutil

import (
	"bytes"
	"fmt"
	"time"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
)

// NewTestLogger creates a silent debug logger.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// SampleBookmark builds a valid bookmark with deterministic content.
func SampleBookmark(n int) *models.Bookmark {
	id := fmt.Sprintf("vid-%03d", n)
	return &models.Bookmark{
		ID:           id,
		URL:          "https://www.youtube.com/watch?v=" + id,
		Title:        fmt.Sprintf("Sample Video %d", n),
		Author:       fmt.Sprintf("Channel %d", n%5),
		LastPosition: float64(n * 30),
		MaxPosition:  float64(n*30 + 60),
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

// Detection builds the observer event announcing a video in a tab.
func Detection(videoID, title string) *models.VideoDetectedData {
	return &models.VideoDetectedData{
		VideoID:     videoID,
		URL:         "https://www.youtube.com/watch?v=" + videoID,
		Title:       title,
		Author:      "Integration Channel",
		AutoTracked: true,
	}
}

// CorruptCollection is a stored payload exercising every repair path:
// broken records, wrong types, legacy field names and garbage entries.
func CorruptCollection() map[string]interface{} {
	return map[string]interface{}{
		"schema_version": 1,
		"bookmarks": map[string]interface{}{
			"vid-legacy": map[string]interface{}{
				"title":         "Legacy Record",
				"timestamp":     45.0,
				"max_timestamp": 300.0,
				"created_at":    float64(1600000000000),
				"updated_at":    float64(1600000100000),
			},
			"vid-broken": map[string]interface{}{
				"title":         "",
				"last_position": -20.0,
				"max_position":  "garbage",
			},
			"vid-garbage": []interface{}{"not", "an", "object"},
		},
		"settings": map[string]interface{}{
			"cleanup_retention_days": 99999,
		},
	}
}
