// Package store provides versioned, validated, backup-capable persistence
// for bookmarks and settings with pluggable backends.
package store

import (
	"context"
	"fmt"

	"github.com/watchmark/watchmark/internal/config"
	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
)

// Store manages durable bookmark and settings persistence. All writes are
// idempotent overwrites so at-least-once execution under retry is safe.
type Store interface {
	// Initialize ensures the collection and settings exist, migrates old
	// schema versions, and repairs invalid records. Corruption is never
	// fatal: the store falls back to its backup, then to empty-but-valid.
	Initialize(ctx context.Context) error

	// SaveBookmark upserts by ID and stamps UpdatedAt. CreatedAt is
	// preserved from an existing record.
	SaveBookmark(ctx context.Context, rec *models.Bookmark) error

	// GetBookmark returns ErrNotFound when absent.
	GetBookmark(ctx context.Context, id string) (*models.Bookmark, error)

	// AllBookmarks returns the full collection.
	AllBookmarks(ctx context.Context) ([]*models.Bookmark, error)

	// DeleteBookmark returns ErrNotFound when absent.
	DeleteBookmark(ctx context.Context, id string) error

	// Settings returns the durable singleton.
	Settings(ctx context.Context) (models.Settings, error)

	// UpdateSettings applies a partial update and returns the result.
	UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error)

	// CleanupOldBookmarks deletes bookmarks not updated within the
	// retention window and reports how many were removed.
	CleanupOldBookmarks(ctx context.Context) (int, error)

	// CreateBackup snapshots bookmarks and settings under a separate key.
	CreateBackup(ctx context.Context) error

	// RestoreFromBackup reinstates the snapshot after re-validating it.
	RestoreFromBackup(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// New creates the backend selected by config.
func New(cfg *config.StorageConfig, logger *events.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendJSON:
		return NewJSONStore(cfg.DataDir, logger)
	case config.BackendSQLite:
		return NewSQLiteStore(cfg.DataDir, logger)
	case config.BackendRedis:
		return NewRedisStore(cfg.RedisAddr, cfg.RedisDB, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
