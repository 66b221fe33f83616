package store

import (
	"context"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
	"github.com/watchmark/watchmark/internal/metrics"
	"github.com/watchmark/watchmark/internal/retry"
)

// RetryStore decorates a Store so every durable operation runs under the
// retry executor. NotFound and validation errors pass through untouched;
// only transient failures are retried. Because every write below is an
// idempotent overwrite, at-least-once execution is safe.
type RetryStore struct {
	inner    Store
	executor *retry.Executor
	logger   *events.Logger
	metrics  *metrics.Collector
}

// WithRetry wraps a store with retry hardening.
func WithRetry(inner Store, executor *retry.Executor, logger *events.Logger, collector *metrics.Collector) *RetryStore {
	return &RetryStore{
		inner:    inner,
		executor: executor,
		logger:   logger.WithField("component", "retry_store"),
		metrics:  collector,
	}
}

// Initialize follows the degradation chain: retry initialization, fall
// back to backup restoration, and finally accept an empty store rather
// than surfacing a fatal error to the caller.
func (s *RetryStore) Initialize(ctx context.Context) error {
	err := s.do(ctx, "initialize", s.inner.Initialize)
	if err == nil {
		return nil
	}

	s.logger.WithError(err).Warn("Initialization failed, attempting backup restore")
	if restoreErr := s.do(ctx, "restore_backup", s.inner.RestoreFromBackup); restoreErr == nil {
		return nil
	}

	s.logger.WithError(err).Error("Backup restore failed, continuing with empty store")
	return nil
}

// SaveBookmark retries the upsert.
func (s *RetryStore) SaveBookmark(ctx context.Context, rec *models.Bookmark) error {
	return s.do(ctx, "save_bookmark", func(ctx context.Context) error {
		return s.inner.SaveBookmark(ctx, rec)
	})
}

// GetBookmark retries transient read failures.
func (s *RetryStore) GetBookmark(ctx context.Context, id string) (*models.Bookmark, error) {
	var rec *models.Bookmark
	err := s.do(ctx, "get_bookmark", func(ctx context.Context) error {
		var err error
		rec, err = s.inner.GetBookmark(ctx, id)
		return err
	})
	return rec, err
}

// AllBookmarks retries transient read failures.
func (s *RetryStore) AllBookmarks(ctx context.Context) ([]*models.Bookmark, error) {
	var out []*models.Bookmark
	err := s.do(ctx, "all_bookmarks", func(ctx context.Context) error {
		var err error
		out, err = s.inner.AllBookmarks(ctx)
		return err
	})
	return out, err
}

// DeleteBookmark retries the delete.
func (s *RetryStore) DeleteBookmark(ctx context.Context, id string) error {
	return s.do(ctx, "delete_bookmark", func(ctx context.Context) error {
		return s.inner.DeleteBookmark(ctx, id)
	})
}

// Settings retries transient read failures.
func (s *RetryStore) Settings(ctx context.Context) (models.Settings, error) {
	var settings models.Settings
	err := s.do(ctx, "settings", func(ctx context.Context) error {
		var err error
		settings, err = s.inner.Settings(ctx)
		return err
	})
	return settings, err
}

// UpdateSettings retries the update.
func (s *RetryStore) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	var settings models.Settings
	err := s.do(ctx, "update_settings", func(ctx context.Context) error {
		var err error
		settings, err = s.inner.UpdateSettings(ctx, patch)
		return err
	})
	return settings, err
}

// CleanupOldBookmarks retries the sweep.
func (s *RetryStore) CleanupOldBookmarks(ctx context.Context) (int, error) {
	var removed int
	err := s.do(ctx, "cleanup", func(ctx context.Context) error {
		var err error
		removed, err = s.inner.CleanupOldBookmarks(ctx)
		return err
	})
	return removed, err
}

// CreateBackup retries the snapshot.
func (s *RetryStore) CreateBackup(ctx context.Context) error {
	return s.do(ctx, "create_backup", s.inner.CreateBackup)
}

// RestoreFromBackup retries the restore.
func (s *RetryStore) RestoreFromBackup(ctx context.Context) error {
	return s.do(ctx, "restore_backup", s.inner.RestoreFromBackup)
}

// Close closes the wrapped store.
func (s *RetryStore) Close() error {
	return s.inner.Close()
}

func (s *RetryStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	err := s.executor.Do(ctx, op, fn)
	s.metrics.RecordStoreOp(op, err)
	return err
}
