package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
)

// Redis keys. Bookmarks live in one hash keyed by video id; settings and
// the backup snapshot are plain string keys so a snapshot can never nest
// inside the live collection.
const (
	keyBookmarks = "watchmark:bookmarks"
	keySettings  = "watchmark:settings"
	keyBackup    = "watchmark:backup"
	keySchema    = "watchmark:schema_version"
)

// RedisStore implements Redis-backed durable storage for deployments
// where the coordinator does not own local disk.
type RedisStore struct {
	client *redis.Client
	logger *events.Logger
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(addr string, db int, logger *events.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	return &RedisStore{
		client: client,
		logger: logger.WithField("component", "redis_store"),
	}, nil
}

// Initialize verifies connectivity and repairs stored data in place.
func (s *RedisStore) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &models.OpError{Op: "initialize", Err: err}
	}

	now := time.Now().UTC()

	// Settings: repair and write back if anything changed.
	settings, repaired, err := s.loadSettings(ctx)
	if err != nil {
		return err
	}
	if repaired {
		if err := s.writeSettings(ctx, settings); err != nil {
			s.logger.WithError(err).Warn("Failed to persist repaired settings")
		}
	}

	// Bookmarks: drop entries that are not even objects, rewrite repaired.
	entries, err := s.client.HGetAll(ctx, keyBookmarks).Result()
	if err != nil {
		return &models.OpError{Op: "initialize", Err: err}
	}
	for id, raw := range entries {
		var loose interface{}
		_ = json.Unmarshal([]byte(raw), &loose)
		rec, changed := RepairBookmark(id, loose, now)
		if rec == nil {
			s.logger.WithField("video_id", id).Warn("Dropping unreadable bookmark")
			_ = s.client.HDel(ctx, keyBookmarks, id).Err()
			continue
		}
		if changed {
			if err := s.writeBookmark(ctx, rec); err != nil {
				s.logger.WithError(err).WithField("video_id", id).Warn("Failed to persist repaired bookmark")
			}
		}
	}

	if err := s.client.SetNX(ctx, keySchema, models.CurrentSchemaVersion, 0).Err(); err != nil {
		return &models.OpError{Op: "initialize", Err: err}
	}

	s.logger.WithField("bookmarks", len(entries)).Info("Store initialized")
	return nil
}

// SaveBookmark upserts by ID, stamping UpdatedAt and preserving CreatedAt.
func (s *RedisStore) SaveBookmark(ctx context.Context, rec *models.Bookmark) error {
	if rec == nil || rec.ID == "" {
		return &models.InvalidDataError{Field: "id", Reason: "must not be empty"}
	}

	now := time.Now().UTC()
	stored := rec.Clone()
	stored.UpdatedAt = now
	if stored.MaxPosition < stored.LastPosition {
		stored.MaxPosition = stored.LastPosition
	}

	if existing, err := s.GetBookmark(ctx, rec.ID); err == nil {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() || stored.CreatedAt.After(now) {
		stored.CreatedAt = now
	}

	return s.writeBookmark(ctx, stored)
}

// GetBookmark returns ErrNotFound when absent. Unreadable entries repair
// on the fly rather than failing the read.
func (s *RedisStore) GetBookmark(ctx context.Context, id string) (*models.Bookmark, error) {
	raw, err := s.client.HGet(ctx, keyBookmarks, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, &models.OpError{Op: "get_bookmark", Key: id, Err: err}
	}

	var loose interface{}
	_ = json.Unmarshal([]byte(raw), &loose)
	rec, _ := RepairBookmark(id, loose, time.Now().UTC())
	if rec == nil {
		return nil, models.ErrNotFound
	}
	return rec, nil
}

// AllBookmarks returns the collection, most recently updated first.
func (s *RedisStore) AllBookmarks(ctx context.Context) ([]*models.Bookmark, error) {
	entries, err := s.client.HGetAll(ctx, keyBookmarks).Result()
	if err != nil {
		return nil, &models.OpError{Op: "all_bookmarks", Err: err}
	}

	now := time.Now().UTC()
	out := make([]*models.Bookmark, 0, len(entries))
	for id, raw := range entries {
		var loose interface{}
		_ = json.Unmarshal([]byte(raw), &loose)
		if rec, _ := RepairBookmark(id, loose, now); rec != nil {
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// DeleteBookmark removes a record, or returns ErrNotFound.
func (s *RedisStore) DeleteBookmark(ctx context.Context, id string) error {
	n, err := s.client.HDel(ctx, keyBookmarks, id).Result()
	if err != nil {
		return &models.OpError{Op: "delete_bookmark", Key: id, Err: err}
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Settings returns the durable singleton.
func (s *RedisStore) Settings(ctx context.Context) (models.Settings, error) {
	settings, _, err := s.loadSettings(ctx)
	return settings, err
}

// UpdateSettings applies a partial update.
func (s *RedisStore) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	current, _, err := s.loadSettings(ctx)
	if err != nil {
		return models.Settings{}, err
	}

	current.Apply(patch)
	if err := s.writeSettings(ctx, current); err != nil {
		return models.Settings{}, err
	}
	return current, nil
}

// CleanupOldBookmarks deletes everything not updated within retention.
func (s *RedisStore) CleanupOldBookmarks(ctx context.Context) (int, error) {
	settings, _, err := s.loadSettings(ctx)
	if err != nil {
		return 0, err
	}

	all, err := s.AllBookmarks(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -settings.CleanupRetentionDays)
	removed := 0
	for _, rec := range all {
		if rec.UpdatedAt.Before(cutoff) {
			if err := s.client.HDel(ctx, keyBookmarks, rec.ID).Err(); err != nil {
				return removed, &models.OpError{Op: "cleanup", Key: rec.ID, Err: err}
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Cleaned up old bookmarks")
	}
	return removed, nil
}

// CreateBackup stores a JSON snapshot under its own key.
func (s *RedisStore) CreateBackup(ctx context.Context) error {
	all, err := s.AllBookmarks(ctx)
	if err != nil {
		return err
	}
	settings, _, err := s.loadSettings(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*models.Bookmark, len(all))
	for _, rec := range all {
		byID[rec.ID] = rec
	}

	snap := models.BackupSnapshot{
		Bookmarks:     byID,
		Settings:      settings,
		Timestamp:     time.Now().UTC(),
		FormatVersion: models.CurrentSchemaVersion,
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		return &models.OpError{Op: "create_backup", Err: err}
	}

	if err := s.client.Set(ctx, keyBackup, data, 0).Err(); err != nil {
		return &models.OpError{Op: "create_backup", Err: err}
	}

	s.logger.WithField("bookmarks", len(byID)).Info("Backup snapshot created")
	return nil
}

// RestoreFromBackup reinstates the snapshot after re-validating it.
func (s *RedisStore) RestoreFromBackup(ctx context.Context) error {
	data, err := s.client.Get(ctx, keyBackup).Result()
	if errors.Is(err, redis.Nil) {
		return models.ErrBackupMissing
	}
	if err != nil {
		return &models.OpError{Op: "restore_backup", Err: err}
	}

	var raw interface{}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return models.ErrBackupCorrupt
	}
	snap, err := RepairSnapshot(raw, time.Now().UTC())
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyBookmarks)
	for id, rec := range snap.Bookmarks {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return &models.OpError{Op: "restore_backup", Key: id, Err: err}
		}
		pipe.HSet(ctx, keyBookmarks, id, encoded)
	}
	encoded, err := json.Marshal(&snap.Settings)
	if err != nil {
		return &models.OpError{Op: "restore_backup", Err: err}
	}
	pipe.Set(ctx, keySettings, encoded, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return &models.OpError{Op: "restore_backup", Err: err}
	}

	s.logger.WithField("bookmarks", len(snap.Bookmarks)).Info("Restored from backup snapshot")
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) loadSettings(ctx context.Context) (models.Settings, bool, error) {
	raw, err := s.client.Get(ctx, keySettings).Result()
	if errors.Is(err, redis.Nil) {
		return models.DefaultSettings(), true, nil
	}
	if err != nil {
		return models.Settings{}, false, &models.OpError{Op: "settings", Err: err}
	}

	var loose interface{}
	_ = json.Unmarshal([]byte(raw), &loose)
	settings, repaired := RepairSettings(loose)
	return settings, repaired, nil
}

func (s *RedisStore) writeSettings(ctx context.Context, settings models.Settings) error {
	data, err := json.Marshal(&settings)
	if err != nil {
		return &models.OpError{Op: "update_settings", Err: err}
	}
	if err := s.client.Set(ctx, keySettings, data, 0).Err(); err != nil {
		return &models.OpError{Op: "update_settings", Err: err}
	}
	return nil
}

func (s *RedisStore) writeBookmark(ctx context.Context, rec *models.Bookmark) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &models.OpError{Op: "save_bookmark", Key: rec.ID, Err: err}
	}
	if err := s.client.HSet(ctx, keyBookmarks, rec.ID, data).Err(); err != nil {
		return &models.OpError{Op: "save_bookmark", Key: rec.ID, Err: err}
	}
	return nil
}
