package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
)

// JSONStore implements file-based durable storage. The full collection
// lives in one checksummed file written atomically; the previous good
// file is kept as a shadow copy, and explicit backup snapshots go to a
// separate file so a snapshot can never nest inside the live data.
type JSONStore struct {
	dataPath   string
	shadowPath string
	snapPath   string
	logger     *events.Logger

	mu     sync.Mutex
	closed bool

	// Authoritative copy after Initialize. Mutations apply here first and
	// are then persisted; persistence failures surface to the retry layer
	// while the in-memory state stays consistent.
	bookmarks map[string]*models.Bookmark
	settings  models.Settings
}

// fileWrapper is the on-disk envelope around the collection.
type fileWrapper struct {
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	Checksum      string          `json:"checksum,omitempty"`
	Bookmarks     json.RawMessage `json:"bookmarks"`
	Settings      json.RawMessage `json:"settings"`
}

// NewJSONStore creates a JSON-backed store under dataDir.
func NewJSONStore(dataDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dataPath := filepath.Join(dataDir, "watchmark.json")
	return &JSONStore{
		dataPath:   dataPath,
		shadowPath: dataPath + ".backup",
		snapPath:   filepath.Join(dataDir, "backup.json"),
		logger:     logger.WithField("component", "json_store"),
		bookmarks:  make(map[string]*models.Bookmark),
		settings:   models.DefaultSettings(),
	}, nil
}

// Initialize loads the collection, repairing or falling back as needed.
// Corruption is never fatal: the shadow file, then the backup snapshot,
// then an empty store are tried in order.
func (s *JSONStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.ErrStoreClosed
	}

	now := time.Now().UTC()

	bookmarks, settings, repaired, err := s.loadAndRepair(s.dataPath, now)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).Warn("Live data unreadable, trying shadow copy")
		}
		bookmarks, settings, repaired, err = s.loadAndRepair(s.shadowPath, now)
	}
	if err != nil {
		if snap, snapErr := s.loadSnapshot(now); snapErr == nil {
			s.logger.Warn("Restored collection from backup snapshot")
			bookmarks, settings, repaired, err = snap.Bookmarks, snap.Settings, true, nil
		}
	}
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).Warn("Starting with empty store")
		}
		bookmarks = make(map[string]*models.Bookmark)
		settings = models.DefaultSettings()
		repaired = true
	}

	s.bookmarks = bookmarks
	s.settings = settings

	if repaired {
		if err := s.persist(); err != nil {
			// Not fatal: the store keeps serving from memory and every
			// later write retries persistence.
			s.logger.WithError(err).Warn("Failed to persist repaired collection")
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"bookmarks":      len(s.bookmarks),
		"schema_version": s.settings.SchemaVersion,
	}).Info("Store initialized")

	return nil
}

// loadAndRepair reads one collection file, verifies its checksum, and
// runs the repair pass over its loosely-typed contents.
func (s *JSONStore) loadAndRepair(path string, now time.Time) (map[string]*models.Bookmark, models.Settings, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.Settings{}, false, err
	}

	var wrapper fileWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, models.Settings{}, false, fmt.Errorf("parse collection: %w", err)
	}

	if wrapper.Checksum != "" {
		expected := wrapper.Checksum
		wrapper.Checksum = ""
		if sum, err := checksum(&wrapper); err != nil || sum != expected {
			return nil, models.Settings{}, false, fmt.Errorf("checksum mismatch in %s", path)
		}
	}

	migrated := wrapper.SchemaVersion < models.CurrentSchemaVersion
	if migrated {
		s.logger.WithFields(map[string]interface{}{
			"from": wrapper.SchemaVersion,
			"to":   models.CurrentSchemaVersion,
		}).Info("Migrating stored schema")
	}

	var rawBookmarks, rawSettings interface{}
	if len(wrapper.Bookmarks) > 0 {
		// Ignore decode errors: repair treats nil as an empty collection.
		_ = json.Unmarshal(wrapper.Bookmarks, &rawBookmarks)
	}
	if len(wrapper.Settings) > 0 {
		_ = json.Unmarshal(wrapper.Settings, &rawSettings)
	}

	bookmarks, repairedBookmarks := RepairBookmarks(rawBookmarks, now)
	settings, repairedSettings := RepairSettings(rawSettings)

	return bookmarks, settings, migrated || repairedBookmarks || repairedSettings, nil
}

// SaveBookmark upserts by ID. UpdatedAt is stamped here so re-saving
// identical content only advances the timestamp.
func (s *JSONStore) SaveBookmark(ctx context.Context, rec *models.Bookmark) error {
	if rec == nil || rec.ID == "" {
		return &models.InvalidDataError{Field: "id", Reason: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.ErrStoreClosed
	}

	now := time.Now().UTC()
	stored := rec.Clone()
	stored.UpdatedAt = now

	if existing, ok := s.bookmarks[rec.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() || stored.CreatedAt.After(now) {
		stored.CreatedAt = now
	}
	if stored.MaxPosition < stored.LastPosition {
		stored.MaxPosition = stored.LastPosition
	}

	s.bookmarks[stored.ID] = stored
	return s.persistOp("save_bookmark", stored.ID)
}

// GetBookmark returns a copy, or ErrNotFound.
func (s *JSONStore) GetBookmark(ctx context.Context, id string) (*models.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, models.ErrStoreClosed
	}

	rec, ok := s.bookmarks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.Clone(), nil
}

// AllBookmarks returns copies, most recently updated first.
func (s *JSONStore) AllBookmarks(ctx context.Context) ([]*models.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, models.ErrStoreClosed
	}

	out := make([]*models.Bookmark, 0, len(s.bookmarks))
	for _, rec := range s.bookmarks {
		out = append(out, rec.Clone())
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
func (s *JSONStore) DeleteBookmark(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.ErrStoreClosed
	}

	if _, ok := s.bookmarks[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.bookmarks, id)
	return s.persistOp("delete_bookmark", id)
}

// Settings returns the durable singleton.
func (s *JSONStore) Settings(ctx context.Context) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.Settings{}, models.ErrStoreClosed
	}
	return s.settings, nil
}

// UpdateSettings applies a partial update.
func (s *JSONStore) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.Settings{}, models.ErrStoreClosed
	}

	s.settings.Apply(patch)
	if err := s.persistOp("update_settings", ""); err != nil {
		return models.Settings{}, err
	}
	return s.settings, nil
}

// CleanupOldBookmarks deletes everything not updated within retention.
func (s *JSONStore) CleanupOldBookmarks(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, models.ErrStoreClosed
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.settings.CleanupRetentionDays)
	removed := 0
	for id, rec := range s.bookmarks {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.bookmarks, id)
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}
	if err := s.persistOp("cleanup", ""); err != nil {
		return removed, err
	}

	s.logger.WithField("removed", removed).Info("Cleaned up old bookmarks")
	return removed, nil
}

// CreateBackup snapshots the collection into the separate snapshot file.
func (s *JSONStore) CreateBackup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.ErrStoreClosed
	}

	snap := models.BackupSnapshot{
		Bookmarks:     s.bookmarks,
		Settings:      s.settings,
		Timestamp:     time.Now().UTC(),
		FormatVersion: models.CurrentSchemaVersion,
	}

	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return &models.OpError{Op: "create_backup", Err: err}
	}
	if err := atomicWrite(s.snapPath, data); err != nil {
		return &models.OpError{Op: "create_backup", Err: err}
	}

	s.logger.WithField("bookmarks", len(s.bookmarks)).Info("Backup snapshot created")
	return nil
}

// RestoreFromBackup reinstates the snapshot. The snapshot's contents run
// through the same repair pass as live data, because a backup may itself
// have been taken from already-corrupted state.
func (s *JSONStore) RestoreFromBackup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.ErrStoreClosed
	}

	snap, err := s.loadSnapshot(time.Now().UTC())
	if err != nil {
		return err
	}

	s.bookmarks = snap.Bookmarks
	s.settings = snap.Settings

	if err := s.persistOp("restore_backup", ""); err != nil {
		return err
	}

	s.logger.WithField("bookmarks", len(s.bookmarks)).Info("Restored from backup snapshot")
	return nil
}

// Close marks the store closed.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// loadSnapshot reads and repairs the snapshot file.
func (s *JSONStore) loadSnapshot(now time.Time) (*models.BackupSnapshot, error) {
	data, err := os.ReadFile(s.snapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.ErrBackupMissing
		}
		return nil, &models.OpError{Op: "load_backup", Err: err}
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, models.ErrBackupCorrupt
	}

	return RepairSnapshot(raw, now)
}

// persistOp wraps persist failures into the retryable taxonomy.
func (s *JSONStore) persistOp(op, key string) error {
	if err := s.persist(); err != nil {
		return &models.OpError{Op: op, Key: key, Err: err}
	}
	return nil
}

// persist writes the collection: shadow the previous good file, then
// write a checksummed wrapper atomically via tmp+rename.
func (s *JSONStore) persist() error {
	bookmarksJSON, err := json.Marshal(s.bookmarks)
	if err != nil {
		return fmt.Errorf("marshal bookmarks: %w", err)
	}
	settingsJSON, err := json.Marshal(&s.settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	wrapper := fileWrapper{
		SchemaVersion: models.CurrentSchemaVersion,
		SavedAt:       time.Now().UTC(),
		Bookmarks:     bookmarksJSON,
		Settings:      settingsJSON,
	}

	sum, err := checksum(&wrapper)
	if err != nil {
		return fmt.Errorf("checksum collection: %w", err)
	}
	wrapper.Checksum = sum

	data, err := json.MarshalIndent(&wrapper, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal collection: %w", err)
	}

	if _, err := os.Stat(s.dataPath); err == nil {
		if err := copyFile(s.dataPath, s.shadowPath); err != nil {
			s.logger.WithError(err).Warn("Failed to update shadow copy")
		}
	}

	return atomicWrite(s.dataPath, data)
}

// checksum hashes the wrapper with its checksum field cleared.
func checksum(wrapper *fileWrapper) (string, error) {
	data, err := json.Marshal(wrapper)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
