package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
)

// SQLiteStore implements SQLite-backed durable storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger

	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database under dataDir.
func NewSQLiteStore(dataDir string, logger *events.Logger) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "watchmark.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_store"),
	}, nil
}

// Initialize creates the schema, migrates old versions, and repairs
// invalid rows in place.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return models.ErrStoreClosed
	}

	schema := `
    CREATE TABLE IF NOT EXISTS bookmarks (
        id TEXT PRIMARY KEY,
        url TEXT NOT NULL DEFAULT '',
        title TEXT NOT NULL DEFAULT '',
        author TEXT NOT NULL DEFAULT '',
        last_position REAL NOT NULL DEFAULT 0,
        max_position REAL NOT NULL DEFAULT 0,
        created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_bookmarks_updated ON bookmarks(updated_at);

    CREATE TABLE IF NOT EXISTS settings (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        auto_track INTEGER NOT NULL DEFAULT 1,
        cleanup_retention_days INTEGER NOT NULL DEFAULT 90,
        supported_sites TEXT NOT NULL DEFAULT '["youtube"]',
        schema_version INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS backup_snapshot (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        data TEXT NOT NULL,
        created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );
    `

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &models.OpError{Op: "initialize", Err: err}
	}

	if err := s.migrate(ctx); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO settings (id, schema_version) VALUES (1, ?)
    `, models.CurrentSchemaVersion); err != nil {
		return &models.OpError{Op: "initialize", Err: err}
	}

	if err := s.repair(ctx); err != nil {
		return err
	}

	s.logger.Info("Store initialized")
	return nil
}

// migrate applies versioned schema transformations. Version 1 named the
// position columns timestamp and max_timestamp.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_info`).Scan(&version)
	if err == sql.ErrNoRows {
		_, err = s.db.ExecContext(ctx, `INSERT INTO schema_info (version) VALUES (?)`,
			models.CurrentSchemaVersion)
		if err != nil {
			return &models.OpError{Op: "migrate", Err: err}
		}
		return nil
	}
	if err != nil {
		return &models.OpError{Op: "migrate", Err: err}
	}

	if version >= models.CurrentSchemaVersion {
		return nil
	}

	s.logger.WithFields(map[string]interface{}{
		"from": version,
		"to":   models.CurrentSchemaVersion,
	}).Info("Migrating schema")

	if version < 2 {
		for _, stmt := range []string{
			`ALTER TABLE bookmarks RENAME COLUMN timestamp TO last_position`,
			`ALTER TABLE bookmarks RENAME COLUMN max_timestamp TO max_position`,
		} {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil &&
				!strings.Contains(err.Error(), "no such column") {
				return &models.OpError{Op: "migrate", Err: err}
			}
		}
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE schema_info SET version = ?`,
		models.CurrentSchemaVersion); err != nil {
		return &models.OpError{Op: "migrate", Err: err}
	}
	return nil
}

// repair enforces the record invariants on stored rows. The relational
// schema already guarantees structure, so repair reduces to value clamps.
func (s *SQLiteStore) repair(ctx context.Context) error {
	stmts := []string{
		`UPDATE bookmarks SET title = '` + DefaultTitle + `' WHERE title IS NULL OR title = ''`,
		`UPDATE bookmarks SET last_position = 0 WHERE last_position < 0`,
		`UPDATE bookmarks SET max_position = last_position WHERE max_position < last_position`,
		`UPDATE bookmarks SET updated_at = created_at WHERE updated_at < created_at`,
		fmt.Sprintf(`UPDATE settings SET cleanup_retention_days = %d WHERE cleanup_retention_days < %d`,
			models.MinRetentionDays, models.MinRetentionDays),
		fmt.Sprintf(`UPDATE settings SET cleanup_retention_days = %d WHERE cleanup_retention_days > %d`,
			models.MaxRetentionDays, models.MaxRetentionDays),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &models.OpError{Op: "repair", Err: err}
		}
	}
	return nil
}

// SaveBookmark upserts by ID, stamping UpdatedAt and preserving CreatedAt.
func (s *SQLiteStore) SaveBookmark(ctx context.Context, rec *models.Bookmark) error {
	if rec == nil || rec.ID == "" {
		return &models.InvalidDataError{Field: "id", Reason: "must not be empty"}
	}

	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() || created.After(now) {
		created = now
	}
	max := rec.MaxPosition
	if max < rec.LastPosition {
		max = rec.LastPosition
	}

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO bookmarks (id, url, title, author, last_position, max_position, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            url = excluded.url,
            title = excluded.title,
            author = excluded.author,
            last_position = excluded.last_position,
            max_position = excluded.max_position,
            updated_at = excluded.updated_at
    `, rec.ID, rec.URL, rec.Title, rec.Author, rec.LastPosition, max, created, now)
	if err != nil {
		return &models.OpError{Op: "save_bookmark", Key: rec.ID, Err: err}
	}
	return nil
}

// GetBookmark returns ErrNotFound when absent.
func (s *SQLiteStore) GetBookmark(ctx context.Context, id string) (*models.Bookmark, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, url, title, author, last_position, max_position, created_at, updated_at
        FROM bookmarks WHERE id = ?
    `, id)

	rec, err := scanBookmark(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, &models.OpError{Op: "get_bookmark", Key: id, Err: err}
	}
	return rec, nil
}

// AllBookmarks returns the collection, most recently updated first.
func (s *SQLiteStore) AllBookmarks(ctx context.Context) ([]*models.Bookmark, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, url, title, author, last_position, max_position, created_at, updated_at
        FROM bookmarks ORDER BY updated_at DESC, id ASC
    `)
	if err != nil {
		return nil, &models.OpError{Op: "all_bookmarks", Err: err}
	}
	defer rows.Close()

	var out []*models.Bookmark
	for rows.Next() {
		rec, err := scanBookmark(rows)
		if err != nil {
			return nil, &models.OpError{Op: "all_bookmarks", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.OpError{Op: "all_bookmarks", Err: err}
	}
	return out, nil
}

// DeleteBookmark removes a record, or returns ErrNotFound.
func (s *SQLiteStore) DeleteBookmark(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE id = ?`, id)
	if err != nil {
		return &models.OpError{Op: "delete_bookmark", Key: id, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// Settings returns the durable singleton.
func (s *SQLiteStore) Settings(ctx context.Context) (models.Settings, error) {
	var (
		out   models.Settings
		auto  int
		sites string
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT auto_track, cleanup_retention_days, supported_sites, schema_version
        FROM settings WHERE id = 1
    `).Scan(&auto, &out.CleanupRetentionDays, &sites, &out.SchemaVersion)
	if err == sql.ErrNoRows {
		return models.DefaultSettings(), nil
	}
	if err != nil {
		return models.Settings{}, &models.OpError{Op: "settings", Err: err}
	}

	out.AutoTrack = auto != 0
	if err := json.Unmarshal([]byte(sites), &out.SupportedSites); err != nil {
		out.SupportedSites = models.DefaultSettings().SupportedSites
	}
	return out, nil
}

// UpdateSettings applies a partial update.
func (s *SQLiteStore) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Settings(ctx)
	if err != nil {
		return models.Settings{}, err
	}
	current.Apply(patch)

	sites, err := json.Marshal(current.SupportedSites)
	if err != nil {
		return models.Settings{}, &models.OpError{Op: "update_settings", Err: err}
	}

	auto := 0
	if current.AutoTrack {
		auto = 1
	}

	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO settings (id, auto_track, cleanup_retention_days, supported_sites, schema_version)
        VALUES (1, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            auto_track = excluded.auto_track,
            cleanup_retention_days = excluded.cleanup_retention_days,
            supported_sites = excluded.supported_sites,
            schema_version = excluded.schema_version
    `, auto, current.CleanupRetentionDays, string(sites), current.SchemaVersion); err != nil {
		return models.Settings{}, &models.OpError{Op: "update_settings", Err: err}
	}

	return current, nil
}

// CleanupOldBookmarks deletes everything not updated within retention.
func (s *SQLiteStore) CleanupOldBookmarks(ctx context.Context) (int, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -settings.CleanupRetentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, &models.OpError{Op: "cleanup", Err: err}
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.WithField("removed", n).Info("Cleaned up old bookmarks")
	}
	return int(n), nil
}

// CreateBackup stores a JSON snapshot in the backup table.
func (s *SQLiteStore) CreateBackup(ctx context.Context) error {
	bookmarks, err := s.AllBookmarks(ctx)
	if err != nil {
		return err
	}
	settings, err := s.Settings(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*models.Bookmark, len(bookmarks))
	for _, rec := range bookmarks {
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

	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO backup_snapshot (id, data, created_at) VALUES (1, ?, ?)
        ON CONFLICT(id) DO UPDATE SET data = excluded.data, created_at = excluded.created_at
    `, string(data), snap.Timestamp); err != nil {
		return &models.OpError{Op: "create_backup", Err: err}
	}

	s.logger.WithField("bookmarks", len(byID)).Info("Backup snapshot created")
	return nil
}

// RestoreFromBackup reinstates the snapshot after re-validating it.
func (s *SQLiteStore) RestoreFromBackup(ctx context.Context) error {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM backup_snapshot WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.OpError{Op: "restore_backup", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bookmarks`); err != nil {
		return &models.OpError{Op: "restore_backup", Err: err}
	}
	for _, rec := range snap.Bookmarks {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO bookmarks (id, url, title, author, last_position, max_position, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        `, rec.ID, rec.URL, rec.Title, rec.Author, rec.LastPosition, rec.MaxPosition,
			rec.CreatedAt, rec.UpdatedAt); err != nil {
			return &models.OpError{Op: "restore_backup", Key: rec.ID, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &models.OpError{Op: "restore_backup", Err: err}
	}

	if _, err := s.UpdateSettings(ctx, settingsAsPatch(snap.Settings)); err != nil {
		return err
	}

	s.logger.WithField("bookmarks", len(snap.Bookmarks)).Info("Restored from backup snapshot")
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func settingsAsPatch(settings models.Settings) models.SettingsPatch {
	return models.SettingsPatch{
		AutoTrack:            &settings.AutoTrack,
		CleanupRetentionDays: &settings.CleanupRetentionDays,
		SupportedSites:       &settings.SupportedSites,
	}
}

// rowScanner covers sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBookmark(row rowScanner) (*models.Bookmark, error) {
	var rec models.Bookmark
	err := row.Scan(&rec.ID, &rec.URL, &rec.Title, &rec.Author,
		&rec.LastPosition, &rec.MaxPosition, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
