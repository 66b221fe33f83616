package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/watchmark/watchmark/internal/models"
)

// MockStore is an in-memory Store for tests. Failures can be injected
// per operation to exercise retry and degradation paths.
type MockStore struct {
	mu        sync.Mutex
	Bookmarks map[string]*models.Bookmark
	Config    models.Settings
	Snapshot  *models.BackupSnapshot

	// FailNext[op] fails the next n calls of op with a retryable error.
	FailNext map[string]int
	// Calls counts invocations per operation.
	Calls map[string]int
}

// NewMockStore creates an empty mock.
func NewMockStore() *MockStore {
	return &MockStore{
		Bookmarks: make(map[string]*models.Bookmark),
		Config:    models.DefaultSettings(),
		FailNext:  make(map[string]int),
		Calls:     make(map[string]int),
	}
}

func (s *MockStore) enter(op string) error {
	s.Calls[op]++
	if n := s.FailNext[op]; n > 0 {
		s.FailNext[op] = n - 1
		return &models.OpError{Op: op, Err: errors.New("injected failure")}
	}
	return nil
}

func (s *MockStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enter("initialize")
}

func (s *MockStore) SaveBookmark(ctx context.Context, rec *models.Bookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("save_bookmark"); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := rec.Clone()
	stored.UpdatedAt = now
	if existing, ok := s.Bookmarks[rec.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.MaxPosition < stored.LastPosition {
		stored.MaxPosition = stored.LastPosition
	}
	s.Bookmarks[stored.ID] = stored
	return nil
}

func (s *MockStore) GetBookmark(ctx context.Context, id string) (*models.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("get_bookmark"); err != nil {
		return nil, err
	}

	rec, ok := s.Bookmarks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MockStore) AllBookmarks(ctx context.Context) ([]*models.Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("all_bookmarks"); err != nil {
		return nil, err
	}

	out := make([]*models.Bookmark, 0, len(s.Bookmarks))
	for _, rec := range s.Bookmarks {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MockStore) DeleteBookmark(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("delete_bookmark"); err != nil {
		return err
	}

	if _, ok := s.Bookmarks[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.Bookmarks, id)
	return nil
}

func (s *MockStore) Settings(ctx context.Context) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("settings"); err != nil {
		return models.Settings{}, err
	}
	return s.Config, nil
}

func (s *MockStore) UpdateSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("update_settings"); err != nil {
		return models.Settings{}, err
	}
	s.Config.Apply(patch)
	return s.Config, nil
}

func (s *MockStore) CleanupOldBookmarks(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("cleanup"); err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.Config.CleanupRetentionDays)
	removed := 0
	for id, rec := range s.Bookmarks {
		if rec.UpdatedAt.Before(cutoff) {
			delete(s.Bookmarks, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MockStore) CreateBackup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("create_backup"); err != nil {
		return err
	}

	byID := make(map[string]*models.Bookmark, len(s.Bookmarks))
	for id, rec := range s.Bookmarks {
		byID[id] = rec.Clone()
	}
	s.Snapshot = &models.BackupSnapshot{
		Bookmarks:     byID,
		Settings:      s.Config,
		Timestamp:     time.Now().UTC(),
		FormatVersion: models.CurrentSchemaVersion,
	}
	return nil
}

func (s *MockStore) RestoreFromBackup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("restore_backup"); err != nil {
		return err
	}

	if s.Snapshot == nil {
		return models.ErrBackupMissing
	}
	s.Bookmarks = make(map[string]*models.Bookmark, len(s.Snapshot.Bookmarks))
	for id, rec := range s.Snapshot.Bookmarks {
		s.Bookmarks[id] = rec.Clone()
	}
	s.Config = s.Snapshot.Settings
	return nil
}

func (s *MockStore) Close() error {
	return nil
}
