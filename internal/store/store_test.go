package store_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
	"github.com/watchmark/watchmark/internal/store"
)

func testLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

func TestJSONStore(t *testing.T) {
	st, err := store.NewJSONStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Initialize(context.Background()))
	testStoreOperations(t, st)
}

func TestSQLiteStore(t *testing.T) {
	st, err := store.NewSQLiteStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Initialize(context.Background()))
	testStoreOperations(t, st)
}

func TestMockStore(t *testing.T) {
	st := store.NewMockStore()
	require.NoError(t, st.Initialize(context.Background()))
	testStoreOperations(t, st)
}

func testStoreOperations(t *testing.T, st store.Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := st.GetBookmark(ctx, "nope")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("save and get", func(t *testing.T) {
		rec := &models.Bookmark{
			ID:           "vid-1",
			URL:          "https://www.youtube.com/watch?v=vid-1",
			Title:        "Test Video",
			Author:       "Test Channel",
			LastPosition: 42.5,
			MaxPosition:  120,
		}
		require.NoError(t, st.SaveBookmark(ctx, rec))

		loaded, err := st.GetBookmark(ctx, "vid-1")
		require.NoError(t, err)
		assert.Equal(t, "Test Video", loaded.Title)
		assert.Equal(t, "Test Channel", loaded.Author)
		assert.Equal(t, 42.5, loaded.LastPosition)
		assert.Equal(t, 120.0, loaded.MaxPosition)
		assert.False(t, loaded.CreatedAt.IsZero())
		assert.False(t, loaded.UpdatedAt.IsZero())
	})

	t.Run("update preserves created_at", func(t *testing.T) {
		first, err := st.GetBookmark(ctx, "vid-1")
		require.NoError(t, err)

		update := first.Clone()
		update.LastPosition = 90
		require.NoError(t, st.SaveBookmark(ctx, update))

		loaded, err := st.GetBookmark(ctx, "vid-1")
		require.NoError(t, err)
		assert.Equal(t, 90.0, loaded.LastPosition)
		assert.Equal(t, first.CreatedAt.Unix(), loaded.CreatedAt.Unix())
	})

	t.Run("max position never below last", func(t *testing.T) {
		rec := &models.Bookmark{
			ID:           "vid-clamp",
			Title:        "Clamped",
			LastPosition: 300,
			MaxPosition:  10,
		}
		require.NoError(t, st.SaveBookmark(ctx, rec))

		loaded, err := st.GetBookmark(ctx, "vid-clamp")
		require.NoError(t, err)
		assert.Equal(t, 300.0, loaded.MaxPosition)
	})

	t.Run("save without id", func(t *testing.T) {
		err := st.SaveBookmark(ctx, &models.Bookmark{Title: "No ID"})
		var invalid *models.InvalidDataError
		if assert.Error(t, err) {
			assert.ErrorAs(t, err, &invalid)
		}
	})

	t.Run("all bookmarks", func(t *testing.T) {
		all, err := st.AllBookmarks(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, st.DeleteBookmark(ctx, "vid-clamp"))
		_, err := st.GetBookmark(ctx, "vid-clamp")
		assert.ErrorIs(t, err, models.ErrNotFound)

		assert.ErrorIs(t, st.DeleteBookmark(ctx, "vid-clamp"), models.ErrNotFound)
	})

	t.Run("settings defaults", func(t *testing.T) {
		settings, err := st.Settings(ctx)
		require.NoError(t, err)
		assert.True(t, settings.AutoTrack)
		assert.Equal(t, 90, settings.CleanupRetentionDays)
	})

	t.Run("update settings clamps retention", func(t *testing.T) {
		days := 100000
		autoTrack := false
		updated, err := st.UpdateSettings(ctx, models.SettingsPatch{
			AutoTrack:            &autoTrack,
			CleanupRetentionDays: &days,
		})
		require.NoError(t, err)
		assert.False(t, updated.AutoTrack)
		assert.Equal(t, models.MaxRetentionDays, updated.CleanupRetentionDays)
	})

	t.Run("cleanup keeps fresh records", func(t *testing.T) {
		removed, err := st.CleanupOldBookmarks(ctx)
		require.NoError(t, err)
		assert.Zero(t, removed)

		_, err = st.GetBookmark(ctx, "vid-1")
		assert.NoError(t, err)
	})

	t.Run("restore without backup", func(t *testing.T) {
		err := st.RestoreFromBackup(ctx)
		assert.ErrorIs(t, err, models.ErrBackupMissing)
	})

	t.Run("backup and restore", func(t *testing.T) {
		require.NoError(t, st.CreateBackup(ctx))

		require.NoError(t, st.SaveBookmark(ctx, &models.Bookmark{
			ID:    "vid-after-backup",
			Title: "Not In Backup",
		}))
		require.NoError(t, st.RestoreFromBackup(ctx))

		_, err := st.GetBookmark(ctx, "vid-after-backup")
		assert.ErrorIs(t, err, models.ErrNotFound)

		loaded, err := st.GetBookmark(ctx, "vid-1")
		require.NoError(t, err)
		assert.Equal(t, "Test Video", loaded.Title)
	})
}
