package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/metrics"
	"github.com/watchmark/watchmark/internal/models"
	"github.com/watchmark/watchmark/internal/registry"
	"github.com/watchmark/watchmark/internal/store"
)

func newRegistry(t *testing.T) (*registry.Registry, *store.MockStore) {
	t.Helper()
	mock := store.NewMockStore()
	reg := registry.New(mock, events.NewNopLogger(), metrics.NewCollector())
	return reg, mock
}

func detect(videoID, title, author string) *models.VideoDetectedData {
	return &models.VideoDetectedData{
		VideoID: videoID,
		URL:     "https://example.com/watch?v=" + videoID,
		Title:   title,
		Author:  author,
	}
}

func TestRegistryVideoDetected(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	require.NoError(t, reg.OnVideoDetected(ctx, 1, detect("vid-1", "Title", "Author")))

	session := reg.Session(1)
	require.NotNil(t, session)
	assert.Equal(t, "vid-1", session.VideoID)
	assert.Equal(t, "Title", session.Title)
	assert.Equal(t, "Author", session.Author)
}

func TestRegistryRejectsBlankMetadata(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	// No session, no durable record, nothing to backfill from.
	require.NoError(t, reg.OnVideoDetected(ctx, 1, detect("vid-1", "", "")))
	assert.Nil(t, reg.Session(1))
}

func TestRegistryBackfillsMetadataFromStore(t *testing.T) {
	ctx := context.Background()
	reg, mock := newRegistry(t)

	require.NoError(t, mock.SaveBookmark(ctx, &models.Bookmark{
		ID:           "vid-1",
		Title:        "Stored Title",
		Author:       "Stored Author",
		LastPosition: 33,
		MaxPosition:  120,
	}))

	// A detection with blank metadata and no position resumes from the
	// durable record instead of being rejected.
	require.NoError(t, reg.OnVideoDetected(ctx, 1, detect("vid-1", "", "")))

	session := reg.Session(1)
	require.NotNil(t, session)
	assert.Equal(t, "Stored Title", session.Title)
	assert.Equal(t, "Stored Author", session.Author)
	assert.Equal(t, 33.0, session.LastPosition)
	assert.Equal(t, 120.0, session.MaxPosition)
}

func TestRegistryTabSwitchFlushesOldSession(t *testing.T) {
	ctx := context.Background()
	reg, mock := newRegistry(t)

	require.NoError(t, reg.OnVideoDetected(ctx, 1, detect("vid-1", "First", "A")))
	reg.OnTimestampUpdate(ctx, 1, &models.TimestampUpdateData{VideoID: "vid-1", Timestamp: 75})

	// Same tab moves to a different video; the old position must land in
	// the store before the session disappears.
	require.NoError(t, reg.OnVideoDetected(ctx, 1, detect("vid-2", "Second", "B")))

	saved, err := mock.GetBookmark(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, 75.0, saved.LastPosition)

	session := reg.Session(1)
	require.NotNil(t, session)
	assert.Equal(t, "vid-2", session.VideoID)
}

func TestRegistryTimestampUpdates(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	require.NoError(t, reg.OnVideoDetected(ctx, 1, detect("vid-1", "Title", "Author")))

	update := func(ts float64, maxHint bool) {
		reg.OnTimestampUpdate(ctx, 1, &models.TimestampUpdateData{
			VideoID: "vid-1", Timestamp: ts, IsMaxHint: maxHint,
		})
	}

	t.Run("max tracks furthest point", func(t *testing.T) {
		update(10, false)
		update(7, false)

		session := reg.Session(1)
		assert.Equal(t, 7.0, session.LastPosition)
		assert.Equal(t, 10.0, session.MaxPosition)
	})

	t.Run("max hint pins the reported value", func(t *testing.T) {
		update(15, true)

		session := reg.Session(1)
		assert.Equal(t, 15.0, session.LastPosition)
		assert.Equal(t, 15.0, session.MaxPosition)
	})

	t.Run("max hint can lower the recorded max", func(t *testing.T) {
		update(20, false)
		update(12, true)

		session := reg.Session(1)
		assert.Equal(t, 12.0, session.MaxPosition)
	})

	t.Run("negative timestamp ignored", func(t *testing.T) {
		before := reg.Session(1)
		update(-5, false)
		after := reg.Session(1)
		assert.Equal(t, before.LastPosition, after.LastPosition)
	})

	t.Run("stale video id ignored", func(t *testing.T) {
		before := reg.Session(1)
		reg.OnTimestampUpdate(ctx, 1, &models.TimestampUpdateData{
			VideoID: "some-other-video", Timestamp: 999,
		})
		after := reg.Session(1)
		assert.Equal(t, before.LastPosition, after.LastPosition)
	})
}

func TestRegistryVideoClosedPersists(t *testing.T) {
	ctx := context.Background()
	reg, mock := newRegistry(t)

	require.NoError(t, reg.OnVideoDetected(ctx, 1, detect("vid-1", "Title", "Author")))
	reg.OnTimestampUpdate(ctx, 1, &models.TimestampUpdateData{VideoID: "vid-1", Timestamp: 42})
	reg.OnVideoClosed(ctx, 1, "vid-1")

	assert.Nil(t, reg.Session(1))

	saved, err := mock.GetBookmark(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, saved.LastPosition)
}

func TestRegistryPendingDeletionBlocksWrites(t *testing.T) {
	ctx := context.Background()
	reg, mock := newRegistry(t)

	require.NoError(t, reg.OnVideoDetected(ctx, 1, detect("vid-1", "Title", "Author")))
	reg.OnTimestampUpdate(ctx, 1, &models.TimestampUpdateData{VideoID: "vid-1", Timestamp: 10})
	reg.SetPendingDeletion("vid-1", true)

	// Updates stop applying.
	reg.OnTimestampUpdate(ctx, 1, &models.TimestampUpdateData{VideoID: "vid-1", Timestamp: 50})
	session := reg.SessionForVideo("vid-1")
	require.NotNil(t, session)
	assert.Equal(t, 10.0, session.LastPosition)

	// Flushes skip the flagged session.
	require.NoError(t, reg.FlushAll(ctx))
	_, err := mock.GetBookmark(ctx, "vid-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Closing the tab mid-countdown must not resurrect the record.
	reg.OnVideoClosed(ctx, 1, "vid-1")
	_, err = mock.GetBookmark(ctx, "vid-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRegistryFlushDirty(t *testing.T) {
	ctx := context.Background()
	reg, mock := newRegistry(t)

	require.NoError(t, reg.OnVideoDetected(ctx, 1, detect("vid-1", "One", "A")))
	require.NoError(t, reg.OnVideoDetected(ctx, 2, detect("vid-2", "Two", "B")))

	require.NoError(t, reg.FlushDirty(ctx))
	assert.Equal(t, 2, mock.Calls["save_bookmark"])

	// Nothing changed, so a second flush writes nothing.
	require.NoError(t, reg.FlushDirty(ctx))
	assert.Equal(t, 2, mock.Calls["save_bookmark"])

	reg.OnTimestampUpdate(ctx, 1, &models.TimestampUpdateData{VideoID: "vid-1", Timestamp: 5})
	require.NoError(t, reg.FlushDirty(ctx))
	assert.Equal(t, 3, mock.Calls["save_bookmark"])
}

func TestRegistryEvictVideoSkipsFlush(t *testing.T) {
	ctx := context.Background()
	reg, mock := newRegistry(t)

	require.NoError(t, reg.OnVideoDetected(ctx, 1, detect("vid-1", "Title", "Author")))
	reg.EvictVideo("vid-1")

	assert.Nil(t, reg.Session(1))
	_, err := mock.GetBookmark(ctx, "vid-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
