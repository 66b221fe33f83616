package coordinator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmark/watchmark/internal/config"
	"github.com/watchmark/watchmark/internal/coordinator"
	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/models"
)

func newCoordinator(t *testing.T, undoWindow time.Duration) *coordinator.Coordinator {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Deletion.UndoWindow = undoWindow
	cfg.Retry.InitialDelay = time.Millisecond

	coord, err := coordinator.New(cfg, events.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = coord.Shutdown(context.Background())
	})
	return coord
}

func send(t *testing.T, coord *coordinator.Coordinator, tabID int, msgType models.MessageType, payload interface{}) *models.Message {
	t.Helper()
	msg, err := models.NewMessage(msgType, payload)
	require.NoError(t, err)
	msg.TabID = tabID

	reply, err := coord.HandleMessage(nil, msg)
	require.NoError(t, err)
	return reply
}

func TestCoordinatorTrackFlow(t *testing.T) {
	coord := newCoordinator(t, time.Hour)
	ctx := context.Background()

	reply := send(t, coord, 1, models.MsgVideoDetected, &models.VideoDetectedData{
		VideoID: "vid-1",
		URL:     "https://example.com/watch?v=vid-1",
		Title:   "Flow Test",
		Author:  "Channel",
	})
	assert.Nil(t, reply)

	send(t, coord, 1, models.MsgTimestampUpdate, &models.TimestampUpdateData{
		VideoID: "vid-1", Timestamp: 30,
	})

	// The reconciliation query sees the live session before any flush.
	state, err := coord.VideoState(ctx, "vid-1")
	require.NoError(t, err)
	require.NotNil(t, state.Session)
	assert.Equal(t, 30.0, state.Session.LastPosition)

	// Closing the video persists it.
	send(t, coord, 1, models.MsgVideoClosed, &models.VideoClosedData{VideoID: "vid-1"})

	state, err = coord.VideoState(ctx, "vid-1")
	require.NoError(t, err)
	assert.Nil(t, state.Session)
	require.NotNil(t, state.Bookmark)
	assert.Equal(t, 30.0, state.Bookmark.LastPosition)
}

func TestCoordinatorGetAllBookmarks(t *testing.T) {
	coord := newCoordinator(t, time.Hour)

	send(t, coord, 1, models.MsgVideoDetected, &models.VideoDetectedData{
		VideoID: "vid-1", Title: "One", Author: "A",
	})
	send(t, coord, 1, models.MsgVideoClosed, &models.VideoClosedData{VideoID: "vid-1"})

	reply := send(t, coord, 0, models.MsgGetAllBookmarks, nil)
	require.NotNil(t, reply)
	require.Equal(t, models.MsgResult, reply.Type)

	var list models.BookmarkListResult
	require.NoError(t, json.Unmarshal(reply.Data, &list))
	require.Len(t, list.Bookmarks, 1)
	assert.Equal(t, "vid-1", list.Bookmarks[0].ID)
}

func TestCoordinatorDeleteFlow(t *testing.T) {
	coord := newCoordinator(t, time.Hour)
	ctx := context.Background()

	send(t, coord, 1, models.MsgVideoDetected, &models.VideoDetectedData{
		VideoID: "vid-1", Title: "Doomed", Author: "A",
	})
	send(t, coord, 1, models.MsgVideoClosed, &models.VideoClosedData{VideoID: "vid-1"})

	send(t, coord, 0, models.MsgInitiateDelete, &models.DeleteData{VideoID: "vid-1"})

	// Pending records vanish from reads while the countdown runs.
	_, err := coord.Bookmark(ctx, "vid-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	list, err := coord.Bookmarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Undo inside the window brings it back untouched.
	send(t, coord, 0, models.MsgUndoDelete, &models.DeleteData{VideoID: "vid-1"})

	rec, err := coord.Bookmark(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "Doomed", rec.Title)

	// Confirm finishes it for good.
	send(t, coord, 0, models.MsgInitiateDelete, &models.DeleteData{VideoID: "vid-1"})
	send(t, coord, 0, models.MsgConfirmDelete, &models.DeleteData{VideoID: "vid-1"})

	_, err = coord.Bookmark(ctx, "vid-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCoordinatorSettingsUpdate(t *testing.T) {
	coord := newCoordinator(t, time.Hour)

	auto := false
	reply := send(t, coord, 0, models.MsgUpdateSettings, &models.SettingsPatch{AutoTrack: &auto})
	require.NotNil(t, reply)

	var settings models.Settings
	require.NoError(t, json.Unmarshal(reply.Data, &settings))
	assert.False(t, settings.AutoTrack)

	current, err := coord.Settings(context.Background())
	require.NoError(t, err)
	assert.False(t, current.AutoTrack)
}

func TestCoordinatorBackupRestore(t *testing.T) {
	coord := newCoordinator(t, time.Hour)
	ctx := context.Background()

	send(t, coord, 1, models.MsgVideoDetected, &models.VideoDetectedData{
		VideoID: "vid-1", Title: "Keep Me", Author: "A",
	})

	// CreateBackup flushes live sessions first, so the unclosed session
	// lands in the snapshot.
	require.NoError(t, coord.CreateBackup(ctx))

	send(t, coord, 1, models.MsgVideoClosed, &models.VideoClosedData{VideoID: "vid-1"})
	send(t, coord, 0, models.MsgInitiateDelete, &models.DeleteData{VideoID: "vid-1"})
	send(t, coord, 0, models.MsgConfirmDelete, &models.DeleteData{VideoID: "vid-1"})

	require.NoError(t, coord.RestoreFromBackup(ctx))

	rec, err := coord.Bookmark(ctx, "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "Keep Me", rec.Title)
}

func TestCoordinatorRejectsUnknownType(t *testing.T) {
	coord := newCoordinator(t, time.Hour)

	_, err := coord.HandleMessage(nil, &models.Message{Type: "bogus"})
	assert.Error(t, err)
}
