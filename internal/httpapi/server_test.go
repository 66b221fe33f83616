package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchmark/watchmark/internal/config"
	"github.com/watchmark/watchmark/internal/coordinator"
	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/httpapi"
	"github.com/watchmark/watchmark/internal/models"
)

func startAPI(t *testing.T) (*httptest.Server, *coordinator.Coordinator) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Deletion.UndoWindow = time.Hour
	cfg.Server.RateLimit = 0 // off for tests

	coord, err := coordinator.New(cfg, events.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)

	server := httpapi.New(&cfg.Server, coord, events.NewNopLogger())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		_ = coord.Shutdown(context.Background())
	})
	return ts, coord
}

func seed(t *testing.T, coord *coordinator.Coordinator, id, title string) {
	t.Helper()
	msg, err := models.NewMessage(models.MsgVideoDetected, &models.VideoDetectedData{
		VideoID: id, Title: title, Author: "Channel",
	})
	require.NoError(t, err)
	msg.TabID = 1
	_, err = coord.HandleMessage(nil, msg)
	require.NoError(t, err)

	closed, err := models.NewMessage(models.MsgVideoClosed, &models.VideoClosedData{VideoID: id})
	require.NoError(t, err)
	closed.TabID = 1
	_, err = coord.HandleMessage(nil, closed)
	require.NoError(t, err)
}

func TestAPIHealth(t *testing.T) {
	ts, _ := startAPI(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIBookmarks(t *testing.T) {
	ts, coord := startAPI(t)
	seed(t, coord, "vid-1", "First")

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/bookmarks")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var list models.BookmarkListResult
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		require.Len(t, list.Bookmarks, 1)
		assert.Equal(t, "First", list.Bookmarks[0].Title)
	})

	t.Run("get one", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/bookmarks/vid-1")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var rec models.Bookmark
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
		assert.Equal(t, "vid-1", rec.ID)
	})

	t.Run("get missing", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/bookmarks/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var apiErr models.ErrorData
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
		assert.Equal(t, models.ErrCodeNotFound, apiErr.Code)
	})
}

func TestAPIDeleteAndUndo(t *testing.T) {
	ts, coord := startAPI(t)
	seed(t, coord, "vid-1", "Doomed")

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/bookmarks/vid-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Pending records disappear from the list.
	listResp, err := http.Get(ts.URL + "/api/bookmarks")
	require.NoError(t, err)
	var list models.BookmarkListResult
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	listResp.Body.Close()
	assert.Empty(t, list.Bookmarks)

	// Undo within the window brings them back.
	undoResp, err := http.Post(ts.URL+"/api/bookmarks/vid-1/undo", "", nil)
	require.NoError(t, err)
	undoResp.Body.Close()
	assert.Equal(t, http.StatusOK, undoResp.StatusCode)

	rec, err := coord.Bookmark(context.Background(), "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "Doomed", rec.Title)
}

func TestAPISettings(t *testing.T) {
	ts, _ := startAPI(t)

	patch := `{"auto_track": false, "cleanup_retention_days": 14}`
	req, err := http.NewRequest(http.MethodPatch, ts.URL+"/api/settings",
		bytes.NewBufferString(patch))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var settings models.Settings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&settings))
	assert.False(t, settings.AutoTrack)
	assert.Equal(t, 14, settings.CleanupRetentionDays)
}

func TestAPIBackupRestore(t *testing.T) {
	ts, coord := startAPI(t)
	seed(t, coord, "vid-1", "Keep Me")

	resp, err := http.Post(ts.URL+"/api/backup", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/bookmarks/vid-1", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()

	// Finish the deletion so the restore is what brings the record back.
	confirm, err := models.NewMessage(models.MsgConfirmDelete, &models.DeleteData{VideoID: "vid-1"})
	require.NoError(t, err)
	_, err = coord.HandleMessage(nil, confirm)
	require.NoError(t, err)

	restoreResp, err := http.Post(ts.URL+"/api/restore", "", nil)
	require.NoError(t, err)
	restoreResp.Body.Close()
	require.Equal(t, http.StatusOK, restoreResp.StatusCode)

	rec, err := coord.Bookmark(context.Background(), "vid-1")
	require.NoError(t, err)
	assert.Equal(t, "Keep Me", rec.Title)
}

func TestAPIMetricsEndpoint(t *testing.T) {
	ts, _ := startAPI(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPICleanup(t *testing.T) {
	ts, coord := startAPI(t)
	seed(t, coord, "vid-1", "Fresh")

	resp, err := http.Post(ts.URL+"/api/cleanup", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Zero(t, result.Removed)

	// A sweep never touches records inside the retention window.
	_, err = coord.Bookmark(context.Background(), "vid-1")
	assert.NoError(t, err)
}
