package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/watchmark/watchmark/internal/models"
	"github.com/watchmark/watchmark/internal/router"
)

// HandleMessage dispatches one inbound observer message. Events return a
// nil reply; commands return a result envelope the router correlates by
// request id.
func (c *Coordinator) HandleMessage(conn *router.Conn, msg *models.Message) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	payload, err := models.ParseMessageData(msg)
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case models.MsgVideoDetected:
		d := payload.(*models.VideoDetectedData)
		if err := c.registry.OnVideoDetected(ctx, msg.TabID, d); err != nil {
			return nil, err
		}
		return nil, nil

	case models.MsgTimestampUpdate:
		c.registry.OnTimestampUpdate(ctx, msg.TabID, payload.(*models.TimestampUpdateData))
		return nil, nil

	case models.MsgVideoClosed:
		c.registry.OnVideoClosed(ctx, msg.TabID, payload.(*models.VideoClosedData).VideoID)
		return nil, nil

	case models.MsgTabNavigated:
		c.registry.OnTabRemoved(ctx, msg.TabID)
		return nil, nil

	case models.MsgInitiateDelete:
		d := payload.(*models.DeleteData)
		if err := c.protocol.Initiate(ctx, d.VideoID); err != nil {
			return nil, err
		}
		return resultReply(nil)

	case models.MsgUndoDelete:
		d := payload.(*models.DeleteData)
		if err := c.protocol.Undo(ctx, d.VideoID); err != nil {
			return nil, err
		}
		return resultReply(nil)

	case models.MsgConfirmDelete:
		d := payload.(*models.DeleteData)
		if err := c.protocol.Confirm(ctx, d.VideoID); err != nil {
			return nil, err
		}
		return resultReply(nil)

	case models.MsgGetAllBookmarks:
		bookmarks, err := c.store.AllBookmarks(ctx)
		if err != nil {
			return nil, err
		}
		return resultReply(&models.BookmarkListResult{Bookmarks: bookmarks})

	case models.MsgGetVideoState:
		d := payload.(*models.GetVideoStateData)
		state, err := c.VideoState(ctx, d.VideoID)
		if err != nil {
			return nil, err
		}
		return resultReply(state)

	case models.MsgUpdateSettings:
		settings, err := c.ApplySettings(ctx, *payload.(*models.SettingsPatch))
		if err != nil {
			return nil, err
		}
		return resultReply(settings)

	default:
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownType, msg.Type)
	}
}

// VideoState answers the reconciliation query: the durable record and the
// live session for a video, either of which may be absent. A video mid
// deletion countdown reports a nil bookmark so observers render it gone.
func (c *Coordinator) VideoState(ctx context.Context, videoID string) (*models.VideoStateResult, error) {
	if videoID == "" {
		return nil, &models.InvalidDataError{Field: "video_id", Reason: "must not be empty"}
	}

	state := &models.VideoStateResult{
		Session: c.registry.SessionForVideo(videoID),
	}

	if !c.protocol.Pending(videoID) {
		rec, err := c.store.GetBookmark(ctx, videoID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		state.Bookmark = rec
	}

	return state, nil
}

// Bookmarks lists the durable collection, excluding records mid deletion
// countdown.
func (c *Coordinator) Bookmarks(ctx context.Context) ([]*models.Bookmark, error) {
	all, err := c.store.AllBookmarks(ctx)
	if err != nil {
		return nil, err
	}
	visible := all[:0]
	for _, rec := range all {
		if !c.protocol.Pending(rec.ID) {
			visible = append(visible, rec)
		}
	}
	return visible, nil
}

// Bookmark returns a single durable record.
func (c *Coordinator) Bookmark(ctx context.Context, id string) (*models.Bookmark, error) {
	if c.protocol.Pending(id) {
		return nil, models.ErrNotFound
	}
	return c.store.GetBookmark(ctx, id)
}

// InitiateDelete starts the soft-delete countdown for a bookmark.
func (c *Coordinator) InitiateDelete(ctx context.Context, videoID string) error {
	return c.protocol.Initiate(ctx, videoID)
}

// UndoDelete cancels a pending deletion.
func (c *Coordinator) UndoDelete(ctx context.Context, videoID string) error {
	return c.protocol.Undo(ctx, videoID)
}

// Settings returns the durable settings singleton.
func (c *Coordinator) Settings(ctx context.Context) (models.Settings, error) {
	return c.store.Settings(ctx)
}

// ApplySettings persists a partial settings update and tells every
// observer about the new tracking mode.
func (c *Coordinator) ApplySettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	settings, err := c.store.UpdateSettings(ctx, patch)
	if err != nil {
		return models.Settings{}, err
	}

	broadcast, err := models.NewMessage(models.MsgSettingsChanged,
		&models.SettingsChangedData{AutoTrack: settings.AutoTrack})
	if err == nil {
		c.hub.Broadcast(broadcast)
	}

	c.logger.WithFields(map[string]interface{}{
		"auto_track":     settings.AutoTrack,
		"retention_days": settings.CleanupRetentionDays,
	}).Info("Settings updated")
	return settings, nil
}

// Cleanup runs a retention sweep immediately and reports how many
// bookmarks it removed.
func (c *Coordinator) Cleanup(ctx context.Context) (int, error) {
	removed, err := c.store.CleanupOldBookmarks(ctx)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.logger.WithField("removed", removed).Info("Retention sweep removed stale bookmarks")
	}
	return removed, nil
}

// CreateBackup flushes live progress and snapshots the store.
func (c *Coordinator) CreateBackup(ctx context.Context) error {
	if err := c.registry.FlushAll(ctx); err != nil {
		return err
	}
	return c.store.CreateBackup(ctx)
}

// RestoreFromBackup reinstates the last snapshot and tells observers to
// re-pull state.
func (c *Coordinator) RestoreFromBackup(ctx context.Context) error {
	if err := c.store.RestoreFromBackup(ctx); err != nil {
		return err
	}

	bookmarks, err := c.store.AllBookmarks(ctx)
	if err != nil {
		return err
	}
	broadcast, err := models.NewMessage(models.MsgResult,
		&models.BookmarkListResult{Bookmarks: bookmarks})
	if err == nil {
		c.hub.Broadcast(broadcast)
	}
	return nil
}

func resultReply(payload interface{}) (*models.Message, error) {
	return models.NewMessage(models.MsgResult, payload)
}
