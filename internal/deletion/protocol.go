// Package deletion implements the three-state soft-delete protocol.
// Deletion is never instantaneous: a bookmark moves Active ->
// PendingDeletion -> Deleted, with a single authoritative countdown held
// here at the coordinator. Observers only mirror the transitions they
// receive over best-effort broadcast; a missed broadcast self-heals the
// next time an observer pulls current state.
package deletion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/metrics"
	"github.com/watchmark/watchmark/internal/models"
	"github.com/watchmark/watchmark/internal/registry"
	"github.com/watchmark/watchmark/internal/store"
)

// Broadcaster fans a message out to all connected observers with no
// delivery guarantee.
type Broadcaster interface {
	Broadcast(msg *models.Message)
}

// Protocol owns the authoritative deletion timers.
type Protocol struct {
	registry    *registry.Registry
	store       store.Store
	broadcaster Broadcaster
	window      time.Duration
	logger      *events.Logger
	metrics     *metrics.Collector

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates the protocol with the given undo window.
func New(reg *registry.Registry, st store.Store, b Broadcaster, window time.Duration,
	logger *events.Logger, collector *metrics.Collector) *Protocol {
	return &Protocol{
		registry:    reg,
		store:       st,
		broadcaster: b,
		window:      window,
		logger:      logger.WithField("component", "deletion"),
		metrics:     collector,
		timers:      make(map[string]*time.Timer),
	}
}

// Initiate moves a bookmark to PendingDeletion: live tracking stops, the
// countdown starts, and every observer is told so it can render its own
// undo affordance. Re-initiating an already-pending video restarts the
// single countdown; two independent timers can never exist for one id.
func (p *Protocol) Initiate(ctx context.Context, videoID string) error {
	if videoID == "" {
		return &models.InvalidDataError{Field: "video_id", Reason: "must not be empty"}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return models.ErrHubClosed
	}
	if timer, ok := p.timers[videoID]; ok {
		timer.Reset(p.window)
		p.mu.Unlock()
		p.logger.WithField("video_id", videoID).Debug("Restarted deletion countdown")
		return nil
	}
	p.timers[videoID] = time.AfterFunc(p.window, func() {
		p.expire(videoID)
	})
	p.mu.Unlock()

	p.registry.SetPendingDeletion(videoID, true)
	p.broadcast(models.MsgInitiateDelete, videoID)

	p.logger.WithFields(map[string]interface{}{
		"video_id": videoID,
		"window":   p.window.String(),
	}).Info("Deletion initiated")
	return nil
}

// Undo cancels a pending deletion inside the countdown window. After the
// deletion has fired the id is terminal and undo is a no-op.
func (p *Protocol) Undo(ctx context.Context, videoID string) error {
	p.mu.Lock()
	timer, ok := p.timers[videoID]
	if ok {
		timer.Stop()
		delete(p.timers, videoID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.WithField("video_id", videoID).Debug("Undo for non-pending video ignored")
		return nil
	}

	p.registry.SetPendingDeletion(videoID, false)
	p.broadcast(models.MsgUndoDelete, videoID)
	p.metrics.RecordDeletion("undone")

	p.logger.WithField("video_id", videoID).Info("Deletion undone")
	return nil
}

// Confirm finalizes a pending deletion before the countdown elapses.
// Confirming a video that is not pending is a no-op: the terminal state
// is idempotent.
func (p *Protocol) Confirm(ctx context.Context, videoID string) error {
	p.mu.Lock()
	timer, ok := p.timers[videoID]
	if ok {
		timer.Stop()
		delete(p.timers, videoID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.WithField("video_id", videoID).Debug("Confirm for non-pending video ignored")
		return nil
	}

	return p.finalize(ctx, videoID, "confirmed")
}

// Pending reports whether a countdown is running for the video.
func (p *Protocol) Pending(videoID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[videoID]
	return ok
}

// Close cancels every countdown. Pending deletions are abandoned, not
// confirmed: acting on torn-down state is worse than leaving a bookmark
// behind for the next run.
func (p *Protocol) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, timer := range p.timers {
		timer.Stop()
		delete(p.timers, id)
	}
}

// expire runs when the countdown elapses without an undo.
func (p *Protocol) expire(videoID string) {
	p.mu.Lock()
	_, ok := p.timers[videoID]
	if ok {
		delete(p.timers, videoID)
	}
	closed := p.closed
	p.mu.Unlock()

	// An undo or confirm may have raced the timer firing.
	if !ok || closed {
		return
	}

	if err := p.finalize(context.Background(), videoID, "expired"); err != nil {
		p.logger.WithError(err).WithField("video_id", videoID).Error("Deletion failed after countdown")
	}
}

// finalize removes the session and the durable record, then tells every
// observer to drop the bookmark from its list.
func (p *Protocol) finalize(ctx context.Context, videoID string, outcome string) error {
	p.registry.EvictVideo(videoID)

	if err := p.store.DeleteBookmark(ctx, videoID); err != nil &&
		!errors.Is(err, models.ErrNotFound) {
		// Keep observers in their pending state: the confirm broadcast
		// only goes out once the record is actually gone.
		return err
	}

	p.broadcast(models.MsgConfirmDelete, videoID)
	p.metrics.RecordDeletion(outcome)

	p.logger.WithFields(map[string]interface{}{
		"video_id": videoID,
		"outcome":  outcome,
	}).Info("Bookmark deleted")
	return nil
}

func (p *Protocol) broadcast(t models.MessageType, videoID string) {
	msg, err := models.NewMessage(t, &models.DeleteData{VideoID: videoID})
	if err != nil {
		p.logger.WithError(err).Error("Failed to build broadcast")
		return
	}
	p.broadcaster.Broadcast(msg)
}
