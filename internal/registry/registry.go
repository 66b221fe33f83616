// Package registry owns the in-memory map of actively-watched videos,
// keyed by tab. It mediates between live tab events and the durable
// store: sessions are always persisted before they are evicted, and
// position reports can arrive out of order or duplicated without ever
// regressing the recorded maximum.
package registry

import (
	"context"
	"time"

	"sync"

	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/metrics"
	"github.com/watchmark/watchmark/internal/models"
	"github.com/watchmark/watchmark/internal/store"
)

// Registry tracks one session per tab.
type Registry struct {
	store   store.Store
	logger  *events.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	sessions map[int]*models.Session
	dirty    map[int]bool
}

// New creates a registry backed by the given store.
func New(st store.Store, logger *events.Logger, collector *metrics.Collector) *Registry {
	return &Registry{
		store:    st,
		logger:   logger.WithField("component", "registry"),
		metrics:  collector,
		sessions: make(map[int]*models.Session),
		dirty:    make(map[int]bool),
	}
}

// OnVideoDetected creates or updates the tab's session. A tab switching
// to a different video first persists and evicts the old session so the
// previous position is never silently lost. Blank incoming metadata is
// backfilled from the existing session or the durable record; a
// detection that still has neither title nor author is rejected so it
// cannot overwrite good state with blanks.
func (r *Registry) OnVideoDetected(ctx context.Context, tabID int, d *models.VideoDetectedData) error {
	if d == nil || d.VideoID == "" {
		return &models.InvalidDataError{Field: "video_id", Reason: "must not be empty"}
	}

	r.mu.Lock()
	existing := r.sessions[tabID]

	var evicted *models.Bookmark
	if existing != nil && existing.VideoID != d.VideoID {
		if !existing.PendingDeletion {
			evicted = existing.ToBookmark()
		}
		delete(r.sessions, tabID)
		delete(r.dirty, tabID)
		existing = nil
	}

	session := existing
	if session == nil {
		session = &models.Session{VideoID: d.VideoID, TabID: tabID}
	}

	title := d.Title
	author := d.Author
	if title == "" {
		title = session.Title
	}
	if author == "" {
		author = session.Author
	}
	r.mu.Unlock()

	// Flush the evicted session before anything else can race the save.
	if evicted != nil {
		if err := r.store.SaveBookmark(ctx, evicted); err != nil {
			r.logger.WithError(err).WithField("video_id", evicted.ID).
				Warn("Failed to persist evicted session")
		}
	}

	// A brand-new session with no position may resume from the durable
	// record; transient blank metadata heals from it too.
	var known *models.Bookmark
	if title == "" || author == "" || d.LastPosition == nil {
		if rec, err := r.store.GetBookmark(ctx, d.VideoID); err == nil {
			known = rec
		}
	}
	if known != nil {
		if title == "" {
			title = known.Title
		}
		if author == "" {
			author = known.Author
		}
	}

	if title == "" && author == "" {
		r.logger.WithFields(map[string]interface{}{
			"tab_id":   tabID,
			"video_id": d.VideoID,
		}).Warn("Rejecting detection with blank metadata")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check: the session may have moved on while we were reading.
	if current := r.sessions[tabID]; current != nil && current.VideoID != d.VideoID {
		return nil
	} else if current != nil {
		session = current
	} else {
		r.sessions[tabID] = session
	}

	session.URL = firstNonEmpty(d.URL, session.URL)
	session.Title = title
	session.Author = author
	session.AutoTracked = d.AutoTracked

	if d.LastPosition != nil {
		session.LastPosition = *d.LastPosition
	} else if session.LastPosition == 0 && known != nil {
		session.LastPosition = known.LastPosition
	}
	if d.MaxPosition != nil && *d.MaxPosition > session.MaxPosition {
		session.MaxPosition = *d.MaxPosition
	}
	if known != nil && known.MaxPosition > session.MaxPosition {
		session.MaxPosition = known.MaxPosition
	}
	if session.MaxPosition < session.LastPosition {
		session.MaxPosition = session.LastPosition
	}
	session.LastUpdate = time.Now().UTC()

	r.dirty[tabID] = true
	r.metrics.SetActiveSessions(len(r.sessions))

	r.logger.WithFields(map[string]interface{}{
		"tab_id":   tabID,
		"video_id": d.VideoID,
		"title":    session.Title,
	}).Debug("Session active")

	return nil
}

// OnTimestampUpdate applies a sampled position. Stale reports for a
// different video and sessions mid-deletion are ignored. MaxPosition
// never regresses except under an explicit max hint, which pins it to
// the reported value (used when "ended" events carry the duration).
func (r *Registry) OnTimestampUpdate(ctx context.Context, tabID int, d *models.TimestampUpdateData) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session := r.sessions[tabID]
	if session == nil || session.VideoID != d.VideoID {
		r.logger.WithFields(map[string]interface{}{
			"tab_id":   tabID,
			"video_id": d.VideoID,
		}).Debug("Ignoring stale timestamp update")
		return
	}
	if session.PendingDeletion {
		return
	}
	if d.Timestamp < 0 {
		return
	}

	session.LastPosition = d.Timestamp
	if d.IsMaxHint {
		session.MaxPosition = d.Timestamp
	} else if d.Timestamp > session.MaxPosition {
		session.MaxPosition = d.Timestamp
	}
	if session.MaxPosition < session.LastPosition {
		session.MaxPosition = session.LastPosition
	}
	session.LastUpdate = time.Now().UTC()
	r.dirty[tabID] = true
}

// OnVideoClosed flushes and evicts the tab's session for this video.
func (r *Registry) OnVideoClosed(ctx context.Context, tabID int, videoID string) {
	r.mu.Lock()
	session := r.sessions[tabID]
	if session == nil || (videoID != "" && session.VideoID != videoID) {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, tabID)
	delete(r.dirty, tabID)
	r.metrics.SetActiveSessions(len(r.sessions))
	pending := session.PendingDeletion
	rec := session.ToBookmark()
	r.mu.Unlock()

	if pending {
		return
	}
	if err := r.store.SaveBookmark(ctx, rec); err != nil {
		r.logger.WithError(err).WithField("video_id", rec.ID).
			Warn("Failed to persist closed session")
	}
}

// OnTabRemoved flushes and evicts whatever the tab was tracking.
func (r *Registry) OnTabRemoved(ctx context.Context, tabID int) {
	r.OnVideoClosed(ctx, tabID, "")
}

// Session returns a copy of the tab's session, or nil.
func (r *Registry) Session(tabID int) *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[tabID].Clone()
}

// SessionForVideo returns a copy of any session watching the video.
func (r *Registry) SessionForVideo(videoID string) *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.VideoID == videoID {
			return session.Clone()
		}
	}
	return nil
}

// Sessions returns copies of all sessions.
func (r *Registry) Sessions() []*models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session.Clone())
	}
	return out
}

// SetPendingDeletion flags every session watching the video. Flagged
// sessions stop accepting position updates and are skipped by flushes,
// so a routine save cannot resurrect a bookmark mid-countdown.
func (r *Registry) SetPendingDeletion(videoID string, pending bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.VideoID == videoID {
			session.PendingDeletion = pending
		}
	}
}

// EvictVideo removes every session watching the video without flushing.
// Used when a deletion is confirmed: the durable record is gone and must
// not be rewritten.
func (r *Registry) EvictVideo(videoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tabID, session := range r.sessions {
		if session.VideoID == videoID {
			delete(r.sessions, tabID)
			delete(r.dirty, tabID)
		}
	}
	r.metrics.SetActiveSessions(len(r.sessions))
}

// FlushDirty persists every modified session except those mid-deletion.
func (r *Registry) FlushDirty(ctx context.Context) error {
	return r.flush(ctx, false)
}

// FlushAll persists every session except those mid-deletion, regardless
// of dirtiness. Used on shutdown.
func (r *Registry) FlushAll(ctx context.Context) error {
	return r.flush(ctx, true)
}

func (r *Registry) flush(ctx context.Context, all bool) error {
	start := time.Now()

	r.mu.Lock()
	var records []*models.Bookmark
	var tabs []int
	for tabID, session := range r.sessions {
		if session.PendingDeletion {
			continue
		}
		if !all && !r.dirty[tabID] {
			continue
		}
		records = append(records, session.ToBookmark())
		tabs = append(tabs, tabID)
	}
	r.mu.Unlock()

	var lastErr error
	for i, rec := range records {
		if err := r.store.SaveBookmark(ctx, rec); err != nil {
			lastErr = err
			r.logger.WithError(err).WithField("video_id", rec.ID).Warn("Flush failed")
			continue
		}
		r.mu.Lock()
		// Only clear dirtiness if the session was not touched again
		// while the save was in flight.
		if session := r.sessions[tabs[i]]; session != nil && session.VideoID == rec.ID &&
			session.LastPosition == rec.LastPosition {
			delete(r.dirty, tabs[i])
		}
		r.mu.Unlock()
	}

	if len(records) > 0 {
		r.metrics.RecordFlush(time.Since(start))
		r.logger.WithField("sessions", len(records)).Debug("Flushed sessions")
	}
	return lastErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
