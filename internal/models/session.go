package models

import "time"

// Session is the in-memory record of a tab actively watching a video.
// The session registry exclusively owns session lifetime; everything else
// sees copies.
type Session struct {
	VideoID         string    `json:"video_id"`
	TabID           int       `json:"tab_id"`
	URL             string    `json:"url"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	LastPosition    float64   `json:"last_position"`
	MaxPosition     float64   `json:"max_position"`
	LastUpdate      time.Time `json:"last_update"`
	AutoTracked     bool      `json:"auto_tracked"`
	PendingDeletion bool      `json:"pending_deletion"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// ToBookmark converts the session into a durable record. CreatedAt is left
// zero; the store preserves it from the existing record on upsert.
func (s *Session) ToBookmark() *Bookmark {
	return &Bookmark{
		ID:           s.VideoID,
		URL:          s.URL,
		Title:        s.Title,
		Author:       s.Author,
		LastPosition: s.LastPosition,
		MaxPosition:  s.MaxPosition,
	}
}
