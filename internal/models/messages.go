package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates wire messages arriving at the shared inbox.
type MessageType string

const (
	// Observer events (tab monitor to coordinator)
	MsgVideoDetected   MessageType = "video_detected"
	MsgTimestampUpdate MessageType = "timestamp_update"
	MsgVideoClosed     MessageType = "video_closed"
	MsgTabNavigated    MessageType = "tab_navigated"

	// Commands (list view or tab to coordinator)
	MsgInitiateDelete  MessageType = "initiate_delete"
	MsgUndoDelete      MessageType = "undo_delete"
	MsgConfirmDelete   MessageType = "confirm_delete"
	MsgGetAllBookmarks MessageType = "get_all_bookmarks"
	MsgGetVideoState   MessageType = "get_video_state"
	MsgUpdateSettings  MessageType = "update_settings"

	// Coordinator to observers
	MsgSettingsChanged MessageType = "settings_changed"
	MsgResult          MessageType = "result"
	MsgError           MessageType = "error"
)

// Message is the wire envelope. Payload shape depends on Type; TabID
// identifies the originating tab where relevant, and RequestID correlates
// a command with its single reply.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	TabID     int             `json:"tab_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// VideoDetectedData reports a trackable video in a tab. Positions are
// optional: a nil pointer means the observer could not read them yet.
type VideoDetectedData struct {
	VideoID      string   `json:"video_id"`
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Author       string   `json:"author"`
	LastPosition *float64 `json:"last_position,omitempty"`
	MaxPosition  *float64 `json:"max_position,omitempty"`
	AutoTracked  bool     `json:"auto_tracked"`
}

// TimestampUpdateData reports a sampled playback position.
type TimestampUpdateData struct {
	VideoID   string  `json:"video_id"`
	Timestamp float64 `json:"timestamp"`
	IsMaxHint bool    `json:"is_max_hint"`
}

// VideoClosedData reports that a tab stopped watching a video.
type VideoClosedData struct {
	VideoID string `json:"video_id"`
}

// DeleteData carries the subject of a soft-delete transition. Used by
// initiate_delete, undo_delete and confirm_delete in both directions.
type DeleteData struct {
	VideoID string `json:"video_id"`
}

// GetVideoStateData is the pull-based reconciliation query.
type GetVideoStateData struct {
	VideoID string `json:"video_id"`
}

// VideoStateResult answers get_video_state. Either field may be null.
type VideoStateResult struct {
	Bookmark *Bookmark `json:"bookmark"`
	Session  *Session  `json:"session"`
}

// BookmarkListResult answers get_all_bookmarks.
type BookmarkListResult struct {
	Bookmarks []*Bookmark `json:"bookmarks"`
}

// SettingsChangedData is broadcast after a settings mutation.
type SettingsChangedData struct {
	AutoTrack bool `json:"auto_track"`
}

// ErrorData is the payload of an error reply.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseMessage parses a raw wire message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, &InvalidDataError{Field: "type", Reason: "missing message type"}
	}
	return &msg, nil
}

// NewMessage builds an envelope around a payload.
func NewMessage(t MessageType, payload interface{}) (*Message, error) {
	msg := &Message{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// ParseMessageData decodes the payload for a message type. Every known
// type is handled here; adding a type without a case fails loudly at the
// dispatch site rather than silently dropping the message.
func ParseMessageData(msg *Message) (interface{}, error) {
	switch msg.Type {
	case MsgVideoDetected:
		return decodeData[VideoDetectedData](msg)
	case MsgTimestampUpdate:
		return decodeData[TimestampUpdateData](msg)
	case MsgVideoClosed:
		return decodeData[VideoClosedData](msg)
	case MsgTabNavigated:
		return &struct{}{}, nil
	case MsgInitiateDelete, MsgUndoDelete, MsgConfirmDelete:
		return decodeData[DeleteData](msg)
	case MsgGetAllBookmarks:
		return &struct{}{}, nil
	case MsgGetVideoState:
		return decodeData[GetVideoStateData](msg)
	case MsgUpdateSettings:
		return decodeData[SettingsPatch](msg)
	case MsgSettingsChanged:
		return decodeData[SettingsChangedData](msg)
	case MsgError:
		return decodeData[ErrorData](msg)
	case MsgResult:
		return msg.Data, nil
	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func decodeData[T any](msg *Message) (*T, error) {
	var data T
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("parse %s payload: %w", msg.Type, err)
		}
	}
	return &data, nil
}
