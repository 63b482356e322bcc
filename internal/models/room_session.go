package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// RoomSession is the audit record written once when a room is destroyed.
// It is never read back to restore a room.
type RoomSession struct {
	ID           string         `gorm:"primaryKey" json:"id"`
	RoomID       string         `gorm:"type:text;not null;index" json:"room_id"`
	Protected    bool           `json:"protected"`
	Participants pq.StringArray `gorm:"type:text[]" json:"participants"` // display names, in join order
	PeakSize     int            `json:"peak_size"`
	OpenedAt     time.Time      `json:"opened_at"`
	ClosedAt     time.Time      `gorm:"index" json:"closed_at"`
}

// BeforeCreate assigns a UUID when the caller did not.
func (s *RoomSession) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return
}

// Duration is how long the room existed.
func (s *RoomSession) Duration() time.Duration {
	if s.ClosedAt.Before(s.OpenedAt) {
		return 0
	}
	return s.ClosedAt.Sub(s.OpenedAt)
}

// RoomSummary is the public view of a live room.
type RoomSummary struct {
	RoomID  string `json:"roomId"`
	Members int    `json:"members"`
}

// Presence event types published on the presence channel.
const (
	RoomEventJoined = "joined"
	RoomEventLeft   = "left"
	RoomEventClosed = "closed"
)

// RoomEvent mirrors a membership change for external observers.
type RoomEvent struct {
	Type      string    `json:"type"`
	RoomID    string    `json:"room_id"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlCommand is an operator instruction received over the control channel.
type ControlCommand struct {
	Action string `json:"action"`
	RoomID string `json:"room_id"`
}
