package storage

import (
	"context"
	"fmt"

	"meetgo/backend/internal/models"
)

// SaveRoomSession writes the audit row of a destroyed room.
func (s *Service) SaveRoomSession(ctx context.Context, session *models.RoomSession) error {
	if s.DB == nil {
		return nil
	}
	if err := s.DB.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("save room session %s: %w", session.RoomID, err)
	}
	return nil
}

// ListRoomSessions returns the newest recorded sessions, optionally for one room only.
func (s *Service) ListRoomSessions(ctx context.Context, roomID string, limit int) ([]models.RoomSession, error) {
	if s.DB == nil {
		return nil, ErrDatabaseDisabled
	}

	q := s.DB.WithContext(ctx).Order("closed_at desc")
	if roomID != "" {
		q = q.Where("room_id = ?", roomID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var sessions []models.RoomSession
	if err := q.Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list room sessions: %w", err)
	}
	return sessions, nil
}

// Migrate creates or updates the audit table.
func (s *Service) Migrate() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.AutoMigrate(&models.RoomSession{})
}
