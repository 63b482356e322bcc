package chathub_test

import (
	"context"

	"meetgo/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) SaveRoomSession(ctx context.Context, session *models.RoomSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockStorage) ListRoomSessions(ctx context.Context, roomID string, limit int) ([]models.RoomSession, error) {
	args := m.Called(ctx, roomID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.RoomSession), args.Error(1)
}

func (m *MockStorage) PublishRoomEvent(ctx context.Context, ev models.RoomEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockStorage) Occupancy(ctx context.Context) (map[string]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int), args.Error(1)
}

func (m *MockStorage) PublishControl(ctx context.Context, cmd models.ControlCommand) error {
	args := m.Called(ctx, cmd)
	return args.Error(0)
}

func (m *MockStorage) SubscribeControl(ctx context.Context) (<-chan models.ControlCommand, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan models.ControlCommand), args.Error(1)
}
