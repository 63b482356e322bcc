package chathub

import (
	"context"
	"errors"

	"meetgo/backend/internal/config"
	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/models"
	"meetgo/backend/internal/storage"
)

// StartControlListener subscribes to the operator control channel and
// applies commands as they arrive. It returns immediately.
func (s *Supervisor) StartControlListener(ctx context.Context) {
	if s.Storage == nil {
		return
	}

	cmds, err := s.Storage.SubscribeControl(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrRedisDisabled) {
			s.log.Debug().Msg("redis disabled, control channel not available")
			return
		}
		s.log.Warn().Err(err).Msg("failed to subscribe to control channel")
		return
	}

	go func() {
		for cmd := range cmds {
			s.HandleControl(cmd)
		}
	}()
}

// HandleControl applies one operator command.
func (s *Supervisor) HandleControl(cmd models.ControlCommand) {
	switch cmd.Action {
	case config.ControlCloseRoom:
		n := s.CloseRoom(cmd.RoomID)
		s.log.Info().Str(logging.FieldRoomID, cmd.RoomID).Int("members", n).Msg("room closed by operator")
	default:
		s.log.Warn().Str("action", cmd.Action).Msg("unknown control command")
	}
}
