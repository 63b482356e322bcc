package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"meetgo/backend/internal/config"
	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	// ErrDatabaseDisabled is returned by reads when no database is configured.
	ErrDatabaseDisabled = errors.New("database not configured")
	// ErrRedisDisabled is returned by calls that need redis when none is configured.
	ErrRedisDisabled = errors.New("redis not configured")
)

// Storage is everything the signaling server persists or mirrors outside the
// process. None of it is ever read back into room state.
type Storage interface {
	SaveRoomSession(ctx context.Context, session *models.RoomSession) error
	ListRoomSessions(ctx context.Context, roomID string, limit int) ([]models.RoomSession, error)

	PublishRoomEvent(ctx context.Context, ev models.RoomEvent) error
	Occupancy(ctx context.Context) (map[string]int, error)

	PublishControl(ctx context.Context, cmd models.ControlCommand) error
	SubscribeControl(ctx context.Context) (<-chan models.ControlCommand, error)
}

// Service implements Storage over postgres (gorm) and redis. Either backend
// may be nil: writes become no-ops and reads return the matching Err*Disabled.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
	}
}

// PublishRoomEvent mirrors a membership change into the occupancy hash and
// publishes it on the presence channel.
func (s *Service) PublishRoomEvent(ctx context.Context, ev models.RoomEvent) error {
	if s.Redis == nil {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := s.Redis.TxPipeline()
	if ev.Type == models.RoomEventClosed {
		pipe.HDel(ctx, config.PresenceHashKey, ev.RoomID)
	} else {
		pipe.HSet(ctx, config.PresenceHashKey, ev.RoomID, ev.Count)
	}
	pipe.Publish(ctx, config.PresenceChannel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish room event: %w", err)
	}
	return nil
}

// Occupancy reads the mirrored member count of every live room.
func (s *Service) Occupancy(ctx context.Context) (map[string]int, error) {
	if s.Redis == nil {
		return nil, ErrRedisDisabled
	}

	raw, err := s.Redis.HGetAll(ctx, config.PresenceHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read occupancy: %w", err)
	}

	out := make(map[string]int, len(raw))
	for room, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[room] = n
	}
	return out, nil
}

// PublishControl sends an operator command to every running server.
func (s *Service) PublishControl(ctx context.Context, cmd models.ControlCommand) error {
	if s.Redis == nil {
		return ErrRedisDisabled
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return s.Redis.Publish(ctx, config.ControlChannel, payload).Err()
}

// SubscribeControl delivers operator commands until ctx is done, then closes
// the returned channel.
func (s *Service) SubscribeControl(ctx context.Context) (<-chan models.ControlCommand, error) {
	if s.Redis == nil {
		return nil, ErrRedisDisabled
	}

	pubsub := s.Redis.Subscribe(ctx, config.ControlChannel)
	// Wait for the subscription to be confirmed so no command is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", config.ControlChannel, err)
	}

	out := make(chan models.ControlCommand)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cmd models.ControlCommand
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
					log := logging.L()
					log.Warn().Err(err).Msg("dropping malformed control command")
					continue
				}
				select {
				case out <- cmd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
