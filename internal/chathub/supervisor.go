package chathub

import (
	"context"
	"errors"
	"sync"
	"time"

	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/models"
	"meetgo/backend/internal/storage"

	"github.com/rs/zerolog"
)

const (
	sideEffectQueue   = 256
	sideEffectTimeout = 5 * time.Second
)

// Supervisor owns connection lifecycles: it registers connections, dispatches
// their events to the registry and relay, and tears them down exactly once.
type Supervisor struct {
	Registry *Registry
	Relay    *Relay
	Storage  storage.Storage

	mu    sync.RWMutex
	conns map[string]Client

	jobs chan func(context.Context)
	now  func() time.Time
	log  zerolog.Logger
}

// NewSupervisor wires a relay over registry. s may be nil, which disables
// the audit and presence side effects.
func NewSupervisor(registry *Registry, s storage.Storage) *Supervisor {
	sup := &Supervisor{
		Registry: registry,
		Storage:  s,
		conns:    make(map[string]Client),
		jobs:     make(chan func(context.Context), sideEffectQueue),
		now:      time.Now,
		log:      logging.L().With().Str("component", "supervisor").Logger(),
	}
	sup.Relay = NewRelay(registry, sup, func(c Client) {
		// Tear down off the sender's goroutine; the teardown broadcasts too.
		go sup.Disconnect(c)
	})
	return sup
}

// Register makes c addressable. Nothing else happens until it joins a room.
func (s *Supervisor) Register(c Client) {
	s.mu.Lock()
	s.conns[c.GetConnID()] = c
	n := len(s.conns)
	s.mu.Unlock()

	s.log.Info().
		Str(logging.FieldConnID, c.GetConnID()).
		Str(logging.FieldAnonID, c.GetAnonID()).
		Int("connections", n).
		Msg("connection registered")
}

// Lookup implements Directory.
func (s *Supervisor) Lookup(connID string) (Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connID]
	return c, ok
}

// Connections returns the number of registered connections.
func (s *Supervisor) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Disconnect unregisters c, removes it from its room, notifies the remaining
// members and closes it. Concurrent and repeated calls are safe; only the
// first one has any effect.
func (s *Supervisor) Disconnect(c Client) {
	id := c.GetConnID()

	s.mu.Lock()
	cur, ok := s.conns[id]
	if !ok || cur != c {
		s.mu.Unlock()
		return
	}
	delete(s.conns, id)
	s.mu.Unlock()

	s.leave(id, "disconnect")
	c.Close()

	s.log.Info().Str(logging.FieldConnID, id).Msg("connection unregistered")
}

// CloseRoom disconnects every member of roomID and returns how many there were.
func (s *Supervisor) CloseRoom(roomID string) int {
	ids := s.Registry.Members(roomID)
	for _, id := range ids {
		if c, ok := s.Lookup(id); ok {
			s.Disconnect(c)
		}
	}
	return len(ids)
}

// Dispatch handles one inbound event from c.
func (s *Supervisor) Dispatch(c Client, env models.Envelope) {
	switch env.Event {
	case models.EventJoinRoom:
		s.handleJoin(c, env)
	case models.EventSendSignal:
		s.handleSendSignal(c, env)
	case models.EventReturnSignal:
		s.handleReturnSignal(c, env)
	case models.EventSendChat:
		s.handleChat(c, env)
	case models.EventLeaveRoom:
		s.leave(c.GetConnID(), "leave-room")
	default:
		s.log.Debug().
			Str(logging.FieldConnID, c.GetConnID()).
			Str(logging.FieldEvent, env.Event).
			Msg("ignoring unknown event")
	}
}

func (s *Supervisor) handleJoin(c Client, env models.Envelope) {
	id := c.GetConnID()

	var p models.JoinRoomPayload
	if err := env.Decode(&p); err != nil || p.RoomID == "" {
		s.log.Warn().Err(err).Str(logging.FieldConnID, id).Msg("invalid join-room")
		return
	}

	// Frames read before a teardown may still arrive here.
	if cur, ok := s.Lookup(id); !ok || cur != c {
		s.log.Debug().Str(logging.FieldConnID, id).Msg("join-room from unregistered connection")
		return
	}

	// A connection occupies at most one room; the old one is left only on admission.
	adm, dep, err := s.Registry.Move(p.RoomID, id, p.Username, p.Password)
	if err != nil {
		var joinErr *JoinError
		if errors.As(err, &joinErr) {
			s.log.Info().
				Str(logging.FieldConnID, id).
				Str(logging.FieldRoomID, p.RoomID).
				Str(logging.FieldReason, string(joinErr.Reason)).
				Msg("join rejected")
			s.Relay.Deliver(id, models.MustEnvelope(models.EventJoinError, models.JoinErrorPayload{Message: joinErr.Message()}))
			return
		}
		s.log.Error().Err(err).Str(logging.FieldConnID, id).Msg("join failed")
		return
	}
	if dep != nil {
		s.departed(*dep, "rejoin")
	}

	// Disconnect may have run during Move and found no membership to remove.
	if cur, ok := s.Lookup(id); !ok || cur != c {
		s.leave(id, "disconnect")
		return
	}

	s.Relay.Deliver(id, models.MustEnvelope(models.EventAllUsers, models.AllUsersPayload{Users: adm.Existing}))
	s.Relay.BroadcastJoin(adm.RoomID, Participant{ConnID: id, Username: p.Username, RoomID: adm.RoomID})

	s.log.Info().
		Str(logging.FieldConnID, id).
		Str(logging.FieldRoomID, adm.RoomID).
		Bool("created", adm.Created).
		Int("members", adm.Count).
		Msg("join admitted")

	s.publish(models.RoomEvent{Type: models.RoomEventJoined, RoomID: adm.RoomID, Count: adm.Count})
}

func (s *Supervisor) handleSendSignal(c Client, env models.Envelope) {
	sender, ok := s.Registry.Lookup(c.GetConnID())
	if !ok {
		return
	}
	var p models.SendSignalPayload
	if err := env.Decode(&p); err != nil {
		s.log.Warn().Err(err).Str(logging.FieldConnID, sender.ConnID).Msg("invalid send-signal")
		return
	}
	s.Relay.ForwardOffer(sender, p.Receiver(), p.Signal)
}

func (s *Supervisor) handleReturnSignal(c Client, env models.Envelope) {
	sender, ok := s.Registry.Lookup(c.GetConnID())
	if !ok {
		return
	}
	var p models.ReturnSignalPayload
	if err := env.Decode(&p); err != nil {
		s.log.Warn().Err(err).Str(logging.FieldConnID, sender.ConnID).Msg("invalid return-signal")
		return
	}
	s.Relay.ForwardAnswer(sender, p.CallerID, p.Signal)
}

func (s *Supervisor) handleChat(c Client, env models.Envelope) {
	sender, ok := s.Registry.Lookup(c.GetConnID())
	if !ok {
		return
	}
	var p models.SendChatPayload
	if err := env.Decode(&p); err != nil {
		s.log.Warn().Err(err).Str(logging.FieldConnID, sender.ConnID).Msg("invalid send-chat")
		return
	}
	if p.RoomID != "" && p.RoomID != sender.RoomID {
		return
	}

	msg := p.Message
	msg.Username = sender.Username
	if msg.Timestamp == "" {
		msg.Timestamp = s.now().UTC().Format(time.RFC3339)
	}
	s.Relay.BroadcastChat(sender, msg)
}

// leave is the single teardown path for explicit leaves and disconnects.
func (s *Supervisor) leave(connID, reason string) {
	dep, err := s.Registry.Leave(connID)
	if err != nil {
		return
	}
	s.departed(dep, reason)
}

// departed notifies the room, presence and audit about a completed leave.
func (s *Supervisor) departed(dep Departure, reason string) {
	connID := dep.Participant.ConnID
	roomID := dep.Participant.RoomID
	s.Relay.BroadcastLeave(roomID, connID)

	s.log.Info().
		Str(logging.FieldConnID, connID).
		Str(logging.FieldRoomID, roomID).
		Str(logging.FieldReason, reason).
		Int("members", dep.Remaining).
		Msg("participant left")

	if dep.Closed == nil {
		s.publish(models.RoomEvent{Type: models.RoomEventLeft, RoomID: roomID, Count: dep.Remaining})
		return
	}

	s.log.Info().Str(logging.FieldRoomID, roomID).Int("peak", dep.Closed.PeakSize).Msg("room destroyed")
	s.publish(models.RoomEvent{Type: models.RoomEventClosed, RoomID: roomID})

	record := dep.Closed
	s.enqueue(func(ctx context.Context) {
		if err := s.Storage.SaveRoomSession(ctx, record); err != nil {
			s.log.Error().Err(err).Str(logging.FieldRoomID, record.RoomID).Msg("failed to save room session")
		}
	})
}

func (s *Supervisor) publish(ev models.RoomEvent) {
	ev.Timestamp = s.now().UTC()
	s.enqueue(func(ctx context.Context) {
		if err := s.Storage.PublishRoomEvent(ctx, ev); err != nil {
			s.log.Warn().Err(err).Str(logging.FieldRoomID, ev.RoomID).Msg("failed to publish room event")
		}
	})
}

// enqueue hands a storage call to the Run loop. Storage is never called
// from a connection goroutine, and a backlog drops work instead of blocking.
func (s *Supervisor) enqueue(job func(context.Context)) {
	if s.Storage == nil {
		return
	}
	select {
	case s.jobs <- job:
	default:
		s.log.Warn().Msg("side-effect queue full, dropping")
	}
}

// Run executes queued storage work and listens for operator commands until ctx ends.
func (s *Supervisor) Run(ctx context.Context) {
	s.StartControlListener(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			jobCtx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
			job(jobCtx)
			cancel()
		}
	}
}
