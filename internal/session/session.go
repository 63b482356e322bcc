// Package session drives one client's stay in a room: the join handshake,
// dispatch of server events to the mesh, chat and the synchronous leave.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"meetgo/backend/internal/config"
	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/media"
	"meetgo/backend/internal/mesh"
	"meetgo/backend/internal/models"

	"github.com/rs/zerolog"
)

var (
	ErrNameRequired   = errors.New("username is required")
	ErrRoomRequired   = errors.New("room id is required")
	ErrNoLocalStream  = errors.New("no local media stream")
	ErrJoinRejected   = errors.New("join rejected")
	ErrJoinTimeout    = errors.New("join timed out")
	ErrNotJoined      = errors.New("not in a room")
	ErrAlreadyJoined  = errors.New("already joined")
	ErrEmptyMessage   = errors.New("empty chat message")
	ErrTransportEnded = errors.New("signaling connection ended")
)

// Transport is the signaling connection. signaling.Transport implements it.
type Transport interface {
	Emit(event string, payload any) error
	Events() <-chan models.Envelope
	Close() error
}

type Config struct {
	RoomID   string
	Username string
	Password string
	// JoinTimeout bounds the wait for all-users or join-error.
	JoinTimeout time.Duration
}

// ChatEntry is one line of the room chat as seen by this client.
type ChatEntry struct {
	models.ChatMessage
	IsMe bool
}

type state int

const (
	stateIdle state = iota
	stateJoining
	stateJoined
	stateLeft
)

// Option configures a Session.
type Option func(*Session)

// WithChatObserver is called for every chat line, sent or received.
func WithChatObserver(fn func(ChatEntry)) Option {
	return func(s *Session) { s.onChat = fn }
}

// WithLinkObserver is called on every peer link change.
func WithLinkObserver(fn func(mesh.Link)) Option {
	return func(s *Session) { s.onLink = fn }
}

// WithDisconnectHandler is called once if the server connection ends while joined.
func WithDisconnectHandler(fn func(error)) Option {
	return func(s *Session) { s.onDisconnect = fn }
}

type Session struct {
	cfg       Config
	transport Transport
	media     *media.Controller
	mesh      *mesh.Orchestrator

	onChat       func(ChatEntry)
	onLink       func(mesh.Link)
	onDisconnect func(error)
	now          func() time.Time

	mu    sync.Mutex
	state state
	chat  []ChatEntry

	leaveOnce sync.Once
	log       zerolog.Logger
}

// New prepares a session. Links are opened with dialer and carry the tracks
// owned by m.
func New(cfg Config, t Transport, m *media.Controller, dialer mesh.Dialer, opts ...Option) *Session {
	cfg.RoomID = strings.TrimSpace(cfg.RoomID)
	cfg.Username = strings.TrimSpace(cfg.Username)
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = config.JoinTimeout
	}

	s := &Session{
		cfg:       cfg,
		transport: t,
		media:     m,
		now:       time.Now,
		log: logging.L().With().
			Str("component", "session").
			Str(logging.FieldRoomID, cfg.RoomID).
			Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	meshOpts := []mesh.Option{}
	if m != nil {
		meshOpts = append(meshOpts, mesh.WithAttacher(m))
	}
	if s.onLink != nil {
		meshOpts = append(meshOpts, mesh.WithObserver(s.onLink))
	}
	s.mesh = mesh.NewOrchestrator(dialer, signaler{t: t, username: cfg.Username}, meshOpts...)
	return s
}

// Join asks the server for admission and returns once the membership
// snapshot arrived. Peer links to the existing members are being negotiated
// when it returns.
func (s *Session) Join(ctx context.Context) error {
	switch {
	case s.cfg.Username == "":
		return ErrNameRequired
	case s.cfg.RoomID == "":
		return ErrRoomRequired
	case s.media == nil || !s.media.HasLocalStream():
		return ErrNoLocalStream
	}

	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.state = stateJoining
	s.mu.Unlock()

	users, early, err := s.handshake(ctx)

	s.mu.Lock()
	if s.state != stateJoining {
		// Left while waiting.
		s.mu.Unlock()
		return ErrNotJoined
	}
	if err != nil {
		s.state = stateIdle
		s.mu.Unlock()
		return err
	}
	s.state = stateJoined
	s.mu.Unlock()

	s.log.Info().Int("members", len(users)+1).Msg("joined room")
	s.mesh.HandleAllUsers(users)
	for _, env := range early {
		s.dispatch(env)
	}

	go s.run()
	return nil
}

// handshake emits join-room and waits for the verdict. Events that arrive
// before all-users are handed back for dispatch after the mesh saw the snapshot.
func (s *Session) handshake(ctx context.Context) ([]models.RoomUser, []models.Envelope, error) {
	err := s.transport.Emit(models.EventJoinRoom, models.JoinRoomPayload{
		RoomID:   s.cfg.RoomID,
		Username: s.cfg.Username,
		Password: s.cfg.Password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("send join: %w", err)
	}

	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()

	var early []models.Envelope
	for {
		select {
		case env, ok := <-s.transport.Events():
			if !ok {
				return nil, nil, ErrTransportEnded
			}
			switch env.Event {
			case models.EventAllUsers:
				var p models.AllUsersPayload
				if err := env.Decode(&p); err != nil {
					return nil, nil, err
				}
				return p.Users, early, nil
			case models.EventJoinError:
				var p models.JoinErrorPayload
				if err := env.Decode(&p); err != nil {
					return nil, nil, fmt.Errorf("%w: %v", ErrJoinRejected, err)
				}
				s.log.Warn().Str(logging.FieldReason, p.Message).Msg("join rejected")
				return nil, nil, fmt.Errorf("%w: %s", ErrJoinRejected, p.Message)
			default:
				early = append(early, env)
			}
		case <-timer.C:
			return nil, nil, ErrJoinTimeout
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// run dispatches server events in arrival order until the connection ends.
func (s *Session) run() {
	for env := range s.transport.Events() {
		s.dispatch(env)
	}

	s.mu.Lock()
	lost := s.state == stateJoined
	if lost {
		s.state = stateLeft
	}
	s.mu.Unlock()

	if lost {
		s.log.Warn().Msg("signaling connection lost")
		s.mesh.Close()
		if s.onDisconnect != nil {
			s.onDisconnect(ErrTransportEnded)
		}
	}
}

func (s *Session) dispatch(env models.Envelope) {
	switch env.Event {
	case models.EventAllUsers:
		var p models.AllUsersPayload
		if s.decode(env, &p) {
			s.mesh.HandleAllUsers(p.Users)
		}
	case models.EventParticipantJoined:
		var p models.RoomUser
		if s.decode(env, &p) {
			s.mesh.HandleParticipantJoined(p.SocketID, p.Username)
		}
	case models.EventUserJoined:
		var p models.UserJoinedPayload
		if s.decode(env, &p) {
			s.mesh.HandleUserJoined(p.CallerID, p.Username, p.Signal)
		}
	case models.EventSignalReceived:
		var p models.SignalReceivedPayload
		if s.decode(env, &p) {
			s.mesh.HandleSignalReceived(p.CallerID, p.Signal)
		}
	case models.EventUserLeft:
		var p models.UserLeftPayload
		if s.decode(env, &p) {
			s.mesh.HandleUserLeft(p.SocketID)
		}
	case models.EventChatMessage:
		var p models.ChatMessage
		if s.decode(env, &p) {
			s.record(ChatEntry{ChatMessage: p})
		}
	default:
		s.log.Debug().Str(logging.FieldEvent, env.Event).Msg("unhandled event")
	}
}

func (s *Session) decode(env models.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		s.log.Warn().Err(err).Str(logging.FieldEvent, env.Event).Msg("malformed event")
		return false
	}
	return true
}

// SendChat relays text to the rest of the room and logs it locally.
func (s *Session) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if !s.Joined() {
		return ErrNotJoined
	}

	msg := models.ChatMessage{
		Username:  s.cfg.Username,
		Message:   text,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.transport.Emit(models.EventSendChat, models.SendChatPayload{RoomID: s.cfg.RoomID, Message: msg}); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}
	s.record(ChatEntry{ChatMessage: msg, IsMe: true})
	return nil
}

func (s *Session) record(e ChatEntry) {
	s.mu.Lock()
	if s.state != stateJoined {
		s.mu.Unlock()
		return
	}
	s.chat = append(s.chat, e)
	s.mu.Unlock()

	if s.onChat != nil {
		s.onChat(e)
	}
}

// Leave tears everything down before returning: screen share, every peer
// link, the local tracks, then the server connection. It is safe to call
// more than once.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		s.mu.Lock()
		wasJoined := s.state == stateJoined
		s.state = stateLeft
		s.mu.Unlock()

		if s.media != nil {
			if err := s.media.StopScreenShare(); err != nil && !errors.Is(err, media.ErrNotSharing) {
				s.log.Warn().Err(err).Msg("stop screen share")
			}
		}
		s.mesh.Close()
		if s.media != nil {
			s.media.Release()
		}
		if wasJoined {
			if err := s.transport.Emit(models.EventLeaveRoom, struct{}{}); err != nil {
				s.log.Debug().Err(err).Msg("send leave")
			}
		}
		if err := s.transport.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close transport")
		}
		s.log.Info().Msg("left room")
	})
}

func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateJoined
}

// UserCount is the room size including this client.
func (s *Session) UserCount() int {
	if !s.Joined() {
		return 0
	}
	return len(s.mesh.Roster()) + 1
}

func (s *Session) Config() Config          { return s.cfg }
func (s *Session) Mesh() *mesh.Orchestrator { return s.mesh }
func (s *Session) Media() *media.Controller { return s.media }

// Chat returns a copy of the chat log.
func (s *Session) Chat() []ChatEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatEntry(nil), s.chat...)
}

// signaler turns mesh negotiation output into relay events.
type signaler struct {
	t        Transport
	username string
}

func (g signaler) SendSignal(peerID string, signal json.RawMessage) error {
	return g.t.Emit(models.EventSendSignal, models.SendSignalPayload{
		Signal:               signal,
		ReceiverConnectionID: peerID,
		Username:             g.username,
	})
}

func (g signaler) ReturnSignal(callerID string, signal json.RawMessage) error {
	return g.t.Emit(models.EventReturnSignal, models.ReturnSignalPayload{
		Signal:   signal,
		CallerID: callerID,
	})
}
