package chathub

import (
	"encoding/json"
	"errors"

	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/models"

	"github.com/rs/zerolog"
)

// Directory resolves connection IDs to live clients.
type Directory interface {
	Lookup(connID string) (Client, bool)
}

// Relay routes events between connections. It holds no state besides its
// collaborators and never inspects negotiation payloads.
type Relay struct {
	registry *Registry
	conns    Directory
	// overflow is called when a client's send queue is full.
	overflow func(Client)
	log      zerolog.Logger
}

func NewRelay(registry *Registry, conns Directory, overflow func(Client)) *Relay {
	if overflow == nil {
		overflow = func(Client) {}
	}
	return &Relay{
		registry: registry,
		conns:    conns,
		overflow: overflow,
		log:      logging.L().With().Str("component", "relay").Logger(),
	}
}

// BroadcastJoin tells every member of roomID except the joiner that joiner arrived.
func (r *Relay) BroadcastJoin(roomID string, joiner Participant) {
	env := models.MustEnvelope(models.EventParticipantJoined, models.RoomUser{
		SocketID: joiner.ConnID,
		Username: joiner.Username,
	})
	r.broadcast(roomID, joiner.ConnID, env)
}

// BroadcastLeave tells every remaining member of roomID that connID departed.
func (r *Relay) BroadcastLeave(roomID, connID string) {
	env := models.MustEnvelope(models.EventUserLeft, models.UserLeftPayload{SocketID: connID})
	r.broadcast(roomID, connID, env)
}

// BroadcastChat sends msg to every member of the sender's room except the sender.
func (r *Relay) BroadcastChat(sender Participant, msg models.ChatMessage) {
	env := models.MustEnvelope(models.EventChatMessage, msg)
	r.broadcast(sender.RoomID, sender.ConnID, env)
}

// ForwardOffer delivers an offer-like signal from sender to targetID as user-joined.
func (r *Relay) ForwardOffer(sender Participant, targetID string, signal json.RawMessage) bool {
	env := models.MustEnvelope(models.EventUserJoined, models.UserJoinedPayload{
		Signal:   signal,
		CallerID: sender.ConnID,
		Username: sender.Username,
	})
	return r.forward(sender, targetID, env)
}

// ForwardAnswer delivers an answer-like signal from sender back to callerID as signal-received.
func (r *Relay) ForwardAnswer(sender Participant, callerID string, signal json.RawMessage) bool {
	env := models.MustEnvelope(models.EventSignalReceived, models.SignalReceivedPayload{
		Signal:   signal,
		CallerID: sender.ConnID,
	})
	return r.forward(sender, callerID, env)
}

// forward drops the event when the target is gone or sits in another room.
func (r *Relay) forward(sender Participant, targetID string, env models.Envelope) bool {
	target, ok := r.registry.Lookup(targetID)
	if !ok || target.RoomID != sender.RoomID || targetID == sender.ConnID {
		r.log.Debug().
			Str(logging.FieldConnID, sender.ConnID).
			Str(logging.FieldPeerID, targetID).
			Str(logging.FieldEvent, env.Event).
			Msg("routing miss, dropping")
		return false
	}
	return r.deliver(targetID, env)
}

func (r *Relay) broadcast(roomID, exclude string, env models.Envelope) {
	for _, id := range r.registry.Members(roomID) {
		if id == exclude {
			continue
		}
		r.deliver(id, env)
	}
}

// Deliver sends env to a single connection.
func (r *Relay) Deliver(connID string, env models.Envelope) bool {
	return r.deliver(connID, env)
}

func (r *Relay) deliver(connID string, env models.Envelope) bool {
	c, ok := r.conns.Lookup(connID)
	if !ok {
		return false
	}
	err := c.Send(env)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSendQueueFull):
		r.log.Warn().
			Str(logging.FieldConnID, connID).
			Str(logging.FieldEvent, env.Event).
			Msg("send queue full, dropping slow consumer")
		r.overflow(c)
	default:
		r.log.Debug().Err(err).
			Str(logging.FieldConnID, connID).
			Str(logging.FieldEvent, env.Event).
			Msg("dropped event for closed client")
	}
	return false
}
