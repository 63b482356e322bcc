package models

import (
	"encoding/json"
	"fmt"
)

// Client -> server events.
const (
	EventJoinRoom     = "join-room"
	EventSendSignal   = "send-signal"
	EventReturnSignal = "return-signal"
	EventSendChat     = "send-chat"
	EventLeaveRoom    = "leave-room"
)

// Server -> client events.
const (
	EventAllUsers          = "all-users"
	EventUserJoined        = "user-joined"
	EventSignalReceived    = "signal-received"
	EventUserLeft          = "user-left"
	EventChatMessage       = "chat-message"
	EventJoinError         = "join-error"
	EventParticipantJoined = "participant-joined"
)

// Envelope is the single frame shape on the signaling socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// MustEnvelope is NewEnvelope for payload types that always marshal.
func MustEnvelope(event string, data any) Envelope {
	env, err := NewEnvelope(event, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s payload: empty data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

type JoinRoomPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// SendSignalPayload carries an offer-like negotiation payload to one receiver.
// receiverSocketId is accepted for older clients.
type SendSignalPayload struct {
	Signal               json.RawMessage `json:"signal"`
	ReceiverConnectionID string          `json:"receiverConnectionId,omitempty"`
	ReceiverSocketID     string          `json:"receiverSocketId,omitempty"`
	CallerID             string          `json:"callerId"`
	Username             string          `json:"username"`
}

// Receiver returns the addressed connection identifier.
func (p SendSignalPayload) Receiver() string {
	if p.ReceiverConnectionID != "" {
		return p.ReceiverConnectionID
	}
	return p.ReceiverSocketID
}

// ReturnSignalPayload carries an answer-like payload back to the original caller.
type ReturnSignalPayload struct {
	Signal   json.RawMessage `json:"signal"`
	CallerID string          `json:"callerId"`
}

type ChatMessage struct {
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type SendChatPayload struct {
	RoomID  string      `json:"roomId"`
	Message ChatMessage `json:"message"`
}

// RoomUser is one entry of a membership snapshot.
type RoomUser struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

type AllUsersPayload struct {
	Users []RoomUser `json:"users"`
}

type UserJoinedPayload struct {
	Signal   json.RawMessage `json:"signal"`
	CallerID string          `json:"callerId"`
	Username string          `json:"username"`
}

type SignalReceivedPayload struct {
	Signal   json.RawMessage `json:"signal"`
	CallerID string          `json:"callerId"`
}

type UserLeftPayload struct {
	SocketID string `json:"socketId"`
}

type JoinErrorPayload struct {
	Message string `json:"message"`
}
