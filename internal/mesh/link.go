// Package mesh keeps one negotiated connection per remote participant and
// follows the server-reported room membership.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"

	"meetgo/backend/internal/media"
)

// State of one PeerLink. A participant without a link is absent.
type State int

const (
	StateNegotiating State = iota
	StateConnected
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Role tells which side sent the offer.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// RemoteTrack is an inbound media track of a remote participant.
type RemoteTrack interface {
	ID() string
	StreamID() string
}

// LinkEvents are invoked by a Negotiator from its own goroutines.
type LinkEvents struct {
	OnTrack   func(track RemoteTrack)
	OnFailure func(err error)
}

// Negotiator is one peer connection. Offer and Answer return complete
// session descriptions; the payloads are opaque to everything but the
// negotiator on the other side.
type Negotiator interface {
	media.Sender
	Offer(ctx context.Context) (json.RawMessage, error)
	Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	Accept(answer json.RawMessage) error
	Close() error
}

// Dialer creates the peer connection for peerID with the local tracks attached.
type Dialer interface {
	Dial(peerID string, role Role, events LinkEvents) (Negotiator, error)
}

// Signaler carries negotiation payloads through the signaling server.
type Signaler interface {
	SendSignal(peerID string, signal json.RawMessage) error
	ReturnSignal(callerID string, signal json.RawMessage) error
}

// Attacher keeps the outgoing video of every link on the same source.
// media.Controller implements it.
type Attacher interface {
	Attach(id string, s media.Sender) error
	Detach(id string)
}

// LinkError records why a link became unusable.
type LinkError struct {
	Op     string
	PeerID string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("peer %s: %s: %v", e.PeerID, e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Link is a snapshot of one PeerLink.
type Link struct {
	PeerID   string
	Username string
	Role     Role
	State    State
	Tracks   []RemoteTrack
	Err      error
}

type link struct {
	peerID   string
	username string
	role     Role
	state    State
	neg      Negotiator
	tracks   []RemoteTrack
	err      error
}

func (l *link) snapshot() Link {
	return Link{
		PeerID:   l.peerID,
		Username: l.username,
		Role:     l.role,
		State:    l.state,
		Tracks:   append([]RemoteTrack(nil), l.tracks...),
		Err:      l.err,
	}
}
