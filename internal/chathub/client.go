package chathub

import (
	"errors"

	"meetgo/backend/internal/models"
)

var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrClientClosed  = errors.New("client closed")
)

// Client is one live signaling connection. The supervisor only talks to
// connections through this interface, so tests can plug in channel-backed fakes.
type Client interface {
	// GetConnID returns the identifier assigned to the connection when it was accepted.
	// Peers address each other by it.
	GetConnID() string
	// GetAnonID returns the anonymous identity presented with the connection, if any.
	GetAnonID() string

	// Send queues env for delivery without blocking. It fails with
	// ErrSendQueueFull or ErrClientClosed.
	Send(env models.Envelope) error

	// Run starts the read and write pumps.
	Run()
	// Close stops the write pump and closes the connection. Safe to call more than once.
	Close()
}
