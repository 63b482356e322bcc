package config

import "time"

const (
	// Transport
	DefaultPingInterval   = 54 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultWriteWait      = 10 * time.Second
	DefaultMaxMessageSize = 64 * 1024 // non-trickle SDP with all candidates fits comfortably
	DefaultSendBuffer     = 256

	// Client handshake
	JoinTimeout      = 15 * time.Second
	NegotiateTimeout = 20 * time.Second

	// Identity
	JWTIssuer     = "meetgo-signaling"
	DefaultJWTTTL = 72 * time.Hour

	// Redis keys and channels
	PresenceHashKey    = "rooms:occupancy"
	PresenceChannel    = "room-events"
	ControlChannel     = "meet:control"
	ControlCloseRoom   = "close-room"
	DefaultSTUNServer  = "stun:stun.l.google.com:19302"
	DefaultServerAddr  = ":8080"
	DefaultLogLevel    = "info"
	DefaultServiceName = "meetgo"
)
