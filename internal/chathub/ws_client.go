package chathub

import (
	"encoding/json"
	"sync"
	"time"

	"meetgo/backend/internal/config"
	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketClient implements Client over a gorilla/websocket connection.
type WebSocketClient struct {
	ConnID string
	AnonID string
	Conn   *websocket.Conn
	Hub    *Supervisor

	settings  config.WebSocketConfig
	send      chan models.Envelope
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// NewWebSocketClient wraps conn and assigns it a fresh connection ID.
func NewWebSocketClient(conn *websocket.Conn, hub *Supervisor, settings config.WebSocketConfig, anonID string) *WebSocketClient {
	connID := uuid.New().String()
	return &WebSocketClient{
		ConnID:   connID,
		AnonID:   anonID,
		Conn:     conn,
		Hub:      hub,
		settings: settings,
		send:     make(chan models.Envelope, settings.SendBuffer),
		done:     make(chan struct{}),
		log:      logging.L().With().Str(logging.FieldConnID, connID).Logger(),
	}
}

func (c *WebSocketClient) GetConnID() string { return c.ConnID }
func (c *WebSocketClient) GetAnonID() string { return c.AnonID }

func (c *WebSocketClient) Send(env models.Envelope) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Run starts the pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close signals the write pump, which sends a close frame and closes the
// connection. The read pump then fails and unregisters the client.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Disconnect(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.settings.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read failed")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		// Dispatch runs on this goroutine, so events from one connection
		// are handled in the order they were sent.
		c.Hub.Dispatch(c, env)
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(c.settings.PingInterval)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}

			// Flush whatever queued up meanwhile, one frame per event.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.write(<-c.send); err != nil {
					return
				}
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) write(env models.Envelope) error {
	c.Conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
	return c.Conn.WriteJSON(env)
}
