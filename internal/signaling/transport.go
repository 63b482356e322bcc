// Package signaling is the client end of the signaling socket.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"meetgo/backend/internal/config"
	"meetgo/backend/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = config.DefaultWriteWait
	pongWait   = config.DefaultPongWait
	pingPeriod = (pongWait * 9) / 10
	outboxSize = 64
)

// ErrClosed is returned by Emit after the transport closed.
var ErrClosed = errors.New("signaling transport closed")

// Transport exchanges envelopes with the server over one websocket.
type Transport struct {
	conn *websocket.Conn

	incoming chan models.Envelope
	outgoing chan models.Envelope
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Dial connects to serverURL. http(s) URLs are converted to ws(s) and a
// bare host gets the /ws path.
func Dial(ctx context.Context, serverURL string, header http.Header) (*Transport, error) {
	u, err := WebSocketURL(serverURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return newTransport(conn), nil
}

func newTransport(conn *websocket.Conn) *Transport {
	t := &Transport{
		conn:     conn,
		incoming: make(chan models.Envelope, outboxSize),
		outgoing: make(chan models.Envelope, outboxSize),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(config.DefaultMaxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go t.readPump()
	go t.writePump()
	return t
}

// WebSocketURL normalises a server address into the signaling endpoint URL.
func WebSocketURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Events yields server events in arrival order. It is closed when the connection ends.
func (t *Transport) Events() <-chan models.Envelope {
	return t.incoming
}

// Emit queues one event for the server.
func (t *Transport) Emit(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	select {
	case t.outgoing <- env:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Err reports why the connection ended, if it ended abnormally.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close sends a close frame and releases the connection. Queued events are flushed first.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

func (t *Transport) readPump() {
	defer func() {
		t.conn.Close()
		close(t.incoming)
		t.Close()
	}()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-t.done:
				default:
					t.fail(err)
				}
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case t.incoming <- env:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		t.conn.Close()
		t.Close()
	}()

	for {
		select {
		case env := <-t.outgoing:
			if err := t.write(env); err != nil {
				t.fail(err)
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.fail(err)
				return
			}

		case <-t.done:
			t.drain()
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain writes whatever is still queued.
func (t *Transport) drain() {
	for {
		select {
		case env := <-t.outgoing:
			if err := t.write(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *Transport) write(env models.Envelope) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(env)
}
