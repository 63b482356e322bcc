package chathub_test

import (
	"sync"
	"testing"
	"time"

	"meetgo/backend/internal/chathub"
	"meetgo/backend/internal/models"

	"github.com/stretchr/testify/require"
)

type MockClient struct {
	connID      string
	anonID      string
	RecvChannel chan models.Envelope

	mu         sync.Mutex
	closeCount int
}

func newMockClient(connID string) *MockClient {
	return newMockClientWithBuffer(connID, 32)
}

func newMockClientWithBuffer(connID string, size int) *MockClient {
	return &MockClient{
		connID:      connID,
		RecvChannel: make(chan models.Envelope, size),
	}
}

func (c *MockClient) GetConnID() string { return c.connID }
func (c *MockClient) GetAnonID() string { return c.anonID }

func (c *MockClient) Send(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCount > 0 {
		return chathub.ErrClientClosed
	}
	select {
	case c.RecvChannel <- env:
		return nil
	default:
		return chathub.ErrSendQueueFull
	}
}

func (c *MockClient) Run() {
	// Not needed for testing
}

func (c *MockClient) Close() {
	c.mu.Lock()
	c.closeCount++
	c.mu.Unlock()
}

func (c *MockClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount > 0
}

// expectEvent pops the next envelope and checks its event name.
func expectEvent(t *testing.T, c *MockClient, event string) models.Envelope {
	t.Helper()
	select {
	case env := <-c.RecvChannel:
		require.Equal(t, event, env.Event, "client %s got unexpected event", c.connID)
		return env
	case <-time.After(time.Second):
		t.Fatalf("client %s: timed out waiting for %s", c.connID, event)
		return models.Envelope{}
	}
}

func expectNoEvent(t *testing.T, c *MockClient) {
	t.Helper()
	select {
	case env := <-c.RecvChannel:
		t.Fatalf("client %s: unexpected event %s", c.connID, env.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func decode[T any](t *testing.T, env models.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}
