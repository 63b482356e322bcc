package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"meetgo/backend/internal/media"
	"meetgo/backend/internal/mesh"
	"meetgo/backend/internal/models"
	"meetgo/backend/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeTransport struct {
	events chan models.Envelope

	mu      sync.Mutex
	emitted []models.Envelope
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan models.Envelope, 32)}
}

func (t *fakeTransport) Emit(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return assert.AnError
	}
	t.emitted = append(t.emitted, env)
	return nil
}

func (t *fakeTransport) Events() <-chan models.Envelope { return t.events }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	return nil
}

func (t *fakeTransport) push(event string, payload any) {
	t.events <- models.MustEnvelope(event, payload)
}

func (t *fakeTransport) Emitted(event string) []models.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.Envelope
	for _, env := range t.emitted {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (t *fakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeTrack struct {
	id, kind string

	mu      sync.Mutex
	enabled bool
	stopped bool
	ended   []func()
}

func newTrack(id, kind string) *fakeTrack { return &fakeTrack{id: id, kind: kind, enabled: true} }

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }
func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	fns := t.ended
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		fn()
		return
	}
	t.ended = append(t.ended, fn)
	t.mu.Unlock()
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type capturer struct{ track media.Track }

func (c capturer) CaptureDisplay(context.Context) (media.Track, error) { return c.track, nil }

type negotiator struct {
	mu     sync.Mutex
	closed bool
}

func (n *negotiator) Offer(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"o"}`), nil
}

func (n *negotiator) Answer(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"a"}`), nil
}

func (n *negotiator) Accept(json.RawMessage) error        { return nil }
func (n *negotiator) ReplaceVideoTrack(media.Track) error { return nil }
func (n *negotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

type dialer struct {
	mu    sync.Mutex
	peers map[string]*negotiator
}

func (d *dialer) Dial(peerID string, _ mesh.Role, _ mesh.LinkEvents) (mesh.Negotiator, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peers == nil {
		d.peers = make(map[string]*negotiator)
	}
	n := &negotiator{}
	d.peers[peerID] = n
	return n, nil
}

type fixture struct {
	tr     *fakeTransport
	mic    *fakeTrack
	camera *fakeTrack
	screen *fakeTrack
	ctrl   *media.Controller
	sess   *session.Session
}

func newFixture(cfg session.Config, opts ...session.Option) *fixture {
	f := &fixture{
		tr:     newFakeTransport(),
		mic:    newTrack("mic", media.KindAudio),
		camera: newTrack("camera", media.KindVideo),
		screen: newTrack("screen", media.KindVideo),
	}
	f.ctrl = media.NewController(f.mic, f.camera, capturer{track: f.screen})
	f.sess = session.New(cfg, f.tr, f.ctrl, &dialer{}, opts...)
	return f
}

// join runs the handshake against a scripted server answer.
func (f *fixture) join(t *testing.T, reply func(tr *fakeTransport)) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- f.sess.Join(context.Background()) }()

	require.Eventually(t, func() bool { return len(f.tr.Emitted(models.EventJoinRoom)) == 1 }, waitFor, tick)
	reply(f.tr)

	select {
	case err := <-errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("join did not return")
		return nil
	}
}

func admitted(users ...models.RoomUser) func(*fakeTransport) {
	return func(tr *fakeTransport) {
		if users == nil {
			users = []models.RoomUser{}
		}
		tr.push(models.EventAllUsers, models.AllUsersPayload{Users: users})
	}
}

func TestJoin_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  session.Config
		err  error
	}{
		{"blank name", session.Config{RoomID: "standup", Username: "   "}, session.ErrNameRequired},
		{"blank room", session.Config{RoomID: " ", Username: "alice"}, session.ErrRoomRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.cfg)
			assert.ErrorIs(t, f.sess.Join(context.Background()), tt.err)
			assert.Empty(t, f.tr.Emitted(models.EventJoinRoom))
		})
	}

	t.Run("no local stream", func(t *testing.T) {
		tr := newFakeTransport()
		sess := session.New(session.Config{RoomID: "standup", Username: "alice"}, tr,
			media.NewController(nil, nil, nil), &dialer{})
		assert.ErrorIs(t, sess.Join(context.Background()), session.ErrNoLocalStream)
		assert.Empty(t, tr.Emitted(models.EventJoinRoom))
	})
}

func TestJoin_Admitted(t *testing.T) {
	f := newFixture(session.Config{RoomID: " standup ", Username: " bob ", Password: ""})

	err := f.join(t, admitted(models.RoomUser{SocketID: "a", Username: "alice"}))
	require.NoError(t, err)
	assert.True(t, f.sess.Joined())

	var join models.JoinRoomPayload
	require.NoError(t, f.tr.Emitted(models.EventJoinRoom)[0].Decode(&join))
	assert.Equal(t, models.JoinRoomPayload{RoomID: "standup", Username: "bob"}, join)

	// One offer goes to the existing member.
	require.Eventually(t, func() bool { return len(f.tr.Emitted(models.EventSendSignal)) == 1 }, waitFor, tick)
	var offer models.SendSignalPayload
	require.NoError(t, f.tr.Emitted(models.EventSendSignal)[0].Decode(&offer))
	assert.Equal(t, "a", offer.ReceiverConnectionID)
	assert.Equal(t, "bob", offer.Username)

	assert.Equal(t, 2, f.sess.UserCount())
	assert.ErrorIs(t, f.sess.Join(context.Background()), session.ErrAlreadyJoined)
	f.sess.Leave()
}

func TestJoin_Rejected(t *testing.T) {
	f := newFixture(session.Config{RoomID: "standup", Username: "carol", Password: "x"})

	err := f.join(t, func(tr *fakeTransport) {
		tr.push(models.EventJoinError, models.JoinErrorPayload{Message: "This room is not password-protected"})
	})
	require.ErrorIs(t, err, session.ErrJoinRejected)
	assert.Contains(t, err.Error(), "This room is not password-protected")
	assert.False(t, f.sess.Joined())
	assert.Zero(t, f.sess.UserCount())
	assert.ErrorIs(t, f.sess.SendChat("hi"), session.ErrNotJoined)
}

func TestJoin_Timeout(t *testing.T) {
	f := newFixture(session.Config{RoomID: "standup", Username: "alice", JoinTimeout: 30 * time.Millisecond})
	assert.ErrorIs(t, f.sess.Join(context.Background()), session.ErrJoinTimeout)
	assert.False(t, f.sess.Joined())
}

func TestJoin_EventsBeforeSnapshot(t *testing.T) {
	f := newFixture(session.Config{RoomID: "standup", Username: "alice"})

	err := f.join(t, func(tr *fakeTransport) {
		tr.push(models.EventParticipantJoined, models.RoomUser{SocketID: "c", Username: "carol"})
		admitted(models.RoomUser{SocketID: "b", Username: "bob"})(tr)
	})
	require.NoError(t, err)
	defer f.sess.Leave()

	assert.Equal(t, []models.RoomUser{
		{SocketID: "b", Username: "bob"},
		{SocketID: "c", Username: "carol"},
	}, f.sess.Mesh().Roster())
	assert.Equal(t, 3, f.sess.UserCount())
}

func TestSession_DispatchesServerEvents(t *testing.T) {
	var mu sync.Mutex
	var lines []session.ChatEntry
	f := newFixture(session.Config{RoomID: "standup", Username: "alice"},
		session.WithChatObserver(func(e session.ChatEntry) {
			mu.Lock()
			lines = append(lines, e)
			mu.Unlock()
		}))
	require.NoError(t, f.join(t, admitted()))
	defer f.sess.Leave()

	f.tr.push(models.EventParticipantJoined, models.RoomUser{SocketID: "b", Username: "bob"})
	f.tr.push(models.EventUserJoined, models.UserJoinedPayload{
		Signal:   json.RawMessage(`{"type":"offer","sdp":"o"}`),
		CallerID: "b",
		Username: "bob",
	})

	require.Eventually(t, func() bool { return len(f.tr.Emitted(models.EventReturnSignal)) == 1 }, waitFor, tick)
	var answer models.ReturnSignalPayload
	require.NoError(t, f.tr.Emitted(models.EventReturnSignal)[0].Decode(&answer))
	assert.Equal(t, "b", answer.CallerID)

	f.tr.push(models.EventChatMessage, models.ChatMessage{Username: "bob", Message: "hi", Timestamp: "2024-01-01T00:00:00Z"})
	require.Eventually(t, func() bool { return len(f.sess.Chat()) == 1 }, waitFor, tick)
	assert.False(t, f.sess.Chat()[0].IsMe)

	f.tr.push(models.EventUserLeft, models.UserLeftPayload{SocketID: "b"})
	require.Eventually(t, func() bool { return len(f.sess.Mesh().Links()) == 0 }, waitFor, tick)
	assert.Empty(t, f.sess.Mesh().Roster())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.Equal(t, "hi", lines[0].Message)
}

func TestSession_SendChat(t *testing.T) {
	f := newFixture(session.Config{RoomID: "standup", Username: "alice"})
	require.NoError(t, f.join(t, admitted()))
	defer f.sess.Leave()

	assert.ErrorIs(t, f.sess.SendChat("   "), session.ErrEmptyMessage)
	require.NoError(t, f.sess.SendChat(" hello "))

	sent := f.tr.Emitted(models.EventSendChat)
	require.Len(t, sent, 1)
	var p models.SendChatPayload
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, "standup", p.RoomID)
	assert.Equal(t, "alice", p.Message.Username)
	assert.Equal(t, "hello", p.Message.Message)
	_, err := time.Parse(time.RFC3339, p.Message.Timestamp)
	assert.NoError(t, err)

	chat := f.sess.Chat()
	require.Len(t, chat, 1)
	assert.True(t, chat[0].IsMe)
}

func TestSession_LeaveTearsEverythingDown(t *testing.T) {
	f := newFixture(session.Config{RoomID: "standup", Username: "alice"})
	require.NoError(t, f.join(t, admitted(models.RoomUser{SocketID: "b", Username: "bob"})))
	require.NoError(t, f.ctrl.StartScreenShare(context.Background()))

	f.sess.Leave()
	f.sess.Leave()

	assert.False(t, f.sess.Joined())
	assert.Empty(t, f.sess.Mesh().Links())
	assert.True(t, f.screen.Stopped())
	assert.True(t, f.camera.Stopped())
	assert.True(t, f.mic.Stopped())
	assert.False(t, f.ctrl.State().ScreenSharing)
	assert.Len(t, f.tr.Emitted(models.EventLeaveRoom), 1, "leave-room goes out before the transport closes")
	assert.True(t, f.tr.Closed())
}

func TestSession_ConnectionLost(t *testing.T) {
	lost := make(chan error, 1)
	f := newFixture(session.Config{RoomID: "standup", Username: "alice"},
		session.WithDisconnectHandler(func(err error) { lost <- err }))
	require.NoError(t, f.join(t, admitted(models.RoomUser{SocketID: "b", Username: "bob"})))

	f.tr.Close()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, session.ErrTransportEnded)
	case <-time.After(waitFor):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, f.sess.Joined())
	assert.Empty(t, f.sess.Mesh().Links())

	f.sess.Leave()
	assert.True(t, f.camera.Stopped())
}
