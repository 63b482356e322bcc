package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"meetgo/backend/internal/api/handler"
	"meetgo/backend/internal/chathub"
	"meetgo/backend/internal/config"
	"meetgo/backend/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		WebSocket: config.WebSocketConfig{
			PingInterval:   config.DefaultPingInterval,
			PongWait:       config.DefaultPongWait,
			WriteWait:      config.DefaultWriteWait,
			MaxMessageSize: config.DefaultMaxMessageSize,
			SendBuffer:     64,
		},
		JWT: config.JWTConfig{Secret: "test-secret", TTL: time.Hour},
		ICE: config.ICEConfig{Servers: []config.ICEServer{{URLs: []string{config.DefaultSTUNServer}}}},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *chathub.Supervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sup := chathub.NewSupervisor(chathub.NewRegistry(), nil)
	h := handler.NewHandler(sup, testConfig())

	r := gin.New()
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, sup
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(models.MustEnvelope(event, payload)))
}

func readEvent(t *testing.T, conn *websocket.Conn, event string) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env models.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, event, env.Event)
	return env
}

func TestWebSocket_StandupScenario(t *testing.T) {
	srv, sup := newTestServer(t)

	a := dialWS(t, srv, "")
	emit(t, a, models.EventJoinRoom, models.JoinRoomPayload{RoomID: "standup", Username: "alice"})
	var snapshot models.AllUsersPayload
	require.NoError(t, readEvent(t, a, models.EventAllUsers).Decode(&snapshot))
	assert.Empty(t, snapshot.Users)

	b := dialWS(t, srv, "")
	emit(t, b, models.EventJoinRoom, models.JoinRoomPayload{RoomID: "standup", Username: "bob"})
	require.NoError(t, readEvent(t, b, models.EventAllUsers).Decode(&snapshot))
	require.Len(t, snapshot.Users, 1)
	assert.Equal(t, "alice", snapshot.Users[0].Username)
	aliceID := snapshot.Users[0].SocketID

	var notice models.RoomUser
	require.NoError(t, readEvent(t, a, models.EventParticipantJoined).Decode(&notice))
	assert.Equal(t, "bob", notice.Username)
	bobID := notice.SocketID

	emit(t, b, models.EventSendSignal, models.SendSignalPayload{
		Signal:               json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		ReceiverConnectionID: aliceID,
	})
	var offer models.UserJoinedPayload
	require.NoError(t, readEvent(t, a, models.EventUserJoined).Decode(&offer))
	assert.Equal(t, bobID, offer.CallerID)
	assert.Equal(t, "bob", offer.Username)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(offer.Signal))

	emit(t, a, models.EventReturnSignal, models.ReturnSignalPayload{
		Signal:   json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
		CallerID: bobID,
	})
	var answer models.SignalReceivedPayload
	require.NoError(t, readEvent(t, b, models.EventSignalReceived).Decode(&answer))
	assert.Equal(t, aliceID, answer.CallerID)

	c := dialWS(t, srv, "")
	emit(t, c, models.EventJoinRoom, models.JoinRoomPayload{RoomID: "standup", Username: "carol", Password: "x"})
	var rejected models.JoinErrorPayload
	require.NoError(t, readEvent(t, c, models.EventJoinError).Decode(&rejected))
	assert.Equal(t, "This room is not password-protected", rejected.Message)
	assert.Len(t, sup.Registry.Members("standup"), 2)
}

func TestWebSocket_DisconnectNotifiesRoom(t *testing.T) {
	srv, sup := newTestServer(t)

	a := dialWS(t, srv, "")
	emit(t, a, models.EventJoinRoom, models.JoinRoomPayload{RoomID: "trio", Username: "alice"})
	readEvent(t, a, models.EventAllUsers)

	b := dialWS(t, srv, "")
	emit(t, b, models.EventJoinRoom, models.JoinRoomPayload{RoomID: "trio", Username: "bob"})
	readEvent(t, b, models.EventAllUsers)

	var notice models.RoomUser
	require.NoError(t, readEvent(t, a, models.EventParticipantJoined).Decode(&notice))

	require.NoError(t, b.Close())

	var left models.UserLeftPayload
	require.NoError(t, readEvent(t, a, models.EventUserLeft).Decode(&left))
	assert.Equal(t, notice.SocketID, left.SocketID)

	assert.Eventually(t, func() bool { return sup.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_TokenValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	res, err := http.Get(srv.URL + "/anonid")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Token  string `json:"token"`
		AnonID string `json:"anon_id"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.NotEmpty(t, body.AnonID)

	conn := dialWS(t, srv, "?token="+body.Token)
	emit(t, conn, models.EventJoinRoom, models.JoinRoomPayload{RoomID: "r", Username: "alice"})
	readEvent(t, conn, models.EventAllUsers)
}

func TestRooms_ListsOnlyPublicRooms(t *testing.T) {
	srv, sup := newTestServer(t)

	_, err := sup.Registry.Join("open", "x", "alice", "")
	require.NoError(t, err)
	_, err = sup.Registry.Join("closed", "y", "bob", "secret")
	require.NoError(t, err)

	res, err := http.Get(srv.URL + "/rooms")
	require.NoError(t, err)
	defer res.Body.Close()

	var body struct {
		Rooms []models.RoomSummary `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, []models.RoomSummary{{RoomID: "open", Members: 1}}, body.Rooms)
}

func TestICEServers(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/ice-servers")
	require.NoError(t, err)
	defer res.Body.Close()

	var body struct {
		ICEServers []config.ICEServer `json:"iceServers"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Len(t, body.ICEServers, 1)
	assert.Equal(t, []string{config.DefaultSTUNServer}, body.ICEServers[0].URLs)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
