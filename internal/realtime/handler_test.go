package realtime

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seguritech/centinela/pkg/wire"
)

func newHandlerServer(t *testing.T) (*rig, *httptest.Server) {
	t.Helper()
	r := newRig()
	srv := httptest.NewServer(NewHandler(r.reg, r.router, []string{"*"}))
	t.Cleanup(srv.Close)
	return r, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) wire.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := wire.DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, env wire.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func identify(t *testing.T, ws *websocket.Conn, userID int, role string) {
	t.Helper()
	sendEnvelope(t, ws, wire.NewEnvelope(wire.TypeClientConnected, map[string]any{
		"userId": userID,
		"role":   role,
	}))
	ack := readEnvelope(t, ws)
	require.Equal(t, wire.TypeClientConnected, ack.Type)
}

func TestHandlerIdentityHandshake(t *testing.T) {
	r, srv := newHandlerServer(t)
	ws := dialWS(t, srv)

	sendEnvelope(t, ws, wire.NewEnvelope(wire.TypeClientConnected, map[string]any{
		"userId": 7,
		"role":   "Despachador",
	}))

	ack := readEnvelope(t, ws)
	assert.Equal(t, wire.TypeClientConnected, ack.Type)
	userID, _ := wire.PayloadInt(ack.Payload, "userId")
	assert.Equal(t, 7, userID)
	role, _ := wire.PayloadString(ack.Payload, "role")
	assert.Equal(t, "despachador", role)

	assert.Equal(t, 1, r.reg.Len())
	conn, ok := r.reg.Get(7)
	require.True(t, ok)
	assert.Equal(t, "despachador", conn.Role)
}

func TestHandlerRejectsTrafficBeforeIdentity(t *testing.T) {
	r, srv := newHandlerServer(t)
	ws := dialWS(t, srv)

	sendEnvelope(t, ws, wire.NewEnvelope(wire.TypeNewAlarm, map[string]any{"alarmId": 1}))
	errEnv := readEnvelope(t, ws)
	assert.Equal(t, wire.TypeError, errEnv.Type)
	msg, _ := wire.PayloadString(errEnv.Payload, "message")
	assert.Contains(t, msg, "not authenticated")
	assert.Equal(t, 0, r.reg.Len())

	// The channel stays open; a proper announcement still registers.
	identify(t, ws, 1, "dispatcher")
	assert.Equal(t, 1, r.reg.Len())
}

func TestHandlerRejectsIncompleteIdentity(t *testing.T) {
	r, srv := newHandlerServer(t)
	ws := dialWS(t, srv)

	sendEnvelope(t, ws, wire.NewEnvelope(wire.TypeClientConnected, map[string]any{"userId": 3}))
	errEnv := readEnvelope(t, ws)
	assert.Equal(t, wire.TypeError, errEnv.Type)
	assert.Equal(t, 0, r.reg.Len())
}

func TestHandlerRejectsMalformedFrame(t *testing.T) {
	_, srv := newHandlerServer(t)
	ws := dialWS(t, srv)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errEnv := readEnvelope(t, ws)
	assert.Equal(t, wire.TypeError, errEnv.Type)
	msg, _ := wire.PayloadString(errEnv.Payload, "message")
	assert.Equal(t, "invalid message format", msg)
}

func TestHandlerRoutesBetweenConnections(t *testing.T) {
	_, srv := newHandlerServer(t)
	sender := dialWS(t, srv)
	receiver := dialWS(t, srv)
	identify(t, sender, 1, "operador")
	identify(t, receiver, 2, "dispatcher")

	sendEnvelope(t, sender, wire.NewEnvelope(wire.TypePatrolStatusUpdate, map[string]any{"patrolId": 4}))

	got := readEnvelope(t, receiver)
	assert.Equal(t, wire.TypePatrolStatusUpdate, got.Type)
	require.NotNil(t, got.Sender, "the server stamps the authenticated sender")
	assert.Equal(t, 1, got.Sender.UserID)
	assert.Equal(t, "operador", got.Sender.Role)
}

func TestHandlerAnswersUnknownTypeWithError(t *testing.T) {
	_, srv := newHandlerServer(t)
	ws := dialWS(t, srv)
	identify(t, ws, 1, "dispatcher")

	sendEnvelope(t, ws, wire.NewEnvelope("BOGUS", nil))
	errEnv := readEnvelope(t, ws)
	assert.Equal(t, wire.TypeError, errEnv.Type)
}

func TestHandlerUnregistersOnDisconnect(t *testing.T) {
	r, srv := newHandlerServer(t)
	leaving := dialWS(t, srv)
	staying := dialWS(t, srv)
	identify(t, leaving, 1, "supervisor")
	identify(t, staying, 2, "dispatcher")

	require.NoError(t, leaving.Close())

	departed := readEnvelope(t, staying)
	assert.Equal(t, wire.TypeClientDisconnected, departed.Type)
	userID, _ := wire.PayloadInt(departed.Payload, "userId")
	assert.Equal(t, 1, userID)
	assert.Equal(t, 1, r.reg.Len())
}

func TestHandlerOriginPolicy(t *testing.T) {
	r := newRig()
	srv := httptest.NewServer(NewHandler(r.reg, r.router, []string{"https://ops.example.com"}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// Non-browser clients without an Origin header are admitted.
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = ws.Close()

	// A browser origin outside the allow list is refused at upgrade.
	header := map[string][]string{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 403, resp.StatusCode)
	}

	// A listed origin is admitted.
	header = map[string][]string{"Origin": {"https://ops.example.com"}}
	ws, _, err = websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = ws.Close()
}
