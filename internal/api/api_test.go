package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seguritech/centinela/internal/logging"
	"github.com/seguritech/centinela/internal/realtime"
	"github.com/seguritech/centinela/pkg/wire"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// memLink records envelopes delivered to a registered test identity.
type memLink struct {
	mu   sync.Mutex
	envs []wire.Envelope
}

func (l *memLink) WriteEnvelope(env wire.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.envs = append(l.envs, env)
	return nil
}

func (l *memLink) Close() error { return nil }

func (l *memLink) ofType(t wire.MessageType) []wire.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []wire.Envelope
	for _, env := range l.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// dropSched discards scheduled actions; these tests only assert on the
// synchronous part of a publish.
type dropSched struct{}

func (dropSched) AfterFunc(time.Duration, func()) {}

type fixture struct {
	reg     *realtime.Registry
	handler http.Handler
}

func newFixture() *fixture {
	reg := realtime.NewRegistry(nil)
	resolver := realtime.NewResolver(nil)
	engine := realtime.NewEngine(reg, resolver, dropSched{}, nil, realtime.DefaultCascadeDelays())
	rt := realtime.NewRouter(reg, resolver, engine, nil)
	ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	})
	return &fixture{
		reg:     reg,
		handler: NewRouter(rt, reg, ws, prometheus.NewRegistry()),
	}
}

func (f *fixture) join(userID int, role string) *memLink {
	link := &memLink{}
	f.reg.Register(userID, role, link)
	link.mu.Lock()
	link.envs = nil
	link.mu.Unlock()
	return link
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	f := newFixture()
	f.join(1, "dispatcher")

	rec, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["connections"])
}

func TestPublishEndpoint(t *testing.T) {
	f := newFixture()
	link := f.join(1, "dispatcher")

	rec, body := f.do(t, http.MethodPost, "/api/v1/publish",
		`{"type":"NOTIFICATION","payload":{"title":"Aviso","targetUserId":1}}`)

	require.Equal(t, http.StatusOK, rec.Code, "body: %v", body)
	assert.Equal(t, "published", body["status"])
	receipt := body["receipt"].(map[string]any)
	assert.EqualValues(t, 1, receipt["delivered"])
	require.Len(t, link.ofType(wire.TypeNotification), 1)
}

func TestPublishEndpointRejections(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name string
		body string
	}{
		{"unknown type", `{"type":"BOGUS","payload":{}}`},
		{"reserved type", `{"type":"CLIENT_CONNECTED","payload":{}}`},
		{"missing type", `{"payload":{}}`},
		{"malformed json", `{"type":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := f.do(t, http.MethodPost, "/api/v1/publish", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestNewAlarmEndpoint(t *testing.T) {
	f := newFixture()
	dispatcher := f.join(1, "despachador")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/alarms",
		`{"alarmId":10,"clientId":3,"clientName":"Planta Norte","status":"activa","priority":"alta"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// Role wave plus global wave.
	alarms := dispatcher.ofType(wire.TypeNewAlarm)
	require.Len(t, alarms, 2)
	id, _ := wire.PayloadInt(alarms[0].Payload, "alarmId")
	assert.Equal(t, 10, id)
	createdAt, ok := wire.PayloadString(alarms[0].Payload, "createdAt")
	assert.True(t, ok, "createdAt is stamped when absent")
	assert.NotEmpty(t, createdAt)
}

func TestNewAlarmEndpointValidation(t *testing.T) {
	f := newFixture()
	rec, body := f.do(t, http.MethodPost, "/api/v1/alarms", `{"alarmId":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "validation failed")
}

func TestDispatchEndpoint(t *testing.T) {
	f := newFixture()
	dispatcher := f.join(1, "dispatcher")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/alarms/42/dispatch",
		`{"clientId":3,"requestedBy":9,"priority":"critical"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	requests := dispatcher.ofType(wire.TypeDispatchRequest)
	require.Len(t, requests, 1)
	id, _ := wire.PayloadInt(requests[0].Payload, "alarmId")
	assert.Equal(t, 42, id, "the alarm id comes from the URL")
}

func TestDispatchEndpointInvalidID(t *testing.T) {
	f := newFixture()
	rec, body := f.do(t, http.MethodPost, "/api/v1/alarms/abc/dispatch",
		`{"clientId":3,"requestedBy":9,"priority":"critical"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid alarm id", body["error"])
}

func TestNotificationEndpoint(t *testing.T) {
	f := newFixture()
	target := f.join(5, "supervisor")
	other := f.join(6, "dispatcher")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/notifications",
		`{"title":"Turno","message":"Cambio de turno","targetUserId":5,"notificationType":"info"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, target.ofType(wire.TypeNotification), 1)
	assert.Empty(t, other.ofType(wire.TypeNotification))
}

func TestNotificationEndpointRejectsBadType(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(t, http.MethodPost, "/api/v1/notifications",
		`{"title":"x","message":"y","notificationType":"spam"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectionsEndpoint(t *testing.T) {
	f := newFixture()
	f.join(9, "dispatcher")
	f.join(2, "supervisor")

	rec, body := f.do(t, http.MethodGet, "/api/v1/connections", "")
	require.Equal(t, http.StatusOK, rec.Code)

	conns := body["connections"].([]any)
	require.Len(t, conns, 2)
	first := conns[0].(map[string]any)
	assert.EqualValues(t, 2, first["userId"], "snapshot is sorted by user id")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture()
	rec, _ := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
