package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seguritech/centinela/internal/logging"
	"github.com/seguritech/centinela/pkg/wire"
)

// Handler upgrades HTTP requests on the websocket path and runs the
// per-connection protocol: the first frame must be a CLIENT_CONNECTED
// identity announcement; anything earlier is answered with an ERROR
// frame and the connection stays unauthenticated. Only the first
// announcement is honored for a channel's lifetime.
type Handler struct {
	reg      *Registry
	router   *Router
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket endpoint. allowedOrigins follows the
// usual CORS-style list; "*" (or an empty list) admits every origin,
// and requests without an Origin header (non-browser clients) are
// always admitted.
func NewHandler(reg *Registry, router *Router, allowedOrigins []string) *Handler {
	h := &Handler{reg: reg, router: router}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			logging.Warn().Str("origin", origin).Msg("websocket connection rejected from unauthorized origin")
			return false
		},
	}
	return h
}

// ServeHTTP implements the fixed-path websocket endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.serve(ws)
}

// serve runs the read loop until the transport drops. Registration and
// unregistration happen here, synchronously with the connection's own
// events, so the registry never sees a half-open entry.
func (h *Handler) serve(ws *websocket.Conn) {
	link := newWSLink(ws)
	var conn *Connection

	defer func() {
		if conn != nil {
			h.reg.Unregister(conn)
		}
		_ = link.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}

		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			_ = link.WriteEnvelope(wire.ErrorEnvelope("invalid message format"))
			continue
		}

		if conn == nil {
			conn = h.authenticate(link, env)
			continue
		}
		h.dispatch(conn, link, env)
	}
}

// authenticate processes frames received while the connection is still
// in the Connecting state. Returns the registered connection once a
// valid identity announcement arrives, nil otherwise.
func (h *Handler) authenticate(link Link, env wire.Envelope) *Connection {
	if env.Type != wire.TypeClientConnected {
		_ = link.WriteEnvelope(wire.ErrorEnvelope("not authenticated, send identity first"))
		return nil
	}
	userID, okID := wire.PayloadInt(env.Payload, "userId")
	role, okRole := wire.PayloadString(env.Payload, "role")
	if !okID || !okRole {
		_ = link.WriteEnvelope(wire.ErrorEnvelope("identity announcement requires userId and role"))
		return nil
	}
	return h.reg.Register(userID, role, link)
}

// dispatch hands an authenticated connection's frame to the router.
func (h *Handler) dispatch(conn *Connection, link Link, env wire.Envelope) {
	// Repeat announcements are ignored: the first registration is
	// authoritative for this channel's lifetime.
	if env.Type == wire.TypeClientConnected {
		return
	}

	env.Sender = &wire.Sender{UserID: conn.UserID, Role: conn.Role}
	if _, err := h.router.Publish(env); err != nil {
		_ = link.WriteEnvelope(wire.ErrorEnvelope(err.Error()))
	}
}
