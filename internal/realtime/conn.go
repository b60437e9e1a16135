package realtime

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seguritech/centinela/internal/logging"
	"github.com/seguritech/centinela/pkg/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 64
)

// Link is the exclusively-owned handle to a connection's underlying
// duplex transport. The registry and router only ever see this
// interface; tests substitute an in-memory implementation.
type Link interface {
	// WriteEnvelope queues env for delivery. It returns an error when
	// the transport is no longer open or its outbound buffer is full.
	WriteEnvelope(env wire.Envelope) error
	// Close tears the transport down. Idempotent.
	Close() error
}

// Connection is one live registered identity: the primary value of the
// connection registry.
type Connection struct {
	UserID int
	// Role is the canonical (lowercased, trimmed) role label the
	// identity announced.
	Role string

	link   Link
	closed atomic.Bool
}

// NewConnection binds an announced identity to its transport. The role
// is canonicalized here so every index downstream sees one spelling.
func NewConnection(userID int, role string, link Link) *Connection {
	return &Connection{UserID: userID, Role: CanonicalRole(role), link: link}
}

// Send writes env down the connection's channel. A false return is a
// delivery miss, not an error: the transport was closing, closed, or
// backed up. Callers decide whether a miss warrants a fallback.
func (c *Connection) Send(env wire.Envelope) bool {
	if c.closed.Load() {
		return false
	}
	if err := c.link.WriteEnvelope(env); err != nil {
		logging.Debug().
			Err(err).
			Int("user_id", c.UserID).
			Str("type", string(env.Type)).
			Msg("envelope write missed")
		return false
	}
	return true
}

// Close shuts the underlying transport. Used when the connection is
// superseded by a re-register or the server is draining.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.link.Close()
}

// errLinkClosed reports a write on a link whose pump has stopped.
var errLinkClosed = errors.New("realtime: link closed")

// errLinkBackedUp reports a send buffer overflow; the peer is too slow
// to keep up and the frame is dropped as a delivery miss.
var errLinkBackedUp = errors.New("realtime: link send buffer full")

// wsLink adapts a gorilla websocket connection to the Link interface.
// All frames funnel through a buffered channel into a single write
// pump, keeping gorilla's one-writer rule.
type wsLink struct {
	ws     *websocket.Conn
	send   chan wire.Envelope
	done   chan struct{}
	closed atomic.Bool
}

func newWSLink(ws *websocket.Conn) *wsLink {
	l := &wsLink{
		ws:   ws,
		send: make(chan wire.Envelope, sendBuffer),
		done: make(chan struct{}),
	}
	go l.writePump()
	return l
}

func (l *wsLink) WriteEnvelope(env wire.Envelope) error {
	if l.closed.Load() {
		return errLinkClosed
	}
	select {
	case l.send <- env:
		return nil
	case <-l.done:
		return errLinkClosed
	default:
		return errLinkBackedUp
	}
}

func (l *wsLink) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.done)
	return l.ws.Close()
}

// writePump serializes all writes to the peer and keeps the connection
// alive with pings. Exits on the first write failure; the read loop
// notices the dead socket and unregisters.
func (l *wsLink) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = l.Close()
	}()

	for {
		select {
		case env := <-l.send:
			data, err := env.Encode()
			if err != nil {
				logging.Error().Err(err).Str("type", string(env.Type)).Msg("envelope encode failed")
				continue
			}
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = l.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
