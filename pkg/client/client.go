// Package client implements the reconnecting channel used by
// centinela field tools (operator consoles, patrol apps) to stay
// subscribed to the realtime core. It owns one outbound transport,
// re-announces its identity on every reconnect, resubscribes listeners
// by message type, and retries critical sends when the channel is
// momentarily down.
package client

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/seguritech/centinela/pkg/wire"
)

// ErrNotConnected reports a send attempted while the channel is down.
// Critical message types additionally get exactly one delayed retry.
var ErrNotConnected = errors.New("client: channel not connected")

// ErrClosed reports use of a channel after Close.
var ErrClosed = errors.New("client: channel closed")

// Identity is the announced (user id, role) pair. Credentials are
// retained across reconnects; the user does not re-enter them.
type Identity struct {
	UserID int
	Role   string
}

// Listener receives inbound envelopes for a subscribed type.
type Listener func(env wire.Envelope)

// StatusListener receives connectivity transitions (the
// "Conectado"/"Desconectado" indicator).
type StatusListener func(connected bool)

// Transport is the duplex frame pipe under the channel. Production
// uses a gorilla websocket connection; tests substitute a pipe.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a transport to the server.
type DialFunc func(url string) (Transport, error)

// Options configures a Channel. Zero values take the defaults noted
// on each field.
type Options struct {
	// URL of the websocket endpoint, e.g. "ws://host:8765/ws".
	URL string
	// Identity announced after each successful open.
	Identity Identity
	// AnnounceDelay before the identity announcement, giving the
	// transport a moment to become fully ready. Default 300ms.
	AnnounceDelay time.Duration
	// RetryDelay before the single retry of a critical send that found
	// the channel down. Default 2s.
	RetryDelay time.Duration
	// BackoffBase for reconnect scheduling. Default 1s.
	BackoffBase time.Duration
	// BackoffCap bounds reconnect delays. Default 30s.
	BackoffCap time.Duration
	// Dial overrides the transport dialer; tests use this.
	Dial DialFunc
	// Logger for channel lifecycle events. Discarded when nil.
	Logger *zerolog.Logger
}

func (o *Options) fillDefaults() {
	if o.AnnounceDelay == 0 {
		o.AnnounceDelay = 300 * time.Millisecond
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.Dial == nil {
		o.Dial = dialWebsocket
	}
}

// wsTransport adapts a gorilla client connection.
type wsTransport struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func dialWebsocket(url string) (Transport, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{ws: ws}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.ws.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

// Channel is the client-side mirror of the server's connection
// registry entry: one transport, listener sets keyed by message type,
// and a reconnect loop that never gives up (capped backoff, no
// exhaustion) - for a dispatch-safety tool, trying forever beats
// giving up.
type Channel struct {
	mu   sync.Mutex
	opts Options
	log  zerolog.Logger

	transport Transport
	connected bool
	closed    bool
	// generation discriminates the current transport from stale read
	// loops and timers after a forced reconnect.
	generation int
	attempt    int
	// dialing is set while a dial for the current generation is in
	// flight, so Connect never races a second transport open.
	dialing bool

	reconnectTimer *time.Timer

	nextListenerID  int
	byType          map[wire.MessageType]map[int]Listener
	catchAll        map[int]Listener
	statusListeners map[int]StatusListener

	// pendingRetries counts critical-send retries currently armed.
	// Each failed critical send gets its own one-shot retry.
	pendingRetries int
}

// New builds a channel; call Connect to open it.
func New(opts Options) *Channel {
	opts.fillDefaults()
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Channel{
		opts:            opts,
		log:             log,
		byType:          make(map[wire.MessageType]map[int]Listener),
		catchAll:        make(map[int]Listener),
		statusListeners: make(map[int]StatusListener),
	}
}

// Connect opens the transport and starts the read loop. Failures are
// not returned: they schedule a backoff reconnect, exactly like a
// mid-session drop. A no-op while the channel is live or a dial is in
// flight; it does preempt a pending backoff wait.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.closed || c.connected || c.dialing {
		c.mu.Unlock()
		return
	}
	c.cancelReconnectLocked()
	c.dialing = true
	gen := c.generation
	c.mu.Unlock()

	go c.dial(gen)
}

func (c *Channel) dial(gen int) {
	transport, err := c.opts.Dial(c.opts.URL)

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		if err == nil {
			_ = transport.Close()
		}
		return
	}
	c.dialing = false
	if err != nil {
		c.log.Warn().Err(err).Int("attempt", c.attempt).Msg("realtime channel dial failed")
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.transport = transport
	c.connected = true
	c.attempt = 0
	gen = c.generation
	identity := c.opts.Identity
	announceDelay := c.opts.AnnounceDelay
	c.mu.Unlock()

	c.notifyStatus(true)
	go c.readLoop(transport, gen)

	// Announce identity once the transport has settled. Re-announced
	// on every reconnect because registration is per-connection.
	time.AfterFunc(announceDelay, func() {
		c.announce(gen, identity)
	})
}

func (c *Channel) announce(gen int, identity Identity) {
	c.mu.Lock()
	stale := c.closed || gen != c.generation || !c.connected
	transport := c.transport
	c.mu.Unlock()
	if stale {
		return
	}

	env := wire.NewEnvelope(wire.TypeClientConnected, map[string]any{
		"userId": identity.UserID,
		"role":   identity.Role,
	})
	data, err := env.Encode()
	if err != nil {
		c.log.Error().Err(err).Msg("identity announcement encode failed")
		return
	}
	if err := transport.WriteMessage(data); err != nil {
		c.log.Warn().Err(err).Msg("identity announcement write failed")
	}
}

func (c *Channel) readLoop(transport Transport, gen int) {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			c.onTransportDown(gen)
			return
		}
		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("inbound frame discarded: malformed")
			continue
		}
		c.dispatch(env)
	}
}

// dispatch fans an inbound envelope out to its per-type listeners and
// the catch-all set used by diagnostics and audio alert consumers.
func (c *Channel) dispatch(env wire.Envelope) {
	c.mu.Lock()
	listeners := make([]Listener, 0, len(c.byType[env.Type])+len(c.catchAll))
	for _, fn := range c.byType[env.Type] {
		listeners = append(listeners, fn)
	}
	for _, fn := range c.catchAll {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(env)
	}
}

func (c *Channel) onTransportDown(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.transport = nil
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.notifyStatus(false)
}

// scheduleReconnectLocked arms the backoff timer. Caller holds the
// lock.
func (c *Channel) scheduleReconnectLocked() {
	delay := backoffDelay(c.opts.BackoffBase, c.opts.BackoffCap, c.attempt)
	c.attempt++
	gen := c.generation
	c.log.Info().Dur("delay", delay).Int("attempt", c.attempt).Msg("realtime channel reconnect scheduled")
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := c.closed || gen != c.generation
		if !stale {
			c.dialing = true
		}
		c.mu.Unlock()
		if !stale {
			go c.dial(gen)
		}
	})
}

func (c *Channel) cancelReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// backoffDelay computes base * 1.5^attempt, capped.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
	if d > cap || d < 0 {
		return cap
	}
	return d
}

// Send serializes and writes a message. When the channel is down it
// fails immediately, but for the critical types (NEW_ALARM,
// DISPATCH_REQUEST, NOTIFICATION) it schedules exactly one retry
// before giving the frame up.
func (c *Channel) Send(t wire.MessageType, payload map[string]any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		c.scheduleCriticalRetryLocked(t, payload)
		c.mu.Unlock()
		return ErrNotConnected
	}
	transport := c.transport
	identity := c.opts.Identity
	c.mu.Unlock()

	env := wire.NewEnvelope(t, payload)
	env.Sender = &wire.Sender{UserID: identity.UserID, Role: identity.Role}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return transport.WriteMessage(data)
}

// scheduleCriticalRetryLocked arms the one-shot resend for a failed
// critical send. Each send carries its own retry: two dispatch
// requests for different alarms attempted while down must both
// resurface. The retry writes the frame directly instead of
// re-entering Send, so a channel still down at fire time drops the
// frame rather than arming a second retry. Caller holds the lock.
func (c *Channel) scheduleCriticalRetryLocked(t wire.MessageType, payload map[string]any) {
	if !t.Critical() {
		return
	}
	c.pendingRetries++
	c.log.Warn().Str("type", string(t)).Msg("channel down, critical send will retry once")
	time.AfterFunc(c.opts.RetryDelay, func() {
		c.mu.Lock()
		c.pendingRetries--
		down := c.closed || !c.connected
		transport := c.transport
		identity := c.opts.Identity
		c.mu.Unlock()
		if down {
			c.log.Warn().Str("type", string(t)).Msg("critical send retry dropped, channel still down")
			return
		}

		env := wire.NewEnvelope(t, payload)
		env.Sender = &wire.Sender{UserID: identity.UserID, Role: identity.Role}
		data, err := env.Encode()
		if err == nil {
			err = transport.WriteMessage(data)
		}
		if err != nil {
			c.log.Warn().Err(err).Str("type", string(t)).Msg("critical send retry failed")
		}
	})
}

// Subscribe registers a listener for one message type and returns its
// unsubscribe capability. Multiple independent subscribers per type
// are supported; unsubscribing removes only that callback.
func (c *Channel) Subscribe(t wire.MessageType, fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListenerID
	c.nextListenerID++
	if c.byType[t] == nil {
		c.byType[t] = make(map[int]Listener)
	}
	c.byType[t][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.byType[t], id)
	}
}

// SubscribeAll registers a catch-all listener that sees every inbound
// envelope regardless of type.
func (c *Channel) SubscribeAll(fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListenerID
	c.nextListenerID++
	c.catchAll[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.catchAll, id)
	}
}

// OnStatus registers a connectivity listener. It is called with true
// after each successful open and false after each drop.
func (c *Channel) OnStatus(fn StatusListener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListenerID
	c.nextListenerID++
	c.statusListeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusListeners, id)
	}
}

func (c *Channel) notifyStatus(connected bool) {
	c.mu.Lock()
	listeners := make([]StatusListener, 0, len(c.statusListeners))
	for _, fn := range c.statusListeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(connected)
	}
}

// Connected reports the current transport state.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetIdentity switches the announced identity (login as a different
// user without restarting the tool). Any open transport is force
// closed and a fresh one dialed, so no message is ever delivered under
// a stale identity binding.
func (c *Channel) SetIdentity(identity Identity) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.opts.Identity = identity
	c.generation++
	c.attempt = 0
	c.cancelReconnectLocked()
	c.dialing = true
	transport := c.transport
	c.transport = nil
	c.connected = false
	gen := c.generation
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	go c.dial(gen)
}

// Close shuts the channel down permanently.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.generation++
	c.cancelReconnectLocked()
	transport := c.transport
	c.transport = nil
	c.connected = false
	c.mu.Unlock()

	if transport != nil {
		return transport.Close()
	}
	return nil
}
