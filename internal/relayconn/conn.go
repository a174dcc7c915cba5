package relayconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbra-im/realtime/internal/protocol"
)

// ConnectionState is the lifecycle state of the relay connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateRegistered   ConnectionState = "registered"
	StateReconnecting ConnectionState = "reconnecting"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultWaitTimeout       = 15 * time.Second

	maxReconnectDelay = 30 * time.Second
)

// Handler receives every parsed relay envelope in arrival order. Handlers
// must not block; a panicking handler is isolated and never affects other
// handlers or the connection itself.
type Handler func(protocol.ServerEnvelope)

// Config carries everything fixed at construction. Reconnection policy is
// opt-in via EnableReconnect.
type Config struct {
	// URL is the relay WebSocket endpoint (ws:// or wss://).
	URL string
	// DID identifies this client on the relay.
	DID string
	// AuthToken, when set, is presented to the relay as a `token` query
	// parameter on dial. Relays without an auth gate ignore it.
	AuthToken string

	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger

	// ConnectTimeout bounds the dial plus registration handshake.
	ConnectTimeout time.Duration
	// KeepaliveInterval is how often a protocol ping is sent while registered.
	KeepaliveInterval time.Duration
	// MaxQueued caps the outbound queue used while disconnected; 0 = unbounded.
	MaxQueued int

	// OnStateChange is invoked on every connection-state transition.
	OnStateChange func(ConnectionState)
	// OnReconnected is invoked after a successful automatic reconnect, once
	// offline messages have been requested and the outbound queue flushed.
	OnReconnected func()
	// OnReconnectGaveUp is invoked when automatic reconnection exhausts its
	// attempt budget. Without it, exhaustion is observable only via
	// OnStateChange(StateDisconnected).
	OnReconnectGaveUp func()
}

type waiter struct {
	pred func(protocol.ServerEnvelope) bool
	ch   chan protocol.ServerEnvelope
	errc chan error
}

type subscriber struct {
	id int
	h  Handler
}

// Conn is one logical connection to a relay endpoint. The zero value is not
// usable; construct with New.
type Conn struct {
	cfg    Config
	logger *slog.Logger
	queue  *outboundQueue

	// wmu serializes writes to the underlying socket.
	wmu sync.Mutex

	mu          sync.Mutex
	state       ConnectionState
	ws          *websocket.Conn
	gen         uint64
	genRegister uint64 // generation that completed registration; guards reconnect
	connecting  bool
	intentional bool

	reconnectEnabled bool
	maxAttempts      int
	baseDelay        time.Duration
	attempts         int
	reconnectTimer   *time.Timer

	subscribers []subscriber
	nextSubID   int
	waiters     []*waiter
}

func New(cfg Config) *Conn {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	return &Conn{
		cfg:    cfg,
		logger: logger.With("did", cfg.DID),
		queue:  newOutboundQueue(cfg.MaxQueued),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueuedCount reports how many envelopes are waiting for the next flush.
func (c *Conn) QueuedCount() int {
	return c.queue.Len()
}

// Connect dials the relay, sends the registration envelope, and returns once
// the relay acknowledges registration. On success the reconnect-attempt
// counter is reset and the keepalive loop starts.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil || c.connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.connecting = true
	c.intentional = false
	notify := c.transitionLocked(StateConnecting)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}

	err := c.dialAndRegister(ctx)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		notify = c.transitionLocked(StateDisconnected)
	} else {
		c.attempts = 0
		notify = c.transitionLocked(StateRegistered)
	}
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
	return err
}

// Disconnect performs an intentional, terminal close. No reconnection is
// attempted regardless of policy, and any pending reconnect timer is
// cancelled. Safe to call in any state.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		// The read loop observes the close and finishes the state transition.
		_ = ws.Close()
		return
	}
	c.failWaiters(ErrClosed)
	c.setState(StateDisconnected)
}

// SimulateDisconnect closes the transport without marking the close as
// intentional, so the reconnection policy (if enabled) kicks in. Exists to
// validate reconnection behavior under test.
func (c *Conn) SimulateDisconnect() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// EnableReconnect turns on automatic reconnection after unexpected closes:
// at most maxAttempts attempts with exponential backoff starting at baseDelay
// and capped at 30s per attempt.
func (c *Conn) EnableReconnect(maxAttempts int, baseDelay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectEnabled = true
	c.maxAttempts = maxAttempts
	c.baseDelay = baseDelay
}

// DisableReconnect turns off automatic reconnection and cancels any pending
// reconnect timer.
func (c *Conn) DisableReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectEnabled = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// OnMessage registers a handler for every parsed server envelope and returns
// its unsubscribe function. Unsubscribing one handler never affects others.
func (c *Conn) OnMessage(h Handler) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers = append(c.subscribers, subscriber{id: id, h: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subscribers {
			if s.id == id {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

// WaitFor resolves with the first envelope matching pred, or ErrWaitTimeout
// if none arrives within timeout (DefaultWaitTimeout when zero).
func (c *Conn) WaitFor(ctx context.Context, pred func(protocol.ServerEnvelope) bool, timeout time.Duration) (protocol.ServerEnvelope, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	w := c.addWaiter(pred)
	defer c.removeWaiter(w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-w.ch:
		return env, nil
	case err := <-w.errc:
		return protocol.ServerEnvelope{}, err
	case <-timer.C:
		return protocol.ServerEnvelope{}, ErrWaitTimeout
	case <-ctx.Done():
		return protocol.ServerEnvelope{}, ctx.Err()
	}
}

// Send writes env immediately if the transport is open and registered. When
// it is not, the envelope is queued if reconnection is enabled, and silently
// dropped otherwise — callers that require delivery confirmation must use
// acks or WaitFor.
func (c *Conn) Send(env protocol.ClientEnvelope) error {
	c.mu.Lock()
	open := c.ws != nil && c.state == StateRegistered
	if !open && c.reconnectEnabled {
		// Enqueue while holding mu so a concurrent reconnect cannot slip its
		// registered transition between the state check and the enqueue.
		queued := c.queue.Enqueue(env)
		c.mu.Unlock()
		if !queued {
			c.logger.Debug("outbound queue full, dropping envelope", "type", env.Type)
		}
		return nil
	}
	c.mu.Unlock()

	if open {
		return c.write(env)
	}
	c.logger.Debug("disconnected with reconnect disabled, dropping envelope", "type", env.Type)
	return nil
}

// SendEnvelope sends an opaque encrypted payload to a peer DID.
func (c *Conn) SendEnvelope(toDID, payload string) error {
	return c.Send(protocol.Send(toDID, payload))
}

// Signal sends a call-signaling payload (SDP/ICE) to a peer DID.
func (c *Conn) Signal(toDID, payload string) error {
	return c.Send(protocol.Signal(toDID, payload))
}

// FetchOffline asks the relay to deliver every message it queued while this
// DID was offline. Replies arrive as an offline_messages envelope.
func (c *Conn) FetchOffline() error {
	return c.Send(protocol.FetchOffline())
}

// CreateSession stores an SDP offer on the relay for single-scan friend
// adding and resolves with the shareable session ID.
func (c *Conn) CreateSession(offerPayload string) error {
	return c.Send(protocol.ClientEnvelope{Type: protocol.TypeCreateSession, OfferPayload: offerPayload})
}

// JoinSession joins an existing signaling session with an SDP answer.
func (c *Conn) JoinSession(sessionID, answerPayload string) error {
	return c.Send(protocol.ClientEnvelope{Type: protocol.TypeJoinSession, SessionID: sessionID, AnswerPayload: answerPayload})
}

// CreateCallRoom asks the relay to create a group-call room.
func (c *Conn) CreateCallRoom(groupID string) error {
	return c.Send(protocol.ClientEnvelope{Type: protocol.TypeCreateCallRoom, GroupID: groupID})
}

// JoinCallRoom joins an existing group-call room.
func (c *Conn) JoinCallRoom(roomID string) error {
	return c.Send(protocol.ClientEnvelope{Type: protocol.TypeJoinCallRoom, RoomID: roomID})
}

// LeaveCallRoom leaves a group-call room.
func (c *Conn) LeaveCallRoom(roomID string) error {
	return c.Send(protocol.ClientEnvelope{Type: protocol.TypeLeaveCallRoom, RoomID: roomID})
}

// CallSignal forwards a call-signaling payload to one participant of a room.
func (c *Conn) CallSignal(roomID, toDID, payload string) error {
	return c.Send(protocol.ClientEnvelope{Type: protocol.TypeCallSignal, RoomID: roomID, ToDID: toDID, Payload: payload})
}

// ── connection establishment ──────────────────────────────────────────────

func (c *Conn) dialAndRegister(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	ws, resp, err := dialer.DialContext(dialCtx, c.dialURL(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.ws = ws
	done := make(chan struct{})
	c.mu.Unlock()

	registered := c.addWaiter(func(env protocol.ServerEnvelope) bool {
		return env.Type == protocol.TypeRegistered && env.DID == c.cfg.DID
	})

	go c.readLoop(ws, gen, done)

	if err := c.write(protocol.Register(c.cfg.DID)); err != nil {
		c.removeWaiter(registered)
		c.closeSocket(gen)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-registered.ch:
	case err := <-registered.errc:
		c.closeSocket(gen)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	case <-done:
		// The read loop exited before the registered ack: the socket errored
		// or the relay hung up. Fail fast instead of waiting out the timeout.
		c.removeWaiter(registered)
		c.closeSocket(gen)
		return fmt.Errorf("%w: connection closed before registration", ErrTransport)
	case <-timer.C:
		c.removeWaiter(registered)
		c.closeSocket(gen)
		return ErrConnectTimeout
	case <-ctx.Done():
		c.removeWaiter(registered)
		c.closeSocket(gen)
		return ctx.Err()
	}

	c.mu.Lock()
	c.genRegister = gen
	c.mu.Unlock()

	go c.keepaliveLoop(done)
	return nil
}

func (c *Conn) dialURL() string {
	if c.cfg.AuthToken == "" {
		return c.cfg.URL
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("token", c.cfg.AuthToken)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Conn) write(env protocol.ClientEnvelope) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return ws.WriteJSON(env)
}

// closeSocket tears down the socket for generation gen without going through
// the unexpected-close path.
func (c *Conn) closeSocket(gen uint64) {
	c.mu.Lock()
	var ws *websocket.Conn
	if c.gen == gen && c.ws != nil {
		ws = c.ws
		c.ws = nil
	}
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// ── read path ─────────────────────────────────────────────────────────────

func (c *Conn) readLoop(ws *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		env, err := protocol.ParseServerEnvelope(data)
		if err != nil {
			// Malformed relay traffic is tolerated by design; the frame is
			// dropped without disturbing the connection.
			c.logger.Debug("dropping malformed relay frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env protocol.ServerEnvelope) {
	c.mu.Lock()
	var matched []*waiter
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if c.safeMatch(w.pred, env) {
			matched = append(matched, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	subs := make([]subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, w := range matched {
		w.ch <- env
	}
	for _, s := range subs {
		c.invoke(s.h, env)
	}
}

func (c *Conn) invoke(h Handler, env protocol.ServerEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("message handler panicked", "panic", r, "type", env.Type)
		}
	}()
	h(env)
}

func (c *Conn) safeMatch(pred func(protocol.ServerEnvelope) bool, env protocol.ServerEnvelope) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return pred(env)
}

// handleClose runs exactly once per physical connection, from its read loop.
func (c *Conn) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.ws == nil {
		// A newer connection exists or the socket was already torn down.
		c.mu.Unlock()
		return
	}
	ws := c.ws
	c.ws = nil
	intentional := c.intentional
	// Reconnect only applies to closes that happen after a successful
	// registration on this generation.
	reconnect := c.reconnectEnabled && !intentional && c.genRegister == gen
	c.mu.Unlock()
	_ = ws.Close()

	if intentional {
		c.failWaiters(ErrClosed)
		c.setState(StateDisconnected)
		return
	}
	if !reconnect {
		c.setState(StateDisconnected)
		return
	}
	c.logger.Debug("relay connection lost, scheduling reconnect", "error", cause)
	c.setState(StateReconnecting)
	c.scheduleReconnect()
}

// ── reconnection ──────────────────────────────────────────────────────────

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reconnectEnabled || c.intentional {
		return
	}
	delay := backoffDelay(c.baseDelay, c.attempts)
	c.reconnectTimer = time.AfterFunc(delay, c.attemptReconnect)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt > 30 {
		return maxReconnectDelay
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > maxReconnectDelay {
		return maxReconnectDelay
	}
	return delay
}

func (c *Conn) attemptReconnect() {
	c.mu.Lock()
	if !c.reconnectEnabled || c.intentional || c.ws != nil {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	if err := c.dialAndRegister(context.Background()); err != nil {
		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		maxAttempts := c.maxAttempts
		gaveUp := attempts >= maxAttempts
		cb := c.cfg.OnReconnectGaveUp
		c.mu.Unlock()

		if gaveUp {
			c.logger.Warn("reconnect attempts exhausted", "attempts", attempts, "error", err)
			c.setState(StateDisconnected)
			if cb != nil {
				cb()
			}
			return
		}
		c.logger.Debug("reconnect attempt failed", "attempt", attempts, "error", err)
		c.scheduleReconnect()
		return
	}

	// Offline fetch strictly precedes the queue flush so previously queued
	// sends never race ahead of messages the relay held during the outage.
	if err := c.write(protocol.FetchOffline()); err != nil {
		c.logger.Debug("offline fetch after reconnect failed", "error", err)
	}

	// Transition before flushing: a Send that observed the old state has
	// already enqueued under mu and is drained below; everything after the
	// transition writes directly.
	c.mu.Lock()
	c.attempts = 0
	notify := c.transitionLocked(StateRegistered)
	cb := c.cfg.OnReconnected
	c.mu.Unlock()

	c.flushQueue()

	if notify != nil {
		notify()
	}
	if cb != nil {
		cb()
	}
}

func (c *Conn) flushQueue() {
	items := c.queue.DrainAll()
	for i, env := range items {
		if err := c.write(env); err != nil {
			c.queue.Requeue(items[i:])
			return
		}
	}
}

// ── keepalive ─────────────────────────────────────────────────────────────

func (c *Conn) keepaliveLoop(done chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			registered := c.ws != nil && c.state == StateRegistered
			c.mu.Unlock()
			if registered {
				if err := c.write(protocol.Ping()); err != nil {
					c.logger.Debug("keepalive ping failed", "error", err)
				}
			}
		}
	}
}

// ── waiters and state ─────────────────────────────────────────────────────

func (c *Conn) addWaiter(pred func(protocol.ServerEnvelope) bool) *waiter {
	w := &waiter{
		pred: pred,
		ch:   make(chan protocol.ServerEnvelope, 1),
		errc: make(chan error, 1),
	}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w
}

func (c *Conn) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Conn) failWaiters(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		w.errc <- err
	}
}

func (c *Conn) setState(s ConnectionState) {
	c.mu.Lock()
	notify := c.transitionLocked(s)
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// transitionLocked records a state change and returns the OnStateChange
// notification, to be invoked after mu is released. Callbacks therefore run
// in transition order and may call back into the connection.
func (c *Conn) transitionLocked(s ConnectionState) func() {
	if c.state == s {
		return nil
	}
	c.state = s
	cb := c.cfg.OnStateChange
	if cb == nil {
		return nil
	}
	return func() { cb(s) }
}
