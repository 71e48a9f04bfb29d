// Package client implements the keyrx daemon protocol client: a single
// persistent WebSocket multiplexing query/command RPC and channel
// subscriptions, with keepalive pings and exponential-backoff reconnection.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/keyrx/go-keyrxd/pkg/protocol"
)

const maxFrameSize = 1024 * 1024 // 1MB

// Client is a connection to a keyrx daemon. Construct with New, open with
// Connect, and release with Close. All methods are safe for concurrent use.
type Client struct {
	cfg    config
	urlStr string

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	serverVersion string
	reconnecting  bool
	attempts      int

	// Pump lifetime for the current connection. Replaced wholesale on each
	// (re)connect; the previous connection's pumps are guaranteed exited
	// before a new set starts.
	pumpWg *sync.WaitGroup

	clientCtx    context.Context
	clientCancel context.CancelFunc

	send chan *protocol.ClientMessage

	pendingMu sync.Mutex
	pending   map[string]chan pendingResult

	subsMu sync.Mutex
	subs   map[string]*subscription

	evMu       sync.Mutex
	evRing     []protocol.Event
	evHead     int
	evCount    int
	waiters    map[uint64]*eventWaiter
	waiterSeq  uint64
	handlers   map[uint64]func(protocol.Event)
	handlerSeq uint64

	notify chan State
}

// New builds a Client for the daemon at urlStr (e.g.
// "ws://127.0.0.1:9867/ws"). No connection is made until Connect.
func New(urlStr string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:          defaultConfig(),
		urlStr:       urlStr,
		state:        StateDisconnected,
		clientCtx:    ctx,
		clientCancel: cancel,
		pending:      make(map[string]chan pendingResult),
		subs:         make(map[string]*subscription),
		waiters:      make(map[uint64]*eventWaiter),
		handlers:     make(map[uint64]func(protocol.Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.dialOptions == nil {
		c.cfg.dialOptions = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}
	c.send = make(chan *protocol.ClientMessage, c.cfg.sendBuffer)
	c.evRing = make([]protocol.Event, c.cfg.eventBuffer)
	if c.cfg.onStateChange != nil {
		c.notify = make(chan State, 32)
		go c.notifyLoop()
	}
	return c
}

// Connect dials the daemon. It is a no-op when already connected and fails
// with a ConnectionError when a connect or reconnect is already in flight.
// The dial is bounded by ctx and the configured connect timeout, whichever
// expires first; expiry aborts the attempt and returns a TimeoutError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClientClosed
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: errors.New("already connecting")}
	case StateReconnecting:
		c.mu.Unlock()
		return &ConnectionError{Op: "connect", Err: errors.New("reconnect in progress")}
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// establish dials and, on success, installs the connection and starts its
// pumps. Callers own the state transition on failure.
func (c *Client) establish(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer cancel()

	conn, httpResp, err := websocket.Dial(dialCtx, c.urlStr, c.cfg.dialOptions)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Op: "connect to " + c.urlStr}
		}
		if httpResp != nil {
			err = fmt.Errorf("%w (status: %s)", err, httpResp.Status)
		}
		return &ConnectionError{Op: "dial " + c.urlStr, Err: err}
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed during dial")
		return ErrClientClosed
	}
	c.conn = conn
	c.attempts = 0
	pumpCtx, pumpCancel := context.WithCancel(c.clientCtx)
	wg := &sync.WaitGroup{}
	c.pumpWg = wg
	wg.Add(2)
	go c.readPump(pumpCtx, pumpCancel, conn, wg)
	go c.writePump(pumpCtx, pumpCancel, conn, wg)
	if c.cfg.pingInterval > 0 {
		wg.Add(1)
		go c.pingLoop(pumpCtx, pumpCancel, conn, wg)
	}
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.cfg.logger.Info("connected", "url", c.urlStr)
	c.resubscribe()
	return nil
}

// readPump is the single reader for one connection. It terminates on any
// transport error; its teardown decides whether a reconnect is scheduled.
func (c *Client) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, wg *sync.WaitGroup) {
	defer func() {
		cancel()
		conn.Close(websocket.StatusAbnormalClosure, "read loop terminated")

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		closed := c.state == StateClosed
		reconnect := c.cfg.autoReconnect && !closed
		switch {
		case reconnect:
			// Report the dead transport immediately; the reconnect loop
			// has not taken over yet.
			c.setStateLocked(StateReconnecting)
		case !closed:
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()

		wg.Done()

		// Requests and pending subscriptions in flight when the transport
		// dropped cannot be answered on the next connection; fail them now
		// instead of letting each time out.
		c.failPending(&ConnectionError{Op: "await response", Err: errors.New("connection lost")})

		if reconnect {
			go c.reconnectLoop()
		}
	}()

	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case ctx.Err() != nil:
				c.cfg.logger.Debug("read loop stopping", "reason", ctx.Err())
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				c.cfg.logger.Info("server closed connection", "status", status.String())
			default:
				c.cfg.logger.Warn("read error", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := protocol.DecodeServerMessage(raw)
		if err != nil {
			// The reader must survive malformed and unknown frames.
			c.cfg.logger.Warn("dropping inbound frame", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case *protocol.Connected:
		c.mu.Lock()
		c.serverVersion = m.Version
		c.mu.Unlock()
		c.cfg.logger.Debug("handshake received", "version", m.Version)
	case *protocol.Response:
		if c.resolveSubscribeAck(m) {
			return
		}
		c.resolveRequest(m)
	case *protocol.Event:
		c.dispatchEvent(*m)
	case *protocol.SubscriptionAck:
		c.resolveChannelAck(m.Channel, m.Success, m.Message)
	}
}

func (c *Client) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case msg := <-c.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, c.cfg.writeTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			writeCancel()
			if err != nil {
				c.cfg.logger.Warn("write error", "type", msg.Type, "err", err)
				cancel() // tear down this connection; readPump handles recovery
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pingLoop sends transport-level keepalive pings while connected. A failed
// ping tears the connection down so the reconnect policy can take over.
func (c *Client) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.cfg.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, c.cfg.pingInterval/2)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					c.cfg.logger.Warn("keepalive ping failed", "err", err)
					cancel()
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.cfg.maxReconnectAttempts {
			// Exhaustion settles silently into Disconnected; the state
			// callback is the notification path.
			c.setStateLocked(StateDisconnected)
			c.mu.Unlock()
			c.cfg.logger.Info("reconnect attempts exhausted", "attempts", c.attempts)
			return
		}
		c.attempts++
		attempt := c.attempts
		c.setStateLocked(StateReconnecting)
		c.mu.Unlock()

		delay := backoffDelay(c.cfg.reconnectDelay, attempt)
		c.cfg.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-c.clientCtx.Done():
			return
		}

		if err := c.establish(c.clientCtx); err != nil {
			c.cfg.logger.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}
		c.cfg.logger.Info("reconnected", "attempt", attempt)
		return
	}
}

// backoffDelay returns base * 2^(attempt-1), saturating at MaxInt64 for
// attempt counts large enough to overflow the shift.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	shift := uint(attempt - 1)
	if shift >= 63 || base > time.Duration(math.MaxInt64)>>shift {
		return time.Duration(math.MaxInt64)
	}
	return base << shift
}

// Close releases the client: it cancels keepalive and reconnect timers,
// rejects every pending request and subscription with ErrClientClosed,
// closes the transport, and enters the terminal StateClosed. Close is
// idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateClosed)
	conn := c.conn
	c.conn = nil
	wg := c.pumpWg
	c.mu.Unlock()

	c.failPending(ErrClientClosed)
	c.clientCancel()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	if wg != nil {
		wg.Wait()
	}

	c.subsMu.Lock()
	c.subs = make(map[string]*subscription)
	c.subsMu.Unlock()

	c.evMu.Lock()
	c.evHead, c.evCount = 0, 0
	c.evMu.Unlock()

	c.cfg.logger.Info("client closed")
	return nil
}

// failPending rejects every pending request and every pending (not yet
// acknowledged) subscription with err.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		select {
		case ch <- pendingResult{err: err}:
		default:
		}
	}
	c.pendingMu.Unlock()

	c.subsMu.Lock()
	for channel, sub := range c.subs {
		if sub.state == subPending {
			delete(c.subs, channel)
			sub.err = err
			close(sub.done)
		}
	}
	c.subsMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client is currently connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// ServerVersion returns the daemon version from the connection handshake,
// or "" before the first handshake.
func (c *Client) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverVersion
}

// setStateLocked transitions the state machine. Callers hold c.mu.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.notify != nil {
		select {
		case c.notify <- s:
		default:
			c.cfg.logger.Warn("state notification dropped", "state", s.String())
		}
	}
}

// notifyLoop serializes state-change callbacks so they observe transitions
// in order without holding client locks.
func (c *Client) notifyLoop() {
	for {
		select {
		case s := <-c.notify:
			c.cfg.onStateChange(s)
		case <-c.clientCtx.Done():
			for {
				select {
				case s := <-c.notify:
					c.cfg.onStateChange(s)
				default:
					return
				}
			}
		}
	}
}

// ensureConnected gates blocking operations on the connection state.
func (c *Client) ensureConnected(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return ErrClientClosed
	case StateConnected:
		return nil
	default:
		return &ConnectionError{Op: op, Err: fmt.Errorf("client is %s", c.state)}
	}
}

// trySend queues a fire-and-forget frame, dropping it if the send buffer is
// full or the client is shutting down.
func (c *Client) trySend(msg *protocol.ClientMessage) {
	select {
	case c.send <- msg:
	case <-c.clientCtx.Done():
	default:
		c.cfg.logger.Warn("send buffer full, dropping frame", "type", msg.Type)
	}
}

// opContext derives the context governing a single blocking operation: the
// caller's deadline when present and shorter, otherwise the configured
// default timeout.
func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < c.cfg.requestTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.requestTimeout)
}

// opErr maps an expired operation context to the error surfaced to callers.
func opErr(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return &TimeoutError{Op: op}
}
