package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultSendBuffer        = 16
	defaultEventBuffer       = 256
	defaultConnectTimeout    = 10 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultReconnectDelay    = 1 * time.Second
	defaultReconnectAttempts = 5
)

type config struct {
	logger               *slog.Logger
	dialOptions          *websocket.DialOptions
	connectTimeout       time.Duration
	requestTimeout       time.Duration
	writeTimeout         time.Duration
	pingInterval         time.Duration // <= 0 disables keepalive pings
	autoReconnect        bool
	maxReconnectAttempts int
	reconnectDelay       time.Duration
	sendBuffer           int
	eventBuffer          int
	onStateChange        func(State)
}

func defaultConfig() config {
	return config{
		logger:               slog.Default(),
		connectTimeout:       defaultConnectTimeout,
		requestTimeout:       defaultRequestTimeout,
		writeTimeout:         defaultWriteTimeout,
		pingInterval:         defaultPingInterval,
		reconnectDelay:       defaultReconnectDelay,
		maxReconnectAttempts: defaultReconnectAttempts,
		sendBuffer:           defaultSendBuffer,
		eventBuffer:          defaultEventBuffer,
	}
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.cfg.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) {
		c.cfg.dialOptions = opts
	}
}

// WithContext sets a parent context for the client's lifetime. Cancelling it
// shuts the client down the same way Close does, minus the pending-call
// draining.
func WithContext(ctx context.Context) Option {
	return func(c *Client) {
		c.clientCtx, c.clientCancel = context.WithCancel(ctx)
	}
}

// WithConnectTimeout bounds each dial attempt. Connect's own context still
// applies; the shorter of the two wins.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.cfg.connectTimeout = timeout
		}
	}
}

// WithDefaultRequestTimeout sets the default deadline for Query, Command,
// Subscribe and WaitForEvent when the caller's context carries none.
func WithDefaultRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.cfg.requestTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.cfg.writeTimeout = timeout
		}
	}
}

// WithPingInterval sets the keepalive ping cadence while connected.
// Zero or negative disables client pings.
func WithPingInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.cfg.pingInterval = interval
	}
}

// WithAutoReconnect enables reconnection after a transport-level drop.
// Attempt n waits delay * 2^(n-1); after maxAttempts failed attempts the
// client settles into StateDisconnected.
func WithAutoReconnect(maxAttempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.cfg.autoReconnect = true
		if maxAttempts > 0 {
			c.cfg.maxReconnectAttempts = maxAttempts
		}
		if delay > 0 {
			c.cfg.reconnectDelay = delay
		}
	}
}

// WithEventBuffer sets the size of the bounded event replay queue. When the
// queue is full the oldest event is dropped. Zero disables replay entirely.
func WithEventBuffer(size int) Option {
	return func(c *Client) {
		if size >= 0 {
			c.cfg.eventBuffer = size
		}
	}
}

// WithSendBuffer sets the outbound frame buffer size.
func WithSendBuffer(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.cfg.sendBuffer = size
		}
	}
}

// WithOnStateChange registers a callback invoked on every connection state
// transition. Callbacks run on a dedicated goroutine in transition order and
// may call back into the client.
func WithOnStateChange(fn func(State)) Option {
	return func(c *Client) {
		c.cfg.onStateChange = fn
	}
}
