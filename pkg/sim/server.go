// Package sim implements the server side of the keyrx daemon WebSocket
// protocol: a simulated daemon for local development of UIs and for
// integration tests. It speaks the same frames as the real daemon but backs
// them with registered handler functions instead of a keyboard pipeline.
package sim

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/cskr/pubsub"

	"github.com/keyrx/go-keyrxd/pkg/protocol"
)

const (
	defaultBusCapacity = 64
	connSendBuffer     = 64
	connWriteTimeout   = 5 * time.Second
)

// HandlerFunc services one RPC method. Returning a non-nil *protocol.RpcError
// produces an error response; otherwise the returned value is the result.
type HandlerFunc func(params json.RawMessage) (any, *protocol.RpcError)

// Server is a simulated keyrx daemon. It implements http.Handler for the
// WebSocket endpoint and fans events out to subscribed connections through
// an internal pubsub bus.
type Server struct {
	logger  *slog.Logger
	version string
	bus     *pubsub.PubSub

	mu       sync.RWMutex
	queries  map[string]HandlerFunc
	commands map[string]HandlerFunc
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version string reported in the handshake.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a simulated daemon with no handlers registered.
func New(opts ...Option) *Server {
	s := &Server{
		logger:   slog.Default(),
		version:  "0.0.0-sim",
		bus:      pubsub.New(defaultBusCapacity),
		queries:  make(map[string]HandlerFunc),
		commands: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleQuery registers the handler for a query method.
func (s *Server) HandleQuery(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[method] = fn
}

// HandleCommand registers the handler for a command method.
func (s *Server) HandleCommand(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[method] = fn
}

// Publish broadcasts an event to every connection subscribed to channel.
func (s *Server) Publish(channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.bus.Pub(json.RawMessage(raw), channel)
	return nil
}

// Shutdown stops the event bus. Connections drain and close on their own.
func (s *Server) Shutdown() {
	s.bus.Shutdown()
}

// EmitLatency publishes synthetic latency statistics on a fixed cadence
// until ctx is cancelled.
func (s *Server) EmitLatency(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			base := uint64(80 + rand.Intn(40))
			stats := protocol.LatencyStats{
				Min:       base,
				Avg:       base + 40,
				Max:       base + 400,
				P95:       base + 150,
				P99:       base + 300,
				Timestamp: uint64(time.Now().UnixMicro()),
			}
			if err := s.Publish(protocol.ChannelLatency, stats); err != nil {
				s.logger.Warn("latency publish failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// frame is the server-side wire envelope covering every outbound shape.
type frame struct {
	Type      string             `json:"type"`
	ID        string             `json:"id,omitempty"`
	Version   string             `json:"version,omitempty"`
	Timestamp uint64             `json:"timestamp,omitempty"`
	Result    any                `json:"result,omitempty"`
	Error     *protocol.RpcError `json:"error,omitempty"`
	Channel   string             `json:"channel,omitempty"`
	Data      any                `json:"data,omitempty"`
}

func responseFrame(id string, result any, rpcErr *protocol.RpcError) *frame {
	return &frame{Type: protocol.TypeResponse, ID: id, Result: result, Error: rpcErr}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	s.logger.Info("client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sc := &serverConn{
		s:    s,
		ws:   ws,
		send: make(chan *frame, connSendBuffer),
		subs: make(map[string]chan interface{}),
	}
	defer sc.teardown()

	go sc.writeLoop(ctx, cancel)

	sc.queue(ctx, &frame{
		Type:      protocol.TypeConnected,
		Version:   s.version,
		Timestamp: uint64(time.Now().UnixMicro()),
	})

	sc.readLoop(ctx)
	s.logger.Info("client disconnected", "remote", r.RemoteAddr)
}

// serverConn is one client connection: a read loop dispatching RPCs and a
// write loop draining responses and forwarded events.
type serverConn struct {
	s    *Server
	ws   *websocket.Conn
	send chan *frame

	subsMu sync.Mutex
	subs   map[string]chan interface{}
}

func (sc *serverConn) readLoop(ctx context.Context) {
	for {
		_, raw, err := sc.ws.Read(ctx)
		if err != nil {
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Mirror the daemon: parse errors produce an uncorrelated
			// response rather than killing the connection.
			sc.queue(ctx, responseFrame("", nil,
				protocol.NewRpcError(protocol.CodeParseError, "Invalid JSON: "+err.Error())))
			continue
		}

		switch msg.Type {
		case protocol.TypeQuery:
			result, rpcErr := sc.s.invoke(sc.s.lookupQuery(msg.Method), msg)
			sc.queue(ctx, responseFrame(msg.ID, result, rpcErr))
		case protocol.TypeCommand:
			result, rpcErr := sc.s.invoke(sc.s.lookupCommand(msg.Method), msg)
			sc.queue(ctx, responseFrame(msg.ID, result, rpcErr))
		case protocol.TypeSubscribe:
			sc.handleSubscribe(ctx, msg)
		case protocol.TypeUnsubscribe:
			sc.unsubscribe(msg.Channel)
			sc.queue(ctx, responseFrame(msg.ID, map[string]any{
				"unsubscribed": true,
				"channel":      msg.Channel,
			}, nil))
		default:
			sc.queue(ctx, responseFrame(msg.ID, nil,
				protocol.NewRpcError(protocol.CodeInvalidRequest, "unknown message type: "+msg.Type)))
		}
	}
}

func (sc *serverConn) handleSubscribe(ctx context.Context, msg protocol.ClientMessage) {
	if !protocol.KnownChannel(msg.Channel) {
		sc.queue(ctx, responseFrame(msg.ID, nil,
			protocol.NewRpcError(protocol.CodeInvalidParams, "unknown channel: "+msg.Channel)))
		return
	}

	sc.subsMu.Lock()
	_, already := sc.subs[msg.Channel]
	var evCh chan interface{}
	if !already {
		evCh = sc.s.bus.Sub(msg.Channel)
		sc.subs[msg.Channel] = evCh
	}
	sc.subsMu.Unlock()

	if !already {
		go sc.forwardEvents(ctx, msg.Channel, evCh)
	}
	sc.queue(ctx, responseFrame(msg.ID, map[string]any{
		"subscribed": true,
		"channel":    msg.Channel,
	}, nil))
}

// forwardEvents relays bus payloads for one channel to the connection as
// event frames.
func (sc *serverConn) forwardEvents(ctx context.Context, channel string, evCh chan interface{}) {
	for {
		select {
		case v, ok := <-evCh:
			if !ok {
				return
			}
			sc.queue(ctx, &frame{Type: protocol.TypeEvent, Channel: channel, Data: v})
		case <-ctx.Done():
			return
		}
	}
}

func (sc *serverConn) unsubscribe(channel string) {
	sc.subsMu.Lock()
	evCh, ok := sc.subs[channel]
	if ok {
		delete(sc.subs, channel)
	}
	sc.subsMu.Unlock()
	if ok {
		sc.s.bus.Unsub(evCh, channel)
	}
}

func (sc *serverConn) teardown() {
	sc.subsMu.Lock()
	subs := sc.subs
	sc.subs = make(map[string]chan interface{})
	sc.subsMu.Unlock()
	for channel, evCh := range subs {
		sc.s.bus.Unsub(evCh, channel)
	}
	sc.ws.Close(websocket.StatusNormalClosure, "connection finished")
}

func (sc *serverConn) queue(ctx context.Context, f *frame) {
	select {
	case sc.send <- f:
	case <-ctx.Done():
	default:
		sc.s.logger.Warn("send buffer full, dropping frame", "type", f.Type)
	}
}

func (sc *serverConn) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case f := <-sc.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, connWriteTimeout)
			err := wsjson.Write(writeCtx, sc.ws, f)
			writeCancel()
			if err != nil {
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) lookupQuery(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queries[method]
}

func (s *Server) lookupCommand(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commands[method]
}

func (s *Server) invoke(fn HandlerFunc, msg protocol.ClientMessage) (any, *protocol.RpcError) {
	if fn == nil {
		return nil, protocol.MethodNotFound(msg.Method)
	}
	return fn(msg.Params)
}
