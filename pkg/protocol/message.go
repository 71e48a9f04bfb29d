// Package protocol defines the wire contract spoken between a keyrx daemon
// and its clients: JSON text frames over a WebSocket, discriminated by a
// "type" field, with request/response correlation ids and channel-scoped
// event pushes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes used by the daemon.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Channels the daemon publishes events on. The set is closed per daemon
// version but may grow with newer servers; clients must not hard-fail on
// channels they do not recognize.
const (
	ChannelDaemonState = "daemon-state"
	ChannelEvents      = "events"
	ChannelLatency     = "latency"
)

// KnownChannel reports whether ch is a channel this protocol version defines.
func KnownChannel(ch string) bool {
	switch ch {
	case ChannelDaemonState, ChannelEvents, ChannelLatency:
		return true
	}
	return false
}

// Client-to-server frame types.
const (
	TypeQuery       = "query"
	TypeCommand     = "command"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Server-to-client frame types.
const (
	TypeConnected       = "connected"
	TypeResponse        = "response"
	TypeEvent           = "event"
	TypeSubscriptionAck = "subscription_ack"
)

// ClientMessage is an outbound frame. The client controls the shape, so a
// single struct with a type tag covers all four variants; unused fields are
// omitted from the encoding.
type ClientMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewQuery builds a query frame. params may be nil for methods that take no
// arguments.
func NewQuery(id, method string, params any) (*ClientMessage, error) {
	return newRequest(TypeQuery, id, method, params)
}

// NewCommand builds a command frame.
func NewCommand(id, method string, params any) (*ClientMessage, error) {
	return newRequest(TypeCommand, id, method, params)
}

func newRequest(typ, id, method string, params any) (*ClientMessage, error) {
	msg := &ClientMessage{Type: typ, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal params for %s %q: %w", typ, method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewSubscribe builds a subscribe frame.
func NewSubscribe(id, channel string) *ClientMessage {
	return &ClientMessage{Type: TypeSubscribe, ID: id, Channel: channel}
}

// NewUnsubscribe builds an unsubscribe frame.
func NewUnsubscribe(id, channel string) *ClientMessage {
	return &ClientMessage{Type: TypeUnsubscribe, ID: id, Channel: channel}
}

// ServerMessage is an inbound frame, one of *Connected, *Response, *Event or
// *SubscriptionAck. Kind returns the frame's type tag so callers can switch
// exhaustively.
type ServerMessage interface {
	Kind() string
}

// Connected is the handshake the daemon sends once per connection.
type Connected struct {
	Version   string `json:"version"`
	Timestamp uint64 `json:"timestamp"` // microseconds since the UNIX epoch
}

func (*Connected) Kind() string { return TypeConnected }

// Response correlates to a prior query, command, subscribe or unsubscribe by
// id. Exactly one of Result and Error is meaningful; Result may be absent for
// commands with no payload.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RpcError       `json:"error,omitempty"`
}

func (*Response) Kind() string { return TypeResponse }

// Event is an unsolicited push on a subscribed channel.
type Event struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (*Event) Kind() string { return TypeEvent }

// SubscriptionAck confirms or rejects a subscribe request. The reference
// daemon acks with a correlated Response instead; both shapes are accepted.
type SubscriptionAck struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (*SubscriptionAck) Kind() string { return TypeSubscriptionAck }

// RpcError carries a server-side failure following JSON-RPC 2.0
// conventions. It implements error; Error returns the server's message
// verbatim.
type RpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RpcError) Error() string { return e.Message }

// NewRpcError builds an RpcError with no attached data.
func NewRpcError(code int, message string) *RpcError {
	return &RpcError{Code: code, Message: message}
}

// MethodNotFound builds the standard error for an unknown method name.
func MethodNotFound(method string) *RpcError {
	return NewRpcError(CodeMethodNotFound, "Method not found: "+method)
}
