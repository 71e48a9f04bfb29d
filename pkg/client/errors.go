package client

import (
	"errors"
	"fmt"
)

// ErrClientClosed is returned by every operation attempted after Close, and
// is the rejection delivered to callers whose operations were still pending
// when Close ran.
var ErrClientClosed = errors.New("client is closed")

// ConnectionError reports a transport that failed to open or was in the
// wrong state for the requested operation.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a blocking operation that exceeded its deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("client: %s timed out", e.Op)
}

// SubscriptionError reports a subscribe request the daemon explicitly
// rejected.
type SubscriptionError struct {
	Channel string
	Message string
}

func (e *SubscriptionError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "subscription rejected"
	}
	return fmt.Sprintf("client: subscribe %q: %s", e.Channel, msg)
}
