package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType marks a frame whose type tag is outside the known set.
// Newer daemons may emit types this client predates; callers should drop
// such frames rather than treat them as fatal.
var ErrUnknownType = errors.New("protocol: unknown message type")

// DecodeServerMessage parses a raw text frame into a typed ServerMessage.
// Malformed JSON, a missing type tag, or a frame failing structural
// validation yields an error; the caller decides whether to drop or
// propagate.
func DecodeServerMessage(raw []byte) (ServerMessage, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("protocol: invalid frame: %w", err)
	}

	switch probe.Type {
	case TypeConnected:
		var m Connected
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: invalid connected frame: %w", err)
		}
		return &m, nil

	case TypeResponse:
		var m Response
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: invalid response frame: %w", err)
		}
		if m.ID == "" && m.Error == nil {
			return nil, errors.New("protocol: response frame without id")
		}
		return &m, nil

	case TypeEvent:
		var m Event
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: invalid event frame: %w", err)
		}
		if m.Channel == "" {
			return nil, errors.New("protocol: event frame without channel")
		}
		return &m, nil

	case TypeSubscriptionAck:
		var m SubscriptionAck
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: invalid subscription_ack frame: %w", err)
		}
		if m.Channel == "" {
			return nil, errors.New("protocol: subscription_ack frame without channel")
		}
		return &m, nil

	case "":
		return nil, errors.New("protocol: frame without type tag")

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
}
