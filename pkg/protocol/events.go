package protocol

import (
	"encoding/json"
	"fmt"
)

// Per-channel payload contracts. These sit on top of the generic Event
// envelope: the dispatcher never inspects payloads, and callers validate
// them with the typed accessors below when they need the structured form.

// DaemonState is the payload on the daemon-state channel: a snapshot of the
// remapper's live state.
type DaemonState struct {
	Modifiers     []string `json:"modifiers"`
	Locks         []string `json:"locks"`
	Layer         string   `json:"layer"`
	ActiveProfile string   `json:"active_profile,omitempty"`
}

// KeyEvent is the payload on the events channel: a single key press or
// release as it flowed through the remapper.
type KeyEvent struct {
	Timestamp uint64 `json:"timestamp"` // microseconds since the UNIX epoch
	KeyCode   string `json:"keyCode"`
	EventType string `json:"eventType"` // "press" or "release"
	Input     string `json:"input"`
	Output    string `json:"output"`
	Latency   uint64 `json:"latency"` // processing latency in microseconds
}

// LatencyStats is the payload on the latency channel. All durations are in
// microseconds.
type LatencyStats struct {
	Min       uint64 `json:"min"`
	Avg       uint64 `json:"avg"`
	Max       uint64 `json:"max"`
	P95       uint64 `json:"p95"`
	P99       uint64 `json:"p99"`
	Timestamp uint64 `json:"timestamp"`
}

// DaemonState decodes the event's payload as a daemon-state snapshot.
func (e *Event) DaemonState() (*DaemonState, error) {
	var s DaemonState
	if err := e.decodeAs(ChannelDaemonState, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// KeyEvent decodes the event's payload as a key event.
func (e *Event) KeyEvent() (*KeyEvent, error) {
	var k KeyEvent
	if err := e.decodeAs(ChannelEvents, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

// LatencyStats decodes the event's payload as a latency snapshot.
func (e *Event) LatencyStats() (*LatencyStats, error) {
	var l LatencyStats
	if err := e.decodeAs(ChannelLatency, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (e *Event) decodeAs(channel string, v any) error {
	if e.Channel != channel {
		return fmt.Errorf("protocol: event on channel %q, not %q", e.Channel, channel)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: invalid %s payload: %w", channel, err)
	}
	return nil
}
