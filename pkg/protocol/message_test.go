package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestClientMessageShapes(t *testing.T) {
	t.Run("Query with params", func(t *testing.T) {
		msg, err := NewQuery("q-1", "get_profiles", map[string]string{"filter": "active"})
		if err != nil {
			t.Fatalf("NewQuery failed: %v", err)
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		for _, want := range []string{`"type":"query"`, `"id":"q-1"`, `"method":"get_profiles"`, `"filter":"active"`} {
			if !strings.Contains(string(raw), want) {
				t.Errorf("frame %s missing %s", raw, want)
			}
		}
	})

	t.Run("Command without params omits the field", func(t *testing.T) {
		msg, err := NewCommand("c-1", "reload", nil)
		if err != nil {
			t.Fatalf("NewCommand failed: %v", err)
		}
		raw, _ := json.Marshal(msg)
		if strings.Contains(string(raw), "params") {
			t.Errorf("frame %s should not carry params", raw)
		}
		if !strings.Contains(string(raw), `"type":"command"`) {
			t.Errorf("frame %s missing command tag", raw)
		}
	})

	t.Run("Subscribe and unsubscribe carry the channel", func(t *testing.T) {
		sub, _ := json.Marshal(NewSubscribe("s-1", ChannelDaemonState))
		if !strings.Contains(string(sub), `"type":"subscribe"`) || !strings.Contains(string(sub), `"channel":"daemon-state"`) {
			t.Errorf("unexpected subscribe frame: %s", sub)
		}
		unsub, _ := json.Marshal(NewUnsubscribe("u-1", ChannelEvents))
		if !strings.Contains(string(unsub), `"type":"unsubscribe"`) || !strings.Contains(string(unsub), `"channel":"events"`) {
			t.Errorf("unexpected unsubscribe frame: %s", unsub)
		}
	})

	t.Run("Unmarshalable params fail", func(t *testing.T) {
		if _, err := NewQuery("q-2", "bad", func() {}); err == nil {
			t.Fatal("expected error for unmarshalable params")
		}
	})
}

func TestDecodeServerMessage(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		msg, err := DecodeServerMessage([]byte(`{"type":"connected","version":"1.2.0","timestamp":1234567890}`))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		hs, ok := msg.(*Connected)
		if !ok {
			t.Fatalf("expected *Connected, got %T", msg)
		}
		if hs.Version != "1.2.0" || hs.Timestamp != 1234567890 {
			t.Errorf("unexpected handshake: %+v", hs)
		}
	})

	t.Run("response with result", func(t *testing.T) {
		msg, err := DecodeServerMessage([]byte(`{"type":"response","id":"r-1","result":{"profiles":["Default"]}}`))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		resp := msg.(*Response)
		if resp.ID != "r-1" || resp.Error != nil || len(resp.Result) == 0 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("response with error", func(t *testing.T) {
		msg, err := DecodeServerMessage([]byte(`{"type":"response","id":"r-2","error":{"code":-32601,"message":"Method not found: nope"}}`))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		resp := msg.(*Response)
		if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
			t.Errorf("unexpected response: %+v", resp)
		}
		if resp.Error.Error() != "Method not found: nope" {
			t.Errorf("error message should be the server's verbatim, got %q", resp.Error.Error())
		}
	})

	t.Run("event", func(t *testing.T) {
		msg, err := DecodeServerMessage([]byte(`{"type":"event","channel":"daemon-state","data":{"modifiers":[],"locks":[],"layer":"base"}}`))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		ev := msg.(*Event)
		if ev.Channel != ChannelDaemonState {
			t.Errorf("unexpected event: %+v", ev)
		}
	})

	t.Run("subscription ack", func(t *testing.T) {
		msg, err := DecodeServerMessage([]byte(`{"type":"subscription_ack","channel":"events","success":true}`))
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		ack := msg.(*SubscriptionAck)
		if ack.Channel != ChannelEvents || !ack.Success {
			t.Errorf("unexpected ack: %+v", ack)
		}
	})

	t.Run("malformed inputs error without panicking", func(t *testing.T) {
		inputs := []string{
			``,
			`{`,
			`not json at all`,
			`42`,
			`"just a string"`,
			`{"no":"type"}`,
			`{"type":""}`,
			`{"type":"response"}`,
			`{"type":"event","data":{}}`,
			`{"type":"subscription_ack","success":true}`,
			`{"type":"connected","version":1}`,
		}
		for _, in := range inputs {
			if _, err := DecodeServerMessage([]byte(in)); err == nil {
				t.Errorf("expected error for input %q", in)
			}
		}
	})

	t.Run("unknown type is ErrUnknownType", func(t *testing.T) {
		_, err := DecodeServerMessage([]byte(`{"type":"hologram","id":"x"}`))
		if !errors.Is(err, ErrUnknownType) {
			t.Fatalf("expected ErrUnknownType, got %v", err)
		}
	})
}

func TestKnownChannel(t *testing.T) {
	for _, ch := range []string{ChannelDaemonState, ChannelEvents, ChannelLatency} {
		if !KnownChannel(ch) {
			t.Errorf("expected %q to be known", ch)
		}
	}
	if KnownChannel("bogus") {
		t.Error("bogus should not be a known channel")
	}
}
