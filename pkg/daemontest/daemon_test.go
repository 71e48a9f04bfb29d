package daemontest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/keyrx/go-keyrxd/pkg/daemontest"
	"github.com/keyrx/go-keyrxd/pkg/protocol"
)

func TestNilScriptKeepsConnectionOpen(t *testing.T) {
	d := daemontest.New(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, d.URL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test finished")

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("handshake read failed: %v", err)
	}
	msg, err := protocol.DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("handshake decode failed: %v", err)
	}
	hs, ok := msg.(*protocol.Connected)
	if !ok || hs.Version != "test" {
		t.Fatalf("unexpected handshake: %#v", msg)
	}

	// With no script driving it, the connection must stay open and
	// injectable, not get torn down after the handshake.
	time.Sleep(100 * time.Millisecond)
	ev := &protocol.Event{Channel: protocol.ChannelEvents, Data: json.RawMessage(`{"keyCode":"KEY_A"}`)}
	if err := d.Send(ev); err != nil {
		t.Fatalf("Send on idle connection failed: %v", err)
	}

	_, raw, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("event read failed: %v", err)
	}
	msg, err = protocol.DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("event decode failed: %v", err)
	}
	if got, ok := msg.(*protocol.Event); !ok || got.Channel != protocol.ChannelEvents {
		t.Errorf("unexpected frame: %#v", msg)
	}
}

func TestDropConnectionClosesTransport(t *testing.T) {
	d := daemontest.New(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, d.URL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test finished")

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("handshake read failed: %v", err)
	}

	d.DropConnection()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected read to fail after DropConnection")
	}
	if err := d.Send(&protocol.Event{Channel: protocol.ChannelEvents}); err == nil {
		t.Fatal("Send should fail with no active connection")
	}
}
