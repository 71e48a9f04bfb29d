// Package daemontest provides a scriptable in-process daemon endpoint for
// testing clients of the keyrx WebSocket protocol.
package daemontest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/keyrx/go-keyrxd/pkg/protocol"
)

var errNoConn = errors.New("daemontest: no active connection")

// Daemon is a mock keyrx daemon backed by an httptest server. Each accepted
// connection receives the Connected handshake and is then driven by the
// test's script function.
type Daemon struct {
	T   *testing.T
	URL string // ws:// URL of the endpoint

	server *httptest.Server
	script func(ctx context.Context, conn *websocket.Conn, d *Daemon)

	connMu     sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc

	// Optional: suppress the automatic handshake for tests that script it.
	NoHandshake bool
}

// New starts a mock daemon. script runs once per accepted connection on its
// own goroutine; a nil script leaves the connection open and silent (events
// and responses are then injected with Send). The server shuts down via
// t.Cleanup.
func New(t *testing.T, script func(ctx context.Context, conn *websocket.Conn, d *Daemon)) *Daemon {
	t.Helper()
	d := &Daemon{T: t, script: script}

	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connCtx, cancel := context.WithCancel(context.Background())

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Logf("daemontest: accept error: %v", err)
			cancel()
			return
		}
		d.connMu.Lock()
		d.conn = conn
		d.connCancel = cancel
		d.connMu.Unlock()

		if !d.NoHandshake {
			hs := &protocol.Connected{
				Version:   "test",
				Timestamp: uint64(time.Now().UnixMicro()),
			}
			if err := writeFrame(connCtx, conn, serverFrame(hs)); err != nil {
				t.Logf("daemontest: handshake write failed: %v", err)
				cancel()
				return
			}
		}

		// A nil script leaves the connection open until the test ends or
		// DropConnection runs; a finished script closes it.
		if d.script != nil {
			go func() {
				defer cancel()
				d.script(connCtx, conn, d)
			}()
		}

		<-connCtx.Done()
		conn.Close(websocket.StatusNormalClosure, "daemon handler finished")
		d.connMu.Lock()
		if d.conn == conn {
			d.conn = nil
		}
		d.connMu.Unlock()
	}))
	d.URL = "ws" + strings.TrimPrefix(d.server.URL, "http")

	t.Cleanup(d.Close)
	return d
}

// Send writes a server frame to the current connection.
func (d *Daemon) Send(msg protocol.ServerMessage) error {
	return d.SendJSON(serverFrame(msg))
}

// SendJSON writes an arbitrary value as a JSON text frame. Useful for
// malformed or forward-compatibility frames the typed API cannot express.
func (d *Daemon) SendJSON(v any) error {
	conn := d.currentConn()
	if conn == nil {
		return errNoConn
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// SendRaw writes a raw text frame verbatim.
func (d *Daemon) SendRaw(text string) error {
	conn := d.currentConn()
	if conn == nil {
		return errNoConn
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, []byte(text))
}

// ReadClientMessage reads and decodes the next client frame.
func ReadClientMessage(ctx context.Context, conn *websocket.Conn) (*protocol.ClientMessage, error) {
	_, raw, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg protocol.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DropConnection force-closes the current connection, simulating a
// transport-level drop. The server keeps accepting, so an auto-reconnecting
// client will come back.
func (d *Daemon) DropConnection() {
	d.connMu.Lock()
	conn := d.conn
	cancel := d.connCancel
	d.conn = nil
	d.connMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "daemon dropping connection")
	}
}

// Close shuts the mock daemon down.
func (d *Daemon) Close() {
	d.DropConnection()
	d.server.Close()
}

func (d *Daemon) currentConn() *websocket.Conn {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	return d.conn
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, v)
}

// serverFrame re-attaches the type tag the typed structs carry implicitly.
func serverFrame(msg protocol.ServerMessage) map[string]any {
	raw, _ := json.Marshal(msg)
	frame := map[string]any{}
	_ = json.Unmarshal(raw, &frame)
	frame["type"] = msg.Kind()
	return frame
}
