package sim_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keyrx/go-keyrxd/pkg/client"
	"github.com/keyrx/go-keyrxd/pkg/protocol"
	"github.com/keyrx/go-keyrxd/pkg/sim"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startSim runs a simulated daemon and a connected client against it.
func startSim(t *testing.T, opts ...sim.Option) (*sim.Server, *client.Client) {
	t.Helper()
	opts = append([]sim.Option{sim.WithLogger(quietLogger())}, opts...)
	srv := sim.New(opts...)
	t.Cleanup(srv.Shutdown)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c := client.New("ws"+strings.TrimPrefix(ts.URL, "http"), client.WithLogger(quietLogger()))
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return srv, c
}

func TestServerDispatch(t *testing.T) {
	srv, c := startSim(t, sim.WithVersion("9.9.9-test"))

	srv.HandleQuery("echo", func(params json.RawMessage) (any, *protocol.RpcError) {
		return json.RawMessage(params), nil
	})
	srv.HandleCommand("fail", func(json.RawMessage) (any, *protocol.RpcError) {
		return nil, protocol.NewRpcError(protocol.CodeInternalError, "simulated failure")
	})

	t.Run("query round trip", func(t *testing.T) {
		raw, err := c.Query(context.Background(), "echo", map[string]int{"n": 7})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if string(raw) != `{"n":7}` {
			t.Errorf("echo result = %s", raw)
		}
	})

	t.Run("handler error surfaces as rpc error", func(t *testing.T) {
		_, err := c.Command(context.Background(), "fail", nil)
		var rpcErr *protocol.RpcError
		if !errors.As(err, &rpcErr) {
			t.Fatalf("expected *protocol.RpcError, got %T: %v", err, err)
		}
		if rpcErr.Code != protocol.CodeInternalError || rpcErr.Message != "simulated failure" {
			t.Errorf("unexpected error: %+v", rpcErr)
		}
	})

	t.Run("unregistered method", func(t *testing.T) {
		_, err := c.Query(context.Background(), "no_such_method", nil)
		var rpcErr *protocol.RpcError
		if !errors.As(err, &rpcErr) {
			t.Fatalf("expected *protocol.RpcError, got %T: %v", err, err)
		}
		if rpcErr.Code != protocol.CodeMethodNotFound {
			t.Errorf("code = %d, want %d", rpcErr.Code, protocol.CodeMethodNotFound)
		}
	})
}

func TestServerSubscribeAndPublish(t *testing.T) {
	srv, c := startSim(t)

	if err := c.Subscribe(context.Background(), protocol.ChannelLatency); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	stats := protocol.LatencyStats{Min: 80, Avg: 120, Max: 400, P95: 200, P99: 350, Timestamp: 1}
	if err := srv.Publish(protocol.ChannelLatency, stats); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev, err := c.WaitForEvent(ctx, func(ev protocol.Event) bool {
		return ev.Channel == protocol.ChannelLatency
	})
	if err != nil {
		t.Fatalf("WaitForEvent failed: %v", err)
	}
	got, err := ev.LatencyStats()
	if err != nil {
		t.Fatalf("LatencyStats decode failed: %v", err)
	}
	if got.Avg != 120 || got.P99 != 350 {
		t.Errorf("forwarded stats = %+v", got)
	}
}

func TestServerRejectsUnknownChannel(t *testing.T) {
	_, c := startSim(t)

	err := c.Subscribe(context.Background(), "not-a-channel")
	var subErr *client.SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected *SubscriptionError, got %T: %v", err, err)
	}
	if !strings.Contains(subErr.Message, "not-a-channel") {
		t.Errorf("rejection message = %q", subErr.Message)
	}
}

func TestServerUnsubscribeStopsDelivery(t *testing.T) {
	srv, c := startSim(t)

	if err := c.Subscribe(context.Background(), protocol.ChannelEvents); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := c.Unsubscribe(protocol.ChannelEvents); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	// Give the unsubscribe frame time to reach the server.
	time.Sleep(100 * time.Millisecond)

	if err := srv.Publish(protocol.ChannelEvents, protocol.KeyEvent{KeyCode: "KEY_A"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.WaitForEvent(ctx, func(ev protocol.Event) bool {
		return ev.Channel == protocol.ChannelEvents
	})
	if err == nil {
		t.Fatal("event delivered after unsubscribe")
	}
}

func TestProfileRPCs(t *testing.T) {
	srv, c := startSim(t)
	store, err := sim.NewProfileStore("", quietLogger())
	if err != nil {
		t.Fatalf("NewProfileStore failed: %v", err)
	}
	store.SetProfiles([]string{"Default", "Gaming"})
	srv.AttachProfiles(store)

	t.Run("get_profiles", func(t *testing.T) {
		type profilesResult struct {
			Profiles []string `json:"profiles"`
			Active   string   `json:"active"`
		}
		res, err := client.Query[profilesResult](context.Background(), c, "get_profiles", nil)
		if err != nil {
			t.Fatalf("get_profiles failed: %v", err)
		}
		if len(res.Profiles) != 2 || res.Profiles[0] != "Default" {
			t.Errorf("profiles = %v", res.Profiles)
		}
		if res.Active != "" {
			t.Errorf("active = %q before any activation", res.Active)
		}
	})

	t.Run("activate_profile publishes state", func(t *testing.T) {
		if err := c.Subscribe(context.Background(), protocol.ChannelDaemonState); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		if _, err := c.Command(context.Background(), "activate_profile", map[string]string{"name": "Gaming"}); err != nil {
			t.Fatalf("activate_profile failed: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		ev, err := c.WaitForEvent(ctx, func(ev protocol.Event) bool {
			return ev.Channel == protocol.ChannelDaemonState
		})
		if err != nil {
			t.Fatalf("no daemon-state event after activation: %v", err)
		}
		st, err := ev.DaemonState()
		if err != nil {
			t.Fatalf("DaemonState decode failed: %v", err)
		}
		if st.ActiveProfile != "Gaming" {
			t.Errorf("active profile in event = %q", st.ActiveProfile)
		}

		res, err := client.Query[protocol.DaemonState](context.Background(), c, "get_state", nil)
		if err != nil {
			t.Fatalf("get_state failed: %v", err)
		}
		if res.ActiveProfile != "Gaming" {
			t.Errorf("get_state active profile = %q", res.ActiveProfile)
		}
	})

	t.Run("activate unknown profile", func(t *testing.T) {
		_, err := c.Command(context.Background(), "activate_profile", map[string]string{"name": "Missing"})
		var rpcErr *protocol.RpcError
		if !errors.As(err, &rpcErr) {
			t.Fatalf("expected *protocol.RpcError, got %T: %v", err, err)
		}
		if rpcErr.Code != protocol.CodeInvalidParams {
			t.Errorf("code = %d, want %d", rpcErr.Code, protocol.CodeInvalidParams)
		}
		if !strings.Contains(rpcErr.Message, "Missing") {
			t.Errorf("message = %q", rpcErr.Message)
		}
	})

	t.Run("activate without name", func(t *testing.T) {
		_, err := c.Command(context.Background(), "activate_profile", map[string]string{})
		var rpcErr *protocol.RpcError
		if !errors.As(err, &rpcErr) {
			t.Fatalf("expected *protocol.RpcError, got %T: %v", err, err)
		}
		if rpcErr.Code != protocol.CodeInvalidParams {
			t.Errorf("code = %d, want %d", rpcErr.Code, protocol.CodeInvalidParams)
		}
	})
}
