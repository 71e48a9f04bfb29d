package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/keyrx/go-keyrxd/pkg/protocol"
)

type pendingResult struct {
	resp *protocol.Response
	err  error
}

// Query performs a read-only RPC call and returns the raw result. A server
// error rejects with *protocol.RpcError; expiry of ctx or the default
// request timeout rejects with *TimeoutError.
func (c *Client) Query(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.roundTrip(ctx, protocol.TypeQuery, method, params)
}

// Command performs a state-modifying RPC call. The result may be empty for
// commands with no payload.
func (c *Client) Command(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.roundTrip(ctx, protocol.TypeCommand, method, params)
}

func (c *Client) roundTrip(ctx context.Context, typ, method string, params any) (json.RawMessage, error) {
	if err := c.ensureConnected(typ + " " + method); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	var msg *protocol.ClientMessage
	var err error
	if typ == protocol.TypeQuery {
		msg, err = protocol.NewQuery(id, method, params)
	} else {
		msg, err = protocol.NewCommand(id, method, params)
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan pendingResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	select {
	case c.send <- msg:
	case <-opCtx.Done():
		return nil, opErr(opCtx, typ+" "+method)
	case <-c.clientCtx.Done():
		return nil, ErrClientClosed
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s %q: %w", typ, method, res.err)
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp.Result, nil
	case <-opCtx.Done():
		return nil, opErr(opCtx, typ+" "+method)
	case <-c.clientCtx.Done():
		return nil, ErrClientClosed
	}
}

// resolveRequest delivers a response to its pending caller. Responses whose
// id has no pending entry (already timed out, or never ours) are logged and
// dropped; an id is never resolved twice.
func (c *Client) resolveRequest(resp *protocol.Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.cfg.logger.Debug("dropping response with no pending request", "id", resp.ID)
		return
	}
	ch <- pendingResult{resp: resp}
}

// Query performs a query and unmarshals the result into T. A null or absent
// result yields a zero value.
func Query[T any](ctx context.Context, c *Client, method string, params any) (*T, error) {
	raw, err := c.Query(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return decodeResult[T](raw, method)
}

// Command performs a command and unmarshals the result into T.
func Command[T any](ctx context.Context, c *Client, method string, params any) (*T, error) {
	raw, err := c.Command(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return decodeResult[T](raw, method)
}

func decodeResult[T any](raw json.RawMessage, method string) (*T, error) {
	out := new(T)
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("unmarshal %q result into %T: %w", method, out, err)
	}
	return out, nil
}
