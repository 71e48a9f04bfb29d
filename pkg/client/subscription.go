package client

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/keyrx/go-keyrxd/pkg/protocol"
)

type subState int

const (
	subPending subState = iota
	subActive
)

// subscription tracks one channel. Invariant: at most one entry per channel;
// concurrent Subscribe calls on a pending channel join the same done gate
// rather than sending a second frame. err is written before done is closed,
// so waiters may read it after <-done without holding subsMu.
type subscription struct {
	channel string
	state   subState
	id      string // correlation id of the in-flight subscribe frame
	done    chan struct{}
	err     error
}

// Subscribe subscribes to a daemon channel and blocks until the daemon
// acknowledges. Subscribing to an already-active channel returns
// immediately; subscribing while an identical subscribe is pending joins it.
// A rejected subscribe returns *SubscriptionError, a missing ack
// *TimeoutError.
func (c *Client) Subscribe(ctx context.Context, channel string) error {
	if err := c.ensureConnected("subscribe " + channel); err != nil {
		return err
	}

	c.subsMu.Lock()
	if sub, ok := c.subs[channel]; ok {
		if sub.state == subActive {
			c.subsMu.Unlock()
			return nil
		}
		c.subsMu.Unlock()
		return c.awaitSubscription(ctx, sub)
	}
	sub := &subscription{
		channel: channel,
		state:   subPending,
		id:      uuid.NewString(),
		done:    make(chan struct{}),
	}
	c.subs[channel] = sub
	c.subsMu.Unlock()

	// The default request timeout bounds the send as well as the ack wait,
	// so a full send buffer cannot block the caller indefinitely.
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	select {
	case c.send <- protocol.NewSubscribe(sub.id, channel):
	case <-opCtx.Done():
		c.removePending(sub)
		return opErr(opCtx, "subscribe "+channel)
	case <-c.clientCtx.Done():
		c.removePending(sub)
		return ErrClientClosed
	}

	select {
	case <-sub.done:
		return sub.err
	case <-opCtx.Done():
		c.removePending(sub)
		return opErr(opCtx, "subscribe "+channel)
	case <-c.clientCtx.Done():
		return ErrClientClosed
	}
}

func (c *Client) awaitSubscription(ctx context.Context, sub *subscription) error {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	select {
	case <-sub.done:
		return sub.err
	case <-opCtx.Done():
		// Revert to untracked so a later Subscribe starts fresh.
		c.removePending(sub)
		return opErr(opCtx, "subscribe "+sub.channel)
	case <-c.clientCtx.Done():
		return ErrClientClosed
	}
}

// removePending drops a subscription entry if it is still the pending one.
func (c *Client) removePending(sub *subscription) {
	c.subsMu.Lock()
	if cur, ok := c.subs[sub.channel]; ok && cur == sub && cur.state == subPending {
		delete(c.subs, sub.channel)
	}
	c.subsMu.Unlock()
}

// resolveSubscribeAck matches a correlated response against a pending
// subscribe (the reference daemon acks this way). Returns false when the
// response belongs to a regular request.
func (c *Client) resolveSubscribeAck(resp *protocol.Response) bool {
	c.subsMu.Lock()
	var sub *subscription
	for _, s := range c.subs {
		if s.state == subPending && s.id == resp.ID {
			sub = s
			break
		}
	}
	if sub == nil {
		c.subsMu.Unlock()
		return false
	}
	switch {
	case resp.Error != nil:
		delete(c.subs, sub.channel)
		sub.err = &SubscriptionError{Channel: sub.channel, Message: resp.Error.Message}
	case subscribeDeclined(resp.Result):
		delete(c.subs, sub.channel)
		sub.err = &SubscriptionError{Channel: sub.channel, Message: "daemon declined subscription"}
	default:
		sub.state = subActive
	}
	close(sub.done)
	c.subsMu.Unlock()

	if sub.err != nil {
		c.cfg.logger.Info("subscription rejected", "channel", sub.channel, "err", sub.err)
	} else {
		c.cfg.logger.Debug("subscription active", "channel", sub.channel)
	}
	return true
}

// subscribeDeclined reports an ack result carrying {"subscribed":false}. An
// absent or unreadable result counts as success; only an explicit false is a
// refusal.
func subscribeDeclined(result json.RawMessage) bool {
	if len(result) == 0 {
		return false
	}
	var ack struct {
		Subscribed *bool `json:"subscribed"`
	}
	if err := json.Unmarshal(result, &ack); err != nil {
		return false
	}
	return ack.Subscribed != nil && !*ack.Subscribed
}

// resolveChannelAck handles the dedicated subscription_ack frame shape,
// matched by channel rather than id.
func (c *Client) resolveChannelAck(channel string, success bool, message string) {
	c.subsMu.Lock()
	sub, ok := c.subs[channel]
	if !ok || sub.state != subPending {
		c.subsMu.Unlock()
		c.cfg.logger.Debug("dropping ack with no pending subscription", "channel", channel)
		return
	}
	if success {
		sub.state = subActive
	} else {
		delete(c.subs, channel)
		sub.err = &SubscriptionError{Channel: channel, Message: message}
	}
	close(sub.done)
	c.subsMu.Unlock()
}

// Unsubscribe drops a channel subscription. It is synchronous and
// optimistic: local tracking is removed immediately and the unsubscribe
// frame is fire-and-forget. Unsubscribing a channel that is not active is a
// no-op.
func (c *Client) Unsubscribe(channel string) error {
	c.subsMu.Lock()
	sub, ok := c.subs[channel]
	if !ok || sub.state != subActive {
		c.subsMu.Unlock()
		return nil
	}
	delete(c.subs, channel)
	c.subsMu.Unlock()

	c.trySend(protocol.NewUnsubscribe(uuid.NewString(), channel))
	c.cfg.logger.Debug("unsubscribed", "channel", channel)
	return nil
}

// Subscriptions returns the currently active channels, sorted.
func (c *Client) Subscriptions() []string {
	c.subsMu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch, sub := range c.subs {
		if sub.state == subActive {
			channels = append(channels, ch)
		}
	}
	c.subsMu.Unlock()
	sort.Strings(channels)
	return channels
}

// resubscribe re-sends subscribe frames for channels that were active before
// a reconnect. Fire-and-forget: the daemon's acks have no pending entry and
// are dropped by the dispatcher.
func (c *Client) resubscribe() {
	channels := c.Subscriptions()
	for _, ch := range channels {
		c.trySend(protocol.NewSubscribe(uuid.NewString(), ch))
	}
	if len(channels) > 0 {
		c.cfg.logger.Info("resubscribed after reconnect", "channels", channels)
	}
}
