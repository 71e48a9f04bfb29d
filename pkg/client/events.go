package client

import (
	"context"
	"log/slog"

	"github.com/keyrx/go-keyrxd/pkg/protocol"
)

// eventWaiter is a one-shot predicate registered by WaitForEvent. ch is
// buffered so the dispatcher never blocks on a slow waiter.
type eventWaiter struct {
	pred func(protocol.Event) bool
	ch   chan protocol.Event
}

// WaitForEvent returns the first event satisfying pred. Events already held
// in the replay queue are consulted first: a match is removed from the queue
// and returned without waiting. Otherwise the call blocks until a matching
// event arrives, ctx expires (*TimeoutError, also after the default request
// timeout), or the client closes.
func (c *Client) WaitForEvent(ctx context.Context, pred func(protocol.Event) bool) (protocol.Event, error) {
	c.evMu.Lock()
	if ev, ok := c.takeBufferedLocked(pred); ok {
		c.evMu.Unlock()
		return ev, nil
	}
	id := c.waiterSeq
	c.waiterSeq++
	w := &eventWaiter{pred: pred, ch: make(chan protocol.Event, 1)}
	c.waiters[id] = w
	c.evMu.Unlock()

	defer func() {
		c.evMu.Lock()
		delete(c.waiters, id)
		c.evMu.Unlock()
	}()

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-opCtx.Done():
		return protocol.Event{}, opErr(opCtx, "wait for event")
	case <-c.clientCtx.Done():
		return protocol.Event{}, ErrClientClosed
	}
}

// OnEvent registers a persistent handler invoked for every inbound event, in
// arrival order. The returned function removes the handler. A panicking
// handler is recovered and logged; it never breaks dispatch to others.
func (c *Client) OnEvent(handler func(protocol.Event)) (remove func()) {
	c.evMu.Lock()
	id := c.handlerSeq
	c.handlerSeq++
	c.handlers[id] = handler
	c.evMu.Unlock()
	return func() {
		c.evMu.Lock()
		delete(c.handlers, id)
		c.evMu.Unlock()
	}
}

// dispatchEvent is the push path for every inbound event frame: deliver to
// at most one matching waiter, buffer for late joiners otherwise, then run
// the persistent handlers.
func (c *Client) dispatchEvent(ev protocol.Event) {
	c.evMu.Lock()
	handlers := make([]func(protocol.Event), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}

	delivered := false
	for id, w := range c.waiters {
		if matchSafe(w.pred, ev, c.cfg.logger) {
			delete(c.waiters, id)
			w.ch <- ev
			delivered = true
			break
		}
	}
	if !delivered {
		c.bufferLocked(ev)
	}
	c.evMu.Unlock()

	for _, h := range handlers {
		invokeSafe(h, ev, c.cfg.logger)
	}
}

// bufferLocked appends to the bounded replay ring, evicting the oldest event
// when full. Callers hold evMu.
func (c *Client) bufferLocked(ev protocol.Event) {
	if len(c.evRing) == 0 {
		return
	}
	if c.evCount == len(c.evRing) {
		c.evHead = (c.evHead + 1) % len(c.evRing)
		c.evCount--
	}
	c.evRing[(c.evHead+c.evCount)%len(c.evRing)] = ev
	c.evCount++
}

// takeBufferedLocked scans the replay ring oldest-first and removes the
// first match, preserving the order of the rest. Callers hold evMu.
func (c *Client) takeBufferedLocked(pred func(protocol.Event) bool) (protocol.Event, bool) {
	for i := 0; i < c.evCount; i++ {
		idx := (c.evHead + i) % len(c.evRing)
		ev := c.evRing[idx]
		if !matchSafe(pred, ev, c.cfg.logger) {
			continue
		}
		for j := i; j < c.evCount-1; j++ {
			c.evRing[(c.evHead+j)%len(c.evRing)] = c.evRing[(c.evHead+j+1)%len(c.evRing)]
		}
		c.evCount--
		return ev, true
	}
	return protocol.Event{}, false
}

func matchSafe(pred func(protocol.Event) bool, ev protocol.Event, logger *slog.Logger) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event predicate panicked", "channel", ev.Channel, "panic", r)
			matched = false
		}
	}()
	return pred(ev)
}

func invokeSafe(handler func(protocol.Event), ev protocol.Event, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked", "channel", ev.Channel, "panic", r)
		}
	}()
	handler(ev)
}
