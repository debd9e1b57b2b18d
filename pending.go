// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"time"

	"github.com/creachadair/switchboard/wire"
)

// A result is the outcome delivered to the waiter of a pending call.
type result struct {
	data any
	err  error
}

// A pendingCall records one outstanding outbound call: the waiter's channel,
// the timeout timer, and the originating message for diagnostics.
type pendingCall struct {
	id      string
	ch      chan result // capacity 1; the completer never blocks
	timer   *time.Timer
	call    *wire.Message
	created time.Time
}

// addPending registers a pending entry for id and arms its timeout timer.
// The entry is removed exactly once: by response arrival, by the timer, or by
// forced rejection on teardown.
func (c *Client) addPending(id string, call *wire.Message, timeout time.Duration) *pendingCall {
	pc := &pendingCall{
		id:      id,
		ch:      make(chan result, 1),
		call:    call,
		created: time.Now(),
	}
	c.μ.Lock()
	c.pending[id] = pc
	// Arm the timer while holding the lock so the entry is findable before
	// the timer can possibly fire.
	pc.timer = time.AfterFunc(timeout, func() {
		peerMetrics.timeouts.Add(1)
		c.complete(id, result{err: errc(wire.CodeTimeout, "call %s timed out after %v", id, timeout)})
	})
	c.μ.Unlock()
	peerMetrics.callsPending.Add(1)
	return pc
}

// complete removes the pending entry for id and delivers res to its waiter.
// It reports false if no entry exists, which happens when a response and its
// timeout race: the loser of the race finds the map empty and does nothing,
// so the caller is completed at most once.
func (c *Client) complete(id string, res result) bool {
	c.μ.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.μ.Unlock()
	if !ok {
		return false
	}
	pc.timer.Stop()
	pc.ch <- res
	peerMetrics.callsPending.Add(-1)
	return true
}

// failPending rejects every outstanding call with err.
func (c *Client) failPending(err error) {
	c.μ.Lock()
	pend := c.pending
	c.pending = make(map[string]*pendingCall)
	c.μ.Unlock()
	for _, pc := range pend {
		pc.timer.Stop()
		pc.ch <- result{err: err}
		peerMetrics.callsPending.Add(-1)
	}
}
