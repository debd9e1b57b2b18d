// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creachadair/taskgroup"

	"github.com/creachadair/switchboard/wire"
)

// Call invokes the named method of the target service and blocks until the
// response arrives, the call times out, or ctx ends. Errors reported by Call
// have concrete type [*Error].
//
// The call context is resolved in order of preference: the context installed
// with [WithCallContext] (which is how a handler's nested calls inherit the
// inbound context), else a fresh context rooted at this service with the
// configured call timeout as its deadline. The resolved context is extended
// with the target service before it is sent, so the chain records every
// service the causal path visits.
func (c *Client) Call(ctx context.Context, target, method string, params any) (any, error) {
	return c.call(ctx, target, method, params, 0)
}

// CallWithTimeout is Call with a per-call timeout overriding the configured
// default.
func (c *Client) CallWithTimeout(ctx context.Context, target, method string, params any, timeout time.Duration) (any, error) {
	return c.call(ctx, target, method, params, timeout)
}

func (c *Client) call(ctx context.Context, target, method string, params any, timeout time.Duration) (_ any, err error) {
	peerMetrics.callsOut.Add(1)
	defer func() {
		if err != nil {
			peerMetrics.callsOutErr.Add(1)
		}
	}()

	c.μ.Lock()
	ready := c.connected && c.registered
	c.μ.Unlock()
	if !ready {
		return nil, errc(wire.CodeNotConnected, "not connected to gateway")
	}
	if timeout <= 0 {
		timeout = c.callTimeout
	}

	cc := CallContextFrom(ctx)
	if cc == nil {
		cc = wire.NewContext(c.service, timeout)
	}
	cc = cc.Extend(target)
	if cc.Expired() {
		return nil, errc(wire.CodeDeadlineExceeded, "context deadline exceeded")
	}
	if cc.Depth > c.maxDepth {
		return nil, errc(wire.CodeMaxDepthExceeded, "call depth %d exceeds maximum %d", cc.Depth, c.maxDepth)
	}

	msg := &wire.Message{
		Type:    wire.Call,
		ID:      wire.RequestID(),
		From:    c.service,
		To:      target,
		Method:  method,
		Params:  params,
		Context: cc,
	}

	// The pending timer fires at the earlier of the per-call timeout and the
	// absolute context deadline shared by the whole chain.
	wait := min(cc.Remaining(), timeout)
	pc := c.addPending(msg.ID, msg, wait)

	if err := c.send(msg); err != nil {
		c.complete(msg.ID, result{err: err})
	}

	select {
	case res := <-pc.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-ctx.Done():
		// There is no cancellation signal in the protocol; abandon the call
		// locally. A late response is dropped by the pending-map lookup miss.
		c.complete(msg.ID, result{err: ctx.Err()})
		return nil, &Error{Code: wire.CodeTimeout, Message: "call abandoned", Err: ctx.Err()}
	}
}

// A CallSpec names one call for the batch helpers.
type CallSpec struct {
	Target string
	Method string
	Params any
}

// CallAll issues the given calls in parallel and collects their results in
// order. If any call fails, CallAll reports the first error encountered;
// the remaining calls still run to completion.
func (c *Client) CallAll(ctx context.Context, specs ...CallSpec) ([]any, error) {
	results, errs := c.callParallel(ctx, specs)
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// A CallResult pairs one settled call with its outcome.
type CallResult struct {
	Target string
	Method string
	Data   any
	Err    error
}

// CallAllSettled issues the given calls in parallel and reports every
// outcome, never failing as a whole.
func (c *Client) CallAllSettled(ctx context.Context, specs ...CallSpec) []CallResult {
	results, errs := c.callParallel(ctx, specs)
	settled := make([]CallResult, len(specs))
	for i, spec := range specs {
		settled[i] = CallResult{Target: spec.Target, Method: spec.Method, Data: results[i], Err: errs[i]}
	}
	return settled
}

func (c *Client) callParallel(ctx context.Context, specs []CallSpec) ([]any, []error) {
	results := make([]any, len(specs))
	errs := make([]error, len(specs))
	g := taskgroup.New(nil)
	for i, spec := range specs {
		g.Go(func() error {
			results[i], errs[i] = c.Call(ctx, spec.Target, spec.Method, spec.Params)
			return nil
		})
	}
	g.Wait()
	return results, errs
}

// RetryOptions configure CallWithRetry.
type RetryOptions struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Defaults to 3.
	MaxAttempts int

	// Base is the initial backoff delay between attempts, doubled after
	// each failure. Defaults to 100 ms.
	Base time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to [Retryable], which excludes structural failures such as
	// METHOD_NOT_FOUND and SERVICE_NOT_FOUND.
	Retryable func(error) bool
}

// CallWithRetry issues the call, retrying transient failures with
// exponential backoff until an attempt succeeds, the retry budget is
// exhausted, or ctx ends.
func (c *Client) CallWithRetry(ctx context.Context, target, method string, params any, opts RetryOptions) (any, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Base <= 0 {
		opts.Base = 100 * time.Millisecond
	}
	if opts.Retryable == nil {
		opts.Retryable = Retryable
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.Base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, &Error{Code: wire.CodeTimeout, Message: "retry abandoned", Err: ctx.Err()}
			}
		}
		data, err := c.Call(ctx, target, method, params)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !opts.Retryable(err) {
			break
		}
	}
	return nil, lastErr
}

// Exec invokes a local handler directly, without a network hop. The ambient
// call context rules match inbound dispatch: the context installed on ctx is
// pinned for the handler, or a fresh one is minted. Errors reported by Exec
// have concrete type [*Error].
func (c *Client) Exec(ctx context.Context, method string, params any) (any, error) {
	c.μ.Lock()
	handler, ok := c.handlers[method]
	c.μ.Unlock()
	if !ok {
		return nil, &Error{
			Code:    wire.CodeMethodNotFound,
			Message: "service " + c.service + " has no method " + method,
			Details: map[string]any{"methods": c.methodNames()},
		}
	}
	cc := CallContextFrom(ctx)
	if cc == nil {
		cc = wire.NewContext(c.service, c.callTimeout)
	}
	data, err := runHandler(WithCallContext(ctx, cc), handler, params)
	if err != nil {
		if e, ok := err.(*Error); ok {
			return nil, e
		}
		return nil, &Error{Code: wire.CodeExecutionFailed, Message: err.Error(), Err: err}
	}
	return data, nil
}
