// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"

	"github.com/creachadair/switchboard/wire"
)

// A Handler services one method of the local service. The params value is
// the decoded call payload; the returned value is encoded as the response
// data. The context carries the inbound call context, which nested calls
// issued through [Client.Call] inherit automatically.
//
// An error returned by a handler is reported to the caller with code
// EXECUTION_FAILED and the text of the error as its message. A handler may
// return a value of concrete type [*Error] to control the code.
type Handler func(ctx context.Context, params any) (any, error)

// registerTimeout bounds the wait for a REGISTER_ACK on the single-socket
// connect path.
const registerTimeout = 5 * time.Second

// Options configure a Client. Service and Gateway are required; all other
// fields have working zero-value defaults.
type Options struct {
	// Service is the name this client registers under.
	Service string

	// Gateway is the path of the gateway's local domain socket.
	Gateway string

	// Codec is the payload codec, which must match the gateway's.
	// Defaults to wire.JSON.
	Codec wire.Codec

	// PoolSize is the number of parallel connections to the gateway.
	// Defaults to 1; values above 1 enable the connection pool.
	PoolSize int

	// CallTimeout bounds each outbound call and seeds the context deadline
	// at the origin of a chain. Defaults to 30 seconds.
	CallTimeout time.Duration

	// HeartbeatInterval is the period of the liveness heartbeat.
	// Defaults to 30 seconds.
	HeartbeatInterval time.Duration

	// HealthCheckInterval is the period of the pool health ticker.
	// Defaults to 30 seconds.
	HealthCheckInterval time.Duration

	// ReconnectDelay is the base delay of the reconnection backoff.
	// Defaults to 5 seconds.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive reconnection attempts per
	// socket before the socket is declared dead. Defaults to 10.
	MaxReconnectAttempts int

	// DisableReconnect turns off automatic reconnection after a lost
	// connection.
	DisableReconnect bool

	// MaxCallDepth caps the context depth of outbound calls. Defaults to
	// 100.
	MaxCallDepth int

	// Version and Metadata are advertised in the registration.
	Version  string
	Metadata map[string]any
}

// A Client connects a service to the gateway. It owns the local transport,
// the handler registry, and the pending-call table.
//
// Register handlers with [Client.Handle] before calling [Client.Connect].
// Use [Client.Call] to invoke a method on another service. Both the client's
// inbound dispatch and its outbound calls are safe for concurrent use by
// multiple goroutines.
type Client struct {
	service       string
	gateway       string
	codec         wire.Codec
	poolSize      int
	callTimeout   time.Duration
	hbInterval    time.Duration
	healthPeriod  time.Duration
	baseDelay     time.Duration
	maxReconnect  int
	maxDepth      int
	autoReconnect bool
	version       string
	metadata      map[string]any

	μ sync.Mutex

	handlers   map[string]Handler // write-once before Connect
	pending    map[string]*pendingCall
	tasks      *taskgroup.Group
	single     *socket // poolSize == 1
	pool       *pool   // poolSize > 1
	connected  bool
	registered bool
	closing    bool
	hook       func(Event)
	onExit     func(error)
	hbStop     chan struct{}
	ack        chan struct{} // single-path registration ack
}

// New constructs a new unconnected client with the given options.
func New(opts Options) *Client {
	c := &Client{
		service:       opts.Service,
		gateway:       opts.Gateway,
		codec:         opts.Codec,
		poolSize:      opts.PoolSize,
		callTimeout:   opts.CallTimeout,
		hbInterval:    opts.HeartbeatInterval,
		healthPeriod:  opts.HealthCheckInterval,
		baseDelay:     opts.ReconnectDelay,
		maxReconnect:  opts.MaxReconnectAttempts,
		maxDepth:      opts.MaxCallDepth,
		autoReconnect: !opts.DisableReconnect,
		version:       opts.Version,
		metadata:      opts.Metadata,
		handlers:      make(map[string]Handler),
		pending:       make(map[string]*pendingCall),
	}
	if c.codec == nil {
		c.codec = wire.JSON
	}
	if c.poolSize < 1 {
		c.poolSize = 1
	}
	if c.callTimeout <= 0 {
		c.callTimeout = 30 * time.Second
	}
	if c.hbInterval <= 0 {
		c.hbInterval = 30 * time.Second
	}
	if c.healthPeriod <= 0 {
		c.healthPeriod = 30 * time.Second
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 5 * time.Second
	}
	if c.maxReconnect <= 0 {
		c.maxReconnect = 10
	}
	if c.maxDepth <= 0 {
		c.maxDepth = 100
	}
	return c
}

// Handle registers a handler for the named method. All handlers must be
// registered before Connect; the set of names is advertised in the
// registration. Handle returns c to permit chaining.
func (c *Client) Handle(method string, h Handler) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.connected {
		panic("handlers must be registered before Connect")
	}
	c.handlers[method] = h
	return c
}

// OnExit registers a callback invoked when Close shuts the client down. Close
// is the only shutdown path, so the callback's error argument is always nil.
// Only one exit callback can be registered at a time.
func (c *Client) OnExit(f func(error)) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// methodNames returns the sorted names of the registered handlers.
func (c *Client) methodNames() []string {
	c.μ.Lock()
	defer c.μ.Unlock()
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect establishes the transport to the gateway and registers the
// service. With PoolSize 1 it opens a single connection and blocks until the
// gateway acknowledges the registration; with a larger PoolSize it opens all
// pool members concurrently. In either mode the heartbeat timer is started
// on success.
//
// On the single-socket path, if the initial connection fails and
// reconnection is enabled, a reconnect is scheduled as well. A failed pool
// connect leaves the client unconnected and schedules no reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.μ.Lock()
	if c.connected {
		c.μ.Unlock()
		return errc(wire.CodeConnectionFailed, "already connected")
	}
	if c.closing {
		c.μ.Unlock()
		return errc(wire.CodeNotConnected, "client is shut down")
	}
	if c.tasks == nil {
		c.tasks = taskgroup.New(nil)
	}
	c.μ.Unlock()

	if c.poolSize > 1 {
		if err := c.connectPool(ctx); err != nil {
			return err
		}
	} else if err := c.connectSingle(ctx); err != nil {
		return err
	}

	stop := make(chan struct{})
	c.μ.Lock()
	c.connected, c.registered = true, true
	c.hbStop = stop
	tasks := c.tasks
	c.μ.Unlock()
	tasks.Go(func() error { c.heartbeatLoop(stop); return nil })

	c.event(Event{Kind: Connected})
	c.event(Event{Kind: Registered})
	return nil
}

// connectSingle opens the single-socket transport: dial, start the reader,
// send a REGISTER without a pool index, and wait for the acknowledgment.
func (c *Client) connectSingle(ctx context.Context) error {
	nc, err := (&net.Dialer{}).DialContext(ctx, "unix", c.gateway)
	if err != nil {
		s := c.newSocket(0)
		c.μ.Lock()
		c.single = s
		c.μ.Unlock()
		s.noteError()
		c.scheduleReconnect(s)
		return errc(wire.CodeConnectionFailed, "connect to gateway: %v", err)
	}

	s := c.newSocket(0)
	s.reset(nc)
	ack := make(chan struct{}, 1)
	c.μ.Lock()
	c.single = s
	c.ack = ack
	tasks := c.tasks
	c.μ.Unlock()
	tasks.Go(func() error { c.readLoop(s, nc); return nil })

	if err := c.sendOn(s, c.registerMessage(s, false)); err != nil {
		nc.Close()
		return errc(wire.CodeConnectionFailed, "send registration: %v", err)
	}
	select {
	case <-ack:
	case <-time.After(registerTimeout):
		nc.Close()
		return errc(wire.CodeConnectionFailed, "registration timed out after %v", registerTimeout)
	case <-ctx.Done():
		nc.Close()
		return errc(wire.CodeConnectionFailed, "connect: %v", ctx.Err())
	}
	c.μ.Lock()
	c.ack = nil
	c.μ.Unlock()
	return nil
}

// registerMessage builds the REGISTER frame for a socket. Pool members carry
// their index in metadata.poolIndex; the single-socket path omits it.
func (c *Client) registerMessage(s *socket, pooled bool) *wire.Message {
	md := make(map[string]any, len(c.metadata)+1)
	for k, v := range c.metadata {
		md[k] = v
	}
	if pooled {
		md["poolIndex"] = s.index
	}
	if len(md) == 0 {
		md = nil
	}
	return &wire.Message{
		Type:     wire.Register,
		Service:  c.service,
		Methods:  c.methodNames(),
		Version:  c.version,
		Metadata: md,
	}
}

// send transmits a message on the transport, selecting a pool member when
// pooled.
func (c *Client) send(m *wire.Message) error {
	s, err := c.pickSocket()
	if err != nil {
		return err
	}
	return c.sendOn(s, m)
}

// sendOn transmits a message on a specific socket.
func (c *Client) sendOn(s *socket, m *wire.Message) error {
	frame, err := wire.Encode(c.codec, m)
	if err != nil {
		return errc(wire.CodeSerializationFailed, "encode %s: %v", m.Type, err)
	}
	if err := s.write(frame); err != nil {
		s.noteError()
		return &Error{Code: wire.CodeConnectionLost, Message: "write to gateway failed", Err: err}
	}
	peerMetrics.messagesSent.Add(1)
	return nil
}

// pickSocket returns the socket to transmit on.
func (c *Client) pickSocket() (*socket, error) {
	c.μ.Lock()
	p, s := c.pool, c.single
	c.μ.Unlock()
	if p != nil {
		return p.get()
	}
	if s == nil || !s.isConnected() {
		return nil, errc(wire.CodeNotConnected, "not connected to gateway")
	}
	s.touch()
	return s, nil
}

// readLoop consumes bytes from a socket's connection, reassembles frames,
// and dispatches the decoded messages. Each socket owns its own inbound
// buffer; the buffer starts empty on every (re)connect.
func (c *Client) readLoop(s *socket, nc net.Conn) {
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := nc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			msgs, rest, derr := wire.SplitStream(c.codec, buf)
			for _, m := range msgs {
				peerMetrics.messagesRecv.Add(1)
				c.handleMessage(m)
			}
			buf = append(buf[:0], rest...)
			if derr != nil {
				// A frame that fails to decode poisons the connection.
				nc.Close()
				c.socketClosed(s, errc(wire.CodeDeserializationFailed, "%v", derr))
				return
			}
		}
		if err != nil {
			c.socketClosed(s, err)
			return
		}
	}
}

// handleMessage routes one inbound message from the gateway.
func (c *Client) handleMessage(m *wire.Message) {
	switch m.Type {
	case wire.RegisterAck:
		c.μ.Lock()
		ack := c.ack
		wasRegistered := c.registered
		pooled := c.pool != nil
		c.registered = true
		c.μ.Unlock()
		if ack != nil {
			select {
			case ack <- struct{}{}:
			default:
			}
		}
		// On the single-socket reconnect path the ack channel is gone; this
		// is where re-registration is confirmed. Pool members re-register
		// individually without a client-level event.
		if !wasRegistered && ack == nil && !pooled {
			c.event(Event{Kind: Registered})
		}

	case wire.Response:
		c.handleResponse(m)

	case wire.Call:
		c.dispatchCall(m)

	case wire.Error:
		// An unsolicited gateway error. If it names a request, fail that
		// call; otherwise surface it as a log record.
		if m.ID != "" {
			c.complete(m.ID, result{err: fromErrorInfo(m.Error)})
		} else {
			c.event(Event{Kind: Log, Message: "gateway error", Err: fromErrorInfo(m.Error)})
		}

	default:
		c.event(Event{Kind: Log, Message: fmt.Sprintf("unexpected %s message dropped", m.Type)})
	}
}

// handleResponse correlates a RESPONSE with its pending entry. A response
// whose request id is unknown, typically because the call already timed out,
// is dropped.
func (c *Client) handleResponse(m *wire.Message) {
	var res result
	if m.Status == wire.StatusError {
		res.err = fromErrorInfo(m.Error)
	} else {
		res.data = m.Data
	}
	if !c.complete(m.ID, res) {
		c.event(Event{Kind: Log, RequestID: m.ID, Message: "response for unknown request dropped"})
		return
	}
	c.event(Event{
		Kind:      ResponseReceived,
		RequestID: m.ID,
		Success:   res.err == nil,
		Err:       res.err,
	})
}

// dispatchCall executes an inbound CALL against the local handler registry.
// The inbound call context is pinned as the ambient call context for the
// duration of the handler, so nested calls inherit it; the pin is scoped to
// the handler's goroutine and is released on every exit path.
func (c *Client) dispatchCall(m *wire.Message) {
	peerMetrics.callsIn.Add(1)
	if m.ID == "" || m.From == "" || m.Method == "" {
		peerMetrics.callsInErr.Add(1)
		c.event(Event{Kind: Log, Message: "malformed CALL dropped"})
		return
	}
	if err := m.Context.Validate(); err != nil {
		c.replyError(m, wire.CodeInvalidContext, err.Error(), nil)
		return
	}
	if m.Context.Expired() {
		c.replyError(m, wire.CodeDeadlineExceeded, "context deadline exceeded", nil)
		return
	}

	c.μ.Lock()
	handler, ok := c.handlers[m.Method]
	c.μ.Unlock()
	if !ok {
		c.replyError(m, wire.CodeMethodNotFound,
			fmt.Sprintf("service %q has no method %q", c.service, m.Method),
			map[string]any{"methods": c.methodNames()})
		return
	}

	// The handler runs in its own goroutine so a slow or stuck handler does
	// not block frame processing. There is no cooperative cancellation: a
	// caller that gives up stops waiting, the handler runs to completion and
	// its eventual response is dropped by the pending-map lookup miss.
	peerMetrics.callsActive.Add(1)
	go func() {
		defer peerMetrics.callsActive.Add(-1)

		hctx := WithCallContext(context.Background(), m.Context)
		data, err := runHandler(hctx, handler, m.Params)

		rsp := &wire.Message{
			Type:    wire.Response,
			ID:      m.ID,
			From:    c.service,
			To:      m.From,
			Status:  value.Cond(err == nil, wire.StatusSuccess, wire.StatusError),
			Context: m.Context,
		}
		if err == nil {
			rsp.Data = data
		} else {
			peerMetrics.callsInErr.Add(1)
			rsp.Error = toErrorInfo(err)
		}
		c.send(rsp)
		c.event(Event{
			Kind:      MethodExecuted,
			Method:    m.Method,
			RequestID: m.ID,
			Success:   err == nil,
			Err:       err,
		})
	}()
}

// runHandler invokes a handler, converting a panic into an error carrying
// the stack trace.
func runHandler(ctx context.Context, h Handler, params any) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = &Error{
				Code:    wire.CodeExecutionFailed,
				Message: fmt.Sprintf("handler panicked (recovered): %v", x),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return h(ctx, params)
}

// toErrorInfo converts a handler error into its wire representation. Errors
// without a wire code default to EXECUTION_FAILED.
func toErrorInfo(err error) *wire.ErrorInfo {
	if e, ok := err.(*Error); ok {
		code := e.Code
		if code == "" {
			code = wire.CodeExecutionFailed
		}
		return &wire.ErrorInfo{Message: e.Message, Code: code, Stack: e.Stack, Details: e.Details}
	}
	return &wire.ErrorInfo{Message: err.Error(), Code: wire.CodeExecutionFailed}
}

// replyError emits an error RESPONSE for an inbound CALL.
func (c *Client) replyError(m *wire.Message, code wire.Code, text string, details map[string]any) {
	peerMetrics.callsInErr.Add(1)
	c.send(&wire.Message{
		Type:    wire.Response,
		ID:      m.ID,
		From:    c.service,
		To:      m.From,
		Status:  wire.StatusError,
		Error:   &wire.ErrorInfo{Code: code, Message: text, Details: details},
		Context: m.Context,
	})
}

// heartbeatLoop emits a HEARTBEAT frame at the configured interval until
// stopped.
func (c *Client) heartbeatLoop(stop chan struct{}) {
	t := time.NewTicker(c.hbInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m := &wire.Message{Type: wire.Heartbeat, From: c.service, Timestamp: time.Now().UnixMilli()}
			if err := c.send(m); err == nil {
				peerMetrics.heartbeats.Add(1)
			}
		}
	}
}

// socketClosed handles loss of a socket's connection. On the single-socket
// path this disconnects the whole client and fails every pending call; a
// pool member's loss only triggers that member's reconnection, since the
// caller-side deadline is authoritative for calls already in flight.
func (c *Client) socketClosed(s *socket, cause error) {
	s.markDisconnected()

	c.μ.Lock()
	closing, pooled := c.closing, c.pool != nil
	single := c.single
	c.μ.Unlock()
	if closing {
		return
	}

	if pooled {
		c.event(Event{Kind: Log, Member: s.index, Message: "pool member disconnected", Err: cause})
		c.scheduleReconnect(s)
		return
	}
	if s != single {
		return // a socket orphaned by a failed pool setup
	}

	c.μ.Lock()
	c.connected, c.registered = false, false
	c.μ.Unlock()
	c.failPending(&Error{Code: wire.CodeConnectionLost, Message: "connection to gateway lost", Err: cause})
	c.event(Event{Kind: Disconnected, Err: cause})
	c.scheduleReconnect(s)
}

// Close shuts the client down: the heartbeat stops, every reconnect timer is
// cancelled, every pending call fails with NOT_CONNECTED, and each transport
// is released with a graceful half-close backed by a forced-close deadline.
// After Close the client cannot be reused.
func (c *Client) Close() error {
	c.μ.Lock()
	if c.closing {
		c.μ.Unlock()
		return nil
	}
	c.closing = true
	c.connected, c.registered = false, false
	tasks, hb := c.tasks, c.hbStop
	p, s := c.pool, c.single
	onExit := c.onExit
	c.hbStop = nil
	c.μ.Unlock()

	if hb != nil {
		close(hb)
	}
	c.failPending(errc(wire.CodeNotConnected, "client is shut down"))
	if p != nil {
		p.shutdown()
	} else if s != nil {
		s.shutdown()
	}
	c.event(Event{Kind: Disconnected})
	if tasks != nil {
		tasks.Wait()
	}
	if onExit != nil {
		onExit(nil)
	}
	return nil
}
