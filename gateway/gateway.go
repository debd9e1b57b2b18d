// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package gateway implements the switchboard message router.
//
// A Gateway listens on a local domain socket and routes CALL and RESPONSE
// frames between registered services. It owns the service registry and never
// interprets call payloads.
//
// Every accepted connection is anonymous until it sends a REGISTER frame. A
// registration for a new service name makes the connection the primary for
// that service; a registration carrying an integer metadata.poolIndex for an
// existing name attaches the connection as a pool member. CALL frames to a
// pooled service are spread across its sockets round-robin; RESPONSE frames
// always travel to the caller's primary connection.
package gateway

import (
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/oklog/ulid/v2"

	"github.com/creachadair/switchboard/channel"
	"github.com/creachadair/switchboard/wire"
)

// Name is the reserved service name under which the gateway answers
// introspection calls. It cannot be registered by a client.
const Name = "_gateway"

// Options configure a Gateway. A zero Options is ready for use.
type Options struct {
	// Codec is the payload codec shared with all clients. Defaults to
	// wire.JSON.
	Codec wire.Codec

	// MaxCallDepth caps the context depth of routed calls. Defaults to 100.
	MaxCallDepth int

	// Logger receives structured router logs. Defaults to a discarding
	// logger.
	Logger *slog.Logger
}

// EventKind identifies a service lifecycle event observed by the router.
type EventKind string

const (
	ServiceRegistered   EventKind = "service-registered"
	ServiceUnregistered EventKind = "service-unregistered"
	ServiceNotFound     EventKind = "service-not-found"
)

// An Event describes a service lifecycle change.
type Event struct {
	Kind    EventKind
	Service string // the service the event concerns
	Caller  string // for ServiceNotFound, the caller that addressed it
}

// A Gateway routes frames between connected services. Construct a gateway
// with [New], then call [Gateway.Start] with a socket path.
type Gateway struct {
	codec    wire.Codec
	maxDepth int
	log      *slog.Logger

	μ     sync.Mutex
	lst   net.Listener
	tasks *taskgroup.Group
	reg   *registry
	conns map[*conn]struct{}
	hook  func(Event)
}

// New constructs a new unstarted gateway with the given options.
func New(opts Options) *Gateway {
	codec := opts.Codec
	if codec == nil {
		codec = wire.JSON
	}
	maxDepth := opts.MaxCallDepth
	if maxDepth <= 0 {
		maxDepth = 100
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		codec:    codec,
		maxDepth: maxDepth,
		log:      log,
		reg:      newRegistry(),
		conns:    make(map[*conn]struct{}),
	}
}

// OnService registers a callback invoked for service lifecycle events. The
// callback is executed synchronously with routing; it must not block.
// Passing nil removes the callback.
func (g *Gateway) OnService(hook func(Event)) *Gateway {
	g.μ.Lock()
	defer g.μ.Unlock()
	g.hook = hook
	return g
}

// Metrics returns the metrics map for the gateway. It is safe for the caller
// to add additional metrics to the map while the gateway is active.
func (g *Gateway) Metrics() *expvar.Map { return routerMetrics.emap }

// Start unlinks any stale socket at path, listens on it, and begins accepting
// connections. Start does not block; call Wait to wait for the gateway to
// exit, or Stop to shut it down.
func (g *Gateway) Start(path string) error {
	if fi, err := os.Stat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}
	lst, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	g.μ.Lock()
	defer g.μ.Unlock()
	if g.lst != nil {
		lst.Close()
		return errors.New("gateway is already started")
	}
	g.lst = lst
	g.tasks = taskgroup.New(nil)
	g.tasks.Go(g.acceptLoop)
	g.log.Info("gateway started", "path", path, "codec", g.codec.Name())
	return nil
}

// Addr returns the address the gateway is listening on, or nil if it has not
// been started.
func (g *Gateway) Addr() net.Addr {
	g.μ.Lock()
	defer g.μ.Unlock()
	if g.lst == nil {
		return nil
	}
	return g.lst.Addr()
}

// Stop closes the listener and all connections and blocks until the service
// routines have exited. After Stop completes it is safe to restart the
// gateway on a new path.
func (g *Gateway) Stop() error {
	g.μ.Lock()
	lst, tasks := g.lst, g.tasks
	g.lst = nil
	g.tasks = nil
	for c := range g.conns {
		c.ch.Close()
	}
	g.μ.Unlock()

	if lst == nil {
		return nil
	}
	lst.Close()
	tasks.Wait()
	return nil
}

// Wait blocks until the gateway has stopped, either by a call to Stop or by a
// listener failure.
func (g *Gateway) Wait() {
	g.μ.Lock()
	tasks := g.tasks
	g.μ.Unlock()
	if tasks != nil {
		tasks.Wait()
	}
}

// ConnectedServices returns the sorted names of all registered services.
func (g *Gateway) ConnectedServices() []string {
	g.μ.Lock()
	defer g.μ.Unlock()
	return g.reg.names()
}

// ServiceInfo describes one registered service for introspection.
type ServiceInfo struct {
	Name          string    `json:"name"`
	Methods       []string  `json:"methods"`
	Version       string    `json:"version,omitempty"`
	Sockets       int       `json:"sockets"` // primary plus pool members
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// ServiceInfo reports the registry state for the named service.
func (g *Gateway) ServiceInfo(name string) (ServiceInfo, bool) {
	g.μ.Lock()
	defer g.μ.Unlock()
	e := g.reg.lookup(name)
	if e == nil {
		return ServiceInfo{}, false
	}
	return ServiceInfo{
		Name:          e.name,
		Methods:       e.methods,
		Version:       e.version,
		Sockets:       1 + len(e.members),
		ConnectedAt:   e.connectedAt,
		LastHeartbeat: e.lastHeartbeat,
	}, true
}

// acceptLoop accepts connections until the listener closes.
func (g *Gateway) acceptLoop() error {
	g.μ.Lock()
	lst, tasks := g.lst, g.tasks
	g.μ.Unlock()
	for {
		nc, err := lst.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := &conn{id: ulid.Make().String(), ch: channel.Conn(nc, g.codec)}
		g.μ.Lock()
		g.conns[c] = struct{}{}
		g.μ.Unlock()
		routerMetrics.connAccepted.Add(1)
		tasks.Go(func() error { g.serve(c); return nil })
	}
}

// serve runs the read loop for one connection. Frames from a single
// connection are processed in arrival order; there is no global ordering
// across connections.
func (g *Gateway) serve(c *conn) {
	defer g.dropConn(c)
	registered := false
	for {
		m, err := c.ch.Recv()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				g.log.Debug("connection read failed", "conn", c.id, "err", err)
			}
			return
		}
		routerMetrics.messagesRecv.Add(1)

		if !registered {
			// ACCEPTED state: only REGISTER is allowed.
			if m.Type != wire.Register {
				c.send(&wire.Message{
					Type:  wire.Error,
					Error: &wire.ErrorInfo{Code: wire.CodeInvalidMessage, Message: fmt.Sprintf("expected REGISTER, got %s", m.Type)},
				})
				return
			}
			if !g.register(c, m) {
				return
			}
			registered = true
			continue
		}

		switch m.Type {
		case wire.Call:
			g.routeCall(c, m)
		case wire.Response:
			g.routeResponse(m)
		case wire.Heartbeat:
			g.heartbeat(c)
		default:
			// REGISTERED state: other types get an error reply, but the
			// connection stays open.
			c.send(&wire.Message{
				Type:  wire.Error,
				ID:    m.ID,
				Error: &wire.ErrorInfo{Code: wire.CodeInvalidMessage, Message: fmt.Sprintf("unexpected %s frame", m.Type)},
			})
		}
	}
}

// register applies a REGISTER frame to the registry. It reports false if the
// connection must be closed.
func (g *Gateway) register(c *conn, m *wire.Message) bool {
	if m.Service == "" || m.Service == Name {
		c.send(&wire.Message{
			Type:  wire.Error,
			Error: &wire.ErrorInfo{Code: wire.CodeInvalidMessage, Message: "invalid service name"},
		})
		return false
	}
	idx, isPool := m.PoolIndex()

	g.μ.Lock()
	e := g.reg.lookup(m.Service)
	switch {
	case e == nil:
		g.reg.add(m.Service, c, m)
	case isPool:
		g.reg.attach(e, c)
	default:
		g.μ.Unlock()
		c.send(&wire.Message{
			Type:  wire.Error,
			Error: &wire.ErrorInfo{Code: wire.CodeConnectionFailed, Message: "Service already registered"},
		})
		g.log.Warn("duplicate registration rejected", "service", m.Service, "conn", c.id)
		return false
	}
	hook := g.hook
	g.μ.Unlock()

	routerMetrics.registrations.Add(1)
	if err := c.send(&wire.Message{Type: wire.RegisterAck}); err != nil {
		return false
	}
	if e == nil {
		g.log.Info("service registered", "service", m.Service, "conn", c.id, "methods", len(m.Methods))
		if hook != nil {
			hook(Event{Kind: ServiceRegistered, Service: m.Service})
		}
	} else {
		g.log.Info("pool member attached", "service", m.Service, "conn", c.id, "poolIndex", idx)
	}
	return true
}

// routeCall validates and forwards a CALL frame toward its target service.
func (g *Gateway) routeCall(c *conn, m *wire.Message) {
	if err := m.Context.Validate(); err != nil {
		g.replyError(c, m, wire.CodeInvalidContext, err.Error(), nil)
		return
	}
	if m.Context.Expired() {
		g.replyError(c, m, wire.CodeDeadlineExceeded, "context deadline exceeded", nil)
		return
	}
	if m.Context.Depth > g.maxDepth {
		g.replyError(c, m, wire.CodeMaxDepthExceeded,
			fmt.Sprintf("call depth %d exceeds maximum %d", m.Context.Depth, g.maxDepth), nil)
		return
	}
	if m.To == Name {
		g.serveIntrospection(c, m)
		return
	}

	// Two attempts: a write failure on a pooled socket drops the member and
	// the lookup is retried once against the remaining members.
	for attempt := 0; attempt < 2; attempt++ {
		target := g.pickTarget(m.To)
		if target == nil {
			break
		}
		if err := target.send(m); err == nil {
			routerMetrics.callsRouted.Add(1)
			return
		}
		routerMetrics.routeFailures.Add(1)
		g.log.Warn("egress write failed, dropping member", "service", m.To, "conn", target.id)
		g.discardTarget(m.To, target)
	}

	routerMetrics.routeFailures.Add(1)
	g.μ.Lock()
	names := g.reg.names()
	hook := g.hook
	g.μ.Unlock()
	g.replyError(c, m, wire.CodeServiceNotFound,
		fmt.Sprintf("service %q is not connected", m.To),
		map[string]any{"services": names})
	if hook != nil {
		hook(Event{Kind: ServiceNotFound, Service: m.To, Caller: m.From})
	}
}

// pickTarget selects the egress connection for the named service: round-robin
// across the pool when the service has members, otherwise the primary.
func (g *Gateway) pickTarget(name string) *conn {
	g.μ.Lock()
	defer g.μ.Unlock()
	e := g.reg.lookup(name)
	if e == nil {
		return nil
	}
	socks := e.sockets()
	if len(socks) == 1 {
		return e.primary
	}
	if e.next >= len(socks) {
		e.next = 0
	}
	target := socks[e.next]
	e.next = (e.next + 1) % len(socks)
	return target
}

// discardTarget removes a connection whose write failed. A failed pool member
// is trimmed from its entry; a failed primary removes the entry outright.
func (g *Gateway) discardTarget(name string, target *conn) {
	g.μ.Lock()
	defer g.μ.Unlock()
	e := g.reg.lookup(name)
	if e == nil {
		return
	}
	if e.primary == target {
		g.reg.remove(target)
	} else {
		e.dropMember(target)
		delete(g.reg.owners, target)
	}
	target.ch.Close()
}

// routeResponse forwards a RESPONSE frame to the caller's primary connection.
// If the caller has disconnected the response is dropped silently; the
// caller-side deadline is authoritative for surfacing failure.
func (g *Gateway) routeResponse(m *wire.Message) {
	g.μ.Lock()
	e := g.reg.lookup(m.To)
	var target *conn
	if e != nil {
		target = e.primary
	}
	g.μ.Unlock()
	if target == nil {
		routerMetrics.responsesDropped.Add(1)
		g.log.Debug("response dropped, caller disconnected", "id", m.ID, "to", m.To)
		return
	}
	if err := target.send(m); err != nil {
		routerMetrics.responsesDropped.Add(1)
		return
	}
	routerMetrics.responsesRouted.Add(1)
}

// heartbeat records liveness for the service owning the connection.
func (g *Gateway) heartbeat(c *conn) {
	g.μ.Lock()
	if e := g.reg.owner(c); e != nil {
		e.lastHeartbeat = time.Now()
	}
	g.μ.Unlock()
	routerMetrics.heartbeats.Add(1)
}

// serveIntrospection answers a CALL addressed to the gateway itself.
func (g *Gateway) serveIntrospection(c *conn, m *wire.Message) {
	switch m.Method {
	case "services":
		g.μ.Lock()
		names := g.reg.names()
		g.μ.Unlock()
		infos := make([]ServiceInfo, 0, len(names))
		for _, name := range names {
			if info, ok := g.ServiceInfo(name); ok {
				infos = append(infos, info)
			}
		}
		c.send(&wire.Message{
			Type:    wire.Response,
			ID:      m.ID,
			From:    Name,
			To:      m.From,
			Status:  wire.StatusSuccess,
			Data:    map[string]any{"services": infos},
			Context: m.Context,
		})
		routerMetrics.callsRouted.Add(1)
	default:
		g.replyError(c, m, wire.CodeMethodNotFound,
			fmt.Sprintf("gateway has no method %q", m.Method),
			map[string]any{"methods": []string{"services"}})
	}
}

// replyError sends an error RESPONSE for a CALL the gateway could not route,
// carrying the original id and context so the caller's pending entry
// resolves.
func (g *Gateway) replyError(c *conn, m *wire.Message, code wire.Code, text string, details map[string]any) {
	c.send(&wire.Message{
		Type:    wire.Response,
		ID:      m.ID,
		From:    m.To,
		To:      m.From,
		Status:  wire.StatusError,
		Error:   &wire.ErrorInfo{Code: code, Message: text, Details: details},
		Context: m.Context,
	})
}

// dropConn removes a closed connection from the registry. Closing a primary
// removes the whole entry and closes its pool members; closing a member only
// trims the pool.
func (g *Gateway) dropConn(c *conn) {
	g.μ.Lock()
	delete(g.conns, c)
	e, removed, orphans := g.reg.remove(c)
	hook := g.hook
	g.μ.Unlock()

	c.ch.Close()
	routerMetrics.connClosed.Add(1)
	for _, o := range orphans {
		o.ch.Close()
	}
	if e == nil {
		return
	}
	if removed {
		g.log.Info("service unregistered", "service", e.name, "conn", c.id)
		if hook != nil {
			hook(Event{Kind: ServiceUnregistered, Service: e.name})
		}
	} else {
		g.log.Info("pool member detached", "service", e.name, "conn", c.id)
	}
}
