// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package switchboard

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creachadair/taskgroup"

	"github.com/creachadair/switchboard/wire"
)

// idleThreshold is how long a pool member may go unused before the health
// ticker probes it with a heartbeat.
const idleThreshold = 60 * time.Second

// closeGrace bounds the wait for a graceful half-close before the transport
// is forcibly closed.
const closeGrace = 1 * time.Second

// unhealthyAfter is the error count at which a member is marked unhealthy
// even while still connected.
const unhealthyAfter = 3

// A socket is one transport to the gateway: the single connection of an
// unpooled client, or one member of a pool. A socket survives its underlying
// connection; on reconnect the same socket is re-armed with a new one.
type socket struct {
	index int

	μ          sync.Mutex
	nc         net.Conn
	connected  bool
	healthy    bool // healthy implies connected
	errorCount int
	attempts   int // consecutive reconnect attempts
	lastUsed   time.Time
	retry      *time.Timer // pending reconnect, nil if none
	bo         *backoff.ExponentialBackOff

	out sync.Mutex // serializes writes on nc
}

// newSocket constructs a disconnected socket with the client's backoff
// schedule: base delay multiplied by 1.5 per consecutive failure, capped at
// 30 seconds.
func (c *Client) newSocket(index int) *socket {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.Multiplier = 1.5
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &socket{index: index, bo: bo}
}

// reset arms the socket with a fresh connection, clearing the error count
// and the backoff schedule.
func (s *socket) reset(nc net.Conn) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.nc = nc
	s.connected = true
	s.healthy = true
	s.errorCount = 0
	s.attempts = 0
	s.lastUsed = time.Now()
	s.bo.Reset()
}

// write transmits a frame on the socket's connection.
func (s *socket) write(frame []byte) error {
	s.μ.Lock()
	nc := s.nc
	s.lastUsed = time.Now()
	s.μ.Unlock()
	if nc == nil {
		return net.ErrClosed
	}
	s.out.Lock()
	defer s.out.Unlock()
	_, err := nc.Write(frame)
	return err
}

// touch updates the socket's last-used time.
func (s *socket) touch() {
	s.μ.Lock()
	s.lastUsed = time.Now()
	s.μ.Unlock()
}

// noteError counts a socket-level error. At unhealthyAfter errors the member
// is marked unhealthy even if still connected.
func (s *socket) noteError() {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.errorCount++
	if s.errorCount >= unhealthyAfter {
		s.healthy = false
	}
}

// markDisconnected clears the socket's liveness flags.
func (s *socket) markDisconnected() {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.connected = false
	s.healthy = false
}

func (s *socket) isConnected() bool {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.connected
}

// state reports the liveness flags together.
func (s *socket) state() (connected, healthy bool) {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.connected, s.healthy
}

// shutdown cancels any pending reconnect and releases the transport with a
// graceful half-close. If the remote end does not close within closeGrace,
// the connection is forced shut.
func (s *socket) shutdown() {
	s.μ.Lock()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	nc := s.nc
	s.nc = nil
	s.connected, s.healthy = false, false
	s.μ.Unlock()
	if nc == nil {
		return
	}
	if uc, ok := nc.(*net.UnixConn); ok {
		uc.CloseWrite()
		time.AfterFunc(closeGrace, func() { nc.Close() })
	} else {
		nc.Close()
	}
}

// scheduleReconnect arms the socket's reconnect timer using its backoff
// schedule. When the attempt budget is exhausted the member is declared dead
// and a PoolMemberDead event is emitted.
func (c *Client) scheduleReconnect(s *socket) {
	c.μ.Lock()
	closing := c.closing
	c.μ.Unlock()
	if !c.autoReconnect || closing {
		return
	}

	s.μ.Lock()
	if s.retry != nil {
		s.μ.Unlock()
		return // a reconnect is already scheduled
	}
	s.attempts++
	if s.attempts > c.maxReconnect {
		s.μ.Unlock()
		c.event(Event{
			Kind:    PoolMemberDead,
			Member:  s.index,
			Message: "reconnect attempts exhausted",
		})
		return
	}
	delay := s.bo.NextBackOff()
	s.retry = time.AfterFunc(delay, func() {
		s.μ.Lock()
		s.retry = nil
		s.μ.Unlock()
		c.reconnect(s)
	})
	s.μ.Unlock()
}

// reconnect replaces the socket's connection. The old handle is destroyed
// before the new one is created. On success the error count resets and the
// socket re-registers; on failure the error count grows and another attempt
// is scheduled.
func (c *Client) reconnect(s *socket) {
	c.μ.Lock()
	closing, pooled := c.closing, c.pool != nil
	tasks := c.tasks
	c.μ.Unlock()
	if closing {
		return
	}

	s.μ.Lock()
	if old := s.nc; old != nil {
		s.nc = nil
		old.Close()
	}
	s.μ.Unlock()

	nc, err := net.Dial("unix", c.gateway)
	if err != nil {
		s.noteError()
		c.scheduleReconnect(s)
		return
	}

	// Re-check shutdown under the lock: either this socket is re-armed
	// before Close observes it, in which case Close will release the new
	// connection, or Close has already begun and the connection is dropped.
	c.μ.Lock()
	if c.closing {
		c.μ.Unlock()
		nc.Close()
		return
	}
	s.reset(nc)
	tasks.Go(func() error { c.readLoop(s, nc); return nil })
	c.μ.Unlock()
	peerMetrics.reconnects.Add(1)

	if err := c.sendOn(s, c.registerMessage(s, pooled)); err != nil {
		nc.Close()
		return // the read loop will observe the close and reschedule
	}

	if !pooled {
		c.μ.Lock()
		c.connected = true
		c.μ.Unlock()
	}
	c.event(Event{Kind: Connected, Member: s.index})
}

// A pool maintains poolSize parallel connections to the gateway, each
// registered under the service name with its index in metadata.poolIndex.
type pool struct {
	c       *Client
	μ       sync.Mutex
	members []*socket
	current int // round-robin selection cursor
	stop    chan struct{}
}

// connectPool opens every pool member concurrently. If any member fails to
// connect, the members that succeeded are torn down and the whole connect
// fails. Once the pool is up the periodic health ticker starts.
func (c *Client) connectPool(ctx context.Context) error {
	p := &pool{c: c, stop: make(chan struct{})}
	p.members = make([]*socket, c.poolSize)
	conns := make([]net.Conn, c.poolSize)
	errs := make([]error, c.poolSize)

	g := taskgroup.New(nil)
	for i := range p.members {
		s := c.newSocket(i)
		p.members[i] = s
		g.Go(func() error {
			nc, err := (&net.Dialer{}).DialContext(ctx, "unix", c.gateway)
			if err != nil {
				errs[i] = err
				return nil
			}
			conns[i] = nc
			return nil
		})
	}
	g.Wait()

	for _, err := range errs {
		if err != nil {
			for _, nc := range conns {
				if nc != nil {
					nc.Close()
				}
			}
			return errc(wire.CodeConnectionFailed, "connect pool member: %v", err)
		}
	}

	c.μ.Lock()
	c.pool = p
	tasks := c.tasks
	c.μ.Unlock()

	for i, s := range p.members {
		nc := conns[i]
		s.reset(nc)
		tasks.Go(func() error { c.readLoop(s, nc); return nil })
		if err := c.sendOn(s, c.registerMessage(s, true)); err != nil {
			p.shutdown()
			c.μ.Lock()
			c.pool = nil
			c.μ.Unlock()
			return errc(wire.CodeConnectionFailed, "register pool member %d: %v", i, err)
		}
	}

	tasks.Go(func() error { p.healthLoop(); return nil })
	return nil
}

// get selects the member to transmit on: scanning from the cursor, the first
// member that is connected and healthy; failing that, the first that is at
// least connected; failing that, NOT_CONNECTED. The cursor advances on every
// probe so load spreads across the pool.
func (p *pool) get() (*socket, error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	var fallback *socket
	for range p.members {
		s := p.members[p.current]
		p.current = (p.current + 1) % len(p.members)
		connected, healthy := s.state()
		if connected && healthy {
			s.touch()
			return s, nil
		}
		if connected && fallback == nil {
			fallback = s
		}
	}
	if fallback != nil {
		fallback.touch()
		return fallback, nil
	}
	return nil, errc(wire.CodeNotConnected, "no pool members connected")
}

// healthLoop periodically probes idle members with a heartbeat. A member
// whose probe fails is marked unhealthy; it is reconnected once its read
// loop observes the connection close.
func (p *pool) healthLoop() {
	t := time.NewTicker(p.c.healthPeriod)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.μ.Lock()
			members := make([]*socket, len(p.members))
			copy(members, p.members)
			p.μ.Unlock()

			hb := &wire.Message{Type: wire.Heartbeat, From: p.c.service, Timestamp: time.Now().UnixMilli()}
			frame, err := wire.Encode(p.c.codec, hb)
			if err != nil {
				continue
			}
			for _, s := range members {
				s.μ.Lock()
				idle := s.connected && time.Since(s.lastUsed) > idleThreshold
				s.μ.Unlock()
				if !idle {
					continue
				}
				if err := s.write(frame); err != nil {
					s.μ.Lock()
					s.healthy = false
					s.μ.Unlock()
				} else {
					peerMetrics.heartbeats.Add(1)
				}
			}
		}
	}
}

// shutdown stops the health ticker, cancels every member's reconnect timer,
// and closes every member.
func (p *pool) shutdown() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.μ.Lock()
	members := p.members
	p.members = nil
	p.μ.Unlock()
	for _, s := range members {
		s.shutdown()
	}
}
