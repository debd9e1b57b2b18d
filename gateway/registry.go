// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/creachadair/switchboard/channel"
	"github.com/creachadair/switchboard/wire"
)

// A conn is one accepted connection. A connection is anonymous until its
// REGISTER is accepted, after which it is owned by a service entry.
type conn struct {
	id string // connection id, for logs and diagnostics
	ch channel.IOChannel

	// Must hold the lock to send on the channel.
	out sync.Mutex
}

// send writes a message on the connection. Sends on a single connection are
// serialized so concurrent routings cannot interleave frames.
func (c *conn) send(m *wire.Message) error {
	c.out.Lock()
	defer c.out.Unlock()
	return c.ch.Send(m)
}

// An entry records one registered service: its primary connection, any pool
// members in arrival order, and the advertised metadata. The method list is
// informational; the gateway does not validate method names.
type entry struct {
	name          string
	primary       *conn
	members       []*conn // pool members, arrival order, excluding primary
	methods       []string
	version       string
	metadata      map[string]any
	connectedAt   time.Time
	lastHeartbeat time.Time
	next          int // round-robin egress cursor over sockets()
}

// sockets returns the egress connections for the entry: the primary followed
// by the pool members in arrival order.
func (e *entry) sockets() []*conn {
	socks := make([]*conn, 0, 1+len(e.members))
	socks = append(socks, e.primary)
	return append(socks, e.members...)
}

// dropMember removes c from the entry's pool members, if present.
func (e *entry) dropMember(c *conn) {
	for i, m := range e.members {
		if m == c {
			e.members = append(e.members[:i], e.members[i+1:]...)
			return
		}
	}
}

// A registry indexes service entries by name and by connection. The two
// indices are maintained together; the caller must hold the gateway lock for
// all operations.
type registry struct {
	services map[string]*entry
	owners   map[*conn]*entry
}

func newRegistry() *registry {
	return &registry{
		services: make(map[string]*entry),
		owners:   make(map[*conn]*entry),
	}
}

// lookup returns the entry for the named service, or nil.
func (r *registry) lookup(name string) *entry { return r.services[name] }

// owner returns the entry owning the connection, or nil if the connection is
// not registered.
func (r *registry) owner(c *conn) *entry { return r.owners[c] }

// add creates a new entry with c as its primary connection.
func (r *registry) add(name string, c *conn, m *wire.Message) *entry {
	now := time.Now()
	e := &entry{
		name:          name,
		primary:       c,
		methods:       m.Methods,
		version:       m.Version,
		metadata:      m.Metadata,
		connectedAt:   now,
		lastHeartbeat: now,
	}
	r.services[name] = e
	r.owners[c] = e
	return e
}

// attach appends c to the entry's pool members. The advertised poolIndex is
// not trusted for ordering; arrival order is authoritative.
func (r *registry) attach(e *entry, c *conn) {
	e.members = append(e.members, c)
	r.owners[c] = e
}

// remove deletes the connection from the registry. If c was the primary of an
// entry, the whole entry is removed along with all its pool members, and the
// members' connections are returned for the caller to close. If c was a pool
// member, only that member is trimmed. It reports the owning entry (nil if c
// was never registered) and whether the entry itself was removed.
func (r *registry) remove(c *conn) (e *entry, removed bool, orphans []*conn) {
	e = r.owners[c]
	delete(r.owners, c)
	if e == nil {
		return nil, false, nil
	}
	if e.primary != c {
		e.dropMember(c)
		return e, false, nil
	}
	delete(r.services, e.name)
	for _, m := range e.members {
		delete(r.owners, m)
		orphans = append(orphans, m)
	}
	return e, true, orphans
}

// names returns the sorted names of all registered services.
func (r *registry) names() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
