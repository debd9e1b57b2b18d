// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"errors"
	"time"
)

// A Context is the call context propagated with every Call and Response to
// preserve causal identity and a shared absolute deadline across nested
// calls.
//
// The deadline is set once at the origin of a causal chain and copied
// unchanged across every extension and every network hop. Depth equals
// len(Chain) at construction and increases by one per extension; it never
// decreases along a causal path.
type Context struct {
	// Root is the correlation id of the entire causal tree, set at the origin.
	Root string `json:"root" msgpack:"root"`

	// Chain is the ordered sequence of service names visited, origin first.
	Chain []string `json:"chain" msgpack:"chain"`

	// Depth is the number of hops in the chain, at least 1.
	Depth int `json:"depth" msgpack:"depth"`

	// Deadline is the absolute wall-clock deadline in milliseconds since the
	// Unix epoch.
	Deadline int64 `json:"deadline" msgpack:"deadline"`
}

// NewContext creates a fresh context rooted at the named service with a
// deadline of now plus timeout.
func NewContext(service string, timeout time.Duration) *Context {
	return &Context{
		Root:     RootID(),
		Chain:    []string{service},
		Depth:    1,
		Deadline: time.Now().Add(timeout).UnixMilli(),
	}
}

// Extend returns a copy of c with the named service appended to the chain and
// the depth incremented. The root and deadline are carried unchanged. The
// receiver is not modified.
func (c *Context) Extend(service string) *Context {
	chain := make([]string, len(c.Chain), len(c.Chain)+1)
	copy(chain, c.Chain)
	return &Context{
		Root:     c.Root,
		Chain:    append(chain, service),
		Depth:    c.Depth + 1,
		Deadline: c.Deadline,
	}
}

// Validate checks that c is well-formed: a non-empty root, a non-empty chain,
// a depth of at least 1, and a positive deadline. It does not check whether
// the deadline has passed; use [Context.Expired] for that.
func (c *Context) Validate() error {
	if c == nil {
		return errors.New("missing context")
	}
	if c.Root == "" {
		return errors.New("context: missing root")
	}
	if len(c.Chain) == 0 {
		return errors.New("context: empty chain")
	}
	if c.Depth < 1 {
		return errors.New("context: depth must be at least 1")
	}
	if c.Deadline <= 0 {
		return errors.New("context: missing deadline")
	}
	return nil
}

// Expired reports whether the deadline of c has passed.
func (c *Context) Expired() bool { return time.Now().UnixMilli() > c.Deadline }

// Remaining reports the time remaining until the deadline of c. The result is
// negative if the deadline has passed.
func (c *Context) Remaining() time.Duration {
	return time.UnixMilli(c.Deadline).Sub(time.Now())
}
