// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package switchboard implements an in-host inter-process RPC fabric.
//
// Services on the same host connect to a central gateway process over a
// local domain socket, register the methods they expose, and issue typed
// request/response calls to one another. The gateway (see the gateway
// subpackage) is a pure message router: it owns the connection registry and
// forwards CALL and RESPONSE frames between services without interpreting
// their payloads.
//
// # Clients
//
// The core type defined by this package is the [Client]. A client owns one
// or more pooled connections to the gateway, serializes messages with a
// length-prefixed frame format (see the wire subpackage), tracks its
// outstanding requests, and executes inbound calls against locally
// registered handlers.
//
// To create a client, populate [Options] and register handlers before
// connecting:
//
//	c := switchboard.New(switchboard.Options{
//	   Service: "billing",
//	   Gateway: "/run/switchboard.sock",
//	})
//	c.Handle("invoice.create", createInvoice)
//
//	if err := c.Connect(ctx); err != nil {
//	   log.Fatalf("Connect: %v", err)
//	}
//	defer c.Close()
//
// To invoke a method on another service, use [Client.Call]:
//
//	data, err := c.Call(ctx, "ledger", "entry.post", map[string]any{"amount": 42})
//
// Errors reported by Call have concrete type [*Error] and carry one of the
// stable wire error codes.
//
// # Nested calls
//
// Every call carries a context (see [wire.Context]) recording the
// correlation root, the chain of services visited, the call depth, and an
// absolute deadline fixed at the origin. A handler that issues further calls
// through its ctx argument extends this context automatically: the
// dispatcher pins the inbound context for the duration of the handler, and
// [Client.Call] picks it up from ctx. Concurrent handler invocations see
// independent contexts.
//
//	c.Handle("relay", func(ctx context.Context, params any) (any, error) {
//	   // This call inherits the inbound chain and deadline.
//	   return c.Call(ctx, "ledger", "entry.post", params)
//	})
//
// # Pooled connections
//
// With Options.PoolSize greater than 1 the client opens that many parallel
// connections, each registered under the same service name with a
// distinguishing pool index. Outbound traffic is spread across healthy
// members round-robin; a lost member reconnects on an exponential backoff
// schedule without disturbing the rest of the pool.
//
// # Metrics
//
// Clients maintain a collection of expvar counters while running; use the
// [Client.Metrics] method to obtain the metrics map. The gateway exposes a
// corresponding map for routing activity.
package switchboard
