// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package gateway

import "expvar"

// routerMetrics record router activity counters.
type gatewayMetrics struct {
	connAccepted     expvar.Int
	connClosed       expvar.Int
	registrations    expvar.Int
	messagesRecv     expvar.Int
	callsRouted      expvar.Int
	responsesRouted  expvar.Int
	responsesDropped expvar.Int
	routeFailures    expvar.Int
	heartbeats       expvar.Int

	emap *expvar.Map
}

var routerMetrics = newGatewayMetrics()

func newGatewayMetrics() *gatewayMetrics {
	gm := &gatewayMetrics{emap: new(expvar.Map)}
	gm.emap.Set("connections_accepted", &gm.connAccepted)
	gm.emap.Set("connections_closed", &gm.connClosed)
	gm.emap.Set("registrations", &gm.registrations)
	gm.emap.Set("messages_received", &gm.messagesRecv)
	gm.emap.Set("calls_routed", &gm.callsRouted)
	gm.emap.Set("responses_routed", &gm.responsesRouted)
	gm.emap.Set("responses_dropped", &gm.responsesDropped)
	gm.emap.Set("route_failures", &gm.routeFailures)
	gm.emap.Set("heartbeats", &gm.heartbeats)
	return gm
}
