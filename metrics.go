// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package switchboard

import "expvar"

// clientMetrics record client activity counters.
type clientMetrics struct {
	messagesRecv expvar.Int
	messagesSent expvar.Int
	callsOut     expvar.Int // number of outbound calls initiated
	callsOutErr  expvar.Int // number of outbound calls reporting an error
	callsIn      expvar.Int // number of inbound calls received
	callsInErr   expvar.Int // number of inbound calls reporting an error
	callsPending expvar.Int // outbound, awaiting responses
	callsActive  expvar.Int // inbound, handlers running
	timeouts     expvar.Int // pending calls that timed out locally
	reconnects   expvar.Int // successful reconnections
	heartbeats   expvar.Int // heartbeats written

	emap *expvar.Map
}

var peerMetrics = newClientMetrics()

func newClientMetrics() *clientMetrics {
	cm := &clientMetrics{emap: new(expvar.Map)}
	cm.emap.Set("messages_received", &cm.messagesRecv)
	cm.emap.Set("messages_sent", &cm.messagesSent)
	cm.emap.Set("calls_out", &cm.callsOut)
	cm.emap.Set("calls_out_failed", &cm.callsOutErr)
	cm.emap.Set("calls_in", &cm.callsIn)
	cm.emap.Set("calls_in_failed", &cm.callsInErr)
	cm.emap.Set("calls_pending", &cm.callsPending)
	cm.emap.Set("calls_active", &cm.callsActive)
	cm.emap.Set("timeouts", &cm.timeouts)
	cm.emap.Set("reconnects", &cm.reconnects)
	cm.emap.Set("heartbeats_sent", &cm.heartbeats)
	return cm
}

// Metrics returns the metrics map for the client. It is safe for the caller
// to add additional metrics to the map while the client is active.
func (c *Client) Metrics() *expvar.Map { return peerMetrics.emap }
