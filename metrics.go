// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import "expvar"

// nodeMetrics record node-wide activity counters, generalizing the
// original library's per-peer packet/call counters to the connection,
// remote, slot, and GC events of the node protocol.
type nodeMetrics struct {
	connectionsAccepted expvar.Int
	connectionsDialed   expvar.Int
	connectionsClosed   expvar.Int
	handshakesFailed    expvar.Int

	messagesSent       expvar.Int
	messagesReceived    expvar.Int
	messagesFailed      expvar.Int
	acksSent            expvar.Int
	acksReceived        expvar.Int
	noopsSent           expvar.Int

	slotsExhausted expvar.Int
	slotsAvailable expvar.Int

	remotesCreated     expvar.Int
	remotesReaped      expvar.Int
	gcSweeps           expvar.Int
	reconnectDebounces expvar.Int

	emap *expvar.Map
}

func newNodeMetrics() *nodeMetrics {
	nm := &nodeMetrics{emap: new(expvar.Map)}
	nm.emap.Set("connections_accepted", &nm.connectionsAccepted)
	nm.emap.Set("connections_dialed", &nm.connectionsDialed)
	nm.emap.Set("connections_closed", &nm.connectionsClosed)
	nm.emap.Set("handshakes_failed", &nm.handshakesFailed)
	nm.emap.Set("messages_sent", &nm.messagesSent)
	nm.emap.Set("messages_received", &nm.messagesReceived)
	nm.emap.Set("messages_failed", &nm.messagesFailed)
	nm.emap.Set("acks_sent", &nm.acksSent)
	nm.emap.Set("acks_received", &nm.acksReceived)
	nm.emap.Set("noops_sent", &nm.noopsSent)
	nm.emap.Set("slots_exhausted", &nm.slotsExhausted)
	nm.emap.Set("slots_available", &nm.slotsAvailable)
	nm.emap.Set("remotes_created", &nm.remotesCreated)
	nm.emap.Set("remotes_reaped", &nm.remotesReaped)
	nm.emap.Set("gc_sweeps", &nm.gcSweeps)
	nm.emap.Set("reconnect_debounces", &nm.reconnectDebounces)
	return nm
}
