// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"bytes"
	"math/rand"
	"time"
)

// remoteFlags are per-remote bookkeeping bits.
type remoteFlags uint8

const (
	rmConnBlocked remoteFlags = 1 << 0 // under reconnect debounce; processQueues does not dial for it
)

// remoteKey identifies a remote by its network address, independent of any
// particular connection to it. It satisfies the comparison order ip-family,
// then address bytes, then port, so it can be used as a map key directly
// (Go map equality already does this field-by-field, but remoteKey.Less below
// gives deterministic ordering for logging and tests).
type remoteKey struct {
	v6   bool
	addr [16]byte
	port int32
}

// remoteKeyFromMessage builds a remoteKey from an outbound message's
// destination fields.
func remoteKeyFromMessage(m *Message) remoteKey {
	var k remoteKey
	ip4 := m.addr.To4()
	k.v6 = ip4 == nil
	if k.v6 {
		copy(k.addr[:], m.addr.To16())
	} else {
		copy(k.addr[:4], ip4)
	}
	k.port = m.port
	return k
}

// Less reports whether a sorts before b under the comparison order
// ip-family, then address bytes, then port.
func (a remoteKey) Less(b remoteKey) bool {
	if a.v6 != b.v6 {
		return !a.v6 // v4 sorts before v6
	}
	if c := bytes.Compare(a.addr[:], b.addr[:]); c != 0 {
		return c < 0
	}
	return a.port < b.port
}

// A remote represents one peer endpoint: its network identity, its current
// connection (if any), and the two message queues waiting to be dispatched
// to it.
type remote struct {
	key remoteKey

	conn *connection // current connection, or nil

	control []*Message // FIFO of acks and noops; always dispatched before data
	data    []*Message // FIFO of user data messages

	waitAck *Message // the single in-flight message awaiting an ack

	probeTemplate *Message // reusable NOOP record; nil until first needed

	serial uint32
	flags  remoteFlags

	lastUsed time.Time
}

// newRemote allocates a remote keyed by k, with a randomized initial serial
// and a last-used timestamp of now, matching the "allocation" construction
// form described for remote keys.
func newRemote(k remoteKey, now time.Time) *remote {
	return &remote{
		key:      k,
		serial:   rand.Uint32(),
		lastUsed: now,
	}
}

// touch stamps r's last-used timestamp to now.
func (r *remote) touch(now time.Time) { r.lastUsed = now }

// blocked reports whether r is under reconnect debounce.
func (r *remote) blocked() bool { return r.flags&rmConnBlocked != 0 }

// enqueueControl appends m to r's control queue and reports whether the
// queue was already non-empty (QUEUED) before the append.
func (r *remote) enqueueControl(m *Message) bool {
	already := len(r.control) > 0
	r.control = append(r.control, m)
	return already
}

// enqueueData appends m to r's data queue and reports whether the queue was
// already non-empty (QUEUED) before the append.
func (r *remote) enqueueData(m *Message) bool {
	already := len(r.data) > 0
	r.data = append(r.data, m)
	return already
}

// dequeueControl removes and returns the head of r's control queue, or nil.
func (r *remote) dequeueControl() *Message {
	if len(r.control) == 0 {
		return nil
	}
	m := r.control[0]
	r.control = r.control[1:]
	return m
}

// dequeueData removes and returns the head of r's data queue, or nil.
func (r *remote) dequeueData() *Message {
	if len(r.data) == 0 {
		return nil
	}
	m := r.data[0]
	r.data = r.data[1:]
	return m
}

// nextSerial increments r's serial counter and returns the new value, to be
// stamped on the next outbound message.
func (r *remote) nextSerial() uint32 {
	r.serial++
	return r.serial
}

// abortQueues finishes every message queued on r (control, data, and the
// waiting-for-ack slot) with err, used during shutdown and garbage
// collection when a remote's messages can no longer be delivered.
func (r *remote) abortQueues(err error) {
	for _, m := range r.control {
		m.finish(err)
	}
	r.control = nil
	for _, m := range r.data {
		m.finish(err)
	}
	r.data = nil
	if r.waitAck != nil {
		r.waitAck.finish(err)
		r.waitAck = nil
	}
}

// ensureProbeTemplate lazily builds r's reusable NOOP probe message. The
// template is skipped (return false) if it is already queued or otherwise
// in flight, matching the idempotent probe-emission rule.
func (r *remote) ensureProbeTemplate() (*Message, bool) {
	if r.probeTemplate == nil {
		r.probeTemplate = &Message{typ: msgNoop}
	}
	if r.probeTemplate.isUsed() {
		return nil, false
	}
	r.probeTemplate.flags |= flagUsed
	return r.probeTemplate, true
}
