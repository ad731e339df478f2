// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"fmt"
	"net"
	"time"

	"github.com/creachadair/chirpnet/wire"
)

// write serializes msg onto cn's socket and starts the send-timeout timer.
// Must be called with n.mu held; cn.writing must be nil on entry.
func (n *Node) write(cn *connection, msg *Message) error {
	rem := cn.rem
	if rem != nil {
		msg.serial = rem.nextSerial()
	}

	var b wire.Builder
	msg.encodeHeader(&b)
	b.Bytes(msg.header)
	b.Bytes(msg.data)

	cn.writing = msg
	cn.wtimer = time.AfterFunc(n.config.timeout(), func() {
		n.withLock(func() { n.onWriteTimeout(cn) })
	})

	payload := b.Take()
	n.mu.Unlock()
	_, werr := writeAll(cn.conn, payload)
	n.mu.Lock()

	if cn.flags&connShuttingDown != 0 {
		// The connection was torn down while the write was in flight; the
		// shutdown path has already finished msg.
		return nil
	}

	cn.stopTimer()
	cn.writing = nil

	if werr != nil {
		err := wrapErr(CodeWriteError, werr)
		msg.flags |= flagFailure
		msg.finish(err)
		n.metrics.messagesFailed.Add(1)
		cn.shutdown(n, CodeWriteError)
		return err
	}

	switch {
	case msg.isAck():
		n.metrics.acksSent.Add(1)
	case msg.isNoop():
		n.metrics.noopsSent.Add(1)
	default:
		n.metrics.messagesSent.Add(1)
	}

	if !msg.needsAck() {
		msg.flags |= flagAckReceived
	}
	msg.flags |= flagWriteDone

	now := n.now()
	cn.touch(now)

	n.finishMessage(cn, msg, nil)
	return nil
}

// writeAll writes the full contents of buf to c, returning as soon as an
// error occurs. It plays the role of the original's scatter-gather vector
// write: Go's net.Conn (and *tls.Conn, which performs its own record
// framing) both accept a single contiguous write, so the three logical
// fields (header, message header, data) are concatenated into one buffer by
// the caller rather than issued as separate vector entries.
func writeAll(c net.Conn, buf []byte) (int, error) {
	return c.Write(buf)
}

// onWriteTimeout fires when a write does not complete within config.TIMEOUT.
func (n *Node) onWriteTimeout(cn *connection) {
	if cn.flags&connShuttingDown != 0 {
		return
	}
	cn.shutdown(n, CodeTimeout)
}

// finishMessage fires msg's send callback and clears USED once both
// WRITE_DONE and ACK_RECEIVED are set, then re-runs the owning remote's
// dispatcher; it does nothing while either flag is missing. The
// send-timeout has already been stopped by write. Must be called with n.mu
// held.
func (n *Node) finishMessage(cn *connection, msg *Message, err error) {
	if msg.flags&(flagWriteDone|flagAckReceived) != flagWriteDone|flagAckReceived {
		return
	}
	msg.finish(err)

	rem := cn.rem
	if rem == nil && msg.addr != nil {
		rem = n.remotes[remoteKeyFromMessage(msg)]
	}
	if rem != nil {
		n.processQueues(rem)
	}
}

// pqResult is the outcome processQueues reports, mirroring the dispatcher's
// documented result codes.
type pqResult int

const (
	pqEmpty pqResult = iota
	pqBusy
	pqDispatched
)

// processQueues is the per-remote dispatcher, invoked on every state change
// that might free a slot or a writer. Must be called with n.mu held.
func (n *Node) processQueues(rem *remote) pqResult {
	if rem.conn == nil {
		if !rem.blocked() && (len(rem.control) > 0 || len(rem.data) > 0) {
			n.connectRemote(rem) // failure aborts one queued message and debounces rem
		}
		return pqBusy
	}
	cn := rem.conn
	if cn.flags&connConnected == 0 || cn.flags&connShuttingDown != 0 {
		return pqBusy
	}
	if cn.writing != nil {
		return pqBusy
	}

	if m := rem.dequeueControl(); m != nil {
		n.write(cn, m)
		return pqDispatched
	}

	if len(rem.data) > 0 {
		if !n.config.ASYNC {
			if rem.waitAck != nil {
				return pqBusy
			}
		}
		m := rem.dequeueData()
		if m.needsAck() {
			rem.waitAck = m
		}
		n.write(cn, m)
		return pqDispatched
	}

	return pqEmpty
}

// connectRemote initiates an outbound connection to rem and wires it up as
// rem's current connection once established.
func (n *Node) connectRemote(rem *remote) error {
	addr := keyToIP(rem.key)
	wantTLS := !n.config.DISABLE_ENCRYPTION
	n.mu.Unlock()
	cn, err := dialConnection(n, addr, rem.key.port, wantTLS)
	n.mu.Lock()
	if err != nil {
		n.debounceConnection(rem)
		n.abortOneQueued(rem, err)
		return err
	}
	cn.rem = rem
	cn.peerIP = addr
	cn.peerPort = rem.key.port
	rem.conn = cn
	n.startConnection(cn)
	return nil
}

// abortOneQueued resolves exactly one of rem's still-queued messages with
// err. Mirrors connection.c's shutdown fallback: when there is neither a
// message-in-flight nor a waiting-for-ack message to carry a failure back
// to its caller — which, before any connection for rem exists, is always
// the case — the oldest queued message absorbs it instead, so a send
// against an unreachable remote gets a timely callback rather than waiting
// for GC to eventually reap the remote.
func (n *Node) abortOneQueued(rem *remote, err error) {
	if m := rem.dequeueControl(); m != nil {
		m.flags |= flagFailure
		m.finish(err)
		return
	}
	if m := rem.dequeueData(); m != nil {
		m.flags |= flagFailure
		m.finish(err)
	}
}

// keyToIP renders a remoteKey's address bytes back into a net.IP.
func keyToIP(k remoteKey) net.IP {
	if k.v6 {
		ip := make(net.IP, 16)
		copy(ip, k.addr[:])
		return ip
	}
	return net.IPv4(k.addr[0], k.addr[1], k.addr[2], k.addr[3])
}

// sendHandshake writes cn's outbound handshake record: this node's public
// port followed by its identity.
func (n *Node) sendHandshake(cn *connection) error {
	var b wire.Builder
	b.Uint16(n.publicPort)
	b.Bytes(n.identity[:])
	n.mu.Unlock()
	_, err := writeAll(cn.conn, b.Take())
	n.mu.Lock()
	if err != nil {
		return wrapErr(CodeWriteError, fmt.Errorf("send handshake: %w", err))
	}
	return nil
}
