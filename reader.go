// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/creachadair/chirpnet/slotpool"
	"github.com/creachadair/chirpnet/wire"
)

// handshakeRecordSize is the size of the application-level handshake
// payload: a 2-byte public port followed by a 16-byte node identity.
const handshakeRecordSize = 2 + identitySize

// startReader launches cn's dedicated read goroutine. The goroutine performs
// blocking I/O outside the node's lock and re-enters the node (taking the
// lock) only to act on what it decoded, matching the single-writer-per-
// shared-state discipline the rest of the package relies on.
func (n *Node) startReader(cn *connection) {
	n.tasks.Go(func() error {
		defer close(cn.done)
		br := bufio.NewReaderSize(cn.conn, int(n.config.BUFFER_SIZE))
		if err := n.readLoop(cn, br); err != nil {
			n.withLock(func() { cn.shutdown(n, classifyReadError(err)) })
		}
		return nil
	})
}

// classifyReadError maps a read-side I/O failure onto the error taxonomy.
func classifyReadError(err error) Code {
	if ae, ok := err.(*Error); ok {
		return ae.Code
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return CodeShutdown
	}
	return CodeUVError
}

// readLoop drives the frame state machine for cn until a fatal error,
// shutdown, or clean close. Each state reads exactly the bytes it needs
// with a blocking call; the blocking read is this port's replacement for
// the original's non-blocking partial-buffer resume bookkeeping, since each
// connection already owns a dedicated goroutine to block on.
func (n *Node) readLoop(cn *connection, br *bufio.Reader) error {
	if err := n.readHandshake(cn, br); err != nil {
		return err
	}
	for {
		if n.isShuttingDown(cn) {
			return io.EOF
		}
		if err := n.readFrame(cn, br); err != nil {
			return err
		}
	}
}

func (n *Node) isShuttingDown(cn *connection) bool {
	var down bool
	n.withLock(func() { down = cn.flags&connShuttingDown != 0 })
	return down
}

// readHandshake consumes the fixed-size handshake record, binds cn to its
// remote, and resolves any network race per section 4.5.
func (n *Node) readHandshake(cn *connection, br *bufio.Reader) error {
	var buf [handshakeRecordSize]byte
	if _, err := io.ReadFull(br, buf[:]); err != nil {
		return wrapErr(CodeProtocolError, fmt.Errorf("handshake: %w", err))
	}
	s := wire.NewScanner(buf[:])
	port, err := s.Uint16()
	if err != nil {
		return wrapErr(CodeProtocolError, err)
	}
	idBytes, err := s.Bytes(identitySize)
	if err != nil {
		return wrapErr(CodeProtocolError, err)
	}
	var peerID identity
	copy(peerID[:], idBytes)

	n.withLock(func() {
		cn.remoteID = peerID
		if cn.flags&connIncoming != 0 {
			delete(n.handshaking, cn)
		}
		// The handshake-announced port is the peer's listening port, not the
		// ephemeral dial-socket port acceptConnection read off the raw TCP
		// RemoteAddr. Overwrite cn.peerPort here so every message this
		// connection ever stamps (deliverMessage, peerAddrString) and every
		// remoteKey derived from it agree with the dial side's canonical key,
		// the same way the original reader overwrites conn->port from the
		// handshake record before using it.
		cn.peerPort = int32(port)

		key := remoteKey{port: int32(port)}
		ip4 := cn.peerIP.To4()
		key.v6 = ip4 == nil
		if key.v6 {
			copy(key.addr[:], cn.peerIP.To16())
		} else {
			copy(key.addr[:4], ip4)
		}
		rem := n.findOrInsertRemote(key)
		n.bindRemoteConnection(rem, cn)
		cn.rem = rem
		cn.flags |= connConnected
		cn.touch(n.now())
		n.processQueues(rem)
	})
	return nil
}

// findOrInsertRemote returns the remote keyed by key, creating it if
// necessary. Must be called with n.mu held.
func (n *Node) findOrInsertRemote(key remoteKey) *remote {
	if r, ok := n.remotes[key]; ok {
		return r
	}
	r := newRemote(key, n.now())
	n.remotes[key] = r
	n.metrics.remotesCreated.Add(1)
	return r
}

// bindRemoteConnection makes cn the current connection for rem, moving any
// previously-current connection to the old-connections set for GC. This
// implements the network-race resolution policy: whichever handshake
// completes later wins.
func (n *Node) bindRemoteConnection(rem *remote, cn *connection) {
	if rem.conn != nil && rem.conn != cn {
		prev := rem.conn
		prev.rem = nil
		n.oldConns[prev] = struct{}{}
	}
	rem.conn = cn
}

// readFrame consumes one WAIT-state wire header and, depending on its
// type, either handles it in place (ACK, NOOP) or walks SLOT/HEADER/DATA to
// deliver a full message.
func (n *Node) readFrame(cn *connection, br *bufio.Reader) error {
	var hdrBuf [wireHeaderSize]byte
	if _, err := io.ReadFull(br, hdrBuf[:]); err != nil {
		return wrapErr(CodeProtocolError, fmt.Errorf("wire header: %w", err))
	}
	msg := &Message{}
	s := wire.NewScanner(hdrBuf[:])
	headerLen, dataLen, err := decodeHeader(s, msg)
	if err != nil {
		return wrapErr(CodeProtocolError, err)
	}

	total := uint64(headerLen) + uint64(dataLen)
	if total > uint64(n.config.MAX_MSG_SIZE) {
		return wrapErr(CodeProtocolError, fmt.Errorf("message size %d exceeds MAX_MSG_SIZE %d", total, n.config.MAX_MSG_SIZE))
	}
	if (msg.isAck() || msg.isNoop()) && total != 0 {
		return wrapErr(CodeProtocolError, fmt.Errorf("ack/noop must not carry a payload"))
	}
	if (msg.isAck() || msg.isNoop()) && msg.needsAck() {
		return wrapErr(CodeProtocolError, fmt.Errorf("ack/noop must not set REQ_ACK"))
	}

	switch {
	case msg.isNoop():
		n.withLock(func() {
			now := n.now()
			cn.touch(now)
		})
		return nil
	case msg.isAck():
		return n.handleAck(cn, msg)
	default:
		return n.deliverMessage(cn, br, msg, int(headerLen), int(dataLen))
	}
}

// handleAck resolves an inbound ACK against the remote's waiting-for-ack
// message, if the identities match.
func (n *Node) handleAck(cn *connection, ack *Message) error {
	n.withLock(func() {
		now := n.now()
		cn.touch(now)
		n.metrics.acksReceived.Add(1)
		if cn.rem == nil || cn.rem.waitAck == nil || cn.rem.waitAck.id != ack.id {
			return
		}
		m := cn.rem.waitAck
		cn.rem.waitAck = nil
		m.flags |= flagAckReceived
		n.finishMessage(cn, m, nil)
	})
	return nil
}

// deliverMessage runs the SLOT/HEADER/DATA portion of the state machine for
// one inbound data message, blocking for backpressure if the connection's
// slot pool is exhausted.
func (n *Node) deliverMessage(cn *connection, br *bufio.Reader, msg *Message, headerLen, dataLen int) error {
	var slot *slotpool.Slot[*Message]
	for {
		var ok bool
		var exhausted bool
		n.withLock(func() {
			if cn.pool == nil {
				cn.pool = n.newSlotPool(cn)
			}
			slot, ok = cn.pool.Acquire()
			exhausted = !ok
			if exhausted {
				cn.stopReads()
			}
		})
		if ok {
			break
		}
		if exhausted {
			if err := n.waitForSlot(cn); err != nil {
				return err
			}
			continue
		}
	}

	if headerLen > 0 {
		if headerLen <= slotpool.HeaderScratch {
			msg.header = slot.HeaderScratchBuf()[:headerLen]
		} else {
			msg.header = make([]byte, headerLen)
			msg.flags |= flagFreeHeader
		}
		if _, err := io.ReadFull(br, msg.header); err != nil {
			return wrapErr(CodeProtocolError, fmt.Errorf("header body: %w", err))
		}
	}
	if dataLen > 0 {
		if dataLen <= slotpool.DataScratch {
			msg.data = slot.DataScratchBuf()[:dataLen]
		} else {
			msg.data = make([]byte, dataLen)
			msg.flags |= flagFreeData
		}
		if _, err := io.ReadFull(br, msg.data); err != nil {
			return wrapErr(CodeProtocolError, fmt.Errorf("data body: %w", err))
		}
	}

	n.withLock(func() {
		msg.flags |= flagHasSlot
		msg.remoteID = cn.remoteID
		msg.addr = cn.peerIP
		msg.port = cn.peerPort
		if msg.needsAck() {
			msg.flags |= flagSendAck
		}
		slot.Value = msg
		msg.slot = slotReleaser{n: n, cn: cn, slot: slot}
		n.metrics.messagesReceived.Add(1)

		now := n.now()
		cn.touch(now)

		n.deliver(cn, msg)
	})
	return nil
}

// waitForSlot blocks the connection's reader goroutine until a slot becomes
// available again, without holding the node lock while waiting.
func (n *Node) waitForSlot(cn *connection) error {
	ch := make(chan struct{})
	n.withLock(func() {
		cn.waiters = append(cn.waiters, ch)
	})
	select {
	case <-ch:
		return nil
	case <-cn.done:
		return io.EOF
	}
}

// newSlotPool constructs cn's per-connection slot pool, wiring its
// exhausted and available hooks to the connection's read-stream
// backpressure state, the waiter-notification mechanism used by
// waitForSlot, and the node's metrics.
func (n *Node) newSlotPool(cn *connection) *slotpool.Pool[*Message] {
	p, err := slotpool.New[*Message](int(n.config.MAX_SLOTS), func() {
		n.metrics.slotsExhausted.Add(1)
	}, func() {
		n.metrics.slotsAvailable.Add(1)
		cn.resumeReads()
		cn.notifyWaiters()
	})
	if err != nil {
		panic(err) // MAX_SLOTS is validated by Config.validate before this runs
	}
	return p
}

// deliver invokes the node's receive callback for msg, or auto-releases the
// slot if no callback is set. Must be called with n.mu held.
func (n *Node) deliver(cn *connection, msg *Message) {
	if n.onRecv == nil {
		n.releaseMessage(msg)
		return
	}
	cb := n.onRecv
	n.mu.Unlock()
	func() {
		defer n.mu.Lock()
		cb(msg)
	}()
}

// peerAddrString renders a connection's peer address for logging.
func peerAddrString(cn *connection) string {
	if cn.peerIP == nil {
		return "<unknown>"
	}
	return net.JoinHostPort(cn.peerIP.String(), fmt.Sprint(cn.peerPort))
}
