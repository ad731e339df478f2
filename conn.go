// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/chirpnet/slotpool"
	"github.com/creachadair/mds/value"
)


// connFlags are the lifecycle bits of a connection. Named after, but not a
// literal transcription of, CH_CN_* in connection.h: CONNECTED, INCOMING,
// and STOPPED have no counterpart there because libuv's socket and the
// reader's read-stop are separate objects the C code tracks elsewhere; here
// they fold naturally into one flags word alongside SHUTTING_DOWN and
// ENCRYPTED. CH_CN_TLS_HANDSHAKE has no counterpart either: libuv's
// asynchronous handshake needed a flag marking the in-progress window so a
// concurrent event could tell whether one was underway, but this port's TLS
// handshake (tls.Client/tls.Server, HandshakeContext) runs synchronously
// inside dialConnection/acceptConnection before the *connection exists or is
// visible to any other goroutine, so there is no window for another event to
// observe — tracking it would be a flag with no reader.
type connFlags uint16

const (
	connConnected    connFlags = 1 << 0 // socket established, handshake exchanged
	connIncoming     connFlags = 1 << 1 // accepted rather than dialed
	connEncrypted    connFlags = 1 << 2 // TLS overlay in use
	connShuttingDown connFlags = 1 << 3 // shutdown has been initiated
	connStopped      connFlags = 1 << 4 // reads paused, slot pool exhausted
)

// readerState is the frame state machine's current position.
type readerState int

const (
	stateHandshake readerState = iota
	stateWait
	stateSlot
	stateHeader
	stateData
)

// connection represents one TCP stream, plain or TLS, between this node and
// a remote peer. All mutation of a connection's fields happens with the
// owning Node's mu held; the connection's own goroutine only performs
// blocking I/O and hands decoded events back to the node under that lock.
//
// This collapses the original single-threaded-event-loop model (where every
// connection, remote, and slot pool is owned by one thread by construction)
// onto Go's natural idiom for the same mutual-exclusion guarantee: one
// mutex, many goroutines, each doing its own blocking I/O outside the lock
// and touching shared state only while holding it.
type connection struct {
	node *Node
	conn net.Conn // the raw or *tls.Conn socket

	rem *remote // back-pointer to the owning remote, or nil before handshake

	flags connFlags

	peerIP   net.IP
	peerPort int32
	remoteID identity

	lastUsed time.Time

	// reader state
	rstate   readerState
	pool     *slotpool.Pool[*Message]
	curSlot  *slotpool.Slot[*Message]
	wireHdr  *Message // header fields parsed, awaiting body

	// writer state
	writing  *Message
	wtimer   *time.Timer

	waiters []chan struct{} // reader goroutines parked in waitForSlot

	closeOnce sync.Once
	done      chan struct{} // closed once the reader goroutine has exited
}

// slotReleaser is the concrete value stored in Message.slot for a message
// that was delivered from a connection's receive slot pool. Its release
// method is the one the node calls from ReleaseMsgSlot; it is a thin
// adapter so message.go need not import slotpool or know about connection.
type slotReleaser struct {
	n    *Node
	cn   *connection
	slot *slotpool.Slot[*Message]
}

func (r slotReleaser) release() { r.n.releaseSlot(r.cn, r.slot) }

// notifyWaiters wakes every reader goroutine parked in waitForSlot. Must be
// called with the owning Node's mu held (it runs as a slotpool onAvailable
// hook, which fires while mu is already held by the caller that released
// the slot).
func (cn *connection) notifyWaiters() {
	for _, ch := range cn.waiters {
		close(ch)
	}
	cn.waiters = nil
}

// newConnection wraps an established net.Conn as an incoming or outgoing
// chirp connection. TLS, if any, has already been negotiated by the caller
// (dialConnection or the accept path); conn may be a *tls.Conn.
func newConnection(n *Node, c net.Conn, incoming, encrypted bool) *connection {
	cn := &connection{
		node:     n,
		conn:     c,
		lastUsed: time.Now(),
		done:     make(chan struct{}),
	}
	cn.flags |= value.Cond(incoming, connIncoming, connFlags(0))
	cn.flags |= value.Cond(encrypted, connEncrypted, connFlags(0))
	return cn
}

// touch stamps cn's last-used timestamp and its remote's, if bound.
func (cn *connection) touch(now time.Time) {
	cn.lastUsed = now
	if cn.rem != nil {
		cn.rem.touch(now)
	}
}

// isLoopback reports whether ip names the IPv4 or IPv6 loopback address,
// which per configuration is never encrypted even when TLS is otherwise
// required.
func isLoopback(ip net.IP) bool { return ip.IsLoopback() }

// dialConnection opens an outbound TCP connection to addr:port, optionally
// wrapping it in TLS, bounded by the node's configured TIMEOUT.
func dialConnection(n *Node, addr net.IP, port int32, wantTLS bool) (*connection, error) {
	d := net.Dialer{Timeout: n.config.timeout()}
	raw, err := d.Dial("tcp", net.JoinHostPort(addr.String(), strconv.Itoa(int(port))))
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, wrapErr(CodeTimeout, err)
		}
		return nil, wrapErr(CodeCannotConnect, err)
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		setSocketOptions(tc)
	}

	var c net.Conn = raw
	encrypted := wantTLS && !isLoopback(addr)
	if encrypted {
		ctx, cancel := context.WithTimeout(context.Background(), n.config.timeout())
		defer cancel()
		tc := tls.Client(raw, n.tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			raw.Close()
			n.metrics.handshakesFailed.Add(1)
			return nil, wrapErr(CodeTLSError, err)
		}
		c = tc
	}
	cn := newConnection(n, c, false, encrypted)
	n.metrics.connectionsDialed.Add(1)
	n.log("dialed %s:%d encrypted=%v", addr, port, cn.flags&connEncrypted != 0)
	return cn, nil
}

// setSocketOptions enables TCP_NODELAY and keepalive on raw, matching the
// "every established socket" requirement; errors are ignored, mirroring the
// original's treatment of these as best-effort tuning rather than fatal
// conditions.
func setSocketOptions(c *net.TCPConn) {
	_ = c.SetNoDelay(true)
	_ = c.SetKeepAlive(true)
	_ = c.SetKeepAlivePeriod(30 * time.Second)
}

// shutdown tears cn down with the given reason, idempotently. It is always
// called with the owning Node's mu held.
func (cn *connection) shutdown(n *Node, reason Code) {
	if cn.flags&connShuttingDown != 0 {
		return
	}
	cn.flags |= connShuttingDown
	n.metrics.connectionsClosed.Add(1)

	n.debounceConnection(cn.rem)
	delete(n.handshaking, cn)
	// cn may or may not be rem's old, superseded connection (bindRemoteConnection
	// is what puts a connection into oldConns, for the network-race case); this
	// shutdown applies to every reason a connection can end, superseded or not,
	// so it must remove cn from oldConns rather than add it.
	delete(n.oldConns, cn)

	if cn.rem != nil && cn.rem.conn == cn {
		cn.rem.conn = nil
	}

	err := wrapErr(reason, nil)
	hadWriting := cn.writing != nil
	hadWaitAck := cn.rem != nil && cn.rem.waitAck != nil
	if hadWriting {
		cn.writing.flags |= flagFailure
		cn.writing.finish(err)
		cn.writing = nil
	}
	if hadWaitAck {
		cn.rem.waitAck.flags |= flagFailure
		cn.rem.waitAck.finish(err)
		cn.rem.waitAck = nil
	}
	// finish (above) cancels a message already on this connection; abort
	// cancels one that was never queued onto a connection in the first
	// place. If neither the in-flight write nor a waiting-for-ack message
	// absorbed this shutdown's reason, fall back to aborting one message
	// still queued on the remote, so a remote stuck with no connection
	// doesn't wait for GC to reap it before its caller hears back.
	if !hadWriting && !hadWaitAck && cn.rem != nil {
		n.abortOneQueued(cn.rem, err)
	}
	if cn.pool != nil {
		cn.pool.Close()
	}
	cn.stopTimer()

	cn.closeOnce.Do(func() { cn.conn.Close() })

	if cn.rem != nil {
		n.processQueues(cn.rem)
	}
}

// stopTimer cancels cn's pending write-timeout timer, if any.
func (cn *connection) stopTimer() {
	if cn.wtimer != nil {
		cn.wtimer.Stop()
		cn.wtimer = nil
	}
}

// stopReads marks cn as backpressured: the reader goroutine must suspend
// further SLOT acquisition until onAvailable fires.
func (cn *connection) stopReads() { cn.flags |= connStopped }

// resumeReads clears the backpressure flag set by stopReads.
func (cn *connection) resumeReads() { cn.flags &^= connStopped }
