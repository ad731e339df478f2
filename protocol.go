// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// debounceMin and debounceMax bound the one-shot reconnect-debounce timer
// that drains the protocol's reconnect stack after a connection failure.
const (
	debounceMin = 50 * time.Millisecond
	debounceMax = 550 * time.Millisecond
)

// listen binds and starts both listening sockets, per section 4.5's Start
// algorithm. It must be called before startConnection ever runs.
func (n *Node) listen() error {
	v4addr := &net.TCPAddr{IP: n.config.bindV4(), Port: int(n.config.PORT)}
	l4, err := net.ListenTCP("tcp4", v4addr)
	if err != nil {
		return wrapErr(CodeEAddrInUse, fmt.Errorf("listen v4: %w", err))
	}
	n.listenV4 = l4

	v6addr := &net.TCPAddr{IP: n.config.bindV6(), Port: int(n.config.PORT)}
	l6, err := net.ListenTCP("tcp6", v6addr)
	if err != nil {
		l4.Close()
		return wrapErr(CodeEAddrInUse, fmt.Errorf("listen v6: %w", err))
	}
	n.listenV6 = l6

	n.tasks.Go(func() error { n.acceptLoop(l4); return nil })
	n.tasks.Go(func() error { n.acceptLoop(l6); return nil })

	n.scheduleGC(fuzzedInterval(n.config.reuseTime()/2, n.config.reuseTime()))
	return nil
}

// acceptLoop accepts inbound connections on l until it is closed.
func (n *Node) acceptLoop(l net.Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			return // listener closed during node shutdown
		}
		n.acceptConnection(c)
	}
}

// acceptConnection places an accepted socket into the handshake set and
// starts its handshake/read path, enabling TLS unless disabled or the peer
// is loopback.
func (n *Node) acceptConnection(c net.Conn) {
	raw, _ := c.(*net.TCPConn)
	if raw != nil {
		setSocketOptions(raw)
	}
	host, portStr, _ := net.SplitHostPort(c.RemoteAddr().String())
	peerIP := net.ParseIP(host)
	var port int64
	fmt.Sscanf(portStr, "%d", &port)

	wantTLS := !n.config.DISABLE_ENCRYPTION && !isLoopback(peerIP)

	var conn net.Conn = c
	if wantTLS {
		tc := tls.Server(c, n.tlsConfig)
		if err := tc.Handshake(); err != nil {
			c.Close()
			n.withLock(func() { n.metrics.handshakesFailed.Add(1) })
			return
		}
		conn = tc
	}

	cn := newConnection(n, conn, true, wantTLS)
	cn.peerIP = peerIP
	cn.peerPort = int32(port)

	n.withLock(func() {
		n.metrics.connectionsAccepted.Add(1)
		n.log("accepted %s:%d encrypted=%v", peerIP, port, cn.flags&connEncrypted != 0)
		n.handshaking[cn] = struct{}{}
	})
	n.startReader(cn)
	n.withLock(func() {
		n.sendHandshake(cn)
	})
}

// startConnection finishes bringing up an outbound connection after dial:
// send our handshake, then start the reader, which will consume the peer's
// handshake and bind the remote.
func (n *Node) startConnection(cn *connection) {
	n.sendHandshake(cn)
	n.mu.Unlock()
	n.startReader(cn)
	n.mu.Lock()
}

// debounceConnection marks rem CONN_BLOCKED and pushes it onto the
// reconnect-debounce stack, arming the one-shot timer if it is not already
// running. Must be called with n.mu held. rem may be nil (a connection shut
// down before its handshake bound it to a remote), in which case only the
// timer is armed, if it is not already running.
func (n *Node) debounceConnection(rem *remote) {
	n.metrics.reconnectDebounces.Add(1)
	if rem != nil {
		rem.flags |= rmConnBlocked
		n.debounceStack = append(n.debounceStack, rem)
	}
	if n.debounceTimer != nil {
		return
	}
	d := fuzzedInterval(debounceMin, debounceMax)
	n.debounceTimer = time.AfterFunc(d, func() {
		n.withLock(n.drainDebounce)
	})
}

// drainDebounce clears CONN_BLOCKED from every remote on the debounce
// stack and re-dispatches them. Must be called with n.mu held.
func (n *Node) drainDebounce() {
	n.debounceTimer = nil
	stack := n.debounceStack
	n.debounceStack = nil
	for _, rem := range stack {
		rem.flags &^= rmConnBlocked
		n.processQueues(rem)
	}
}

// fuzzedInterval returns a random duration in [lo, hi).
func fuzzedInterval(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}
