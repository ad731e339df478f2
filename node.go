// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creachadair/chirpnet/slotpool"
	"github.com/creachadair/taskgroup"
)

// protocolVersion identifies the wire handshake and framing this package
// implements, reported by Node.Version.
const protocolVersion = "chirp/1"

// A LogFunc receives diagnostic messages from a Node. It may be called from
// any goroutine; implementations must not block or call back into the Node
// that invoked them.
type LogFunc func(msg string)

// A RecvFunc is invoked once per inbound message delivered to a Node. If
// the message was delivered from a connection's slot pool (Message.HasSlot
// reports true), the callback is responsible for eventually calling
// Node.ReleaseMsgSlot; if not released, the pool's slot capacity leaks.
type RecvFunc func(*Message)

// A Node is a single Chirp protocol endpoint: it listens for and dials
// connections, maintains the tree of remotes reachable through them, and
// exposes Send/ReleaseMsgSlot as its concurrency-safe public surface.
//
// A Node must be constructed with NewNode and started with Run before Send
// or ReleaseMsgSlot may be called; after Close returns, a Node may not be
// reused.
type Node struct {
	mu sync.Mutex

	config     Config
	identity   identity
	publicPort uint16
	tlsConfig  *tls.Config

	remotes     map[remoteKey]*remote
	oldConns    map[*connection]struct{}
	handshaking map[*connection]struct{}

	debounceStack []*remote
	debounceTimer *time.Timer
	gcTimer       *time.Timer

	listenV4 *net.TCPListener
	listenV6 *net.TCPListener

	onRecv   RecvFunc
	logFunc  LogFunc
	autoStop bool

	closing bool
	closed  chan struct{}

	metrics *nodeMetrics

	tasks *taskgroup.Group
}

// NewNode constructs a Node from config, filling in documented defaults and
// validating the result. The node does not listen or dial until Run is
// called.
func NewNode(config Config) (*Node, error) {
	ensureProcessInit()

	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := &Node{
		config:      cfg,
		remotes:     make(map[remoteKey]*remote),
		oldConns:    make(map[*connection]struct{}),
		handshaking: make(map[*connection]struct{}),
		closed:      make(chan struct{}),
		metrics:     newNodeMetrics(),
		tasks:       taskgroup.New(nil),
	}
	n.publicPort = cfg.PORT

	if isZeroIdentity(cfg.IDENTITY) {
		randIdentity(&n.identity)
	} else {
		n.identity = cfg.IDENTITY
	}

	if !cfg.DISABLE_ENCRYPTION {
		tc, err := loadTLSConfig(cfg)
		if err != nil {
			return nil, wrapErr(CodeInitFail, err)
		}
		n.tlsConfig = tc
	}

	return n, nil
}

// loadTLSConfig builds a *tls.Config from the PEM paths named in cfg. The
// same certificate chain is used for both server and client roles, matching
// the original library's single CERT_CHAIN_PEM/DH_PARAMS_PEM configuration
// shared between accepted and dialed connections.
//
// Grounded on encryption.c's ch_en_init: CERT_CHAIN_PEM doubles as both this
// node's own certificate chain (SSL_CTX_use_certificate_chain_file) and the
// trust anchor peers are verified against (SSL_CTX_load_verify_locations on
// the same path), with SSL_VERIFY_PEER | SSL_VERIFY_FAIL_IF_NO_PEER_CERT
// requiring mutual authentication but, notably, no SSL_set1_host-style
// hostname check — chirp addresses peers by IP and handshake identity, not
// DNS name. This mirrors both halves: ClientAuth/ClientCAs make an accepted
// connection require and chain-verify the client's certificate (Go performs
// this independently of InsecureSkipVerify), and verifyPeerChain replaces
// the dial side's default hostname-bound server-certificate check — which
// crypto/tls otherwise mandates via a ServerName this protocol has no
// equivalent of — with the same chain-only verification against the pool.
func loadTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CERT_CHAIN_PEM, cfg.CERT_CHAIN_PEM)
	if err != nil {
		return nil, fmt.Errorf("load cert chain: %w", err)
	}
	pemBytes, err := os.ReadFile(cfg.CERT_CHAIN_PEM)
	if err != nil {
		return nil, fmt.Errorf("load cert chain: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("load cert chain: no certificates found in %s", cfg.CERT_CHAIN_PEM)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,

		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerChain(pool),
		MinVersion:            tls.VersionTLS12,
	}, nil
}

// verifyPeerChain builds a tls.Config.VerifyPeerCertificate callback that
// checks the peer's leaf certificate chains to a root in pool, without
// checking it against any expected hostname.
func verifyPeerChain(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("tls: peer presented no certificate")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("tls: parse peer certificate: %w", err)
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if c, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(c)
			}
		}
		_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates})
		return err
	}
}

// Run starts the node's listening sockets and GC timer, and blocks until
// the node is closed. It is the Go analogue of entering the original
// library's event loop; unlike that loop, Run does not itself execute
// connection or remote logic, which instead runs on per-connection reader
// goroutines serialized by n.mu.
func (n *Node) Run() error {
	n.mu.Lock()
	err := n.listen()
	n.mu.Unlock()
	if err != nil {
		return err
	}
	if !n.config.DISABLE_SIGNALS {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		go func() {
			defer signal.Stop(sigc)
			select {
			case <-sigc:
				n.Close()
			case <-n.closed:
			}
		}()
	}
	n.tasks.Wait()
	return nil
}

// withLock runs fn with n.mu held. It is the seam every asynchronous
// callback (timers, reader goroutines) uses to re-enter the node's
// single-writer state.
func (n *Node) withLock(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn()
}

// now returns the current time, factored out so tests can substitute a
// fake clock by embedding a Node in a wider harness if ever needed.
func (n *Node) now() time.Time { return time.Now() }

// log emits msg through the configured log callback, if any.
func (n *Node) log(format string, args ...any) {
	if n.logFunc != nil {
		n.logFunc(fmt.Sprintf(format, args...))
	}
}

// SetRecvCallback installs the function invoked for every inbound message.
// It must be called before Run, or while holding no other expectations
// about in-flight deliveries racing the change.
func (n *Node) SetRecvCallback(f RecvFunc) { n.withLock(func() { n.onRecv = f }) }

// SetLogCallback installs the function invoked for diagnostic messages.
func (n *Node) SetLogCallback(f LogFunc) { n.withLock(func() { n.logFunc = f }) }

// SetAutoStopLoop records the node's auto-stop setting. Off by default. The
// node does not consult the setting: its background tasks run until Close is
// called, whatever its value.
func (n *Node) SetAutoStopLoop(v bool) { n.withLock(func() { n.autoStop = v }) }

// SetPublicPort overrides the port this node advertises in its outbound
// handshake, for deployments behind a NAT or load balancer where the
// locally bound port differs from the externally reachable one.
func (n *Node) SetPublicPort(port uint16) { n.withLock(func() { n.publicPort = port }) }

// GetIdentity reports this node's 16-byte identity.
func (n *Node) GetIdentity() [16]byte { return n.identity }

// GetLoop returns the node's background task group, for callers that need
// to coordinate shutdown with other goroutines embedding this node rather
// than calling Run directly. This is this package's analogue of exposing
// the underlying event loop handle for advanced embedding.
func (n *Node) GetLoop() *taskgroup.Group { return n.tasks }

// Version reports the wire protocol version this Node implements.
func (n *Node) Version() string { return protocolVersion }

// Metrics returns the node's expvar metrics map. The caller may publish it
// under expvar.Publish, or add further counters to it.
func (n *Node) Metrics() any { return n.metrics.emap }

// Send enqueues msg for delivery to the peer named by msg's address fields
// and invokes cb exactly once with the outcome. Send is safe to call from
// any goroutine.
//
// Sending a message that is already in flight (USED) reports CodeUsed.
// Sending after Close has been called reports CodeShutdown.
func (n *Node) Send(msg *Message, cb func(error)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.send(msg, cb)
}

// SendTS is equivalent to Send. It is provided for readers of the original
// API who expect a distinct thread-safe entry point; in this port every
// public method is already safe for concurrent use, since Send always
// acquires n.mu rather than assuming it is already running on a dedicated
// loop goroutine.
func (n *Node) SendTS(msg *Message, cb func(error)) error { return n.Send(msg, cb) }

// send is Send's implementation. Must be called with n.mu held.
func (n *Node) send(msg *Message, cb func(error)) error {
	if n.closing {
		return n.fail(cb, newErr(CodeShutdown))
	}
	if msg.isUsed() {
		return n.fail(cb, newErr(CodeUsed))
	}
	msg.flags |= flagUsed
	msg.callback = cb
	if !n.config.ASYNC {
		msg.typ |= msgReqAck
	}

	rem := n.findOrInsertRemote(remoteKeyFromMessage(msg))

	if n.now().Sub(rem.lastUsed) > n.config.probeInterval() {
		if probe, ok := rem.ensureProbeTemplate(); ok {
			rem.enqueueControl(probe)
		}
	}

	var queued bool
	if msg.isAck() || msg.isNoop() {
		queued = rem.enqueueControl(msg)
	} else {
		queued = rem.enqueueData(msg)
	}

	n.processQueues(rem)

	if queued {
		return newErr(CodeQueued)
	}
	return nil
}

// fail synchronously invokes cb with err and returns err, used by send's
// early-rejection paths.
func (n *Node) fail(cb func(error), err error) error {
	if cb != nil {
		cb(err)
	}
	return err
}

// ReleaseMsgSlot releases msg's slot back to its connection's pool, if msg
// was delivered from one (Message.HasSlot). Releasing a message with no
// slot is a no-op. ReleaseMsgSlot is safe to call from any goroutine.
func (n *Node) ReleaseMsgSlot(msg *Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.releaseMessage(msg)
}

// ReleaseMsgSlotTS is equivalent to ReleaseMsgSlot; see SendTS for why both
// names exist.
func (n *Node) ReleaseMsgSlotTS(msg *Message) { n.ReleaseMsgSlot(msg) }

// releaseMessage is ReleaseMsgSlot's implementation. Must be called with
// n.mu held.
func (n *Node) releaseMessage(msg *Message) {
	if !msg.HasSlot() {
		return
	}
	msg.flags &^= flagHasSlot
	sendAck := msg.flags&flagSendAck != 0
	r := msg.slot
	msg.slot = nil
	r.release()

	if sendAck {
		n.sendAck(msg)
	}
}

// releaseSlot returns slot to cn's pool. Must be called with n.mu held (it
// is invoked only from slotReleaser.release, itself only reachable while
// holding the lock through releaseMessage).
func (n *Node) releaseSlot(cn *connection, slot *slotpool.Slot[*Message]) {
	cn.pool.Release(slot.ID)
}

// sendAck builds and enqueues an ACK record answering msg, addressed back
// to the connection that delivered it.
func (n *Node) sendAck(msg *Message) {
	if msg.remoteID == (identity{}) {
		return
	}
	ack := &Message{typ: msgAck, id: msg.id, addr: msg.addr, port: msg.port}
	key := remoteKeyFromMessage(ack)
	rem, ok := n.remotes[key]
	if !ok {
		return
	}
	ack.flags |= flagUsed
	rem.enqueueControl(ack)
	n.processQueues(rem)
}

// Close shuts the node down: it stops listening, tears down every
// connection and remote (reporting CodeShutdown to any pending callback),
// and blocks until all background goroutines have exited.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return newErr(CodeInProgress)
	}
	n.closing = true
	if n.listenV4 != nil {
		n.listenV4.Close()
	}
	if n.listenV6 != nil {
		n.listenV6.Close()
	}
	if n.gcTimer != nil {
		n.gcTimer.Stop()
	}
	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.closeFreeRemotes(false)
	for cn := range n.handshaking {
		cn.shutdown(n, CodeShutdown)
	}
	for cn := range n.oldConns {
		cn.shutdown(n, CodeShutdown)
	}
	n.mu.Unlock()

	n.tasks.Wait()
	close(n.closed)
	return nil
}

// CloseTS is equivalent to Close; see SendTS for why both names exist.
func (n *Node) CloseTS() error { return n.Close() }

// Done returns a channel that is closed once Close has finished tearing the
// node down.
func (n *Node) Done() <-chan struct{} { return n.closed }
