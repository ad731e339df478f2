// Package chirptest provides support code for testing chirp nodes.
//
// Unlike the peers package it replaces, this package cannot wire two nodes
// together with an in-memory channel, because a Node's core abstraction is
// a TCP byte stream (handshake, framed headers, optional TLS) rather than
// an exchange of already-framed packets. Instead, Pair starts two real
// Nodes bound to the IPv4 loopback address on ephemeral ports and lets the
// kernel do the wiring.
package chirptest

import (
	"fmt"
	"net"
	"time"

	chirpnet "github.com/creachadair/chirpnet"
)

// Pair is two connected chirp nodes, suitable for testing.
type Pair struct {
	A, B *chirpnet.Node

	AAddr, BAddr net.IP
	APort, BPort int32
}

// NewPair starts two unencrypted nodes on loopback, with the given
// per-node configuration override applied to both (PORT, BIND_V4,
// DISABLE_ENCRYPTION are always overridden by NewPair itself).
func NewPair(base chirpnet.Config) (*Pair, error) {
	a, aport, err := newLoopbackNode(base)
	if err != nil {
		return nil, err
	}
	b, bport, err := newLoopbackNode(base)
	if err != nil {
		a.Close()
		return nil, err
	}
	go a.Run()
	go b.Run()
	for _, port := range []int32{aport, bport} {
		addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
		for tries := 0; ; tries++ {
			c, err := net.Dial("tcp4", addr)
			if err == nil {
				c.Close()
				break
			} else if tries == 200 {
				a.Close()
				b.Close()
				return nil, fmt.Errorf("node on port %d is not listening: %w", port, err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return &Pair{
		A: a, B: b,
		AAddr: net.IPv4(127, 0, 0, 1), BAddr: net.IPv4(127, 0, 0, 1),
		APort: aport, BPort: bport,
	}, nil
}

// newLoopbackNode probes an ephemeral port, then constructs a node
// configured to bind it, unencrypted, on loopback.
func newLoopbackNode(base chirpnet.Config) (*chirpnet.Node, int32, error) {
	port, err := freePort()
	if err != nil {
		return nil, 0, err
	}
	cfg := base
	cfg.PORT = uint16(port)
	cfg.BIND_V4 = [4]byte{127, 0, 0, 1}
	cfg.DISABLE_ENCRYPTION = true
	n, err := chirpnet.NewNode(cfg)
	if err != nil {
		return nil, 0, err
	}
	return n, int32(port), nil
}

// freePort asks the kernel for an unused TCP port on loopback.
func freePort() (int, error) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("probe free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Stop closes both nodes and blocks until each has finished shutting down.
func (p *Pair) Stop() error {
	aerr := p.A.Close()
	berr := p.B.Close()
	<-p.A.Done()
	<-p.B.Done()
	if aerr != nil {
		return aerr
	}
	return berr
}

// SendAB sends header/data from node A to node B and returns once the send
// callback has fired, reporting its error (if any).
func (p *Pair) SendAB(header, data []byte) error {
	return p.send(p.A, p.BAddr, p.BPort, header, data)
}

// SendBA sends header/data from node B to node A and returns once the send
// callback has fired, reporting its error (if any).
func (p *Pair) SendBA(header, data []byte) error {
	return p.send(p.B, p.AAddr, p.APort, header, data)
}

func (p *Pair) send(from *chirpnet.Node, toAddr net.IP, toPort int32, header, data []byte) error {
	msg := chirpnet.NewMessage(header, data)
	msg.SetAddress(toAddr, toPort)
	done := make(chan error, 1)
	from.Send(msg, func(err error) { done <- err })
	return <-done
}
