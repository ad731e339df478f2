// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp_test

import (
	"expvar"
	"sync"
	"testing"
	"time"

	chirpnet "github.com/creachadair/chirpnet"
	"github.com/creachadair/chirpnet/chirptest"
	"github.com/fortytw2/leaktest"
)

// TestLoopbackRoundTrip sends A -> B, then has B reply in place (the
// Message.Reply pattern) and checks that A's recv callback fires next with
// the echoed data and B's identity, exercising the full accept-side
// deliver/reply path rather than just the initial delivery to B.
func TestLoopbackRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	p, err := chirptest.NewPair(chirpnet.Config{
		ASYNC:     true,
		MAX_SLOTS: 8,
	})
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	echoDone := make(chan error, 1)

	p.B.SetRecvCallback(func(m *chirpnet.Message) {
		defer p.B.ReleaseMsgSlotTS(m)
		if string(m.Data()) != "hello" {
			t.Errorf("B received data: got %q, want %q", m.Data(), "hello")
		}
		reply := m.Reply([]byte("hello-back"))
		p.B.SendTS(reply, func(err error) { echoDone <- err })
		wg.Done()
	})
	p.A.SetRecvCallback(func(m *chirpnet.Message) {
		defer p.A.ReleaseMsgSlotTS(m)
		if got, want := m.RemoteIdentity(), p.B.GetIdentity(); got != want {
			t.Errorf("echoed message remote identity: got %x, want %x", got, want)
		}
		if string(m.Data()) != "hello-back" {
			t.Errorf("A received echoed data: got %q, want %q", m.Data(), "hello-back")
		}
		wg.Done()
	})

	if err := p.SendAB(nil, []byte("hello")); err != nil {
		t.Fatalf("SendAB: unexpected error: %v", err)
	}

	waitOrTimeout(t, &wg, 2*time.Second)

	select {
	case err := <-echoDone:
		if err != nil {
			t.Errorf("B's echo send: unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("timed out waiting for B's echo send callback")
	}
}

// TestSynchronousAckRoundTrip covers the default (ASYNC unset, hence
// synchronous) delivery mode: A's send callback must not fire until B has
// actually released the message and the resulting ACK has made its way
// back to A. This is the scenario that exercises Node.sendAck's remoteKey
// lookup on the accept side of a connection, which only works if the
// accepted connection's peerPort was corrected to the handshake-announced
// listening port rather than left at the ephemeral dial-socket port.
func TestSynchronousAckRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	p, err := chirptest.NewPair(chirpnet.Config{})
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer p.Stop()

	const releaseDelay = 150 * time.Millisecond
	p.B.SetRecvCallback(func(m *chirpnet.Message) {
		if string(m.Data()) != "ping" {
			t.Errorf("B received data: got %q, want %q", m.Data(), "ping")
		}
		time.AfterFunc(releaseDelay, func() { p.B.ReleaseMsgSlotTS(m) })
	})

	start := time.Now()
	errc := make(chan error, 1)
	go func() { errc <- p.SendAB(nil, []byte("ping")) }()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("SendAB: unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the ack; sendAck likely failed to resolve the accepting remote")
	}

	if elapsed := time.Since(start); elapsed < releaseDelay {
		t.Errorf("A's send callback fired after %v, before B's %v release delay; the ack was not actually synchronous with the release", elapsed, releaseDelay)
	}
}

// TestSlotBackpressure covers MAX_SLOTS=1 backpressure on the receive
// side: a second inbound message must stall behind an unreleased first
// message occupying the connection's only slot, incrementing
// slots_exhausted, and only complete once the first message is released.
func TestSlotBackpressure(t *testing.T) {
	defer leaktest.Check(t)()

	p, err := chirptest.NewPair(chirpnet.Config{ASYNC: true, MAX_SLOTS: 1})
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer p.Stop()

	var mu sync.Mutex
	var held *chirpnet.Message
	var second sync.WaitGroup
	second.Add(1)

	var n int
	p.B.SetRecvCallback(func(m *chirpnet.Message) {
		mu.Lock()
		n++
		first := n == 1
		mu.Unlock()
		if first {
			mu.Lock()
			held = m
			mu.Unlock()
			return
		}
		defer p.B.ReleaseMsgSlotTS(m)
		second.Done()
	})

	if err := p.SendAB(nil, []byte("first")); err != nil {
		t.Fatalf("SendAB first: %v", err)
	}
	if err := p.SendAB(nil, []byte("second")); err != nil {
		t.Fatalf("SendAB second: %v", err)
	}

	// Give B's reader a chance to attempt delivery of the second message and
	// observe the exhausted slot pool before we check for it.
	time.Sleep(100 * time.Millisecond)

	if exhausted := metricValue(p.B, "slots_exhausted"); exhausted == 0 {
		t.Errorf("slots_exhausted: got 0, want > 0 while the single slot is held")
	}

	select {
	case <-waitGroupDone(&second):
		t.Fatal("second message delivered before the held slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	toRelease := held
	mu.Unlock()
	if toRelease == nil {
		t.Fatal("first message was never delivered to B")
	}
	p.B.ReleaseMsgSlotTS(toRelease)

	waitOrTimeout(t, &second, 2*time.Second)
}

// TestConcurrentBidirectionalSend has A and B each initiate a send to the
// other at (as close to) the same instant, which, before either remote has
// a current connection, drives both nodes to dial each other concurrently.
// This exercises the section 4.5 network-race resolution
// (bindRemoteConnection moving a superseded connection into oldConns, and
// that connection's eventual shutdown removing itself again rather than
// re-adding itself): regardless of which handshake happens to finish
// first, both messages must still be delivered without error.
func TestConcurrentBidirectionalSend(t *testing.T) {
	defer leaktest.Check(t)()

	p, err := chirptest.NewPair(chirpnet.Config{ASYNC: true, MAX_SLOTS: 8})
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer p.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	p.A.SetRecvCallback(func(m *chirpnet.Message) {
		defer p.A.ReleaseMsgSlotTS(m)
		if string(m.Data()) != "from-b" {
			t.Errorf("A received data: got %q, want %q", m.Data(), "from-b")
		}
		wg.Done()
	})
	p.B.SetRecvCallback(func(m *chirpnet.Message) {
		defer p.B.ReleaseMsgSlotTS(m)
		if string(m.Data()) != "from-a" {
			t.Errorf("B received data: got %q, want %q", m.Data(), "from-a")
		}
		wg.Done()
	})

	var sendErrs [2]error
	var sendWG sync.WaitGroup
	sendWG.Add(2)
	go func() { defer sendWG.Done(); sendErrs[0] = p.SendAB(nil, []byte("from-a")) }()
	go func() { defer sendWG.Done(); sendErrs[1] = p.SendBA(nil, []byte("from-b")) }()
	sendWG.Wait()

	if sendErrs[0] != nil {
		t.Errorf("SendAB: unexpected error: %v", sendErrs[0])
	}
	if sendErrs[1] != nil {
		t.Errorf("SendBA: unexpected error: %v", sendErrs[1])
	}

	waitOrTimeout(t, &wg, 2*time.Second)
}

func TestSizeRejection(t *testing.T) {
	defer leaktest.Check(t)()

	p, err := chirptest.NewPair(chirpnet.Config{MAX_MSG_SIZE: 4})
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	defer p.Stop()

	err = p.SendAB(nil, []byte("hello")) // 5 bytes, over MAX_MSG_SIZE=4
	if err == nil {
		t.Fatal("SendAB with oversize payload: got nil error, want an error")
	}
	ae, ok := err.(*chirpnet.Error)
	if !ok {
		t.Fatalf("SendAB error type: got %T, want *chirpnet.Error", err)
	}
	// B tears its connection down as soon as it observes the oversize frame
	// (PROTOCOL_ERROR). Depending on the race between that close and A's
	// write, A may see the write itself fail (WRITE_ERROR) or only notice
	// the connection drop afterward while waiting for the ack, which A's
	// reader reports as PROTOCOL_ERROR. SHUTDOWN is accepted as well.
	switch ae.Code {
	case chirpnet.CodeProtocolError, chirpnet.CodeWriteError, chirpnet.CodeShutdown:
	default:
		t.Errorf("SendAB error code: got %v, want PROTOCOL_ERROR, WRITE_ERROR, or SHUTDOWN", ae.Code)
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	select {
	case <-waitGroupDone(wg):
	case <-time.After(d):
		t.Fatal("timed out waiting for condition")
	}
}

func waitGroupDone(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	return done
}

// metricValue reads an expvar.Int counter off n.Metrics() by name,
// returning -1 if it is missing or not an *expvar.Int.
func metricValue(n *chirpnet.Node, name string) int64 {
	m, ok := n.Metrics().(*expvar.Map)
	if !ok {
		return -1
	}
	v := m.Get(name)
	iv, ok := v.(*expvar.Int)
	if !ok {
		return -1
	}
	return iv.Value()
}
