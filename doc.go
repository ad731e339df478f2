// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package chirp implements an embeddable, message-passing node protocol
// over TCP, with optional TLS.
//
// A Chirp node exchanges fixed-framed messages with any number of peers.
// Each peer is addressed by IP and port; the node dials or accepts a TCP
// connection to a peer lazily, the first time a message needs to go there,
// and reclaims idle connections and peers automatically.
//
// # Nodes
//
// The core type defined by this package is the [Node]. Construct one with
// [NewNode], install a receive callback, and call [Node.Run]:
//
//	n, err := chirp.NewNode(chirp.Config{PORT: 2999, DISABLE_ENCRYPTION: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	n.SetRecvCallback(func(m *chirp.Message) {
//	    fmt.Printf("got %q from %v\n", m.Data(), m.RemoteIdentity())
//	    n.ReleaseMsgSlot(m)
//	})
//	go n.Run()
//
// [Node.Run] blocks until [Node.Close] is called, so it is normally started
// in its own goroutine as shown above.
//
// # Sending
//
// Use [Node.Send] to address and send a message:
//
//	msg := chirp.NewMessage(nil, []byte("hello"))
//	msg.SetAddress(peerIP, peerPort)
//	n.Send(msg, func(err error) {
//	    if err != nil {
//	        log.Printf("send failed: %v", err)
//	    }
//	})
//
// Send is safe to call from any goroutine; the node serializes all delivery
// bookkeeping internally.
//
// # Receiving and slots
//
// Inbound messages are delivered through the callback installed with
// [Node.SetRecvCallback]. A message delivered this way may have come from a
// bounded per-connection slot pool ([Message.HasSlot] reports true); such a
// message must eventually be passed to [Node.ReleaseMsgSlot], or the pool's
// capacity is never reclaimed and the connection's reads stall.
//
// # Errors
//
// Failures reported through send callbacks and from Node methods have
// concrete type [*Error], whose Code field classifies the failure (timeout,
// protocol violation, shutdown, and so on).
//
// # Metrics
//
// Use [Node.Metrics] to obtain an expvar.Map of node-wide counters,
// including connections accepted/dialed/closed, messages sent/received,
// acks, and slot pool exhaustion/availability events.
package chirp
