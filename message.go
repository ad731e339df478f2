// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"fmt"
	"net"

	"github.com/creachadair/chirpnet/wire"
)

// msgType is the on-wire message type bitset.
type msgType uint8

const (
	msgReqAck msgType = 1 << 0 // sender requests an acknowledgement
	msgAck    msgType = 1 << 1 // this message is an acknowledgement
	msgNoop   msgType = 1 << 2 // this message is a keepalive probe
)

// msgFlags are internal bookkeeping bits, never sent on the wire.
type msgFlags uint8

const (
	flagFreeHeader  msgFlags = 1 << 0 // header buffer owned by core, free on release
	flagFreeData    msgFlags = 1 << 1 // data buffer owned by core, free on release
	flagUsed        msgFlags = 1 << 2 // currently enqueued or in flight
	flagAckReceived msgFlags = 1 << 3 // ack observed (or synthesized) for this message
	flagWriteDone   msgFlags = 1 << 4 // the write side has finished with this message
	flagHasSlot     msgFlags = 1 << 5 // message came from a slotpool.Slot
	flagSendAck     msgFlags = 1 << 6 // release of this message should emit an ack

	flagFailure = flagAckReceived | flagWriteDone
)

const identitySize = 16

// identity is the 16-byte opaque handle that names a message across its
// ack round-trip, or a node across restarts.
type identity [identitySize]byte

func (id identity) String() string { return fmt.Sprintf("%x", id[:]) }

// A Message is a single unit of data carried between two nodes. Messages
// are created by the reader (for inbound traffic) or by callers of
// Node.Send (for outbound traffic); either way they flow through the same
// writer and slot-release machinery.
//
// A Message must not be reused (sent again) until it has been released, and
// must not be enqueued on more than one queue at a time.
type Message struct {
	id       identity
	serial   uint32
	typ      msgType
	header   []byte
	data     []byte
	addr     net.IP
	port     int32
	remoteID identity

	flags msgFlags
	slot  interface{ release() } // set iff flagHasSlot; the owning slotpool.Slot

	userData any // opaque value handed back through the send callback

	callback func(error) // invoked once the message's fate is decided
}

// NewMessage constructs an outbound message carrying header and data. The
// returned message has a freshly generated identity and is not yet USED; it
// becomes USED when passed to Node.Send.
func NewMessage(header, data []byte) *Message {
	m := &Message{header: header, data: data}
	randIdentity(&m.id)
	return m
}

// Identity reports the message's 16-byte identity.
func (m *Message) Identity() identity { return m.id }

// RemoteIdentity reports the identity of the remote node that delivered this
// message, learned at connection handshake time. It is the zero identity
// for a message that has not yet been associated with a connection.
func (m *Message) RemoteIdentity() identity { return m.remoteID }

// SetAddress sets the destination address and port for an outbound message.
// It has no effect on a message that has already been sent.
func (m *Message) SetAddress(addr net.IP, port int32) {
	if m.isUsed() {
		return
	}
	m.addr = addr
	m.port = port
}

// Address reports the peer address and port associated with m: the
// destination for an outbound message, or the sender for an inbound one.
func (m *Message) Address() (net.IP, int32) { return m.addr, m.port }

// Header returns the message's header bytes.
func (m *Message) Header() []byte { return m.header }

// Data returns the message's data bytes.
func (m *Message) Data() []byte { return m.data }

// UserData returns the opaque value attached by SetUserData.
func (m *Message) UserData() any { return m.userData }

// SetUserData attaches an opaque value to m, retrievable from the send
// callback through UserData. It has no effect on wire encoding.
func (m *Message) SetUserData(v any) { m.userData = v }

// HasSlot reports whether m was delivered from a connection's receive slot
// pool and must therefore be released through Node.ReleaseMsgSlot rather
// than simply discarded.
func (m *Message) HasSlot() bool { return m.flags&flagHasSlot != 0 }

// Reply returns a new outbound message that answers m: same peer address,
// remote identity, and message identity as m, but pre-populated with data
// in place of whatever m carried. Per libchirp's documented contract
// ("replying to message won't change the identity"), the identity carries
// over unchanged rather than being regenerated; this mirrors ch_message_t's
// pattern of replying to a message by replacing its data and re-sending it,
// rather than mutating m in place (m may still be held by the slot pool).
func (m *Message) Reply(data []byte) *Message {
	r := NewMessage(nil, data)
	r.id = m.id
	r.addr = m.addr
	r.port = m.port
	r.remoteID = m.remoteID
	return r
}

// isUsed reports whether m is currently enqueued or in flight.
func (m *Message) isUsed() bool { return m.flags&flagUsed != 0 }

// needsAck reports whether m requests an acknowledgement from its peer.
func (m *Message) needsAck() bool { return m.typ&msgReqAck != 0 }

// isAck reports whether m is itself an acknowledgement record.
func (m *Message) isAck() bool { return m.typ&msgAck != 0 }

// isNoop reports whether m is a keepalive probe record.
func (m *Message) isNoop() bool { return m.typ&msgNoop != 0 }

// finish invokes m's send callback exactly once with err (nil on success)
// and marks the message no longer USED, so it may be sent again.
func (m *Message) finish(err error) {
	m.flags &^= flagUsed
	if cb := m.callback; cb != nil {
		m.callback = nil
		cb(err)
	}
}

// wireHeaderSize is the size in bytes of the fixed framed-message header
// that precedes every message's variable-length header and data on the
// wire: identity(16) + serial(4) + type(1) + header_len(2) + data_len(4),
// padded to the 40-byte record called for by the wire layout.
const wireHeaderSize = 40

const wireHeaderFieldsSize = identitySize + 4 + 1 + 2 + 4

// encodeHeader appends m's fixed wire header to b, padding the unused tail
// of the 40-byte record with zero bytes.
func (m *Message) encodeHeader(b *wire.Builder) {
	b.Bytes(m.id[:])
	b.Uint32(m.serial)
	b.Byte(byte(m.typ))
	b.Uint16(uint16(len(m.header)))
	b.Uint32(uint32(len(m.data)))
	b.Grow(wireHeaderSize - wireHeaderFieldsSize)
	for i := 0; i < wireHeaderSize-wireHeaderFieldsSize; i++ {
		b.Byte(0)
	}
}

// decodeHeader parses a 40-byte framed-message header from s into m,
// leaving m.header and m.data unset (the caller reads those separately,
// once their lengths are known).
func decodeHeader(s *wire.Scanner, m *Message) (headerLen uint16, dataLen uint32, err error) {
	idBytes, err := s.Bytes(identitySize)
	if err != nil {
		return 0, 0, fmt.Errorf("identity: %w", err)
	}
	copy(m.id[:], idBytes)

	if m.serial, err = s.Uint32(); err != nil {
		return 0, 0, fmt.Errorf("serial: %w", err)
	}
	typ, err := s.Byte()
	if err != nil {
		return 0, 0, fmt.Errorf("type: %w", err)
	}
	m.typ = msgType(typ)

	if headerLen, err = s.Uint16(); err != nil {
		return 0, 0, fmt.Errorf("header_len: %w", err)
	}
	if dataLen, err = s.Uint32(); err != nil {
		return 0, 0, fmt.Errorf("data_len: %w", err)
	}
	if _, err = s.Bytes(wireHeaderSize - wireHeaderFieldsSize); err != nil {
		return 0, 0, fmt.Errorf("header padding: %w", err)
	}
	return headerLen, dataLen, nil
}
