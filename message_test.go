// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"net"
	"testing"

	"github.com/creachadair/chirpnet/wire"
	"github.com/google/go-cmp/cmp"
)

func TestMessageHeaderRoundTrip(t *testing.T) {
	m := NewMessage([]byte("hdr"), []byte("hello"))
	m.serial = 7
	m.typ = msgReqAck

	var b wire.Builder
	m.encodeHeader(&b)
	if b.Len() != wireHeaderSize {
		t.Fatalf("encoded header length: got %d, want %d", b.Len(), wireHeaderSize)
	}

	var got Message
	s := wire.NewScanner(b.Take())
	headerLen, dataLen, err := decodeHeader(s, &got)
	if err != nil {
		t.Fatalf("decodeHeader: unexpected error: %v", err)
	}
	if headerLen != 3 || dataLen != 5 {
		t.Errorf("decoded lengths: got (%d, %d), want (3, 5)", headerLen, dataLen)
	}
	if got.serial != 7 || got.typ != msgReqAck {
		t.Errorf("decoded fields: got (serial=%d, typ=%d), want (7, %d)", got.serial, got.typ, msgReqAck)
	}
	if diff := cmp.Diff(m.id, got.id); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageReplyPreservesAddress(t *testing.T) {
	orig := NewMessage(nil, []byte("ping"))
	orig.SetAddress(net.IPv4(127, 0, 0, 1), 4000)
	orig.remoteID = identity{1, 2, 3}

	reply := orig.Reply([]byte("pong"))
	if string(reply.Data()) != "pong" {
		t.Errorf("reply data: got %q, want %q", reply.Data(), "pong")
	}
	addr, port := reply.Address()
	if !addr.Equal(net.IPv4(127, 0, 0, 1)) || port != 4000 {
		t.Errorf("reply address: got (%v, %d), want (127.0.0.1, 4000)", addr, port)
	}
	if reply.RemoteIdentity() != orig.remoteID {
		t.Errorf("reply remote identity: got %v, want %v", reply.RemoteIdentity(), orig.remoteID)
	}
	if reply.id != orig.id {
		t.Error("reply identity must equal the original message's identity")
	}
}

func TestMessageHasSlot(t *testing.T) {
	m := &Message{}
	if m.HasSlot() {
		t.Error("HasSlot on fresh message: got true, want false")
	}
	m.flags |= flagHasSlot
	if !m.HasSlot() {
		t.Error("HasSlot after setting flagHasSlot: got false, want true")
	}
}

func TestMessageFinishInvokesCallbackOnce(t *testing.T) {
	var calls int
	m := &Message{flags: flagUsed}
	m.callback = func(error) { calls++ }

	m.finish(nil)
	if calls != 1 {
		t.Fatalf("callback calls after first finish: got %d, want 1", calls)
	}
	if m.isUsed() {
		t.Error("message still USED after finish")
	}

	m.finish(nil) // no callback remains; must not panic or double-count
	if calls != 1 {
		t.Errorf("callback calls after second finish: got %d, want 1", calls)
	}
}
