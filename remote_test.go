// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"testing"
	"time"
)

func TestRemoteQueueFIFOOrder(t *testing.T) {
	r := newRemote(remoteKey{port: 9}, time.Now())

	m1, m2, m3 := &Message{}, &Message{}, &Message{}
	if r.enqueueData(m1) {
		t.Error("first enqueueData reported already non-empty")
	}
	if !r.enqueueData(m2) {
		t.Error("second enqueueData reported empty queue")
	}
	r.enqueueData(m3)

	if got := r.dequeueData(); got != m1 {
		t.Errorf("dequeueData order: got %p, want %p (m1)", got, m1)
	}
	if got := r.dequeueData(); got != m2 {
		t.Errorf("dequeueData order: got %p, want %p (m2)", got, m2)
	}
	if got := r.dequeueData(); got != m3 {
		t.Errorf("dequeueData order: got %p, want %p (m3)", got, m3)
	}
	if got := r.dequeueData(); got != nil {
		t.Errorf("dequeueData on empty queue: got %v, want nil", got)
	}
}

func TestRemoteControlPreemptsData(t *testing.T) {
	r := newRemote(remoteKey{}, time.Now())
	data := &Message{}
	ctrl := &Message{typ: msgAck}
	r.enqueueData(data)
	r.enqueueControl(ctrl)

	if got := r.dequeueControl(); got != ctrl {
		t.Fatalf("dequeueControl: got %p, want the control message", got)
	}
	if got := r.dequeueData(); got != data {
		t.Fatalf("dequeueData: got %p, want the data message", got)
	}
}

func TestRemoteAbortQueuesFinishesEverything(t *testing.T) {
	r := newRemote(remoteKey{}, time.Now())
	var got []error
	record := func(err error) { got = append(got, err) }

	data := &Message{callback: record}
	ctrl := &Message{typ: msgAck, callback: record}
	wait := &Message{callback: record}
	r.enqueueData(data)
	r.enqueueControl(ctrl)
	r.waitAck = wait

	sentinel := newErr(CodeShutdown)
	r.abortQueues(sentinel)

	if len(got) != 3 {
		t.Fatalf("callbacks invoked: got %d, want 3", len(got))
	}
	for _, err := range got {
		if err != sentinel {
			t.Errorf("callback error: got %v, want %v", err, sentinel)
		}
	}
	if len(r.control) != 0 || len(r.data) != 0 || r.waitAck != nil {
		t.Error("queues not cleared after abortQueues")
	}
}

func TestRemoteKeyLess(t *testing.T) {
	v4a := remoteKey{v6: false, port: 1}
	v4b := remoteKey{v6: false, port: 2}
	v6 := remoteKey{v6: true, port: 0}

	if !v4a.Less(v4b) {
		t.Error("v4a should sort before v4b (lower port)")
	}
	if !v4a.Less(v6) {
		t.Error("a v4 key should sort before any v6 key")
	}
	if v6.Less(v4a) {
		t.Error("a v6 key should not sort before a v4 key")
	}
}

func TestRemoteProbeTemplateIdempotent(t *testing.T) {
	r := newRemote(remoteKey{}, time.Now())
	m1, ok := r.ensureProbeTemplate()
	if !ok || m1 == nil {
		t.Fatal("first ensureProbeTemplate: got (nil, false), want a template")
	}
	if _, ok := r.ensureProbeTemplate(); ok {
		t.Error("second ensureProbeTemplate while still USED: got true, want false")
	}
	m1.flags &^= flagUsed
	m2, ok := r.ensureProbeTemplate()
	if !ok || m2 != m1 {
		t.Error("ensureProbeTemplate after release should reuse the same template")
	}
}
