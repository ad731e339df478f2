package slotpool_test

import (
	"testing"

	"github.com/creachadair/chirpnet/slotpool"
	"github.com/creachadair/mds/mtest"
)

func TestAcquireRelease(t *testing.T) {
	var exhausted, available int
	p, err := slotpool.New[int](2, func() { exhausted++ }, func() { available++ })
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}

	s1, ok := p.Acquire()
	if !ok {
		t.Fatal("Acquire 1: got false, want true")
	}
	s2, ok := p.Acquire()
	if !ok {
		t.Fatal("Acquire 2: got false, want true")
	}
	if s1.ID == s2.ID {
		t.Fatalf("Acquire returned duplicate slot IDs: %d", s1.ID)
	}

	if !p.IsExhausted() {
		t.Error("IsExhausted: got false after acquiring capacity, want true")
	}
	if _, ok := p.Acquire(); ok {
		t.Error("Acquire on exhausted pool: got true, want false")
	}
	if exhausted != 1 {
		t.Errorf("onExhausted calls: got %d, want 1", exhausted)
	}

	p.Release(s1.ID)
	if available != 1 {
		t.Errorf("onAvailable calls: got %d, want 1", available)
	}
	if p.IsExhausted() {
		t.Error("IsExhausted after release: got true, want false")
	}

	p.Release(s2.ID)
	if p.UsedSlots() != 0 {
		t.Errorf("UsedSlots: got %d, want 0", p.UsedSlots())
	}
}

func TestDoubleReleaseIsDetected(t *testing.T) {
	p, err := slotpool.New[int](4, nil, nil)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	s, _ := p.Acquire()
	p.Release(s.ID)

	mtest.MustPanic(t, func() { p.Release(s.ID) })

	// The pool's free-bitmap and used count must be unaffected by the
	// rejected double release.
	if p.UsedSlots() != 0 {
		t.Errorf("UsedSlots after double release: got %d, want 0", p.UsedSlots())
	}
}

func TestRefcountOutlivesConnection(t *testing.T) {
	p, err := slotpool.New[int](1, nil, nil)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	s, _ := p.Acquire() // holds the pool's second reference until released

	// The connection tears down: drop its own (initial) reference. The
	// slot's reference must keep the pool alive.
	p.Close()
	if p.Refs() <= 0 {
		t.Fatalf("Refs after connection close with outstanding slot: got %d, want > 0", p.Refs())
	}

	// The user finally releases the slot, dropping the last reference.
	p.Release(s.ID)
	if p.Refs() != 0 {
		t.Errorf("Refs after final release: got %d, want 0", p.Refs())
	}
}
