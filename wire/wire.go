// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package wire provides a small binary builder/scanner pair used to encode
// and decode the fixed-width records of the Chirp node wire protocol: the
// handshake record and the framed message header.
//
// Every field chirp puts on the wire is fixed-width or is itself a length
// prefix for the bytes that follow it, so unlike a general-purpose codec
// this package has no notion of a self-describing variable-length integer;
// callers that need to put a buffer on the wire write its length explicitly
// with Uint16 or Uint32 before calling Bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// A Builder is a buffer that accumulates data into a wire record. The zero
// value is ready for use as an empty builder.
type Builder struct {
	buf []byte
}

// NewBuilder returns a Builder with capacity pre-sized for n bytes.
func NewBuilder(n int) *Builder { return &Builder{buf: make([]byte, 0, n)} }

// Put appends the specified bytes to b in order.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// Bytes appends p to b verbatim. The caller is responsible for having
// already written any length prefix p requires.
func (b *Builder) Bytes(p []byte) { b.buf = append(b.buf, p...) }

// Byte appends a single byte to b.
func (b *Builder) Byte(v byte) { b.buf = append(b.buf, v) }

// Uint16 appends v to b in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// Grow resizes the internal buffer of b if necessary to ensure at least n
// more bytes can be appended without triggering another allocation.
func (b *Builder) Grow(n int) {
	want := len(b.buf) + n
	if cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// Take returns the current contents of the buffer. The builder retains
// ownership of the reported slice; the caller must not modify it unless b
// will no longer be accessed.
func (b *Builder) Take() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// A Scanner reads fixed-width fields from the front of a byte slice. Each
// accessor reports io.ErrUnexpectedEOF if fewer bytes remain than the field
// requires; the scanner does not advance on error.
type Scanner struct {
	rest []byte
}

// NewScanner constructs a Scanner that consumes data from input. The scanner
// retains slices into input rather than copying; the caller must not modify
// input while the scanner is in use.
func NewScanner(input []byte) *Scanner { return &Scanner{rest: input} }

// Len reports the number of remaining unconsumed bytes.
func (s *Scanner) Len() int { return len(s.rest) }

// Rest returns the remaining unconsumed input. The reported slice aliases
// the scanner's input and is only valid until the next call to a method of
// s.
func (s *Scanner) Rest() []byte { return s.rest }

// Byte scans a single byte from the head of the input.
func (s *Scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

// Uint16 parses a big-endian uint16 from the head of the input.
func (s *Scanner) Uint16() (uint16, error) {
	if len(s.rest) < 2 {
		return 0, fmt.Errorf("uint16 truncated (%d < 2 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint16(s.rest[:2])
	s.rest = s.rest[2:]
	return out, nil
}

// Uint32 parses a big-endian uint32 from the head of the input.
func (s *Scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("uint32 truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint32(s.rest[:4])
	s.rest = s.rest[4:]
	return out, nil
}

// Bytes scans exactly n bytes from the head of the input. The returned slice
// aliases the scanner's input; the caller must copy it if it needs to
// outlive subsequent calls to s or mutations of the original input.
func (s *Scanner) Bytes(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	return out, nil
}
