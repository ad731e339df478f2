// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package payload provides typed helpers for encoding and decoding a
// Message's data, adapted from the original library's RPC parameter/result
// adapters to the node protocol's fire-and-forget message data.
//
// Values may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler/Marshaler or encoding.TextUnmarshaler/
// Marshaler interfaces.
package payload

import (
	"bytes"
	"encoding"
	"fmt"
	"net"

	chirpnet "github.com/creachadair/chirpnet"
)

// Send marshals v and sends it as the data of a new message addressed to
// addr:port on n, invoking cb with the outcome.
func Send[T any](n *chirpnet.Node, addr net.IP, port int32, v T, cb func(error)) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	msg := chirpnet.NewMessage(nil, data)
	msg.SetAddress(addr, port)
	return n.Send(msg, cb)
}

// Decode unmarshals m's data into a value of type T.
func Decode[T any](m *chirpnet.Message) (T, error) {
	var v T
	err := unmarshal(m.Data(), &v)
	return v, err
}

// OnRecv adapts f, a typed receive handler, to a chirpnet.RecvFunc. Messages
// that fail to decode as T have their slot released without invoking f; the
// decode error is not logged or otherwise reported.
func OnRecv[T any](n *chirpnet.Node, f func(*chirpnet.Message, T)) chirpnet.RecvFunc {
	return func(m *chirpnet.Message) {
		v, err := Decode[T](m)
		if err != nil {
			n.ReleaseMsgSlot(m)
			return
		}
		f(m, v)
	}
}

// unmarshal decodes data into v, a pointer to a []byte, string, or a type
// implementing one of the encoding unmarshal interfaces (binary preferred).
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data; see unmarshal for the supported type set.
func marshal(v any) ([]byte, error) {
	switch t := any(v).(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
