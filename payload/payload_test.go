// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package payload_test

import (
	"testing"

	chirpnet "github.com/creachadair/chirpnet"
	"github.com/creachadair/chirpnet/payload"
)

func TestDecodeBytesAndString(t *testing.T) {
	m := chirpnet.NewMessage(nil, []byte("raw bytes"))

	gotBytes, err := payload.Decode[[]byte](m)
	if err != nil || string(gotBytes) != "raw bytes" {
		t.Fatalf("Decode[[]byte]: got (%q, %v), want (%q, nil)", gotBytes, err, "raw bytes")
	}

	gotString, err := payload.Decode[string](m)
	if err != nil || gotString != "raw bytes" {
		t.Fatalf("Decode[string]: got (%q, %v), want (%q, nil)", gotString, err, "raw bytes")
	}
}

func TestDecodeUnsupportedType(t *testing.T) {
	m := chirpnet.NewMessage(nil, []byte("x"))
	if _, err := payload.Decode[int](m); err == nil {
		t.Error("Decode[int]: got nil error, want an error for an unsupported type")
	}
}
