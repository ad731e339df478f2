// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import (
	"errors"
	"testing"
)

func TestErrorIs(t *testing.T) {
	base := newErr(CodeTimeout)
	wrapped := wrapErr(CodeTimeout, errors.New("dial tcp: i/o timeout"))

	if !errors.Is(wrapped, base) {
		t.Errorf("errors.Is(%v, %v) = false, want true", wrapped, base)
	}
	if errors.Is(wrapped, newErr(CodeShutdown)) {
		t.Errorf("errors.Is matched a different code")
	}
}

func TestWrapErrPreservesIdentity(t *testing.T) {
	orig := newErr(CodeUsed)
	if got := wrapErr(CodeTimeout, orig); got != orig {
		t.Errorf("wrapErr re-wrapped an existing *Error: got %v, want the same pointer", got)
	}
}

func TestCodeString(t *testing.T) {
	if got := CodeTimeout.String(); got != "TIMEOUT" {
		t.Errorf("CodeTimeout.String() = %q, want TIMEOUT", got)
	}
	if got := Code(200).String(); got != "code(200)" {
		t.Errorf("unknown code String() = %q, want code(200)", got)
	}
}
