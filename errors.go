// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package chirp

import "fmt"

// A Code classifies the outcome of an operation reported through a send,
// finish, release, or lifecycle callback. The taxonomy is drawn from the
// original libchirp error enumeration (include/libchirp/error.h); values
// below preserve its ordering for readers familiar with the C library, with
// CodeSuccess holding the zero value so a zero Code reads as success.
type Code byte

const (
	CodeSuccess       Code = iota // no error
	CodeValueError                // invalid config or API argument
	CodeUVError                   // loop/handle failure (net/timer plumbing)
	CodeProtocolError             // invalid handshake or wire message
	CodeEAddrInUse                // listen failed: address in use
	CodeFatal                     // unrecoverable environment error
	CodeTLSError                  // any TLS handshake or record error
	CodeWriteError                // libuv-equivalent write failure
	CodeUninit                    // node or component not initialized
	CodeInProgress                // shutdown or close already started
	CodeTimeout                   // connect, handshake, or write timeout
	CodeENOMEM                    // allocation failure
	CodeShutdown                  // node is closing/closed, or conn torn down mid-write
	CodeCannotConnect             // connect attempt failed
	CodeQueued                    // message queued behind others on the remote
	CodeUsed                      // message already in use
	CodeMore                      // partial progress (internal)
	CodeBusy                      // dispatcher skipped: slot or writer occupied
	CodeEmpty                     // dispatcher idle: nothing to send
	CodeInitFail                  // node initialization failed
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeValueError:
		return "VALUE_ERROR"
	case CodeUVError:
		return "UV_ERROR"
	case CodeProtocolError:
		return "PROTOCOL_ERROR"
	case CodeEAddrInUse:
		return "EADDRINUSE"
	case CodeFatal:
		return "FATAL"
	case CodeTLSError:
		return "TLS_ERROR"
	case CodeUninit:
		return "UNINIT"
	case CodeInProgress:
		return "IN_PROGRESS"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeENOMEM:
		return "ENOMEM"
	case CodeShutdown:
		return "SHUTDOWN"
	case CodeCannotConnect:
		return "CANNOT_CONNECT"
	case CodeQueued:
		return "QUEUED"
	case CodeUsed:
		return "USED"
	case CodeMore:
		return "MORE"
	case CodeBusy:
		return "BUSY"
	case CodeEmpty:
		return "EMPTY"
	case CodeWriteError:
		return "WRITE_ERROR"
	case CodeInitFail:
		return "INIT_FAIL"
	default:
		return fmt.Sprintf("code(%d)", byte(c))
	}
}

// An Error is the concrete error type reported by blocking Node methods and
// delivered to send/finish/release/lifecycle callbacks. It plays the same
// role here that *CallError plays for the teacher library: a stable,
// inspectable failure carrier at the API boundary.
type Error struct {
	Code Code  // the taxonomy classification
	Err  error // wrapped cause, if any; nil for a bare classification
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

// Unwrap reports the underlying cause of e, or nil.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so that
// errors.Is(err, &Error{Code: CodeTimeout}) works without requiring callers
// to construct a matching Err field.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// wrapErr constructs an *Error classifying err under code. If err is already
// an *Error it is returned unchanged so error identity survives propagation
// through multiple layers (shutdown -> finishMessage -> send callback).
func wrapErr(code Code, err error) *Error {
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return &Error{Code: code, Err: err}
}

// newErr constructs a bare *Error with no wrapped cause.
func newErr(code Code) *Error { return &Error{Code: code} }
