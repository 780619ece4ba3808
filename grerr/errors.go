// Package grerr defines the error taxonomy shared by every layer of gr.
//
// Lower layers return typed failures; the render graph and the manager
// decide whether a failure aborts the frame or the whole frame loop:
//
//   - [Validation]: bad init parameters, cyclic graph, oversized transient
//     request. Detected before any GPU submission. The caller fixes the
//     request; nothing is retried automatically.
//   - [Backend]: native object creation or submission failure. Fatal for the
//     current object or frame.
//   - [Timeout]: a fence wait reached the sanity ceiling. The GPU is assumed
//     hung.
//   - [DeviceLost]: the device is gone. Every later call fails.
//
// All errors produced by gr match one of the sentinels with errors.Is:
//
//	if errors.Is(err, grerr.ErrValidation) {
//	    // fix the pass declaration
//	}
package grerr

import (
	"errors"
	"strings"
)

// Kind classifies an error.
type Kind uint8

const (
	// Unknown is the kind of errors not produced by gr.
	Unknown Kind = iota
	// Validation marks a request rejected before reaching the GPU.
	Validation
	// Backend marks a native API failure.
	Backend
	// Timeout marks a fence wait that exceeded the ceiling.
	Timeout
	// DeviceLost marks a lost device.
	DeviceLost
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Backend:
		return "backend"
	case Timeout:
		return "timeout"
	case DeviceLost:
		return "device lost"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation = errors.New("gr: validation error")
	ErrBackend    = errors.New("gr: backend error")
	ErrTimeout    = errors.New("gr: timeout")
	ErrDeviceLost = errors.New("gr: device lost")
)

func (k Kind) sentinel() error {
	switch k {
	case Validation:
		return ErrValidation
	case Backend:
		return ErrBackend
	case Timeout:
		return ErrTimeout
	case DeviceLost:
		return ErrDeviceLost
	default:
		return nil
	}
}

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("gr: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// E builds an *Error. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf is shorthand for E(Validation, op, err).
func Validationf(op string, err error) error { return E(Validation, op, err) }

// BackendErr wraps a native failure. A cause that already carries a kind
// keeps it, so a device-lost signal is never downgraded.
func BackendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if k := KindOf(err); k != Unknown {
		return &Error{Kind: k, Op: op, Err: err}
	}
	return &Error{Kind: Backend, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsFatal reports whether err must terminate the frame loop.
// Validation errors are recoverable by fixing the request.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case Backend, Timeout, DeviceLost:
		return true
	default:
		return false
	}
}
