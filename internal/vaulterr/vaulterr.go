// Package vaulterr defines the error kinds shared by every deltavault component.
//
// Components return *Error values that carry a kind sentinel, the failing
// operation and the subject it was applied to (a path, fingerprint or id).
// Callers classify failures with errors.Is against the kind sentinels:
//
//	if errors.Is(err, vaulterr.ErrNotFound) { ... }
//
// ErrNotFound and ErrInvalidArgument alias the containerd errdefs values, so
// errdefs.IsNotFound and errdefs.IsInvalidArgument also work on any error
// produced here.
package vaulterr

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Error kinds.
var (
	ErrIO              = errors.New("i/o error")
	ErrNotFound        = errdefs.ErrNotFound
	ErrCodec           = errors.New("codec error")
	ErrTransaction     = errors.New("transaction error")
	ErrConsistency     = errors.New("consistency error")
	ErrInvalidArgument = errdefs.ErrInvalidArgument
)

// Error is a classified failure. Kind is one of the sentinels above.
type Error struct {
	Kind    error
	Op      string // e.g. "cas.read", "registry.create_version"
	Subject string // path, fingerprint or id the operation was applied to
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Subject != "" {
		msg += " " + e.Subject
	}
	msg += ": " + kindName(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds a classified error.
func New(kind error, op, subject string, err error) error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// IO wraps an I/O failure.
func IO(op, subject string, err error) error {
	return New(ErrIO, op, subject, err)
}

// NotFound reports a missing fingerprint, id or file.
func NotFound(op, subject string) error {
	return New(ErrNotFound, op, subject, nil)
}

// Codec wraps a compression or decompression failure.
func Codec(op, subject string, err error) error {
	return New(ErrCodec, op, subject, err)
}

// Transaction wraps a registry transaction failure.
func Transaction(op, subject string, err error) error {
	return New(ErrTransaction, op, subject, err)
}

// Consistency reports malformed or divergent lineage data.
func Consistency(op, subject string, format string, args ...any) error {
	return New(ErrConsistency, op, subject, fmt.Errorf(format, args...))
}

// InvalidArgument reports a caller error.
func InvalidArgument(op, subject string, format string, args ...any) error {
	return New(ErrInvalidArgument, op, subject, fmt.Errorf(format, args...))
}

// KindOf returns a short name for the kind of err, suitable for log fields
// and CLI output. Unclassified errors report "internal".
func KindOf(err error) string {
	var ve *Error
	if errors.As(err, &ve) {
		return kindName(ve.Kind)
	}
	return "internal"
}

func kindName(kind error) string {
	switch {
	case errors.Is(kind, ErrIO):
		return "io"
	case errors.Is(kind, ErrNotFound):
		return "not_found"
	case errors.Is(kind, ErrCodec):
		return "codec"
	case errors.Is(kind, ErrTransaction):
		return "transaction"
	case errors.Is(kind, ErrConsistency):
		return "consistency"
	case errors.Is(kind, ErrInvalidArgument):
		return "invalid_argument"
	}
	return "internal"
}
