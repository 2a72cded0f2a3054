// Package errors provides error handling for adbot.
//
// It re-exports the parts of github.com/cockroachdb/errors in use (stack
// traces, wrapping, hints) and defines the error kinds shared by the job
// engine, the remote client and the HTTP ingress.
//
// Kinds are sentinels: wrap them to add context and check them with Is
// or the IsX helpers.
//
//	return errors.Wrapf(errors.ErrValidation, "interval %d minutes", n)
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New       = crdb.New
	Newf      = crdb.Newf
	Wrap      = crdb.Wrap
	Wrapf     = crdb.Wrapf
	WithStack = crdb.WithStack
	WithHint  = crdb.WithHint
	Mark      = crdb.Mark
)

// Error inspection
var (
	Is = crdb.Is
	As = crdb.As
)

// Error kinds.
var (
	// ErrValidation: input rejected before any side effect.
	ErrValidation = New("validation error")

	// ErrRemoteUnavailable: the remote authority could not be reached,
	// timed out, or answered with a server error.
	ErrRemoteUnavailable = New("remote unavailable")

	// ErrRemoteRejected: the remote authority answered with a client error.
	ErrRemoteRejected = New("remote rejected")

	// ErrTransport: the messaging transport could not deliver.
	ErrTransport = New("transport failure")

	// ErrNotFound: the referenced job does not exist locally.
	ErrNotFound = New("not found")
)

func IsValidation(err error) bool        { return err != nil && Is(err, ErrValidation) }
func IsRemoteUnavailable(err error) bool { return err != nil && Is(err, ErrRemoteUnavailable) }
func IsRemoteRejected(err error) bool    { return err != nil && Is(err, ErrRemoteRejected) }
func IsTransport(err error) bool         { return err != nil && Is(err, ErrTransport) }
func IsNotFound(err error) bool          { return err != nil && Is(err, ErrNotFound) }

// Validationf returns a validation error with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// NotFoundf returns a not-found error with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// Kind returns a short, stable label for err's kind ("" when none matches).
// Used for metric labels and HTTP error codes.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsNotFound(err):
		return "not_found"
	case IsRemoteRejected(err):
		return "remote_rejected"
	case IsRemoteUnavailable(err):
		return "remote_unavailable"
	case IsTransport(err):
		return "transport"
	default:
		return "internal"
	}
}
