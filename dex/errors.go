// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import "fmt"

// ErrorKind is a sentinel error. Packages declare their kinds as
// const ErrSomething = dex.ErrorKind("something") and callers test for them
// with errors.Is.
type ErrorKind string

// Error satisfies the error interface.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error is a sentinel error with detail about the failing call, such as the
// account or transaction signature involved.
type Error struct {
	kind   error
	detail string
}

// Error satisfies the error interface. An empty detail prints the kind alone.
func (e Error) Error() string {
	if e.detail == "" {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.detail
}

// Unwrap returns the kind, so errors.Is(err, kind) holds.
func (e Error) Unwrap() error {
	return e.kind
}

// NewError attaches detail to an error kind.
func NewError(kind error, detail string) Error {
	return Error{
		kind:   kind,
		detail: detail,
	}
}

// NewErrorf is NewError with a formatted detail.
func NewErrorf(kind error, format string, args ...any) Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}
