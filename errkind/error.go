// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package errkind defines the error taxonomy every public wallet operation
// reports through. Lower level packages return plain sentinel errors which are
// classified into one of the kinds below at the wallet boundary.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a wallet error.
type Kind int

const (
	// KeyError indicates malformed key material or an invalid derivation
	// path.
	KeyError Kind = iota

	// InputError indicates a malformed policy, descriptor, output set or
	// amount, or a required policy path that was not supplied.
	InputError

	// OpError indicates an internal compiler or backend construction
	// failure. The underlying diagnostic is kept in the Err field.
	OpError

	// WalletError indicates a PSBT construction, signing or broadcast
	// failure originating from the wallet layer.
	WalletError

	// NetworkError indicates the chain backend could not be reached or
	// rejected a request.
	NetworkError
)

// Map of Kind values back to their constant names for pretty printing.
var kindStrings = map[Kind]string{
	KeyError:     "KeyError",
	InputError:   "InputError",
	OpError:      "OpError",
	WalletError:  "WalletError",
	NetworkError: "NetworkError",
}

// String returns the Kind as a human-readable name.
func (k Kind) String() string {
	if s := kindStrings[k]; s != "" {
		return s
	}

	return fmt.Sprintf("Unknown Kind (%d)", int(k))
}

// Error is the single structured error value returned by the public wallet
// operations. Description carries the user facing message, for example
// "Spending Policy Required", while Err optionally holds the lower level cause.
type Error struct {
	Kind        Kind   // Class of the failure
	Description string // Human-readable description of the issue
	Err         error  // Underlying error, may be nil
}

// Error satisfies the error interface and prints human-readable errors.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Description + ": " +
			e.Err.Error()
	}

	return e.Kind.String() + ": " + e.Description
}

// Unwrap returns the underlying error so errors.Is and errors.As can inspect
// the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error of the given kind.
func New(kind Kind, desc string, err error) *Error {
	return &Error{Kind: kind, Description: desc, Err: err}
}

// Newf creates a new Error of the given kind without an underlying cause,
// formatting the description according to a format specifier.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Is returns whether err, or any error it wraps, is an Error of the given
// kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Kind == kind
}

// Classify wraps err into an Error of the given kind unless it already carries
// a kind, in which case it is returned untouched. The description of a newly
// created Error is the message of err itself.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	return &Error{Kind: kind, Description: err.Error(), Err: err}
}
