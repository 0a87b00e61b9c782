// Package bmfferr classifies errors raised across the signer and
// verifier into the small taxonomy the whole system reports through:
// InvalidAsset, BadParam, HashMismatch, MissingBox, UnsupportedType, Io.
package bmfferr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories callers branch on.
type Kind string

const (
	InvalidAsset    Kind = "InvalidAsset"
	BadParam        Kind = "BadParam"
	HashMismatch    Kind = "HashMismatch"
	MissingBox      Kind = "MissingBox"
	UnsupportedType Kind = "UnsupportedType"
	Io              Kind = "Io"
)

// Error pairs a Kind with the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of the given kind from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Newf builds an Error of the given kind from a format string.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind to an existing error, preserving it for errors.Is
// and errors.As.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, or "" if err was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
