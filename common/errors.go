// Package common holds the error taxonomy, shared value types and the
// varint codec used by every layer of the store.
package common

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// The four error kinds used across the store, plus ErrClosed. Storage
// and lookup failures are surfaced as one of these, possibly wrapped with
// file/block context via
// github.com/pkg/errors so that errors.Is still matches the sentinel. A
// few internal consistency failures (a corrupt or overflowing B-tree
// page, a malformed trie slot, an oversized superblock header) are plain
// errors that match none of them.
var (
	// ErrInvalidArgs signals caller misuse (e.g. an empty key).
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrNotFound signals a logical absence or a disambiguation miss on
	// the HB+trie (stored key length/bytes disagree with the request).
	ErrNotFound = errors.New("not found")

	// ErrAllocFail signals resource exhaustion while constructing a
	// document handle.
	ErrAllocFail = errors.New("allocation failed")

	// ErrIO signals an underlying storage failure. No partial-commit
	// state is ever exposed alongside this error.
	ErrIO = errors.New("io error")

	// ErrClosed is returned by any operation on a handle after Close.
	ErrClosed = errors.New("handle closed")
)

// WrapIO wraps err as ErrIO, attaching ctx (e.g. "flush block 42") as
// context while keeping errors.Is(result, ErrIO) true.
func WrapIO(err error, ctx string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrIO, cause: pkgerrors.Wrap(err, ctx)}
}

// WrapNotFound returns an error with ctx as its message that matches
// ErrNotFound under errors.Is.
func WrapNotFound(ctx string) error {
	return &kindError{kind: ErrNotFound, cause: errors.New(ctx)}
}

type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Unwrap() error { return e.kind }
func (e *kindError) Cause() error  { return e.cause }
