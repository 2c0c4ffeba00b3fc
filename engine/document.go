package engine

import "github.com/emberstore/ember/common"

// Document is the value returned by Get and GetMetaOnly: an immutable
// snapshot of one record's key, metadata and body at the time it was
// read. Callers normally just let it go out of scope — Close exists so
// callers that hold onto one past its useful life get a clear
// double-release error instead of silently reusing stale data.
type Document struct {
	Key  []byte
	Meta []byte
	Body []byte // nil for a GetMetaOnly result

	// BodyOffset is the byte offset of the body within the document log,
	// set only by GetMetaOnly, so a caller that wants the body later can
	// seek straight to it without a second key lookup through the
	// WAL/trie.
	BodyOffset int64

	closed bool
}

// Close marks the handle released. Calling it twice returns
// common.ErrClosed; calling it is optional but idiomatic for callers
// that want an explicit end-of-use marker.
func (d *Document) Close() error {
	if d.closed {
		return common.ErrClosed
	}
	d.closed = true
	return nil
}
