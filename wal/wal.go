// Package wal implements the write-ahead buffer: an
// in-memory, hash-bucketed staging area for pending Set/Remove
// operations, flushed into the HB+trie in the order they were made at
// commit time through a pluggable CommitCallback.
package wal

import (
	"bytes"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Action distinguishes a staged write from a staged delete.
type Action int

const (
	ActionSet Action = iota
	ActionRemove
)

type entry struct {
	key    []byte
	action Action
	offset int64 // valid only for ActionSet: the doclog offset just appended
	seq    uint64
}

// CommitCallback receives staged operations in insertion order during
// Flush. The engine implements this to replay the WAL into the HB+trie
// (and the optional sequence index) at each flush, applying every staged
// operation to the trie as a separate tree update.
type CommitCallback interface {
	ApplySet(key []byte, offset int64) error
	ApplyRemove(key []byte) error
}

// WAL stages operations keyed by an xxhash bucket of the key, with a
// parallel insertion-order list used only for ordered replay at Flush.
type WAL struct {
	mu      sync.Mutex
	buckets map[uint64][]*entry
	order   []*entry
	nextSeq uint64
}

func New() *WAL {
	return &WAL{buckets: make(map[uint64][]*entry)}
}

func bucketOf(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Set stages key -> offset, overwriting any prior staged operation for
// the same key in place so repeated writes within one WAL generation
// don't grow the flush list.
func (w *WAL) Set(key []byte, offset int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stage(key, ActionSet, offset)
}

// Remove stages a deletion of key.
func (w *WAL) Remove(key []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stage(key, ActionRemove, 0)
}

func (w *WAL) stage(key []byte, action Action, offset int64) {
	bucket := bucketOf(key)
	for _, e := range w.buckets[bucket] {
		if bytes.Equal(e.key, key) {
			e.action = action
			e.offset = offset
			return
		}
	}

	e := &entry{key: append([]byte(nil), key...), action: action, offset: offset, seq: w.nextSeq}
	w.nextSeq++
	w.buckets[bucket] = append(w.buckets[bucket], e)
	w.order = append(w.order, e)
}

// Get returns a pending write for key staged since the last Flush, so
// reads can see their own uncommitted writes before the next commit
// propagates them into the trie.
func (w *WAL) Get(key []byte) (offset int64, action Action, found bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.buckets[bucketOf(key)] {
		if bytes.Equal(e.key, key) {
			return e.offset, e.action, true
		}
	}
	return 0, 0, false
}

// Size reports the number of distinct keys currently staged.
func (w *WAL) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// Flush replays every staged operation, in the order it was first
// staged, through cb. The flush is monotonic: each item is dropped as
// soon as its callback returns, so an error mid-flush leaves exactly the
// not-yet-applied suffix staged — already-applied items are gone and are
// not replayed by a retry.
func (w *WAL) Flush(cb CommitCallback) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.order) > 0 {
		e := w.order[0]
		var err error
		switch e.action {
		case ActionSet:
			err = cb.ApplySet(e.key, e.offset)
		case ActionRemove:
			err = cb.ApplyRemove(e.key)
		}
		if err != nil {
			return err
		}
		w.order = w.order[1:]
		w.dropFromBucket(e)
	}

	w.order = nil
	return nil
}

func (w *WAL) dropFromBucket(e *entry) {
	bucket := bucketOf(e.key)
	items := w.buckets[bucket]
	for i := range items {
		if items[i] == e {
			w.buckets[bucket] = append(items[:i], items[i+1:]...)
			break
		}
	}
	if len(w.buckets[bucket]) == 0 {
		delete(w.buckets, bucket)
	}
}
