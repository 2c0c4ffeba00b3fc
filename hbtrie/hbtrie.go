// Package hbtrie implements the HB+trie key index: keys are
// consumed a fixed-size chunk at a time, each level backed by its own
// btree.Tree, descending into a fresh sub-trie level only where two keys
// actually share a chunk prefix. Every level's btree key is a fixed
// chunkSize+1 bytes: the chunk content (zero-padded out to chunkSize when
// this is a key's final, short chunk) followed by a trailing suffix byte —
// the number of content bytes for a key's final chunk, or chunkCont (0xff)
// when more chunks follow. Placing the suffix *after* the content means
// two entries at the same level compare by their actual key bytes first
// and fall back to the suffix only when those bytes tie, preserving
// lexicographic iteration order: when two padded chunks tie, the shorter
// terminal length sorts first (the shorter key is a strict prefix and
// must come first) and a continuing chunk sorts after every terminal one.
// Encoding the terminal length, rather than a bare terminal/continuing
// bit, also makes the encoding injective per level — "ab" and "ab\x00"
// pad identically but carry lengths 2 and 3 — so the shared-prefix split
// in insertAt always terminates: two distinct keys must differ in some
// chunk's content or length, and that level separates them.
package hbtrie

import (
	"bytes"

	"github.com/emberstore/ember/btree"
	"github.com/emberstore/ember/doclog"
	"github.com/emberstore/ember/filestore"
)

// Trie indexes keys to document-log offsets. It holds no root of its own
// — the engine tracks the current root BlockID across commits, the same
// way it tracks the btree root for the sequence index.
type Trie struct {
	tree      *btree.Tree
	log       *doclog.Log
	chunkSize int
}

// chunkCont is the trailing suffix byte for a chunk with more chunks
// after it. It must compare greater than any terminal length, which caps
// chunkSize at 254.
const chunkCont = 0xff

func New(tree *btree.Tree, log *doclog.Log, chunkSize int) *Trie {
	if chunkSize <= 0 || chunkSize >= chunkCont {
		chunkSize = 8
	}
	return &Trie{tree: tree, log: log, chunkSize: chunkSize}
}

// trieKey builds the fixed chunkSize+1-byte string used as the
// chunk-level btree key at depth: the chunk content in bytes [0,chunkSize)
// (zero-padded when this is the key's final, short chunk) followed by a
// suffix byte in byte [chunkSize] — chunkCont if more chunks follow, else
// the content length of this final chunk. A key that has run out of
// chunks entirely maps to the all-zero terminator slot (length 0), which
// no real chunk can collide with.
func trieKey(key []byte, depth, chunkSize int) []byte {
	out := make([]byte, chunkSize+1)
	start := depth * chunkSize
	if start >= len(key) {
		return out
	}
	end := start + chunkSize
	if end < len(key) {
		copy(out, key[start:end])
		out[chunkSize] = chunkCont
		return out
	}
	n := copy(out, key[start:])
	out[chunkSize] = byte(n)
	return out
}

// Find returns the document-log offset for key, if present.
func (t *Trie) Find(root filestore.BlockID, key []byte) (int64, bool, error) {
	depth := 0
	for {
		if root == filestore.NoBlock {
			return 0, false, nil
		}
		tk := trieKey(key, depth, t.chunkSize)
		val, found, err := t.tree.Find(root, tk)
		if err != nil {
			return 0, false, err
		}
		if !found {
			return 0, false, nil
		}
		kind, payload, err := decodeSlot(val)
		if err != nil {
			return 0, false, err
		}
		if kind == slotDoc {
			offset := decodeDocSlot(payload)
			existingKey, err := t.log.ReadKey(offset)
			if err != nil {
				return 0, false, err
			}
			if !bytes.Equal(existingKey, key) {
				return 0, false, nil
			}
			return offset, true, nil
		}
		root = decodeSubtrieSlot(payload)
		depth++
	}
}

// Insert indexes key at offset, returning the trie's new root and
// whether an existing mapping for key was overwritten (and its previous
// offset, for the caller to reclaim datasize accounting).
func (t *Trie) Insert(root filestore.BlockID, key []byte, offset int64) (filestore.BlockID, btree.InsertResult, int64, error) {
	return t.insertAt(root, key, offset, 0)
}

func (t *Trie) insertAt(root filestore.BlockID, key []byte, offset int64, depth int) (filestore.BlockID, btree.InsertResult, int64, error) {
	if root == filestore.NoBlock {
		newRoot, err := t.tree.NewEmptyRoot()
		if err != nil {
			return filestore.NoBlock, 0, 0, err
		}
		root = newRoot
	}

	tk := trieKey(key, depth, t.chunkSize)
	val, found, err := t.tree.Find(root, tk)
	if err != nil {
		return 0, 0, 0, err
	}

	if !found {
		newRoot, _, _, err := t.tree.Insert(root, tk, encodeDocSlot(offset))
		return newRoot, btree.Inserted, 0, err
	}

	kind, payload, err := decodeSlot(val)
	if err != nil {
		return 0, 0, 0, err
	}

	if kind == slotSubtrie {
		childRoot := decodeSubtrieSlot(payload)
		newChildRoot, result, oldOffset, err := t.insertAt(childRoot, key, offset, depth+1)
		if err != nil {
			return 0, 0, 0, err
		}
		newRoot, _, _, err := t.tree.Insert(root, tk, encodeSubtrieSlot(newChildRoot))
		return newRoot, result, oldOffset, err
	}

	existingOffset := decodeDocSlot(payload)
	existingKey, err := t.log.ReadKey(existingOffset)
	if err != nil {
		return 0, 0, 0, err
	}

	if bytes.Equal(existingKey, key) {
		newRoot, _, _, err := t.tree.Insert(root, tk, encodeDocSlot(offset))
		return newRoot, btree.Updated, existingOffset, err
	}

	// Two distinct keys share this chunk prefix: push both one level
	// deeper into a fresh sub-trie and replace this slot with a pointer
	// to it.
	subRoot, err := t.tree.NewEmptyRoot()
	if err != nil {
		return 0, 0, 0, err
	}
	subRoot, _, _, err = t.insertAt(subRoot, existingKey, existingOffset, depth+1)
	if err != nil {
		return 0, 0, 0, err
	}
	subRoot, result, _, err := t.insertAt(subRoot, key, offset, depth+1)
	if err != nil {
		return 0, 0, 0, err
	}

	newRoot, _, _, err := t.tree.Insert(root, tk, encodeSubtrieSlot(subRoot))
	return newRoot, result, 0, err
}

// Remove deletes key's mapping, if present, returning the offset it
// pointed to. Sub-tries that become empty as a result are left in place
// rather than collapsed back into their parent — harmless dead weight
// reclaimed wholesale at the next compaction.
func (t *Trie) Remove(root filestore.BlockID, key []byte) (filestore.BlockID, bool, int64, error) {
	return t.removeAt(root, key, 0)
}

func (t *Trie) removeAt(root filestore.BlockID, key []byte, depth int) (filestore.BlockID, bool, int64, error) {
	if root == filestore.NoBlock {
		return root, false, 0, nil
	}

	tk := trieKey(key, depth, t.chunkSize)
	val, found, err := t.tree.Find(root, tk)
	if err != nil {
		return 0, false, 0, err
	}
	if !found {
		return root, false, 0, nil
	}

	kind, payload, err := decodeSlot(val)
	if err != nil {
		return 0, false, 0, err
	}

	if kind == slotDoc {
		existingOffset := decodeDocSlot(payload)
		existingKey, err := t.log.ReadKey(existingOffset)
		if err != nil {
			return 0, false, 0, err
		}
		if !bytes.Equal(existingKey, key) {
			return root, false, 0, nil
		}
		newRoot, _, err := t.tree.Delete(root, tk)
		return newRoot, true, existingOffset, err
	}

	childRoot := decodeSubtrieSlot(payload)
	newChildRoot, removed, offset, err := t.removeAt(childRoot, key, depth+1)
	if err != nil || !removed {
		return root, removed, offset, err
	}

	newRoot, _, _, err := t.tree.Insert(root, tk, encodeSubtrieSlot(newChildRoot))
	return newRoot, true, offset, err
}
