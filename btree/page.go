// Package btree implements the block-indexed, copy-on-write B+tree that
// backs both the HB+trie's per-chunk node storage and the optional
// sequence index. Every node is packed into exactly one
// filestore.Block; keys and values are opaque byte strings.
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/emberstore/ember/common"
	"github.com/emberstore/ember/filestore"
	"github.com/pkg/errors"
)

// headerSize is the fixed page header: numCells(2) + firstChild(8) +
// unused reserved(2, kept for forward-compatible alignment).
const headerSize = 12

// kv is a decoded leaf cell.
type kv struct {
	key, val []byte
}

// sep is a decoded internal separator: keys >= key route to child.
type sep struct {
	key   []byte
	child filestore.BlockID
}

var errPageCorrupt = errors.New("corrupt b-tree page")

// decodeLeaf parses a leaf page's cells into an ordered slice.
func decodeLeaf(payload []byte) ([]kv, error) {
	numCells := binary.BigEndian.Uint16(payload[0:2])
	dir := payload[headerSize : headerSize+int(numCells)*2]

	entries := make([]kv, numCells)
	for i := uint16(0); i < numCells; i++ {
		off := binary.BigEndian.Uint16(dir[i*2:])
		cell := payload[off:]

		keyLen, n := common.Uvarint(cell)
		if n <= 0 {
			return nil, errPageCorrupt
		}
		cell = cell[n:]
		key := cell[:keyLen]
		cell = cell[keyLen:]

		valLen, n := common.Uvarint(cell)
		if n <= 0 {
			return nil, errPageCorrupt
		}
		cell = cell[n:]
		val := cell[:valLen]

		entries[i] = kv{key: append([]byte(nil), key...), val: append([]byte(nil), val...)}
	}
	return entries, nil
}

// encodeLeaf writes entries (must already be sorted ascending by key)
// into payload as a leaf page. Returns an error if they do not fit.
func encodeLeaf(payload []byte, entries []kv) error {
	size := leafSize(entries)
	if size > len(payload) {
		return errors.New("leaf page overflow")
	}

	binary.BigEndian.PutUint16(payload[0:2], uint16(len(entries)))
	binary.BigEndian.PutUint64(payload[2:10], uint64(filestore.NoBlock))

	dirEnd := headerSize + len(entries)*2
	cursor := len(payload)

	for i, e := range entries {
		cellLen := common.VarintSize(uint64(len(e.key))) + len(e.key) + common.VarintSize(uint64(len(e.val))) + len(e.val)
		cursor -= cellLen
		cell := payload[cursor : cursor+cellLen]

		n := common.PutUvarint(cell, uint64(len(e.key)))
		n += copy(cell[n:], e.key)
		n += common.PutUvarint(cell[n:], uint64(len(e.val)))
		copy(cell[n:], e.val)

		binary.BigEndian.PutUint16(payload[headerSize+i*2:], uint16(cursor))
	}

	for i := dirEnd; i < cursor; i++ {
		payload[i] = 0
	}
	return nil
}

func leafSize(entries []kv) int {
	size := headerSize + len(entries)*2
	for _, e := range entries {
		size += common.VarintSize(uint64(len(e.key))) + len(e.key) + common.VarintSize(uint64(len(e.val))) + len(e.val)
	}
	return size
}

// decodeInternal parses an internal page into its leftmost child and
// ordered separators.
func decodeInternal(payload []byte) (filestore.BlockID, []sep, error) {
	numCells := binary.BigEndian.Uint16(payload[0:2])
	firstChild := filestore.BlockID(binary.BigEndian.Uint64(payload[2:10]))
	dir := payload[headerSize : headerSize+int(numCells)*2]

	seps := make([]sep, numCells)
	for i := uint16(0); i < numCells; i++ {
		off := binary.BigEndian.Uint16(dir[i*2:])
		cell := payload[off:]

		keyLen, n := common.Uvarint(cell)
		if n <= 0 {
			return 0, nil, errPageCorrupt
		}
		cell = cell[n:]
		key := cell[:keyLen]
		cell = cell[keyLen:]

		child := filestore.BlockID(binary.BigEndian.Uint64(cell[:8]))
		seps[i] = sep{key: append([]byte(nil), key...), child: child}
	}
	return firstChild, seps, nil
}

func internalSize(seps []sep) int {
	size := headerSize + len(seps)*2
	for _, s := range seps {
		size += common.VarintSize(uint64(len(s.key))) + len(s.key) + 8
	}
	return size
}

func encodeInternal(payload []byte, firstChild filestore.BlockID, seps []sep) error {
	size := internalSize(seps)
	if size > len(payload) {
		return errors.New("internal page overflow")
	}

	binary.BigEndian.PutUint16(payload[0:2], uint16(len(seps)))
	binary.BigEndian.PutUint64(payload[2:10], uint64(firstChild))

	dirEnd := headerSize + len(seps)*2
	cursor := len(payload)

	for i, s := range seps {
		cellLen := common.VarintSize(uint64(len(s.key))) + len(s.key) + 8
		cursor -= cellLen
		cell := payload[cursor : cursor+cellLen]

		n := common.PutUvarint(cell, uint64(len(s.key)))
		n += copy(cell[n:], s.key)
		binary.BigEndian.PutUint64(cell[n:], uint64(s.child))

		binary.BigEndian.PutUint16(payload[headerSize+i*2:], uint16(cursor))
	}

	for i := dirEnd; i < cursor; i++ {
		payload[i] = 0
	}
	return nil
}

// insertSortedKV inserts or replaces (key,val) into entries, keeping
// ascending order. Returns the updated slice, the previous value (nil if
// this was a fresh insert) and whether the key already existed.
func insertSortedKV(entries []kv, key, val []byte) ([]kv, []byte, bool) {
	idx, found := searchKV(entries, key)
	if found {
		old := entries[idx].val
		out := make([]kv, len(entries))
		copy(out, entries)
		out[idx] = kv{key: key, val: val}
		return out, old, true
	}
	out := make([]kv, 0, len(entries)+1)
	out = append(out, entries[:idx]...)
	out = append(out, kv{key: key, val: val})
	out = append(out, entries[idx:]...)
	return out, nil, false
}

func removeKV(entries []kv, key []byte) ([]kv, bool) {
	idx, found := searchKV(entries, key)
	if !found {
		return entries, false
	}
	out := make([]kv, 0, len(entries)-1)
	out = append(out, entries[:idx]...)
	out = append(out, entries[idx+1:]...)
	return out, true
}

func searchKV(entries []kv, key []byte) (int, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(entries[mid].key, key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// childForKey returns the index into seps (or -1 for firstChild) and the
// BlockID of the child that would hold key. Cell semantics: seps[i]
// covers keys >= seps[i].key, up to (excluding) seps[i+1].key; firstChild
// covers keys < seps[0].key.
func childForKey(firstChild filestore.BlockID, seps []sep, key []byte) (int, filestore.BlockID) {
	idx := -1
	for i, s := range seps {
		if bytes.Compare(key, s.key) >= 0 {
			idx = i
		} else {
			break
		}
	}
	if idx == -1 {
		return -1, firstChild
	}
	return idx, seps[idx].child
}

func insertSortedSep(seps []sep, s sep) []sep {
	i, _ := searchSep(seps, s.key)
	out := make([]sep, 0, len(seps)+1)
	out = append(out, seps[:i]...)
	out = append(out, s)
	out = append(out, seps[i:]...)
	return out
}

func searchSep(seps []sep, key []byte) (int, bool) {
	lo, hi := 0, len(seps)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(seps[mid].key, key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}
