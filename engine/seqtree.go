package engine

import (
	"encoding/binary"

	"github.com/emberstore/ember/btree"
	"github.com/emberstore/ember/filestore"
)

// seqIndex is the optional sequence-number secondary index: the
// original's sequence tree is carried here as a real, working,
// off-by-default collaborator rather than the partially-built stub the
// C source actually shipped). It maps a monotonically increasing
// sequence number — bumped on every committed Set, including
// overwrites of an existing key — to that write's document-log offset.
type seqIndex struct {
	tree *btree.Tree
	root filestore.BlockID
	next uint64
}

func newSeqIndex(tree *btree.Tree, root filestore.BlockID, next uint64) *seqIndex {
	return &seqIndex{tree: tree, root: root, next: next}
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func encodeSeqOffset(offset int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(offset))
	return buf
}

func decodeSeqOffset(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf))
}

// The next sequence number must survive close/reopen — restarting at 1
// would silently overwrite the oldest committed sequence entries. It
// rides in the superblock's opaque header region, the file manager's
// update-header slot, so it is recovered with the same generation scan
// that recovers the tree roots.
func encodeSeqHeader(next uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	return buf
}

func decodeSeqHeader(h []byte) (uint64, bool) {
	if len(h) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(h), true
}

// insert records offset under the next sequence number and returns it.
func (s *seqIndex) insert(offset int64) (uint64, error) {
	seq := s.next
	s.next++
	newRoot, _, _, err := s.tree.Insert(s.root, encodeSeq(seq), encodeSeqOffset(offset))
	if err != nil {
		return 0, err
	}
	s.root = newRoot
	return seq, nil
}

// walkInOrder visits every (seq, offset) pair in ascending sequence
// order, stale entries included — the index is append-only between
// compactions, so callers (Engine.WalkBySeq) filter each entry against
// the trie's current mapping.
func (s *seqIndex) walkInOrder(fn func(offset int64) error) error {
	if s.root == filestore.NoBlock {
		return nil
	}
	it, err := s.tree.Iterate(s.root, nil)
	if err != nil {
		return err
	}
	for it.Next() {
		if err := fn(decodeSeqOffset(it.Value())); err != nil {
			return err
		}
	}
	return nil
}
