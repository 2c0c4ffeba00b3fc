package btree

import "github.com/emberstore/ember/filestore"

// Iterator walks a snapshot of a tree's entries in ascending key order.
// It is built eagerly at Iterate time rather than streamed page-by-page:
// trees in this system stay small enough (one per HB+trie chunk, or the
// optional sequence index) that materializing the range is simpler and
// safer than threading a multi-level cursor stack through COW pages that
// may be concurrently replaced by a later operation on the same root.
type Iterator struct {
	items []kv
	pos   int
}

func (t *Tree) Iterate(root filestore.BlockID, start []byte) (*Iterator, error) {
	all, err := t.collectInOrder(root)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return &Iterator{items: all, pos: -1}, nil
	}
	idx, _ := searchKV(all, start)
	return &Iterator{items: all[idx:], pos: -1}, nil
}

// Next advances to the next entry, returning false once exhausted.
func (it *Iterator) Next() bool {
	it.pos++
	return it.pos < len(it.items)
}

func (it *Iterator) Key() []byte   { return it.items[it.pos].key }
func (it *Iterator) Value() []byte { return it.items[it.pos].val }
