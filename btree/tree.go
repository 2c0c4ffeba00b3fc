package btree

import (
	"github.com/emberstore/ember/filestore"
)

// InsertResult distinguishes a fresh insert from an overwrite of an
// existing key, mirroring the distinction the HB+trie needs to decide
// whether ndocs/datasize move.
type InsertResult int

const (
	Inserted InsertResult = iota
	Updated
)

// Tree is a block-indexed copy-on-write B+tree over a filestore.Manager.
// It holds no root of its own — callers (hbtrie, the optional sequence
// index) track the current root BlockID themselves and pass it into
// every call, the same way the file manager's superblock only ever
// records a root pointer rather than owning tree state.
type Tree struct {
	fm *filestore.Manager
}

func New(fm *filestore.Manager) *Tree {
	return &Tree{fm: fm}
}

// NewEmptyRoot allocates a fresh, empty leaf page and returns its
// BlockID, for callers bootstrapping a brand new tree or sub-trie.
func (t *Tree) NewEmptyRoot() (filestore.BlockID, error) {
	b, err := t.fm.AllocateBlock(filestore.TagBTreeLeaf)
	if err != nil {
		return filestore.NoBlock, err
	}
	if err := encodeLeaf(b.Payload(), nil); err != nil {
		return filestore.NoBlock, err
	}
	return b.ID(), t.fm.WriteBlock(b)
}

// Batch threads a sequence of Insert/Delete calls through a single
// evolving root, so that a run of mutations against the same tree only
// ever copies an ancestor page once no matter how many of the run's keys
// fall under it — pages allocated earlier in the batch are recognized as
// already-owned and mutated in place rather than copied again. Each page
// is handed to the file manager's dirty set as soon as it is allocated or
// rewritten; pages are not held back and released together at End.
type Batch struct {
	t     *Tree
	root  filestore.BlockID
	owned map[filestore.BlockID]bool
}

func (t *Tree) Begin(root filestore.BlockID) *Batch {
	return &Batch{t: t, root: root, owned: make(map[filestore.BlockID]bool)}
}

func (b *Batch) Root() filestore.BlockID { return b.root }

// End finalizes the batch and returns the tree's new root. Dirty pages
// are already tracked by the file manager's own dirty set as they were
// allocated or rewritten; End performs no extra flush.
func (b *Batch) End() filestore.BlockID { return b.root }

func (b *Batch) Insert(key, val []byte) (InsertResult, []byte, error) {
	newRoot, result, old, err := b.t.insert(b.root, key, val, b.owned)
	if err != nil {
		return 0, nil, err
	}
	b.root = newRoot
	return result, old, nil
}

func (b *Batch) Delete(key []byte) (bool, error) {
	newRoot, removed, err := b.t.delete(b.root, key, b.owned)
	if err != nil {
		return false, err
	}
	b.root = newRoot
	return removed, nil
}

func (b *Batch) Find(key []byte) ([]byte, bool, error) {
	return b.t.Find(b.root, key)
}

// Find looks up key starting from root. It performs no copy-on-write and
// never mutates the tree.
func (t *Tree) Find(root filestore.BlockID, key []byte) ([]byte, bool, error) {
	id := root
	for {
		if id == filestore.NoBlock {
			return nil, false, nil
		}
		b, err := t.fm.ReadBlock(id)
		if err != nil {
			return nil, false, err
		}
		if b.Tag() == filestore.TagBTreeLeaf {
			entries, err := decodeLeaf(b.Payload())
			if err != nil {
				return nil, false, err
			}
			idx, found := searchKV(entries, key)
			if !found {
				return nil, false, nil
			}
			return entries[idx].val, true, nil
		}
		firstChild, seps, err := decodeInternal(b.Payload())
		if err != nil {
			return nil, false, err
		}
		_, id = childForKey(firstChild, seps, key)
	}
}

// Insert is a convenience single-operation wrapper around Begin/Insert/End.
func (t *Tree) Insert(root filestore.BlockID, key, val []byte) (filestore.BlockID, InsertResult, []byte, error) {
	newRoot, result, old, err := t.insert(root, key, val, make(map[filestore.BlockID]bool))
	return newRoot, result, old, err
}

// Delete is a convenience single-operation wrapper around Begin/Delete/End.
func (t *Tree) Delete(root filestore.BlockID, key []byte) (filestore.BlockID, bool, error) {
	return t.delete(root, key, make(map[filestore.BlockID]bool))
}

func (t *Tree) insert(root filestore.BlockID, key, val []byte, owned map[filestore.BlockID]bool) (filestore.BlockID, InsertResult, []byte, error) {
	if root == filestore.NoBlock {
		id, err := t.NewEmptyRoot()
		if err != nil {
			return filestore.NoBlock, 0, nil, err
		}
		owned[id] = true
		root = id
	}

	newRootID, splitKey, splitRight, hasSplit, result, old, err := t.insertRec(root, key, val, owned)
	if err != nil {
		return filestore.NoBlock, 0, nil, err
	}
	if !hasSplit {
		return newRootID, result, old, nil
	}

	nb, err := t.fm.AllocateBlock(filestore.TagBTreeInner)
	if err != nil {
		return filestore.NoBlock, 0, nil, err
	}
	owned[nb.ID()] = true
	if err := encodeInternal(nb.Payload(), newRootID, []sep{{key: splitKey, child: splitRight}}); err != nil {
		return filestore.NoBlock, 0, nil, err
	}
	if err := t.fm.WriteBlock(nb); err != nil {
		return filestore.NoBlock, 0, nil, err
	}
	return nb.ID(), result, old, nil
}

// insertRec recursively inserts (key,val) under pageID. It returns the
// (possibly new) BlockID that now holds pageID's content, and — if the
// page had to split — the separator key/child promoted to the parent.
func (t *Tree) insertRec(pageID filestore.BlockID, key, val []byte, owned map[filestore.BlockID]bool) (newID filestore.BlockID, splitKey []byte, splitRight filestore.BlockID, hasSplit bool, result InsertResult, old []byte, err error) {
	b, err := t.fm.ReadBlock(pageID)
	if err != nil {
		return 0, nil, 0, false, 0, nil, err
	}

	if b.Tag() == filestore.TagBTreeLeaf {
		entries, err := decodeLeaf(b.Payload())
		if err != nil {
			return 0, nil, 0, false, 0, nil, err
		}
		merged, oldVal, existed := insertSortedKV(entries, key, val)
		result := Inserted
		if existed {
			result = Updated
		}

		if leafSize(merged) <= len(b.Payload()) {
			id, err := t.writeLeaf(pageID, merged, owned)
			return id, nil, 0, false, result, oldVal, err
		}

		mid := len(merged) / 2
		leftID, err := t.newLeaf(merged[:mid])
		if err != nil {
			return 0, nil, 0, false, 0, nil, err
		}
		rightID, err := t.newLeaf(merged[mid:])
		if err != nil {
			return 0, nil, 0, false, 0, nil, err
		}
		owned[leftID], owned[rightID] = true, true
		return leftID, merged[mid].key, rightID, true, result, oldVal, nil
	}

	firstChild, seps, err := decodeInternal(b.Payload())
	if err != nil {
		return 0, nil, 0, false, 0, nil, err
	}
	idx, childID := childForKey(firstChild, seps, key)

	newChildID, childSplitKey, childSplitRight, childSplit, result, old, err := t.insertRec(childID, key, val, owned)
	if err != nil {
		return 0, nil, 0, false, 0, nil, err
	}

	if idx == -1 {
		firstChild = newChildID
	} else {
		seps[idx].child = newChildID
	}

	if !childSplit {
		id, err := t.writeInternal(pageID, firstChild, seps, owned)
		return id, nil, 0, false, result, old, err
	}

	seps = insertSortedSep(seps, sep{key: childSplitKey, child: childSplitRight})

	if internalSize(seps) <= len(b.Payload()) {
		id, err := t.writeInternal(pageID, firstChild, seps, owned)
		return id, nil, 0, false, result, old, err
	}

	mid := len(seps) / 2
	leftID, err := t.newInternal(firstChild, seps[:mid])
	if err != nil {
		return 0, nil, 0, false, 0, nil, err
	}
	rightID, err := t.newInternal(seps[mid].child, seps[mid+1:])
	if err != nil {
		return 0, nil, 0, false, 0, nil, err
	}
	owned[leftID], owned[rightID] = true, true
	return leftID, seps[mid].key, rightID, true, result, old, nil
}

func (t *Tree) delete(root filestore.BlockID, key []byte, owned map[filestore.BlockID]bool) (filestore.BlockID, bool, error) {
	if root == filestore.NoBlock {
		return root, false, nil
	}
	newRoot, removed, err := t.deleteRec(root, key, owned)
	return newRoot, removed, err
}

// deleteRec removes key if present. Underfull pages are left underfull:
// no borrow/redistribute/merge-with-sibling is performed (see DESIGN.md
// "btree" — merge simplification). Wasted space is reclaimed wholesale
// at compaction.
func (t *Tree) deleteRec(pageID filestore.BlockID, key []byte, owned map[filestore.BlockID]bool) (filestore.BlockID, bool, error) {
	b, err := t.fm.ReadBlock(pageID)
	if err != nil {
		return 0, false, err
	}

	if b.Tag() == filestore.TagBTreeLeaf {
		entries, err := decodeLeaf(b.Payload())
		if err != nil {
			return 0, false, err
		}
		remaining, removed := removeKV(entries, key)
		if !removed {
			return pageID, false, nil
		}
		id, err := t.writeLeaf(pageID, remaining, owned)
		return id, true, err
	}

	firstChild, seps, err := decodeInternal(b.Payload())
	if err != nil {
		return 0, false, err
	}
	idx, childID := childForKey(firstChild, seps, key)

	newChildID, removed, err := t.deleteRec(childID, key, owned)
	if err != nil {
		return 0, false, err
	}
	if !removed {
		return pageID, false, nil
	}

	if idx == -1 {
		firstChild = newChildID
	} else {
		seps[idx].child = newChildID
	}
	id, err := t.writeInternal(pageID, firstChild, seps, owned)
	return id, true, err
}

func (t *Tree) writeLeaf(pageID filestore.BlockID, entries []kv, owned map[filestore.BlockID]bool) (filestore.BlockID, error) {
	b, err := t.pageFor(pageID, filestore.TagBTreeLeaf, owned)
	if err != nil {
		return 0, err
	}
	if err := encodeLeaf(b.Payload(), entries); err != nil {
		return 0, err
	}
	owned[b.ID()] = true
	return b.ID(), t.fm.WriteBlock(b)
}

func (t *Tree) writeInternal(pageID filestore.BlockID, firstChild filestore.BlockID, seps []sep, owned map[filestore.BlockID]bool) (filestore.BlockID, error) {
	b, err := t.pageFor(pageID, filestore.TagBTreeInner, owned)
	if err != nil {
		return 0, err
	}
	if err := encodeInternal(b.Payload(), firstChild, seps); err != nil {
		return 0, err
	}
	owned[b.ID()] = true
	return b.ID(), t.fm.WriteBlock(b)
}

func (t *Tree) newLeaf(entries []kv) (filestore.BlockID, error) {
	b, err := t.fm.AllocateBlock(filestore.TagBTreeLeaf)
	if err != nil {
		return 0, err
	}
	if err := encodeLeaf(b.Payload(), entries); err != nil {
		return 0, err
	}
	return b.ID(), t.fm.WriteBlock(b)
}

func (t *Tree) newInternal(firstChild filestore.BlockID, seps []sep) (filestore.BlockID, error) {
	b, err := t.fm.AllocateBlock(filestore.TagBTreeInner)
	if err != nil {
		return 0, err
	}
	if err := encodeInternal(b.Payload(), firstChild, seps); err != nil {
		return 0, err
	}
	return b.ID(), t.fm.WriteBlock(b)
}

// pageFor returns a block to write the updated contents of pageID into:
// the same block if this batch already owns it (already a fresh COW
// copy this operation), or a freshly allocated one otherwise.
func (t *Tree) pageFor(pageID filestore.BlockID, tag byte, owned map[filestore.BlockID]bool) (*filestore.Block, error) {
	if owned[pageID] {
		return t.fm.ReadBlock(pageID)
	}
	return t.fm.AllocateBlock(tag)
}

// collectInOrder gathers every leaf cell reachable from root, in
// ascending key order, by walking firstChild then each separator's child
// left to right — their key ranges are disjoint and already sorted, so
// concatenation preserves global order.
func (t *Tree) collectInOrder(root filestore.BlockID) ([]kv, error) {
	if root == filestore.NoBlock {
		return nil, nil
	}
	b, err := t.fm.ReadBlock(root)
	if err != nil {
		return nil, err
	}
	if b.Tag() == filestore.TagBTreeLeaf {
		return decodeLeaf(b.Payload())
	}
	firstChild, seps, err := decodeInternal(b.Payload())
	if err != nil {
		return nil, err
	}
	var out []kv
	left, err := t.collectInOrder(firstChild)
	if err != nil {
		return nil, err
	}
	out = append(out, left...)
	for _, s := range seps {
		sub, err := t.collectInOrder(s.child)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}
