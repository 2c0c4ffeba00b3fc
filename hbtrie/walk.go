package hbtrie

import "github.com/emberstore/ember/filestore"

// Walk visits every (key, offset) mapping reachable from root, in the
// chunk-level trie's iteration order. Used by compaction to stream the
// full live key set into a fresh file without needing a parallel
// structure that tracks keys independently of the trie.
func (t *Trie) Walk(root filestore.BlockID, fn func(key []byte, offset int64) error) error {
	if root == filestore.NoBlock {
		return nil
	}

	it, err := t.tree.Iterate(root, nil)
	if err != nil {
		return err
	}

	for it.Next() {
		kind, payload, err := decodeSlot(it.Value())
		if err != nil {
			return err
		}
		if kind == slotDoc {
			offset := decodeDocSlot(payload)
			key, err := t.log.ReadKey(offset)
			if err != nil {
				return err
			}
			if err := fn(key, offset); err != nil {
				return err
			}
			continue
		}
		if err := t.Walk(decodeSubtrieSlot(payload), fn); err != nil {
			return err
		}
	}
	return nil
}
