package engine

import (
	"os"
	"path/filepath"

	"github.com/emberstore/ember/btree"
	"github.com/emberstore/ember/common"
	"github.com/emberstore/ember/doclog"
	"github.com/emberstore/ember/filestore"
	"github.com/emberstore/ember/hbtrie"
	"github.com/google/uuid"
	atomicfile "github.com/natefinch/atomic"
	"go.uber.org/zap"
)

// Compact rewrites the store into a fresh file at the same path, in
// place, via CompactTo: a temp file is built and atomically swapped
// over the original.
func (e *Engine) Compact() error {
	return e.CompactTo(e.path)
}

// CompactTo streams every live document into a fresh file at newPath,
// in a single forward pass, then switches the handle over to it. It holds
// the engine's mutex for the whole copy, so no other Engine method runs
// until it returns and it never has to reconcile with in-flight writers.
// When newPath differs from
// the engine's current path, the original file is closed and left on
// disk, untouched, under its own path.
func (e *Engine) CompactTo(newPath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}
	if newPath == "" {
		return common.ErrInvalidArgs
	}

	if err := e.wal.Flush(e); err != nil {
		return err
	}

	inPlace := newPath == e.path
	destPath := newPath
	if inPlace {
		destPath = filepath.Join(filepath.Dir(e.path), ".emberstore-compact-"+uuid.New().String())
	}
	newFm, err := filestore.Open(destPath, filestore.Options{
		BufferCacheBytes: e.cfg.BufferCacheBytes,
		Logger:           e.log,
	})
	if err != nil {
		return err
	}

	newLog := doclog.Open(newFm)
	newTree := btree.New(newFm)
	newTrie := hbtrie.New(newTree, newLog, e.cfg.ChunkSize)

	newTrieRoot := filestore.NoBlock
	var newSeq *seqIndex
	if e.seq != nil {
		// Rebuilt from scratch below: the old sequence index carries
		// entries for removed keys and superseded offsets (nothing prunes
		// it between compactions), so replaying it would resurrect dead
		// documents. The trie is the source of truth for the live set;
		// the rebuilt index renumbers that set in key order, and the
		// write-order history of dead generations does not survive.
		newSeq = newSeqIndex(newTree, filestore.NoBlock, 1)
	}

	// Every record is appended before any is indexed: index pages allocated
	// between two appends would make newLog.Append skip past them and start
	// each record on a block of its own.
	var keys [][]byte
	var offsets []int64
	copyOne := func(key []byte, offset int64) error {
		_, meta, body, err := e.doclog.ReadFull(offset)
		if err != nil {
			return err
		}
		newOffset, err := newLog.Append(key, meta, body)
		if err != nil {
			return err
		}
		keys, offsets = append(keys, key), append(offsets, newOffset)
		return nil
	}
	indexOne := func(key []byte, newOffset int64) error {
		var err error
		newTrieRoot, _, _, err = newTrie.Insert(newTrieRoot, key, newOffset)
		if err != nil {
			return err
		}
		if newSeq != nil {
			if _, err := newSeq.insert(newOffset); err != nil {
				return err
			}
		}
		return nil
	}

	err = e.trie.Walk(e.trieRoot, copyOne)
	for i := 0; err == nil && i < len(keys); i++ {
		err = indexOne(keys[i], offsets[i])
	}
	if err != nil {
		newFm.Close()
		os.Remove(destPath)
		return err
	}

	newSeqRoot := filestore.NoBlock
	if newSeq != nil {
		newSeqRoot = newSeq.root
		newFm.UpdateHeader(encodeSeqHeader(newSeq.next))
	}
	if _, err := newFm.Commit(newTrieRoot, newSeqRoot, e.ndocs, e.datasize); err != nil {
		newFm.Close()
		os.Remove(destPath)
		return err
	}
	if err := newFm.Close(); err != nil {
		os.Remove(destPath)
		return err
	}

	// Every page of the old file is dead the moment the copy is
	// complete; drop them all without write-back rather than letting
	// Close flush dead bytes.
	for id, n := filestore.BlockID(0), e.fm.NumBlocks(); id < n; id++ {
		e.fm.RemoveFromCache(id)
	}

	if err := e.fm.Close(); err != nil {
		if inPlace {
			os.Remove(destPath)
		}
		return err
	}

	finalPath := newPath
	if inPlace {
		src, err := os.Open(destPath)
		if err != nil {
			return err
		}
		swapErr := atomicfile.WriteFile(e.path, src)
		src.Close()
		os.Remove(destPath)
		if swapErr != nil {
			return swapErr
		}
	}

	reopened, err := filestore.Open(finalPath, filestore.Options{
		BufferCacheBytes: e.cfg.BufferCacheBytes,
		Logger:           e.log,
	})
	if err != nil {
		return err
	}

	e.path = finalPath
	e.fm = reopened
	e.doclog = doclog.Open(reopened)
	e.tree = btree.New(reopened)
	e.trie = hbtrie.New(e.tree, e.doclog, e.cfg.ChunkSize)
	e.trieRoot = newTrieRoot
	if e.seq != nil {
		e.seq = newSeqIndex(e.tree, newSeqRoot, newSeq.next)
	}

	e.log.Info("compacted store", zap.String("path", e.path), zap.Uint64("ndocs", e.ndocs))
	return nil
}
