// Package engine ties the file manager, document log, B-tree, HB+trie
// and write-ahead buffer into a single document-oriented store:
// Open/Get/GetMetaOnly/Set/Remove/Commit/Compact/Close.
package engine

import (
	"sync"

	"github.com/emberstore/ember/btree"
	"github.com/emberstore/ember/common"
	"github.com/emberstore/ember/doclog"
	"github.com/emberstore/ember/filestore"
	"github.com/emberstore/ember/hbtrie"
	"github.com/emberstore/ember/wal"
	"go.uber.org/zap"
)

// Engine is a single open store. Every exported method takes the
// engine's mutex, so calls from several goroutines run one at a time;
// there is no isolation between callers beyond that serialization.
type Engine struct {
	mu sync.Mutex

	path string
	cfg  Config
	log  *zap.Logger

	fm       *filestore.Manager
	doclog   *doclog.Log
	tree     *btree.Tree
	trie     *hbtrie.Trie
	wal      *wal.WAL
	trieRoot filestore.BlockID

	seq *seqIndex // nil unless cfg.Seqtree

	ndocs    uint64
	datasize uint64

	closed bool
}

// Open opens (or creates) the store at path, recovering the newest
// superblock generation if one exists.
func Open(path string, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	fm, err := filestore.Open(path, filestore.Options{
		BufferCacheBytes: cfg.BufferCacheBytes,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		path:     path,
		cfg:      cfg,
		log:      logger,
		fm:       fm,
		doclog:   doclog.Open(fm),
		tree:     btree.New(fm),
		wal:      wal.New(),
		trieRoot: filestore.NoBlock,
	}
	e.trie = hbtrie.New(e.tree, e.doclog, cfg.ChunkSize)

	sb, ok := fm.LastSuperblock()
	if ok {
		e.trieRoot = sb.TrieRoot
		e.ndocs = sb.NDocs
		e.datasize = sb.DataSize
	}

	if cfg.Seqtree {
		seqRoot := filestore.NoBlock
		next := uint64(1)
		if ok {
			seqRoot = sb.SeqRoot
			if n, valid := decodeSeqHeader(fm.Header()); valid {
				next = n
			}
		}
		e.seq = newSeqIndex(e.tree, seqRoot, next)
	}

	logger.Info("opened store", zap.String("path", path), zap.Uint64("ndocs", e.ndocs))
	return e, nil
}

// Set appends {key, meta, body} to the document log and stages the
// index update in the write-ahead buffer. A write with no body is a
// delete: it stages a removal instead of appending a record, the same
// as Remove.
func (e *Engine) Set(key, meta, body []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}
	if len(key) == 0 {
		return common.ErrInvalidArgs
	}

	if len(body) == 0 {
		e.wal.Remove(key)
		return e.maybeAutoFlushLocked()
	}

	offset, err := e.doclog.Append(key, meta, body)
	if err != nil {
		return err
	}
	e.wal.Set(key, offset)

	return e.maybeAutoFlushLocked()
}

// Remove stages a deletion of key.
func (e *Engine) Remove(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}
	if len(key) == 0 {
		return common.ErrInvalidArgs
	}

	e.wal.Remove(key)
	return e.maybeAutoFlushLocked()
}

func (e *Engine) maybeAutoFlushLocked() error {
	if e.cfg.WALThreshold > 0 && e.wal.Size() >= e.cfg.WALThreshold {
		return e.wal.Flush(e)
	}
	return nil
}

// Get returns the full record for key, checking the write-ahead buffer
// for an uncommitted write before falling back to the HB+trie.
func (e *Engine) Get(key []byte) (*Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, common.ErrClosed
	}

	offset, ok, err := e.resolveLocked(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.WrapNotFound("get: key not found")
	}

	k, meta, body, err := e.doclog.ReadFull(offset)
	if err != nil {
		return nil, err
	}
	return &Document{Key: k, Meta: meta, Body: body}, nil
}

// GetMetaOnly returns key and meta without pulling body off disk.
func (e *Engine) GetMetaOnly(key []byte) (*Document, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, common.ErrClosed
	}

	offset, ok, err := e.resolveLocked(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.WrapNotFound("get_metaonly: key not found")
	}

	k, meta, err := e.doclog.ReadKeyMeta(offset)
	if err != nil {
		return nil, err
	}
	bodyOff, err := e.doclog.BodyOffset(offset)
	if err != nil {
		return nil, err
	}
	return &Document{Key: k, Meta: meta, BodyOffset: bodyOff}, nil
}

// resolveLocked finds key's current document-log offset, preferring a
// pending WAL entry over the committed trie.
func (e *Engine) resolveLocked(key []byte) (int64, bool, error) {
	if offset, action, found := e.wal.Get(key); found {
		if action == wal.ActionRemove {
			return 0, false, nil
		}
		return offset, true, nil
	}
	return e.trie.Find(e.trieRoot, key)
}

// ApplySet implements wal.CommitCallback: merges one staged write into
// the HB+trie (and the sequence index, if enabled), updating ndocs and
// datasize.
func (e *Engine) ApplySet(key []byte, offset int64) error {
	newRoot, result, oldOffset, err := e.trie.Insert(e.trieRoot, key, offset)
	if err != nil {
		return err
	}
	e.trieRoot = newRoot

	newSize, err := e.doclog.RecordSize(offset)
	if err != nil {
		return err
	}

	if result == btree.Inserted {
		e.ndocs++
		e.datasize += uint64(newSize)
	} else {
		oldSize, err := e.doclog.RecordSize(oldOffset)
		if err != nil {
			return err
		}
		e.datasize = e.datasize - uint64(oldSize) + uint64(newSize)
	}

	if e.seq != nil {
		if _, err := e.seq.insert(offset); err != nil {
			return err
		}
	}
	return nil
}

// ApplyRemove implements wal.CommitCallback: removes key's mapping from
// the HB+trie, decrementing ndocs and datasize.
func (e *Engine) ApplyRemove(key []byte) error {
	newRoot, removed, offset, err := e.trie.Remove(e.trieRoot, key)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	e.trieRoot = newRoot

	size, err := e.doclog.RecordSize(offset)
	if err != nil {
		return err
	}
	e.ndocs--
	e.datasize -= uint64(size)
	return nil
}

// Walk visits every live key in ascending lexicographic order, each
// exactly once. Pending writes are merged into the trie first — the same
// in-memory merge an auto-flush performs, durable only at the next
// Commit — so Walk observes everything staged on this handle, not just
// the last committed generation.
func (e *Engine) Walk(fn func(key []byte) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}

	if err := e.wal.Flush(e); err != nil {
		return err
	}
	return e.trie.Walk(e.trieRoot, func(key []byte, offset int64) error {
		return fn(key)
	})
}

// WalkBySeq visits every live key in ascending sequence (write) order.
// The sequence index is append-only between compactions — removals and
// overwrites leave their old entries behind, the same way the doclog
// keeps superseded records — so each entry is checked against the
// trie's current mapping and skipped unless its offset is still the
// live one. Returns ErrInvalidArgs when the sequence index is disabled.
func (e *Engine) WalkBySeq(fn func(key []byte) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}
	if e.seq == nil {
		return common.ErrInvalidArgs
	}

	if err := e.wal.Flush(e); err != nil {
		return err
	}
	return e.seq.walkInOrder(func(offset int64) error {
		key, err := e.doclog.ReadKey(offset)
		if err != nil {
			return err
		}
		cur, ok, err := e.trie.Find(e.trieRoot, key)
		if err != nil {
			return err
		}
		if !ok || cur != offset {
			return nil
		}
		return fn(key)
	})
}

// Commit flushes the write-ahead buffer into the HB+trie, then persists
// the trie (and sequence index) root, ndocs and datasize as a new
// superblock generation, fsyncing before returning.
func (e *Engine) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}

	if err := e.wal.Flush(e); err != nil {
		return err
	}

	seqRoot := filestore.NoBlock
	if e.seq != nil {
		seqRoot = e.seq.root
		e.fm.UpdateHeader(encodeSeqHeader(e.seq.next))
	}

	sb, err := e.fm.Commit(e.trieRoot, seqRoot, e.ndocs, e.datasize)
	if err != nil {
		return err
	}
	e.log.Debug("committed", zap.Uint64("generation", sb.Generation))
	return nil
}

// Stats reports the store's current bookkeeping counters.
func (e *Engine) Stats() common.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	reads, writes, hits, fileSize := e.fm.Stats()
	sb, _ := e.fm.LastSuperblock()
	return common.Stats{
		NDocs:        e.ndocs,
		DataSize:     e.datasize,
		Generation:   sb.Generation,
		BlockReads:   reads,
		BlockWrites:  writes,
		CacheHits:    hits,
		WALSize:      e.wal.Size(),
		WALThreshold: e.cfg.WALThreshold,
		FileSize:     fileSize,
	}
}

// Close releases the backing file without persisting a new superblock
// generation. Durability is per-commit, not per-set or per-close: any
// WAL entry staged since the last Commit is discarded here, the
// same as it would be on a crash. filestore.Manager.Close still flushes
// already-dirty blocks to disk so the bytes are physically present, but
// with no new superblock pointing at them they are unreachable garbage
// reclaimed by the next Compact, not a silently-promoted commit.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.ErrClosed
	}

	e.closed = true
	return e.fm.Close()
}
