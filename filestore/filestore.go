// Package filestore implements the file manager: block-addressed paged
// access to a single file with an LRU block cache and a crash-safe,
// multi-generation superblock region.
package filestore

import (
	"container/list"
	"os"
	"sync"

	"github.com/emberstore/ember/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Manager owns the single backing file, its block cache and the pending
// superblock header. It is the only collaborator that touches raw
// pread/pwrite/fsync.
type Manager struct {
	mu   sync.Mutex
	file *os.File
	log  *zap.Logger

	cache     map[BlockID]*Block
	lru       *list.List
	lruElem   map[BlockID]*list.Element
	cacheCap  int
	dirty     map[BlockID]struct{}
	numBlocks BlockID

	pendingHeader []byte

	lastSuperblock Superblock
	haveSuperblock bool

	closed bool

	stats struct {
		reads, writes, hits int64
	}
}

// Options configures a Manager at Open.
type Options struct {
	// BufferCacheBytes is divided by BlockSize to yield cache slots.
	BufferCacheBytes int
	Logger           *zap.Logger
}

// Open opens (or creates) path and recovers the newest valid superblock
// generation, if any.
func Open(path string, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cacheCap := opts.BufferCacheBytes / BlockSize
	if cacheCap < 1 {
		cacheCap = 1
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, common.WrapIO(err, "open file")
	}

	m := &Manager{
		file:     f,
		log:      logger,
		cache:    make(map[BlockID]*Block),
		lru:      list.New(),
		lruElem:  make(map[BlockID]*list.Element),
		cacheCap: cacheCap,
		dirty:    make(map[BlockID]struct{}),
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.WrapIO(err, "stat file")
	}
	m.numBlocks = BlockID(info.Size() / BlockSize)

	if err := m.recoverSuperblock(); err != nil {
		f.Close()
		return nil, err
	}

	return m, nil
}

// recoverSuperblock scans backward from the end of the file for the
// newest valid superblock generation.
func (m *Manager) recoverSuperblock() error {
	for i := int64(m.numBlocks) - 1; i >= 0; i-- {
		raw := make([]byte, BlockSize)
		if _, err := m.file.ReadAt(raw, i*BlockSize); err != nil {
			return common.WrapIO(err, "scan for superblock")
		}
		if raw[BlockSize-1] != TagSuperblock {
			continue
		}
		sb, header, ok := decodeSuperblock(raw[:payloadSize])
		if !ok {
			continue
		}
		m.lastSuperblock = sb
		m.pendingHeader = header
		m.haveSuperblock = true
		return nil
	}
	return nil
}

// LastSuperblock returns the most recent recovered generation, if any.
func (m *Manager) LastSuperblock() (Superblock, bool) {
	return m.lastSuperblock, m.haveSuperblock
}

// UpdateHeader supplies the opaque header bytes written at next commit.
func (m *Manager) UpdateHeader(header []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingHeader = append([]byte(nil), header...)
}

// Header returns the header bytes recovered at Open (or last staged via
// UpdateHeader).
func (m *Manager) Header() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingHeader
}

// NumBlocks returns the number of blocks currently allocated in the file.
func (m *Manager) NumBlocks() BlockID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numBlocks
}

// AllocateBlock reserves the next sequential block, zero-initialized and
// tagged, and installs it in the cache as dirty. Document records and
// B-tree nodes share this single allocator.
func (m *Manager) AllocateBlock(tag byte) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, common.ErrClosed
	}

	id := m.numBlocks
	m.numBlocks++

	b := newBlock(id, tag)
	m.installLocked(id, b)
	m.dirty[id] = struct{}{}
	return b, nil
}

// ReadBlock returns the cached copy of id, loading it from disk on a
// miss. A dirty block already in cache is returned as-is (the cache must
// tolerate reads of blocks currently dirty).
func (m *Manager) ReadBlock(id BlockID) (*Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBlockLocked(id)
}

func (m *Manager) readBlockLocked(id BlockID) (*Block, error) {
	if m.closed {
		return nil, common.ErrClosed
	}
	if id == NoBlock || id >= m.numBlocks {
		return nil, common.WrapIO(errors.Errorf("block %d out of range", id), "read block")
	}

	if b, ok := m.cache[id]; ok {
		if elem, ok := m.lruElem[id]; ok {
			m.lru.MoveToFront(elem)
		}
		m.stats.hits++
		return b, nil
	}

	raw := make([]byte, BlockSize)
	if _, err := m.file.ReadAt(raw, int64(id)*BlockSize); err != nil {
		return nil, common.WrapIO(err, "read block")
	}
	m.stats.reads++

	b := loadBlock(id, raw)
	m.installLocked(id, b)
	return b, nil
}

// WriteBlock marks b dirty; it is not visible on disk until Commit.
func (m *Manager) WriteBlock(b *Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return common.ErrClosed
	}
	b.MarkDirty()
	m.dirty[b.id] = struct{}{}
	return nil
}

// RemoveFromCache evicts id from the cache without writing it back,
// dropping any pending dirty state along with it; used by compaction
// once the old file's blocks are dead and must not be flushed.
func (m *Manager) RemoveFromCache(id BlockID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dirty, id)
	m.evictLocked(id)
}

func (m *Manager) installLocked(id BlockID, b *Block) {
	if m.lru.Len() >= m.cacheCap {
		m.evictOneLocked()
	}
	m.cache[id] = b
	m.lruElem[id] = m.lru.PushFront(id)
}

func (m *Manager) evictOneLocked() {
	elem := m.lru.Back()
	if elem == nil {
		return
	}
	id := elem.Value.(BlockID)
	// Dirty blocks must never be silently dropped: write them back
	// before eviction.
	if _, isDirty := m.dirty[id]; isDirty {
		if b, ok := m.cache[id]; ok {
			if err := m.writeBackLocked(b); err != nil {
				m.log.Error("evict write-back failed", zap.Uint64("block", uint64(id)), zap.Error(err))
			}
		}
	}
	m.evictLocked(id)
}

func (m *Manager) evictLocked(id BlockID) {
	delete(m.cache, id)
	if elem, ok := m.lruElem[id]; ok {
		m.lru.Remove(elem)
	}
	delete(m.lruElem, id)
}

func (m *Manager) writeBackLocked(b *Block) error {
	if _, err := m.file.WriteAt(b.bytes(), int64(b.id)*BlockSize); err != nil {
		return common.WrapIO(err, "write block")
	}
	m.stats.writes++
	b.clearDirty()
	delete(m.dirty, b.id)
	return nil
}

// Commit flushes all dirty blocks, appends a new superblock generation
// and fsyncs. Partial commits are impossible: the new superblock is
// either present and valid on recovery, or the crash happened strictly
// before the fsync and the previous generation is still authoritative.
func (m *Manager) Commit(trieRoot, seqRoot BlockID, ndocs, datasize uint64) (Superblock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Superblock{}, common.ErrClosed
	}

	for id := range m.dirty {
		b, ok := m.cache[id]
		if !ok {
			continue
		}
		if err := m.writeBackLocked(b); err != nil {
			return Superblock{}, err
		}
	}
	m.dirty = make(map[BlockID]struct{})

	sb := Superblock{
		Generation: m.lastSuperblock.Generation + 1,
		TrieRoot:   trieRoot,
		SeqRoot:    seqRoot,
		NDocs:      ndocs,
		DataSize:   datasize,
	}

	payload := encodeSuperblock(sb, m.pendingHeader)
	if len(payload) > payloadSize {
		return Superblock{}, errors.New("superblock header too large for one block")
	}

	raw := make([]byte, BlockSize)
	copy(raw, payload)
	raw[BlockSize-1] = TagSuperblock

	sbID := m.numBlocks
	m.numBlocks++
	if _, err := m.file.WriteAt(raw, int64(sbID)*BlockSize); err != nil {
		return Superblock{}, common.WrapIO(err, "write superblock")
	}

	if err := m.file.Sync(); err != nil {
		return Superblock{}, common.WrapIO(err, "fsync")
	}

	m.lastSuperblock = sb
	m.log.Debug("commit",
		zap.Uint64("generation", sb.Generation),
		zap.Uint64("trie_root", uint64(sb.TrieRoot)),
		zap.Uint64("ndocs", sb.NDocs),
		zap.Uint64("datasize", sb.DataSize),
	)
	return sb, nil
}

// Stats reports cumulative cache/IO counters.
func (m *Manager) Stats() (reads, writes, hits int64, fileSize int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.reads, m.stats.writes, m.stats.hits, int64(m.numBlocks) * BlockSize
}

// Close flushes all dirty blocks and closes the underlying file. I/O
// failures during close surface as ErrIO.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	for id := range m.dirty {
		if b, ok := m.cache[id]; ok {
			if err := m.writeBackLocked(b); err != nil {
				return err
			}
		}
	}

	if err := m.file.Sync(); err != nil {
		return common.WrapIO(err, "fsync on close")
	}
	if err := m.file.Close(); err != nil {
		return common.WrapIO(err, "close file")
	}
	m.closed = true
	return nil
}
