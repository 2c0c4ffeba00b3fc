package engine

import "go.uber.org/zap"

// Config configures an Engine at Open, following the familiar
// Config/DefaultConfig shape extended with the document store's own
// tunables.
type Config struct {
	// ChunkSize is the number of key bytes the HB+trie consumes per
	// trie level before descending into a fresh sub-trie.
	ChunkSize int

	// BufferCacheBytes sizes the file manager's block cache.
	BufferCacheBytes int

	// WALThreshold is the number of distinct staged keys at which Set
	// and Remove eagerly flush the write-ahead buffer into the HB+trie
	// (an in-memory merge; it does not by itself fsync or advance the
	// superblock — only Commit does that).
	WALThreshold int

	// Seqtree enables the optional sequence-number secondary index.
	Seqtree bool

	Logger *zap.Logger
}

// DefaultConfig returns sane defaults: an 8-byte chunk (one machine
// word), a 4MB block cache, a 4096-key WAL threshold, and the sequence
// tree disabled.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        8,
		BufferCacheBytes: 4 << 20,
		WALThreshold:     4096,
		Seqtree:          false,
	}
}
