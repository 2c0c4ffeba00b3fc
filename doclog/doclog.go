// Package doclog implements the append-only document log: a
// length-prefixed {key, meta, body} record serialized into the file
// manager's shared block space, addressed by the byte offset of its
// first byte.
package doclog

import (
	"github.com/emberstore/ember/common"
	"github.com/emberstore/ember/filestore"
)

// Log appends and reads document records through a filestore.Manager.
// It is stateless beyond its append cursor: a record written at offset O
// with total length L can always be decoded given O alone, regardless of
// which Log instance (i.e. which process generation) wrote it.
type Log struct {
	fm     *filestore.Manager
	cursor int64
}

// Open positions a Log's append cursor at the current end of the shared
// block space. Any unused tail of a partially filled block from a prior
// generation is abandoned rather than reused — reclaimed on the next
// compaction.
func Open(fm *filestore.Manager) *Log {
	return &Log{
		fm:     fm,
		cursor: int64(fm.NumBlocks()) * filestore.PayloadSize,
	}
}

// Append serializes {key, meta, body} at the current cursor and returns
// its starting offset. Document records, B-tree pages and superblocks all
// share one block allocator, so another collaborator may have claimed
// blocks past the log's last record since the previous Append (a WAL
// flush allocating index pages, or a commit appending its superblock);
// writing onward from a stale cursor would run straight over those live
// blocks. Append therefore re-syncs the cursor to the end of the file
// whenever the file has grown beyond the log's own tail, abandoning the
// unused remainder of its previous partial block — garbage reclaimed at
// the next compaction. This is also what keeps a record from ever
// straddling the superblock region.
func (l *Log) Append(key, meta, body []byte) (int64, error) {
	if len(key) == 0 {
		return 0, common.ErrInvalidArgs
	}

	covered := (l.cursor + filestore.PayloadSize - 1) / filestore.PayloadSize
	if nb := int64(l.fm.NumBlocks()); nb > covered {
		l.cursor = nb * filestore.PayloadSize
	}

	hdr := encodeHeader(len(key), len(meta), len(body))
	buf := make([]byte, 0, len(hdr)+len(key)+len(meta)+len(body))
	buf = append(buf, hdr...)
	buf = append(buf, key...)
	buf = append(buf, meta...)
	buf = append(buf, body...)

	offset := l.cursor
	if err := l.fm.WriteAt(offset, buf, filestore.TagDoc); err != nil {
		return 0, err
	}
	l.cursor += int64(len(buf))
	return offset, nil
}

func (l *Log) readHeader(offset int64) (header, error) {
	// A record near the end of the file can be shorter than the largest
	// possible length prefix; read no further than the last block.
	n := int64(maxRecordHeader)
	if avail := int64(l.fm.NumBlocks())*filestore.PayloadSize - offset; avail > 0 && avail < n {
		n = avail
	}
	raw := make([]byte, n)
	if err := l.fm.ReadAt(offset, raw); err != nil {
		return header{}, err
	}
	h, ok := decodeHeader(raw)
	if !ok {
		return header{}, common.WrapIO(errVarintDecode, "decode record header")
	}
	return h, nil
}

var errVarintDecode = common.ErrVarintTrunc

// ReadKey returns only the key of the record at offset — the cheapest
// projection, used by the HB+trie during disambiguation.
func (l *Log) ReadKey(offset int64) ([]byte, error) {
	h, err := l.readHeader(offset)
	if err != nil {
		return nil, err
	}
	key := make([]byte, h.keyLen)
	if err := l.fm.ReadAt(offset+int64(h.prefixLen), key); err != nil {
		return nil, err
	}
	return key, nil
}

// ReadKeyMeta returns the key and meta projections without reading body.
func (l *Log) ReadKeyMeta(offset int64) (key, meta []byte, err error) {
	h, err := l.readHeader(offset)
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, h.keyLen+h.metaLen)
	if err := l.fm.ReadAt(offset+int64(h.prefixLen), buf); err != nil {
		return nil, nil, err
	}
	return buf[:h.keyLen], buf[h.keyLen:], nil
}

// ReadFull returns key, meta and body for the record at offset.
func (l *Log) ReadFull(offset int64) (key, meta, body []byte, err error) {
	h, err := l.readHeader(offset)
	if err != nil {
		return nil, nil, nil, err
	}
	buf := make([]byte, h.keyLen+h.metaLen+h.bodyLen)
	if err := l.fm.ReadAt(offset+int64(h.prefixLen), buf); err != nil {
		return nil, nil, nil, err
	}
	return buf[:h.keyLen], buf[h.keyLen : h.keyLen+h.metaLen], buf[h.keyLen+h.metaLen:], nil
}

// RecordSize returns the total on-log byte length of the record at
// offset, including its length prefix.
func (l *Log) RecordSize(offset int64) (int64, error) {
	h, err := l.readHeader(offset)
	if err != nil {
		return 0, err
	}
	return int64(h.prefixLen) + int64(h.keyLen) + int64(h.metaLen) + int64(h.bodyLen), nil
}

// BodyOffset returns the byte offset of the body within the record at
// offset, without reading the body itself — used by GetMetaOnly.
func (l *Log) BodyOffset(offset int64) (int64, error) {
	h, err := l.readHeader(offset)
	if err != nil {
		return 0, err
	}
	return offset + int64(h.prefixLen) + int64(h.keyLen) + int64(h.metaLen), nil
}
