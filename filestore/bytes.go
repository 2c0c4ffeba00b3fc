package filestore

import (
	"github.com/emberstore/ember/common"
	"github.com/pkg/errors"
)

// PayloadSize is the number of usable bytes per block, exported so
// callers (doclog) can compute logical offsets without reaching into
// block internals.
const PayloadSize = payloadSize

// ReadAt reads len(buf) logical payload bytes starting at off, spanning
// blocks transparently. Used by doclog to decode a record given only its
// starting offset.
func (m *Manager) ReadAt(off int64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := off
	remaining := buf
	for len(remaining) > 0 {
		blockIdx := BlockID(pos / PayloadSize)
		intra := int(pos % PayloadSize)

		b, err := m.readBlockLocked(blockIdx)
		if err != nil {
			return err
		}

		n := copy(remaining, b.Payload()[intra:])
		remaining = remaining[n:]
		pos += int64(n)
	}
	return nil
}

// WriteAt writes buf as logical payload bytes starting at off, allocating
// fresh blocks (tagged tag) as the range grows past the current end of
// file. Callers must always write contiguously from the current append
// cursor; writing into a gap beyond the next unallocated block is a bug
// and returns an error rather than silently leaving a hole.
func (m *Manager) WriteAt(off int64, buf []byte, tag byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := off
	remaining := buf
	for len(remaining) > 0 {
		blockIdx := BlockID(pos / PayloadSize)
		intra := int(pos % PayloadSize)

		var b *Block
		switch {
		case blockIdx < m.numBlocks:
			var err error
			b, err = m.readBlockLocked(blockIdx)
			if err != nil {
				return err
			}
		case blockIdx == m.numBlocks:
			id := m.numBlocks
			m.numBlocks++
			b = newBlock(id, tag)
			m.installLocked(id, b)
			m.dirty[id] = struct{}{}
		default:
			return common.WrapIO(errors.Errorf("write to unallocated block %d (have %d)", blockIdx, m.numBlocks), "write at")
		}

		n := copy(b.Payload()[intra:], remaining)
		b.MarkDirty()
		m.dirty[b.id] = struct{}{}
		remaining = remaining[n:]
		pos += int64(n)
	}
	return nil
}
