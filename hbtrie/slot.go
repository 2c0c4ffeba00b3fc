package hbtrie

import (
	"encoding/binary"

	"github.com/emberstore/ember/filestore"
	"github.com/pkg/errors"
)

// Each leaf in a chunk-level B-tree holds a tagged slot: either a pointer
// into the document log, or a pointer to a deeper sub-trie level used to
// resolve a shared chunk prefix between two distinct keys.
const (
	slotDoc     byte = 1
	slotSubtrie byte = 2
)

func encodeDocSlot(offset int64) []byte {
	buf := make([]byte, 9)
	buf[0] = slotDoc
	binary.BigEndian.PutUint64(buf[1:], uint64(offset))
	return buf
}

func encodeSubtrieSlot(root filestore.BlockID) []byte {
	buf := make([]byte, 9)
	buf[0] = slotSubtrie
	binary.BigEndian.PutUint64(buf[1:], uint64(root))
	return buf
}

func decodeSlot(buf []byte) (byte, []byte, error) {
	if len(buf) != 9 {
		return 0, nil, errors.New("hbtrie: malformed slot")
	}
	return buf[0], buf[1:], nil
}

func decodeDocSlot(payload []byte) int64 {
	return int64(binary.BigEndian.Uint64(payload))
}

func decodeSubtrieSlot(payload []byte) filestore.BlockID {
	return filestore.BlockID(binary.BigEndian.Uint64(payload))
}
