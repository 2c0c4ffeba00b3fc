package doclog

import "github.com/emberstore/ember/common"

// maxRecordHeader bounds the length-prefix region: three varints, each at
// most 10 bytes for a uint64, comfortably covers any real key/meta/body
// length.
const maxRecordHeader = 30

// header describes the decoded length prefix of a document record: a
// length prefix followed by the three payloads.
type header struct {
	keyLen, metaLen, bodyLen uint64
	prefixLen                int // bytes the three varints occupied
}

func encodeHeader(keyLen, metaLen, bodyLen int) []byte {
	buf := make([]byte, maxRecordHeader)
	n := 0
	n += common.PutUvarint(buf[n:], uint64(keyLen))
	n += common.PutUvarint(buf[n:], uint64(metaLen))
	n += common.PutUvarint(buf[n:], uint64(bodyLen))
	return buf[:n]
}

func decodeHeader(buf []byte) (header, bool) {
	var h header
	pos := 0

	v, n := common.Uvarint(buf[pos:])
	if n <= 0 {
		return header{}, false
	}
	h.keyLen = v
	pos += n

	v, n = common.Uvarint(buf[pos:])
	if n <= 0 {
		return header{}, false
	}
	h.metaLen = v
	pos += n

	v, n = common.Uvarint(buf[pos:])
	if n <= 0 {
		return header{}, false
	}
	h.bodyLen = v
	pos += n

	h.prefixLen = pos
	return h, true
}
