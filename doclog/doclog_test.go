package doclog

import (
	"path/filepath"
	"testing"

	"github.com/emberstore/ember/filestore"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*filestore.Manager, *Log) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	fm, err := filestore.Open(path, filestore.Options{BufferCacheBytes: filestore.BlockSize * 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fm.Close() })
	return fm, Open(fm)
}

func TestAppendAndReadFull(t *testing.T) {
	_, log := openTestLog(t)

	off, err := log.Append([]byte("apple"), []byte("meta1"), []byte("A body"))
	require.NoError(t, err)

	key, meta, body, err := log.ReadFull(off)
	require.NoError(t, err)
	require.Equal(t, "apple", string(key))
	require.Equal(t, "meta1", string(meta))
	require.Equal(t, "A body", string(body))
}

func TestReadProjections(t *testing.T) {
	_, log := openTestLog(t)

	off, err := log.Append([]byte("k"), []byte("m"), []byte("body-bytes"))
	require.NoError(t, err)

	key, err := log.ReadKey(off)
	require.NoError(t, err)
	require.Equal(t, "k", string(key))

	key, meta, err := log.ReadKeyMeta(off)
	require.NoError(t, err)
	require.Equal(t, "k", string(key))
	require.Equal(t, "m", string(meta))

	bodyOff, err := log.BodyOffset(off)
	require.NoError(t, err)
	require.Greater(t, bodyOff, off)
}

func TestRecordSpanningBlockBoundary(t *testing.T) {
	_, log := openTestLog(t)

	big := make([]byte, filestore.PayloadSize+500)
	for i := range big {
		big[i] = byte(i % 251)
	}

	off, err := log.Append([]byte("bigkey"), nil, big)
	require.NoError(t, err)

	_, _, body, err := log.ReadFull(off)
	require.NoError(t, err)
	require.Equal(t, big, body)
}

func TestAppendResyncsCursorPastForeignBlocks(t *testing.T) {
	fm, log := openTestLog(t)

	off1, err := log.Append([]byte("first"), nil, []byte("v1"))
	require.NoError(t, err)

	// An index page claims the next block, as a WAL flush would.
	b, err := fm.AllocateBlock(filestore.TagBTreeLeaf)
	require.NoError(t, err)
	copy(b.Payload(), []byte("index page"))
	require.NoError(t, fm.WriteBlock(b))

	off2, err := log.Append([]byte("second"), nil, []byte("v2"))
	require.NoError(t, err)

	_, _, body, err := log.ReadFull(off1)
	require.NoError(t, err)
	require.Equal(t, "v1", string(body))

	_, _, body, err = log.ReadFull(off2)
	require.NoError(t, err)
	require.Equal(t, "v2", string(body))

	page, err := fm.ReadBlock(b.ID())
	require.NoError(t, err)
	require.Equal(t, "index page", string(page.Payload()[:len("index page")]))
}

func TestEmptyKeyRejected(t *testing.T) {
	_, log := openTestLog(t)
	_, err := log.Append(nil, nil, []byte("v"))
	require.Error(t, err)
}
