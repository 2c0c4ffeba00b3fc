package engine

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/emberstore/ember/common"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BufferCacheBytes = 64 * 1024
	cfg.WALThreshold = 8
	return cfg
}

func openTestEngine(t *testing.T, cfg Config) (*Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	e, err := Open(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, path
}

func TestSetAndGetBeforeCommit(t *testing.T) {
	e, _ := openTestEngine(t, testConfig())

	require.NoError(t, e.Set([]byte("a"), []byte("meta"), []byte("body")))

	doc, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "a", string(doc.Key))
	require.Equal(t, "meta", string(doc.Meta))
	require.Equal(t, "body", string(doc.Body))
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	e, _ := openTestEngine(t, testConfig())

	_, err := e.Get([]byte("nope"))
	require.Error(t, err)
	require.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestSetEmptyKeyRejected(t *testing.T) {
	e, _ := openTestEngine(t, testConfig())
	err := e.Set(nil, nil, []byte("v"))
	require.Error(t, err)
	require.Equal(t, common.KindInvalidArgs, common.KindOf(err))
}

func TestCommitThenReopenRecoversData(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "store.db")

	e, err := Open(path, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Set([]byte("a"), []byte("m"), []byte("body-a")))
	require.NoError(t, e.Set([]byte("b"), []byte("m"), []byte("body-b")))
	require.NoError(t, e.Commit())
	require.NoError(t, e.Close())

	reopened, err := Open(path, cfg)
	require.NoError(t, err)
	defer reopened.Close()

	doc, err := reopened.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "body-a", string(doc.Body))

	stats := reopened.Stats()
	require.Equal(t, uint64(2), stats.NDocs)
}

// Durability is per-commit, not per-set: nothing short of Commit makes a
// write survive a crash. "Kill" is simulated by simply never calling
// Close on the first handle and opening a second one on the same path,
// the same observable state a crash leaves behind.
func TestCrashWithoutCommitLosesUncommittedWrites(t *testing.T) {
	cfg := testConfig()
	cfg.WALThreshold = 1000 // avoid auto-flush muddying the scenario
	path := filepath.Join(t.TempDir(), "store.db")

	e, err := Open(path, cfg)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("committed-%03d", i)), nil, []byte("v")))
	}
	require.NoError(t, e.Commit())

	for i := 0; i < 100; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("lost-%03d", i)), nil, []byte("v")))
	}
	// No Commit, no Close: simulate a crash right here.

	reopened, err := Open(path, cfg)
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < 100; i++ {
		_, err := reopened.Get([]byte(fmt.Sprintf("committed-%03d", i)))
		require.NoError(t, err)
		_, err = reopened.Get([]byte(fmt.Sprintf("lost-%03d", i)))
		require.Error(t, err)
		require.Equal(t, common.KindNotFound, common.KindOf(err))
	}
	require.Equal(t, uint64(100), reopened.Stats().NDocs)
}

func TestOverwriteUpdatesValueAndKeepsNDocs(t *testing.T) {
	e, _ := openTestEngine(t, testConfig())

	require.NoError(t, e.Set([]byte("k"), nil, []byte("v1")))
	require.NoError(t, e.Commit())
	require.NoError(t, e.Set([]byte("k"), nil, []byte("v2")))
	require.NoError(t, e.Commit())

	doc, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(doc.Body))
	require.Equal(t, uint64(1), e.Stats().NDocs)
}

func TestSetWithNullBodyDeletes(t *testing.T) {
	e, _ := openTestEngine(t, testConfig())

	require.NoError(t, e.Set([]byte("k"), nil, []byte("v")))
	require.NoError(t, e.Commit())
	require.Equal(t, uint64(1), e.Stats().NDocs)

	require.NoError(t, e.Set([]byte("k"), nil, nil))
	require.NoError(t, e.Commit())

	_, err := e.Get([]byte("k"))
	require.Error(t, err)
	require.Equal(t, common.KindNotFound, common.KindOf(err))
	require.Equal(t, uint64(0), e.Stats().NDocs)
}

func TestRemoveThenGetNotFound(t *testing.T) {
	e, _ := openTestEngine(t, testConfig())

	require.NoError(t, e.Set([]byte("k"), nil, []byte("v")))
	require.NoError(t, e.Commit())

	require.NoError(t, e.Remove([]byte("k")))
	require.NoError(t, e.Commit())

	_, err := e.Get([]byte("k"))
	require.Error(t, err)
	require.Equal(t, common.KindNotFound, common.KindOf(err))
	require.Equal(t, uint64(0), e.Stats().NDocs)
}

func TestGetMetaOnlyDoesNotPopulateBody(t *testing.T) {
	e, _ := openTestEngine(t, testConfig())

	require.NoError(t, e.Set([]byte("k"), []byte("meta"), []byte("huge body")))

	doc, err := e.GetMetaOnly([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "meta", string(doc.Meta))
	require.Nil(t, doc.Body)
	require.Positive(t, doc.BodyOffset)
}

func TestAutoFlushOnWALThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.WALThreshold = 3
	e, _ := openTestEngine(t, cfg)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("k%d", i)), nil, []byte("v")))
	}

	require.Equal(t, 0, e.Stats().WALSize)
}

func TestCompactPreservesAllLiveDocuments(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "store.db")

	e, err := Open(path, cfg)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("key-%03d", i)), nil, []byte(fmt.Sprintf("val-%03d", i))))
	}
	require.NoError(t, e.Remove([]byte("key-005")))
	require.NoError(t, e.Commit())

	require.NoError(t, e.Compact())

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%03d", i)
		doc, err := e.Get([]byte(key))
		if i == 5 {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("val-%03d", i), string(doc.Body))
	}

	require.Equal(t, uint64(19), e.Stats().NDocs)
}

func TestCompactToNewPathShrinksFileAndPreservesData(t *testing.T) {
	cfg := testConfig()
	srcPath := filepath.Join(t.TempDir(), "t1.db")

	e, err := Open(srcPath, cfg)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("user:%04d", i)
		require.NoError(t, e.Set([]byte(key), nil, []byte(fmt.Sprintf("body-%d", i))))
	}
	require.NoError(t, e.Commit())
	require.NoError(t, e.Remove([]byte("user:0500")))
	require.NoError(t, e.Commit())

	beforeStats := e.Stats()

	destPath := filepath.Join(t.TempDir(), "t2.db")
	require.NoError(t, e.CompactTo(destPath))
	require.Equal(t, destPath, e.path)

	afterStats := e.Stats()
	require.Less(t, afterStats.FileSize, beforeStats.FileSize)

	doc, err := e.Get([]byte("user:0123"))
	require.NoError(t, err)
	require.Equal(t, "body-123", string(doc.Body))

	_, err = e.Get([]byte("user:0500"))
	require.Error(t, err)
	require.Equal(t, common.KindNotFound, common.KindOf(err))

	require.Equal(t, uint64(999), afterStats.NDocs)
}

func TestSeqtreeEnabledTracksWrites(t *testing.T) {
	cfg := testConfig()
	cfg.Seqtree = true
	e, _ := openTestEngine(t, cfg)

	require.NoError(t, e.Set([]byte("a"), nil, []byte("1")))
	require.NoError(t, e.Set([]byte("b"), nil, []byte("2")))
	require.NoError(t, e.Commit())

	require.NotNil(t, e.seq)
	require.Equal(t, uint64(3), e.seq.next)
}

func TestSeqtreeCompactDropsRemovedAndSuperseded(t *testing.T) {
	cfg := testConfig()
	cfg.Seqtree = true
	path := filepath.Join(t.TempDir(), "store.db")

	e, err := Open(path, cfg)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set([]byte("a"), nil, []byte("a1")))
	require.NoError(t, e.Set([]byte("b"), nil, []byte("b1")))
	require.NoError(t, e.Set([]byte("c"), nil, []byte("c1")))
	require.NoError(t, e.Commit())

	require.NoError(t, e.Set([]byte("a"), nil, []byte("a2")))
	require.NoError(t, e.Remove([]byte("b")))
	require.NoError(t, e.Commit())

	require.NoError(t, e.Compact())

	doc, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "a2", string(doc.Body))

	_, err = e.Get([]byte("b"))
	require.Error(t, err)
	require.Equal(t, common.KindNotFound, common.KindOf(err))

	doc, err = e.Get([]byte("c"))
	require.NoError(t, err)
	require.Equal(t, "c1", string(doc.Body))

	require.Equal(t, uint64(2), e.Stats().NDocs)

	var got []string
	require.NoError(t, e.WalkBySeq(func(key []byte) error {
		got = append(got, string(key))
		return nil
	}))
	require.ElementsMatch(t, []string{"a", "c"}, got)
}

func TestWalkBySeqSkipsStaleEntries(t *testing.T) {
	cfg := testConfig()
	cfg.Seqtree = true
	e, _ := openTestEngine(t, cfg)

	require.NoError(t, e.Set([]byte("a"), nil, []byte("1")))
	require.NoError(t, e.Set([]byte("b"), nil, []byte("2")))
	require.NoError(t, e.Set([]byte("c"), nil, []byte("3")))
	require.NoError(t, e.Commit())

	require.NoError(t, e.Set([]byte("a"), nil, []byte("4")))
	require.NoError(t, e.Remove([]byte("b")))
	require.NoError(t, e.Commit())

	// "a"'s original entry is superseded and "b" is gone; the overwrite
	// gave "a" a fresh sequence number, so it now follows "c".
	var got []string
	require.NoError(t, e.WalkBySeq(func(key []byte) error {
		got = append(got, string(key))
		return nil
	}))
	require.Equal(t, []string{"c", "a"}, got)
}

func TestWalkBySeqDisabledReturnsInvalidArgs(t *testing.T) {
	e, _ := openTestEngine(t, testConfig())
	err := e.WalkBySeq(func([]byte) error { return nil })
	require.Error(t, err)
	require.Equal(t, common.KindInvalidArgs, common.KindOf(err))
}

func TestSeqtreePersistsCounterAcrossReopen(t *testing.T) {
	cfg := testConfig()
	cfg.Seqtree = true
	path := filepath.Join(t.TempDir(), "store.db")

	e, err := Open(path, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Set([]byte("a"), nil, []byte("1")))
	require.NoError(t, e.Set([]byte("b"), nil, []byte("2")))
	require.NoError(t, e.Commit())
	require.NoError(t, e.Close())

	reopened, err := Open(path, cfg)
	require.NoError(t, err)
	defer reopened.Close()

	// A fresh handle must continue the sequence where the last committed
	// generation left off, not restart at 1 over the old entries.
	require.Equal(t, uint64(3), reopened.seq.next)

	require.NoError(t, reopened.Set([]byte("c"), nil, []byte("3")))
	require.NoError(t, reopened.Commit())
	require.Equal(t, uint64(4), reopened.seq.next)
}

func TestWalkYieldsAllKeysAscending(t *testing.T) {
	e, _ := openTestEngine(t, testConfig())

	// Inserted in descending order; Walk must still come back ascending.
	for i := 99; i >= 0; i-- {
		require.NoError(t, e.Set([]byte(fmt.Sprintf("user:%04d", i)), nil, []byte("v")))
	}
	require.NoError(t, e.Remove([]byte("user:0042")))

	var got []string
	require.NoError(t, e.Walk(func(key []byte) error {
		got = append(got, string(key))
		return nil
	}))

	require.Len(t, got, 99)
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
	require.NotContains(t, got, "user:0042")
}

func TestDoubleCloseDocument(t *testing.T) {
	e, _ := openTestEngine(t, testConfig())
	require.NoError(t, e.Set([]byte("a"), nil, []byte("v")))

	doc, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, doc.Close())
	require.Error(t, doc.Close())
}
