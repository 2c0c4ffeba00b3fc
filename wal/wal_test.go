package wal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCallback struct {
	sets    map[string]int64
	removes []string
	order   []string
}

func newFakeCallback() *fakeCallback {
	return &fakeCallback{sets: make(map[string]int64)}
}

func (f *fakeCallback) ApplySet(key []byte, offset int64) error {
	f.sets[string(key)] = offset
	f.order = append(f.order, "set:"+string(key))
	return nil
}

func (f *fakeCallback) ApplyRemove(key []byte) error {
	f.removes = append(f.removes, string(key))
	f.order = append(f.order, "remove:"+string(key))
	return nil
}

func TestSetThenFlushAppliesInOrder(t *testing.T) {
	w := New()
	w.Set([]byte("a"), 100)
	w.Set([]byte("b"), 200)
	w.Remove([]byte("c"))

	cb := newFakeCallback()
	require.NoError(t, w.Flush(cb))

	require.Equal(t, int64(100), cb.sets["a"])
	require.Equal(t, int64(200), cb.sets["b"])
	require.Equal(t, []string{"c"}, cb.removes)
	require.Equal(t, []string{"set:a", "set:b", "remove:c"}, cb.order)
}

func TestRepeatedSetOverwritesWithoutGrowingOrder(t *testing.T) {
	w := New()
	w.Set([]byte("a"), 1)
	w.Set([]byte("a"), 2)
	w.Set([]byte("a"), 3)

	require.Equal(t, 1, w.Size())

	cb := newFakeCallback()
	require.NoError(t, w.Flush(cb))
	require.Equal(t, int64(3), cb.sets["a"])
	require.Equal(t, []string{"set:a"}, cb.order)
}

func TestGetReturnsStagedWrite(t *testing.T) {
	w := New()
	w.Set([]byte("k"), 42)

	offset, action, found := w.Get([]byte("k"))
	require.True(t, found)
	require.Equal(t, ActionSet, action)
	require.Equal(t, int64(42), offset)

	_, _, found = w.Get([]byte("missing"))
	require.False(t, found)
}

func TestFlushClearsBuffer(t *testing.T) {
	w := New()
	w.Set([]byte("a"), 1)
	require.NoError(t, w.Flush(newFakeCallback()))
	require.Equal(t, 0, w.Size())

	_, _, found := w.Get([]byte("a"))
	require.False(t, found)
}

type failingCallback struct {
	*fakeCallback
	failOn string
}

func (f *failingCallback) ApplySet(key []byte, offset int64) error {
	if string(key) == f.failOn {
		return errApply
	}
	return f.fakeCallback.ApplySet(key, offset)
}

var errApply = errors.New("apply failed")

func TestFlushErrorKeepsUnappliedSuffix(t *testing.T) {
	w := New()
	w.Set([]byte("a"), 1)
	w.Set([]byte("b"), 2)
	w.Set([]byte("c"), 3)

	cb := &failingCallback{fakeCallback: newFakeCallback(), failOn: "b"}
	require.ErrorIs(t, w.Flush(cb), errApply)

	// "a" was applied and dropped; "b" and "c" stay staged for a retry.
	require.Equal(t, 2, w.Size())
	_, _, found := w.Get([]byte("a"))
	require.False(t, found)
	_, _, found = w.Get([]byte("b"))
	require.True(t, found)

	retry := newFakeCallback()
	require.NoError(t, w.Flush(retry))
	require.Equal(t, []string{"set:b", "set:c"}, retry.order)
	require.Equal(t, 0, w.Size())
}

func TestSetAfterRemoveOverwritesAction(t *testing.T) {
	w := New()
	w.Remove([]byte("a"))
	w.Set([]byte("a"), 7)

	require.Equal(t, 1, w.Size())
	offset, action, found := w.Get([]byte("a"))
	require.True(t, found)
	require.Equal(t, ActionSet, action)
	require.Equal(t, int64(7), offset)
}
