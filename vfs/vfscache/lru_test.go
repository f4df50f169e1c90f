package vfscache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvictor struct {
	removed []string
	failOn  string
}

func (f *fakeEvictor) Remove(path string) error {
	f.removed = append(f.removed, path)
	if path == f.failOn {
		return assert.AnError
	}
	return nil
}

func TestPutAndGet(t *testing.T) {
	ev := &fakeEvictor{}
	l := New(100, ev)

	require.NoError(t, l.Put("a", 10))
	size, ok := l.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int64(10), size)
	assert.Equal(t, int64(10), l.TotalBytes())
}

func TestGetAbsent(t *testing.T) {
	l := New(100, &fakeEvictor{})
	_, ok := l.Get("nope")
	assert.False(t, ok)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	ev := &fakeEvictor{}
	l := New(10, ev)

	require.NoError(t, l.Put("a", 4))
	require.NoError(t, l.Put("b", 4))
	_, _ = l.Get("a") // touch a, making b the LRU entry
	require.NoError(t, l.Put("c", 4))

	assert.False(t, l.Has("b"))
	assert.True(t, l.Has("a"))
	assert.True(t, l.Has("c"))
	assert.Equal(t, []string{"b"}, ev.removed)
	assert.LessOrEqual(t, l.TotalBytes(), l.CapacityBytes())
}

func TestSingleOversizedEntryIsRetained(t *testing.T) {
	l := New(10, &fakeEvictor{})
	require.NoError(t, l.Put("huge", 1000))

	assert.True(t, l.Has("huge"))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, int64(1000), l.TotalBytes())
}

func TestPutUpdateAdjustsTotal(t *testing.T) {
	l := New(100, &fakeEvictor{})
	require.NoError(t, l.Put("a", 10))
	require.NoError(t, l.Put("a", 20))

	assert.Equal(t, int64(20), l.TotalBytes())
	assert.Equal(t, 1, l.Len())
}

func TestRemoveDoesNotTouchFilesystem(t *testing.T) {
	ev := &fakeEvictor{}
	l := New(100, ev)
	require.NoError(t, l.Put("a", 10))
	l.Remove("a")

	assert.False(t, l.Has("a"))
	assert.Empty(t, ev.removed)
	assert.Equal(t, int64(0), l.TotalBytes())
}

func TestRenamePreservesSize(t *testing.T) {
	l := New(100, &fakeEvictor{})
	require.NoError(t, l.Put("old", 7))
	l.Rename("old", "new")

	assert.False(t, l.Has("old"))
	size, ok := l.Get("new")
	assert.True(t, ok)
	assert.Equal(t, int64(7), size)
}

func TestEvictionErrorIsWrappedButDoesNotBlockPut(t *testing.T) {
	ev := &fakeEvictor{failOn: "a"}
	l := New(10, ev)
	require.NoError(t, l.Put("a", 4))
	require.NoError(t, l.Put("b", 4))
	err := l.Put("c", 4)

	assert.Error(t, err)
	assert.False(t, l.Has("a"))
}
