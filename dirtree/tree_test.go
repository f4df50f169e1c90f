package dirtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetFile(t *testing.T) {
	tr := New()
	tr.SetFile([]string{"a", "b"}, 5)

	n := tr.Get([]string{"a", "b"})
	require.NotNil(t, n)
	assert.True(t, n.IsFile())
	assert.Equal(t, int64(5), n.Size())

	dir := tr.Get([]string{"a"})
	require.NotNil(t, dir)
	assert.True(t, dir.IsDir())
	assert.Contains(t, dir.Children(), "b")
}

func TestGetAbsent(t *testing.T) {
	tr := New()
	assert.Nil(t, tr.Get([]string{"nope"}))
}

func TestGetThroughFileIsAbsent(t *testing.T) {
	tr := New()
	tr.SetFile([]string{"a"}, 1)
	assert.Nil(t, tr.Get([]string{"a", "b"}))
}

func TestDeleteWithoutCollapse(t *testing.T) {
	tr := New()
	tr.SetFile([]string{"a", "b"}, 5)
	tr.Delete([]string{"a", "b"}, false)

	assert.Nil(t, tr.Get([]string{"a", "b"}))
	dir := tr.Get([]string{"a"})
	require.NotNil(t, dir)
	assert.Empty(t, dir.Children())
}

func TestDeleteCollapsesEmptyAncestors(t *testing.T) {
	tr := New()
	tr.SetFile([]string{"a", "b", "c"}, 5)
	tr.Delete([]string{"a", "b", "c"}, true)

	assert.Nil(t, tr.Get([]string{"a"}))
}

func TestDeleteCollapseStopsAtNonEmptyAncestor(t *testing.T) {
	tr := New()
	tr.SetFile([]string{"a", "b"}, 5)
	tr.SetFile([]string{"a", "c"}, 5)
	tr.Delete([]string{"a", "b"}, true)

	dir := tr.Get([]string{"a"})
	require.NotNil(t, dir)
	assert.Contains(t, dir.Children(), "c")
}

func TestSetMkdirThenFile(t *testing.T) {
	tr := New()
	tr.SetDir([]string{"a"})
	tr.SetFile([]string{"a", "b"}, 5)

	dir := tr.Get([]string{"a"})
	require.NotNil(t, dir)
	assert.True(t, dir.IsDir())
}

func TestRenameMovesLeaf(t *testing.T) {
	tr := New()
	tr.SetFile([]string{"a"}, 5)
	node := tr.Get([]string{"a"})
	tr.Set([]string{"b"}, node)
	tr.Delete([]string{"a"}, false)

	assert.Nil(t, tr.Get([]string{"a"}))
	moved := tr.Get([]string{"b"})
	require.NotNil(t, moved)
	assert.Equal(t, int64(5), moved.Size())
}
