package vfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchfs/branchfs/fspath"
)

func TestBootstrapClonesWhenNoRepositoryMarkerExists(t *testing.T) {
	v, runner := newTestVFS(t)
	runner.onRun = func(dir string, args []string) (string, error) {
		if len(args) > 0 && args[0] == "clone" {
			return "", os.MkdirAll(filepath.Join(dir, ".git"), 0o775)
		}
		return "", nil
	}

	require.NoError(t, v.Bootstrap(context.Background()))
	assert.True(t, runner.hasCall("clone", v.opts.RemoteURL, "."))
}

func TestBootstrapPullsWhenRepositoryAlreadyCloned(t *testing.T) {
	v, runner := newTestVFS(t)
	require.NoError(t, os.MkdirAll(v.repositoryMarkerPath(), 0o775))

	require.NoError(t, v.Bootstrap(context.Background()))
	assert.True(t, runner.hasCall("remote", "set-url", "origin", v.opts.RemoteURL))
	assert.True(t, runner.hasCall("pull", "origin", v.opts.DefaultBranch))
	assert.False(t, runner.hasCall("clone", v.opts.RemoteURL, "."))
}

func TestBootstrapLoadsManifestIntoTree(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, os.MkdirAll(v.repositoryMarkerPath(), 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(v.opts.canonicalDir(), "filelist.txt"), []byte("alice/notes.txt abc123 42\r\n"), 0o644))

	require.NoError(t, v.Bootstrap(context.Background()))

	_, components := fspath.Split("alice/notes.txt")
	assert.True(t, v.tree.Get(components).IsFile())
	assert.EqualValues(t, 42, v.TotalRemoteSize())
}

func TestBootstrapSeedsLRUFromDataDirAndFlagsOrphans(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, os.MkdirAll(v.repositoryMarkerPath(), 0o775))
	require.NoError(t, os.WriteFile(filepath.Join(v.opts.canonicalDir(), "filelist.txt"), []byte("alice/notes.txt abc123 5\r\n"), 0o644))

	tracked := v.cachePath("alice/notes.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(tracked), 0o775))
	require.NoError(t, os.WriteFile(tracked, []byte("hello"), 0o644))

	orphan := v.cachePath("nobody/orphan.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0o775))
	require.NoError(t, os.WriteFile(orphan, []byte("???"), 0o644))

	require.NoError(t, v.Bootstrap(context.Background()))

	assert.True(t, v.lru.Has("alice/notes.txt"))
	assert.False(t, v.lru.Has("nobody/orphan.txt"))
}

func TestBootstrapDeletesLeftoverScratchDirectories(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, os.MkdirAll(v.repositoryMarkerPath(), 0o775))
	stale := filepath.Join(v.opts.BaseDir, "scratch_stale-leftover")
	require.NoError(t, os.MkdirAll(stale, 0o775))

	require.NoError(t, v.Bootstrap(context.Background()))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	v, _ := newTestVFS(t)
	v.opts.SyncInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(eventuallyWait):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestShutdownWaitsForPendingAsyncWork(t *testing.T) {
	v, _ := newTestVFS(t)
	_, components := fspath.Split("alice/notes.txt")
	v.tree.SetFile(components, 1)

	require.NoError(t, v.Unlink("/alice/notes.txt"))
	require.NoError(t, v.Shutdown(context.Background()))
}

func TestShutdownTimesOutIfWorkOutlivesContext(t *testing.T) {
	v, _ := newTestVFS(t)
	v.asyncWG.Add(1)
	defer v.asyncWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := v.Shutdown(ctx)
	assert.Error(t, err)
}

func TestCacheStatsReflectsLRUState(t *testing.T) {
	v, _ := newTestVFS(t)
	require.NoError(t, v.lru.Put("a", 10))
	entries, used, capacity := v.CacheStats()
	assert.Equal(t, 1, entries)
	assert.EqualValues(t, 10, used)
	assert.EqualValues(t, v.opts.CacheCapacityBytes, capacity)
}
