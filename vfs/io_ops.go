package vfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/branchfs/branchfs/fspath"
)

var handleCounter uint64

// registerHandle assigns a fresh handle to f, guarded by v.handlesMu,
// the table the adapter threads through open, read, write, flush,
// release, and fsync in place of a bare *os.File.
func (v *VFS) registerHandle(f *os.File) uint64 {
	h := atomic.AddUint64(&handleCounter, 1)
	v.handlesMu.Lock()
	v.handles[h] = f
	v.handlesMu.Unlock()
	return h
}

func (v *VFS) handle(fh uint64) *os.File {
	v.handlesMu.Lock()
	defer v.handlesMu.Unlock()
	return v.handles[fh]
}

func (v *VFS) releaseHandle(fh uint64) *os.File {
	v.handlesMu.Lock()
	defer v.handlesMu.Unlock()
	f := v.handles[fh]
	delete(v.handles, fh)
	return f
}

func (v *VFS) markPending(normalized string, a action) {
	v.pendingMu.Lock()
	defer v.pendingMu.Unlock()
	set, ok := v.pending[normalized]
	if !ok {
		set = map[action]bool{}
		v.pending[normalized] = set
	}
	set[a] = true
}

func (v *VFS) popPending(normalized string) map[action]bool {
	v.pendingMu.Lock()
	defer v.pendingMu.Unlock()
	set := v.pending[normalized]
	delete(v.pending, normalized)
	return set
}

func isEditorLocal(normalized string, mode uint32) bool {
	return mode == editorCreateMode || strings.HasSuffix(normalized, "~")
}

// Open implements spec.md §4.6 open: a path not yet materialized
// locally is retrieved synchronously, coalescing concurrent opens of
// the same path through vfs/vfscache/downloaders rather than spec.md's
// original ten-second poll.
func (v *VFS) Open(path string) (uint64, error) {
	normalized, components := fspath.Split(path)

	v.mu.Lock()
	_, inLRU := v.lru.Get(normalized)
	node := v.tree.Get(components)
	v.mu.Unlock()

	if !inLRU && node.IsFile() {
		if err := v.retrieveIntoCache(normalized, node.Size()); err != nil {
			return 0, err
		}
	}

	f, err := os.OpenFile(v.cachePath(normalized), os.O_RDWR, 0o664)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, errors.Wrap(err, "open cache file")
	}
	return v.registerHandle(f), nil
}

func (v *VFS) retrieveIntoCache(normalized string, size int64) error {
	branch := fspath.BranchOf(normalized)
	basename := filepath.Base(normalized)
	dest := v.cachePath(normalized)

	ctx, cancel := context.WithTimeout(context.Background(), v.opts.OpenTimeout)
	defer cancel()

	err := v.downloads.Fetch(ctx, normalized, func() error {
		return v.remote.Retrieve(ctx, branch, basename, dest)
	})
	if err != nil {
		return errors.Wrapf(err, "retrieve %s", normalized)
	}

	v.mu.Lock()
	_ = v.lru.Put(normalized, size)
	v.mu.Unlock()
	return nil
}

// Create implements spec.md §4.6 create: editor-local files (mode
// 0100600 or a trailing "~") bypass the tree and LRU entirely and
// dispatch no remote work.
func (v *VFS) Create(path string, mode uint32) (uint64, error) {
	normalized, components := fspath.Split(path)

	dest := v.cachePath(normalized)
	if err := os.MkdirAll(filepath.Dir(dest), 0o775); err != nil {
		return 0, errors.Wrap(err, "create cache parent directory")
	}
	f, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(mode)|0o600)
	if err != nil {
		return 0, errors.Wrap(err, "create cache file")
	}

	if isEditorLocal(normalized, mode) {
		return v.registerHandle(f), nil
	}

	v.mu.Lock()
	v.tree.SetFile(components, 0)
	_ = v.lru.Put(normalized, 0)
	v.mu.Unlock()
	v.markPending(normalized, actionWrite)

	return v.registerHandle(f), nil
}

// Read implements spec.md §4.6 read.
func (v *VFS) Read(path string, fh uint64, buf []byte, offset int64) (int, error) {
	normalized, _ := fspath.Split(path)
	v.markPending(normalized, actionRead)

	f := v.handle(fh)
	if f == nil {
		return 0, errors.New("vfs: unknown file handle")
	}
	n, err := f.ReadAt(buf, offset)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Write implements spec.md §4.6 write.
func (v *VFS) Write(path string, fh uint64, buf []byte, offset int64) (int, error) {
	normalized, _ := fspath.Split(path)
	v.markPending(normalized, actionWrite)

	f := v.handle(fh)
	if f == nil {
		return 0, errors.New("vfs: unknown file handle")
	}
	return f.WriteAt(buf, offset)
}

// Truncate implements spec.md §4.6 truncate.
func (v *VFS) Truncate(path string, size int64) error {
	normalized, _ := fspath.Split(path)
	return errors.Wrap(os.Truncate(v.cachePath(normalized), size), "truncate cache file")
}

// Flush implements spec.md §4.6 flush: fsync the descriptor.
func (v *VFS) Flush(path string, fh uint64) error {
	f := v.handle(fh)
	if f == nil {
		return nil
	}
	return errors.Wrap(f.Sync(), "flush cache file")
}

// Fsync implements spec.md §4.6 fsync by delegating to Flush.
func (v *VFS) Fsync(path string, fh uint64) error {
	return v.Flush(path, fh)
}

// Release implements spec.md §4.6 release: if a write was pending,
// the tree and LRU sizes are refreshed from the materialized file and
// an asynchronous commit is dispatched; a read-only session closes
// without further side effects.
func (v *VFS) Release(path string, fh uint64) error {
	normalized, components := fspath.Split(path)
	actions := v.popPending(normalized)

	f := v.releaseHandle(fh)
	if f != nil {
		_ = f.Close()
	}

	if !actions[actionWrite] {
		return nil
	}

	info, err := os.Stat(v.cachePath(normalized))
	if err != nil {
		return errors.Wrap(err, "stat released file")
	}
	size := info.Size()

	v.mu.Lock()
	v.tree.SetFile(components, size)
	_ = v.lru.Put(normalized, size)
	v.mu.Unlock()

	branch := fspath.BranchOf(normalized)
	basename := filepath.Base(normalized)
	source := v.cachePath(normalized)
	v.asyncWG.Add(1)
	go func() {
		defer v.asyncWG.Done()
		if err := v.remote.Commit(context.Background(), branch, source, basename, normalized); err != nil {
			v.log.Errorf(normalized, "commit failed: %v", err)
		}
	}()
	return nil
}
