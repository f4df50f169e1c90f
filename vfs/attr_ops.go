package vfs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/branchfs/branchfs/dirtree"
	"github.com/branchfs/branchfs/fspath"
)

func (v *VFS) cachePath(normalized string) string {
	return filepath.Join(v.opts.dataDir(), normalized)
}

// Getattr implements spec.md §4.6 getattr: an LRU hit stats the real
// local file; a tree-only hit stats the local file if one exists and
// otherwise returns a synthetic record; anything else is not found.
func (v *VFS) Getattr(path string) (Stat, error) {
	normalized, components := fspath.Split(path)
	if normalized == "" {
		return Stat{Mode: syntheticDirMode, Nlink: syntheticDirNlink, ModTime: syntheticModTime}, nil
	}

	v.mu.Lock()
	_, inLRU := v.lru.Get(normalized)
	node := v.tree.Get(components)
	v.mu.Unlock()

	if inLRU {
		return statLocalFile(v.cachePath(normalized))
	}
	if node == nil {
		return Stat{}, ErrNotFound
	}
	if node.IsDir() {
		if info, err := os.Stat(v.cachePath(normalized)); err == nil {
			return statFromFileInfo(info), nil
		}
		return Stat{Mode: syntheticDirMode, Nlink: syntheticDirNlink, ModTime: syntheticModTime}, nil
	}
	if info, err := os.Stat(v.cachePath(normalized)); err == nil {
		return statFromFileInfo(info), nil
	}
	return Stat{Mode: syntheticFileMode, Size: 0, Nlink: syntheticFileNlink, ModTime: syntheticModTime}, nil
}

func statLocalFile(path string) (Stat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Stat{}, errors.Wrap(err, "stat cache file")
	}
	return statFromFileInfo(info), nil
}

func statFromFileInfo(info os.FileInfo) Stat {
	mode := uint32(syntheticFileMode)
	nlink := uint32(syntheticFileNlink)
	if info.IsDir() {
		mode = syntheticDirMode
		nlink = syntheticDirNlink
	}
	return Stat{Mode: mode, Size: info.Size(), Nlink: nlink, ModTime: info.ModTime()}
}

// Readdir implements spec.md §4.6 readdir.
func (v *VFS) Readdir(path string) ([]string, error) {
	_, components := fspath.Split(path)

	v.mu.Lock()
	node := v.tree.Get(components)
	var names []string
	if node.IsDir() {
		for name := range node.Children() {
			names = append(names, name)
		}
	}
	v.mu.Unlock()

	if node == nil || node.IsFile() {
		return nil, ErrNotFound
	}
	return append([]string{".", ".."}, names...), nil
}

// Mkdir implements spec.md §4.6 mkdir: local-only, never propagated
// remotely since empty directories have no remote representation.
func (v *VFS) Mkdir(path string, mode uint32) error {
	normalized, components := fspath.Split(path)
	if err := os.MkdirAll(v.cachePath(normalized), os.FileMode(mode)|0o700); err != nil {
		return errors.Wrap(err, "create cache directory")
	}
	v.mu.Lock()
	v.tree.SetDir(components)
	v.mu.Unlock()
	return nil
}

// Rmdir implements spec.md §4.6 rmdir, only ever invoked by the kernel
// adapter for directories already known to be empty.
func (v *VFS) Rmdir(path string) error {
	normalized, components := fspath.Split(path)
	v.mu.Lock()
	v.tree.Delete(components, false)
	v.mu.Unlock()
	if err := os.Remove(v.cachePath(normalized)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove cache directory")
	}
	return nil
}

// Unlink implements spec.md §4.6 unlink.
func (v *VFS) Unlink(path string) error {
	normalized, components := fspath.Split(path)

	v.mu.Lock()
	_, inLRU := v.lru.Get(normalized)
	node := v.tree.Get(components)
	if node != nil {
		v.lru.Remove(normalized)
		v.tree.Delete(components, false)
	}
	v.mu.Unlock()

	if node == nil {
		return errors.Wrap(os.Remove(v.cachePath(normalized)), "unlink untracked file")
	}

	if inLRU {
		if err := os.Remove(v.cachePath(normalized)); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "remove cache file")
		}
	}

	branch := fspath.BranchOf(normalized)
	v.asyncWG.Add(1)
	go func() {
		defer v.asyncWG.Done()
		if err := v.remote.Delete(context.Background(), branch); err != nil {
			v.log.Errorf(normalized, "remote delete failed: %v", err)
		}
	}()
	return nil
}

// renamedFile is the outcome of walking a renamed subtree, one entry per
// file discovered.
type renamedFile struct {
	oldNormalized, newNormalized string
	oldBranch, newBranch         string
}

// Rename implements spec.md §4.6 rename: the cache filesystem entry is
// renamed first (the kernel adapter has already validated source and
// destination are type-compatible), then tree/LRU state is moved and
// remote rename-branch operations are dispatched, one per file
// discovered in a renamed directory subtree.
func (v *VFS) Rename(oldPath, newPath string) error {
	oldNormalized, oldComponents := fspath.Split(oldPath)
	newNormalized, newComponents := fspath.Split(newPath)

	v.mu.Lock()
	oldNode := v.tree.Get(oldComponents)
	destExists := oldNode.IsFile() && v.tree.Get(newComponents).IsFile()
	v.mu.Unlock()

	if err := os.Rename(v.cachePath(oldNormalized), v.cachePath(newNormalized)); err != nil {
		return errors.Wrap(err, "rename cache entry")
	}

	if oldNode.IsFile() {
		v.renameFile(oldNormalized, newNormalized, oldComponents, newComponents, destExists)
		return nil
	}
	if oldNode.IsDir() {
		v.renameDirectory(oldNormalized, newNormalized, oldComponents, newComponents)
	}
	return nil
}

func (v *VFS) renameFile(oldNormalized, newNormalized string, oldComponents, newComponents []string, destExists bool) {
	v.mu.Lock()
	node := v.tree.Get(oldComponents)
	v.tree.Set(newComponents, node)
	v.tree.Delete(oldComponents, true)
	if v.lru.Has(oldNormalized) {
		v.lru.Rename(oldNormalized, newNormalized)
	}
	v.mu.Unlock()

	oldBranch := fspath.BranchOf(oldNormalized)
	newBranch := fspath.BranchOf(newNormalized)
	v.dispatchRename(oldBranch, newBranch, newNormalized, destExists)
}

func (v *VFS) renameDirectory(oldNormalized, newNormalized string, oldComponents, newComponents []string) {
	var files []renamedFile

	v.mu.Lock()
	node := v.tree.Get(oldComponents)
	if node.IsDir() {
		walkFiles(node, nil, func(sub []string, leaf *dirtree.Node) {
			oldRel := fspath.Join(append(append([]string{}, oldComponents...), sub...))
			newRel := fspath.Join(append(append([]string{}, newComponents...), sub...))
			files = append(files, renamedFile{
				oldNormalized: oldRel,
				newNormalized: newRel,
				oldBranch:     fspath.BranchOf(oldRel),
				newBranch:     fspath.BranchOf(newRel),
			})
		})
	}
	for _, rf := range files {
		oldComp := splitComponents(rf.oldNormalized)
		newComp := splitComponents(rf.newNormalized)
		leaf := v.tree.Get(oldComp)
		v.tree.Set(newComp, leaf)
		if v.lru.Has(rf.oldNormalized) {
			v.lru.Rename(rf.oldNormalized, rf.newNormalized)
		}
	}
	v.tree.Delete(oldComponents, true)
	v.mu.Unlock()

	for _, rf := range files {
		v.dispatchRename(rf.oldBranch, rf.newBranch, rf.newNormalized, false)
	}
}

func (v *VFS) dispatchRename(oldBranch, newBranch, newVirtualPath string, destExists bool) {
	v.asyncWG.Add(1)
	go func() {
		defer v.asyncWG.Done()
		ctx := context.Background()
		err := v.remote.Rename(ctx, oldBranch, newBranch, newVirtualPath, destExists, v.remote.Delete)
		if err != nil {
			v.log.Errorf(newVirtualPath, "remote rename failed: %v", err)
		}
	}()
}

func splitComponents(normalized string) []string {
	_, components := fspath.Split(normalized)
	return components
}

// walkFiles recursively visits every file leaf under node, calling fn
// with the path components relative to node's own position and the
// leaf itself.
func walkFiles(node *dirtree.Node, prefix []string, fn func(sub []string, leaf *dirtree.Node)) {
	if node.IsFile() {
		fn(prefix, node)
		return
	}
	for name, child := range node.Children() {
		walkFiles(child, append(append([]string{}, prefix...), name), fn)
	}
}
