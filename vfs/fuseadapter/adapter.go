// Package fuseadapter is the only package in this module that knows
// about cgofuse: it translates FUSE callbacks into vfs.VFS calls and
// vfs.VFS results back into the POSIX errno conventions cgofuse
// expects, mirroring the shape of evilgitfs.py's fusepy
// Operations subclass one callback at a time.
package fuseadapter

import (
	"errors"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/branchfs/branchfs/vfs"
)

// FS adapts a *vfs.VFS to fuse.FileSystemInterface. FileSystemBase
// supplies no-op defaults for the handful of POSIX calls branchfs does
// not need (chmod, chown, links, extended attributes).
type FS struct {
	fuse.FileSystemBase
	vfs *vfs.VFS
}

// New returns a cgofuse-mountable filesystem backed by v.
func New(v *vfs.VFS) *FS {
	return &FS{vfs: v}
}

// NewHost wraps a New(v) filesystem in a fuse.FileSystemHost, ready
// for Mount.
func NewHost(v *vfs.VFS) *fuse.FileSystemHost {
	return fuse.NewFileSystemHost(New(v))
}

func errnoFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, vfs.ErrNotFound) {
		return -fuse.ENOENT
	}
	return -fuse.EIO
}

func (f *FS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	s, err := f.vfs.Getattr(path)
	if err != nil {
		return errnoFor(err)
	}
	stat.Mode = s.Mode
	stat.Nlink = s.Nlink
	stat.Size = s.Size
	ts := fuse.NewTimespec(s.ModTime)
	stat.Mtim, stat.Atim, stat.Ctim = ts, ts, ts
	return 0
}

func (f *FS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	names, err := f.vfs.Readdir(path)
	if err != nil {
		return errnoFor(err)
	}
	for _, name := range names {
		if !fill(name, nil, 0) {
			break
		}
	}
	return 0
}

func (f *FS) Mkdir(path string, mode uint32) int {
	return errnoFor(f.vfs.Mkdir(path, mode))
}

func (f *FS) Rmdir(path string) int {
	return errnoFor(f.vfs.Rmdir(path))
}

func (f *FS) Unlink(path string) int {
	return errnoFor(f.vfs.Unlink(path))
}

func (f *FS) Rename(oldpath, newpath string) int {
	return errnoFor(f.vfs.Rename(oldpath, newpath))
}

func (f *FS) Open(path string, flags int) (errc int, fh uint64) {
	h, err := f.vfs.Open(path)
	if err != nil {
		return errnoFor(err), ^uint64(0)
	}
	return 0, h
}

func (f *FS) Create(path string, flags int, mode uint32) (errc int, fh uint64) {
	h, err := f.vfs.Create(path, mode)
	if err != nil {
		return errnoFor(err), ^uint64(0)
	}
	return 0, h
}

func (f *FS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := f.vfs.Read(path, fh, buff, ofst)
	if err != nil {
		return errnoFor(err)
	}
	return n
}

func (f *FS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := f.vfs.Write(path, fh, buff, ofst)
	if err != nil {
		return errnoFor(err)
	}
	return n
}

func (f *FS) Truncate(path string, size int64, fh uint64) int {
	return errnoFor(f.vfs.Truncate(path, size))
}

func (f *FS) Flush(path string, fh uint64) int {
	return errnoFor(f.vfs.Flush(path, fh))
}

func (f *FS) Release(path string, fh uint64) int {
	return errnoFor(f.vfs.Release(path, fh))
}

func (f *FS) Fsync(path string, datasync bool, fh uint64) int {
	return errnoFor(f.vfs.Fsync(path, fh))
}
