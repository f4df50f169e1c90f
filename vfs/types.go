package vfs

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a path is absent from both the LRU and
// the directory tree. vfs/fuseadapter maps it to ENOENT.
var ErrNotFound = errors.New("vfs: not found")

// syntheticModTime is the fixed far-future timestamp (year 2199) used
// for entries that have not yet been materialized locally, flagging
// them as not-yet-fetched per spec.md §4.6.
var syntheticModTime = time.Unix(7226582400, 0)

const (
	syntheticDirMode  = 0o040775
	syntheticFileMode = 0o100664
	editorCreateMode  = 0o100600

	syntheticDirNlink  = 2
	syntheticFileNlink = 1
)

// Stat is the plain-Go stat record returned by Getattr, independent of
// any FUSE or syscall type so vfs has no cgofuse import.
type Stat struct {
	Mode    uint32
	Size    int64
	Nlink   uint32
	ModTime time.Time
}

// action is one of the pending operations accumulated between
// create/open and release (spec.md §3 "pending-action map").
type action int

const (
	actionRead action = iota
	actionWrite
)
