// Package vfscache implements the capacity-bounded, insertion-ordered
// cache of materialized virtual paths.
package vfscache

import (
	"container/list"

	"github.com/pkg/errors"
)

// Evictor deletes the materialized copy of a cached path from the cache
// directory. Injected so the LRU can be tested without touching disk,
// mirroring the teacher's practice of hiding filesystem side effects
// behind a narrow interface.
type Evictor interface {
	Remove(path string) error
}

type entry struct {
	key  string
	size int64
}

// LRU is an insertion-ordered mapping from virtual path to byte size,
// bounded by capacityBytes. Not safe for concurrent use; callers
// (vfs.VFS) provide the surrounding mutex.
type LRU struct {
	capacityBytes int64
	total         int64
	order         *list.List
	index         map[string]*list.Element
	evictor       Evictor
}

// New returns an LRU with the given capacity and eviction sink.
func New(capacityBytes int64, evictor Evictor) *LRU {
	return &LRU{
		capacityBytes: capacityBytes,
		order:         list.New(),
		index:         map[string]*list.Element{},
		evictor:       evictor,
	}
}

// Len returns the number of entries held.
func (l *LRU) Len() int { return l.order.Len() }

// TotalBytes returns the running total of tracked sizes.
func (l *LRU) TotalBytes() int64 { return l.total }

// CapacityBytes returns the configured capacity.
func (l *LRU) CapacityBytes() int64 { return l.capacityBytes }

// Get returns the size for key and records the access as most-recent.
// The second return value is false if key is absent.
func (l *LRU) Get(key string) (int64, bool) {
	el, ok := l.index[key]
	if !ok {
		return 0, false
	}
	l.order.MoveToBack(el)
	return el.Value.(*entry).size, true
}

// Has reports presence without affecting recency.
func (l *LRU) Has(key string) bool {
	_, ok := l.index[key]
	return ok
}

// Keys returns all keys in oldest-to-newest order.
func (l *LRU) Keys() []string {
	keys := make([]string, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry).key)
	}
	return keys
}

// Put inserts or updates key with size, then evicts least-recently-used
// entries while the running total exceeds capacity and more than one
// entry remains. Returns any eviction error from the Evictor; the put
// itself always succeeds.
func (l *LRU) Put(key string, size int64) error {
	if el, ok := l.index[key]; ok {
		e := el.Value.(*entry)
		l.total -= e.size
		e.size = size
		l.total += size
		l.order.MoveToBack(el)
	} else {
		el := l.order.PushBack(&entry{key: key, size: size})
		l.index[key] = el
		l.total += size
	}
	return l.evictUntilFits()
}

func (l *LRU) evictUntilFits() error {
	var firstErr error
	for l.total > l.capacityBytes && l.order.Len() > 1 {
		oldest := l.order.Front()
		e := oldest.Value.(*entry)
		l.order.Remove(oldest)
		delete(l.index, e.key)
		l.total -= e.size
		if err := l.evictor.Remove(e.key); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "evict %q", e.key)
		}
	}
	return firstErr
}

// Remove removes key without touching the filesystem; the caller is
// responsible for any on-disk deletion.
func (l *LRU) Remove(key string) {
	el, ok := l.index[key]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	l.total -= e.size
	l.order.Remove(el)
	delete(l.index, key)
}

// Rename moves the entry at oldKey to newKey, preserving recency
// position and size. A no-op if oldKey is absent.
func (l *LRU) Rename(oldKey, newKey string) {
	el, ok := l.index[oldKey]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	e.key = newKey
	delete(l.index, oldKey)
	l.index[newKey] = el
}
