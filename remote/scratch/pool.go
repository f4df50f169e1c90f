// Package scratch implements the bounded worker pool and per-worker
// scratch working copies that isolate concurrent remote git mutations
// from each other, mirroring evilgitfs.py's pre_git_ops/post_git_ops
// dirty-directory discipline with one working copy per pool worker
// instead of one per OS thread.
package scratch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Task is a unit of work handed to a scratch worker. scratchDir is the
// worker's private working copy of the canonical repository.
type Task func(scratchDir string) error

type worker struct {
	name     string
	dir      string
	prepared bool
	mu       sync.Mutex
}

// Pool runs Tasks against a fixed set of named, lazily-materialized
// scratch working copies, bounding concurrency with a weighted
// semaphore rather than an unbounded goroutine-per-task fan-out.
type Pool struct {
	canonicalDir  string
	scratchRoot   string
	capacityBytes int64
	runner        objectStorer

	workers []*worker
	sem     *semaphore.Weighted

	queueDepth int32

	// next picks which worker services the next task; round robin is
	// enough since every worker is functionally identical.
	nextMu sync.Mutex
	next   int
}

// objectStorer measures and clears a scratch working copy's git
// object store. Narrowed to an interface so tests do not need a real
// .git/objects directory on disk.
type objectStorer interface {
	ObjectStoreSize(scratchDir string) (int64, error)
	Recopy(canonicalDir, scratchDir string) error
}

// New returns a Pool with n workers, each given a stable uuid-suffixed
// name. canonicalDir is the read path for seeding scratch copies;
// scratchRoot is where the scratch_<uuid> directories, one per worker
// name, are created.
func New(n int, canonicalDir, scratchRoot string, capacityBytes int64) *Pool {
	p := &Pool{
		canonicalDir:  canonicalDir,
		scratchRoot:   scratchRoot,
		capacityBytes: capacityBytes,
		sem:           semaphore.NewWeighted(int64(n)),
		runner:        fsObjectStorer{},
	}
	for i := 0; i < n; i++ {
		name := "scratch_" + uuid.New().String()
		p.workers = append(p.workers, &worker{
			name: name,
			dir:  filepath.Join(scratchRoot, name),
		})
	}
	return p
}

// Names returns the stable scratch directory names, for bootstrap's
// leftover-scratch-directory cleanup (anything under scratchRoot not
// in this list is stale).
func (p *Pool) Names() []string {
	names := make([]string, len(p.workers))
	for i, w := range p.workers {
		names[i] = w.name
	}
	return names
}

func (p *Pool) pick() *worker {
	p.nextMu.Lock()
	defer p.nextMu.Unlock()
	w := p.workers[p.next%len(p.workers)]
	p.next++
	return w
}

// Submit runs task on a worker as soon as one is free and reports the
// task's error asynchronously through the returned channel. It never
// blocks the caller: the worker slot is acquired on a new goroutine. Used for remote
// mutations the caller does not need to wait on synchronously.
func (p *Pool) Submit(ctx context.Context, task Task) <-chan error {
	result := make(chan error, 1)
	atomic.AddInt32(&p.queueDepth, 1)
	go func() {
		result <- p.run(ctx, task)
	}()
	return result
}

// SubmitWait runs task and blocks until it completes or ctx is
// cancelled. Used where ordering matters, such as rename's
// destination-pre-delete step.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	ch := p.Submit(ctx, task)
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for scratch task")
	}
}

func (p *Pool) run(ctx context.Context, task Task) error {
	defer atomic.AddInt32(&p.queueDepth, -1)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "acquire scratch worker")
	}
	defer p.sem.Release(1)

	w := p.pick()
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := p.prepare(w); err != nil {
		return errors.Wrapf(err, "prepare scratch worker %s", w.name)
	}

	taskErr := task(w.dir)

	if err := p.finalize(w); err != nil {
		// finalize failures are logged by the caller via the
		// returned error only when there is no task error to report,
		// matching evilgitfs.py's best-effort cleanup: the task's own
		// result always takes precedence.
		if taskErr == nil {
			return errors.Wrapf(err, "finalize scratch worker %s", w.name)
		}
	}
	return taskErr
}

func (p *Pool) prepare(w *worker) error {
	if w.prepared {
		return nil
	}
	if err := copyTree(p.canonicalDir, w.dir); err != nil {
		return err
	}
	w.prepared = true
	return nil
}

// finalize bounds the growth of a worker's scratch clone: when the
// pool isn't under load, check the object store footprint and wipe
// and re-copy from canonical if it has outgrown the cache capacity.
func (p *Pool) finalize(w *worker) error {
	if int(atomic.LoadInt32(&p.queueDepth)) >= len(p.workers) {
		return nil
	}
	size, err := p.runner.ObjectStoreSize(w.dir)
	if err != nil {
		return errors.Wrap(err, "measure object store")
	}
	if size <= p.capacityBytes {
		return nil
	}
	if err := p.runner.Recopy(p.canonicalDir, w.dir); err != nil {
		return errors.Wrap(err, "recopy scratch from canonical")
	}
	return nil
}

type fsObjectStorer struct{}

func (fsObjectStorer) ObjectStoreSize(scratchDir string) (int64, error) {
	objectsDir := filepath.Join(scratchDir, ".git", "objects")
	var total int64
	err := filepath.Walk(objectsDir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return total, nil
}

func (fsObjectStorer) Recopy(canonicalDir, scratchDir string) error {
	if err := os.RemoveAll(scratchDir); err != nil {
		return err
	}
	return copyTree(canonicalDir, scratchDir)
}

// copyTree recursively copies src into dst. Go has no standard library
// equivalent of Python's shutil.copytree and none of the example repos
// carry a third-party recursive-copy dependency, so this is a small
// hand-rolled walk.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
