package vfs

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/branchfs/branchfs/internal/branchlog"
)

// fakeRunner is a git.Runner fake recording every invocation, used
// across the vfs package's tests to assert on the remote side effects
// dispatched asynchronously by attr_ops.go and io_ops.go.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	// onRun, if set, lets a test simulate the working-tree side effects
	// a real git command would have (e.g. materializing a checked-out
	// file) before Run returns its result.
	onRun func(dir string, args []string) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{}, args...))
	onRun := f.onRun
	f.mu.Unlock()
	if onRun != nil {
		return onRun(dir, args)
	}
	return "", nil
}

func (f *fakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeRunner) hasCall(args ...string) bool {
	for _, c := range f.Calls() {
		if len(c) != len(args) {
			continue
		}
		match := true
		for i := range args {
			if c[i] != args[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func discardLogger() *branchlog.Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return branchlog.New(base)
}

// newTestVFS returns a freshly constructed VFS with its data and
// canonical directories created on disk but with no bootstrap
// performed: tests populate the tree/LRU directly.
func newTestVFS(t *testing.T) (*VFS, *fakeRunner) {
	t.Helper()
	base := t.TempDir()
	opts := Options{
		BaseDir:            base,
		RemoteURL:          "https://example.com/repo.git",
		DefaultBranch:      "master",
		CacheCapacityBytes: 1 << 30,
		SyncInterval:       time.Hour,
		Workers:            1,
		OpenTimeout:        2 * time.Second,
	}
	runner := &fakeRunner{}
	v := New(opts, runner, discardLogger())

	for _, dir := range []string{opts.dataDir(), opts.canonicalDir()} {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			t.Fatalf("create %s: %v", dir, err)
		}
	}
	return v, runner
}

const eventuallyWait = 2 * time.Second
const eventuallyTick = 10 * time.Millisecond
