// Package remote implements the four file-level mutations against the
// remote git repository (commit, retrieve, delete, rename) and the
// periodic manifest synchronization, grounded on evilgitfs.py's
// git_commit_to_remote / git_retrieve_from_remote /
// git_remove_from_remote / git_rename_branch / git_sync_filelist.
package remote

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/branchfs/branchfs/remote/git"
	"github.com/branchfs/branchfs/remote/manifest"
	"github.com/branchfs/branchfs/remote/scratch"
)

// Ops performs remote mutations against branches of a git repository,
// dispatching the actual git invocations onto a worker pool of
// per-worker scratch working copies.
type Ops struct {
	pool          *scratch.Pool
	runner        git.Runner
	canonicalDir  string
	defaultBranch string

	manifestMu sync.Mutex
}

// New returns an Ops driving pool's workers with runner, appending
// manifest records directly into canonicalDir's filelist.txt.
// defaultBranch is the repository's default branch (commonly "master"
// or "main"), the branch every scratch copy returns to between tasks.
func New(pool *scratch.Pool, runner git.Runner, canonicalDir, defaultBranch string) *Ops {
	return &Ops{
		pool:          pool,
		runner:        runner,
		canonicalDir:  canonicalDir,
		defaultBranch: defaultBranch,
	}
}

func (o *Ops) manifestPath() string {
	return filepath.Join(o.canonicalDir, "filelist.txt")
}

// appendManifest appends r to the canonical manifest file, serialized
// against concurrent workers since the manifest file itself is not
// worker-scoped.
func (o *Ops) appendManifest(r manifest.Record) error {
	o.manifestMu.Lock()
	defer o.manifestMu.Unlock()

	f, err := os.OpenFile(o.manifestPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open manifest for append")
	}
	defer f.Close()
	return manifest.Append(f, r)
}

// removeManifestRecordsByBranch rewrites the canonical manifest
// dropping every record whose branch matches, returning the dropped
// records (there should be exactly one, but the original tolerates
// more under "assume hash don't collide" hash-stability assumptions).
func (o *Ops) removeManifestRecordsByBranch(branch string) ([]manifest.Record, error) {
	o.manifestMu.Lock()
	defer o.manifestMu.Unlock()
	return o.rewriteManifestLocked(func(r manifest.Record) bool {
		return r.Branch == branch
	})
}

// rewriteManifestLocked reads the manifest, removes every record for
// which drop returns true, and writes the remainder back. Caller must
// hold manifestMu. Returns the dropped records.
func (o *Ops) rewriteManifestLocked(drop func(manifest.Record) bool) ([]manifest.Record, error) {
	f, err := os.Open(o.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open manifest")
	}
	records, err := manifest.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}

	var kept, dropped []manifest.Record
	for _, r := range records {
		if drop(r) {
			dropped = append(dropped, r)
		} else {
			kept = append(kept, r)
		}
	}

	out, err := os.Create(o.manifestPath())
	if err != nil {
		return nil, errors.Wrap(err, "rewrite manifest")
	}
	defer out.Close()
	for _, r := range kept {
		if err := manifest.Append(out, r); err != nil {
			return nil, err
		}
	}
	return dropped, nil
}

// Commit publishes sourcePath's contents to branch and records
// virtualPath/branch/size in the manifest. basename is the filename
// used inside the branch's tree (the repository root holds exactly
// one file per branch).
func (o *Ops) Commit(ctx context.Context, branch, sourcePath, basename, virtualPath string) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return errors.Wrap(err, "stat source file")
	}
	size := info.Size()

	err = o.pool.SubmitWait(ctx, func(scratchDir string) error {
		_ = git.PullBranch(ctx, o.runner, scratchDir, branch)

		if err := git.EnsureBranch(ctx, o.runner, scratchDir, branch); err != nil {
			return errors.Wrapf(err, "checkout branch %s", branch)
		}

		dest := filepath.Join(scratchDir, basename)
		if err := copyFile(sourcePath, dest); err != nil {
			return errors.Wrap(err, "copy source into scratch")
		}

		if err := git.AddAll(ctx, o.runner, scratchDir); err != nil {
			return errors.Wrap(err, "stage commit")
		}
		if err := git.Commit(ctx, o.runner, scratchDir, "branchfs: update "+virtualPath); err != nil {
			return errors.Wrap(err, "commit")
		}
		if err := git.PushUpstream(ctx, o.runner, scratchDir, branch); err != nil {
			return errors.Wrap(err, "push branch")
		}
		return git.EnsureBranch(ctx, o.runner, scratchDir, o.defaultBranch)
	})
	if err != nil {
		return err
	}

	return o.appendManifest(manifest.Record{Path: virtualPath, Branch: branch, Size: size})
}

// Retrieve fetches branch, checks out basename from it, and moves the
// result into destPath, creating any missing ancestor directories —
// resolving spec.md's open question about missing parent directories
// on first retrieval into a cache subdirectory that was never created.
func (o *Ops) Retrieve(ctx context.Context, branch, basename, destPath string) error {
	return o.pool.SubmitWait(ctx, func(scratchDir string) error {
		if err := git.FetchRef(ctx, o.runner, scratchDir, branch, branch); err != nil {
			return errors.Wrapf(err, "fetch branch %s", branch)
		}
		if err := git.CheckoutPathFromRef(ctx, o.runner, scratchDir, branch, basename); err != nil {
			return errors.Wrapf(err, "checkout %s from %s", basename, branch)
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o775); err != nil {
			return errors.Wrap(err, "create cache destination directory")
		}
		fetched := filepath.Join(scratchDir, basename)
		if err := os.Rename(fetched, destPath); err != nil {
			return errors.Wrap(err, "move retrieved file into cache")
		}
		return nil
	})
}

// Delete removes branch from origin and drops its manifest record.
func (o *Ops) Delete(ctx context.Context, branch string) error {
	err := o.pool.SubmitWait(ctx, func(scratchDir string) error {
		git.RemoveRemoteBranch(ctx, o.runner, scratchDir, branch)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = o.removeManifestRecordsByBranch(branch)
	return err
}

// DeleteFunc matches the signature Rename needs to delete a
// conflicting destination branch before the rename proceeds.
type DeleteFunc func(ctx context.Context, branch string) error

// Rename server-side renames oldBranch to newBranch, synchronously
// deleting newBranch first when destinationExists, and updates the
// manifest in place: the old record is removed and a new one is
// appended under newBranch/newVirtualPath carrying the forwarded size.
func (o *Ops) Rename(ctx context.Context, oldBranch, newBranch, newVirtualPath string, destinationExists bool, deleteFn DeleteFunc) error {
	if destinationExists {
		if err := deleteFn(ctx, newBranch); err != nil {
			return errors.Wrap(err, "delete destination branch before rename")
		}
	}

	err := o.pool.SubmitWait(ctx, func(scratchDir string) error {
		if err := git.FetchRef(ctx, o.runner, scratchDir, oldBranch, oldBranch); err != nil {
			return errors.Wrapf(err, "fetch branch %s", oldBranch)
		}
		return git.PushRenameAndDelete(ctx, o.runner, scratchDir, oldBranch, newBranch)
	})
	if err != nil {
		return err
	}

	o.manifestMu.Lock()
	dropped, err := o.rewriteManifestLocked(func(r manifest.Record) bool {
		return r.Branch == oldBranch
	})
	o.manifestMu.Unlock()
	if err != nil {
		return err
	}

	var size int64
	if len(dropped) > 0 {
		size = dropped[0].Size
	}
	return o.appendManifest(manifest.Record{Path: newVirtualPath, Branch: newBranch, Size: size})
}

// SyncManifest commits any local manifest edits, pulls the default
// branch, resolves a merge conflict additively if one occurred, and
// pushes. It returns true if the merge changed the manifest content,
// signalling that the caller should reload the directory tree.
func (o *Ops) SyncManifest(ctx context.Context) (changed bool, err error) {
	o.manifestMu.Lock()
	defer o.manifestMu.Unlock()

	before, readErr := os.ReadFile(o.manifestPath())
	if readErr != nil && !os.IsNotExist(readErr) {
		return false, errors.Wrap(readErr, "read manifest before sync")
	}

	if commitErr := git.CommitAllowEmpty(ctx, o.runner, o.canonicalDir, "update filelist"); commitErr != nil {
		return false, errors.Wrap(commitErr, "commit manifest")
	}

	pullOut, pullErr := o.runner.Run(ctx, o.canonicalDir, "pull", "origin", o.defaultBranch)
	if pullErr != nil && !strings.Contains(pullOut, "CONFLICT") {
		return false, errors.Wrap(pullErr, "pull manifest")
	}

	conflicted, convErr := git.HasConflictMarkers(ctx, o.runner, o.canonicalDir)
	if convErr != nil {
		return false, errors.Wrap(convErr, "check for manifest conflict")
	}
	if conflicted || strings.Contains(pullOut, "CONFLICT") {
		raw, rerr := os.ReadFile(o.manifestPath())
		if rerr != nil {
			return false, errors.Wrap(rerr, "read conflicted manifest")
		}
		resolved := manifest.StripConflictMarkers(string(raw))
		if werr := os.WriteFile(o.manifestPath(), []byte(resolved), 0o644); werr != nil {
			return false, errors.Wrap(werr, "write resolved manifest")
		}
		if cerr := git.CommitAllowEmpty(ctx, o.runner, o.canonicalDir, "merge conflict"); cerr != nil {
			return false, errors.Wrap(cerr, "commit merge resolution")
		}
	}

	if pushErr := git.PushUpstream(ctx, o.runner, o.canonicalDir, o.defaultBranch); pushErr != nil {
		return false, errors.Wrap(pushErr, "push manifest")
	}

	after, readErr := os.ReadFile(o.manifestPath())
	if readErr != nil && !os.IsNotExist(readErr) {
		return false, errors.Wrap(readErr, "read manifest after sync")
	}
	return string(before) != string(after), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
