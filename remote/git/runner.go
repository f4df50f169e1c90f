// Package git runs the git subcommands the remote package needs
// against a working tree, without ever shelling out through a string
// the way evilgitfs.py's subprocess.run(..., shell=True) calls did —
// every argument here is passed to exec.Command discretely, closing
// off the path-injection exposure that shell=True with interpolated
// paths left open.
package git

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Runner executes git subcommands rooted at a working directory.
// Implemented by CLIRunner for real use and by a fake in tests.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// CLIRunner shells out to the system git binary.
type CLIRunner struct {
	// Binary overrides the git executable name, defaulting to "git".
	Binary string
}

func (r *CLIRunner) bin() string {
	if r.Binary == "" {
		return "git"
	}
	return r.Binary
}

// Run executes `git <args...>` with dir as the working directory and
// returns combined stdout/stderr, wrapped with the command line on
// failure.
func (r *CLIRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.bin(), args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "%s %s (in %s): %s", r.bin(), strings.Join(args, " "), dir, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Clone clones url into dir.
func Clone(ctx context.Context, r Runner, url, dir string) error {
	_, err := r.Run(ctx, dir, "clone", url, ".")
	return err
}

// SetRemoteURL points origin at url, used on every bootstrap of an
// already-cloned canonical repository in case the credentialed URL
// (e.g. an embedded token) has rotated since the last run.
func SetRemoteURL(ctx context.Context, r Runner, dir, url string) error {
	_, err := r.Run(ctx, dir, "remote", "set-url", "origin", url)
	return err
}

// Pull fetches and merges the current branch of origin.
func Pull(ctx context.Context, r Runner, dir string) error {
	_, err := r.Run(ctx, dir, "pull", "origin")
	return err
}

// Fetch fetches from origin without merging.
func Fetch(ctx context.Context, r Runner, dir string) error {
	_, err := r.Run(ctx, dir, "fetch", "origin")
	return err
}

// PullBranch pulls a single named branch from origin into dir and
// returns any failure. Callers decide whether to tolerate it: Commit
// ignores it, since the branch commonly does not exist yet on a first
// commit, while Bootstrap treats it as fatal.
func PullBranch(ctx context.Context, r Runner, dir, branch string) error {
	_, err := r.Run(ctx, dir, "pull", "origin", branch)
	return err
}

// FetchRef fetches remoteRef from origin into localRef without
// touching the working tree, used to pull a file's branch down before
// checking a single path out of it.
func FetchRef(ctx context.Context, r Runner, dir, remoteRef, localRef string) error {
	_, err := r.Run(ctx, dir, "fetch", "origin", remoteRef+":"+localRef)
	return err
}

// CheckoutPathFromRef checks a single path out of ref into the working
// tree without switching HEAD.
func CheckoutPathFromRef(ctx context.Context, r Runner, dir, ref, path string) error {
	_, err := r.Run(ctx, dir, "checkout", ref, "--", path)
	return err
}

// EnsureBranch switches to branch, creating it from the current HEAD
// if it does not already exist locally.
func EnsureBranch(ctx context.Context, r Runner, dir, branch string) error {
	if _, err := r.Run(ctx, dir, "checkout", branch); err == nil {
		return nil
	}
	_, err := r.Run(ctx, dir, "checkout", "-b", branch)
	return err
}

// PushUpstream pushes branch to origin and sets it as the upstream,
// the -u flag evilgitfs.py uses so a future plain `git push` on that
// branch needs no further arguments.
func PushUpstream(ctx context.Context, r Runner, dir, branch string) error {
	_, err := r.Run(ctx, dir, "push", "-u", "origin", branch)
	return err
}

// PushRenameAndDelete performs a single server-side push that renames
// oldBranch to newBranch: it pushes the fetched oldBranch ref onto
// refs/heads/newBranch while simultaneously deleting oldBranch,
// avoiding a local checkout/recommit round trip for a rename.
func PushRenameAndDelete(ctx context.Context, r Runner, dir, oldBranch, newBranch string) error {
	refspecNew := "origin/" + oldBranch + ":refs/heads/" + newBranch
	refspecDelete := ":" + oldBranch
	_, err := r.Run(ctx, dir, "push", "origin", refspecNew, refspecDelete)
	return err
}

// Push pushes branch to origin.
func Push(ctx context.Context, r Runner, dir, branch string) error {
	_, err := r.Run(ctx, dir, "push", "origin", branch)
	return err
}

// DeleteLocalBranch force-deletes a local branch. Errors are not
// fatal: the branch may simply not exist locally yet, mirroring
// evilgitfs.py's "assume hash don't collide" tolerance for git
// branch -D failures.
func DeleteLocalBranch(ctx context.Context, r Runner, dir, branch string) {
	_, _ = r.Run(ctx, dir, "branch", "-D", branch)
}

// AddAll stages every change in the working tree.
func AddAll(ctx context.Context, r Runner, dir string) error {
	_, err := r.Run(ctx, dir, "add", "-A")
	return err
}

// Commit commits staged changes with message.
func Commit(ctx context.Context, r Runner, dir, message string) error {
	_, err := r.Run(ctx, dir, "commit", "-m", message)
	return err
}

// CommitAllowEmpty commits every modified tracked file (-a), tolerating
// an empty diff —
// used for the manifest sync loop, which runs on a timer regardless of
// whether anything actually changed.
func CommitAllowEmpty(ctx context.Context, r Runner, dir, message string) error {
	_, err := r.Run(ctx, dir, "commit", "-a", "--allow-empty", "-m", message)
	return err
}

// RemoveRemoteBranch deletes a branch from origin, tolerating failure
// when the branch was already gone.
func RemoveRemoteBranch(ctx context.Context, r Runner, dir, branch string) {
	_, _ = r.Run(ctx, dir, "push", "origin", "--delete", branch)
}

// HasConflictMarkers reports whether a pull produced an unresolved
// merge, detected the way evilgitfs.py does: checking git status for
// the "both modified" marker.
func HasConflictMarkers(ctx context.Context, r Runner, dir string) (bool, error) {
	out, err := r.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "UU "), nil
}
