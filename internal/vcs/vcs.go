// Package vcs adapts Conductor's workspace coordination onto git via
// os/exec: branch management, commits, diffs, stashes, and rebases,
// every one scoped to a single working tree passed in at construction.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
)

// Repo wraps a single git working tree.
type Repo struct {
	Root        string
	AuthorName  string
	AuthorEmail string
}

// New returns a Repo rooted at root, defaulting the commit identity to
// Conductor's own agent identity.
func New(root string) *Repo {
	return &Repo{Root: root, AuthorName: "Conductor Agent", AuthorEmail: "conductor@localhost"}
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", cerrors.Wrap(cerrors.KindTransient, "git "+strings.Join(args, " ")+" failed", err).
			WithEvidence(strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CreateBranch creates and checks out branch from base.
func (r *Repo) CreateBranch(ctx context.Context, branch, base string) error {
	args := []string{"checkout", "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	_, err := r.run(ctx, args...)
	return err
}

// Checkout switches to an existing branch.
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "checkout", branch)
	return err
}

// DeleteBranch force-deletes branch, discarding any work on it.
func (r *Repo) DeleteBranch(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "branch", "-D", branch)
	return err
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListBranches lists branches matching pattern (e.g. "run/*").
func (r *Repo) ListBranches(ctx context.Context, pattern string) ([]string, error) {
	out, err := r.run(ctx, "branch", "--list", pattern)
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		b := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "*"))
		if b != "" {
			branches = append(branches, b)
		}
	}
	return branches, nil
}

func (r *Repo) hasStagedChanges(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "git", "diff", "--cached", "--quiet")
	cmd.Dir = r.Root
	return cmd.Run() != nil
}

// Commit stages every change in the working tree and commits it with
// message, attributed to the repo's configured identity. Returns the
// new commit hash.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	if _, err := r.run(ctx, "add", "."); err != nil {
		return "", err
	}
	if !r.hasStagedChanges(ctx) {
		return "", cerrors.New(cerrors.KindCoordination, "no changes to commit")
	}

	cmd := exec.CommandContext(ctx, "git", "commit", "-m", message)
	cmd.Dir = r.Root
	cmd.Env = append(cmd.Env,
		"GIT_AUTHOR_NAME="+r.AuthorName, "GIT_AUTHOR_EMAIL="+r.AuthorEmail,
		"GIT_COMMITTER_NAME="+r.AuthorName, "GIT_COMMITTER_EMAIL="+r.AuthorEmail,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", cerrors.Wrap(cerrors.KindTransient, "git commit failed", err).WithEvidence(strings.TrimSpace(string(out)))
	}

	return r.HeadRef(ctx)
}

// HeadRef returns the current commit hash.
func (r *Repo) HeadRef(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Diff returns the unified diff between two refs.
func (r *Repo) Diff(ctx context.Context, fromRef, toRef string) (string, error) {
	return r.run(ctx, "diff", fromRef, toRef)
}

// ChangedFiles returns paths modified in the working tree relative to
// HEAD, together with untracked files that .gitignore does not exclude.
func (r *Repo) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, err
	}
	untracked, err := r.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out+"\n"+untracked, "\n") {
		if strings.TrimSpace(line) != "" {
			files = append(files, strings.TrimSpace(line))
		}
	}
	return files, nil
}

// ChangedFilesBetween returns paths that differ between two committed
// refs, used by the Verification Gate to scope its regression probe to
// a run's actual diff rather than its uncommitted working tree.
func (r *Repo) ChangedFilesBetween(ctx context.Context, fromRef, toRef string) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", fromRef, toRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			files = append(files, strings.TrimSpace(line))
		}
	}
	return files, nil
}

// IsClean reports whether the working tree has no pending changes.
func (r *Repo) IsClean(ctx context.Context) bool {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == ""
}

// StashSave snapshots the working tree under label and clears it.
func (r *Repo) StashSave(ctx context.Context, label string) error {
	_, err := r.run(ctx, "stash", "push", "-u", "-m", label)
	return err
}

// StashApply reapplies the most recent stash (index 0) without
// dropping it.
func (r *Repo) StashApply(ctx context.Context) error {
	_, err := r.run(ctx, "stash", "apply", "stash@{0}")
	return err
}

// StashDrop discards the most recent stash.
func (r *Repo) StashDrop(ctx context.Context) error {
	_, err := r.run(ctx, "stash", "drop", "stash@{0}")
	return err
}

// RebaseResult reports the outcome of a rebase attempt.
type RebaseResult struct {
	Succeeded     bool
	ConflictFiles []string
}

// Rebase replays the current branch onto onto. On conflict it aborts
// the rebase (leaving the working tree as it was) and reports the
// conflicting paths rather than leaving a half-finished rebase behind,
// since an unattended agent cannot resolve conflicts interactively.
func (r *Repo) Rebase(ctx context.Context, onto string) (RebaseResult, error) {
	cmd := exec.CommandContext(ctx, "git", "rebase", onto)
	cmd.Dir = r.Root
	out, err := cmd.CombinedOutput()
	if err == nil {
		return RebaseResult{Succeeded: true}, nil
	}

	conflicts, cErr := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	abortCmd := exec.CommandContext(ctx, "git", "rebase", "--abort")
	abortCmd.Dir = r.Root
	_ = abortCmd.Run()

	if cErr != nil {
		return RebaseResult{}, cerrors.Wrap(cerrors.KindTransient, "rebase failed and conflict files could not be read", err).
			WithEvidence(strings.TrimSpace(string(out)))
	}

	var files []string
	for _, line := range strings.Split(conflicts, "\n") {
		if strings.TrimSpace(line) != "" {
			files = append(files, strings.TrimSpace(line))
		}
	}
	return RebaseResult{Succeeded: false, ConflictFiles: files}, nil
}

// CheckpointTag names a lightweight tag used as a rollback point,
// cheaper than a full branch for the Checkpoint Manager's per-task
// snapshots.
func CheckpointTag(runID, taskID string, seq int) string {
	return fmt.Sprintf("ckpt/%s/%s/%s", runID, taskID, strconv.FormatInt(time.Now().UnixNano(), 36)+"-"+strconv.Itoa(seq))
}

// Tag creates a lightweight tag at HEAD.
func (r *Repo) Tag(ctx context.Context, name string) error {
	_, err := r.run(ctx, "tag", name)
	return err
}

// ListTags lists tags matching pattern (e.g. "ckpt/*").
func (r *Repo) ListTags(ctx context.Context, pattern string) ([]string, error) {
	out, err := r.run(ctx, "tag", "-l", pattern)
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			tags = append(tags, strings.TrimSpace(line))
		}
	}
	return tags, nil
}

// ResetHardTo discards all working tree changes and moves HEAD to ref,
// the rollback primitive the Checkpoint Manager calls on verification
// failure or cancellation.
func (r *Repo) ResetHardTo(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "reset", "--hard", ref)
	return err
}

// DeleteTag removes a checkpoint tag once its retention window has
// passed.
func (r *Repo) DeleteTag(ctx context.Context, name string) error {
	_, err := r.run(ctx, "tag", "-d", name)
	return err
}
