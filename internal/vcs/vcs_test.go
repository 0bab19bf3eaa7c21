package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@conductor.local")
	run("config", "user.name", "Conductor Test")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "seed")

	return New(dir)
}

func TestCreateBranchAndCheckout(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreateBranch(ctx, "run/task-1", "main"))
	branch, err := r.CurrentBranch(ctx)
	require.NoError(t, err)
	require.Equal(t, "run/task-1", branch)

	require.NoError(t, r.Checkout(ctx, "main"))
	branch, err = r.CurrentBranch(ctx)
	require.NoError(t, err)
	require.Equal(t, "main", branch)
}

func TestListBranches(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreateBranch(ctx, "run/task-1", "main"))
	require.NoError(t, r.Checkout(ctx, "main"))
	require.NoError(t, r.CreateBranch(ctx, "run/task-2", "main"))

	branches, err := r.ListBranches(ctx, "run/*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"run/task-1", "run/task-2"}, branches)
}

func TestCommitWritesChangeAndAdvancesHead(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	before, err := r.HeadRef(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "file.go"), []byte("package x\n"), 0o644))
	hash, err := r.Commit(ctx, "add file.go")
	require.NoError(t, err)
	require.NotEqual(t, before, hash)
	require.True(t, r.IsClean(ctx))
}

func TestCommitWithNoChangesErrors(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.Commit(ctx, "nothing to commit")
	require.Error(t, err)
}

func TestChangedFilesAndDiff(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	base, err := r.HeadRef(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "new.go"), []byte("package x\n"), 0o644))
	files, err := r.ChangedFiles(ctx)
	require.NoError(t, err)
	require.Contains(t, files, "new.go")

	_, err = r.Commit(ctx, "add new.go")
	require.NoError(t, err)

	head, err := r.HeadRef(ctx)
	require.NoError(t, err)

	diff, err := r.Diff(ctx, base, head)
	require.NoError(t, err)
	require.Contains(t, diff, "new.go")
}

func TestChangedFilesBetweenRefs(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreateBranch(ctx, "feature", "main"))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "new.go"), []byte("package x\n"), 0o644))
	_, err := r.Commit(ctx, "add new.go")
	require.NoError(t, err)

	files, err := r.ChangedFilesBetween(ctx, "main", "feature")
	require.NoError(t, err)
	require.Contains(t, files, "new.go")
}

func TestStashSaveApplyDrop(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "README.md"), []byte("seed\nmore\n"), 0o644))
	require.NoError(t, r.StashSave(ctx, "wip"))
	require.True(t, r.IsClean(ctx))

	require.NoError(t, r.StashApply(ctx))
	require.False(t, r.IsClean(ctx))

	require.NoError(t, r.StashDrop(ctx))
}

func TestTagAndResetHardTo(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	checkpoint, err := r.HeadRef(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Tag(ctx, "ckpt/run-1/task-1/0"))

	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "broken.go"), []byte("oops"), 0o644))
	_, err = r.Commit(ctx, "broken change")
	require.NoError(t, err)

	require.NoError(t, r.ResetHardTo(ctx, checkpoint))
	head, err := r.HeadRef(ctx)
	require.NoError(t, err)
	require.Equal(t, checkpoint, head)

	require.NoError(t, r.DeleteTag(ctx, "ckpt/run-1/task-1/0"))
}

func TestRebaseConflictIsAbortedAndReported(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreateBranch(ctx, "feature", "main"))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "README.md"), []byte("feature change\n"), 0o644))
	_, err := r.Commit(ctx, "feature edits README")
	require.NoError(t, err)

	require.NoError(t, r.Checkout(ctx, "main"))
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, "README.md"), []byte("main change\n"), 0o644))
	_, err = r.Commit(ctx, "main edits README")
	require.NoError(t, err)

	require.NoError(t, r.Checkout(ctx, "feature"))
	result, err := r.Rebase(ctx, "main")
	require.NoError(t, err)
	require.False(t, result.Succeeded)
	require.Contains(t, result.ConflictFiles, "README.md")
	require.True(t, r.IsClean(ctx))
}

func TestListTags(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Tag(ctx, "ckpt/run-1/task-1/0"))
	require.NoError(t, r.Tag(ctx, "ckpt/run-1/task-1/1"))
	require.NoError(t, r.Tag(ctx, "release/v1"))

	tags, err := r.ListTags(ctx, "ckpt/*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ckpt/run-1/task-1/0", "ckpt/run-1/task-1/1"}, tags)
}

func TestCheckpointTagIsUnique(t *testing.T) {
	a := CheckpointTag("run-1", "task-1", 0)
	b := CheckpointTag("run-1", "task-1", 1)
	require.NotEqual(t, a, b)
}
