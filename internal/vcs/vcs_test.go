package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a temporary git repo with an initial commit.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-b", "main")
	run(t, dir, "config", "user.email", "test@test.com")
	run(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("bin/\n"), 0o644))
	run(t, dir, "add", ".")
	run(t, dir, "commit", "-m", "initial commit")
	return dir
}

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func openRepo(t *testing.T) (*Repo, string) {
	t.Helper()
	dir := initTestRepo(t)
	r, err := Open(dir, "main")
	require.NoError(t, err)
	return r, dir
}

func TestOpenRejectsNonRepo(t *testing.T) {
	_, err := Open(t.TempDir(), "main")
	assert.Error(t, err)
}

func TestReads(t *testing.T) {
	r, dir := openRepo(t)
	ctx := context.Background()

	branch, err := r.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	head, err := r.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, run(t, dir, "rev-parse", "HEAD"), head)

	dirty, err := r.HasUncommittedChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "app"), []byte("x"), 0o644))
	dirty, err = r.HasUncommittedChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty, "ignored files do not count")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))
	dirty, err = r.HasUncommittedChanges(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)
}

func TestDetachedHead(t *testing.T) {
	r, dir := openRepo(t)
	run(t, dir, "checkout", "--detach")
	_, err := r.CurrentBranch(context.Background())
	assert.ErrorIs(t, err, ErrDetachedHead)
}

func TestBranchCommitMerge(t *testing.T) {
	r, dir := openRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreateBranch(ctx, "autopilot/t1"))
	assert.ErrorIs(t, r.CreateBranch(ctx, "autopilot/t1"), ErrBranchExists)

	branch, err := r.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "autopilot/t1", branch)

	_, err = r.Commit(ctx, "empty")
	assert.ErrorIs(t, err, ErrNothingToCommit)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.go"), []byte("package x\n"), 0o644))
	hash, err := r.Commit(ctx, "autopilot(t1): add feature\n\nTask-Id: t1")
	require.NoError(t, err)
	assert.Equal(t, run(t, dir, "rev-parse", "HEAD"), hash)
	assert.Equal(t, "autopilot", run(t, dir, "log", "-1", "--format=%an"))

	require.NoError(t, r.MergeToMain(ctx, "autopilot/t1"))
	branch, err = r.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	assert.FileExists(t, filepath.Join(dir, "feature.go"))
	assert.Equal(t, "Merge autopilot/t1", run(t, dir, "log", "-1", "--format=%s"))

	require.NoError(t, r.DeleteBranch(ctx, "autopilot/t1"))
	exists, err := r.BranchExists(ctx, "autopilot/t1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMergeConflictAborts(t *testing.T) {
	r, dir := openRepo(t)
	ctx := context.Background()
	before := run(t, dir, "rev-parse", "main")

	require.NoError(t, r.CreateBranch(ctx, "work"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("work\n"), 0o644))
	_, err := r.Commit(ctx, "work change")
	require.NoError(t, err)

	require.NoError(t, r.Checkout(ctx, "main"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("main\n"), 0o644))
	_, err = r.Commit(ctx, "main change")
	require.NoError(t, err)
	mainHead := run(t, dir, "rev-parse", "main")
	assert.NotEqual(t, before, mainHead)

	err = r.MergeToMain(ctx, "work")
	assert.ErrorIs(t, err, ErrMergeConflict)
	assert.Equal(t, mainHead, run(t, dir, "rev-parse", "HEAD"))
	dirty, err := r.HasUncommittedChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestTag(t *testing.T) {
	r, _ := openRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Tag(ctx, "v1.0.0", ""))
	ok, err := r.TagExists(ctx, "v1.0.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.TagExists(ctx, "v9.9.9")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, r.Tag(ctx, "v1.0.0", "again"))
}

func TestDiscardRestoresSnapshot(t *testing.T) {
	r, dir := openRepo(t)
	ctx := context.Background()

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Clean)
	readme, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)

	require.NoError(t, r.CreateBranch(ctx, "autopilot/t2"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "gen"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gen", "out.go"), []byte("x"), 0o644))
	_, err = r.Commit(ctx, "partial")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644))

	require.NoError(t, r.Discard(ctx, snap, "autopilot/t2"))

	after, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, after)
	got, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, readme, got)
	assert.NoFileExists(t, filepath.Join(dir, "stray.txt"))
	assert.NoDirExists(t, filepath.Join(dir, "gen"))

	branches, err := r.Branches(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, branches)
}

func TestDiscardRemovesNewIgnoredPaths(t *testing.T) {
	r, dir := openRepo(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("bin/\n*.log\n"), 0o644))
	run(t, dir, "commit", "-am", "ignore logs")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.log"), []byte("old"), 0o644))

	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.log"}, snap.Ignored)

	require.NoError(t, r.CreateBranch(ctx, "autopilot/t3"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "app"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.log"), []byte("x"), 0o644))

	require.NoError(t, r.Discard(ctx, snap, "autopilot/t3"))
	assert.NoDirExists(t, filepath.Join(dir, "bin"))
	assert.NoFileExists(t, filepath.Join(dir, "test.log"))
	assert.FileExists(t, filepath.Join(dir, "keep.log"))

	after, err := r.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, after)
}

func TestDiscardKeepsIgnoredPathsWithoutSnapshotSet(t *testing.T) {
	r, dir := openRepo(t)
	ctx := context.Background()
	snap, err := r.Snapshot(ctx)
	require.NoError(t, err)
	snap.Ignored = nil

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "app"), []byte("x"), 0o644))
	require.NoError(t, r.Discard(ctx, snap, ""))
	assert.FileExists(t, filepath.Join(dir, "bin", "app"))
}

func TestPush(t *testing.T) {
	r, dir := openRepo(t)
	ctx := context.Background()
	remote := t.TempDir()
	run(t, remote, "init", "--bare", "-b", "main")
	run(t, dir, "remote", "add", "origin", remote)

	require.NoError(t, r.CreateBranch(ctx, "autopilot/t3"))
	require.NoError(t, r.Push(ctx, "autopilot/t3"))
	assert.NotEmpty(t, run(t, remote, "rev-parse", "autopilot/t3"))
}
