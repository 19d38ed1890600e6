// Package vcs manages the working copy's git state. Reads go through
// go-git; mutations shell out to the git CLI.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	ErrDetachedHead    = errors.New("HEAD is detached")
	ErrBranchExists    = errors.New("branch already exists")
	ErrNothingToCommit = errors.New("nothing to commit")
	ErrMergeConflict   = errors.New("merge failed")
)

// Author is the identity recorded on commits and tags.
type Author struct {
	Name  string
	Email string
}

// DefaultAuthor is used when no identity is configured.
var DefaultAuthor = Author{Name: "autopilot", Email: "autopilot@localhost"}

// Snapshot is the checked-out state before a pipeline mutates it.
type Snapshot struct {
	Branch string `json:"branch"`
	Head   string `json:"head"`
	Clean  bool   `json:"clean"`
	// Ignored lists the ignored paths present at snapshot time, as git
	// reports them (an ignored directory is one entry). Nil means the set
	// is unknown and Discard leaves ignored paths alone.
	Ignored []string `json:"ignored"`
}

// Repo is one git working copy.
type Repo struct {
	dir        string
	mainBranch string
	remote     string
	author     Author
}

// Option configures a Repo.
type Option func(*Repo)

// WithAuthor sets the commit identity.
func WithAuthor(a Author) Option { return func(r *Repo) { r.author = a } }

// WithRemote sets the push remote (default origin).
func WithRemote(name string) Option { return func(r *Repo) { r.remote = name } }

// Open returns a Repo for the working copy at dir.
func Open(dir, mainBranch string, opts ...Option) (*Repo, error) {
	if _, err := git.PlainOpen(dir); err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	if mainBranch == "" {
		mainBranch = "main"
	}
	r := &Repo{dir: dir, mainBranch: mainBranch, remote: "origin", author: DefaultAuthor}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dir returns the working copy root.
func (r *Repo) Dir() string { return r.dir }

// MainBranch returns the integration branch name.
func (r *Repo) MainBranch() string { return r.mainBranch }

func (r *Repo) open() (*git.Repository, error) {
	return git.PlainOpen(r.dir)
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return head.Name().Short(), nil
}

// Head returns the commit hash HEAD points at.
func (r *Repo) Head(ctx context.Context) (string, error) {
	repo, err := r.open()
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// BranchExists reports whether a local branch named name exists.
func (r *Repo) BranchExists(ctx context.Context, name string) (bool, error) {
	repo, err := r.open()
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(name), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	return err == nil, err
}

// TagExists reports whether tag name exists.
func (r *Repo) TagExists(ctx context.Context, name string) (bool, error) {
	repo, err := r.open()
	if err != nil {
		return false, err
	}
	_, err = repo.Tag(name)
	if errors.Is(err, git.ErrTagNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Branches lists local branch names.
func (r *Repo) Branches(ctx context.Context) ([]string, error) {
	repo, err := r.open()
	if err != nil {
		return nil, err
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, err
	}
	var out []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		out = append(out, ref.Name().Short())
		return nil
	})
	return out, err
}

// HasUncommittedChanges reports tracked modifications, staged changes or
// untracked files that are not ignored.
func (r *Repo) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := r.git(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Snapshot captures the branch, HEAD and cleanliness of the working copy.
func (r *Repo) Snapshot(ctx context.Context) (Snapshot, error) {
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	head, err := r.Head(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	dirty, err := r.HasUncommittedChanges(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	ignored, err := r.ignored(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Branch: branch, Head: head, Clean: !dirty, Ignored: ignored}, nil
}

// ignored lists ignored, untracked paths. The result is never nil.
func (r *Repo) ignored(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "ls-files", "--others", "--ignored", "--exclude-standard", "--directory", "-z")
	if err != nil {
		return nil, fmt.Errorf("list ignored files: %w", err)
	}
	paths := []string{}
	for _, p := range strings.Split(out, "\x00") {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// pruneIgnored removes ignored paths that were not in keep.
func (r *Repo) pruneIgnored(ctx context.Context, keep []string) error {
	now, err := r.ignored(ctx)
	if err != nil {
		return err
	}
	old := make(map[string]bool, len(keep))
	for _, p := range keep {
		old[p] = true
	}
	for _, p := range now {
		if old[p] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.dir, filepath.FromSlash(strings.TrimSuffix(p, "/")))); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// CreateBranch creates name at HEAD and checks it out.
func (r *Repo) CreateBranch(ctx context.Context, name string) error {
	exists, err := r.BranchExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	if _, err := r.git(ctx, "checkout", "-b", name); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// Checkout switches to an existing branch.
func (r *Repo) Checkout(ctx context.Context, name string) error {
	if _, err := r.git(ctx, "checkout", name); err != nil {
		return fmt.Errorf("checkout %s: %w", name, err)
	}
	return nil
}

// Commit stages everything and commits it. It returns the new HEAD.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}
	if _, err := r.git(ctx, "diff", "--cached", "--quiet"); err == nil {
		return "", ErrNothingToCommit
	}
	if _, err := r.git(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}
	return r.Head(ctx)
}

// MergeToMain merges branch into the main branch with a merge commit.
// A failed merge is aborted, leaving main at its previous commit.
func (r *Repo) MergeToMain(ctx context.Context, branch string) error {
	if err := r.Checkout(ctx, r.mainBranch); err != nil {
		return err
	}
	if _, err := r.git(ctx, "merge", "--no-ff", "-m", "Merge "+branch, branch); err != nil {
		_, _ = r.git(ctx, "merge", "--abort")
		return fmt.Errorf("%w: %s into %s: %v", ErrMergeConflict, branch, r.mainBranch, err)
	}
	return nil
}

// Tag creates an annotated tag at HEAD.
func (r *Repo) Tag(ctx context.Context, version, message string) error {
	if message == "" {
		message = version
	}
	if _, err := r.git(ctx, "tag", "-a", version, "-m", message); err != nil {
		return fmt.Errorf("tag %s: %w", version, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (r *Repo) DeleteBranch(ctx context.Context, name string) error {
	if _, err := r.git(ctx, "branch", "-D", name); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	return nil
}

// Discard throws away all work and restores snap: tracked changes are
// reset, untracked files removed, ignored paths that appeared since the
// snapshot removed, the original branch checked out at its original
// commit and the work branch (if any) deleted.
func (r *Repo) Discard(ctx context.Context, snap Snapshot, workBranch string) error {
	if _, err := r.git(ctx, "reset", "--hard"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if _, err := r.git(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	if err := r.Checkout(ctx, snap.Branch); err != nil {
		return err
	}
	if _, err := r.git(ctx, "reset", "--hard", snap.Head); err != nil {
		return fmt.Errorf("reset to %s: %w", snap.Head, err)
	}
	if snap.Ignored != nil {
		if err := r.pruneIgnored(ctx, snap.Ignored); err != nil {
			return err
		}
	}
	if workBranch == "" || workBranch == snap.Branch {
		return nil
	}
	exists, err := r.BranchExists(ctx, workBranch)
	if err != nil {
		return err
	}
	if exists {
		return r.DeleteBranch(ctx, workBranch)
	}
	return nil
}

// Push publishes branch to the configured remote.
func (r *Repo) Push(ctx context.Context, branch string) error {
	if _, err := r.git(ctx, "push", r.remote, branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// git runs a git subcommand in the working copy and returns stdout. On
// failure the error carries git's trimmed combined output.
func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+r.author.Name,
		"GIT_AUTHOR_EMAIL="+r.author.Email,
		"GIT_COMMITTER_NAME="+r.author.Name,
		"GIT_COMMITTER_EMAIL="+r.author.Email,
		"GIT_TERMINAL_PROMPT=0",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			return stdout.String(), err
		}
		return stdout.String(), fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}
