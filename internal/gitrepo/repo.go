// Package gitrepo manages the ephemeral working copy of the target
// repository: one clone per sync run, staged mutations, author-attributed
// commits, and pushes with non-fast-forward detection.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
)

var (
	ErrNotFastForward = errors.New("non-fast-forward push")
	ErrEmptyCommit    = errors.New("no changes staged for commit")
)

// Options configures a working copy.
type Options struct {
	URL    string
	Branch string
	// Token is the HTTPS access token. Empty for unauthenticated remotes
	// (local paths in tests).
	Token string
	// Dir is the parent directory for the clone. A temp directory is created
	// when empty.
	Dir string
	// Depth enables shallow cloning when > 0.
	Depth  int
	Logger *zap.Logger
}

// Repo is a cloned working copy. Not safe for concurrent use; each sync run
// owns one instance and discards it afterwards.
type Repo struct {
	repo     *git.Repository
	worktree *git.Worktree
	dir      string
	opts     Options
	ownsDir  bool
	log      *zap.Logger
}

// Clone checks out the configured branch into a fresh working copy.
func Clone(ctx context.Context, opts Options) (*Repo, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("repository URL is required")
	}
	if strings.TrimSpace(opts.Branch) == "" {
		return nil, fmt.Errorf("branch is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := opts.Dir
	ownsDir := false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "gdrive-sync-*")
		if err != nil {
			return nil, err
		}
		dir = tmp
		ownsDir = true
	}

	cloneOpts := &git.CloneOptions{
		URL:           opts.URL,
		ReferenceName: plumbing.NewBranchReferenceName(opts.Branch),
		SingleBranch:  true,
		Depth:         opts.Depth,
		Auth:          auth(opts.Token),
	}
	repo, err := git.PlainCloneContext(ctx, filepath.Join(dir, "repo"), false, cloneOpts)
	if err != nil {
		if ownsDir {
			_ = os.RemoveAll(dir)
		}
		return nil, fmt.Errorf("clone %s: %w", opts.Branch, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		if ownsDir {
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}
	return &Repo{
		repo:     repo,
		worktree: worktree,
		dir:      dir,
		opts:     opts,
		ownsDir:  ownsDir,
		log:      logger,
	}, nil
}

// Root returns the working tree root on disk.
func (r *Repo) Root() string {
	return filepath.Join(r.dir, "repo")
}

// WriteFile writes content at the repository-relative path and stages it.
func (r *Repo) WriteFile(relPath string, content []byte) error {
	fullPath := filepath.Join(r.Root(), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return err
	}
	_, err := r.worktree.Add(toSlash(relPath))
	return err
}

// Rename moves a tracked file, updating worktree and index in one step so
// history follows the file.
func (r *Repo) Rename(oldRel, newRel string) error {
	newFull := filepath.Join(r.Root(), filepath.FromSlash(newRel))
	if err := os.MkdirAll(filepath.Dir(newFull), 0o755); err != nil {
		return err
	}
	_, err := r.worktree.Move(toSlash(oldRel), toSlash(newRel))
	return err
}

// Delete removes a file from worktree and index. Removing an untracked or
// already-missing path is not an error.
func (r *Repo) Delete(relPath string) error {
	_, err := r.worktree.Remove(toSlash(relPath))
	if errors.Is(err, index.ErrEntryNotFound) || os.IsNotExist(err) {
		return nil
	}
	return err
}

// HasStagedChanges reports whether anything is staged for commit.
func (r *Repo) HasStagedChanges() (bool, error) {
	status, err := r.worktree.Status()
	if err != nil {
		return false, err
	}
	for _, fileStatus := range status {
		if fileStatus.Staging != git.Untracked && fileStatus.Staging != git.Unmodified {
			return true, nil
		}
	}
	return false, nil
}

// Commit creates a commit with the given author. Returns ErrEmptyCommit when
// nothing is staged.
func (r *Repo) Commit(message, authorName, authorEmail string, when time.Time) (string, error) {
	staged, err := r.HasStagedChanges()
	if err != nil {
		return "", err
	}
	if !staged {
		return "", ErrEmptyCommit
	}
	if when.IsZero() {
		when = time.Now()
	}
	signature := &object.Signature{Name: authorName, Email: authorEmail, When: when}
	hash, err := r.worktree.Commit(message, &git.CommitOptions{
		Author:    signature,
		Committer: signature,
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return "", ErrEmptyCommit
		}
		return "", err
	}
	r.log.Debug("committed", zap.String("hash", hash.String()), zap.String("author", authorName))
	return hash.String(), nil
}

// Push sends local commits to the remote branch. Returns ErrNotFastForward
// when the remote has moved ahead.
func (r *Repo) Push(ctx context.Context) error {
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       auth(r.opts.Token),
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if errors.Is(err, git.ErrNonFastForwardUpdate) || strings.Contains(err.Error(), "non-fast-forward") {
		return ErrNotFastForward
	}
	return err
}

// ResetToRemote fetches the remote branch and hard-resets the working copy to
// it, discarding local commits. The caller re-applies its batches afterwards;
// together they form the pull-and-reapply retry for rejected pushes.
func (r *Repo) ResetToRemote(ctx context.Context) error {
	err := r.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       auth(r.opts.Token),
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch before reset: %w", err)
	}
	ref, err := r.repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, r.opts.Branch), true)
	if err != nil {
		return fmt.Errorf("resolve remote branch %s: %w", r.opts.Branch, err)
	}
	return r.worktree.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset})
}

// Cleanup removes the working copy from disk.
func (r *Repo) Cleanup() {
	if r.ownsDir && r.dir != "" {
		_ = os.RemoveAll(r.dir)
	}
}

func auth(token string) *githttp.BasicAuth {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "oauth2", Password: token}
}

func toSlash(path string) string {
	return strings.TrimPrefix(filepath.ToSlash(path), "/")
}
