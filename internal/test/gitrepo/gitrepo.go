// Package gitrepo creates throwaway git repositories for tests and serves
// them over file:// URLs without a git binary.
package gitrepo

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
)

var installOnce sync.Once

// InstallFileTransport serves file:// remotes with go-git's in-process
// upload-pack. Endpoint paths are resolved from the filesystem root.
func InstallFileTransport() {
	installOnce.Do(func() {
		loader := server.NewFilesystemLoader(osfs.New("/"))
		client.InstallProtocol("file", server.NewClient(loader))
	})
}

// Repo is a non-bare repository acting as a tenant remote.
type Repo struct {
	t    testing.TB
	Dir  string
	repo *git.Repository
	root plumbing.Hash
}

// New initializes a repository in a temporary directory with files committed
// as its first commit. It installs the file transport.
func New(t testing.TB, files map[string]string) *Repo {
	t.Helper()
	InstallFileTransport()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}

	r := &Repo{t: t, Dir: dir, repo: repo}
	r.root = r.Commit(files, "initial commit")
	return r
}

// URL returns a file:// URL for the repository's .git directory.
func (r *Repo) URL() string {
	return "file://" + filepath.ToSlash(filepath.Join(r.Dir, git.GitDirName))
}

// Commit writes files, relative to the repository root, and commits them.
// An empty value deletes the file.
func (r *Repo) Commit(files map[string]string, msg string) plumbing.Hash {
	r.t.Helper()

	wt, err := r.repo.Worktree()
	if err != nil {
		r.t.Fatal(err)
	}

	for name, content := range files {
		path := filepath.Join(r.Dir, filepath.FromSlash(name))
		if content == "" {
			if _, err := wt.Remove(filepath.ToSlash(name)); err != nil {
				r.t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			r.t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			r.t.Fatal(err)
		}
		if _, err := wt.Add(filepath.ToSlash(name)); err != nil {
			r.t.Fatal(err)
		}
	}

	return r.commit(wt, msg)
}

// Symlink commits a symbolic link at name pointing to target.
func (r *Repo) Symlink(name, target, msg string) plumbing.Hash {
	r.t.Helper()

	wt, err := r.repo.Worktree()
	if err != nil {
		r.t.Fatal(err)
	}

	path := filepath.Join(r.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.t.Fatal(err)
	}
	if err := os.Symlink(target, path); err != nil {
		r.t.Fatal(err)
	}
	if _, err := wt.Add(filepath.ToSlash(name)); err != nil {
		r.t.Fatal(err)
	}

	return r.commit(wt, msg)
}

func (r *Repo) commit(wt *git.Worktree, msg string) plumbing.Hash {
	r.t.Helper()

	h, err := wt.Commit(msg, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		r.t.Fatal(err)
	}

	return h
}

// Rewrite discards every commit after the first one and commits files on top
// of it, so previously fetched history is no longer an ancestor.
func (r *Repo) Rewrite(files map[string]string, msg string) plumbing.Hash {
	r.t.Helper()

	wt, err := r.repo.Worktree()
	if err != nil {
		r.t.Fatal(err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: r.root, Mode: git.HardReset}); err != nil {
		r.t.Fatal(err)
	}

	return r.Commit(files, msg)
}

// Head returns the hash of the checked out commit.
func (r *Repo) Head() string {
	r.t.Helper()

	ref, err := r.repo.Head()
	if err != nil {
		r.t.Fatal(err)
	}
	return ref.Hash().String()
}
