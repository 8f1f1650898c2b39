package publish

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/Mschirtzinger/quill/internal/schema"
)

// Git commits rendered output into a local repository, one file per task.
type Git struct {
	Dir    string
	Subdir string
	Author string
	Email  string

	mu sync.Mutex
}

// NewGit returns a publisher committing into the repository at dir, which
// is created on first use.
func NewGit(dir string) *Git {
	return &Git{Dir: dir, Subdir: "posts", Author: "quill", Email: "quill@localhost"}
}

func (g *Git) open() (*git.Repository, error) {
	repo, err := git.PlainOpen(g.Dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(g.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create repo dir: %w", err)
		}
		return git.PlainInit(g.Dir, false)
	}
	return repo, err
}

// Publish implements Publisher. The location is "<path>@<commit>".
func (g *Git) Publish(ctx context.Context, task *schema.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	body, err := Render(task)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	fail := func(op string, err error) (string, error) {
		return "", &TransportError{Op: op, Target: g.Dir, Err: err}
	}
	repo, err := g.open()
	if err != nil {
		return fail("open", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fail("worktree", err)
	}

	rel := filepath.ToSlash(filepath.Join(g.Subdir, FileName(task)))
	abs := filepath.Join(g.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fail("write", err)
	}
	if err := os.WriteFile(abs, body, 0o644); err != nil {
		return fail("write", err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return fail("add", err)
	}
	hash, err := worktree.Commit(fmt.Sprintf("Publish %s: %s", task.ID, task.Title), &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.Author,
			Email: g.Email,
			When:  time.Now(),
		},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return fail("commit", err)
	}
	return rel + "@" + hash.String()[:12], nil
}
