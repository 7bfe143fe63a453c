// Package gitrepo reads commit ranges and commit metadata from a CPython checkout.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"memtracker/pkg/api"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrEmptyRange is returned when a range expression selects no commits.
var ErrEmptyRange = errors.New("no commits found in range")

// Commit is an immutable commit task read from source control.
type Commit struct {
	Hash           string
	Author         string
	AuthorEmail    string
	AuthoredAt     time.Time
	Committer      string
	CommitterEmail string
	CommittedAt    time.Time
	Message        string
}

// Short returns the abbreviated hash used in logs and summaries.
func (c Commit) Short() string {
	if len(c.Hash) > 8 {
		return c.Hash[:8]
	}
	return c.Hash
}

// Subject returns the first line of the commit message.
func (c Commit) Subject() string {
	subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return subject
}

// Info converts the commit into the provenance block of metadata.json.
func (c Commit) Info() api.CommitInfo {
	return api.CommitInfo{
		Hexsha:         c.Hash,
		ShortHexsha:    c.Short(),
		Author:         c.Author,
		AuthorEmail:    c.AuthorEmail,
		AuthoredDate:   c.AuthoredAt.Format(time.RFC3339),
		Committer:      c.Committer,
		CommitterEmail: c.CommitterEmail,
		CommittedDate:  c.CommittedAt.Format(time.RFC3339),
		Message:        c.Message,
	}
}

func fromObject(c *object.Commit) Commit {
	return Commit{
		Hash:           c.Hash.String(),
		Author:         c.Author.Name,
		AuthorEmail:    c.Author.Email,
		AuthoredAt:     c.Author.When,
		Committer:      c.Committer.Name,
		CommitterEmail: c.Committer.Email,
		CommittedAt:    c.Committer.When,
		Message:        c.Message,
	}
}

// Repository is an opened git repository on disk.
type Repository struct {
	dir  string
	repo *git.Repository
}

// Open opens the repository at dir.
func Open(dir string) (*Repository, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(abs)
	if err != nil {
		return nil, fmt.Errorf("invalid git repository %s: %w", abs, err)
	}
	return &Repository{dir: abs, repo: repo}, nil
}

// Clone clones url into dir. Progress, if non-nil, receives the remote's
// progress output.
func Clone(ctx context.Context, url, dir string, progress io.Writer) (*Repository, error) {
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:      url,
		Progress: progress,
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", url, err)
	}
	return &Repository{dir: dir, repo: repo}, nil
}

// Dir returns the repository's working directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Commit resolves a single revision.
func (r *Repository) Commit(rev string) (Commit, error) {
	h, err := r.resolve(rev)
	if err != nil {
		return Commit{}, err
	}
	c, err := r.repo.CommitObject(h)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit %s: %w", h, err)
	}
	return fromObject(c), nil
}

// ResolveRange resolves a revision-range expression to commits, newest first.
//
// "A..B" selects commits reachable from B but not from A; an empty side
// means HEAD. An expression without ".." selects exactly that commit.
func (r *Repository) ResolveRange(expr string) ([]Commit, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty commit range")
	}
	if strings.Contains(expr, "...") {
		return nil, fmt.Errorf("symmetric difference ranges are not supported: %s", expr)
	}

	from, to, isRange := strings.Cut(expr, "..")
	if !isRange {
		c, err := r.Commit(expr)
		if err != nil {
			return nil, err
		}
		return []Commit{c}, nil
	}
	if from == "" {
		from = "HEAD"
	}
	if to == "" {
		to = "HEAD"
	}

	fromHash, err := r.resolve(from)
	if err != nil {
		return nil, err
	}
	toHash, err := r.resolve(to)
	if err != nil {
		return nil, err
	}

	excluded := make(map[plumbing.Hash]struct{})
	iter, err := r.repo.Log(&git.LogOptions{From: fromHash})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", from, err)
	}
	err = iter.ForEach(func(c *object.Commit) error {
		excluded[c.Hash] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", from, err)
	}

	iter, err = r.repo.Log(&git.LogOptions{From: toHash, Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", to, err)
	}
	var commits []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if _, ok := excluded[c.Hash]; !ok {
			commits = append(commits, fromObject(c))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", to, err)
	}

	if len(commits) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyRange, expr)
	}
	return commits, nil
}

func (r *Repository) resolve(rev string) (plumbing.Hash, error) {
	h, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("invalid revision %q: %w", rev, err)
	}
	return *h, nil
}
