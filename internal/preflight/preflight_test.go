package preflight_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memtracker/internal/gitrepo"
	"memtracker/internal/preflight"
	"memtracker/internal/tracker"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRegistry struct {
	err   error
	calls int
}

func (f *fakeRegistry) ValidateRegistration(ctx context.Context, binaryID, environmentID string) error {
	f.calls++
	return f.err
}

func allTools(string) (string, error) { return "/usr/bin/tool", nil }

// cpythonRepo creates a repository that looks like a CPython checkout.
func cpythonRepo(t *testing.T, commits int) *gitrepo.Repository {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for _, name := range []string{"configure", "Makefile.pre.in"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
	}
	for i := 0; i < commits; i++ {
		sig := &object.Signature{Name: "T", Email: "t@example.com", When: time.Date(2025, 1, 1, i, 0, 0, 0, time.UTC)}
		_, err := wt.Commit("commit", &git.CommitOptions{Author: sig, Committer: sig, AllowEmptyCommits: true})
		require.NoError(t, err)
	}

	r, err := gitrepo.Open(dir)
	require.NoError(t, err)
	return r
}

func newChecker(reg preflight.RegistrationValidator) *preflight.Checker {
	c := preflight.New(reg, discard)
	c.LookPath = allTools
	return c
}

func TestRun_Success(t *testing.T) {
	reg := &fakeRegistry{}
	out := filepath.Join(t.TempDir(), "results")

	commits, err := newChecker(reg).Run(context.Background(), preflight.Input{
		Token:         "secret",
		Repo:          cpythonRepo(t, 3),
		CommitRange:   "HEAD~2..HEAD",
		OutputDir:     out,
		BinaryID:      "default",
		EnvironmentID: "linux",
	})
	require.NoError(t, err)
	assert.Len(t, commits, 2)
	assert.Equal(t, 1, reg.calls)
	assert.DirExists(t, out)
	assert.NoFileExists(t, filepath.Join(out, ".test_write"))
}

func TestRun_UnregisteredBinary(t *testing.T) {
	reg := &fakeRegistry{err: &tracker.NotFoundError{Kind: "Binary", ID: "nope"}}

	commits, err := newChecker(reg).Run(context.Background(), preflight.Input{
		Token:       "secret",
		Repo:        cpythonRepo(t, 2),
		CommitRange: "HEAD~1..HEAD",
		OutputDir:   t.TempDir(),
		BinaryID:    "nope",
	})
	assert.Nil(t, commits)
	var verr *preflight.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "registration", verr.Check)
	var nf *tracker.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRun_MissingToken(t *testing.T) {
	reg := &fakeRegistry{}

	commits, err := newChecker(reg).Run(context.Background(), preflight.Input{
		Repo:          cpythonRepo(t, 2),
		CommitRange:   "HEAD~1..HEAD",
		OutputDir:     t.TempDir(),
		BinaryID:      "default",
		EnvironmentID: "linux",
	})
	assert.Nil(t, commits)
	var verr *preflight.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "authentication", verr.Check)
	assert.ErrorIs(t, err, preflight.ErrMissingToken)
	assert.Equal(t, 0, reg.calls)
}

func TestRun_MissingTools(t *testing.T) {
	reg := &fakeRegistry{}
	c := preflight.New(reg, discard)
	c.LookPath = func(name string) (string, error) {
		if name == "gcc" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}

	_, err := c.Run(context.Background(), preflight.Input{Repo: cpythonRepo(t, 1), CommitRange: "HEAD"})
	var perr *preflight.PrerequisiteError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"gcc"}, perr.Missing)
	assert.Equal(t, 0, reg.calls)
}

func TestRun_EmptyRange(t *testing.T) {
	reg := &fakeRegistry{}
	_, err := newChecker(reg).Run(context.Background(), preflight.Input{
		Repo:        cpythonRepo(t, 2),
		CommitRange: "HEAD..HEAD",
		OutputDir:   t.TempDir(),
	})
	var verr *preflight.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "commit range", verr.Check)
	assert.Contains(t, err.Error(), "no commits found in range: HEAD..HEAD")
	assert.Equal(t, 0, reg.calls)
}

func TestRun_InvalidRange(t *testing.T) {
	_, err := newChecker(&fakeRegistry{}).Run(context.Background(), preflight.Input{
		Repo:        cpythonRepo(t, 1),
		CommitRange: "no-such-branch..HEAD",
		OutputDir:   t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid commit range 'no-such-branch..HEAD'")
}

func TestCheckBuildEnvironment(t *testing.T) {
	dir := t.TempDir()
	err := preflight.CheckBuildEnvironment(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configure not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "configure"), nil, 0o755))
	err = preflight.CheckBuildEnvironment(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Makefile.pre.in not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile.pre.in"), nil, 0o644))
	assert.NoError(t, preflight.CheckBuildEnvironment(dir))
}

func TestCheckOutputDirectory_NotWritable(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	err := preflight.CheckOutputDirectory(filepath.Join(blocker, "out"))
	var verr *preflight.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "output directory", verr.Check)
}
