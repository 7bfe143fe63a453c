package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"memtracker/internal/gitrepo"
	"memtracker/internal/toolchain"
)

// WorktreeProvider gives each commit a linked worktree inside a fresh
// temporary root. Concurrent commits share only the repository's object
// database. git does not lock its worktree admin directory against
// concurrent add/remove, so those calls are serialized here; builds are not.
type WorktreeProvider struct {
	repoDir string
	tempDir string
	runner  toolchain.Runner
	logger  *slog.Logger
	live    atomic.Int64

	gitMu sync.Mutex // guards worktree add/remove/prune
}

// NewWorktreeProvider creates a provider for the repository at repoDir.
// tempDir may be empty to use the system default.
func NewWorktreeProvider(repoDir, tempDir string, runner toolchain.Runner, logger *slog.Logger) *WorktreeProvider {
	return &WorktreeProvider{
		repoDir: repoDir,
		tempDir: tempDir,
		runner:  runner,
		logger:  logger,
	}
}

// Live returns the number of isolations acquired and not yet released.
func (p *WorktreeProvider) Live() int {
	return int(p.live.Load())
}

// Acquire creates <root>/cpython as a detached worktree at the commit.
func (p *WorktreeProvider) Acquire(ctx context.Context, commit gitrepo.Commit) (*Isolation, error) {
	root, err := os.MkdirTemp(p.tempDir, "cpython_build_")
	if err != nil {
		return nil, &Error{Op: "create", Path: p.tempDir, Err: err}
	}

	iso := &Isolation{
		Commit:     commit,
		Root:       root,
		SourceDir:  filepath.Join(root, "cpython"),
		InstallDir: filepath.Join(root, "install"),
		VenvDir:    filepath.Join(root, "venv"),
	}

	p.gitMu.Lock()
	_, err = p.runner.Run(ctx, toolchain.Command{
		Args: []string{"git", "-C", p.repoDir, "worktree", "add", "--detach", iso.SourceDir, commit.Hash},
	})
	p.gitMu.Unlock()
	if err != nil {
		os.RemoveAll(root)
		return nil, &Error{Op: "worktree add", Path: iso.SourceDir, Err: err}
	}

	if err := os.MkdirAll(iso.InstallDir, 0o755); err != nil {
		p.removeWorktree(context.WithoutCancel(ctx), iso)
		os.RemoveAll(root)
		return nil, &Error{Op: "create", Path: iso.InstallDir, Err: err}
	}

	p.live.Add(1)
	p.logger.Debug("worktree created", "commit", commit.Short(), "path", iso.SourceDir)
	return iso, nil
}

// Release removes the worktree and the temporary root.
func (p *WorktreeProvider) Release(ctx context.Context, iso *Isolation) {
	if iso == nil || !iso.tearDown() {
		return
	}
	p.live.Add(-1)

	p.removeWorktree(ctx, iso)
	if err := os.RemoveAll(iso.Root); err != nil {
		p.logger.Warn("failed to remove isolation root", "path", iso.Root, "error", err)
		return
	}
	p.logger.Debug("worktree removed", "commit", iso.Commit.Short(), "path", iso.Root)
}

func (p *WorktreeProvider) removeWorktree(ctx context.Context, iso *Isolation) {
	p.gitMu.Lock()
	defer p.gitMu.Unlock()
	_, err := p.runner.Run(ctx, toolchain.Command{
		Args: []string{"git", "-C", p.repoDir, "worktree", "remove", "--force", iso.SourceDir},
	})
	if err != nil {
		p.logger.Warn("failed to remove worktree", "path", iso.SourceDir, "error", err)
	}
}

// Close prunes worktree bookkeeping left by roots that could not be removed.
func (p *WorktreeProvider) Close(ctx context.Context) error {
	p.gitMu.Lock()
	defer p.gitMu.Unlock()
	if _, err := p.runner.Run(ctx, toolchain.Command{
		Args: []string{"git", "-C", p.repoDir, "worktree", "prune"},
	}); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}
