package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"memtracker/internal/gitrepo"
	"memtracker/internal/toolchain"
)

// ErrBusy is returned when the shared checkout is already serving a commit.
var ErrBusy = errors.New("shared checkout is already in use")

// SharedCheckoutProvider builds every commit in the user's own checkout,
// one at a time. The tree is cleaned once in Prepare and configured once;
// later commits only check out and rebuild incrementally.
type SharedCheckoutProvider struct {
	repoDir string
	tempDir string
	runner  toolchain.Runner
	logger  *slog.Logger

	keep []string

	mu          sync.Mutex
	prepared    bool
	inUse       bool
	configured  bool
	root        string
	originalRef string
}

// NewSharedCheckoutProvider creates a provider over the checkout at repoDir.
func NewSharedCheckoutProvider(repoDir, tempDir string, runner toolchain.Runner, logger *slog.Logger) *SharedCheckoutProvider {
	return &SharedCheckoutProvider{
		repoDir: repoDir,
		tempDir: tempDir,
		runner:  runner,
		logger:  logger,
	}
}

// Keep excludes paths from the clean in Prepare. Paths outside the
// checkout are ignored. It must be called before Prepare.
func (p *SharedCheckoutProvider) Keep(paths ...string) {
	p.keep = append(p.keep, paths...)
}

// cleanArgs builds the git clean command, excluding kept paths that live
// inside the checkout.
func (p *SharedCheckoutProvider) cleanArgs() []string {
	args := []string{"git", "clean", "-fxd"}
	repo := resolvePath(p.repoDir)
	for _, path := range p.keep {
		rel, err := filepath.Rel(repo, resolvePath(path))
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		// -e patterns still apply under -x.
		args = append(args, "-e", "/"+filepath.ToSlash(rel))
	}
	return args
}

// resolvePath returns path absolute with symlinks resolved in its longest
// existing prefix.
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		return abs
	}
	return filepath.Join(resolvePath(parent), filepath.Base(abs))
}

// Prepare cleans the checkout and remembers the ref to restore on Close.
func (p *SharedCheckoutProvider) Prepare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prepared {
		return nil
	}

	out, err := p.runner.Run(ctx, toolchain.Command{
		Args: []string{"git", "rev-parse", "--abbrev-ref", "HEAD"},
		Dir:  p.repoDir,
	})
	if err != nil {
		return &Error{Op: "inspect", Path: p.repoDir, Err: err}
	}
	ref := strings.TrimSpace(string(out.Stdout))
	if ref == "HEAD" || ref == "" {
		out, err = p.runner.Run(ctx, toolchain.Command{
			Args: []string{"git", "rev-parse", "HEAD"},
			Dir:  p.repoDir,
		})
		if err != nil {
			return &Error{Op: "inspect", Path: p.repoDir, Err: err}
		}
		ref = strings.TrimSpace(string(out.Stdout))
	}

	p.logger.Info("cleaning shared checkout", "path", p.repoDir)
	if _, err := p.runner.Run(ctx, toolchain.Command{
		Args: p.cleanArgs(),
		Dir:  p.repoDir,
	}); err != nil {
		return &Error{Op: "clean", Path: p.repoDir, Err: err}
	}

	root, err := os.MkdirTemp(p.tempDir, "cpython_build_")
	if err != nil {
		return &Error{Op: "create", Path: p.tempDir, Err: err}
	}

	p.root = root
	p.originalRef = ref
	p.prepared = true
	return nil
}

// Live returns 1 while a commit holds the checkout.
func (p *SharedCheckoutProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse {
		return 1
	}
	return 0
}

// Acquire checks the commit out in the shared tree.
func (p *SharedCheckoutProvider) Acquire(ctx context.Context, commit gitrepo.Commit) (*Isolation, error) {
	if err := p.Prepare(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.inUse {
		p.mu.Unlock()
		return nil, &Error{Op: "acquire", Path: p.repoDir, Err: ErrBusy}
	}
	p.inUse = true
	configured := p.configured
	p.mu.Unlock()

	_, err := p.runner.Run(ctx, toolchain.Command{
		Args: []string{"git", "checkout", "--force", commit.Hash},
		Dir:  p.repoDir,
	})
	if err != nil {
		p.mu.Lock()
		p.inUse = false
		p.mu.Unlock()
		return nil, &Error{Op: "checkout", Path: p.repoDir, Err: err}
	}

	iso := &Isolation{
		Commit:      commit,
		Root:        p.root,
		SourceDir:   p.repoDir,
		InstallDir:  filepath.Join(p.root, "install"),
		VenvDir:     filepath.Join(p.root, "venv"),
		Configured:  configured,
		Incremental: true,
		onConfigured: func() {
			p.mu.Lock()
			p.configured = true
			p.mu.Unlock()
		},
	}
	if err := os.MkdirAll(iso.InstallDir, 0o755); err != nil {
		p.mu.Lock()
		p.inUse = false
		p.mu.Unlock()
		return nil, &Error{Op: "create", Path: iso.InstallDir, Err: err}
	}
	return iso, nil
}

// Release drops the commit's virtual environment and frees the checkout.
// The install prefix is reused by the next commit's make install.
func (p *SharedCheckoutProvider) Release(ctx context.Context, iso *Isolation) {
	if iso == nil || !iso.tearDown() {
		return
	}
	if err := os.RemoveAll(iso.VenvDir); err != nil {
		p.logger.Warn("failed to remove virtual environment", "path", iso.VenvDir, "error", err)
	}
	p.mu.Lock()
	p.inUse = false
	p.mu.Unlock()
}

// Close removes the temporary root and restores the original checkout.
func (p *SharedCheckoutProvider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.prepared {
		return nil
	}
	p.prepared = false

	var errs []error
	if err := os.RemoveAll(p.root); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove %s: %w", p.root, err))
	}
	if p.originalRef != "" {
		if _, err := p.runner.Run(ctx, toolchain.Command{
			Args: []string{"git", "checkout", "--force", p.originalRef},
			Dir:  p.repoDir,
		}); err != nil {
			errs = append(errs, fmt.Errorf("failed to restore %s: %w", p.originalRef, err))
		}
	}
	return errors.Join(errs...)
}

// Compile-time interface checks.
var (
	_ Provider = (*WorktreeProvider)(nil)
	_ Provider = (*SharedCheckoutProvider)(nil)
)
