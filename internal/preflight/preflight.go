// Package preflight runs the checks that must pass before any commit is
// built. Any failure aborts the whole run.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"memtracker/internal/gitrepo"
)

// RequiredTools are the executables the build needs on PATH.
var RequiredTools = []string{"make", "gcc", "git"}

// PrerequisiteError lists missing executables.
type PrerequisiteError struct {
	Missing []string
}

func (e *PrerequisiteError) Error() string {
	return "missing required tools: " + strings.Join(e.Missing, ", ")
}

// ValidationError is a failed pre-flight check.
type ValidationError struct {
	Check string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Check, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// RegistrationValidator confirms the binary and environment are registered.
type RegistrationValidator interface {
	ValidateRegistration(ctx context.Context, binaryID, environmentID string) error
}

// ErrMissingToken is returned when no auth token is configured.
var ErrMissingToken = errors.New("authentication token required. Provide via --token or set MEMORY_TRACKER_TOKEN")

// Input is what a run is about to do.
type Input struct {
	Token         string
	Repo          *gitrepo.Repository
	CommitRange   string
	OutputDir     string
	BinaryID      string
	EnvironmentID string
}

// Checker runs every pre-flight check in order.
type Checker struct {
	// LookPath resolves executables. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	Tools    []string

	registry RegistrationValidator
	logger   *slog.Logger
}

// New creates a Checker.
func New(registry RegistrationValidator, logger *slog.Logger) *Checker {
	return &Checker{
		LookPath: exec.LookPath,
		Tools:    RequiredTools,
		registry: registry,
		logger:   logger,
	}
}

// Run executes the checks and returns the commits to process.
func (c *Checker) Run(ctx context.Context, in Input) ([]gitrepo.Commit, error) {
	if err := CheckPrerequisites(c.LookPath, c.Tools); err != nil {
		return nil, err
	}
	if err := CheckBuildEnvironment(in.Repo.Dir()); err != nil {
		return nil, err
	}

	commits, err := ResolveCommits(in.Repo, in.CommitRange)
	if err != nil {
		return nil, err
	}

	if err := CheckOutputDirectory(in.OutputDir); err != nil {
		return nil, err
	}

	if err := CheckToken(in.Token); err != nil {
		return nil, err
	}
	if err := c.registry.ValidateRegistration(ctx, in.BinaryID, in.EnvironmentID); err != nil {
		return nil, &ValidationError{Check: "registration", Err: err}
	}

	c.logger.Info("pre-flight checks passed", "commits", len(commits))
	return commits, nil
}

// CheckPrerequisites fails if any tool cannot be found.
func CheckPrerequisites(lookPath func(string) (string, error), tools []string) error {
	var missing []string
	for _, tool := range tools {
		if _, err := lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return &PrerequisiteError{Missing: missing}
	}
	return nil
}

// CheckToken fails when token is empty. Registration lookups are public, so
// without this a missing token only surfaces at upload time.
func CheckToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return &ValidationError{Check: "authentication", Err: ErrMissingToken}
	}
	return nil
}

// CheckBuildEnvironment verifies dir looks like a CPython source tree.
func CheckBuildEnvironment(dir string) error {
	for _, name := range []string{"configure", "Makefile.pre.in"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return &ValidationError{Check: "build environment", Err: fmt.Errorf("%s not found in %s", name, dir)}
		}
	}
	return nil
}

// CheckOutputDirectory creates dir and proves it is writable.
func CheckOutputDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &ValidationError{Check: "output directory", Err: fmt.Errorf("cannot write to output directory: %w", err)}
	}
	marker := filepath.Join(dir, ".test_write")
	if err := os.WriteFile(marker, []byte("test"), 0o644); err != nil {
		return &ValidationError{Check: "output directory", Err: fmt.Errorf("cannot write to output directory: %w", err)}
	}
	if err := os.Remove(marker); err != nil {
		return &ValidationError{Check: "output directory", Err: fmt.Errorf("cannot clean output directory: %w", err)}
	}
	return nil
}

// ResolveCommits expands the range expression.
func ResolveCommits(repo *gitrepo.Repository, expr string) ([]gitrepo.Commit, error) {
	commits, err := repo.ResolveRange(expr)
	if errors.Is(err, gitrepo.ErrEmptyRange) {
		return nil, &ValidationError{Check: "commit range", Err: fmt.Errorf("no commits found in range: %s", expr)}
	}
	if err != nil {
		return nil, &ValidationError{Check: "commit range", Err: fmt.Errorf("invalid commit range '%s': %w", expr, err)}
	}
	return commits, nil
}
