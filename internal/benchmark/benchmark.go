// Package benchmark runs the memory benchmark suite under memray inside a
// built interpreter's virtual environment and reads back what it produced.
package benchmark

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"memtracker/internal/gitrepo"
	"memtracker/internal/toolchain"

	"github.com/dustin/go-humanize"
)

//go:embed scripts/*.py
var suite embed.FS

//go:embed sysconfig.py
var sysconfigScript string

// MetadataFile is the per-commit build metadata document.
const MetadataFile = "metadata.json"

// Suite returns the built-in benchmark scripts.
func Suite() fs.FS {
	sub, err := fs.Sub(suite, "scripts")
	if err != nil {
		panic(err)
	}
	return sub
}

// Runner executes benchmark scripts with memray.
type Runner struct {
	runner  toolchain.Runner
	scripts fs.FS
	tempDir string
	logger  *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithScripts replaces the built-in suite. Every top-level *.py file is a benchmark.
func WithScripts(fsys fs.FS) Option {
	return func(r *Runner) { r.scripts = fsys }
}

// WithTempDir sets where the scripts are staged before running.
func WithTempDir(dir string) Option {
	return func(r *Runner) { r.tempDir = dir }
}

// NewRunner creates a Runner over the built-in suite.
func NewRunner(runner toolchain.Runner, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		runner:  runner,
		scripts: Suite(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Names lists the benchmark names in run order.
func (r *Runner) Names() ([]string, error) {
	matches, err := fs.Glob(r.scripts, "*.py")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, m := range matches {
		if m == "__init__.py" {
			continue
		}
		names = append(names, strings.TrimSuffix(m, ".py"))
	}
	slices.Sort(names)
	return names, nil
}

// Run writes metadata.json and, for every benchmark, <name>.bin,
// <name>_stats.json and <name>_flamegraph.html into outputDir.
// The first failing profiler invocation aborts the run.
func (r *Runner) Run(ctx context.Context, venvDir, outputDir string, commit gitrepo.Commit) error {
	python := filepath.Join(venvDir, "bin", "python")
	memray := filepath.Join(venvDir, "bin", "memray")

	if _, err := os.Stat(python); err != nil {
		return fmt.Errorf("python executable not found at %s: %w", python, err)
	}
	if _, err := os.Stat(memray); err != nil {
		return fmt.Errorf("memray executable not found at %s: %w", memray, err)
	}

	log := r.logger.With("commit", commit.Short())
	log.Info("collecting build metadata")
	if err := r.writeMetadata(ctx, log, python, outputDir, commit); err != nil {
		return err
	}

	names, err := r.Names()
	if err != nil {
		return fmt.Errorf("failed to list benchmarks: %w", err)
	}

	stage, err := os.MkdirTemp(r.tempDir, "benchmarks_")
	if err != nil {
		return fmt.Errorf("failed to create benchmark directory: %w", err)
	}
	defer os.RemoveAll(stage)

	if err := os.CopyFS(stage, r.scripts); err != nil {
		return fmt.Errorf("failed to stage benchmarks: %w", err)
	}

	for _, name := range names {
		if err := r.runOne(ctx, log, memray, stage, outputDir, name); err != nil {
			return fmt.Errorf("benchmark %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, log *slog.Logger, memray, stage, outputDir, name string) error {
	log = log.With("benchmark", name)
	log.Info("running benchmark")

	trace := filepath.Join(outputDir, name+".bin")
	stats := filepath.Join(outputDir, name+"_stats.json")
	flame := filepath.Join(outputDir, name+"_flamegraph.html")

	steps := [][]string{
		{memray, "run", "--native", "--trace-python-allocators", "--output", trace, filepath.Join(stage, name+".py")},
		{memray, "stats", "--json", "--output", stats, trace},
		{memray, "flamegraph", "--output", flame, trace},
	}
	for _, args := range steps {
		out, err := r.runner.Run(ctx, toolchain.Command{Args: args, Dir: stage})
		if err != nil {
			return err
		}
		if len(out.Stdout) > 0 {
			log.Debug("memray stdout", "step", args[1], "output", string(out.Stdout))
		}
		if len(out.Stderr) > 0 {
			log.Debug("memray stderr", "step", args[1], "output", string(out.Stderr))
		}
	}

	if a, err := loadArtifact(outputDir, name, stats); err == nil {
		log.Info("benchmark finished",
			"peak_memory", humanize.IBytes(uint64(max(a.PeakMemory, 0))),
			"total_allocated", humanize.IBytes(uint64(max(a.TotalAllocated, 0))))
	}
	return nil
}

func (r *Runner) writeMetadata(ctx context.Context, log *slog.Logger, python, outputDir string, commit gitrepo.Commit) error {
	out, err := r.runner.Run(ctx, toolchain.Command{Args: []string{python, "-c", sysconfigScript}})
	if err != nil {
		return fmt.Errorf("failed to get sysconfig info: %w", err)
	}

	var info map[string]any
	if err := json.Unmarshal(out.Stdout, &info); err != nil {
		return fmt.Errorf("failed to parse sysconfig info: %w", err)
	}
	info["commit"] = commit.Info()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	dest := filepath.Join(outputDir, MetadataFile)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	log.Debug("saved metadata", "path", dest)
	return nil
}
