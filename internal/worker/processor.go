// Package worker contains the per-commit build-and-benchmark pipeline and
// the batch scheduler that drives it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"memtracker/internal/config"
	"memtracker/internal/gitrepo"
	"memtracker/internal/isolation"
	"memtracker/internal/logger"
	"memtracker/internal/observability"
	"memtracker/internal/toolchain"
	"memtracker/pkg/api"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BenchmarkRunner runs the benchmark suite inside a virtual environment.
type BenchmarkRunner interface {
	Run(ctx context.Context, venvDir, outputDir string, commit gitrepo.Commit) error
}

// ResultUploader sends a commit's output directory to the tracking service.
type ResultUploader interface {
	Upload(ctx context.Context, outputDir, binaryID, environmentID string) (*api.UploadRunResponse, error)
}

// FailureReporter tells the tracking service the profiler could not be installed.
type FailureReporter interface {
	ReportMemrayFailure(ctx context.Context, report api.MemrayFailureReport) error
}

// Processor drives one commit through the build, benchmark and upload stages.
// It never returns an error: every failure ends up in the Result.
type Processor struct {
	runner   toolchain.Runner
	bench    BenchmarkRunner
	uploader ResultUploader
	reporter FailureReporter
	cfg      config.RunConfig
	logger   *slog.Logger
	metrics  *observability.PipelineMetrics
	tracer   trace.Tracer
}

// NewProcessor creates a Processor. reporter may be nil.
func NewProcessor(runner toolchain.Runner, bench BenchmarkRunner, uploader ResultUploader, reporter FailureReporter, cfg config.RunConfig, logger *slog.Logger) *Processor {
	metrics, err := observability.NewPipelineMetrics()
	if err != nil {
		logger.Warn("pipeline metrics disabled", "error", err)
	}
	return &Processor{
		runner:   runner,
		bench:    bench,
		uploader: uploader,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer(observability.TracerName),
	}
}

// Process runs the state machine for commit, taking its isolation from provider.
// The isolation is released before Process returns.
func (p *Processor) Process(ctx context.Context, commit gitrepo.Commit, provider isolation.Provider) (res Result) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "process_commit",
		trace.WithAttributes(
			attribute.String("commit.sha", commit.Hash),
			attribute.String("binary.id", p.cfg.BinaryID),
			attribute.String("environment.id", p.cfg.EnvironmentID),
		),
	)
	defer span.End()

	log := logger.FromContext(ctx, p.logger).With("commit", commit.Short())
	res = Result{
		Commit:    commit,
		OutputDir: filepath.Join(p.cfg.OutputDir, commit.Hash),
	}

	defer func() {
		res.Duration = time.Since(start)
		p.metrics.CommitFinished(ctx, res.Err == nil)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, string(res.Stage))
			log.Error("commit failed", "stage", res.Stage, "error", res.Err)
			return
		}
		log.Info("commit completed", "duration", res.Duration.Round(time.Second), "run_id", res.RunID)
	}()

	log.Info("processing commit", "subject", commit.Subject())

	if res.Err = p.stage(ctx, &res, StageValidateEnv, func(ctx context.Context) error {
		return p.prepareOutputDir(res.OutputDir, log)
	}); res.Err != nil {
		return res
	}

	var iso *isolation.Isolation
	res.Err = p.stage(ctx, &res, StageCheckout, func(ctx context.Context) error {
		var err error
		iso, err = provider.Acquire(ctx, commit)
		if err != nil {
			return err
		}
		p.metrics.IsolationAcquired(ctx)
		return iso.Begin()
	})
	if iso != nil {
		defer func() {
			provider.Release(context.WithoutCancel(ctx), iso)
			p.metrics.IsolationReleased(ctx)
		}()
	}
	if res.Err != nil {
		return res
	}

	steps := []struct {
		stage Stage
		skip  bool
		run   func(ctx context.Context) error
	}{
		{StageConfigure, iso.Configured, func(ctx context.Context) error {
			args := append([]string{filepath.Join(iso.SourceDir, "configure"), "--prefix=" + iso.InstallDir}, p.cfg.ConfigureFlags...)
			if err := p.exec(ctx, log, iso.SourceDir, args...); err != nil {
				return err
			}
			iso.MarkConfigured()
			return nil
		}},
		{StageClean, iso.Incremental, func(ctx context.Context) error {
			return p.exec(ctx, log, iso.SourceDir, "make", "clean")
		}},
		{StageBuild, false, func(ctx context.Context) error {
			return p.exec(ctx, log, iso.SourceDir, append([]string{"make"}, p.cfg.MakeFlags...)...)
		}},
		{StageInstall, false, func(ctx context.Context) error {
			return p.exec(ctx, log, iso.SourceDir, "make", "install")
		}},
		{StageCreateVenv, false, func(ctx context.Context) error {
			python := filepath.Join(iso.InstallDir, "bin", "python3")
			return p.exec(ctx, log, iso.SourceDir, python, "-m", "venv", iso.VenvDir)
		}},
		{StageInstallProfiler, false, func(ctx context.Context) error {
			pip := filepath.Join(iso.VenvDir, "bin", "pip")
			err := p.exec(ctx, log, "", pip, "install", "-v", "memray", "--no-cache-dir")
			if err != nil {
				p.reportProfilerFailure(ctx, log, commit, err)
			}
			return err
		}},
		{StageRunBenchmarks, false, func(ctx context.Context) error {
			return p.bench.Run(ctx, iso.VenvDir, res.OutputDir, commit)
		}},
		{StageUpload, false, func(ctx context.Context) error {
			resp, err := p.uploader.Upload(ctx, res.OutputDir, p.cfg.BinaryID, p.cfg.EnvironmentID)
			if err != nil {
				log.Warn("upload failed, results are kept locally", "path", res.OutputDir)
				return err
			}
			res.RunID = resp.RunID
			return nil
		}},
	}

	for _, step := range steps {
		if step.skip {
			log.Debug("skipping stage", "stage", step.stage)
			continue
		}
		if res.Err = p.stage(ctx, &res, step.stage, step.run); res.Err != nil {
			return res
		}
	}

	res.Stage = StageDone
	return res
}

// stage runs fn under its own span and duration metric.
func (p *Processor) stage(ctx context.Context, res *Result, stage Stage, fn func(ctx context.Context) error) error {
	res.Stage = stage
	ctx, span := p.tracer.Start(ctx, string(stage))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.StageFinished(ctx, string(stage), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

// prepareOutputDir refuses to reuse a commit's output unless forced.
func (p *Processor) prepareOutputDir(dir string, log *slog.Logger) error {
	_, err := os.Stat(dir)
	switch {
	case err == nil && !p.cfg.Force:
		return fmt.Errorf("output directory %s already exists. Use -f/--force to overwrite", dir)
	case err == nil:
		log.Info("removing existing output directory", "path", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove existing directory %s: %w", dir, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to inspect %s: %w", dir, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return nil
}

func (p *Processor) exec(ctx context.Context, log *slog.Logger, dir string, args ...string) error {
	cmd := toolchain.Command{Args: args, Dir: dir, Timeout: p.cfg.CommandTimeout}
	log.Debug("running command", "cmd", cmd.String(), "dir", dir)

	out, err := p.runner.Run(ctx, cmd)
	if err != nil {
		var terr *toolchain.Error
		if errors.As(err, &terr) && !p.cfg.StreamOutput() {
			if terr.Stdout != "" {
				log.Error("command stdout", "cmd", cmd.String(), "output", terr.Stdout)
			}
			if terr.Stderr != "" {
				log.Error("command stderr", "cmd", cmd.String(), "output", terr.Stderr)
			}
		}
		return err
	}
	log.Debug("command finished", "cmd", args[0], "duration", out.Duration)
	return nil
}

func (p *Processor) reportProfilerFailure(ctx context.Context, log *slog.Logger, commit gitrepo.Commit, cause error) {
	if p.reporter == nil {
		return
	}
	err := p.reporter.ReportMemrayFailure(ctx, api.MemrayFailureReport{
		CommitSHA:       commit.Hash,
		CommitTimestamp: commit.CommittedAt,
		BinaryID:        p.cfg.BinaryID,
		EnvironmentID:   p.cfg.EnvironmentID,
		ErrorMessage:    cause.Error(),
	})
	if err != nil {
		log.Warn("failed to report memray failure", "error", err)
		return
	}
	log.Info("reported memray failure to tracking service")
}
