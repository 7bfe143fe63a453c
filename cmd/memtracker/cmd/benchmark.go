package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"memtracker/internal/benchmark"
	"memtracker/internal/config"
	"memtracker/internal/gitrepo"
	"memtracker/internal/isolation"
	"memtracker/internal/logger"
	"memtracker/internal/observability"
	"memtracker/internal/preflight"
	"memtracker/internal/report"
	"memtracker/internal/upload"
	"memtracker/internal/worker"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newBenchmarkCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchmark [repo_path] <commit_range>",
		Short: "Build and benchmark every commit in a range",
		Long: `Build CPython for every commit in commit_range, run the memory benchmarks
against each build and upload the results.

commit_range is anything git rev-list understands as a range (HEAD~5..HEAD)
or a single revision. Without repo_path the repository at --repo-url is
cloned into a temporary directory first.

Example:
  memtracker benchmark ~/src/cpython HEAD~3..HEAD --binary-id default --environment-id linux-x86_64
  memtracker benchmark v3.13.0..v3.13.1 --binary-id debug --environment-id ci -j 4 --batch-size 8`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoPath, commitRange := "", args[0]
			if len(args) == 2 {
				repoPath, commitRange = args[0], args[1]
			}
			return runBenchmark(cmd, *cfgFile, repoPath, commitRange)
		},
	}

	defaults := config.Defaults()
	flags := cmd.Flags()
	flags.String("binary-id", "", "Registered binary ID (required)")
	flags.String("environment-id", "", "Registered environment ID (required)")
	flags.IntP("max-workers", "j", defaults.MaxWorkers, "Commits processed in parallel")
	flags.IntP("batch-size", "b", 0, "Commits per batch (default: same as --max-workers)")
	flags.BoolP("force", "f", false, "Overwrite existing output directories")
	flags.Bool("local-checkout", false, "Build in the repository itself with incremental builds (requires -j 1)")
	flags.StringP("output-dir", "o", defaults.OutputDir, "Directory for per-commit results")
	flags.String("configure-flags", defaults.ConfigureFlags, "Flags passed to ./configure")
	flags.String("make-flags", defaults.MakeFlags, "Flags passed to make")
	flags.String("repo-url", defaults.RepoURL, "Repository to clone when no repo_path is given")
	flags.Duration("command-timeout", 0, "Timeout for each build command (0 = none)")
	flags.String("otel-endpoint", "", "OTLP gRPC collector address for traces")
	flags.String("metrics-addr", "", "Address to serve Prometheus metrics on")

	return cmd
}

func runBenchmark(cmd *cobra.Command, cfgFile, repoPath, commitRange string) error {
	cfg, baseLog, err := setup(cmd, cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := requireIDs(cfg); err != nil {
		return err
	}

	runID := uuid.NewString()
	ctx := logger.WithRunID(cmd.Context(), runID)
	log := logger.FromContext(ctx, baseLog)

	shutdownTracer, err := observability.InitTracer(ctx, "memtracker", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.WithoutCancel(ctx)); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(ctx, cfg.MetricsAddr, log)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	repo, cleanup, err := openRepository(ctx, cfg, repoPath, log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()

	client := newClient(cfg, log)
	checker := preflight.New(client, log)
	checker.LookPath = lookPath
	commits, err := checker.Run(ctx, preflight.Input{
		Token:         cfg.Token,
		Repo:          repo,
		CommitRange:   commitRange,
		OutputDir:     cfg.OutputDir,
		BinaryID:      cfg.BinaryID,
		EnvironmentID: cfg.EnvironmentID,
	})
	if err != nil {
		return fmt.Errorf("pre-flight checks failed: %w", err)
	}

	log.Info("commits to process", "count", len(commits))
	for _, c := range commits {
		log.Info(fmt.Sprintf("  %s - %s", c.Short(), c.Subject()))
	}

	rc := cfg.RunConfig()
	runner := newToolchain(rc.StreamOutput(), log)

	var provider isolation.Provider
	if cfg.LocalCheckout {
		shared := isolation.NewSharedCheckoutProvider(repo.Dir(), "", runner, log)
		shared.Keep(cfg.OutputDir)
		if err := shared.Prepare(ctx); err != nil {
			return err
		}
		provider = shared
	} else {
		provider = isolation.NewWorktreeProvider(repo.Dir(), "", runner, log)
	}

	processor := worker.NewProcessor(
		runner,
		benchmark.NewRunner(runner, log),
		upload.New(client, log),
		client,
		rc,
		baseLog, // the processor attaches run_id itself
	)
	scheduler := worker.NewScheduler(processor, provider, worker.SchedulerConfig{
		MaxWorkers: cfg.MaxWorkers,
		BatchSize:  cfg.BatchSize,
	}, log)

	results := scheduler.Run(ctx, commits)
	if err := provider.Close(context.WithoutCancel(ctx)); err != nil {
		log.Warn("failed to clean up build isolation", "error", err)
	}

	summary := report.Build(runID, results)
	summary.Render(cmd.OutOrStdout())
	if path, err := summary.WriteYAML(cfg.OutputDir); err != nil {
		log.Warn("failed to write run summary", "error", err)
	} else {
		log.Info("run summary written", "path", path)
	}
	return summary.Err()
}

func requireIDs(cfg *config.Config) error {
	if cfg.BinaryID == "" {
		return errors.New("--binary-id is required")
	}
	if cfg.EnvironmentID == "" {
		return errors.New("--environment-id is required")
	}
	return nil
}

// openRepository opens repoPath, or clones the configured URL into a
// temporary directory that cleanup removes.
func openRepository(ctx context.Context, cfg *config.Config, repoPath string, log *slog.Logger, progress io.Writer) (*gitrepo.Repository, func(), error) {
	if repoPath != "" {
		repo, err := gitrepo.Open(repoPath)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "cpython_repo_")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create clone directory: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to remove cloned repository", "path", dir, "error", err)
		}
	}

	if cfg.Verbose < 2 {
		progress = nil
	}
	log.Info("cloning repository", "url", cfg.RepoURL, "path", dir)
	repo, err := gitrepo.Clone(ctx, cfg.RepoURL, dir, progress)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return repo, cleanup, nil
}

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) (func(), error) {
	handler, shutdown, err := observability.InitMetrics()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := observability.ServeMetrics(ctx, addr, handler, log); err != nil {
			log.Error("metrics listener failed", "error", err)
		}
	}()

	return func() {
		cancel()
		<-done
		if err := shutdown(context.Background()); err != nil {
			log.Warn("metrics shutdown failed", "error", err)
		}
	}, nil
}
