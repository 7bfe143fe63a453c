package cmd

import (
	"context"
	"log/slog"
	"os/exec"

	"memtracker/internal/config"
	"memtracker/internal/logger"
	"memtracker/internal/toolchain"
	"memtracker/internal/tracker"

	"github.com/spf13/cobra"
)

// Swapped by tests so the pipeline can run without compilers.
var (
	lookPath     = exec.LookPath
	newToolchain = func(stream bool, log *slog.Logger) toolchain.Runner {
		return toolchain.NewExecRunner(stream, log)
	}
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "memtracker",
		Short: "memtracker builds CPython commits and records their memory profile",
		Long: `memtracker is the benchmark worker for the CPython memory tracking service.

For every commit in a range it builds CPython from source, installs it into a
scratch prefix, creates a virtual environment with memray, runs the bundled
memory benchmarks and uploads the profiles to the tracking service.

Common workflows:

  Benchmark the last ten commits of a local checkout, four at a time:
    memtracker benchmark ~/src/cpython HEAD~10..HEAD --binary-id default --environment-id linux-x86_64 -j 4

  Re-upload a preserved result directory:
    memtracker upload ./benchmark_results/1a2b3c4d --binary-id default --environment-id linux-x86_64

  Show what is registered on the server:
    memtracker list-binaries

Configuration:
  Every flag can also be set in memtracker.yaml (working directory) or
  $HOME/.memtracker.yaml, or through the environment:
    MEMORY_TRACKER_API_BASE    Tracking service URL (default: http://localhost:8000)
    MEMORY_TRACKER_TOKEN       Bearer token for authentication`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./memtracker.yaml or $HOME/.memtracker.yaml)")
	flags.String("api-base", config.Defaults().APIBase, "Tracking service URL")
	flags.StringP("token", "t", "", "API token for authentication")
	flags.Duration("http-timeout", config.Defaults().HTTPTimeout, "Timeout for each request to the tracking service")
	flags.Float64("api-rate-limit", 0, "Maximum requests per second to the tracking service (0 = unlimited)")
	flags.CountP("verbose", "v", "Increase verbosity (-v info, -vv debug, -vvv stream build output)")
	flags.Bool("log-json", false, "Emit logs as JSON")

	root.AddCommand(
		newBenchmarkCmd(&cfgFile),
		newUploadCmd(&cfgFile),
		newListBinariesCmd(&cfgFile),
		newListEnvironmentsCmd(&cfgFile),
		newVersionCmd(),
	)
	return root
}

// Execute runs the root command until ctx is cancelled.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

// setup loads the configuration for cmd and builds its logger.
func setup(cmd *cobra.Command, cfgFile string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Options{
		Verbosity: cfg.Verbose,
		JSON:      cfg.LogJSON,
		Writer:    cmd.ErrOrStderr(),
	})
	return cfg, log, nil
}

func newClient(cfg *config.Config, log *slog.Logger) *tracker.Client {
	return tracker.New(cfg.APIBase, cfg.Token,
		tracker.WithTimeout(cfg.HTTPTimeout),
		tracker.WithRateLimit(cfg.APIRateLimit, 1),
		tracker.WithLogger(log),
	)
}
