package cmd

import (
	"github.com/spf13/cobra"

	"memtracker/internal/upload"
)

func newUploadCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <results_dir>",
		Short: "Upload a preserved commit result directory",
		Long: `Upload the benchmark results kept in results_dir, as written by a previous
benchmark run. Use this when the original upload failed.

Example:
  memtracker upload ./benchmark_results/<sha> --binary-id default --environment-id linux-x86_64`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, *cfgFile)
			if err != nil {
				return err
			}
			if err := requireIDs(cfg); err != nil {
				return err
			}

			u := upload.New(newClient(cfg, log), log)
			resp, err := u.Upload(cmd.Context(), args[0], cfg.BinaryID, cfg.EnvironmentID)
			if err != nil {
				return err
			}
			cmd.Printf("Uploaded %d benchmark results for %s (run %s)\n", resp.ResultsCreated, resp.CommitSHA, resp.RunID)
			return nil
		},
	}

	cmd.Flags().String("binary-id", "", "Registered binary ID (required)")
	cmd.Flags().String("environment-id", "", "Registered environment ID (required)")
	return cmd
}
