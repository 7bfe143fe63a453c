// Package upload packages a commit's output directory into the tracking
// service's upload contract.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"memtracker/internal/benchmark"
	"memtracker/pkg/api"
)

// ErrNoResults is returned when the output directory holds no stats files.
var ErrNoResults = errors.New("no benchmark results found")

// RunUploader is the slice of the tracker client the uploader needs.
type RunUploader interface {
	UploadRun(ctx context.Context, req api.UploadRunRequest) (*api.UploadRunResponse, error)
}

// Uploader builds and sends one upload per commit. Uploads are never retried
// and local files are never removed, so a failed upload can be repeated by hand.
type Uploader struct {
	client RunUploader
	logger *slog.Logger
}

// New creates an Uploader.
func New(client RunUploader, logger *slog.Logger) *Uploader {
	return &Uploader{client: client, logger: logger}
}

// Build assembles the request from metadata.json and every
// <name>_stats.json / <name>_flamegraph.html pair in outputDir.
func Build(outputDir, binaryID, environmentID string) (api.UploadRunRequest, error) {
	metadata, _, err := benchmark.LoadMetadata(outputDir)
	if err != nil {
		return api.UploadRunRequest{}, err
	}

	artifacts, err := benchmark.LoadArtifacts(outputDir)
	if err != nil {
		return api.UploadRunRequest{}, err
	}
	if len(artifacts) == 0 {
		return api.UploadRunRequest{}, fmt.Errorf("%w in %s", ErrNoResults, outputDir)
	}

	results := make([]api.BenchmarkResult, 0, len(artifacts))
	for _, a := range artifacts {
		stats, err := os.ReadFile(a.StatsPath)
		if err != nil {
			return api.UploadRunRequest{}, fmt.Errorf("failed to read %s: %w", a.StatsPath, err)
		}
		if !json.Valid(stats) {
			return api.UploadRunRequest{}, fmt.Errorf("invalid JSON in %s", a.StatsPath)
		}
		// A profile without a flamegraph still uploads with an empty page.
		flamegraph, err := os.ReadFile(a.FlamegraphPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return api.UploadRunRequest{}, fmt.Errorf("failed to read %s: %w", a.FlamegraphPath, err)
		}
		results = append(results, api.BenchmarkResult{
			BenchmarkName:  a.Name,
			StatsJSON:      stats,
			FlamegraphHTML: string(flamegraph),
		})
	}

	return api.UploadRunRequest{
		Metadata:         metadata,
		BenchmarkResults: results,
		BinaryID:         binaryID,
		EnvironmentID:    environmentID,
	}, nil
}

// Upload sends the contents of outputDir.
func (u *Uploader) Upload(ctx context.Context, outputDir, binaryID, environmentID string) (*api.UploadRunResponse, error) {
	req, err := Build(outputDir, binaryID, environmentID)
	if err != nil {
		return nil, err
	}

	u.logger.Info("uploading results",
		"binary_id", binaryID,
		"environment_id", environmentID,
		"benchmarks", len(req.BenchmarkResults),
	)

	resp, err := u.client.UploadRun(ctx, req)
	if err != nil {
		return nil, err
	}

	u.logger.Info("upload accepted", "run_id", resp.RunID, "results_created", resp.ResultsCreated)
	return resp, nil
}
