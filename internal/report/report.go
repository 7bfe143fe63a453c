// Package report summarizes a run for the terminal and for run-summary.yaml.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"memtracker/internal/benchmark"
	"memtracker/internal/worker"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// FileName is the summary written into the output directory.
const FileName = "run-summary.yaml"

const (
	statusSuccess = "success"
	statusFailed  = "failed"
)

// Summary is the aggregate outcome of a run.
type Summary struct {
	RunID       string          `yaml:"run_id"`
	GeneratedAt time.Time       `yaml:"generated_at"`
	Total       int             `yaml:"total"`
	Succeeded   int             `yaml:"succeeded"`
	Failed      int             `yaml:"failed"`
	Commits     []CommitSummary `yaml:"commits"`
}

// CommitSummary is one commit's line in the summary.
type CommitSummary struct {
	Commit     string             `yaml:"commit"`
	Subject    string             `yaml:"subject"`
	Status     string             `yaml:"status"`
	Stage      string             `yaml:"stage"`
	Error      string             `yaml:"error,omitempty"`
	UploadRun  string             `yaml:"upload_run_id,omitempty"`
	Duration   time.Duration      `yaml:"duration"`
	Benchmarks []BenchmarkSummary `yaml:"benchmarks,omitempty"`
}

// BenchmarkSummary holds the headline numbers for one benchmark.
type BenchmarkSummary struct {
	Name           string                 `yaml:"name"`
	PeakMemory     int64                  `yaml:"peak_memory"`
	TotalAllocated int64                  `yaml:"total_allocated"`
	TopAllocations []benchmark.Allocation `yaml:"top_allocations,omitempty"`
}

// Build turns scheduler results into a Summary, reading benchmark numbers
// from each commit's output directory where present.
func Build(runID string, results []worker.Result) Summary {
	s := Summary{
		RunID:       runID,
		GeneratedAt: time.Now().UTC(),
		Total:       len(results),
	}
	for _, r := range results {
		cs := CommitSummary{
			Commit:    r.Commit.Hash,
			Subject:   r.Commit.Subject(),
			Status:    statusSuccess,
			Stage:     string(r.Stage),
			UploadRun: r.RunID,
			Duration:  r.Duration.Round(time.Millisecond),
		}
		if r.Failed() {
			cs.Status = statusFailed
			cs.Error = r.Err.Error()
			s.Failed++
		} else {
			s.Succeeded++
		}
		// A commit rejected at VALIDATE_ENV never wrote into OutputDir; whatever
		// is there belongs to an earlier run.
		if r.OutputDir != "" && !(r.Failed() && r.Stage == worker.StageValidateEnv) {
			if arts, err := benchmark.LoadArtifacts(r.OutputDir); err == nil {
				for _, a := range arts {
					cs.Benchmarks = append(cs.Benchmarks, BenchmarkSummary{
						Name:           a.Name,
						PeakMemory:     a.PeakMemory,
						TotalAllocated: a.TotalAllocated,
						TopAllocations: a.TopAllocations,
					})
				}
			}
		}
		s.Commits = append(s.Commits, cs)
	}
	return s
}

// Err returns a non-nil error when any commit failed.
func (s Summary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d commits failed", s.Failed, s.Total)
}

// Render writes a table of the run to w.
func (s Summary) Render(w io.Writer) {
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Commit", "Status", "Stage", "Peak memory", "Duration", "Details"})

	for _, c := range s.Commits {
		status := ok("OK")
		details := c.UploadRun
		if c.Status == statusFailed {
			status = bad("FAILED")
			details = truncate(c.Error, 80)
		}
		tbl.AppendRow(table.Row{
			short(c.Commit),
			status,
			c.Stage,
			peak(c.Benchmarks),
			c.Duration.Round(time.Second).String(),
			details,
		})
	}

	tbl.AppendFooter(table.Row{
		fmt.Sprintf("Total: %d", s.Total),
		fmt.Sprintf("%d ok / %d failed", s.Succeeded, s.Failed),
	})
	tbl.Render()
}

// WriteYAML writes the summary to dir/run-summary.yaml.
func (s Summary) WriteYAML(dir string) (string, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode summary: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write summary: %w", err)
	}
	return path, nil
}

func peak(benchmarks []BenchmarkSummary) string {
	var highest int64
	for _, b := range benchmarks {
		highest = max(highest, b.PeakMemory)
	}
	if highest == 0 {
		return "-"
	}
	return humanize.IBytes(uint64(highest))
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
