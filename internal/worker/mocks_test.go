package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"memtracker/internal/config"
	"memtracker/internal/gitrepo"
	"memtracker/internal/isolation"
	"memtracker/internal/toolchain"
	"memtracker/internal/toolchain/toolchaintest"
	"memtracker/pkg/api"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// MockProvider implements isolation.Provider and tracks live isolations.
type MockProvider struct {
	mu sync.Mutex

	// AcquireFunc allows failing specific commits.
	AcquireFunc func(commit gitrepo.Commit) error
	// Configured and Incremental are copied into every isolation.
	Configured  bool
	Incremental bool

	live      int
	maxLive   int
	acquired  []*isolation.Isolation
	teardowns map[*isolation.Isolation]int
	events    []string
}

func (m *MockProvider) Acquire(ctx context.Context, commit gitrepo.Commit) (*isolation.Isolation, error) {
	if m.AcquireFunc != nil {
		if err := m.AcquireFunc(commit); err != nil {
			return nil, &isolation.Error{Op: "worktree add", Path: commit.Hash, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	root := fmt.Sprintf("/tmp/cpython_build_%s_%d", commit.Short(), len(m.acquired))
	iso := &isolation.Isolation{
		Commit:      commit,
		Root:        root,
		SourceDir:   root + "/cpython",
		InstallDir:  root + "/install",
		VenvDir:     root + "/venv",
		Configured:  m.Configured,
		Incremental: m.Incremental,
	}
	m.acquired = append(m.acquired, iso)
	m.live++
	m.maxLive = max(m.maxLive, m.live)
	m.events = append(m.events, "acquire "+commit.Hash)
	return iso, nil
}

func (m *MockProvider) Release(ctx context.Context, iso *isolation.Isolation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.teardowns == nil {
		m.teardowns = make(map[*isolation.Isolation]int)
	}
	if m.teardowns[iso] > 0 {
		return
	}
	m.teardowns[iso]++
	m.live--
	m.events = append(m.events, "release "+iso.Commit.Hash)
}

func (m *MockProvider) Close(ctx context.Context) error { return nil }

func (m *MockProvider) MaxLive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLive
}

func (m *MockProvider) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

func (m *MockProvider) Acquired() []*isolation.Isolation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*isolation.Isolation(nil), m.acquired...)
}

func (m *MockProvider) Teardowns(iso *isolation.Isolation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardowns[iso]
}

func (m *MockProvider) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

// MockBenchmark implements BenchmarkRunner.
type MockBenchmark struct {
	RunFunc func(venvDir, outputDir string, commit gitrepo.Commit) error

	mu    sync.Mutex
	calls []string
}

func (m *MockBenchmark) Run(ctx context.Context, venvDir, outputDir string, commit gitrepo.Commit) error {
	m.mu.Lock()
	m.calls = append(m.calls, commit.Hash)
	m.mu.Unlock()
	if m.RunFunc != nil {
		return m.RunFunc(venvDir, outputDir, commit)
	}
	return nil
}

func (m *MockBenchmark) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockUploader implements ResultUploader.
type MockUploader struct {
	UploadFunc func(outputDir string) (*api.UploadRunResponse, error)

	mu    sync.Mutex
	calls []string
}

func (m *MockUploader) Upload(ctx context.Context, outputDir, binaryID, environmentID string) (*api.UploadRunResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, outputDir)
	m.mu.Unlock()
	if m.UploadFunc != nil {
		return m.UploadFunc(outputDir)
	}
	return &api.UploadRunResponse{RunID: "run_" + outputDir}, nil
}

func (m *MockUploader) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockReporter implements FailureReporter.
type MockReporter struct {
	Err error

	mu      sync.Mutex
	reports []api.MemrayFailureReport
}

func (m *MockReporter) ReportMemrayFailure(ctx context.Context, report api.MemrayFailureReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return m.Err
}

func testCommits(n int) []gitrepo.Commit {
	commits := make([]gitrepo.Commit, n)
	for i := range commits {
		commits[i] = gitrepo.Commit{
			Hash:        fmt.Sprintf("%02d%038d", i, i),
			Message:     fmt.Sprintf("commit %d", i),
			CommittedAt: time.Date(2025, 1, 1, i, 0, 0, 0, time.UTC),
		}
	}
	return commits
}

func testRunConfig(outputDir string) config.RunConfig {
	return config.RunConfig{
		BinaryID:       "default",
		EnvironmentID:  "linux",
		OutputDir:      outputDir,
		ConfigureFlags: []string{"--enable-optimizations"},
		MakeFlags:      []string{"-j4"},
	}
}

// slowRunner makes every build take d so workers overlap, and fails the
// build of the commit whose short hash is failShort.
func slowRunner(d time.Duration, failShort string) *toolchaintest.Runner {
	return &toolchaintest.Runner{Handler: func(cmd toolchain.Command) (toolchain.Output, error) {
		if cmd.String() != "make -j4" {
			return toolchain.Output{}, nil
		}
		time.Sleep(d)
		if failShort != "" && strings.Contains(cmd.Dir, failShort) {
			return toolchain.Output{ExitCode: 2}, &toolchain.Error{Args: cmd.Args, Dir: cmd.Dir, ExitCode: 2, Stderr: "compile error"}
		}
		return toolchain.Output{}, nil
	}}
}
