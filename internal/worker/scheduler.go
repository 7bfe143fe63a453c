package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"memtracker/internal/gitrepo"
	"memtracker/internal/isolation"
)

// CommitProcessor processes one commit with isolations from provider.
type CommitProcessor interface {
	Process(ctx context.Context, commit gitrepo.Commit, provider isolation.Provider) Result
}

// SchedulerConfig holds configuration for the batch scheduler.
type SchedulerConfig struct {
	MaxWorkers int
	BatchSize  int // Commits per batch (default: MaxWorkers)
}

// Scheduler runs commits in consecutive batches, each on a bounded pool.
type Scheduler struct {
	processor CommitProcessor
	provider  isolation.Provider
	config    SchedulerConfig
	logger    *slog.Logger
}

// NewScheduler creates a new batch scheduler.
func NewScheduler(processor CommitProcessor, provider isolation.Provider, config SchedulerConfig, logger *slog.Logger) *Scheduler {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = config.MaxWorkers
	}
	return &Scheduler{
		processor: processor,
		provider:  provider,
		config:    config,
		logger:    logger,
	}
}

// Run processes every commit and returns one Result per commit, in
// completion order. A failing commit never stops its siblings. When ctx is
// cancelled, commits not yet started are reported as failed without running.
func (s *Scheduler) Run(ctx context.Context, commits []gitrepo.Commit) []Result {
	results := make([]Result, 0, len(commits))
	batches := (len(commits) + s.config.BatchSize - 1) / s.config.BatchSize

	for n, start := 1, 0; start < len(commits); n, start = n+1, start+s.config.BatchSize {
		batch := commits[start:min(start+s.config.BatchSize, len(commits))]
		s.logger.Info("processing batch", "batch", n, "of", batches, "commits", len(batch))
		results = append(results, s.runBatch(ctx, batch)...)
	}
	return results
}

func (s *Scheduler) runBatch(ctx context.Context, batch []gitrepo.Commit) []Result {
	lease := &batchLease{Provider: s.provider}
	defer lease.releaseAll(context.WithoutCancel(ctx))

	// Semaphore to limit concurrency
	workers := min(s.config.MaxWorkers, len(batch))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	resultCh := make(chan Result, len(batch))

	for _, commit := range batch {
		if err := ctx.Err(); err != nil {
			resultCh <- notStarted(commit, err)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			resultCh <- notStarted(commit, ctx.Err())
			continue
		}

		wg.Add(1)
		go func(commit gitrepo.Commit) {
			defer wg.Done()
			defer func() { <-sem }()
			resultCh <- s.process(ctx, lease, commit)
		}(commit)
	}

	wg.Wait()
	close(resultCh)

	results := make([]Result, 0, len(batch))
	for r := range resultCh {
		results = append(results, r)
	}
	return results
}

// process converts a panic in the processor into a failed Result.
func (s *Scheduler) process(ctx context.Context, provider isolation.Provider, commit gitrepo.Commit) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("commit processing panicked", "commit", commit.Short(), "panic", r)
			res = Result{Commit: commit, Err: fmt.Errorf("panic while processing commit: %v", r)}
		}
	}()
	return s.processor.Process(ctx, commit, provider)
}

func notStarted(commit gitrepo.Commit, err error) Result {
	return Result{
		Commit: commit,
		Stage:  StageValidateEnv,
		Err:    fmt.Errorf("not started: %w", err),
	}
}

// batchLease tracks every isolation handed out during one batch so the
// batch can release whatever a processor left behind.
type batchLease struct {
	isolation.Provider

	mu       sync.Mutex
	acquired []*isolation.Isolation
}

func (l *batchLease) Acquire(ctx context.Context, commit gitrepo.Commit) (*isolation.Isolation, error) {
	iso, err := l.Provider.Acquire(ctx, commit)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.acquired = append(l.acquired, iso)
	l.mu.Unlock()
	return iso, nil
}

// Close is a no-op: the provider outlives the batch.
func (l *batchLease) Close(context.Context) error { return nil }

func (l *batchLease) releaseAll(ctx context.Context) {
	l.mu.Lock()
	acquired := l.acquired
	l.acquired = nil
	l.mu.Unlock()

	for _, iso := range acquired {
		l.Provider.Release(ctx, iso)
	}
}
