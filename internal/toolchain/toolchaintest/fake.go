// Package toolchaintest provides a scripted toolchain.Runner for tests.
package toolchaintest

import (
	"context"
	"strings"
	"sync"

	"memtracker/internal/toolchain"
)

// Runner records every command and answers with Handler.
// A nil Handler makes every command succeed with empty output.
type Runner struct {
	Handler func(cmd toolchain.Command) (toolchain.Output, error)

	mu    sync.Mutex
	calls []toolchain.Command
}

// Run implements toolchain.Runner.
func (r *Runner) Run(ctx context.Context, cmd toolchain.Command) (toolchain.Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	if r.Handler != nil {
		return r.Handler(cmd)
	}
	return toolchain.Output{}, nil
}

// Calls returns a copy of the recorded commands.
func (r *Runner) Calls() []toolchain.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]toolchain.Command(nil), r.calls...)
}

// CommandLines returns the recorded commands rendered as strings.
func (r *Runner) CommandLines() []string {
	calls := r.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.String()
	}
	return lines
}

// FailWhen returns a handler that fails commands containing substr with
// the given exit code and stderr, and succeeds otherwise.
func FailWhen(substr string, exitCode int, stderr string) func(toolchain.Command) (toolchain.Output, error) {
	return func(cmd toolchain.Command) (toolchain.Output, error) {
		if strings.Contains(cmd.String(), substr) {
			return toolchain.Output{ExitCode: exitCode, Stderr: []byte(stderr)}, &toolchain.Error{
				Args:     cmd.Args,
				Dir:      cmd.Dir,
				ExitCode: exitCode,
				Stderr:   stderr,
			}
		}
		return toolchain.Output{}, nil
	}
}
