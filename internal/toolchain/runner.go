// Package toolchain runs the external build and install commands of the pipeline.
package toolchain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Runner defines the interface for executing external commands.
// Implementations include raw OS processes and scripted fakes for tests.
type Runner interface {
	// Run executes cmd and blocks until it exits. A non-zero exit is
	// reported as *Error carrying the captured output.
	Run(ctx context.Context, cmd Command) (Output, error)
}

// Command contains the parameters for a single invocation.
type Command struct {
	Args []string
	Dir  string
	// Env is appended to the inherited process environment.
	Env []string
	// Timeout bounds the invocation. Zero means no timeout.
	Timeout time.Duration
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Output is the captured result of a finished command.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Error is returned when a command cannot be started or exits non-zero.
// Build failures are not transient and are never retried.
type Error struct {
	Args     []string
	Dir      string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	cmd := strings.Join(e.Args, " ")
	if e.ExitCode < 0 {
		return fmt.Sprintf("command %q failed: %v", cmd, e.Err)
	}
	return fmt.Sprintf("command %q exited with code %d", cmd, e.ExitCode)
}

func (e *Error) Unwrap() error { return e.Err }
