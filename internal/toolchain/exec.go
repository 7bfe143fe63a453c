package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// ExecRunner implements Runner using raw OS processes.
type ExecRunner struct {
	// Stream mirrors subprocess output to StreamOut while it runs.
	// Output is captured either way so failures can be reported.
	Stream    bool
	StreamOut io.Writer

	logger *slog.Logger
}

// NewExecRunner creates a new process-based runner.
func NewExecRunner(stream bool, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		Stream:    stream,
		StreamOut: os.Stdout,
		logger:    logger,
	}
}

// Run implements Runner.Run using os/exec.
func (e *ExecRunner) Run(ctx context.Context, c Command) (Output, error) {
	if len(c.Args) == 0 {
		return Output{}, fmt.Errorf("command is required")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	// Compilers fork; a timeout has to take the whole process group down.
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	if e.Stream && e.StreamOut != nil {
		cmd.Stdout = io.MultiWriter(&stdout, e.StreamOut)
		cmd.Stderr = io.MultiWriter(&stderr, e.StreamOut)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	e.logger.Debug("running command", "cmd", c.String(), "dir", c.Dir)

	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if err == nil {
		return out, nil
	}

	cerr := &Error{
		Args:     c.Args,
		Dir:      c.Dir,
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Err:      err,
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		cerr.ExitCode = exitErr.ExitCode()
	} else if ctx.Err() != nil {
		cerr.Err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	out.ExitCode = cerr.ExitCode

	return out, cerr
}
