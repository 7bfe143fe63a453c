package worker

import (
	"fmt"
	"time"

	"memtracker/internal/gitrepo"
)

// Stage is a step of the per-commit state machine.
type Stage string

const (
	StageValidateEnv     Stage = "VALIDATE_ENV"
	StageCheckout        Stage = "CHECKOUT"
	StageConfigure       Stage = "CONFIGURE"
	StageClean           Stage = "CLEAN"
	StageBuild           Stage = "BUILD"
	StageInstall         Stage = "INSTALL"
	StageCreateVenv      Stage = "CREATE_VENV"
	StageInstallProfiler Stage = "INSTALL_PROFILER"
	StageRunBenchmarks   Stage = "RUN_BENCHMARKS"
	StageUpload          Stage = "UPLOAD"
	StageDone            Stage = "DONE"
)

// Stages lists the non-terminal stages in execution order.
var Stages = []Stage{
	StageValidateEnv,
	StageCheckout,
	StageConfigure,
	StageClean,
	StageBuild,
	StageInstall,
	StageCreateVenv,
	StageInstallProfiler,
	StageRunBenchmarks,
	StageUpload,
}

// StageError binds a failure to the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result is the outcome of processing one commit. A nil Err means the
// commit reached DONE; otherwise Stage is where it failed.
type Result struct {
	Commit    gitrepo.Commit
	Stage     Stage
	Err       error
	OutputDir string
	// RunID is the tracking service's run identifier after a successful upload.
	RunID    string
	Duration time.Duration
}

// Failed reports whether the commit ended in FAILED.
func (r Result) Failed() bool {
	return r.Err != nil
}
