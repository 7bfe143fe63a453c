// Package isolation owns the per-commit build directories: where a commit's
// sources are checked out, where it is installed, and where its virtual
// environment lives.
package isolation

import (
	"context"
	"fmt"
	"sync"

	"memtracker/internal/gitrepo"
)

// State is the lifecycle state of an Isolation.
type State int

const (
	StateCreated State = iota
	StateInUse
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInUse:
		return "IN_USE"
	case StateTornDown:
		return "TORN_DOWN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Provider creates and tears down isolations.
//
// Release must be idempotent and must not fail: teardown problems are logged
// so they cannot replace the error that ended the commit.
type Provider interface {
	Acquire(ctx context.Context, commit gitrepo.Commit) (*Isolation, error)
	Release(ctx context.Context, iso *Isolation)
	// Close releases provider-wide resources once the run is over.
	Close(ctx context.Context) error
}

// Isolation is the set of directories exclusively owned by one in-flight commit.
type Isolation struct {
	Commit     gitrepo.Commit
	Root       string
	SourceDir  string
	InstallDir string
	VenvDir    string
	// Configured means the source tree already ran ./configure with the
	// run's flags and the CONFIGURE stage may be skipped.
	Configured bool
	// Incremental means the tree keeps objects from a previous build and
	// the CLEAN stage is skipped.
	Incremental bool

	mu           sync.Mutex
	state        State
	onConfigured func()
}

// State returns the current lifecycle state.
func (i *Isolation) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Begin moves a freshly created isolation to IN_USE.
func (i *Isolation) Begin() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateCreated {
		return &Error{Op: "begin", Path: i.Root, Err: fmt.Errorf("isolation is %s", i.state)}
	}
	i.state = StateInUse
	return nil
}

// MarkConfigured records a successful configure step.
func (i *Isolation) MarkConfigured() {
	i.mu.Lock()
	hook := i.onConfigured
	i.Configured = true
	i.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// tearDown flips the state and reports whether the caller won the transition.
func (i *Isolation) tearDown() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateTornDown {
		return false
	}
	i.state = StateTornDown
	return true
}

// Error reports a failure to create or remove isolation directories.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("isolation %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
