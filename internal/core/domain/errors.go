package domain

import (
	"fmt"
	"strings"
)

// =============================================================================
// Action Failure
// =============================================================================

// ActionFailedError reports an external action that exited non-zero.
// It carries the log artifact location and the captured tail so the operator
// can diagnose the failure without hunting for the log file.
type ActionFailedError struct {
	Action   string
	ExitCode int
	LogPath  string
	Tail     []string
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("action %s failed with exit code %d (log: %s)", e.Action, e.ExitCode, e.LogPath)
}

// =============================================================================
// Dependency Unreachable
// =============================================================================

// DependencyUnreachableError reports a readiness probe that exhausted its
// attempt budget. It is distinct from ActionFailedError: the step's own
// action never ran because its dependency never came up.
type DependencyUnreachableError struct {
	Dependency string
	Attempts   int
}

func (e *DependencyUnreachableError) Error() string {
	return fmt.Sprintf("dependency %s unreachable after %d attempts", e.Dependency, e.Attempts)
}

// =============================================================================
// Pipeline Abort
// =============================================================================

// PipelineAbortedError reports the fatal step that halted a pipeline.
type PipelineAbortedError struct {
	Step string
	Err  error
}

func (e *PipelineAbortedError) Error() string {
	return fmt.Sprintf("pipeline aborted at step %s: %v", e.Step, e.Err)
}

func (e *PipelineAbortedError) Unwrap() error { return e.Err }

// =============================================================================
// Firewall Validation
// =============================================================================

// FirewallValidationError reports a rule set that failed pre-apply validation.
// The most important case is a rule set that would lock the operator out of
// the control channel.
type FirewallValidationError struct {
	Problems []string
}

func (e *FirewallValidationError) Error() string {
	return fmt.Sprintf("firewall rule set rejected: %s", strings.Join(e.Problems, "; "))
}
