// Package domain contains the core types shared across shipyard components.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run Errors
// =============================================================================

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrUnknownCommand = errors.New("unknown operation")
)

// =============================================================================
// Run Status
// =============================================================================

// RunStatus represents the lifecycle state of a deployment run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// =============================================================================
// Run
// =============================================================================

// Run records one invocation of a top-level operation (deploy, build, ...).
// Runs and their step results are persisted so a partially failed deployment
// can be diagnosed and safely re-invoked.
type Run struct {
	ID         string     `json:"id" db:"id"`
	Operation  string     `json:"operation" db:"operation"`
	Status     RunStatus  `json:"status" db:"status"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// NewRun creates a Run in the running state.
func NewRun(operation string) *Run {
	return &Run{
		ID:        uuid.New().String(),
		Operation: operation,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Finish marks the run finished with the given status.
func (r *Run) Finish(status RunStatus) {
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
}

// =============================================================================
// Step Outcomes
// =============================================================================

// StepOutcome is the terminal state of a single pipeline step.
type StepOutcome string

const (
	StepSuccess StepOutcome = "success"
	StepSkipped StepOutcome = "skipped"
	StepFailed  StepOutcome = "failed"
)

// StepResult records the outcome of one pipeline step within a run.
type StepResult struct {
	RunID    string      `json:"run_id" db:"run_id"`
	Step     string      `json:"step" db:"step"`
	Outcome  StepOutcome `json:"outcome" db:"outcome"`
	Message  string      `json:"message,omitempty" db:"message"`
	LogPath  string      `json:"log_path,omitempty" db:"log_path"`
	Position int         `json:"position" db:"position"`
}
