// Package pipeline models the deployment pipeline as data: ordered steps
// with explicit failure policies, executed strictly sequentially. Steps carry
// ordered alternative commands tried until one succeeds, optional readiness
// gates, and optional preparation hooks. The package performs no I/O itself;
// execution is delegated to an injected Executor.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Step Model
// =============================================================================

// FailurePolicy decides what a step failure does to the pipeline.
type FailurePolicy string

const (
	// Fatal aborts the pipeline immediately.
	Fatal FailurePolicy = "fatal"
	// Skip records the step as skipped with a warning and continues.
	Skip FailurePolicy = "skip"
)

// Command is one executable alternative of a step.
type Command struct {
	Name string
	Argv []string
	Dir  string
	Env  []string
}

// Executor runs a command. A nil error means success; a failed external
// action surfaces as *domain.ActionFailedError.
type Executor interface {
	Run(ctx context.Context, cmd Command) error
}

// Gate blocks until a step's dependency is ready. It returns
// *domain.DependencyUnreachableError when the readiness budget is exhausted.
// Gate failures are always fatal: the step's own commands never ran, so the
// step's failure policy does not apply.
type Gate func(ctx context.Context) error

// Step is one ordered unit of the pipeline.
type Step struct {
	Name string

	// Commands are ordered alternatives: each is tried in turn until one
	// succeeds or the list is exhausted.
	Commands []Command

	OnFailure FailurePolicy

	// Gate, when set, runs before the commands.
	Gate Gate

	// Prepare, when set, materializes files the commands need (per-project
	// config fragments). A prepare failure is handled per OnFailure.
	Prepare func() error
}

// =============================================================================
// Result
// =============================================================================

// Result maps each executed step to its outcome. Steps after a fatal failure
// never start and have no outcome.
type Result struct {
	Order    []string
	Outcomes map[string]domain.StepOutcome
	Err      error
}

// Failed reports whether a fatal step failed.
func (r Result) Failed() bool { return r.Err != nil }

// Outcome returns the recorded outcome for a step name.
func (r Result) Outcome(step string) (domain.StepOutcome, bool) {
	o, ok := r.Outcomes[step]
	return o, ok
}

// StepEvent notifies an observer that a step finished. Position is the
// step's ordering index.
type StepEvent struct {
	Step     string
	Position int
	Outcome  domain.StepOutcome
	Message  string
}

// =============================================================================
// Runner
// =============================================================================

// Runner executes pipelines sequentially.
type Runner struct {
	exec    Executor
	observe func(StepEvent)
	logger  *slog.Logger
}

// New creates a pipeline runner. observe may be nil; when set it is called
// once per finished step, in order, for progress recording.
func New(exec Executor, observe func(StepEvent), logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		exec:    exec,
		observe: observe,
		logger:  logger.With("component", "pipeline"),
	}
}

// Run executes steps strictly in declared order. A step never starts before
// its predecessor finishes; the first fatal failure aborts the pipeline.
func (r *Runner) Run(ctx context.Context, steps []Step) Result {
	result := Result{Outcomes: make(map[string]domain.StepOutcome)}

	for i, step := range steps {
		outcome, err := r.runStep(ctx, step)
		result.Order = append(result.Order, step.Name)
		result.Outcomes[step.Name] = outcome
		r.notify(StepEvent{Step: step.Name, Position: i, Outcome: outcome, Message: message(err)})

		if outcome == domain.StepFailed {
			result.Err = &domain.PipelineAbortedError{Step: step.Name, Err: err}
			r.logger.Error("pipeline aborted", "step", step.Name, "error", err)
			return result
		}
	}
	return result
}

func (r *Runner) runStep(ctx context.Context, step Step) (domain.StepOutcome, error) {
	r.logger.Info("running step", "step", step.Name, "alternatives", len(step.Commands))

	if step.Prepare != nil {
		if err := step.Prepare(); err != nil {
			return r.failed(step, fmt.Errorf("prepare: %w", err))
		}
	}

	if step.Gate != nil {
		if err := step.Gate(ctx); err != nil {
			// An unreachable dependency is fatal for the steps that declared
			// the gate, regardless of their own failure policy.
			r.logger.Error("dependency gate failed", "step", step.Name, "error", err)
			return domain.StepFailed, err
		}
	}

	var lastErr error
	for _, cmd := range step.Commands {
		if err := r.exec.Run(ctx, cmd); err != nil {
			lastErr = err
			r.logger.Warn("command failed",
				"step", step.Name,
				"command", cmd.Name,
				"error", err,
			)
			continue
		}
		r.logger.Info("step succeeded", "step", step.Name, "command", cmd.Name)
		return domain.StepSuccess, nil
	}

	if lastErr == nil {
		// A step with no commands is a declaration error, not a warning case.
		return domain.StepFailed, fmt.Errorf("step %s has no commands", step.Name)
	}
	return r.failed(step, lastErr)
}

func (r *Runner) failed(step Step, err error) (domain.StepOutcome, error) {
	if step.OnFailure == Skip {
		r.logger.Warn("step skipped after failure", "step", step.Name, "error", err)
		return domain.StepSkipped, err
	}
	return domain.StepFailed, err
}

func (r *Runner) notify(ev StepEvent) {
	if r.observe != nil {
		r.observe(ev)
	}
}

func message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
