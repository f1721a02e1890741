// Package runner executes external actions with per-action log artifacts.
// It captures combined output, surfaces the log tail on failure, and never
// interprets the meaning of the output - only the exit code.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/artpar/shipyard/internal/core/domain"
)

// TailLines is how many trailing log lines are surfaced when an action fails.
const TailLines = 40

// =============================================================================
// Action and Result
// =============================================================================

// Action is one external operation to execute.
type Action struct {
	// Name identifies the action and names its log artifact
	// (<logdir>/<name>.log).
	Name string

	// Command is the argv to execute. Command[0] is the binary.
	Command []string

	// Dir is the working directory; empty means the current directory.
	Dir string

	// Env is appended to the inherited process environment.
	Env []string
}

// Result reports what happened to an action.
type Result struct {
	Action   string
	ExitCode int
	LogPath  string
	Tail     []string
}

// =============================================================================
// Runner
// =============================================================================

// Runner executes actions and writes their log artifacts.
type Runner struct {
	logDir string
	logger *slog.Logger
}

// New creates a Runner writing log artifacts under logDir.
func New(logDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logDir: logDir,
		logger: logger.With("component", "runner"),
	}
}

// Run executes the action, streaming combined stdout+stderr to the action's
// log artifact. A non-zero exit returns *domain.ActionFailedError carrying
// the last TailLines lines; the full artifact stays on disk.
func (r *Runner) Run(ctx context.Context, action Action) (Result, error) {
	if len(action.Command) == 0 {
		return Result{Action: action.Name}, fmt.Errorf("action %s: empty command", action.Name)
	}

	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return Result{Action: action.Name}, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(r.logDir, action.Name+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return Result{Action: action.Name}, fmt.Errorf("create log artifact: %w", err)
	}
	defer logFile.Close()

	r.logger.Info("running action",
		"action", action.Name,
		"command", strings.Join(action.Command, " "),
		"log", logPath,
	)

	cmd := exec.CommandContext(ctx, action.Command[0], action.Command[1:]...)
	cmd.Dir = action.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if len(action.Env) > 0 {
		cmd.Env = append(os.Environ(), action.Env...)
	}

	runErr := cmd.Run()

	result := Result{
		Action:  action.Name,
		LogPath: logPath,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		// The process never started (binary missing, context canceled
		// before exec). There is no exit code to report.
		result.ExitCode = -1
	}

	if runErr != nil {
		result.Tail = tail(logPath, TailLines)
		r.logger.Error("action failed",
			"action", action.Name,
			"exit_code", result.ExitCode,
			"log", logPath,
		)
		return result, &domain.ActionFailedError{
			Action:   action.Name,
			ExitCode: result.ExitCode,
			LogPath:  logPath,
			Tail:     result.Tail,
		}
	}

	r.logger.Info("action succeeded", "action", action.Name)
	return result, nil
}

// tail returns up to n trailing lines of the file at path.
func tail(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
