// shipyard drives a single-host deployment: it resolves the environment,
// synchronizes repositories, runs the build-and-migration pipeline, starts
// workloads, locks down the firewall, and verifies health. Every subcommand
// is safe to re-run; a failed deployment is resumed by running deploy again.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes identify the failing stage to wrapping automation.
const (
	ExitSuccess       = 0
	ExitConfigError   = 1
	ExitStoreError    = 2
	ExitPipelineError = 3
	ExitSyncError     = 4
	ExitFirewallError = 5
)

// exitError carries a stage-specific exit code out of a cobra RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, err error) error {
	return &exitError{code: code, err: err}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		// Every fatal error prints its causing context (paths searched,
		// missing keys, failing step) so the operator can diagnose and
		// re-run. The command layer suppresses cobra's own printing.
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		// Flag parsing and unknown subcommands.
		return ExitConfigError
	}
	return ExitSuccess
}
