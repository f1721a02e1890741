// Package e2e provides end-to-end testing utilities for shipyard.
package e2e

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// Git Fixtures
// =============================================================================

// RequireGit skips the test when no git binary is on PATH.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// Git runs a git command in dir and fails the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=e2e",
		"GIT_AUTHOR_EMAIL=e2e@localhost",
		"GIT_COMMITTER_NAME=e2e",
		"GIT_COMMITTER_EMAIL=e2e@localhost",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// NewBareRemote creates a bare repository seeded with one commit on main and
// returns its file:// URL.
func NewBareRemote(t *testing.T, root, name string) string {
	t.Helper()

	bare := filepath.Join(root, name+".git")
	Git(t, root, "init", "--bare", "--initial-branch=main", bare)

	seed := filepath.Join(root, name+"-seed")
	Git(t, root, "clone", bare, seed)
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte(name+"\n"), 0o644))
	Git(t, seed, "checkout", "-b", "main")
	Git(t, seed, "add", ".")
	Git(t, seed, "commit", "-m", "seed")
	Git(t, seed, "push", "origin", "main")

	return "file://" + bare
}
