// Package gitsync brings declared source repositories to their target branch
// idempotently: clone when absent, fetch and fast-forward when present. One
// repository's failure never blocks the rest (bulkhead).
package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/artpar/shipyard/internal/core/envfile"
	"github.com/artpar/shipyard/internal/core/manifest"
)

// =============================================================================
// Outcomes
// =============================================================================

// Outcome is the terminal state of one repository for a sync run.
type Outcome string

const (
	OutcomeCloned  Outcome = "cloned"
	OutcomeUpdated Outcome = "updated"
	OutcomeFailed  Outcome = "failed"
)

// RepoResult is the per-repository sync outcome. BranchFallback marks a
// repository left on its default branch because the target branch does not
// exist on the remote.
type RepoResult struct {
	Repo           string
	Outcome        Outcome
	Branch         string
	BranchFallback bool
	Err            error
}

// Summary aggregates a sync run. The caller decides whether failures are
// tolerable.
type Summary struct {
	Succeeded int
	Failed    int
	Results   []RepoResult
}

// =============================================================================
// Syncer
// =============================================================================

// gitFunc executes a git invocation in dir and returns combined output.
// Injectable so the state machine is testable without a git binary.
type gitFunc func(ctx context.Context, dir string, args ...string) (string, error)

// Syncer synchronizes repositories under a common working directory.
type Syncer struct {
	workDir string
	git     gitFunc
	logger  *slog.Logger
}

// New creates a Syncer cloning into workDir.
func New(workDir string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		workDir: workDir,
		git:     execGit,
		logger:  logger.With("component", "gitsync"),
	}
}

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// =============================================================================
// Sync
// =============================================================================

// SyncAll synchronizes every repository, counting outcomes. Repository URLs
// and branches may reference ${VAR} placeholders resolved from env; a
// repository without an explicit branch targets env's GITHUB_BRANCH.
func (s *Syncer) SyncAll(ctx context.Context, repos []manifest.Repository, env *envfile.Env) Summary {
	var summary Summary
	for _, repo := range repos {
		branch := repo.Branch
		if branch == "" {
			branch = "${GITHUB_BRANCH}"
		}
		result := s.SyncOne(ctx, repo.Name, env.Expand(repo.URL), env.Expand(branch))
		summary.Results = append(summary.Results, result)
		if result.Outcome == OutcomeFailed {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	s.logger.Info("repository sync finished",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
	)
	return summary
}

// SyncOne brings a single repository to the target branch. Absent working
// copies are cloned; present ones are fetched and fast-forwarded. When the
// target branch does not exist remotely the repository stays on its default
// branch and the result carries BranchFallback.
func (s *Syncer) SyncOne(ctx context.Context, name, url, branch string) RepoResult {
	path := filepath.Join(s.workDir, name)
	logger := s.logger.With("repo", name, "branch", branch)

	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return s.cloneFresh(ctx, logger, name, url, branch, path)
	}
	return s.updateExisting(ctx, logger, name, branch, path)
}

func (s *Syncer) cloneFresh(ctx context.Context, logger *slog.Logger, name, url, branch, path string) RepoResult {
	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: err}
	}

	_, err := s.git(ctx, s.workDir, "clone", "--branch", branch, url, path)
	if err == nil {
		logger.Info("cloned repository")
		return RepoResult{Repo: name, Outcome: OutcomeCloned, Branch: branch}
	}
	if !branchMissing(err) {
		logger.Error("clone failed", "error", err)
		return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: err}
	}

	// Target branch absent on the remote: clone the default branch, fetch,
	// and try the target again in case it appeared.
	if _, err := s.git(ctx, s.workDir, "clone", url, path); err != nil {
		logger.Error("clone failed", "error", err)
		return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: err}
	}
	if _, err := s.git(ctx, path, "fetch", "--all", "--prune"); err != nil {
		logger.Warn("fetch after clone failed", "error", err)
	}
	if _, err := s.git(ctx, path, "checkout", branch); err == nil {
		logger.Info("cloned repository", "via", "default branch")
		return RepoResult{Repo: name, Outcome: OutcomeCloned, Branch: branch}
	}

	logger.Warn("target branch not on remote, staying on default branch")
	return RepoResult{Repo: name, Outcome: OutcomeCloned, BranchFallback: true}
}

func (s *Syncer) updateExisting(ctx context.Context, logger *slog.Logger, name, branch, path string) RepoResult {
	if _, err := s.git(ctx, path, "fetch", "--all", "--prune"); err != nil {
		logger.Error("fetch failed", "error", err)
		return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: err}
	}

	if _, err := s.git(ctx, path, "rev-parse", "--verify", "origin/"+branch); err != nil {
		// Target branch not on the remote: fall back to the default branch.
		def, derr := s.defaultBranch(ctx, path)
		if derr != nil {
			logger.Error("cannot determine default branch", "error", derr)
			return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: derr}
		}
		if _, cerr := s.git(ctx, path, "checkout", def); cerr != nil {
			logger.Error("checkout of default branch failed", "error", cerr)
			return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: cerr}
		}
		logger.Warn("target branch not on remote, staying on default branch", "default", def)
		return RepoResult{Repo: name, Outcome: OutcomeUpdated, Branch: def, BranchFallback: true}
	}

	// Checkout-or-create the local branch, then fast-forward from remote.
	if _, err := s.git(ctx, path, "rev-parse", "--verify", "refs/heads/"+branch); err != nil {
		if _, cerr := s.git(ctx, path, "checkout", "-b", branch, "origin/"+branch); cerr != nil {
			logger.Error("branch creation failed", "error", cerr)
			return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: cerr}
		}
	} else {
		if _, cerr := s.git(ctx, path, "checkout", branch); cerr != nil {
			logger.Error("checkout failed", "error", cerr)
			return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: cerr}
		}
		if _, merr := s.git(ctx, path, "merge", "--ff-only", "origin/"+branch); merr != nil {
			logger.Error("fast-forward failed", "error", merr)
			return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: merr}
		}
	}

	logger.Info("updated repository")
	return RepoResult{Repo: name, Outcome: OutcomeUpdated, Branch: branch}
}

// defaultBranch resolves the remote's default branch (origin/HEAD).
func (s *Syncer) defaultBranch(ctx context.Context, path string) (string, error) {
	out, err := s.git(ctx, path, "rev-parse", "--abbrev-ref", "origin/HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(strings.TrimSpace(out), "origin/"), nil
}

// branchMissing classifies a clone/fetch failure as "remote branch does not
// exist". Git's wording varies across versions.
func branchMissing(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "remote branch") && strings.Contains(msg, "not found") ||
		strings.Contains(msg, "couldn't find remote ref")
}

// =============================================================================
// Push Local Changes
// =============================================================================

// PushLocal detects locally modified environment-specific files in each
// repository and commits+pushes them upstream, skipping repositories with
// nothing to commit.
func (s *Syncer) PushLocal(ctx context.Context, repos []manifest.Repository, tracked []string, message string) Summary {
	var summary Summary
	for _, repo := range repos {
		result := s.pushOne(ctx, repo.Name, tracked, message)
		summary.Results = append(summary.Results, result)
		if result.Outcome == OutcomeFailed {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	return summary
}

func (s *Syncer) pushOne(ctx context.Context, name string, tracked []string, message string) RepoResult {
	path := filepath.Join(s.workDir, name)
	logger := s.logger.With("repo", name)

	statusArgs := []string{"status", "--porcelain"}
	if len(tracked) > 0 {
		statusArgs = append(statusArgs, "--")
		statusArgs = append(statusArgs, tracked...)
	}
	out, err := s.git(ctx, path, statusArgs...)
	if err != nil {
		return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: err}
	}
	if strings.TrimSpace(out) == "" {
		logger.Debug("nothing to commit")
		return RepoResult{Repo: name, Outcome: OutcomeUpdated}
	}

	addArgs := []string{"add", "--"}
	if len(tracked) > 0 {
		addArgs = append(addArgs, tracked...)
	} else {
		addArgs = append(addArgs, ".")
	}
	if _, err := s.git(ctx, path, addArgs...); err != nil {
		return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: err}
	}
	if _, err := s.git(ctx, path, "commit", "-m", message); err != nil {
		return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: err}
	}
	if _, err := s.git(ctx, path, "push"); err != nil {
		return RepoResult{Repo: name, Outcome: OutcomeFailed, Err: err}
	}

	logger.Info("pushed local configuration changes")
	return RepoResult{Repo: name, Outcome: OutcomeUpdated}
}
