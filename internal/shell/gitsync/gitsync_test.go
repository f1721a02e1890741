package gitsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/artpar/shipyard/internal/core/envfile"
	"github.com/artpar/shipyard/internal/core/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGit scripts git responses by command prefix and records every call.
type fakeGit struct {
	calls     []string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	out string
	err error
}

func (f *fakeGit) run(_ context.Context, _ string, args ...string) (string, error) {
	call := strings.Join(args, " ")
	f.calls = append(f.calls, call)
	for prefix, resp := range f.responses {
		if strings.HasPrefix(call, prefix) {
			return resp.out, resp.err
		}
	}
	return "", nil
}

func (f *fakeGit) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func newSyncer(t *testing.T, git *fakeGit) *Syncer {
	t.Helper()
	s := New(t.TempDir(), nil)
	s.git = git.run
	return s
}

func markPresent(t *testing.T, s *Syncer, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(s.workDir, name, ".git"), 0o755))
}

// =============================================================================
// Clone (absent working copy)
// =============================================================================

func TestSyncOne_Absent_ClonesAtBranch(t *testing.T) {
	git := &fakeGit{}
	s := newSyncer(t, git)

	result := s.SyncOne(context.Background(), "api", "https://example.com/api.git", "main")

	assert.Equal(t, OutcomeCloned, result.Outcome)
	assert.Equal(t, "main", result.Branch)
	assert.False(t, result.BranchFallback)
	assert.True(t, git.called("clone --branch main"))
}

func TestSyncOne_Absent_BranchMissing_FallsBackToDefault(t *testing.T) {
	git := &fakeGit{responses: map[string]fakeResponse{
		"clone --branch":     {err: errors.New("git clone: Remote branch feature-x not found in upstream origin: exit status 128")},
		"checkout feature-x": {err: errors.New("git checkout: pathspec 'feature-x' did not match")},
	}}
	s := newSyncer(t, git)

	result := s.SyncOne(context.Background(), "api", "https://example.com/api.git", "feature-x")

	assert.Equal(t, OutcomeCloned, result.Outcome)
	assert.True(t, result.BranchFallback)
	assert.True(t, git.called("clone https://example.com/api.git"), "falls back to plain clone")
	assert.True(t, git.called("fetch --all"))
}

func TestSyncOne_Absent_BranchAppearsAfterFetch(t *testing.T) {
	git := &fakeGit{responses: map[string]fakeResponse{
		"clone --branch": {err: errors.New("couldn't find remote ref feature-x")},
	}}
	s := newSyncer(t, git)

	result := s.SyncOne(context.Background(), "api", "https://example.com/api.git", "feature-x")

	assert.Equal(t, OutcomeCloned, result.Outcome)
	assert.Equal(t, "feature-x", result.Branch)
	assert.False(t, result.BranchFallback)
}

func TestSyncOne_Absent_HardCloneFailure(t *testing.T) {
	git := &fakeGit{responses: map[string]fakeResponse{
		"clone": {err: errors.New("git clone: fatal: Authentication failed")},
	}}
	s := newSyncer(t, git)

	result := s.SyncOne(context.Background(), "api", "https://example.com/api.git", "main")

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Error(t, result.Err)
}

// =============================================================================
// Update (present working copy)
// =============================================================================

func TestSyncOne_Present_FastForwardsExistingBranch(t *testing.T) {
	git := &fakeGit{}
	s := newSyncer(t, git)
	markPresent(t, s, "api")

	result := s.SyncOne(context.Background(), "api", "https://example.com/api.git", "main")

	assert.Equal(t, OutcomeUpdated, result.Outcome)
	assert.Equal(t, "main", result.Branch)
	assert.True(t, git.called("fetch --all"))
	assert.True(t, git.called("checkout main"))
	assert.True(t, git.called("merge --ff-only origin/main"))
}

func TestSyncOne_Present_CreatesLocalBranchFromRemote(t *testing.T) {
	git := &fakeGit{responses: map[string]fakeResponse{
		"rev-parse --verify refs/heads/main": {err: errors.New("fatal: bad revision")},
	}}
	s := newSyncer(t, git)
	markPresent(t, s, "api")

	result := s.SyncOne(context.Background(), "api", "https://example.com/api.git", "main")

	assert.Equal(t, OutcomeUpdated, result.Outcome)
	assert.True(t, git.called("checkout -b main origin/main"))
}

func TestSyncOne_Present_RemoteBranchMissing_FallsBack(t *testing.T) {
	git := &fakeGit{responses: map[string]fakeResponse{
		"rev-parse --verify origin/feature-x": {err: errors.New("fatal: bad revision")},
		"rev-parse --abbrev-ref origin/HEAD":  {out: "origin/main\n"},
	}}
	s := newSyncer(t, git)
	markPresent(t, s, "api")

	result := s.SyncOne(context.Background(), "api", "https://example.com/api.git", "feature-x")

	assert.Equal(t, OutcomeUpdated, result.Outcome)
	assert.True(t, result.BranchFallback)
	assert.Equal(t, "main", result.Branch)
	assert.True(t, git.called("checkout main"))
}

// Idempotence: running twice on an already-synced repository yields updated
// both times.
func TestSyncOne_Idempotent(t *testing.T) {
	git := &fakeGit{}
	s := newSyncer(t, git)
	markPresent(t, s, "api")

	first := s.SyncOne(context.Background(), "api", "https://example.com/api.git", "main")
	second := s.SyncOne(context.Background(), "api", "https://example.com/api.git", "main")

	assert.Equal(t, OutcomeUpdated, first.Outcome)
	assert.Equal(t, OutcomeUpdated, second.Outcome)
	assert.NoError(t, first.Err)
	assert.NoError(t, second.Err)
}

// =============================================================================
// SyncAll (bulkhead)
// =============================================================================

func syncEnv(t *testing.T) *envfile.Env {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.env")
	require.NoError(t, os.WriteFile(path, []byte("GITHUB_ORG=acme\nGITHUB_BRANCH=main\n"), 0o644))
	env, err := envfile.Resolve([]string{path})
	require.NoError(t, err)
	return env
}

func TestSyncAll_OneFailureDoesNotBlockRest(t *testing.T) {
	git := &fakeGit{responses: map[string]fakeResponse{
		"clone --branch main https://github.com/acme/broken.git": {err: errors.New("fatal: repository not found")},
	}}
	s := newSyncer(t, git)

	repos := []manifest.Repository{
		{Name: "broken", URL: "https://github.com/${GITHUB_ORG}/broken.git"},
		{Name: "api", URL: "https://github.com/${GITHUB_ORG}/api.git"},
		{Name: "web", URL: "https://github.com/${GITHUB_ORG}/web.git"},
	}

	summary := s.SyncAll(context.Background(), repos, syncEnv(t))

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, OutcomeFailed, summary.Results[0].Outcome)
	assert.Equal(t, OutcomeCloned, summary.Results[1].Outcome)
	assert.Equal(t, OutcomeCloned, summary.Results[2].Outcome)
}

func TestSyncAll_BranchFromEnvWhenUndeclared(t *testing.T) {
	git := &fakeGit{}
	s := newSyncer(t, git)

	s.SyncAll(context.Background(), []manifest.Repository{
		{Name: "api", URL: "https://github.com/${GITHUB_ORG}/api.git"},
	}, syncEnv(t))

	assert.True(t, git.called("clone --branch main"))
}

// =============================================================================
// PushLocal
// =============================================================================

func TestPushLocal_SkipsCleanRepos(t *testing.T) {
	git := &fakeGit{responses: map[string]fakeResponse{
		"status --porcelain": {out: "\n"},
	}}
	s := newSyncer(t, git)
	markPresent(t, s, "api")

	summary := s.PushLocal(context.Background(), []manifest.Repository{{Name: "api", URL: "u"}},
		[]string{"conf/app.env"}, "update environment configs")

	assert.Equal(t, 1, summary.Succeeded)
	assert.False(t, git.called("commit"), "nothing to commit means no commit")
	assert.False(t, git.called("push"))
}

func TestPushLocal_CommitsAndPushesModifiedFiles(t *testing.T) {
	git := &fakeGit{responses: map[string]fakeResponse{
		"status --porcelain": {out: " M conf/app.env\n"},
	}}
	s := newSyncer(t, git)
	markPresent(t, s, "api")

	summary := s.PushLocal(context.Background(), []manifest.Repository{{Name: "api", URL: "u"}},
		[]string{"conf/app.env"}, "update environment configs")

	assert.Equal(t, 1, summary.Succeeded)
	assert.True(t, git.called("add -- conf/app.env"))
	assert.True(t, git.called("commit -m update environment configs"))
	assert.True(t, git.called("push"))
}
