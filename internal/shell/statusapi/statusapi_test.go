package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "shipyard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := httptest.NewServer(New(s, nil).Routes())
	t.Cleanup(srv.Close)
	return srv, s
}

func TestListRuns(t *testing.T) {
	srv, s := setup(t)
	ctx := context.Background()

	run := domain.NewRun("deploy")
	require.NoError(t, s.CreateRun(ctx, run))

	resp, err := http.Get(srv.URL + "/api/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []domain.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestGetRun_WithSteps(t *testing.T) {
	srv, s := setup(t)
	ctx := context.Background()

	run := domain.NewRun("build")
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.RecordStep(ctx, &domain.StepResult{
		RunID: run.ID, Step: "core-lib", Outcome: domain.StepSuccess, Position: 0,
	}))

	resp, err := http.Get(srv.URL + "/api/runs/" + run.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var detail struct {
		Run   domain.Run          `json:"run"`
		Steps []domain.StepResult `json:"steps"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	assert.Equal(t, run.ID, detail.Run.ID)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, "core-lib", detail.Steps[0].Step)
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _ := setup(t)

	resp, err := http.Get(srv.URL + "/api/runs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := setup(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
