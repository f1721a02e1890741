package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/shipyard/internal/core/envfile"
	"github.com/artpar/shipyard/internal/core/manifest"
	"github.com/artpar/shipyard/internal/shell/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv(t *testing.T) *envfile.Env {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.env")
	require.NoError(t, os.WriteFile(path, []byte("SERVER_IP=10.0.0.5\nNGINX_API_PORT=8080\n"), 0o644))
	env, err := envfile.Resolve([]string{path})
	require.NoError(t, err)
	return env
}

// scriptedProber passes or fails by check name and records probe order.
func scriptedProber(passing map[string]bool, probed *[]string) *probe.Prober {
	return probe.NewWithCheck(func(_ context.Context, target probe.Target) bool {
		*probed = append(*probed, target.Name)
		return passing[target.Name]
	}, func(time.Duration) {}, nil)
}

func layers() []manifest.HealthLayer {
	return []manifest.HealthLayer{
		{Name: "infrastructure", Checks: []manifest.Check{
			{Name: "postgres", Kind: manifest.CheckTCP, Target: "localhost:5435"},
			{Name: "redis", Kind: manifest.CheckTCP, Target: "localhost:6389"},
		}},
		{Name: "containers", Checks: []manifest.Check{
			{Name: "api-container", Kind: manifest.CheckContainer, Target: "api"},
		}},
		{Name: "public", Checks: []manifest.Check{
			{Name: "api-route", Kind: manifest.CheckHTTP, Target: "http://${SERVER_IP}:${NGINX_API_PORT}/health"},
			{Name: "frontend-route", Kind: manifest.CheckHTTP, Target: "http://${SERVER_IP}:8084/"},
		}},
	}
}

// =============================================================================
// Aggregation
// =============================================================================

func TestRunAll_CountsIssuesAcrossLayers(t *testing.T) {
	var probed []string
	// pass, fail, pass, fail, fail
	a := New(scriptedProber(map[string]bool{
		"postgres":      true,
		"redis":         false,
		"api-container": true,
	}, &probed), testEnv(t), nil)

	report := a.RunAll(context.Background(), layers())

	assert.Equal(t, 3, report.Issues)
	assert.Len(t, report.Results, 5, "every check executes regardless of earlier failures")
}

func TestRunAll_AllHealthy(t *testing.T) {
	var probed []string
	a := New(scriptedProber(map[string]bool{
		"postgres": true, "redis": true, "api-container": true,
		"api-route": true, "frontend-route": true,
	}, &probed), testEnv(t), nil)

	report := a.RunAll(context.Background(), layers())

	assert.Zero(t, report.Issues)
}

func TestRunAll_LayersEvaluatedInDeclaredOrder(t *testing.T) {
	var probed []string
	a := New(scriptedProber(nil, &probed), testEnv(t), nil)

	report := a.RunAll(context.Background(), layers())

	assert.Equal(t, []string{"postgres", "redis", "api-container", "api-route", "frontend-route"}, probed)
	require.Len(t, report.Layers, 3)
	assert.Equal(t, "infrastructure", report.Layers[0].Layer)
	assert.Equal(t, 2, report.Layers[0].Issues)
	assert.Equal(t, "containers", report.Layers[1].Layer)
	assert.Equal(t, "public", report.Layers[2].Layer)
}

func TestRunAll_TargetsExpandedFromEnv(t *testing.T) {
	var address string
	prober := probe.NewWithCheck(func(_ context.Context, target probe.Target) bool {
		if target.Name == "api-route" {
			address = target.Address
		}
		return true
	}, func(time.Duration) {}, nil)

	a := New(prober, testEnv(t), nil)
	a.RunAll(context.Background(), layers())

	assert.Equal(t, "http://10.0.0.5:8080/health", address)
}

func TestRunAll_NoLayers(t *testing.T) {
	var probed []string
	a := New(scriptedProber(nil, &probed), testEnv(t), nil)

	report := a.RunAll(context.Background(), nil)

	assert.Zero(t, report.Issues)
	assert.Empty(t, report.Results)
}
