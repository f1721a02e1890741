// Package health runs the layered health check battery. Every check always
// executes - full visibility over fail-fast - and results reduce to a single
// issue count suitable for an exit code.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/shipyard/internal/core/envfile"
	"github.com/artpar/shipyard/internal/core/manifest"
	"github.com/artpar/shipyard/internal/shell/probe"
)

// =============================================================================
// Report
// =============================================================================

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Layer  string `json:"layer"`
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// LayerSummary counts issues within one layer.
type LayerSummary struct {
	Layer  string `json:"layer"`
	Checks int    `json:"checks"`
	Issues int    `json:"issues"`
}

// Report aggregates a full health run. Issues is the sum across layers;
// zero means fully healthy.
type Report struct {
	Results []CheckResult  `json:"results"`
	Layers  []LayerSummary `json:"layers"`
	Issues  int            `json:"issues"`
}

// =============================================================================
// Aggregator
// =============================================================================

// Aggregator evaluates health layers in their declared display order.
type Aggregator struct {
	prober *probe.Prober
	env    *envfile.Env
	logger *slog.Logger
}

// New creates an Aggregator. Check targets may reference ${VAR} placeholders
// resolved from env.
func New(prober *probe.Prober, env *envfile.Env, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		prober: prober,
		env:    env,
		logger: logger.With("component", "health"),
	}
}

// RunAll executes every check in every layer. A failing check increments its
// layer's issue count but never stops other checks from running.
func (a *Aggregator) RunAll(ctx context.Context, layers []manifest.HealthLayer) Report {
	report := Report{}

	for _, layer := range layers {
		summary := LayerSummary{Layer: layer.Name}
		for _, check := range layer.Checks {
			passed := a.prober.Check(ctx, a.target(check))
			report.Results = append(report.Results, CheckResult{
				Layer:  layer.Name,
				Name:   check.Name,
				Passed: passed,
			})
			summary.Checks++
			if !passed {
				summary.Issues++
				a.logger.Warn("health check failed", "layer", layer.Name, "check", check.Name)
			} else {
				a.logger.Debug("health check passed", "layer", layer.Name, "check", check.Name)
			}
		}
		report.Layers = append(report.Layers, summary)
		report.Issues += summary.Issues
	}

	a.logger.Info("health run finished",
		"checks", len(report.Results),
		"issues", report.Issues,
	)
	return report
}

func (a *Aggregator) target(check manifest.Check) probe.Target {
	return probe.Target{
		Name:    check.Name,
		Kind:    probe.Kind(check.Kind),
		Address: a.env.Expand(check.Target),
		Timeout: time.Duration(check.Timeout) * time.Second,
	}
}
