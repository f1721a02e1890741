// Package deploy is the composition root: it sequences repository
// synchronization, the build-and-migration pipeline, workload startup,
// firewall reconciliation, and health verification into one restartable
// deployment, recording progress in the run-history store.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/envfile"
	"github.com/artpar/shipyard/internal/core/manifest"
	"github.com/artpar/shipyard/internal/core/pipeline"
	"github.com/artpar/shipyard/internal/shell/builder"
	"github.com/artpar/shipyard/internal/shell/configgen"
	"github.com/artpar/shipyard/internal/shell/dockerc"
	"github.com/artpar/shipyard/internal/shell/firewall"
	"github.com/artpar/shipyard/internal/shell/gitsync"
	"github.com/artpar/shipyard/internal/shell/health"
	"github.com/artpar/shipyard/internal/shell/probe"
	"github.com/artpar/shipyard/internal/shell/runner"
	"github.com/artpar/shipyard/internal/shell/store"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// repoSyncer is the repository synchronization surface the deployer needs.
type repoSyncer interface {
	SyncAll(ctx context.Context, repos []manifest.Repository, env *envfile.Env) gitsync.Summary
	PushLocal(ctx context.Context, repos []manifest.Repository, tracked []string, message string) gitsync.Summary
}

// healthRunner runs the layered check battery.
type healthRunner interface {
	RunAll(ctx context.Context, layers []manifest.HealthLayer) health.Report
}

// fwApplier reconciles the firewall posture.
type fwApplier interface {
	Apply(ctx context.Context) error
}

// =============================================================================
// Stage Errors
// =============================================================================

// Stage names for StageError.
const (
	StageSync     = "sync"
	StagePipeline = "pipeline"
	StageFirewall = "firewall"
	StageHealth   = "health"
)

// StageError identifies which deployment stage failed, so callers can map
// stages to distinct exit codes.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("deploy stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// =============================================================================
// Deployer
// =============================================================================

// Config holds the deployer's host-level paths.
type Config struct {
	// WorkDir is where repositories are cloned.
	WorkDir string
	// LogDir receives per-action log artifacts.
	LogDir string
}

// Deployer sequences the deployment stages.
type Deployer struct {
	m       *manifest.Manifest
	env     *envfile.Env
	store   store.Store
	exec    pipeline.Executor
	builder *builder.Builder
	sync    repoSyncer
	health  healthRunner
	fw      fwApplier
	render  *configgen.Renderer
	logger  *slog.Logger
}

// New wires the deployment stages together. containers may be nil when no
// container health checks are declared.
func New(m *manifest.Manifest, env *envfile.Env, st store.Store, containers probe.ContainerInspector, cfg Config, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}

	prober := probe.New(containers, logger)
	run := runner.New(cfg.LogDir, logger)

	return &Deployer{
		m:       m,
		env:     env,
		store:   st,
		exec:    builder.NewExecAdapter(run),
		builder: builder.New(m, env, prober, logger),
		sync:    gitsync.New(cfg.WorkDir, logger),
		health:  health.New(prober, env, logger),
		fw:      firewall.New(m.Firewall, env, logger),
		render:  configgen.New(env, logger),
		logger:  logger.With("component", "deploy"),
	}
}

// =============================================================================
// Stages
// =============================================================================

// Setup runs the opaque infrastructure installation actions.
func (d *Deployer) Setup(ctx context.Context) error {
	return d.runPipeline(ctx, "setup", d.builder.SetupSteps())
}

// SyncRepos brings every declared repository to its target branch.
// Individual repository failures are aggregated; any failure makes the
// operation itself fail after all repositories have been attempted.
func (d *Deployer) SyncRepos(ctx context.Context) (gitsync.Summary, error) {
	var summary gitsync.Summary
	err := d.recorded(ctx, "sync-repos", func(run *domain.Run) error {
		summary = d.sync.SyncAll(ctx, d.m.Repos, d.env)
		d.recordSyncResults(ctx, run, summary)
		if summary.Failed > 0 {
			return fmt.Errorf("%d of %d repositories failed to sync",
				summary.Failed, summary.Failed+summary.Succeeded)
		}
		return nil
	})
	return summary, err
}

// PushConfigs commits and pushes locally modified environment-specific
// files, skipping repositories with nothing to commit.
func (d *Deployer) PushConfigs(ctx context.Context) (gitsync.Summary, error) {
	var summary gitsync.Summary
	err := d.recorded(ctx, "push-configs", func(run *domain.Run) error {
		summary = d.sync.PushLocal(ctx, d.m.Repos, d.m.Config.Tracked, "update environment configuration")
		d.recordSyncResults(ctx, run, summary)
		if summary.Failed > 0 {
			return fmt.Errorf("%d repositories failed to push", summary.Failed)
		}
		return nil
	})
	return summary, err
}

// Build runs the full build-and-migration pipeline, including workload
// startup.
func (d *Deployer) Build(ctx context.Context) error {
	return d.runPipeline(ctx, "build", d.builder.PipelineSteps())
}

// BuildFrontend runs the frontend-only subset.
func (d *Deployer) BuildFrontend(ctx context.Context) error {
	return d.runPipeline(ctx, "build-frontend", d.builder.FrontendSteps())
}

// Firewall reconciles the host's ingress rules.
func (d *Deployer) Firewall(ctx context.Context) error {
	return d.recorded(ctx, "firewall", func(*domain.Run) error {
		return d.fw.Apply(ctx)
	})
}

// Health runs the full check battery. The report's issue count is the
// caller's exit signal; the operation itself only errors on store failures.
func (d *Deployer) Health(ctx context.Context) (health.Report, error) {
	var report health.Report
	err := d.recorded(ctx, "health", func(run *domain.Run) error {
		report = d.health.RunAll(ctx, d.healthLayers())
		for i, res := range report.Results {
			outcome := domain.StepSuccess
			if !res.Passed {
				outcome = domain.StepFailed
			}
			d.recordStep(ctx, &domain.StepResult{
				RunID:    run.ID,
				Step:     res.Layer + "/" + res.Name,
				Outcome:  outcome,
				Position: i,
			})
		}
		if report.Issues > 0 {
			return fmt.Errorf("%d health issues", report.Issues)
		}
		return nil
	})
	return report, err
}

// healthLayers expands from_compose layers with one container check per
// service in the workload compose file.
func (d *Deployer) healthLayers() []manifest.HealthLayer {
	layers := make([]manifest.HealthLayer, len(d.m.Health))
	copy(layers, d.m.Health)

	for i := range layers {
		if !layers[i].FromCompose {
			continue
		}
		path := filepath.Join(d.m.Workloads.Dir, d.m.Workloads.ComposeFile)
		services, err := dockerc.ComposeServices(path)
		if err != nil {
			d.logger.Warn("cannot expand container checks from compose file",
				"path", path, "error", err)
			continue
		}
		checks := append([]manifest.Check{}, layers[i].Checks...)
		for _, svc := range services {
			checks = append(checks, manifest.Check{
				Name:    svc,
				Kind:    manifest.CheckContainer,
				Target:  svc,
				Timeout: 5,
			})
		}
		layers[i].Checks = checks
	}
	return layers
}

// RenderConfigs renders the configuration template tree.
func (d *Deployer) RenderConfigs(ctx context.Context) error {
	return d.recorded(ctx, "render-configs", func(*domain.Run) error {
		if d.m.Config.TemplateDir == "" {
			return fmt.Errorf("manifest declares no config template_dir")
		}
		_, err := d.render.Render(d.m.Config.TemplateDir, d.m.Config.RenderDir)
		return err
	})
}

// Deploy composes the stages in fixed order: sync repositories, run the
// pipeline (builds, migrations, workloads), lock down the firewall, verify
// health. Each stage requires the previous one's side effects.
func (d *Deployer) Deploy(ctx context.Context) error {
	if _, err := d.SyncRepos(ctx); err != nil {
		return &StageError{Stage: StageSync, Err: err}
	}
	if err := d.Build(ctx); err != nil {
		return &StageError{Stage: StagePipeline, Err: err}
	}
	if err := d.Firewall(ctx); err != nil {
		return &StageError{Stage: StageFirewall, Err: err}
	}
	report, err := d.Health(ctx)
	if err != nil {
		return &StageError{Stage: StageHealth, Err: err}
	}
	d.logger.Info("deployment finished", "health_issues", report.Issues)
	return nil
}

// =============================================================================
// Run Recording
// =============================================================================

// recorded wraps an operation in a persisted run.
func (d *Deployer) recorded(ctx context.Context, op string, fn func(run *domain.Run) error) error {
	run := domain.NewRun(op)
	if err := d.store.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	opErr := fn(run)

	status := domain.RunStatusSucceeded
	if opErr != nil {
		status = domain.RunStatusFailed
	}
	run.Finish(status)
	if err := d.store.FinishRun(ctx, run); err != nil {
		d.logger.Error("failed to finish run record", "run_id", run.ID, "error", err)
	}
	return opErr
}

func (d *Deployer) runPipeline(ctx context.Context, op string, steps []pipeline.Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%s: no steps declared", op)
	}
	return d.recorded(ctx, op, func(run *domain.Run) error {
		p := pipeline.New(d.exec, func(ev pipeline.StepEvent) {
			d.recordStep(ctx, &domain.StepResult{
				RunID:    run.ID,
				Step:     ev.Step,
				Outcome:  ev.Outcome,
				Message:  ev.Message,
				Position: ev.Position,
			})
		}, d.logger)

		result := p.Run(ctx, steps)
		return result.Err
	})
}

func (d *Deployer) recordSyncResults(ctx context.Context, run *domain.Run, summary gitsync.Summary) {
	for i, res := range summary.Results {
		outcome := domain.StepSuccess
		message := string(res.Outcome)
		if res.Outcome == gitsync.OutcomeFailed {
			outcome = domain.StepFailed
			if res.Err != nil {
				message = res.Err.Error()
			}
		} else if res.BranchFallback {
			message = "BRANCH_FALLBACK: target branch not on remote"
		}
		d.recordStep(ctx, &domain.StepResult{
			RunID:    run.ID,
			Step:     res.Repo,
			Outcome:  outcome,
			Message:  message,
			Position: i,
		})
	}
}

func (d *Deployer) recordStep(ctx context.Context, result *domain.StepResult) {
	if err := d.store.RecordStep(ctx, result); err != nil {
		d.logger.Error("failed to record step result",
			"run_id", result.RunID,
			"step", result.Step,
			"error", err,
		)
	}
}
