// Package builder translates the deployment manifest into pipeline steps:
// dependency-ordered builds, the migration stage gated on datastore
// readiness, per-tenant migrations with fallback shapes, and workload
// startup.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/envfile"
	"github.com/artpar/shipyard/internal/core/manifest"
	"github.com/artpar/shipyard/internal/core/pipeline"
	"github.com/artpar/shipyard/internal/shell/dockerc"
	"github.com/artpar/shipyard/internal/shell/probe"
	"github.com/artpar/shipyard/internal/shell/runner"
)

// overrideSeparator divides the common configuration fragment from the
// project-specific override fragment in materialized config files. Later
// keys do not override earlier keys at the file level; the consuming service
// defines its own precedence.
const overrideSeparator = "# ---- project overrides ----"

// =============================================================================
// Executor Adapter
// =============================================================================

// ExecAdapter adapts the Action Runner to the pipeline's Executor interface.
type ExecAdapter struct {
	runner *runner.Runner
}

// NewExecAdapter wraps an Action Runner for pipeline use.
func NewExecAdapter(r *runner.Runner) *ExecAdapter {
	return &ExecAdapter{runner: r}
}

func (a *ExecAdapter) Run(ctx context.Context, cmd pipeline.Command) error {
	_, err := a.runner.Run(ctx, runner.Action{
		Name:    cmd.Name,
		Command: cmd.Argv,
		Dir:     cmd.Dir,
		Env:     cmd.Env,
	})
	return err
}

// =============================================================================
// Builder
// =============================================================================

// Builder assembles pipeline steps from the manifest and the resolved
// deployment environment.
type Builder struct {
	m      *manifest.Manifest
	env    *envfile.Env
	prober *probe.Prober
	logger *slog.Logger
}

// New creates a Builder. prober gates the migration stage on datastore
// readiness.
func New(m *manifest.Manifest, env *envfile.Env, prober *probe.Prober, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		m:      m,
		env:    env,
		prober: prober,
		logger: logger.With("component", "builder"),
	}
}

// SetupSteps returns the opaque infrastructure installation actions.
func (b *Builder) SetupSteps() []pipeline.Step {
	var steps []pipeline.Step
	for _, action := range b.m.Setup {
		steps = append(steps, pipeline.Step{
			Name:      action.Name,
			OnFailure: pipeline.Fatal,
			Commands: []pipeline.Command{{
				Name: action.Name,
				Argv: action.Command,
				Dir:  action.Dir,
				Env:  b.env.Environ(),
			}},
		})
	}
	return steps
}

// PipelineSteps returns the full build-and-migration chain: project builds
// in declared dependency order, schema migration gated on the datastore,
// per-tenant migrations (skippable), and workload startup.
func (b *Builder) PipelineSteps() []pipeline.Step {
	var steps []pipeline.Step

	for _, p := range b.m.Projects {
		steps = append(steps, b.buildStep(p))
		if len(p.Publish) > 0 {
			steps = append(steps, pipeline.Step{
				Name:      p.Name + "-publish",
				OnFailure: pipeline.Fatal,
				Commands: []pipeline.Command{{
					Name: p.Name + "-publish",
					Argv: p.Publish,
					Dir:  p.Dir,
					Env:  b.env.Environ(),
				}},
			})
		}
	}

	steps = append(steps, b.migrationSteps()...)
	steps = append(steps, b.workloadStep())
	return steps
}

// FrontendSteps returns the frontend-only build subset.
func (b *Builder) FrontendSteps() []pipeline.Step {
	if b.m.Frontend == nil {
		return nil
	}
	return []pipeline.Step{b.buildStep(*b.m.Frontend)}
}

// =============================================================================
// Build Steps
// =============================================================================

func (b *Builder) buildStep(p manifest.Project) pipeline.Step {
	step := pipeline.Step{
		Name:      p.Name,
		OnFailure: pipeline.Fatal,
		Commands: []pipeline.Command{{
			Name: p.Name + "-build",
			Argv: p.Build,
			Dir:  p.Dir,
			Env:  b.env.Environ(),
		}},
	}
	if len(p.BuildFallback) > 0 {
		step.Commands = append(step.Commands, pipeline.Command{
			Name: p.Name + "-build-fallback",
			Argv: p.BuildFallback,
			Dir:  p.Dir,
			Env:  b.env.Environ(),
		})
	}
	if b.m.Config.Common != "" {
		project := p
		step.Prepare = func() error { return b.MaterializeConfig(project) }
	}
	return step
}

// MaterializeConfig writes the project's config file: the common fragment,
// then the project override fragment (when declared) after a separator
// comment.
func (b *Builder) MaterializeConfig(p manifest.Project) error {
	common, err := os.ReadFile(b.m.Config.Common)
	if err != nil {
		return fmt.Errorf("read common fragment: %w", err)
	}

	var out strings.Builder
	out.Write(common)
	if !strings.HasSuffix(out.String(), "\n") {
		out.WriteString("\n")
	}

	if p.ConfigOverride != "" {
		override, err := os.ReadFile(p.ConfigOverride)
		if err != nil {
			return fmt.Errorf("read override fragment: %w", err)
		}
		out.WriteString(overrideSeparator + "\n")
		out.Write(override)
	}

	if err := os.MkdirAll(b.m.Config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create config output dir: %w", err)
	}
	target := filepath.Join(b.m.Config.OutputDir, p.Name+".properties")
	if err := os.WriteFile(target, []byte(out.String()), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	b.logger.Debug("materialized project config", "project", p.Name, "path", target)
	return nil
}

// =============================================================================
// Migration Steps
// =============================================================================

func (b *Builder) migrationSteps() []pipeline.Step {
	mig := b.m.Migration
	if len(mig.Schema) == 0 {
		return nil
	}

	steps := []pipeline.Step{{
		Name:      "schema-migrate",
		OnFailure: pipeline.Fatal,
		Gate:      b.datastoreGate(),
		Commands: []pipeline.Command{{
			Name: "schema-migrate",
			Argv: mig.Schema,
			Dir:  mig.Dir,
			Env:  b.env.Environ(),
		}},
	}}

	// Per-tenant migrations tolerate partial failure: both invocation
	// shapes failing downgrades the step to skipped, later manual
	// remediation is expected.
	for _, tenant := range mig.Tenants {
		step := pipeline.Step{
			Name:      "migrate-tenant-" + tenant,
			OnFailure: pipeline.Skip,
			Commands: []pipeline.Command{{
				Name: "migrate-tenant-" + tenant,
				Argv: expandTenant(mig.TenantPrimary, tenant),
				Dir:  mig.Dir,
				Env:  b.env.Environ(),
			}},
		}
		if len(mig.TenantFallback) > 0 {
			step.Commands = append(step.Commands, pipeline.Command{
				Name: "migrate-tenant-" + tenant + "-fallback",
				Argv: expandTenant(mig.TenantFallback, tenant),
				Dir:  mig.Dir,
				Env:  b.env.Environ(),
			})
		}
		steps = append(steps, step)
	}
	return steps
}

// datastoreGate blocks schema migration until the datastore answers, within
// the manifest's readiness budget.
func (b *Builder) datastoreGate() pipeline.Gate {
	attempts := b.m.Migration.WaitAttempts
	interval := time.Duration(b.m.Migration.WaitInterval) * time.Second
	target := probe.Target{
		Name:    "postgres",
		Kind:    probe.KindPostgres,
		Address: b.DatastoreURL(),
	}
	return func(ctx context.Context) error {
		if !b.prober.WaitUntilReady(ctx, target, attempts, interval) {
			return &domain.DependencyUnreachableError{Dependency: target.Name, Attempts: attempts}
		}
		return nil
	}
}

// DatastoreURL builds the Postgres connection string from the resolved
// environment.
func (b *Builder) DatastoreURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/postgres",
		b.env.Get("DB_USER"), b.env.Get("DB_PASS"),
		b.env.Get("DB_HOST"), b.env.Get("DB_PORT"),
	)
}

func expandTenant(argv []string, tenant string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, "{tenant}", tenant)
	}
	return out
}

// =============================================================================
// Workloads
// =============================================================================

func (b *Builder) workloadStep() pipeline.Step {
	step := pipeline.Step{
		Name:      "workloads-up",
		OnFailure: pipeline.Fatal,
		Commands: []pipeline.Command{{
			Name: "workloads-up",
			Argv: b.m.Workloads.Up,
			Dir:  b.m.Workloads.Dir,
			Env:  b.env.Environ(),
		}},
	}
	if b.m.Workloads.ComposeFile != "" {
		path := filepath.Join(b.m.Workloads.Dir, b.m.Workloads.ComposeFile)
		// Parse before docker compose runs so a broken file fails with a
		// real error instead of compose's exit status.
		step.Prepare = func() error {
			services, err := dockerc.ComposeServices(path)
			if err != nil {
				return fmt.Errorf("workload compose file: %w", err)
			}
			b.logger.Info("starting workloads", "compose_file", path, "services", len(services))
			return nil
		}
	}
	return step
}
