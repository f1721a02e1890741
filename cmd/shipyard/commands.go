package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/envfile"
	"github.com/artpar/shipyard/internal/core/manifest"
	"github.com/artpar/shipyard/internal/shell/deploy"
	"github.com/artpar/shipyard/internal/shell/dockerc"
	"github.com/artpar/shipyard/internal/shell/health"
	"github.com/artpar/shipyard/internal/shell/probe"
	"github.com/artpar/shipyard/internal/shell/statusapi"
	"github.com/artpar/shipyard/internal/shell/store"
)

// app carries loaded configuration across subcommands.
type app struct {
	configPath   string
	manifestPath string
	logLevel     string

	cfg    *Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "shipyard",
		Short: "Single-host deployment orchestrator",
		Long: `shipyard deploys a multi-repository application onto one host:
it syncs sources, builds projects, migrates the datastore, starts the
container workloads, reconciles the firewall, and verifies health.

Every subcommand is idempotent; re-run deploy after a failure to resume.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := LoadConfig(a.configPath)
			if err != nil {
				return exitf(ExitConfigError, err)
			}
			if a.manifestPath != "" {
				cfg.Manifest.Path = a.manifestPath
			}
			if a.logLevel != "" {
				cfg.Log.Level = a.logLevel
			}
			a.cfg = cfg
			a.logger = SetupLogger(cfg)
			return nil
		},
	}
	root.Version = Version

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "path to config file")
	pf.StringVar(&a.manifestPath, "manifest", "", "deployment manifest (overrides config)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		a.newStageCmd("setup", "Install host infrastructure packages", ExitPipelineError,
			func(ctx context.Context, d *deploy.Deployer) error { return d.Setup(ctx) }),
		a.newSyncReposCmd(),
		a.newPushConfigsCmd(),
		a.newStageCmd("build", "Build projects, run migrations, start workloads", ExitPipelineError,
			func(ctx context.Context, d *deploy.Deployer) error { return d.Build(ctx) }),
		a.newStageCmd("build-frontend", "Build only the frontend project", ExitPipelineError,
			func(ctx context.Context, d *deploy.Deployer) error { return d.BuildFrontend(ctx) }),
		a.newDeployCmd(),
		a.newHealthCmd(),
		a.newStageCmd("firewall", "Reconcile host firewall rules", ExitFirewallError,
			func(ctx context.Context, d *deploy.Deployer) error { return d.Firewall(ctx) }),
		a.newStageCmd("render-configs", "Render configuration templates", ExitPipelineError,
			func(ctx context.Context, d *deploy.Deployer) error { return d.RenderConfigs(ctx) }),
		a.newStatusCmd(),
		newVersionCmd(),
	)
	return root
}

// =============================================================================
// Deployer Assembly
// =============================================================================

// buildDeployer loads the manifest, resolves the environment, and opens the
// run-history store. The returned cleanup closes the store.
func (a *app) buildDeployer() (*deploy.Deployer, func(), error) {
	m, err := manifest.Load(a.cfg.Manifest.Path)
	if err != nil {
		return nil, nil, exitf(ExitConfigError, err)
	}

	env, err := envfile.Resolve(a.cfg.Env.Files)
	if err != nil {
		return nil, nil, exitf(ExitConfigError, err)
	}
	env.ApplyDefaults(a.cfg.Env.Defaults)
	if err := env.Validate(a.cfg.Env.Required...); err != nil {
		return nil, nil, exitf(ExitConfigError, err)
	}
	a.logger.Info("environment resolved", "source", env.Source(), "keys", len(env.Keys()))

	st, err := store.NewSQLiteStore(a.cfg.Store.DSN)
	if err != nil {
		return nil, nil, exitf(ExitStoreError, fmt.Errorf("open run store: %w", err))
	}

	var containers probe.ContainerInspector
	if hasContainerChecks(m) {
		dc, err := dockerc.NewClient(a.cfg.Docker.Host)
		if err != nil {
			st.Close()
			return nil, nil, exitf(ExitConfigError, fmt.Errorf("docker client: %w", err))
		}
		containers = dc
	}

	d := deploy.New(m, env, st, containers, deploy.Config{
		WorkDir: a.cfg.Paths.WorkDir,
		LogDir:  a.cfg.Paths.LogDir,
	}, a.logger)
	return d, func() { st.Close() }, nil
}

func hasContainerChecks(m *manifest.Manifest) bool {
	for _, layer := range m.Health {
		// from_compose layers expand to container checks at health time.
		if layer.FromCompose {
			return true
		}
		for _, c := range layer.Checks {
			if c.Kind == manifest.CheckContainer {
				return true
			}
		}
	}
	return false
}

// =============================================================================
// Subcommands
// =============================================================================

// newStageCmd builds a subcommand that runs one deployer stage and maps its
// failure to the stage's exit code.
func (a *app) newStageCmd(use, short string, failCode int, stage func(context.Context, *deploy.Deployer) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, cleanup, err := a.buildDeployer()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := stage(cmd.Context(), d); err != nil {
				a.logger.Error(use+" failed", "error", err)
				return exitf(classify(err, failCode), err)
			}
			return nil
		},
	}
}

func (a *app) newSyncReposCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-repos",
		Short: "Clone or update all declared repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, cleanup, err := a.buildDeployer()
			if err != nil {
				return err
			}
			defer cleanup()

			summary, err := d.SyncRepos(cmd.Context())
			printSyncSummary(cmd, summary.Succeeded, summary.Failed)
			if err != nil {
				return exitf(ExitSyncError, err)
			}
			return nil
		},
	}
}

func (a *app) newPushConfigsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push-configs",
		Short: "Commit and push locally modified environment files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, cleanup, err := a.buildDeployer()
			if err != nil {
				return err
			}
			defer cleanup()

			summary, err := d.PushConfigs(cmd.Context())
			printSyncSummary(cmd, summary.Succeeded, summary.Failed)
			if err != nil {
				return exitf(ExitSyncError, err)
			}
			return nil
		},
	}
}

func (a *app) newDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Run the full deployment: sync, build, firewall, health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, cleanup, err := a.buildDeployer()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := d.Deploy(cmd.Context()); err != nil {
				a.logger.Error("deploy failed", "error", err)
				return exitf(classify(err, ExitPipelineError), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deployment succeeded")
			return nil
		},
	}
}

func (a *app) newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the health check battery",
		Long: `Runs every declared health check and prints one line per check.
The exit code is the number of failing checks, so automation can
distinguish "degraded" from "down" by magnitude.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, cleanup, err := a.buildDeployer()
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := d.Health(cmd.Context())
			out := cmd.OutOrStdout()
			for _, res := range report.Results {
				mark := "ok"
				if !res.Passed {
					mark = "FAIL"
				}
				fmt.Fprintf(out, "%-4s %s/%s\n", mark, res.Layer, res.Name)
			}
			fmt.Fprintf(out, "%d checks, %d issues\n", len(report.Results), report.Issues)
			return healthExitError(report, err)
		},
	}
}

func (a *app) newStatusCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest run, or serve run history over HTTP",
		Long: `Without --listen, prints the most recent run and its step results.
With --listen, serves the run-history API (GET /api/runs,
GET /api/runs/{id}) until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.NewSQLiteStore(a.cfg.Store.DSN)
			if err != nil {
				return exitf(ExitStoreError, fmt.Errorf("open run store: %w", err))
			}
			defer st.Close()

			if !cmd.Flags().Changed("listen") {
				return printLatestRun(cmd, st)
			}
			if listen == "" {
				listen = a.cfg.Status.Listen
			}
			h := statusapi.New(st, a.logger)
			srv := &http.Server{
				Addr:         listen,
				Handler:      h.Routes(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}

			go func() {
				<-cmd.Context().Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			a.logger.Info("status API listening", "addr", listen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return exitf(ExitStoreError, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shipyard %s (built %s)\n", Version, BuildTime)
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

// classify maps well-known failure types to their stage exit codes; anything
// unrecognized keeps the command's own code.
func classify(err error, fallback int) int {
	var stage *deploy.StageError
	if errors.As(err, &stage) {
		switch stage.Stage {
		case deploy.StageSync:
			return ExitSyncError
		case deploy.StageFirewall:
			return ExitFirewallError
		case deploy.StagePipeline, deploy.StageHealth:
			return ExitPipelineError
		}
	}
	var aborted *domain.PipelineAbortedError
	if errors.As(err, &aborted) {
		return ExitPipelineError
	}
	var fwv *domain.FirewallValidationError
	if errors.As(err, &fwv) {
		return ExitFirewallError
	}
	return fallback
}

// healthExitError maps a health run to the command's exit: the issue count
// when checks failed, a store error when the run never happened (a failed
// run record must not report the system healthy), success otherwise.
func healthExitError(report health.Report, err error) error {
	if report.Issues > 0 {
		return exitf(report.Issues, fmt.Errorf("%d health issues", report.Issues))
	}
	if err != nil {
		return exitf(ExitStoreError, err)
	}
	return nil
}

func printLatestRun(cmd *cobra.Command, st store.Store) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	run, err := st.LatestRun(ctx)
	if errors.Is(err, domain.ErrRunNotFound) {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}
	if err != nil {
		return exitf(ExitStoreError, err)
	}

	fmt.Fprintf(out, "%s  %s  started %s\n", run.Operation, run.Status,
		run.StartedAt.Format("2006-01-02 15:04:05"))
	steps, err := st.ListStepResults(ctx, run.ID)
	if err != nil {
		return exitf(ExitStoreError, err)
	}
	for _, s := range steps {
		line := fmt.Sprintf("  %-8s %s", s.Outcome, s.Step)
		if s.Message != "" {
			line += "  (" + s.Message + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func printSyncSummary(cmd *cobra.Command, succeeded, failed int) {
	fmt.Fprintf(cmd.OutOrStdout(), "%d repositories ok, %d failed\n", succeeded, failed)
}
