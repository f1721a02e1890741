// Package firewall reconciles host ingress rules to a declarative
// default-deny model. Apply is idempotent: it always resets to a blank rule
// set before re-applying, so the effective policy is a pure function of the
// declared spec.
package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/artpar/shipyard/internal/core/domain"
	"github.com/artpar/shipyard/internal/core/envfile"
	"github.com/artpar/shipyard/internal/core/manifest"
)

// commandFunc executes one firewall tool invocation. Injectable so the
// applied sequence is testable without touching the host.
type commandFunc func(ctx context.Context, argv ...string) error

// =============================================================================
// Reconciler
// =============================================================================

// Reconciler applies the manifest's firewall posture through ufw.
type Reconciler struct {
	spec   manifest.FirewallSpec
	env    *envfile.Env
	run    commandFunc
	logger *slog.Logger
}

// New creates a Reconciler for the given posture.
func New(spec manifest.FirewallSpec, env *envfile.Env, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		spec:   spec,
		env:    env,
		run:    execUFW,
		logger: logger.With("component", "firewall"),
	}
}

func execUFW(ctx context.Context, argv ...string) error {
	cmd := exec.CommandContext(ctx, "ufw", argv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ufw %s: %s: %w", strings.Join(argv, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

// =============================================================================
// Validation
// =============================================================================

// Validate rejects a rule set that would remove remote administrative
// access. Activating such a set is the component's primary hazard; it must
// never be silently possible.
func (r *Reconciler) Validate() error {
	var problems []string

	control := r.env.Expand(r.spec.ControlPort)
	if control == "" {
		problems = append(problems, "control channel port is empty, activation would cut off remote access")
	}
	for _, rule := range r.spec.Rules {
		if rule.Verb == manifest.RuleDeny && r.env.Expand(rule.Port) == control && control != "" {
			problems = append(problems, fmt.Sprintf("deny rule on control channel port %s", control))
		}
	}

	if len(problems) > 0 {
		return &domain.FirewallValidationError{Problems: problems}
	}
	return nil
}

// =============================================================================
// Apply
// =============================================================================

// Apply reconciles the host to the declared posture: reset, default deny
// inbound / allow outbound, control channel and public allows, internal
// denies, container network allowances, control channel rate limiting,
// logging, activation. Safe to re-run.
func (r *Reconciler) Apply(ctx context.Context) error {
	if err := r.Validate(); err != nil {
		return err
	}

	control := r.env.Expand(r.spec.ControlPort)

	seq := [][]string{
		{"--force", "reset"},
		{"default", "deny", "incoming"},
		{"default", "allow", "outgoing"},
	}

	// The control-channel allow is applied before anything else so no later
	// mistake can exist without remote access already being permitted.
	seq = append(seq, []string{"allow", control + "/tcp", "comment", "ssh control channel"})

	for _, rule := range r.spec.Rules {
		if rule.Verb != manifest.RuleAllow {
			continue
		}
		seq = append(seq, r.ruleArgs(rule))
	}
	for _, rule := range r.spec.Rules {
		if rule.Verb != manifest.RuleDeny {
			continue
		}
		seq = append(seq, r.ruleArgs(rule))
	}

	// Container bridge/overlay ranges are allowed so internal service-to-
	// service traffic is not caught by the internal-port denies.
	for _, cidr := range r.spec.ContainerNetworks {
		seq = append(seq, []string{"allow", "from", cidr, "comment", "container network"})
	}

	seq = append(seq, []string{"limit", control + "/tcp"})
	if r.spec.Logging {
		seq = append(seq, []string{"logging", "on"})
	}
	seq = append(seq, []string{"--force", "enable"})

	for _, argv := range seq {
		if err := r.run(ctx, argv...); err != nil {
			return fmt.Errorf("apply firewall: %w", err)
		}
	}

	r.logger.Warn("firewall activated, verify remote access on the control channel now",
		"control_port", control,
	)
	return nil
}

func (r *Reconciler) ruleArgs(rule manifest.Rule) []string {
	verb := string(rule.Verb)
	// Rate-limited allows use ufw's connection throttling instead of an
	// unconditional accept.
	if rule.Verb == manifest.RuleAllow && rule.RateLimit {
		verb = "limit"
	}
	argv := []string{verb}
	if rule.From != "" {
		argv = append(argv, "from", rule.From)
		if rule.Port != "" {
			argv = append(argv, "to", "any", "port", r.env.Expand(rule.Port))
		}
	} else {
		argv = append(argv, r.env.Expand(rule.Port))
	}
	if rule.Comment != "" {
		argv = append(argv, "comment", rule.Comment)
	}
	return argv
}
