// Package manifest defines the declarative deployment description: which
// repositories to synchronize, which projects to build in what order, how to
// migrate the datastore, what to health-check, and the firewall posture.
package manifest

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrNoRepos        = errors.New("manifest must declare at least one repository")
	ErrNoProjects     = errors.New("manifest must declare at least one project")
	ErrRepoNameEmpty  = errors.New("repository name is required")
	ErrRepoURLEmpty   = errors.New("repository url is required")
	ErrProjectNoBuild = errors.New("project must declare a build command")
	ErrCheckBadKind   = errors.New("health check kind must be tcp, http, postgres, or container")
	ErrRuleBadVerb    = errors.New("firewall rule verb must be allow or deny")
)

// =============================================================================
// Repositories
// =============================================================================

// Repository describes one source repository to keep synchronized.
// URL and Branch may contain ${VAR} placeholders resolved from the
// deployment environment at sync time.
type Repository struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
}

// =============================================================================
// Projects
// =============================================================================

// Project describes one buildable service. Projects are listed in dependency
// order; the pipeline executes them strictly in that order.
type Project struct {
	Name string `yaml:"name"`
	Dir  string `yaml:"dir"`

	// Build is the primary build command. BuildFallback, when set, is a
	// narrower command attempted only after Build fails.
	Build         []string `yaml:"build"`
	BuildFallback []string `yaml:"build_fallback"`

	// Publish, when set, runs after a successful build.
	Publish []string `yaml:"publish"`

	// ConfigOverride is an optional project-specific configuration fragment
	// appended after the common fragment when materializing the project's
	// config file.
	ConfigOverride string `yaml:"config_override"`
}

// =============================================================================
// Migration
// =============================================================================

// Migration describes the schema and per-tenant migration stage.
type Migration struct {
	Dir string `yaml:"dir"`

	// Schema is the schema migration command. It only runs once the
	// datastore answers a readiness probe.
	Schema []string `yaml:"schema"`

	// Tenant commands are templates; the literal "{tenant}" argument is
	// replaced per tenant. The fallback shape is attempted when the primary
	// fails; failure of both downgrades the step to skipped.
	TenantPrimary  []string `yaml:"tenant_primary"`
	TenantFallback []string `yaml:"tenant_fallback"`
	Tenants        []string `yaml:"tenants"`

	// Readiness budget for the datastore probe.
	WaitAttempts int `yaml:"wait_attempts"`
	WaitInterval int `yaml:"wait_interval_seconds"`
}

// =============================================================================
// Workloads
// =============================================================================

// Workloads describes the containerized services started after the build.
type Workloads struct {
	ComposeFile string   `yaml:"compose_file"`
	Dir         string   `yaml:"dir"`
	Up          []string `yaml:"up"`
}

// =============================================================================
// Config Templates
// =============================================================================

// ConfigTemplates describes per-project configuration materialization and
// template rendering.
type ConfigTemplates struct {
	// Common is the configuration fragment shared by every project.
	Common string `yaml:"common"`
	// OutputDir receives materialized per-project config files.
	OutputDir string `yaml:"output_dir"`
	// TemplateDir and RenderDir drive the render-configs operation: every
	// file under TemplateDir is copied to RenderDir with ${VAR}
	// placeholders substituted.
	TemplateDir string `yaml:"template_dir"`
	RenderDir   string `yaml:"render_dir"`
	// Tracked lists env-specific files that push-configs commits upstream
	// when locally modified.
	Tracked []string `yaml:"tracked"`
}

// =============================================================================
// Health
// =============================================================================

// CheckKind identifies how a health check probes its target.
type CheckKind string

const (
	CheckTCP       CheckKind = "tcp"
	CheckHTTP      CheckKind = "http"
	CheckPostgres  CheckKind = "postgres"
	CheckContainer CheckKind = "container"
)

// Check is one independent health check. Target may contain ${VAR}
// placeholders resolved from the deployment environment.
type Check struct {
	Name    string    `yaml:"name"`
	Kind    CheckKind `yaml:"kind"`
	Target  string    `yaml:"target"`
	Timeout int       `yaml:"timeout_seconds"`
}

// HealthLayer groups checks for reporting. Layers are evaluated in declared
// order purely for display; check failures never stop later checks.
// FromCompose adds a container check per service in the workload compose
// file, on top of any declared checks.
type HealthLayer struct {
	Name        string  `yaml:"name"`
	FromCompose bool    `yaml:"from_compose"`
	Checks      []Check `yaml:"checks"`
}

// =============================================================================
// Firewall
// =============================================================================

// RuleVerb is the effect of a firewall rule.
type RuleVerb string

const (
	RuleAllow RuleVerb = "allow"
	RuleDeny  RuleVerb = "deny"
)

// Rule is one firewall entry: a port (with optional protocol) or a CIDR
// source. RateLimit applies connection rate limiting instead of a plain
// allow.
type Rule struct {
	Verb      RuleVerb `yaml:"verb"`
	Port      string   `yaml:"port"`
	From      string   `yaml:"from"`
	Comment   string   `yaml:"comment"`
	RateLimit bool     `yaml:"rate_limit"`
}

// FirewallSpec is the declarative firewall posture: default-deny inbound,
// explicit allows, explicit denies, container network allowances.
type FirewallSpec struct {
	// ControlPort is the SSH control channel. Its allow rule is mandatory
	// and always applied before activation.
	ControlPort string `yaml:"control_port"`
	Rules       []Rule `yaml:"rules"`
	// ContainerNetworks are bridge/overlay CIDRs allowed so internal
	// service traffic is not caught by the internal-port denies.
	ContainerNetworks []string `yaml:"container_networks"`
	Logging           bool     `yaml:"logging"`
}

// =============================================================================
// Setup
// =============================================================================

// SetupAction is one opaque infrastructure installation command.
type SetupAction struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir"`
}

// =============================================================================
// Manifest
// =============================================================================

// Manifest is the full deployment description.
type Manifest struct {
	Setup     []SetupAction   `yaml:"setup"`
	Repos     []Repository    `yaml:"repos"`
	Projects  []Project       `yaml:"projects"`
	Frontend  *Project        `yaml:"frontend"`
	Migration Migration       `yaml:"migration"`
	Workloads Workloads       `yaml:"workloads"`
	Config    ConfigTemplates `yaml:"config"`
	Health    []HealthLayer   `yaml:"health"`
	Firewall  FirewallSpec    `yaml:"firewall"`
}

// Load reads and validates a manifest file, applying defaults.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse parses, defaults, and validates manifest YAML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m.applyDefaults()
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Migration.WaitAttempts == 0 {
		m.Migration.WaitAttempts = 30
	}
	if m.Migration.WaitInterval == 0 {
		m.Migration.WaitInterval = 2
	}
	if len(m.Workloads.Up) == 0 {
		m.Workloads.Up = []string{"docker", "compose", "up", "-d"}
	}
	if m.Workloads.ComposeFile == "" {
		m.Workloads.ComposeFile = "docker-compose.yml"
	}
	if m.Firewall.ControlPort == "" {
		m.Firewall.ControlPort = "${SSH_PORT}"
	}
	for i := range m.Health {
		for j := range m.Health[i].Checks {
			if m.Health[i].Checks[j].Timeout == 0 {
				m.Health[i].Checks[j].Timeout = 5
			}
		}
	}
}

func (m *Manifest) validate() error {
	if len(m.Repos) == 0 {
		return ErrNoRepos
	}
	if len(m.Projects) == 0 {
		return ErrNoProjects
	}
	for _, r := range m.Repos {
		if r.Name == "" {
			return ErrRepoNameEmpty
		}
		if r.URL == "" {
			return fmt.Errorf("repo %s: %w", r.Name, ErrRepoURLEmpty)
		}
	}
	for _, p := range m.Projects {
		if len(p.Build) == 0 {
			return fmt.Errorf("project %s: %w", p.Name, ErrProjectNoBuild)
		}
	}
	for _, layer := range m.Health {
		for _, c := range layer.Checks {
			switch c.Kind {
			case CheckTCP, CheckHTTP, CheckPostgres, CheckContainer:
			default:
				return fmt.Errorf("check %s: %w", c.Name, ErrCheckBadKind)
			}
		}
	}
	for _, rule := range m.Firewall.Rules {
		if rule.Verb != RuleAllow && rule.Verb != RuleDeny {
			return fmt.Errorf("rule %s: %w", rule.Port, ErrRuleBadVerb)
		}
	}
	return nil
}
