// Package dockerc wraps the Docker API client for the container-status
// checks and enumerates workload services from the compose file.
package dockerc

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Client
// =============================================================================

// Client is the thin Docker wrapper used by readiness probes and health
// checks.
type Client struct {
	cli *client.Client
}

// NewClient creates a Docker client. An empty host uses the environment's
// default daemon socket.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// ContainerRunning reports whether a container whose name contains name is
// in the running state. Compose-managed containers carry generated names
// (<project>-<service>-<n>), so matching is by substring.
func (c *Client) ContainerRunning(ctx context.Context, name string) (bool, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return false, fmt.Errorf("list containers: %w", err)
	}
	for _, ctr := range containers {
		if ctr.State == container.StateRunning {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// Compose Service Enumeration
// =============================================================================

// ComposeServices parses the workload compose file and returns its service
// names in sorted order. The health layer derives one container check per
// service from this list.
func ComposeServices(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}

	var dict map[string]interface{}
	if err := yaml.Unmarshal(content, &dict); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}

	project, err := loader.LoadWithContext(context.Background(), composetypes.ConfigDetails{
		ConfigFiles: []composetypes.ConfigFile{{Content: content, Config: dict}},
	}, func(opts *loader.Options) {
		opts.SetProjectName(projectName(path), false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
		// The compose file may reference deploy-time variables; enumeration
		// only needs service names.
		opts.SkipInterpolation = true
		opts.SkipValidation = true
	})
	if err != nil {
		return nil, fmt.Errorf("load compose project: %w", err)
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func projectName(path string) string {
	name := strings.TrimSuffix(strings.TrimSuffix(path, ".yml"), ".yaml")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, name)
	if name == "" {
		name = "shipyard"
	}
	return name
}
