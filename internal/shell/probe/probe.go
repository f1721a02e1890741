// Package probe implements bounded-retry readiness probing against TCP
// ports, HTTP endpoints, Postgres datastores, and container state.
package probe

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
)

// Default retry budget: 30 attempts, 2 seconds apart.
const (
	DefaultAttempts = 30
	DefaultInterval = 2 * time.Second
)

// =============================================================================
// Targets
// =============================================================================

// Kind identifies how a target is probed.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindHTTP      Kind = "http"
	KindPostgres  Kind = "postgres"
	KindContainer Kind = "container"
)

// Target is one probe-able dependency. Address is a host:port for tcp, a URL
// for http, a connection string for postgres, and a container name for
// container.
type Target struct {
	Name    string
	Kind    Kind
	Address string
	Timeout time.Duration
}

func (t Target) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return 5 * time.Second
}

// =============================================================================
// Prober
// =============================================================================

// ContainerInspector reports whether a named container is running.
// Implemented by the Docker client wrapper.
type ContainerInspector interface {
	ContainerRunning(ctx context.Context, name string) (bool, error)
}

// CheckFunc is a single boolean reachability test. A probe failure counts as
// not-ready, never as an error.
type CheckFunc func(ctx context.Context, target Target) bool

// Prober polls targets until ready or the attempt budget is exhausted.
type Prober struct {
	check      CheckFunc
	sleep      func(time.Duration)
	containers ContainerInspector
	logger     *slog.Logger
}

// New creates a Prober using real network and container checks.
// containers may be nil when no container targets will be probed.
func New(containers ContainerInspector, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		containers: containers,
		sleep:      time.Sleep,
		logger:     logger.With("component", "probe"),
	}
	p.check = p.checkOnce
	return p
}

// NewWithCheck creates a Prober with an injected check and sleep, enabling
// deterministic tests with fake clocks and scripted probe results.
func NewWithCheck(check CheckFunc, sleep func(time.Duration), logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Prober{
		check:  check,
		sleep:  sleep,
		logger: logger.With("component", "probe"),
	}
}

// Check runs a single reachability attempt against the target.
func (p *Prober) Check(ctx context.Context, target Target) bool {
	return p.check(ctx, target)
}

// WaitUntilReady polls the target with a fixed sleep between attempts.
// It returns true on the first successful attempt and false once the budget
// is exhausted - callers decide whether exhaustion is fatal.
func (p *Prober) WaitUntilReady(ctx context.Context, target Target, attempts int, interval time.Duration) bool {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if p.check(ctx, target) {
			p.logger.Debug("target ready",
				"target", target.Name,
				"attempt", attempt,
			)
			return true
		}
		if attempt < attempts {
			p.sleep(interval)
		}
	}

	p.logger.Warn("target not ready after budget",
		"target", target.Name,
		"attempts", attempts,
	)
	return false
}

// =============================================================================
// Checks
// =============================================================================

func (p *Prober) checkOnce(ctx context.Context, target Target) bool {
	switch target.Kind {
	case KindTCP:
		return checkTCP(target)
	case KindHTTP:
		return checkHTTP(ctx, target)
	case KindPostgres:
		return checkPostgres(ctx, target)
	case KindContainer:
		return p.checkContainer(ctx, target)
	default:
		return false
	}
}

func checkTCP(target Target) bool {
	conn, err := net.DialTimeout("tcp", target.Address, target.timeout())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// checkHTTP treats any success-class (2xx) response as ready.
func checkHTTP(ctx context.Context, target Target) bool {
	reqCtx, cancel := context.WithTimeout(ctx, target.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target.Address, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func checkPostgres(ctx context.Context, target Target) bool {
	connCtx, cancel := context.WithTimeout(ctx, target.timeout())
	defer cancel()

	conn, err := pgx.Connect(connCtx, target.Address)
	if err != nil {
		return false
	}
	defer conn.Close(ctx)
	return conn.Ping(connCtx) == nil
}

func (p *Prober) checkContainer(ctx context.Context, target Target) bool {
	if p.containers == nil {
		return false
	}
	inspectCtx, cancel := context.WithTimeout(ctx, target.timeout())
	defer cancel()

	running, err := p.containers.ContainerRunning(inspectCtx, target.Address)
	return err == nil && running
}
