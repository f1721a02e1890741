package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber counts attempts and becomes ready at a chosen attempt.
func fakeProber(readyAt int) (*Prober, *int) {
	attempts := 0
	p := New(nil, nil)
	p.sleep = func(time.Duration) {}
	p.check = func(context.Context, Target) bool {
		attempts++
		return readyAt > 0 && attempts >= readyAt
	}
	return p, &attempts
}

// =============================================================================
// Retry Budget
// =============================================================================

func TestWaitUntilReady_NeverReady_ExactAttemptCount(t *testing.T) {
	p, attempts := fakeProber(0)

	ok := p.WaitUntilReady(context.Background(), Target{Name: "db"}, 3, time.Millisecond)

	assert.False(t, ok)
	assert.Equal(t, 3, *attempts)
}

func TestWaitUntilReady_ReadyOnSecondAttempt(t *testing.T) {
	p, attempts := fakeProber(2)

	ok := p.WaitUntilReady(context.Background(), Target{Name: "db"}, 5, time.Millisecond)

	assert.True(t, ok)
	assert.Equal(t, 2, *attempts)
}

func TestWaitUntilReady_ReadyImmediately_NoSleep(t *testing.T) {
	slept := 0
	p, _ := fakeProber(1)
	p.sleep = func(time.Duration) { slept++ }

	ok := p.WaitUntilReady(context.Background(), Target{Name: "db"}, 3, time.Second)

	assert.True(t, ok)
	assert.Zero(t, slept)
}

func TestWaitUntilReady_DefaultsApplied(t *testing.T) {
	p, attempts := fakeProber(0)

	ok := p.WaitUntilReady(context.Background(), Target{Name: "db"}, 0, 0)

	assert.False(t, ok)
	assert.Equal(t, DefaultAttempts, *attempts)
}

// =============================================================================
// TCP Checks
// =============================================================================

func TestCheck_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	p := New(nil, nil)

	assert.True(t, p.Check(context.Background(), Target{
		Kind:    KindTCP,
		Address: ln.Addr().String(),
		Timeout: time.Second,
	}))

	addr := ln.Addr().String()
	ln.Close()
	assert.False(t, p.Check(context.Background(), Target{
		Kind:    KindTCP,
		Address: addr,
		Timeout: 200 * time.Millisecond,
	}))
}

// =============================================================================
// HTTP Checks
// =============================================================================

func TestCheck_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/created":
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	p := New(nil, nil)
	ctx := context.Background()

	assert.True(t, p.Check(ctx, Target{Kind: KindHTTP, Address: srv.URL + "/ok"}))
	assert.True(t, p.Check(ctx, Target{Kind: KindHTTP, Address: srv.URL + "/created"}),
		"any 2xx counts as ready")
	assert.False(t, p.Check(ctx, Target{Kind: KindHTTP, Address: srv.URL + "/down"}))
	assert.False(t, p.Check(ctx, Target{Kind: KindHTTP, Address: "http://127.0.0.1:1/unreachable"}))
}

// =============================================================================
// Container Checks
// =============================================================================

type fakeInspector struct {
	running map[string]bool
}

func (f *fakeInspector) ContainerRunning(_ context.Context, name string) (bool, error) {
	return f.running[name], nil
}

func TestCheck_Container(t *testing.T) {
	p := New(&fakeInspector{running: map[string]bool{"api": true}}, nil)
	ctx := context.Background()

	assert.True(t, p.Check(ctx, Target{Kind: KindContainer, Address: "api"}))
	assert.False(t, p.Check(ctx, Target{Kind: KindContainer, Address: "worker"}))
}

func TestCheck_Container_NoInspector(t *testing.T) {
	p := New(nil, nil)
	assert.False(t, p.Check(context.Background(), Target{Kind: KindContainer, Address: "api"}))
}

func TestCheck_UnknownKind(t *testing.T) {
	p := New(nil, nil)
	assert.False(t, p.Check(context.Background(), Target{Kind: "icmp", Address: "x"}))
}
