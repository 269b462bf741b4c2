package supervisor

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/agentgate/internal/agenttest"
	"github.com/jaakkos/agentgate/internal/domain"
	"github.com/jaakkos/agentgate/internal/health"
	"github.com/jaakkos/agentgate/internal/ports"
	"github.com/jaakkos/agentgate/internal/runner"
)

func TestMain(m *testing.M) {
	agenttest.RunIfAgent()
	os.Exit(m.Run())
}

var errNoRepo = errors.New("repository not found")

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(kind domain.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) pids(kind domain.EventKind) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e.PID)
		}
	}
	return out
}

type fixture struct {
	sup    *Supervisor
	ports  *ports.Allocator
	events *recorder
	dir    string
}

func testConfig(t *testing.T, mode string) Config {
	return Config{
		Command:            agenttest.Command(),
		Env:                agenttest.Env(mode),
		LogDir:             t.TempDir(),
		HealthInterval:     20 * time.Millisecond,
		HealthTimeout:      10 * time.Second,
		ReconcileInterval:  50 * time.Millisecond,
		StopGrace:          2 * time.Second,
		UnhealthyThreshold: 2,
	}
}

func newFixture(t *testing.T, cfg Config, allocOpts ...ports.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	resolver := WorkspaceResolverFunc(func(ctx context.Context, repoID int64) (Workspace, error) {
		if repoID == 404 {
			return Workspace{}, errNoRepo
		}
		return Workspace{Dir: dir}, nil
	})
	alloc, err := ports.New(0, 0, 0, allocOpts...)
	require.NoError(t, err)

	rec := &recorder{}
	sup := New(cfg, resolver, alloc, health.New("/global/health"), log.New(io.Discard, "", 0), WithEventSink(rec))
	t.Cleanup(func() { _ = sup.StopAll() })
	return &fixture{sup: sup, ports: alloc, events: rec, dir: dir}
}

func TestGetOrStart_ReusesHealthyProcess(t *testing.T) {
	f := newFixture(t, testConfig(t, agenttest.ModeHealthy))
	ctx := context.Background()

	p1, err := f.sup.GetOrStart(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessHealthy, p1.State())
	assert.Equal(t, f.dir, p1.Workdir())

	p2, err := f.sup.GetOrStart(ctx, 42)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, p1.Port(), p2.Port())
	assert.Equal(t, 1, f.events.count(domain.EventStarting))
	assert.Equal(t, []int{p1.Port()}, f.ports.InUse())

	infos := f.sup.List()
	require.Len(t, infos, 1)
	assert.Equal(t, int64(42), infos[0].RepoID)
	assert.Equal(t, p1.PID(), infos[0].PID)
}

func TestGetOrStart_ConcurrentCallersShareOneStart(t *testing.T) {
	f := newFixture(t, testConfig(t, agenttest.ModeHealthy))

	const n = 10
	var (
		wg    sync.WaitGroup
		procs = make([]*Process, n)
		errs  = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			procs[i], errs[i] = f.sup.GetOrStart(context.Background(), 7)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, procs[0], procs[i])
	}
	assert.Equal(t, 1, f.events.count(domain.EventStarting))
}

func TestGetOrStart_DistinctRepositoriesGetDistinctPorts(t *testing.T) {
	f := newFixture(t, testConfig(t, agenttest.ModeHealthy))

	seen := map[int]bool{}
	for _, id := range []int64{1, 2, 3} {
		p, err := f.sup.GetOrStart(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, seen[p.Port()], "port %d reused", p.Port())
		seen[p.Port()] = true
	}
	assert.Len(t, f.sup.List(), 3)
}

func TestGetOrStart_HealthTimeoutFreesSlot(t *testing.T) {
	cfg := testConfig(t, agenttest.ModeHealthy)
	cfg.HealthTimeout = 300 * time.Millisecond
	f := newFixture(t, cfg)
	require.NoError(t, agenttest.SetMode(f.dir, agenttest.ModeNeverHealthy))

	_, err := f.sup.GetOrStart(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, health.ErrTimeout), "got %v", err)
	var serr *StartupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, int64(42), serr.RepoID)
	assert.Empty(t, f.ports.InUse())
	assert.Empty(t, f.sup.List())
	assert.Equal(t, 1, f.events.count(domain.EventStartFailed))

	// The slot is free: a later attempt against a healthy agent succeeds.
	require.NoError(t, agenttest.SetMode(f.dir, agenttest.ModeHealthy))
	p, err := f.sup.GetOrStart(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessHealthy, p.State())
}

func TestGetOrStart_SpawnError(t *testing.T) {
	cfg := testConfig(t, agenttest.ModeHealthy)
	cfg.Command = []string{"/nonexistent/agent-binary", "--port", "{port}"}
	f := newFixture(t, cfg)

	_, err := f.sup.GetOrStart(context.Background(), 1)
	var spawnErr *runner.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Empty(t, f.ports.InUse())
}

func TestGetOrStart_ExitDuringStartup(t *testing.T) {
	f := newFixture(t, testConfig(t, agenttest.ModeExit))

	start := time.Now()
	_, err := f.sup.GetOrStart(context.Background(), 1)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.False(t, errors.Is(err, health.ErrTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, f.ports.InUse())
}

func TestGetOrStart_PortExhaustion(t *testing.T) {
	cfg := testConfig(t, agenttest.ModeHealthy)
	dir := t.TempDir()
	alloc, err := ports.New(30000, 30001, 4, ports.WithProbe(func(int) bool { return false }))
	require.NoError(t, err)
	rec := &recorder{}
	sup := New(cfg, WorkspaceResolverFunc(func(context.Context, int64) (Workspace, error) {
		return Workspace{Dir: dir}, nil
	}), alloc, health.New("/global/health"), log.New(io.Discard, "", 0), WithEventSink(rec))
	defer sup.StopAll()

	_, err = sup.GetOrStart(context.Background(), 1)
	assert.ErrorIs(t, err, ports.ErrNoPortAvailable)
	assert.Equal(t, 0, rec.count(domain.EventStarting))
}

func TestGetOrStart_ResolverError(t *testing.T) {
	f := newFixture(t, testConfig(t, agenttest.ModeHealthy))

	_, err := f.sup.GetOrStart(context.Background(), 404)
	assert.ErrorIs(t, err, errNoRepo)
	var serr *StartupError
	assert.ErrorAs(t, err, &serr)
}

func TestGetOrStart_CallerCancelDoesNotAbortStart(t *testing.T) {
	cfg := testConfig(t, agenttest.ModeHealthy)
	cfg.StartWait = 300 * time.Millisecond
	f := newFixture(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.sup.GetOrStart(ctx, 5)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p, err := f.sup.GetOrStart(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessHealthy, p.State())
	assert.Equal(t, 1, f.events.count(domain.EventStarting))
}

func TestStop_ForceKillReleasesPort(t *testing.T) {
	cfg := testConfig(t, agenttest.ModeIgnoreTerm)
	cfg.StopGrace = 200 * time.Millisecond
	f := newFixture(t, cfg)

	p, err := f.sup.GetOrStart(context.Background(), 9)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, f.sup.Stop(9))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.False(t, p.Alive())
	assert.Equal(t, domain.ProcessStopped, p.State())
	assert.Empty(t, f.ports.InUse())
	_, ok := f.sup.Lookup(9)
	assert.False(t, ok)
}

func TestStop_SlotHeldUntilReaped(t *testing.T) {
	cfg := testConfig(t, agenttest.ModeIgnoreTerm)
	cfg.StopGrace = 500 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()

	p1, err := f.sup.GetOrStart(ctx, 1)
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- f.sup.Stop(1) }()
	require.Eventually(t, func() bool {
		_, ok := f.sup.Lookup(1)
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, p1.Alive(), "SIGTERM is ignored, the old agent is still in its grace period")

	p2, err := f.sup.GetOrStart(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p1.Alive(), "replacement started while the old agent was alive")
	assert.NotEqual(t, p1.PID(), p2.PID())
	require.NoError(t, <-stopped)
	assert.Equal(t, []int{p2.Port()}, f.ports.InUse())
}

func TestStop_WaitsForInflightStart(t *testing.T) {
	cfg := testConfig(t, agenttest.ModeHealthy)
	cfg.StartWait = 300 * time.Millisecond
	f := newFixture(t, cfg)

	started := make(chan *Process, 1)
	go func() {
		p, _ := f.sup.GetOrStart(context.Background(), 2)
		started <- p
	}()
	require.Eventually(t, func() bool { return f.events.count(domain.EventStarting) == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.sup.Stop(2))
	p := <-started
	require.NotNil(t, p)
	assert.False(t, p.Alive())
	assert.Empty(t, f.sup.List())
	assert.Empty(t, f.ports.InUse())
}

func TestStop_Graceful(t *testing.T) {
	f := newFixture(t, testConfig(t, agenttest.ModeHealthy))

	p, err := f.sup.GetOrStart(context.Background(), 9)
	require.NoError(t, err)
	require.NoError(t, f.sup.Stop(9))
	assert.False(t, p.Alive())
	assert.Empty(t, f.ports.InUse())
	assert.Equal(t, 1, f.events.count(domain.EventStopped))
	assert.Equal(t, 0, f.events.count(domain.EventExited))
}

func TestStop_NotRunning(t *testing.T) {
	f := newFixture(t, testConfig(t, agenttest.ModeHealthy))
	assert.ErrorIs(t, f.sup.Stop(1), ErrNotRunning)
}

func TestCrashIsEvictedAndRestarted(t *testing.T) {
	f := newFixture(t, testConfig(t, agenttest.ModeHealthy))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.sup.Start(ctx)

	p1, err := f.sup.GetOrStart(context.Background(), 42)
	require.NoError(t, err)
	require.NoError(t, syscall.Kill(p1.PID(), syscall.SIGKILL))

	require.Eventually(t, func() bool {
		_, ok := f.sup.Lookup(42)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, f.events.count(domain.EventExited))
	require.Eventually(t, func() bool { return len(f.ports.InUse()) == 0 }, 5*time.Second, 20*time.Millisecond)

	p2, err := f.sup.GetOrStart(context.Background(), 42)
	require.NoError(t, err)
	assert.NotEqual(t, p1.PID(), p2.PID())
}

func TestGetOrStart_DeadEntryNeverReturned(t *testing.T) {
	// No reconcile loop running: lookup itself must notice the dead process.
	f := newFixture(t, testConfig(t, agenttest.ModeHealthy))

	p1, err := f.sup.GetOrStart(context.Background(), 3)
	require.NoError(t, err)
	require.NoError(t, syscall.Kill(p1.PID(), syscall.SIGKILL))
	<-p1.Exited()

	p2, err := f.sup.GetOrStart(context.Background(), 3)
	require.NoError(t, err)
	assert.NotSame(t, p1, p2)
	assert.True(t, p2.Alive())
}

func TestReconcile_IdleEviction(t *testing.T) {
	cfg := testConfig(t, agenttest.ModeHealthy)
	cfg.IdleTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)

	p, err := f.sup.GetOrStart(context.Background(), 1)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	f.sup.ReconcileOnce(context.Background())
	_, ok := f.sup.Lookup(1)
	assert.False(t, ok)
	assert.False(t, p.Alive())
	assert.Equal(t, 1, f.events.count(domain.EventEvicted))
}

func TestReconcile_UnhealthyEviction(t *testing.T) {
	f := newFixture(t, testConfig(t, agenttest.ModeHealthy))

	p, err := f.sup.GetOrStart(context.Background(), 1)
	require.NoError(t, err)

	// Stop the agent from accepting connections while it stays alive.
	resp, err := http.Post(p.BaseURL()+"/__test/close", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	f.sup.ReconcileOnce(context.Background())
	_, ok := f.sup.Lookup(1)
	assert.True(t, ok, "one failed probe is below the threshold")

	f.sup.ReconcileOnce(context.Background())
	_, ok = f.sup.Lookup(1)
	assert.False(t, ok)
	assert.Equal(t, 1, f.events.count(domain.EventUnhealthy))
	assert.False(t, p.Alive())
	assert.Empty(t, f.ports.InUse())
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, testConfig(t, agenttest.ModeHealthy))
	go f.sup.Start(context.Background())

	var procs []*Process
	for _, id := range []int64{1, 2, 3} {
		p, err := f.sup.GetOrStart(context.Background(), id)
		require.NoError(t, err)
		procs = append(procs, p)
	}

	require.NoError(t, f.sup.StopAll())
	for _, p := range procs {
		assert.False(t, p.Alive())
		assert.Equal(t, domain.ProcessStopped, p.State())
	}
	assert.Empty(t, f.ports.InUse())
	assert.Empty(t, f.sup.List())

	_, err := f.sup.GetOrStart(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStopAll_ReapsInflightStarts(t *testing.T) {
	cfg := testConfig(t, agenttest.ModeIgnoreTerm)
	cfg.StartWait = 2 * time.Second
	cfg.StopGrace = 200 * time.Millisecond
	f := newFixture(t, cfg)

	errc := make(chan error, 1)
	go func() {
		_, err := f.sup.GetOrStart(context.Background(), 1)
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.events.count(domain.EventStarting) == 1 }, 5*time.Second, 5*time.Millisecond)
	pid := f.events.pids(domain.EventStarting)[0]

	require.NoError(t, f.sup.StopAll())
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH, "agent %d outlived StopAll", pid)
	assert.Empty(t, f.ports.InUse())
	assert.Error(t, <-errc)
}

func TestAgentEnvironment(t *testing.T) {
	cfg := testConfig(t, agenttest.ModeHealthy)
	cfg.Env["EXTRA_SETTING"] = "repo-${AGENTGATE_TEST_PARENT}"
	t.Setenv("AGENTGATE_TEST_PARENT", "parent")
	f := newFixture(t, cfg)

	p, err := f.sup.GetOrStart(context.Background(), 77)
	require.NoError(t, err)

	for name, want := range map[string]string{
		"AGENTGATE_REPO_ID": "77",
		"EXTRA_SETTING":     "repo-parent",
		"AGENTGATE_WORKDIR": f.dir,
	} {
		resp, err := http.Get(p.BaseURL() + "/__test/env?name=" + name)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Contains(t, string(body), want, name)
	}
}
