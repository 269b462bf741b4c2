// Package supervisor runs at most one agent server process per repository.
//
// GetOrStart returns a healthy process for a repository, starting one if
// needed. Concurrent callers for the same repository share a single start.
// Exits are delivered to the supervisor on a channel; a reconcile loop
// evicts dead, failing and idle processes so the next caller starts fresh.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jaakkos/agentgate/internal/domain"
	"github.com/jaakkos/agentgate/internal/policy"
)

var (
	// ErrClosed is returned once StopAll has run.
	ErrClosed = errors.New("supervisor is shut down")
	// ErrNotRunning is returned by Stop for a repository without a process.
	ErrNotRunning = errors.New("no agent process running for repository")
)

// StartupError wraps the cause of a failed start: a spawn failure, a health
// timeout, port exhaustion, or an unresolvable workspace.
type StartupError struct {
	RepoID int64
	Cause  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("start agent for repo %d: %v", e.RepoID, e.Cause)
}

func (e *StartupError) Unwrap() error { return e.Cause }

// Workspace is the directory an agent process runs in.
type Workspace struct {
	Dir        string
	ConfigFile string // optional agent config file
}

// WorkspaceResolver maps a repository to its workspace.
// Implemented by app.RepoService.
type WorkspaceResolver interface {
	Workspace(ctx context.Context, repoID int64) (Workspace, error)
}

// WorkspaceResolverFunc adapts a function to WorkspaceResolver.
type WorkspaceResolverFunc func(ctx context.Context, repoID int64) (Workspace, error)

func (f WorkspaceResolverFunc) Workspace(ctx context.Context, repoID int64) (Workspace, error) {
	return f(ctx, repoID)
}

// PortAllocator hands out unique ports. Implemented by ports.Allocator.
type PortAllocator interface {
	Acquire() (int, error)
	Release(port int)
}

// HealthChecker waits for and probes agent health. Implemented by health.Checker.
type HealthChecker interface {
	WaitHealthy(ctx context.Context, baseURL string, interval, timeout time.Duration) error
	Probe(ctx context.Context, baseURL string) error
}

// EventSink receives lifecycle events (e.g. the API websocket hub).
type EventSink interface {
	Publish(domain.Event)
}

// Config holds the process and reconciliation settings.
type Config struct {
	Command    []string
	Env        map[string]string
	InheritEnv []string
	LogDir     string

	HealthInterval time.Duration
	HealthTimeout  time.Duration
	StartWait      time.Duration

	ReconcileInterval  time.Duration
	IdleTimeout        time.Duration // 0 disables idle eviction
	StopGrace          time.Duration
	UnhealthyThreshold int
}

// ConfigFromPolicy builds a Config from loaded configuration.
func ConfigFromPolicy(p *policy.Policy) Config {
	agent := p.Agent()
	return Config{
		Command:            agent.Command,
		Env:                agent.Env,
		InheritEnv:         agent.InheritEnv,
		LogDir:             p.AgentLogDir(),
		HealthInterval:     p.HealthInterval(),
		HealthTimeout:      p.HealthTimeout(),
		StartWait:          p.StartWait(),
		ReconcileInterval:  p.ReconcileInterval(),
		IdleTimeout:        p.IdleTimeout(),
		StopGrace:          p.StopGrace(),
		UnhealthyThreshold: p.UnhealthyThreshold(),
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithEventSink publishes lifecycle events to sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Supervisor) { s.sink = sink }
}

// Supervisor owns the repository -> process registry.
type Supervisor struct {
	cfg      Config
	resolver WorkspaceResolver
	ports    PortAllocator
	health   HealthChecker
	logger   *log.Logger
	sink     EventSink

	mu       sync.Mutex
	procs    map[int64]*Process
	retiring map[int64]*retirement // unregistered, not yet reaped
	starting map[int64]chan struct{}
	closed   bool
	starts   singleflight.Group
	pending  sync.WaitGroup // in-flight starts and retirements

	exits chan *Process

	// ctx bounds in-flight starts; cancelled by StopAll.
	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Supervisor. Call Start to run reconciliation and StopAll at shutdown.
func New(cfg Config, resolver WorkspaceResolver, ports PortAllocator, health HealthChecker, logger *log.Logger, opts ...Option) *Supervisor {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:      cfg,
		resolver: resolver,
		ports:    ports,
		health:   health,
		logger:   logger,
		procs:    make(map[int64]*Process),
		retiring: make(map[int64]*retirement),
		starting: make(map[int64]chan struct{}),
		exits:    make(chan *Process, 64),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetOrStart returns the healthy process for repoID, starting one if needed.
// A start runs detached from ctx so abandoning callers do not abort it for
// others waiting on the same repository; ctx only bounds this caller's wait.
func (s *Supervisor) GetOrStart(ctx context.Context, repoID int64) (*Process, error) {
	if p := s.lookup(repoID); p != nil {
		p.Touch()
		return p, nil
	}

	ch := s.starts.DoChan(strconv.FormatInt(repoID, 10), func() (any, error) {
		if p := s.lookup(repoID); p != nil {
			return p, nil
		}
		done, ok := s.beginStart(repoID)
		if !ok {
			return nil, ErrClosed
		}
		defer s.endStart(repoID, done)

		// The previous process keeps the slot until it has been reaped.
		if err := s.awaitRetired(s.ctx, repoID); err != nil {
			return nil, &StartupError{RepoID: repoID, Cause: err}
		}
		p, err := s.launch(s.ctx, repoID)
		if err != nil {
			s.logger.Printf("Supervisor: start repo %d failed: %v", repoID, err)
			s.publish(domain.Event{Kind: domain.EventStartFailed, RepoID: repoID, Detail: err.Error()})
			return nil, &StartupError{RepoID: repoID, Cause: err}
		}
		if !s.register(p) {
			_ = p.Stop(s.cfg.StopGrace)
			return nil, ErrClosed
		}
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		p := r.Val.(*Process)
		p.Touch()
		return p, nil
	}
}

// lookup returns a registered healthy live process. A stale entry is evicted.
func (s *Supervisor) lookup(repoID int64) *Process {
	s.mu.Lock()
	p, ok := s.procs[repoID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if p.Alive() && p.State() == domain.ProcessHealthy {
		s.mu.Unlock()
		return p
	}
	r := s.unregisterLocked(repoID, p)
	s.mu.Unlock()

	go s.retire(r, domain.EventEvicted, "stale entry")
	return nil
}

func (s *Supervisor) register(p *Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.procs[p.RepoID()] = p
	return true
}

// retirement is a process that left the registry but may still be running.
type retirement struct {
	p    *Process
	done chan struct{} // closed once Stop has returned
}

// unregisterLocked moves p from the registry to the retiring set. The caller
// holds s.mu and must pass the result to retire.
func (s *Supervisor) unregisterLocked(repoID int64, p *Process) *retirement {
	delete(s.procs, repoID)
	r := &retirement{p: p, done: make(chan struct{})}
	s.retiring[repoID] = r
	s.pending.Add(1)
	return r
}

// beginStart records an in-flight start for repoID. It fails once StopAll has run.
func (s *Supervisor) beginStart(repoID int64) (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	done := make(chan struct{})
	s.starting[repoID] = done
	s.pending.Add(1)
	return done, true
}

func (s *Supervisor) endStart(repoID int64, done chan struct{}) {
	s.mu.Lock()
	if s.starting[repoID] == done {
		delete(s.starting, repoID)
	}
	s.mu.Unlock()
	close(done)
	s.pending.Done()
}

// awaitRetired blocks until a retiring process of repoID has been stopped.
func (s *Supervisor) awaitRetired(ctx context.Context, repoID int64) error {
	s.mu.Lock()
	r := s.retiring[repoID]
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.p.Alive() {
		return fmt.Errorf("previous agent process %d is still running", r.p.PID())
	}
	return nil
}

// launch resolves the workspace, allocates a port, spawns the agent and waits
// for it to become healthy. On any failure nothing is left running and the
// port is released.
func (s *Supervisor) launch(ctx context.Context, repoID int64) (*Process, error) {
	ws, err := s.resolver.Workspace(ctx, repoID)
	if err != nil {
		return nil, err
	}
	port, err := s.ports.Acquire()
	if err != nil {
		return nil, err
	}
	p, err := spawn(s.cfg, repoID, ws, port, s.ports.Release, s.exits, s.logger)
	if err != nil {
		s.ports.Release(port)
		return nil, err
	}
	s.logger.Printf("Supervisor: spawned agent for repo %d (pid %d, port %d, dir %s)", repoID, p.PID(), port, ws.Dir)
	s.publish(domain.Event{Kind: domain.EventStarting, RepoID: repoID, PID: p.PID(), Port: port})

	if err := s.awaitHealthy(ctx, p); err != nil {
		_ = p.Stop(s.cfg.StopGrace)
		return nil, err
	}
	if !p.markHealthy() {
		_ = p.Stop(s.cfg.StopGrace)
		return nil, &ExitError{PID: p.PID(), Err: p.ExitErr()}
	}
	s.logger.Printf("Supervisor: repo %d healthy on port %d after %s", repoID, port, time.Since(p.startedAt).Round(time.Millisecond))
	s.publish(domain.Event{Kind: domain.EventHealthy, RepoID: repoID, PID: p.PID(), Port: port})
	return p, nil
}

// awaitHealthy waits StartWait then polls health, aborting if the process exits.
func (s *Supervisor) awaitHealthy(ctx context.Context, p *Process) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.Exited():
			cancel()
		case <-ctx.Done():
		}
	}()

	if s.cfg.StartWait > 0 {
		timer := time.NewTimer(s.cfg.StartWait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	err := s.health.WaitHealthy(ctx, p.BaseURL(), s.cfg.HealthInterval, s.cfg.HealthTimeout)
	if !p.Alive() {
		return &ExitError{PID: p.PID(), Err: p.ExitErr()}
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return err
}

// Stop stops and unregisters the process for repoID. A start in flight for
// repoID is waited for first, so the process it brings up is stopped too.
func (s *Supervisor) Stop(repoID int64) error {
	s.mu.Lock()
	inflight := s.starting[repoID]
	s.mu.Unlock()
	if inflight != nil {
		<-inflight
	}

	s.mu.Lock()
	p, ok := s.procs[repoID]
	var r *retirement
	if ok {
		r = s.unregisterLocked(repoID, p)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	return s.retire(r, domain.EventStopped, "stopped on request")
}

// Evict stops p and removes it if it is still the registered process for
// repoID. Used when a caller finds the process unreachable.
func (s *Supervisor) Evict(repoID int64, p *Process, reason string) {
	s.mu.Lock()
	cur, ok := s.procs[repoID]
	if !ok || cur != p {
		s.mu.Unlock()
		_ = p.Stop(s.cfg.StopGrace)
		return
	}
	r := s.unregisterLocked(repoID, p)
	s.mu.Unlock()
	_ = s.retire(r, domain.EventEvicted, reason)
}

// retire stops r's process and then frees the repository slot for new starts.
func (s *Supervisor) retire(r *retirement, kind domain.EventKind, reason string) error {
	p := r.p
	defer func() {
		s.mu.Lock()
		if s.retiring[p.RepoID()] == r {
			delete(s.retiring, p.RepoID())
		}
		s.mu.Unlock()
		close(r.done)
		s.pending.Done()
	}()

	err := p.Stop(s.cfg.StopGrace)
	if err != nil {
		s.logger.Printf("Supervisor: stop repo %d (pid %d): %v", p.RepoID(), p.PID(), err)
	} else {
		s.logger.Printf("Supervisor: repo %d (pid %d) %s: %s", p.RepoID(), p.PID(), kind, reason)
	}
	s.publish(domain.Event{Kind: kind, RepoID: p.RepoID(), PID: p.PID(), Port: p.Port(), Detail: reason})
	return err
}

// StopAll stops every registered process in parallel and refuses new starts.
// Each stop is independent; failures are logged and the first is returned.
// It returns once in-flight starts have been aborted and their processes reaped.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	s.closed = true
	procs := make([]*retirement, 0, len(s.procs))
	for id, p := range s.procs {
		procs = append(procs, s.unregisterLocked(id, p))
	}
	s.mu.Unlock()
	s.cancel()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.running.Load() {
		<-s.doneCh
	}

	var g errgroup.Group
	for _, r := range procs {
		g.Go(func() error {
			return s.retire(r, domain.EventStopped, "shutdown")
		})
	}
	err := g.Wait()
	s.pending.Wait()
	s.logger.Printf("Supervisor: stopped %d agent process(es)", len(procs))
	return err
}

// List returns snapshots of registered processes ordered by repository id.
func (s *Supervisor) List() []domain.ProcessInfo {
	s.mu.Lock()
	out := make([]domain.ProcessInfo, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p.Info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RepoID < out[j].RepoID })
	return out
}

// Lookup returns the registered process for repoID without starting one.
func (s *Supervisor) Lookup(repoID int64) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[repoID]
	return p, ok
}

// Start runs the reconcile loop until ctx is cancelled or StopAll is called.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer close(s.doneCh)
	s.logger.Printf("Supervisor: started (reconcile=%s, idle_timeout=%s, stop_grace=%s)",
		s.cfg.ReconcileInterval, s.cfg.IdleTimeout, s.cfg.StopGrace)

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Println("Supervisor: reconcile loop stopped (context cancelled)")
			return
		case <-s.stopCh:
			s.logger.Println("Supervisor: reconcile loop stopped")
			return
		case p := <-s.exits:
			s.handleExit(p)
		case <-ticker.C:
			s.ReconcileOnce(ctx)
		}
	}
}

// handleExit evicts a registered process that exited. Processes that die
// while starting are handled by launch.
func (s *Supervisor) handleExit(p *Process) {
	if cur, ok := s.Lookup(p.RepoID()); !ok || cur != p {
		return
	}
	detail := "exited"
	if err := p.ExitErr(); err != nil {
		detail = err.Error()
	}
	s.publish(domain.Event{Kind: domain.EventExited, RepoID: p.RepoID(), PID: p.PID(), Port: p.Port(), Detail: detail})
	s.Evict(p.RepoID(), p, "process exited")
}

// ReconcileOnce sweeps the registry: dead processes are evicted, processes
// failing UnhealthyThreshold consecutive probes are evicted, and processes
// idle longer than IdleTimeout are stopped.
func (s *Supervisor) ReconcileOnce(ctx context.Context) {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, p := range procs {
		if !p.Alive() {
			s.Evict(p.RepoID(), p, "process exited")
			continue
		}
		if s.cfg.IdleTimeout > 0 && now.Sub(p.idleSince()) > s.cfg.IdleTimeout {
			s.Evict(p.RepoID(), p, fmt.Sprintf("idle for more than %s", s.cfg.IdleTimeout))
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout())
		err := s.health.Probe(probeCtx, p.BaseURL())
		cancel()
		if p.recordProbe(err, s.cfg.UnhealthyThreshold) {
			s.publish(domain.Event{Kind: domain.EventUnhealthy, RepoID: p.RepoID(), PID: p.PID(), Port: p.Port(), Detail: err.Error()})
			s.Evict(p.RepoID(), p, fmt.Sprintf("unhealthy: %v", err))
		}
	}
}

func (s *Supervisor) probeTimeout() time.Duration {
	if s.cfg.HealthInterval > 0 && s.cfg.HealthInterval < 5*time.Second {
		return s.cfg.HealthInterval
	}
	return 5 * time.Second
}

func (s *Supervisor) publish(e domain.Event) {
	if s.sink == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.sink.Publish(e)
}
