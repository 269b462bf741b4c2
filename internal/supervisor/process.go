package supervisor

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jaakkos/agentgate/internal/domain"
	"github.com/jaakkos/agentgate/internal/runner"
)

// killWait bounds how long stop waits for the monitor after SIGKILL.
const killWait = 5 * time.Second

// ExitError means the agent process exited before it became healthy.
type ExitError struct {
	PID int
	Err error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("agent process %d exited before becoming healthy", e.PID)
	}
	return fmt.Sprintf("agent process %d exited before becoming healthy: %v", e.PID, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Process is one spawned agent server bound to a repository workdir and a port.
// The underlying *exec.Cmd never leaves this package.
type Process struct {
	repoID    int64
	workdir   string
	port      int
	pid       int
	cmd       *exec.Cmd
	startedAt time.Time
	logger    *log.Logger

	mu       sync.Mutex
	state    domain.ProcessState
	lastUsed time.Time
	failures int  // consecutive failed liveness probes
	stopping bool // exit is expected; monitor stays quiet

	exited  chan struct{} // closed by monitor once the process is reaped
	exitErr error

	stopOnce    sync.Once
	stopErr     error
	releaseOnce sync.Once
	release     func(port int)
}

// spawn starts the agent command for ws on port. The caller owns port until
// spawn succeeds; after that the process releases it exactly once on stop.
// notify receives the process if it exits while not stopping.
func spawn(cfg Config, repoID int64, ws Workspace, port int, release func(int), notify chan<- *Process, logger *log.Logger) (*Process, error) {
	args := expandCommand(cfg.Command, repoID, port, ws.Dir)
	if len(args) == 0 {
		return nil, &runner.SpawnError{Err: errors.New("empty command")}
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = ws.Dir
	cmd.Env = buildAgentEnv(cfg, repoID, port, ws, os.Environ())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile, err := openProcessLog(cfg.LogDir, repoID)
	if err != nil {
		logger.Printf("Supervisor: process log for repo %d unavailable: %v", repoID, err)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	} else {
		defer logFile.Close()
		fmt.Fprintf(logFile, "\n=== Agent repo %d [spawn] at %s (dir=%s, port=%d) ===\n", repoID, time.Now().Format(time.RFC3339), ws.Dir, port)
		fmt.Fprintf(logFile, "Command: %v\n", args)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return nil, &runner.SpawnError{Argv: args, Err: err}
	}

	now := time.Now()
	p := &Process{
		repoID:    repoID,
		workdir:   ws.Dir,
		port:      port,
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		startedAt: now,
		lastUsed:  now,
		logger:    logger,
		state:     domain.ProcessStarting,
		exited:    make(chan struct{}),
		release:   release,
	}
	go p.monitor(notify)
	return p, nil
}

func openProcessLog(dir string, repoID int64) (*os.File, error) {
	if dir == "" {
		return nil, errors.New("no log dir configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, fmt.Sprintf("agent-repo-%d.log", repoID))
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// monitor reaps the process and reports unexpected exits on notify.
func (p *Process) monitor(notify chan<- *Process) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	expected := p.stopping
	if !expected && p.state != domain.ProcessStopped {
		p.state = domain.ProcessUnhealthy
	}
	p.mu.Unlock()
	close(p.exited)

	if expected {
		return
	}
	p.logger.Printf("Supervisor: agent for repo %d (pid %d) exited unexpectedly: %v", p.repoID, p.pid, err)
	if notify == nil {
		return
	}
	// Reconciliation sweeps dead entries, so a full channel only delays eviction.
	select {
	case notify <- p:
	default:
	}
}

// Stop terminates the process group: SIGTERM, wait up to grace, then SIGKILL.
// The port is released on every path. Safe to call more than once.
func (p *Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.stop(grace)
	})
	return p.stopErr
}

func (p *Process) stop(grace time.Duration) error {
	defer p.releasePort()
	defer p.setState(domain.ProcessStopped)

	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := signalGroup(p.pid, syscall.SIGTERM); err != nil {
		p.logger.Printf("Supervisor: SIGTERM repo %d (pid %d): %v", p.repoID, p.pid, err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}

	p.logger.Printf("Supervisor: repo %d (pid %d) still running after %s, sending SIGKILL", p.repoID, p.pid, grace)
	if err := signalGroup(p.pid, syscall.SIGKILL); err != nil {
		p.logger.Printf("Supervisor: SIGKILL repo %d (pid %d): %v", p.repoID, p.pid, err)
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("agent process %d did not exit after SIGKILL", p.pid)
	}
}

// signalGroup signals the whole process group so children of the agent go too.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (p *Process) releasePort() {
	p.releaseOnce.Do(func() {
		if p.release != nil {
			p.release(p.port)
		}
	})
}

func (p *Process) setState(s domain.ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == domain.ProcessStopped {
		return
	}
	p.state = s
}

// markHealthy moves a starting process to healthy. It fails if the process
// has already left the starting state (exited or stopped meanwhile).
func (p *Process) markHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != domain.ProcessStarting {
		return false
	}
	p.state = domain.ProcessHealthy
	p.failures = 0
	return true
}

// recordProbe tracks consecutive failed liveness probes and reports whether
// threshold was reached, in which case the process is marked unhealthy.
func (p *Process) recordProbe(err error, threshold int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.failures = 0
		return false
	}
	p.failures++
	if p.failures >= threshold && p.state == domain.ProcessHealthy {
		p.state = domain.ProcessUnhealthy
		return true
	}
	return false
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr returns the wait error once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Alive reports whether the OS process has not exited yet.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Touch records use of the process for idle eviction.
func (p *Process) Touch() {
	p.mu.Lock()
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

func (p *Process) RepoID() int64   { return p.repoID }
func (p *Process) Port() int       { return p.port }
func (p *Process) PID() int        { return p.pid }
func (p *Process) Workdir() string { return p.workdir }

// BaseURL is the agent server's local address.
func (p *Process) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", p.port)
}

// State returns the current lifecycle state.
func (p *Process) State() domain.ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Info returns a snapshot for listing.
func (p *Process) Info() domain.ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.ProcessInfo{
		RepoID:    p.repoID,
		PID:       p.pid,
		Port:      p.port,
		Workdir:   p.workdir,
		State:     p.state,
		StartedAt: p.startedAt,
		LastUsed:  p.lastUsed,
	}
}

func (p *Process) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}
