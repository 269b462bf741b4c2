// Package policy loads agentgate configuration and guards repository paths.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalStateDir returns the default global state directory (~/.config/agentgate).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "agentgate")
}

// DefaultWorkspacePath returns the default workspace base (~/.opencode-workspace).
func DefaultWorkspacePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".opencode-workspace")
}

// AgentConfig describes the agent server spawned once per repository.
type AgentConfig struct {
	// Command is the argv template. {port}, {cwd} and {repo_id} are replaced
	// per process. The first element is the executable; no shell is involved.
	Command    []string `yaml:"command"`
	HealthPath string   `yaml:"health_path"` // default /global/health
	// Env sets additional environment variables for the agent process.
	// Values can reference parent env vars with ${VAR} syntax.
	Env map[string]string `yaml:"env"`
	// InheritEnv is a list of glob patterns for env var names to inherit.
	// Empty means inherit everything; ["none"] starts from a clean environment.
	InheritEnv []string `yaml:"inherit_env"`
	LogDir     string   `yaml:"log_dir"` // per-repository process logs (default <state dir>/logs)
}

// HealthConfig controls startup and liveness polling of agent processes.
type HealthConfig struct {
	IntervalMS  int `yaml:"interval_ms"`   // HEALTH_CHECK_INTERVAL_MS
	TimeoutMS   int `yaml:"timeout_ms"`    // HEALTH_CHECK_TIMEOUT_MS
	StartWaitMS int `yaml:"start_wait_ms"` // PROCESS_START_WAIT_MS
}

// PortsConfig bounds the ports handed to agent processes.
// A zero range lets the OS pick an ephemeral port.
type PortsConfig struct {
	Min         int `yaml:"min"`
	Max         int `yaml:"max"`
	MaxAttempts int `yaml:"max_attempts"`
}

// SupervisorConfig tunes process reconciliation and shutdown.
type SupervisorConfig struct {
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
	IdleTimeoutSeconds       int `yaml:"idle_timeout_seconds"` // 0 disables idle eviction
	StopGraceSeconds         int `yaml:"stop_grace_seconds"`
	UnhealthyThreshold       int `yaml:"unhealthy_threshold"` // consecutive failed probes before eviction
}

// WorktreeConfig controls where repository worktrees are created.
type WorktreeConfig struct {
	Path         string `yaml:"path"`          // relative to the repos dir (default "worktrees")
	BranchPrefix string `yaml:"branch_prefix"` // default "agentgate/"
}

// Config holds agentgate configuration.
type Config struct {
	WorkspacePath string   `yaml:"workspace_path"`
	EnabledTools  []string `yaml:"enabled_tools"`
	StateFile     string   `yaml:"state_file"`
	LogFile       string   `yaml:"log_file"`
	HTTPPort      int      `yaml:"http_port"`

	Agent      AgentConfig      `yaml:"agent"`
	Health     HealthConfig     `yaml:"health"`
	Ports      PortsConfig      `yaml:"ports"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Worktrees  WorktreeConfig   `yaml:"worktrees"`
}

// DefaultConfig returns sensible defaults matching an opencode agent server.
func DefaultConfig() *Config {
	return &Config{
		WorkspacePath: "",
		EnabledTools:  []string{"*"},
		HTTPPort:      8710,
		Agent: AgentConfig{
			Command:    []string{"opencode", "serve", "--port", "{port}", "--hostname", "127.0.0.1"},
			HealthPath: "/global/health",
		},
		Health: HealthConfig{
			IntervalMS:  5000,
			TimeoutMS:   30000,
			StartWaitMS: 2000,
		},
		Ports: PortsConfig{
			MaxAttempts: 64,
		},
		Supervisor: SupervisorConfig{
			ReconcileIntervalSeconds: 15,
			StopGraceSeconds:         5,
			UnhealthyThreshold:       3,
		},
		Worktrees: WorktreeConfig{
			Path:         "worktrees",
			BranchPrefix: "agentgate/",
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides config values from the environment. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("WORKSPACE_PATH"); v != "" {
		c.WorkspacePath = v
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"HEALTH_CHECK_INTERVAL_MS", &c.Health.IntervalMS},
		{"HEALTH_CHECK_TIMEOUT_MS", &c.Health.TimeoutMS},
		{"PROCESS_START_WAIT_MS", &c.Health.StartWaitMS},
	}
	for _, e := range ints {
		v := getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s=%q", e.name, v)
		}
		*e.dst = n
	}
	return c.Validate()
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if len(c.Agent.Command) == 0 || strings.TrimSpace(c.Agent.Command[0]) == "" {
		return fmt.Errorf("agent.command must name an executable")
	}
	if c.Ports.Min < 0 || c.Ports.Max < 0 || c.Ports.Max > 65535 {
		return fmt.Errorf("ports range %d-%d out of bounds", c.Ports.Min, c.Ports.Max)
	}
	if (c.Ports.Min == 0) != (c.Ports.Max == 0) || c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("ports range %d-%d is invalid", c.Ports.Min, c.Ports.Max)
	}
	if c.Health.IntervalMS <= 0 {
		return fmt.Errorf("health.interval_ms must be positive")
	}
	if c.Health.TimeoutMS < c.Health.IntervalMS {
		return fmt.Errorf("health.timeout_ms (%d) must be >= interval_ms (%d)", c.Health.TimeoutMS, c.Health.IntervalMS)
	}
	return nil
}

// Policy exposes configuration to the rest of the program.
type Policy struct {
	config *Config
	mu     sync.RWMutex
}

// New creates a new Policy.
func New(cfg *Config) *Policy {
	return &Policy{config: cfg}
}

// WorkspacePath returns the workspace base directory.
func (p *Policy) WorkspacePath() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.config.WorkspacePath == "" {
		return DefaultWorkspacePath()
	}
	return p.config.WorkspacePath
}

// ReposDir is where repositories are cloned.
func (p *Policy) ReposDir() string {
	return filepath.Join(p.WorkspacePath(), "repos")
}

// ConfigDir holds per-workspace agent configuration files.
func (p *Policy) ConfigDir() string {
	return filepath.Join(p.WorkspacePath(), "config")
}

// WorktreesDir is where worktrees of cloned repositories are created.
func (p *Policy) WorktreesDir() string {
	p.mu.RLock()
	wt := p.config.Worktrees.Path
	p.mu.RUnlock()
	if filepath.IsAbs(wt) {
		return wt
	}
	return filepath.Join(p.ReposDir(), wt)
}

// WorktreeBranchPrefix is prepended to branches created for worktrees.
func (p *Policy) WorktreeBranchPrefix() string {
	return p.config.Worktrees.BranchPrefix
}

// StateFile returns the SQLite database path.
// If unset, defaults to <workspace>/config/agentgate.sqlite.
func (p *Policy) StateFile() string {
	p.mu.RLock()
	sf := p.config.StateFile
	p.mu.RUnlock()

	if sf == "" {
		return filepath.Join(p.ConfigDir(), "agentgate.sqlite")
	}
	if filepath.IsAbs(sf) {
		return sf
	}
	return filepath.Join(p.WorkspacePath(), sf)
}

// LogFile returns the configured log file path.
// If unset, defaults to ~/.config/agentgate/agentgate.log.
// Set to "none" or "off" to disable file logging entirely.
func (p *Policy) LogFile() string {
	p.mu.RLock()
	lf := p.config.LogFile
	p.mu.RUnlock()

	if lf == "" {
		return filepath.Join(GlobalStateDir(), "agentgate.log")
	}
	return lf
}

// HTTPPort is the port the API listens on.
func (p *Policy) HTTPPort() int {
	return p.config.HTTPPort
}

// ValidateRepoPath checks that path resolves inside the repos dir.
func (p *Policy) ValidateRepoPath(path string) (string, error) {
	root := p.ReposDir()

	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	relPath, err := filepath.Rel(root, absPath)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}

	if relPath == "." || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the repos directory", path)
	}

	return absPath, nil
}

// IsToolEnabled checks if an MCP tool is enabled.
func (p *Policy) IsToolEnabled(name string) bool {
	for _, t := range p.config.EnabledTools {
		if t == "*" || t == name {
			return true
		}
	}
	return false
}

// Agent returns the agent process configuration.
func (p *Policy) Agent() AgentConfig {
	return p.config.Agent
}

// AgentLogDir returns where per-repository process logs are written.
func (p *Policy) AgentLogDir() string {
	if p.config.Agent.LogDir != "" {
		return p.config.Agent.LogDir
	}
	return filepath.Join(GlobalStateDir(), "logs")
}

// HealthPath returns the agent health endpoint path.
func (p *Policy) HealthPath() string {
	if p.config.Agent.HealthPath == "" {
		return "/global/health"
	}
	return p.config.Agent.HealthPath
}

// HealthInterval is the delay between health probes.
func (p *Policy) HealthInterval() time.Duration {
	return time.Duration(p.config.Health.IntervalMS) * time.Millisecond
}

// HealthTimeout bounds how long a starting process may take to become healthy.
func (p *Policy) HealthTimeout() time.Duration {
	return time.Duration(p.config.Health.TimeoutMS) * time.Millisecond
}

// StartWait is the delay between spawning and the first health probe.
func (p *Policy) StartWait() time.Duration {
	return time.Duration(p.config.Health.StartWaitMS) * time.Millisecond
}

// PortRange returns the configured port range; (0, 0) means OS-assigned.
func (p *Policy) PortRange() (int, int) {
	return p.config.Ports.Min, p.config.Ports.Max
}

// PortAttempts is how many candidates the allocator probes before giving up.
func (p *Policy) PortAttempts() int {
	if p.config.Ports.MaxAttempts > 0 {
		return p.config.Ports.MaxAttempts
	}
	return 64
}

// ReconcileInterval is how often the supervisor sweeps its registry.
func (p *Policy) ReconcileInterval() time.Duration {
	if p.config.Supervisor.ReconcileIntervalSeconds > 0 {
		return time.Duration(p.config.Supervisor.ReconcileIntervalSeconds) * time.Second
	}
	return 15 * time.Second
}

// IdleTimeout evicts processes unused for this long. Zero disables it.
func (p *Policy) IdleTimeout() time.Duration {
	return time.Duration(p.config.Supervisor.IdleTimeoutSeconds) * time.Second
}

// StopGrace is how long a stopping process gets after SIGTERM before SIGKILL.
func (p *Policy) StopGrace() time.Duration {
	if p.config.Supervisor.StopGraceSeconds > 0 {
		return time.Duration(p.config.Supervisor.StopGraceSeconds) * time.Second
	}
	return 5 * time.Second
}

// UnhealthyThreshold is the number of consecutive failed probes before a
// running process is declared unhealthy.
func (p *Policy) UnhealthyThreshold() int {
	if p.config.Supervisor.UnhealthyThreshold > 0 {
		return p.config.Supervisor.UnhealthyThreshold
	}
	return 3
}
