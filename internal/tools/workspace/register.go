// Package workspace exposes repository and workspace process management as
// MCP tools, so an MCP client can clone repositories, start agent processes
// and talk to their sessions without going through the HTTP API.
package workspace

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/agentgate/internal/domain"
	"github.com/jaakkos/agentgate/internal/proxy"
	"github.com/jaakkos/agentgate/internal/supervisor"
)

// Repos is the repository service port. Implemented by app.RepoService.
type Repos interface {
	List() ([]domain.Repository, error)
	Get(id int64) (*domain.Repository, error)
	Create(ctx context.Context, req domain.CreateRepoRequest) (*domain.Repository, error)
	Pull(ctx context.Context, id int64) (*domain.Repository, error)
}

// Workspaces is the supervisor port. Implemented by supervisor.Supervisor.
type Workspaces interface {
	GetOrStart(ctx context.Context, repoID int64) (*supervisor.Process, error)
	Stop(repoID int64) error
	List() []domain.ProcessInfo
}

// Forwarder is implemented by proxy.Proxy.
type Forwarder interface {
	ForwardOp(ctx context.Context, repoID int64, op proxy.Op, sessionID string, query url.Values, body io.Reader, header http.Header) (*proxy.Response, error)
}

// ToolFilter decides which tools are registered. Implemented by policy.Policy.
type ToolFilter interface {
	IsToolEnabled(name string) bool
}

// RegisterOption configures optional dependencies for tool registration.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	forward Forwarder
	filter  ToolFilter
}

// WithForwarder enables the session_call tool.
func WithForwarder(f Forwarder) RegisterOption {
	return func(o *registerOpts) { o.forward = f }
}

// WithToolFilter registers only the tools the filter enables.
func WithToolFilter(f ToolFilter) RegisterOption {
	return func(o *registerOpts) { o.filter = f }
}

// Register registers the workspace tools with the mcp-go server.
func Register(s *server.MCPServer, repos Repos, work Workspaces, logger *log.Logger, opts ...RegisterOption) {
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}
	enabled := func(name string) bool {
		return o.filter == nil || o.filter.IsToolEnabled(name)
	}

	// Repository tools (4)
	if enabled("list_repos") {
		registerListRepos(s, repos, logger)
	}
	if enabled("get_repo") {
		registerGetRepo(s, repos, logger)
	}
	if enabled("create_repo") {
		registerCreateRepo(s, repos, logger)
	}
	if enabled("pull_repo") {
		registerPullRepo(s, repos, logger)
	}

	// Process tools (3)
	if enabled("list_workspaces") {
		registerListWorkspaces(s, work, logger)
	}
	if enabled("start_workspace") {
		registerStartWorkspace(s, work, logger)
	}
	if enabled("stop_workspace") {
		registerStopWorkspace(s, work, logger)
	}

	// Session tool (1, optional)
	if o.forward != nil && enabled("session_call") {
		registerSessionCall(s, o.forward, logger)
	}
}
