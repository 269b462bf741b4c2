package workspace

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func registerListWorkspaces(s *server.MCPServer, work Workspaces, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("list_workspaces",
			mcp.WithDescription("List running agent processes, one per repository."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			procs := work.List()
			if len(procs) == 0 {
				return mcp.NewToolResultText("No running workspaces"), nil
			}
			now := time.Now()
			var b strings.Builder
			for _, p := range procs {
				fmt.Fprintf(&b, "repo #%d: %s pid=%d port=%d dir=%s idle=%s\n",
					p.RepoID, p.State, p.PID, p.Port, p.Workdir, now.Sub(p.LastUsed).Round(time.Second))
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

func registerStartWorkspace(s *server.MCPServer, work Workspaces, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("start_workspace",
			mcp.WithDescription("Start the agent process for a repository, or return the one already running. Blocks until it is healthy."),
			mcp.WithNumber("repo_id", mcp.Required(), mcp.Description("Repository id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireRepoID(req.GetArguments())
			if err != nil {
				return nil, err
			}
			p, err := work.GetOrStart(ctx, id)
			if err != nil {
				return nil, err
			}
			text, err := toJSON(p.Info())
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(text), nil
		},
	)
}

func registerStopWorkspace(s *server.MCPServer, work Workspaces, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("stop_workspace",
			mcp.WithDescription("Stop the agent process for a repository."),
			mcp.WithNumber("repo_id", mcp.Required(), mcp.Description("Repository id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireRepoID(req.GetArguments())
			if err != nil {
				return nil, err
			}
			if err := work.Stop(id); err != nil {
				return nil, err
			}
			logger.Printf("Tools: stopped workspace for repo %d", id)
			return mcp.NewToolResultText(fmt.Sprintf("Stopped workspace for repo #%d", id)), nil
		},
	)
}
