package workspace

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/agentgate/internal/domain"
)

func registerListRepos(s *server.MCPServer, repos Repos, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("list_repos",
			mcp.WithDescription("List cloned repositories with their clone status and local path."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			list, err := repos.List()
			if err != nil {
				return nil, err
			}
			if len(list) == 0 {
				return mcp.NewToolResultText("No repositories"), nil
			}
			var b strings.Builder
			for _, r := range list {
				fmt.Fprintf(&b, "#%d %s [%s] %s", r.ID, r.LocalPath, r.CloneStatus, r.RepoURL)
				if r.Branch != "" {
					fmt.Fprintf(&b, " (branch %s)", r.Branch)
				}
				if r.IsWorktree {
					b.WriteString(" worktree")
				}
				if r.Error != "" {
					fmt.Fprintf(&b, " error: %s", r.Error)
				}
				b.WriteString("\n")
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

func registerGetRepo(s *server.MCPServer, repos Repos, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("get_repo",
			mcp.WithDescription("Get one repository as JSON."),
			mcp.WithNumber("repo_id", mcp.Required(), mcp.Description("Repository id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireRepoID(req.GetArguments())
			if err != nil {
				return nil, err
			}
			repo, err := repos.Get(id)
			if err != nil {
				return nil, err
			}
			text, err := toJSON(repo)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(text), nil
		},
	)
}

func registerCreateRepo(s *server.MCPServer, repos Repos, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("create_repo",
			mcp.WithDescription("Clone a repository in the background, or add a worktree of an existing clone. Poll get_repo until cloneStatus is ready."),
			mcp.WithString("repo_url", mcp.Required(), mcp.Description("Git URL (https, ssh, git, file or scp-like)")),
			mcp.WithString("branch", mcp.Description("Branch to check out (required for worktrees)")),
			mcp.WithBoolean("use_worktree", mcp.Description("Create a git worktree of the existing clone instead of a new clone")),
			mcp.WithString("config_name", mcp.Description("Name of an agent config file in the config directory (optional)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			repoURL, err := requireString(args, "repo_url")
			if err != nil {
				return nil, err
			}
			repo, err := repos.Create(ctx, domain.CreateRepoRequest{
				RepoURL:            repoURL,
				Branch:             optionalString(args, "branch"),
				UseWorktree:        optionalBool(args, "use_worktree"),
				OpenCodeConfigName: optionalString(args, "config_name"),
			})
			if err != nil {
				return nil, err
			}
			logger.Printf("Tools: create_repo %s -> #%d %s", repoURL, repo.ID, repo.LocalPath)
			return mcp.NewToolResultText(fmt.Sprintf("Repository #%d (%s) is cloning into %s", repo.ID, repo.RepoURL, repo.LocalPath)), nil
		},
	)
}

func registerPullRepo(s *server.MCPServer, repos Repos, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("pull_repo",
			mcp.WithDescription("Fast-forward a ready repository from its remote."),
			mcp.WithNumber("repo_id", mcp.Required(), mcp.Description("Repository id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireRepoID(req.GetArguments())
			if err != nil {
				return nil, err
			}
			repo, err := repos.Pull(ctx, id)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Pulled #%d on branch %s", repo.ID, repo.Branch)), nil
		},
	)
}
