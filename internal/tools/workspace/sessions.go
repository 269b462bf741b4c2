package workspace

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/agentgate/internal/proxy"
)

// maxToolOutput bounds the downstream body returned in a tool result.
const maxToolOutput = 64 << 10

func registerSessionCall(s *server.MCPServer, forward Forwarder, logger *log.Logger) {
	s.AddTool(
		mcp.NewTool("session_call",
			mcp.WithDescription("Call a session endpoint on a repository's agent process, starting it if needed. "+
				"Operations: create_session, list_sessions, get_session, delete_session, list_messages, send_message, command, shell, abort."),
			mcp.WithNumber("repo_id", mcp.Required(), mcp.Description("Repository id")),
			mcp.WithString("op", mcp.Required(), mcp.Description("Operation name")),
			mcp.WithString("session_id", mcp.Description("Session id, required for session-scoped operations")),
			mcp.WithString("body", mcp.Description("JSON request body (optional)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, err := requireRepoID(args)
			if err != nil {
				return nil, err
			}
			name, err := requireString(args, "op")
			if err != nil {
				return nil, err
			}
			op := proxy.ParseOp(name)
			switch op {
			case proxy.OpUnknown:
				return nil, fmt.Errorf("%w %q", proxy.ErrUnknownOp, name)
			case proxy.OpEvents:
				return nil, fmt.Errorf("op %q streams and is only available over HTTP", name)
			}

			var body io.Reader
			header := http.Header{}
			if raw := optionalString(args, "body"); raw != "" {
				body = strings.NewReader(raw)
				header.Set("Content-Type", "application/json")
			}
			resp, err := forward.ForwardOp(ctx, id, op, optionalString(args, "session_id"), nil, body, header)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(io.LimitReader(resp.Body, maxToolOutput+1))
			if err != nil {
				return nil, fmt.Errorf("read response: %w", err)
			}
			text := string(data)
			if len(data) > maxToolOutput {
				text = string(data[:maxToolOutput]) + "\n... (truncated)"
			}
			logger.Printf("Tools: session_call %s repo %d -> %d [%s]", op, id, resp.StatusCode, resp.RequestID)
			return mcp.NewToolResultText(text), nil
		},
	)
}
