package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/jaakkos/agentgate/internal/api"
	"github.com/jaakkos/agentgate/internal/app"
	"github.com/jaakkos/agentgate/internal/health"
	"github.com/jaakkos/agentgate/internal/policy"
	"github.com/jaakkos/agentgate/internal/ports"
	"github.com/jaakkos/agentgate/internal/proxy"
	"github.com/jaakkos/agentgate/internal/repository"
	"github.com/jaakkos/agentgate/internal/runner"
	"github.com/jaakkos/agentgate/internal/supervisor"
	"github.com/jaakkos/agentgate/internal/tools/workspace"
	"github.com/jaakkos/agentgate/internal/watch"
	"github.com/jaakkos/agentgate/internal/worktree"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and process supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTPPort = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (0 picks a free port; default from config)")
	return cmd
}

func serve(cfg *policy.Config) error {
	pol := policy.New(cfg)
	logger := setupLogger(pol.LogFile())
	logger.Println("Starting agentgate...")
	logger.Printf("Log file: %s", pol.LogFile())
	logger.Printf("Workspace: %s", pol.WorkspacePath())

	for _, dir := range []string{pol.ReposDir(), pol.ConfigDir(), pol.AgentLogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	store, err := repository.NewRepoStore(pol.StateFile())
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("Warning: close state store: %v", err)
		}
	}()

	run := runner.Exec{Env: append(os.Environ(), "GIT_TERMINAL_PROMPT=0")}
	git := worktree.NewManager(run, pol.WorktreesDir(), pol.WorktreeBranchPrefix(), logger)
	svc := app.NewRepoService(store, git, pol, logger)
	defer svc.Close()

	// Clones interrupted by the last shutdown can never finish.
	if err := svc.Recover(); err != nil {
		logger.Printf("Warning: recover interrupted clones: %v", err)
	}

	minPort, maxPort := pol.PortRange()
	alloc, err := ports.New(minPort, maxPort, pol.PortAttempts())
	if err != nil {
		return err
	}

	hub := api.NewHub(store, logger)
	go hub.Run()
	defer hub.Stop()

	checker := health.New(pol.HealthPath(), health.WithLogger(logger))
	sup := supervisor.New(supervisor.ConfigFromPolicy(pol), svc, alloc, checker, logger, supervisor.WithEventSink(hub))
	svc.SetProcessStopper(sup)
	fwd := proxy.New(sup, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ignore SIGHUP so the server keeps running when daemonized (nohup, launchd, etc.)
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	go sup.Start(ctx)

	watcher := watch.New(svc, logger, []string{pol.ReposDir(), pol.WorktreesDir()})
	go watcher.Start(ctx)

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})
	mcpServer := server.NewMCPServer("agentgate", Version, server.WithHooks(hooks))
	workspace.Register(mcpServer, svc, sup, logger, workspace.WithForwarder(fwd), workspace.WithToolFilter(pol))

	apiServer := api.NewServer(svc, sup, fwd, hub, logger, api.WithEventLog(store))

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpServer))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", pol.HTTPPort()))
	if err != nil {
		return fmt.Errorf("HTTP listen: %w", err)
	}
	baseURL := fmt.Sprintf("http://localhost:%d", ln.Addr().(*net.TCPAddr).Port)
	logger.Printf("HTTP server on %s", baseURL)
	logger.Printf("  API:        %s/api", baseURL)
	logger.Printf("  MCP:        %s/mcp", baseURL)

	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Printf("HTTP server error: %v", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown error: %v", err)
	}

	watcher.Stop()
	if err := sup.StopAll(); err != nil {
		logger.Printf("Warning: stop workspaces: %v", err)
	}
	logger.Println("Server stopped")
	return nil
}
