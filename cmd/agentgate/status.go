package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaakkos/agentgate/internal/domain"
	"github.com/jaakkos/agentgate/internal/policy"
)

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running server's health and workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				addr = fmt.Sprintf("http://localhost:%d", policy.New(cfg).HTTPPort())
			}
			client := &http.Client{Timeout: 5 * time.Second}
			return printStatus(cmd.OutOrStdout(), client, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Server base URL (default from config)")
	return cmd
}

func printStatus(w io.Writer, client *http.Client, baseURL string) error {
	var health struct {
		Status     string `json:"status"`
		Uptime     string `json:"uptime"`
		Repos      int    `json:"repos"`
		Workspaces int    `json:"workspaces"`
		Clients    int    `json:"clients"`
	}
	if err := getJSON(client, baseURL+"/api/health", &health); err != nil {
		return fmt.Errorf("server not reachable at %s: %w", baseURL, err)
	}
	fmt.Fprintf(w, "status=%s uptime=%s repos=%d workspaces=%d clients=%d\n",
		health.Status, health.Uptime, health.Repos, health.Workspaces, health.Clients)

	var procs []domain.ProcessInfo
	if err := getJSON(client, baseURL+"/api/workspaces", &procs); err != nil {
		return err
	}
	for _, p := range procs {
		fmt.Fprintf(w, "  repo %d: %s pid=%d port=%d %s\n", p.RepoID, p.State, p.PID, p.Port, p.Workdir)
	}
	return nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
