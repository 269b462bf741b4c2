// agentgate clones repositories, runs one agent server per repository on
// demand, and proxies session calls from the UI to the right process.
package main

import (
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

// Version is set by -ldflags at build time.
var Version = "dev"

var flagConfig string

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentgate",
		Short: "Per-repository agent process supervisor",
		Long: `agentgate manages cloned repositories and starts one agent server
per repository on first use. Session calls from the UI are forwarded to
the right process, which is restarted on crash and stopped when idle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (or AGENTGATE_CONFIG env var)")
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("agentgate {{.Version}} (" + goruntime.Version() + ")\n")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentgate %s\n", Version)
		},
	}
}
