// Ragd is a multi-tenant retrieval-augmented generation server.
//
// It stores documents per tenant, answers questions from them and enforces
// plan quotas. Configuration is read from ~/.config/ragd/config.yaml and
// RAGD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Serve the HTTP API
//	ragd
//
//	# Serve MCP tools over stdio for the local user
//	ragd mcp
//
//	# Mint a development token
//	ragd token --subject alice
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "ragd",
		Short: "Multi-tenant retrieval-augmented generation server",
		Long: `ragd stores documents per tenant and answers questions from them.

Run without a subcommand to serve the HTTP API.`,
		Version:       version,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/ragd/config.yaml)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newMCPCmd(opts))
	cmd.AddCommand(newTokenCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

// printVersion prints version information
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "ragd by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}
