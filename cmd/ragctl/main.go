// Package main implements ragctl, a command-line client for the ragd HTTP
// API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragd/internal/client"
)

var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
	json    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "ragctl",
		Short: "CLI for the ragd HTTP API",
		Long: `ragctl is a command-line interface for the ragd HTTP server.
It uploads and lists documents, asks questions and shows quota usage.

The server and token default to $RAGD_SERVER and $RAGD_TOKEN.`,
		Version:      version,
		SilenceUsage: true,
	}

	server := os.Getenv("RAGD_SERVER")
	if server == "" {
		server = "http://localhost:9090"
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "ragd server URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("RAGD_TOKEN"), "bearer token")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	cmd.AddCommand(newHealthCmd(opts))
	cmd.AddCommand(newAddCmd(opts))
	cmd.AddCommand(newListCmd(opts))
	cmd.AddCommand(newDeleteCmd(opts))
	cmd.AddCommand(newQueryCmd(opts))
	cmd.AddCommand(newQuotaCmd(opts))
	cmd.AddCommand(newStatsCmd(opts))
	cmd.AddCommand(newPlanCmd(opts))
	cmd.AddCommand(newMonitorCmd(opts))
	return cmd
}

func (o *globalOptions) client() (*client.Client, error) {
	var opts []client.Option
	if o.token != "" {
		opts = append(opts, client.WithToken(o.token))
	}
	opts = append(opts, client.WithHTTPClient(&http.Client{Timeout: o.timeout}))
	return client.New(o.server, opts...)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check ragd server health",
		Long: `Check the health status of the ragd HTTP server.

Examples:
  # Check health
  ragctl health

  # Check health on a different server
  ragctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			health, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), health)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", health.Status)
			return nil
		},
	}
}
