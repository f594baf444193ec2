package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragd/internal/monitor"
	"github.com/fyrsmithlabs/ragd/internal/quota"
)

func newQuotaCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show usage against your plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := c.Quota(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printStatus(cmd, st)
		},
	}
}

func printStatus(cmd *cobra.Command, st *quota.Status) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Tenant: %s  Plan: %s\n\n", st.TenantID, st.Plan)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DIMENSION\tUSAGE\tUSED\tPERIOD")
	for _, dim := range quota.Dimensions {
		ds := st.Dimensions[dim]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			monitor.DimensionLabel(dim), monitor.FormatUsage(dim, ds),
			monitor.FormatPercentage(ds.Percentage), st.Periods[dim])
	}
	return w.Flush()
}

func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Plan:       %s\n", stats.Plan)
			fmt.Fprintf(out, "Documents:  %d\n", stats.Documents)
			fmt.Fprintf(out, "Vectors:    %d\n", stats.Vectors)
			fmt.Fprintf(out, "Storage:    %s\n", monitor.FormatBytes(stats.StorageBytes))
			if !stats.LastUpdated.IsZero() {
				fmt.Fprintf(out, "Updated:    %s\n", stats.LastUpdated.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newPlanCmd(opts *globalOptions) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "plan <free|basic|premium>",
		Short: "Change a tenant's plan (admin)",
		Long: `Change the plan of a tenant. Requires a token with the admin scope.

Examples:
  ragctl plan premium --tenant alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := c.UpdatePlan(cmd.Context(), tenantID, args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printStatus(cmd, st)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant to change (default: the caller)")
	return cmd
}

func newMonitorCmd(opts *globalOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live dashboard of quota usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval < time.Second {
				return fmt.Errorf("--interval must be at least 1s")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			model := monitor.NewModel(c, c.BaseURL(), interval)
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "refresh interval")
	return cmd
}
