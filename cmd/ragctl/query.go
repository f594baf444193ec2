package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragd/internal/query"
)

func newQueryCmd(opts *globalOptions) *cobra.Command {
	var prefs query.Preferences
	var temperature float64
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a question about your documents",
		Long: `Ask a question. The answer is generated from the most relevant chunks of
your documents and lists them as sources.

Examples:
  ragctl query "How do I rotate the signing key?"
  ragctl query --max-results 3 --persona "a terse SRE" what pages on-call`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("temperature") {
				prefs.Temperature = &temperature
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Query(cmd.Context(), strings.Join(args, " "), prefs)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.Answer)
			if len(res.Sources) > 0 {
				fmt.Fprintln(out, "\nSources:")
				for i, s := range res.Sources {
					fmt.Fprintf(out, "  [%d] %s (%s, score %.2f)\n", i+1, s.Title, s.DocumentID, s.Score)
				}
			}
			fmt.Fprintf(out, "\nConfidence: %.2f", res.Confidence)
			if res.Model != "" {
				fmt.Fprintf(out, "  Model: %s", res.Model)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&prefs.MaxResults, "max-results", 0, "maximum source chunks (server default when 0)")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "generation temperature")
	cmd.Flags().StringVar(&prefs.Persona, "persona", "", "answer persona")
	return cmd
}
