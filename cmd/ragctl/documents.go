package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

func newAddCmd(opts *globalOptions) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "add [file]",
		Short: "Upload a document from a file or stdin",
		Long: `Upload a plain text document. The title defaults to the file name.

Examples:
  # Upload a file
  ragctl add runbook.md

  # Upload from stdin
  cat notes.txt | ragctl add - --title "Meeting notes"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			var err error
			if len(args) == 0 || args[0] == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read from stdin: %w", err)
				}
			} else {
				content, err = os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("failed to read file %s: %w", args[0], err)
				}
				if title == "" {
					title = filepath.Base(args[0])
				}
			}
			if strings.TrimSpace(string(content)) == "" {
				return fmt.Errorf("no content to upload")
			}
			if title == "" {
				return fmt.Errorf("--title is required when reading from stdin")
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.AddDocument(cmd.Context(), title, string(content))
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%d chunks)\n", res.DocumentID, res.ChunksCreated)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title")
	return cmd
}

func newListCmd(opts *globalOptions) *cobra.Command {
	var lo vectorstore.ListOptions
	var sortBy, sortOrder string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lo.SortBy = vectorstore.SortField(sortBy)
			lo.SortOrder = vectorstore.SortOrder(sortOrder)

			c, err := opts.client()
			if err != nil {
				return err
			}
			page, err := c.ListDocuments(cmd.Context(), lo)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), page)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tVECTORS\tSIZE\tCREATED")
			for _, d := range page.Items {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					d.ID, d.Title, d.VectorCount, d.ContentLength, d.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d of %d", len(page.Items), page.Total)
			if page.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), " (next: --offset %d)", page.Offset+len(page.Items))
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().IntVar(&lo.Limit, "limit", 0, "page size (server default when 0)")
	cmd.Flags().IntVar(&lo.Offset, "offset", 0, "documents to skip")
	cmd.Flags().StringVar(&lo.Search, "search", "", "filter by title substring")
	cmd.Flags().StringVar(&sortBy, "sort-by", "", "created_at, title, vector_count or content_length")
	cmd.Flags().StringVar(&sortOrder, "order", "", "asc or desc")
	return cmd
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Delete a document and its vectors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.DeleteDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%d vectors)\n", res.DocumentID, res.VectorsRemoved)
			return nil
		},
	}
}
