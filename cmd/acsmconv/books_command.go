package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"acsmconv/internal/api"
	"acsmconv/internal/library"
)

func newBooksCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "books",
		Short: "List finished artifacts in the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			var books []api.Book
			if client := ctx.daemonClient(cmd.Context()); client != nil {
				books, err = client.Books(cmd.Context())
			} else {
				var lib *library.Library
				lib, err = library.New(cfg.Paths.OutputDir, cfg.CoverDir(), nil)
				if err == nil {
					var listed []library.Book
					listed, err = lib.List(cmd.Context())
					books = api.FromBooks(listed)
				}
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd, api.BookListResponse{Books: books})
			}
			if len(books) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Output directory is empty")
				return nil
			}
			table := renderTable(
				[]string{"Book", "Formats", "Size", "Cover", "Updated"},
				buildBookRows(books),
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			)
			fmt.Fprint(cmd.OutOrStdout(), table)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func buildBookRows(books []api.Book) [][]string {
	rows := make([][]string, 0, len(books))
	for _, book := range books {
		formats := make([]string, 0, len(book.Files))
		var size int64
		for _, file := range book.Files {
			formats = append(formats, file.Format)
			size += file.Size
		}
		rows = append(rows, []string{
			truncate(book.Stem, 48),
			strings.Join(formats, ", "),
			formatBytes(size),
			yesNo(book.Cover != ""),
			formatTimestamp(book.Updated),
		})
	}
	return rows
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
