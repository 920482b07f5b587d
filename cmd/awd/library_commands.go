package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/library"
)

func newLibraryCommand(ctx *commandContext) *cobra.Command {
	libraryCmd := &cobra.Command{
		Use:   "library",
		Short: "Inspect and maintain the placed-book index",
	}

	libraryCmd.AddCommand(newLibraryListCommand(ctx))
	libraryCmd.AddCommand(newLibraryScanCommand(ctx))
	libraryCmd.AddCommand(newLibraryRemoveCommand(ctx))

	return libraryCmd
}

func newLibraryListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List indexed audiobooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLibrary(func(cfg *config.Config, manager *library.Manager) error {
				entries, err := manager.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "Library index is empty")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, entry := range entries {
					rows = append(rows, []string{
						entry.ASIN,
						truncate(entry.Title, 48),
						humanize.Time(entry.PlacedAt),
						entry.Path,
					})
				}
				fmt.Fprint(out, renderTable(
					[]string{"ASIN", "Title", "Placed", "Path"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newLibraryScanCommand(ctx *commandContext) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Reconcile the index with files on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLibrary(func(cfg *config.Config, manager *library.Manager) error {
				target := dir
				if target == "" {
					target = cfg.Paths.LibraryDir
				}
				expanded, err := config.ExpandPath(target)
				if err != nil {
					return err
				}
				added, err := manager.Reconcile(cmd.Context(), expanded)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scanned %s: indexed %d new file(s)\n", expanded, added)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Directory to scan (defaults to the library directory)")
	return cmd
}

func newLibraryRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove ASIN",
		Short: "Drop one entry from the index (files are left alone)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLibrary(func(cfg *config.Config, manager *library.Manager) error {
				if err := manager.Remove(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from the index\n", args[0])
				return nil
			})
		},
	}
}
