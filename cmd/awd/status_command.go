package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue contents and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()

				jobs, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}

				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						job.ASIN,
						truncate(job.Title, 40),
						string(job.Stage),
						progressCell(*job),
						speedCell(*job),
						etaCell(*job),
						errorCell(*job),
					})
				}
				fmt.Fprint(out, renderTable(
					[]string{"ASIN", "Title", "Stage", "Progress", "Speed", "ETA", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
				))

				summary, err := store.Summarize(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d total: %d queued, %d active, %d complete, %d failed, %d cancelled\n",
					summary.Total, summary.Queued, summary.Active, summary.Complete, summary.Failed, summary.Cancelled)
				return nil
			})
		},
	}
}
