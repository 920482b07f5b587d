package main

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/orchestrator"
	"github.com/aronjanosch/audible-web-downloader/internal/queue"
)

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var quality string

	cmd := &cobra.Command{
		Use:   "download ASIN [ASIN...]",
		Short: "Download audiobooks by catalog identifier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withPipeline(func(cfg *config.Config, store *queue.Store, orch *orchestrator.Orchestrator) error {
				if strings.TrimSpace(quality) != "" {
					cfg.Downloads.Quality = config.NormalizeQuality(quality)
				}

				runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				jobs, err := orch.EnqueueBatch(runCtx, args)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Enqueued %d item(s)\n", len(jobs))

				var stopProgress func()
				if stdoutIsTerminal() {
					stopProgress = streamProgress(out, orch)
				}

				runErr := orch.Run(runCtx)
				if stopProgress != nil {
					stopProgress()
				}
				if runErr != nil {
					return runErr
				}

				return printBatchSummary(out, store, cmd, jobs)
			})
		},
	}

	cmd.Flags().StringVarP(&quality, "quality", "q", "", "Audio quality (High or Normal)")
	return cmd
}

// streamProgress prints one line per stage change while the pipeline runs.
func streamProgress(out io.Writer, orch *orchestrator.Orchestrator) func() {
	updates, cancel := orch.Subscribe(64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		last := make(map[string]queue.Stage)
		for job := range updates {
			if last[job.ASIN] == job.Stage {
				continue
			}
			last[job.ASIN] = job.Stage
			line := fmt.Sprintf("%-14s %s", job.Stage, truncate(job.Title, 60))
			if job.Stage == queue.StageFailed && job.ErrorKind != "" {
				line += " (" + job.ErrorKind + ")"
			}
			fmt.Fprintln(out, line)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func printBatchSummary(out io.Writer, store *queue.Store, cmd *cobra.Command, jobs []*queue.Job) error {
	rows := make([][]string, 0, len(jobs))
	failures := 0
	for _, enqueued := range jobs {
		job, err := store.Get(cmd.Context(), enqueued.ASIN)
		if err != nil {
			return err
		}
		if job.Stage != queue.StageComplete {
			failures++
		}
		rows = append(rows, []string{
			job.ASIN,
			truncate(job.Title, 48),
			string(job.Stage),
			progressCell(*job),
			errorCell(*job),
		})
	}

	fmt.Fprint(out, renderTable(
		[]string{"ASIN", "Title", "Result", "Transferred", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
	if failures > 0 {
		return fmt.Errorf("%d of %d item(s) did not complete", failures, len(jobs))
	}
	return nil
}
