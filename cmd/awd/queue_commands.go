package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aronjanosch/audible-web-downloader/internal/config"
	"github.com/aronjanosch/audible-web-downloader/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the download queue",
	}

	queueCmd.AddCommand(newQueueRemoveCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))

	return queueCmd
}

func newQueueRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove ASIN",
		Short: "Remove one job from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				if err := store.Remove(cmd.Context(), args[0]); err != nil {
					if errors.Is(err, queue.ErrNotFound) {
						return fmt.Errorf("no queued job for %s", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop finished jobs from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				removed, err := store.ClearCompleted(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d job(s)\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only clear jobs finished longer ago than this (default: all finished jobs)")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry ASIN",
		Short: "Reset a failed job so the next download run picks it up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				job, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					if errors.Is(err, queue.ErrNotFound) {
						return fmt.Errorf("no queued job for %s", args[0])
					}
					return err
				}
				if job.Stage.Live() {
					return fmt.Errorf("job %s is still %s", args[0], job.Stage)
				}
				fresh, err := store.Enqueue(cmd.Context(), job.ASIN, job.Title, job.Quality, job.BatchID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s (%s)\n", fresh.ASIN, fresh.Title)
				return nil
			})
		},
	}
}
