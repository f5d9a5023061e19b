package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/answer-engine-crawler/internal/app"
	"github.com/JakeFAU/answer-engine-crawler/internal/clock/system"
	"github.com/JakeFAU/answer-engine-crawler/internal/issuer"
)

func newAwaitCmd() *cobra.Command {
	var (
		attempts     int
		interval     time.Duration
		showProgress bool
	)
	cmd := &cobra.Command{
		Use:   "await TASK_ID",
		Short: "Wait for a task, then persist its results and trigger the next stage",
		Long: `Polls the task's status flag at a fixed interval while showing how many
queries have reported. Once the executor finishes, the results are persisted
idempotently and the continuation is published. Running out of attempts is
not a failure: the task is reported as still in progress.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if attempts <= 0 {
				attempts = a.Config.Issuer.PollMaxAttempts
			}
			if interval <= 0 {
				interval = a.Config.PollInterval()
			}
			var progressOut io.Writer = io.Discard
			if showProgress {
				progressOut = cmd.ErrOrStderr()
			}
			report, err := awaitTask(cmd.Context(), a, args[0], attempts, interval, progressOut)
			if errors.Is(err, issuer.ErrPollTimeout) {
				fmt.Fprintf(cmd.ErrOrStderr(), "task %s still in progress after %d polls\n", args[0], attempts)
				return printJSON(cmd.OutOrStdout(), report)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&attempts, "attempts", 0, "maximum polls (default issuer.poll_max_attempts)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between polls (default issuer.poll_interval_seconds)")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "draw a progress bar on stderr")
	return cmd
}

func awaitTask(ctx context.Context, a *app.App, taskID string, attempts int, interval time.Duration, progressOut io.Writer) (issuer.CollectReport, error) {
	task, err := a.Issuer.Task(ctx, taskID)
	if err != nil {
		return issuer.CollectReport{TaskID: taskID}, err
	}
	bar := newProgressBar(task.TotalQueries, "awaiting "+taskID, progressOut)

	for attempt := 1; attempt <= attempts; attempt++ {
		results, err := a.Queue.Results(ctx, taskID)
		if err != nil {
			return issuer.CollectReport{TaskID: taskID}, fmt.Errorf("read results: %w", err)
		}
		_ = bar.Set(len(results))
		flag, err := a.Issuer.Status(ctx, taskID)
		if err != nil {
			return issuer.CollectReport{TaskID: taskID}, err
		}
		if flag.Done() {
			_ = bar.Finish()
			break
		}
		if attempt == attempts {
			break
		}
		if err := (system.Clock{}).Sleep(ctx, interval); err != nil {
			return issuer.CollectReport{TaskID: taskID}, fmt.Errorf("await interrupted: %w", err)
		}
	}
	return a.Issuer.CollectWith(ctx, taskID, 1, interval)
}

func newProgressBar(total int, description string, w io.Writer) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
