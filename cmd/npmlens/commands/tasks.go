package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/npmlens/npmlens/internal/scoring"
	"github.com/npmlens/npmlens/internal/tasks"
)

// NewTasksCommand creates the tasks subcommand group: operational
// sweeps run by hand against the live stores.
func NewTasksCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Operational sweeps (cleanup and bulk enqueueing)",
	}

	cmd.AddCommand(
		newCleanExtraneousCommand(root),
		newEnqueueOutdatedCommand(root),
		newEnqueueViewCommand(root),
	)

	return cmd
}

func newCleanExtraneousCommand(root *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "clean-extraneous",
		Short: "Delete analyses and scores of packages gone from the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := root.bootstrap("tasks")
			if err != nil {
				return err
			}
			defer app.shutdown(context.Background())

			ctx, stop := taskContext()
			defer stop()

			runner, err := buildTaskRunner(ctx, app, dryRun, false)
			if err != nil {
				return err
			}

			removed, err := runner.CleanExtraneous(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d extraneous package(s)%s\n",
				removed, dryRunSuffix(dryRun))

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")

	return cmd
}

func newEnqueueOutdatedCommand(root *rootOptions) *cobra.Command {
	var (
		dryRun bool
		window time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue-outdated",
		Short: "Enqueue packages whose analysis is older than the staleness window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := root.bootstrap("tasks")
			if err != nil {
				return err
			}
			defer app.shutdown(context.Background())

			ctx, stop := taskContext()
			defer stop()

			if !cmd.Flags().Changed("window") {
				window = app.Config.Observer.Stale.Window
			}

			runner, err := buildTaskRunner(ctx, app, dryRun, true)
			if err != nil {
				return err
			}

			enqueued, err := runner.EnqueueOutdated(ctx, window)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d outdated package(s)%s\n",
				enqueued, dryRunSuffix(dryRun))

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without enqueueing")
	cmd.Flags().DurationVar(&window, "window", 0, "staleness window (defaults to observer.stale.window)")

	return cmd
}

func newEnqueueViewCommand(root *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "enqueue-view",
		Short: "Enqueue every package the source registry lists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := root.bootstrap("tasks")
			if err != nil {
				return err
			}
			defer app.shutdown(context.Background())

			ctx, stop := taskContext()
			defer stop()

			runner, err := buildTaskRunner(ctx, app, dryRun, true)
			if err != nil {
				return err
			}

			enqueued, err := runner.EnqueueView(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d package(s)%s\n",
				enqueued, dryRunSuffix(dryRun))

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without enqueueing")

	return cmd
}

func taskContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func dryRunSuffix(dryRun bool) string {
	if dryRun {
		return " (dry run)"
	}

	return ""
}

// buildTaskRunner wires the collaborators the sweeps need. The queue
// is only opened when a sweep pushes.
func buildTaskRunner(ctx context.Context, app *App, dryRun, needsQueue bool) (*tasks.Runner, error) {
	s, err := app.openStore(ctx)
	if err != nil {
		return nil, err
	}

	reg, err := app.openRegistry()
	if err != nil {
		return nil, err
	}

	opts := tasks.RunnerOptions{
		Store:    s,
		Registry: reg,
		Names:    reg,
		Logger:   app.Logger,
		DryRun:   dryRun,
	}

	if needsQueue && !dryRun {
		q, err := app.openQueue()
		if err != nil {
			return nil, err
		}
		opts.Queue = q
	}

	index, err := app.openSearchIndex()
	if err != nil {
		return nil, err
	}
	if index != nil {
		opts.Remover = scoring.NewScorer(scoring.ScorerOptions{
			Store:  s,
			Index:  index,
			Logger: app.Logger,
		})
	}

	runner := tasks.NewRunner(opts)

	return runner, nil
}
