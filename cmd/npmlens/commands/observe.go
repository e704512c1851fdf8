package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/npmlens/npmlens/internal/observer"
	"github.com/npmlens/npmlens/internal/queue"
)

// NewObserveCommand creates the observe subcommand: the realtime CDC
// follower plus the periodic staleness sweep, both feeding the queue.
func NewObserveCommand(root *rootOptions) *cobra.Command {
	var defaultSeq int64

	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Follow the registry changes feed and enqueue packages for analysis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := root.bootstrap("observe")
			if err != nil {
				return err
			}
			defer app.shutdown(context.Background())

			seq := int64(app.Config.Observer.DefaultSeq)
			if cmd.Flags().Changed("default-seq") {
				seq = defaultSeq
			}

			return runObserve(app, seq)
		},
	}

	cmd.Flags().Int64Var(&defaultSeq, "default-seq", 0,
		"seq to start from when no checkpoint exists (0 means now)")

	return cmd
}

func runObserve(app *App, defaultSeq int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := app.openStore(ctx)
	if err != nil {
		return err
	}

	reg, err := app.openRegistry()
	if err != nil {
		return err
	}

	q, err := app.openQueue()
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	app.serveMetrics(ctx)

	cfg := app.Config.Observer

	realtime := observer.NewRealtime(observer.RealtimeOptions{
		Source:       reg,
		Store:        s,
		OnPackages:   pushAll(q),
		Logger:       app.Logger,
		Metrics:      app.Metrics,
		DefaultSeq:   defaultSeq,
		BufferSize:   cfg.BufferSize,
		FlushDelay:   cfg.FlushDelay,
		RestartDelay: cfg.RestartDelay,
	})

	stale := observer.NewStale(observer.StaleOptions{
		Store:    s,
		Queue:    q,
		Logger:   app.Logger,
		Interval: cfg.Stale.Interval,
		Window:   cfg.Stale.Window,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return realtime.Run(gctx) })
	g.Go(func() error { return stale.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// pushAll enqueues every name of a flushed batch.
func pushAll(q queue.Queue) func(ctx context.Context, names []string) error {
	return func(ctx context.Context, names []string) error {
		for _, name := range names {
			if err := q.Push(ctx, name); err != nil {
				return err
			}
		}

		return nil
	}
}
