package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/npmlens/npmlens/internal/analysis"
	"github.com/npmlens/npmlens/internal/scoring"
)

// NewConsumeCommand creates the consume subcommand: the worker pool
// draining the analysis queue.
func NewConsumeCommand(root *rootOptions) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Drain the analysis queue with a bounded worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := root.bootstrap("consume")
			if err != nil {
				return err
			}
			defer app.shutdown(context.Background())

			workers := app.Config.Consumer.Concurrency
			if cmd.Flags().Changed("concurrency") {
				workers = concurrency
			}

			return runConsume(app, workers)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0,
		"messages processed in parallel (overrides configuration)")

	return cmd
}

func runConsume(app *App, concurrency int) error {
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

	index, err := app.openSearchIndex()
	if err != nil {
		return err
	}

	var (
		scorer  analysis.DocScorer
		remover analysis.ScoreRemover
	)

	if index != nil {
		sc := scoring.NewScorer(scoring.ScorerOptions{
			Store:  s,
			Index:  index,
			Logger: app.Logger,
		})
		scorer, remover = sc, sc
	}

	app.serveMetrics(ctx)

	engine := app.buildEngine(s, reg, remover)

	consumer := analysis.NewConsumer(analysis.ConsumerOptions{
		Engine:      engine,
		Store:       s,
		Queue:       q,
		Scorer:      scorer,
		Logger:      app.Logger,
		Metrics:     app.Metrics,
		Concurrency: concurrency,
		MaxRetries:  app.Config.Queue.MaxRetries,
	})

	err = consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
