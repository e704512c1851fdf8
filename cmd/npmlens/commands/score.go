package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/npmlens/npmlens/internal/scoring"
)

// defaultScoreInterval paces continuous scoring cycles.
const defaultScoreInterval = time.Hour

// NewScoreCommand creates the score subcommand: aggregate the corpus
// statistics, then re-score every package into the search index.
func NewScoreCommand(root *rootOptions) *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Aggregate corpus statistics and rebuild the score index",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app, err := root.bootstrap("score")
			if err != nil {
				return err
			}
			defer app.shutdown(context.Background())

			return runScore(app, once, interval)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().DurationVar(&interval, "interval", defaultScoreInterval, "pause between cycles")

	return cmd
}

func runScore(app *App, once bool, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := app.openStore(ctx)
	if err != nil {
		return err
	}

	index, err := app.openSearchIndex()
	if err != nil {
		return err
	}
	if index == nil {
		return errors.New("score requires search.url to be configured")
	}

	aggregator := scoring.NewAggregator(scoring.AggregatorOptions{
		Store:  s,
		Logger: app.Logger,
	})

	scorer := scoring.NewScorer(scoring.ScorerOptions{
		Store:  s,
		Index:  index,
		Logger: app.Logger,
	})

	for {
		if err := scoreCycle(ctx, aggregator, scorer); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		if once {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func scoreCycle(ctx context.Context, aggregator *scoring.Aggregator, scorer *scoring.Scorer) error {
	if _, err := aggregator.Aggregate(ctx); err != nil {
		return fmt.Errorf("aggregate evaluations: %w", err)
	}

	if err := scorer.ScoreAll(ctx); err != nil {
		return fmt.Errorf("score corpus: %w", err)
	}

	return nil
}
