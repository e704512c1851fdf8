package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/npmlens/npmlens/internal/analysis"
	"github.com/npmlens/npmlens/internal/scoring"
	"github.com/npmlens/npmlens/internal/store"
)

// timePrecision rounds elapsed times in human output.
const timePrecision = time.Millisecond

// NewAnalyzeCommand creates the analyze subcommand: a one-shot
// analysis of a single package, bypassing the queue.
func NewAnalyzeCommand(root *rootOptions) *cobra.Command {
	var (
		asJSON    bool
		noAnalyze bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <package>",
		Short: "Analyze one package and print its evaluation and score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := root.bootstrap("analyze")
			if err != nil {
				return err
			}
			defer app.shutdown(context.Background())

			return runAnalyze(cmd, app, args[0], asJSON, noAnalyze)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the analysis and score as JSON")
	cmd.Flags().BoolVar(&noAnalyze, "no-analyze", false,
		"re-score the stored analysis instead of re-analyzing")

	return cmd
}

func runAnalyze(cmd *cobra.Command, app *App, name string, asJSON, noAnalyze bool) error {
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

	var scorer *scoring.Scorer
	if index != nil {
		scorer = scoring.NewScorer(scoring.ScorerOptions{
			Store:  s,
			Index:  index,
			Logger: app.Logger,
		})
	}

	doc, err := analyzeDoc(ctx, app, s, scorer, name, noAnalyze)
	if err != nil {
		return err
	}

	score := scoreDoc(ctx, app, s, scorer, doc)

	if asJSON {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")

		return encoder.Encode(struct {
			Analysis *analysis.Doc  `json:"analysis"`
			Score    *scoring.Score `json:"score,omitempty"`
		}{doc, score})
	}

	printEvaluation(cmd, doc)

	if score != nil {
		printScore(cmd, *score)
	}

	return nil
}

// analyzeDoc runs the pipeline for name, or with noAnalyze loads the
// stored analysis untouched.
func analyzeDoc(ctx context.Context, app *App, s store.Store, scorer *scoring.Scorer, name string, noAnalyze bool) (*analysis.Doc, error) {
	if noAnalyze {
		stored := &analysis.Doc{}
		if err := s.Get(ctx, store.PackageKey(name), stored); err != nil {
			return nil, fmt.Errorf("load stored analysis of %q: %w", name, err)
		}

		return stored, nil
	}

	reg, err := app.openRegistry()
	if err != nil {
		return nil, err
	}

	var remover analysis.ScoreRemover
	if scorer != nil {
		remover = scorer
	}

	doc, err := app.buildEngine(s, reg, remover).Analyze(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("analyze %q: %w", name, err)
	}

	return doc, nil
}

// scoreDoc positions the analysis against the corpus aggregation and
// refreshes the search index when one is configured. Nil when the
// analysis failed or no aggregation has been computed yet.
func scoreDoc(ctx context.Context, app *App, s store.Store, scorer *scoring.Scorer, doc *analysis.Doc) *scoring.Score {
	if !doc.Succeeded() {
		return nil
	}

	var agg scoring.Aggregation

	if err := s.Get(ctx, store.KeyAggregation, &agg); err != nil {
		app.Logger.WarnContext(ctx, "no aggregation available, skipping score",
			slog.String("package", doc.Name), slog.Any("error", err))

		return nil
	}

	if scorer != nil {
		if err := scorer.Score(ctx, doc); err != nil {
			app.Logger.WarnContext(ctx, "indexing score failed",
				slog.String("package", doc.Name), slog.Any("error", err))
		}
	}

	score := scoring.Compute(doc.Evaluation, &agg)

	return &score
}

func printEvaluation(cmd *cobra.Command, doc *analysis.Doc) {
	e := doc.Evaluation
	if e == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no evaluation produced\n", doc.Name)

		return
	}

	w := table.NewWriter()
	w.SetOutputMirror(cmd.OutOrStdout())
	w.SetTitle("%s (analyzed in %s)", doc.Name, doc.FinishedAt.Sub(doc.StartedAt).Round(timePrecision))
	w.AppendHeader(table.Row{"Dimension", "Member", "Value"})

	w.AppendRows([]table.Row{
		{"quality", "carefulness", fmt.Sprintf("%.3f", e.Quality.Carefulness)},
		{"quality", "tests", fmt.Sprintf("%.3f", e.Quality.Tests)},
		{"quality", "dependenciesHealth", fmt.Sprintf("%.3f", e.Quality.DependenciesHealth)},
		{"quality", "branding", fmt.Sprintf("%.3f", e.Quality.Branding)},
	})
	w.AppendSeparator()
	w.AppendRows([]table.Row{
		{"popularity", "communityInterest", fmt.Sprintf("%.0f", e.Popularity.CommunityInterest)},
		{"popularity", "downloadsCount", fmt.Sprintf("%.1f", e.Popularity.DownloadsCount)},
		{"popularity", "downloadsAcceleration", fmt.Sprintf("%.2f", e.Popularity.DownloadsAcceleration)},
		{"popularity", "dependentsCount", fmt.Sprintf("%.0f", e.Popularity.DependentsCount)},
	})
	w.AppendSeparator()
	w.AppendRows([]table.Row{
		{"maintenance", "recentCommits", fmt.Sprintf("%.3f", e.Maintenance.RecentCommits)},
		{"maintenance", "commitsFrequency", fmt.Sprintf("%.3f", e.Maintenance.CommitsFrequency)},
		{"maintenance", "openIssues", fmt.Sprintf("%.3f", e.Maintenance.OpenIssues)},
		{"maintenance", "issuesDistribution", fmt.Sprintf("%.3f", e.Maintenance.IssuesDistribution)},
	})

	w.Render()
}

func printScore(cmd *cobra.Command, score scoring.Score) {
	w := table.NewWriter()
	w.SetOutputMirror(cmd.OutOrStdout())
	w.AppendHeader(table.Row{"Score", "Value"})

	w.AppendRows([]table.Row{
		{"quality", fmt.Sprintf("%.3f", score.Detail.Quality)},
		{"popularity", fmt.Sprintf("%.3f", score.Detail.Popularity)},
		{"maintenance", fmt.Sprintf("%.3f", score.Detail.Maintenance)},
	})
	w.AppendSeparator()
	w.AppendRow(table.Row{"final", fmt.Sprintf("%.3f", score.Final)})

	w.Render()
}
