package scoring

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/npmlens/npmlens/internal/analysis"
	"github.com/npmlens/npmlens/internal/collectors"
	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/evaluators"
	"github.com/npmlens/npmlens/internal/manifest"
	"github.com/npmlens/npmlens/internal/store"
)

// ScoreDetail breaks the final score into its dimensions.
type ScoreDetail struct {
	Quality     float64 `json:"quality"`
	Popularity  float64 `json:"popularity"`
	Maintenance float64 `json:"maintenance"`
}

// Score is the search-ready score of one package.
type Score struct {
	Final  float64     `json:"final"`
	Detail ScoreDetail `json:"detail"`
}

// ScoreDoc is the document indexed into the search engine, keyed by
// package name. It carries the searchable metadata alongside the score
// so the search side never has to join against the analysis store.
type ScoreDoc struct {
	Name        string            `json:"name"`
	Scope       string            `json:"scope"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
	Date        time.Time         `json:"date"`
	Publisher   *manifest.Person  `json:"publisher,omitempty"`
	Maintainers []manifest.Person `json:"maintainers,omitempty"`
	Links       collectors.Links  `json:"links"`

	Evaluation evaluators.Evaluation `json:"evaluation"`
	Score      Score                 `json:"score"`
}

// SearchIndex is the write side of the search engine.
type SearchIndex interface {
	Put(ctx context.Context, doc *ScoreDoc) error
	Delete(ctx context.Context, name string) error
}

// Scorer positions evaluations against the corpus aggregation and
// maintains the search index.
type Scorer struct {
	store  store.Store
	index  SearchIndex
	logger *slog.Logger
}

// ScorerOptions configures a Scorer.
type ScorerOptions struct {
	Store  store.Store
	Index  SearchIndex
	Logger *slog.Logger
}

// NewScorer creates a Scorer.
func NewScorer(opts ScorerOptions) *Scorer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scorer{
		store:  opts.Store,
		index:  opts.Index,
		logger: logger,
	}
}

// Score indexes the score of one finished analysis. Analyses without
// an evaluation are skipped: there is nothing to rank.
func (s *Scorer) Score(ctx context.Context, doc *analysis.Doc) error {
	if !doc.Succeeded() {
		return nil
	}

	var agg Aggregation

	if err := s.store.Get(ctx, store.KeyAggregation, &agg); err != nil {
		if store.IsNotFound(err) {
			return errkind.New(errkind.PersistenceFatal, "no aggregation computed yet")
		}

		return err
	}

	return s.scoreWith(ctx, doc, &agg)
}

// ScoreAll re-scores every successful analysis against the current
// aggregation. Used after each aggregation pass so the whole index
// reflects the fresh corpus statistics.
func (s *Scorer) ScoreAll(ctx context.Context) error {
	var agg Aggregation

	if err := s.store.Get(ctx, store.KeyAggregation, &agg); err != nil {
		return err
	}

	scored := 0

	err := s.store.Walk(ctx, store.PackagePrefix, func(key string) error {
		var doc analysis.Doc

		err := s.store.Get(ctx, key, &doc)
		if store.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		if !doc.Succeeded() {
			return nil
		}

		if err := s.scoreWith(ctx, &doc, &agg); err != nil {
			return err
		}
		scored++

		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "scoring pass finished", slog.Int("scored", scored))

	return nil
}

// Remove drops a package from the search index.
func (s *Scorer) Remove(ctx context.Context, name string) error {
	return s.index.Delete(ctx, name)
}

func (s *Scorer) scoreWith(ctx context.Context, doc *analysis.Doc, agg *Aggregation) error {
	md := &collectors.Metadata{Name: doc.Name}
	if doc.Collected != nil && doc.Collected.Metadata != nil {
		md = doc.Collected.Metadata
	}

	score := Compute(doc.Evaluation, agg)

	return s.index.Put(ctx, &ScoreDoc{
		Name:        md.Name,
		Scope:       md.Scope,
		Version:     md.Version,
		Description: md.Description,
		Keywords:    md.Keywords,
		Date:        md.Date,
		Publisher:   md.Publisher,
		Maintainers: md.Maintainers,
		Links:       md.Links,
		Evaluation:  *doc.Evaluation,
		Score:       score,
	})
}

// Compute maps an evaluation to its score given the corpus
// aggregation. Every member is positioned on a logistic curve anchored
// at the corpus mean: a package exactly at the mean scores 0.5, the
// curve saturating towards 0 and 1 at the corpus extremes.
func Compute(e *evaluators.Evaluation, agg *Aggregation) Score {
	scored := scoredEvaluation(e, agg)

	quality := 0.35*scored.Quality.Carefulness +
		0.35*scored.Quality.Tests +
		0.2*scored.Quality.DependenciesHealth +
		0.1*scored.Quality.Branding

	popularity := 0.3*scored.Popularity.CommunityInterest +
		0.25*scored.Popularity.DownloadsCount +
		0.2*scored.Popularity.DownloadsAcceleration +
		0.25*scored.Popularity.DependentsCount

	maintenance := 0.2*scored.Maintenance.RecentCommits +
		0.3*scored.Maintenance.CommitsFrequency +
		0.2*scored.Maintenance.OpenIssues +
		0.3*scored.Maintenance.IssuesDistribution

	return Score{
		Final: 0.3*quality + 0.35*popularity + 0.35*maintenance,
		Detail: ScoreDetail{
			Quality:     quality,
			Popularity:  popularity,
			Maintenance: maintenance,
		},
	}
}

// scoredEvaluation replaces every member with its logistic position
// against the aggregation.
func scoredEvaluation(e *evaluators.Evaluation, agg *Aggregation) evaluators.Evaluation {
	var out evaluators.Evaluation

	outMembers := memberSlots(&out)
	for i, m := range members {
		*outMembers[i] = scoreMember(m.value(e), *m.stats(agg))
	}

	return out
}

// memberSlots returns writable pointers to every member, in the same
// order as the members table.
func memberSlots(e *evaluators.Evaluation) []*float64 {
	return []*float64{
		&e.Quality.Carefulness,
		&e.Quality.Tests,
		&e.Quality.DependenciesHealth,
		&e.Quality.Branding,
		&e.Popularity.CommunityInterest,
		&e.Popularity.DownloadsCount,
		&e.Popularity.DownloadsAcceleration,
		&e.Popularity.DependentsCount,
		&e.Maintenance.RecentCommits,
		&e.Maintenance.CommitsFrequency,
		&e.Maintenance.OpenIssues,
		&e.Maintenance.IssuesDistribution,
	}
}

// scoreMember positions value on a logistic curve anchored at the
// corpus mean. A degenerate member (max 0) scores 0.
func scoreMember(value float64, st Stats) float64 {
	if st.Max <= 0 {
		return 0
	}

	normValue := clamp01((value - st.Min) / st.Max)
	normMean := clamp01((st.Mean - st.Min) / st.Max)

	return sigmoid(12 * (normValue - normMean))
}

func sigmoid(t float64) float64 {
	return 1 / (1 + math.Exp(-t))
}

func clamp01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}
