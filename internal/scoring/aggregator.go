package scoring

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/npmlens/npmlens/internal/analysis"
	"github.com/npmlens/npmlens/internal/evaluators"
	"github.com/npmlens/npmlens/internal/store"
)

// DefaultAggregateConcurrency bounds parallel document reads during an
// aggregation pass.
const DefaultAggregateConcurrency = 50

// Aggregator streams every analysis document and rewrites the corpus
// aggregation.
type Aggregator struct {
	store  store.Store
	logger *slog.Logger

	concurrency int
}

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	Store  store.Store
	Logger *slog.Logger

	Concurrency int
}

// NewAggregator creates an Aggregator.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultAggregateConcurrency
	}

	return &Aggregator{
		store:       opts.Store,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Aggregate computes min/mean/max for every evaluation member across
// all successful analyses and persists the aggregation document.
// Documents without an evaluation contribute nothing.
func (a *Aggregator) Aggregate(ctx context.Context) (*Aggregation, error) {
	started := time.Now().UTC()

	var keys []string

	err := a.store.Walk(ctx, store.PackagePrefix, func(key string) error {
		keys = append(keys, key)

		return nil
	})
	if err != nil {
		return nil, err
	}

	acc := newAccumulator()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for _, key := range keys {
		g.Go(func() error {
			var doc analysis.Doc

			err := a.store.Get(gctx, key, &doc)
			if store.IsNotFound(err) {
				// Deleted between walk and read.
				return nil
			}
			if err != nil {
				return err
			}

			if doc.Evaluation != nil {
				acc.add(doc.Evaluation)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	agg := acc.aggregation()
	agg.StartedAt = started
	agg.FinishedAt = time.Now().UTC()

	if err := a.persist(ctx, agg); err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "aggregation finished",
		slog.Int("evaluations", agg.Count),
		slog.Duration("elapsed", agg.FinishedAt.Sub(agg.StartedAt)))

	return agg, nil
}

func (a *Aggregator) persist(ctx context.Context, agg *Aggregation) error {
	var prior Aggregation

	err := a.store.Get(ctx, store.KeyAggregation, &prior)
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	agg.ID = store.KeyAggregation
	agg.Rev = prior.Rev

	return a.store.Put(ctx, store.KeyAggregation, agg)
}

// accumulator folds evaluations into per-member running statistics.
type accumulator struct {
	mu sync.Mutex

	count int
	mins  []float64
	maxs  []float64
	sums  []float64
}

func newAccumulator() *accumulator {
	acc := &accumulator{
		mins: make([]float64, len(members)),
		maxs: make([]float64, len(members)),
		sums: make([]float64, len(members)),
	}

	for i := range members {
		acc.mins[i] = math.Inf(1)
		acc.maxs[i] = math.Inf(-1)
	}

	return acc
}

func (acc *accumulator) add(e *evaluators.Evaluation) {
	acc.mu.Lock()
	defer acc.mu.Unlock()

	acc.count++

	for i, m := range members {
		v := m.value(e)

		acc.mins[i] = math.Min(acc.mins[i], v)
		acc.maxs[i] = math.Max(acc.maxs[i], v)
		acc.sums[i] += v
	}
}

func (acc *accumulator) aggregation() *Aggregation {
	acc.mu.Lock()
	defer acc.mu.Unlock()

	agg := &Aggregation{Count: acc.count}

	if acc.count == 0 {
		return agg
	}

	for i, m := range members {
		*m.stats(agg) = Stats{
			Min:  acc.mins[i],
			Mean: acc.sums[i] / float64(acc.count),
			Max:  acc.maxs[i],
		}
	}

	return agg
}
