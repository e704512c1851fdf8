// Package collectors gathers the raw facts an evaluation is computed
// from. Each collector produces one independent slice; slices degrade
// independently, so a GitHub outage costs the github slice, not the
// analysis.
package collectors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/npmlens/npmlens/internal/downloader"
	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/manifest"
)

// Input is everything a collector may look at.
type Input struct {
	Packument *manifest.Packument
	Manifest  *manifest.Manifest
	Tree      *downloader.Downloaded
	Now       time.Time
}

// Collected is the union of all collector slices. Absent slices mean
// the collector was skipped or tolerably failed.
type Collected struct {
	Metadata *Metadata `json:"metadata,omitempty"`
	NPM      *NPM      `json:"npm,omitempty"`
	GitHub   *GitHub   `json:"github,omitempty"`
	Source   *Source   `json:"source,omitempty"`
}

// Collector produces one slice of Collected.
type Collector interface {
	// Name identifies the collector in logs and metrics.
	Name() string

	// Collect computes the slice and stores it into out.
	Collect(ctx context.Context, in *Input, out *Collected) error
}

// FailureObserver is notified of tolerated collector failures.
// pkg/observability's PipelineMetrics satisfies it.
type FailureObserver interface {
	ObserveCollectorFailure(collector, kind string)
}

// Runner fans an input out to all collectors concurrently and settles
// every result before returning.
type Runner struct {
	collectors []Collector
	logger     *slog.Logger
	observer   FailureObserver
}

// NewRunner creates a Runner over the given collectors.
func NewRunner(collectors []Collector, logger *slog.Logger, observer FailureObserver) *Runner {
	return &Runner{collectors: collectors, logger: logger, observer: observer}
}

// Run executes every collector against in. Tolerated failures null out
// their slice; the first fatal failure is returned after all
// collectors have settled.
func (r *Runner) Run(ctx context.Context, in *Input) (*Collected, error) {
	out := &Collected{}
	errs := make([]error, len(r.collectors))

	var wg sync.WaitGroup

	for i, c := range r.collectors {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = r.runOne(ctx, c, in, out)
		}()
	}

	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}

		kind := errkind.Of(err)
		if errkind.Tolerated(kind) {
			r.logger.WarnContext(ctx, "collector degraded",
				slog.String("collector", r.collectors[i].Name()),
				slog.String("package", in.Manifest.Name),
				slog.String("kind", string(kind)),
				slog.Any("error", err))

			if r.observer != nil {
				r.observer.ObserveCollectorFailure(r.collectors[i].Name(), string(kind))
			}

			continue
		}

		return nil, fmt.Errorf("collector %s: %w", r.collectors[i].Name(), err)
	}

	return out, nil
}

// runOne isolates a collector: a panic is demoted to a tolerated
// failure so one misbehaving slice cannot take down the consumer.
func (r *Runner) runOne(ctx context.Context, c Collector, in *Input, out *Collected) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errkind.Newf(errkind.CollectorTolerated,
				"collector panicked: %v\n%s", rec, debug.Stack())
		}
	}()

	return c.Collect(ctx, in, out)
}
