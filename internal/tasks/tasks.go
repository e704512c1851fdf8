// Package tasks holds the operational sweeps run by hand: cleaning
// documents whose package left the registry, and bulk (re)enqueueing.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/npmlens/npmlens/internal/analysis"
	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/manifest"
	"github.com/npmlens/npmlens/internal/store"
)

// DefaultCleanConcurrency bounds parallel registry existence probes.
const DefaultCleanConcurrency = 10

// PackageChecker probes package existence. registry.Client satisfies it.
type PackageChecker interface {
	GetPackage(ctx context.Context, name string) (*manifest.Packument, error)
}

// NameSource streams every package name in the source registry.
// registry.Client satisfies it.
type NameSource interface {
	EachName(ctx context.Context, fn func(name string) error) error
}

// ScoreRemover drops a package from the search index.
type ScoreRemover interface {
	Remove(ctx context.Context, name string) error
}

// Pusher enqueues packages for analysis.
type Pusher interface {
	Push(ctx context.Context, name string) error
}

// Runner executes the operational sweeps. With DryRun set it only
// reports what it would do.
type Runner struct {
	store    store.Store
	registry PackageChecker
	names    NameSource
	remover  ScoreRemover
	queue    Pusher
	logger   *slog.Logger

	dryRun      bool
	concurrency int

	now func() time.Time
}

// RunnerOptions configures a Runner. Only the collaborators a given
// sweep touches need to be set.
type RunnerOptions struct {
	Store    store.Store
	Registry PackageChecker
	Names    NameSource
	Remover  ScoreRemover
	Queue    Pusher
	Logger   *slog.Logger

	DryRun      bool
	Concurrency int
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultCleanConcurrency
	}

	return &Runner{
		store:       opts.Store,
		registry:    opts.Registry,
		names:       opts.Names,
		remover:     opts.Remover,
		queue:       opts.Queue,
		logger:      logger,
		dryRun:      opts.DryRun,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// CleanExtraneous deletes analysis and score documents for packages
// the source registry no longer has. Returns how many were removed.
func (r *Runner) CleanExtraneous(ctx context.Context) (int, error) {
	var keys []string

	err := r.store.Walk(ctx, store.PackagePrefix, func(key string) error {
		keys = append(keys, key)

		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	results := make(chan string)
	drained := make(chan struct{})

	go func() {
		defer close(drained)

		for name := range results {
			removed++

			r.logger.InfoContext(ctx, "extraneous package",
				slog.String("package", name), slog.Bool("dryRun", r.dryRun))
		}
	}()

	for _, key := range keys {
		name, ok := store.PackageName(key)
		if !ok {
			continue
		}

		g.Go(func() error {
			_, err := r.registry.GetPackage(gctx, name)
			if err == nil {
				return nil
			}

			if !errkind.Is(err, errkind.PackageNotFound) {
				return err
			}

			if !r.dryRun {
				if err := r.store.Delete(gctx, store.PackageKey(name)); err != nil {
					return err
				}

				if r.remover != nil {
					if err := r.remover.Remove(gctx, name); err != nil {
						return err
					}
				}
			}

			select {
			case results <- name:
			case <-gctx.Done():
				return gctx.Err()
			}

			return nil
		})
	}

	err = g.Wait()
	close(results)
	<-drained

	return removed, err
}

// EnqueueOutdated pushes every package whose analysis finished before
// now minus window. Returns how many were enqueued.
func (r *Runner) EnqueueOutdated(ctx context.Context, window time.Duration) (int, error) {
	cutoff := r.now().UTC().Add(-window)
	enqueued := 0

	err := r.store.Walk(ctx, store.PackagePrefix, func(key string) error {
		name, ok := store.PackageName(key)
		if !ok {
			return nil
		}

		var doc analysis.Doc
		if err := r.store.Get(ctx, key, &doc); err != nil {
			return err
		}

		if !doc.FinishedAt.Before(cutoff) {
			return nil
		}

		if !r.dryRun {
			if err := r.queue.Push(ctx, name); err != nil {
				return err
			}
		}
		enqueued++

		return nil
	})
	if err != nil {
		return enqueued, err
	}

	return enqueued, nil
}

// EnqueueView pushes every package name the source registry lists.
// Used to seed or rebuild the whole corpus.
func (r *Runner) EnqueueView(ctx context.Context) (int, error) {
	enqueued := 0

	err := r.names.EachName(ctx, func(name string) error {
		if !r.dryRun {
			if err := r.queue.Push(ctx, name); err != nil {
				return err
			}
		}
		enqueued++

		return nil
	})
	if err != nil {
		return enqueued, err
	}

	return enqueued, nil
}
