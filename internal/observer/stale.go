package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/npmlens/npmlens/internal/analysis"
	"github.com/npmlens/npmlens/internal/store"
)

// Defaults for the stale observer.
const (
	DefaultStaleInterval = time.Hour
	DefaultStaleWindow   = 25 * 24 * time.Hour
)

// Pusher enqueues packages for analysis. queue implementations satisfy it.
type Pusher interface {
	Push(ctx context.Context, name string) error
}

// Stale periodically sweeps the analysis store and re-enqueues every
// package whose analysis is older than the staleness window. It is the
// safety net for packages the registry never touches.
type Stale struct {
	store  store.Store
	queue  Pusher
	logger *slog.Logger

	interval time.Duration
	window   time.Duration

	now func() time.Time
}

// StaleOptions configures a Stale observer.
type StaleOptions struct {
	Store  store.Store
	Queue  Pusher
	Logger *slog.Logger

	Interval time.Duration
	Window   time.Duration
}

// NewStale creates a Stale observer.
func NewStale(opts StaleOptions) *Stale {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Stale{
		store:    opts.Store,
		queue:    opts.Queue,
		logger:   logger,
		interval: opts.Interval,
		window:   opts.Window,
		now:      time.Now,
	}

	if o.interval <= 0 {
		o.interval = DefaultStaleInterval
	}
	if o.window <= 0 {
		o.window = DefaultStaleWindow
	}

	return o
}

// Run sweeps immediately and then on every interval tick until ctx ends.
func (o *Stale) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		if err := o.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			o.logger.ErrorContext(ctx, "stale sweep failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep enqueues every package whose analysis finished before the
// staleness cutoff.
func (o *Stale) Sweep(ctx context.Context) error {
	cutoff := o.now().UTC().Add(-o.window)
	enqueued := 0

	err := o.store.Walk(ctx, store.PackagePrefix, func(key string) error {
		name, ok := store.PackageName(key)
		if !ok {
			return nil
		}

		var doc analysis.Doc
		if err := o.store.Get(ctx, key, &doc); err != nil {
			return err
		}

		if !doc.FinishedAt.Before(cutoff) {
			return nil
		}

		if err := o.queue.Push(ctx, name); err != nil {
			return err
		}
		enqueued++

		return nil
	})
	if err != nil {
		return err
	}

	o.logger.InfoContext(ctx, "stale sweep finished",
		slog.Int("enqueued", enqueued),
		slog.Time("cutoff", cutoff))

	return nil
}
