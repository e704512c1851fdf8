// Package observer keeps the analysis queue fed: the realtime observer
// follows the registry CDC feed, the stale observer sweeps for packages
// whose analysis has aged out.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/npmlens/npmlens/internal/registry"
	"github.com/npmlens/npmlens/internal/store"
)

// Defaults for the realtime observer.
const (
	DefaultBufferSize   = 1000
	DefaultFlushDelay   = 2 * time.Second
	DefaultRestartDelay = 5 * time.Second
)

// ChangeSource opens registry change feeds. registry.Client satisfies it.
type ChangeSource interface {
	Changes(ctx context.Context, since string) registry.Feed
}

// FlushObserver records observer activity.
// observability.PipelineMetrics satisfies it.
type FlushObserver interface {
	ObserveBufferSize(n int)
	ObserveFlush()
	ObserveCheckpointConflict()
}

// seqDoc is the CDC checkpoint document.
type seqDoc struct {
	store.Meta

	Value string `json:"value"`
}

// Realtime follows the registry changes feed, batching package names
// into onPackages and checkpointing the last handled sequence.
type Realtime struct {
	source     ChangeSource
	store      store.Store
	onPackages func(ctx context.Context, names []string) error
	logger     *slog.Logger
	metrics    FlushObserver

	// defaultSeq seeds the feed when no checkpoint exists. Zero means
	// "now": skip history and follow fresh changes only.
	defaultSeq   int64
	bufferSize   int
	flushDelay   time.Duration
	restartDelay time.Duration

	// lastWritten detects another observer advancing the checkpoint.
	lastWritten string
}

// RealtimeOptions configures a Realtime observer.
type RealtimeOptions struct {
	Source     ChangeSource
	Store      store.Store
	OnPackages func(ctx context.Context, names []string) error
	Logger     *slog.Logger
	Metrics    FlushObserver

	DefaultSeq   int64
	BufferSize   int
	FlushDelay   time.Duration
	RestartDelay time.Duration
}

// NewRealtime creates a Realtime observer.
func NewRealtime(opts RealtimeOptions) *Realtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Realtime{
		source:       opts.Source,
		store:        opts.Store,
		onPackages:   opts.OnPackages,
		logger:       logger,
		metrics:      opts.Metrics,
		defaultSeq:   opts.DefaultSeq,
		bufferSize:   opts.BufferSize,
		flushDelay:   opts.FlushDelay,
		restartDelay: opts.RestartDelay,
	}

	if o.bufferSize <= 0 {
		o.bufferSize = DefaultBufferSize
	}
	if o.flushDelay <= 0 {
		o.flushDelay = DefaultFlushDelay
	}
	if o.restartDelay <= 0 {
		o.restartDelay = DefaultRestartDelay
	}

	return o
}

// Run follows the feed until ctx ends, restarting from the last
// checkpoint after feed failures.
func (o *Realtime) Run(ctx context.Context) error {
	for {
		since, err := o.checkpoint(ctx)
		if err != nil {
			return err
		}

		err = o.followOnce(ctx, since)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		o.logger.ErrorContext(ctx, "changes feed lost, restarting",
			slog.Any("error", err), slog.Duration("delay", o.restartDelay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.restartDelay):
		}
	}
}

// checkpoint resolves the sequence to resume from.
func (o *Realtime) checkpoint(ctx context.Context) (string, error) {
	var doc seqDoc

	err := o.store.Get(ctx, store.KeyLastSeq, &doc)
	if store.IsNotFound(err) {
		if o.defaultSeq == 0 {
			return registry.SinceNow, nil
		}

		return strconv.FormatInt(o.defaultSeq, 10), nil
	}
	if err != nil {
		return "", err
	}

	return doc.Value, nil
}

// followOnce drains one feed connection. The pump goroutine blocks on
// the handoff channel while a flush runs, which is exactly the
// pause-flush-resume the checkpoint discipline needs.
func (o *Realtime) followOnce(ctx context.Context, since string) error {
	feed := o.source.Changes(ctx, since)
	defer func() { _ = feed.Close() }()

	changes := make(chan registry.Change)

	go func() {
		defer close(changes)

		for feed.Next() {
			select {
			case changes <- feed.Change():
			case <-ctx.Done():
				return
			}
		}
	}()

	var buffer []registry.Change

	timer := time.NewTimer(o.flushDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case change, ok := <-changes:
			if !ok {
				if err := feed.Err(); err != nil {
					return err
				}

				return errors.New("changes feed ended")
			}

			buffer = append(buffer, change)
			o.observeBuffer(len(buffer))

			if len(buffer) >= o.bufferSize {
				if err := o.flush(ctx, buffer); err != nil {
					return err
				}
				buffer = buffer[:0]
			}

			resetTimer(timer, o.flushDelay)

		case <-timer.C:
			if len(buffer) > 0 {
				if err := o.flush(ctx, buffer); err != nil {
					return err
				}
				buffer = buffer[:0]
			}

			timer.Reset(o.flushDelay)
		}
	}
}

// flush hands the batch to onPackages and advances the checkpoint.
// Callback errors are logged and dropped: enqueueing is idempotent and
// the stale observer eventually covers misses.
func (o *Realtime) flush(ctx context.Context, buffer []registry.Change) error {
	names := dedupe(buffer)

	if err := o.onPackages(ctx, names); err != nil {
		o.logger.WarnContext(ctx, "change batch handler failed, advancing anyway",
			slog.Int("packages", len(names)), slog.Any("error", err))
	}

	// A stopped observer must not advance the checkpoint.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := o.writeCheckpoint(ctx, buffer[len(buffer)-1].Seq); err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.ObserveFlush()
	}
	o.observeBuffer(0)

	return nil
}

func (o *Realtime) writeCheckpoint(ctx context.Context, seq string) error {
	var doc seqDoc

	err := o.store.Get(ctx, store.KeyLastSeq, &doc)
	if err != nil && !store.IsNotFound(err) {
		return err
	}

	if o.lastWritten != "" && doc.Value != o.lastWritten {
		o.logger.WarnContext(ctx, "checkpoint advanced by someone else; two observers running?",
			slog.String("expected", o.lastWritten), slog.String("found", doc.Value))

		if o.metrics != nil {
			o.metrics.ObserveCheckpointConflict()
		}
	}

	doc.Value = seq

	if err := o.store.Put(ctx, store.KeyLastSeq, &doc); err != nil {
		return err
	}

	o.lastWritten = seq

	return nil
}

func (o *Realtime) observeBuffer(n int) {
	if o.metrics != nil {
		o.metrics.ObserveBufferSize(n)
	}
}

// dedupe extracts unique package names, first occurrence order.
// Design documents (underscore-prefixed ids) never reach the queue.
func dedupe(changes []registry.Change) []string {
	seen := make(map[string]bool, len(changes))
	names := make([]string, 0, len(changes))

	for _, change := range changes {
		if change.Name == "" || change.Name[0] == '_' || seen[change.Name] {
			continue
		}

		seen[change.Name] = true
		names = append(names, change.Name)
	}

	return names
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}

	t.Reset(d)
}
