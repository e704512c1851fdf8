package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/npmlens/npmlens/internal/errkind"
	"github.com/npmlens/npmlens/internal/queue"
	"github.com/npmlens/npmlens/internal/store"
)

// MessageObserver records consumed queue messages.
// observability.PipelineMetrics satisfies it.
type MessageObserver interface {
	ObserveQueueMessage(result string)
}

// DocScorer indexes finished analyses into the search index.
// scoring.Scorer satisfies it.
type DocScorer interface {
	Score(ctx context.Context, doc *Doc) error
}

// Consumer drains the analysis queue through an Engine.
type Consumer struct {
	engine  *Engine
	store   store.Store
	queue   queue.Queue
	scorer  DocScorer
	logger  *slog.Logger
	metrics MessageObserver

	concurrency int
	maxRetries  int
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Engine      *Engine
	Store       store.Store
	Queue       queue.Queue
	Scorer      DocScorer
	Logger      *slog.Logger
	Metrics     MessageObserver
	Concurrency int
	MaxRetries  int
}

// NewConsumer creates a Consumer.
func NewConsumer(opts ConsumerOptions) *Consumer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		engine:      opts.Engine,
		store:       opts.Store,
		queue:       opts.Queue,
		scorer:      opts.Scorer,
		logger:      logger,
		metrics:     opts.Metrics,
		concurrency: opts.Concurrency,
		maxRetries:  opts.MaxRetries,
	}
}

// Run consumes until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	return c.queue.Consume(ctx, queue.ConsumeOptions{
		Concurrency:       c.concurrency,
		MaxRetries:        c.maxRetries,
		OnRetriesExceeded: c.giveUp,
	}, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message) error {
	if c.alreadyAnalyzed(ctx, msg) {
		c.logger.DebugContext(ctx, "skipping message older than stored analysis",
			slog.String("package", msg.Name))
		c.observe("skip")

		return nil
	}

	doc, err := c.engine.Analyze(ctx, msg.Name)
	if err == nil {
		c.score(ctx, doc)
		c.observe("ack")

		return nil
	}

	if errkind.Unrecoverable(errkind.Of(err)) {
		// The failure is recorded in the analysis document; retrying
		// cannot change the outcome.
		c.observe("ack")

		return nil
	}

	c.logger.WarnContext(ctx, "analysis failed, requeueing",
		slog.String("package", msg.Name),
		slog.Int("retries", msg.Retries),
		slog.Any("error", err))
	c.observe("requeue")

	return err
}

// score reflects a finished analysis in the search index. Indexing
// failures never fail the message: the next scoring pass repairs them.
func (c *Consumer) score(ctx context.Context, doc *Doc) {
	if c.scorer == nil || doc == nil || !doc.Succeeded() {
		return
	}

	if err := c.scorer.Score(ctx, doc); err != nil {
		c.logger.WarnContext(ctx, "scoring failed",
			slog.String("package", doc.Name), slog.Any("error", err))
	}
}

// alreadyAnalyzed reports whether a stored analysis started at or after
// the message was pushed; re-running it would only repeat work. Errored
// analyses count too: their failure is already recorded.
func (c *Consumer) alreadyAnalyzed(ctx context.Context, msg queue.Message) bool {
	var existing Doc

	if err := c.store.Get(ctx, store.PackageKey(msg.Name), &existing); err != nil {
		return false
	}

	return !msg.PushedAt.After(existing.StartedAt)
}

// giveUp records a permanently failing message as an errored analysis
// before the queue drops it.
func (c *Consumer) giveUp(msg queue.Message, cause error) {
	c.observe("drop")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := c.engine.RecordFailure(ctx, msg.Name, cause); err != nil {
		c.logger.ErrorContext(ctx, "recording exhausted message failed",
			slog.String("package", msg.Name), slog.Any("error", err))
	}
}

func (c *Consumer) observe(result string) {
	if c.metrics != nil {
		c.metrics.ObserveQueueMessage(result)
	}
}
