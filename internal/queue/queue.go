// Package queue buffers package names awaiting analysis. The broker
// decouples the observers (producers) from the analysis consumers and
// absorbs bursts the consumers cannot keep up with.
package queue

import (
	"context"
	"time"
)

// Message is one queued analysis request.
type Message struct {
	// Name is the package to analyze.
	Name string `json:"name"`

	// PushedAt is when the message entered the queue. Consumers skip
	// messages older than the package's last analysis.
	PushedAt time.Time `json:"pushedAt"`

	// Retries counts how many times the message failed and was
	// requeued.
	Retries int `json:"-"`
}

// Handler processes one message. A non-nil error requeues the message
// until its retry budget runs out.
type Handler func(ctx context.Context, msg Message) error

// ConsumeOptions tunes a consumer.
type ConsumeOptions struct {
	// Concurrency is the number of messages processed in parallel.
	Concurrency int

	// MaxRetries is how many times a failing message is requeued
	// before being dropped.
	MaxRetries int

	// OnRetriesExceeded, when set, observes messages dropped after
	// exhausting their retry budget.
	OnRetriesExceeded func(msg Message, err error)
}

// Stat is a point-in-time snapshot of the queue.
type Stat struct {
	Messages  int
	Consumers int
}

// Queue is a durable at-least-once message queue.
type Queue interface {
	// Push enqueues an analysis request for name, stamped with the
	// current time.
	Push(ctx context.Context, name string) error

	// Consume processes messages with the given handler until the
	// context ends or the broker connection is lost beyond recovery.
	Consume(ctx context.Context, opts ConsumeOptions, handler Handler) error

	// Stat reports the queue depth and consumer count.
	Stat(ctx context.Context) (Stat, error)

	// Close releases the broker connection.
	Close() error
}
