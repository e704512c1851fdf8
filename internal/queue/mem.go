package queue

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// memCapacity bounds the in-memory buffer. Pushes beyond it block.
const memCapacity = 8192

// MemQueue is an in-process Queue for tests.
type MemQueue struct {
	msgs chan Message
}

// NewMem creates an empty in-memory queue.
func NewMem() *MemQueue {
	return &MemQueue{msgs: make(chan Message, memCapacity)}
}

func (q *MemQueue) Push(ctx context.Context, name string) error {
	select {
	case q.msgs <- Message{Name: name, PushedAt: time.Now().UTC()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Consume(ctx context.Context, opts ConsumeOptions, handler Handler) error {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	group, groupCtx := errgroup.WithContext(ctx)

	for range opts.Concurrency {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return groupCtx.Err()
				case msg := <-q.msgs:
					err := handler(groupCtx, msg)
					if err == nil {
						continue
					}

					if msg.Retries >= opts.MaxRetries {
						if opts.OnRetriesExceeded != nil {
							opts.OnRetriesExceeded(msg, err)
						}

						continue
					}

					msg.Retries++
					q.msgs <- msg
				}
			}
		})
	}

	return group.Wait()
}

func (q *MemQueue) Stat(ctx context.Context) (Stat, error) {
	return Stat{Messages: len(q.msgs)}, nil
}

func (q *MemQueue) Close() error { return nil }
