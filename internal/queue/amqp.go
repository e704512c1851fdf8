package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// retriesHeader tracks how many times a message has been requeued.
// Requeueing happens by republishing with the incremented header and
// acking the original, since a plain nack cannot carry a counter.
const retriesHeader = "x-retries"

// reconnectDelay spaces reconnection attempts after the broker drops
// the connection.
const reconnectDelay = 5 * time.Second

// AMQPQueue is a Queue on a RabbitMQ broker.
type AMQPQueue struct {
	url    string
	name   string
	logger *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQP connects to the broker at url and declares the durable queue.
func NewAMQP(url, name string, logger *slog.Logger) (*AMQPQueue, error) {
	q := &AMQPQueue{url: url, name: name, logger: logger}

	if err := q.connect(); err != nil {
		return nil, err
	}

	return q, nil
}

func (q *AMQPQueue) connect() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(q.name, true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("declare queue %q: %w", q.name, err)
	}

	q.conn = conn
	q.ch = ch

	return nil
}

func (q *AMQPQueue) Push(ctx context.Context, name string) error {
	return q.publish(ctx, Message{Name: name, PushedAt: time.Now().UTC()}, 0)
}

func (q *AMQPQueue) publish(ctx context.Context, msg Message, retries int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	err = q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retriesHeader: int32(retries)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %q: %w", msg.Name, err)
	}

	return nil
}

// Consume runs handler over incoming messages with the configured
// concurrency, reconnecting after broker failures until ctx ends.
func (q *AMQPQueue) Consume(ctx context.Context, opts ConsumeOptions, handler Handler) error {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	for {
		err := q.consumeOnce(ctx, opts, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		q.logger.ErrorContext(ctx, "consumer lost broker, reconnecting",
			slog.Any("error", err), slog.Duration("delay", reconnectDelay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}

		if err := q.connect(); err != nil {
			q.logger.ErrorContext(ctx, "reconnect failed", slog.Any("error", err))
		}
	}
}

func (q *AMQPQueue) consumeOnce(ctx context.Context, opts ConsumeOptions, handler Handler) error {
	// Prefetch exactly the in-flight budget so slow handlers do not
	// starve other consumers.
	if err := q.ch.Qos(opts.Concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	for range opts.Concurrency {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return groupCtx.Err()
				case delivery, ok := <-deliveries:
					if !ok {
						return errors.New("delivery channel closed")
					}

					q.handle(groupCtx, opts, handler, delivery)
				}
			}
		})
	}

	return group.Wait()
}

func (q *AMQPQueue) handle(ctx context.Context, opts ConsumeOptions, handler Handler, delivery amqp.Delivery) {
	var msg Message

	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		q.logger.WarnContext(ctx, "dropping undecodable message", slog.Any("error", err))
		_ = delivery.Ack(false)

		return
	}

	msg.Retries = headerRetries(delivery.Headers)

	err := handler(ctx, msg)
	if err == nil {
		_ = delivery.Ack(false)

		return
	}

	if msg.Retries >= opts.MaxRetries {
		q.logger.ErrorContext(ctx, "message exhausted retries, dropping",
			slog.String("package", msg.Name),
			slog.Int("retries", msg.Retries),
			slog.Any("error", err))

		if opts.OnRetriesExceeded != nil {
			opts.OnRetriesExceeded(msg, err)
		}

		_ = delivery.Ack(false)

		return
	}

	// Requeue with the bumped counter, then ack the original.
	if pubErr := q.publish(ctx, msg, msg.Retries+1); pubErr != nil {
		q.logger.ErrorContext(ctx, "requeue failed, returning message to broker",
			slog.String("package", msg.Name), slog.Any("error", pubErr))
		_ = delivery.Nack(false, true)

		return
	}

	_ = delivery.Ack(false)
}

func (q *AMQPQueue) Stat(ctx context.Context) (Stat, error) {
	state, err := q.ch.QueueDeclarePassive(q.name, true, false, false, false, nil)
	if err != nil {
		return Stat{}, fmt.Errorf("inspect queue %q: %w", q.name, err)
	}

	return Stat{Messages: state.Messages, Consumers: state.Consumers}, nil
}

func (q *AMQPQueue) Close() error {
	return q.conn.Close()
}

// headerRetries reads the retry counter, tolerating the integer widths
// different broker clients write.
func headerRetries(headers amqp.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
