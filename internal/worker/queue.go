package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Delivery is a job handed to one consumer. It must be acked once handled.
type Delivery struct {
	MessageID string
	Job       Job
}

type Queue interface {
	Enqueue(ctx context.Context, jobs ...Job) error
	// Receive blocks until at least one job is available or the queue's
	// block timeout passes, in which case it returns no deliveries.
	Receive(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, deliveries ...Delivery) error
}

type RedisQueue struct {
	client   *redis.Client
	consumer string
	count    int64
	block    time.Duration
}

// NewRedisQueue creates the consumer group if it does not exist yet. The
// group starts at the beginning of the stream so jobs queued before the
// first worker started are not lost.
func NewRedisQueue(ctx context.Context, client *redis.Client, consumer string) (*RedisQueue, error) {
	err := client.XGroupCreateMkStream(ctx, Stream, Group, "0").Err()
	if err != nil && err != redis.Nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &RedisQueue{
		client:   client,
		consumer: consumer,
		count:    10,
		block:    5 * time.Second,
	}, nil
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) Enqueue(ctx context.Context, jobs ...Job) error {
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range jobs {
			if job.EnqueuedAt.IsZero() {
				job.EnqueuedAt = time.Now()
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: Stream,
				Values: job.values(),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue jobs: %w", err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) ([]Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: q.consumer,
		Streams:  []string{Stream, ">"},
		Count:    q.count,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}

	var deliveries []Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			job, err := jobFromValues(msg.Values)
			if err != nil {
				slog.WarnContext(ctx, "Dropping malformed job",
					"messageID", msg.ID,
					slog.Any("error", err),
				)
				if err := q.client.XAck(ctx, Stream, Group, msg.ID).Err(); err != nil {
					return nil, fmt.Errorf("failed to ack malformed job %s: %w", msg.ID, err)
				}
				continue
			}
			deliveries = append(deliveries, Delivery{MessageID: msg.ID, Job: job})
		}
	}
	return deliveries, nil
}

func (q *RedisQueue) Ack(ctx context.Context, deliveries ...Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	ids := make([]string, len(deliveries))
	for i, d := range deliveries {
		ids[i] = d.MessageID
	}
	if err := q.client.XAck(ctx, Stream, Group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack jobs: %w", err)
	}
	return nil
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu      sync.Mutex
	next    int
	pending []Delivery
	acked   []string
	ready   chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ready: make(chan struct{}, 1)}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(ctx context.Context, jobs ...Job) error {
	q.mu.Lock()
	for _, job := range jobs {
		q.next++
		q.pending = append(q.pending, Delivery{MessageID: fmt.Sprintf("%d-0", q.next), Job: job})
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context) ([]Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			out := q.pending
			q.pending = nil
			q.mu.Unlock()
			return out, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, deliveries ...Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range deliveries {
		q.acked = append(q.acked, d.MessageID)
	}
	return nil
}

// Acked returns the message IDs acked so far.
func (q *MemoryQueue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}
