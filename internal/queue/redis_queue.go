package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"scribe-pipeline/internal/config"
	"scribe-pipeline/internal/models"
)

// Topic is the single logical stream carrying every Task Message. Each stage
// consumes through its own consumer group, so all dispatchers see all
// messages and filter locally by state. Delivery is at-least-once: a message
// stays pending until explicitly acked, and stale pending entries are
// reclaimed by whichever consumer polls next.
type Topic struct {
	client  *redis.Client
	stream  string
	block   time.Duration
	connect time.Duration
	log     *logrus.Entry
}

// Delivery is one raw queue message awaiting ack.
type Delivery struct {
	ID      string
	Payload []byte
}

const payloadField = "payload"

// NewTopic builds the queue client from config.
func NewTopic(cfg config.Config, log *logrus.Entry) *Topic {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	block := cfg.ConsumerTimeout
	if block == 0 {
		block = 2 * time.Second
	}
	connect := cfg.ConnectBackoff
	if connect == 0 {
		connect = 2 * time.Second
	}
	return &Topic{
		client:  client,
		stream:  cfg.ExecutorTopic,
		block:   block,
		connect: connect,
		log:     log,
	}
}

// NewTopicWithClient is used by tests to point the topic at miniredis.
func NewTopicWithClient(client *redis.Client, stream string, log *logrus.Entry) *Topic {
	return &Topic{client: client, stream: stream, block: 50 * time.Millisecond, connect: 10 * time.Millisecond, log: log}
}

// WaitReady pings the broker until it answers, backing off between attempts.
// A stage process must not crash-loop on a temporarily unreachable queue, so
// this retries until the context is cancelled.
func (t *Topic) WaitReady(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.connect
	policy.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		if err := t.client.Ping(ctx).Err(); err != nil {
			t.log.WithError(err).Warn("queue not reachable, retrying")
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}

// Publish appends a Task Message to the stream. Fire-and-forget from the
// caller's point of view; an error means the message was not accepted.
func (t *Topic) Publish(ctx context.Context, msg models.TaskMessage) error {
	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode task message: %w", err)
	}
	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]interface{}{payloadField: raw},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", t.stream, err)
	}
	return nil
}

// EnsureGroup creates the stage's consumer group if it does not exist yet.
func (t *Topic) EnsureGroup(ctx context.Context, group string) error {
	err := t.client.XGroupCreateMkStream(ctx, t.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", group, err)
	}
	return nil
}

// Fetch reads up to count new messages for the group, blocking briefly.
// A nil slice with nil error means the poll timed out with nothing to do.
func (t *Topic) Fetch(ctx context.Context, group, consumer string, count int64) ([]Delivery, error) {
	streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{t.stream, ">"},
		Count:    count,
		Block:    t.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", group, err)
	}

	var out []Delivery
	for _, s := range streams {
		for _, m := range s.Messages {
			raw, ok := m.Values[payloadField].(string)
			if !ok {
				// Malformed entry: ack it away so it cannot wedge the group.
				_ = t.Ack(ctx, group, m.ID)
				t.log.WithField("id", m.ID).Warn("dropping stream entry without payload")
				continue
			}
			out = append(out, Delivery{ID: m.ID, Payload: []byte(raw)})
		}
	}
	return out, nil
}

// Reclaim takes over messages another consumer fetched but never acked,
// making crash redelivery concrete rather than assumed.
func (t *Topic) Reclaim(ctx context.Context, group, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   t.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("autoclaim %s: %w", group, err)
	}
	var out []Delivery
	for _, m := range msgs {
		raw, ok := m.Values[payloadField].(string)
		if !ok {
			_ = t.Ack(ctx, group, m.ID)
			continue
		}
		out = append(out, Delivery{ID: m.ID, Payload: []byte(raw)})
	}
	return out, nil
}

// Ack marks a delivery as processed for the given group.
func (t *Topic) Ack(ctx context.Context, group, id string) error {
	return t.client.XAck(ctx, t.stream, group, id).Err()
}

// Depth returns the total number of entries in the stream.
func (t *Topic) Depth(ctx context.Context) (int64, error) {
	return t.client.XLen(ctx, t.stream).Result()
}

// Close releases the underlying Redis connection.
func (t *Topic) Close() error {
	return t.client.Close()
}
