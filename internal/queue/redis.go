package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stellarlinkco/memcube/internal/config"
	"github.com/stellarlinkco/memcube/internal/schema"
)

// bodyField holds the JSON-encoded message inside a stream entry.
const bodyField = "body"

// Redis backs the queue with a single redis stream and one consumer group.
// Poll reads undelivered entries for this consumer; Ack maps to XACK, so a
// crashed consumer leaves its batch pending for redelivery tooling.
type Redis struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

func NewRedis(cfg config.QueueConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	q := &Redis{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		block:    cfg.PollBlock(),
	}
	if q.consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "memcube"
		}
		q.consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := q.ensureGroup(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

// ensureGroup creates the consumer group from the start of the stream so
// entries enqueued before the scheduler came up still get delivered.
func (q *Redis) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", q.group, q.stream, err)
	}
	return nil
}

func (q *Redis) Enqueue(ctx context.Context, msgs ...*schema.ScheduleMessage) error {
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", msg.ID, err)
		}
		err = q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]interface{}{bodyField: data},
		}).Err()
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", msg.ID, err)
		}
	}
	return nil
}

func (q *Redis) Poll(ctx context.Context, max int) ([]*schema.ScheduleMessage, error) {
	if max <= 0 {
		max = 1
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("poll stream %s: %w", q.stream, err)
	}

	var out []*schema.ScheduleMessage
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			msg, err := decodeEntry(entry)
			if err != nil {
				// poison entry: ack so it never redelivers
				log.Printf("[queue] drop malformed entry %s: %v", entry.ID, err)
				_ = q.client.XAck(ctx, q.stream, q.group, entry.ID).Err()
				continue
			}
			msg.SetQueueRef(entry.ID)
			out = append(out, msg)
		}
	}
	return out, nil
}

func decodeEntry(entry redis.XMessage) (*schema.ScheduleMessage, error) {
	raw, ok := entry.Values[bodyField]
	if !ok {
		return nil, fmt.Errorf("missing %s field", bodyField)
	}
	body, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%s field is %T, want string", bodyField, raw)
	}

	var msg schema.ScheduleMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (q *Redis) Ack(ctx context.Context, msgs ...*schema.ScheduleMessage) error {
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if ref := msg.QueueRef(); ref != "" {
			ids = append(ids, ref)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.stream, q.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries: %w", len(ids), err)
	}
	return nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}
