package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"cctv-attendance/internal/attendance"
)

// TypeDetection marks a message carrying one attendance.Detection.
const TypeDetection = "detection"

// Message represents work to be processed.
type Message struct {
	Type     string          `json:"type"`
	Body     json.RawMessage `json:"body"`
	Attempts int             `json:"attempts"`
}

// NewDetectionMessage wraps det for the worker.
func NewDetectionMessage(det attendance.Detection) (Message, error) {
	body, err := json.Marshal(det)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeDetection, Body: body}, nil
}

// Detection decodes a detection message.
func (m Message) Detection() (attendance.Detection, error) {
	if m.Type != TypeDetection {
		return attendance.Detection{}, errors.New("not a detection message: " + m.Type)
	}
	var det attendance.Detection
	err := json.Unmarshal(m.Body, &det)
	return det, err
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	PublishAfter(ctx context.Context, msg Message, delay time.Duration) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAfter enqueues msg once delay has passed, unless ctx ends first.
func (q *InMemory) PublishAfter(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, msg)
	}
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			_ = q.Publish(ctx, msg)
		case <-ctx.Done():
		}
	}()
	return nil
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a Redis list-backed queue with a sorted set for
// delayed messages.
type RedisQueue struct {
	client     *redis.Client
	key        string
	delayedKey string
	logger     *slog.Logger
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string, logger *slog.Logger) *RedisQueue {
	if key == "" {
		key = "attendance:detections"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:     client,
		key:        key,
		delayedKey: key + ":delayed",
		logger:     logger.With("component", "queue"),
	}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// PublishAfter parks msg in the delayed set until it is due.
func (q *RedisQueue) PublishAfter(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, msg)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: due, Member: raw}).Err()
}

// promoteScript pushes each due message before removing it from the delayed
// set. A failed push aborts the script and leaves the message parked.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
for _, raw in ipairs(due) do
	redis.call('LPUSH', KEYS[2], raw)
	redis.call('ZREM', KEYS[1], raw)
end
return #due
`)

// PromoteDue moves up to 100 due delayed messages onto the list and returns
// how many moved.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.key}, now, 100).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed messages: %w", err)
	}
	return n, nil
}

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Consume streams messages using BRPOP. Redis errors back off exponentially
// up to maxBackoff.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		backoff := minBackoff
		wait := func(err error) bool {
			q.logger.Warn("queue unavailable", "key", q.key, "retry_in", backoff, "error", err)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			return true
		}

		for {
			if _, err := q.PromoteDue(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				if !wait(err) {
					return
				}
				continue
			}
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					backoff = minBackoff
					continue
				}
				if !wait(err) {
					return
				}
				continue
			}
			backoff = minBackoff
			if len(res) != 2 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				q.logger.Warn("dropping malformed message", "key", q.key, "error", err)
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
