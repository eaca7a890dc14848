// Package review holds detections waiting for a human decision.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no review item has the requested detection id.
var ErrNotFound = errors.New("review item not found")

// Item is one deferred detection.
type Item struct {
	DetectionID string     `json:"detection_id"`
	PersonID    string     `json:"person_id"`
	CameraID    string     `json:"camera_id,omitempty"`
	Confidence  float64    `json:"confidence"`
	EventTime   time.Time  `json:"event_time"`
	Reason      string     `json:"reason"`
	ImageURL    string     `json:"image_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Pending reports whether the item still waits for a reviewer.
func (i Item) Pending() bool {
	return i.ResolvedAt == nil
}

// Queue stores review items. Items are keyed by detection id: enqueueing the
// same detection twice keeps the first item, resolved or not.
type Queue interface {
	Enqueue(ctx context.Context, item Item) (bool, error)
	Pending(ctx context.Context, limit int) ([]Item, error)
	Get(ctx context.Context, detectionID string) (Item, error)
	Resolve(ctx context.Context, detectionID string) error
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]Item
	now   func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]Item), now: time.Now}
}

// Enqueue adds item unless its detection id is already known.
func (q *MemoryQueue) Enqueue(ctx context.Context, item Item) (bool, error) {
	if item.DetectionID == "" {
		return false, errors.New("review item requires a detection id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[item.DetectionID]; ok {
		return false, nil
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now().UTC()
	}
	item.ResolvedAt = nil
	q.items[item.DetectionID] = item
	return true, nil
}

// Pending returns unresolved items, oldest first. limit <= 0 means all.
func (q *MemoryQueue) Pending(ctx context.Context, limit int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		if item.Pending() {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DetectionID < out[j].DetectionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the item for detectionID.
func (q *MemoryQueue) Get(ctx context.Context, detectionID string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[detectionID]
	if !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, detectionID)
	}
	return item, nil
}

// Resolve marks the item as decided. Resolving twice is a no-op.
func (q *MemoryQueue) Resolve(ctx context.Context, detectionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[detectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, detectionID)
	}
	if item.ResolvedAt == nil {
		now := q.now().UTC()
		item.ResolvedAt = &now
		q.items[detectionID] = item
	}
	return nil
}

// RedisQueue keeps items in a hash and pending detection ids in a sorted set
// scored by creation time.
type RedisQueue struct {
	client     *redis.Client
	itemsKey   string
	pendingKey string
	now        func() time.Time
}

// NewRedisQueue creates a queue under the given key prefix.
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "attendance:review"
	}
	return &RedisQueue{
		client:     client,
		itemsKey:   prefix + ":items",
		pendingKey: prefix + ":pending",
		now:        time.Now,
	}
}

// Enqueue stores item with HSETNX so concurrent enqueues of one detection
// create a single item. An unresolved item missing from the pending index,
// left by an earlier failed call, is indexed again.
func (q *RedisQueue) Enqueue(ctx context.Context, item Item) (bool, error) {
	if item.DetectionID == "" {
		return false, errors.New("review item requires a detection id")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now().UTC()
	}
	item.ResolvedAt = nil
	raw, err := json.Marshal(item)
	if err != nil {
		return false, err
	}

	created, err := q.client.HSetNX(ctx, q.itemsKey, item.DetectionID, raw).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue review item: %w", err)
	}
	if !created {
		stored, err := q.Get(ctx, item.DetectionID)
		if err != nil {
			return false, err
		}
		if !stored.Pending() {
			return false, nil
		}
		item = stored
	}

	score := float64(item.CreatedAt.UnixNano())
	if err := q.client.ZAddNX(ctx, q.pendingKey, redis.Z{Score: score, Member: item.DetectionID}).Err(); err != nil {
		return created, fmt.Errorf("index review item: %w", err)
	}
	return created, nil
}

// Pending returns unresolved items, oldest first. limit <= 0 means all.
func (q *RedisQueue) Pending(ctx context.Context, limit int) ([]Item, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := q.client.ZRange(ctx, q.pendingKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	if len(ids) == 0 {
		return []Item{}, nil
	}

	vals, err := q.client.HMGet(ctx, q.itemsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load review items: %w", err)
	}
	out := make([]Item, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("decode review item: %w", err)
		}
		if !item.Pending() {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// Get returns the item for detectionID.
func (q *RedisQueue) Get(ctx context.Context, detectionID string) (Item, error) {
	raw, err := q.client.HGet(ctx, q.itemsKey, detectionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Item{}, fmt.Errorf("%w: %s", ErrNotFound, detectionID)
		}
		return Item{}, fmt.Errorf("get review item: %w", err)
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, fmt.Errorf("decode review item: %w", err)
	}
	return item, nil
}

// Resolve marks the item as decided and drops it from the pending index.
func (q *RedisQueue) Resolve(ctx context.Context, detectionID string) error {
	item, err := q.Get(ctx, detectionID)
	if err != nil {
		return err
	}
	if item.ResolvedAt != nil {
		return nil
	}
	now := q.now().UTC()
	item.ResolvedAt = &now
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.itemsKey, detectionID, raw)
		pipe.ZRem(ctx, q.pendingKey, detectionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolve review item: %w", err)
	}
	return nil
}
