// Package broadcast delivers attendance events to live subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"cctv-attendance/internal/attendance"
	"cctv-attendance/internal/policy"
)

// EventType is the type field of every attendance event.
const EventType = "attendance_event"

// DefaultChannel is the Redis pub/sub channel events travel on.
const DefaultChannel = "attendance:events"

// Event is the payload sent for every recorded check-in or check-out.
type Event struct {
	Type            string        `json:"type"`
	EventTimestamp  time.Time     `json:"event_timestamp"`
	PersonID        string        `json:"person_id"`
	PersonName      string        `json:"person_name"`
	Action          policy.Action `json:"action"`
	Timestamp       time.Time     `json:"timestamp"`
	Confidence      float64       `json:"confidence"`
	AttendanceID    string        `json:"attendance_id"`
	IsManual        bool          `json:"is_manual"`
	CheckInTime     *time.Time    `json:"check_in_time,omitempty"`
	CheckOutTime    *time.Time    `json:"check_out_time,omitempty"`
	DurationMinutes *int          `json:"duration_minutes,omitempty"`
}

// FromOutcome builds the event for a recorded outcome. ok is false for
// outcomes that wrote nothing.
func FromOutcome(o attendance.Outcome, now time.Time) (Event, bool) {
	switch o := o.(type) {
	case attendance.CheckInRecorded:
		rec := o.Record
		return Event{
			Type:           EventType,
			EventTimestamp: now.UTC(),
			PersonID:       rec.PersonID,
			PersonName:     o.PersonName,
			Action:         policy.ActionCheckIn,
			Timestamp:      *rec.CheckInTime,
			Confidence:     rec.CheckInConfidence,
			AttendanceID:   rec.ID,
			IsManual:       rec.CheckInSource == attendance.SourceManual,
			CheckInTime:    rec.CheckInTime,
		}, true
	case attendance.CheckOutRecorded:
		rec := o.Record
		return Event{
			Type:            EventType,
			EventTimestamp:  now.UTC(),
			PersonID:        rec.PersonID,
			PersonName:      o.PersonName,
			Action:          policy.ActionCheckOut,
			Timestamp:       *rec.CheckOutTime,
			Confidence:      rec.CheckOutConfidence,
			AttendanceID:    rec.ID,
			IsManual:        rec.CheckOutSource == attendance.SourceManual,
			CheckInTime:     rec.CheckInTime,
			CheckOutTime:    rec.CheckOutTime,
			DurationMinutes: rec.DurationMinutes,
		}, true
	default:
		return Event{}, false
	}
}

// Publisher sends events to subscribers. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription receives events for one person, or for everyone when the
// person id is empty.
type Subscription struct {
	C        <-chan Event
	ch       chan Event
	personID string
	hub      *Hub
	once     sync.Once
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans events out to in-process subscribers. A subscriber that falls
// behind loses events instead of blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with the given channel buffer.
func (h *Hub) Subscribe(personID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, personID: personID, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Close ends every subscription. Later subscriptions start closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.personID != "" && s.personID != ev.PersonID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// RedisPublisher publishes events as JSON on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on channel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends ev to the channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish attendance event: %w", err)
	}
	return nil
}

// Relay forwards events from a Redis channel into a Hub, so every API
// replica serves events produced by any worker.
type Relay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewRelay creates a relay from channel into hub.
func NewRelay(client *redis.Client, channel string, hub *Hub, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, channel: channel, hub: hub, logger: logger.With("component", "broadcast-relay")}
}

// Run relays until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", "channel", r.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			_ = r.hub.Publish(ctx, ev)
		}
	}
}

// Multi publishes to every publisher and returns the first error.
type Multi []Publisher

// Publish sends ev to all publishers.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
