package queue_test

import (
	"context"
	"testing"
	"time"

	"cctv-attendance/internal/attendance"
	"cctv-attendance/internal/queue"
)

func TestDetectionMessage(t *testing.T) {
	det := attendance.Detection{
		DetectionID: "D1",
		CameraID:    "CAM-1",
		PersonID:    "P1",
		Confidence:  0.85,
		EventTime:   time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC),
	}
	msg, err := queue.NewDetectionMessage(det)
	if err != nil {
		t.Fatalf("NewDetectionMessage() error = %v", err)
	}

	got, err := msg.Detection()
	if err != nil {
		t.Fatalf("Detection() error = %v", err)
	}
	if got.DetectionID != det.DetectionID || got.PersonID != det.PersonID || !got.EventTime.Equal(det.EventTime) || got.Confidence != det.Confidence {
		t.Errorf("Detection() = %+v, want %+v", got, det)
	}

	if _, err := (queue.Message{Type: "other"}).Detection(); err == nil {
		t.Error("Detection() on other type error = nil")
	}
}

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := queue.NewInMemory(4)
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	if err := q.Publish(ctx, queue.Message{Type: queue.TypeDetection, Attempts: 1}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case msg := <-msgs:
		if msg.Attempts != 1 {
			t.Errorf("Attempts = %d, want 1", msg.Attempts)
		}
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestInMemoryPublishAfter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := queue.NewInMemory(4)
	msgs, _ := q.Consume(ctx)

	start := time.Now()
	if err := q.PublishAfter(ctx, queue.Message{Type: queue.TypeDetection}, 30*time.Millisecond); err != nil {
		t.Fatalf("PublishAfter() error = %v", err)
	}
	select {
	case <-msgs:
		if time.Since(start) < 30*time.Millisecond {
			t.Error("delayed message delivered early")
		}
	case <-ctx.Done():
		t.Fatal("delayed message not delivered")
	}
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := queue.NewInMemory(1)
	msgs, _ := q.Consume(ctx)
	cancel()

	select {
	case _, ok := <-msgs:
		if ok {
			t.Error("received message after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer channel not closed after cancel")
	}
}
