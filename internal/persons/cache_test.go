package persons_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cctv-attendance/internal/persons"
)

type countingDirectory struct {
	next  persons.Directory
	calls atomic.Int32
}

func (d *countingDirectory) GetPerson(ctx context.Context, id string) (persons.Person, error) {
	d.calls.Add(1)
	return d.next.GetPerson(ctx, id)
}

func newCached(t *testing.T) (*persons.CachedDirectory, *countingDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	inner := &countingDirectory{next: persons.NewStatic(persons.Person{ID: "P1", DisplayName: "Ada Lovelace"})}
	return persons.NewCachedDirectory(inner, client, time.Minute), inner, mr
}

func TestCachedDirectoryReadsThrough(t *testing.T) {
	ctx := context.Background()
	dir, inner, mr := newCached(t)

	for i := 0; i < 3; i++ {
		p, err := dir.GetPerson(ctx, "P1")
		if err != nil {
			t.Fatalf("GetPerson() error = %v", err)
		}
		if p.DisplayName != "Ada Lovelace" {
			t.Errorf("DisplayName = %q, want Ada Lovelace", p.DisplayName)
		}
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("directory calls = %d, want 1", got)
	}
	if ttl := mr.TTL("attendance:person:P1"); ttl != time.Minute {
		t.Errorf("cache TTL = %s, want 1m", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := dir.GetPerson(ctx, "P1"); err != nil {
		t.Fatalf("GetPerson() after expiry error = %v", err)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Errorf("directory calls after expiry = %d, want 2", got)
	}
}

func TestCachedDirectoryDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	dir, inner, _ := newCached(t)

	for i := 0; i < 2; i++ {
		if _, err := dir.GetPerson(ctx, "P9"); !errors.Is(err, persons.ErrNotFound) {
			t.Errorf("GetPerson(P9) error = %v, want %v", err, persons.ErrNotFound)
		}
	}
	if got := inner.calls.Load(); got != 2 {
		t.Errorf("directory calls = %d, want 2", got)
	}
}

func TestCachedDirectoryFallsThroughWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	dir, inner, mr := newCached(t)
	mr.Close()

	p, err := dir.GetPerson(ctx, "P1")
	if err != nil {
		t.Fatalf("GetPerson() error = %v", err)
	}
	if p.ID != "P1" || inner.calls.Load() != 1 {
		t.Errorf("GetPerson() = %+v after %d calls", p, inner.calls.Load())
	}
}
