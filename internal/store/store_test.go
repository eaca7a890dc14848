package store_test

import (
	"context"
	"testing"

	"cctv-attendance/internal/store"
)

func TestNilClientsAreUnhealthy(t *testing.T) {
	ctx := context.Background()

	var db *store.DB
	if db.Healthy(ctx) {
		t.Error("nil DB reported healthy")
	}
	if err := db.Close(); err != nil {
		t.Errorf("nil DB Close() error = %v", err)
	}

	var r *store.Redis
	if r.Healthy(ctx) {
		t.Error("nil Redis reported healthy")
	}
	if err := r.Close(); err != nil {
		t.Errorf("nil Redis Close() error = %v", err)
	}
}
