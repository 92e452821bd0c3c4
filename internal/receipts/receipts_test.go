package receipts

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryPutResolveExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMemory(time.Hour)
	m.now = func() time.Time { return now }

	if err := m.Put(ctx, Receipt{MessageID: "m1", ProviderRef: "ref-1", SentAt: now}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	id, ok, err := m.Resolve(ctx, "ref-1")
	if err != nil || !ok || id != "m1" {
		t.Fatalf("Resolve() = %q, %v, %v, want m1", id, ok, err)
	}
	r, ok, _ := m.Get(ctx, "m1")
	if !ok || r.ProviderRef != "ref-1" {
		t.Fatalf("Get() = %+v, %v", r, ok)
	}

	now = now.Add(time.Hour)
	if _, ok, _ := m.Resolve(ctx, "ref-1"); ok {
		t.Fatalf("Resolve() after ttl = true, want false")
	}
	if got := m.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestMemoryReplaceDropsOldRef(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0)
	_ = m.Put(ctx, Receipt{MessageID: "m1", ProviderRef: "old"})
	_ = m.Put(ctx, Receipt{MessageID: "m1", ProviderRef: "new"})

	if _, ok, _ := m.Resolve(ctx, "old"); ok {
		t.Fatalf("Resolve(old) = true, want false")
	}
	if id, ok, _ := m.Resolve(ctx, "new"); !ok || id != "m1" {
		t.Fatalf("Resolve(new) = %q, %v", id, ok)
	}
}

func TestMemoryRejectsEmptyID(t *testing.T) {
	t.Parallel()
	err := NewMemory(0).Put(context.Background(), Receipt{ProviderRef: "x"})
	if !errors.Is(err, ErrEmptyMessageID) {
		t.Fatalf("Put() error = %v, want ErrEmptyMessageID", err)
	}
}

func TestNopCache(t *testing.T) {
	t.Parallel()
	var c Cache = Nop{}
	if err := c.Put(context.Background(), Receipt{MessageID: "m"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok, _ := c.Resolve(context.Background(), "m"); ok {
		t.Fatalf("Resolve() = true, want false")
	}
}
