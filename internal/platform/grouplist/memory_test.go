package grouplist

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCache_Expiry(t *testing.T) {
	m := NewMemoryCache(time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return now }
	ctx := context.Background()

	_ = m.Put(ctx, "k", []string{"S-1"})
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expected miss after expiry")
	}
	keys, _ := m.Keys(ctx)
	if len(keys) != 0 {
		t.Errorf("expected no keys after expiry, got %v", keys)
	}
}

func TestMemoryCache_CopiesLists(t *testing.T) {
	m := NewMemoryCache(0)
	ctx := context.Background()
	in := []string{"S-1", "S-2"}
	_ = m.Put(ctx, "k", in)
	in[0] = "mutated"

	out, _, _ := m.Get(ctx, "k")
	if out[0] != "S-1" {
		t.Error("Put must copy the caller's slice")
	}
	out[1] = "mutated"
	again, _, _ := m.Get(ctx, "k")
	if again[1] != "S-2" {
		t.Error("Get must return a copy")
	}
}

func TestMemoryCache_EmptyListIsHit(t *testing.T) {
	m := NewMemoryCache(0)
	ctx := context.Background()
	_ = m.Put(ctx, "k", nil)
	list, ok, _ := m.Get(ctx, "k")
	if !ok || list == nil || len(list) != 0 {
		t.Errorf("expected cached empty list, got %v ok=%v", list, ok)
	}
}

func TestMemoryCache_Clear(t *testing.T) {
	m := NewMemoryCache(0)
	ctx := context.Background()
	_ = m.Put(ctx, "a", []string{"S-1"})
	_ = m.Put(ctx, "b", []string{"S-2"})
	_ = m.Clear(ctx)
	keys, _ := m.Keys(ctx)
	if len(keys) != 0 {
		t.Errorf("expected empty cache, got %v", keys)
	}
}
