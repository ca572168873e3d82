package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	a := Key("Which students have a GPA above 3.5?", "conv-1")
	b := Key("  which students   have a gpa above 3.5?\n", "conv-1")
	if a != b {
		t.Error("case and whitespace should not change the key")
	}
	if a == Key("Which students have a GPA above 3.5?", "conv-2") {
		t.Error("different conversations must not share a key")
	}
	// The separator keeps message/conversation boundaries unambiguous.
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("boundary collision")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("hit on empty cache")
	}
	if err := m.Set(ctx, "k", []byte("answer"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || string(got) != "answer" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}

	// Returned slices are copies.
	got[0] = 'X'
	again, _, _ := m.Get(ctx, "k")
	if string(again) != "answer" {
		t.Error("cache value was mutated through a returned slice")
	}

	now = now.Add(time.Minute)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("hit after expiry")
	}
	if m.Len() != 0 {
		t.Errorf("expired entry not evicted on read, len = %d", m.Len())
	}
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Set(ctx, "short", []byte("a"), time.Second)
	m.Set(ctx, "long", []byte("b"), time.Hour)
	now = now.Add(time.Minute)

	if n := m.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if m.Len() != 1 {
		t.Errorf("len = %d, want 1", m.Len())
	}
}

func TestRedis(t *testing.T) {
	url := os.Getenv("COUNSELOR_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COUNSELOR_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, url)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	key := Key("redis test", time.Now().String())
	if _, ok, err := r.Get(ctx, key); ok || err != nil {
		t.Fatalf("Get before Set = %v, %v", ok, err)
	}
	if err := r.Set(ctx, key, []byte("cached"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := r.Get(ctx, key)
	if err != nil || !ok || string(got) != "cached" {
		t.Errorf("Get = %q, %v, %v", got, ok, err)
	}
}
