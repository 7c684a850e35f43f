package cache

import (
	"context"
	"testing"
	"time"
)

func TestLRUSetGet(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	if err := c.Set(ctx, "k1", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	val, err := c.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(val) != "v1" {
		t.Errorf("expected v1, got %s", val)
	}
}

func TestLRUMissReturnsNil(t *testing.T) {
	c := NewLRUCache(10)

	val, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil on miss, got %s", val)
	}
}

func TestLRUEviction(t *testing.T) {
	c := NewLRUCache(2)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), 0)
	c.Set(ctx, "b", []byte("2"), 0)
	// Touch "a" so "b" is the eviction candidate.
	c.Get(ctx, "a")
	c.Set(ctx, "c", []byte("3"), 0)

	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
	if val, _ := c.Get(ctx, "b"); val != nil {
		t.Error("least recently used entry should be evicted")
	}
	if val, _ := c.Get(ctx, "a"); val == nil {
		t.Error("recently used entry should survive")
	}
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	c.Set(ctx, "k", []byte("v"), time.Minute)

	c.nowFunc = func() time.Time { return now.Add(2 * time.Minute) }
	if val, _ := c.Get(ctx, "k"); val != nil {
		t.Error("expired entry should not be returned")
	}
}

func TestLRUDelete(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 0)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if val, _ := c.Get(ctx, "k"); val != nil {
		t.Error("deleted entry should be gone")
	}
}

func TestLRUOverwrite(t *testing.T) {
	c := NewLRUCache(10)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("old"), 0)
	c.Set(ctx, "k", []byte("new"), 0)

	val, _ := c.Get(ctx, "k")
	if string(val) != "new" {
		t.Errorf("expected new, got %s", val)
	}
	if c.Len() != 1 {
		t.Errorf("overwrite should not grow the cache, len = %d", c.Len())
	}
}
