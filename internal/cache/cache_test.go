package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExpiry(t *testing.T) {
	c := New(50 * time.Millisecond)

	c.Set("title/5", "18.1")
	if v, ok := c.Get("title/5"); !ok || v != "18.1" {
		t.Fatalf("Expected cached value, got %v (%v)", v, ok)
	}

	time.Sleep(120 * time.Millisecond)
	if _, ok := c.Get("title/5"); ok {
		t.Error("Entry should expire after the TTL")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats mismatch: %+v", stats)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewWithSize(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Expected a to be cached")
	}
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("Least recently used entry should be evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("Expected %s to survive eviction", key)
		}
	}
	if n := c.Stats().Entries; n != 2 {
		t.Errorf("Entries mismatch: got %d, want 2", n)
	}
}

func TestGetOrLoad(t *testing.T) {
	c := New(0)
	calls := 0
	load := func(context.Context) (string, error) {
		calls++
		return "131.0", nil
	}

	for range 3 {
		v, err := GetOrLoad(context.Background(), c, "chrome", load)
		if err != nil {
			t.Fatalf("GetOrLoad failed: %v", err)
		}
		if v != "131.0" {
			t.Errorf("Value mismatch: got %s", v)
		}
	}
	if calls != 1 {
		t.Errorf("Loader should run once, ran %d times", calls)
	}

	failing := func(context.Context) (string, error) {
		calls++
		return "", errors.New("boom")
	}
	for range 2 {
		if _, err := GetOrLoad(context.Background(), c, "broken", failing); err == nil {
			t.Error("Expected loader error")
		}
	}
	if calls != 3 {
		t.Errorf("Errors must not be cached, loader calls = %d", calls)
	}

	c.Invalidate()
	if c.Stats().Entries != 0 {
		t.Error("Invalidate should drop all entries")
	}
}

func TestNilCache(t *testing.T) {
	var c *Cache
	c.Set("k", 1)
	if _, ok := c.Get("k"); ok {
		t.Error("Nil cache should never hit")
	}
	v, err := GetOrLoad(context.Background(), c, "k", func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Errorf("Nil cache should pass through the loader, got %d, %v", v, err)
	}
}
