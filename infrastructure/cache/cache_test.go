package cache

import (
	"context"
	"testing"
	"time"
)

func TestCacheGetSetRoundTrip(t *testing.T) {
	c := NewCache(CacheConfig{DefaultTTL: time.Minute})
	c.Set("k", "v", 0)

	v, ok := c.Get("k")
	if !ok || v != "v" {
		t.Fatalf("expected cached value, got %v ok=%v", v, ok)
	}
}

func TestCacheExpiresEntry(t *testing.T) {
	c := NewCache(CacheConfig{})
	c.Set("k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestCacheInvalidateVersionClearsAllEntries(t *testing.T) {
	c := NewCache(CacheConfig{DefaultTTL: time.Minute})
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)

	c.InvalidateVersion()

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entries cleared on version bump")
	}
	if c.Size() != 0 {
		t.Fatalf("expected empty cache, got size %d", c.Size())
	}
}

func TestTTLCacheGetSet(t *testing.T) {
	c := NewTTLCache(time.Minute)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "prompt-1"); ok {
		t.Fatal("expected cache miss before Set")
	}
	c.Set(ctx, "prompt-1", "cached-history")
	v, ok := c.Get(ctx, "prompt-1")
	if !ok || v != "cached-history" {
		t.Fatalf("expected cached-history, got %v ok=%v", v, ok)
	}

	c.Delete(ctx, "prompt-1")
	if _, ok := c.Get(ctx, "prompt-1"); ok {
		t.Fatal("expected cache miss after Delete")
	}
}
