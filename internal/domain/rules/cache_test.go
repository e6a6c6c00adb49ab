package rules

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValueCacheGetSet(t *testing.T) {
	cache := NewValueCache()
	varID := uuid.New()

	if _, ok := cache.Get(varID, "ctx"); ok {
		t.Fatal("expected miss on empty cache")
	}

	cache.Set(varID, "ctx", 42.0, time.Minute)
	value, ok := cache.Get(varID, "ctx")
	if !ok || value != 42.0 {
		t.Fatalf("Get = %v, %v; want 42.0, true", value, ok)
	}

	// Different context identity is a different entry.
	if _, ok := cache.Get(varID, "other"); ok {
		t.Error("expected miss for different context key")
	}
}

func TestValueCacheExpiry(t *testing.T) {
	cache := NewValueCache()
	varID := uuid.New()

	cache.Set(varID, "ctx", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, ok := cache.Get(varID, "ctx"); ok {
		t.Error("expected expired entry to miss")
	}

	cache.PurgeExpired()
	if cache.Len() != 0 {
		t.Errorf("Len = %d after purge, want 0", cache.Len())
	}
}

func TestValueCacheZeroTTLNotStored(t *testing.T) {
	cache := NewValueCache()
	varID := uuid.New()
	cache.Set(varID, "ctx", "v", 0)
	if _, ok := cache.Get(varID, "ctx"); ok {
		t.Error("zero TTL should not cache")
	}
}

func TestValueCacheInvalidateVariable(t *testing.T) {
	cache := NewValueCache()
	target := uuid.New()
	other := uuid.New()

	cache.Set(target, "p1", 1.0, time.Minute)
	cache.Set(target, "p2", 2.0, time.Minute)
	cache.Set(other, "p1", 3.0, time.Minute)

	cache.InvalidateVariable(target)

	if _, ok := cache.Get(target, "p1"); ok {
		t.Error("expected p1 entry invalidated")
	}
	if _, ok := cache.Get(target, "p2"); ok {
		t.Error("expected p2 entry invalidated")
	}
	if _, ok := cache.Get(other, "p1"); !ok {
		t.Error("other variable's entry should survive")
	}
}
