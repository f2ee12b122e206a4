package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestMemoryTier_SetGet(t *testing.T) {
	m := NewMemoryTier(10, clockwork.NewFakeClock())

	m.Set("v1:summary:latest", 42, time.Minute)

	v, ok := m.Get("v1:summary:latest")
	if !ok {
		t.Fatal("expected hit")
	}
	if v.(int) != 42 {
		t.Errorf("expected 42, got %v", v)
	}
	if _, ok := m.Get("v1:summary:other"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestMemoryTier_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemoryTier(10, clock)

	m.Set("k", "v", time.Hour)
	clock.Advance(59 * time.Minute)
	if _, ok := m.Get("k"); !ok {
		t.Fatal("entry expired early")
	}

	clock.Advance(time.Minute)
	if _, ok := m.Get("k"); ok {
		t.Error("entry should expire exactly at its deadline")
	}
	if m.Len() != 0 {
		t.Errorf("expired entry should be dropped, len=%d", m.Len())
	}
}

func TestMemoryTier_OverwriteRefreshesExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemoryTier(10, clock)

	m.Set("k", 1, time.Hour)
	clock.Advance(50 * time.Minute)
	m.Set("k", 2, time.Hour)
	clock.Advance(50 * time.Minute)

	v, ok := m.Get("k")
	if !ok || v.(int) != 2 {
		t.Errorf("expected refreshed value 2, got %v (hit=%v)", v, ok)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", m.Len())
	}
}

func TestMemoryTier_LRUEviction(t *testing.T) {
	m := NewMemoryTier(3, clockwork.NewFakeClock())

	m.Set("key1", 1, time.Hour)
	m.Set("key2", 2, time.Hour)
	m.Set("key3", 3, time.Hour)

	// key1 becomes most recently used
	m.Get("key1")
	m.Set("key4", 4, time.Hour)

	if _, ok := m.Get("key2"); ok {
		t.Error("key2 should have been evicted")
	}
	for _, k := range []string{"key1", "key3", "key4"} {
		if _, ok := m.Get(k); !ok {
			t.Errorf("%s should still exist", k)
		}
	}
	if m.Evictions() != 1 {
		t.Errorf("expected 1 eviction, got %d", m.Evictions())
	}
}

func TestMemoryTier_DeletePrefix(t *testing.T) {
	m := NewMemoryTier(0, clockwork.NewFakeClock())

	m.Set("v1:master:all", 1, time.Hour)
	m.Set("v1:master:alt", 1, time.Hour)
	m.Set("v1:cohort:all", 1, time.Hour)
	m.Set("v2:master:all", 1, time.Hour)

	if n := m.DeletePrefix("v1:master:"); n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if m.Len() != 2 {
		t.Errorf("expected 2 remaining, got %d", m.Len())
	}
	if !m.Delete("v1:cohort:all") {
		t.Error("Delete should report an existing key")
	}
	if m.Delete("v1:cohort:all") {
		t.Error("Delete should report a missing key")
	}

	m.Clear()
	if m.Len() != 0 {
		t.Errorf("expected empty tier after Clear, got %d", m.Len())
	}
}

func TestMemoryTier_Concurrent(t *testing.T) {
	m := NewMemoryTier(50, clockwork.NewFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", (id*200+j)%80)
				m.Set(key, j, time.Hour)
				m.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if m.Len() > 50 {
		t.Errorf("capacity exceeded: %d", m.Len())
	}
}
