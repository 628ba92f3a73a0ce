package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testManager(defs ...Definition) *Manager {
	if len(defs) == 0 {
		defs = []Definition{{Name: "states", TTL: time.Minute, Capacity: 100}}
	}
	return New(slog.New(slog.DiscardHandler), defs)
}

func TestGetReturnsStoredValue(t *testing.T) {
	m := testManager()

	if !m.Set("states", "get_state:light.kitchen", "on") {
		t.Fatalf("expected set to store")
	}
	got, ok := m.Get("states", "get_state:light.kitchen")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got != "on" {
		t.Fatalf("unexpected value: %v", got)
	}
}

func TestGetExpiresEntriesLazily(t *testing.T) {
	m := testManager(Definition{Name: "states", TTL: 5 * time.Second, Capacity: 10})

	base := time.Now()
	m.now = func() time.Time { return base }
	m.Set("states", "key", "value")

	m.now = func() time.Time { return base.Add(5 * time.Second) }
	if _, ok := m.Get("states", "key"); !ok {
		t.Fatalf("entry at exactly ttl should still be served")
	}

	m.now = func() time.Time { return base.Add(5*time.Second + time.Millisecond) }
	if _, ok := m.Get("states", "key"); ok {
		t.Fatalf("expected entry past ttl to read as absent")
	}
	if stats := m.Stats()["states"]; stats.Size != 0 {
		t.Fatalf("expected expired entry to be dropped, size %d", stats.Size)
	}
}

func TestCapacityEvictsOldestInsertion(t *testing.T) {
	m := testManager(Definition{Name: "states", TTL: time.Minute, Capacity: 3})

	for i := 0; i < 3; i++ {
		m.Set("states", fmt.Sprintf("key-%d", i), i)
	}
	// Reading the oldest entry must not renew its position.
	if _, ok := m.Get("states", "key-0"); !ok {
		t.Fatalf("expected key-0 present before overflow")
	}

	m.Set("states", "key-3", 3)

	if _, ok := m.Get("states", "key-0"); ok {
		t.Fatalf("expected first-inserted key-0 to be evicted")
	}
	for i := 1; i <= 3; i++ {
		if _, ok := m.Get("states", fmt.Sprintf("key-%d", i)); !ok {
			t.Fatalf("expected key-%d to survive eviction", i)
		}
	}
}

func TestSetRefreshesInsertionPosition(t *testing.T) {
	m := testManager(Definition{Name: "states", TTL: time.Minute, Capacity: 2})

	m.Set("states", "a", 1)
	m.Set("states", "b", 2)
	m.Set("states", "a", 3) // a becomes the newest insertion
	m.Set("states", "c", 4) // overflow evicts b

	if _, ok := m.Get("states", "b"); ok {
		t.Fatalf("expected b to be evicted after a was rewritten")
	}
	if got, ok := m.Get("states", "a"); !ok || got != 3 {
		t.Fatalf("expected rewritten a to survive, got %v %v", got, ok)
	}
}

func TestUnknownCacheIsAbsentNotError(t *testing.T) {
	m := testManager()

	if _, ok := m.Get("nope", "key"); ok {
		t.Fatalf("unknown cache must read as absent")
	}
	if m.Set("nope", "key", "value") {
		t.Fatalf("write to unknown cache must be dropped")
	}
	if m.Delete("nope", "key") {
		t.Fatalf("delete on unknown cache must report false")
	}
	if n := m.InvalidatePattern("nope", "key"); n != 0 {
		t.Fatalf("invalidate on unknown cache must remove nothing, got %d", n)
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	m := testManager()

	m.Set("states", "key", "value")
	if !m.Delete("states", "key") {
		t.Fatalf("expected delete of existing key to report true")
	}
	if m.Delete("states", "key") {
		t.Fatalf("expected delete of missing key to report false")
	}
}

func TestInvalidatePatternMatchesSubstring(t *testing.T) {
	m := testManager()

	m.Set("states", "get_state:light.kitchen", "on")
	m.Set("states", "group:light", []string{"light.kitchen"})
	m.Set("states", "group:switch", []string{"switch.garage"})

	if n := m.InvalidatePattern("states", "light"); n != 2 {
		t.Fatalf("expected 2 invalidations, got %d", n)
	}
	if _, ok := m.Get("states", "group:switch"); !ok {
		t.Fatalf("expected unrelated key to survive")
	}
}

func TestClearEmptiesOneCache(t *testing.T) {
	m := testManager(
		Definition{Name: "states", TTL: time.Minute, Capacity: 10},
		Definition{Name: "services", TTL: time.Minute, Capacity: 10},
	)

	m.Set("states", "key", 1)
	m.Set("services", "key", 2)
	m.Clear("services")

	if _, ok := m.Get("services", "key"); ok {
		t.Fatalf("expected services cache to be empty")
	}
	if _, ok := m.Get("states", "key"); !ok {
		t.Fatalf("expected states cache to be untouched")
	}

	m.ClearAll()
	if _, ok := m.Get("states", "key"); ok {
		t.Fatalf("expected all caches to be empty")
	}
}

func TestStatsSnapshot(t *testing.T) {
	m := testManager(Definition{Name: "config", TTL: 50 * time.Minute, Capacity: 10})

	m.Set("config", "get_config", map[string]any{"version": "2024.1"})
	stats := m.Stats()
	got, ok := stats["config"]
	if !ok {
		t.Fatalf("expected stats for config cache")
	}
	if got.Size != 1 || got.Capacity != 10 || got.TTL != 50*time.Minute {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := testManager(Definition{Name: "states", TTL: time.Minute, Capacity: 50})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("get_state:sensor.%d", j%25)
				m.Set("states", key, worker)
				m.Get("states", key)
				if j%50 == 0 {
					m.InvalidatePattern("states", "sensor")
				}
			}
		}(i)
	}
	wg.Wait()
}
