package cache

import (
	"sync"
	"testing"
	"time"
)

type record struct {
	Name string
	Tier string
}

func TestCache_FreshHit(t *testing.T) {
	c := New[*record](30*time.Second, time.Second)
	c.Set("at-1", &record{Name: "send_email"}, true)

	result := c.Get("at-1")
	if !result.Hit || !result.Found {
		t.Fatal("expected cache hit")
	}
	if result.NeedsRefresh {
		t.Fatal("expected fresh, got needs refresh")
	}
	if result.Value.Name != "send_email" {
		t.Fatalf("expected send_email, got %s", result.Value.Name)
	}
}

func TestCache_Miss(t *testing.T) {
	c := New[*record](30*time.Second, time.Second)
	result := c.Get("nonexistent")
	if result.Hit {
		t.Fatal("expected miss")
	}
	if result.Value != nil {
		t.Fatal("expected nil value on miss")
	}
}

func TestCache_NegativeCache(t *testing.T) {
	c := New[*record](30*time.Second, time.Second)
	c.Set("unknown", nil, false)

	result := c.Get("unknown")
	if !result.Hit {
		t.Fatal("expected cache hit for negative cache")
	}
	if result.Found {
		t.Fatal("expected not-found for negative cache")
	}
}

func TestCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	c := New[*record](time.Millisecond, time.Minute)
	c.Set("at-1", &record{Name: "query_db"}, true)

	time.Sleep(5 * time.Millisecond)

	refreshCount := 0
	for i := 0; i < 10; i++ {
		result := c.Get("at-1")
		if !result.Hit {
			t.Fatal("expected stale hit within grace")
		}
		if result.NeedsRefresh {
			refreshCount++
		}
	}
	if refreshCount != 1 {
		t.Fatalf("expected exactly 1 refresh signal, got %d", refreshCount)
	}
}

func TestCache_StalePastGraceIsMiss(t *testing.T) {
	c := New[*record](time.Millisecond, time.Millisecond)
	c.Set("at-1", &record{Name: "query_db"}, true)

	time.Sleep(10 * time.Millisecond)

	if c.Get("at-1").Hit {
		t.Fatal("entries past the staleness bound must not be served")
	}
}

func TestCache_NoTTLNeverExpires(t *testing.T) {
	c := New[*record](0, 0)
	c.Set("at-1", &record{Name: "a"}, true)
	time.Sleep(2 * time.Millisecond)
	result := c.Get("at-1")
	if !result.Hit || result.NeedsRefresh {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCache_SetAfterStale_ResetsFreshness(t *testing.T) {
	c := New[*record](time.Millisecond, time.Minute)
	c.Set("at-1", &record{Name: "query_db", Tier: "read"}, true)

	time.Sleep(5 * time.Millisecond)

	c.Set("at-1", &record{Name: "query_db", Tier: "write"}, true)

	result := c.Get("at-1")
	if result.NeedsRefresh {
		t.Fatal("expected fresh after re-set")
	}
	if result.Value.Tier != "write" {
		t.Fatalf("expected write tier, got %s", result.Value.Tier)
	}
}

func TestCache_DeleteInvalidatesInFlightFetch(t *testing.T) {
	c := New[*record](30*time.Second, time.Second)

	gen := c.Generation()
	// Invalidation arrives while the fetch for at-1 is in flight.
	c.Delete("at-1")

	if c.SetIfCurrent("at-1", &record{Name: "old"}, true, gen) {
		t.Fatal("stale fetch must not be cached after invalidation")
	}
	if c.Get("at-1").Hit {
		t.Fatal("expected miss")
	}

	gen = c.Generation()
	if !c.SetIfCurrent("at-1", &record{Name: "new"}, true, gen) {
		t.Fatal("expected current fetch to be cached")
	}
	if c.Get("at-1").Value.Name != "new" {
		t.Fatal("expected new value")
	}
}

func TestCache_Clear(t *testing.T) {
	c := New[*record](30*time.Second, time.Second)
	c.Set("a", &record{}, true)
	c.Set("b", &record{}, true)
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[*record](time.Second, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			c.Set("at-1", &record{Name: "x"}, true)
		}()
		go func() {
			defer wg.Done()
			c.Get("at-1")
		}()
		go func() {
			defer wg.Done()
			c.Delete("at-1")
		}()
	}
	wg.Wait()
}
