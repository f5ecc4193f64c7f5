package listcache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := New[string, int](10, time.Minute)
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("got %v, %v, want 1, true", v, ok)
	}
}

func TestExpiry(t *testing.T) {
	c := New[string, int](10, 10*time.Millisecond)
	c.Set("a", 1)
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestLRUEviction(t *testing.T) {
	c := New[string, int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3) // evicts "a", the least recently used
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected b to remain")
	}
}

func TestGetOrLoadSingleflight(t *testing.T) {
	c := New[string, int](10, time.Minute)
	var loads int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrLoad("k", func() (int, error) {
				atomic.AddInt32(&loads, 1)
				time.Sleep(10 * time.Millisecond)
				return 42, nil
			})
			if err != nil {
				t.Errorf("GetOrLoad: %v", err)
			}
		}()
	}
	wg.Wait()

	if loads != 1 {
		t.Fatalf("load count = %d, want 1 (singleflight)", loads)
	}
}

func TestInvalidate(t *testing.T) {
	c := New[string, int](10, time.Minute)
	c.Set("a", 1)
	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be invalidated")
	}
}

func TestInvalidateFunc(t *testing.T) {
	c := New[string, int](10, time.Minute)
	c.Set("tools/list|", 1)
	c.Set("tools/list|cursor2", 2)
	c.Set("resources/list|", 3)

	c.InvalidateFunc(func(k string) bool { return len(k) >= 10 && k[:10] == "tools/list" })

	if _, ok := c.Get("tools/list|"); ok {
		t.Fatal("expected tools/list| to be invalidated")
	}
	if _, ok := c.Get("resources/list|"); !ok {
		t.Fatal("expected resources/list| to remain")
	}
}
