package dataType

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
)

func hashOf(key string) uint64 { return xxhash.Sum64String(key) }

func TestCounterAddQuery(t *testing.T) {
	c := NewCounter(16, 60)

	c.Add("eth0", 1)
	c.Add("eth0", 2)
	if got := c.Query("eth0", 10); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
	if got := c.Query("eth1", 10); got != 0 {
		t.Errorf("keys are independent, expected 0, got %d", got)
	}
}

func TestCounterReset(t *testing.T) {
	c := NewCounter(16, 60)
	c.Add("eth0", 5)
	c.Reset("eth0")
	if got := c.Query("eth0", 60); got != 0 {
		t.Errorf("expected 0 after reset, got %d", got)
	}
}

func TestCounterWindowClamped(t *testing.T) {
	c := NewCounter(16, 10)
	c.Add("eth0", 1)
	// Query windows larger than the counter's span are clamped, not an error.
	if got := c.Query("eth0", 1000); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}

func TestCounterOldEntriesExpire(t *testing.T) {
	c := NewCounter(16, 60)
	bucket := c.getBucket("eth0")

	// Plant an event 30 seconds in the past; a 10 second window must miss
	// it while a 60 second window still sees it.
	past := time.Now().Unix() - 30
	bucket.mu.Lock()
	elem := newCounterElement(60)
	elem.add(past, 4)
	bucket.counters[hashOf("eth0")] = elem
	bucket.mu.Unlock()

	if got := c.Query("eth0", 10); got != 0 {
		t.Errorf("expected the old event outside the window, got %d", got)
	}
	if got := c.Query("eth0", 60); got != 4 {
		t.Errorf("expected the old event inside the window, got %d", got)
	}
}

func TestCounterGC(t *testing.T) {
	c := NewCounter(16, 10)
	bucket := c.getBucket("stale")

	elem := newCounterElement(10)
	elem.add(time.Now().Unix()-100, 1)
	elem.lastUpdated = time.Now().Unix() - 100
	bucket.mu.Lock()
	bucket.counters[hashOf("stale")] = elem
	bucket.mu.Unlock()

	c.Add("fresh", 1)
	c.GC()

	if got := c.Query("fresh", 10); got != 1 {
		t.Errorf("fresh key must survive GC, got %d", got)
	}
	bucket.mu.RLock()
	_, stale := bucket.counters[hashOf("stale")]
	bucket.mu.RUnlock()
	if stale {
		t.Error("stale key must be collected")
	}
}

func TestCounterConcurrentAdds(t *testing.T) {
	c := NewCounter(16, 60)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("if%d", n%4)
			for j := 0; j < 100; j++ {
				c.Add(key, 1)
			}
		}(i)
	}
	wg.Wait()

	var total int64
	for i := 0; i < 4; i++ {
		total += c.Query(fmt.Sprintf("if%d", i), 60)
	}
	if total != 800 {
		t.Errorf("expected 800 events total, got %d", total)
	}
}
