package dataType

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type timeSegment struct {
	timestamp int64
	count     int64
}

type counterElement struct {
	segments    []timeSegment
	segSize     int64
	lastUpdated int64
}

func newCounterElement(segments int) *counterElement {
	return &counterElement{
		segments:    make([]timeSegment, segments),
		segSize:     int64(segments),
		lastUpdated: time.Now().Unix(),
	}
}

func (c *counterElement) add(ts int64, value int64) {
	idx := ts % c.segSize
	if c.segments[idx].timestamp != ts {
		c.segments[idx].timestamp = ts
		c.segments[idx].count = value
	} else {
		c.segments[idx].count += value
	}
	c.lastUpdated = ts
}

func (c *counterElement) query(lastN int64, now int64) int64 {
	var sum int64
	if lastN > c.segSize {
		lastN = c.segSize
	}
	for i := int64(0); i < lastN; i++ {
		sec := now - lastN + 1 + i
		idx := sec % c.segSize
		if c.segments[idx].timestamp == sec {
			sum += c.segments[idx].count
		}
	}
	return sum
}

type counterBucket struct {
	mu       sync.RWMutex
	counters map[uint64]*counterElement
}

// Counter tracks per-key event counts over a sliding window of segSize
// seconds, sharded across buckets to keep lock contention low.
type Counter struct {
	buckets     []*counterBucket
	bucketCount uint64
	segSize     int64
}

func NewCounter(bucketCount int, segSize int64) *Counter {
	tc := &Counter{
		buckets:     make([]*counterBucket, bucketCount),
		bucketCount: uint64(bucketCount),
		segSize:     segSize,
	}
	for i := 0; i < bucketCount; i++ {
		tc.buckets[i] = &counterBucket{counters: make(map[uint64]*counterElement)}
	}
	return tc
}

func (tc *Counter) getBucket(key string) *counterBucket {
	h := xxhash.Sum64String(key)
	return tc.buckets[h%tc.bucketCount]
}

func (tc *Counter) Add(key string, value int64) {
	now := time.Now().Unix()
	bucket := tc.getBucket(key)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	hashKey := xxhash.Sum64String(key)
	counter, exists := bucket.counters[hashKey]
	if !exists {
		counter = newCounterElement(int(tc.segSize))
		bucket.counters[hashKey] = counter
	}
	counter.add(now, value)
}

// Query sums the events recorded for key over the last lastN seconds.
func (tc *Counter) Query(key string, lastN int64) int64 {
	now := time.Now().Unix()
	bucket := tc.getBucket(key)
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()
	hashKey := xxhash.Sum64String(key)
	if counter, exists := bucket.counters[hashKey]; exists {
		return counter.query(lastN, now)
	}
	return 0
}

func (tc *Counter) Reset(key string) {
	bucket := tc.getBucket(key)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	delete(bucket.counters, xxhash.Sum64String(key))
}

// GC drops keys whose window has fully slid past.
func (tc *Counter) GC() {
	expireThreshold := time.Now().Unix() - tc.segSize
	for _, bucket := range tc.buckets {
		bucket.mu.Lock()
		for key, counter := range bucket.counters {
			if counter.lastUpdated < expireThreshold {
				delete(bucket.counters, key)
			}
		}
		bucket.mu.Unlock()
	}
}
