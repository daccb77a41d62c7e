package scheduler

import "time"

// speedTracker keeps, per in-flight entry, a ring of byte counts bucketed
// by wall-clock second.
type speedTracker struct {
	window  int
	entries map[string]*speedRing
}

type speedBucket struct {
	sec   int64
	bytes int64
}

type speedRing struct {
	startSec int64
	buckets  []speedBucket
}

func newSpeedTracker(window int) *speedTracker {
	if window < 1 {
		window = 1
	}
	return &speedTracker{window: window, entries: make(map[string]*speedRing)}
}

func (t *speedTracker) start(id string, now time.Time) {
	t.entries[id] = &speedRing{
		startSec: now.Unix(),
		buckets:  make([]speedBucket, t.window),
	}
}

func (t *speedTracker) finish(id string) {
	delete(t.entries, id)
}

func (t *speedTracker) add(id string, delta int64, now time.Time) {
	ring, ok := t.entries[id]
	if !ok || delta <= 0 {
		return
	}
	sec := now.Unix()
	b := &ring.buckets[int(sec%int64(t.window))]
	if b.sec != sec {
		b.sec = sec
		b.bytes = 0
	}
	b.bytes += delta
}

// rate is the mean bytes per second of id over its retained window.
func (t *speedTracker) rate(id string, now time.Time) float64 {
	ring, ok := t.entries[id]
	if !ok {
		return 0
	}
	sec := now.Unix()
	oldest := sec - int64(t.window) + 1

	var total int64
	for _, b := range ring.buckets {
		if b.sec >= oldest && b.sec <= sec {
			total += b.bytes
		}
	}

	span := sec - ring.startSec + 1
	if span > int64(t.window) {
		span = int64(t.window)
	}
	if span < 1 {
		span = 1
	}
	return float64(total) / float64(span)
}

// total sums the rate of every tracked entry.
func (t *speedTracker) total(now time.Time) float64 {
	var sum float64
	for id := range t.entries {
		sum += t.rate(id, now)
	}
	return sum
}
