package analytics

import (
	"sync"
	"time"
)

type interval struct {
	key string
	dur time.Duration
}

var intervals = []interval{
	{"MINUTE", time.Minute},
	{"FIVE_MIN", 5 * time.Minute},
	{"HOUR", time.Hour},
}

// bucketState aggregates listener samples per interval until each bucket
// closes and can be reported.
type bucketState struct {
	mu   sync.Mutex
	data map[string]map[time.Time]*ListenerBucket
}

func newBucketState() *bucketState {
	b := &bucketState{data: make(map[string]map[time.Time]*ListenerBucket)}
	for _, iv := range intervals {
		b.data[iv.key] = make(map[time.Time]*ListenerBucket)
	}
	return b
}

func (b *bucketState) addSample(now time.Time, active int, countries map[string]int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, iv := range intervals {
		start := now.Truncate(iv.dur).UTC()
		bkt, ok := b.data[iv.key][start]
		if !ok {
			bkt = &ListenerBucket{
				Interval:    iv.key,
				BucketStart: start,
				Countries:   map[string]int{},
			}
			b.data[iv.key][start] = bkt
		}
		bkt.ActivePeak = max(bkt.ActivePeak, active)
		for c, n := range countries {
			bkt.Countries[c] = max(bkt.Countries[c], n)
		}
	}
}

// accrue adds listener-minutes for the elapsed period to the buckets that
// contain now.
func (b *bucketState) accrue(now time.Time, delta time.Duration, active int) {
	if active <= 0 || delta <= 0 {
		return
	}
	minutes := int(delta.Minutes() + 0.5)
	if minutes <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, iv := range intervals {
		if bkt, ok := b.data[iv.key][now.Truncate(iv.dur).UTC()]; ok {
			bkt.ListenerMinutes += minutes * active
		}
	}
}

// drainReady removes and returns every bucket that ended at or before cutoff.
func (b *bucketState) drainReady(cutoff time.Time) []ListenerBucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ListenerBucket
	for _, iv := range intervals {
		for start, bkt := range b.data[iv.key] {
			if !start.Add(iv.dur).After(cutoff) {
				out = append(out, *bkt)
				delete(b.data[iv.key], start)
			}
		}
	}
	return out
}
