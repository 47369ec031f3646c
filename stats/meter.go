// Package stats implements the sliding-window speed estimator and
// per-server time-bucketed volume accounting of spec.md §4.10: a 30-slot
// one-second ring for the global download speed, and per-server
// second/minute/hour/day bucket arrays used for quota enforcement.
//
// Grounded on original_source/daemon/nntp/StatMeter.cpp/.h for the
// bucket-advance-on-drift algorithm (buckets between the last update and
// now are zeroed, in the direction of the drift, rather than the whole
// array), and on aistore stats/target_stats.go (Trunner) for the Go idiom
// of a stats runner that exposes both hand-rolled counters and a
// prometheus registry side by side.
package stats

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// slots is the number of one-second buckets in the sliding speed window
// (spec.md §4.10).
const slots = 30

// Meter tracks the global sliding-window download speed and the current
// one-second "momentary" byte counter.
type Meter struct {
	mu        sync.Mutex
	buckets   [slots]int64
	lastSlot  int
	lastTime  time.Time
	momentary atomic.Int64

	now func() time.Time
}

// NewMeter constructs a Meter anchored at the current time.
func NewMeter() *Meter {
	return &Meter{lastTime: time.Now(), now: time.Now}
}

// Add records n bytes at the current time, advancing (zeroing) any slots
// skipped since the last Add.
func (m *Meter) Add(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.advanceLocked(now)
	m.buckets[m.lastSlot] += n
	m.momentary.Add(n)
}

func (m *Meter) advanceLocked(now time.Time) {
	elapsed := int(now.Sub(m.lastTime) / time.Second)
	if elapsed <= 0 {
		return
	}
	if elapsed >= slots {
		m.buckets = [slots]int64{}
	} else {
		for i := 1; i <= elapsed; i++ {
			m.buckets[(m.lastSlot+i)%slots] = 0
		}
	}
	m.lastSlot = (m.lastSlot + elapsed) % slots
	m.lastTime = now
}

// CurrentSpeed returns the sliding-window average in bytes/second over the
// full window.
func (m *Meter) CurrentSpeed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked(m.now())
	var total int64
	for _, b := range m.buckets {
		total += b
	}
	return total / slots
}

// MomentarySpeed returns, and resets, the per-second byte counter; callers
// typically poll this once per second.
func (m *Meter) MomentarySpeed() int64 {
	return m.momentary.Swap(0)
}
