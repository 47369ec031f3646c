package stats

import (
	"sync"
	"time"
)

const (
	secondSlots = 60
	minuteSlots = 60
	hourSlots   = 24
	// maxDays bounds the per-server day-bucket history (spec.md §4.10:
	// "≤ 20 years of days").
	maxDays = 20 * 366
)

// ServerVolume is the per-server (or index-0 aggregate) time-bucketed
// volume counter of spec.md §3.
type ServerVolume struct {
	mu sync.Mutex

	seconds [secondSlots]int64
	minutes [minuteSlots]int64
	hours   [hourSlots]int64
	days    []int64 // grows lazily, capped at maxDays

	totalBytes  int64
	customBytes int64
	customSince time.Time

	firstDay time.Time
	dataTime time.Time

	now func() time.Time
}

// NewServerVolume constructs a ServerVolume anchored at the current time.
func NewServerVolume() *ServerVolume {
	now := time.Now()
	return &ServerVolume{
		firstDay: dayStart(now),
		dataTime: now,
		days:     make([]int64, 1),
		now:      time.Now,
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Add records n bytes at the current time, zeroing any slots skipped since
// the last update (in either direction: a negative delta, i.e. a clock
// setback, only zeroes the buckets it actually overtakes, never the whole
// array, per spec.md §3's ServerVolume invariant).
func (v *ServerVolume) Add(n int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	v.advanceLocked(now)
	v.seconds[secondIndex(now)] += n
	v.minutes[minuteIndex(now)] += n
	v.hours[hourIndex(now)] += n
	v.dayBucketLocked(now)[0] += n
	v.totalBytes += n
	v.customBytes += n
	v.dataTime = now
}

func secondIndex(t time.Time) int { return t.Second() % secondSlots }
func minuteIndex(t time.Time) int { return t.Minute() % minuteSlots }
func hourIndex(t time.Time) int   { return t.Hour() % hourSlots }

// advanceLocked zeroes second/minute/hour buckets that elapsed between
// dataTime and now, in whichever direction the clock moved. Day buckets
// are grown (never zeroed in bulk) by dayBucketLocked.
func (v *ServerVolume) advanceLocked(now time.Time) {
	elapsedSec := int(now.Sub(v.dataTime) / time.Second)
	if elapsedSec == 0 {
		return
	}
	zeroRange(v.seconds[:], secondIndex(v.dataTime), elapsedSec, secondSlots)

	elapsedMin := int(now.Sub(v.dataTime) / time.Minute)
	zeroRange(v.minutes[:], minuteIndex(v.dataTime), elapsedMin, minuteSlots)

	elapsedHour := int(now.Sub(v.dataTime) / time.Hour)
	zeroRange(v.hours[:], hourIndex(v.dataTime), elapsedHour, hourSlots)
}

// zeroRange clears up to n buckets starting just after from, wrapping
// modulo size; a negative n (clock went backwards) clears the same count
// walking the other direction. Only the buckets actually overtaken by the
// drift are zeroed.
func zeroRange(buckets []int64, from, n, size int) {
	if n == 0 {
		return
	}
	step := 1
	count := n
	if n < 0 {
		step = -1
		count = -n
	}
	if count > size {
		count = size
	}
	idx := from
	for i := 0; i < count; i++ {
		idx = ((idx+step)%size + size) % size
		buckets[idx] = 0
	}
}

// dayBucketLocked returns the day-bucket slice entry for now, growing (and
// zero-filling) v.days as needed; callers index [0] for convenience since
// this type always represents a single day's bucket at a time.
func (v *ServerVolume) dayBucketLocked(now time.Time) []int64 {
	day := dayStart(now)
	idx := int(day.Sub(v.firstDay).Hours() / 24)
	if idx < 0 {
		// Clock moved before the anchor day: re-anchor and shift forward,
		// zeroing only the newly-inserted days at the front.
		shift := -idx
		if shift > maxDays {
			shift = maxDays
		}
		grown := make([]int64, len(v.days)+shift)
		copy(grown[shift:], v.days)
		v.days = grown
		v.firstDay = day
		idx = 0
	}
	if idx >= maxDays {
		idx = maxDays - 1
	}
	for len(v.days) <= idx {
		v.days = append(v.days, 0)
	}
	return v.days[idx : idx+1]
}

// TotalBytes returns the all-time total recorded for this server.
func (v *ServerVolume) TotalBytes() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalBytes
}

// DaySum returns the sum of the last n day-buckets (inclusive of today),
// used by quota evaluation.
func (v *ServerVolume) DaySum(n int) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n > len(v.days) {
		n = len(v.days)
	}
	var sum int64
	for i := len(v.days) - n; i < len(v.days); i++ {
		sum += v.days[i]
	}
	return sum
}

// ResetCustom zeroes the user-resettable counter and stamps its anchor
// time (spec.md §3: "custom bytes (user-resettable counter + anchor
// time)").
func (v *ServerVolume) ResetCustom() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.customBytes = 0
	v.customSince = v.now()
}

// CustomBytes returns the value accumulated since the last ResetCustom.
func (v *ServerVolume) CustomBytes() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.customBytes
}
