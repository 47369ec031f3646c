package stats

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

const mib = 1 << 20

// Quota enforces the daily/monthly caps of spec.md §4.10, edge-triggering
// QuotaReached exactly once per crossing.
type Quota struct {
	DailyMiB   int64
	MonthlyMiB int64
	StartDay   int // day-of-month the quota window resets on

	reached atomic.Bool

	mu       sync.Mutex
	lastEval time.Time
	now      func() time.Time
}

// NewQuota constructs a Quota from config.
func NewQuota(dailyMiB, monthlyMiB int64, startDay int) *Quota {
	if startDay < 1 {
		startDay = 1
	}
	return &Quota{DailyMiB: dailyMiB, MonthlyMiB: monthlyMiB, StartDay: startDay, now: time.Now}
}

// QuotaReached reports the current edge-triggered state.
func (q *Quota) QuotaReached() bool { return q.reached.Load() }

// Evaluate recomputes the quota state against vol's day buckets. daily is
// checked against today's bucket alone; monthly sums the elapsed days of
// the current quota month, where the month "starts" on StartDay and wraps
// around shorter months (spec.md §4.10).
func (q *Quota) Evaluate(vol *ServerVolume) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	reached := false

	if q.DailyMiB > 0 {
		today := vol.DaySum(1)
		if today >= q.DailyMiB*mib {
			reached = true
		}
	}
	if q.MonthlyMiB > 0 {
		elapsed := elapsedDaysInQuotaMonth(now, q.StartDay)
		sum := vol.DaySum(elapsed)
		if sum >= q.MonthlyMiB*mib {
			reached = true
		}
	}

	q.lastEval = now
	q.reached.Store(reached)
	return reached
}

// elapsedDaysInQuotaMonth returns how many days have elapsed since the
// current quota period began, where the period boundary is StartDay of
// each calendar month, wrapping to the last valid day when StartDay
// exceeds the month's length (spec.md §4.10: "wrapping around shorter
// previous months").
func elapsedDaysInQuotaMonth(now time.Time, startDay int) int {
	y, m, d := now.Date()
	start := clampDay(y, m, startDay)
	if d >= start {
		return d - start + 1
	}
	// Before this month's start day: the period began on startDay of the
	// previous month.
	py, pm := y, m-1
	if pm < 1 {
		pm = 12
		py--
	}
	prevStart := clampDay(py, pm, startDay)
	prevMonthDays := daysInMonth(py, pm)
	return (prevMonthDays - prevStart + 1) + d
}

func clampDay(y int, m time.Month, day int) int {
	maxD := daysInMonth(y, m)
	if day > maxD {
		return maxD
	}
	if day < 1 {
		return 1
	}
	return day
}

func daysInMonth(y int, m time.Month) int {
	firstNext := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	last := firstNext.Add(-24 * time.Hour)
	return last.Day()
}
