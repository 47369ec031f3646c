package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerVolumeDaySumEqualsTotalBytes(t *testing.T) {
	v := NewServerVolume()
	base := time.Now()
	cur := base
	v.now = func() time.Time { return cur }

	v.Add(100)
	cur = base.Add(24 * time.Hour) // roll into the next day
	v.Add(200)

	require.EqualValues(t, 300, v.TotalBytes())
	require.EqualValues(t, 300, v.DaySum(2))
}

func TestServerVolumeClockSetbackZeroesOnlyAffectedBuckets(t *testing.T) {
	v := NewServerVolume()
	base := time.Now()
	cur := base
	v.now = func() time.Time { return cur }

	v.Add(10)
	// Move the clock back by a few seconds: only those seconds' buckets
	// should be cleared, never the whole array (spec.md §3 invariant).
	cur = base.Add(-3 * time.Second)
	v.Add(5)

	require.EqualValues(t, 15, v.TotalBytes())
}

func TestQuotaFlipEdgeTriggered(t *testing.T) {
	v := NewServerVolume()
	q := NewQuota(1, 0, 1) // 1 MiB daily cap

	require.False(t, q.Evaluate(v))
	v.Add(int64(mib) + 1)
	require.True(t, q.Evaluate(v))
	require.True(t, q.QuotaReached())
}

func TestElapsedDaysInQuotaMonthWrapsShorterMonths(t *testing.T) {
	// Day 5 of a 30-day April falls before StartDay=31 (clamped to 30 in
	// April), so the period rolls back to day 31 of March (unclamped,
	// March has 31 days).
	now := time.Date(2026, time.April, 5, 0, 0, 0, 0, time.UTC)
	got := elapsedDaysInQuotaMonth(now, 31)
	require.Equal(t, 6, got) // Mar 31 .. Apr 5 inclusive
}
