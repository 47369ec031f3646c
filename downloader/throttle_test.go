package downloader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleWaitsUntilMeasuredRateDrops(t *testing.T) {
	rate := int64(2000)
	sleeps := 0
	th := NewThrottle(1000, func() int64 { return rate })
	th.sleep = func(time.Duration) {
		sleeps++
		if sleeps == 3 {
			rate = 500 // drop below the limit after a few steps
		}
	}

	th.WaitTurn(nil)
	require.Equal(t, 3, sleeps)
}

func TestThrottleDisabledAtZeroLimit(t *testing.T) {
	th := NewThrottle(0, func() int64 { return 1 << 30 })
	calls := 0
	th.sleep = func(time.Duration) { calls++ }
	th.WaitTurn(nil)
	require.Equal(t, 0, calls)
}

func TestThrottleStopsOnSignal(t *testing.T) {
	th := NewThrottle(1, func() int64 { return 1 << 30 })
	stop := make(chan struct{})
	calls := 0
	th.sleep = func(time.Duration) {
		calls++
		if calls == 2 {
			close(stop)
		}
	}
	th.WaitTurn(stop)
	require.Equal(t, 2, calls)
}
