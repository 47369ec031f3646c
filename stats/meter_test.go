package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMeterSpeedMatchesAddedVolume verifies spec.md §8: after Add(n) called
// k times within one slot, CurrentSpeed equals n*k/slotTime (here
// slotTime is the full 30-slot window since Add only populates one slot).
func TestMeterSpeedMatchesAddedVolume(t *testing.T) {
	m := NewMeter()
	fixed := time.Now()
	m.now = func() time.Time { return fixed }
	m.lastTime = fixed

	const n, k = 1000, 5
	for i := 0; i < k; i++ {
		m.Add(n)
	}
	require.Equal(t, int64(n*k)/slots, m.CurrentSpeed())
}

func TestMeterAdvanceZeroesOvertakenSlots(t *testing.T) {
	m := NewMeter()
	base := time.Now()
	cur := base
	m.now = func() time.Time { return cur }
	m.lastTime = base

	m.Add(100)
	cur = base.Add(31 * time.Second) // past the whole window
	m.Add(50)

	require.Equal(t, int64(50)/slots, m.CurrentSpeed())
}

func TestMomentarySpeedResetsOnRead(t *testing.T) {
	m := NewMeter()
	m.Add(42)
	require.EqualValues(t, 42, m.MomentarySpeed())
	require.EqualValues(t, 0, m.MomentarySpeed())
}
