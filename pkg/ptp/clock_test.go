package ptp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/cnic/pkg/device"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestHardwareTimeRoundTrip(t *testing.T) {
	for _, ns := range []int{0, 1, 250_000_000, 999_999_999, 123_456_789} {
		wall := time.Unix(1_700_000_000, int64(ns))
		hw := ToHardwareTime(wall)
		assert.Equal(t, float64(1_700_000_000), hw.Seconds)
		assert.GreaterOrEqual(t, hw.Fraction, 0.0)
		assert.Less(t, hw.Fraction, 1.0)
		assert.True(t, wall.Equal(hw.Time()), "ns=%d got %s", ns, hw.Time())
	}
}

func TestNowReadsLatchedClock(t *testing.T) {
	wall := time.Unix(1_700_000_000, 500_000_000)
	sim := device.NewSimulator(64, device.WithClock(fixedClock(wall)), device.WithClockOffset(2*time.Second))
	r := NewReconciler(sim, nil)

	now, err := r.Now()
	require.NoError(t, err)
	assert.Equal(t, float64(1_700_000_002), now.Seconds)
	assert.InDelta(t, 0.5, now.Fraction, 1e-12)
}

func TestResolveStart(t *testing.T) {
	wall := time.Unix(1_700_000_000, 0)
	sim := device.NewSimulator(64, device.WithClock(fixedClock(wall)))
	r := NewReconciler(sim, nil)

	plan, err := r.ResolveStart(StartNow())
	require.NoError(t, err)
	assert.True(t, plan.Immediate)

	_, err = r.ResolveStart(StartAt(wall.Add(-time.Second)))
	assert.True(t, errors.Is(err, ErrStartTimeInPast))

	_, err = r.ResolveStart(StartAt(wall))
	assert.True(t, errors.Is(err, ErrStartTimeInPast), "equal to now is not in the future")

	plan, err = r.ResolveStart(StartAt(wall.Add(time.Microsecond)))
	require.NoError(t, err)
	assert.False(t, plan.Immediate)
	assert.Equal(t, time.Microsecond, plan.Countdown)
	assert.True(t, plan.Target.Time().Equal(wall.Add(time.Microsecond)))
}

func TestResolveStartUsesHardwareClock(t *testing.T) {
	wall := time.Unix(1_700_000_000, 0)
	// card runs ten seconds ahead of the host
	sim := device.NewSimulator(64, device.WithClock(fixedClock(wall)), device.WithClockOffset(10*time.Second))
	r := NewReconciler(sim, nil)

	_, err := r.ResolveStart(StartAt(wall.Add(5 * time.Second)))
	assert.True(t, errors.Is(err, ErrStartTimeInPast))
}

func TestResolveStartDeviceUnavailable(t *testing.T) {
	sim := device.NewSimulator(64)
	sim.SetOffline(true)
	_, err := NewReconciler(sim, nil).ResolveStart(StartNow())
	assert.True(t, errors.Is(err, device.ErrDeviceUnavailable))
}

func TestParseTime(t *testing.T) {
	got, err := ParseTime("2024-03-01 12:30:45")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 45, 0, time.Local), got)

	got, err = ParseTime(" 2024-03-01 12:30:45.250000 ")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, time.Duration(got.Nanosecond()))

	_, err = ParseTime("12:30")
	assert.Error(t, err)
}

func TestStartRequestEqual(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	assert.True(t, StartNow().Equal(StartNow()))
	assert.True(t, StartAt(at).Equal(StartAt(at.UTC())))
	assert.False(t, StartAt(at).Equal(StartNow()))
	assert.Equal(t, "now", StartNow().String())
}
