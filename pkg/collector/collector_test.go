package collector

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/cnic/pkg/device"
	"github.com/takehaya/cnic/pkg/framer"
	"github.com/takehaya/cnic/pkg/hbm"
)

func newCollector(t *testing.T, specs ...hbm.RegionSpec) (*Collector, *hbm.Allocator, *device.Simulator) {
	t.Helper()
	var total uint64
	for _, s := range specs {
		total += s.Capacity
	}
	sim := device.NewSimulator(total)
	f := framer.New()
	alloc := hbm.NewAllocator(sim, f.MinSlotSize(), nil)
	require.NoError(t, alloc.Configure(specs))
	return New(sim, alloc, f, nil), alloc, sim
}

func arrival(size int, seq byte, at time.Time) framer.Packet {
	data := make([]byte, size)
	data[0] = seq
	return framer.Packet{Data: data, Timestamp: at}
}

func TestSaturatesAfterTwoArrivals(t *testing.T) {
	c, alloc, _ := newCollector(t, hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 10, 1500)
	require.NoError(t, c.Arm(s))
	assert.Equal(t, Armed, s.State())

	base := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, c.OnArrival(s, arrival(1500, 1, base)))
	assert.Equal(t, Armed, s.State())
	require.NoError(t, c.OnArrival(s, arrival(1500, 2, base.Add(time.Microsecond))))
	assert.Equal(t, Saturated, s.State())

	info, err := alloc.Info(0)
	require.NoError(t, err)
	assert.True(t, info.Full)

	// further arrivals are ignored
	require.NoError(t, c.OnArrival(s, arrival(1500, 3, base.Add(2*time.Microsecond))))
	assert.Equal(t, uint64(2), s.Received())
	assert.Equal(t, uint64(1), s.Ignored())

	res, err := c.Drain(s)
	require.NoError(t, err)
	assert.True(t, res.Saturated)
	require.Len(t, res.Packets, 2)
	assert.Equal(t, byte(1), res.Packets[0].Data[0])
	assert.Equal(t, byte(2), res.Packets[1].Data[0])
	assert.True(t, base.Add(time.Microsecond).Equal(res.Packets[1].Timestamp))
	assert.Equal(t, Drained, s.State())
}

func TestSaturatesWithoutSizeFilter(t *testing.T) {
	c, _, _ := newCollector(t, hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 10, 0)
	require.NoError(t, c.Arm(s))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.OnArrival(s, arrival(1500, byte(i), time.Time{})))
	}
	assert.Equal(t, Saturated, s.State())
	res, err := c.Drain(s)
	require.NoError(t, err)
	assert.Len(t, res.Packets, 2)
}

func TestTriggerIsEdgeTriggered(t *testing.T) {
	c, _, sim := newCollector(t, hbm.RegionSpec{Capacity: 1 << 16, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 3, 0)
	require.NoError(t, c.Arm(s))
	enabled, err := sim.ReadRegister(device.RegRxEnableCapture)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), enabled)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.OnArrival(s, arrival(100, byte(i), time.Time{})))
	}
	assert.Equal(t, Triggered, s.State())
	enabled, err = sim.ReadRegister(device.RegRxEnableCapture)
	require.NoError(t, err)
	assert.Zero(t, enabled)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.OnArrival(s, arrival(100, 9, time.Time{})))
	}
	assert.Equal(t, Triggered, s.State(), "state never leaves the first terminal state")
	assert.Equal(t, uint64(3), s.Received())

	res, err := c.Drain(s)
	require.NoError(t, err)
	assert.False(t, res.Saturated)
	assert.Len(t, res.Packets, 3)
}

func TestDrainNotReady(t *testing.T) {
	c, _, _ := newCollector(t, hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 10, 0)
	_, err := c.Drain(s)
	assert.True(t, errors.Is(err, ErrNotReady))

	require.NoError(t, c.Arm(s))
	require.NoError(t, c.OnArrival(s, arrival(64, 0, time.Time{})))
	_, err = c.Drain(s)
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestStopDrainsPartialCapture(t *testing.T) {
	c, _, sim := newCollector(t, hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 100, 0)
	require.NoError(t, c.Arm(s))
	require.NoError(t, c.OnArrival(s, arrival(64, 1, time.Time{})))

	require.NoError(t, c.Stop(s))
	assert.Equal(t, Triggered, s.State())
	enabled, err := sim.ReadRegister(device.RegRxEnableCapture)
	require.NoError(t, err)
	assert.Zero(t, enabled)

	res, err := c.Drain(s)
	require.NoError(t, err)
	assert.Len(t, res.Packets, 1)
	require.NoError(t, c.Stop(s), "stopping a drained session is a no-op")
	assert.Equal(t, Drained, s.State())
}

func TestEmptyArrivalIsNoop(t *testing.T) {
	c, _, _ := newCollector(t, hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 1, 0)
	require.NoError(t, c.Arm(s))
	for i := 0; i < 10; i++ {
		require.NoError(t, c.OnArrival(s, framer.Packet{}))
	}
	assert.Zero(t, s.Received())
	assert.Equal(t, Armed, s.State())
}

func TestSizeFilter(t *testing.T) {
	c, _, _ := newCollector(t, hbm.RegionSpec{Capacity: 1 << 16, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 2, 256)
	require.NoError(t, c.Arm(s))
	require.NoError(t, c.OnArrival(s, arrival(100, 0, time.Time{})))
	require.NoError(t, c.OnArrival(s, arrival(256, 1, time.Time{})))
	require.NoError(t, c.OnArrival(s, arrival(9000, 2, time.Time{})))
	require.NoError(t, c.OnArrival(s, arrival(256, 3, time.Time{})))
	assert.Equal(t, Triggered, s.State())
	assert.Equal(t, uint64(2), s.Filtered())
	assert.Equal(t, uint64(512), s.Bytes())
}

func TestSpillsIntoNextRegion(t *testing.T) {
	c, alloc, _ := newCollector(t,
		hbm.RegionSpec{Capacity: 2048, Role: hbm.RoleReceive},
		hbm.RegionSpec{Capacity: 2048, Role: hbm.RoleReceive},
	)
	s := NewSession([]int{0, 1}, 0, 1000)
	require.NoError(t, c.Arm(s))
	for i := 0; i < 4; i++ {
		require.NoError(t, c.OnArrival(s, arrival(1000, byte(i), time.Time{})))
	}
	// 1024 byte slots: two per region
	assert.Equal(t, Saturated, s.State())
	first, _ := alloc.Slots(0)
	second, _ := alloc.Slots(1)
	assert.Len(t, first, 2)
	assert.Len(t, second, 2)

	res, err := c.Drain(s)
	require.NoError(t, err)
	require.Len(t, res.Packets, 4)
	for i, p := range res.Packets {
		assert.Equal(t, byte(i), p.Data[0])
		assert.Equal(t, uint32(i%2), p.Seq)
	}
}

func TestDrainCountsCorruptSlots(t *testing.T) {
	c, alloc, sim := newCollector(t, hbm.RegionSpec{Capacity: 1 << 16, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 3, 0)
	require.NoError(t, c.Arm(s))
	for i := 0; i < 3; i++ {
		require.NoError(t, c.OnArrival(s, arrival(64, byte(i), time.Time{})))
	}
	addrs, err := alloc.Slots(0)
	require.NoError(t, err)
	// length field far beyond the slot
	require.NoError(t, sim.WriteMemory(addrs[1], []byte{0xff, 0xff, 0xff, 0xff}))

	res, err := c.Drain(s)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Corrupt)
	require.Len(t, res.Packets, 2)
	assert.Equal(t, byte(0), res.Packets[0].Data[0])
	assert.Equal(t, byte(2), res.Packets[1].Data[0])
}

func TestArmRejectsTransmitRegion(t *testing.T) {
	c, _, _ := newCollector(t,
		hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleTransmit},
		hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleReceive},
	)
	err := c.Arm(NewSession([]int{0}, 1, 0))
	assert.True(t, errors.Is(err, hbm.ErrInvalidLayout))
	err = c.Arm(NewSession(nil, 1, 0))
	assert.True(t, errors.Is(err, hbm.ErrInvalidLayout))
}

func TestRearmResets(t *testing.T) {
	c, alloc, _ := newCollector(t, hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 1, 0)
	require.NoError(t, c.Arm(s))
	require.NoError(t, c.OnArrival(s, arrival(64, 0, time.Time{})))
	assert.Equal(t, Triggered, s.State())

	require.NoError(t, c.Arm(s))
	assert.Equal(t, Armed, s.State())
	assert.Zero(t, s.Received())
	info, _ := alloc.Info(0)
	assert.Zero(t, info.BytesWritten)

	other := NewSession([]int{0}, 1, 0)
	assert.True(t, errors.Is(c.Arm(other), hbm.ErrRegionBusy), "first session is still capturing")
	require.NoError(t, c.OnArrival(s, arrival(64, 0, time.Time{})))
	require.NoError(t, c.Arm(other), "a finished but undrained session is abandoned")
	assert.Equal(t, other, c.Active())
}

func TestPollOnceFromLoopback(t *testing.T) {
	sim := device.NewSimulator(1 << 16)
	f := framer.New()
	alloc := hbm.NewAllocator(sim, f.MinSlotSize(), nil)
	require.NoError(t, alloc.Configure([]hbm.RegionSpec{{Capacity: 1 << 16, Role: hbm.RoleReceive}}))
	c := New(sim, alloc, f, nil)

	s := NewSession([]int{0}, 2, 0)
	require.NoError(t, c.Arm(s))
	for i := 0; i < 5; i++ {
		sim.Inject(arrival(128, byte(i), time.Time{}))
	}
	n, err := c.PollOnce(s, sim)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "polling stops once triggered")
	assert.Equal(t, Triggered, s.State())
	assert.False(t, s.FirstArrival().IsZero())
}

func TestOnArrivalDeviceUnavailable(t *testing.T) {
	c, _, sim := newCollector(t, hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 2, 0)
	require.NoError(t, c.Arm(s))
	sim.SetOffline(true)
	err := c.OnArrival(s, arrival(64, 0, time.Time{}))
	assert.True(t, errors.Is(err, device.ErrDeviceUnavailable))
	assert.Zero(t, s.Received())
}

func TestArmReleasesRegionsOnDeviceError(t *testing.T) {
	c, alloc, sim := newCollector(t, hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleReceive})
	sim.SetOffline(true)
	failed := NewSession([]int{0}, 1, 0)
	err := c.Arm(failed)
	assert.True(t, errors.Is(err, device.ErrDeviceUnavailable))
	assert.Equal(t, Idle, failed.State())
	assert.Nil(t, c.Active())

	sim.SetOffline(false)
	require.NoError(t, alloc.Configure([]hbm.RegionSpec{{Capacity: 4096, Role: hbm.RoleReceive}}))
	s := NewSession([]int{0}, 1, 0)
	require.NoError(t, c.Arm(s))
	assert.Equal(t, s, c.Active())

	require.NoError(t, c.OnArrival(s, arrival(64, 0, time.Time{})))
	require.NoError(t, c.Arm(failed), "a failed session can be armed again once finished ones are gone")
}

func TestAbortReleasesArmedSession(t *testing.T) {
	c, _, sim := newCollector(t, hbm.RegionSpec{Capacity: 4096, Role: hbm.RoleReceive})
	s := NewSession([]int{0}, 10, 0)
	require.NoError(t, c.Arm(s))
	require.NoError(t, c.OnArrival(s, arrival(64, 0, time.Time{})))

	sim.SetOffline(true)
	assert.True(t, errors.Is(c.Abort(s), device.ErrDeviceUnavailable))
	assert.Equal(t, Drained, s.State())
	assert.Nil(t, c.Active())
	require.NoError(t, c.Abort(s), "aborting twice is a no-op")

	_, err := c.Drain(s)
	assert.True(t, errors.Is(err, ErrNotReady))

	sim.SetOffline(false)
	require.NoError(t, c.Arm(NewSession([]int{0}, 1, 0)))
}
