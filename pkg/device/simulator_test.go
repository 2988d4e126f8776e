package device

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/cnic/pkg/framer"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestRegisterPairs(t *testing.T) {
	sim := NewSimulator(1024)
	require.NoError(t, Write64(sim, "x", 0x1234_5678_9abc_def0))
	v, err := Read64(sim, "x")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234_5678_9abc_def0), v)

	require.NoError(t, WriteFloat64(sim, "f", 0.25))
	f, err := ReadFloat64(sim, "f")
	require.NoError(t, err)
	assert.Equal(t, 0.25, f)
}

func TestMemoryBounds(t *testing.T) {
	sim := NewSimulator(128)
	require.NoError(t, sim.WriteMemory(64, make([]byte, 64)))
	err := sim.WriteMemory(65, make([]byte, 64))
	assert.True(t, errors.Is(err, ErrOutOfRange))
	_, err = sim.ReadMemory(100, 64)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestOffline(t *testing.T) {
	sim := NewSimulator(128)
	sim.SetOffline(true)
	_, err := sim.ReadRegister(RegTxEnable)
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))
	assert.True(t, errors.Is(sim.WriteMemory(0, []byte{1}), ErrDeviceUnavailable))
	_, _, err = sim.PollArrival()
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))
}

func TestLatchClock(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 250_000_000)}
	sim := NewSimulator(128, WithClock(clk.Now), WithClockOffset(time.Second))
	require.NoError(t, sim.WriteRegister(RegPTPLatch, 1))
	sec, err := ReadFloat64(sim, RegPTPSeconds)
	require.NoError(t, err)
	frac, err := ReadFloat64(sim, RegPTPFraction)
	require.NoError(t, err)
	assert.Equal(t, float64(1_700_000_001), sec)
	assert.InDelta(t, 0.25, frac, 1e-12)
}

func loadSlots(t *testing.T, sim *Simulator, n, size int) {
	t.Helper()
	f := framer.New()
	var off uint64
	for i := 0; i < n; i++ {
		slot, err := f.Frame(framer.Packet{Data: make([]byte, size), Seq: uint32(i)})
		require.NoError(t, err)
		require.NoError(t, sim.WriteMemory(off, slot))
		off += uint64(len(slot))
	}
	require.NoError(t, sim.WriteRegister(RegTxRegionCount, 1))
	require.NoError(t, Write64(sim, TxRegionBase(0), 0))
	require.NoError(t, Write64(sim, TxRegionEnd(0), off))
}

func TestPacedTransmit(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sim := NewSimulator(1<<20, WithClock(clk.Now), WithLoopback())
	loadSlots(t, sim, 10, 100)

	require.NoError(t, sim.WriteRegister(RegTxPacketsPerBurst, 2))
	require.NoError(t, Write64(sim, RegTxBurstGapNs, uint64(time.Microsecond)))
	require.NoError(t, sim.WriteRegister(RegRxEnableCapture, 1))
	require.NoError(t, sim.WriteRegister(RegTxEnable, 1))

	sent, err := Read64(sim, RegTxPacketCount)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sent, "first burst leaves immediately")

	clk.Advance(2 * time.Microsecond)
	sent, err = Read64(sim, RegTxPacketCount)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), sent)

	clk.Advance(time.Second)
	sent, err = Read64(sim, RegTxPacketCount)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), sent)
	bytes, err := Read64(sim, RegTxByteCount)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bytes)
	complete, err := sim.ReadRegister(RegTxComplete)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), complete)

	var got int
	for {
		_, ok, err := sim.PollArrival()
		require.NoError(t, err)
		if !ok {
			break
		}
		got++
	}
	assert.Equal(t, 10, got)
}

func TestScheduledTransmitWaitsForStart(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sim := NewSimulator(1<<20, WithClock(clk.Now))
	loadSlots(t, sim, 4, 64)

	start := float64(1_700_000_010)
	require.NoError(t, WriteFloat64(sim, RegTxStartSeconds, start))
	require.NoError(t, WriteFloat64(sim, RegTxStartFraction, 0))
	require.NoError(t, sim.WriteRegister(RegScheduleTxStart, 1))
	require.NoError(t, sim.WriteRegister(RegScheduleControlReset, 1))
	require.NoError(t, sim.WriteRegister(RegScheduleControlReset, 0))

	sent, err := Read64(sim, RegTxPacketCount)
	require.NoError(t, err)
	assert.Zero(t, sent)

	clk.Advance(10 * time.Second)
	sent, err = Read64(sim, RegTxPacketCount)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), sent)
}

func TestLoopStopsAfterBurst(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sim := NewSimulator(1<<20, WithClock(clk.Now))
	loadSlots(t, sim, 3, 64)

	require.NoError(t, sim.WriteRegister(RegTxPacketsPerBurst, 2))
	require.NoError(t, Write64(sim, RegTxBurstGapNs, uint64(time.Microsecond)))
	require.NoError(t, sim.WriteRegister(RegTxLoopEnable, 1))
	require.NoError(t, sim.WriteRegister(RegTxEnable, 1))

	clk.Advance(10 * time.Microsecond)
	sent, err := Read64(sim, RegTxPacketCount)
	require.NoError(t, err)
	assert.Equal(t, uint64(22), sent)

	require.NoError(t, sim.WriteRegister(RegTxLoopEnable, 0))
	clk.Advance(time.Second)
	after, err := Read64(sim, RegTxPacketCount)
	require.NoError(t, err)
	assert.Equal(t, sent, after)
	running, err := sim.ReadRegister(RegTxRunning)
	require.NoError(t, err)
	assert.Zero(t, running)
}

func TestInjectDroppedWhenCaptureDisabled(t *testing.T) {
	sim := NewSimulator(128)
	sim.Inject(framer.Packet{Data: []byte{1}})
	assert.Equal(t, uint64(1), sim.Dropped())
	_, ok, err := sim.PollArrival()
	require.NoError(t, err)
	assert.False(t, ok)
}
