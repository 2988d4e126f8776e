package framer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaddedSize(t *testing.T) {
	f := New()
	cases := []struct {
		raw, padded int
	}{
		{1, DefaultAlign},
		{DefaultAlign, DefaultAlign},
		{3*DefaultAlign + 1, 4 * DefaultAlign},
		{500*DefaultAlign - 1, 500 * DefaultAlign},
	}
	for _, c := range cases {
		assert.Equal(t, c.padded, f.PaddedSize(c.raw), "raw=%d", c.raw)
	}
	assert.Equal(t, 1536, f.SlotSize(1500))
}

func TestFrameRoundTrip(t *testing.T) {
	f := New()
	ts := time.Unix(1_700_000_000, 123456789).UTC()
	for _, size := range []int{0, 1, 63, 64, 1500, DefaultMaxPayload} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}
		in := Packet{Data: data, Timestamp: ts, Seq: uint32(size)}

		slot, err := f.Frame(in)
		require.NoError(t, err)
		assert.Zero(t, len(slot)%DefaultAlign)
		assert.Equal(t, f.SlotSize(size), len(slot))

		out, err := f.Unframe(slot)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(in.Data, out.Data))
		assert.True(t, in.Timestamp.Equal(out.Timestamp))
		assert.Equal(t, in.Seq, out.Seq)
	}
}

func TestFrameZeroTimestamp(t *testing.T) {
	f := New()
	slot, err := f.Frame(Packet{Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	out, err := f.Unframe(slot)
	require.NoError(t, err)
	assert.True(t, out.Timestamp.IsZero())
}

func TestFrameEpochAndEmptyPayload(t *testing.T) {
	f := New()
	in := Packet{Data: []byte{}, Timestamp: time.Unix(0, 0).UTC(), Seq: 7}
	slot, err := f.Frame(in)
	require.NoError(t, err)
	out, err := f.Unframe(slot)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, out.Timestamp.IsZero(), "the epoch is a real timestamp")
	assert.NotNil(t, out.Data)

	slot, err = f.Frame(Packet{Data: nil})
	require.NoError(t, err)
	out, err = f.Unframe(slot)
	require.NoError(t, err)
	assert.True(t, out.Timestamp.IsZero())
	assert.Equal(t, []byte{}, out.Data)
}

func TestFrameTooLarge(t *testing.T) {
	f := &Framer{MaxPayload: 1500, Align: DefaultAlign}
	_, err := f.Frame(Packet{Data: make([]byte, 1501)})
	assert.True(t, errors.Is(err, ErrPacketTooLarge))
}

func TestUnframeCorrupt(t *testing.T) {
	f := New()
	slot, err := f.Frame(Packet{Data: make([]byte, 100)})
	require.NoError(t, err)

	_, err = f.Unframe(slot[:HeaderSize-1])
	assert.True(t, errors.Is(err, ErrCorruptRecord), "short header")

	_, err = f.Unframe(slot[:HeaderSize+50])
	assert.True(t, errors.Is(err, ErrCorruptRecord), "truncated payload")

	bad := append([]byte(nil), slot...)
	bad[16], bad[17], bad[18], bad[19] = 0xff, 0xff, 0xff, 0xff
	_, err = f.Unframe(bad)
	assert.True(t, errors.Is(err, ErrCorruptRecord), "nanoseconds out of range")
}

func TestEstimateSlotCount(t *testing.T) {
	f := New()
	pkts := []Packet{
		{Data: make([]byte, 1500)},
		{Data: make([]byte, 40)},
		{Data: make([]byte, 64)},
	}
	n, total := f.EstimateSlotCount(pkts)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(1536+64+128), total)
}
