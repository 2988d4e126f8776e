package scheduler

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/takehaya/cnic/pkg/framer"
	"github.com/takehaya/cnic/pkg/ptp"
)

// SessionOptions are the user supplied parameters of a transmit session.
type SessionOptions struct {
	Start ptp.StartRequest
	// Rate is the requested sustained rate in bits per second.
	Rate float64
	Loop bool
	// Loops is the number of passes in loop mode, 0 repeats until cancelled.
	Loops uint32
	// Duration asks for loop mode lasting at least this long. It replaces
	// Loops with the number of passes the pacing needs to fill it.
	Duration time.Duration
	// Verify reads every slot back after loading and compares it.
	Verify bool
	// BurstPackets and BurstGap replace the rate derived pacing when BurstGap is set.
	BurstPackets int
	BurstGap     time.Duration
}

// TransmitSession is a loaded packet set bound to transmit regions.
type TransmitSession struct {
	ID      string
	Regions []int
	SessionOptions

	packets      []framer.Packet
	slotSizes    []int
	payloadBytes uint64
	slotBytes    uint64
	loaded       bool
}

// NewSession groups packets for transmission out of regions.
// The packets are not copied and must not be modified afterwards.
func NewSession(regions []int, packets []framer.Packet, f *framer.Framer, opts SessionOptions) *TransmitSession {
	s := &TransmitSession{
		ID:             uuid.NewString(),
		Regions:        slices.Clone(regions),
		SessionOptions: opts,
		packets:        packets,
		slotSizes:      make([]int, len(packets)),
	}
	for i, p := range packets {
		size := f.SlotSize(len(p.Data))
		s.slotSizes[i] = size
		s.payloadBytes += uint64(len(p.Data))
		s.slotBytes += uint64(size)
	}
	return s
}

func (s *TransmitSession) PacketCount() int     { return len(s.packets) }
func (s *TransmitSession) PayloadBytes() uint64 { return s.payloadBytes }
func (s *TransmitSession) SlotBytes() uint64    { return s.slotBytes }
func (s *TransmitSession) Loaded() bool         { return s.loaded }

func (s *TransmitSession) Load() Load {
	return Load{Packets: len(s.packets), Bytes: s.payloadBytes}
}

func (s *TransmitSession) sameParams(o *TransmitSession) bool {
	return s.ID == o.ID &&
		slices.Equal(s.Regions, o.Regions) &&
		s.Start.Equal(o.Start) &&
		s.Rate == o.Rate &&
		s.Loop == o.Loop &&
		s.Loops == o.Loops &&
		s.Duration == o.Duration &&
		s.BurstPackets == o.BurstPackets &&
		s.BurstGap == o.BurstGap
}

func (s *TransmitSession) paramsSnapshot() *TransmitSession {
	c := *s
	c.Regions = slices.Clone(s.Regions)
	return &c
}
