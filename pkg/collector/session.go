package collector

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type State int32

const (
	Idle State = iota
	Armed
	Triggered
	Saturated
	Drained
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Triggered:
		return "triggered"
	case Saturated:
		return "saturated"
	case Drained:
		return "drained"
	}
	return "unknown"
}

// Terminal states accept no more arrivals and can be drained.
func (s State) Terminal() bool {
	return s == Triggered || s == Saturated
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ReceiveSession captures arrivals into receive regions until Trigger
// packets have been stored or the regions run out of space.
type ReceiveSession struct {
	ID      string
	Regions []int
	// Trigger is the number of packets that ends the capture.
	Trigger uint64
	// PacketSize, when non-zero, captures only packets of exactly this size.
	PacketSize int

	state    atomic.Int32
	received atomic.Uint64
	bytes    atomic.Uint64
	filtered atomic.Uint64
	ignored  atomic.Uint64

	current     int
	first, last time.Time
}

func NewSession(regions []int, trigger uint64, packetSize int) *ReceiveSession {
	return &ReceiveSession{
		ID:         uuid.NewString(),
		Regions:    slices.Clone(regions),
		Trigger:    trigger,
		PacketSize: packetSize,
	}
}

func (s *ReceiveSession) State() State     { return State(s.state.Load()) }
func (s *ReceiveSession) Received() uint64 { return s.received.Load() }
func (s *ReceiveSession) Bytes() uint64    { return s.bytes.Load() }

// Filtered counts arrivals rejected by the size filter.
func (s *ReceiveSession) Filtered() uint64 { return s.filtered.Load() }

// Ignored counts arrivals seen after the session reached a terminal state.
func (s *ReceiveSession) Ignored() uint64 { return s.ignored.Load() }

// FirstArrival and LastArrival are the hardware timestamps of the first and
// last stored packet.
func (s *ReceiveSession) FirstArrival() time.Time { return s.first }
func (s *ReceiveSession) LastArrival() time.Time  { return s.last }

func (s *ReceiveSession) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *ReceiveSession) reset() {
	s.received.Store(0)
	s.bytes.Store(0)
	s.filtered.Store(0)
	s.ignored.Store(0)
	s.current = 0
	s.first, s.last = time.Time{}, time.Time{}
}
