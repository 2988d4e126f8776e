package hbm

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

type Role int

const (
	RoleTransmit Role = iota
	RoleReceive
)

func (r Role) String() string {
	switch r {
	case RoleTransmit:
		return "transmit"
	case RoleReceive:
		return "receive"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// UnmarshalText accepts "transmit"/"tx" and "receive"/"rx".
func (r *Role) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "transmit", "tx":
		*r = RoleTransmit
	case "receive", "rx":
		*r = RoleReceive
	default:
		return fmt.Errorf("unknown region role %q", string(text))
	}
	return nil
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// RegionSpec is the requested capacity and role of one region.
type RegionSpec struct {
	Capacity uint64 `yaml:"capacity" json:"capacity"`
	Role     Role   `yaml:"role" json:"role"`
}

// Region is one fixed-capacity area of device memory.
// Cursors are atomics so status readers never race the controlling goroutine.
type Region struct {
	ID       int
	Base     uint64
	Capacity uint64
	Role     Role

	writeOff atomic.Uint64
	readOff  atomic.Uint64
	full     atomic.Bool
	nslots   atomic.Int64

	mu    sync.Mutex
	slots []slotRef
	owner string
}

type slotRef struct {
	off  uint64 // relative to Base
	size uint64
}

func (r *Region) WriteOffset() uint64 { return r.writeOff.Load() }
func (r *Region) ReadOffset() uint64  { return r.readOff.Load() }
func (r *Region) Full() bool          { return r.full.Load() }

func (r *Region) Remaining() uint64 {
	return r.Capacity - r.writeOff.Load()
}

func (r *Region) reset() {
	r.mu.Lock()
	r.slots = nil
	r.mu.Unlock()
	r.writeOff.Store(0)
	r.readOff.Store(0)
	r.full.Store(false)
	r.nslots.Store(0)
}

// RegionInfo is a point-in-time copy of a region's state.
type RegionInfo struct {
	ID           int    `json:"id"`
	Role         Role   `json:"role"`
	Base         uint64 `json:"base"`
	Capacity     uint64 `json:"capacity"`
	BytesWritten uint64 `json:"bytes_written"`
	ReadOffset   uint64 `json:"read_offset"`
	Slots        int    `json:"slots"`
	Full         bool   `json:"full"`
}

func (i RegionInfo) FillFraction() float64 {
	if i.Capacity == 0 {
		return 0
	}
	return float64(i.BytesWritten) / float64(i.Capacity)
}

func (r *Region) info() RegionInfo {
	return RegionInfo{
		ID:           r.ID,
		Role:         r.Role,
		Base:         r.Base,
		Capacity:     r.Capacity,
		BytesWritten: r.writeOff.Load(),
		ReadOffset:   r.readOff.Load(),
		Slots:        int(r.nslots.Load()),
		Full:         r.full.Load(),
	}
}
