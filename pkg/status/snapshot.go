package status

import (
	"sync/atomic"
	"time"

	"github.com/takehaya/cnic/pkg/collector"
	"github.com/takehaya/cnic/pkg/device"
	"github.com/takehaya/cnic/pkg/hbm"
	"github.com/takehaya/cnic/pkg/scheduler"
)

type RegionStatus struct {
	ID           int      `json:"id"`
	Role         hbm.Role `json:"role"`
	Capacity     uint64   `json:"capacity"`
	BytesWritten uint64   `json:"bytes_written"`
	FillFraction float64  `json:"fill_fraction"`
	Full         bool     `json:"full"`
}

type TransmitStatus struct {
	Session     string `json:"session,omitempty"`
	State       string `json:"state"`
	PacketsSent uint64 `json:"packets_sent"`
	BytesSent   uint64 `json:"bytes_sent"`
	Loops       uint32 `json:"loops"`
	Running     bool   `json:"running"`
	Complete    bool   `json:"complete"`
}

type ReceiveStatus struct {
	Session         string          `json:"session,omitempty"`
	State           collector.State `json:"state"`
	PacketsReceived uint64          `json:"packets_received"`
	BytesReceived   uint64          `json:"bytes_received"`
	Filtered        uint64          `json:"filtered"`
	Trigger         uint64          `json:"trigger"`
}

// Snapshot is a point-in-time view of one device.
type Snapshot struct {
	Time     time.Time      `json:"time"`
	Regions  []RegionStatus `json:"regions"`
	Transmit TransmitStatus `json:"transmit"`
	Receive  ReceiveStatus  `json:"receive"`
	LinkUp   bool           `json:"link_up"`
	// DeviceError is set when the device counters could not be read.
	DeviceError string `json:"device_error,omitempty"`
}

// Reporter assembles snapshots. It only reads atomics and device registers,
// so it is safe to use from a goroutine other than the one driving the engine.
type Reporter struct {
	dev   device.Device
	alloc *hbm.Allocator
	now   func() time.Time

	tx atomic.Pointer[scheduler.Handle]
	rx atomic.Pointer[collector.ReceiveSession]
}

func NewReporter(dev device.Device, alloc *hbm.Allocator) *Reporter {
	return &Reporter{dev: dev, alloc: alloc, now: time.Now}
}

// SetTransmit publishes the handle whose state is reported; nil clears it.
func (r *Reporter) SetTransmit(h *scheduler.Handle) { r.tx.Store(h) }

// SetReceive publishes the receive session whose state is reported; nil clears it.
func (r *Reporter) SetReceive(s *collector.ReceiveSession) { r.rx.Store(s) }

func (r *Reporter) Snapshot() Snapshot {
	snap := Snapshot{Time: r.now()}

	for _, info := range r.alloc.Regions() {
		snap.Regions = append(snap.Regions, RegionStatus{
			ID:           info.ID,
			Role:         info.Role,
			Capacity:     info.Capacity,
			BytesWritten: info.BytesWritten,
			FillFraction: info.FillFraction(),
			Full:         info.Full,
		})
	}

	snap.Transmit.State = "idle"
	if h := r.tx.Load(); h != nil {
		snap.Transmit.Session = h.Session.ID
		snap.Transmit.State = h.State().String()
	}
	if s := r.rx.Load(); s != nil {
		snap.Receive = ReceiveStatus{
			Session:         s.ID,
			State:           s.State(),
			PacketsReceived: s.Received(),
			BytesReceived:   s.Bytes(),
			Filtered:        s.Filtered(),
			Trigger:         s.Trigger,
		}
	}

	progress, err := scheduler.ReadProgress(r.dev)
	if err != nil {
		snap.DeviceError = err.Error()
		return snap
	}
	snap.Transmit.PacketsSent = progress.Packets
	snap.Transmit.BytesSent = progress.Bytes
	snap.Transmit.Loops = progress.Loops
	snap.Transmit.Running = progress.Running
	snap.Transmit.Complete = progress.Complete

	link, err := r.dev.ReadRegister(device.RegEthLocked)
	if err != nil {
		snap.DeviceError = err.Error()
		return snap
	}
	snap.LinkUp = link != 0
	return snap
}
