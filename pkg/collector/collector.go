package collector

import (
	"errors"
	"fmt"

	"github.com/takehaya/cnic/pkg/device"
	"github.com/takehaya/cnic/pkg/framer"
	"github.com/takehaya/cnic/pkg/hbm"
	"go.uber.org/zap"
)

var ErrNotReady = errors.New("collector: session is neither triggered nor saturated")

// DrainResult is everything a finished session captured.
type DrainResult struct {
	Packets []framer.Packet
	// Corrupt is the number of slots that failed to decode and were skipped.
	Corrupt   int
	Saturated bool
}

// Collector stores received packets in receive regions. OnArrival must only
// be called from one goroutine.
type Collector struct {
	dev    device.Device
	alloc  *hbm.Allocator
	framer *framer.Framer
	logger *zap.Logger

	active *ReceiveSession
}

func New(dev device.Device, alloc *hbm.Allocator, f *framer.Framer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{dev: dev, alloc: alloc, framer: f, logger: logger}
}

// Active returns the session currently capturing or waiting to be drained.
func (c *Collector) Active() *ReceiveSession { return c.active }

// Arm empties the session's regions, resets its counters and enables capture.
func (c *Collector) Arm(s *ReceiveSession) error {
	if len(s.Regions) == 0 {
		return fmt.Errorf("%w: receive session has no regions", hbm.ErrInvalidLayout)
	}
	for _, id := range s.Regions {
		info, err := c.alloc.Info(id)
		if err != nil {
			return err
		}
		if info.Role != hbm.RoleReceive {
			return fmt.Errorf("%w: region %d is a %s region", hbm.ErrInvalidLayout, id, info.Role)
		}
	}
	if s.PacketSize < 0 {
		return fmt.Errorf("invalid packet size filter %d", s.PacketSize)
	}
	if err := c.framer.CheckSize(s.PacketSize); err != nil {
		return err
	}
	if a := c.active; a != nil && a != s {
		if !a.State().Terminal() {
			return fmt.Errorf("%w: session %s is capturing", hbm.ErrRegionBusy, a.ID)
		}
		// an undrained capture is abandoned
		for _, id := range a.Regions {
			c.alloc.Release(id, a.ID)
		}
		c.active = nil
	}

	claimed := make([]int, 0, len(s.Regions))
	undo := func() {
		for _, id := range claimed {
			c.alloc.Release(id, s.ID)
		}
		s.state.Store(int32(Idle))
		if c.active == s {
			c.active = nil
		}
	}
	for _, id := range s.Regions {
		if err := c.alloc.Claim(id, s.ID); err != nil {
			undo()
			return err
		}
		claimed = append(claimed, id)
		if err := c.alloc.Rewind(id, s.ID); err != nil {
			undo()
			return err
		}
	}
	s.reset()

	d := c.dev
	steps := []func() error{
		func() error { return d.WriteRegister(device.RegRxEnableCapture, 0) },
		func() error { return d.WriteRegister(device.RegRxPacketsToCapture, uint32(min(s.Trigger, 1<<32-1))) },
		func() error { return d.WriteRegister(device.RegRxPacketSize, uint32(s.PacketSize)) },
		func() error { return device.Pulse(d, device.RegRxResetCapture) },
		func() error { return d.WriteRegister(device.RegRxEnableCapture, 1) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			undo()
			return fmt.Errorf("failed arm capture: %w", err)
		}
	}
	s.state.Store(int32(Armed))
	c.active = s
	c.logger.Info("capture armed",
		zap.String("session", s.ID),
		zap.Ints("regions", s.Regions),
		zap.Uint64("trigger", s.Trigger),
		zap.Int("packet_size", s.PacketSize),
	)
	return nil
}

// OnArrival stores one received packet. Empty packets are a no-op and
// arrivals after the session has triggered or saturated are ignored.
func (c *Collector) OnArrival(s *ReceiveSession, p framer.Packet) error {
	if len(p.Data) == 0 {
		return nil
	}
	switch st := s.State(); {
	case st.Terminal() || st == Drained:
		s.ignored.Add(1)
		return nil
	case st != Armed:
		return nil
	}
	if s.PacketSize != 0 && len(p.Data) != s.PacketSize {
		s.filtered.Add(1)
		return nil
	}
	if err := c.framer.CheckSize(len(p.Data)); err != nil {
		s.filtered.Add(1)
		c.logger.Debug("dropping oversized arrival", zap.Int("bytes", len(p.Data)))
		return nil
	}

	for s.current < len(s.Regions) {
		p.Seq = uint32(c.regionSlots(s.Regions[s.current]))
		slot, err := c.framer.Frame(p)
		if err != nil {
			return err
		}
		_, err = c.alloc.Write(s.Regions[s.current], slot)
		if errors.Is(err, hbm.ErrRegionFull) {
			s.current++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed store arrival: %w", err)
		}
		break
	}
	if s.current == len(s.Regions) {
		return c.finish(s, Saturated)
	}

	n := s.received.Add(1)
	s.bytes.Add(uint64(len(p.Data)))
	if s.first.IsZero() {
		s.first = p.Timestamp
	}
	s.last = p.Timestamp

	if s.Trigger != 0 && n >= s.Trigger {
		return c.finish(s, Triggered)
	}
	if !c.hasRoom(s) {
		return c.finish(s, Saturated)
	}
	return nil
}

func (c *Collector) regionSlots(id int) int {
	info, err := c.alloc.Info(id)
	if err != nil {
		return 0
	}
	return info.Slots
}

// hasRoom reports whether any region from the current one on can hold the
// next packet. Without a size filter the smallest possible slot is assumed.
func (c *Collector) hasRoom(s *ReceiveSession) bool {
	need := uint64(c.framer.MinSlotSize())
	if s.PacketSize != 0 {
		need = uint64(c.framer.SlotSize(s.PacketSize))
	}
	for _, id := range s.Regions[s.current:] {
		info, err := c.alloc.Info(id)
		if err != nil {
			continue
		}
		if !info.Full && info.Capacity-info.BytesWritten >= need {
			return true
		}
		c.alloc.MarkFull(id)
	}
	return false
}

// finish moves an armed session to a terminal state exactly once and stops capture.
func (c *Collector) finish(s *ReceiveSession, to State) error {
	if !s.transition(Armed, to) {
		return nil
	}
	c.logger.Info("capture finished",
		zap.String("session", s.ID),
		zap.Stringer("state", to),
		zap.Uint64("packets", s.Received()),
		zap.Uint64("bytes", s.Bytes()),
	)
	if err := c.dev.WriteRegister(device.RegRxEnableCapture, 0); err != nil {
		return fmt.Errorf("failed stop capture: %w", err)
	}
	return nil
}

// Stop ends an armed session early as if its trigger had fired, so what was
// captured so far can be drained.
func (c *Collector) Stop(s *ReceiveSession) error {
	if s.State() != Armed {
		return nil
	}
	return c.finish(s, Triggered)
}

// Abort gives up on a session that has not been drained: capture is
// disabled if the device still answers, the session becomes Drained without
// reading anything back and its regions are released.
func (c *Collector) Abort(s *ReceiveSession) error {
	st := s.State()
	if st == Drained || !s.transition(st, Drained) {
		return nil
	}
	for _, id := range s.Regions {
		c.alloc.Release(id, s.ID)
	}
	if c.active == s {
		c.active = nil
	}
	c.logger.Warn("capture aborted",
		zap.String("session", s.ID),
		zap.Stringer("from", st),
		zap.Uint64("packets", s.Received()),
	)
	if st != Armed {
		return nil
	}
	if err := c.dev.WriteRegister(device.RegRxEnableCapture, 0); err != nil {
		return fmt.Errorf("failed stop capture: %w", err)
	}
	return nil
}

// Drain reads back every packet of a triggered or saturated session in
// arrival order and releases its regions.
func (c *Collector) Drain(s *ReceiveSession) (DrainResult, error) {
	st := s.State()
	if !st.Terminal() {
		return DrainResult{}, fmt.Errorf("%w: session %s is %s", ErrNotReady, s.ID, st)
	}
	res := DrainResult{Saturated: st == Saturated}
	for _, id := range s.Regions {
		addrs, err := c.alloc.Slots(id)
		if err != nil {
			return DrainResult{}, err
		}
		for _, addr := range addrs {
			raw, err := c.alloc.Read(id, addr)
			if err != nil {
				return DrainResult{}, fmt.Errorf("failed drain region %d: %w", id, err)
			}
			p, err := c.framer.Unframe(raw)
			if err != nil {
				res.Corrupt++
				c.logger.Warn("skipping corrupt slot", zap.Int("region", id), zap.Uint64("addr", addr), zap.Error(err))
				continue
			}
			res.Packets = append(res.Packets, p)
		}
	}
	if !s.transition(st, Drained) {
		return DrainResult{}, fmt.Errorf("%w: session %s changed state while draining", ErrNotReady, s.ID)
	}
	for _, id := range s.Regions {
		c.alloc.Release(id, s.ID)
	}
	if c.active == s {
		c.active = nil
	}
	c.logger.Info("capture drained",
		zap.String("session", s.ID),
		zap.Int("packets", len(res.Packets)),
		zap.Int("corrupt", res.Corrupt),
		zap.Bool("saturated", res.Saturated),
	)
	return res, nil
}

// PollOnce feeds every pending arrival of src to the session and returns how
// many were taken. It stops early once the session is no longer armed.
func (c *Collector) PollOnce(s *ReceiveSession, src device.ArrivalSource) (int, error) {
	n := 0
	for s.State() == Armed {
		p, ok, err := src.PollArrival()
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		n++
		if err := c.OnArrival(s, p); err != nil {
			return n, err
		}
	}
	return n, nil
}
