package scheduler

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/takehaya/cnic/pkg/device"
	"github.com/takehaya/cnic/pkg/framer"
	"github.com/takehaya/cnic/pkg/hbm"
	"github.com/takehaya/cnic/pkg/ptp"
	"go.uber.org/zap"
)

var (
	ErrSessionTooLarge = errors.New("scheduler: session does not fit in its transmit regions")
	ErrAlreadyArmed    = errors.New("scheduler: a transmit session is already armed")
	ErrEmptySession    = errors.New("scheduler: session has no packets")
	ErrNotLoaded       = errors.New("scheduler: session is not loaded")
	ErrNotArmed        = errors.New("scheduler: handle is not armed")
	ErrVerifyMismatch  = errors.New("scheduler: device memory differs from what was loaded")
)

type HandleState int32

const (
	HandleArmed HandleState = iota
	HandleStarted
	HandleCancelled
)

func (s HandleState) String() string {
	switch s {
	case HandleArmed:
		return "armed"
	case HandleStarted:
		return "started"
	case HandleCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Handle is an armed transmit session.
type Handle struct {
	ID      string
	Session *TransmitSession
	Pacing  Pacing
	Plan    ptp.StartPlan
	// Loop and Loops are what the controller was programmed with.
	Loop  bool
	Loops uint32

	params *TransmitSession
	state  atomic.Int32
}

func (h *Handle) State() HandleState {
	return HandleState(h.state.Load())
}

// Scheduler loads transmit sessions into device memory and programs the
// packet controller to replay them.
type Scheduler struct {
	dev    device.Device
	alloc  *hbm.Allocator
	framer *framer.Framer
	limits Limits
	logger *zap.Logger

	armed *Handle
}

func New(dev device.Device, alloc *hbm.Allocator, f *framer.Framer, limits Limits, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{dev: dev, alloc: alloc, framer: f, limits: limits, logger: logger}
}

func (sc *Scheduler) Limits() Limits { return sc.limits }

// Armed returns the current handle, nil when nothing is armed.
func (sc *Scheduler) Armed() *Handle { return sc.armed }

// Validate checks that the session's slots can be placed in its regions
// without writing anything. Slots never span two regions.
func (sc *Scheduler) Validate(s *TransmitSession) error {
	if len(s.packets) == 0 {
		return ErrEmptySession
	}
	if len(s.Regions) == 0 {
		return fmt.Errorf("%w: no transmit regions", ErrSessionTooLarge)
	}
	caps := make([]uint64, len(s.Regions))
	seen := make(map[int]bool, len(s.Regions))
	for i, id := range s.Regions {
		info, err := sc.alloc.Info(id)
		if err != nil {
			return err
		}
		if info.Role != hbm.RoleTransmit {
			return fmt.Errorf("%w: region %d is a %s region", hbm.ErrInvalidLayout, id, info.Role)
		}
		if seen[id] {
			return fmt.Errorf("%w: region %d listed twice", hbm.ErrInvalidLayout, id)
		}
		seen[id] = true
		caps[i] = info.Capacity
	}
	for _, p := range s.packets {
		if err := sc.framer.CheckSize(len(p.Data)); err != nil {
			return err
		}
	}

	ri := 0
	var used uint64
	for i, size := range s.slotSizes {
		for ri < len(caps) && uint64(size) > caps[ri]-used {
			ri++
			used = 0
		}
		if ri == len(caps) {
			return fmt.Errorf("%w: packet %d of %d (%d bytes of slots) does not fit",
				ErrSessionTooLarge, i, len(s.slotSizes), s.slotBytes)
		}
		used += uint64(size)
	}

	if s.Duration < 0 {
		return fmt.Errorf("%w: negative duration %s", ErrInvalidRate, s.Duration)
	}
	if _, err := sc.Pacing(s); err != nil {
		return err
	}
	return nil
}

// Passes resolves the loop mode and pass count the controller is programmed with.
func (s *TransmitSession) Passes(p Pacing) (bool, uint32) {
	if s.Duration > 0 {
		return true, p.LoopsFor(s.Duration, len(s.packets))
	}
	return s.Loop, s.Loops
}

// Pacing is the burst size and period s would be programmed with.
func (sc *Scheduler) Pacing(s *TransmitSession) (Pacing, error) {
	if s.BurstGap > 0 {
		burst := s.BurstPackets
		if burst == 0 {
			burst = sc.limits.BurstUnit
		}
		return FixedPacing(s.Load(), burst, s.BurstGap, sc.limits)
	}
	return ComputePacing(s.Load(), s.Rate, sc.limits)
}

// Load claims the session's regions and writes its packets into them.
// On failure every region it touched is rewound and released.
func (sc *Scheduler) Load(s *TransmitSession) error {
	if err := sc.Validate(s); err != nil {
		return err
	}
	claimed := make([]int, 0, len(s.Regions))
	undo := func() {
		for _, id := range claimed {
			if err := sc.alloc.Rewind(id, s.ID); err != nil {
				sc.logger.Warn("failed rewind transmit region", zap.Int("region", id), zap.Error(err))
			}
			sc.alloc.Release(id, s.ID)
		}
	}
	for _, id := range s.Regions {
		if err := sc.alloc.Claim(id, s.ID); err != nil {
			undo()
			return err
		}
		claimed = append(claimed, id)
		if err := sc.alloc.Rewind(id, s.ID); err != nil {
			undo()
			return err
		}
	}

	type written struct {
		region int
		addr   uint64
		seq    uint32
	}
	var placed []written
	ri := 0
	var seq uint32
	for i, p := range s.packets {
		p.Seq = seq
		slot, err := sc.framer.Frame(p)
		if err != nil {
			undo()
			return err
		}
		var addr uint64
		for {
			addr, err = sc.alloc.Write(s.Regions[ri], slot)
			if !errors.Is(err, hbm.ErrRegionFull) || ri == len(s.Regions)-1 {
				break
			}
			ri++
			p.Seq, seq = 0, 0
			if slot, err = sc.framer.Frame(p); err != nil {
				break
			}
		}
		if err != nil {
			undo()
			return fmt.Errorf("failed load packet %d: %w", i, err)
		}
		if s.Verify {
			placed = append(placed, written{region: s.Regions[ri], addr: addr, seq: p.Seq})
		}
		seq++
	}
	for i, w := range placed {
		p := s.packets[i]
		p.Seq = w.seq
		want, err := sc.framer.Frame(p)
		if err != nil {
			undo()
			return err
		}
		got, err := sc.alloc.Read(w.region, w.addr)
		if err != nil {
			undo()
			return fmt.Errorf("failed verify packet %d: %w", i, err)
		}
		if !bytes.Equal(want, got) {
			undo()
			return fmt.Errorf("%w: packet %d at 0x%x in region %d", ErrVerifyMismatch, i, w.addr, w.region)
		}
	}
	s.loaded = true
	sc.logger.Info("transmit session loaded",
		zap.String("session", s.ID),
		zap.Int("packets", len(s.packets)),
		zap.Uint64("payload_bytes", s.payloadBytes),
		zap.Uint64("slot_bytes", s.slotBytes),
		zap.Ints("regions", s.Regions),
		zap.Bool("verified", s.Verify),
	)
	return nil
}

// Arm programs pacing, the region map and the start instant while holding
// the transmitter in reset. Arming the same session again with the same
// parameters before Start returns the existing handle.
func (sc *Scheduler) Arm(s *TransmitSession, plan ptp.StartPlan) (*Handle, error) {
	if !s.loaded {
		return nil, ErrNotLoaded
	}
	if h := sc.armed; h != nil {
		switch h.State() {
		case HandleArmed:
			if h.Session == s && h.params.sameParams(s) && samePlan(h.Plan, plan) {
				return h, nil
			}
			return nil, fmt.Errorf("%w: session %s", ErrAlreadyArmed, h.Session.ID)
		default:
			running, err := sc.Running()
			if err != nil {
				return nil, err
			}
			if running {
				return nil, fmt.Errorf("%w: session %s is still transmitting", ErrAlreadyArmed, h.Session.ID)
			}
			sc.armed = nil
		}
	}

	pacing, err := sc.Pacing(s)
	if err != nil {
		return nil, err
	}
	loop, loops := s.Passes(pacing)
	if err := sc.program(s, pacing, plan, loop, loops); err != nil {
		return nil, err
	}
	h := &Handle{
		ID:      uuid.NewString(),
		Session: s,
		Pacing:  pacing,
		Plan:    plan,
		Loop:    loop,
		Loops:   loops,
		params:  s.paramsSnapshot(),
	}
	sc.armed = h
	fields := []zap.Field{
		zap.String("session", s.ID),
		zap.Stringer("pacing", pacing),
		zap.Bool("loop", loop),
		zap.Uint32("loops", loops),
	}
	if plan.Immediate {
		fields = append(fields, zap.String("start", "now"))
	} else {
		fields = append(fields, zap.Time("start", plan.Target.Time()), zap.Duration("countdown", plan.Countdown))
	}
	sc.logger.Info("transmit armed", fields...)
	return h, nil
}

func samePlan(a, b ptp.StartPlan) bool {
	if a.Immediate || b.Immediate {
		return a.Immediate == b.Immediate
	}
	return a.Target == b.Target
}

func (sc *Scheduler) program(s *TransmitSession, p Pacing, plan ptp.StartPlan, loop bool, loops uint32) error {
	d := sc.dev
	steps := []func() error{
		func() error { return d.WriteRegister(device.RegTxEnable, 0) },
		func() error { return d.WriteRegister(device.RegTxReset, 1) },
		func() error { return d.WriteRegister(device.RegScheduleTxStart, 0) },
		func() error { return d.WriteRegister(device.RegScheduleControlReset, 1) },
		func() error { return d.WriteRegister(device.RegTxPacketsPerBurst, uint32(p.BurstPackets)) },
		func() error { return device.Write64(d, device.RegTxBurstGapNs, uint64(p.Interval)) },
		func() error { return device.Write64(d, device.RegTxTotalPackets, uint64(len(s.packets))) },
		func() error { return device.Write64(d, device.RegTxTotalBytes, s.payloadBytes) },
		func() error { return device.WriteBool(d, device.RegTxLoopEnable, loop) },
		func() error { return d.WriteRegister(device.RegTxLoops, loops) },
		func() error { return d.WriteRegister(device.RegTxRegionCount, uint32(len(s.Regions))) },
	}
	for n, id := range s.Regions {
		info, err := sc.alloc.Info(id)
		if err != nil {
			return err
		}
		steps = append(steps,
			func() error { return device.Write64(d, device.TxRegionBase(n), info.Base) },
			func() error { return device.Write64(d, device.TxRegionEnd(n), info.Base+info.BytesWritten) },
		)
	}
	if !plan.Immediate {
		steps = append(steps,
			func() error { return device.WriteFloat64(d, device.RegTxStartSeconds, plan.Target.Seconds) },
			func() error { return device.WriteFloat64(d, device.RegTxStartFraction, plan.Target.Fraction) },
		)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("failed program transmit: %w", err)
		}
	}
	return nil
}

// Start releases the armed transmitter. An immediate plan starts sending
// now; a scheduled plan hands the start to the hardware clock. Start never
// waits for transmission.
func (sc *Scheduler) Start(h *Handle) error {
	if h == nil || h != sc.armed {
		return ErrNotArmed
	}
	if h.State() != HandleArmed {
		return nil
	}
	d := sc.dev
	if err := d.WriteRegister(device.RegTxReset, 0); err != nil {
		return fmt.Errorf("failed release transmit reset: %w", err)
	}
	if h.Plan.Immediate {
		if err := d.WriteRegister(device.RegTxEnable, 0); err != nil {
			return fmt.Errorf("failed start transmit: %w", err)
		}
		if err := d.WriteRegister(device.RegTxEnable, 1); err != nil {
			return fmt.Errorf("failed start transmit: %w", err)
		}
	} else {
		if err := d.WriteRegister(device.RegScheduleTxStart, 1); err != nil {
			return fmt.Errorf("failed enable scheduled start: %w", err)
		}
		if err := d.WriteRegister(device.RegScheduleControlReset, 0); err != nil {
			return fmt.Errorf("failed enable scheduled start: %w", err)
		}
	}
	h.state.Store(int32(HandleStarted))
	sc.logger.Info("transmit started", zap.String("session", h.Session.ID), zap.Bool("scheduled", !h.Plan.Immediate))
	return nil
}

// Cancel stops a looping transmission once the burst in flight completes.
// It does nothing for sessions that are not in loop mode.
func (sc *Scheduler) Cancel(h *Handle) error {
	if h == nil || !h.Loop || h.State() == HandleCancelled {
		return nil
	}
	if err := sc.dev.WriteRegister(device.RegTxLoopEnable, 0); err != nil {
		return fmt.Errorf("failed cancel loop: %w", err)
	}
	h.state.Store(int32(HandleCancelled))
	sc.logger.Info("transmit loop cancelled", zap.String("session", h.Session.ID))
	return nil
}

// Discard stops the transmitter if s is armed and releases the regions s holds.
func (sc *Scheduler) Discard(s *TransmitSession) error {
	if h := sc.armed; h != nil && h.Session == s {
		if err := sc.dev.WriteRegister(device.RegTxReset, 1); err != nil {
			return fmt.Errorf("failed reset transmit: %w", err)
		}
		if err := sc.dev.WriteRegister(device.RegTxEnable, 0); err != nil {
			return fmt.Errorf("failed reset transmit: %w", err)
		}
		sc.armed = nil
	}
	for _, id := range s.Regions {
		sc.alloc.Release(id, s.ID)
	}
	s.loaded = false
	return nil
}

func (sc *Scheduler) Running() (bool, error) {
	v, err := sc.dev.ReadRegister(device.RegTxRunning)
	if err != nil {
		return false, fmt.Errorf("failed read transmit state: %w", err)
	}
	return v != 0, nil
}

// Progress is the packet controller's transmit counters.
type Progress struct {
	Packets  uint64 `json:"packets"`
	Bytes    uint64 `json:"bytes"`
	Loops    uint32 `json:"loops"`
	Running  bool   `json:"running"`
	Complete bool   `json:"complete"`
}

func ReadProgress(d device.Device) (Progress, error) {
	var p Progress
	var err error
	if p.Packets, err = device.Read64(d, device.RegTxPacketCount); err != nil {
		return Progress{}, err
	}
	if p.Bytes, err = device.Read64(d, device.RegTxByteCount); err != nil {
		return Progress{}, err
	}
	if p.Loops, err = d.ReadRegister(device.RegTxLoopCount); err != nil {
		return Progress{}, err
	}
	running, err := d.ReadRegister(device.RegTxRunning)
	if err != nil {
		return Progress{}, err
	}
	complete, err := d.ReadRegister(device.RegTxComplete)
	if err != nil {
		return Progress{}, err
	}
	p.Running, p.Complete = running != 0, complete != 0
	return p, nil
}

func (sc *Scheduler) Progress() (Progress, error) {
	return ReadProgress(sc.dev)
}
