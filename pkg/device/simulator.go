package device

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/takehaya/cnic/pkg/framer"
	"go.uber.org/zap"
)

const maxQueuedArrivals = 1 << 16

// Simulator is an in-memory Device. It models the register file, device
// memory, the PTP clock, paced transmission out of memory and capture of
// arriving packets, so the engine can be exercised without a card.
type Simulator struct {
	mu       sync.Mutex
	regs     map[string]uint32
	mem      []byte
	clock    func() time.Time
	offset   time.Duration
	offline  bool
	loopback bool
	framer   *framer.Framer
	logger   *zap.Logger

	arrivals []framer.Packet
	dropped  uint64
	tx       simTx
}

type simTx struct {
	active  bool
	startAt time.Time
	gap     time.Duration
	burst   uint64
	limit   uint64 // 0 means unbounded
	sent    uint64
	bytes   uint64
	packets []framer.Packet
}

type SimulatorOption func(*Simulator)

// WithClock replaces the host clock the simulated PTP time is derived from.
func WithClock(clock func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.clock = clock }
}

// WithClockOffset makes the hardware clock run ahead (or behind) of the host clock.
func WithClockOffset(d time.Duration) SimulatorOption {
	return func(s *Simulator) { s.offset = d }
}

// WithLoopback feeds every transmitted packet back into the receive path.
func WithLoopback() SimulatorOption {
	return func(s *Simulator) { s.loopback = true }
}

func WithFramer(f *framer.Framer) SimulatorOption {
	return func(s *Simulator) { s.framer = f }
}

func WithLogger(l *zap.Logger) SimulatorOption {
	return func(s *Simulator) { s.logger = l }
}

func NewSimulator(memSize uint64, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		regs:   map[string]uint32{RegEthLocked: 1},
		mem:    make([]byte, memSize),
		clock:  time.Now,
		framer: framer.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) MemorySize() uint64 {
	return uint64(len(s.mem))
}

// SetOffline makes every access fail with ErrDeviceUnavailable.
func (s *Simulator) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *Simulator) SetLink(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[RegEthLocked] = boolValue(up)
}

// Inject queues a packet as if it had just arrived on the wire.
// It is dropped unless capture is enabled.
func (s *Simulator) Inject(p framer.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Timestamp.IsZero() {
		p.Timestamp = s.hwNow()
	}
	s.enqueue(p)
}

// Dropped is the number of arrivals discarded while capture was disabled or the queue was full.
func (s *Simulator) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Simulator) hwNow() time.Time {
	return s.clock().Add(s.offset)
}

func (s *Simulator) ReadRegister(name string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return 0, errors.Wrapf(ErrDeviceUnavailable, "read register %s", name)
	}
	s.advance()
	return s.regs[name], nil
}

func (s *Simulator) WriteRegister(name string, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return errors.Wrapf(ErrDeviceUnavailable, "write register %s", name)
	}
	s.advance()
	prev := s.regs[name]
	s.regs[name] = value

	switch name {
	case RegPTPLatch:
		if value != 0 {
			s.latch()
		}
	case RegTxReset:
		if value != 0 {
			s.stopTx()
		}
	case RegTxEnable:
		if prev == 0 && value != 0 && s.regs[RegTxReset] == 0 {
			s.startTx(s.hwNow())
		}
	case RegScheduleControlReset:
		if value == 0 && s.regs[RegScheduleTxStart] != 0 && s.regs[RegTxReset] == 0 {
			s.startTx(s.scheduledStart())
		}
	case RegTxLoopEnable:
		if value == 0 && s.tx.active {
			s.finishCurrentBurst()
		}
	case RegRxResetCapture:
		if value != 0 {
			s.arrivals = nil
		}
	}
	return nil
}

func (s *Simulator) ReadMemory(addr uint64, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "read %d bytes at 0x%x", n, addr)
	}
	if n < 0 || addr+uint64(n) > uint64(len(s.mem)) {
		return nil, errors.Wrapf(ErrOutOfRange, "read %d bytes at 0x%x", n, addr)
	}
	return append([]byte(nil), s.mem[addr:addr+uint64(n)]...), nil
}

func (s *Simulator) WriteMemory(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return errors.Wrapf(ErrDeviceUnavailable, "write %d bytes at 0x%x", len(data), addr)
	}
	if addr+uint64(len(data)) > uint64(len(s.mem)) {
		return errors.Wrapf(ErrOutOfRange, "write %d bytes at 0x%x", len(data), addr)
	}
	copy(s.mem[addr:], data)
	return nil
}

// PollArrival returns the oldest captured packet, if any.
func (s *Simulator) PollArrival() (framer.Packet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return framer.Packet{}, false, errors.Wrap(ErrDeviceUnavailable, "poll arrival")
	}
	s.advance()
	if len(s.arrivals) == 0 {
		return framer.Packet{}, false, nil
	}
	p := s.arrivals[0]
	s.arrivals = s.arrivals[1:]
	return p, true, nil
}

func (s *Simulator) enqueue(p framer.Packet) {
	if s.regs[RegRxEnableCapture] == 0 || len(s.arrivals) >= maxQueuedArrivals {
		s.dropped++
		return
	}
	s.arrivals = append(s.arrivals, p)
}

func (s *Simulator) set64(name string, v uint64) {
	s.regs[name+"_hi"] = uint32(v >> 32)
	s.regs[name+"_lo"] = uint32(v)
}

func (s *Simulator) get64(name string) uint64 {
	return uint64(s.regs[name+"_hi"])<<32 | uint64(s.regs[name+"_lo"])
}

func (s *Simulator) latch() {
	now := s.hwNow()
	sec := float64(now.Unix())
	frac := float64(now.Nanosecond()) / 1e9
	s.set64(RegPTPSeconds, math.Float64bits(sec))
	s.set64(RegPTPFraction, math.Float64bits(frac))
}

func (s *Simulator) scheduledStart() time.Time {
	sec := math.Float64frombits(s.get64(RegTxStartSeconds))
	frac := math.Float64frombits(s.get64(RegTxStartFraction))
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

func (s *Simulator) stopTx() {
	s.tx = simTx{}
	s.regs[RegTxRunning] = 0
	s.regs[RegTxComplete] = 0
	s.regs[RegTxLoopCount] = 0
	s.set64(RegTxPacketCount, 0)
	s.set64(RegTxByteCount, 0)
}

// startTx snapshots the loaded packets out of memory and begins emission at startAt.
func (s *Simulator) startTx(startAt time.Time) {
	packets := s.loadedPackets()
	if len(packets) == 0 {
		s.logger.Warn("simulator: tx started with nothing loaded")
		return
	}
	burst := uint64(s.regs[RegTxPacketsPerBurst])
	if burst == 0 {
		burst = 1
	}
	total := uint64(len(packets))
	limit := total
	if s.regs[RegTxLoopEnable] != 0 {
		limit = total * uint64(s.regs[RegTxLoops])
	}
	s.tx = simTx{
		active:  true,
		startAt: startAt,
		gap:     time.Duration(s.get64(RegTxBurstGapNs)),
		burst:   burst,
		limit:   limit,
		packets: packets,
	}
	s.regs[RegTxRunning] = 1
	s.regs[RegTxComplete] = 0
	s.logger.Debug("simulator: tx armed",
		zap.Time("start", startAt),
		zap.Uint64("packets", total),
		zap.Uint64("burst", burst),
		zap.Duration("gap", s.tx.gap),
	)
}

func (s *Simulator) loadedPackets() []framer.Packet {
	var pkts []framer.Packet
	n := int(s.regs[RegTxRegionCount])
	for r := 0; r < n; r++ {
		base := s.get64(TxRegionBase(r))
		end := s.get64(TxRegionEnd(r))
		if end > uint64(len(s.mem)) {
			end = uint64(len(s.mem))
		}
		for off := base; off+framer.HeaderSize <= end; {
			plen, _ := framer.PayloadLen(s.mem[off:])
			size := uint64(s.framer.SlotSize(plen))
			if off+size > end {
				break
			}
			p, err := s.framer.Unframe(s.mem[off : off+size])
			if err != nil {
				s.logger.Warn("simulator: skipping corrupt tx slot", zap.Uint64("offset", off), zap.Error(err))
				off += size
				continue
			}
			pkts = append(pkts, p)
			off += size
		}
	}
	return pkts
}

// finishCurrentBurst limits a looping transmission to the end of the burst in flight.
func (s *Simulator) finishCurrentBurst() {
	end := (s.tx.sent + s.tx.burst - 1) / s.tx.burst * s.tx.burst
	if end == 0 {
		end = s.tx.burst
	}
	if s.tx.limit == 0 || end < s.tx.limit {
		s.tx.limit = end
	}
	s.advance()
}

// advance emits every packet whose burst slot has been reached by the hardware clock.
func (s *Simulator) advance() {
	tx := &s.tx
	if !tx.active {
		return
	}
	now := s.hwNow()
	if now.Before(tx.startAt) {
		return
	}
	var target uint64
	if tx.gap <= 0 {
		target = tx.limit
	} else {
		bursts := uint64(now.Sub(tx.startAt)/tx.gap) + 1
		target = bursts * tx.burst
	}
	if tx.limit != 0 && target > tx.limit {
		target = tx.limit
	}
	total := uint64(len(tx.packets))
	for ; tx.sent < target; tx.sent++ {
		p := tx.packets[tx.sent%total]
		tx.bytes += uint64(len(p.Data))
		if s.loopback {
			burstIdx := tx.sent / tx.burst
			p.Timestamp = tx.startAt.Add(time.Duration(burstIdx) * tx.gap)
			p.Seq = 0
			s.enqueue(p)
		}
	}
	s.set64(RegTxPacketCount, tx.sent)
	s.set64(RegTxByteCount, tx.bytes)
	s.regs[RegTxLoopCount] = uint32(tx.sent / total)
	if tx.limit != 0 && tx.sent >= tx.limit {
		tx.active = false
		s.regs[RegTxRunning] = 0
		s.regs[RegTxComplete] = 1
	}
}
