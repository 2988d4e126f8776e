package scheduler

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"
)

// Per packet overhead on the wire that is not part of the captured bytes.
const (
	InterFrameGap = 20 // preamble, SFD and minimum IFG
	FCSBytes      = 4
	WireOverhead  = InterFrameGap + FCSBytes

	// MaxRate bounds requested rates so the integer pacing math cannot overflow.
	MaxRate = 10e12

	// Upper bounds accepted for Limits.
	maxBurstLimit    = 1 << 24
	maxIntervalLimit = time.Second
)

var ErrInvalidRate = errors.New("scheduler: invalid rate")

// Limits describes what the packet controller can pace.
type Limits struct {
	// BurstUnit is the burst size granularity in packets.
	BurstUnit int `default:"1"`
	// MaxBurst is the transmit FIFO depth in packets.
	MaxBurst int `default:"1024"`
	// MinInterval is the shortest burst period the controller supports.
	MinInterval time.Duration `default:"100ns"`
	// IntervalResolution is the tick the burst period is programmed in.
	IntervalResolution time.Duration `default:"4ns"`
}

func DefaultLimits() Limits {
	return Limits{
		BurstUnit:          1,
		MaxBurst:           1024,
		MinInterval:        100 * time.Nanosecond,
		IntervalResolution: 4 * time.Nanosecond,
	}
}

func (l Limits) Validate() error {
	if l.BurstUnit <= 0 || l.MaxBurst < l.BurstUnit {
		return fmt.Errorf("invalid burst limits: unit %d, max %d", l.BurstUnit, l.MaxBurst)
	}
	if l.MaxBurst > maxBurstLimit {
		return fmt.Errorf("invalid burst limits: max %d above %d", l.MaxBurst, maxBurstLimit)
	}
	if l.MinInterval <= 0 || l.IntervalResolution <= 0 ||
		l.MinInterval > maxIntervalLimit || l.IntervalResolution > maxIntervalLimit {
		return fmt.Errorf("invalid interval limits: min %s, resolution %s", l.MinInterval, l.IntervalResolution)
	}
	return nil
}

// Load is the part of a transmit session pacing depends on.
type Load struct {
	Packets int
	Bytes   uint64
}

// Pacing is what the controller is programmed with: BurstPackets back to
// back every Interval.
type Pacing struct {
	BurstPackets int
	Interval     time.Duration
	// WireBytes is the per packet size pacing was computed for, overhead included.
	WireBytes int
}

// Throughput is the achieved line rate in bits per second.
func (p Pacing) Throughput() float64 {
	if p.Interval <= 0 {
		return 0
	}
	return float64(p.BurstPackets) * float64(p.WireBytes) * 8 * 1e9 / float64(p.Interval)
}

func (p Pacing) PacketRate() float64 {
	if p.Interval <= 0 {
		return 0
	}
	return float64(p.BurstPackets) * 1e9 / float64(p.Interval)
}

func (p Pacing) String() string {
	return fmt.Sprintf("%d pkt every %s (%.3f Gbps)", p.BurstPackets, p.Interval, p.Throughput()/1e9)
}

// ComputePacing derives the burst size and period for sending load at rate
// bits per second. The burst is rounded down to the controller's granularity
// and the period rounded up, so the achieved throughput never exceeds rate.
func ComputePacing(load Load, rate float64, lim Limits) (Pacing, error) {
	if err := lim.Validate(); err != nil {
		return Pacing{}, err
	}
	if math.IsNaN(rate) || rate < 1 || rate > MaxRate {
		return Pacing{}, fmt.Errorf("%w: %v bit/s", ErrInvalidRate, rate)
	}
	if load.Packets <= 0 {
		return Pacing{}, fmt.Errorf("%w: nothing to pace", ErrInvalidRate)
	}
	r := uint64(math.Floor(rate))
	avg := ceilDiv(load.Bytes, uint64(load.Packets))
	wire := avg + WireOverhead
	wireBits := wire * 8
	if wire < avg || wireBits/8 != wire {
		return Pacing{}, fmt.Errorf("%w: average packet of %d bytes", ErrInvalidRate, avg)
	}

	minNs := uint64(lim.MinInterval)
	// smallest burst whose period reaches MinInterval
	burst := ceilDiv(mulDivCeil(minNs, r, 1e9), wireBits)
	if burst < 1 {
		burst = 1
	}
	if burst > uint64(lim.MaxBurst) {
		burst = uint64(lim.MaxBurst)
	}
	unit := uint64(lim.BurstUnit)
	burst = burst / unit * unit
	if burst == 0 {
		burst = unit
	}

	hi, burstBits := bits.Mul64(burst, wireBits)
	interval := mulDivCeil(burstBits, 1e9, r)
	res := uint64(lim.IntervalResolution)
	if hi != 0 || interval > math.MaxInt64-res {
		return Pacing{}, fmt.Errorf("%w: burst period of %d packets at %v bit/s overflows", ErrInvalidRate, burst, rate)
	}
	interval = ceilDiv(interval, res) * res
	if interval < minNs {
		interval = ceilDiv(minNs, res) * res
	}
	return Pacing{
		BurstPackets: int(burst),
		Interval:     time.Duration(interval),
		WireBytes:    int(wire),
	}, nil
}

// LoopDuration is how long one pass over packets takes with this pacing.
func (p Pacing) LoopDuration(packets int) time.Duration {
	if p.BurstPackets <= 0 || packets <= 0 {
		return 0
	}
	bursts := (packets + p.BurstPackets - 1) / p.BurstPackets
	return time.Duration(bursts) * p.Interval
}

// LoopsFor returns the number of passes over packets needed to keep sending
// for at least d: one more than the whole passes that fit in d.
func (p Pacing) LoopsFor(d time.Duration, packets int) uint32 {
	per := p.LoopDuration(packets)
	if per <= 0 || d <= 0 {
		return 0
	}
	n := uint64(d/per) + 1
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

// FixedPacing validates an explicitly requested burst size and period.
func FixedPacing(load Load, burst int, interval time.Duration, lim Limits) (Pacing, error) {
	if err := lim.Validate(); err != nil {
		return Pacing{}, err
	}
	if burst <= 0 || burst > lim.MaxBurst || burst%lim.BurstUnit != 0 {
		return Pacing{}, fmt.Errorf("%w: burst of %d packets (unit %d, max %d)", ErrInvalidRate, burst, lim.BurstUnit, lim.MaxBurst)
	}
	if interval < lim.MinInterval {
		return Pacing{}, fmt.Errorf("%w: burst period %s below %s", ErrInvalidRate, interval, lim.MinInterval)
	}
	var avg uint64
	if load.Packets > 0 {
		avg = (load.Bytes + uint64(load.Packets) - 1) / uint64(load.Packets)
	}
	res := lim.IntervalResolution
	interval = (interval + res - 1) / res * res
	return Pacing{BurstPackets: burst, Interval: interval, WireBytes: int(avg) + WireOverhead}, nil
}

func ceilDiv(a, b uint64) uint64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// mulDivCeil returns ceil(a*b/c) using the full 128 bit product, saturating
// at math.MaxUint64.
func mulDivCeil(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return math.MaxUint64
	}
	q, rem := bits.Div64(hi, lo, c)
	if rem != 0 && q != math.MaxUint64 {
		q++
	}
	return q
}
