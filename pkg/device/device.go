package device

import (
	"math"

	"github.com/pkg/errors"
	"github.com/takehaya/cnic/pkg/framer"
)

var (
	// ErrDeviceUnavailable is returned for any failed register or memory access.
	// It is never retried inside this module.
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrOutOfRange        = errors.New("device memory access out of range")
)

// Device is the register and memory access capability of one card.
type Device interface {
	ReadRegister(name string) (uint32, error)
	WriteRegister(name string, value uint32) error
	ReadMemory(addr uint64, n int) ([]byte, error)
	WriteMemory(addr uint64, data []byte) error
	// MemorySize is the number of bytes of device memory usable for regions.
	MemorySize() uint64
}

// ArrivalSource is implemented by devices that surface received packets to a poll loop.
// ok is false when nothing new has arrived.
type ArrivalSource interface {
	PollArrival() (pkt framer.Packet, ok bool, err error)
}

// Read64 combines a <name>_hi / <name>_lo register pair.
func Read64(d Device, name string) (uint64, error) {
	hi, err := d.ReadRegister(name + "_hi")
	if err != nil {
		return 0, err
	}
	lo, err := d.ReadRegister(name + "_lo")
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// Write64 splits v into a <name>_hi / <name>_lo register pair.
func Write64(d Device, name string, v uint64) error {
	if err := d.WriteRegister(name+"_hi", uint32(v>>32)); err != nil {
		return err
	}
	return d.WriteRegister(name+"_lo", uint32(v))
}

// ReadFloat64 reads an IEEE-754 double held in a register pair.
func ReadFloat64(d Device, name string) (float64, error) {
	bits, err := Read64(d, name)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

func WriteFloat64(d Device, name string, v float64) error {
	return Write64(d, name, math.Float64bits(v))
}

func boolValue(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// WriteBool writes 1 or 0.
func WriteBool(d Device, name string, b bool) error {
	return d.WriteRegister(name, boolValue(b))
}

// Pulse writes 1 then 0, e.g. for reset strobes.
func Pulse(d Device, name string) error {
	if err := d.WriteRegister(name, 1); err != nil {
		return err
	}
	return d.WriteRegister(name, 0)
}
