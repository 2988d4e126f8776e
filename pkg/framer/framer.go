package framer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// These sizes are all in bytes.
const (
	// HeaderSize is the fixed slot header in front of the payload.
	HeaderSize = 24
	// DefaultAlign is the device transfer granularity (one 512bit beat).
	DefaultAlign = 64
	// DefaultMaxPayload is the largest payload a slot may carry (jumbo frame).
	DefaultMaxPayload = 9000
)

// flagTimestamp is set in the flags word when the slot carries a timestamp.
const flagTimestamp uint32 = 1

var (
	ErrPacketTooLarge = errors.New("framer: packet too large")
	ErrCorruptRecord  = errors.New("framer: corrupt record")
)

// Packet is one captured or to-be-sent packet.
type Packet struct {
	Data      []byte
	Timestamp time.Time
	// Seq is the sequence index within the buffer region the packet lives in.
	Seq uint32
}

// Framer converts packets to and from their fixed-layout slot representation.
//
// slot layout (big endian):
//
//	0  u32 payload length
//	4  u32 sequence index
//	8  i64 timestamp seconds
//	16 u32 timestamp nanoseconds
//	20 u32 flags, bit 0 set when the timestamp is present
//	24 payload, zero padded to Align
type Framer struct {
	MaxPayload int
	Align      int
}

func New() *Framer {
	return &Framer{MaxPayload: DefaultMaxPayload, Align: DefaultAlign}
}

func (f *Framer) align() int {
	if f.Align <= 0 {
		return DefaultAlign
	}
	return f.Align
}

func (f *Framer) maxPayload() int {
	if f.MaxPayload <= 0 {
		return DefaultMaxPayload
	}
	return f.MaxPayload
}

// PaddedSize rounds n up to the next multiple of the transfer granularity.
func (f *Framer) PaddedSize(n int) int {
	a := f.align()
	if n%a == 0 {
		return n
	}
	return n + a - n%a
}

// SlotSize returns the number of device bytes one payload of the given length occupies.
func (f *Framer) SlotSize(payloadLen int) int {
	return f.PaddedSize(HeaderSize + payloadLen)
}

// MinSlotSize is the size of a slot holding an empty payload.
func (f *Framer) MinSlotSize() int {
	return f.SlotSize(0)
}

// CheckSize reports ErrPacketTooLarge for payloads a slot cannot carry.
func (f *Framer) CheckSize(n int) error {
	if n > f.maxPayload() {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPacketTooLarge, n, f.maxPayload())
	}
	return nil
}

func (f *Framer) Frame(p Packet) ([]byte, error) {
	if err := f.CheckSize(len(p.Data)); err != nil {
		return nil, err
	}
	slot := make([]byte, f.SlotSize(len(p.Data)))
	binary.BigEndian.PutUint32(slot[0:4], uint32(len(p.Data)))
	binary.BigEndian.PutUint32(slot[4:8], p.Seq)

	if !p.Timestamp.IsZero() {
		binary.BigEndian.PutUint64(slot[8:16], uint64(p.Timestamp.Unix()))
		binary.BigEndian.PutUint32(slot[16:20], uint32(p.Timestamp.Nanosecond()))
		binary.BigEndian.PutUint32(slot[20:24], flagTimestamp)
	}
	copy(slot[HeaderSize:], p.Data)
	return slot, nil
}

// Unframe decodes one slot. Trailing padding is ignored. Data is never nil,
// an empty payload decodes as an empty slice.
func (f *Framer) Unframe(slot []byte) (Packet, error) {
	if len(slot) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: slot of %d bytes is shorter than header", ErrCorruptRecord, len(slot))
	}
	n := int(binary.BigEndian.Uint32(slot[0:4]))
	if n > len(slot)-HeaderSize || n > f.maxPayload() {
		return Packet{}, fmt.Errorf("%w: length field %d, %d bytes remain", ErrCorruptRecord, n, len(slot)-HeaderSize)
	}
	nsec := binary.BigEndian.Uint32(slot[16:20])
	if nsec >= uint32(time.Second) {
		return Packet{}, fmt.Errorf("%w: nanoseconds field %d out of range", ErrCorruptRecord, nsec)
	}
	sec := int64(binary.BigEndian.Uint64(slot[8:16]))

	p := Packet{
		Data: make([]byte, n),
		Seq:  binary.BigEndian.Uint32(slot[4:8]),
	}
	copy(p.Data, slot[HeaderSize:])
	if binary.BigEndian.Uint32(slot[20:24])&flagTimestamp != 0 {
		p.Timestamp = time.Unix(sec, int64(nsec)).UTC()
	}
	return p, nil
}

// PayloadLen reads the length field of a slot header without decoding it.
func PayloadLen(header []byte) (int, bool) {
	if len(header) < 4 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(header[0:4])), true
}

// EstimateSlotCount returns the number of slots and the total device bytes
// needed to hold packets.
func (f *Framer) EstimateSlotCount(packets []Packet) (int, uint64) {
	var total uint64
	for _, p := range packets {
		total += uint64(f.SlotSize(len(p.Data)))
	}
	return len(packets), total
}
