package capfile

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/takehaya/cnic/pkg/framer"
)

// ErrNotEnoughPackets means a capture ran out before the comparison or lookup finished.
var ErrNotEnoughPackets = errors.New("capfile: not enough packets")

// udpOffset returns the offset of the UDP header in an ethernet frame.
func udpOffset(data []byte) (*layers.UDP, int, bool) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	off := 0
	for _, l := range pkt.Layers() {
		if udp, ok := l.(*layers.UDP); ok {
			return udp, off, true
		}
		off += len(l.LayerContents())
	}
	return nil, 0, false
}

// DstPort returns the UDP destination port of an ethernet frame.
func DstPort(data []byte) (uint16, bool) {
	udp, _, ok := udpOffset(data)
	if !ok {
		return 0, false
	}
	return uint16(udp.DstPort), true
}

type CompareResult struct {
	Compared int
	// Differences holds the indices of source packets that differ from their capture.
	Differences []int
}

func (r CompareResult) Same() bool {
	return r.Compared > 0 && len(r.Differences) == 0
}

// Compare matches every source packet against the next captured packet sent
// to UDP port dport. Captured packets to other ports are skipped. limit caps
// the number of packets compared, 0 compares all. ErrNotEnoughPackets is
// returned along with the partial result when the capture runs out first.
func Compare(source, captured []framer.Packet, dport uint16, limit int) (CompareResult, error) {
	var res CompareResult
	ci := 0
	for i, src := range source {
		if limit > 0 && i >= limit {
			break
		}
		var got []byte
		for ci < len(captured) {
			c := captured[ci]
			ci++
			if port, ok := DstPort(c.Data); ok && port == dport {
				got = c.Data
				break
			}
		}
		if got == nil {
			return res, ErrNotEnoughPackets
		}
		if !bytes.Equal(src.Data, got) {
			res.Differences = append(res.Differences, i)
		}
		res.Compared++
	}
	return res, nil
}

// ChangePort rewrites the UDP destination port of every UDP packet and fixes
// up the UDP checksum. Packets without a UDP header are left out of the result.
func ChangePort(packets []framer.Packet, port uint16) (out []framer.Packet, skipped int) {
	for _, p := range packets {
		udp, off, ok := udpOffset(p.Data)
		if !ok || off+8 > len(p.Data) {
			skipped++
			continue
		}
		data := bytes.Clone(p.Data)
		old := uint16(udp.DstPort)
		binary.BigEndian.PutUint16(data[off+2:], port)
		if sum := binary.BigEndian.Uint16(data[off+6:]); sum != 0 {
			binary.BigEndian.PutUint16(data[off+6:], updateChecksum(sum, old, port))
		}
		out = append(out, framer.Packet{Data: data, Timestamp: p.Timestamp})
	}
	return out, skipped
}

// updateChecksum applies RFC 1624 incremental update for one 16 bit word.
func updateChecksum(sum, old, updated uint16) uint16 {
	s := uint32(^sum) + uint32(^old) + uint32(updated)
	for s>>16 != 0 {
		s = s&0xffff + s>>16
	}
	res := ^uint16(s)
	if res == 0 {
		// zero means "no checksum" for UDP
		res = 0xffff
	}
	return res
}
