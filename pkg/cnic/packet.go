package cnic

import (
	"fmt"
	"math/rand/v2"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/takehaya/cnic/pkg/framer"
)

const (
	// udpHeaders is the ethernet, IPv4 and UDP header length of a debug packet.
	udpHeaders = 14 + 20 + 8
	// minFrame is the shortest ethernet frame without FCS; gopacket pads below it.
	minFrame = 60
)

// DebugOptions describes generated test traffic.
type DebugOptions struct {
	Count int `default:"100"`
	// Size is the full frame length.
	Size      int `default:"1500"`
	Randomize bool
	Seed      uint64 `default:"1"`

	SrcMAC  string `default:"02:00:00:00:00:01"`
	DstMAC  string `default:"ff:ff:ff:ff:ff:ff"`
	SrcIP   string `default:"192.168.1.1"`
	DstIP   string `default:"192.168.1.2"`
	SrcPort uint16 `default:"1234"`
	DstPort uint16 `default:"5678"`
}

// BuildDebugPackets returns Count UDP frames of Size bytes. The payload is
// a run of 16 bit big endian words: the packet index first, then each
// word's own index. Randomize fills the payload from a PRNG seeded with Seed.
func BuildDebugPackets(opts DebugOptions) ([]framer.Packet, error) {
	if opts.Count <= 0 {
		return nil, fmt.Errorf("debug packet count must be positive")
	}
	if opts.Size < minFrame {
		return nil, fmt.Errorf("debug packet size %d is below the %d byte minimum frame", opts.Size, minFrame)
	}
	srcMAC, err := net.ParseMAC(opts.SrcMAC)
	if err != nil {
		return nil, fmt.Errorf("invalid source mac: %w", err)
	}
	dstMAC, err := net.ParseMAC(opts.DstMAC)
	if err != nil {
		return nil, fmt.Errorf("invalid destination mac: %w", err)
	}
	srcIP, dstIP := net.ParseIP(opts.SrcIP).To4(), net.ParseIP(opts.DstIP).To4()
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("invalid IPv4 address %q or %q", opts.SrcIP, opts.DstIP)
	}

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		SrcIP:    srcIP,
		DstIP:    dstIP,
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(opts.SrcPort),
		DstPort: layers.UDPPort(opts.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip4); err != nil {
		return nil, fmt.Errorf("failed to set network layer for checksum: %w", err)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	payload := make([]byte, opts.Size-udpHeaders)
	pkts := make([]framer.Packet, opts.Count)
	for i := range pkts {
		fillDebugPayload(payload, i, opts.Randomize, rng)
		buf := gopacket.NewSerializeBuffer()
		err := gopacket.SerializeLayers(buf,
			gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
			eth, ip4, udp, gopacket.Payload(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to serialize packet %d: %w", i, err)
		}
		pkts[i] = framer.Packet{Data: append([]byte(nil), buf.Bytes()...)}
	}
	return pkts, nil
}

func fillDebugPayload(payload []byte, index int, randomize bool, rng *rand.Rand) {
	for off := 0; off+1 < len(payload); off += 2 {
		var w uint16
		switch {
		case randomize:
			w = uint16(rng.Uint32())
		case off == 0:
			w = uint16(index)
		default:
			w = uint16(off / 2)
		}
		payload[off] = byte(w >> 8)
		payload[off+1] = byte(w)
	}
	if len(payload)%2 == 1 {
		payload[len(payload)-1] = 0xff
	}
}
