package main

import (
	"encoding/binary"
	"net"
)

const (
	ethLen    = 14
	ipv4Len   = 20
	udpLen    = 8
	headerLen = ethLen + ipv4Len + udpLen
)

// BuildSimpleUDPPacket returns an ethernet/IPv4/UDP frame with both checksums set.
func BuildSimpleUDPPacket(srcMAC, dstMAC [6]byte, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	pkt := make([]byte, headerLen+len(payload))

	copy(pkt[0:6], dstMAC[:])
	copy(pkt[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(pkt[12:14], 0x0800)

	ip := pkt[ethLen : ethLen+ipv4Len]
	ip[0] = 4<<4 | 5
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipv4Len+udpLen+len(payload)))
	ip[8] = 64
	ip[9] = 17
	copy(ip[12:16], net.ParseIP(srcIP).To4())
	copy(ip[16:20], net.ParseIP(dstIP).To4())
	binary.BigEndian.PutUint16(ip[10:12], ^fold(sum16(ip)))

	udp := pkt[ethLen+ipv4Len:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[udpLen:], payload)

	// pseudo header: addresses, protocol, UDP length
	sum := sum16(ip[12:20]) + 17 + uint32(len(udp)) + sum16(udp)
	csum := ^fold(sum)
	if csum == 0 {
		csum = 0xffff
	}
	binary.BigEndian.PutUint16(udp[6:8], csum)
	return pkt
}

func sum16(b []byte) uint32 {
	var s uint32
	for i := 0; i+1 < len(b); i += 2 {
		s += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		s += uint32(b[len(b)-1]) << 8
	}
	return s
}

func fold(s uint32) uint16 {
	for s > 0xffff {
		s = s&0xffff + s>>16
	}
	return uint16(s)
}
