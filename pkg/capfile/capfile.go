package capfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/takehaya/cnic/pkg/framer"
)

// DefaultSnapLen matches the largest payload a slot can hold.
const DefaultSnapLen = framer.DefaultMaxPayload

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

func newReader(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed open pcapng: %w", err)
		}
		return ng, nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("failed open pcap: %w", err)
	}
	return pr, nil
}

// Each calls fn for every packet in a pcap or pcapng stream until fn returns
// false or the stream ends.
func Each(r io.Reader, fn func(framer.Packet) bool) error {
	pr, err := newReader(r)
	if err != nil {
		return err
	}
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed read packet: %w", err)
		}
		if !fn(framer.Packet{Data: data, Timestamp: ci.Timestamp}) {
			return nil
		}
	}
}

func ReadAll(r io.Reader) ([]framer.Packet, error) {
	var pkts []framer.Packet
	err := Each(r, func(p framer.Packet) bool {
		pkts = append(pkts, p)
		return true
	})
	return pkts, err
}

func ReadFile(path string) ([]framer.Packet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pkts, err := ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pkts, nil
}

// Count returns the number of packets in the file.
func Count(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	err = Each(f, func(framer.Packet) bool {
		n++
		return true
	})
	return n, err
}

// PacketSize returns the length of the first packet. Files are assumed to
// hold packets of one size.
func PacketSize(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	size := -1
	if err := Each(f, func(p framer.Packet) bool {
		size = len(p.Data)
		return false
	}); err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, fmt.Errorf("%s: %w", path, ErrNotEnoughPackets)
	}
	return size, nil
}

type Format int

const (
	FormatPcap Format = iota // nanosecond timestamps
	FormatPcapNG
)

// FormatFor picks pcapng for a .pcapng extension and nanosecond pcap otherwise.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".pcapng") {
		return FormatPcapNG
	}
	return FormatPcap
}

func captureInfo(p framer.Packet) gopacket.CaptureInfo {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Unix(0, 0)
	}
	return gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(p.Data), Length: len(p.Data)}
}

// WriteAll writes packets as an ethernet capture.
func WriteAll(w io.Writer, format Format, snapLen int, packets []framer.Packet) error {
	if snapLen <= 0 {
		snapLen = DefaultSnapLen
	}
	switch format {
	case FormatPcapNG:
		ng, err := pcapgo.NewNgWriterInterface(w, pcapgo.NgInterface{
			LinkType:            layers.LinkTypeEthernet,
			SnapLength:          uint32(snapLen),
			TimestampResolution: 9,
		}, pcapgo.DefaultNgWriterOptions)
		if err != nil {
			return fmt.Errorf("failed write pcapng header: %w", err)
		}
		for i, p := range packets {
			if err := ng.WritePacket(captureInfo(p), p.Data); err != nil {
				return fmt.Errorf("failed write packet %d: %w", i, err)
			}
		}
		return ng.Flush()
	default:
		pw := pcapgo.NewWriterNanos(w)
		if err := pw.WriteFileHeader(uint32(snapLen), layers.LinkTypeEthernet); err != nil {
			return fmt.Errorf("failed write pcap header: %w", err)
		}
		for i, p := range packets {
			if err := pw.WritePacket(captureInfo(p), p.Data); err != nil {
				return fmt.Errorf("failed write packet %d: %w", i, err)
			}
		}
		return nil
	}
}

// WriteFile writes packets to path in the format its extension asks for.
func WriteFile(path string, snapLen int, packets []framer.Packet) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteAll(f, FormatFor(path), snapLen, packets); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}
