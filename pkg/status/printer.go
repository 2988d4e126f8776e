package status

import (
	"context"
	"io"
	"time"

	"golang.org/x/text/message"
)

// Printer writes one rate line per interval until ctx is done.
type Printer struct {
	reporter *Reporter
	out      io.Writer
	interval time.Duration
}

func NewPrinter(r *Reporter, out io.Writer, interval time.Duration) *Printer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Printer{reporter: r, out: out, interval: interval}
}

func (p *Printer) Run(ctx context.Context) {
	prev := p.reporter.Snapshot()
	mp := newEnglishPrinter()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cur := p.reporter.Snapshot()
			p.print(mp, prev, cur)
			prev = cur
		case <-ctx.Done():
			return
		}
	}
}

func (p *Printer) print(mp *message.Printer, prev, cur Snapshot) {
	if cur.DeviceError != "" {
		mp.Fprintf(p.out, "device error: %s\n", cur.DeviceError)
		return
	}
	secs := cur.Time.Sub(prev.Time).Seconds()
	if secs <= 0 {
		secs = p.interval.Seconds()
	}
	txPkts := float64(delta(cur.Transmit.PacketsSent, prev.Transmit.PacketsSent)) / secs
	txBits := float64(delta(cur.Transmit.BytesSent, prev.Transmit.BytesSent)*8) / secs
	rxPkts := float64(delta(cur.Receive.PacketsReceived, prev.Receive.PacketsReceived)) / secs
	rxBits := float64(delta(cur.Receive.BytesReceived, prev.Receive.BytesReceived)*8) / secs

	link := "down"
	if cur.LinkUp {
		link = "up"
	}
	mp.Fprintf(p.out, "tx %.0f pkt/s %.2f Mbps (%d total) | rx %.0f pkt/s %.2f Mbps (%d total, %s) | link %s\n",
		txPkts, txBits/1e6, cur.Transmit.PacketsSent,
		rxPkts, rxBits/1e6, cur.Receive.PacketsReceived, cur.Receive.State,
		link)
}

func newEnglishPrinter() *message.Printer {
	return message.NewPrinter(message.MatchLanguage("en"))
}

// delta tolerates counters that were reset between two snapshots.
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
