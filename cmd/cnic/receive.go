package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/takehaya/cnic/pkg/capfile"
	"github.com/takehaya/cnic/pkg/cnic"
	"github.com/takehaya/cnic/pkg/collector"
	"github.com/urfave/cli"
)

var captureFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "out, o",
		Usage: "capture file to write, .pcapng selects pcapng",
	},
	cli.IntFlag{
		Name:  "packet-size",
		Usage: "capture only packets of exactly this many bytes, others are dropped and counted as filtered; 0 captures any size",
	},
}

func receiveCommand() cli.Command {
	return cli.Command{
		Name:  "receive",
		Usage: "capture packets into device memory and write them out",
		Flags: append(append([]cli.Flag{}, captureFlags...),
			cli.Uint64Flag{
				Name:  "count, c",
				Usage: "stop after this many packets, 0 runs until memory fills or interrupted",
			},
		),
		Action: runReceive,
	}
}

func runReceive(c *cli.Context) error {
	if c.String("out") == "" {
		return cli.NewExitError("--out is required", 4)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	res, err := e.Capture(ctx, c.Uint64("count"), c.Int("packet-size"))
	if err != nil && !isInterrupt(err) {
		return err
	}
	return writeCapture(c.App.Writer, c.String("out"), res)
}

func loopbackCommand() cli.Command {
	return cli.Command{
		Name:   "loopback",
		Usage:  "transmit through the simulator and capture what comes back",
		Flags:  append(append(append([]cli.Flag{}, sourceFlags...), pacingFlags...), captureFlags...),
		Action: runLoopback,
	}
}

func runLoopback(c *cli.Context) error {
	if c.String("out") == "" {
		return cli.NewExitError("--out is required", 4)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Simulate = true
	cfg.Loopback = true
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	pkts, err := sourcePackets(ctx, c, e)
	if err != nil {
		return err
	}
	opts, err := sessionOptions(c)
	if err != nil {
		return err
	}
	trigger, err := e.ExpectedPackets(pkts, opts)
	if err != nil {
		return err
	}
	s, err := e.ArmReceive(trigger, c.Int("packet-size"))
	if err != nil {
		return err
	}
	h, err := e.Transmit(pkts, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "burst of %d packets every %s (%.3f Gbps)\n",
		h.Pacing.BurstPackets, h.Pacing.Interval, h.Pacing.Throughput()/1e9)

	if err := e.Receive(ctx, s); err != nil && !isInterrupt(err) {
		return err
	}
	res, err := e.Collector.Drain(s)
	if err != nil {
		return err
	}
	return writeCapture(c.App.Writer, c.String("out"), res)
}

func writeCapture(w io.Writer, path string, res collector.DrainResult) error {
	if err := capfile.WriteFile(path, 0, res.Packets); err != nil {
		return err
	}
	sum := cnic.Summarize(res)
	fmt.Fprintf(w, "received %d packets, %d bytes in %s (%.3f Gbps) to %s\n",
		sum.Packets, sum.Bytes, sum.Duration, sum.RateGbps, path)
	if sum.Saturated {
		fmt.Fprintln(w, "receive memory filled before the capture ended")
	}
	if sum.Corrupt > 0 {
		fmt.Fprintf(w, "%d corrupt records skipped\n", sum.Corrupt)
	}
	return nil
}

func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
