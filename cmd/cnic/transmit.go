package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/takehaya/cnic/pkg/capfile"
	"github.com/takehaya/cnic/pkg/cnic"
	"github.com/takehaya/cnic/pkg/framer"
	"github.com/takehaya/cnic/pkg/ptp"
	"github.com/takehaya/cnic/pkg/scheduler"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

// sourceFlags pick where transmitted packets come from.
var sourceFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "file, f",
		Usage: "pcap or pcapng file to replay",
	},
	cli.IntFlag{
		Name:  "debug",
		Usage: "send this many generated counter payload packets instead of a file",
	},
	cli.IntFlag{
		Name:  "size",
		Value: 1500,
		Usage: "frame size of generated packets",
	},
	cli.BoolFlag{
		Name:  "random",
		Usage: "random payload for generated packets",
	},
	cli.StringFlag{
		Name:  "plugin, p",
		Usage: "generator plugin name",
	},
	cli.StringFlag{
		Name:  "plugin-args",
		Usage: "JSON passed to the generator plugin",
	},
	cli.IntFlag{
		Name:  "count, c",
		Value: 1,
		Usage: "number of packets to request from the plugin",
	},
}

var pacingFlags = []cli.Flag{
	cli.Float64Flag{
		Name:  "rate, r",
		Value: 100,
		Usage: "transmission rate in Gbps, ignored with --burst-gap",
	},
	cli.IntFlag{
		Name:  "burst-size",
		Usage: "packets per burst with --burst-gap",
	},
	cli.Int64Flag{
		Name:  "burst-gap",
		Usage: "burst period in ns, overrides --rate",
	},
	cli.BoolFlag{
		Name:  "loop",
		Usage: "repeat the packets",
	},
	cli.UintFlag{
		Name:  "loops",
		Usage: "passes in loop mode, 0 repeats until interrupted",
	},
	cli.DurationFlag{
		Name:  "total-time",
		Usage: "loop for at least this long, the number of passes is derived from the pacing",
	},
	cli.StringFlag{
		Name:  "start",
		Usage: `start at "YYYY-MM-DD HH:MM:SS[.ffffff]" local time instead of now`,
	},
}

func transmitCommand() cli.Command {
	return cli.Command{
		Name:  "transmit",
		Usage: "load packets into device memory and send them",
		Flags: append(append(append([]cli.Flag{}, sourceFlags...), pacingFlags...),
			cli.BoolFlag{
				Name:  "verify",
				Usage: "read device memory back after loading and compare it",
			},
		),
		Action: runTransmit,
	}
}

func runTransmit(c *cli.Context) error {
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

	pkts, err := sourcePackets(ctx, c, e)
	if err != nil {
		return err
	}
	opts, err := sessionOptions(c)
	if err != nil {
		return err
	}
	h, err := e.Transmit(pkts, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "burst of %d packets every %s (%.3f Gbps)\n",
		h.Pacing.BurstPackets, h.Pacing.Interval, h.Pacing.Throughput()/1e9)
	if h.Loop && h.Loops > 0 {
		fmt.Fprintf(c.App.Writer, "%d loops of %s\n", h.Loops, h.Pacing.LoopDuration(h.Session.PacketCount()))
	}

	p, err := e.WaitTransmit(ctx, h)
	fmt.Fprintf(c.App.Writer, "sent %d packets, %d bytes, %d loops\n", p.Packets, p.Bytes, p.Loops)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func sourcePackets(ctx context.Context, c *cli.Context, e *cnic.Engine) ([]framer.Packet, error) {
	switch {
	case c.String("file") != "":
		return capfile.ReadFile(c.String("file"))
	case c.Int("debug") > 0:
		var opts cnic.DebugOptions
		defaults.SetDefaults(&opts)
		opts.Count = c.Int("debug")
		opts.Size = c.Int("size")
		opts.Randomize = c.Bool("random")
		opts.Seed = uint64(time.Now().UnixNano())
		return cnic.BuildDebugPackets(opts)
	case c.String("plugin") != "":
		e.Logger.Info("generating packets", zap.String("plugin", c.String("plugin")), zap.Int("count", c.Int("count")))
		return e.Generate(ctx, c.String("plugin"), c.Int("count"), []byte(c.String("plugin-args")))
	}
	return nil, fmt.Errorf("one of --file, --debug or --plugin is required")
}

func sessionOptions(c *cli.Context) (scheduler.SessionOptions, error) {
	opts := scheduler.SessionOptions{
		Start:        ptp.StartNow(),
		Rate:         c.Float64("rate") * 1e9,
		Loop:         c.Bool("loop"),
		Loops:        uint32(c.Uint("loops")),
		Duration:     c.Duration("total-time"),
		Verify:       c.Bool("verify"),
		BurstPackets: c.Int("burst-size"),
		BurstGap:     time.Duration(c.Int64("burst-gap")),
	}
	if s := c.String("start"); s != "" {
		at, err := ptp.ParseTime(s)
		if err != nil {
			return opts, err
		}
		opts.Start = ptp.StartAt(at)
	}
	return opts, nil
}
