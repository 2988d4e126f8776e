package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/takehaya/cnic/pkg/capfile"
	"github.com/urfave/cli"
)

func compareCommand() cli.Command {
	return cli.Command{
		Name:      "compare",
		Usage:     "compare a source capture with a received one",
		ArgsUsage: "<source> <captured>",
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  "packets, n",
				Usage: "number of packets to compare, 0 compares all",
			},
			cli.UintFlag{
				Name:  "dport",
				Value: 4660,
				Usage: "UDP destination port the captured side is filtered by",
			},
			cli.StringFlag{
				Name:  "report",
				Value: "differences.txt",
				Usage: "file the indices of differing packets are written to",
			},
		},
		Action: runCompare,
	}
}

func runCompare(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.NewExitError("compare needs a source and a captured file", 4)
	}
	source, err := capfile.ReadFile(c.Args().Get(0))
	if err != nil {
		return err
	}
	captured, err := capfile.ReadFile(c.Args().Get(1))
	if err != nil {
		return err
	}

	res, err := capfile.Compare(source, captured, uint16(c.Uint("dport")), c.Int("packets"))
	if errors.Is(err, capfile.ErrNotEnoughPackets) && res.Compared > 0 {
		return cli.NewExitError(fmt.Sprintf("%s does not have enough packets to finish comparison", c.Args().Get(1)), 2)
	}
	if err != nil && !errors.Is(err, capfile.ErrNotEnoughPackets) {
		return err
	}
	switch {
	case res.Compared == 0:
		return cli.NewExitError("no packets compared, check --dport", 3)
	case res.Same():
		fmt.Fprintf(c.App.Writer, "two files contain the same packets (%d packets compared)\n", res.Compared)
		return nil
	}

	var report strings.Builder
	for _, idx := range res.Differences {
		fmt.Fprintf(&report, "%d\n", idx)
	}
	if err := os.WriteFile(c.String("report"), []byte(report.String()), 0o644); err != nil {
		return err
	}
	return cli.NewExitError(fmt.Sprintf("files are different: %d packets compared, %d differences written to %s",
		res.Compared, len(res.Differences), c.String("report")), 1)
}

func changePortCommand() cli.Command {
	return cli.Command{
		Name:      "change-port",
		Usage:     "rewrite the UDP destination port of every packet in a capture",
		ArgsUsage: "<input>",
		Flags: []cli.Flag{
			cli.UintFlag{
				Name:  "port, p",
				Value: 36001,
				Usage: "new destination port",
			},
			cli.StringFlag{
				Name:  "output, o",
				Value: "new_port.pcap",
				Usage: "output capture file",
			},
		},
		Action: runChangePort,
	}
}

func runChangePort(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("change-port needs an input file", 4)
	}
	in, err := capfile.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	out, skipped := capfile.ChangePort(in, uint16(c.Uint("port")))
	if err := capfile.WriteFile(c.String("output"), 0, out); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %d packets to %s, dropped %d without a UDP header\n",
		len(out), c.String("output"), skipped)
	return nil
}
