package main

import (
	"github.com/takehaya/cnic/pkg/status"
	"github.com/urfave/cli"
)

func monitorCommand() cli.Command {
	return cli.Command{
		Name:  "monitor",
		Usage: "print device counters and link state until interrupted",
		Flags: []cli.Flag{
			cli.DurationFlag{
				Name:  "interval, i",
				Usage: "time between lines",
			},
		},
		Action: func(c *cli.Context) error {
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
			status.NewPrinter(e.Reporter, c.App.Writer, c.Duration("interval")).Run(ctx)
			return nil
		},
	}
}
