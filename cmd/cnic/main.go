package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/takehaya/cnic/pkg/cnic"
	"github.com/urfave/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

func main() {
	app := newApp(version)
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func newApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "cnic"
	app.Version = fmt.Sprintf("%s, %s, %s, %s", version, commit, date, builtBy)

	app.Usage = "replay and capture packets through on-card memory with PTP timed starts"

	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "layout, l",
			Usage: "YAML file listing the memory regions",
		},
		cli.Uint64Flag{
			Name:  "memory-size, m",
			Usage: "device memory size in bytes",
		},
		cli.BoolTFlag{
			Name:  "simulate",
			Usage: "drive the in-memory simulator instead of a card",
		},
		cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "interval between device polls",
		},
		cli.StringFlag{
			Name:  "status-addr",
			Usage: "serve /metrics and /status on this address",
		},
		cli.StringFlag{
			Name:  "plugin-path, P",
			Usage: "directory holding generator plugins",
		},
		cli.IntFlag{
			Name:  "verbose, v",
			Usage: "log debug messages when > 0",
		},
		cli.BoolFlag{
			Name:  "quiet, q",
			Usage: "only log warnings and errors",
		},
		cli.BoolFlag{
			Name:  "json-log",
			Usage: "log as JSON",
		},
		cli.BoolFlag{
			Name:  "no-color",
			Usage: "disable colored log levels",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "also write JSON logs to this rotated file",
		},
	}
	app.Commands = []cli.Command{
		transmitCommand(),
		receiveCommand(),
		loopbackCommand(),
		compareCommand(),
		changePortCommand(),
		monitorCommand(),
	}
	return app
}

// loadConfig layers the global flags over defaults, CNIC_* variables and the layout file.
func loadConfig(c *cli.Context) (cnic.Config, error) {
	cfg, err := cnic.LoadConfig()
	if err != nil {
		return cfg, err
	}
	if path := c.GlobalString("layout"); path != "" {
		if err := cfg.LoadLayout(path); err != nil {
			return cfg, err
		}
	}
	if c.GlobalIsSet("memory-size") {
		cfg.MemorySize = c.GlobalUint64("memory-size")
	}
	if c.GlobalIsSet("simulate") {
		cfg.Simulate = c.GlobalBoolT("simulate")
	}
	if c.GlobalIsSet("poll-interval") {
		cfg.PollInterval = c.GlobalDuration("poll-interval")
	}
	if c.GlobalIsSet("status-addr") {
		cfg.StatusAddr = c.GlobalString("status-addr")
	}
	if c.GlobalIsSet("plugin-path") {
		cfg.PluginPath = c.GlobalString("plugin-path")
	}
	if c.GlobalIsSet("verbose") {
		cfg.LoggerConfig.Verbose = c.GlobalInt("verbose")
	}
	if c.GlobalBool("quiet") {
		cfg.LoggerConfig.Quiet = true
	}
	if c.GlobalBool("json-log") {
		cfg.LoggerConfig.JSON = true
	}
	if c.GlobalBool("no-color") {
		cfg.LoggerConfig.NoColor = true
	}
	if c.GlobalIsSet("log-file") {
		cfg.LoggerConfig.File = c.GlobalString("log-file")
	}
	return cfg, nil
}

// newEngine builds the engine and starts the status server when one is configured.
func newEngine(cfg cnic.Config) (*cnic.Engine, error) {
	e, err := cnic.NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.StatusAddr != "" {
		if err := e.ServeStatus(cfg.StatusAddr); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
