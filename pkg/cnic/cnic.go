package cnic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/takehaya/cnic/pkg/capfile"
	"github.com/takehaya/cnic/pkg/collector"
	"github.com/takehaya/cnic/pkg/device"
	"github.com/takehaya/cnic/pkg/framer"
	"github.com/takehaya/cnic/pkg/hbm"
	"github.com/takehaya/cnic/pkg/logger"
	"github.com/takehaya/cnic/pkg/plugin"
	"github.com/takehaya/cnic/pkg/ptp"
	"github.com/takehaya/cnic/pkg/scheduler"
	"github.com/takehaya/cnic/pkg/status"
	"go.uber.org/zap"
)

type CancelFunc func(ctx context.Context) error

// Engine owns one device and everything that drives it. It is not safe for
// concurrent use except for Reporter, which may be read from any goroutine.
type Engine struct {
	Logger        *zap.Logger
	Device        device.Device
	Framer        *framer.Framer
	Allocator     *hbm.Allocator
	Scheduler     *scheduler.Scheduler
	Collector     *collector.Collector
	Clock         *ptp.Reconciler
	Reporter      *status.Reporter
	PluginManager *plugin.Manager
	cleanupFnList []CancelFunc

	tx  *scheduler.TransmitSession
	cfg Config
}

type options struct {
	dev       device.Device
	logger    *zap.Logger
	simulator []device.SimulatorOption
}

type Option func(*options)

// WithDevice drives dev instead of a simulator.
func WithDevice(dev device.Device) Option {
	return func(o *options) { o.dev = dev }
}

// WithLogger skips building a logger from Config.LoggerConfig.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSimulatorOptions is passed on to the simulator in simulate mode.
func WithSimulatorOptions(opts ...device.SimulatorOption) Option {
	return func(o *options) { o.simulator = append(o.simulator, opts...) }
}

func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var cleanupFnList []CancelFunc
	lg := o.logger
	if lg == nil {
		l, cleanup, err := logger.NewLogger(cfg.LoggerConfig)
		if err != nil {
			return nil, fmt.Errorf("failed init logger: %w", err)
		}
		lg = l
		cleanupFnList = append(cleanupFnList, cleanup)
	}

	f := framer.New()
	dev := o.dev
	if dev == nil {
		if !cfg.Simulate {
			return nil, fmt.Errorf("%w: no hardware transport configured, use simulate mode", device.ErrDeviceUnavailable)
		}
		simOpts := []device.SimulatorOption{device.WithLogger(lg.Named("sim")), device.WithFramer(f)}
		if cfg.Loopback {
			simOpts = append(simOpts, device.WithLoopback())
		}
		dev = device.NewSimulator(cfg.MemorySize, append(simOpts, o.simulator...)...)
	}

	alloc := hbm.NewAllocator(dev, f.MinSlotSize(), lg.Named("hbm"))
	if err := alloc.Configure(cfg.Layout()); err != nil {
		return nil, fmt.Errorf("failed configure regions: %w", err)
	}

	return &Engine{
		Logger:        lg,
		Device:        dev,
		Framer:        f,
		Allocator:     alloc,
		Scheduler:     scheduler.New(dev, alloc, f, cfg.Limits, lg.Named("tx")),
		Collector:     collector.New(dev, alloc, f, lg.Named("rx")),
		Clock:         ptp.NewReconciler(dev, lg.Named("ptp")),
		Reporter:      status.NewReporter(dev, alloc),
		cleanupFnList: cleanupFnList,
		cfg:           cfg,
	}, nil
}

// Configure replaces the region layout. It fails while any region is held
// by a session.
func (e *Engine) Configure(specs []hbm.RegionSpec) error {
	return e.Allocator.Configure(specs)
}

// Transmit loads packets into every transmit region, arms the scheduler
// and starts it. It returns as soon as the hardware has been handed the
// session.
func (e *Engine) Transmit(pkts []framer.Packet, opts scheduler.SessionOptions) (*scheduler.Handle, error) {
	regions := e.Allocator.RegionsByRole(hbm.RoleTransmit)
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: no transmit regions", hbm.ErrInvalidLayout)
	}
	if err := e.releaseTransmit(); err != nil {
		return nil, err
	}

	s := scheduler.NewSession(regions, pkts, e.Framer, opts)
	if err := e.Scheduler.Validate(s); err != nil {
		return nil, err
	}
	plan, err := e.Clock.ResolveStart(opts.Start)
	if err != nil {
		return nil, err
	}
	if err := e.Scheduler.Load(s); err != nil {
		return nil, err
	}
	h, err := e.Scheduler.Arm(s, plan)
	if err == nil {
		err = e.Scheduler.Start(h)
	}
	if err != nil {
		if derr := e.Scheduler.Discard(s); derr != nil {
			e.Logger.Warn("failed discard transmit session", zap.Error(derr))
		}
		return nil, err
	}
	e.tx = s
	e.Reporter.SetTransmit(h)
	e.Logger.Info("transmitting",
		zap.Int("packets", s.PacketCount()),
		zap.Int("burst_packets", h.Pacing.BurstPackets),
		zap.Duration("burst_period", h.Pacing.Interval),
		zap.Float64("throughput_bps", h.Pacing.Throughput()),
		zap.Bool("loop", h.Loop),
		zap.Uint32("loops", h.Loops),
	)
	return h, nil
}

// ExpectedPackets is how many packets transmitting pkts with opts sends,
// 0 when it loops until cancelled.
func (e *Engine) ExpectedPackets(pkts []framer.Packet, opts scheduler.SessionOptions) (uint64, error) {
	s := scheduler.NewSession(nil, pkts, e.Framer, opts)
	p, err := e.Scheduler.Pacing(s)
	if err != nil {
		return 0, err
	}
	loop, loops := s.Passes(p)
	switch {
	case !loop:
		return uint64(len(pkts)), nil
	case loops == 0:
		return 0, nil
	}
	return uint64(len(pkts)) * uint64(loops), nil
}

// releaseTransmit frees the regions of a finished previous session.
func (e *Engine) releaseTransmit() error {
	if e.tx == nil {
		return nil
	}
	if h := e.Scheduler.Armed(); h != nil && h.Session == e.tx {
		if h.State() == scheduler.HandleArmed {
			return fmt.Errorf("%w: session %s", scheduler.ErrAlreadyArmed, h.Session.ID)
		}
		running, err := e.Scheduler.Running()
		if err != nil {
			return err
		}
		if running {
			return fmt.Errorf("%w: session %s is still transmitting", scheduler.ErrAlreadyArmed, h.Session.ID)
		}
	}
	if err := e.Scheduler.Discard(e.tx); err != nil {
		return err
	}
	e.tx = nil
	return nil
}

func (e *Engine) TransmitFile(path string, opts scheduler.SessionOptions) (*scheduler.Handle, error) {
	pkts, err := capfile.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(pkts) == 0 {
		return nil, fmt.Errorf("%s: %w", path, capfile.ErrNotEnoughPackets)
	}
	e.Logger.Info("capture file read", zap.String("path", path), zap.Int("packets", len(pkts)))
	return e.Transmit(pkts, opts)
}

// Generate asks a WASM generator plugin for count packets.
func (e *Engine) Generate(ctx context.Context, name string, count int, args []byte) ([]framer.Packet, error) {
	if e.PluginManager == nil {
		pm, err := plugin.NewManager(ctx, e.cfg.PluginPath, e.Logger.Named("plugin"))
		if err != nil {
			return nil, fmt.Errorf("failed init plugin manager: %w", err)
		}
		e.PluginManager = pm
		e.cleanupFnList = append(e.cleanupFnList, pm.Close)
	}
	gen, err := e.PluginManager.Generator(name)
	if err != nil {
		if err := e.PluginManager.LoadPlugin(ctx, name); err != nil {
			return nil, fmt.Errorf("failed load plugin: %w", err)
		}
		if gen, err = e.PluginManager.Generator(name); err != nil {
			return nil, err
		}
		if err := gen.Initialize(ctx, args); err != nil {
			return nil, fmt.Errorf("failed init plugin: %w", err)
		}
	}
	return plugin.Collect(ctx, gen, count, args)
}

// WaitTransmit polls until the transmission completes. When ctx ends first
// a looping transmission is cancelled.
func (e *Engine) WaitTransmit(ctx context.Context, h *scheduler.Handle) (scheduler.Progress, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		p, err := e.Scheduler.Progress()
		if err != nil {
			return p, err
		}
		if p.Complete {
			return p, nil
		}
		select {
		case <-ctx.Done():
			if err := e.Scheduler.Cancel(h); err != nil {
				e.Logger.Warn("failed cancel transmit", zap.Error(err))
			}
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ArmReceive arms capture into every receive region.
func (e *Engine) ArmReceive(trigger uint64, packetSize int) (*collector.ReceiveSession, error) {
	regions := e.Allocator.RegionsByRole(hbm.RoleReceive)
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: no receive regions", hbm.ErrInvalidLayout)
	}
	s := collector.NewSession(regions, trigger, packetSize)
	if err := e.Collector.Arm(s); err != nil {
		return nil, err
	}
	e.Reporter.SetReceive(s)
	return s, nil
}

// Receive feeds arrivals to s until it triggers or saturates. When ctx ends
// first the session is stopped so what it holds can still be drained, and
// ctx.Err() is returned. A device error aborts the session.
func (e *Engine) Receive(ctx context.Context, s *collector.ReceiveSession) error {
	src, ok := e.Device.(device.ArrivalSource)
	if !ok {
		return fmt.Errorf("device %T does not deliver arrivals", e.Device)
	}
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := e.Collector.PollOnce(s, src); err != nil {
			if aerr := e.Collector.Abort(s); aerr != nil {
				e.Logger.Warn("failed abort capture", zap.Error(aerr))
			}
			return err
		}
		if s.State() != collector.Armed {
			return nil
		}
		select {
		case <-ctx.Done():
			if err := e.Collector.Stop(s); err != nil {
				return errors.Join(ctx.Err(), err)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Capture arms, receives and drains in one go.
func (e *Engine) Capture(ctx context.Context, trigger uint64, packetSize int) (collector.DrainResult, error) {
	s, err := e.ArmReceive(trigger, packetSize)
	if err != nil {
		return collector.DrainResult{}, err
	}
	recvErr := e.Receive(ctx, s)
	if recvErr != nil && !errors.Is(recvErr, context.Canceled) && !errors.Is(recvErr, context.DeadlineExceeded) {
		return collector.DrainResult{}, recvErr
	}
	res, err := e.Collector.Drain(s)
	if err != nil {
		return collector.DrainResult{}, err
	}
	return res, recvErr
}

// CaptureSummary describes a drained capture.
type CaptureSummary struct {
	Packets   int
	Bytes     uint64
	Corrupt   int
	Saturated bool
	// Duration spans the first to the last arrival timestamp.
	Duration time.Duration
	// RateGbps is the average data rate over Duration.
	RateGbps float64
}

func Summarize(res collector.DrainResult) CaptureSummary {
	sum := CaptureSummary{Packets: len(res.Packets), Corrupt: res.Corrupt, Saturated: res.Saturated}
	var first, last time.Time
	for _, p := range res.Packets {
		sum.Bytes += uint64(len(p.Data))
		if first.IsZero() || p.Timestamp.Before(first) {
			first = p.Timestamp
		}
		if p.Timestamp.After(last) {
			last = p.Timestamp
		}
	}
	if sum.Packets > 1 {
		sum.Duration = last.Sub(first)
	}
	if sum.Duration > 0 {
		sum.RateGbps = float64(sum.Bytes*8) / sum.Duration.Seconds() / 1e9
	}
	return sum
}

// ServeStatus starts the /metrics and /status server; it stops on Close.
func (e *Engine) ServeStatus(addr string) error {
	srv, err := status.NewServer(addr, e.Reporter, e.Logger.Named("status"))
	if err != nil {
		return fmt.Errorf("failed init status server: %w", err)
	}
	srv.Start()
	e.cleanupFnList = append(e.cleanupFnList, srv.Shutdown)
	return nil
}

func (e *Engine) Snapshot() status.Snapshot {
	return e.Reporter.Snapshot()
}

// Close releases everything in reverse order of acquisition.
func (e *Engine) Close() {
	if e.tx != nil {
		if err := e.Scheduler.Discard(e.tx); err != nil {
			e.Logger.Warn("failed discard transmit session", zap.Error(err))
		}
		e.tx = nil
	}
	e.Logger.Info("cnic cleanup completed")
	for i := len(e.cleanupFnList) - 1; i >= 0; i-- {
		if err := e.cleanupFnList[i](context.Background()); err != nil {
			e.Logger.Error("failed to cleanup", zap.Error(err))
		}
	}
}
