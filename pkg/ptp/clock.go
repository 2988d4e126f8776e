package ptp

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/takehaya/cnic/pkg/device"
	"go.uber.org/zap"
)

var ErrStartTimeInPast = errors.New("ptp: start time is not in the future")

// HardwareTime is the card's PTP time: whole seconds plus a fraction in [0, 1).
// Both halves are IEEE float64 values as the card stores them.
type HardwareTime struct {
	Seconds  float64 `json:"seconds"`
	Fraction float64 `json:"fraction"`
}

// ToHardwareTime converts a wall-clock instant to the card representation.
func ToHardwareTime(t time.Time) HardwareTime {
	return HardwareTime{
		Seconds:  float64(t.Unix()),
		Fraction: float64(t.Nanosecond()) / 1e9,
	}
}

// Time converts back to wall-clock time with nanosecond rounding.
func (h HardwareTime) Time() time.Time {
	sec, frac := math.Modf(h.Seconds)
	ns := math.Round((frac + h.Fraction) * 1e9)
	return time.Unix(int64(sec), int64(ns))
}

func (h HardwareTime) Sub(o HardwareTime) time.Duration {
	return h.Time().Sub(o.Time())
}

func (h HardwareTime) Before(o HardwareTime) bool { return h.Time().Before(o.Time()) }
func (h HardwareTime) After(o HardwareTime) bool  { return h.Time().After(o.Time()) }

func (h HardwareTime) String() string {
	return fmt.Sprintf("%.0f+%.9f", h.Seconds, h.Fraction)
}

// StartRequest is either Now or an absolute wall-clock instant.
type StartRequest struct {
	At  time.Time
	now bool
}

// StartNow requests an immediate start.
func StartNow() StartRequest { return StartRequest{now: true} }

func StartAt(t time.Time) StartRequest { return StartRequest{At: t} }

func (r StartRequest) IsNow() bool { return r.now || r.At.IsZero() }

func (r StartRequest) Equal(o StartRequest) bool {
	if r.IsNow() || o.IsNow() {
		return r.IsNow() == o.IsNow()
	}
	return r.At.Equal(o.At)
}

func (r StartRequest) String() string {
	if r.IsNow() {
		return "now"
	}
	return r.At.Format(layoutFrac)
}

// StartPlan says how the scheduler must start transmission.
type StartPlan struct {
	Immediate bool
	Target    HardwareTime
	// Countdown is the time left until Target on the hardware clock when the plan was made.
	Countdown time.Duration
}

// Reconciler reads the card's PTP clock through the register interface.
type Reconciler struct {
	dev    device.Device
	logger *zap.Logger
}

func NewReconciler(dev device.Device, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{dev: dev, logger: logger}
}

// Now latches the hardware clock and reads it back.
func (r *Reconciler) Now() (HardwareTime, error) {
	if err := device.Pulse(r.dev, device.RegPTPLatch); err != nil {
		return HardwareTime{}, fmt.Errorf("failed latch ptp clock: %w", err)
	}
	sec, err := device.ReadFloat64(r.dev, device.RegPTPSeconds)
	if err != nil {
		return HardwareTime{}, fmt.Errorf("failed read ptp seconds: %w", err)
	}
	frac, err := device.ReadFloat64(r.dev, device.RegPTPFraction)
	if err != nil {
		return HardwareTime{}, fmt.Errorf("failed read ptp fraction: %w", err)
	}
	return HardwareTime{Seconds: sec, Fraction: frac}, nil
}

// ResolveStart turns a start request into a plan against the current hardware time.
// A scheduled instant must be strictly after the hardware clock.
func (r *Reconciler) ResolveStart(req StartRequest) (StartPlan, error) {
	now, err := r.Now()
	if err != nil {
		return StartPlan{}, err
	}
	if req.IsNow() {
		return StartPlan{Immediate: true, Target: now}, nil
	}
	target := ToHardwareTime(req.At)
	countdown := target.Sub(now)
	if countdown <= 0 {
		return StartPlan{}, fmt.Errorf("%w: %s is %s behind hardware time %s",
			ErrStartTimeInPast, req.At.Format(layoutFrac), -countdown, now.Time().Format(layoutFrac))
	}
	r.logger.Debug("scheduled start resolved",
		zap.Stringer("target", target),
		zap.Duration("countdown", countdown),
	)
	return StartPlan{Target: target, Countdown: countdown}, nil
}

const (
	layout     = "2006-01-02 15:04:05"
	layoutFrac = "2006-01-02 15:04:05.999999"
)

// ParseTime parses "YYYY-MM-DD HH:MM:SS[.ffffff]" in local time.
func ParseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed parse start time %q: %w", s, err)
	}
	return t, nil
}
