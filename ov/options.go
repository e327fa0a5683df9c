package ov

import (
	"time"

	"github.com/ardnew/openvizsla/capture"
	"github.com/ardnew/openvizsla/fpga"
	"github.com/ardnew/openvizsla/regs"
)

// Defaults used when no option overrides them.
const (
	DefaultStopTimeout = 2 * time.Second

	// SDRAM ring bounds programmed by CaptureStart.
	DefaultRingBase uint32 = 0x00000000
	DefaultRingEnd  uint32 = 0x01000000

	// fifoInitCycles is the number of zero bytes clocked out after
	// entering sync FIFO mode.
	fifoInitCycles = 512
)

type config struct {
	firmware    string
	regMap      regs.Map
	speed       Speed
	stopTimeout time.Duration
	ringBase    uint32
	ringEnd     uint32
	busOpts     []regs.Option
	fpgaOpts    []fpga.Option
	captureOpts []capture.Option
}

func defaultConfig() config {
	return config{
		regMap:      regs.DefaultMap(),
		speed:       SpeedHigh,
		stopTimeout: DefaultStopTimeout,
		ringBase:    DefaultRingBase,
		ringEnd:     DefaultRingEnd,
	}
}

// Option configures a Device.
type Option func(*config)

// WithFirmware loads the firmware package at path during Open.
func WithFirmware(path string) Option {
	return func(c *config) {
		c.firmware = path
	}
}

// WithRegisterMap sets the register map used until a firmware package
// supplies its own. The default is regs.DefaultMap.
func WithRegisterMap(m regs.Map) Option {
	return func(c *config) {
		if m != nil {
			c.regMap = m
		}
	}
}

// WithSpeed sets the initial bus speed.
func WithSpeed(s Speed) Option {
	return func(c *config) {
		c.speed = s
	}
}

// WithStopTimeout bounds how long CaptureStop waits for the device to
// acknowledge the end of host reads before it breaks the session.
func WithStopTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithRing sets the SDRAM ring buffer bounds.
func WithRing(base, end uint32) Option {
	return func(c *config) {
		c.ringBase, c.ringEnd = base, end
	}
}

// WithBusOptions passes options to the register bus.
func WithBusOptions(opts ...regs.Option) Option {
	return func(c *config) {
		c.busOpts = append(c.busOpts, opts...)
	}
}

// WithProgrammerOptions passes options to the FPGA programmer.
func WithProgrammerOptions(opts ...fpga.Option) Option {
	return func(c *config) {
		c.fpgaOpts = append(c.fpgaOpts, opts...)
	}
}

// WithCaptureOptions passes options to every capture loop.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(c *config) {
		c.captureOpts = append(c.captureOpts, opts...)
	}
}
