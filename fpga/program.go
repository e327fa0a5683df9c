package fpga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ardnew/openvizsla/firmware"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
)

// Phase is a step of FPGA configuration.
type Phase int

// Configuration phases, in order.
const (
	PhaseReset    Phase = iota // Bitbang mode and PROG_B pulse
	PhaseWaitInit              // Waiting for INIT_B to rise
	PhaseWrite                 // Shifting the bitstream
	PhaseWaitDone              // Waiting for DONE to rise
	PhaseDone                  // Configured
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseReset:
		return "reset"
	case PhaseWaitInit:
		return "wait_init"
	case PhaseWrite:
		return "write"
	case PhaseWaitDone:
		return "wait_done"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// ProgramError reports the phase in which configuration failed.
type ProgramError struct {
	Phase Phase
	Err   error
}

// Error implements error.
func (e *ProgramError) Error() string {
	return fmt.Sprintf("fpga program (%s): %v", e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProgramError) Unwrap() error {
	return e.Err
}

// ProgressFunc observes configuration. written and total count bitstream
// bytes and are only meaningful in PhaseWrite and later.
type ProgressFunc func(phase Phase, written, total int)

type config struct {
	chunkSize   int
	pollEvery   time.Duration
	waitTimeout time.Duration
	progress    ProgressFunc
}

func defaultConfig() config {
	return config{
		chunkSize:   4096,
		pollEvery:   time.Millisecond,
		waitTimeout: 2 * time.Second,
	}
}

// Option configures a Programmer.
type Option func(*config)

// WithChunkSize sets the number of bitstream bytes per channel A write.
func WithChunkSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithPollInterval sets the INIT_B and DONE sampling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollEvery = d
		}
	}
}

// WithWaitTimeout bounds each wait for INIT_B or DONE.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.waitTimeout = d
		}
	}
}

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *config) {
		c.progress = fn
	}
}

// Programmer loads a bitstream into the Spartan-6 in slave serial mode:
// channel A shifts data in bitbang mode, channel B drives PROG_B and
// watches INIT_B and DONE.
type Programmer struct {
	data hal.Port
	gpio *GPIO
	cfg  config
}

// NewProgrammer returns a Programmer using data (channel A) and gpio
// (channel B).
func NewProgrammer(data hal.Port, gpio *GPIO, opts ...Option) *Programmer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Programmer{data: data, gpio: gpio, cfg: cfg}
}

// Program configures the FPGA with bitstream, the raw data of a .bit file.
// On success channel A is left in bitbang mode.
func (p *Programmer) Program(ctx context.Context, bitstream []byte) error {
	if len(bitstream) == 0 {
		return &ProgramError{Phase: PhaseReset, Err: pkg.ErrInvalidParameter}
	}
	total := len(bitstream)

	p.report(PhaseReset, 0, total)
	if err := p.reset(ctx); err != nil {
		return &ProgramError{Phase: PhaseReset, Err: err}
	}

	p.report(PhaseWaitInit, 0, total)
	if err := p.wait(ctx, Status.Init); err != nil {
		return &ProgramError{Phase: PhaseWaitInit, Err: err}
	}

	written, err := p.write(ctx, bitstream)
	if err != nil {
		return &ProgramError{Phase: PhaseWrite, Err: err}
	}

	p.report(PhaseWaitDone, written, total)
	if err := p.wait(ctx, Status.Done); err != nil {
		return &ProgramError{Phase: PhaseWaitDone, Err: err}
	}

	p.report(PhaseDone, written, total)
	pkg.LogInfo(pkg.ComponentFPGA, "configured", "bytes", written)
	return nil
}

// reset switches channel A to bitbang and pulses PROG_B.
func (p *Programmer) reset(ctx context.Context) error {
	if err := p.data.SetBitmode(0xFF, hal.BitModeBitbang); err != nil {
		return err
	}
	if err := p.gpio.SetHigh(ctx, 0, ProgBit); err != nil {
		return err
	}
	return p.gpio.SetHigh(ctx, ProgBit, ProgBit)
}

func (p *Programmer) write(ctx context.Context, bitstream []byte) (int, error) {
	chunk := make([]byte, min(p.cfg.chunkSize, len(bitstream)))
	written := 0
	for written < len(bitstream) {
		n := firmware.ReverseBits(chunk, bitstream[written:])
		m, err := p.data.Write(ctx, chunk[:n])
		written += m
		if err != nil {
			return written, err
		}
		if m == 0 {
			return written, io.ErrShortWrite
		}
		p.report(PhaseWrite, written, len(bitstream))
	}
	return written, nil
}

// wait polls the configuration pins until cond holds.
func (p *Programmer) wait(ctx context.Context, cond func(Status) bool) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.waitTimeout)
	defer cancel()

	tick := time.NewTicker(p.cfg.pollEvery)
	defer tick.Stop()
	for {
		s, err := p.gpio.Status(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return pkg.ErrTimeout
			}
			return err
		}
		if cond(s) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("status %s: %w", s, pkg.ErrTimeout)
		case <-tick.C:
		}
	}
}

func (p *Programmer) report(phase Phase, written, total int) {
	pkg.LogDebug(pkg.ComponentFPGA, "phase", "phase", phase, "written", written, "total", total)
	if p.cfg.progress != nil {
		p.cfg.progress(phase, written, total)
	}
}
