package fpga

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ardnew/openvizsla/ftdi"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
)

// Channel B high-byte GPIO pins wired to the FPGA configuration interface.
const (
	ProgBit uint8 = 1 << 0 // GPIOH0, PROG_B (active low)
	DoneBit uint8 = 1 << 2 // GPIOH2, DONE
	InitBit uint8 = 1 << 5 // GPIOH5, INIT_B
)

// ReadTimeout bounds a GPIO sample when the caller's context has no deadline.
const ReadTimeout = time.Second

// Status is a sample of the channel B high GPIO byte.
type Status uint8

// Init reports whether INIT_B is high.
func (s Status) Init() bool { return uint8(s)&InitBit != 0 }

// Done reports whether DONE is high.
func (s Status) Done() bool { return uint8(s)&DoneBit != 0 }

// String formats the raw value followed by the asserted pin names.
func (s Status) String() string {
	parts := []string{fmt.Sprintf("%02x", uint8(s))}
	if s.Init() {
		parts = append(parts, "init")
	}
	if s.Done() {
		parts = append(parts, "done")
	}
	return strings.Join(parts, " ")
}

// GPIO drives the MPSSE GPIO pins of channel B.
type GPIO struct {
	port hal.Port
	mu   sync.Mutex
}

// NewGPIO returns a GPIO on port, which must already be in MPSSE mode.
func NewGPIO(port hal.Port) *GPIO {
	return &GPIO{port: port}
}

// SetHigh drives the high byte: val sets pin levels, dir selects outputs.
func (g *GPIO) SetHigh(ctx context.Context, val, dir uint8) error {
	return g.set(ctx, true, val, dir)
}

// SetLow drives the low byte.
func (g *GPIO) SetLow(ctx context.Context, val, dir uint8) error {
	return g.set(ctx, false, val, dir)
}

// High samples the high byte.
func (g *GPIO) High(ctx context.Context) (uint8, error) {
	return g.get(ctx, true)
}

// Low samples the low byte.
func (g *GPIO) Low(ctx context.Context) (uint8, error) {
	return g.get(ctx, false)
}

// Status samples the configuration pins.
func (g *GPIO) Status(ctx context.Context) (Status, error) {
	v, err := g.High(ctx)
	return Status(v), err
}

func (g *GPIO) set(ctx context.Context, high bool, val, dir uint8) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.port.Write(ctx, ftdi.SetBits(high, val, dir)); err != nil {
		return fmt.Errorf("gpio set: %w", err)
	}
	pkg.LogDebug(pkg.ComponentFPGA, "gpio set", "high", high, "value", val, "dir", dir)
	return nil
}

func (g *GPIO) get(ctx context.Context, high bool) (uint8, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ReadTimeout)
		defer cancel()
	}

	if _, err := g.port.Write(ctx, ftdi.GetBits(high)); err != nil {
		return 0, fmt.Errorf("gpio get: %w", err)
	}
	var b [1]byte
	for {
		n, err := g.port.Read(ctx, b[:])
		if err != nil {
			return 0, fmt.Errorf("gpio get: %w", err)
		}
		if n == 1 {
			return b[0], nil
		}
		if ctx.Err() != nil {
			return 0, fmt.Errorf("gpio get: %w", pkg.ErrTimeout)
		}
	}
}
