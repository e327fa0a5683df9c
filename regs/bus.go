package regs

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
)

// ULPI register access bits in UCFG_WCMD and UCFG_RCMD.
const (
	ULPIGo       byte = 0x80
	ULPIAddrMask byte = 0x3F
)

// ULPIFuncCtl is the ULPI function control register, which selects the
// PHY speed and termination.
const ULPIFuncCtl byte = 0x04

type config struct {
	timeout   time.Duration
	ulpiPolls int
}

func defaultConfig() config {
	return config{
		timeout:   time.Second,
		ulpiPolls: 100,
	}
}

// Option configures a Bus.
type Option func(*config)

// WithTimeout bounds each transaction. Zero relies on the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithULPIPolls sets how many times ReadULPI polls for completion.
func WithULPIPolls(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.ulpiPolls = n
		}
	}
}

// Bus performs register transactions over channel A of the FT2232H.
// Transactions are serialized; a Bus is safe for concurrent use.
type Bus struct {
	port hal.Port
	regs Map
	cfg  config
	mu   sync.Mutex
}

// NewBus creates a register bus on port using the register map m.
func NewBus(port hal.Port, m Map, opts ...Option) *Bus {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus{port: port, regs: m, cfg: cfg}
}

// Map returns the register map.
func (b *Bus) Map() Map { return b.regs }

// Read returns the value of register n.
func (b *Bus) Read(ctx context.Context, n Name) (byte, error) {
	addr, err := b.regs.Addr(n)
	if err != nil {
		return 0, err
	}
	return b.ReadAddr(ctx, addr)
}

// Write sets register n to v.
func (b *Bus) Write(ctx context.Context, n Name, v byte) error {
	addr, err := b.regs.Addr(n)
	if err != nil {
		return err
	}
	return b.WriteAddr(ctx, addr, v)
}

// ReadAddr returns the value of the register at addr.
func (b *Bus) ReadAddr(ctx context.Context, addr uint16) (byte, error) {
	v, err := b.transact(ctx, addr&^WriteFlag, 0)
	if err != nil {
		return 0, &TransactionError{Op: "read", Addr: addr &^ WriteFlag, Err: err}
	}
	return v, nil
}

// WriteAddr sets the register at addr to v.
func (b *Bus) WriteAddr(ctx context.Context, addr uint16, v byte) error {
	if _, err := b.transact(ctx, addr|WriteFlag, v); err != nil {
		return &TransactionError{Op: "write", Addr: addr &^ WriteFlag, Err: err}
	}
	return nil
}

// Write32 writes v to the four byte registers starting at n, most
// significant byte first.
func (b *Bus) Write32(ctx context.Context, n Name, v uint32) error {
	addr, err := b.regs.Addr(n)
	if err != nil {
		return err
	}
	for i := uint16(0); i < 4; i++ {
		if err := b.WriteAddr(ctx, addr+i, byte(v>>(24-8*i))); err != nil {
			return err
		}
	}
	return nil
}

// Read32 reads the four byte registers starting at n, most significant byte
// first.
func (b *Bus) Read32(ctx context.Context, n Name) (uint32, error) {
	addr, err := b.regs.Addr(n)
	if err != nil {
		return 0, err
	}
	var v uint32
	for i := uint16(0); i < 4; i++ {
		x, err := b.ReadAddr(ctx, addr+i)
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint32(x)
	}
	return v, nil
}

// Post writes v to register n without waiting for the echo. The echo is
// left in the stream for the capture decoder to observe.
func (b *Bus) Post(ctx context.Context, n Name, v byte) error {
	addr, err := b.regs.Addr(n)
	if err != nil {
		return err
	}
	f := Encode(addr|WriteFlag, v)

	b.mu.Lock()
	defer b.mu.Unlock()
	pkg.LogDebug(pkg.ComponentRegister, "post", "name", n, "addr", addr, "value", v)
	if _, err := b.port.Write(ctx, f[:]); err != nil {
		return &TransactionError{Op: "write", Addr: addr, Err: err}
	}
	return nil
}

// SyncStream realigns the channel A byte stream: it purges both directions,
// sends a transaction for addr as given (including WriteFlag if set), discards
// input until the exact echo arrives and purges again.
func (b *Bus) SyncStream(ctx context.Context, addr uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	if err := b.port.Purge(); err != nil {
		return fmt.Errorf("sync stream purge: %w", err)
	}
	want := Encode(addr, 0)
	if _, err := b.port.Write(ctx, want[:]); err != nil {
		return fmt.Errorf("sync stream write: %w", err)
	}

	var window []byte
	buf := make([]byte, 64)
	for {
		n, err := b.port.Read(ctx, buf)
		if err != nil {
			return fmt.Errorf("sync stream read: %w", err)
		}
		window = append(window, buf[:n]...)
		if bytes.Contains(window, want[:]) {
			break
		}
		if len(window) > FrameSize {
			window = window[len(window)-(FrameSize-1):]
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync stream: %w", pkg.ErrTimeout)
		}
	}

	if err := b.port.Purge(); err != nil {
		return fmt.Errorf("sync stream purge: %w", err)
	}
	pkg.LogDebug(pkg.ComponentRegister, "stream synchronized", "addr", addr)
	return nil
}

// WriteULPI writes v to the PHY register addr through the ULPI bridge.
func (b *Bus) WriteULPI(ctx context.Context, addr, v byte) error {
	if err := b.Write(ctx, UcfgWData, v); err != nil {
		return err
	}
	return b.Write(ctx, UcfgWCmd, ULPIGo|addr&ULPIAddrMask)
}

// ReadULPI reads the PHY register addr through the ULPI bridge.
func (b *Bus) ReadULPI(ctx context.Context, addr byte) (byte, error) {
	if err := b.Write(ctx, UcfgRCmd, ULPIGo|addr&ULPIAddrMask); err != nil {
		return 0, err
	}
	for i := 0; i < b.cfg.ulpiPolls; i++ {
		cmd, err := b.Read(ctx, UcfgRCmd)
		if err != nil {
			return 0, err
		}
		if cmd&ULPIGo == 0 {
			return b.Read(ctx, UcfgRData)
		}
	}
	return 0, fmt.Errorf("ulpi read 0x%02x: %w", addr, pkg.ErrTimeout)
}

// transact sends one frame and waits for the five-byte reply.
func (b *Bus) transact(ctx context.Context, addr uint16, v byte) (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	f := Encode(addr, v)
	if _, err := b.port.Write(ctx, f[:]); err != nil {
		return 0, err
	}

	var reply [FrameSize]byte
	n := 0
	for n < FrameSize {
		m, err := b.port.Read(ctx, reply[n:])
		if err != nil {
			return 0, err
		}
		n += m
		if n < FrameSize && ctx.Err() != nil {
			return 0, pkg.ErrTimeout
		}
	}

	_, val, err := Decode(reply[:])
	if err != nil {
		return 0, err
	}
	pkg.LogDebug(pkg.ComponentRegister, "transaction", "addr", addr, "sent", v, "value", val)
	return val, nil
}

func (b *Bus) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.timeout > 0 {
		return context.WithTimeout(ctx, b.cfg.timeout)
	}
	return context.WithCancel(ctx)
}
