package ov

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/openvizsla/capture"
	"github.com/ardnew/openvizsla/decoder"
	"github.com/ardnew/openvizsla/firmware"
	"github.com/ardnew/openvizsla/fpga"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
	"github.com/ardnew/openvizsla/regs"
)

// Device is an OpenVizsla analyzer: FPGA configuration, register access and
// packet capture over a hal.Device.
//
// Capture methods follow a session lifecycle: CaptureStart programs the
// gateware and enables host reads, CaptureDispatch streams packets until a
// terminal condition, and CaptureStop shuts the stream down. CaptureBreak
// and SetCallback may be called from any goroutine.
type Device struct {
	dev hal.Device
	cfg config

	mu      sync.Mutex
	opened  bool
	fifo    bool
	regMap  regs.Map
	bus     *regs.Bus
	gpio    *fpga.GPIO
	speed   Speed
	loop    *capture.Loop
	done    chan struct{} // Closed when the running dispatch returns
	lastErr error
}

// New returns a Device on dev. Nothing is touched until Open.
func New(dev hal.Device, opts ...Option) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("ov device: %w", pkg.ErrInvalidParameter)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.speed.Valid() {
		return nil, fmt.Errorf("ov speed %s: %w", cfg.speed, pkg.ErrInvalidParameter)
	}
	return &Device{
		dev:    dev,
		cfg:    cfg,
		regMap: cfg.regMap,
		speed:  cfg.speed,
	}, nil
}

// Open claims the device, resets both channels and loads the firmware
// given with WithFirmware. Channel A is left in bitbang mode and channel B
// in MPSSE mode.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	if d.opened {
		d.mu.Unlock()
		return d.fail(fmt.Errorf("open: %w", pkg.ErrBusy))
	}
	if err := d.dev.Open(ctx); err != nil {
		d.mu.Unlock()
		return d.fail(fmt.Errorf("open device: %w", err))
	}
	a, b := d.dev.ChannelA(), d.dev.ChannelB()
	err := errors.Join(a.Reset(), b.Reset())
	if err == nil {
		err = switchMode(a, hal.BitModeBitbang)
	}
	if err == nil {
		err = errors.Join(b.SetBitmode(0, hal.BitModeReset), b.SetBitmode(0, hal.BitModeMPSSE))
	}
	if err != nil {
		d.dev.Close()
		d.mu.Unlock()
		return d.fail(fmt.Errorf("open channels: %w", err))
	}
	d.opened = true
	d.fifo = false
	d.gpio = fpga.NewGPIO(b)
	d.bus = regs.NewBus(a, d.regMap, d.cfg.busOpts...)
	d.mu.Unlock()

	pkg.LogInfo(pkg.ComponentDevice, "device opened", "mps", a.MaxPacketSize())
	if d.cfg.firmware != "" {
		return d.LoadFirmware(ctx, d.cfg.firmware)
	}
	return nil
}

// switchMode puts a channel through reset into mode and drops stale data.
func switchMode(p hal.Port, mode hal.BitMode) error {
	if err := p.SetBitmode(0, hal.BitModeReset); err != nil {
		return err
	}
	if err := p.SetBitmode(0xFF, mode); err != nil {
		return err
	}
	return p.Purge()
}

// LoadFirmware programs the FPGA from the firmware package at path and
// switches channel A to streaming mode.
func (d *Device) LoadFirmware(ctx context.Context, path string) error {
	fw, err := firmware.Open(path)
	if err != nil {
		return d.fail(err)
	}
	defer fw.Close()
	return d.LoadPackage(ctx, fw)
}

// LoadPackage is LoadFirmware for an opened package.
func (d *Device) LoadPackage(ctx context.Context, fw *firmware.Package) error {
	m, err := fw.Registers()
	if err != nil {
		return d.fail(err)
	}
	bit, err := fw.Bitfile()
	if err != nil {
		return d.fail(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return d.failLocked(fmt.Errorf("load firmware: %w", pkg.ErrClosed))
	}
	if d.loop != nil {
		return d.failLocked(fmt.Errorf("load firmware: %w", pkg.ErrAlreadyRunning))
	}

	pkg.LogInfo(pkg.ComponentDevice, "loading firmware", "bitfile", bit.String())
	a := d.dev.ChannelA()
	d.fifo = false
	if err := fpga.NewProgrammer(a, d.gpio, d.cfg.fpgaOpts...).Program(ctx, bit.Data); err != nil {
		return d.failLocked(err)
	}
	d.regMap = m
	d.bus = regs.NewBus(a, m, d.cfg.busOpts...)
	return d.failLocked(d.switchFIFOLocked(ctx))
}

// SwitchFIFOMode puts channel A in sync FIFO mode and stops any host read
// left running. Open followed by LoadFirmware does this; it is needed alone
// when the FPGA was configured before Open.
func (d *Device) SwitchFIFOMode(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return d.failLocked(fmt.Errorf("switch fifo: %w", pkg.ErrClosed))
	}
	return d.failLocked(d.switchFIFOLocked(ctx))
}

func (d *Device) switchFIFOLocked(ctx context.Context) error {
	a := d.dev.ChannelA()
	if err := switchMode(a, hal.BitModeSyncFIFO); err != nil {
		return fmt.Errorf("switch fifo: %w", err)
	}
	if _, err := a.Write(ctx, make([]byte, fifoInitCycles)); err != nil {
		return fmt.Errorf("switch fifo init cycles: %w", err)
	}
	addr, err := d.regMap.Addr(regs.SDRAMHostReadGo)
	if err != nil {
		return err
	}
	if err := d.bus.SyncStream(ctx, addr|regs.WriteFlag); err != nil {
		return err
	}
	d.fifo = true
	pkg.LogDebug(pkg.ComponentDevice, "fifo mode")
	return nil
}

// ensureFIFOLocked switches to FIFO mode unless it is already active.
func (d *Device) ensureFIFOLocked(ctx context.Context) error {
	if !d.opened {
		return pkg.ErrClosed
	}
	if d.fifo {
		return nil
	}
	return d.switchFIFOLocked(ctx)
}

// Status reads the FPGA configuration pins.
func (d *Device) Status(ctx context.Context) (fpga.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return 0, d.failLocked(fmt.Errorf("status: %w", pkg.ErrClosed))
	}
	s, err := d.gpio.Status(ctx)
	return s, d.failLocked(err)
}

// Registers returns the register bus. It is nil before Open.
func (d *Device) Registers() *regs.Bus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bus
}

// USBSpeed reads the speed the PHY is set to.
func (d *Device) USBSpeed(ctx context.Context) (Speed, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loop != nil {
		return 0, d.failLocked(fmt.Errorf("usb speed: %w", pkg.ErrBusy))
	}
	if err := d.ensureFIFOLocked(ctx); err != nil {
		return 0, d.failLocked(fmt.Errorf("usb speed: %w", err))
	}
	v, err := d.bus.ReadULPI(ctx, regs.ULPIFuncCtl)
	if err != nil {
		return 0, d.failLocked(fmt.Errorf("usb speed: %w", err))
	}
	return Speed(v), nil
}

// SetUSBSpeed selects the bus speed. The PHY is updated immediately when the
// device is in FIFO mode and idle, and in every case by the next
// CaptureStart. Register reads are not possible while a capture is started,
// so the PHY is left alone until then.
func (d *Device) SetUSBSpeed(ctx context.Context, s Speed) error {
	if !s.Valid() {
		return d.fail(fmt.Errorf("set usb speed %s: %w", s, pkg.ErrInvalidParameter))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speed = s
	if !d.opened || !d.fifo || d.loop != nil {
		return nil
	}
	if err := d.bus.WriteULPI(ctx, regs.ULPIFuncCtl, byte(s)); err != nil {
		return d.failLocked(fmt.Errorf("set usb speed: %w", err))
	}
	return nil
}

// CaptureStart configures the capture pipeline and enables host reads.
// Packets are assembled into buf, which must hold the largest packet
// expected, and passed to fn during CaptureDispatch.
func (d *Device) CaptureStart(ctx context.Context, buf []byte, fn decoder.PacketFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loop != nil {
		return d.failLocked(fmt.Errorf("capture start: %w", pkg.ErrAlreadyRunning))
	}
	if err := d.ensureFIFOLocked(ctx); err != nil {
		return d.failLocked(fmt.Errorf("capture start: %w", err))
	}
	hostRead, err := d.regMap.Addr(regs.SDRAMHostReadGo)
	if err != nil {
		return d.failLocked(err)
	}

	b := d.bus
	steps := []func() error{
		func() error { return b.Write(ctx, regs.SDRAMHostReadGo, 0) },
		func() error { return b.Write(ctx, regs.SDRAMSinkGo, 0) },
		func() error { return b.Write(ctx, regs.CStreamCfg, 0) },
		func() error { return b.Write32(ctx, regs.SDRAMSinkRingBase, d.cfg.ringBase) },
		func() error { return b.Write32(ctx, regs.SDRAMSinkRingEnd, d.cfg.ringEnd) },
		func() error { return b.Write32(ctx, regs.SDRAMHostReadRingBase, d.cfg.ringBase) },
		func() error { return b.Write32(ctx, regs.SDRAMHostReadRingEnd, d.cfg.ringEnd) },
		func() error { return b.Write(ctx, regs.SDRAMSinkGo, 1) },
		func() error { return b.WriteULPI(ctx, regs.ULPIFuncCtl, byte(d.speed)) },
		func() error { return b.Write(ctx, regs.SDRAMSinkPtrRead, 0) },
		func() error { return b.Write(ctx, regs.CStreamCfg, 1) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return d.failLocked(fmt.Errorf("capture start: %w", err))
		}
	}

	opts := append([]capture.Option{capture.WithHostReadRegister(hostRead)}, d.cfg.captureOpts...)
	loop, err := capture.New(d.dev.Stream(), buf, fn, opts...)
	if err != nil {
		return d.failLocked(fmt.Errorf("capture start: %w", err))
	}
	if err := b.Post(ctx, regs.SDRAMHostReadGo, 1); err != nil {
		return d.failLocked(fmt.Errorf("capture start: %w", err))
	}
	d.loop = loop
	pkg.LogInfo(pkg.ComponentDevice, "capture started", "speed", d.speed)
	return nil
}

// CaptureDispatch streams packets to the callback until maxCount packets
// were delivered (zero or less for no limit), a break, the end of the
// stream or an error. It returns the packet count when the limit was
// reached and otherwise one of the negative capture.Code values.
func (d *Device) CaptureDispatch(maxCount int) int {
	d.mu.Lock()
	loop := d.loop
	if loop == nil {
		d.failLocked(fmt.Errorf("capture dispatch: %w", pkg.ErrNotRunning))
		d.mu.Unlock()
		return capture.CodeFatal
	}
	if d.done != nil {
		d.failLocked(fmt.Errorf("capture dispatch: %w", pkg.ErrAlreadyRunning))
		d.mu.Unlock()
		return capture.CodeFatal
	}
	done := make(chan struct{})
	d.done = done
	d.mu.Unlock()

	code := loop.Run(maxCount)

	d.mu.Lock()
	d.done = nil
	if code == capture.CodeFatal {
		d.failLocked(loop.Err())
	}
	d.mu.Unlock()
	close(done)
	return code
}

// CaptureBreak makes the running dispatch return capture.CodeBreak. It is
// safe to call from the packet callback.
func (d *Device) CaptureBreak() {
	d.mu.Lock()
	loop := d.loop
	d.mu.Unlock()
	if loop != nil {
		loop.Break()
	}
}

// SetCallback replaces the packet callback and returns the previous one.
func (d *Device) SetCallback(fn decoder.PacketFunc) decoder.PacketFunc {
	d.mu.Lock()
	loop := d.loop
	d.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.SetCallback(fn)
}

// CaptureStop disables host reads and waits for the device to acknowledge,
// draining and discarding any packets still in flight, then stops the
// capture pipeline. If no acknowledgment arrives within the stop timeout or
// ctx ends, the session is broken off.
func (d *Device) CaptureStop(ctx context.Context) error {
	d.mu.Lock()
	loop, done, b := d.loop, d.done, d.bus
	d.mu.Unlock()
	if loop == nil {
		return d.fail(fmt.Errorf("capture stop: %w", pkg.ErrNotRunning))
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.stopTimeout)
	defer cancel()

	var errs []error
	if err := b.Post(ctx, regs.SDRAMHostReadGo, 0); err != nil {
		errs = append(errs, err)
		loop.Break()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			pkg.LogWarn(pkg.ComponentDevice, "stop not acknowledged, breaking")
			loop.Break()
			<-done
		}
	} else if len(errs) == 0 {
		prev := loop.SetCallback(nil)
		release := context.AfterFunc(ctx, loop.Break)
		code := loop.Run(0)
		release()
		loop.SetCallback(prev)
		pkg.LogDebug(pkg.ComponentDevice, "capture drained", "code", code, "dropped", loop.Count())
		if code == capture.CodeBreak {
			pkg.LogWarn(pkg.ComponentDevice, "stop not acknowledged, broke drain")
		}
	}

	// Fresh context: the stop timeout may be spent.
	tctx, tcancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.stopTimeout)
	defer tcancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr, err := d.regMap.Addr(regs.SDRAMHostReadGo); err == nil {
		errs = append(errs, b.SyncStream(tctx, addr|regs.WriteFlag))
	}
	errs = append(errs,
		b.Write(tctx, regs.SDRAMSinkGo, 0),
		b.Write(tctx, regs.CStreamCfg, 0),
		loop.Close(),
	)
	d.loop = nil
	pkg.LogInfo(pkg.ComponentDevice, "capture stopped")
	if err := errors.Join(errs...); err != nil {
		return d.failLocked(fmt.Errorf("capture stop: %w", err))
	}
	return nil
}

// ErrorString returns the text of the last error, or "" if none occurred.
func (d *Device) ErrorString() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastErr == nil {
		return ""
	}
	return d.lastErr.Error()
}

// Err returns the last error.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Close breaks any running capture and releases the device.
func (d *Device) Close() error {
	d.mu.Lock()
	loop, done := d.loop, d.done
	d.mu.Unlock()
	if loop != nil {
		loop.Break()
	}
	if done != nil {
		<-done
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loop != nil {
		d.loop.Close()
		d.loop = nil
	}
	if !d.opened {
		return nil
	}
	d.opened = false
	d.fifo = false
	if err := d.dev.Close(); err != nil {
		return d.failLocked(fmt.Errorf("close: %w", err))
	}
	return nil
}

func (d *Device) fail(err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failLocked(err)
}

// failLocked records err as the last error and returns it.
func (d *Device) failLocked(err error) error {
	if err != nil {
		d.lastErr = err
		pkg.LogDebug(pkg.ComponentDevice, "operation failed", "error", err)
	}
	return err
}
