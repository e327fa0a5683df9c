package sim

import (
	"context"
	"sync"

	"github.com/ardnew/openvizsla/decoder"
	"github.com/ardnew/openvizsla/ftdi"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
	"github.com/ardnew/openvizsla/regs"
)

// Configuration pins on the channel B high byte.
const (
	pinProg uint8 = 1 << 0
	pinDone uint8 = 1 << 2
	pinInit uint8 = 1 << 5
)

// ulpiFuncCtlReset is the PHY's function control value after reset: full
// speed transceiver, not suspended.
const ulpiFuncCtlReset = 0x41

type config struct {
	maxPacket  int
	regMap     regs.Map
	configured bool
	doneAfter  int
}

func defaultConfig() config {
	return config{
		maxPacket: ftdi.MaxPacketSize,
		regMap:    regs.DefaultMap(),
		doneAfter: 1,
	}
}

// Option configures a simulated Device.
type Option func(*config)

// WithMaxPacketSize sets the USB packet size of both channels.
func WithMaxPacketSize(n int) Option {
	return func(c *config) {
		if n > ftdi.StatusSize {
			c.maxPacket = n
		}
	}
}

// WithRegisterMap sets the gateware register addresses.
func WithRegisterMap(m regs.Map) Option {
	return func(c *config) {
		c.regMap = m
	}
}

// WithConfigured starts the FPGA already configured, as if firmware had
// been loaded earlier.
func WithConfigured() Option {
	return func(c *config) {
		c.configured = true
	}
}

// WithDoneAfter sets how many bitstream bytes the FPGA needs before it
// raises DONE.
func WithDoneAfter(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.doneAfter = n
		}
	}
}

// Access is one register transaction seen by the simulated gateware.
type Access struct {
	Addr  uint16
	Value byte
	Write bool
}

// Device is an in-memory OpenVizsla. It implements hal.Device.
type Device struct {
	cfg config

	mu      sync.Mutex
	changed chan struct{}
	open    bool
	gone    bool

	chA *port
	chB *port
	bus *stream

	// Channel A
	modeA   hal.BitMode
	frame   []byte // Partial transaction written by the host
	out     []byte // Payload bytes waiting to be read by the host
	purges  int
	latency uint8

	// Gateware
	registers map[uint16]byte
	ulpi      [64]byte
	log       []Access
	streaming bool
	records   []byte // Records held until host read is enabled

	// FPGA configuration
	modeB      hal.BitMode
	progDriven bool
	progLow    bool
	capturing  bool
	init       bool
	configured bool
	bitstream  []byte
	replyB     []byte
}

// New returns a simulated device.
func New(opts ...Option) *Device {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	d := &Device{
		cfg:        cfg,
		changed:    make(chan struct{}),
		registers:  make(map[uint16]byte),
		init:       true,
		configured: cfg.configured,
	}
	d.ulpi[regs.ULPIFuncCtl] = ulpiFuncCtlReset
	d.chA = &port{d: d, ch: ftdi.ChannelA}
	d.chB = &port{d: d, ch: ftdi.ChannelB}
	d.bus = &stream{d: d}
	return d
}

// Open implements hal.Device.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return pkg.ErrNoDevice
	}
	if d.open {
		return pkg.ErrBusy
	}
	d.open = true
	pkg.LogDebug(pkg.ComponentDevice, "simulated device opened")
	return nil
}

// Close implements hal.Device. Transfers still in flight complete as
// cancelled.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	d.bus.cancelAllLocked()
	d.notifyLocked()
	return nil
}

// ChannelA implements hal.Device.
func (d *Device) ChannelA() hal.Port { return d.chA }

// ChannelB implements hal.Device.
func (d *Device) ChannelB() hal.Port { return d.chB }

// Stream implements hal.Device.
func (d *Device) Stream() hal.BulkTransport { return d.bus }

// Unplug simulates a disconnect: in-flight transfers complete with
// TransferStatusNoDevice and every later call fails with pkg.ErrNoDevice.
func (d *Device) Unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gone = true
	d.bus.failAllLocked(pkg.TransferStatusNoDevice)
	d.notifyLocked()
}

// Inject queues a compact packet record. It is streamed once host read is
// enabled. Compact records carry the low byte of flags.
func (d *Device) Inject(flags uint16, delta uint64, payload []byte) {
	d.InjectRaw(decoder.AppendRecord(nil, byte(flags), delta, payload))
}

// InjectRaw queues already encoded packet records.
func (d *Device) InjectRaw(records []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, records...)
	if d.streaming {
		d.flushRecordsLocked()
	}
	d.notifyLocked()
}

// Register returns the gateware register at addr.
func (d *Device) Register(addr uint16) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registers[addr&regs.MaxAddr]
}

// ULPI returns the PHY register at addr.
func (d *Device) ULPI(addr byte) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ulpi[addr&regs.ULPIAddrMask]
}

// Log returns the register transactions seen so far.
func (d *Device) Log() []Access {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Access(nil), d.log...)
}

// Bitstream returns the bytes clocked into the FPGA since the last PROG_B
// pulse, as written on the wire.
func (d *Device) Bitstream() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.bitstream...)
}

// Configured reports whether the FPGA has raised DONE.
func (d *Device) Configured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configured
}

// Streaming reports whether host read is enabled.
func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Mode returns the bit mode of ch.
func (d *Device) Mode(ch ftdi.Channel) hal.BitMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch == ftdi.ChannelB {
		return d.modeB
	}
	return d.modeA
}

// Purges returns how many times channel A was purged.
func (d *Device) Purges() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.purges
}

// Pending returns the number of channel A bytes not yet read by the host.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.out)
}

// notifyLocked wakes every goroutine waiting for a state change.
func (d *Device) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Device) availableLocked() error {
	switch {
	case d.gone:
		return pkg.ErrNoDevice
	case !d.open:
		return pkg.ErrClosed
	}
	return nil
}

// writeALocked consumes host bytes on channel A.
func (d *Device) writeALocked(p []byte) {
	if d.modeA == hal.BitModeBitbang {
		if d.capturing {
			d.bitstream = append(d.bitstream, p...)
			if !d.configured && len(d.bitstream) >= d.cfg.doneAfter {
				d.configured = true
				pkg.LogDebug(pkg.ComponentDevice, "fpga configured", "bytes", len(d.bitstream))
			}
		}
		return
	}
	if !d.configured {
		return
	}
	for _, c := range p {
		if len(d.frame) == 0 && c != regs.FrameMagic {
			continue
		}
		d.frame = append(d.frame, c)
		if len(d.frame) == regs.FrameSize {
			d.transactLocked(d.frame)
			d.frame = d.frame[:0]
		}
	}
}

// transactLocked executes one register transaction and queues its echo.
func (d *Device) transactLocked(f []byte) {
	wire, val, err := regs.Decode(f)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "transaction dropped", "error", err)
		return
	}
	write := wire&regs.WriteFlag != 0
	addr := wire &^ regs.WriteFlag
	d.log = append(d.log, Access{Addr: addr, Value: val, Write: write})

	if !write {
		val = d.registers[addr]
		d.out = decoder.AppendRegisterFrame(d.out, wire, val)
		return
	}

	d.registers[addr] = val
	d.out = decoder.AppendRegisterFrame(d.out, wire, val)

	m := d.cfg.regMap
	switch addr {
	case m[regs.UcfgWCmd]:
		if val&regs.ULPIGo != 0 {
			d.ulpi[val&regs.ULPIAddrMask] = d.registers[m[regs.UcfgWData]]
			d.registers[addr] = val &^ regs.ULPIGo
		}
	case m[regs.UcfgRCmd]:
		if val&regs.ULPIGo != 0 {
			d.registers[m[regs.UcfgRData]] = d.ulpi[val&regs.ULPIAddrMask]
			d.registers[addr] = val &^ regs.ULPIGo
		}
	case m[regs.SDRAMHostReadGo]:
		d.streaming = val != 0
		if d.streaming {
			d.flushRecordsLocked()
		}
	}
}

func (d *Device) flushRecordsLocked() {
	if len(d.records) == 0 {
		return
	}
	d.out = decoder.AppendBulkFrames(d.out, d.records)
	d.records = d.records[:0]
}

// writeBLocked runs MPSSE commands written on channel B.
func (d *Device) writeBLocked(p []byte) {
	if d.modeB != hal.BitModeMPSSE {
		return
	}
	for len(p) > 0 {
		op := p[0]
		switch op {
		case ftdi.SetBitsHigh, ftdi.SetBitsLow:
			if len(p) < 3 {
				return
			}
			if op == ftdi.SetBitsHigh {
				d.driveHighLocked(p[1], p[2])
			}
			p = p[3:]
		case ftdi.GetBitsHigh:
			d.replyB = append(d.replyB, d.highLocked())
			p = p[1:]
		case ftdi.GetBitsLow:
			d.replyB = append(d.replyB, 0xFF)
			p = p[1:]
		case ftdi.SendImmediate:
			p = p[1:]
		default:
			d.replyB = append(d.replyB, ftdi.BadCommand, op)
			p = p[1:]
		}
	}
}

// driveHighLocked applies a SET_BITS_HIGH command to PROG_B.
func (d *Device) driveHighLocked(val, dir uint8) {
	d.progDriven = dir&pinProg != 0
	low := d.progDriven && val&pinProg == 0
	switch {
	case low && !d.progLow:
		d.init = false
		d.configured = false
		d.capturing = false
		d.streaming = false
		d.bitstream = nil
		d.registers = make(map[uint16]byte)
		pkg.LogDebug(pkg.ComponentDevice, "fpga reset")
	case !low && d.progLow:
		d.init = true
		d.capturing = true
	}
	d.progLow = low
}

func (d *Device) highLocked() uint8 {
	v := uint8(0)
	if !d.progLow {
		v |= pinProg
	}
	if d.init {
		v |= pinInit
	}
	if d.configured {
		v |= pinDone
	}
	return v
}
