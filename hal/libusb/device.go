package libusb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/ardnew/openvizsla/ftdi"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
)

type config struct {
	vid, pid gousb.ID
	latency  uint8
}

func defaultConfig() config {
	return config{
		vid:     gousb.ID(ftdi.VendorID),
		pid:     gousb.ID(ftdi.ProductID),
		latency: ftdi.DefaultLatency,
	}
}

// Option configures a Device.
type Option func(*config)

// WithVIDPID selects a board with non-default USB identifiers.
func WithVIDPID(vid, pid uint16) Option {
	return func(c *config) {
		c.vid, c.pid = gousb.ID(vid), gousb.ID(pid)
	}
}

// WithLatency sets the FT2232H latency timer applied to both channels on
// Open.
func WithLatency(ms uint8) Option {
	return func(c *config) {
		if ms > 0 {
			c.latency = ms
		}
	}
}

// Device is an OpenVizsla attached through libusb. It implements
// hal.Device.
type Device struct {
	cfg config

	mu     sync.Mutex
	usb    *gousb.Context
	dev    *gousb.Device
	conf   *gousb.Config
	chA    *channel
	chB    *channel
	stream *transport
}

// New returns an unopened device.
func New(opts ...Option) *Device {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Device{cfg: cfg}
}

// Open finds the board, detaches kernel drivers and claims both FT2232H
// interfaces.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		return pkg.ErrBusy
	}

	var failed = true
	defer func() {
		if failed {
			d.closeLocked()
		}
	}()

	d.usb = gousb.NewContext()
	dev, err := d.usb.OpenDeviceWithVIDPID(d.cfg.vid, d.cfg.pid)
	if err != nil {
		return fmt.Errorf("open %s:%s: %w", d.cfg.vid, d.cfg.pid, err)
	}
	if dev == nil {
		return fmt.Errorf("open %s:%s: %w", d.cfg.vid, d.cfg.pid, pkg.ErrNoDevice)
	}
	d.dev = dev
	if err := dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("auto detach: %w", err)
	}
	d.conf, err = dev.Config(ftdi.Configuration)
	if err != nil {
		return fmt.Errorf("claim config %d: %w", ftdi.Configuration, err)
	}

	for _, ch := range []ftdi.Channel{ftdi.ChannelA, ftdi.ChannelB} {
		c, err := d.claim(ch)
		if err != nil {
			return err
		}
		if err := c.SetLatencyTimer(d.cfg.latency); err != nil {
			return fmt.Errorf("channel %s latency: %w", ch, err)
		}
		if ch == ftdi.ChannelA {
			d.chA = c
		} else {
			d.chB = c
		}
	}
	d.stream = newTransport(d.chA.in, d.chA.mps)

	failed = false
	pkg.LogInfo(pkg.ComponentTransport, "device opened",
		"vid", d.cfg.vid.String(), "pid", d.cfg.pid.String(), "maxPacketSize", d.chA.mps)
	return nil
}

func (d *Device) claim(ch ftdi.Channel) (*channel, error) {
	intf, err := d.conf.Interface(ch.Interface(), 0)
	if err != nil {
		return nil, fmt.Errorf("claim interface %d: %w", ch.Interface(), err)
	}
	in, err := intf.InEndpoint(int(ch.InEndpoint() & 0x0F))
	if err != nil {
		intf.Close()
		return nil, fmt.Errorf("channel %s in endpoint: %w", ch, err)
	}
	out, err := intf.OutEndpoint(int(ch.OutEndpoint() & 0x0F))
	if err != nil {
		intf.Close()
		return nil, fmt.Errorf("channel %s out endpoint: %w", ch, err)
	}
	return &channel{
		ch:   ch,
		ctl:  d.dev,
		in:   in,
		out:  out,
		mps:  in.Desc.MaxPacketSize,
		intf: intf,
	}, nil
}

// Close releases every USB resource. It is safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *Device) closeLocked() error {
	var errs []error
	if d.stream != nil {
		d.stream.close()
		d.stream = nil
	}
	for _, c := range []*channel{d.chA, d.chB} {
		if c != nil {
			c.Close()
		}
	}
	d.chA, d.chB = nil, nil
	if d.conf != nil {
		errs = append(errs, d.conf.Close())
		d.conf = nil
	}
	if d.dev != nil {
		errs = append(errs, d.dev.Close())
		d.dev = nil
	}
	if d.usb != nil {
		errs = append(errs, d.usb.Close())
		d.usb = nil
	}
	return errors.Join(errs...)
}

// ChannelA implements hal.Device.
func (d *Device) ChannelA() hal.Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.chA == nil {
		return nil
	}
	return d.chA
}

// ChannelB implements hal.Device.
func (d *Device) ChannelB() hal.Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.chB == nil {
		return nil
	}
	return d.chB
}

// Stream implements hal.Device.
func (d *Device) Stream() hal.BulkTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	return d.stream
}
