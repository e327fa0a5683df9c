package sim

import (
	"context"

	"github.com/ardnew/openvizsla/ftdi"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
)

// port is one simulated FT2232H channel.
type port struct {
	d  *Device
	ch ftdi.Channel
}

func (p *port) Write(ctx context.Context, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.availableLocked(); err != nil {
		return 0, err
	}
	if p.ch == ftdi.ChannelB {
		d.writeBLocked(data)
	} else {
		d.writeALocked(data)
	}
	d.notifyLocked()
	return len(data), nil
}

// Read waits until payload is available or ctx is done. Like the chip, an
// empty poll is not an error.
func (p *port) Read(ctx context.Context, data []byte) (int, error) {
	d := p.d
	for {
		d.mu.Lock()
		if err := d.availableLocked(); err != nil {
			d.mu.Unlock()
			return 0, err
		}
		q := &d.out
		if p.ch == ftdi.ChannelB {
			q = &d.replyB
		}
		if len(*q) > 0 {
			n := copy(data, *q)
			*q = (*q)[n:]
			d.mu.Unlock()
			return n, nil
		}
		changed := d.changed
		d.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return 0, nil
		}
	}
}

func (p *port) SetBitmode(mask uint8, mode hal.BitMode) error {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.availableLocked(); err != nil {
		return err
	}
	if p.ch == ftdi.ChannelB {
		d.modeB = mode
	} else {
		if d.modeA == hal.BitModeBitbang && mode != hal.BitModeBitbang {
			d.capturing = false
		}
		d.modeA = mode
		d.frame = d.frame[:0]
	}
	pkg.LogDebug(pkg.ComponentDevice, "bitmode", "channel", p.ch, "mode", mode, "mask", mask)
	d.notifyLocked()
	return nil
}

func (p *port) Purge() error {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.availableLocked(); err != nil {
		return err
	}
	if p.ch == ftdi.ChannelB {
		d.replyB = d.replyB[:0]
	} else {
		d.out = d.out[:0]
		d.frame = d.frame[:0]
		d.purges++
	}
	return nil
}

func (p *port) Reset() error {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.availableLocked(); err != nil {
		return err
	}
	if p.ch == ftdi.ChannelB {
		d.replyB = d.replyB[:0]
		d.modeB = hal.BitModeReset
	} else {
		d.out = d.out[:0]
		d.frame = d.frame[:0]
		d.modeA = hal.BitModeReset
		d.capturing = false
	}
	return nil
}

func (p *port) SetLatencyTimer(ms uint8) error {
	d := p.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.availableLocked(); err != nil {
		return err
	}
	if p.ch == ftdi.ChannelA {
		d.latency = ms
	}
	return nil
}

func (p *port) MaxPacketSize() int { return p.d.cfg.maxPacket }

// Close is a no-op; the Device owns both channels.
func (p *port) Close() error { return nil }
