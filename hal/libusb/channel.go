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

// controller issues control requests on the default endpoint.
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// reader is a bulk IN endpoint.
type reader interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}

// writer is a bulk OUT endpoint.
type writer interface {
	WriteContext(ctx context.Context, p []byte) (int, error)
}

// readPackets is how many USB packets one synchronous read requests.
const readPackets = 8

// channel is one FT2232H interface. It implements hal.Port.
type channel struct {
	ch   ftdi.Channel
	ctl  controller
	in   reader
	out  writer
	mps  int
	intf interface{ Close() }

	mu   sync.Mutex
	raw  []byte
	left []byte // Payload received but not yet returned by Read
}

func (c *channel) Write(ctx context.Context, p []byte) (int, error) {
	n, err := c.out.WriteContext(ctx, p)
	if err != nil {
		return n, fmt.Errorf("channel %s write: %w", c.ch, mapError(err))
	}
	return n, nil
}

// Read returns payload with the modem status headers removed. A poll that
// yields only status bytes, or that ctx ends, returns (0, nil).
func (c *channel) Read(ctx context.Context, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.left) == 0 {
		if c.raw == nil {
			c.raw = make([]byte, readPackets*c.mps)
		}
		n, err := c.in.ReadContext(ctx, c.raw)
		if err != nil {
			if errors.Is(err, gousb.TransferCancelled) || errors.Is(err, gousb.TransferTimedOut) || ctx.Err() != nil {
				return 0, nil
			}
			return 0, fmt.Errorf("channel %s read: %w", c.ch, mapError(err))
		}
		ftdi.SplitPackets(c.raw[:n], c.mps, func(payload []byte) {
			c.left = append(c.left, payload...)
		})
	}
	n := copy(p, c.left)
	c.left = c.left[n:]
	if len(c.left) == 0 {
		c.left = nil
	}
	return n, nil
}

func (c *channel) control(request uint8, val uint16) error {
	if _, err := c.ctl.Control(ftdi.RequestTypeOut, request, val, c.ch.Index(), nil); err != nil {
		return fmt.Errorf("channel %s request 0x%02x: %w", c.ch, request, mapError(err))
	}
	return nil
}

func (c *channel) SetBitmode(mask uint8, mode hal.BitMode) error {
	pkg.LogDebug(pkg.ComponentFTDI, "set bitmode", "channel", c.ch, "mode", mode, "mask", mask)
	return c.control(ftdi.SIOSetBitmode, ftdi.BitmodeValue(mask, uint8(mode)))
}

func (c *channel) Purge() error {
	c.mu.Lock()
	c.left = nil
	c.mu.Unlock()
	if err := c.control(ftdi.SIOReset, ftdi.ResetPurgeRX); err != nil {
		return err
	}
	return c.control(ftdi.SIOReset, ftdi.ResetPurgeTX)
}

func (c *channel) Reset() error {
	c.mu.Lock()
	c.left = nil
	c.mu.Unlock()
	return c.control(ftdi.SIOReset, ftdi.ResetSIO)
}

func (c *channel) SetLatencyTimer(ms uint8) error {
	return c.control(ftdi.SIOSetLatencyTimer, uint16(ms))
}

func (c *channel) MaxPacketSize() int { return c.mps }

func (c *channel) Close() error {
	if c.intf != nil {
		c.intf.Close()
		c.intf = nil
	}
	return nil
}

// mapError attaches the pkg sentinel matching a gousb failure.
func mapError(err error) error {
	switch {
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %v", pkg.ErrNoDevice, err)
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		return fmt.Errorf("%w: %v", pkg.ErrTimeout, err)
	case errors.Is(err, gousb.ErrorPipe), errors.Is(err, gousb.TransferStall):
		return fmt.Errorf("%w: %v", pkg.ErrStall, err)
	case errors.Is(err, gousb.ErrorOverflow), errors.Is(err, gousb.TransferOverflow):
		return fmt.Errorf("%w: %v", pkg.ErrOverflow, err)
	case errors.Is(err, gousb.ErrorBusy):
		return fmt.Errorf("%w: %v", pkg.ErrBusy, err)
	}
	return err
}
