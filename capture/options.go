package capture

import (
	"time"

	"github.com/ardnew/openvizsla/decoder"
	"github.com/ardnew/openvizsla/metrics"
)

// Defaults used when no option overrides them.
const (
	DefaultTransfers       = 8
	DefaultPacketsPerSlot  = 16
	DefaultTransferTimeout = 100 * time.Millisecond
	DefaultPollTimeout     = time.Second

	// DefaultHostReadRegister is SDRAM_HOST_READ_GO in the stock register map.
	DefaultHostReadRegister uint16 = 0x0c28
)

type config struct {
	transfers       int
	transferSize    int
	transferTimeout time.Duration
	pollTimeout     time.Duration
	hostReadGo      uint16
	decoderOpts     []decoder.Option
	metrics         *metrics.Capture
	onRegister      decoder.RegisterFunc
}

func defaultConfig() config {
	return config{
		transfers:       DefaultTransfers,
		transferTimeout: DefaultTransferTimeout,
		pollTimeout:     DefaultPollTimeout,
		hostReadGo:      DefaultHostReadRegister,
	}
}

// Option configures a Loop.
type Option func(*config)

// WithTransfers sets the number of transfer slots kept in flight.
func WithTransfers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.transfers = n
		}
	}
}

// WithTransferSize sets the buffer size of each slot in bytes. It is rounded
// up to a multiple of the transport's packet size. The default is
// DefaultPacketsPerSlot packets.
func WithTransferSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.transferSize = n
		}
	}
}

// WithTransferTimeout sets the per-transfer timeout. Zero disables it.
func WithTransferTimeout(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.transferTimeout = d
		}
	}
}

// WithPollTimeout bounds each event wait inside Run.
func WithPollTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithHostReadRegister sets the address whose zero write ends the session
// with StateHostReadDisabled.
func WithHostReadRegister(addr uint16) Option {
	return func(c *config) {
		c.hostReadGo = addr
	}
}

// WithDecoderOptions passes options to the stream decoder.
func WithDecoderOptions(opts ...decoder.Option) Option {
	return func(c *config) {
		c.decoderOpts = append(c.decoderOpts, opts...)
	}
}

// WithMetrics records session activity in m.
func WithMetrics(m *metrics.Capture) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithRegisterHook calls fn for every register echo frame in the stream,
// whatever the session state.
func WithRegisterHook(fn decoder.RegisterFunc) Option {
	return func(c *config) {
		c.onRegister = fn
	}
}
