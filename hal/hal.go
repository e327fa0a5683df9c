package hal

import (
	"context"
	"time"

	"github.com/ardnew/openvizsla/pkg"
)

// BitMode is an FT2232H channel operating mode.
type BitMode uint8

// FT2232H bit modes used by the OpenVizsla.
const (
	BitModeReset    BitMode = 0x00 // UART / FIFO default
	BitModeBitbang  BitMode = 0x01 // Asynchronous bitbang, used to load the bitstream
	BitModeMPSSE    BitMode = 0x02 // Multi-protocol engine, used for FPGA GPIO
	BitModeSyncFIFO BitMode = 0x40 // Synchronous 245 FIFO, used for streaming
)

// String returns a human-readable mode name.
func (m BitMode) String() string {
	switch m {
	case BitModeReset:
		return "reset"
	case BitModeBitbang:
		return "bitbang"
	case BitModeMPSSE:
		return "mpsse"
	case BitModeSyncFIFO:
		return "syncfifo"
	default:
		return "unknown"
	}
}

// Port is one FT2232H channel used as a synchronous byte pipe.
//
// Read returns payload bytes only; the modem status header of each USB
// packet is removed by the implementation. Read may return fewer bytes than
// requested, and returns (0, nil) when the chip had nothing to send.
type Port interface {
	// Write sends p on the channel's OUT endpoint.
	Write(ctx context.Context, p []byte) (int, error)

	// Read fills p with received payload bytes.
	Read(ctx context.Context, p []byte) (int, error)

	// SetBitmode switches the channel's operating mode. mask selects the
	// pins driven as outputs in bitbang mode.
	SetBitmode(mask uint8, mode BitMode) error

	// Purge discards any data buffered in the chip and the host.
	Purge() error

	// Reset resets the channel.
	Reset() error

	// SetLatencyTimer sets the chip's receive latency timer in milliseconds.
	SetLatencyTimer(ms uint8) error

	// MaxPacketSize returns the bulk IN packet size, including the status
	// header.
	MaxPacketSize() int

	// Close releases the channel.
	Close() error
}

// Transfer is one asynchronous bulk IN request owned by its submitter.
//
// The transport fills Actual, Status and Err, then calls Callback from
// within WaitForEvents. Buffer holds raw USB packets including their status
// headers.
type Transfer struct {
	Buffer   []byte             // Receive buffer, a multiple of MaxPacketSize
	Timeout  time.Duration      // Per-transfer timeout, zero for none
	Callback func(*Transfer)    // Completion handler
	Slot     int                // Submitter's slot index
	Actual   int                // Bytes received
	Status   pkg.TransferStatus // Completion status
	Err      error              // Transport error, nil unless Status is Error
}

// Data returns the received bytes.
func (t *Transfer) Data() []byte {
	return t.Buffer[:t.Actual]
}

// BulkTransport is the asynchronous streaming interface of channel A.
//
// Submit and Cancel may be called from any goroutine, including from a
// completion callback. WaitForEvents must be called from a single goroutine;
// every callback runs on that goroutine, so completions are serialized.
type BulkTransport interface {
	// Submit queues t. The transport owns t until its callback has run.
	Submit(t *Transfer) error

	// Cancel requests early completion of t with TransferStatusCancelled.
	// Cancelling a transfer that is not in flight is a no-op.
	Cancel(t *Transfer) error

	// WaitForEvents blocks up to timeout for completions and runs their
	// callbacks. It returns the number of callbacks run. A timeout with no
	// completions returns (0, nil).
	WaitForEvents(timeout time.Duration) (int, error)

	// MaxPacketSize returns the USB packet size that frames Buffer.
	MaxPacketSize() int
}

// Device is an OpenVizsla board: two FT2232H channels plus the streaming
// transport that shares channel A's IN endpoint.
type Device interface {
	// Open claims the device.
	Open(ctx context.Context) error

	// Close releases the device and both channels.
	Close() error

	// ChannelA returns the FPGA data channel.
	ChannelA() Port

	// ChannelB returns the FPGA configuration channel.
	ChannelB() Port

	// Stream returns the asynchronous transport on channel A.
	Stream() BulkTransport
}
