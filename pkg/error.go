package pkg

import "errors"

// Analyzer and transport errors.
var (
	// ErrTimeout indicates an operation did not finish before its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrOverflow indicates the device sent more data than requested.
	ErrOverflow = errors.New("transfer overflow")

	// ErrTransfer indicates a generic bulk transfer failure.
	ErrTransfer = errors.New("transfer failed")

	// ErrProtocol indicates a malformed byte stream from the analyzer.
	ErrProtocol = errors.New("protocol error")

	// ErrChecksum indicates a register transaction with a bad checksum.
	ErrChecksum = errors.New("wrong checksum")

	// ErrNoDevice indicates the analyzer is not present or was unplugged.
	ErrNoDevice = errors.New("device not present")

	// ErrNotConfigured indicates the FPGA has no firmware loaded.
	ErrNotConfigured = errors.New("device not configured")

	// ErrBufferTooSmall indicates a declared length exceeds the provided buffer.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is still in use.
	ErrBusy = errors.New("resource busy")

	// ErrAlreadyRunning indicates a capture session is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates no capture session is running.
	ErrNotRunning = errors.New("not running")

	// ErrClosed indicates use of a closed device or transport.
	ErrClosed = errors.New("closed")
)

// TransferStatus represents the completion status of a bulk transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusCompleted TransferStatus = iota // Transfer completed
	TransferStatusError                           // Transfer failed
	TransferStatusTimeout                         // Transfer timed out, data may be partial
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusStall                           // Endpoint stalled
	TransferStatusNoDevice                        // Device was disconnected
	TransferStatusOverflow                        // Device sent more than requested
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusCompleted:
		return "completed"
	case TransferStatusError:
		return "error"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusStall:
		return "stall"
	case TransferStatusNoDevice:
		return "no_device"
	case TransferStatusOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusCompleted:
		return nil
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusStall:
		return ErrStall
	case TransferStatusNoDevice:
		return ErrNoDevice
	case TransferStatusOverflow:
		return ErrOverflow
	default:
		return ErrTransfer
	}
}

// HasData reports whether a transfer with this status may carry received bytes.
// A timed-out bulk read still returns whatever arrived before the deadline.
func (s TransferStatus) HasData() bool {
	return s == TransferStatusCompleted || s == TransferStatusTimeout
}
