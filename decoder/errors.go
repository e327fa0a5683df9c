package decoder

import (
	"fmt"

	"github.com/ardnew/openvizsla/pkg"
)

// Layer names the framing level at which a protocol error was detected.
type Layer string

// Framing layers.
const (
	LayerPacket   Layer = "packet"
	LayerFrame    Layer = "frame"
	LayerRegister Layer = "register"
)

// ProtocolError reports an unexpected byte in the analyzer stream.
// The decoder that returned it must be discarded or Reset.
type ProtocolError struct {
	Layer Layer  // Framing level
	Byte  byte   // Offending byte
	Msg   string // Human-readable reason
}

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (0x%02x)", e.Layer, e.Msg, e.Byte)
}

// Unwrap matches pkg.ErrProtocol, and pkg.ErrChecksum for register frames.
func (e *ProtocolError) Unwrap() []error {
	if e.Layer == LayerRegister {
		return []error{pkg.ErrProtocol, pkg.ErrChecksum}
	}
	return []error{pkg.ErrProtocol}
}

// CapacityError reports a record whose declared payload does not fit the
// packet buffer.
type CapacityError struct {
	Size     int // Declared payload length
	Capacity int // Buffer capacity
}

// Error implements error.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("packet size %d exceeds buffer capacity %d", e.Size, e.Capacity)
}

// Unwrap returns pkg.ErrBufferTooSmall.
func (e *CapacityError) Unwrap() error {
	return pkg.ErrBufferTooSmall
}
