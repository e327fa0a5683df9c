package regs

import (
	"fmt"

	"github.com/ardnew/openvizsla/pkg"
)

// Register transaction framing.
const (
	FrameMagic byte   = 0x55
	FrameSize         = 5
	WriteFlag  uint16 = 0x8000
)

// Checksum returns the 8-bit sum of p.
func Checksum(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum += b
	}
	return sum
}

// Encode builds the transaction frame for addr, which carries WriteFlag for
// writes.
func Encode(addr uint16, val byte) [FrameSize]byte {
	f := [FrameSize]byte{FrameMagic, byte(addr >> 8), byte(addr), val}
	f[4] = Checksum(f[:4])
	return f
}

// Decode parses a reply frame.
func Decode(p []byte) (addr uint16, val byte, err error) {
	if len(p) < FrameSize {
		return 0, 0, fmt.Errorf("register reply of %d bytes: %w", len(p), pkg.ErrProtocol)
	}
	if p[0] != FrameMagic {
		return 0, 0, fmt.Errorf("register reply magic 0x%02x: %w", p[0], pkg.ErrProtocol)
	}
	if Checksum(p[:4]) != p[4] {
		return 0, 0, pkg.ErrChecksum
	}
	return uint16(p[1])<<8 | uint16(p[2]), p[3], nil
}

// TransactionError reports a failed register access.
type TransactionError struct {
	Op   string // "read" or "write"
	Addr uint16 // Register address without WriteFlag
	Err  error
}

// Error implements error.
func (e *TransactionError) Error() string {
	return fmt.Sprintf("register %s 0x%04x: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransactionError) Unwrap() error {
	return e.Err
}
