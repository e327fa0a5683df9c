package ftdi

// MPSSE commands used to drive GPIO pins.
const (
	SetBitsLow    uint8 = 0x80 // Followed by value and direction
	GetBitsLow    uint8 = 0x81 // Replies with one byte
	SetBitsHigh   uint8 = 0x82 // Followed by value and direction
	GetBitsHigh   uint8 = 0x83 // Replies with one byte
	SendImmediate uint8 = 0x87 // Flush the reply buffer to the host
)

// BadCommand is the byte the MPSSE engine echoes before an opcode it does
// not recognize.
const BadCommand uint8 = 0xFA

// SetBits returns the command that drives the low or high GPIO byte.
func SetBits(high bool, value, dir uint8) []byte {
	op := SetBitsLow
	if high {
		op = SetBitsHigh
	}
	return []byte{op, value, dir}
}

// GetBits returns the command that samples the low or high GPIO byte.
func GetBits(high bool) []byte {
	if high {
		return []byte{GetBitsHigh, SendImmediate}
	}
	return []byte{GetBitsLow, SendImmediate}
}
