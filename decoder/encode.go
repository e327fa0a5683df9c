package decoder

import (
	"math/bits"
)

// MaxPacketSize is the largest payload a compact record can declare.
const MaxPacketSize = 1<<13 - 1

// TimestampWidth returns the number of bytes a compact record needs to carry
// delta, between 1 and MaxTimestampBytes.
func TimestampWidth(delta uint64) int {
	if delta == 0 {
		return 1
	}
	return (bits.Len64(delta) + 7) / 8
}

// AppendRecord appends a compact packet record to dst. Payloads longer than
// MaxPacketSize are cut to that length.
func AppendRecord(dst []byte, flags byte, delta uint64, payload []byte) []byte {
	if len(payload) > MaxPacketSize {
		payload = payload[:MaxPacketSize]
	}
	width := TimestampWidth(delta)
	size := len(payload)
	dst = append(dst,
		MagicPacket,
		flags,
		byte(size),
		byte(size>>8)&0x1F|byte(width-1)<<5,
	)
	for i := 0; i < width; i++ {
		dst = append(dst, byte(delta>>(8*i)))
	}
	return append(dst, payload...)
}

// AppendLegacyRecord appends a legacy packet record carrying the raw 24-bit
// counter value ts.
func AppendLegacyRecord(dst []byte, flags uint16, ts uint32, payload []byte) []byte {
	size := len(payload) & 0xFFFF
	dst = append(dst,
		MagicPacket,
		byte(flags), byte(flags>>8),
		byte(size), byte(size>>8),
		byte(ts), byte(ts>>8), byte(ts>>16),
	)
	return append(dst, payload[:size]...)
}

// AppendBulkFrames wraps records into as many bulk frames as needed. Frame
// payloads have even length, so an odd tail is padded with MagicFiller.
func AppendBulkFrames(dst []byte, records []byte) []byte {
	for len(records) > 0 {
		n := min(len(records), MaxBulkPayload)
		chunk := records[:n]
		records = records[n:]
		pad := n & 1
		words := (n + pad) / 2
		dst = append(dst, MagicFrameBulk, byte(words-1))
		dst = append(dst, chunk...)
		if pad != 0 {
			dst = append(dst, MagicFiller)
		}
	}
	return dst
}

// AppendRegisterFrame appends a register echo frame with a valid checksum.
func AppendRegisterFrame(dst []byte, addr uint16, value byte) []byte {
	f := RegisterFrame{Addr: addr, Value: value}
	return append(dst, MagicFrameRegister, byte(addr>>8), byte(addr), value, f.Sum())
}
