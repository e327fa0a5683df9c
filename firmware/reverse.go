package firmware

import "math/bits"

// Reverse8 returns b with its bit order reversed.
func Reverse8(b byte) byte {
	return bits.Reverse8(b)
}

// ReverseBits writes the bit-reversed bytes of src to dst and returns the
// number of bytes written, min(len(dst), len(src)). dst and src may be the
// same slice.
func ReverseBits(dst, src []byte) int {
	n := min(len(dst), len(src))
	for i := 0; i < n; i++ {
		dst[i] = bits.Reverse8(src[i])
	}
	return n
}
