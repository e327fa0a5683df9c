// Package decoder recovers packet records and register echoes from the
// OpenVizsla analyzer byte stream.
//
// The stream is a sequence of outer frames. A bulk frame (0xD0) carries an
// even number of bytes of packet records; a register frame (0x55) echoes a
// register transaction. Records may span bulk frames, and frames may span
// transfers, so both decoders keep their position between calls and accept
// input in fragments of any size.
//
// # Packet records
//
// [PacketDecoder] understands two record layouts:
//
//	compact: A0 flags size-lo size-hi|tsw<<5 ts[tsw] payload[size]
//	legacy:  A0 flags:2 size:2 ts:3 payload[size]
//
// Compact timestamps are deltas summed into a cumulative counter. Legacy
// timestamps are samples of a 24-bit free-running counter and are unwrapped.
// Filler bytes (0xA1) between records are skipped.
//
// # Frames
//
// [FrameDecoder] owns a PacketDecoder and routes bulk payload to it:
//
//	fd, err := decoder.NewFrameDecoder(make([]byte, 1024), decoder.Handlers{
//	    Packet:   func(p *decoder.Packet) { ... },
//	    Register: func(f decoder.RegisterFrame) { ... },
//	})
//	n, err := fd.Process(chunk)
//
// Errors are latched. Once Process fails, the decoder keeps returning the same
// error until Reset.
package decoder
