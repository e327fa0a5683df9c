package decoder

import (
	"fmt"

	"github.com/ardnew/openvizsla/pkg"
)

// Packet record magic bytes.
const (
	MagicPacket    byte = 0xA0 // Captured packet record
	MagicPacketAlt byte = 0xA2 // Captured packet record, alternate marker
	MagicFiller    byte = 0xA1 // Idle fill between records, discarded
)

// Packet flag bits reported by the capture core.
const (
	FlagError     uint16 = 0x01 // Receive error on the bus
	FlagOverflow  uint16 = 0x02 // Capture FIFO overflowed before this packet
	FlagClipped   uint16 = 0x04 // Packet exceeded the maximum capture length
	FlagTruncated uint16 = 0x08 // Payload was cut short by the capture core
	FlagFirst     uint16 = 0x10 // First packet after capture start
	FlagLast      uint16 = 0x20 // Last packet, the capture core stopped
)

// MaxTimestampBytes is the widest timestamp delta a compact record carries.
const MaxTimestampBytes = 8

// legacyTimestampBits is the width of the free-running counter in legacy records.
const legacyTimestampBits = 24

// Format selects the packet record layout produced by the gateware.
type Format uint8

// Record layouts.
const (
	// FormatCompact is [magic][flags][size-lo][size-hi|tsw<<5][ts 1..8][payload].
	FormatCompact Format = iota
	// FormatLegacy is [magic][flags:2][size:2][ts:3][payload], little-endian.
	FormatLegacy
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatCompact:
		return "compact"
	case FormatLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// headerSize is the number of bytes between the magic and the timestamp.
func (f Format) headerSize() int {
	if f == FormatLegacy {
		return 4
	}
	return 3
}

// Packet is one decoded record.
//
// Data aliases the decoder's buffer and is overwritten by the next record.
// Callbacks that keep the payload must copy it before returning.
type Packet struct {
	Magic     byte   // Record marker (MagicPacket or MagicPacketAlt)
	Flags     uint16 // Flag bits (see FlagError and friends)
	Size      int    // Payload length in bytes
	Timestamp uint64 // Cumulative timestamp in capture clock ticks
	Data      []byte // Payload, len(Data) == Size
}

// PacketFunc receives each completed packet. It runs on the goroutine that
// called Process and must not block.
type PacketFunc func(*Packet)

// State is the position of the packet decoder within a record.
type State uint8

// Packet decoder states.
const (
	StateMagic     State = iota // Awaiting a record magic byte
	StateHeader                 // Reading flags and size
	StateTimestamp              // Reading timestamp delta bytes
	StatePayload                // Copying payload bytes
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateMagic:
		return "magic"
	case StateHeader:
		return "header"
	case StateTimestamp:
		return "timestamp"
	case StatePayload:
		return "payload"
	default:
		return "unknown"
	}
}

// PacketDecoder recognizes packet records in a byte stream.
//
// It is a byte-at-a-time state machine that may be fed arbitrarily small
// fragments. A PacketDecoder is not safe for concurrent use. After Process
// returns an error the decoder is unusable until Reset.
type PacketDecoder struct {
	buf    []byte
	fn     PacketFunc
	format Format

	state   State
	hdr     [4]byte
	hdrN    int
	tsWidth int
	tsN     int
	delta   uint64
	copied  int

	cumulative uint64 // Running sum of timestamp deltas
	lastRaw    uint64 // Previous raw counter value (legacy format)

	pkt Packet
	err error
}

// NewPacketDecoder creates a decoder that assembles payloads into buf and
// calls fn once per record. The capacity of a packet is len(buf).
func NewPacketDecoder(buf []byte, fn PacketFunc, opts ...Option) (*PacketDecoder, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("packet buffer: %w", pkg.ErrInvalidParameter)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &PacketDecoder{
		buf:    buf,
		fn:     fn,
		format: cfg.format,
	}, nil
}

// Process consumes bytes from p and returns how many were used.
//
// Process stops right after a record completes, so the count may be less
// than len(p); the caller resumes with the remainder. On error the count is
// the number of bytes consumed before the offending byte.
func (d *PacketDecoder) Process(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}

	i := 0
	for i < len(p) {
		switch d.state {
		case StateMagic:
			b := p[i]
			switch b {
			case MagicFiller:
				i++
				continue
			case MagicPacket, MagicPacketAlt:
				d.pkt.Magic = b
				d.hdrN = 0
				d.state = StateHeader
				i++
			default:
				return i, d.fail(&ProtocolError{Layer: LayerPacket, Byte: b, Msg: "wrong packet magic"})
			}

		case StateHeader:
			n := copy(d.hdr[d.hdrN:d.format.headerSize()], p[i:])
			d.hdrN += n
			i += n
			if d.hdrN == d.format.headerSize() {
				if err := d.parseHeader(); err != nil {
					return i, d.fail(err)
				}
			}

		case StateTimestamp:
			for d.tsN < d.tsWidth && i < len(p) {
				d.delta |= uint64(p[i]) << (8 * d.tsN)
				d.tsN++
				i++
			}
			if d.tsN == d.tsWidth {
				d.accumulate()
				if d.pkt.Size == 0 {
					d.emit()
					return i, nil
				}
				d.state = StatePayload
			}

		case StatePayload:
			n := copy(d.buf[d.copied:d.pkt.Size], p[i:])
			d.copied += n
			i += n
			if d.copied == d.pkt.Size {
				d.emit()
				return i, nil
			}
		}
	}
	return i, nil
}

// parseHeader extracts flags, size and timestamp width from the header bytes.
func (d *PacketDecoder) parseHeader() error {
	switch d.format {
	case FormatLegacy:
		d.pkt.Flags = uint16(d.hdr[0]) | uint16(d.hdr[1])<<8
		d.pkt.Size = int(d.hdr[2]) | int(d.hdr[3])<<8
		d.tsWidth = legacyTimestampBits / 8
	default:
		d.pkt.Flags = uint16(d.hdr[0])
		d.pkt.Size = int(d.hdr[2]&0x1F)<<8 | int(d.hdr[1])
		d.tsWidth = int((d.hdr[2]>>5)&0x07) + 1
	}
	if d.pkt.Size > len(d.buf) {
		return &CapacityError{Size: d.pkt.Size, Capacity: len(d.buf)}
	}
	d.tsN = 0
	d.delta = 0
	d.copied = 0
	d.state = StateTimestamp
	return nil
}

// accumulate folds the assembled timestamp into the cumulative counter.
func (d *PacketDecoder) accumulate() {
	switch d.format {
	case FormatLegacy:
		const mask = 1<<legacyTimestampBits - 1
		d.cumulative += (d.delta - d.lastRaw) & mask
		d.lastRaw = d.delta
	default:
		d.cumulative += d.delta
	}
	d.pkt.Timestamp = d.cumulative
}

// emit resets the record state and hands the packet to the callback.
func (d *PacketDecoder) emit() {
	d.pkt.Data = d.buf[:d.pkt.Size]
	d.state = StateMagic
	d.hdrN = 0
	d.copied = 0
	if d.fn != nil {
		d.fn(&d.pkt)
	}
}

// fail latches err and returns it.
func (d *PacketDecoder) fail(err error) error {
	d.err = err
	d.state = StateMagic
	pkg.LogDebug(pkg.ComponentDecoder, "packet decode failed", "error", err)
	return err
}

// Reset returns the decoder to its initial state, clearing any latched error
// and the cumulative timestamp.
func (d *PacketDecoder) Reset() {
	buf, fn, format := d.buf, d.fn, d.format
	*d = PacketDecoder{buf: buf, fn: fn, format: format}
}

// State returns the current decoder state.
func (d *PacketDecoder) State() State { return d.state }

// Err returns the latched error, if any.
func (d *PacketDecoder) Err() error { return d.err }

// Capacity returns the largest payload the decoder accepts.
func (d *PacketDecoder) Capacity() int { return len(d.buf) }

// Format returns the record layout being decoded.
func (d *PacketDecoder) Format() Format { return d.format }

// Timestamp returns the cumulative timestamp of the last completed record.
func (d *PacketDecoder) Timestamp() uint64 { return d.cumulative }

// SetCallback replaces the packet callback and returns the previous one.
func (d *PacketDecoder) SetCallback(fn PacketFunc) PacketFunc {
	old := d.fn
	d.fn = fn
	return old
}
