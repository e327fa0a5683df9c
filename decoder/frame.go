package decoder

import (
	"github.com/ardnew/openvizsla/pkg"
)

// Outer frame magic bytes.
const (
	MagicFrameBulk     byte = 0xD0 // SDRAM sink frame carrying packet records
	MagicFrameRegister byte = 0x55 // Register transaction echo
)

// RegisterFrameSize is the length of a register echo frame.
const RegisterFrameSize = 5

// RegisterWriteFlag is set in the address of a register write transaction.
const RegisterWriteFlag uint16 = 0x8000

// MaxBulkPayload is the largest payload a single bulk frame can declare.
const MaxBulkPayload = (0xFF + 1) * 2

// RegisterFrame is a register transaction echoed by the device.
type RegisterFrame struct {
	Addr     uint16 // Address as sent, including RegisterWriteFlag for writes
	Value    byte   // Register value
	Checksum byte   // Sum of the first four frame bytes, as received
}

// Register returns the register address without the write flag.
func (f RegisterFrame) Register() uint16 {
	return f.Addr &^ RegisterWriteFlag
}

// IsWrite reports whether the echoed transaction was a write.
func (f RegisterFrame) IsWrite() bool {
	return f.Addr&RegisterWriteFlag != 0
}

// Sum returns the checksum the frame should carry.
func (f RegisterFrame) Sum() byte {
	return MagicFrameRegister + byte(f.Addr>>8) + byte(f.Addr) + f.Value
}

// Valid reports whether the received checksum matches.
func (f RegisterFrame) Valid() bool {
	return f.Sum() == f.Checksum
}

// RegisterFunc receives each register echo frame.
type RegisterFunc func(RegisterFrame)

// Handlers are the callbacks of a FrameDecoder.
type Handlers struct {
	Packet   PacketFunc   // Completed packet records
	Register RegisterFunc // Register echo frames, may be nil
}

// FrameState is the position of the frame decoder within an outer frame.
type FrameState uint8

// Frame decoder states.
const (
	FrameMagic       FrameState = iota // Awaiting an outer magic byte
	FrameBulkLength                    // Reading the bulk frame length byte
	FrameBulkPayload                   // Delegating bulk payload to the packet decoder
	FrameRegAddrHi                     // Reading register address, high byte
	FrameRegAddrLo                     // Reading register address, low byte
	FrameRegValue                      // Reading register value
	FrameRegChecksum                   // Reading register checksum
)

// String returns the state name.
func (s FrameState) String() string {
	switch s {
	case FrameMagic:
		return "magic"
	case FrameBulkLength:
		return "bulk-length"
	case FrameBulkPayload:
		return "bulk-payload"
	case FrameRegAddrHi:
		return "reg-addr-hi"
	case FrameRegAddrLo:
		return "reg-addr-lo"
	case FrameRegValue:
		return "reg-value"
	case FrameRegChecksum:
		return "reg-checksum"
	default:
		return "unknown"
	}
}

// bulkFrame is the sub-state of a bulk frame in progress.
type bulkFrame struct {
	remaining int
}

// registerFrame is the sub-state of a register frame in progress.
type registerFrame struct {
	frame RegisterFrame
}

// FrameDecoder demultiplexes the analyzer byte stream into bulk frames,
// whose payload is handed to a PacketDecoder, and register echo frames.
//
// Only the sub-state matching the current outer state is meaningful; each
// variant is zeroed when it is entered and when it completes. A FrameDecoder
// is not safe for concurrent use.
type FrameDecoder struct {
	pd         *PacketDecoder
	onRegister RegisterFunc
	checksum   bool

	state FrameState
	bulk  bulkFrame
	reg   registerFrame

	err error
}

// NewFrameDecoder creates a frame decoder whose packet records are assembled
// into buf.
func NewFrameDecoder(buf []byte, h Handlers, opts ...Option) (*FrameDecoder, error) {
	pd, err := NewPacketDecoder(buf, h.Packet, opts...)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &FrameDecoder{
		pd:         pd,
		onRegister: h.Register,
		checksum:   cfg.checksum,
	}, nil
}

// Process consumes p and returns the number of bytes used, which is len(p)
// unless an error occurs. Frames may be split across any number of calls.
func (f *FrameDecoder) Process(p []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}

	i := 0
	for i < len(p) {
		switch f.state {
		case FrameMagic:
			switch b := p[i]; b {
			case MagicFrameBulk:
				f.state = FrameBulkLength
			case MagicFrameRegister:
				f.reg = registerFrame{}
				f.state = FrameRegAddrHi
			default:
				return i, f.fail(&ProtocolError{Layer: LayerFrame, Byte: b, Msg: "wrong frame magic"})
			}
			i++

		case FrameBulkLength:
			f.bulk = bulkFrame{remaining: (int(p[i]) + 1) * 2}
			f.state = FrameBulkPayload
			i++

		case FrameBulkPayload:
			n := min(f.bulk.remaining, len(p)-i)
			used, err := f.pd.Process(p[i : i+n])
			i += used
			f.bulk.remaining -= used
			if err != nil {
				return i, f.fail(err)
			}
			if f.bulk.remaining == 0 {
				f.bulk = bulkFrame{}
				f.state = FrameMagic
			}

		case FrameRegAddrHi:
			f.reg.frame.Addr = uint16(p[i]) << 8
			f.state = FrameRegAddrLo
			i++

		case FrameRegAddrLo:
			f.reg.frame.Addr |= uint16(p[i])
			f.state = FrameRegValue
			i++

		case FrameRegValue:
			f.reg.frame.Value = p[i]
			f.state = FrameRegChecksum
			i++

		case FrameRegChecksum:
			frame := f.reg.frame
			frame.Checksum = p[i]
			f.reg = registerFrame{}
			f.state = FrameMagic
			i++
			if !frame.Valid() {
				if f.checksum {
					return i, f.fail(&ProtocolError{Layer: LayerRegister, Byte: frame.Checksum, Msg: "wrong checksum"})
				}
				pkg.LogWarn(pkg.ComponentDecoder, "register frame checksum mismatch",
					"addr", frame.Addr, "value", frame.Value, "checksum", frame.Checksum, "want", frame.Sum())
			}
			if f.onRegister != nil {
				f.onRegister(frame)
			}
		}
	}
	return i, nil
}

// fail latches err and returns it.
func (f *FrameDecoder) fail(err error) error {
	f.err = err
	pkg.LogDebug(pkg.ComponentDecoder, "frame decode failed", "state", f.state.String(), "error", err)
	return err
}

// Reset returns the frame decoder and its packet decoder to their initial
// states.
func (f *FrameDecoder) Reset() {
	f.pd.Reset()
	f.state = FrameMagic
	f.bulk = bulkFrame{}
	f.reg = registerFrame{}
	f.err = nil
}

// State returns the outer frame state.
func (f *FrameDecoder) State() FrameState { return f.state }

// PacketState returns the state of the inner packet decoder.
func (f *FrameDecoder) PacketState() State { return f.pd.State() }

// Remaining returns the bulk payload bytes still expected in the current
// frame, or 0 outside a bulk frame.
func (f *FrameDecoder) Remaining() int { return f.bulk.remaining }

// Err returns the latched error, if any.
func (f *FrameDecoder) Err() error { return f.err }

// Packets returns the inner packet decoder.
func (f *FrameDecoder) Packets() *PacketDecoder { return f.pd }
