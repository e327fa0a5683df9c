package decoder

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ardnew/openvizsla/pkg"
)

// captured is a bulk frame holding six legacy records followed by the first
// three header bytes of a seventh.
var captured = []byte{
	0xd0, 0x1f, 0xa0, 0x00, 0x00, 0x03, 0x00, 0xba,
	0x6e, 0x6e, 0x69, 0xd7, 0x60, 0xa0, 0x00, 0x00,
	0x01, 0x00, 0x22, 0x75, 0x6e, 0x5a, 0xa0, 0x00,
	0x00, 0x03, 0x00, 0xe2, 0xc1, 0x75, 0x69, 0xd7,
	0x60, 0xa0, 0x00, 0x00, 0x01, 0x00, 0x4a, 0xc8,
	0x75, 0x5a, 0xa0, 0x00, 0x00, 0x03, 0x00, 0x0a,
	0x15, 0x7d, 0x69, 0xd7, 0x60, 0xa0, 0x00, 0x00,
	0x01, 0x00, 0x72, 0x1b, 0x7d, 0x5a, 0xa0, 0x00,
	0x00, 0x03,
}

// capturedTail completes the split record and opens another.
var capturedTail = []byte{0xd0, 0x03, 0x00, 0x0a, 0x15, 0x7d, 0x69, 0xd7, 0x60, 0xa0}

// hostReadStop is the echo of a write of 0 to register 0x0c28.
var hostReadStop = []byte{0x55, 0x8c, 0x28, 0x00, 0x09}

type frameRecorder struct {
	recorder
	regs []RegisterFrame
}

func (r *frameRecorder) onRegister(f RegisterFrame) {
	r.regs = append(r.regs, f)
}

func newFrameDecoder(t *testing.T, opts ...Option) (*FrameDecoder, *frameRecorder) {
	t.Helper()
	rec := &frameRecorder{}
	d, err := NewFrameDecoder(make([]byte, 1024), Handlers{
		Packet:   rec.onPacket,
		Register: rec.onRegister,
	}, opts...)
	if err != nil {
		t.Fatalf("NewFrameDecoder() error = %v", err)
	}
	return d, rec
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestFrameDecoder_Captured(t *testing.T) {
	tests := []struct {
		name        string
		input       []byte
		wantPackets int
		wantRegs    int
		wantPacket  State
	}{
		{
			name:        "bulk frame",
			input:       captured,
			wantPackets: 6,
			wantPacket:  StateHeader,
		},
		{
			name:        "record split across frames",
			input:       concat(captured, capturedTail),
			wantPackets: 7,
			wantPacket:  StateHeader,
		},
		{
			name:        "register echo first",
			input:       concat(hostReadStop, captured),
			wantPackets: 6,
			wantRegs:    1,
			wantPacket:  StateHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, rec := newFrameDecoder(t, WithFormat(FormatLegacy))
			n, err := d.Process(tt.input)
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if n != len(tt.input) {
				t.Errorf("Process() = %d, want %d", n, len(tt.input))
			}
			if d.State() != FrameMagic {
				t.Errorf("State() = %v, want %v", d.State(), FrameMagic)
			}
			if d.PacketState() != tt.wantPacket {
				t.Errorf("PacketState() = %v, want %v", d.PacketState(), tt.wantPacket)
			}
			if len(rec.packets) != tt.wantPackets {
				t.Errorf("got %d packets, want %d", len(rec.packets), tt.wantPackets)
			}
			if len(rec.regs) != tt.wantRegs {
				t.Errorf("got %d register frames, want %d", len(rec.regs), tt.wantRegs)
			}
		})
	}
}

func TestFrameDecoder_CapturedTimestamps(t *testing.T) {
	d, rec := newFrameDecoder(t, WithFormat(FormatLegacy))
	if _, err := d.Process(captured); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := []struct {
		ts   uint64
		data []byte
	}{
		{0x6e6eba, []byte{0x69, 0xd7, 0x60}},
		{0x6e7522, []byte{0x5a}},
		{0x75c1e2, []byte{0x69, 0xd7, 0x60}},
		{0x75c84a, []byte{0x5a}},
		{0x7d150a, []byte{0x69, 0xd7, 0x60}},
		{0x7d1b72, []byte{0x5a}},
	}
	if len(rec.packets) != len(want) {
		t.Fatalf("got %d packets, want %d", len(rec.packets), len(want))
	}
	for i, w := range want {
		p := rec.packets[i]
		if p.timestamp != w.ts {
			t.Errorf("packet %d Timestamp = %#x, want %#x", i, p.timestamp, w.ts)
		}
		if !bytes.Equal(p.data, w.data) {
			t.Errorf("packet %d Data = % x, want % x", i, p.data, w.data)
		}
	}
}

func TestFrameDecoder_RegisterEcho(t *testing.T) {
	d, rec := newFrameDecoder(t, WithChecksum(true))
	if _, err := d.Process(hostReadStop); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(rec.regs) != 1 {
		t.Fatalf("got %d register frames, want 1", len(rec.regs))
	}
	f := rec.regs[0]
	if f.Addr != 0x8c28 {
		t.Errorf("Addr = %#x, want %#x", f.Addr, 0x8c28)
	}
	if f.Register() != 0x0c28 || !f.IsWrite() {
		t.Errorf("Register() = %#x IsWrite() = %v, want 0xc28 true", f.Register(), f.IsWrite())
	}
	if f.Value != 0 || !f.Valid() {
		t.Errorf("Value = %#x Valid() = %v, want 0 true", f.Value, f.Valid())
	}
}

func TestFrameDecoder_Checksum(t *testing.T) {
	bad := []byte{0x55, 0x8c, 0x28, 0x00, 0x0a}

	t.Run("permissive", func(t *testing.T) {
		d, rec := newFrameDecoder(t)
		if _, err := d.Process(bad); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if len(rec.regs) != 1 || rec.regs[0].Valid() {
			t.Errorf("register frames = %+v, want one invalid frame", rec.regs)
		}
	})

	t.Run("enforced", func(t *testing.T) {
		d, rec := newFrameDecoder(t, WithChecksum(true))
		n, err := d.Process(bad)
		if !errors.Is(err, pkg.ErrChecksum) {
			t.Fatalf("Process() error = %v, want %v", err, pkg.ErrChecksum)
		}
		if n != len(bad) {
			t.Errorf("Process() = %d, want %d", n, len(bad))
		}
		if len(rec.regs) != 0 {
			t.Errorf("got %d register frames, want 0", len(rec.regs))
		}
	})
}

func TestFrameDecoder_WrongMagic(t *testing.T) {
	d, _ := newFrameDecoder(t)
	input := concat(hostReadStop, []byte{0x42, 0xd0})

	n, err := d.Process(input)
	if n != len(hostReadStop) {
		t.Errorf("Process() = %d, want %d", n, len(hostReadStop))
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Process() error = %v, want *ProtocolError", err)
	}
	if perr.Layer != LayerFrame || perr.Byte != 0x42 {
		t.Errorf("ProtocolError = %+v, want frame layer byte 0x42", perr)
	}
	if !errors.Is(d.Err(), pkg.ErrProtocol) {
		t.Errorf("Err() = %v, want latched protocol error", d.Err())
	}

	d.Reset()
	if _, err := d.Process(hostReadStop); err != nil {
		t.Errorf("Process() after Reset error = %v", err)
	}
}

func TestFrameDecoder_InnerError(t *testing.T) {
	d, rec := newFrameDecoder(t)
	// A bulk frame whose payload starts with a byte that is not a record magic.
	input := []byte{0xd0, 0x00, 0x42, 0x00}

	n, err := d.Process(input)
	if n != 2 {
		t.Errorf("Process() = %d, want 2", n)
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Layer != LayerPacket {
		t.Fatalf("Process() error = %v, want packet layer *ProtocolError", err)
	}
	if len(rec.packets) != 0 {
		t.Errorf("got %d packets, want 0", len(rec.packets))
	}
}

func TestFrameDecoder_ChunkingInvariant(t *testing.T) {
	var records []byte
	for i := 0; i < 40; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, i%17)
		records = AppendRecord(records, byte(i&1), uint64(i*300), payload)
	}
	stream := AppendRegisterFrame(nil, 0x0e11, 1)
	stream = AppendBulkFrames(stream, records)
	stream = AppendRegisterFrame(stream, 0x8c28, 0)

	whole, wholeRec := newFrameDecoder(t, WithChecksum(true))
	if n, err := whole.Process(stream); err != nil || n != len(stream) {
		t.Fatalf("Process() = %d, %v, want %d, nil", n, err, len(stream))
	}
	if len(wholeRec.packets) != 40 || len(wholeRec.regs) != 2 {
		t.Fatalf("got %d packets %d registers, want 40 and 2", len(wholeRec.packets), len(wholeRec.regs))
	}

	for _, chunk := range []int{1, 5, 62, 510} {
		d, rec := newFrameDecoder(t, WithChecksum(true))
		for i := 0; i < len(stream); i += chunk {
			part := stream[i:min(i+chunk, len(stream))]
			if n, err := d.Process(part); err != nil || n != len(part) {
				t.Fatalf("chunk %d: Process() = %d, %v", chunk, n, err)
			}
		}
		if len(rec.packets) != len(wholeRec.packets) || len(rec.regs) != len(wholeRec.regs) {
			t.Fatalf("chunk %d: got %d packets %d registers", chunk, len(rec.packets), len(rec.regs))
		}
		for i := range rec.packets {
			got, want := rec.packets[i], wholeRec.packets[i]
			if got.timestamp != want.timestamp || !bytes.Equal(got.data, want.data) {
				t.Errorf("chunk %d packet %d = %+v, want %+v", chunk, i, got, want)
			}
		}
		if d.State() != FrameMagic || d.PacketState() != StateMagic {
			t.Errorf("chunk %d: final states %v/%v, want magic/magic", chunk, d.State(), d.PacketState())
		}
	}
}

func TestFrameDecoder_Remaining(t *testing.T) {
	d, _ := newFrameDecoder(t)
	if _, err := d.Process([]byte{0xd0, 0x01, MagicFiller}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if d.State() != FrameBulkPayload {
		t.Errorf("State() = %v, want %v", d.State(), FrameBulkPayload)
	}
	if d.Remaining() != 3 {
		t.Errorf("Remaining() = %d, want 3", d.Remaining())
	}
}

func TestAppendBulkFrames_Padding(t *testing.T) {
	frames := AppendBulkFrames(nil, []byte{MagicPacket, 0, 0, 0, 0})
	want := []byte{0xd0, 0x02, MagicPacket, 0, 0, 0, 0, MagicFiller}
	if !bytes.Equal(frames, want) {
		t.Errorf("AppendBulkFrames() = % x, want % x", frames, want)
	}

	long := AppendBulkFrames(nil, make([]byte, MaxBulkPayload+2))
	if got, want := len(long), 2+MaxBulkPayload+2+2; got != want {
		t.Errorf("len(AppendBulkFrames(%d bytes)) = %d, want %d", MaxBulkPayload+2, got, want)
	}
	if long[1] != 0xFF || long[2+MaxBulkPayload+1] != 0x00 {
		t.Errorf("frame lengths = %#x, %#x, want 0xff, 0x00", long[1], long[2+MaxBulkPayload+1])
	}
}
