package pcap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ardnew/openvizsla/pkg"
)

// File header constants of the nanosecond-resolution pcap format.
const (
	MagicNanoseconds uint32 = 0xa1b23c4d
	VersionMajor     uint16 = 2
	VersionMinor     uint16 = 4
	SnapLen          uint32 = 65535
)

// Header sizes in bytes.
const (
	FileHeaderSize   = 24
	RecordHeaderSize = 16
)

// LinkType is a pcap LINKTYPE_ value.
type LinkType uint32

// USB link-layer types.
const (
	LinkTypeUSBLL          LinkType = 288
	LinkTypeUSBLLLowSpeed  LinkType = 293
	LinkTypeUSBLLFullSpeed LinkType = 294
	LinkTypeUSBLLHighSpeed LinkType = 295
)

// String returns the Wireshark DLT name.
func (l LinkType) String() string {
	switch l {
	case LinkTypeUSBLL:
		return "USB_2_0"
	case LinkTypeUSBLLLowSpeed:
		return "USB_2_0_LOW_SPEED"
	case LinkTypeUSBLLFullSpeed:
		return "USB_2_0_FULL_SPEED"
	case LinkTypeUSBLLHighSpeed:
		return "USB_2_0_HIGH_SPEED"
	default:
		return fmt.Sprintf("LINKTYPE_%d", uint32(l))
	}
}

// Record is one captured packet.
type Record struct {
	Sec     uint32
	Nsec    uint32
	Data    []byte
	OrigLen int // Length on the wire; len(Data) when zero
}

// Clone returns r with its own copy of Data.
func (r Record) Clone() Record {
	r.Data = append([]byte(nil), r.Data...)
	return r
}

// AppendTo appends the record header and data to dst.
func (r Record) AppendTo(dst []byte) []byte {
	orig := r.OrigLen
	if orig == 0 {
		orig = len(r.Data)
	}
	dst = binary.LittleEndian.AppendUint32(dst, r.Sec)
	dst = binary.LittleEndian.AppendUint32(dst, r.Nsec)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Data)))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(orig))
	return append(dst, r.Data...)
}

// RecordWriter consumes records.
type RecordWriter interface {
	WriteRecord(r Record) error
}

// flusher is implemented by buffered sinks such as *bufio.Writer.
type flusher interface {
	Flush() error
}

// Writer writes a pcap stream. The first write error is latched and every
// later write is skipped, so a reader that went away (a closed FIFO) is
// detected with Broken.
type Writer struct {
	w        io.Writer
	linkType LinkType
	scratch  []byte
	err      error
	records  int
}

// NewWriter returns a Writer for w. Call WriteHeader before any record.
func NewWriter(w io.Writer, lt LinkType) *Writer {
	return &Writer{w: w, linkType: lt}
}

// WriteHeader writes the file header.
func (w *Writer) WriteHeader() error {
	h := make([]byte, 0, FileHeaderSize)
	h = binary.LittleEndian.AppendUint32(h, MagicNanoseconds)
	h = binary.LittleEndian.AppendUint16(h, VersionMajor)
	h = binary.LittleEndian.AppendUint16(h, VersionMinor)
	h = binary.LittleEndian.AppendUint32(h, 0) // thiszone
	h = binary.LittleEndian.AppendUint32(h, 0) // sigfigs
	h = binary.LittleEndian.AppendUint32(h, SnapLen)
	h = binary.LittleEndian.AppendUint32(h, uint32(w.linkType))
	return w.write(h)
}

// WriteRecord writes and flushes one record.
func (w *Writer) WriteRecord(r Record) error {
	w.scratch = r.AppendTo(w.scratch[:0])
	if err := w.write(w.scratch); err != nil {
		return err
	}
	w.records++
	return nil
}

func (w *Writer) write(p []byte) error {
	if w.err != nil {
		return w.err
	}
	if _, err := w.w.Write(p); err != nil {
		return w.fail(err)
	}
	if f, ok := w.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return w.fail(err)
		}
	}
	return nil
}

func (w *Writer) fail(err error) error {
	w.err = fmt.Errorf("pcap write: %w", err)
	pkg.LogWarn(pkg.ComponentPcap, "output broken", "error", err, "records", w.records)
	return w.err
}

// Broken reports whether a write has failed.
func (w *Writer) Broken() bool { return w.err != nil }

// Err returns the latched write error.
func (w *Writer) Err() error { return w.err }

// Records returns the number of records written.
func (w *Writer) Records() int { return w.records }

// LinkType returns the link type in the file header.
func (w *Writer) LinkType() LinkType { return w.linkType }
