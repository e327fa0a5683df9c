package firmware

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/openvizsla/pkg"
)

// bitHeader opens every Xilinx .bit file.
var bitHeader = []byte{0x00, 0x09, 0x0f, 0xf0, 0x0f, 0xf0, 0x0f, 0xf0, 0x0f, 0xf0, 0x00, 0x00, 0x01}

// Bitfile is a parsed Xilinx .bit file.
type Bitfile struct {
	Design string // Field a: NCD file name and user ID
	Part   string // Field b: FPGA part name
	Date   string // Field c: build date
	Time   string // Field d: build time
	Data   []byte // Field e: configuration bitstream
}

// ParseBitfile parses data as a .bit file. Data aliases data.
func ParseBitfile(data []byte) (*Bitfile, error) {
	r := bitReader{data: data}
	if len(data) < len(bitHeader) || !bytes.Equal(data[:len(bitHeader)], bitHeader) {
		return nil, &FormatError{File: BitstreamFile, Msg: "wrong bit header", Err: pkg.ErrProtocol}
	}
	r.data = data[len(bitHeader):]

	b := &Bitfile{}
	for _, f := range []struct {
		key byte
		dst *string
	}{
		{'a', &b.Design},
		{'b', &b.Part},
		{'c', &b.Date},
		{'d', &b.Time},
	} {
		s, err := r.stringField(f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = s
	}

	d, err := r.dataField('e')
	if err != nil {
		return nil, err
	}
	b.Data = d
	pkg.LogDebug(pkg.ComponentFirmware, "bitfile parsed",
		"design", b.Design, "part", b.Part, "date", b.Date, "time", b.Time, "length", len(b.Data))
	return b, nil
}

// String summarizes the file header.
func (b *Bitfile) String() string {
	return fmt.Sprintf("%s %s %s %s (%d bytes)", b.Design, b.Part, b.Date, b.Time, len(b.Data))
}

type bitReader struct {
	data []byte
}

func (r *bitReader) key(k byte, lenSize int) error {
	if len(r.data) < 1+lenSize {
		return tooFew()
	}
	if r.data[0] != k {
		return &FormatError{File: BitstreamFile, Msg: fmt.Sprintf("incorrect field key %q, want %q", r.data[0], k), Err: pkg.ErrProtocol}
	}
	r.data = r.data[1:]
	return nil
}

func (r *bitReader) take(n int) ([]byte, error) {
	if len(r.data) < n {
		return nil, tooFew()
	}
	p := r.data[:n]
	r.data = r.data[n:]
	return p, nil
}

// stringField reads a key, a 16-bit length and a NUL-terminated string.
func (r *bitReader) stringField(k byte) (string, error) {
	if err := r.key(k, 2); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(r.data))
	r.data = r.data[2:]
	p, err := r.take(n)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(p, "\x00")), nil
}

// dataField reads a key, a 32-bit length and that many bytes.
func (r *bitReader) dataField(k byte) ([]byte, error) {
	if err := r.key(k, 4); err != nil {
		return nil, err
	}
	n := int64(binary.BigEndian.Uint32(r.data))
	r.data = r.data[4:]
	if int64(len(r.data)) < n {
		return nil, tooFew()
	}
	return r.take(int(n))
}

func tooFew() error {
	return &FormatError{File: BitstreamFile, Msg: "too few bytes", Err: pkg.ErrBufferTooSmall}
}
