package firmware

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ardnew/openvizsla/regs"
)

// Bytes encodes b in the .bit file format.
func (b *Bitfile) Bytes() []byte {
	out := append([]byte(nil), bitHeader...)
	for _, f := range []struct {
		key byte
		s   string
	}{
		{'a', b.Design},
		{'b', b.Part},
		{'c', b.Date},
		{'d', b.Time},
	} {
		out = append(out, f.key)
		out = binary.BigEndian.AppendUint16(out, uint16(len(f.s)+1))
		out = append(out, f.s...)
		out = append(out, 0)
	}
	out = append(out, 'e')
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Data)))
	return append(out, b.Data...)
}

// WritePackage writes a firmware package holding m and the bitstream b to w.
func WritePackage(w io.Writer, m regs.Map, b *Bitfile) error {
	zw := zip.NewWriter(w)

	var mb bytes.Buffer
	if _, err := m.WriteTo(&mb); err != nil {
		return err
	}
	for _, member := range []struct {
		name string
		data []byte
	}{
		{MapFile, mb.Bytes()},
		{BitstreamFile, b.Bytes()},
	} {
		f, err := zw.Create(member.name)
		if err != nil {
			return fmt.Errorf("write %s: %w", member.name, err)
		}
		if _, err := f.Write(member.data); err != nil {
			return fmt.Errorf("write %s: %w", member.name, err)
		}
	}
	return zw.Close()
}
