package firmware

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/ardnew/openvizsla/pkg"
	"github.com/ardnew/openvizsla/regs"
)

// Member names inside a firmware package, matched without regard to case or
// directory.
const (
	MapFile       = "map.txt"
	BitstreamFile = "ov3.bit"
)

// Package is an opened firmware package (.fwpkg), a zip archive holding the
// register map and the FPGA bitstream.
type Package struct {
	zr        *zip.Reader
	closer    io.Closer
	mapFile   *zip.File
	bitstream *zip.File
}

// Open opens the firmware package at name.
func Open(name string) (*Package, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open firmware package: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open firmware package: %w", err)
	}
	p, err := NewPackage(f, st.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	p.closer = f
	pkg.LogDebug(pkg.ComponentFirmware, "package opened", "path", name, "size", st.Size())
	return p, nil
}

// NewPackage reads a firmware package from r.
func NewPackage(r io.ReaderAt, size int64) (*Package, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, &FormatError{File: "fwpkg", Msg: "can not open fwpkg file", Err: err}
	}
	p := &Package{zr: zr}
	if p.mapFile = locate(zr, MapFile); p.mapFile == nil {
		return nil, &FormatError{File: MapFile, Msg: "can not find " + MapFile + " file", Err: pkg.ErrNotSupported}
	}
	if p.bitstream = locate(zr, BitstreamFile); p.bitstream == nil {
		return nil, &FormatError{File: BitstreamFile, Msg: "can not find " + BitstreamFile + " file", Err: pkg.ErrNotSupported}
	}
	return p, nil
}

// locate finds a member by base name, ignoring case.
func locate(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if strings.EqualFold(path.Base(f.Name), name) {
			return f
		}
	}
	return nil
}

// MapSize returns the uncompressed size of map.txt.
func (p *Package) MapSize() int64 { return int64(p.mapFile.UncompressedSize64) }

// BitstreamSize returns the uncompressed size of ov3.bit.
func (p *Package) BitstreamSize() int64 { return int64(p.bitstream.UncompressedSize64) }

// ReadMap returns the contents of map.txt.
func (p *Package) ReadMap() ([]byte, error) { return readAll(p.mapFile) }

// ReadBitstream returns the contents of ov3.bit.
func (p *Package) ReadBitstream() ([]byte, error) { return readAll(p.bitstream) }

// Registers parses and validates the package's register map.
func (p *Package) Registers() (regs.Map, error) {
	rc, err := p.mapFile.Open()
	if err != nil {
		return nil, &FormatError{File: MapFile, Msg: "can not read", Err: err}
	}
	defer rc.Close()
	m, err := regs.ParseMap(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MapFile, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", MapFile, err)
	}
	return m, nil
}

// Bitfile reads and parses the package's bitstream file.
func (p *Package) Bitfile() (*Bitfile, error) {
	data, err := p.ReadBitstream()
	if err != nil {
		return nil, err
	}
	return ParseBitfile(data)
}

// Close closes the underlying file, if Open created it.
func (p *Package) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

func readAll(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, &FormatError{File: f.Name, Msg: "can not read", Err: err}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &FormatError{File: f.Name, Msg: "can not read", Err: err}
	}
	return data, nil
}
