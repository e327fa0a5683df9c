package regs

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ardnew/openvizsla/pkg"
)

// Name is a gateware register name as it appears in map.txt.
type Name string

// Registers used by the library.
const (
	CStreamCfg    Name = "CSTREAM_CFG"
	CStreamConsLo Name = "CSTREAM_CONS_LO"
	CStreamConsHi Name = "CSTREAM_CONS_HI"

	LedsOut Name = "LEDS_OUT"

	SDRAMHostReadGo       Name = "SDRAM_HOST_READ_GO"
	SDRAMHostReadRingBase Name = "SDRAM_HOST_READ_RING_BASE"
	SDRAMHostReadRingEnd  Name = "SDRAM_HOST_READ_RING_END"

	SDRAMSinkGo       Name = "SDRAM_SINK_GO"
	SDRAMSinkRingBase Name = "SDRAM_SINK_RING_BASE"
	SDRAMSinkRingEnd  Name = "SDRAM_SINK_RING_END"
	SDRAMSinkPtrRead  Name = "SDRAM_SINK_PTR_READ"

	UcfgWData Name = "UCFG_WDATA"
	UcfgWCmd  Name = "UCFG_WCMD"
	UcfgRData Name = "UCFG_RDATA"
	UcfgRCmd  Name = "UCFG_RCMD"
)

// Required lists the registers a capture session touches.
var Required = []Name{
	CStreamCfg,
	SDRAMHostReadGo,
	SDRAMHostReadRingBase,
	SDRAMHostReadRingEnd,
	SDRAMSinkGo,
	SDRAMSinkRingBase,
	SDRAMSinkRingEnd,
	SDRAMSinkPtrRead,
	UcfgWData,
	UcfgWCmd,
	UcfgRData,
	UcfgRCmd,
}

// MaxAddr is the highest register address; bit 15 marks writes on the wire.
const MaxAddr = 0x7FFF

// Map associates register names with addresses.
type Map map[Name]uint16

// DefaultMap returns the addresses of the stock OpenVizsla gateware.
func DefaultMap() Map {
	return Map{
		CStreamCfg:            0x0800,
		CStreamConsLo:         0x0801,
		CStreamConsHi:         0x0802,
		UcfgRCmd:              0x0400,
		UcfgRData:             0x0401,
		UcfgWData:             0x0402,
		UcfgWCmd:              0x0403,
		SDRAMHostReadRingBase: 0x0c1c,
		SDRAMHostReadRingEnd:  0x0c20,
		SDRAMHostReadGo:       0x0c28,
		SDRAMSinkPtrRead:      0x0e00,
		SDRAMSinkRingBase:     0x0e09,
		SDRAMSinkRingEnd:      0x0e0d,
		SDRAMSinkGo:           0x0e11,
	}
}

// ParseMap reads a register map in the map.txt format: one "NAME = 0xHEX"
// pair per line, '#' comments and blank lines ignored. Names not known to
// this package are kept.
func ParseMap(r io.Reader) (Map, error) {
	m := make(Map)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		key, value, ok := strings.Cut(text, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, &MapError{Line: line, Msg: "expected NAME = 0xADDR"}
		}
		value = strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")
		addr, err := strconv.ParseUint(value, 16, 32)
		if err != nil {
			return nil, &MapError{Line: line, Msg: fmt.Sprintf("bad address %q", value)}
		}
		if addr == 0 || addr > MaxAddr {
			return nil, &MapError{Line: line, Msg: fmt.Sprintf("address 0x%x out of range", addr)}
		}
		m[Name(key)] = uint16(addr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read register map: %w", err)
	}
	return m, nil
}

// Addr returns the address of n.
func (m Map) Addr(n Name) (uint16, error) {
	addr, ok := m[n]
	if !ok {
		return 0, fmt.Errorf("register %s: %w", n, pkg.ErrNotSupported)
	}
	return addr, nil
}

// NameOf returns the name mapped to addr.
func (m Map) NameOf(addr uint16) (Name, bool) {
	for n, a := range m {
		if a == addr {
			return n, true
		}
	}
	return "", false
}

// Validate reports the registers from Required that m lacks.
func (m Map) Validate() error {
	var missing []string
	for _, n := range Required {
		if _, ok := m[n]; !ok {
			missing = append(missing, string(n))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("register map missing %s: %w", strings.Join(missing, ", "), pkg.ErrInvalidParameter)
	}
	return nil
}

// MapError reports a malformed map.txt line.
type MapError struct {
	Line int
	Msg  string
}

// Error implements error.
func (e *MapError) Error() string {
	return fmt.Sprintf("register map line %d: %s", e.Line, e.Msg)
}

// Unwrap returns pkg.ErrInvalidParameter.
func (e *MapError) Unwrap() error {
	return pkg.ErrInvalidParameter
}

// WriteTo writes m in the map.txt format, ordered by address.
func (m Map) WriteTo(w io.Writer) (int64, error) {
	names := make([]Name, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if m[names[i]] != m[names[j]] {
			return m[names[i]] < m[names[j]]
		}
		return names[i] < names[j]
	})

	var total int64
	for _, n := range names {
		k, err := fmt.Fprintf(w, "%s = 0x%x\n", n, m[n])
		total += int64(k)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
