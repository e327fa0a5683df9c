package ftdi

// StatusSize is the length of the modem status header that begins every IN
// packet.
const StatusSize = 2

// Modem status bits, first header byte.
const (
	StatusCTS  uint8 = 0x10
	StatusDSR  uint8 = 0x20
	StatusRI   uint8 = 0x40
	StatusRLSD uint8 = 0x80
)

// Line status bits, second header byte.
const (
	LineDR   uint8 = 0x01 // Data ready
	LineOE   uint8 = 0x02 // Overrun error
	LinePE   uint8 = 0x04 // Parity error
	LineFE   uint8 = 0x08 // Framing error
	LineBI   uint8 = 0x10 // Break interrupt
	LineTHRE uint8 = 0x20 // Transmitter holding register empty
	LineTEMT uint8 = 0x40 // Transmitter empty
	LineFIFO uint8 = 0x80 // Error in receiver FIFO
)

// IdleStatus is the header an FT2232H sends when nothing is wrong.
var IdleStatus = ModemStatus{Modem: 0x32, Line: LineTHRE | LineTEMT}

// ModemStatus is the two-byte header of an IN packet.
type ModemStatus struct {
	Modem uint8
	Line  uint8
}

// ParseModemStatus decodes the header at the start of p. It returns false if
// p is shorter than StatusSize.
func ParseModemStatus(p []byte) (ModemStatus, bool) {
	if len(p) < StatusSize {
		return ModemStatus{}, false
	}
	return ModemStatus{Modem: p[0], Line: p[1]}, true
}

// Overrun reports whether the chip dropped received data.
func (s ModemStatus) Overrun() bool { return s.Line&LineOE != 0 }

// SplitPackets walks buf in maxPacket sized chunks and calls fn with the
// payload of each chunk, the status header removed. A trailing chunk shorter
// than the header is ignored. It returns the total payload length seen.
func SplitPackets(buf []byte, maxPacket int, fn func(payload []byte)) int {
	if maxPacket <= StatusSize {
		return 0
	}
	total := 0
	for len(buf) > 0 {
		n := min(len(buf), maxPacket)
		if n > StatusSize {
			payload := buf[StatusSize:n]
			total += len(payload)
			if fn != nil {
				fn(payload)
			}
		}
		buf = buf[n:]
	}
	return total
}

// AppendPackets splits payload into maxPacket sized USB packets, each
// prefixed with status, and appends them to dst.
func AppendPackets(dst []byte, status ModemStatus, payload []byte, maxPacket int) []byte {
	room := maxPacket - StatusSize
	if room <= 0 {
		return dst
	}
	if len(payload) == 0 {
		return append(dst, status.Modem, status.Line)
	}
	for len(payload) > 0 {
		n := min(len(payload), room)
		dst = append(dst, status.Modem, status.Line)
		dst = append(dst, payload[:n]...)
		payload = payload[n:]
	}
	return dst
}
