package pcap

import (
	"time"

	"github.com/ardnew/openvizsla/decoder"
)

// Session turns decoded packets into pcap records: it stamps them with
// wall-clock time, copies every packet to an optional debug writer and
// passes the rest through a Filter to the output writer.
type Session struct {
	clock  *Clock
	out    *Writer
	debug  *Writer
	filter *Filter
}

// NewSession returns a Session writing to out, and unfiltered to debug when
// debug is not nil. Capture tick 0 is taken to be start.
func NewSession(out, debug *Writer, start time.Time, filterNaks, filterSofs bool) *Session {
	return &Session{
		clock:  NewClock(start),
		out:    out,
		debug:  debug,
		filter: NewFilter(out, filterNaks, filterSofs),
	}
}

// Packet records p. It has the signature of a decoder.PacketFunc.
func (s *Session) Packet(p *decoder.Packet) {
	sec, nsec := s.clock.Stamp(p.Timestamp)
	if p.Size == 0 {
		return
	}
	r := Record{Sec: sec, Nsec: nsec, Data: p.Data, OrigLen: p.Size}
	if s.debug != nil {
		s.debug.WriteRecord(r)
	}
	s.filter.WriteRecord(r)
}

// Broken reports whether the output writer failed.
func (s *Session) Broken() bool { return s.out.Broken() }

// Flush disposes of records held by the filter.
func (s *Session) Flush() error { return s.filter.Flush() }
