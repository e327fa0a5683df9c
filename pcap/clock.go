package pcap

import "time"

// TimestampHz is the frequency of the analyzer's capture clock.
const TimestampHz = 60_000_000

// Clock converts cumulative capture clock ticks into wall-clock pcap
// timestamps, taking capture tick 0 as the start time.
type Clock struct {
	sec    uint32
	offset uint32 // Ticks into the current second
	last   uint64
}

// NewClock returns a Clock anchored at start.
func NewClock(start time.Time) *Clock {
	nsec := uint32(start.Nanosecond())
	return &Clock{
		sec:    uint32(start.Unix()),
		offset: nsec/17 + nsec/850,
	}
}

// Stamp advances the clock to the cumulative tick count ts and returns the
// corresponding seconds and nanoseconds. ts must not decrease.
func (c *Clock) Stamp(ts uint64) (sec, nsec uint32) {
	total := uint64(c.offset) + (ts - c.last)
	c.last = ts
	c.sec += uint32(total / TimestampHz)
	c.offset = uint32(total % TimestampHz)
	return c.sec, c.offset*17 - c.offset/3
}
