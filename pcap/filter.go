package pcap

// PID is a USB packet identifier, the first byte of every packet.
type PID uint8

// USB packet identifiers.
const (
	PIDOut      PID = 0xE1
	PIDIn       PID = 0x69
	PIDSOF      PID = 0xA5
	PIDSetup    PID = 0x2D
	PIDData0    PID = 0xC3
	PIDData1    PID = 0x4B
	PIDData2    PID = 0x87
	PIDMData    PID = 0x0F
	PIDAck      PID = 0xD2
	PIDNak      PID = 0x5A
	PIDStall    PID = 0x1E
	PIDNyet     PID = 0x96
	PIDPre      PID = 0x3C
	PIDErr      PID = 0x3C
	PIDSplit    PID = 0x78
	PIDPing     PID = 0xB4
	PIDReserved PID = 0xF0
)

var pidNames = map[PID]string{
	PIDOut: "OUT", PIDIn: "IN", PIDSOF: "SOF", PIDSetup: "SETUP",
	PIDData0: "DATA0", PIDData1: "DATA1", PIDData2: "DATA2", PIDMData: "MDATA",
	PIDAck: "ACK", PIDNak: "NAK", PIDStall: "STALL", PIDNyet: "NYET",
	PIDPre: "PRE", PIDSplit: "SPLIT", PIDPing: "PING", PIDReserved: "RESERVED",
}

// String returns the PID mnemonic or "UNKNOWN".
func (p PID) String() string {
	if s, ok := pidNames[p]; ok {
		return s
	}
	return "UNKNOWN"
}

type filterState uint8

const (
	stateDefault filterState = iota
	stateSplit
	stateOut
	stateExpectNak
)

// Filter drops NAKed transactions and idle SOF packets before they reach a
// RecordWriter.
//
// A token that may start a NAKed transaction (IN, PING, or OUT followed by
// DATA0/DATA1) is held back until the next packet shows whether the
// handshake was a NAK. At most two records are held at a time. Packets
// directly following a SPLIT token are never filtered. SOF packets are only
// dropped when they do not interrupt a held transaction.
//
// When NAK filtering is off the state machine still runs but NAKed
// transactions are forwarded instead of discarded.
type Filter struct {
	w          RecordWriter
	filterNaks bool
	filterSofs bool
	state      filterState
	queue      [2]Record
	queued     int
	err        error
}

// NewFilter returns a Filter writing surviving records to w.
func NewFilter(w RecordWriter, filterNaks, filterSofs bool) *Filter {
	return &Filter{w: w, filterNaks: filterNaks, filterSofs: filterSofs}
}

// WriteRecord feeds one record through the filter. The record's Data is
// copied when it has to be held. Empty records are ignored.
func (f *Filter) WriteRecord(r Record) error {
	if len(r.Data) == 0 {
		return f.err
	}
	switch pid := PID(r.Data[0]); {
	case pid == PIDSOF:
		if f.state == stateDefault {
			if !f.filterSofs {
				f.forward(r)
			}
		} else {
			f.forwardQueue()
			f.forward(r)
			f.state = stateDefault
		}
	case pid == PIDSplit:
		f.forwardQueue()
		f.forward(r)
		f.state = stateSplit
	case f.state == stateSplit:
		f.forward(r)
		f.state = stateDefault
	case pid == PIDOut:
		f.forwardQueue()
		f.hold(r)
		f.state = stateOut
	case f.state == stateOut && (pid == PIDData0 || pid == PIDData1):
		f.hold(r)
		f.state = stateExpectNak
	case pid == PIDIn || pid == PIDPing:
		f.forwardQueue()
		f.hold(r)
		f.state = stateExpectNak
	case f.state == stateExpectNak && pid == PIDNak:
		f.discardQueue()
		f.discard(r)
		f.state = stateDefault
	default:
		f.forwardQueue()
		f.forward(r)
		f.state = stateDefault
	}
	return f.err
}

// Flush disposes of held records as if the transaction had been NAKed:
// they are dropped when NAK filtering is on and forwarded otherwise.
func (f *Filter) Flush() error {
	f.discardQueue()
	f.state = stateDefault
	return f.err
}

// Held returns the number of records awaiting a decision.
func (f *Filter) Held() int { return f.queued }

func (f *Filter) hold(r Record) {
	if f.queued == len(f.queue) {
		// Cannot happen with the transitions above; keep the stream intact.
		f.forwardQueue()
	}
	f.queue[f.queued] = r.Clone()
	f.queued++
}

func (f *Filter) forward(r Record) {
	if f.err != nil {
		return
	}
	f.err = f.w.WriteRecord(r)
}

func (f *Filter) discard(r Record) {
	if !f.filterNaks {
		f.forward(r)
	}
}

func (f *Filter) forwardQueue() {
	for i := 0; i < f.queued; i++ {
		f.forward(f.queue[i])
		f.queue[i] = Record{}
	}
	f.queued = 0
}

func (f *Filter) discardQueue() {
	for i := 0; i < f.queued; i++ {
		f.discard(f.queue[i])
		f.queue[i] = Record{}
	}
	f.queued = 0
}
