package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/openvizsla/decoder"
	"github.com/ardnew/openvizsla/ftdi"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
)

// maxWaitErrors is how many consecutive event wait failures Run tolerates
// before abandoning slots that never completed.
const maxWaitErrors = 3

// Loop streams bulk transfers from a transport through a frame decoder.
//
// A Loop owns a fixed pool of transfer slots and the decoder. The packet
// buffer passed to New is referenced, not copied: it is overwritten by every
// packet and must not be read outside the packet callback while Run is
// active.
type Loop struct {
	transport hal.BulkTransport
	dec       *decoder.FrameDecoder
	cfg       config
	mps       int

	fn atomic.Pointer[decoder.PacketFunc]

	slots []*hal.Transfer

	// mu guards the slot bookkeeping and state transitions. Transport
	// Submit and Cancel are called with mu held; neither runs callbacks.
	mu       sync.Mutex
	inFlight []bool
	active   int
	err      error
	closed   bool

	state    atomic.Int32
	count    atomic.Int64
	maxCount int
	running  atomic.Bool
}

// New creates a capture loop over transport. Packets are assembled into buf
// and passed to fn.
func New(transport hal.BulkTransport, buf []byte, fn decoder.PacketFunc, opts ...Option) (*Loop, error) {
	if transport == nil {
		return nil, fmt.Errorf("capture transport: %w", pkg.ErrInvalidParameter)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	mps := transport.MaxPacketSize()
	if mps <= ftdi.StatusSize {
		return nil, fmt.Errorf("capture packet size %d: %w", mps, pkg.ErrInvalidParameter)
	}
	size := cfg.transferSize
	if size == 0 {
		size = DefaultPacketsPerSlot * mps
	}
	size = (size + mps - 1) / mps * mps

	l := &Loop{
		transport: transport,
		cfg:       cfg,
		mps:       mps,
		slots:     make([]*hal.Transfer, cfg.transfers),
		inFlight:  make([]bool, cfg.transfers),
	}
	l.fn.Store(&fn)

	dec, err := decoder.NewFrameDecoder(buf, decoder.Handlers{
		Packet:   l.onPacket,
		Register: l.onRegister,
	}, cfg.decoderOpts...)
	if err != nil {
		return nil, err
	}
	l.dec = dec

	for i := range l.slots {
		l.slots[i] = &hal.Transfer{
			Buffer:   make([]byte, size),
			Timeout:  cfg.transferTimeout,
			Callback: l.complete,
			Slot:     i,
		}
	}
	return l, nil
}

// Run submits every slot and dispatches completions until all slots have
// drained. maxCount limits the number of packets delivered; zero or less
// means no limit.
//
// Run returns the packet count when the limit was reached, or one of the
// negative Code values. No callback runs after Run returns.
func (l *Loop) Run(maxCount int) int {
	if !l.running.CompareAndSwap(false, true) {
		pkg.LogWarn(pkg.ComponentCapture, "run while already running")
		return CodeFatal
	}
	defer l.running.Store(false)

	l.mu.Lock()
	if l.closed {
		l.err = pkg.ErrClosed
		l.mu.Unlock()
		return CodeFatal
	}
	l.err = nil
	l.setState(StateRunning)
	l.mu.Unlock()

	if l.dec.Err() != nil {
		l.dec.Reset()
	}
	l.count.Store(0)
	l.maxCount = maxCount

	pkg.LogDebug(pkg.ComponentCapture, "session started",
		"slots", len(l.slots), "transferSize", len(l.slots[0].Buffer), "maxCount", maxCount)

	l.submitAll()

	waitErrors := 0
	for l.Active() > 0 {
		if _, err := l.transport.WaitForEvents(l.cfg.pollTimeout); err != nil {
			waitErrors++
			l.mu.Lock()
			l.failLocked(fmt.Errorf("wait for events: %w", err))
			if waitErrors >= maxWaitErrors || errors.Is(err, pkg.ErrClosed) || errors.Is(err, pkg.ErrNoDevice) {
				l.abandonLocked()
			}
			l.mu.Unlock()
			continue
		}
		waitErrors = 0
	}

	state := l.State()
	code := state.Code(int(l.count.Load()))
	l.cfg.metrics.Session(state.String())
	pkg.LogDebug(pkg.ComponentCapture, "session finished",
		"state", state.String(), "packets", l.count.Load(), "code", code)
	return code
}

// submitAll puts every slot in flight, stopping at the first failure.
func (l *Loop) submitAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.slots {
		if l.State() != StateRunning {
			return
		}
		if err := l.submitLocked(t); err != nil {
			return
		}
	}
}

// submitLocked submits t and accounts for it. A failure is fatal.
func (l *Loop) submitLocked(t *hal.Transfer) error {
	t.Actual, t.Status, t.Err = 0, pkg.TransferStatusCompleted, nil
	if err := l.transport.Submit(t); err != nil {
		l.failLocked(fmt.Errorf("submit slot %d: %w", t.Slot, err))
		return err
	}
	l.inFlight[t.Slot] = true
	l.active++
	l.cfg.metrics.SetActive(l.active)
	return nil
}

// complete handles a finished transfer. It runs inside WaitForEvents on the
// Run goroutine.
func (l *Loop) complete(t *hal.Transfer) {
	l.cfg.metrics.Transfer(t.Status)

	l.mu.Lock()
	if l.inFlight[t.Slot] {
		l.inFlight[t.Slot] = false
		l.active--
		l.cfg.metrics.SetActive(l.active)
	}
	if !t.Status.HasData() && t.Status != pkg.TransferStatusCancelled {
		err := t.Err
		if err == nil {
			err = t.Status.Error()
		}
		l.failLocked(fmt.Errorf("transfer slot %d %s: %w", t.Slot, t.Status, err))
		l.mu.Unlock()
		return
	}
	fatal := l.State() == StateFatal
	l.mu.Unlock()

	if t.Actual > 0 && !fatal {
		if err := l.process(t.Data()); err != nil {
			l.cfg.metrics.DecodeError()
			l.mu.Lock()
			l.failLocked(err)
			l.mu.Unlock()
			return
		}
	}

	l.mu.Lock()
	if l.State() == StateRunning {
		// A failed resubmit is latched by submitLocked and ends the session.
		l.submitLocked(t)
	}
	l.mu.Unlock()
}

// process strips the status header from each USB packet in data and feeds
// the payload to the decoder.
func (l *Loop) process(data []byte) error {
	var err error
	ftdi.SplitPackets(data, l.mps, func(payload []byte) {
		if err == nil {
			_, err = l.dec.Process(payload)
		}
	})
	return err
}

// onPacket delivers p unless the session has already stopped.
func (l *Loop) onPacket(p *decoder.Packet) {
	if l.State() != StateRunning {
		l.cfg.metrics.Dropped()
		return
	}
	n := l.count.Add(1)
	l.cfg.metrics.Packet(p.Size)
	if fn := *l.fn.Load(); fn != nil {
		fn(p)
	}

	switch {
	case l.maxCount > 0 && n >= int64(l.maxCount):
		l.stop(StateCountLimit)
	case p.Flags&decoder.FlagLast != 0:
		l.stop(StateEndOfStream)
	}
}

// onRegister watches for host reads being switched off.
func (l *Loop) onRegister(f decoder.RegisterFrame) {
	l.cfg.metrics.RegisterFrame()
	if l.cfg.onRegister != nil {
		l.cfg.onRegister(f)
	}
	if f.IsWrite() && f.Register() == l.cfg.hostReadGo && f.Value == 0 {
		pkg.LogDebug(pkg.ComponentCapture, "host read disabled", "addr", f.Addr)
		l.stop(StateHostReadDisabled)
	}
}

// Break stops the session and cancels every slot in flight. It may be
// called from any goroutine, including the packet callback, any number of
// times.
func (l *Loop) Break() {
	l.stop(StateBreak)
}

// stop moves a running session to s and cancels outstanding slots.
func (l *Loop) stop(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State() != StateRunning {
		return
	}
	l.setState(s)
	l.cancelAllLocked()
}

// failLocked latches err and stops the session. The first error wins.
func (l *Loop) failLocked(err error) {
	if l.err == nil {
		l.err = err
		pkg.LogError(pkg.ComponentCapture, "capture failed", "error", err)
	}
	if s := l.State(); s == StateRunning || s == StateIdle {
		l.setState(StateFatal)
	}
	l.cancelAllLocked()
}

func (l *Loop) cancelAllLocked() {
	for i, t := range l.slots {
		if !l.inFlight[i] {
			continue
		}
		if err := l.transport.Cancel(t); err != nil {
			pkg.LogDebug(pkg.ComponentCapture, "cancel failed", "slot", i, "error", err)
		}
	}
}

// abandonLocked forgets slots whose completions can no longer arrive.
func (l *Loop) abandonLocked() {
	for i := range l.inFlight {
		l.inFlight[i] = false
	}
	l.active = 0
	l.cfg.metrics.SetActive(0)
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// State returns the session state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Active returns the number of slots in flight.
func (l *Loop) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Count returns the number of packets delivered in the current or last
// session.
func (l *Loop) Count() int {
	return int(l.count.Load())
}

// Err returns the error that ended the last session with StateFatal.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// SetCallback replaces the packet callback and returns the previous one.
func (l *Loop) SetCallback(fn decoder.PacketFunc) decoder.PacketFunc {
	return *l.fn.Swap(&fn)
}

// Decoder returns the frame decoder owned by the loop.
func (l *Loop) Decoder() *decoder.FrameDecoder {
	return l.dec
}

// Close releases the loop. It fails with pkg.ErrBusy while a session is
// running or slots are still in flight.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running.Load() || l.active > 0 {
		return pkg.ErrBusy
	}
	l.closed = true
	return nil
}
