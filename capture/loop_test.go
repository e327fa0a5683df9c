package capture

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ardnew/openvizsla/decoder"
	"github.com/ardnew/openvizsla/ftdi"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/metrics"
	"github.com/ardnew/openvizsla/pkg"
)

const (
	testMPS          = 64
	testTransferSize = 4 * testMPS
)

// mockTransport implements hal.BulkTransport for testing. Each completion
// consumes the next scripted buffer; in-flight transfers complete in
// submission order.
type mockTransport struct {
	mu        sync.Mutex
	pending   []*hal.Transfer
	cancelled map[*hal.Transfer]bool
	script    [][]byte
	statuses  []pkg.TransferStatus
	submits   int
	failAt    int
	waitErr   error
	maxActive int
}

func newMockTransport(script [][]byte) *mockTransport {
	return &mockTransport{
		cancelled: make(map[*hal.Transfer]bool),
		script:    script,
	}
}

func (m *mockTransport) Submit(t *hal.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if m.failAt > 0 && m.submits == m.failAt {
		return pkg.ErrNoDevice
	}
	m.pending = append(m.pending, t)
	m.maxActive = max(m.maxActive, len(m.pending))
	return nil
}

func (m *mockTransport) Cancel(t *hal.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		if p == t {
			m.cancelled[t] = true
		}
	}
	return nil
}

func (m *mockTransport) WaitForEvents(timeout time.Duration) (int, error) {
	m.mu.Lock()
	if m.waitErr != nil {
		err := m.waitErr
		m.mu.Unlock()
		return 0, err
	}
	var done []*hal.Transfer
	for len(m.pending) > 0 {
		t := m.pending[0]
		switch {
		case m.cancelled[t]:
			t.Actual, t.Status = 0, pkg.TransferStatusCancelled
			delete(m.cancelled, t)
		case len(m.script) > 0:
			t.Actual = copy(t.Buffer, m.script[0])
			t.Status = pkg.TransferStatusCompleted
			m.script = m.script[1:]
			if len(m.statuses) > 0 {
				t.Status = m.statuses[0]
				m.statuses = m.statuses[1:]
			}
		default:
			goto run
		}
		m.pending = m.pending[1:]
		done = append(done, t)
	}
run:
	m.mu.Unlock()

	if len(done) == 0 {
		time.Sleep(min(timeout, time.Millisecond))
		return 0, nil
	}
	for _, t := range done {
		t.Callback(t)
	}
	return len(done), nil
}

func (m *mockTransport) MaxPacketSize() int { return testMPS }

func (m *mockTransport) inFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// wire wraps a byte stream into FTDI packets and splits it into transfers.
func wire(stream []byte) [][]byte {
	raw := ftdi.AppendPackets(nil, ftdi.IdleStatus, stream, testMPS)
	var out [][]byte
	for len(raw) > 0 {
		n := min(len(raw), testTransferSize)
		out = append(out, raw[:n])
		raw = raw[n:]
	}
	return out
}

// records builds n compact records; flags returns the flags of record i.
func records(n int, flags func(i int) byte) []byte {
	var out []byte
	for i := 0; i < n; i++ {
		var f byte
		if flags != nil {
			f = flags(i)
		}
		out = decoder.AppendRecord(out, f, uint64(10+i), []byte{0x69, byte(i), 0x10})
	}
	return out
}

type delivered struct {
	mu    sync.Mutex
	marks []byte
}

func (d *delivered) onPacket(p *decoder.Packet) {
	d.mu.Lock()
	d.marks = append(d.marks, p.Data[1])
	d.mu.Unlock()
}

func (d *delivered) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.marks)
}

func newLoop(t *testing.T, tr hal.BulkTransport, fn decoder.PacketFunc, opts ...Option) *Loop {
	t.Helper()
	opts = append([]Option{
		WithTransfers(4),
		WithTransferSize(testTransferSize),
		WithPollTimeout(10 * time.Millisecond),
	}, opts...)
	l, err := New(tr, make([]byte, 1024), fn, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func assertDrained(t *testing.T, l *Loop, m *mockTransport) {
	t.Helper()
	if l.Active() != 0 {
		t.Errorf("Active() = %d, want 0", l.Active())
	}
	if n := m.inFlight(); n != 0 {
		t.Errorf("transport in flight = %d, want 0", n)
	}
}

func TestNew_InvalidParameters(t *testing.T) {
	if _, err := New(nil, make([]byte, 16), nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("New(nil transport) error = %v, want %v", err, pkg.ErrInvalidParameter)
	}
	if _, err := New(newMockTransport(nil), nil, nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("New(nil buffer) error = %v, want %v", err, pkg.ErrInvalidParameter)
	}
}

func TestLoop_TransferSizeRoundsUp(t *testing.T) {
	l, err := New(newMockTransport(nil), make([]byte, 16), nil, WithTransferSize(testMPS+1))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := len(l.slots[0].Buffer); got != 2*testMPS {
		t.Errorf("slot buffer = %d, want %d", got, 2*testMPS)
	}
	if len(l.slots) != DefaultTransfers {
		t.Errorf("slots = %d, want %d", len(l.slots), DefaultTransfers)
	}
}

func TestLoop_CountLimit(t *testing.T) {
	m := newMockTransport(wire(decoder.AppendBulkFrames(nil, records(40, nil))))
	var d delivered
	l := newLoop(t, m, d.onPacket)

	if code := l.Run(5); code != 5 {
		t.Fatalf("Run(5) = %d, want 5", code)
	}
	if d.len() != 5 {
		t.Errorf("delivered %d packets, want 5", d.len())
	}
	for i, mark := range d.marks {
		if int(mark) != i {
			t.Errorf("packet %d mark = %d, want %d", i, mark, i)
		}
	}
	if l.State() != StateCountLimit {
		t.Errorf("State() = %v, want %v", l.State(), StateCountLimit)
	}
	assertDrained(t, l, m)
	if m.maxActive != 4 {
		t.Errorf("max in flight = %d, want 4", m.maxActive)
	}
}

func TestLoop_CountLimitSpansTransfers(t *testing.T) {
	script := wire(decoder.AppendBulkFrames(nil, records(100, nil)))
	if len(script) < 3 {
		t.Fatalf("script has %d transfers, want several", len(script))
	}
	m := newMockTransport(script)
	var d delivered
	l := newLoop(t, m, d.onPacket)

	if code := l.Run(90); code != 90 {
		t.Fatalf("Run(90) = %d, want 90", code)
	}
	for i, mark := range d.marks {
		if int(mark) != i {
			t.Fatalf("packet %d mark = %d, want %d", i, mark, i)
		}
	}
	assertDrained(t, l, m)
}

func TestLoop_BreakFromCallback(t *testing.T) {
	m := newMockTransport(wire(decoder.AppendBulkFrames(nil, records(20, nil))))
	var l *Loop
	var d delivered
	l = newLoop(t, m, func(p *decoder.Packet) {
		d.onPacket(p)
		if d.len() == 2 {
			l.Break()
			l.Break()
		}
	})

	if code := l.Run(0); code != CodeBreak {
		t.Fatalf("Run(0) = %d, want %d", code, CodeBreak)
	}
	if d.len() != 2 {
		t.Errorf("delivered %d packets, want 2", d.len())
	}
	if l.Count() != 2 {
		t.Errorf("Count() = %d, want 2", l.Count())
	}
	assertDrained(t, l, m)
}

func TestLoop_BreakFromGoroutine(t *testing.T) {
	m := newMockTransport(nil)
	var d delivered
	l := newLoop(t, m, d.onPacket)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Break()
	}()

	if code := l.Run(0); code != CodeBreak {
		t.Fatalf("Run(0) = %d, want %d", code, CodeBreak)
	}
	after := d.len()
	assertDrained(t, l, m)
	if d.len() != after {
		t.Errorf("callback ran after Run returned")
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestLoop_EndOfStream(t *testing.T) {
	recs := records(10, func(i int) byte {
		if i == 3 {
			return byte(decoder.FlagLast)
		}
		return 0
	})
	m := newMockTransport(wire(decoder.AppendBulkFrames(nil, recs)))
	var d delivered
	l := newLoop(t, m, d.onPacket)

	if code := l.Run(0); code != CodeEndOfStream {
		t.Fatalf("Run(0) = %d, want %d", code, CodeEndOfStream)
	}
	if d.len() != 4 {
		t.Errorf("delivered %d packets, want 4", d.len())
	}
	assertDrained(t, l, m)
}

func TestLoop_HostReadDisabled(t *testing.T) {
	var stream []byte
	stream = decoder.AppendBulkFrames(stream, records(3, nil))
	stream = decoder.AppendRegisterFrame(stream, decoder.RegisterWriteFlag|DefaultHostReadRegister, 0)
	stream = decoder.AppendBulkFrames(stream, records(3, nil))

	var hooked []decoder.RegisterFrame
	m := newMockTransport(wire(stream))
	var d delivered
	l := newLoop(t, m, d.onPacket, WithRegisterHook(func(f decoder.RegisterFrame) {
		hooked = append(hooked, f)
	}))

	if code := l.Run(0); code != CodeHostReadDisabled {
		t.Fatalf("Run(0) = %d, want %d", code, CodeHostReadDisabled)
	}
	if d.len() != 3 {
		t.Errorf("delivered %d packets, want 3", d.len())
	}
	if len(hooked) != 1 || hooked[0].Value != 0 {
		t.Errorf("register hook saw %+v, want one zero write", hooked)
	}
	assertDrained(t, l, m)
}

func TestLoop_HostReadEnableIgnored(t *testing.T) {
	var stream []byte
	stream = decoder.AppendRegisterFrame(stream, decoder.RegisterWriteFlag|DefaultHostReadRegister, 1)
	stream = decoder.AppendRegisterFrame(stream, DefaultHostReadRegister, 0)
	stream = decoder.AppendBulkFrames(stream, records(3, nil))

	m := newMockTransport(wire(stream))
	l := newLoop(t, m, nil)

	if code := l.Run(3); code != 3 {
		t.Fatalf("Run(3) = %d, want 3", code)
	}
}

func TestLoop_FatalDecodeError(t *testing.T) {
	var stream []byte
	stream = decoder.AppendBulkFrames(stream, records(2, nil))
	stream = append(stream, 0x42, 0x42)

	m := newMockTransport(wire(stream))
	var d delivered
	l := newLoop(t, m, d.onPacket)

	if code := l.Run(0); code != CodeFatal {
		t.Fatalf("Run(0) = %d, want %d", code, CodeFatal)
	}
	if d.len() != 2 {
		t.Errorf("delivered %d packets, want 2", d.len())
	}
	if !errors.Is(l.Err(), pkg.ErrProtocol) {
		t.Errorf("Err() = %v, want %v", l.Err(), pkg.ErrProtocol)
	}
	assertDrained(t, l, m)

	// A later session starts from a clean decoder.
	m.mu.Lock()
	m.script = wire(decoder.AppendBulkFrames(nil, records(2, nil)))
	m.mu.Unlock()
	if code := l.Run(2); code != 2 {
		t.Errorf("second Run(2) = %d, want 2", code)
	}
	if l.Err() != nil {
		t.Errorf("Err() after clean session = %v, want nil", l.Err())
	}
}

func TestLoop_SubmitFailure(t *testing.T) {
	m := newMockTransport(nil)
	m.failAt = 3
	l := newLoop(t, m, nil)

	if code := l.Run(0); code != CodeFatal {
		t.Fatalf("Run(0) = %d, want %d", code, CodeFatal)
	}
	if !errors.Is(l.Err(), pkg.ErrNoDevice) {
		t.Errorf("Err() = %v, want %v", l.Err(), pkg.ErrNoDevice)
	}
	if m.submits != 3 {
		t.Errorf("submits = %d, want 3", m.submits)
	}
	assertDrained(t, l, m)
}

func TestLoop_ResubmitFailure(t *testing.T) {
	m := newMockTransport(wire(records(3, nil)))
	m.failAt = 5
	var d delivered
	l := newLoop(t, m, d.onPacket)

	if code := l.Run(0); code != CodeFatal {
		t.Fatalf("Run(0) = %d, want %d", code, CodeFatal)
	}
	if !errors.Is(l.Err(), pkg.ErrNoDevice) {
		t.Errorf("Err() = %v, want %v", l.Err(), pkg.ErrNoDevice)
	}
	if d.len() != 3 {
		t.Errorf("delivered = %d, want 3", d.len())
	}
	if m.submits != 5 {
		t.Errorf("submits = %d, want 5", m.submits)
	}
	assertDrained(t, l, m)
}

func TestLoop_TransferError(t *testing.T) {
	m := newMockTransport([][]byte{{0x32, 0x60}})
	m.statuses = []pkg.TransferStatus{pkg.TransferStatusStall}
	l := newLoop(t, m, nil)

	if code := l.Run(0); code != CodeFatal {
		t.Fatalf("Run(0) = %d, want %d", code, CodeFatal)
	}
	if !errors.Is(l.Err(), pkg.ErrStall) {
		t.Errorf("Err() = %v, want %v", l.Err(), pkg.ErrStall)
	}
	assertDrained(t, l, m)
}

func TestLoop_TimeoutIsNotTerminal(t *testing.T) {
	stream := decoder.AppendBulkFrames(nil, records(3, nil))
	script := append([][]byte{{0x32, 0x60}, {0x32, 0x60}}, wire(stream)...)
	m := newMockTransport(script)
	m.statuses = []pkg.TransferStatus{pkg.TransferStatusTimeout, pkg.TransferStatusTimeout}
	l := newLoop(t, m, nil)

	if code := l.Run(3); code != 3 {
		t.Fatalf("Run(3) = %d, want 3", code)
	}
}

func TestLoop_WaitErrorAbandons(t *testing.T) {
	m := newMockTransport(nil)
	m.waitErr = pkg.ErrClosed
	l := newLoop(t, m, nil)

	if code := l.Run(0); code != CodeFatal {
		t.Fatalf("Run(0) = %d, want %d", code, CodeFatal)
	}
	if !errors.Is(l.Err(), pkg.ErrClosed) {
		t.Errorf("Err() = %v, want %v", l.Err(), pkg.ErrClosed)
	}
	if l.Active() != 0 {
		t.Errorf("Active() = %d, want 0", l.Active())
	}
}

func TestLoop_SetCallback(t *testing.T) {
	m := newMockTransport(wire(decoder.AppendBulkFrames(nil, records(4, nil))))
	var first, second delivered
	l := newLoop(t, m, first.onPacket)

	old := l.SetCallback(second.onPacket)
	if old == nil {
		t.Fatal("SetCallback() returned nil")
	}
	if code := l.Run(4); code != 4 {
		t.Fatalf("Run(4) = %d, want 4", code)
	}
	if first.len() != 0 || second.len() != 4 {
		t.Errorf("deliveries = %d old, %d new, want 0, 4", first.len(), second.len())
	}
}

func TestLoop_Close(t *testing.T) {
	m := newMockTransport(wire(decoder.AppendBulkFrames(nil, records(1, nil))))
	l := newLoop(t, m, nil)

	if code := l.Run(1); code != 1 {
		t.Fatalf("Run(1) = %d, want 1", code)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if code := l.Run(1); code != CodeFatal {
		t.Errorf("Run() after Close = %d, want %d", code, CodeFatal)
	}
	if !errors.Is(l.Err(), pkg.ErrClosed) {
		t.Errorf("Err() = %v, want %v", l.Err(), pkg.ErrClosed)
	}
}

func TestLoop_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mc, err := metrics.NewCapture(reg)
	if err != nil {
		t.Fatalf("NewCapture() error = %v", err)
	}
	m := newMockTransport(wire(decoder.AppendBulkFrames(nil, records(10, nil))))
	l := newLoop(t, m, nil, WithMetrics(mc))

	if code := l.Run(4); code != 4 {
		t.Fatalf("Run(4) = %d, want 4", code)
	}

	expected := `
# HELP openvizsla_capture_packets_total Packets delivered to the capture callback.
# TYPE openvizsla_capture_packets_total counter
openvizsla_capture_packets_total 4
# HELP openvizsla_capture_sessions_total Capture sessions by terminal outcome.
# TYPE openvizsla_capture_sessions_total counter
openvizsla_capture_sessions_total{outcome="count_limit"} 1
# HELP openvizsla_capture_active_transfers Bulk transfers currently in flight.
# TYPE openvizsla_capture_active_transfers gauge
openvizsla_capture_active_transfers 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"openvizsla_capture_packets_total",
		"openvizsla_capture_sessions_total",
		"openvizsla_capture_active_transfers",
	); err != nil {
		t.Errorf("metrics mismatch: %v", err)
	}
}

func TestStateCode(t *testing.T) {
	tests := []struct {
		state State
		want  int
	}{
		{StateCountLimit, 7},
		{StateBreak, CodeBreak},
		{StateEndOfStream, CodeEndOfStream},
		{StateHostReadDisabled, CodeHostReadDisabled},
		{StateFatal, CodeFatal},
		{StateRunning, CodeFatal},
	}

	for _, tt := range tests {
		if got := tt.state.Code(7); got != tt.want {
			t.Errorf("%v.Code(7) = %d, want %d", tt.state, got, tt.want)
		}
	}
}
