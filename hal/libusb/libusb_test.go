package libusb

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/gousb"

	"github.com/ardnew/openvizsla/ftdi"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
)

type controlCall struct {
	rType, request uint8
	val, idx       uint16
}

type mockControl struct {
	mu    sync.Mutex
	calls []controlCall
	err   error
}

func (m *mockControl) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, controlCall{rType, request, val, idx})
	return 0, m.err
}

// mockEndpoint returns one scripted read per call. A nil entry blocks until
// the context ends.
type mockEndpoint struct {
	mu      sync.Mutex
	reads   [][]byte
	errs    []error
	written []byte
}

func (m *mockEndpoint) ReadContext(ctx context.Context, p []byte) (int, error) {
	m.mu.Lock()
	if len(m.reads) == 0 {
		m.mu.Unlock()
		<-ctx.Done()
		return 0, gousb.TransferCancelled
	}
	data, err := m.reads[0], error(nil)
	m.reads = m.reads[1:]
	if len(m.errs) > 0 {
		err = m.errs[0]
		m.errs = m.errs[1:]
	}
	m.mu.Unlock()

	if data == nil && err == nil {
		<-ctx.Done()
		return 0, gousb.TransferCancelled
	}
	return copy(p, data), err
}

func (m *mockEndpoint) WriteContext(_ context.Context, p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, p...)
	return len(p), nil
}

func newChannel(ch ftdi.Channel, ep *mockEndpoint, ctl *mockControl) *channel {
	return &channel{ch: ch, ctl: ctl, in: ep, out: ep, mps: 16}
}

func TestChannel_Read(t *testing.T) {
	wire := ftdi.AppendPackets(nil, ftdi.IdleStatus, []byte("0123456789abcdefghijklmnop"), 16)
	ep := &mockEndpoint{reads: [][]byte{wire, {0x32, 0x60}}}
	c := newChannel(ftdi.ChannelA, ep, &mockControl{})
	ctx := context.Background()

	var got []byte
	buf := make([]byte, 10)
	for i := 0; i < 3; i++ {
		n, err := c.Read(ctx, buf)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "0123456789abcdefghijklmnop" {
		t.Errorf("Read() = %q", got)
	}

	if n, err := c.Read(ctx, buf); n != 0 || err != nil {
		t.Errorf("Read(status only) = %d, %v, want 0, nil", n, err)
	}

	tctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	if n, err := c.Read(tctx, buf); n != 0 || err != nil {
		t.Errorf("Read(timeout) = %d, %v, want 0, nil", n, err)
	}
}

func TestChannel_ReadError(t *testing.T) {
	ep := &mockEndpoint{reads: [][]byte{{}}, errs: []error{gousb.ErrorNoDevice}}
	c := newChannel(ftdi.ChannelA, ep, &mockControl{})

	if _, err := c.Read(context.Background(), make([]byte, 4)); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("Read() error = %v, want ErrNoDevice", err)
	}
}

func TestChannel_Control(t *testing.T) {
	ctl := &mockControl{}
	c := newChannel(ftdi.ChannelB, &mockEndpoint{}, ctl)

	if err := c.SetBitmode(0xFF, hal.BitModeMPSSE); err != nil {
		t.Fatal(err)
	}
	if err := c.Purge(); err != nil {
		t.Fatal(err)
	}
	if err := c.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := c.SetLatencyTimer(2); err != nil {
		t.Fatal(err)
	}

	want := []controlCall{
		{ftdi.RequestTypeOut, ftdi.SIOSetBitmode, 0x02FF, 2},
		{ftdi.RequestTypeOut, ftdi.SIOReset, ftdi.ResetPurgeRX, 2},
		{ftdi.RequestTypeOut, ftdi.SIOReset, ftdi.ResetPurgeTX, 2},
		{ftdi.RequestTypeOut, ftdi.SIOReset, ftdi.ResetSIO, 2},
		{ftdi.RequestTypeOut, ftdi.SIOSetLatencyTimer, 2, 2},
	}
	if len(ctl.calls) != len(want) {
		t.Fatalf("calls = %d, want %d", len(ctl.calls), len(want))
	}
	for i := range want {
		if ctl.calls[i] != want[i] {
			t.Errorf("call[%d] = %+v, want %+v", i, ctl.calls[i], want[i])
		}
	}

	ctl.err = gousb.ErrorPipe
	if err := c.Reset(); !errors.Is(err, pkg.ErrStall) {
		t.Errorf("Reset() error = %v, want ErrStall", err)
	}
}

func TestChannel_Write(t *testing.T) {
	ep := &mockEndpoint{}
	c := newChannel(ftdi.ChannelA, ep, &mockControl{})

	if n, err := c.Write(context.Background(), []byte{0x55, 0x8c, 0x28, 0x00, 0x09}); n != 5 || err != nil {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if !bytes.Equal(ep.written, []byte{0x55, 0x8c, 0x28, 0x00, 0x09}) {
		t.Errorf("written = % x", ep.written)
	}
}

// lenEndpoint answers each read by buffer length, after an optional delay.
// Lengths without a reply block until the context ends.
type lenEndpoint struct {
	replies map[int][]byte
	delays  map[int]time.Duration
}

func (m *lenEndpoint) ReadContext(ctx context.Context, p []byte) (int, error) {
	data, ok := m.replies[len(p)]
	if !ok {
		<-ctx.Done()
		return 0, gousb.TransferCancelled
	}
	select {
	case <-time.After(m.delays[len(p)]):
	case <-ctx.Done():
		return 0, gousb.TransferCancelled
	}
	return copy(p, data), nil
}

func TestTransport_Order(t *testing.T) {
	ep := &lenEndpoint{
		replies: map[int][]byte{32: {0x32, 0x60, 1}, 48: {0x32, 0x60, 2}},
		delays:  map[int]time.Duration{32: 20 * time.Millisecond},
	}
	tr := newTransport(ep, 16)
	defer tr.close()

	var order []byte
	var statuses []pkg.TransferStatus
	cb := func(x *hal.Transfer) {
		if x.Actual > 0 {
			order = append(order, x.Data()[2])
		}
		statuses = append(statuses, x.Status)
	}
	ts := make([]*hal.Transfer, 3)
	for i := range ts {
		ts[i] = &hal.Transfer{Buffer: make([]byte, 32+16*i), Callback: cb, Slot: i}
		if err := tr.Submit(ts[i]); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	total := 0
	for deadline := time.Now().Add(time.Second); total < 2 && time.Now().Before(deadline); {
		n, err := tr.WaitForEvents(50 * time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		total += n
	}
	if total != 2 {
		t.Fatalf("completions = %d, want 2", total)
	}

	if err := tr.Cancel(ts[2]); err != nil {
		t.Fatal(err)
	}
	for total < 3 {
		n, err := tr.WaitForEvents(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			t.Fatal("WaitForEvents() timed out waiting for the cancelled transfer")
		}
		total += n
	}

	if !bytes.Equal(order, []byte{1, 2}) {
		t.Errorf("order = %v, want [1 2]", order)
	}
	want := []pkg.TransferStatus{pkg.TransferStatusCompleted, pkg.TransferStatusCompleted, pkg.TransferStatusCancelled}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %s, want %s", i, statuses[i], want[i])
		}
	}
}

// seqEndpoint stamps each read with a sequence number taken when
// ReadContext is entered, the order in which the bus would fill buffers.
type seqEndpoint struct {
	mu  sync.Mutex
	seq uint32
}

func (m *seqEndpoint) ReadContext(_ context.Context, p []byte) (int, error) {
	m.mu.Lock()
	m.seq++
	n := m.seq
	m.mu.Unlock()
	binary.BigEndian.PutUint32(p, n)
	return 4, nil
}

func TestTransport_DeliversInReadOrder(t *testing.T) {
	const slots, rounds = 8, 200
	tr := newTransport(&seqEndpoint{}, 16)
	defer tr.close()

	var got []uint32
	cb := func(x *hal.Transfer) {
		got = append(got, binary.BigEndian.Uint32(x.Buffer))
	}
	ts := make([]*hal.Transfer, slots)
	for i := range ts {
		ts[i] = &hal.Transfer{Buffer: make([]byte, 16), Callback: cb, Slot: i}
	}

	for round := 0; round < rounds; round++ {
		for _, x := range ts {
			if err := tr.Submit(x); err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
		}
		for total := 0; total < slots; {
			n, err := tr.WaitForEvents(time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if n == 0 {
				t.Fatalf("round %d: WaitForEvents() timed out after %d completions", round, total)
			}
			total += n
		}
	}

	if len(got) != slots*rounds {
		t.Fatalf("completions = %d, want %d", len(got), slots*rounds)
	}
	for i, seq := range got {
		if seq != uint32(i+1) {
			t.Fatalf("completion %d carries read %d, want %d", i, seq, i+1)
		}
	}
}

func TestTransport_CancelQueued(t *testing.T) {
	tr := newTransport(&mockEndpoint{}, 16)
	defer tr.close()

	var statuses []pkg.TransferStatus
	cb := func(x *hal.Transfer) { statuses = append(statuses, x.Status) }
	head := &hal.Transfer{Buffer: make([]byte, 16), Callback: cb}
	queued := &hal.Transfer{Buffer: make([]byte, 16), Callback: cb}
	for _, x := range []*hal.Transfer{head, queued} {
		if err := tr.Submit(x); err != nil {
			t.Fatal(err)
		}
	}

	// The queued transfer completes at once but waits behind the head.
	if err := tr.Cancel(queued); err != nil {
		t.Fatal(err)
	}
	if n, _ := tr.WaitForEvents(20 * time.Millisecond); n != 0 {
		t.Fatalf("WaitForEvents() = %d before the head completed", n)
	}

	if err := tr.Cancel(head); err != nil {
		t.Fatal(err)
	}
	for total := 0; total < 2; {
		n, err := tr.WaitForEvents(time.Second)
		if err != nil || n == 0 {
			t.Fatalf("WaitForEvents() = %d, %v", n, err)
		}
		total += n
	}
	for i, s := range statuses {
		if s != pkg.TransferStatusCancelled {
			t.Errorf("statuses[%d] = %s, want cancelled", i, s)
		}
	}
}

func TestTransport_TimeoutAndClose(t *testing.T) {
	tr := newTransport(&mockEndpoint{}, 16)

	var got *hal.Transfer
	tf := &hal.Transfer{Buffer: make([]byte, 16), Timeout: 2 * time.Millisecond, Callback: func(x *hal.Transfer) { got = x }}
	if err := tr.Submit(tf); err != nil {
		t.Fatal(err)
	}
	if n, err := tr.WaitForEvents(time.Second); n != 1 || err != nil {
		t.Fatalf("WaitForEvents() = %d, %v", n, err)
	}
	if got.Status != pkg.TransferStatusTimeout {
		t.Errorf("Status = %s, want timeout", got.Status)
	}

	if err := tr.Submit(&hal.Transfer{Buffer: make([]byte, 4)}); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Errorf("Submit(short) error = %v", err)
	}

	tr.close()
	if err := tr.Submit(tf); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("Submit() after close error = %v, want ErrClosed", err)
	}
	if _, err := tr.WaitForEvents(time.Millisecond); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("WaitForEvents() after close error = %v, want ErrClosed", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		ctxErr    error
		cancelled bool
		want      pkg.TransferStatus
		wantErr   error
	}{
		{"completed", nil, nil, false, pkg.TransferStatusCompleted, nil},
		{"cancelled", gousb.TransferCancelled, context.Canceled, true, pkg.TransferStatusCancelled, nil},
		{"deadline", gousb.TransferCancelled, context.DeadlineExceeded, false, pkg.TransferStatusTimeout, nil},
		{"timed out", gousb.TransferTimedOut, nil, false, pkg.TransferStatusTimeout, nil},
		{"stall", gousb.TransferStall, nil, false, pkg.TransferStatusStall, pkg.ErrStall},
		{"no device", gousb.ErrorNoDevice, nil, false, pkg.TransferStatusNoDevice, pkg.ErrNoDevice},
		{"overflow", gousb.TransferOverflow, nil, false, pkg.TransferStatusOverflow, pkg.ErrOverflow},
		{"io", gousb.ErrorIO, nil, false, pkg.TransferStatusError, gousb.ErrorIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := classify(tt.err, tt.ctxErr, tt.cancelled)
			if status != tt.want {
				t.Errorf("status = %s, want %s", status, tt.want)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("err = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
