package sim

import (
	"time"

	"github.com/ardnew/openvizsla/ftdi"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
)

type inflight struct {
	t        *hal.Transfer
	deadline time.Time // Zero when the transfer has no timeout
	status   pkg.TransferStatus
	done     bool
}

// stream is the asynchronous bulk IN transport of channel A. Transfers
// complete in submission order.
type stream struct {
	d       *Device
	pending []*inflight
}

func (s *stream) Submit(t *hal.Transfer) error {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.availableLocked(); err != nil {
		return err
	}
	if len(t.Buffer) < d.cfg.maxPacket {
		return pkg.ErrBufferTooSmall
	}
	in := &inflight{t: t}
	if t.Timeout > 0 {
		in.deadline = time.Now().Add(t.Timeout)
	}
	s.pending = append(s.pending, in)
	d.notifyLocked()
	return nil
}

func (s *stream) Cancel(t *hal.Transfer) error {
	d := s.d
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, in := range s.pending {
		if in.t == t && !in.done {
			in.done = true
			in.status = pkg.TransferStatusCancelled
			d.notifyLocked()
			break
		}
	}
	return nil
}

func (s *stream) WaitForEvents(timeout time.Duration) (int, error) {
	d := s.d
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		ready := s.collectLocked(time.Now())
		if len(ready) == 0 && d.gone {
			d.mu.Unlock()
			return 0, pkg.ErrNoDevice
		}
		changed := d.changed
		wake := time.Until(deadline)
		if next, ok := s.nextDeadlineLocked(); ok {
			wake = min(wake, time.Until(next))
		}
		d.mu.Unlock()

		if len(ready) > 0 {
			for _, t := range ready {
				t.Callback(t)
			}
			return len(ready), nil
		}
		if time.Until(deadline) <= 0 {
			return 0, nil
		}

		timer := time.NewTimer(max(wake, 0))
		select {
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *stream) MaxPacketSize() int { return s.d.cfg.maxPacket }

// collectLocked completes every transfer that is ready, in order, and
// returns them. Data is handed to the oldest transfer first.
func (s *stream) collectLocked(now time.Time) []*hal.Transfer {
	d := s.d
	var ready []*hal.Transfer
	keep := s.pending[:0]
	for _, in := range s.pending {
		t := in.t
		switch {
		case in.done:
			t.Actual = 0
			t.Status = in.status
			t.Err = nil
			if in.status == pkg.TransferStatusNoDevice {
				t.Err = pkg.ErrNoDevice
			}
		case len(d.out) > 0:
			s.fillLocked(t)
			t.Status = pkg.TransferStatusCompleted
			t.Err = nil
		case !in.deadline.IsZero() && !now.Before(in.deadline):
			t.Actual = 0
			t.Status = pkg.TransferStatusTimeout
			t.Err = nil
		default:
			keep = append(keep, in)
			continue
		}
		ready = append(ready, t)
	}
	for i := len(keep); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = keep
	if len(ready) > 0 {
		d.notifyLocked()
	}
	return ready
}

// fillLocked moves queued payload into t as FTDI packets.
func (s *stream) fillLocked(t *hal.Transfer) {
	d := s.d
	mps := d.cfg.maxPacket
	room := (len(t.Buffer) / mps) * (mps - ftdi.StatusSize)
	n := min(room, len(d.out))
	wire := ftdi.AppendPackets(t.Buffer[:0], ftdi.IdleStatus, d.out[:n], mps)
	t.Actual = len(wire)
	d.out = d.out[n:]
}

func (s *stream) nextDeadlineLocked() (time.Time, bool) {
	var next time.Time
	for _, in := range s.pending {
		if in.deadline.IsZero() || in.done {
			continue
		}
		if next.IsZero() || in.deadline.Before(next) {
			next = in.deadline
		}
	}
	return next, !next.IsZero()
}

func (s *stream) cancelAllLocked() {
	s.failAllLocked(pkg.TransferStatusCancelled)
}

func (s *stream) failAllLocked(status pkg.TransferStatus) {
	for _, in := range s.pending {
		if !in.done {
			in.done = true
			in.status = status
		}
	}
}
