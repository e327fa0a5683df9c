package libusb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/pkg"
)

type request struct {
	t         *hal.Transfer
	cancel    context.CancelFunc // Set once the read has started
	started   bool
	cancelled bool
	done      bool
}

// transport runs submitted transfers one at a time, in submission order, on
// a single reader goroutine. The FT2232H stream is only meaningful in the
// order the bytes were read, so the buffer filled first must be the first
// one WaitForEvents delivers.
type transport struct {
	in  reader
	mps int

	mu     sync.Mutex
	queue  []*request
	closed bool
	wake   chan struct{} // A request completed
	kick   chan struct{} // A request was queued
	base   context.Context
	stop   context.CancelFunc
}

func newTransport(in reader, mps int) *transport {
	base, stop := context.WithCancel(context.Background())
	s := &transport{
		in:   in,
		mps:  mps,
		wake: make(chan struct{}, 1),
		kick: make(chan struct{}, 1),
		base: base,
		stop: stop,
	}
	go s.pump()
	return s
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *transport) Submit(t *hal.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pkg.ErrClosed
	}
	if len(t.Buffer) < s.mps {
		return pkg.ErrBufferTooSmall
	}
	s.queue = append(s.queue, &request{t: t})
	notify(s.kick)
	return nil
}

// pump reads into the oldest queued transfer until the transport closes.
func (s *transport) pump() {
	for {
		s.mu.Lock()
		r := s.nextLocked()
		if r == nil || s.closed {
			s.mu.Unlock()
			select {
			case <-s.kick:
				continue
			case <-s.base.Done():
				s.abortQueued()
				return
			}
		}
		var ctx context.Context
		var cancel context.CancelFunc
		if r.t.Timeout > 0 {
			ctx, cancel = context.WithTimeout(s.base, r.t.Timeout)
		} else {
			ctx, cancel = context.WithCancel(s.base)
		}
		r.started = true
		r.cancel = cancel
		s.mu.Unlock()

		n, err := s.in.ReadContext(ctx, r.t.Buffer)

		s.mu.Lock()
		r.t.Actual = n
		r.t.Status, r.t.Err = classify(err, ctx.Err(), r.cancelled || s.closed)
		r.done = true
		s.mu.Unlock()
		cancel()
		notify(s.wake)
	}
}

// nextLocked returns the oldest request not yet started.
func (s *transport) nextLocked() *request {
	for _, r := range s.queue {
		if !r.started && !r.done {
			return r
		}
	}
	return nil
}

// abortQueued completes every request that never started as cancelled.
func (s *transport) abortQueued() {
	s.mu.Lock()
	for _, r := range s.queue {
		if !r.started && !r.done {
			s.cancelLocked(r)
		}
	}
	s.mu.Unlock()
	notify(s.wake)
}

func (s *transport) cancelLocked(r *request) {
	r.cancelled = true
	if r.started {
		r.cancel()
		return
	}
	r.t.Actual = 0
	r.t.Status, r.t.Err = pkg.TransferStatusCancelled, nil
	r.done = true
}

func (s *transport) Cancel(t *hal.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.queue {
		if r.t == t && !r.done {
			s.cancelLocked(r)
			if r.done {
				notify(s.wake)
			}
			break
		}
	}
	return nil
}

func (s *transport) WaitForEvents(timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var ready []*hal.Transfer
		for len(s.queue) > 0 && s.queue[0].done {
			ready = append(ready, s.queue[0].t)
			s.queue[0] = nil
			s.queue = s.queue[1:]
		}
		closed := s.closed && len(s.queue) == 0
		s.mu.Unlock()

		if len(ready) > 0 {
			for _, t := range ready {
				t.Callback(t)
			}
			return len(ready), nil
		}
		if closed {
			return 0, pkg.ErrClosed
		}

		select {
		case <-s.wake:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (s *transport) MaxPacketSize() int { return s.mps }

// close cancels the transfer being read and every queued one. Their
// completions are still delivered by WaitForEvents.
func (s *transport) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
}

// classify maps the outcome of a bulk read to a transfer status.
func classify(err, ctxErr error, cancelled bool) (pkg.TransferStatus, error) {
	switch {
	case err == nil:
		return pkg.TransferStatusCompleted, nil
	case cancelled:
		return pkg.TransferStatusCancelled, nil
	case errors.Is(ctxErr, context.DeadlineExceeded), errors.Is(err, gousb.TransferTimedOut):
		return pkg.TransferStatusTimeout, nil
	case errors.Is(err, gousb.TransferCancelled):
		return pkg.TransferStatusCancelled, nil
	case errors.Is(err, gousb.TransferStall), errors.Is(err, gousb.ErrorPipe):
		return pkg.TransferStatusStall, mapError(err)
	case errors.Is(err, gousb.TransferNoDevice), errors.Is(err, gousb.ErrorNoDevice):
		return pkg.TransferStatusNoDevice, mapError(err)
	case errors.Is(err, gousb.TransferOverflow), errors.Is(err, gousb.ErrorOverflow):
		return pkg.TransferStatusOverflow, mapError(err)
	}
	return pkg.TransferStatusError, mapError(err)
}
