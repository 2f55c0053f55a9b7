// Package scheduler runs timed and immediate callbacks on a bounded pool of
// goroutines against an injectable clock.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Scheduler executes callbacks either immediately or after a delay. With
// zero workers every callback runs inline on the goroutine that triggers it,
// which keeps tests with a mock clock deterministic.
type Scheduler struct {
	clk     clock.Clock
	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex // orders wg.Add against Shutdown
	closed  atomic.Bool
	workers int
}

// New creates a scheduler on clk that runs at most workers callbacks at once.
func New(clk clock.Clock, workers int) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		clk:     clk,
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
	}
	if workers > 0 {
		s.sem = semaphore.NewWeighted(int64(workers))
	}
	return s
}

// Clock returns the clock the scheduler runs on.
func (s *Scheduler) Clock() clock.Clock {
	return s.clk
}

// Now returns the current time of the scheduler's clock.
func (s *Scheduler) Now() time.Time {
	return s.clk.Now()
}

// Execute runs fn as soon as a worker is free. Calls after Shutdown are
// ignored.
func (s *Scheduler) Execute(fn func()) {
	if s.sem == nil {
		if !s.closed.Load() {
			s.run(fn)
		}
		return
	}
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		s.run(fn)
	}()
}

func (s *Scheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Execute",
				"panic":    r,
			}).Error("Scheduled callback panicked")
		}
	}()
	fn()
}

// Handle refers to a pending or repeating callback.
type Handle struct {
	mu        sync.Mutex
	timer     *clock.Timer
	cancelled bool
}

// Cancel stops the callback. A callback that already started still runs to
// completion.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *Handle) arm(t *clock.Timer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		t.Stop()
		return false
	}
	h.timer = t
	return true
}

// After runs fn once after d.
func (s *Scheduler) After(d time.Duration, fn func()) *Handle {
	h := &Handle{}
	if s.closed.Load() {
		h.cancelled = true
		return h
	}
	h.arm(s.clk.AfterFunc(d, func() {
		if h.Cancelled() {
			return
		}
		s.Execute(fn)
	}))
	return h
}

// Every runs fn after initial and then every interval until the handle is
// cancelled or the scheduler shuts down. Runs never overlap.
func (s *Scheduler) Every(initial, interval time.Duration, fn func()) *Handle {
	h := &Handle{}
	var tick func()
	tick = func() {
		if h.Cancelled() || s.closed.Load() {
			return
		}
		s.Execute(func() {
			fn()
			if !h.Cancelled() && !s.closed.Load() {
				h.arm(s.clk.AfterFunc(interval, tick))
			}
		})
	}
	if s.closed.Load() {
		h.cancelled = true
		return h
	}
	h.arm(s.clk.AfterFunc(initial, tick))
	return h
}

// Shutdown stops accepting work and waits for queued callbacks to be
// abandoned or finished. Pending timers fire into a closed scheduler and do
// nothing.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Closed reports whether Shutdown was called.
func (s *Scheduler) Closed() bool {
	return s.closed.Load()
}
