package rpc

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MaxTimeout is the hard timeout of a call.
	MaxTimeout = 10 * time.Second

	// BaselineFloor is added to the 10th percentile so that a very
	// consistent RTT distribution does not produce a stall timeout tighter
	// than jitter.
	BaselineFloor = 100 * time.Millisecond

	binSize      = 50 * time.Millisecond
	numBins      = 256
	decayFactor  = 0.95
	decayWindow  = 16
	minSampleSum = 8.0
)

// TimeoutFilter estimates how long to wait before a call is considered
// stalled, from a decaying histogram of observed round trip times.
type TimeoutFilter struct {
	mu      sync.Mutex
	bins    [numBins]float64
	updates int
	stall   atomic.Int64
}

// NewTimeoutFilter returns a filter that reports MaxTimeout until it has
// seen enough samples.
func NewTimeoutFilter() *TimeoutFilter {
	f := &TimeoutFilter{}
	f.stall.Store(int64(MaxTimeout))
	return f
}

// Register feeds the RTT of c into the filter once it responds, if its
// destination was known to be reachable when the call was created.
func (f *TimeoutFilter) Register(c *Call) {
	if !c.KnownReachable() {
		return
	}
	c.AddListener(func(ev Event) {
		if ev.Next == Responded && !ev.Call.SocketMismatch() {
			f.Update(ev.Call.RTT())
		}
	})
}

// Update adds one RTT sample.
func (f *TimeoutFilter) Update(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	bin := min(int(rtt/binSize), numBins-1)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.bins[bin]++
	f.updates++
	if f.updates%decayWindow == 0 {
		for i := range f.bins {
			f.bins[i] *= decayFactor
		}
	}
	f.recompute()
}

func (f *TimeoutFilter) recompute() {
	total := 0.0
	for _, v := range f.bins {
		total += v
	}
	if total < minSampleSum {
		f.stall.Store(int64(MaxTimeout))
		return
	}
	p10 := f.percentileLocked(total, 0.10)
	p90 := f.percentileLocked(total, 0.90)
	f.stall.Store(int64(min(max(p10+BaselineFloor, p90), MaxTimeout)))
}

func (f *TimeoutFilter) percentileLocked(total, p float64) time.Duration {
	threshold := total * p
	acc := 0.0
	for i, v := range f.bins {
		acc += v
		if acc >= threshold && v > 0 {
			return time.Duration(i)*binSize + binSize/2
		}
	}
	return MaxTimeout
}

// Percentile returns the RTT below which fraction p of the decayed samples
// fall, at bin resolution.
func (f *TimeoutFilter) Percentile(p float64) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0.0
	for _, v := range f.bins {
		total += v
	}
	if total == 0 {
		return MaxTimeout
	}
	return f.percentileLocked(total, p)
}

// StallTimeout returns the current estimate.
func (f *TimeoutFilter) StallTimeout() time.Duration {
	return time.Duration(f.stall.Load())
}

// Reset forgets all samples.
func (f *TimeoutFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bins = [numBins]float64{}
	f.updates = 0
	f.stall.Store(int64(MaxTimeout))
}
