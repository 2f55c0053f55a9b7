package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteInline(t *testing.T) {
	s := New(clock.NewMock(), 0)
	ran := false
	s.Execute(func() { ran = true })
	assert.True(t, ran, "zero workers run callbacks inline")
}

func TestExecutePool(t *testing.T) {
	s := New(clock.New(), 2)
	defer s.Shutdown()

	var running, peak, done atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		s.Execute(func() {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			done.Add(1)
		})
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return done.Load() == 6 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
}

func TestAfter(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, 0)

	var fired atomic.Bool
	s.After(time.Second, func() { fired.Store(true) })

	mock.Add(999 * time.Millisecond)
	assert.False(t, fired.Load())
	mock.Add(time.Millisecond)
	assert.Eventually(t, fired.Load, time.Second, time.Millisecond)
}

func TestAfterCancel(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, 0)

	var fired atomic.Bool
	h := s.After(time.Second, func() { fired.Store(true) })
	h.Cancel()
	assert.True(t, h.Cancelled())

	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestEvery(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, 0)

	var count atomic.Int32
	h := s.Every(time.Second, 5*time.Second, func() { count.Add(1) })

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)

	for i := 2; i <= 4; i++ {
		// the next run is armed right after the previous one returns
		time.Sleep(10 * time.Millisecond)
		mock.Add(5 * time.Second)
		want := int32(i)
		require.Eventually(t, func() bool { return count.Load() == want }, time.Second, time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)

	h.Cancel()
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(4), count.Load())
}

func TestShutdownRejectsWork(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, 4)

	var fired atomic.Bool
	s.After(time.Second, func() { fired.Store(true) })
	s.Shutdown()
	s.Shutdown()
	assert.True(t, s.Closed())

	s.Execute(func() { fired.Store(true) })
	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.True(t, s.After(time.Second, func() {}).Cancelled())
}
