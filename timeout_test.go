package futures

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeout_RejectsAtDeadline(t *testing.T) {
	s := newTestScheduler(t)

	// Create from a work item so the timer attaches to s's loop.
	created := make(chan *Timeout, 1)
	s.Push(func() {
		created <- NewTimeout(50 * time.Millisecond)
	})
	to := <-created

	require.Equal(t, Pending, to.Status(), "pending before the deadline")

	_, err := waitSettled(t, to)
	require.ErrorIs(t, err, ErrTimedOut)
}

func TestTimeout_Postpone(t *testing.T) {
	s := newTestScheduler(t)

	created := make(chan *Timeout, 1)
	s.Push(func() {
		created <- NewTimeout(30 * time.Millisecond)
	})
	to := <-created

	to.Postpone(time.Now().Add(200 * time.Millisecond))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, Pending, to.Status(), "postponed deadline not yet reached")

	_, err := waitSettled(t, to)
	require.ErrorIs(t, err, ErrTimedOut)
}

func TestTimeout_ReleaseDestroysTimer(t *testing.T) {
	s := newTestScheduler(t)

	created := make(chan *Timeout, 1)
	s.Push(func() {
		created <- NewTimeout(30 * time.Millisecond)
	})
	to := <-created

	// Releasing the future before the deadline cancels the timer; the
	// callback holds only a weak reference, so nothing fires afterwards.
	to.Unref()
	require.True(t, to.timer.cancelled.Load(), "release cancels the timer")
	time.Sleep(100 * time.Millisecond)
}

func TestFirst_TimeoutWins(t *testing.T) {
	s := newTestScheduler(t)

	f := s.Spawn(0, func() Future {
		to := NewTimeout(50 * time.Millisecond)
		inf := NewInfinite()
		race := First(to, inf)
		_, err := Await(race)
		race.Unref()
		to.Unref()
		inf.Unref()
		if err != nil {
			return NewRejected(err)
		}
		return NewResolved(true)
	})

	start := time.Now()
	_, err := waitSettled(t, f)
	require.ErrorIs(t, err, ErrTimedOut)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
