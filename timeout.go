package futures

import "time"

// Timeout is a future that rejects with ErrTimedOut at a deadline,
// driven by a loop timer. The timer holds only a weak reference to the
// future; releasing the future destroys the timer so the callback can
// never fire afterwards.
type Timeout struct {
	futureBase
	timer *LoopTimer
}

// timerLoop picks the loop for implicitly-attached timed sources: the
// calling thread's scheduler loop, falling back to the process default.
func timerLoop() *Loop {
	if s := ThreadDefaultScheduler(); s != nil {
		return s.Loop()
	}
	return Default().Loop()
}

// NewTimeoutDeadline creates a future that rejects with ErrTimedOut at
// the given deadline.
func NewTimeoutDeadline(deadline time.Time) *Timeout {
	t := &Timeout{}
	initObject(&t.Object, func() {
		t.timer.Cancel()
	})

	var wr WeakRef
	wr.Init(&t.Object)

	loop := timerLoop()
	t.timer = loop.ScheduleTimerDeadline(deadline, func() {
		// Promote before touching the future; a released timeout is
		// unreachable here.
		obj := wr.Get()
		wr.Clear()
		if obj == nil {
			return
		}
		futureComplete(t, nil, ErrTimedOut)
		obj.Unref()
	})

	return t
}

// NewTimeout creates a future that rejects with ErrTimedOut after the
// given delay.
func NewTimeout(delay time.Duration) *Timeout {
	return NewTimeoutDeadline(time.Now().Add(delay))
}

// Postpone moves a pending timeout's deadline. Postponing a settled
// timeout has no effect.
func (t *Timeout) Postpone(deadline time.Time) {
	if t.Status() != Pending {
		return
	}
	t.timer.Reset(deadline)
}
