package futures

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestScheduler spins up a loop + main scheduler pair for a test,
// running the loop on its own goroutine until cleanup.
func newTestScheduler(t *testing.T) *MainScheduler {
	t.Helper()

	loop, err := NewLoop()
	require.NoError(t, err)
	s := NewMainScheduler(loop)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(context.Background())
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Shutdown(ctx)
		<-done
	})

	return s
}

// waitSettled polls a future until it leaves Pending; test-only since
// production code reacts to settlement via chaining.
func waitSettled(t *testing.T, f Future) (Value, error) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for f.Status() == Pending {
		if time.Now().After(deadline) {
			t.Fatal("future did not settle in time")
		}
		time.Sleep(time.Millisecond)
	}
	return f.Value()
}

func TestMainScheduler_PushRunsFIFO(t *testing.T) {
	s := newTestScheduler(t)

	const n = 100
	var mu atomic.Int64
	order := make(chan int, n)

	for i := 0; i < n; i++ {
		i := i
		s.Push(func() {
			order <- i
			mu.Add(1)
		})
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case got := <-order:
			require.Equal(t, i, got, "work items run in push order")
		case <-deadline:
			t.Fatal("work items did not run")
		}
	}
}

func TestMainScheduler_PushFromWithinDispatch(t *testing.T) {
	s := newTestScheduler(t)

	done := make(chan struct{})
	s.Push(func() {
		// Re-entrant push while the dispatcher is running must neither
		// deadlock nor lose the item.
		s.Push(func() {
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nested push was lost")
	}
}

func TestMainScheduler_ThreadDefault(t *testing.T) {
	s := newTestScheduler(t)

	got := make(chan Scheduler, 1)
	s.Push(func() {
		got <- ThreadDefaultScheduler()
	})

	select {
	case td := <-got:
		require.Same(t, s, td)
	case <-time.After(5 * time.Second):
		t.Fatal("work item did not run")
	}

	require.Nil(t, ThreadDefaultScheduler(), "test goroutine has no thread default")
}

func TestLoop_ScheduleTimerFires(t *testing.T) {
	s := newTestScheduler(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	s.Loop().ScheduleTimer(20*time.Millisecond, func() {
		fired <- time.Now()
	})

	select {
	case at := <-fired:
		require.GreaterOrEqual(t, at.Sub(start), 20*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoop_TimerCancel(t *testing.T) {
	s := newTestScheduler(t)

	fired := make(chan struct{}, 1)
	timer := s.Loop().ScheduleTimer(30*time.Millisecond, func() {
		fired <- struct{}{}
	})
	timer.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestLoop_ShutdownRejectsSubmit(t *testing.T) {
	loop, err := NewLoop()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(context.Background())
	}()

	require.NoError(t, loop.Shutdown(context.Background()))
	<-done

	require.ErrorIs(t, loop.Submit(func() {}), ErrLoopTerminated)
}

func TestLoop_BlockCallbackRunsOnScheduler(t *testing.T) {
	s := newTestScheduler(t)

	p := NewPromise()

	// Create the block from a work item so it binds to s as its
	// thread-default scheduler.
	created := make(chan Future, 1)
	onSched := make(chan bool, 1)
	s.Push(func() {
		created <- Then(p, func(Future) Future {
			onSched <- ThreadDefaultScheduler() == Scheduler(s)
			return nil
		})
	})
	f := <-created

	// Settle from a foreign goroutine; the callback must hop back.
	p.Resolve(1)

	select {
	case ok := <-onSched:
		require.True(t, ok, "block callback must run on its scheduler")
	case <-time.After(5 * time.Second):
		t.Fatal("block callback did not run")
	}

	_, err := waitSettled(t, f)
	require.NoError(t, err)
}
