package futures

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphore_PostSatisfiesWaiters(t *testing.T) {
	s := newTestScheduler(t)
	sem := NewSemaphore()

	const n = 5
	done := make(chan int, n)

	for i := 0; i < n; i++ {
		i := i
		s.Spawn(0, func() Future {
			w := sem.Wait()
			if _, err := Await(w); err != nil {
				return NewRejected(err)
			}
			done <- i
			return NewResolved(true)
		})
	}

	// No posts yet; nothing may complete.
	select {
	case <-done:
		t.Fatal("waiter completed without a post")
	case <-time.After(50 * time.Millisecond):
	}

	sem.PostMany(2)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("post did not release a waiter")
		}
	}
	select {
	case <-done:
		t.Fatal("more waiters released than posted")
	case <-time.After(50 * time.Millisecond):
	}

	sem.PostMany(3)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("post did not release a waiter")
		}
	}
}

func TestSemaphore_WaitAfterPost(t *testing.T) {
	s := newTestScheduler(t)
	sem := NewSemaphore()

	sem.Post()

	f := s.Spawn(0, func() Future {
		w := sem.Wait()
		if _, err := Await(w); err != nil {
			return NewRejected(err)
		}
		return NewResolved(true)
	})

	_, err := waitSettled(t, f)
	require.NoError(t, err)
}

func TestSemaphore_CloseRejectsWaiters(t *testing.T) {
	s := newTestScheduler(t)
	sem := NewSemaphore()

	f := s.Spawn(0, func() Future {
		w := sem.Wait()
		_, err := Await(w)
		if err != nil {
			return NewRejected(err)
		}
		return NewResolved(true)
	})

	// Give the fiber time to enqueue its wait before closing.
	time.Sleep(50 * time.Millisecond)
	sem.Close()

	_, err := waitSettled(t, f)
	require.ErrorIs(t, err, ErrSemaphoreClosed)
}

func TestSemaphore_FallbackCounterFastPath(t *testing.T) {
	// Drive the locked-counter implementation directly, independent of
	// the selected AIO backend.
	sem := &Semaphore{eventfd: -1}
	initObject(&sem.Object, nil)

	sem.PostMany(2)

	w1 := sem.Wait()
	w2 := sem.Wait()
	require.Equal(t, Resolved, w1.Status())
	require.Equal(t, Resolved, w2.Status())

	w3 := sem.Wait()
	require.Equal(t, Pending, w3.Status())

	sem.Post()
	require.Equal(t, Resolved, w3.Status())

	w4 := sem.Wait()
	sem.Close()
	_, err := w4.Value()
	require.ErrorIs(t, err, ErrSemaphoreClosed)

	_, err = sem.Wait().Value()
	require.ErrorIs(t, err, ErrSemaphoreClosed)
}
