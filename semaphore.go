package futures

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Semaphore is a counting semaphore whose wait operation is a future,
// usable across threads and schedulers.
//
// When the io_uring AIO backend is active the semaphore is an
// EFD_SEMAPHORE eventfd: posts are plain writes and waits are
// asynchronous reads submitted on the waiter's ring, so a post wakes
// exactly one waiting loop without queueing work anywhere. With the
// threadpool AIO backend that would tie up (and potentially deadlock)
// the I/O workers with blocking reads, so a locked counter plus a
// waiter queue is used instead.
type Semaphore struct {
	Object

	eventfd int

	// Fallback state, guarded by the object lock.
	counter int64
	waiters []*semaphoreWaiter
	closed  bool
}

// semaphoreWaiter is the fallback wait future.
type semaphoreWaiter struct {
	futureBase
}

func newSemaphoreWaiter() *semaphoreWaiter {
	w := &semaphoreWaiter{}
	initObject(&w.Object, nil)
	return w
}

// NewSemaphore creates a semaphore with an initial count of zero.
func NewSemaphore() *Semaphore {
	s := &Semaphore{eventfd: -1}
	initObject(&s.Object, func() {
		s.Close()
	})
	if fd, ok := newSemaphoreEventfd(); ok {
		s.eventfd = fd
	}
	return s
}

// Post increments the semaphore, releasing one waiter.
func (s *Semaphore) Post() {
	s.PostMany(1)
}

// PostMany increments the semaphore by count, releasing up to count
// waiters.
func (s *Semaphore) PostMany(count uint) {
	if count == 0 {
		return
	}

	s.lock()
	fd := s.eventfd
	closed := s.closed
	s.unlock()

	if closed {
		return
	}

	if fd != -1 {
		var buf [8]byte
		binary.NativeEndian.PutUint64(buf[:], uint64(count))
		// Eventfd writes are atomic 64-bit increments; a short write
		// cannot happen and anything else is unrecoverable.
		if n, err := unix.Write(fd, buf[:]); err != nil || n != len(buf) {
			panic("futures: failed to post semaphore counter")
		}
		return
	}

	// Post the count and steal as many waiters as can be satisfied
	// immediately; completion happens outside the object lock.
	var release []*semaphoreWaiter
	s.lock()
	s.counter += int64(count)
	for s.counter > 0 && len(s.waiters) > 0 {
		release = append(release, s.waiters[0])
		s.waiters = s.waiters[1:]
		s.counter--
	}
	s.unlock()

	for _, w := range release {
		futureComplete(w, true, nil)
		w.Unref()
	}
}

// Wait returns a future that resolves once the semaphore is decremented
// on the caller's behalf. The resolved value is unspecified. Waits on a
// closed semaphore reject with ErrSemaphoreClosed.
func (s *Semaphore) Wait() Future {
	s.lock()
	fd := s.eventfd
	closed := s.closed
	s.unlock()

	if fd != -1 && !closed {
		buf := make([]byte, 8)
		read := AioRead(nil, fd, buf, -1)
		// Close releases pending readers by posting; waits that complete
		// against a closed semaphore surface ErrSemaphoreClosed whether
		// the ring read resolved or failed.
		wait := Finally(read, func(Future) Future {
			if s.isClosed() {
				return NewRejected(ErrSemaphoreClosed)
			}
			return nil
		})
		read.Unref()
		return wait
	}

	w := newSemaphoreWaiter()

	s.lock()
	switch {
	case s.closed:
		s.unlock()
		futureComplete(w, nil, ErrSemaphoreClosed)
	case s.counter > 0:
		s.counter--
		s.unlock()
		futureComplete(w, true, nil)
	default:
		w.Ref() // held by the waiter queue
		s.waiters = append(s.waiters, w)
		s.unlock()
	}

	return w
}

func (s *Semaphore) isClosed() bool {
	s.lock()
	defer s.unlock()
	return s.closed
}

// Close rejects all remaining waiters with ErrSemaphoreClosed. Eventfd
// waits already submitted are released by a large post before the fd
// closes, and their wait futures reject with ErrSemaphoreClosed.
func (s *Semaphore) Close() {
	s.lock()
	if s.closed {
		s.unlock()
		return
	}
	s.closed = true
	fd := s.eventfd
	s.eventfd = -1
	waiters := s.waiters
	s.waiters = nil
	s.unlock()

	if fd != -1 {
		// Release any readers still parked on the ring before closing;
		// their completions map to ErrSemaphoreClosed.
		var buf [8]byte
		binary.NativeEndian.PutUint64(buf[:], 1<<30)
		_, _ = unix.Write(fd, buf[:])
		_ = unix.Close(fd)
	}

	for _, w := range waiters {
		futureComplete(w, nil, ErrSemaphoreClosed)
		w.Unref()
	}
}
