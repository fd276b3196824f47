//go:build linux

package futures

import "golang.org/x/sys/unix"

// newSemaphoreEventfd creates the eventfd backing a semaphore. Only the
// io_uring backend may use it; blocking eventfd reads would saturate
// the fallback backend's worker pool.
func newSemaphoreEventfd() (int, bool) {
	if defaultAioBackend().Name() != "uring" {
		return -1, false
	}
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
	if err != nil {
		return -1, false
	}
	return fd, true
}
