//go:build linux

package futures

import "golang.org/x/sys/unix"

// createWakeFd creates an eventfd for loop wake-up notifications.
// Returns the single eventfd as both the read and write end.
func createWakeFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}

// closeWakeFd closes the wake eventfd.
func closeWakeFd(readFd, writeFd int) {
	_ = unix.Close(readFd)
}
