//go:build linux

package futures

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// IOEvents represents the I/O conditions that can be monitored on a
// file descriptor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition.
	EventError
	// EventHangup indicates the peer closed its end.
	EventHangup
)

// Standard errors.
var (
	ErrFDAlreadyRegistered = errors.New("futures: fd already registered")
	ErrFDNotRegistered     = errors.New("futures: fd not registered")
	ErrPollerClosed        = errors.New("futures: poller closed")
)

// IOCallback is invoked on the loop goroutine when a registered file
// descriptor becomes ready.
type IOCallback func(events IOEvents)

type fdInfo struct {
	callback IOCallback
	events   IOEvents
}

// poller watches file descriptors using epoll.
type poller struct {
	mu       sync.RWMutex
	fds      map[int]fdInfo
	epfd     int
	closed   bool
	eventBuf [128]unix.EpollEvent
}

func (p *poller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.fds = make(map[int]fdInfo)
	return nil
}

func (p *poller) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPollerClosed
	}
	p.closed = true
	p.fds = nil
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

func (p *poller) registerFD(fd int, events IOEvents, cb IOCallback) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPollerClosed
	}
	if _, exists := p.fds[fd]; exists {
		p.mu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events}
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		delete(p.fds, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *poller) unregisterFD(fd int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPollerClosed
	}
	if _, exists := p.fds[fd]; !exists {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	p.mu.Unlock()

	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) modifyFD(fd int, events IOEvents) error {
	p.mu.Lock()
	info, exists := p.fds[fd]
	if !exists {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	info.events = events
	p.fds[fd] = info
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// poll blocks for up to timeoutMs (-1 blocks indefinitely) and
// dispatches ready callbacks inline. Returns the number of events.
func (p *poller) poll(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR { //nolint:errorlint
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)

		// Copy the callback under the read lock, call it outside.
		p.mu.RLock()
		info, exists := p.fds[fd]
		p.mu.RUnlock()

		if exists && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}

	return n, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
