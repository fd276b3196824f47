//go:build darwin

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

// poller watches file descriptors using kqueue.
type poller struct {
	mu       sync.RWMutex
	fds      map[int]fdInfo
	kq       int
	closed   bool
	eventBuf [128]unix.Kevent_t
}

func (p *poller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
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
	return unix.Close(p.kq)
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

	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			p.mu.Lock()
			delete(p.fds, fd)
			p.mu.Unlock()
			return err
		}
	}
	return nil
}

func (p *poller) unregisterFD(fd int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPollerClosed
	}
	info, exists := p.fds[fd]
	if !exists {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	p.mu.Unlock()

	kevents := eventsToKevents(fd, info.events, unix.EV_DELETE)
	if len(kevents) > 0 {
		// Delete errors are ignored; the fd may already be closed.
		_, _ = unix.Kevent(p.kq, kevents, nil, nil)
	}
	return nil
}

func (p *poller) modifyFD(fd int, events IOEvents) error {
	p.mu.Lock()
	info, exists := p.fds[fd]
	if !exists {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	old := info.events
	info.events = events
	p.fds[fd] = info
	p.mu.Unlock()

	if del := eventsToKevents(fd, old&^events, unix.EV_DELETE); len(del) > 0 {
		_, _ = unix.Kevent(p.kq, del, nil, nil)
	}
	if add := eventsToKevents(fd, events&^old, unix.EV_ADD|unix.EV_ENABLE); len(add) > 0 {
		if _, err := unix.Kevent(p.kq, add, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// poll blocks for up to timeoutMs (-1 blocks indefinitely) and
// dispatches ready callbacks inline. Returns the number of events.
func (p *poller) poll(timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64(timeoutMs%1000) * 1e6,
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR { //nolint:errorlint
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)

		p.mu.RLock()
		info, exists := p.fds[fd]
		p.mu.RUnlock()

		if exists && info.callback != nil {
			info.callback(keventToEvents(&p.eventBuf[i]))
		}
	}

	return n, nil
}

// eventsToKevents converts IOEvents into kevent changes for fd.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
