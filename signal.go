package futures

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// The signals a UnixSignal future may watch. Synchronous signals
// (SIGSEGV and friends) and signals the Go runtime owns are refused.
var allowedSignals = map[unix.Signal]struct{}{
	unix.SIGHUP:   {},
	unix.SIGINT:   {},
	unix.SIGQUIT:  {},
	unix.SIGUSR1:  {},
	unix.SIGUSR2:  {},
	unix.SIGTERM:  {},
	unix.SIGWINCH: {},
}

// unixSignalFuture resolves with the signal number once it fires.
type unixSignalFuture struct {
	futureBase
	ch   chan os.Signal
	done chan struct{}
}

// NewUnixSignal creates a future that resolves with signum when the
// process receives that signal. Only a restricted set of asynchronous
// signals is supported; anything else panics.
func NewUnixSignal(signum unix.Signal) Future {
	if _, ok := allowedSignals[signum]; !ok {
		panic("futures: unsupported signal for unix signal future")
	}

	u := &unixSignalFuture{
		ch:   make(chan os.Signal, 1),
		done: make(chan struct{}),
	}
	initObject(&u.Object, func() {
		signal.Stop(u.ch)
		close(u.done)
	})

	signal.Notify(u.ch, signum)

	go func() {
		select {
		case <-u.done:
		case <-u.ch:
			signal.Stop(u.ch)
			futureComplete(u, int(signum), nil)
		}
	}()

	return u
}
