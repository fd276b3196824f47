package futures

import "sync/atomic"

// watchFuture resolves with the ready events bitset once its file
// descriptor becomes ready for any of the requested conditions
// (hang-up and error conditions are always reported).
type watchFuture struct {
	futureBase
	loop       *Loop
	fd         int
	registered atomic.Bool
}

// NewWatch creates a one-shot readiness future for fd, resolving with
// the actual [IOEvents] observed when any requested event fires. The
// watcher attaches to the calling thread's loop.
func NewWatch(fd int, events IOEvents) Future {
	w := &watchFuture{loop: timerLoop(), fd: fd}
	initObject(&w.Object, func() {
		w.unregister()
	})

	var wr WeakRef
	wr.Init(&w.Object)

	w.registered.Store(true)
	err := w.loop.RegisterFD(fd, events, func(revents IOEvents) {
		obj := wr.Get()
		wr.Clear()
		if obj == nil {
			return
		}
		w.unregister()
		futureComplete(w, revents, nil)
		obj.Unref()
	})
	if err != nil {
		w.registered.Store(false)
		wr.Clear()
		futureComplete(w, nil, err)
	}

	return w
}

func (w *watchFuture) unregister() {
	if w.registered.CompareAndSwap(true, false) {
		_ = w.loop.UnregisterFD(w.fd)
	}
}

// discard cancels the watch when the last awaiting dependent goes away.
func (w *watchFuture) discard() {
	w.unregister()
	futureComplete(w, nil, ErrCancelled)
}
