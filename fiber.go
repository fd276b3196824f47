package futures

import "sync"

// FiberFunc is the entry point of a fiber. The returned future becomes
// the fiber's result: the fiber future resolves or rejects with it.
// Returning nil rejects the fiber with ErrRoutineCompleted.
type FiberFunc func() Future

type fiberState int32

const (
	fiberReady fiberState = iota
	fiberRunning
	fiberWaiting
	fiberExited
)

// Fiber is a cooperatively scheduled task and, simultaneously, the
// future resolving with the task's result.
//
// Fibers are goroutines with an explicit park/resume handoff: the
// owning [FiberScheduler] and the fiber never run concurrently, so the
// fiber executes with the same single-threaded guarantees as work items
// on its scheduler. A fiber, once registered, is never migrated.
type Fiber struct {
	futureBase

	entry     FiberFunc
	stackSize int // hint only; goroutine stacks are runtime-managed

	sched *FiberScheduler // owner, set at registration, never changes

	// state is guarded by sched.mu once registered.
	state   fiberState
	started bool

	// Handoff channels. The scheduler sends on resume to enter the
	// fiber; the fiber sends on yield to give control back.
	resume chan struct{}
	yield  chan struct{}
}

func newFiber(entry FiberFunc, stackSize int) *Fiber {
	if entry == nil {
		panic("futures: fiber requires an entry function")
	}
	f := &Fiber{
		entry:     entry,
		stackSize: stackSize,
		resume:    make(chan struct{}),
		yield:     make(chan struct{}),
	}
	initObject(&f.Object, nil)
	return f
}

// main is the fiber goroutine body.
func (f *Fiber) main() {
	<-f.resume

	gid := goroutineID()
	setFiberContext(gid, f, f.sched.owner)

	result, err := f.runEntry()

	var value Value
	if err == nil {
		if result == nil {
			err = ErrRoutineCompleted
		} else {
			value, err = f.await(result)
			result.Unref()
		}
	}

	clearThreadDefault(gid)

	futureComplete(f, value, err)

	f.sched.mu.Lock()
	f.state = fiberExited
	f.sched.mu.Unlock()

	f.yield <- struct{}{}
}

// runEntry executes the entry function with panic protection.
func (f *Fiber) runEntry() (result Future, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = PanicError{Value: r}
		}
	}()
	return f.entry(), nil
}

// await suspends the fiber until awaited settles, then returns its
// value or error. The suspension yields control to the fiber scheduler;
// the OS thread is never blocked.
func (f *Fiber) await(awaited Future) (Value, error) {
	if awaited.Status() == Pending {
		w := newFiberWaiter(f)
		futureChain(awaited, w)

		f.sched.mu.Lock()
		f.state = fiberWaiting
		f.sched.mu.Unlock()

		f.yield <- struct{}{}
		<-f.resume

		w.Unref()
	}
	return awaited.Value()
}

// fiberWaiter re-queues its fiber when the awaited future settles. The
// settlement value is read from the awaited future directly, so the
// waiter never completes itself.
type fiberWaiter struct {
	futureBase
	fiber *Fiber
}

func newFiberWaiter(f *Fiber) *fiberWaiter {
	w := &fiberWaiter{fiber: f}
	initObject(&w.Object, nil)
	return w
}

func (w *fiberWaiter) propagate(Future) bool {
	w.fiber.sched.markReady(w.fiber)
	return true
}

// FiberScheduler runs fibers belonging to one [Scheduler]. It is a loop
// [Source]: its dispatch drains the ready queue until empty, so fibers
// that never suspend complete within a single loop iteration.
type FiberScheduler struct {
	mu      sync.Mutex
	owner   Scheduler
	loop    *Loop
	ready   []*Fiber
	waiting map[*Fiber]struct{}
	current *Fiber
}

func newFiberScheduler(owner Scheduler, loop *Loop) *FiberScheduler {
	return &FiberScheduler{
		owner:   owner,
		loop:    loop,
		waiting: make(map[*Fiber]struct{}),
	}
}

// register pins f to this scheduler and queues it ready. The scheduler
// holds a reference until the fiber exits.
func (fs *FiberScheduler) register(f *Fiber) {
	f.Ref()
	fs.mu.Lock()
	f.sched = fs
	f.state = fiberReady
	fs.ready = append(fs.ready, f)
	fs.mu.Unlock()
	fs.loop.Wakeup()
}

// markReady moves f from waiting to ready and wakes the owning loop.
// Safe to call from any goroutine.
func (fs *FiberScheduler) markReady(f *Fiber) {
	fs.mu.Lock()
	delete(fs.waiting, f)
	queued := false
	for _, r := range fs.ready {
		if r == f {
			queued = true
			break
		}
	}
	if !queued && f.state != fiberExited {
		fs.ready = append(fs.ready, f)
	}
	fs.mu.Unlock()
	fs.loop.Wakeup()
}

func (fs *FiberScheduler) Prepare() (int, bool) {
	return -1, fs.Check()
}

func (fs *FiberScheduler) Check() bool {
	fs.mu.Lock()
	ready := len(fs.ready) > 0
	fs.mu.Unlock()
	return ready
}

func (fs *FiberScheduler) Dispatch() bool {
	for {
		fs.mu.Lock()
		if len(fs.ready) == 0 {
			fs.mu.Unlock()
			return true
		}
		f := fs.ready[0]
		fs.ready = fs.ready[1:]
		delete(fs.waiting, f)
		f.state = fiberRunning
		fs.current = f
		fs.mu.Unlock()

		fs.runFiber(f)

		fs.mu.Lock()
		fs.current = nil
		exited := f.state == fiberExited
		if f.state == fiberWaiting {
			fs.waiting[f] = struct{}{}
		}
		fs.mu.Unlock()

		if exited {
			// Drop the registration reference.
			f.Unref()
		}
	}
}

// runFiber transfers control to the fiber and blocks until it yields or
// exits. The fiber and the loop goroutine never run concurrently.
func (fs *FiberScheduler) runFiber(f *Fiber) {
	if !f.started {
		f.started = true
		go f.main()
	}
	f.resume <- struct{}{}
	<-f.yield
}

// Spawn registers a fiber on scheduler (the process default when nil)
// and returns the fiber's future. The stack size hint may be zero.
func Spawn(scheduler Scheduler, stackSize int, entry FiberFunc) Future {
	if scheduler == nil {
		scheduler = ThreadDefaultScheduler()
	}
	if scheduler == nil {
		scheduler = Default()
	}
	return scheduler.Spawn(stackSize, entry)
}

// Await suspends the calling fiber until f settles and returns its
// value or error. Calling Await outside a fiber fails with
// ErrNotOnFiber; work items must run to completion without suspending.
func Await(f Future) (Value, error) {
	fiber := currentFiber()
	if fiber == nil {
		return nil, ErrNotOnFiber
	}
	return fiber.await(f)
}
