package futures

// MainScheduler is a single-threaded cooperative scheduler integrated
// with an event [Loop]. Work items are queued under the object lock and
// drained in FIFO order by a high-priority loop source, so queued work
// preempts lower-priority sources.
type MainScheduler struct {
	Object
	loop    *Loop
	queue   []func() // guarded by the object lock
	running bool     // inside dispatch; guarded by the object lock
	fibers  *FiberScheduler
	src     *mainSchedulerSource
	aio     AioContext
	aioErr  error
	aioInit bool
}

var _ Scheduler = (*MainScheduler)(nil)

// mainSchedulerSource drives the scheduler's queue from the loop.
type mainSchedulerSource struct {
	s *MainScheduler
}

func (src *mainSchedulerSource) Prepare() (int, bool) {
	return -1, src.Check()
}

func (src *mainSchedulerSource) Check() bool {
	s := src.s
	s.lock()
	ready := len(s.queue) > 0
	s.unlock()
	return ready
}

func (src *mainSchedulerSource) Dispatch() bool {
	s := src.s

	s.lock()
	s.running = true
	items := s.queue
	s.queue = nil
	s.unlock()

	for _, fn := range items {
		s.loop.safeExecute(fn)
	}

	s.lock()
	s.running = false
	s.unlock()

	return true
}

// NewMainScheduler creates a main scheduler attached to loop. The
// caller is responsible for running the loop.
func NewMainScheduler(loop *Loop) *MainScheduler {
	if loop == nil {
		panic("futures: main scheduler requires a loop")
	}

	s := &MainScheduler{loop: loop}
	s.src = &mainSchedulerSource{s}
	initObject(&s.Object, func() {
		loop.RemoveSource(s.src)
		if s.aio != nil {
			loop.RemoveSource(s.aio)
			s.aio.close()
		}
	})

	loop.scheduler = s
	loop.AddSource(s.src, PriorityHigh)

	s.fibers = newFiberScheduler(s, loop)
	loop.AddSource(s.fibers, PriorityDefault)

	return s
}

// Push enqueues a work item; if the loop is not currently inside the
// scheduler's dispatch, it is woken.
func (s *MainScheduler) Push(fn func()) {
	s.lock()
	s.queue = append(s.queue, fn)
	wake := !s.running
	s.unlock()

	if wake {
		s.loop.Wakeup()
	}
}

// Spawn registers a fiber on this scheduler and returns its future.
func (s *MainScheduler) Spawn(stackSize int, entry FiberFunc) Future {
	f := newFiber(entry, stackSize)
	s.fibers.register(f)
	return f
}

// Loop returns the event loop driving this scheduler.
func (s *MainScheduler) Loop() *Loop {
	return s.loop
}

// AioContext returns the scheduler's I/O context, created on first use.
// Returns nil if the backend could not create one.
func (s *MainScheduler) AioContext() AioContext {
	s.lock()
	if !s.aioInit {
		s.aioInit = true
		s.aio, s.aioErr = defaultAioBackend().CreateContext(s.loop)
		if s.aioErr != nil {
			s.loop.logger.Err().Err(s.aioErr).Log("futures: failed to create aio context")
			s.aio = nil
		} else {
			s.loop.AddSource(s.aio, PriorityHigh)
		}
	}
	aio := s.aio
	s.unlock()
	return aio
}

func (s *MainScheduler) isCurrent() bool {
	tc := currentThreadContext()
	return tc != nil && tc.scheduler == Scheduler(s)
}
