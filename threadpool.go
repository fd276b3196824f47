package futures

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// ErrNoWorkers is returned when no thread-pool worker could be started.
var ErrNoWorkers = errors.New("futures: no thread pool workers could be started")

const (
	// maxPoolWorkers caps the worker count regardless of CPU count.
	maxPoolWorkers = 32

	// workerDequeCapacity is the initial per-worker deque capacity.
	workerDequeCapacity = 256
)

// workQueue is the pool's global MPMC work queue. Local worker deques
// are preferred; the global queue feeds workers that ran dry.
type workQueue struct {
	mu    sync.Mutex
	items []*workItem
	wake  func()
}

func (q *workQueue) push(item *workItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	if q.wake != nil {
		q.wake()
	}
}

func (q *workQueue) pop() (*workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *workQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// workerSet tracks running workers so peers can steal from each other.
type workerSet struct {
	mu      sync.RWMutex
	workers []*poolWorker
}

func (s *workerSet) add(w *poolWorker) {
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
}

func (s *workerSet) remove(w *poolWorker) {
	s.mu.Lock()
	for i, other := range s.workers {
		if other == w {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// anyStealable reports whether any peer of thief has queued work.
func (s *workerSet) anyStealable(thief *poolWorker) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w != thief && !w.deque.empty() {
			return true
		}
	}
	return false
}

// stealOne attempts to steal a single item on behalf of thief, starting
// at the next worker in the set and wrapping.
func (s *workerSet) stealOne(thief *poolWorker) (*workItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.workers)
	start := 0
	for i, w := range s.workers {
		if w == thief {
			start = i + 1
			break
		}
	}
	for i := 0; i < n; i++ {
		w := s.workers[(start+i)%n]
		if w == thief {
			continue
		}
		if item, ok := w.deque.steal(); ok {
			return item, true
		}
	}
	return nil, false
}

// poolWorker is one thread of a [ThreadPoolScheduler]: an event loop on
// a dedicated goroutine with its own AIO context, work-stealing deque,
// and fiber scheduler. Workers are themselves schedulers so blocks
// created on a worker stay on that worker.
type poolWorker struct {
	Object
	pool   *ThreadPoolScheduler
	loop   *Loop
	deque  *wsDeque
	fibers *FiberScheduler
	aio    AioContext
	done   chan struct{}
}

var _ Scheduler = (*poolWorker)(nil)

// Push enqueues fn. From the worker's own goroutine (or one of its
// fibers), the item lands on the local deque; otherwise it goes through
// the loop's task queue, which runs ahead of all sources, because
// cross-thread pushes are usually future completions that would delay
// further processing.
func (w *poolWorker) Push(fn func()) {
	if w.isCurrent() {
		w.deque.push(&workItem{fn: fn})
		return
	}
	if err := w.loop.Submit(fn); err != nil {
		w.pool.logger.Err().Err(err).Log("futures: dropped work item pushed to stopped worker")
	}
}

func (w *poolWorker) Spawn(stackSize int, entry FiberFunc) Future {
	f := newFiber(entry, stackSize)
	w.fibers.register(f)
	return f
}

func (w *poolWorker) AioContext() AioContext { return w.aio }
func (w *poolWorker) Loop() *Loop            { return w.loop }

func (w *poolWorker) isCurrent() bool {
	tc := currentThreadContext()
	return tc != nil && tc.scheduler == Scheduler(w)
}

// dequeSource drains the worker's own deque in bounded batches.
type dequeSource struct {
	w *poolWorker
}

func (src *dequeSource) Prepare() (int, bool) { return -1, !src.w.deque.empty() }
func (src *dequeSource) Check() bool          { return !src.w.deque.empty() }

func (src *dequeSource) Dispatch() bool {
	for i := 0; i < dispatchBatch; i++ {
		item, ok := src.w.deque.pop()
		if !ok {
			break
		}
		item.invoke()
	}
	return true
}

// stealSource robs peers when the local deque is dry. It runs at a
// priority just above the global queue so peers are preferred.
type stealSource struct {
	w *poolWorker
}

func (src *stealSource) Prepare() (int, bool) { return -1, src.Check() }

func (src *stealSource) Check() bool {
	return src.w.pool.set.anyStealable(src.w)
}

func (src *stealSource) Dispatch() bool {
	if item, ok := src.w.pool.set.stealOne(src.w); ok {
		item.invoke()
	}
	return true
}

// globalSource pulls from the pool's global queue at idle priority.
type globalSource struct {
	w *poolWorker
}

func (src *globalSource) Prepare() (int, bool) { return -1, src.Check() }
func (src *globalSource) Check() bool          { return !src.w.pool.queue.empty() }

func (src *globalSource) Dispatch() bool {
	for i := 0; i < dispatchBatch; i++ {
		item, ok := src.w.pool.queue.pop()
		if !ok {
			break
		}
		item.invoke()
	}
	return true
}

// start brings up the worker goroutine, blocking until its loop and AIO
// context exist. A worker that cannot create an AIO context fails
// startup and is dropped by the pool.
func (w *poolWorker) start() error {
	errCh := make(chan error, 1)

	go func() {
		loop, err := NewLoop(WithLogger(w.pool.logger))
		if err != nil {
			errCh <- err
			return
		}
		w.loop = loop
		loop.scheduler = w

		aio, err := defaultAioBackend().CreateContext(loop)
		if err != nil {
			loop.closeFDs()
			errCh <- err
			return
		}
		w.aio = aio
		loop.AddSource(aio, PriorityHigh)

		w.fibers = newFiberScheduler(w, loop)
		loop.AddSource(w.fibers, PriorityDefault)
		loop.AddSource(&dequeSource{w}, PriorityDefault)
		loop.AddSource(&stealSource{w}, PriorityIdleSteal)
		loop.AddSource(&globalSource{w}, PriorityIdle)

		// Join the set so peers may steal from us.
		w.pool.set.add(w)

		errCh <- nil

		_ = loop.Run(context.Background())

		// Leaving: stop advertising to stealers, then flush whatever is
		// left on the local deque.
		w.pool.set.remove(w)
		for {
			item, ok := w.deque.pop()
			if !ok {
				break
			}
			item.invoke()
		}
		w.aio.close()

		close(w.done)
	}()

	return <-errCh
}

// ThreadPoolScheduler schedules work and fibers across a set of worker
// threads. Work pushed from outside the pool lands on a global queue;
// work pushed from a worker stays on that worker's deque, and idle
// workers steal from peers before consulting the global queue.
type ThreadPoolScheduler struct {
	Object
	queue   *workQueue
	set     *workerSet
	workers []*poolWorker
	rr      atomic.Uint32
	logger  *logiface.Logger[logiface.Event]

	shutdownOnce sync.Once
}

var _ Scheduler = (*ThreadPoolScheduler)(nil)

// NewThreadPool creates a thread-pool scheduler with max(1, NumCPU/2)
// workers by default. Workers that fail startup (for example, because
// no AIO context could be created) are dropped; if none start, an error
// is returned.
func NewThreadPool(opts ...PoolOption) (*ThreadPoolScheduler, error) {
	cfg, err := resolvePoolOptions(opts)
	if err != nil {
		return nil, err
	}

	n := cfg.workers
	if n <= 0 {
		n = runtime.NumCPU() / 2
	}
	if n < 1 {
		n = 1
	}
	if n > maxPoolWorkers {
		n = maxPoolWorkers
	}

	p := &ThreadPoolScheduler{
		queue:  &workQueue{},
		set:    &workerSet{},
		logger: cfg.logger,
	}
	initObject(&p.Object, func() {
		_ = p.Shutdown(context.Background())
	})
	p.queue.wake = p.wakeAll

	for i := 0; i < n; i++ {
		w := &poolWorker{
			pool:  p,
			deque: newWSDeque(workerDequeCapacity),
			done:  make(chan struct{}),
		}
		initObject(&w.Object, nil)
		if err := w.start(); err != nil {
			p.logger.Err().Err(err).Int("worker", i).Log("futures: worker startup failed, dropping")
			continue
		}
		p.workers = append(p.workers, w)
	}

	if len(p.workers) == 0 {
		return nil, ErrNoWorkers
	}

	return p, nil
}

func (p *ThreadPoolScheduler) wakeAll() {
	for _, w := range p.workers {
		w.loop.Wakeup()
	}
}

// Push enqueues fn. Items pushed from a worker of this pool go to that
// worker's deque; everything else goes to the global queue.
func (p *ThreadPoolScheduler) Push(fn func()) {
	if tc := currentThreadContext(); tc != nil {
		if w, ok := tc.scheduler.(*poolWorker); ok && w.pool == p {
			w.deque.push(&workItem{fn: fn})
			return
		}
	}
	p.queue.push(&workItem{fn: fn})
}

// Spawn registers a fiber on a worker chosen round-robin; the fiber is
// pinned there for its lifetime.
func (p *ThreadPoolScheduler) Spawn(stackSize int, entry FiberFunc) Future {
	w := p.nextWorker()
	return w.Spawn(stackSize, entry)
}

func (p *ThreadPoolScheduler) nextWorker() *poolWorker {
	i := p.rr.Add(1)
	return p.workers[int(i-1)%len(p.workers)]
}

// AioContext returns the AIO context of a worker chosen round-robin.
func (p *ThreadPoolScheduler) AioContext() AioContext {
	return p.nextWorker().aio
}

// Loop returns the loop of a worker chosen round-robin.
func (p *ThreadPoolScheduler) Loop() *Loop {
	return p.nextWorker().loop
}

func (p *ThreadPoolScheduler) isCurrent() bool {
	tc := currentThreadContext()
	if tc == nil {
		return false
	}
	w, ok := tc.scheduler.(*poolWorker)
	return ok && w.pool == p
}

// Shutdown stops every worker, draining their remaining local items,
// and waits for the threads to exit or ctx to expire.
func (p *ThreadPoolScheduler) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		for _, w := range p.workers {
			_ = w.loop.Shutdown(ctx)
		}
		for _, w := range p.workers {
			select {
			case <-w.done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}
	})
	return err
}
