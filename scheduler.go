package futures

import (
	"context"
	"sync"
)

// Scheduler is an executor that runs work items and fibers on one or
// more OS threads and owns per-thread I/O machinery.
type Scheduler interface {
	// Push enqueues a non-suspending work item.
	Push(fn func())

	// Spawn registers a fiber running entry and returns its future. The
	// stack size is a hint and may be ignored.
	Spawn(stackSize int, entry FiberFunc) Future

	// AioContext returns the asynchronous I/O context owned by this
	// scheduler's thread (round-robin for multi-threaded schedulers).
	AioContext() AioContext

	// Loop returns the event loop driving this scheduler (round-robin
	// for multi-threaded schedulers).
	Loop() *Loop

	// Ref and Unref manage the scheduler's lifetime.
	Ref()
	Unref()

	// isCurrent reports whether the calling goroutine belongs to this
	// scheduler (its loop goroutine or one of its fibers).
	isCurrent() bool
}

// threadContext is the per-goroutine state giving I/O primitives and
// block callbacks a home scheduler without explicit plumbing.
type threadContext struct {
	scheduler Scheduler
	fiber     *Fiber
}

var threadCtx struct {
	mu sync.RWMutex
	m  map[uint64]*threadContext
}

func setThreadDefault(gid uint64, s Scheduler) {
	threadCtx.mu.Lock()
	if threadCtx.m == nil {
		threadCtx.m = make(map[uint64]*threadContext)
	}
	threadCtx.m[gid] = &threadContext{scheduler: s}
	threadCtx.mu.Unlock()
}

func setFiberContext(gid uint64, f *Fiber, s Scheduler) {
	threadCtx.mu.Lock()
	if threadCtx.m == nil {
		threadCtx.m = make(map[uint64]*threadContext)
	}
	threadCtx.m[gid] = &threadContext{scheduler: s, fiber: f}
	threadCtx.mu.Unlock()
}

func clearThreadDefault(gid uint64) {
	threadCtx.mu.Lock()
	delete(threadCtx.m, gid)
	threadCtx.mu.Unlock()
}

func currentThreadContext() *threadContext {
	gid := goroutineID()
	threadCtx.mu.RLock()
	tc := threadCtx.m[gid]
	threadCtx.mu.RUnlock()
	return tc
}

// ThreadDefaultScheduler returns the scheduler owning the calling
// goroutine (the loop goroutine of a scheduler, or a fiber spawned by
// one), or nil.
func ThreadDefaultScheduler() Scheduler {
	if tc := currentThreadContext(); tc != nil {
		return tc.scheduler
	}
	return nil
}

// currentFiber returns the fiber the calling goroutine is running, or
// nil.
func currentFiber() *Fiber {
	if tc := currentThreadContext(); tc != nil {
		return tc.fiber
	}
	return nil
}

var processDefault struct {
	once sync.Once
	main *MainScheduler
}

// Default returns the process-wide default scheduler, lazily
// constructing a [MainScheduler] whose loop runs on a dedicated
// goroutine.
func Default() Scheduler {
	processDefault.once.Do(func() {
		loop, err := NewLoop()
		if err != nil {
			panic("futures: failed to create default loop: " + err.Error())
		}
		processDefault.main = NewMainScheduler(loop)
		go func() {
			_ = loop.Run(context.Background())
		}()
	})
	return processDefault.main
}

var processPool struct {
	once sync.Once
	pool *ThreadPoolScheduler
}

// DefaultPool returns the process-wide default thread-pool scheduler,
// constructing it on first use.
func DefaultPool() *ThreadPoolScheduler {
	processPool.once.Do(func() {
		pool, err := NewThreadPool()
		if err != nil {
			panic("futures: failed to create default thread pool: " + err.Error())
		}
		processPool.pool = pool
	})
	return processPool.pool
}
