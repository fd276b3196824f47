package futures

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Threadpool AIO backend: a shared pool of goroutines performs
// synchronous positioned (or streaming) reads and writes, then hands
// completed futures back to the submitting context, which resolves them
// on its loop. The fallback never blocks the calling thread.

const aioPoolWorkers = 4

// aioJobQueue is the shared, unbounded job queue feeding the
// synchronous I/O workers.
type aioJobQueue struct {
	mu   sync.Mutex
	cond *sync.Cond
	jobs []*aioJob
}

type aioJob struct {
	f   *aioFuture
	ctx *aioPoolContext
}

var aioPool struct {
	once  sync.Once
	queue *aioJobQueue
}

func aioPoolQueue() *aioJobQueue {
	aioPool.once.Do(func() {
		q := &aioJobQueue{}
		q.cond = sync.NewCond(&q.mu)
		aioPool.queue = q
		for i := 0; i < aioPoolWorkers; i++ {
			go q.worker()
		}
	})
	return aioPool.queue
}

func (q *aioJobQueue) push(job *aioJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *aioJobQueue) worker() {
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 {
			q.cond.Wait()
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job.f.perform()
		job.ctx.take(job.f)
	}
}

// perform runs the blocking syscall, staging the result on the future.
func (f *aioFuture) perform() {
	for {
		var n int
		var err error
		switch {
		case f.op == aioOpRead && f.offset < 0:
			n, err = unix.Read(f.fd, f.buf)
		case f.op == aioOpRead:
			n, err = unix.Pread(f.fd, f.buf, f.offset)
		case f.offset < 0:
			n, err = unix.Write(f.fd, f.buf)
		default:
			n, err = unix.Pwrite(f.fd, f.buf, f.offset)
		}

		if err != nil {
			errno, ok := err.(unix.Errno) //nolint:errorlint
			if !ok {
				errno = unix.EIO
			}
			if errno == unix.EINTR {
				continue
			}
			f.res, f.errno = 0, errno
			return
		}
		f.res, f.errno = int64(n), 0
		return
	}
}

type aioPoolBackend struct{}

func newAioPoolBackend() AioBackend {
	return &aioPoolBackend{}
}

func (b *aioPoolBackend) Name() string { return "threadpool" }

func (b *aioPoolBackend) CreateContext(loop *Loop) (AioContext, error) {
	return &aioPoolContext{loop: loop}, nil
}

// aioPoolContext owns the completion queue for one loop.
type aioPoolContext struct {
	loop *Loop

	mu        sync.Mutex
	completed []*aioFuture
}

func (c *aioPoolContext) submit(f *aioFuture) Future {
	f.Ref() // held by the worker until delivered
	aioPoolQueue().push(&aioJob{f: f, ctx: c})
	return f
}

func (c *aioPoolContext) Read(fd int, buf []byte, offset int64) Future {
	return c.submit(newAioFuture(aioOpRead, fd, buf, offset))
}

func (c *aioPoolContext) Write(fd int, buf []byte, offset int64) Future {
	return c.submit(newAioFuture(aioOpWrite, fd, buf, offset))
}

// take receives a completed future from an I/O worker and wakes the
// owning loop so its dispatch resolves the future on the loop thread.
func (c *aioPoolContext) take(f *aioFuture) {
	c.mu.Lock()
	c.completed = append(c.completed, f)
	c.mu.Unlock()
	c.loop.Wakeup()
}

func (c *aioPoolContext) Prepare() (int, bool) {
	return -1, c.Check()
}

func (c *aioPoolContext) Check() bool {
	c.mu.Lock()
	ready := len(c.completed) > 0
	c.mu.Unlock()
	return ready
}

func (c *aioPoolContext) Dispatch() bool {
	c.mu.Lock()
	completed := c.completed
	c.completed = nil
	c.mu.Unlock()

	for _, f := range completed {
		f.finish(f.res, f.errno)
		f.Unref()
	}
	return true
}

func (c *aioPoolContext) close() {
	c.mu.Lock()
	completed := c.completed
	c.completed = nil
	c.mu.Unlock()

	for _, f := range completed {
		f.finish(f.res, f.errno)
		f.Unref()
	}
}
