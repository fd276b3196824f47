package futures

import (
	"sync"

	"golang.org/x/sys/unix"
)

// AioContext is a per-thread I/O source that drives submission and
// completion of asynchronous file operations. Each context is owned by
// one scheduler thread; submissions from other threads are queued on
// the owner under lock and its loop is woken.
//
// The scheduler owning an AIO context must outlive it: submitting to a
// context whose thread has been torn down is a programming error.
type AioContext interface {
	Source

	// Read submits an asynchronous read of len(buf) bytes from fd at
	// offset (-1 for the current file position). The returned future
	// resolves with the signed byte count as an int64, or rejects with an
	// *IOError.
	Read(fd int, buf []byte, offset int64) Future

	// Write submits an asynchronous write, with the same contract as
	// Read.
	Write(fd int, buf []byte, offset int64) Future

	// close releases backend resources once detached from its loop.
	close()
}

// AioBackend creates AIO contexts. Two interchangeable backends exist:
// an io_uring ring (preferred, Linux 6.1+) and a pool of
// synchronous-syscall worker threads (fallback).
type AioBackend interface {
	// CreateContext creates a context attached to loop. The ring backend
	// may fail (resource limits); the fallback backend never does.
	CreateContext(loop *Loop) (AioContext, error)

	// Name identifies the backend ("uring" or "threadpool").
	Name() string
}

var aioBackendDefault struct {
	once sync.Once
	b    AioBackend
}

// defaultAioBackend selects the preferred backend once per process.
func defaultAioBackend() AioBackend {
	aioBackendDefault.once.Do(func() {
		if b := newUringBackend(); b != nil {
			aioBackendDefault.b = b
			return
		}
		aioBackendDefault.b = newAioPoolBackend()
	})
	return aioBackendDefault.b
}

// AioBackendName reports which AIO backend this process selected.
func AioBackendName() string {
	return defaultAioBackend().Name()
}

type aioOp uint8

const (
	aioOpRead aioOp = iota
	aioOpWrite
)

func (op aioOp) String() string {
	if op == aioOpWrite {
		return "write"
	}
	return "read"
}

// aioFuture is pending until its backend completes it with a signed
// byte count or an errno-derived error.
type aioFuture struct {
	futureBase

	op     aioOp
	fd     int
	buf    []byte
	offset int64

	// Result staging for the threadpool backend; the ring backend
	// completes directly from the CQE.
	res   int64
	errno unix.Errno
}

func newAioFuture(op aioOp, fd int, buf []byte, offset int64) *aioFuture {
	f := &aioFuture{op: op, fd: fd, buf: buf, offset: offset}
	initObject(&f.Object, nil)
	return f
}

// finish settles the future from a syscall-style result.
func (f *aioFuture) finish(res int64, errno unix.Errno) {
	if errno != 0 {
		futureComplete(f, nil, newIOError(f.op.String(), errno))
		return
	}
	futureComplete(f, res, nil)
}

// resolveAioContext picks the context for an implicit submission: the
// calling thread's scheduler context, falling back to the process
// default scheduler.
func resolveAioContext() AioContext {
	if s := ThreadDefaultScheduler(); s != nil {
		if ctx := s.AioContext(); ctx != nil {
			return ctx
		}
	}
	return Default().AioContext()
}

// AioRead reads count bytes (the length of buf) from fd at offset into
// buf without blocking the caller. Offset -1 reads from the current
// file position. A nil ctx submits to the calling thread's context.
//
// The future resolves with the number of bytes read as an int64 (zero
// at end of file) or rejects with an *IOError.
func AioRead(ctx AioContext, fd int, buf []byte, offset int64) Future {
	if ctx == nil {
		ctx = resolveAioContext()
	}
	if ctx == nil {
		return NewRejected(newIOError("read", unix.ENOTSUP))
	}
	return ctx.Read(fd, buf, offset)
}

// AioWrite writes len(buf) bytes to fd at offset without blocking the
// caller. Offset -1 appends at the current file position. A nil ctx
// submits to the calling thread's context.
//
// The future resolves with the number of bytes written as an int64 or
// rejects with an *IOError.
func AioWrite(ctx AioContext, fd int, buf []byte, offset int64) Future {
	if ctx == nil {
		ctx = resolveAioContext()
	}
	if ctx == nil {
		return NewRejected(newIOError("write", unix.ENOTSUP))
	}
	return ctx.Write(fd, buf, offset)
}
