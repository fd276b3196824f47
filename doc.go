// Package futures is a concurrency runtime built around deferred values
// (futures) and cooperatively scheduled fibers.
//
// A [Future] is a container for an eventual value or error with a
// settled-once contract. Futures compose through block chaining
// ([Then], [Catch], [Finally] and their loop variants) and through
// aggregating combinators ([All], [Any], [AllRace], [First]).
//
// Work is executed by a [Scheduler]. Two implementations are provided:
// a single-threaded [MainScheduler] integrated with an event [Loop], and
// a multi-threaded [ThreadPoolScheduler] with a global work queue and
// per-worker work-stealing deques.
//
// Fibers are cooperatively scheduled tasks pinned to the scheduler that
// spawned them. A fiber may call [Await] on a pending future, suspending
// the fiber (but never its OS thread) until the future settles.
//
// Asynchronous file I/O is available via [AioRead] and [AioWrite],
// backed by an io_uring submission/completion ring on Linux 6.1+ and by
// a pool of synchronous-syscall workers elsewhere. [Semaphore],
// [NewTimeout], [NewUnixSignal], and [NewWatch] are thin futures built
// on top of the same machinery.
//
// # Ownership
//
// Runtime objects are reference counted. Constructors return owned
// references; call Unref when done. Dropping the last dependent of a
// pending future invokes its discard hook, which may propagate
// cancellation to in-flight work.
package futures
