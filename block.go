package futures

// FutureCallback processes a completed future on behalf of a block.
// Returning nil propagates the completed future's result to the block;
// returning a future chains it so the block settles from it instead.
type FutureCallback func(completed Future) Future

// blockKind selects which parent settlements a block's callback handles.
type blockKind uint8

const (
	blockKindThen blockKind = 1 << iota
	blockKindCatch
	blockKindLoop

	blockKindFinally = blockKindThen | blockKindCatch
)

// block wraps a parent future with a callback that runs on a scheduler
// when the parent settles with a matching status.
type block struct {
	futureBase

	scheduler Scheduler
	awaiting  Future // the future we are waiting on, owned
	callback  FutureCallback
	onRelease func() // closure destroy hook, runs once at finalize
	kind      blockKind
	handled   bool
}

func newBlock(f Future, scheduler Scheduler, kind blockKind, callback FutureCallback, onRelease func()) *block {
	if scheduler == nil {
		scheduler = ThreadDefaultScheduler()
	}

	b := &block{
		scheduler: scheduler,
		awaiting:  f,
		callback:  callback,
		onRelease: onRelease,
		kind:      kind,
	}
	initObject(&b.Object, b.finalize)

	f.Ref()
	futureChain(f, b)

	return b
}

func (b *block) finalize() {
	if b.onRelease != nil {
		b.onRelease()
		b.onRelease = nil
	}
	b.callback = nil
	if b.awaiting != nil {
		// Dropping the last reference to a block also drops its interest
		// in the awaited future, which may propagate cancellation.
		futureDiscard(b.awaiting, b)
		b.awaiting.Unref()
		b.awaiting = nil
	}
}

// handles reports whether the block's callback reacts to the completed
// future's terminal status.
func (b *block) handles(completed Future) bool {
	switch completed.Status() {
	case Resolved:
		return b.kind&blockKindThen != 0
	case Rejected:
		return b.kind&blockKindCatch != 0
	default:
		return false
	}
}

func (b *block) propagate(completed Future) bool {
	// Mark the result handled so a secondary propagation (from a future
	// the callback returned) does not execute the callback again, unless
	// this is a loop block.
	b.lock()
	doCallback := !b.handled
	b.handled = true
	awaiting := b.awaiting
	b.awaiting = nil
	b.unlock()

	if awaiting != nil {
		awaiting.Unref()
	}

	if !doCallback || !b.handles(completed) {
		return false
	}

	// Run the callback on the block's scheduler. When we are already on
	// it, invoke inline to avoid a queue round-trip.
	if b.scheduler == nil || b.scheduler.isCurrent() {
		b.invoke(completed)
	} else {
		b.Ref()
		completed.Ref()
		b.scheduler.Push(func() {
			b.invoke(completed)
			completed.Unref()
			b.Unref()
		})
	}

	return true
}

// invoke runs the callback and wires up its result.
func (b *block) invoke(completed Future) {
	delayed := b.runCallback(completed)

	if delayed != nil {
		b.lock()
		b.awaiting = delayed
		if b.kind&blockKindLoop != 0 {
			// Loop blocks re-enter the callback each time the returned
			// future settles.
			b.handled = false
		}
		b.unlock()

		futureChain(delayed, b)
		return
	}

	futureCompleteFrom(b, completed)
}

// runCallback executes the callback with panic protection; a panic
// rejects the block.
func (b *block) runCallback(completed Future) (delayed Future) {
	defer func() {
		if r := recover(); r != nil {
			delayed = nil
			futureComplete(b, nil, PanicError{Value: r})
		}
	}()
	return b.callback(completed)
}

// Then calls callback when f resolves. If f rejects, the rejection
// passes through and callback is not called.
func Then(f Future, callback FutureCallback) Future {
	return newBlock(f, nil, blockKindThen, callback, nil)
}

// Catch calls callback when f rejects. If f resolves, the value passes
// through and callback is not called.
func Catch(f Future, callback FutureCallback) Future {
	return newBlock(f, nil, blockKindCatch, callback, nil)
}

// Finally calls callback when f resolves or rejects.
func Finally(f Future, callback FutureCallback) Future {
	return newBlock(f, nil, blockKindFinally, callback, nil)
}

// ThenLoop is like [Then] except the callback is re-entered as each
// returned future resolves, allowing for infinite loops.
func ThenLoop(f Future, callback FutureCallback) Future {
	return newBlock(f, nil, blockKindThen|blockKindLoop, callback, nil)
}

// CatchLoop is like [Catch] except the callback is re-entered as each
// returned future rejects, allowing for retry loops.
func CatchLoop(f Future, callback FutureCallback) Future {
	return newBlock(f, nil, blockKindCatch|blockKindLoop, callback, nil)
}

// FinallyLoop is like [Finally] except the callback is re-entered as
// each returned future settles.
func FinallyLoop(f Future, callback FutureCallback) Future {
	return newBlock(f, nil, blockKindFinally|blockKindLoop, callback, nil)
}

// BlockOn is like [Finally] but runs the callback on an explicit
// scheduler and accepts a release hook that runs exactly once when the
// block is finalized.
func BlockOn(f Future, scheduler Scheduler, callback FutureCallback, onRelease func()) Future {
	return newBlock(f, scheduler, blockKindFinally, callback, onRelease)
}

// Disown detaches a future, allowing it to run to completion even
// though no observer holds a reference to it. The caller's reference is
// consumed.
func Disown(f Future) {
	// A finally block holding a self-reference keeps the chain alive
	// until f settles, then releases itself.
	b := newBlock(f, nil, blockKindFinally, func(Future) Future {
		return nil
	}, nil)
	futureChain(b, newDisownReaper(b))
	f.Unref()
}

// disownReaper releases the disowned block once it settles.
type disownReaper struct {
	futureBase
	target Future
}

func newDisownReaper(target Future) *disownReaper {
	r := &disownReaper{target: target}
	initObject(&r.Object, nil)
	return r
}

func (r *disownReaper) propagate(Future) bool {
	if t := r.target; t != nil {
		r.target = nil
		t.Unref()
	}
	return true
}
