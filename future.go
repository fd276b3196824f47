package futures

// Status represents the lifecycle state of a [Future]. A future starts
// Pending and transitions exactly once to Resolved or Rejected; terminal
// states never change.
type Status int32

const (
	// Pending indicates the future has not yet settled.
	Pending Status = iota
	// Resolved indicates the future settled successfully with a value.
	Resolved
	// Rejected indicates the future settled with an error.
	Rejected
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Resolved:
		return "Resolved"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Value is the dynamic payload type carried by resolved futures.
type Value = any

// Future is a container for an eventual value or error.
//
// Futures are created by constructors in this package ([NewPromise],
// [NewResolved], [Then], [All], [AioRead], ...); the set of variants is
// closed. All methods are safe for concurrent use.
type Future interface {
	// Status returns the current status.
	Status() Status

	// Value returns the resolved value or the rejection error. Consulting
	// a pending future returns ErrPending.
	Value() (Value, error)

	// Ref acquires a reference.
	Ref()
	// Unref releases a reference. Dropping the last reference finalizes
	// the future; dropping the last *dependent* of a pending future
	// triggers its discard hook (cancellation).
	Unref()

	// base returns the shared future state. Implemented by futureBase.
	base() *futureBase
	// propagate delivers a completed parent to this future. It returns
	// true if the variant handled the propagation itself; false requests
	// the default behaviour (complete this future from the parent).
	propagate(completed Future) bool
	// discard is invoked when the last awaiting dependent goes away.
	discard()
}

// chainedFuture is a weak back-reference from a future to a dependent.
type chainedFuture struct {
	wr       WeakRef
	where    Future // identity only; dereferenced iff wr promotes
	awaiting bool
}

// futureBase holds the state shared by every future variant: status,
// value or error, and the list of chained dependents. Variants embed it
// and may override propagate/discard.
type futureBase struct {
	Object
	status  Status
	value   Value
	err     error
	chained []*chainedFuture // append order; drained tail-first
}

func (f *futureBase) base() *futureBase { return f }

// propagate is the default: not handled, complete from the parent.
func (f *futureBase) propagate(Future) bool { return false }

// discard is the default: nothing to cancel.
func (f *futureBase) discard() {}

// Status returns the current status.
func (f *futureBase) Status() Status {
	f.lock()
	s := f.status
	f.unlock()
	return s
}

// Value returns the resolved value or rejection error; ErrPending if the
// future has not settled.
func (f *futureBase) Value() (Value, error) {
	f.lock()
	defer f.unlock()
	switch f.status {
	case Resolved:
		return f.value, nil
	case Rejected:
		return nil, f.err
	default:
		return nil, ErrPending
	}
}

// IsPending reports whether f has not yet settled.
func IsPending(f Future) bool { return f.Status() == Pending }

// IsResolved reports whether f settled with a value.
func IsResolved(f Future) bool { return f.Status() == Resolved }

// IsRejected reports whether f settled with an error.
func IsRejected(f Future) bool { return f.Status() == Rejected }

// futureComplete atomically transitions f from Pending to a terminal
// status and drains the chained list. Completing an already-settled
// future is a no-op (variant code paths guard their own preconditions).
//
// The lock is held only for the status transition and the list swap;
// propagation runs outside the lock. That is safe because the status is
// never mutated again and propagation operates on the stolen list.
func futureComplete(f Future, value Value, err error) {
	fb := f.base()

	fb.lock()
	var chained []*chainedFuture
	if fb.status == Pending {
		if err != nil {
			fb.err = err
			fb.status = Rejected
		} else {
			fb.value = value
			fb.status = Resolved
		}
		chained = fb.chained
		fb.chained = nil
	}
	fb.unlock()

	// Drain in reverse attachment order for predictable LIFO delivery.
	for i := len(chained) - 1; i >= 0; i-- {
		cf := chained[i]
		obj := cf.wr.Get()
		cf.wr.Clear()

		// The dependent may have been released; propagation is a no-op.
		if obj != nil {
			futurePropagate(cf.where, f)
			obj.Unref()
		}
	}
}

// futureCompleteFrom completes f with the terminal state of completed.
func futureCompleteFrom(f, completed Future) {
	cb := completed.base()
	cb.lock()
	status, value, err := cb.status, cb.value, cb.err
	cb.unlock()

	switch status {
	case Resolved:
		futureComplete(f, value, nil)
	case Rejected:
		futureComplete(f, nil, err)
	default:
		panic("futures: propagation from a pending future")
	}
}

// futurePropagate delivers completed to child, honouring the child's
// propagate override and falling back to completing it from the parent.
func futurePropagate(child, completed Future) {
	completed.Ref()
	if !child.propagate(completed) {
		futureCompleteFrom(child, completed)
	}
	completed.Unref()
}

// futureChain makes child a dependent of f. While f is pending the child
// is recorded via a weak back-reference; if f has already settled, the
// propagation happens immediately.
func futureChain(f, child Future) {
	fb := f.base()

	fb.lock()
	if fb.status == Pending {
		cf := &chainedFuture{where: child, awaiting: true}
		cf.wr.Init(&child.base().Object)
		fb.chained = append(fb.chained, cf)
		fb.unlock()
		return
	}
	fb.unlock()

	futurePropagate(child, f)
}

// futureDiscard removes child from f's chained list. If child was the
// last awaiting dependent, f's discard hook runs, which may cancel an
// in-flight external operation.
func futureDiscard(f, child Future) {
	fb := f.base()

	var (
		matched     bool
		hasAwaiting bool
		discarded   []*chainedFuture
	)

	fb.lock()
	kept := fb.chained[:0]
	for _, cf := range fb.chained {
		if cf.where == child {
			if cf.awaiting {
				matched = true
				cf.awaiting = false
			}
			discarded = append(discarded, cf)
		} else {
			hasAwaiting = hasAwaiting || cf.awaiting
			kept = append(kept, cf)
		}
	}
	fb.chained = kept
	fb.unlock()

	// Release the weak refs outside the lock.
	for _, cf := range discarded {
		cf.wr.Clear()
	}

	if matched && !hasAwaiting {
		f.Ref()
		f.discard()
		f.Unref()
	}
}
