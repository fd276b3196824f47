package futures

import (
	"sync"
	"sync/atomic"
)

// Object is the reference-counted base for every runtime-visible entity
// (futures, schedulers, channels, semaphores). It provides an internal
// lock for per-object critical sections and thread-safe weak references.
//
// Reference counting is explicit rather than GC-driven so that dropping
// the last dependent of a future has a deterministic effect (discard and
// cancellation propagation). The zero Object is not usable; embedders
// must call initObject.
//
// Finalization uses a promotion race protocol: a concurrent
// WeakRef.Get racing against the final Unref either observes nil, or
// promotes to a full reference and bumps the watermark, which the
// finalizing thread detects as an extension of liveness.
type Object struct {
	mu        sync.Mutex
	refCount  atomic.Int32
	watermark atomic.Uint32
	weakRefs  *WeakRef // head of doubly-linked list, guarded by mu
	finalizer func()
}

// initObject initialises an embedded Object with one reference and the
// given finalizer (may be nil).
func initObject(o *Object, finalizer func()) {
	o.refCount.Store(1)
	o.watermark.Store(1)
	o.finalizer = finalizer
}

func (o *Object) lock()   { o.mu.Lock() }
func (o *Object) unlock() { o.mu.Unlock() }

// Ref acquires a reference, increasing the reference count by one.
func (o *Object) Ref() {
	o.refCount.Add(1)
}

// Unref releases a reference. If it was the last reference, and no
// concurrent weak-ref promotion extended the object's liveness, the
// object's finalizer runs exactly once.
func (o *Object) Unref() {
	// Sample the watermark before decrementing so that any promotion
	// racing with the final decrement is observable below.
	watermark := o.watermark.Load()

	if o.refCount.Add(-1) != 0 {
		return
	}

	// We reached zero. Acquire the object lock and every weak-ref lock in
	// list order so no weak-ref can promote mid-protocol.
	o.lock()
	for wr := o.weakRefs; wr != nil; wr = wr.next {
		wr.mu.Lock()
	}

	// A promotion between the decrement and the locks above bumped either
	// the reference count or the watermark; the promoting side now owns
	// responsibility for finalization.
	if o.refCount.Load() > 0 || o.watermark.Load() != watermark {
		for wr := o.weakRefs; wr != nil; wr = wr.next {
			wr.mu.Unlock()
		}
		o.unlock()
		return
	}

	// Detach every weak reference, unlocking each as it is detached.
	weakRefs := o.weakRefs
	o.weakRefs = nil
	for weakRefs != nil {
		wr := weakRefs
		weakRefs = wr.next
		wr.prev = nil
		wr.next = nil
		wr.target = nil
		wr.mu.Unlock()
	}

	o.unlock()

	// If a promotion made the object immortal we must not finalize.
	if o.refCount.Load() == 0 && o.finalizer != nil {
		o.finalizer()
	}
}

// addWeak links wr into o's weak-ref list. Caller must hold a full ref.
func (o *Object) addWeak(wr *WeakRef) {
	o.lock()
	wr.prev = nil
	wr.next = o.weakRefs
	if o.weakRefs != nil {
		o.weakRefs.prev = wr
	}
	o.weakRefs = wr
	o.unlock()
}

// removeWeak unlinks wr from o's weak-ref list. Caller must hold a full
// ref.
func (o *Object) removeWeak(wr *WeakRef) {
	o.lock()
	if wr.prev != nil {
		wr.prev.next = wr.next
	}
	if wr.next != nil {
		wr.next.prev = wr.prev
	}
	if o.weakRefs == wr {
		o.weakRefs = wr.next
	}
	wr.prev = nil
	wr.next = nil
	wr.target = nil
	o.unlock()
}

// WeakRef is a weak reference to an [Object]. It holds its own lock and
// is linked into its target's weak-ref list. The zero WeakRef is valid
// and points at nothing.
//
// WeakRef values must not be copied after first use.
type WeakRef struct {
	mu     sync.Mutex
	target *Object
	prev   *WeakRef
	next   *WeakRef
}

// Init points wr at obj. It is an error to create a weak reference
// without holding a full reference to obj.
func (wr *WeakRef) Init(obj *Object) {
	if obj != nil {
		wr.Set(obj)
	}
}

// Set atomically retargets wr. Passing nil clears it.
func (wr *WeakRef) Set(obj *Object) {
	wr.mu.Lock()
	old := wr.target
	if old == obj {
		wr.mu.Unlock()
		return
	}
	wr.target = nil
	wr.mu.Unlock()

	if old != nil {
		old.removeWeak(wr)
	}
	if obj != nil {
		obj.addWeak(wr)
		wr.mu.Lock()
		wr.target = obj
		wr.mu.Unlock()
	}
}

// Clear drops the reference, detaching wr from its target's list.
func (wr *WeakRef) Clear() {
	wr.Set(nil)
}

// Get promotes the weak reference to a full reference, returning the
// target with its reference count increased, or nil if the target has
// been (or is being) finalized.
//
// If the watermark saturates, the object becomes immortal: an extra
// reference is taken that is never released.
func (wr *WeakRef) Get() *Object {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	if wr.target == nil {
		return nil
	}

	obj := wr.target

	// Bump the watermark so a racing Unref detects that we extended
	// liveness. If we wrapped, force immortality with a second reference.
	delta := int32(1)
	if obj.watermark.Add(1) == 0 {
		delta = 2
	}
	obj.refCount.Add(delta)

	return obj
}
