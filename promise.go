package futures

import "sync"

// CancelToken is an opaque cancellation handle recognised by wrapped
// asynchronous operations. Cancellation is cooperative: the external
// operation decides when to honour it.
type CancelToken struct {
	mu        sync.Mutex
	cancelled bool
	callbacks []func()
}

// Cancel marks the token cancelled and runs registered callbacks
// exactly once. Subsequent calls are no-ops.
func (t *CancelToken) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// IsCancelled reports whether Cancel has been called.
func (t *CancelToken) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// OnCancel registers a callback, invoking it immediately if the token is
// already cancelled.
func (t *CancelToken) OnCancel(cb func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		cb()
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// Promise is a future whose settlement is driven by the producer side
// via [Promise.Resolve] and [Promise.Reject].
type Promise struct {
	futureBase
	token *CancelToken
}

// NewPromise creates a new pending promise.
func NewPromise() *Promise {
	p := &Promise{}
	initObject(&p.Object, nil)
	return p
}

// NewCancellablePromise creates a promise that propagates cancellation
// to its [CancelToken] when the last awaiting dependent is discarded.
// This is the plumbing used to cancel wrapped asynchronous operations.
func NewCancellablePromise() *Promise {
	p := NewPromise()
	p.token = &CancelToken{}
	return p
}

// Token returns the cancellation token, or nil for a plain promise.
func (p *Promise) Token() *CancelToken {
	return p.token
}

// Resolve settles the promise with value. Resolving a promise that has
// already settled is a fatal programming error.
func (p *Promise) Resolve(value Value) {
	if p.Status() != Pending {
		panic("futures: resolve of settled promise")
	}
	futureComplete(p, value, nil)
}

// Reject settles the promise with err. Rejecting a promise that has
// already settled is a fatal programming error.
func (p *Promise) Reject(err error) {
	if err == nil {
		panic("futures: reject requires a non-nil error")
	}
	if p.Status() != Pending {
		panic("futures: reject of settled promise")
	}
	futureComplete(p, nil, err)
}

func (p *Promise) discard() {
	if p.token != nil {
		p.token.Cancel()
	}
}

// Cancellable is a pending future whose sole mutation is
// [Cancellable.Cancel], which rejects it with ErrCancelled.
type Cancellable struct {
	futureBase
}

// NewCancellable creates a new pending cancellable future.
func NewCancellable() *Cancellable {
	c := &Cancellable{}
	initObject(&c.Object, nil)
	return c
}

// Cancel rejects the future with ErrCancelled. Cancelling an
// already-settled future has no effect.
func (c *Cancellable) Cancel() {
	futureComplete(c, nil, ErrCancelled)
}
