package futures

import "sync"

// staticFuture is resolved or rejected at construction and immutable
// thereafter.
type staticFuture struct {
	futureBase
}

func newStaticFuture(value Value, err error) *staticFuture {
	f := &staticFuture{}
	initObject(&f.Object, nil)
	if err != nil {
		f.status = Rejected
		f.err = err
	} else {
		f.status = Resolved
		f.value = value
	}
	return f
}

// NewResolved creates a read-only future that has already resolved with
// value.
func NewResolved(value Value) Future {
	return newStaticFuture(value, nil)
}

// NewRejected creates a read-only future that has already rejected with
// err.
func NewRejected(err error) Future {
	if err == nil {
		panic("futures: NewRejected requires a non-nil error")
	}
	return newStaticFuture(nil, err)
}

var (
	staticBoolOnce sync.Once
	staticBools    [2]*staticFuture
)

// NewResolvedBool returns a resolved future carrying v. The two boolean
// futures are shared immortal singletons; callers receive their own
// reference.
func NewResolvedBool(v bool) Future {
	staticBoolOnce.Do(func() {
		staticBools[0] = newStaticFuture(false, nil)
		staticBools[1] = newStaticFuture(true, nil)
		// The package keeps one reference to each forever.
	})
	f := staticBools[0]
	if v {
		f = staticBools[1]
	}
	f.Ref()
	return f
}

// infiniteFuture never settles. Propagation is unreachable and discard
// is a no-op.
type infiniteFuture struct {
	futureBase
}

func (f *infiniteFuture) propagate(Future) bool {
	panic("futures: propagation to an infinite future")
}

// NewInfinite creates a future that will never resolve or reject. This
// can be useful to mock a "run forever" situation unless another future
// rejects or resolves first.
func NewInfinite() Future {
	f := &infiniteFuture{}
	initObject(&f.Object, nil)
	return f
}
