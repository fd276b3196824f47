package futures

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type testObject struct {
	Object
	finalized *atomic.Int64
}

func newTestObject(counter *atomic.Int64) *testObject {
	o := &testObject{finalized: counter}
	initObject(&o.Object, func() {
		counter.Add(1)
	})
	return o
}

func TestObject_UnrefFinalizesOnce(t *testing.T) {
	var count atomic.Int64
	o := newTestObject(&count)

	o.Ref()
	o.Unref()
	require.Equal(t, int64(0), count.Load())

	o.Unref()
	require.Equal(t, int64(1), count.Load())
}

func TestWeakRef_GetPromotes(t *testing.T) {
	var count atomic.Int64
	o := newTestObject(&count)

	var wr WeakRef
	wr.Init(&o.Object)

	got := wr.Get()
	require.NotNil(t, got)
	require.Same(t, &o.Object, got)

	got.Unref()
	require.Equal(t, int64(0), count.Load())

	o.Unref()
	require.Equal(t, int64(1), count.Load())

	// After finalization the weak ref observes nil.
	require.Nil(t, wr.Get())
}

func TestWeakRef_ClearDetaches(t *testing.T) {
	var count atomic.Int64
	o := newTestObject(&count)

	var wr WeakRef
	wr.Init(&o.Object)
	wr.Clear()
	require.Nil(t, wr.Get())

	o.Unref()
	require.Equal(t, int64(1), count.Load())
}

// TestWeakRef_PromotionRace exercises the promotion race protocol: a
// thread dropping the last full reference races concurrent weak-ref
// getters. Every object must be finalized exactly once, and a getter
// that wins promotion must receive a usable full reference.
func TestWeakRef_PromotionRace(t *testing.T) {
	const (
		iterations = 10_000
		getters    = 8
	)

	var finalized atomic.Int64

	for i := 0; i < iterations; i++ {
		o := newTestObject(&finalized)

		wrs := make([]*WeakRef, getters)
		for g := range wrs {
			wrs[g] = &WeakRef{}
			wrs[g].Init(&o.Object)
		}

		var start, done sync.WaitGroup
		start.Add(1)
		done.Add(getters + 1)

		for g := 0; g < getters; g++ {
			g := g
			go func() {
				defer done.Done()
				start.Wait()
				if got := wrs[g].Get(); got != nil {
					// Promotion extended liveness; we are now responsible
					// for this reference.
					got.Unref()
				}
			}()
		}

		go func() {
			defer done.Done()
			start.Wait()
			o.Unref()
		}()

		start.Done()
		done.Wait()
	}

	require.Equal(t, int64(iterations), finalized.Load(),
		"finalize count must equal object count")
}
