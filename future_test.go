package futures

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_StatusTransitions(t *testing.T) {
	p := NewPromise()
	require.Equal(t, Pending, p.Status())
	require.True(t, IsPending(p))

	_, err := p.Value()
	require.ErrorIs(t, err, ErrPending)

	p.Resolve("hello")
	require.Equal(t, Resolved, p.Status())
	v, err := p.Value()
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	// Terminal status never changes; value stays stable.
	require.Equal(t, Resolved, p.Status())
	v, err = p.Value()
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestFuture_ValueErrorMutuallyExclusive(t *testing.T) {
	boom := errors.New("boom")
	p := NewPromise()
	p.Reject(boom)

	v, err := p.Value()
	require.Nil(t, v)
	require.ErrorIs(t, err, boom)
	require.True(t, IsRejected(p))
	require.False(t, IsResolved(p))
}

func TestFuture_ChainPropagatesOnce(t *testing.T) {
	parent := NewPromise()

	count := 0
	child := Then(parent, func(completed Future) Future {
		count++
		v, err := completed.Value()
		require.NoError(t, err)
		require.Equal(t, 42, v)
		return nil
	})

	parent.Resolve(42)

	require.Equal(t, 1, count)
	require.Equal(t, Resolved, child.Status())

	v, err := child.Value()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFuture_ChainAfterSettlePropagatesImmediately(t *testing.T) {
	f := NewResolved("done")
	invoked := false
	child := Then(f, func(Future) Future {
		invoked = true
		return nil
	})
	require.True(t, invoked)
	require.Equal(t, Resolved, child.Status())
}

func TestFuture_PropagationIsLIFO(t *testing.T) {
	parent := NewPromise()

	var order []int
	children := make([]Future, 3)
	for i := 0; i < 3; i++ {
		i := i
		children[i] = Finally(parent, func(Future) Future {
			order = append(order, i)
			return nil
		})
	}

	parent.Resolve(true)

	// Dependents are attached FIFO but drained tail-first.
	require.Equal(t, []int{2, 1, 0}, order)
	for _, c := range children {
		assert.Equal(t, Resolved, c.Status())
	}
}

func TestFuture_ReleasedDependentIsSkipped(t *testing.T) {
	parent := NewPromise()

	kept := Finally(parent, func(Future) Future { return nil })
	dropped := Finally(parent, func(Future) Future { return nil })

	// Simulate the dependent being fully released before the parent
	// settles: the chained back-reference is weak, so propagation to it
	// becomes a no-op rather than touching freed state.
	dropped.Unref()

	parent.Resolve(1)
	require.Equal(t, Resolved, kept.Status())
}

func TestFuture_DiscardCancelsPromiseToken(t *testing.T) {
	p := NewCancellablePromise()
	require.False(t, p.Token().IsCancelled())

	child := Then(p, func(Future) Future { return nil })

	// Dropping the only awaiting dependent propagates discard.
	futureDiscard(p, child)

	require.True(t, p.Token().IsCancelled())
	require.Equal(t, Pending, p.Status())
}

func TestFuture_ReleasingBlockPropagatesDiscard(t *testing.T) {
	p := NewCancellablePromise()

	child := Then(p, func(Future) Future { return nil })
	require.False(t, p.Token().IsCancelled())

	// Releasing the only dependent block drops the last awaiter, which
	// cancels the promise's token.
	child.Unref()
	require.True(t, p.Token().IsCancelled())
}

func TestFuture_DiscardKeepsOtherAwaiters(t *testing.T) {
	p := NewCancellablePromise()

	c1 := Then(p, func(Future) Future { return nil })
	c2 := Then(p, func(Future) Future { return nil })

	futureDiscard(p, c1)
	require.False(t, p.Token().IsCancelled(), "c2 still awaiting")

	futureDiscard(p, c2)
	require.True(t, p.Token().IsCancelled())
}

func TestFuture_StaticConstructors(t *testing.T) {
	v, err := NewResolved(7).Value()
	require.NoError(t, err)
	require.Equal(t, 7, v)

	boom := errors.New("rejected")
	_, err = NewRejected(boom).Value()
	require.ErrorIs(t, err, boom)

	b := NewResolvedBool(true)
	v, err = b.Value()
	require.NoError(t, err)
	require.Equal(t, true, v)
	b.Unref()

	// Boolean futures are shared singletons.
	b1 := NewResolvedBool(false)
	b2 := NewResolvedBool(false)
	require.Same(t, b1.(*staticFuture), b2.(*staticFuture))
	b1.Unref()
	b2.Unref()
}

func TestFuture_InfiniteNeverSettles(t *testing.T) {
	inf := NewInfinite()
	require.Equal(t, Pending, inf.Status())

	// Discard is a no-op.
	c := Then(inf, func(Future) Future { return nil })
	futureDiscard(inf, c)
	require.Equal(t, Pending, inf.Status())
}

func TestDelayed_CorkedUntilRelease(t *testing.T) {
	p := NewPromise()
	d := NewDelayed(p)

	p.Resolve("v")
	require.Equal(t, Pending, d.Status(), "corked delayed must not settle")

	d.Release()
	require.Equal(t, Resolved, d.Status())
	v, err := d.Value()
	require.NoError(t, err)
	require.Equal(t, "v", v)

	// Releasing again is a no-op.
	d.Release()
	require.Equal(t, Resolved, d.Status())
}

func TestDelayed_ReleaseBeforeChildSettles(t *testing.T) {
	p := NewPromise()
	d := NewDelayed(p)

	d.Release()
	require.Equal(t, Pending, d.Status())

	p.Resolve(9)
	require.Equal(t, Resolved, d.Status())
	v, _ := d.Value()
	require.Equal(t, 9, v)
}
