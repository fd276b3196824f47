package futures

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestBlock_CatchThenFinallyChain runs the canonical recovery chain: a
// rejected future caught and replaced, transformed, then observed.
// Every callback must run exactly once, and the release hook of the
// explicit block must run exactly once when it is finalized.
func TestBlock_CatchThenFinallyChain(t *testing.T) {
	c := NewCancellable()
	c.Cancel()

	var catchCount, thenCount, finallyCount, releaseCount int

	caught := Catch(c, func(completed Future) Future {
		catchCount++
		_, err := completed.Value()
		require.ErrorIs(t, err, ErrCancelled)
		return NewResolved("123")
	})

	transformed := Then(caught, func(completed Future) Future {
		thenCount++
		v, err := completed.Value()
		require.NoError(t, err)
		require.Equal(t, "123", v)
		return NewResolved(123)
	})

	final := BlockOn(transformed, nil, func(Future) Future {
		finallyCount++
		return nil
	}, func() {
		releaseCount++
	})

	require.Equal(t, Resolved, final.Status())
	v, err := final.Value()
	require.NoError(t, err)
	require.Equal(t, 123, v)

	require.Equal(t, 1, catchCount)
	require.Equal(t, 1, thenCount)
	require.Equal(t, 1, finallyCount)

	require.Equal(t, 0, releaseCount)
	final.Unref()
	require.Equal(t, 1, releaseCount, "release hook runs once at finalize")
}

func TestBlock_ThenSkippedOnRejection(t *testing.T) {
	boom := errors.New("boom")
	f := NewRejected(boom)

	invoked := false
	child := Then(f, func(Future) Future {
		invoked = true
		return nil
	})

	require.False(t, invoked)
	_, err := child.Value()
	require.ErrorIs(t, err, boom, "rejection passes through a then block")
}

func TestBlock_CatchSkippedOnResolve(t *testing.T) {
	f := NewResolved(5)

	invoked := false
	child := Catch(f, func(Future) Future {
		invoked = true
		return nil
	})

	require.False(t, invoked)
	v, err := child.Value()
	require.NoError(t, err)
	require.Equal(t, 5, v)
}

func TestBlock_CallbackReturningFutureDefersSettlement(t *testing.T) {
	parent := NewPromise()
	inner := NewPromise()

	child := Then(parent, func(Future) Future {
		inner.Ref()
		return inner
	})

	parent.Resolve(1)
	require.Equal(t, Pending, child.Status())

	inner.Resolve("later")
	v, err := child.Value()
	require.NoError(t, err)
	require.Equal(t, "later", v)
}

func TestBlock_PanicRejectsWithPanicError(t *testing.T) {
	f := NewResolved(1)

	child := Then(f, func(Future) Future {
		panic("kaboom")
	})

	require.Equal(t, Rejected, child.Status())
	_, err := child.Value()
	var pe PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "kaboom", pe.Value)
}

func TestBlock_ThenLoopReentersCallback(t *testing.T) {
	start := NewResolved(0)

	count := 0
	loop := ThenLoop(start, func(completed Future) Future {
		v, err := completed.Value()
		require.NoError(t, err)
		count++
		if v.(int) >= 3 {
			return nil
		}
		return NewResolved(v.(int) + 1)
	})

	// The callback re-enters on each returned future: 0, 1, 2, 3.
	require.Equal(t, 4, count)
	v, err := loop.Value()
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestBlock_CatchLoopRetries(t *testing.T) {
	boom := errors.New("transient")
	start := NewRejected(boom)

	attempts := 0
	loop := CatchLoop(start, func(Future) Future {
		attempts++
		if attempts < 3 {
			return NewRejected(boom)
		}
		return NewResolved("recovered")
	})

	require.Equal(t, 3, attempts)
	v, err := loop.Value()
	require.NoError(t, err)
	require.Equal(t, "recovered", v)
}

func TestDisown_RunsToCompletion(t *testing.T) {
	p := NewPromise()

	ran := false
	chained := Finally(p, func(Future) Future {
		ran = true
		return nil
	})

	Disown(chained)

	p.Resolve(1)
	require.True(t, ran, "disowned chain still executes")
}
