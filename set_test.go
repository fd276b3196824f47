package futures

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func cancellables(n int) []*Cancellable {
	cs := make([]*Cancellable, n)
	for i := range cs {
		cs[i] = NewCancellable()
	}
	return cs
}

func asFutures(cs []*Cancellable) []Future {
	fs := make([]Future, len(cs))
	for i, c := range cs {
		fs[i] = c
	}
	return fs
}

func TestAll_ResolvesWhenEveryChildResolves(t *testing.T) {
	p1, p2 := NewPromise(), NewPromise()
	set := All(p1, p2)

	p1.Resolve(1)
	require.Equal(t, Pending, set.Status())

	p2.Resolve(2)
	require.Equal(t, Resolved, set.Status())

	v, err := set.Value()
	require.NoError(t, err)
	require.Equal(t, true, v)

	// The exact child values are still reachable through the set.
	require.Equal(t, 2, set.Size())
	v, _ = set.Future(0).Value()
	require.Equal(t, 1, v)
	v, _ = set.Future(1).Value()
	require.Equal(t, 2, v)
}

func TestAll_WaitsForAllBeforeRejecting(t *testing.T) {
	cs := cancellables(3)
	set := All(asFutures(cs)...)

	cs[0].Cancel()
	require.Equal(t, Pending, set.Status())
	cs[1].Cancel()
	require.Equal(t, Pending, set.Status())
	cs[2].Cancel()

	require.Equal(t, Rejected, set.Status())
	_, err := set.Value()
	require.ErrorIs(t, err, ErrTooManyFailures)

	for _, c := range cs {
		_, err := c.Value()
		require.ErrorIs(t, err, ErrCancelled)
	}
}

func TestAny_MirrorsFirstResolve(t *testing.T) {
	p1, p2, p3 := NewPromise(), NewPromise(), NewPromise()
	set := Any(p1, p2, p3)

	p2.Resolve("winner")
	require.Equal(t, Resolved, set.Status())

	v, err := set.Value()
	require.NoError(t, err)
	require.Equal(t, "winner", v)
}

func TestAny_RejectsOnlyWhenAllReject(t *testing.T) {
	cs := cancellables(3)
	set := Any(asFutures(cs)...)

	cs[0].Cancel()
	require.Equal(t, Pending, set.Status())
	cs[1].Cancel()
	require.Equal(t, Pending, set.Status())
	cs[2].Cancel()

	_, err := set.Value()
	require.ErrorIs(t, err, ErrTooManyFailures)
}

func TestAllRace_RejectsOnFirstRejection(t *testing.T) {
	cs := cancellables(3)
	set := AllRace(asFutures(cs)...)

	cs[0].Cancel()

	require.Equal(t, Rejected, set.Status())
	_, err := set.Value()
	require.ErrorIs(t, err, ErrCancelled)

	// Some children remain pending; that is expected for racing sets.
	require.Equal(t, Pending, cs[1].Status())
}

func TestAllRace_ResolvesWhenAllResolve(t *testing.T) {
	p1, p2 := NewPromise(), NewPromise()
	set := AllRace(p1, p2)

	p1.Resolve(1)
	require.Equal(t, Pending, set.Status())
	p2.Resolve(2)

	v, err := set.Value()
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestFirst_MirrorsFirstSettle(t *testing.T) {
	t.Run("resolve", func(t *testing.T) {
		p1, p2 := NewPromise(), NewPromise()
		set := First(p1, p2)

		p1.Resolve("fast")
		v, err := set.Value()
		require.NoError(t, err)
		require.Equal(t, "fast", v)

		// Late settlements are ignored.
		p2.Resolve("slow")
		v, _ = set.Value()
		require.Equal(t, "fast", v)
	})

	t.Run("reject", func(t *testing.T) {
		cs := cancellables(3)
		set := First(asFutures(cs)...)

		cs[0].Cancel()
		_, err := set.Value()
		require.ErrorIs(t, err, ErrCancelled)
	})
}

func TestFutureSet_PanicsOnEmpty(t *testing.T) {
	require.Panics(t, func() { All() })
}
