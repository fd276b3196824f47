package futures

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChannel_SendReceivePairs(t *testing.T) {
	c := NewChannel(0)

	send := c.Send(NewResolved("item"))
	require.Equal(t, Resolved, send.Status(), "capacity available, send admitted")

	recv := c.Receive()
	v, err := recv.Value()
	require.NoError(t, err)
	require.Equal(t, "item", v)
}

func TestChannel_ReceiveBeforeSend(t *testing.T) {
	c := NewChannel(0)

	recv := c.Receive()
	require.Equal(t, Pending, recv.Status())

	c.Send(NewResolved(42))

	v, err := recv.Value()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestChannel_FIFOOrder(t *testing.T) {
	c := NewChannel(0)

	const n = 50
	for i := 0; i < n; i++ {
		c.Send(NewResolved(i))
	}

	for i := 0; i < n; i++ {
		v, err := c.Receive().Value()
		require.NoError(t, err)
		require.Equal(t, i, v, "receivers observe send order")
	}
}

func TestChannel_PendingItemPreservesOrder(t *testing.T) {
	c := NewChannel(0)

	p := NewPromise()
	c.Send(p)
	c.Send(NewResolved("second"))

	r1 := c.Receive()
	r2 := c.Receive()

	// The first receiver waits for the still-pending first item; the
	// second receiver already has its (resolved) pairing.
	require.Equal(t, Pending, r1.Status())
	v, err := r2.Value()
	require.NoError(t, err)
	require.Equal(t, "second", v)

	p.Resolve("first")
	v, err = r1.Value()
	require.NoError(t, err)
	require.Equal(t, "first", v)
}

func TestChannel_CapacityBackpressure(t *testing.T) {
	c := NewChannel(2)

	s1 := c.Send(NewResolved(1))
	s2 := c.Send(NewResolved(2))
	s3 := c.Send(NewResolved(3))

	require.Equal(t, Resolved, s1.Status())
	require.Equal(t, Resolved, s2.Status())
	require.Equal(t, Pending, s3.Status(), "third send stalls at capacity 2")

	// Receiving frees a slot, admitting the stalled sender.
	v, err := c.Receive().Value()
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.Equal(t, Resolved, s3.Status())

	v, _ = c.Receive().Value()
	require.Equal(t, 2, v)
	v, _ = c.Receive().Value()
	require.Equal(t, 3, v)
}

func TestChannel_SendDepth(t *testing.T) {
	c := NewChannel(0)
	s1 := c.Send(NewResolved("a"))
	s2 := c.Send(NewResolved("b"))

	v, err := s1.Value()
	require.NoError(t, err)
	require.Equal(t, 1, v)
	v, err = s2.Value()
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestChannel_CloseSendRejectsFurtherSends(t *testing.T) {
	c := NewChannel(0)
	c.Send(NewResolved(1))
	c.CloseSend()

	require.False(t, c.CanSend())
	require.True(t, c.CanReceive())

	send := c.Send(NewResolved(2))
	_, err := send.Value()
	require.ErrorIs(t, err, ErrChannelClosed)

	// The item sent before the close is still deliverable.
	v, err := c.Receive().Value()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	// Nothing more can ever arrive.
	_, err = c.Receive().Value()
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannel_CloseSendRejectsUnsatisfiableReceivers(t *testing.T) {
	c := NewChannel(0)

	r1 := c.Receive()
	r2 := c.Receive()

	c.Send(NewResolved("only"))
	c.CloseSend()

	v, err := r1.Value()
	require.NoError(t, err)
	require.Equal(t, "only", v)

	_, err = r2.Value()
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannel_CloseReceiveRejectsEverything(t *testing.T) {
	c := NewChannel(1)

	admitted := c.Send(NewResolved(1))
	stalled := c.Send(NewResolved(2))
	require.Equal(t, Pending, stalled.Status())

	c.CloseReceive()

	require.False(t, c.CanReceive())

	// The stalled sender rejects; the admitted one already resolved.
	_, err := stalled.Value()
	require.ErrorIs(t, err, ErrChannelClosed)
	require.Equal(t, Resolved, admitted.Status())

	_, err = c.Receive().Value()
	require.ErrorIs(t, err, ErrChannelClosed)

	send := c.Send(NewResolved(3))
	_, err = send.Value()
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannel_ReceiveAllDrainsQueue(t *testing.T) {
	c := NewChannel(0)
	c.Send(NewResolved(1))
	c.Send(NewResolved(2))
	c.Send(NewResolved(3))

	all := c.ReceiveAll()
	require.Equal(t, Resolved, all.Status())

	set, ok := all.(*FutureSet)
	require.True(t, ok)
	require.Equal(t, 3, set.Size())
	for i := 0; i < 3; i++ {
		v, err := set.Future(i).Value()
		require.NoError(t, err)
		require.Equal(t, i+1, v)
	}

	// Queue is now empty; the next ReceiveAll waits for one item.
	next := c.ReceiveAll()
	require.Equal(t, Pending, next.Status())
	c.Send(NewResolved(4))
	require.Equal(t, Resolved, next.Status())
}

func TestChannel_ProducerConsumerFibers(t *testing.T) {
	s := newTestScheduler(t)
	c := NewChannel(4)

	const n = 100

	producer := s.Spawn(0, func() Future {
		for i := 0; i < n; i++ {
			send := c.Send(NewResolved(i))
			if _, err := Await(send); err != nil {
				return NewRejected(err)
			}
			send.Unref()
		}
		c.CloseSend()
		return NewResolved(n)
	})

	consumer := s.Spawn(0, func() Future {
		sum := 0
		for {
			recv := c.Receive()
			v, err := Await(recv)
			recv.Unref()
			if err != nil {
				break
			}
			sum += v.(int)
		}
		return NewResolved(sum)
	})

	v, err := waitSettled(t, producer)
	require.NoError(t, err)
	require.Equal(t, n, v)

	v, err = waitSettled(t, consumer)
	require.NoError(t, err)
	require.Equal(t, n*(n-1)/2, v)
}
