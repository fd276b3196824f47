package futures

import "math"

// Channel is a bounded FIFO linking a producer to a consumer using
// futures as the payload, so producers may enqueue values that have not
// resolved yet.
//
// Send returns a future resolving once the channel has admitted the
// item (back-pressure); Receive returns a future resolving with the
// next item's eventual value. Each half can be closed independently.
type Channel struct {
	Object

	// Items admitted to the channel, not yet picked up.
	queue []*channelItem

	// Senders waiting for capacity.
	sendq []*channelItem

	// Receivers waiting for items.
	recvq []*channelReceiver

	capacity   int
	canSend    bool
	canReceive bool
}

// channelItem pairs the future given to Send with the promise returned
// from it.
type channelItem struct {
	future Future   // the value being conveyed, owned
	send   *Promise // resolves with the queue depth once admitted
}

func newChannelItem(f Future) *channelItem {
	f.Ref()
	return &channelItem{future: f, send: NewPromise()}
}

func (item *channelItem) free() {
	item.future.Unref()
	item.send.Unref()
	item.future = nil
	item.send = nil
}

// channelReceiver is the future returned from Receive. It settles from
// the paired item's user future, or rejects when the channel can never
// satisfy it.
type channelReceiver struct {
	futureBase
}

func newChannelReceiver() *channelReceiver {
	r := &channelReceiver{}
	initObject(&r.Object, nil)
	return r
}

// NewChannel creates a channel. A non-zero capacity limits the queue
// depth so producers stall asynchronously until the consumer catches
// up; zero means unlimited.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = math.MaxInt
	}
	c := &Channel{
		capacity:   capacity,
		canSend:    true,
		canReceive: true,
	}
	initObject(&c.Object, func() {
		c.CloseSend()
		c.CloseReceive()
	})
	return c
}

func (c *Channel) hasCapacityLocked() bool {
	return len(c.sendq) == 0 && len(c.queue) < c.capacity
}

// oneReceiveAndUnlock pairs a single queued item with a waiting
// receiver, admits one stalled sender if room opened up, and releases
// the lock. Completion of futures happens after unlocking. Must be
// called with the object lock held.
func (c *Channel) oneReceiveAndUnlock() {
	var (
		item      *channelItem
		recv      *channelReceiver
		toResolve *Promise
		qlen      int
	)

	if len(c.queue) > 0 && len(c.recvq) > 0 {
		recv = c.recvq[0]
		c.recvq = c.recvq[1:]
		item = c.queue[0]
		c.queue = c.queue[1:]

		// Advance a stalled sender into the queue.
		if len(c.sendq) > 0 && len(c.queue) < c.capacity {
			admitted := c.sendq[0]
			c.sendq = c.sendq[1:]
			c.queue = append(c.queue, admitted)
			qlen = len(c.queue)
			toResolve = admitted.send
			toResolve.Ref()
		}
	}

	c.unlock()

	if item != nil {
		// The receiver settles from the item's eventual value; the item
		// future may itself still be pending, which preserves send order
		// without blocking the pairing.
		futureChain(item.future, recv)
		item.free()
		recv.Unref()
	}

	if toResolve != nil {
		toResolve.Resolve(qlen)
		toResolve.Unref()
	}
}

// Send queues f into the channel. The returned future resolves with
// the queue depth once the channel has capacity for the item, allowing
// producers to await back-pressure, or rejects with ErrChannelClosed
// if either half is closed.
func (c *Channel) Send(f Future) Future {
	item := newChannelItem(f)

	c.lock()

	if !c.canSend || !c.canReceive {
		c.unlock()
		item.free()
		return NewRejected(ErrChannelClosed)
	}

	ret := item.send
	ret.Ref()

	if !c.hasCapacityLocked() {
		c.sendq = append(c.sendq, item)
		c.unlock()
		return ret
	}

	c.queue = append(c.queue, item)
	qlen := len(c.queue)
	send := item.send
	send.Ref()
	c.oneReceiveAndUnlock()

	send.Resolve(qlen)
	send.Unref()

	return ret
}

// Receive returns a future for the next item. It settles when an item
// is available, or rejects with ErrChannelClosed once the channel can
// never satisfy it.
func (c *Channel) Receive() Future {
	recv := newChannelReceiver()

	c.lock()

	if !c.canReceive {
		c.unlock()
		futureComplete(recv, nil, ErrChannelClosed)
		return recv
	}

	// With the send side closed, a receiver beyond the number of items
	// that can still arrive will never be fulfilled.
	if !c.canSend && len(c.queue)+len(c.sendq) <= len(c.recvq) {
		c.unlock()
		futureComplete(recv, nil, ErrChannelClosed)
		return recv
	}

	recv.Ref()
	c.recvq = append(c.recvq, recv)
	c.oneReceiveAndUnlock()

	return recv
}

// ReceiveAll drains the channel: if items are queued, the result is a
// [FutureSet] over all of them; otherwise it wraps a single receive.
// Rejects with ErrChannelClosed if the receive side is closed.
func (c *Channel) ReceiveAll() Future {
	c.lock()

	if !c.canReceive {
		c.unlock()
		return NewRejected(ErrChannelClosed)
	}

	if len(c.queue) == 0 {
		c.unlock()
		recv := c.Receive()
		set := All(recv)
		recv.Unref()
		return set
	}

	stolen := c.queue
	c.queue = nil
	c.unlock()

	futures := make([]Future, len(stolen))
	for i, item := range stolen {
		futures[i] = item.future
	}
	set := All(futures...)
	for _, item := range stolen {
		item.free()
	}
	return set
}

// CloseSend closes the sending half: subsequent sends reject, and
// pending receivers that can never be satisfied are rejected.
func (c *Channel) CloseSend() {
	c.unsetFlags(true, false)
}

// CloseReceive closes the receiving half: queued and in-flight items
// are released, stalled senders reject, and pending receivers reject.
func (c *Channel) CloseReceive() {
	c.unsetFlags(false, true)
}

func (c *Channel) unsetFlags(closeSend, closeReceive bool) {
	var (
		queue []*channelItem
		sendq []*channelItem
		recvq []*channelReceiver
		trunc []*channelReceiver
	)

	c.lock()

	if closeSend && c.canSend {
		c.canSend = false

		// Receivers beyond what the queue and stalled senders can still
		// deliver are truncated, newest first.
		pending := len(c.sendq) + len(c.queue)
		for len(c.recvq) > pending {
			last := c.recvq[len(c.recvq)-1]
			c.recvq = c.recvq[:len(c.recvq)-1]
			trunc = append(trunc, last)
		}
	}

	if closeReceive && c.canReceive {
		c.canReceive = false
		queue, c.queue = c.queue, nil
		sendq, c.sendq = c.sendq, nil
		recvq, c.recvq = c.recvq, nil
	}

	c.unlock()

	for _, recv := range recvq {
		futureComplete(recv, nil, ErrChannelClosed)
		recv.Unref()
	}
	for _, recv := range trunc {
		futureComplete(recv, nil, ErrChannelClosed)
		recv.Unref()
	}
	for _, item := range queue {
		item.free()
	}
	for _, item := range sendq {
		item.send.Reject(ErrChannelClosed)
		item.free()
	}
}

// CanSend reports whether the sending half is open.
func (c *Channel) CanSend() bool {
	c.lock()
	defer c.unlock()
	return c.canSend
}

// CanReceive reports whether the receiving half is open.
func (c *Channel) CanReceive() bool {
	c.lock()
	defer c.unlock()
	return c.canReceive
}
