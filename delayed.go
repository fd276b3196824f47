package futures

// Delayed wraps a child future and suppresses propagation of its result
// until released. The child may settle at any time; the delayed future
// only settles after [Delayed.Release].
type Delayed struct {
	futureBase
	child  Future // owned
	corked bool
}

// NewDelayed creates a delayed future wrapping f. The returned future
// stays pending, even after f settles, until Release is called.
func NewDelayed(f Future) *Delayed {
	d := &Delayed{child: f, corked: true}
	initObject(&d.Object, func() {
		if d.child != nil {
			d.child.Unref()
			d.child = nil
		}
	})
	f.Ref()
	futureChain(f, d)
	return d
}

func (d *Delayed) propagate(Future) bool {
	d.lock()
	corked := d.corked
	d.unlock()
	// While corked the propagation is handled (and dropped); afterwards
	// the default completes us from the child.
	return corked
}

// Release uncorks the delayed future. If the child has already settled,
// the delayed future completes from it immediately; otherwise it will
// complete when the child settles.
func (d *Delayed) Release() {
	d.lock()
	if !d.corked {
		d.unlock()
		return
	}
	d.corked = false
	child := d.child
	if child != nil {
		child.Ref()
	}
	d.unlock()

	if child != nil {
		if child.Status() != Pending {
			futureCompleteFrom(d, child)
		}
		child.Unref()
	}
}
