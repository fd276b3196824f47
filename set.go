package futures

// FutureSet aggregates N child futures under a completion policy. It is
// the result type of [All], [Any], [AllRace], and [First].
//
// The policy is parameterised by the number of children required to
// succeed, whether the set may complete before every child has settled,
// and whether the first resolving and/or rejecting child is mirrored
// directly as the set's own result.
type FutureSet struct {
	futureBase

	futures []Future

	// Number of futures required to succeed.
	nSuccess int

	// Number of futures settled so far.
	nResolved int
	nRejected int

	// Complete as soon as the policy outcome is known rather than
	// waiting for all children.
	canRace bool

	// Mirror the first resolving / rejecting child as this set's result.
	firstResolve bool
	firstReject  bool
}

func newFutureSet(futures []Future, nSuccess int, canRace, firstResolve, firstReject bool) *FutureSet {
	if len(futures) == 0 {
		panic("futures: future set requires at least one future")
	}
	if nSuccess < 1 || nSuccess > len(futures) {
		panic("futures: future set success threshold out of range")
	}

	s := &FutureSet{
		futures:      make([]Future, len(futures)),
		nSuccess:     nSuccess,
		canRace:      canRace,
		firstResolve: firstResolve,
		firstReject:  firstReject,
	}
	copy(s.futures, futures)
	initObject(&s.Object, func() {
		for _, f := range s.futures {
			f.Unref()
		}
		s.futures = nil
	})

	for _, f := range s.futures {
		f.Ref()
	}
	for _, f := range s.futures {
		futureChain(f, s)
	}

	return s
}

func (s *FutureSet) propagate(completed Future) bool {
	resolved := completed.Status() == Resolved

	var (
		settle  bool
		force   bool
		value   Value
		err     error
		nActive int
	)

	s.lock()

	if resolved {
		s.nResolved++
	} else {
		s.nRejected++
	}

	// Only derive an outcome while our own result is still pending.
	if s.status == Pending {
		nActive = len(s.futures) - (s.nResolved + s.nRejected)

		switch {
		case (resolved && s.firstResolve) || (!resolved && s.firstReject):
			value, err = completed.Value()
			settle = true
			force = true
		case len(s.futures)-s.nRejected < s.nSuccess:
			err = ErrTooManyFailures
			settle = true
		case s.nResolved >= s.nSuccess:
			value = true
			settle = true
		}
	}

	s.unlock()

	// Completion happens outside the lock; a raced double-complete is a
	// benign no-op.
	if settle && (force || s.canRace || nActive == 0) {
		futureComplete(s, value, err)
	}

	return true
}

// Size returns the number of futures aggregated by the set.
func (s *FutureSet) Size() int {
	return len(s.futures)
}

// Future returns the child future at position i, which can be consulted
// for its exact value once settled. The returned reference is borrowed.
func (s *FutureSet) Future(i int) Future {
	return s.futures[i]
}

// All creates a future that resolves to boolean true once every child
// resolves, and rejects with ErrTooManyFailures if any child rejects
// (but not before all children have settled).
func All(futures ...Future) *FutureSet {
	return newFutureSet(futures, len(futures), false, false, false)
}

// Any creates a future that resolves with the value of the first child
// to resolve. If every child rejects, it rejects with
// ErrTooManyFailures.
func Any(futures ...Future) *FutureSet {
	return newFutureSet(futures, 1, false, true, false)
}

// AllRace creates a future that resolves to boolean true once every
// child resolves, and rejects as soon as the first child rejects,
// mirroring its error. Some children may still be pending when the set
// settles.
func AllRace(futures ...Future) *FutureSet {
	return newFutureSet(futures, len(futures), false, false, true)
}

// First creates a future that mirrors the first child to settle,
// whether it resolves or rejects.
func First(futures ...Future) *FutureSet {
	return newFutureSet(futures, 1, false, true, true)
}
