package futures

import "sync/atomic"

// LoopState represents the current state of an event [Loop].
//
// State machine:
//
//	StateAwake (0) → StateRunning          [Run()]
//	StateRunning → StateSleeping           [poll() via CAS]
//	StateRunning → StateTerminating        [Shutdown()]
//	StateSleeping → StateRunning           [wakeup via CAS]
//	StateSleeping → StateTerminating       [Shutdown()]
//	StateTerminating → StateTerminated     [shutdown complete]
//	StateTerminated → (terminal)
//
// Temporary states (Running, Sleeping) transition with CAS; the
// irreversible Terminated state is stored directly.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateTerminated indicates the loop has fully shut down.
	StateTerminated
	// StateSleeping indicates the loop is blocked in poll.
	StateSleeping
	// StateRunning indicates the loop is actively dispatching.
	StateRunning
	// StateTerminating indicates shutdown was requested but has not
	// completed.
	StateTerminating
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// loopStateMachine is a lock-free state holder with cache-line padding
// to avoid false sharing with neighbouring hot fields.
type loopStateMachine struct { //nolint:govet
	_ [64]byte //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

func (s *loopStateMachine) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *loopStateMachine) Store(state LoopState) {
	s.v.Store(uint64(state))
}

// TryTransition attempts to atomically move from one state to another.
func (s *loopStateMachine) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}
