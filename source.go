package futures

// Source priorities. Lower values dispatch first; when multiple sources
// are ready in one loop iteration, only the highest-priority ready group
// is dispatched, so idle-priority sources run only when nothing more
// urgent is pending.
const (
	// PriorityHigh is used for queued work that should preempt other
	// dispatching (scheduler queues, AIO completions).
	PriorityHigh = -100
	// PriorityDefault is the default source priority.
	PriorityDefault = 0
	// PriorityIdleSteal is used by the work-stealing source, slightly
	// above the global-queue source so peers are robbed before the
	// global queue is consulted.
	PriorityIdleSteal = 199
	// PriorityIdle is used by the global-queue source.
	PriorityIdle = 200
)

// Source is a unit of dispatchable work integrated into a [Loop]
// iteration, shaped after the classic prepare/check/dispatch
// multiplexer contract.
//
// All three hooks are invoked on the loop goroutine only.
type Source interface {
	// Prepare is called before the loop blocks. It returns the maximum
	// time in milliseconds the loop may sleep (-1 for no bound) and
	// whether the source is already ready to dispatch.
	Prepare() (timeoutMs int, ready bool)

	// Check re-evaluates readiness after the loop has polled.
	Check() bool

	// Dispatch processes pending work. Returning false removes the
	// source from the loop.
	Dispatch() bool
}

// sourceHandle tracks an attached source.
type sourceHandle struct {
	source   Source
	priority int
	removed  bool
	ready    bool
}
