package futures

import (
	"container/heap"
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that
	// is already running.
	ErrLoopAlreadyRunning = errors.New("futures: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a
	// terminated loop.
	ErrLoopTerminated = errors.New("futures: loop has been terminated")

	// ErrReentrantRun is returned when Run is called from within the loop
	// itself.
	ErrReentrantRun = errors.New("futures: cannot call Run from within the loop")
)

const (
	// maxPollTimeout bounds how long a single poll may sleep.
	maxPollTimeout = 10 * time.Second

	// dispatchBatch is the batch size used when a source dispatch drains
	// a queue (deque, global queue, completion ring).
	dispatchBatch = 32
)

// Loop is a single-threaded event loop driving [Source] dispatch, file
// descriptor readiness callbacks, and monotonic timers. Schedulers and
// AIO contexts integrate with it through sources using the
// prepare/check/dispatch contract.
//
// One goroutine calls Run; every other method is safe to call from any
// goroutine.
type Loop struct {
	// Prevent copying.
	_ [0]func()

	state loopStateMachine

	poller      poller
	wakeReadFd  int
	wakeWriteFd int
	wakeBuf     [8]byte
	wakePending atomic.Uint32

	sourceMu sync.Mutex
	sources  []*sourceHandle

	timerMu sync.Mutex
	timers  timerHeap

	// External task queue, drained in batches with a buffer swap.
	taskMu     sync.Mutex
	tasks      []func()
	tasksSpare []func()

	// scheduler owning this loop, registered as the thread default while
	// the loop runs. May be nil.
	scheduler Scheduler

	logger *logiface.Logger[logiface.Event]

	loopGoroutineID atomic.Uint64
	loopDone        chan struct{}
	stopOnce        sync.Once
	closeOnce       sync.Once
}

// timerEntry is a scheduled callback in the loop's timer heap. Entries
// are invalidated rather than removed; stale entries are skipped when
// popped.
type timerEntry struct {
	when  time.Time
	timer *LoopTimer
	seq   uint64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// LoopTimer is a cancellable handle to a timer scheduled on a [Loop].
type LoopTimer struct {
	loop      *Loop
	fn        func()
	seq       atomic.Uint64
	cancelled atomic.Bool
}

// Cancel prevents the timer from firing. Cancelling a fired or
// cancelled timer has no effect.
func (t *LoopTimer) Cancel() {
	t.cancelled.Store(true)
}

// Reset reschedules the timer for the given deadline, superseding the
// previous schedule.
func (t *LoopTimer) Reset(deadline time.Time) {
	t.cancelled.Store(false)
	seq := t.seq.Add(1)
	t.loop.timerMu.Lock()
	heap.Push(&t.loop.timers, timerEntry{when: deadline, timer: t, seq: seq})
	t.loop.timerMu.Unlock()
	t.loop.Wakeup()
}

// NewLoop creates a new event loop.
func NewLoop(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeReadFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		wakeReadFd:  wakeReadFd,
		wakeWriteFd: wakeWriteFd,
		loopDone:    make(chan struct{}),
		logger:      cfg.logger,
	}

	if err := l.poller.init(); err != nil {
		closeWakeFd(wakeReadFd, wakeWriteFd)
		return nil, err
	}

	if err := l.poller.registerFD(wakeReadFd, EventRead, func(IOEvents) {
		l.drainWake()
	}); err != nil {
		_ = l.poller.close()
		closeWakeFd(wakeReadFd, wakeWriteFd)
		return nil, err
	}

	return l, nil
}

// Run runs the event loop on the calling goroutine and blocks until the
// loop terminates via Shutdown or ctx cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	// The poller requires thread affinity.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	gid := goroutineID()
	l.loopGoroutineID.Store(gid)
	defer l.loopGoroutineID.Store(0)

	if l.scheduler != nil {
		setThreadDefault(gid, l.scheduler)
		defer clearThreadDefault(gid)
	}

	// Wake the loop when the context is cancelled.
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.Wakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		if err := ctx.Err(); err != nil {
			for {
				current := l.state.Load()
				if current == StateTerminating || current == StateTerminated {
					break
				}
				if l.state.TryTransition(current, StateTerminating) {
					break
				}
			}
			l.shutdownFinal()
			return err
		}

		if s := l.state.Load(); s == StateTerminating || s == StateTerminated {
			l.shutdownFinal()
			return nil
		}

		l.iterate()
	}
}

// Shutdown gracefully shuts down the event loop, draining queued tasks,
// and blocks until termination completes or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		err = l.shutdownImpl(ctx)
	})
	return err
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	for {
		current := l.state.Load()
		if current == StateTerminated || current == StateTerminating {
			return ErrLoopTerminated
		}

		if l.state.TryTransition(current, StateTerminating) {
			if current == StateAwake {
				// Never ran; finalize directly.
				l.state.Store(StateTerminated)
				l.closeFDs()
				return nil
			}
			l.forceWake()
			break
		}
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// iterate performs a single prepare/poll/check/dispatch cycle.
func (l *Loop) iterate() {
	l.runDueTimers()
	l.runTasks()

	// Prepare phase: snapshot the sources, collect readiness and the
	// tightest source-imposed timeout.
	handles := l.snapshotSources()
	timeout := int(maxPollTimeout.Milliseconds())
	anyReady := false
	for _, h := range handles {
		t, ready := h.source.Prepare()
		h.ready = ready
		if ready {
			anyReady = true
		}
		if t >= 0 && t < timeout {
			timeout = t
		}
	}

	if t, ok := l.nextTimerTimeout(); ok && t < timeout {
		timeout = t
	}
	if anyReady || l.hasTasks() {
		timeout = 0
	}

	l.poll(timeout)

	// Check phase: re-evaluate readiness, then dispatch only the
	// highest-priority ready group so idle sources yield to urgent work.
	best := int(^uint(0) >> 1)
	anyReady = false
	for _, h := range handles {
		h.ready = h.source.Check()
		if h.ready {
			anyReady = true
			if h.priority < best {
				best = h.priority
			}
		}
	}
	if !anyReady {
		return
	}

	for _, h := range handles {
		if h.ready && h.priority == best {
			if !h.source.Dispatch() {
				l.removeHandle(h)
			}
		}
	}
}

// poll blocks in the poller for up to timeoutMs, transitioning through
// StateSleeping so external wake-ups are delivered reliably.
func (l *Loop) poll(timeoutMs int) {
	if timeoutMs <= 0 {
		_, err := l.poller.poll(0)
		if err != nil {
			l.handlePollError(err)
		}
		return
	}

	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	// Tasks submitted after the prepare snapshot must not sleep.
	if l.hasTasks() {
		l.state.TryTransition(StateSleeping, StateRunning)
		timeoutMs = 0
	}

	_, err := l.poller.poll(timeoutMs)
	l.state.TryTransition(StateSleeping, StateRunning)
	if err != nil {
		l.handlePollError(err)
	}
}

func (l *Loop) handlePollError(err error) {
	l.logger.Crit().Err(err).Log("futures: poll failed, terminating loop")
	l.state.Store(StateTerminating)
}

// Submit queues fn for execution on the loop goroutine.
func (l *Loop) Submit(fn func()) error {
	l.taskMu.Lock()
	if l.state.Load() == StateTerminated {
		l.taskMu.Unlock()
		return ErrLoopTerminated
	}
	l.tasks = append(l.tasks, fn)
	l.taskMu.Unlock()

	l.Wakeup()
	return nil
}

func (l *Loop) hasTasks() bool {
	l.taskMu.Lock()
	n := len(l.tasks)
	l.taskMu.Unlock()
	return n > 0
}

// runTasks drains the external task queue with a buffer swap, executing
// outside the lock.
func (l *Loop) runTasks() {
	l.taskMu.Lock()
	tasks := l.tasks
	l.tasks = l.tasksSpare
	l.taskMu.Unlock()

	for i, fn := range tasks {
		l.safeExecute(fn)
		tasks[i] = nil
	}
	l.tasksSpare = tasks[:0]
}

// Wakeup wakes the loop if it is (or is about to start) sleeping.
// Duplicate wake-ups are coalesced until the loop drains the signal.
func (l *Loop) Wakeup() {
	if l.state.Load() == StateTerminated {
		return
	}
	if l.wakePending.CompareAndSwap(0, 1) {
		l.writeWake()
	}
}

// forceWake bypasses deduplication; used during shutdown.
func (l *Loop) forceWake() {
	l.writeWake()
}

func (l *Loop) writeWake() {
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	// Write errors are expected while the pipe is being torn down.
	_, _ = unix.Write(l.wakeWriteFd, buf)
}

func (l *Loop) drainWake() {
	for {
		if _, err := unix.Read(l.wakeReadFd, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// AddSource attaches src at the given priority.
func (l *Loop) AddSource(src Source, priority int) {
	h := &sourceHandle{source: src, priority: priority}
	l.sourceMu.Lock()
	// Keep sorted by priority, stable for equal priorities.
	idx := len(l.sources)
	for i, other := range l.sources {
		if priority < other.priority {
			idx = i
			break
		}
	}
	l.sources = append(l.sources, nil)
	copy(l.sources[idx+1:], l.sources[idx:])
	l.sources[idx] = h
	l.sourceMu.Unlock()

	l.Wakeup()
}

// RemoveSource detaches src.
func (l *Loop) RemoveSource(src Source) {
	l.sourceMu.Lock()
	for _, h := range l.sources {
		if h.source == src {
			h.removed = true
		}
	}
	l.compactLocked()
	l.sourceMu.Unlock()
}

func (l *Loop) removeHandle(h *sourceHandle) {
	l.sourceMu.Lock()
	h.removed = true
	l.compactLocked()
	l.sourceMu.Unlock()
}

func (l *Loop) compactLocked() {
	kept := l.sources[:0]
	for _, h := range l.sources {
		if !h.removed {
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(l.sources); i++ {
		l.sources[i] = nil
	}
	l.sources = kept
}

func (l *Loop) snapshotSources() []*sourceHandle {
	l.sourceMu.Lock()
	handles := make([]*sourceHandle, len(l.sources))
	copy(handles, l.sources)
	l.sourceMu.Unlock()
	return handles
}

// RegisterFD registers a file descriptor for readiness callbacks on the
// loop goroutine.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	err := l.poller.registerFD(fd, events, cb)
	if err == nil {
		l.Wakeup()
	}
	return err
}

// UnregisterFD removes a file descriptor from monitoring.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.unregisterFD(fd)
}

// ModifyFD updates the monitored events for a file descriptor.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.modifyFD(fd, events)
}

// ScheduleTimer schedules fn to run on the loop goroutine after delay.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) *LoopTimer {
	return l.ScheduleTimerDeadline(time.Now().Add(delay), fn)
}

// ScheduleTimerDeadline schedules fn to run on the loop goroutine at the
// given monotonic deadline.
func (l *Loop) ScheduleTimerDeadline(deadline time.Time, fn func()) *LoopTimer {
	t := &LoopTimer{loop: l, fn: fn}
	l.timerMu.Lock()
	heap.Push(&l.timers, timerEntry{when: deadline, timer: t})
	l.timerMu.Unlock()
	l.Wakeup()
	return t
}

func (l *Loop) nextTimerTimeout() (int, bool) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if len(l.timers) == 0 {
		return 0, false
	}
	delay := time.Until(l.timers[0].when)
	if delay <= 0 {
		return 0, true
	}
	// Round sub-millisecond delays up so we do not spin.
	if delay < time.Millisecond {
		return 1, true
	}
	return int(delay.Milliseconds()), true
}

func (l *Loop) runDueTimers() {
	now := time.Now()

	var due []timerEntry
	l.timerMu.Lock()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		due = append(due, heap.Pop(&l.timers).(timerEntry))
	}
	l.timerMu.Unlock()

	for _, e := range due {
		if e.timer.cancelled.Load() || e.timer.seq.Load() != e.seq {
			continue
		}
		l.safeExecute(e.timer.fn)
	}
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// isLoopThread reports whether the caller is the loop goroutine.
func (l *Loop) isLoopThread() bool {
	gid := l.loopGoroutineID.Load()
	return gid != 0 && goroutineID() == gid
}

// safeExecute runs fn with panic recovery; a panicking task must not
// take down the loop.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().Any("panic", r).Log("futures: task panicked")
		}
	}()
	fn()
}

// shutdownFinal drains remaining work and releases file descriptors.
func (l *Loop) shutdownFinal() {
	// Terminated first so new submissions are rejected; racing submits
	// that won the state check are caught by the drain below.
	l.state.Store(StateTerminated)

	emptyChecks := 0
	for emptyChecks < 3 {
		l.taskMu.Lock()
		tasks := l.tasks
		l.tasks = l.tasksSpare
		l.taskMu.Unlock()

		if len(tasks) == 0 {
			l.tasksSpare = tasks[:0]
			emptyChecks++
			runtime.Gosched()
			continue
		}
		emptyChecks = 0
		for i, fn := range tasks {
			l.safeExecute(fn)
			tasks[i] = nil
		}
		l.tasksSpare = tasks[:0]
	}

	l.closeFDs()
}

func (l *Loop) closeFDs() {
	l.closeOnce.Do(func() {
		_ = l.poller.close()
		closeWakeFd(l.wakeReadFd, l.wakeWriteFd)
	})
}

// goroutineID returns the current goroutine's ID by parsing the stack
// header. Used for loop-thread affinity checks and the thread-default
// scheduler registry.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
