package futures

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Standard errors.
var (
	// ErrPending is returned when a future's value is consulted before it
	// has settled.
	ErrPending = errors.New("futures: future is still pending")

	// ErrCancelled indicates explicit or discard-driven cancellation.
	ErrCancelled = errors.New("futures: operation cancelled")

	// ErrTimedOut indicates a timeout future fired.
	ErrTimedOut = errors.New("futures: operation timed out")

	// ErrChannelClosed is returned when sending to or receiving from a
	// closed channel half.
	ErrChannelClosed = errors.New("futures: channel closed")

	// ErrSemaphoreClosed is returned to waiters of a closed semaphore.
	ErrSemaphoreClosed = errors.New("futures: semaphore closed")

	// ErrTooManyFailures is returned when a future set can no longer meet
	// its success threshold.
	ErrTooManyFailures = errors.New("futures: too many failures, cannot complete")

	// ErrRoutineCompleted is returned when a fiber returns without
	// producing a result future.
	ErrRoutineCompleted = errors.New("futures: fiber completed without result")

	// ErrNotOnFiber is returned when Await is called outside a fiber.
	ErrNotOnFiber = errors.New("futures: await requires a fiber")

	// ErrSchedulerShutdown is returned when work is pushed to a scheduler
	// that has been shut down.
	ErrSchedulerShutdown = errors.New("futures: scheduler has been shut down")
)

// TypeMismatchError is returned by typed await helpers when the resolved
// value holds a different type than requested.
type TypeMismatchError struct {
	Got      any
	Expected string
}

// Error implements the error interface.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("futures: got type %T, expected %s", e.Got, e.Expected)
}

// Is reports a match against any other TypeMismatchError, so callers can
// use errors.Is(err, &TypeMismatchError{}).
func (e *TypeMismatchError) Is(target error) bool {
	var t *TypeMismatchError
	return errors.As(target, &t)
}

// TypeNotSupportedError is returned by value-bridging glue when it
// receives a value of a type it cannot carry.
type TypeNotSupportedError struct {
	Value any
}

// Error implements the error interface.
func (e *TypeNotSupportedError) Error() string {
	return fmt.Sprintf("futures: type %T not supported", e.Value)
}

// IOError carries a kernel errno from an asynchronous I/O operation.
// The errno is preserved so callers can match with errors.Is against
// unix.Errno values (e.g. unix.EBADF).
type IOError struct {
	Errno unix.Errno
	Op    string
}

// Error implements the error interface.
func (e *IOError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("futures: %s: %s", e.Op, e.Errno.Error())
	}
	return fmt.Sprintf("futures: io: %s", e.Errno.Error())
}

// Unwrap returns the underlying errno for use with errors.Is/errors.As.
func (e *IOError) Unwrap() error {
	return e.Errno
}

// newIOError wraps the errno of a failed op into an IOError.
func newIOError(op string, errno unix.Errno) *IOError {
	return &IOError{Op: op, Errno: errno}
}

// PanicError wraps a recovered panic value from a block callback so it
// can propagate as a rejection.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("futures: callback panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error
// type. This enables use with errors.Is and errors.As through the cause
// chain.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
