package proc

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnsupported Kind = iota + 1
	KindNotFound
	KindAlreadyExists
	KindInvalidArgument
	KindNotAttached
	KindInvalidHandle
	KindExternal
	KindInvalidCore
)

var kindNames = map[Kind]string{
	KindUnsupported:     "operation not supported",
	KindNotFound:        "not found",
	KindAlreadyExists:   "already exists",
	KindInvalidArgument: "invalid argument",
	KindNotAttached:     "process not attached",
	KindInvalidHandle:   "invalid handle",
	KindExternal:        "system error",
	KindInvalidCore:     "invalid core",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrUnsupported     = &Error{Kind: KindUnsupported}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrAlreadyExists   = &Error{Kind: KindAlreadyExists}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrNotAttached     = &Error{Kind: KindNotAttached}
	ErrInvalidHandle   = &Error{Kind: KindInvalidHandle}
	ErrExternal        = &Error{Kind: KindExternal}
	ErrInvalidCore     = &Error{Kind: KindInvalidCore}
)

// Error is returned by every fallible operation of the package.
type Error struct {
	Kind Kind
	// Op names the failed operation, e.g. "read memory".
	Op string
	// Errno is the OS error code for KindExternal errors, zero otherwise.
	Errno syscall.Errno
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Errno == 0 || t.Errno == e.Errno)
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// externalError wraps an OS level failure and keeps its errno.
func externalError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	e := &Error{Kind: KindExternal, Op: op, Err: err}
	errors.As(err, &e.Errno)
	return e
}

// BreakpointExistsError is returned when a breakpoint is already set at an
// address in the same scope.
type BreakpointExistsError struct {
	Addr uint64
	TID  int
}

func (e BreakpointExistsError) Error() string {
	if e.TID != 0 {
		return fmt.Sprintf("breakpoint exists at %#x for thread %d", e.Addr, e.TID)
	}
	return fmt.Sprintf("breakpoint exists at %#x", e.Addr)
}

// NoBreakpointError is returned when removing a breakpoint that is not set.
type NoBreakpointError struct {
	Addr uint64
}

func (e NoBreakpointError) Error() string {
	return fmt.Sprintf("no breakpoint at %#x", e.Addr)
}
