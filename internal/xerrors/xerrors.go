// Package xerrors provides error constructors that carry caller program
// counters, so the log layer can render stack frames without the error
// message itself growing location noise.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 32

// traced carries a full call stack captured at construction time.
type traced struct {
	err error
	pcs []uintptr
}

func (t *traced) Error() string       { return t.err.Error() }
func (t *traced) Unwrap() error       { return t.err }
func (t *traced) StackPCs() []uintptr { return t.pcs }

// annotated prefixes a message and records the single wrapping call site.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error { return a.err }
func (a *annotated) PC() uintptr   { return a.pc }

func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// +2 skips runtime.Callers and callers itself
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with the given message and the caller's stack.
func New(msg string) error {
	return &traced{err: errors.New(msg), pcs: callers(1)}
}

// Newf is New with fmt.Errorf formatting (%w works).
func Newf(format string, args ...any) error {
	return &traced{err: fmt.Errorf(format, args...), pcs: callers(1)}
}

// WithStack attaches the caller's stack to err. Nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, pcs: callers(1)}
}

// EnsureTrace attaches a stack only when no error in the chain carries one
// already, so wrap sites near the root win.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && len(hs.StackPCs()) > 0 {
		return err
	}
	return &traced{err: err, pcs: callers(1)}
}

// Wrap annotates err with msg and the wrapping call site. Nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: callerPC(1)}
}

// Wrapf is Wrap with fmt.Sprintf formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}
