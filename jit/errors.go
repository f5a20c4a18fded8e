package jit

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the faults this package reports.
type ErrorKind int

const (
	KindCompilation ErrorKind = iota + 1
	KindExecution
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindCompilation:
		return "compilation"
	case KindExecution:
		return "execution"
	case KindConfiguration:
		return "configuration"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinel errors for programmatic checks via errors.Is().
var (
	ErrCompilation   = errors.New("compilation fault")
	ErrExecution     = errors.New("execution fault")
	ErrConfiguration = errors.New("invalid configuration")

	// ErrDuplicate is returned by Handle.Wait when the request lost the
	// in-flight race. The winning compile publishes to the cache; read it
	// from there.
	ErrDuplicate = errors.New("compile request already in flight")

	// ErrQueueFull is returned by Handle.Wait when the worker queue had no
	// room. The request was dropped and its marker released.
	ErrQueueFull = errors.New("compile queue full")

	// ErrClosed is returned by Handle.Wait for requests made after Close.
	ErrClosed = errors.New("scheduler closed")
)

// CompilationFault reports a failed compiler backend call for one
// (method, level). The cache is left untouched and the in-flight marker is
// released, so a later request for the same key is accepted again.
type CompilationFault struct {
	Method MethodID
	Level  Level
	Err    error
}

func (e *CompilationFault) Error() string {
	return fmt.Sprintf("compile %s %s: %v", e.Level, e.Method, e.Err)
}

func (e *CompilationFault) Unwrap() error { return e.Err }

func (e *CompilationFault) Is(target error) bool { return target == ErrCompilation }

func (e *CompilationFault) Kind() ErrorKind { return KindCompilation }

// ExecutionFault reports a failure from the interpreter or executor during
// a single dispatched call.
type ExecutionFault struct {
	Method MethodID
	Level  Level // tier the call ran at
	Err    error
}

func (e *ExecutionFault) Error() string {
	if e.Level == Interpreted {
		return fmt.Sprintf("interpret %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("execute %s at %s: %v", e.Method, e.Level, e.Err)
}

func (e *ExecutionFault) Unwrap() error { return e.Err }

func (e *ExecutionFault) Is(target error) bool { return target == ErrExecution }

func (e *ExecutionFault) Kind() ErrorKind { return KindExecution }

// ConfigurationError rejects invalid construction parameters. Values are
// never clamped into range.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) Kind() ErrorKind { return KindConfiguration }

// KindOf returns the kind of the first fault in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var k interface{ Kind() ErrorKind }
	if errors.As(err, &k) {
		return k.Kind(), true
	}
	return 0, false
}
