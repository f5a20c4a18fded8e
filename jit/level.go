package jit

import (
	"context"
	"fmt"
)

// MethodID identifies a method. Nothing beyond equality is assumed.
type MethodID uint64

func (id MethodID) String() string {
	return fmt.Sprintf("m%d", uint64(id))
}

// Level is a compilation tier. Interpreted is never stored in the cache; it
// is what the absence of an entry means.
type Level uint8

const (
	Interpreted Level = iota
	L1
	L2
)

// MaxLevel is the highest tier a method can be promoted to.
const MaxLevel = L2

func (l Level) String() string {
	switch l {
	case Interpreted:
		return "interpreted"
	case L1:
		return "L1"
	case L2:
		return "L2"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// Compiled reports whether l is a tier the compiler backend can produce.
func (l Level) Compiled() bool {
	return l == L1 || l == L2
}

// Next returns the tier above l, or l itself at the top of the ladder.
func (l Level) Next() Level {
	if l >= MaxLevel {
		return MaxLevel
	}
	return l + 1
}

// Artifact is the opaque output of a compiler backend. Artifacts are
// immutable once produced.
type Artifact interface {
	Method() MethodID
}

// Entry is what the cache holds for a method.
type Entry struct {
	Artifact Artifact
	Level    Level
}

// Result is the opaque outcome of running a method.
type Result any

// Compiler is the compiler backend. Calls may be slow and may fail; they are
// made from scheduler workers only.
type Compiler interface {
	CompileL1(ctx context.Context, id MethodID) (Artifact, error)
	CompileL2(ctx context.Context, id MethodID) (Artifact, error)
}

// Executor runs methods, either through the interpreter or by executing a
// compiled artifact.
type Executor interface {
	Interpret(ctx context.Context, id MethodID) (Result, error)
	Execute(ctx context.Context, artifact Artifact) (Result, error)
}

// compile routes a request to the backend entry point for its level.
func compile(ctx context.Context, c Compiler, level Level, id MethodID) (Artifact, error) {
	switch level {
	case L1:
		return c.CompileL1(ctx, id)
	case L2:
		return c.CompileL2(ctx, id)
	default:
		return nil, fmt.Errorf("no compiler entry point for %s", level)
	}
}
