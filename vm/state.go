package vm

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrStackOverflow has the text of the error Call raises when the call
	// depth limit is exceeded; the raised error is a *LuaError, not this value.
	ErrStackOverflow = errors.New("stack overflow")
)

const maxCallDepth = 200

// GlobalState holds process-wide runtime state shared by all threads of one
// VM instance: the string intern table and the GC accounting that the loader
// pauses during deserialization.
type GlobalState struct {
	// GCThreshold is the allocation threshold that triggers a collection
	// step. The loader raises it to "effectively infinite" for the duration
	// of a load because freshly deserialized objects are not rooted yet.
	GCThreshold uint64
	TotalBytes  uint64

	strings *stringTable
}

// Intern returns the canonical interned string object.
func (g *GlobalState) Intern(s string) *TString {
	return g.strings.intern(s)
}

// State is a single execution thread: a value stack and a global
// environment table. The runtime is single-threaded; State is not safe for
// concurrent use.
type State struct {
	Global *GlobalState

	Stack []TValue
	Top   int

	// Env is the global environment table (the target of GETGLOBAL and
	// import resolution).
	Env *Table

	// Interrupt, when set, is polled on every loop back-edge so embedders
	// can implement cooperative cancellation.
	Interrupt func(*State)

	depth      int
	openUpvals []*Upvalue
}

// NewState creates a fresh thread with an empty, safe global environment.
func NewState() *State {
	g := &GlobalState{
		GCThreshold: 1 << 20,
		strings:     newStringTable(),
	}
	env := NewTable(0, 8)
	env.SafeEnv = true
	return &State{
		Global: g,
		Stack:  make([]TValue, 0, 64),
		Env:    env,
	}
}

// CheckStack ensures space for n more values above Top.
func (L *State) CheckStack(n int) {
	need := L.Top + n
	for len(L.Stack) < need {
		L.Stack = append(L.Stack, Nil())
	}
}

// Push places a value on top of the stack.
func (L *State) Push(v TValue) {
	L.CheckStack(1)
	L.Stack[L.Top] = v
	L.Top++
}

// Pop removes and returns the top of the stack.
func (L *State) Pop() TValue {
	L.Top--
	v := L.Stack[L.Top]
	L.Stack[L.Top] = Nil()
	return v
}

// At reads a 1-based stack index from the bottom.
func (L *State) At(idx int) TValue {
	if idx < 1 || idx > L.Top {
		return Nil()
	}
	return L.Stack[idx-1]
}

// LuaError is a runtime error carrying the error object a script would
// observe. Raise unwinds to the nearest protected call via panic.
type LuaError struct {
	Value TValue
}

func (e *LuaError) Error() string {
	return ToDisplayString(e.Value)
}

// RaiseError raises a formatted runtime error.
func (L *State) RaiseError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(&LuaError{Value: StringValue(L.Global.Intern(msg))})
}

// RaiseValue raises an arbitrary error object.
func (L *State) RaiseValue(v TValue) {
	panic(&LuaError{Value: v})
}

// PCall runs fn in protected mode. A runtime error restores the stack top
// and is returned as *LuaError; other panics propagate.
func (L *State) PCall(fn func(*State)) (err *LuaError) {
	savedTop := L.Top
	savedDepth := L.depth
	defer func() {
		if r := recover(); r != nil {
			le, ok := r.(*LuaError)
			if !ok {
				panic(r)
			}
			L.Top = savedTop
			L.depth = savedDepth
			err = le
		}
	}()
	fn(L)
	return nil
}

// ToDisplayString renders a value for diagnostics and error objects.
func ToDisplayString(v TValue) string {
	switch v.Tag {
	case TNil:
		return "nil"
	case TBoolean:
		if v.I != 0 {
			return "true"
		}
		return "false"
	case TNumber:
		if v.N == math.Trunc(v.N) && math.Abs(v.N) < 1e15 {
			return fmt.Sprintf("%d", int64(v.N))
		}
		return fmt.Sprintf("%.14g", v.N)
	case TStringTag:
		return v.AsString().Data
	default:
		return fmt.Sprintf("%s: %p", v.Tag, v.Obj)
	}
}

// chunkID shortens a chunk name for error message prefixes the way the
// runtime presents them.
func chunkID(chunkname string) string {
	const limit = 40
	if len(chunkname) > limit {
		return "..." + chunkname[len(chunkname)-limit:]
	}
	return chunkname
}
