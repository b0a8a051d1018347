package vm

import (
	"math"
	"strconv"
	"strings"
)

// TM indexes the metamethod table. The IR fallback for an arithmetic
// instruction carries the TM of the operation so the runtime helper can
// dispatch the right metamethod.
type TM int

const (
	TMIndex TM = iota
	TMNewIndex
	TMEq
	TMLt
	TMLe
	TMAdd
	TMSub
	TMMul
	TMDiv
	TMMod
	TMPow
	TMUnm
	TMLen
	TMConcat
	TMCall

	tmCount
)

var tmNames = [tmCount]string{
	TMIndex: "__index", TMNewIndex: "__newindex", TMEq: "__eq",
	TMLt: "__lt", TMLe: "__le",
	TMAdd: "__add", TMSub: "__sub", TMMul: "__mul", TMDiv: "__div",
	TMMod: "__mod", TMPow: "__pow", TMUnm: "__unm", TMLen: "__len",
	TMConcat: "__concat", TMCall: "__call",
}

// String returns the metamethod name.
func (tm TM) String() string {
	if int(tm) < len(tmNames) {
		return tmNames[tm]
	}
	return "?"
}

// metatableOf returns the metatable of a value, if any. Only tables carry
// metatables in this runtime.
func metatableOf(v TValue) *Table {
	if t := v.AsTable(); t != nil {
		return t.Metatable
	}
	return nil
}

// getMetamethod looks up a metamethod on a value.
func getMetamethod(L *State, v TValue, tm TM) TValue {
	mt := metatableOf(v)
	if mt == nil {
		return Nil()
	}
	return mt.RawGetString(L.Global.Intern(tm.String()))
}

// callTM invokes a metamethod with the given arguments and returns its first
// result.
func callTM(L *State, handler TValue, args ...TValue) TValue {
	cl := handler.AsClosure()
	if cl == nil {
		L.RaiseError("attempt to call a %s value", handler.Tag)
	}
	base := L.Top
	L.Push(handler)
	for _, a := range args {
		L.Push(a)
	}
	Call(L, len(args), 1)
	result := L.Stack[base]
	L.Top = base
	return result
}

// GetTableValue implements the generic indexing operation, following
// __index chains. This is the runtime helper behind the GET_TABLE and
// FALLBACK_GETTABLEKS IR commands.
func GetTableValue(L *State, obj, key TValue) TValue {
	for depth := 0; depth < 100; depth++ {
		if t := obj.AsTable(); t != nil {
			v := t.RawGet(key)
			if !v.IsNil() || t.Metatable == nil {
				return v
			}
			h := t.Metatable.RawGetString(L.Global.Intern(TMIndex.String()))
			if h.IsNil() {
				return Nil()
			}
			if h.AsClosure() != nil {
				return callTM(L, h, obj, key)
			}
			obj = h
			continue
		}

		h := getMetamethod(L, obj, TMIndex)
		if h.IsNil() {
			L.RaiseError("attempt to index a %s value", obj.Tag)
		}
		if h.AsClosure() != nil {
			return callTM(L, h, obj, key)
		}
		obj = h
	}
	L.RaiseError("'__index' chain too long; possible loop")
	return Nil()
}

// SetTableValue implements the generic index-assignment operation, following
// __newindex chains and enforcing the read-only bit. This is the runtime
// helper behind SET_TABLE and FALLBACK_SETTABLEKS.
func SetTableValue(L *State, obj, key, value TValue) {
	for depth := 0; depth < 100; depth++ {
		if t := obj.AsTable(); t != nil {
			if !t.RawGet(key).IsNil() || t.Metatable == nil {
				if t.ReadOnly {
					L.RaiseError("attempt to modify a readonly table")
				}
				if key.IsNil() {
					L.RaiseError("table index is nil")
				}
				if key.Tag == TNumber && math.IsNaN(key.N) {
					L.RaiseError("table index is NaN")
				}
				t.RawSet(key, value)
				return
			}
			h := t.Metatable.RawGetString(L.Global.Intern(TMNewIndex.String()))
			if h.IsNil() {
				if t.ReadOnly {
					L.RaiseError("attempt to modify a readonly table")
				}
				t.RawSet(key, value)
				return
			}
			if h.AsClosure() != nil {
				callTM(L, h, obj, key, value)
				return
			}
			obj = h
			continue
		}

		h := getMetamethod(L, obj, TMNewIndex)
		if h.IsNil() {
			L.RaiseError("attempt to index a %s value", obj.Tag)
		}
		if h.AsClosure() != nil {
			callTM(L, h, obj, key, value)
			return
		}
		obj = h
	}
	L.RaiseError("'__newindex' chain too long; possible loop")
}

// toNumber attempts the implicit string-to-number coercion arithmetic
// performs.
func toNumber(v TValue) (float64, bool) {
	switch v.Tag {
	case TNumber:
		return v.N, true
	case TStringTag:
		return parseNumber(v.AsString().Data)
	}
	return 0, false
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DoArith is the generic arithmetic helper the IR fallback blocks call:
// number fast path with string coercion, then metamethod dispatch.
func DoArith(L *State, op TM, a, b TValue) TValue {
	if op == TMUnm {
		b = a
	}

	na, okA := toNumber(a)
	nb, okB := toNumber(b)
	if okA && okB {
		if op == TMUnm {
			return Number(-na)
		}
		return fastArith(op, na, nb)
	}

	h := getMetamethod(L, a, op)
	if h.IsNil() {
		h = getMetamethod(L, b, op)
	}
	if h.IsNil() {
		bad := a
		if okA {
			bad = b
		}
		L.RaiseError("attempt to perform arithmetic (%s) on a %s value", strings.TrimPrefix(op.String(), "__"), bad.Tag)
	}
	return callTM(L, h, a, b)
}

// luaMod implements the floored modulo the runtime uses: a - floor(a/b)*b.
func luaMod(a, b float64) float64 {
	return a - math.Floor(a/b)*b
}

// DoLen is the generic length helper: strings by byte length, tables by
// border unless __len intervenes.
func DoLen(L *State, v TValue) TValue {
	if s := v.AsString(); s != nil {
		return Number(float64(s.Len()))
	}
	if t := v.AsTable(); t != nil {
		if h := getMetamethod(L, v, TMLen); !h.IsNil() {
			return callTM(L, h, v)
		}
		return Number(float64(t.Len()))
	}
	if h := getMetamethod(L, v, TMLen); !h.IsNil() {
		return callTM(L, h, v)
	}
	L.RaiseError("attempt to get length of a %s value", v.Tag)
	return Nil()
}

// EqualValues implements the == operation: primitive equality first, then
// __eq when both operands are tables sharing the handler protocol.
func EqualValues(L *State, a, b TValue) bool {
	if a.Tag != b.Tag {
		return false
	}
	if RawEqual(a, b) {
		return true
	}
	if a.Tag != TTable {
		return false
	}
	h := getMetamethod(L, a, TMEq)
	if h.IsNil() {
		return false
	}
	return callTM(L, h, a, b).Truthy()
}

// LessThan implements the < operation. Number comparison passes NaN through
// as false on either side; string comparison is lexicographic.
func LessThan(L *State, a, b TValue) bool {
	if a.Tag == TNumber && b.Tag == TNumber {
		return a.N < b.N
	}
	if a.Tag == TStringTag && b.Tag == TStringTag {
		return a.AsString().Data < b.AsString().Data
	}
	h := getMetamethod(L, a, TMLt)
	if h.IsNil() {
		h = getMetamethod(L, b, TMLt)
	}
	if h.IsNil() {
		L.RaiseError("attempt to compare %s < %s", a.Tag, b.Tag)
	}
	return callTM(L, h, a, b).Truthy()
}

// LessEqual implements the <= operation with the same dispatch shape as
// LessThan.
func LessEqual(L *State, a, b TValue) bool {
	if a.Tag == TNumber && b.Tag == TNumber {
		return a.N <= b.N
	}
	if a.Tag == TStringTag && b.Tag == TStringTag {
		return a.AsString().Data <= b.AsString().Data
	}
	h := getMetamethod(L, a, TMLe)
	if h.IsNil() {
		h = getMetamethod(L, b, TMLe)
	}
	if h.IsNil() {
		L.RaiseError("attempt to compare %s <= %s", a.Tag, b.Tag)
	}
	return callTM(L, h, a, b).Truthy()
}

// Concat implements variadic concatenation over a register range: strings
// and numbers concatenate directly, everything else dispatches __concat
// right to left.
func Concat(L *State, values []TValue) TValue {
	if len(values) == 0 {
		return StringValue(L.Global.Intern(""))
	}

	acc := values[len(values)-1]
	for i := len(values) - 2; i >= 0; i-- {
		left := values[i]
		if concatable(left) && concatable(acc) {
			acc = StringValue(L.Global.Intern(ToDisplayString(left) + ToDisplayString(acc)))
			continue
		}
		h := getMetamethod(L, left, TMConcat)
		if h.IsNil() {
			h = getMetamethod(L, acc, TMConcat)
		}
		if h.IsNil() {
			bad := left
			if concatable(left) {
				bad = acc
			}
			L.RaiseError("attempt to concatenate a %s value", bad.Tag)
		}
		acc = callTM(L, h, left, acc)
	}
	return acc
}

func concatable(v TValue) bool {
	return v.Tag == TStringTag || v.Tag == TNumber
}
