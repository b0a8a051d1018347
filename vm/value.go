// Package vm implements the Luau runtime: tagged values, tables, function
// prototypes, the bytecode loader and a bytecode interpreter.
package vm

import "math"

// Tag identifies the runtime type of a TValue. Tag order is part of the
// bytecode contract: the IR translator emits tag constants that must agree
// with the interpreter.
type Tag uint8

const (
	TNil Tag = iota
	TBoolean
	TLightUserdata
	TNumber
	TStringTag
	TTable
	TFunction

	tagCount
)

var tagNames = [tagCount]string{
	TNil: "nil", TBoolean: "boolean", TLightUserdata: "userdata",
	TNumber: "number", TStringTag: "string", TTable: "table", TFunction: "function",
}

// String returns the user-visible type name for the tag.
func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "unknown"
}

// TValue is a tagged runtime value. Exactly one payload field is meaningful
// for a given tag: N for numbers, I for booleans (0/1) and light userdata,
// Obj for strings, tables and functions.
type TValue struct {
	Tag Tag
	N   float64
	I   int64
	Obj any
}

// Nil returns the nil value.
func Nil() TValue {
	return TValue{Tag: TNil}
}

// Boolean returns a boolean value.
func Boolean(b bool) TValue {
	v := TValue{Tag: TBoolean}
	if b {
		v.I = 1
	}
	return v
}

// Number returns a number value.
func Number(n float64) TValue {
	return TValue{Tag: TNumber, N: n}
}

// LightUserdata returns a light userdata value carrying an integer payload.
// The generic loop instructions store their iteration index this way.
func LightUserdata(i int64) TValue {
	return TValue{Tag: TLightUserdata, I: i}
}

// StringValue wraps an interned string.
func StringValue(s *TString) TValue {
	return TValue{Tag: TStringTag, Obj: s}
}

// TableValue wraps a table.
func TableValue(t *Table) TValue {
	return TValue{Tag: TTable, Obj: t}
}

// FunctionValue wraps a closure.
func FunctionValue(cl *Closure) TValue {
	return TValue{Tag: TFunction, Obj: cl}
}

// IsNil reports whether the value is nil.
func (v TValue) IsNil() bool { return v.Tag == TNil }

// IsNumber reports whether the value is a number.
func (v TValue) IsNumber() bool { return v.Tag == TNumber }

// IsString reports whether the value is a string.
func (v TValue) IsString() bool { return v.Tag == TStringTag }

// IsTable reports whether the value is a table.
func (v TValue) IsTable() bool { return v.Tag == TTable }

// Truthy reports the truthiness of a value: everything except nil and false.
func (v TValue) Truthy() bool {
	return !(v.Tag == TNil || (v.Tag == TBoolean && v.I == 0))
}

// AsBool reports the boolean payload.
func (v TValue) AsBool() bool { return v.I != 0 }

// AsString returns the string payload, or nil for other tags.
func (v TValue) AsString() *TString {
	if s, ok := v.Obj.(*TString); ok && v.Tag == TStringTag {
		return s
	}
	return nil
}

// AsTable returns the table payload, or nil for other tags.
func (v TValue) AsTable() *Table {
	if t, ok := v.Obj.(*Table); ok && v.Tag == TTable {
		return t
	}
	return nil
}

// AsClosure returns the closure payload, or nil for other tags.
func (v TValue) AsClosure() *Closure {
	if cl, ok := v.Obj.(*Closure); ok && v.Tag == TFunction {
		return cl
	}
	return nil
}

// RawEqual implements primitive equality: tags must match, then payloads.
// NaN is not equal to itself, matching IEEE semantics.
func RawEqual(a, b TValue) bool {
	if a.Tag != b.Tag {
		return false
	}
	switch a.Tag {
	case TNil:
		return true
	case TBoolean, TLightUserdata:
		return a.I == b.I
	case TNumber:
		return a.N == b.N
	default:
		return a.Obj == b.Obj
	}
}

// hashKey projects a value onto a Go map key for the table hash part.
// Strings hash by identity of the interned object, which collapses equal
// strings because interning is global.
func (v TValue) hashKey() (any, bool) {
	switch v.Tag {
	case TNil:
		return nil, false
	case TBoolean:
		return v.I != 0, true
	case TNumber:
		if math.IsNaN(v.N) {
			return nil, false
		}
		return v.N, true
	case TLightUserdata:
		return v.I, true
	default:
		return v.Obj, true
	}
}
