package vm

import (
	"fmt"
	"math"
)

// Table is the Luau aggregate type: a dense array part indexed from 1 and a
// hash part for everything else. Flags used by the loader and code
// generation: ReadOnly rejects writes, SafeEnv marks an environment table
// that has not been mutated since startup, which enables import
// pre-resolution.
type Table struct {
	Array     []TValue
	hash      map[any]TValue
	Metatable *Table
	ReadOnly  bool
	SafeEnv   bool
}

// NewTable creates a table with the given array and hash size hints.
func NewTable(narray, nhash int) *Table {
	t := &Table{}
	if narray > 0 {
		t.Array = make([]TValue, 0, narray)
	}
	if nhash > 0 {
		t.hash = make(map[any]TValue, nhash)
	}
	return t
}

// arrayIndex converts a number key to a usable array index (1-based), if it
// is integral and within the current array part.
func (t *Table) arrayIndex(key TValue) (int, bool) {
	if key.Tag != TNumber {
		return 0, false
	}
	i := int(key.N)
	if float64(i) != key.N {
		return 0, false
	}
	if i >= 1 && i <= len(t.Array) {
		return i, true
	}
	// Appending right past the array part grows it.
	if i == len(t.Array)+1 {
		return i, true
	}
	return 0, false
}

// RawGet reads a value without metatable dispatch. Missing keys read as nil.
func (t *Table) RawGet(key TValue) TValue {
	if i, ok := t.arrayIndex(key); ok && i <= len(t.Array) {
		return t.Array[i-1]
	}
	hk, ok := key.hashKey()
	if !ok {
		return Nil()
	}
	if t.hash == nil {
		return Nil()
	}
	return t.hash[hk]
}

// RawGetString reads a string-keyed value without metatable dispatch.
func (t *Table) RawGetString(key *TString) TValue {
	if t.hash == nil {
		return Nil()
	}
	return t.hash[any(key)]
}

// RawSet writes a value without metatable dispatch. Writing nil removes the
// entry. The table loses its safe-environment bit on any mutation.
func (t *Table) RawSet(key, value TValue) {
	t.SafeEnv = false

	if i, ok := t.arrayIndex(key); ok {
		if i == len(t.Array)+1 {
			if value.IsNil() {
				return
			}
			t.Array = append(t.Array, value)
			return
		}
		t.Array[i-1] = value
		return
	}

	hk, ok := key.hashKey()
	if !ok {
		return
	}
	if value.IsNil() {
		delete(t.hash, hk)
		return
	}
	if t.hash == nil {
		t.hash = make(map[any]TValue)
	}
	t.hash[hk] = value
}

// RawSetString writes a string-keyed value without metatable dispatch.
func (t *Table) RawSetString(key *TString, value TValue) {
	t.SafeEnv = false
	if value.IsNil() {
		delete(t.hash, any(key))
		return
	}
	if t.hash == nil {
		t.hash = make(map[any]TValue)
	}
	t.hash[any(key)] = value
}

// Len returns the border length: the size of the array part with trailing
// nils trimmed, following the primitive # semantics.
func (t *Table) Len() int {
	n := len(t.Array)
	for n > 0 && t.Array[n-1].IsNil() {
		n--
	}
	return n
}

// HashLen reports the number of entries in the hash part.
func (t *Table) HashLen() int {
	return len(t.hash)
}

// Next iterates the table in array-then-hash order. A nil key starts the
// iteration; the returned ok is false once the table is exhausted.
func (t *Table) Next(key TValue) (nextKey, nextValue TValue, ok bool) {
	start := 0
	if !key.IsNil() {
		if i, valid := t.arrayIndex(key); valid && i <= len(t.Array) {
			start = i
		} else {
			return t.nextHash(key)
		}
	}
	for i := start; i < len(t.Array); i++ {
		if !t.Array[i].IsNil() {
			return Number(float64(i + 1)), t.Array[i], true
		}
	}
	return t.nextHash(Nil())
}

// nextHash walks the hash part. Go map order is unspecified and can change
// between range loops, so the keys are materialized and sorted once per
// step; iteration cost is quadratic but only generic loops over hash parts
// pay it.
func (t *Table) nextHash(key TValue) (TValue, TValue, bool) {
	keys := make([]any, 0, len(t.hash))
	for k := range t.hash {
		keys = append(keys, k)
	}
	sortHashKeys(keys)

	if key.IsNil() {
		if len(keys) == 0 {
			return Nil(), Nil(), false
		}
		k := keys[0]
		return keyToValue(k), t.hash[k], true
	}

	hk, ok := key.hashKey()
	if !ok {
		return Nil(), Nil(), false
	}
	for i, k := range keys {
		if k == hk {
			if i+1 < len(keys) {
				nk := keys[i+1]
				return keyToValue(nk), t.hash[nk], true
			}
			return Nil(), Nil(), false
		}
	}
	return Nil(), Nil(), false
}

// sortHashKeys orders hash keys: numbers first by value, then strings by
// contents, then everything else by its %p formatting. Next and IterAt
// re-sort on every step, so the order is total for an iteration to visit
// each key once.
func sortHashKeys(keys []any) {
	less := func(a, b any) bool {
		na, aIsNum := a.(float64)
		nb, bIsNum := b.(float64)
		if aIsNum && bIsNum {
			return na < nb
		}
		if aIsNum != bIsNum {
			return aIsNum
		}
		sa, aIsStr := a.(*TString)
		sb, bIsStr := b.(*TString)
		if aIsStr && bIsStr {
			return sa.Data < sb.Data
		}
		if aIsStr != bIsStr {
			return aIsStr
		}
		return fmt.Sprintf("%p", a) < fmt.Sprintf("%p", b)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && less(keys[j], keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func keyToValue(k any) TValue {
	switch v := k.(type) {
	case bool:
		return Boolean(v)
	case float64:
		return Number(v)
	case int64:
		return LightUserdata(v)
	case *TString:
		return StringValue(v)
	case *Table:
		return TableValue(v)
	case *Closure:
		return FunctionValue(v)
	default:
		return Nil()
	}
}

// IterAt reads the iteration slot at position: array slots first, then hash
// entries in deterministic order. Nil array holes are skipped by advancing
// the position; the returned next position resumes after the slot.
func (t *Table) IterAt(pos int) (key, value TValue, next int, ok bool) {
	for pos < len(t.Array) {
		if !t.Array[pos].IsNil() {
			return Number(float64(pos + 1)), t.Array[pos], pos + 1, true
		}
		pos++
	}

	hpos := pos - len(t.Array)
	if hpos >= len(t.hash) {
		return Nil(), Nil(), pos, false
	}
	keys := make([]any, 0, len(t.hash))
	for k := range t.hash {
		keys = append(keys, k)
	}
	sortHashKeys(keys)
	k := keys[hpos]
	return keyToValue(k), t.hash[k], pos + 1, true
}

// NumToArrayIndex converts a double to a 1-based integer index, reporting
// failure for fractional or out-of-range values. This mirrors the check the
// IR fast path performs before touching the array part.
func NumToArrayIndex(n float64) (int, bool) {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	i := int(n)
	if float64(i) != n || i < 1 || i > (1<<28) {
		return 0, false
	}
	return i, true
}
