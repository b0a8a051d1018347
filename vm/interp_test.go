package vm

import (
	"math"
	"testing"

	"github.com/mjansson/luau/pkg/bytecode"
)

// runProto assembles a proto, wraps it in a closure and calls it with no
// arguments, returning the single result.
func runProto(t *testing.T, desc *bytecode.ProtoDesc, setup func(*State)) TValue {
	t.Helper()

	L := NewState()
	if setup != nil {
		setup(L)
	}

	cl := loadBlob(t, L, buildSingleProto(t, desc))
	L.Push(FunctionValue(cl))
	Call(L, 0, 1)
	return L.Pop()
}

func TestArithmeticOpcodes(t *testing.T) {
	cases := []struct {
		name string
		op   bytecode.Opcode
		a, b float64
		want float64
	}{
		{"add", bytecode.OpAdd, 2, 3, 5},
		{"sub", bytecode.OpSub, 2, 3, -1},
		{"mul", bytecode.OpMul, 2, 3, 6},
		{"div", bytecode.OpDiv, 3, 2, 1.5},
		{"mod", bytecode.OpMod, 7, 3, 1},
		{"mod negative", bytecode.OpMod, -5, 3, 1},
		{"pow", bytecode.OpPow, 2, 10, 1024},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desc := &bytecode.ProtoDesc{
				MaxStackSize: 3,
				Code: []uint32{
					bytecode.EncodeAD(bytecode.OpLoadK, 0, 0),
					bytecode.EncodeAD(bytecode.OpLoadK, 1, 1),
					bytecode.EncodeABC(tc.op, 2, 0, 1),
					retInsn(2, 1),
				},
				Constants: []bytecode.Constant{
					{Kind: bytecode.ConstantNumber, Number: tc.a},
					{Kind: bytecode.ConstantNumber, Number: tc.b},
				},
			}
			result := runProto(t, desc, nil)
			if result.Tag != TNumber || result.N != tc.want {
				t.Errorf("%g %s %g = %v, want %g", tc.a, tc.name, tc.b, result, tc.want)
			}
		})
	}
}

// TestArithFastSlowEquivalence pins the fast-path/fallback contract: for
// number operands the interpreter's inline arithmetic and the DoArith
// runtime helper must agree bit for bit.
func TestArithFastSlowEquivalence(t *testing.T) {
	L := NewState()

	operands := []float64{0, 1, -1, 2.5, -3.75, math.Inf(1), math.Inf(-1), math.NaN(), 1e308, -1e-308}
	ops := []TM{TMAdd, TMSub, TMMul, TMDiv, TMMod, TMPow}

	for _, op := range ops {
		for _, a := range operands {
			for _, b := range operands {
				fast := fastArith(op, a, b)
				slow := DoArith(L, op, Number(a), Number(b))

				if math.Float64bits(fast.N) != math.Float64bits(slow.N) {
					t.Errorf("%s(%g, %g): fast %v != slow %v", op, a, b, fast.N, slow.N)
				}
			}
		}
	}
}

func TestArithStringCoercion(t *testing.T) {
	L := NewState()

	result := DoArith(L, TMAdd, Number(1), StringValue(L.Global.Intern("2")))
	if result.N != 3 {
		t.Errorf("1 + \"2\" = %v, want 3", result.N)
	}
}

func TestArithMetamethod(t *testing.T) {
	L := NewState()

	handlerProto := &Proto{
		MaxStackSize: 3,
		NumParams:    2,
		Code: []uint32{
			bytecode.EncodeAD(bytecode.OpLoadN, 2, 42),
			retInsn(2, 1),
		},
	}
	handler := NewClosure(handlerProto, 0, L.Env)

	mt := NewTable(0, 1)
	mt.RawSetString(L.Global.Intern("__add"), FunctionValue(handler))
	operand := NewTable(0, 0)
	operand.Metatable = mt

	result := DoArith(L, TMAdd, TableValue(operand), Number(1))
	if result.N != 42 {
		t.Errorf("__add result = %v, want 42", result)
	}
}

func TestArithErrorWithoutMetamethod(t *testing.T) {
	L := NewState()

	err := L.PCall(func(L *State) {
		DoArith(L, TMAdd, TableValue(NewTable(0, 0)), Number(1))
	})
	if err == nil {
		t.Fatal("arithmetic on a plain table should raise")
	}
}

func TestNotAndComparisons(t *testing.T) {
	L := NewState()

	if LessThan(L, Number(math.NaN()), Number(1)) || LessThan(L, Number(1), Number(math.NaN())) {
		t.Error("ordered comparison must treat NaN as false on both sides")
	}
	if !LessEqual(L, Number(1), Number(1)) {
		t.Error("1 <= 1")
	}
	if !LessThan(L, StringValue(L.Global.Intern("a")), StringValue(L.Global.Intern("b"))) {
		t.Error("string comparison should be lexicographic")
	}
	if EqualValues(L, Number(math.NaN()), Number(math.NaN())) {
		t.Error("NaN ~= NaN")
	}
}

func TestNumericForLoop(t *testing.T) {
	// local sum = 0; for i = 1, 4 do sum = sum + i end; return sum
	// r0 = sum, r1 = limit, r2 = step, r3 = index
	desc := &bytecode.ProtoDesc{
		MaxStackSize: 5,
		Code: []uint32{
			bytecode.EncodeAD(bytecode.OpLoadN, 0, 0), // sum = 0
			bytecode.EncodeAD(bytecode.OpLoadN, 1, 4), // limit
			bytecode.EncodeAD(bytecode.OpLoadN, 2, 1), // step
			bytecode.EncodeAD(bytecode.OpLoadN, 3, 1), // index
			bytecode.EncodeAD(bytecode.OpForNPrep, 1, 2),
			bytecode.EncodeABC(bytecode.OpAdd, 0, 0, 3), // sum += index
			bytecode.EncodeAD(bytecode.OpForNLoop, 1, -2),
			retInsn(0, 1),
		},
	}

	result := runProto(t, desc, nil)
	if result.N != 10 {
		t.Errorf("sum = %v, want 10", result.N)
	}
}

func TestNumericForLoopNaNNeverRuns(t *testing.T) {
	desc := &bytecode.ProtoDesc{
		MaxStackSize: 5,
		Code: []uint32{
			bytecode.EncodeAD(bytecode.OpLoadN, 0, 0),
			bytecode.EncodeAD(bytecode.OpLoadK, 1, 0), // limit = NaN
			bytecode.EncodeAD(bytecode.OpLoadN, 2, 1),
			bytecode.EncodeAD(bytecode.OpLoadN, 3, 1),
			bytecode.EncodeAD(bytecode.OpForNPrep, 1, 2),
			bytecode.EncodeAD(bytecode.OpLoadN, 0, 99),
			bytecode.EncodeAD(bytecode.OpForNLoop, 1, -2),
			retInsn(0, 1),
		},
		Constants: []bytecode.Constant{
			{Kind: bytecode.ConstantNumber, Number: math.NaN()},
		},
	}

	result := runProto(t, desc, nil)
	if result.N != 0 {
		t.Errorf("NaN-bounded loop body ran; sum = %v", result.N)
	}
}

func TestInterruptPolledOnBackEdge(t *testing.T) {
	interrupts := 0

	desc := &bytecode.ProtoDesc{
		MaxStackSize: 5,
		Code: []uint32{
			bytecode.EncodeAD(bytecode.OpLoadN, 0, 0),
			bytecode.EncodeAD(bytecode.OpLoadN, 1, 3),
			bytecode.EncodeAD(bytecode.OpLoadN, 2, 1),
			bytecode.EncodeAD(bytecode.OpLoadN, 3, 1),
			bytecode.EncodeAD(bytecode.OpForNPrep, 1, 2),
			bytecode.EncodeABC(bytecode.OpNop, 0, 0, 0),
			bytecode.EncodeAD(bytecode.OpForNLoop, 1, -2),
			retInsn(0, 1),
		},
	}

	runProto(t, desc, func(L *State) {
		L.Interrupt = func(*State) { interrupts++ }
	})

	if interrupts != 3 {
		t.Errorf("interrupt polled %d times, want one per loop iteration", interrupts)
	}
}

func TestTableOpcodes(t *testing.T) {
	// t = {}; t[1] = 7; return t[1] + #t
	desc := &bytecode.ProtoDesc{
		MaxStackSize: 4,
		Code: []uint32{
			bytecode.EncodeABC(bytecode.OpNewTable, 0, 0, 0), 1,
			bytecode.EncodeAD(bytecode.OpLoadN, 1, 7),
			bytecode.EncodeABC(bytecode.OpSetTableN, 1, 0, 0),
			bytecode.EncodeABC(bytecode.OpGetTableN, 2, 0, 0),
			bytecode.EncodeABC(bytecode.OpLength, 3, 0, 0),
			bytecode.EncodeABC(bytecode.OpAdd, 2, 2, 3),
			retInsn(2, 1),
		},
	}

	result := runProto(t, desc, nil)
	if result.N != 8 {
		t.Errorf("t[1] + #t = %v, want 8", result.N)
	}
}

func TestGetTableNumericIndex(t *testing.T) {
	// Fast-path shape: r1 is a table with array [10 20 30], r2 = 2.0.
	desc := &bytecode.ProtoDesc{
		MaxStackSize: 3,
		Code: []uint32{
			bytecode.EncodeABC(bytecode.OpGetGlobal, 1, 0, 0), 0,
			bytecode.EncodeAD(bytecode.OpLoadN, 2, 2),
			bytecode.EncodeABC(bytecode.OpGetTable, 0, 1, 2),
			retInsn(0, 1),
		},
		Constants: []bytecode.Constant{
			{Kind: bytecode.ConstantString, String: "t"},
		},
	}

	result := runProto(t, desc, func(L *State) {
		arr := NewTable(3, 0)
		arr.RawSet(Number(1), Number(10))
		arr.RawSet(Number(2), Number(20))
		arr.RawSet(Number(3), Number(30))
		L.Env.RawSetString(L.Global.Intern("t"), TableValue(arr))
	})

	if result.N != 20 {
		t.Errorf("t[2] = %v, want 20", result.N)
	}
}

func TestGetTableFractionalIndexFallsBack(t *testing.T) {
	L := NewState()

	arr := NewTable(3, 0)
	arr.RawSet(Number(1), Number(10))

	// 2.5 fails NUM_TO_INDEX; the generic path returns nil for a missing
	// key.
	result := GetTableValue(L, TableValue(arr), Number(2.5))
	if !result.IsNil() {
		t.Errorf("t[2.5] = %v, want nil", result)
	}

	if _, ok := NumToArrayIndex(2.5); ok {
		t.Error("2.5 must not convert to an array index")
	}
	if idx, ok := NumToArrayIndex(2.0); !ok || idx != 2 {
		t.Error("2.0 should convert to array index 2")
	}
}

func TestReadonlyTableRejectsWrites(t *testing.T) {
	L := NewState()

	tbl := NewTable(0, 0)
	tbl.ReadOnly = true

	err := L.PCall(func(L *State) {
		SetTableValue(L, TableValue(tbl), Number(1), Number(2))
	})
	if err == nil {
		t.Fatal("write to a readonly table should raise")
	}
}

func TestIndexMetatableChain(t *testing.T) {
	L := NewState()

	base := NewTable(0, 1)
	base.RawSetString(L.Global.Intern("x"), Number(5))

	mt := NewTable(0, 1)
	mt.RawSetString(L.Global.Intern("__index"), TableValue(base))

	derived := NewTable(0, 0)
	derived.Metatable = mt

	got := GetTableValue(L, TableValue(derived), StringValue(L.Global.Intern("x")))
	if got.N != 5 {
		t.Errorf("__index chain read = %v, want 5", got)
	}
}

func TestConcat(t *testing.T) {
	L := NewState()

	result := Concat(L, []TValue{
		StringValue(L.Global.Intern("a")),
		Number(1),
		StringValue(L.Global.Intern("b")),
	})
	if s := result.AsString(); s == nil || s.Data != "a1b" {
		t.Errorf("concat = %v, want a1b", result)
	}
}

func TestClosuresAndUpvalues(t *testing.T) {
	// local x = 7
	// local function get() return x end
	// return get()
	b := bytecode.NewBuilder()

	getID := b.AddProto(&bytecode.ProtoDesc{
		MaxStackSize: 1,
		NumUpvals:    1,
		Code: []uint32{
			bytecode.EncodeABC(bytecode.OpGetUpval, 0, 0, 0),
			retInsn(0, 1),
		},
	})

	mainID := b.AddProto(&bytecode.ProtoDesc{
		MaxStackSize: 3,
		Code: []uint32{
			bytecode.EncodeAD(bytecode.OpLoadN, 0, 7),
			bytecode.EncodeAD(bytecode.OpNewClosure, 1, 0),
			bytecode.EncodeABC(bytecode.OpCapture, bytecode.CaptureVal, 0, 0),
			bytecode.EncodeABC(bytecode.OpCall, 1, 1, 2),
			retInsn(1, 1),
		},
		Children: []int{getID},
	})
	b.SetMain(mainID)

	blob, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	L := NewState()
	cl := loadBlob(t, L, blob)
	L.Push(FunctionValue(cl))
	Call(L, 0, 1)

	if result := L.Pop(); result.N != 7 {
		t.Errorf("captured upvalue read = %v, want 7", result)
	}
}

func TestGenericForIpairs(t *testing.T) {
	// for i, v in ipairs-style iteration over {5, 6, 7}: sum values.
	// r0 = sum; loop base r1: generator/nil, table, control, then i, v.
	desc := &bytecode.ProtoDesc{
		MaxStackSize: 6,
		Code: []uint32{
			bytecode.EncodeAD(bytecode.OpLoadN, 0, 0),
			bytecode.EncodeABC(bytecode.OpGetGlobal, 2, 0, 0), 0,
			bytecode.EncodeAD(bytecode.OpLoadN, 3, 0),
			bytecode.EncodeAD(bytecode.OpForGPrepInext, 1, 1),
			bytecode.EncodeABC(bytecode.OpAdd, 0, 0, 5),
			bytecode.EncodeAD(bytecode.OpForGLoop, 1, -2), 0x80000002,
			retInsn(0, 1),
		},
		Constants: []bytecode.Constant{
			{Kind: bytecode.ConstantString, String: "t"},
		},
	}

	result := runProto(t, desc, func(L *State) {
		arr := NewTable(3, 0)
		arr.RawSet(Number(1), Number(5))
		arr.RawSet(Number(2), Number(6))
		arr.RawSet(Number(3), Number(7))
		L.Env.RawSetString(L.Global.Intern("t"), TableValue(arr))
	})

	if result.N != 18 {
		t.Errorf("ipairs sum = %v, want 18", result.N)
	}
}

func TestCallDepthOverflow(t *testing.T) {
	// A function that calls itself unconditionally must hit the depth guard.
	desc := &bytecode.ProtoDesc{
		MaxStackSize: 2,
		Code: []uint32{
			bytecode.EncodeABC(bytecode.OpGetGlobal, 0, 0, 0), 0,
			bytecode.EncodeABC(bytecode.OpCall, 0, 1, 1),
			retInsn(0, 0),
		},
		Constants: []bytecode.Constant{
			{Kind: bytecode.ConstantString, String: "f"},
		},
	}

	L := NewState()
	cl := loadBlob(t, L, buildSingleProto(t, desc))
	L.Env.RawSetString(L.Global.Intern("f"), FunctionValue(cl))

	err := L.PCall(func(L *State) {
		L.Push(FunctionValue(cl))
		Call(L, 0, 0)
	})
	if err == nil {
		t.Fatal("unbounded recursion should raise a stack overflow")
	}
}
