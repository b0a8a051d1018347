package vm

import (
	"math"

	"github.com/mjansson/luau/pkg/bytecode"
)

// Call invokes the function sitting below its nargs arguments on the stack.
// On return the function and arguments are replaced by nresults values
// (padded with nil when the callee returns fewer).
func Call(L *State, nargs, nresults int) {
	funcPos := L.Top - nargs - 1
	fn := L.Stack[funcPos]

	cl := fn.AsClosure()
	if cl == nil {
		h := getMetamethod(L, fn, TMCall)
		if h.IsNil() {
			L.RaiseError("attempt to call a %s value", fn.Tag)
		}
		// Shift arguments up to make room for the handler as the callee.
		L.CheckStack(1)
		copy(L.Stack[funcPos+1:L.Top+1], L.Stack[funcPos:L.Top])
		L.Stack[funcPos] = h
		L.Top++
		Call(L, nargs+1, nresults)
		return
	}

	L.depth++
	if L.depth > maxCallDepth {
		L.depth--
		L.RaiseError("stack overflow")
	}

	base := funcPos + 1
	frameTop := base + int(cl.Proto.MaxStackSize)
	L.CheckStack(frameTop - L.Top)

	// Missing parameters read as nil. Surplus arguments beyond the declared
	// parameters stay in the frame's registers; GETVARARGS does not read
	// them and loads nil.
	for i := L.Top; i < frameTop; i++ {
		L.Stack[i] = Nil()
	}
	varargs := nargs - int(cl.Proto.NumParams)
	if varargs < 0 {
		varargs = 0
	}
	L.Top = frameTop

	results := execute(L, cl, base, varargs)

	closeUpvals(L, base)
	L.depth--

	// Move results down over the function slot.
	n := len(results)
	if nresults >= 0 && n > nresults {
		n = nresults
	}
	copy(L.Stack[funcPos:], results[:n])
	want := nresults
	if want < 0 {
		want = n
	}
	for i := n; i < want; i++ {
		L.Stack[funcPos+i] = Nil()
	}
	L.Top = funcPos + want
}

// closeUpvals closes every open upvalue at or above the given stack index.
func closeUpvals(L *State, level int) {
	kept := L.openUpvals[:0]
	for _, uv := range L.openUpvals {
		if uv.Index >= level {
			uv.Close()
		} else {
			kept = append(kept, uv)
		}
	}
	L.openUpvals = kept
}

// findUpval returns the open upvalue cell for a stack slot, creating it when
// the slot is not captured yet.
func findUpval(L *State, index int) *Upvalue {
	for _, uv := range L.openUpvals {
		if uv.Index == index {
			return uv
		}
	}
	uv := &Upvalue{L: L, Index: index}
	L.openUpvals = append(L.openUpvals, uv)
	return uv
}

// execute runs a closure's bytecode with registers based at base and returns
// the values produced by RETURN, copied out of the stack into a new slice.
func execute(L *State, cl *Closure, base, varargs int) []TValue {
	p := cl.Proto
	code := p.Code
	k := p.K
	pc := 0

	reg := func(i int) *TValue { return &L.Stack[base+i] }

	for pc < len(code) {
		insn := code[pc]
		op := bytecode.InsnOp(insn)
		a := bytecode.InsnA(insn)

		switch op {
		case bytecode.OpNop, bytecode.OpBreak, bytecode.OpPrepVarargs:
			pc++

		case bytecode.OpLoadNil:
			*reg(a) = Nil()
			pc++

		case bytecode.OpLoadB:
			*reg(a) = Boolean(bytecode.InsnB(insn) != 0)
			pc += 1 + bytecode.InsnC(insn)

		case bytecode.OpLoadN:
			*reg(a) = Number(float64(bytecode.InsnD(insn)))
			pc++

		case bytecode.OpLoadK:
			*reg(a) = k[bytecode.InsnD(insn)]
			pc++

		case bytecode.OpLoadKX:
			*reg(a) = k[code[pc+1]]
			pc += 2

		case bytecode.OpMove:
			*reg(a) = *reg(bytecode.InsnB(insn))
			pc++

		case bytecode.OpGetGlobal:
			key := k[code[pc+1]]
			v := GetTableValue(L, TableValue(cl.Env), key)
			*reg(a) = v
			pc += 2

		case bytecode.OpSetGlobal:
			key := k[code[pc+1]]
			SetTableValue(L, TableValue(cl.Env), key, *reg(a))
			pc += 2

		case bytecode.OpGetImport:
			d := bytecode.InsnD(insn)
			if cl.Env.SafeEnv && !k[d].IsNil() {
				*reg(a) = k[d]
			} else {
				GetImport(L, cl.Env, k, code[pc+1], false)
				*reg(a) = L.Pop()
			}
			pc += 2

		case bytecode.OpGetUpval:
			*reg(a) = cl.Upvals[bytecode.InsnB(insn)].Get()
			pc++

		case bytecode.OpSetUpval:
			cl.Upvals[bytecode.InsnB(insn)].Set(*reg(a))
			pc++

		case bytecode.OpCloseUpvals:
			closeUpvals(L, base+a)
			pc++

		case bytecode.OpGetTable:
			v := GetTableValue(L, *reg(bytecode.InsnB(insn)), *reg(bytecode.InsnC(insn)))
			*reg(a) = v
			pc++

		case bytecode.OpSetTable:
			SetTableValue(L, *reg(bytecode.InsnB(insn)), *reg(bytecode.InsnC(insn)), *reg(a))
			pc++

		case bytecode.OpGetTableKS:
			v := GetTableValue(L, *reg(bytecode.InsnB(insn)), k[code[pc+1]])
			*reg(a) = v
			pc += 2

		case bytecode.OpSetTableKS:
			SetTableValue(L, *reg(bytecode.InsnB(insn)), k[code[pc+1]], *reg(a))
			pc += 2

		case bytecode.OpGetTableN:
			idx := Number(float64(bytecode.InsnC(insn) + 1))
			v := GetTableValue(L, *reg(bytecode.InsnB(insn)), idx)
			*reg(a) = v
			pc++

		case bytecode.OpSetTableN:
			idx := Number(float64(bytecode.InsnC(insn) + 1))
			SetTableValue(L, *reg(bytecode.InsnB(insn)), idx, *reg(a))
			pc++

		case bytecode.OpNewClosure:
			child := p.P[bytecode.InsnD(insn)]
			ncl := NewClosure(child, int(child.NumUpvals), cl.Env)
			pc++
			pc = fillCaptures(L, cl, ncl, code, pc, base)
			*reg(a) = FunctionValue(ncl)

		case bytecode.OpDupClosure:
			kcl := k[bytecode.InsnD(insn)].AsClosure()
			pc++
			if kcl.Preload {
				ncl := NewClosure(kcl.Proto, int(kcl.Proto.NumUpvals), kcl.Env)
				pc = fillCaptures(L, cl, ncl, code, pc, base)
				*reg(a) = FunctionValue(ncl)
			} else {
				*reg(a) = FunctionValue(kcl)
			}

		case bytecode.OpNamecall:
			obj := *reg(bytecode.InsnB(insn))
			*reg(a + 1) = obj
			v := GetTableValue(L, obj, k[code[pc+1]])
			*reg(a) = v
			pc += 2

		case bytecode.OpCall:
			b := bytecode.InsnB(insn)
			c := bytecode.InsnC(insn)
			nargs := b - 1
			if b == 0 {
				nargs = L.Top - (base + a) - 1
			} else {
				L.Top = base + a + b
			}
			Call(L, nargs, c-1)
			if c >= 1 {
				L.Top = base + int(p.MaxStackSize)
			}
			pc++

		case bytecode.OpReturn:
			b := bytecode.InsnB(insn)
			count := b - 1
			if b == 0 {
				count = L.Top - (base + a)
			}
			results := make([]TValue, count)
			copy(results, L.Stack[base+a:base+a+count])
			return results

		case bytecode.OpJump:
			pc += 1 + bytecode.InsnD(insn)

		case bytecode.OpJumpBack:
			if L.Interrupt != nil {
				L.Interrupt(L)
			}
			pc += 1 + bytecode.InsnD(insn)

		case bytecode.OpJumpX:
			if L.Interrupt != nil {
				L.Interrupt(L)
			}
			pc += 1 + bytecode.InsnE(insn)

		case bytecode.OpJumpIf:
			if reg(a).Truthy() {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc++
			}

		case bytecode.OpJumpIfNot:
			if !reg(a).Truthy() {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc++
			}

		case bytecode.OpJumpIfEq:
			if EqualValues(L, *reg(a), *reg(int(code[pc+1]))) {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc += 2
			}

		case bytecode.OpJumpIfNotEq:
			if !EqualValues(L, *reg(a), *reg(int(code[pc+1]))) {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc += 2
			}

		case bytecode.OpJumpIfLT:
			if LessThan(L, *reg(a), *reg(int(code[pc+1]))) {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc += 2
			}

		case bytecode.OpJumpIfNotLT:
			if !LessThan(L, *reg(a), *reg(int(code[pc+1]))) {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc += 2
			}

		case bytecode.OpJumpIfLE:
			if LessEqual(L, *reg(a), *reg(int(code[pc+1]))) {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc += 2
			}

		case bytecode.OpJumpIfNotLE:
			if !LessEqual(L, *reg(a), *reg(int(code[pc+1]))) {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc += 2
			}

		case bytecode.OpJumpXEqKNil:
			not := code[pc+1]&0x80000000 != 0
			if (reg(a).Tag == TNil) != not {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc += 2
			}

		case bytecode.OpJumpXEqKB:
			aux := code[pc+1]
			not := aux&0x80000000 != 0
			eq := reg(a).Tag == TBoolean && reg(a).AsBool() == (aux&1 != 0)
			if eq != not {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc += 2
			}

		case bytecode.OpJumpXEqKN:
			aux := code[pc+1]
			not := aux&0x80000000 != 0
			kv := k[aux&0xffffff]
			eq := reg(a).Tag == TNumber && reg(a).N == kv.N
			if eq != not {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc += 2
			}

		case bytecode.OpJumpXEqKS:
			aux := code[pc+1]
			not := aux&0x80000000 != 0
			kv := k[aux&0xffffff]
			eq := reg(a).Tag == TStringTag && reg(a).Obj == kv.Obj
			if eq != not {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc += 2
			}

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod, bytecode.OpPow:
			rb := *reg(bytecode.InsnB(insn))
			rc := *reg(bytecode.InsnC(insn))
			if rb.Tag == TNumber && rc.Tag == TNumber {
				*reg(a) = fastArith(arithTM(op), rb.N, rc.N)
			} else {
				v := DoArith(L, arithTM(op), rb, rc)
				*reg(a) = v
			}
			pc++

		case bytecode.OpAddK, bytecode.OpSubK, bytecode.OpMulK, bytecode.OpDivK, bytecode.OpModK, bytecode.OpPowK:
			rb := *reg(bytecode.InsnB(insn))
			kc := k[bytecode.InsnC(insn)]
			if rb.Tag == TNumber && kc.Tag == TNumber {
				*reg(a) = fastArith(arithTM(op), rb.N, kc.N)
			} else {
				v := DoArith(L, arithTM(op), rb, kc)
				*reg(a) = v
			}
			pc++

		case bytecode.OpAnd:
			rb := *reg(bytecode.InsnB(insn))
			if rb.Truthy() {
				*reg(a) = *reg(bytecode.InsnC(insn))
			} else {
				*reg(a) = rb
			}
			pc++

		case bytecode.OpOr:
			rb := *reg(bytecode.InsnB(insn))
			if rb.Truthy() {
				*reg(a) = rb
			} else {
				*reg(a) = *reg(bytecode.InsnC(insn))
			}
			pc++

		case bytecode.OpAndK:
			rb := *reg(bytecode.InsnB(insn))
			if rb.Truthy() {
				*reg(a) = k[bytecode.InsnC(insn)]
			} else {
				*reg(a) = rb
			}
			pc++

		case bytecode.OpOrK:
			rb := *reg(bytecode.InsnB(insn))
			if rb.Truthy() {
				*reg(a) = rb
			} else {
				*reg(a) = k[bytecode.InsnC(insn)]
			}
			pc++

		case bytecode.OpConcat:
			b := bytecode.InsnB(insn)
			c := bytecode.InsnC(insn)
			values := make([]TValue, c-b+1)
			copy(values, L.Stack[base+b:base+c+1])
			v := Concat(L, values)
			*reg(a) = v
			pc++

		case bytecode.OpNot:
			*reg(a) = Boolean(!reg(bytecode.InsnB(insn)).Truthy())
			pc++

		case bytecode.OpMinus:
			rb := *reg(bytecode.InsnB(insn))
			if rb.Tag == TNumber {
				*reg(a) = Number(-rb.N)
			} else {
				v := DoArith(L, TMUnm, rb, rb)
				*reg(a) = v
			}
			pc++

		case bytecode.OpLength:
			v := DoLen(L, *reg(bytecode.InsnB(insn)))
			*reg(a) = v
			pc++

		case bytecode.OpNewTable:
			b := bytecode.InsnB(insn)
			nhash := 0
			if b != 0 {
				nhash = 1 << (b - 1)
			}
			*reg(a) = TableValue(NewTable(int(code[pc+1]), nhash))
			pc += 2

		case bytecode.OpDupTable:
			shape := k[bytecode.InsnD(insn)].AsTable()
			t := NewTable(len(shape.Array), shape.HashLen())
			*reg(a) = TableValue(t)
			pc++

		case bytecode.OpSetList:
			b := bytecode.InsnB(insn)
			c := bytecode.InsnC(insn)
			count := c - 1
			if c == 0 {
				count = L.Top - (base + b)
			}
			t := reg(a).AsTable()
			start := int(code[pc+1])
			for i := 0; i < count; i++ {
				t.RawSet(Number(float64(start+i)), *reg(b + i))
			}
			pc += 2

		case bytecode.OpForNPrep:
			limit, okL := toNumber(*reg(a))
			step, okS := toNumber(*reg(a + 1))
			idx, okI := toNumber(*reg(a + 2))
			if !okL {
				L.RaiseError("invalid 'for' limit (number expected)")
			}
			if !okS {
				L.RaiseError("invalid 'for' step (number expected)")
			}
			if !okI {
				L.RaiseError("invalid 'for' initial value (number expected)")
			}
			*reg(a) = Number(limit)
			*reg(a + 1) = Number(step)
			*reg(a + 2) = Number(idx)
			if forLoopContinues(idx, limit, step) {
				pc++
			} else {
				pc += 1 + bytecode.InsnD(insn)
			}

		case bytecode.OpForNLoop:
			if L.Interrupt != nil {
				L.Interrupt(L)
			}
			limit := reg(a).N
			step := reg(a + 1).N
			idx := reg(a + 2).N + step
			*reg(a + 2) = Number(idx)
			if forLoopContinues(idx, limit, step) {
				pc += 1 + bytecode.InsnD(insn)
			} else {
				pc++
			}

		case bytecode.OpForGPrepNext, bytecode.OpForGPrepInext:
			// fast-path: builtin iteration over a table; the control slot
			// becomes an integer packed in light userdata
			if reg(a+1).IsTable() && (reg(a+2).IsNil() || (reg(a+2).Tag == TNumber && reg(a+2).N == 0)) {
				*reg(a) = Nil()
				*reg(a + 2) = LightUserdata(0)
			} else if reg(a).AsClosure() == nil {
				L.RaiseError("attempt to iterate over a %s value", reg(a).Tag)
			}
			pc += 1 + bytecode.InsnD(insn)

		case bytecode.OpForGLoop:
			if L.Interrupt != nil {
				L.Interrupt(L)
			}
			aux := code[pc+1]
			nvars := int(aux & 0xff)
			if reg(a).IsNil() {
				// builtin iteration: integer slot position in light userdata
				t := reg(a + 1).AsTable()
				if t == nil {
					L.RaiseError("attempt to iterate over a %s value", reg(a+1).Tag)
				}
				pos := int(reg(a + 2).I)
				key, value, next, ok := t.IterAt(pos)
				if aux&0x80000000 != 0 {
					// ipairs specialization: stop at the array border
					if pos >= len(t.Array) || t.Array[pos].IsNil() {
						ok = false
					}
				}
				if !ok {
					pc += 2
				} else {
					*reg(a + 2) = LightUserdata(int64(next))
					*reg(a + 3) = key
					if nvars >= 2 {
						*reg(a + 4) = value
					}
					pc += 1 + bytecode.InsnD(insn)
				}
			} else {
				// generator closure: call it with (state, control); the
				// results land exactly in the loop variable registers
				savedTop := L.Top
				L.Top = base + a + 3
				L.Push(*reg(a))
				L.Push(*reg(a + 1))
				L.Push(*reg(a + 2))
				Call(L, 2, nvars)
				L.Top = savedTop
				if reg(a + 3).IsNil() {
					pc += 2
				} else {
					*reg(a + 2) = *reg(a + 3)
					pc += 1 + bytecode.InsnD(insn)
				}
			}

		case bytecode.OpGetVarargs:
			b := bytecode.InsnB(insn)
			for i := 0; i < b-1; i++ {
				*reg(a + i) = Nil()
			}
			pc++

		case bytecode.OpCapture:
			// CAPTURE is consumed by NEWCLOSURE/DUPCLOSURE; reaching it as a
			// standalone instruction is a malformed program
			L.RaiseError("unexpected CAPTURE instruction")

		default:
			L.RaiseError("unsupported opcode %s", op)
		}
	}

	return nil
}

// fillCaptures consumes CAPTURE pseudo-instructions following NEWCLOSURE or
// a preloaded DUPCLOSURE and returns the pc after the capture list.
func fillCaptures(L *State, parent, ncl *Closure, code []uint32, pc, base int) int {
	for i := range ncl.Upvals {
		insn := code[pc]
		if bytecode.InsnOp(insn) != bytecode.OpCapture {
			L.RaiseError("missing CAPTURE after closure instruction")
		}
		captureType := bytecode.InsnA(insn)
		index := bytecode.InsnB(insn)
		switch captureType {
		case bytecode.CaptureVal:
			ncl.Upvals[i] = &Upvalue{Value: L.Stack[base+index]}
		case bytecode.CaptureRef:
			ncl.Upvals[i] = findUpval(L, base+index)
		case bytecode.CaptureUpval:
			ncl.Upvals[i] = parent.Upvals[index]
		default:
			L.RaiseError("unknown capture type %d", captureType)
		}
		pc++
	}
	return pc
}

// arithTM maps an arithmetic opcode to its metamethod index.
func arithTM(op bytecode.Opcode) TM {
	switch op {
	case bytecode.OpAdd, bytecode.OpAddK:
		return TMAdd
	case bytecode.OpSub, bytecode.OpSubK:
		return TMSub
	case bytecode.OpMul, bytecode.OpMulK:
		return TMMul
	case bytecode.OpDiv, bytecode.OpDivK:
		return TMDiv
	case bytecode.OpMod, bytecode.OpModK:
		return TMMod
	default:
		return TMPow
	}
}

// fastArith is the number-only arithmetic core shared with DoArith; keeping
// them in lockstep is what makes the IR fast path and the fallback agree.
func fastArith(tm TM, a, b float64) TValue {
	switch tm {
	case TMAdd:
		return Number(a + b)
	case TMSub:
		return Number(a - b)
	case TMMul:
		return Number(a * b)
	case TMDiv:
		return Number(a / b)
	case TMMod:
		return Number(luaMod(a, b))
	default:
		return Number(math.Pow(a, b))
	}
}

// forLoopContinues evaluates the numeric-for condition with the two-arm
// shape: a non-positive step compares limit against index. A NaN index or
// limit exits the loop because the comparison is false; a NaN step takes the
// positive-step arm.
func forLoopContinues(idx, limit, step float64) bool {
	if step <= 0 {
		return limit <= idx
	}
	return idx <= limit
}
