package codegen

import (
	"fmt"

	"github.com/mjansson/luau/pkg/bytecode"
	"github.com/mjansson/luau/vm"
)

// Translate lowers a prototype's bytecode to IR. Internal builder invariant
// violations surface as an error rather than a panic; a nil error guarantees
// every block ends in exactly one terminator.
func Translate(p *vm.Proto) (f *Function, err error) {
	defer func() {
		if r := recover(); r != nil {
			f = nil
			err = fmt.Errorf("ir translation: %v", r)
		}
	}()

	b := NewBuilder(p)

	for pc := 0; pc < len(p.Code); {
		insn := p.Code[pc]
		op := bytecode.InsnOp(insn)

		// Begin the block reserved for this instruction, closing the current
		// one with a fallthrough jump if it is still open.
		if id := b.instToBlock[pc]; id >= 0 {
			blockOp := Op{Kind: OpBlock, Index: uint32(id)}
			if !b.Function.Blocks[id].Begun {
				if b.current >= 0 && !b.Function.Blocks[b.current].Finished {
					b.Inst(CmdJump, blockOp)
				}
				b.BeginBlock(blockOp)
			}
		} else if b.current < 0 || b.Function.Blocks[b.current].Finished {
			// Unreachable code after a terminator still translates into a
			// block of its own so the IR stays well-formed.
			dead := b.reserveBlock(pc, BlockInternal)
			b.BeginBlock(Op{Kind: OpBlock, Index: uint32(dead)})
		}

		b.SetOrigin(pc)
		translateInst(b, insn, pc)
		pc += op.Length()
	}

	// A trailing open block (no terminator in the bytecode tail) returns.
	if b.current >= 0 && !b.Function.Blocks[b.current].Finished {
		b.Inst(CmdReturn, b.VmReg(0), b.ConstInt(0))
	}

	// Blocks reserved for one-past-the-end targets (a loop exiting at the
	// function tail) are materialized as bare returns.
	for i := range b.Function.Blocks {
		if !b.Function.Blocks[i].Begun {
			b.BeginBlock(Op{Kind: OpBlock, Index: uint32(i)})
			b.Inst(CmdReturn, b.VmReg(0), b.ConstInt(0))
		}
	}

	b.Function.BytecodeBlocks = b.instToBlock[:len(p.Code)]
	return &b.Function, nil
}

func translateInst(b *Builder, insn uint32, pc int) {
	switch op := bytecode.InsnOp(insn); op {
	case bytecode.OpNop, bytecode.OpBreak, bytecode.OpPrepVarargs:
		// no IR

	case bytecode.OpLoadNil:
		translateInstLoadNil(b, insn)
	case bytecode.OpLoadB:
		translateInstLoadB(b, insn, pc)
	case bytecode.OpLoadN:
		translateInstLoadN(b, insn)
	case bytecode.OpLoadK:
		translateInstLoadK(b, insn)
	case bytecode.OpLoadKX:
		translateInstLoadKX(b, insn, pc)
	case bytecode.OpMove:
		translateInstMove(b, insn)

	case bytecode.OpJump:
		b.Inst(CmdJump, b.BlockAtInst(pc+1+bytecode.InsnD(insn)))
	case bytecode.OpJumpBack:
		b.Inst(CmdInterrupt, b.ConstUint(uint64(pc)))
		b.Inst(CmdJump, b.BlockAtInst(pc+1+bytecode.InsnD(insn)))
	case bytecode.OpJumpX:
		b.Inst(CmdInterrupt, b.ConstUint(uint64(pc)))
		b.Inst(CmdJump, b.BlockAtInst(pc+1+bytecode.InsnE(insn)))

	case bytecode.OpJumpIf:
		translateInstJumpIf(b, insn, pc, false)
	case bytecode.OpJumpIfNot:
		translateInstJumpIf(b, insn, pc, true)

	case bytecode.OpJumpIfEq:
		translateInstJumpIfEq(b, insn, pc, false)
	case bytecode.OpJumpIfNotEq:
		translateInstJumpIfEq(b, insn, pc, true)
	case bytecode.OpJumpIfLT:
		translateInstJumpIfCond(b, insn, pc, CondLess)
	case bytecode.OpJumpIfNotLT:
		translateInstJumpIfCond(b, insn, pc, CondGreaterEqual)
	case bytecode.OpJumpIfLE:
		translateInstJumpIfCond(b, insn, pc, CondLessEqual)
	case bytecode.OpJumpIfNotLE:
		translateInstJumpIfCond(b, insn, pc, CondGreater)

	case bytecode.OpJumpXEqKNil:
		translateInstJumpxEqNil(b, insn, pc)
	case bytecode.OpJumpXEqKB:
		translateInstJumpxEqB(b, insn, pc)
	case bytecode.OpJumpXEqKN:
		translateInstJumpxEqN(b, insn, pc)
	case bytecode.OpJumpXEqKS:
		translateInstJumpxEqS(b, insn, pc)

	case bytecode.OpAdd:
		translateInstBinary(b, insn, pc, vm.TMAdd)
	case bytecode.OpSub:
		translateInstBinary(b, insn, pc, vm.TMSub)
	case bytecode.OpMul:
		translateInstBinary(b, insn, pc, vm.TMMul)
	case bytecode.OpDiv:
		translateInstBinary(b, insn, pc, vm.TMDiv)
	case bytecode.OpMod:
		translateInstBinary(b, insn, pc, vm.TMMod)
	case bytecode.OpPow:
		translateInstBinary(b, insn, pc, vm.TMPow)
	case bytecode.OpAddK:
		translateInstBinaryK(b, insn, pc, vm.TMAdd)
	case bytecode.OpSubK:
		translateInstBinaryK(b, insn, pc, vm.TMSub)
	case bytecode.OpMulK:
		translateInstBinaryK(b, insn, pc, vm.TMMul)
	case bytecode.OpDivK:
		translateInstBinaryK(b, insn, pc, vm.TMDiv)
	case bytecode.OpModK:
		translateInstBinaryK(b, insn, pc, vm.TMMod)
	case bytecode.OpPowK:
		translateInstBinaryK(b, insn, pc, vm.TMPow)

	case bytecode.OpNot:
		translateInstNot(b, insn)
	case bytecode.OpMinus:
		translateInstMinus(b, insn, pc)
	case bytecode.OpLength:
		translateInstLength(b, insn, pc)

	case bytecode.OpNewTable:
		translateInstNewTable(b, insn, pc)
	case bytecode.OpDupTable:
		translateInstDupTable(b, insn, pc)

	case bytecode.OpGetUpval:
		b.Inst(CmdGetUpvalue, b.VmReg(bytecode.InsnA(insn)), b.VmUpvalue(bytecode.InsnB(insn)))
	case bytecode.OpSetUpval:
		b.Inst(CmdSetUpvalue, b.VmUpvalue(bytecode.InsnB(insn)), b.VmReg(bytecode.InsnA(insn)))
	case bytecode.OpCloseUpvals:
		b.Inst(CmdCloseUpvals, b.VmReg(bytecode.InsnA(insn)))
	case bytecode.OpCapture:
		translateInstCapture(b, insn)

	case bytecode.OpGetTableN:
		translateInstGetTableN(b, insn, pc)
	case bytecode.OpSetTableN:
		translateInstSetTableN(b, insn, pc)
	case bytecode.OpGetTable:
		translateInstGetTable(b, insn, pc)
	case bytecode.OpSetTable:
		translateInstSetTable(b, insn, pc)
	case bytecode.OpGetTableKS:
		translateInstGetTableKS(b, insn, pc)
	case bytecode.OpSetTableKS:
		translateInstSetTableKS(b, insn, pc)
	case bytecode.OpGetGlobal:
		translateInstGetGlobal(b, insn, pc)
	case bytecode.OpSetGlobal:
		translateInstSetGlobal(b, insn, pc)
	case bytecode.OpGetImport:
		translateInstGetImport(b, insn, pc)

	case bytecode.OpConcat:
		translateInstConcat(b, insn, pc)

	case bytecode.OpForNPrep:
		translateInstForNPrep(b, insn, pc)
	case bytecode.OpForNLoop:
		translateInstForNLoop(b, insn, pc)
	case bytecode.OpForGPrepNext, bytecode.OpForGPrepInext:
		translateInstForGPrep(b, insn, pc, op == bytecode.OpForGPrepInext)
	case bytecode.OpForGLoop:
		translateInstForGLoop(b, insn, pc)

	case bytecode.OpReturn:
		ra := bytecode.InsnA(insn)
		count := bytecode.InsnB(insn) - 1
		b.Inst(CmdReturn, b.VmReg(ra), b.ConstInt(int64(count)))

	default:
		// No profitable specialization: publish the pc and rerun the whole
		// instruction in the runtime.
		b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
		b.Inst(CmdFallbackOp, b.ConstUint(uint64(pc)), b.ConstUint(uint64(op)))
	}
}

// ---------------------------------------------------------------------------
// Loads
// ---------------------------------------------------------------------------

func translateInstLoadNil(b *Builder, insn uint32) {
	ra := bytecode.InsnA(insn)

	b.Inst(CmdStoreTag, b.VmReg(ra), b.ConstTag(vm.TNil))
}

func translateInstLoadB(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)

	b.Inst(CmdStoreInt, b.VmReg(ra), b.ConstInt(int64(bytecode.InsnB(insn))))
	b.Inst(CmdStoreTag, b.VmReg(ra), b.ConstTag(vm.TBoolean))

	if target := bytecode.InsnC(insn); target != 0 {
		b.Inst(CmdJump, b.BlockAtInst(pc+1+target))
	}
}

func translateInstLoadN(b *Builder, insn uint32) {
	ra := bytecode.InsnA(insn)

	b.Inst(CmdStoreDouble, b.VmReg(ra), b.ConstDouble(float64(bytecode.InsnD(insn))))
	b.Inst(CmdStoreTag, b.VmReg(ra), b.ConstTag(vm.TNumber))
}

func translateInstLoadK(b *Builder, insn uint32) {
	ra := bytecode.InsnA(insn)

	load := b.Inst(CmdLoadTValue, b.VmConst(bytecode.InsnD(insn)))
	b.Inst(CmdStoreTValue, b.VmReg(ra), load)
}

func translateInstLoadKX(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	aux := int(b.Proto.Code[pc+1])

	load := b.Inst(CmdLoadTValue, b.VmConst(aux))
	b.Inst(CmdStoreTValue, b.VmReg(ra), load)
}

func translateInstMove(b *Builder, insn uint32) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)

	load := b.Inst(CmdLoadTValue, b.VmReg(rb))
	b.Inst(CmdStoreTValue, b.VmReg(ra), load)
}

// ---------------------------------------------------------------------------
// Conditional jumps
// ---------------------------------------------------------------------------

func translateInstJumpIf(b *Builder, insn uint32, pc int, not bool) {
	ra := bytecode.InsnA(insn)

	target := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	next := b.BlockAtInst(pc + 1)

	if not {
		b.Inst(CmdJumpIfFalsy, b.VmReg(ra), target, next)
	} else {
		b.Inst(CmdJumpIfTruthy, b.VmReg(ra), target, next)
	}

	// Fallthrough in the bytecode is implicit; own the next block if it is
	// internal.
	if b.IsInternalBlock(next) {
		b.BeginBlock(next)
	}
}

func translateInstJumpIfEq(b *Builder, insn uint32, pc int, not bool) {
	ra := bytecode.InsnA(insn)
	rb := int(b.Proto.Code[pc+1])

	target := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	next := b.BlockAtInst(pc + 2)
	numberCheck := b.Block(BlockInternal)
	fallback := b.Block(BlockFallback)

	onNotEqual := next
	if not {
		onNotEqual = target
	}

	ta := b.Inst(CmdLoadTag, b.VmReg(ra))
	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdJumpEqTag, ta, tb, numberCheck, onNotEqual)

	b.BeginBlock(numberCheck)

	// fast-path: number
	b.Inst(CmdCheckTag, ta, b.ConstTag(vm.TNumber), fallback)

	va := b.Inst(CmdLoadDouble, b.VmReg(ra))
	vb := b.Inst(CmdLoadDouble, b.VmReg(rb))

	if not {
		b.Inst(CmdJumpCmpNum, va, vb, b.Cond(CondNotEqual), target, next)
	} else {
		b.Inst(CmdJumpCmpNum, va, vb, b.Cond(CondNotEqual), next, target)
	}

	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	cond := CondEqual
	if not {
		cond = CondNotEqual
	}
	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdJumpCmpAny, b.VmReg(ra), b.VmReg(rb), b.Cond(cond), target, next)
}

func translateInstJumpIfCond(b *Builder, insn uint32, pc int, cond Condition) {
	ra := bytecode.InsnA(insn)
	rb := int(b.Proto.Code[pc+1])

	target := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	next := b.BlockAtInst(pc + 2)
	fallback := b.Block(BlockFallback)

	// fast-path: number
	ta := b.Inst(CmdLoadTag, b.VmReg(ra))
	b.Inst(CmdCheckTag, ta, b.ConstTag(vm.TNumber), fallback)

	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdCheckTag, tb, b.ConstTag(vm.TNumber), fallback)

	va := b.Inst(CmdLoadDouble, b.VmReg(ra))
	vb := b.Inst(CmdLoadDouble, b.VmReg(rb))

	b.Inst(CmdJumpCmpNum, va, vb, b.Cond(cond), target, next)

	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdJumpCmpAny, b.VmReg(ra), b.VmReg(rb), b.Cond(cond), target, next)
}

func translateInstJumpxEqNil(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	not := b.Proto.Code[pc+1]&0x80000000 != 0

	target := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	next := b.BlockAtInst(pc + 2)

	onEqual, onNotEqual := target, next
	if not {
		onEqual, onNotEqual = next, target
	}

	ta := b.Inst(CmdLoadTag, b.VmReg(ra))
	b.Inst(CmdJumpEqTag, ta, b.ConstTag(vm.TNil), onEqual, onNotEqual)

	if b.IsInternalBlock(next) {
		b.BeginBlock(next)
	}
}

func translateInstJumpxEqB(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	aux := b.Proto.Code[pc+1]
	not := aux&0x80000000 != 0

	target := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	next := b.BlockAtInst(pc + 2)
	checkValue := b.Block(BlockInternal)

	onMismatch := next
	if not {
		onMismatch = target
	}

	ta := b.Inst(CmdLoadTag, b.VmReg(ra))
	b.Inst(CmdJumpEqTag, ta, b.ConstTag(vm.TBoolean), checkValue, onMismatch)

	b.BeginBlock(checkValue)
	va := b.Inst(CmdLoadInt, b.VmReg(ra))

	onEqual, onNotEqual := target, next
	if not {
		onEqual, onNotEqual = next, target
	}
	b.Inst(CmdJumpEqInt, va, b.ConstInt(int64(aux&1)), onEqual, onNotEqual)

	if b.IsInternalBlock(next) {
		b.BeginBlock(next)
	}
}

func translateInstJumpxEqN(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	aux := b.Proto.Code[pc+1]
	not := aux&0x80000000 != 0

	target := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	next := b.BlockAtInst(pc + 2)
	checkValue := b.Block(BlockInternal)

	onMismatch := next
	if not {
		onMismatch = target
	}

	ta := b.Inst(CmdLoadTag, b.VmReg(ra))
	b.Inst(CmdJumpEqTag, ta, b.ConstTag(vm.TNumber), checkValue, onMismatch)

	b.BeginBlock(checkValue)
	va := b.Inst(CmdLoadDouble, b.VmReg(ra))

	protok := b.Proto.K[aux&0xffffff]
	vb := b.ConstDouble(protok.N)

	if not {
		b.Inst(CmdJumpCmpNum, va, vb, b.Cond(CondNotEqual), target, next)
	} else {
		b.Inst(CmdJumpCmpNum, va, vb, b.Cond(CondNotEqual), next, target)
	}

	if b.IsInternalBlock(next) {
		b.BeginBlock(next)
	}
}

func translateInstJumpxEqS(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	aux := b.Proto.Code[pc+1]
	not := aux&0x80000000 != 0

	target := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	next := b.BlockAtInst(pc + 2)
	checkValue := b.Block(BlockInternal)

	onMismatch := next
	if not {
		onMismatch = target
	}

	ta := b.Inst(CmdLoadTag, b.VmReg(ra))
	b.Inst(CmdJumpEqTag, ta, b.ConstTag(vm.TStringTag), checkValue, onMismatch)

	b.BeginBlock(checkValue)
	va := b.Inst(CmdLoadPointer, b.VmReg(ra))
	vb := b.Inst(CmdLoadPointer, b.VmConst(int(aux&0xffffff)))

	onEqual, onNotEqual := target, next
	if not {
		onEqual, onNotEqual = next, target
	}
	b.Inst(CmdJumpEqPointer, va, vb, onEqual, onNotEqual)

	if b.IsInternalBlock(next) {
		b.BeginBlock(next)
	}
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func translateInstBinaryNumeric(b *Builder, ra, rb, rc int, opc Op, pc int, tm vm.TM) {
	fallback := b.Block(BlockFallback)

	// fast-path: number
	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdCheckTag, tb, b.ConstTag(vm.TNumber), fallback)

	if rc != -1 && rc != rb {
		tc := b.Inst(CmdLoadTag, b.VmReg(rc))
		b.Inst(CmdCheckTag, tc, b.ConstTag(vm.TNumber), fallback)
	}

	vb := b.Inst(CmdLoadDouble, b.VmReg(rb))
	var vc Op

	if opc.Kind == OpVmConst {
		protok := b.Proto.K[opc.Index]
		vc = b.ConstDouble(protok.N)
	} else {
		vc = b.Inst(CmdLoadDouble, opc)
	}

	var va Op
	switch tm {
	case vm.TMAdd:
		va = b.Inst(CmdAddNum, vb, vc)
	case vm.TMSub:
		va = b.Inst(CmdSubNum, vb, vc)
	case vm.TMMul:
		va = b.Inst(CmdMulNum, vb, vc)
	case vm.TMDiv:
		va = b.Inst(CmdDivNum, vb, vc)
	case vm.TMMod:
		va = b.Inst(CmdModNum, vb, vc)
	case vm.TMPow:
		va = b.Inst(CmdPowNum, vb, vc)
	default:
		panic(fmt.Sprintf("unsupported binary op %v", tm))
	}

	b.Inst(CmdStoreDouble, b.VmReg(ra), va)

	if ra != rb && ra != rc {
		b.Inst(CmdStoreTag, b.VmReg(ra), b.ConstTag(vm.TNumber))
	}

	next := b.BlockAtInst(pc + 1)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdDoArith, b.VmReg(ra), b.VmReg(rb), opc, b.ConstInt(int64(tm)))
	b.Inst(CmdJump, next)
}

func translateInstBinary(b *Builder, insn uint32, pc int, tm vm.TM) {
	rc := bytecode.InsnC(insn)
	translateInstBinaryNumeric(b, bytecode.InsnA(insn), bytecode.InsnB(insn), rc, b.VmReg(rc), pc, tm)
}

func translateInstBinaryK(b *Builder, insn uint32, pc int, tm vm.TM) {
	translateInstBinaryNumeric(b, bytecode.InsnA(insn), bytecode.InsnB(insn), -1, b.VmConst(bytecode.InsnC(insn)), pc, tm)
}

// ---------------------------------------------------------------------------
// Unary
// ---------------------------------------------------------------------------

func translateInstNot(b *Builder, insn uint32) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)

	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	vb := b.Inst(CmdLoadInt, b.VmReg(rb))

	va := b.Inst(CmdNotAny, tb, vb)

	b.Inst(CmdStoreInt, b.VmReg(ra), va)
	b.Inst(CmdStoreTag, b.VmReg(ra), b.ConstTag(vm.TBoolean))
}

func translateInstMinus(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)

	fallback := b.Block(BlockFallback)

	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdCheckTag, tb, b.ConstTag(vm.TNumber), fallback)

	// fast-path: number
	vb := b.Inst(CmdLoadDouble, b.VmReg(rb))
	va := b.Inst(CmdUnmNum, vb)

	b.Inst(CmdStoreDouble, b.VmReg(ra), va)

	if ra != rb {
		b.Inst(CmdStoreTag, b.VmReg(ra), b.ConstTag(vm.TNumber))
	}

	next := b.BlockAtInst(pc + 1)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdDoArith, b.VmReg(ra), b.VmReg(rb), b.VmReg(rb), b.ConstInt(int64(vm.TMUnm)))
	b.Inst(CmdJump, next)
}

func translateInstLength(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)

	fallback := b.Block(BlockFallback)

	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdCheckTag, tb, b.ConstTag(vm.TTable), fallback)

	// fast-path: table without __len
	vb := b.Inst(CmdLoadPointer, b.VmReg(rb))
	b.Inst(CmdCheckNoMetatable, vb, fallback)

	va := b.Inst(CmdTableLen, vb)

	b.Inst(CmdStoreDouble, b.VmReg(ra), va)
	b.Inst(CmdStoreTag, b.VmReg(ra), b.ConstTag(vm.TNumber))

	next := b.BlockAtInst(pc + 1)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdDoLen, b.VmReg(ra), b.VmReg(rb))
	b.Inst(CmdJump, next)
}

// ---------------------------------------------------------------------------
// Table construction
// ---------------------------------------------------------------------------

func translateInstNewTable(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	hashSize := bytecode.InsnB(insn)
	arraySize := b.Proto.Code[pc+1]

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))

	nodeSize := uint64(0)
	if hashSize != 0 {
		nodeSize = 1 << (hashSize - 1)
	}
	va := b.Inst(CmdNewTable, b.ConstUint(uint64(arraySize)), b.ConstUint(nodeSize))
	b.Inst(CmdStorePointer, b.VmReg(ra), va)
	b.Inst(CmdStoreTag, b.VmReg(ra), b.ConstTag(vm.TTable))

	b.Inst(CmdCheckGC)
}

func translateInstDupTable(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	k := bytecode.InsnD(insn)

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))

	table := b.Inst(CmdLoadPointer, b.VmConst(k))
	va := b.Inst(CmdDupTable, table)
	b.Inst(CmdStorePointer, b.VmReg(ra), va)
	b.Inst(CmdStoreTag, b.VmReg(ra), b.ConstTag(vm.TTable))

	b.Inst(CmdCheckGC)
}

// ---------------------------------------------------------------------------
// Captures
// ---------------------------------------------------------------------------

func translateInstCapture(b *Builder, insn uint32) {
	index := bytecode.InsnB(insn)

	switch captureType := bytecode.InsnA(insn); captureType {
	case bytecode.CaptureVal:
		b.Inst(CmdCapture, b.VmReg(index), b.ConstBool(false))
	case bytecode.CaptureRef:
		b.Inst(CmdCapture, b.VmReg(index), b.ConstBool(true))
	case bytecode.CaptureUpval:
		b.Inst(CmdCapture, b.VmUpvalue(index), b.ConstBool(false))
	default:
		panic(fmt.Sprintf("unknown capture type %d", captureType))
	}
}

// ---------------------------------------------------------------------------
// Numeric and generic loops
// ---------------------------------------------------------------------------

func translateInstForNPrep(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)

	loopStart := b.BlockAtInst(pc + bytecode.InsnOp(insn).Length())
	loopExit := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	fallback := b.Block(BlockFallback)

	nextStep := b.Block(BlockInternal)
	direct := b.Block(BlockInternal)
	reverse := b.Block(BlockInternal)

	tagLimit := b.Inst(CmdLoadTag, b.VmReg(ra+0))
	b.Inst(CmdCheckTag, tagLimit, b.ConstTag(vm.TNumber), fallback)
	tagStep := b.Inst(CmdLoadTag, b.VmReg(ra+1))
	b.Inst(CmdCheckTag, tagStep, b.ConstTag(vm.TNumber), fallback)
	tagIdx := b.Inst(CmdLoadTag, b.VmReg(ra+2))
	b.Inst(CmdCheckTag, tagIdx, b.ConstTag(vm.TNumber), fallback)
	b.Inst(CmdJump, nextStep)

	// After the fallback coerces the loop registers to numbers, it rejoins
	// here.
	b.BeginBlock(nextStep)

	zero := b.ConstDouble(0.0)
	limit := b.Inst(CmdLoadDouble, b.VmReg(ra+0))
	step := b.Inst(CmdLoadDouble, b.VmReg(ra+1))
	idx := b.Inst(CmdLoadDouble, b.VmReg(ra+2))

	// step <= 0
	b.Inst(CmdJumpCmpNum, step, zero, b.Cond(CondLessEqual), reverse, direct)

	// step <= 0 is false, check idx <= limit
	b.BeginBlock(direct)
	b.Inst(CmdJumpCmpNum, idx, limit, b.Cond(CondLessEqual), loopStart, loopExit)

	// step <= 0 is true, check limit <= idx
	b.BeginBlock(reverse)
	b.Inst(CmdJumpCmpNum, limit, idx, b.Cond(CondLessEqual), loopStart, loopExit)

	// The fallback converts the loop registers to numbers or throws.
	b.BeginBlock(fallback)
	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdPrepareForN, b.VmReg(ra+0), b.VmReg(ra+1), b.VmReg(ra+2))
	b.Inst(CmdJump, nextStep)

	if b.IsInternalBlock(loopStart) {
		b.BeginBlock(loopStart)
	}
}

func translateInstForNLoop(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)

	loopRepeat := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	loopExit := b.BlockAtInst(pc + bytecode.InsnOp(insn).Length())

	b.Inst(CmdInterrupt, b.ConstUint(uint64(pc)))

	zero := b.ConstDouble(0.0)
	limit := b.Inst(CmdLoadDouble, b.VmReg(ra+0))
	step := b.Inst(CmdLoadDouble, b.VmReg(ra+1))

	idx := b.Inst(CmdLoadDouble, b.VmReg(ra+2))
	idx = b.Inst(CmdAddNum, idx, step)
	b.Inst(CmdStoreDouble, b.VmReg(ra+2), idx)

	direct := b.Block(BlockInternal)
	reverse := b.Block(BlockInternal)

	// step <= 0
	b.Inst(CmdJumpCmpNum, step, zero, b.Cond(CondLessEqual), reverse, direct)

	// step <= 0 is false, check idx <= limit
	b.BeginBlock(direct)
	b.Inst(CmdJumpCmpNum, idx, limit, b.Cond(CondLessEqual), loopRepeat, loopExit)

	// step <= 0 is true, check limit <= idx
	b.BeginBlock(reverse)
	b.Inst(CmdJumpCmpNum, limit, idx, b.Cond(CondLessEqual), loopRepeat, loopExit)

	if b.IsInternalBlock(loopExit) {
		b.BeginBlock(loopExit)
	}
}

func translateInstForGPrep(b *Builder, insn uint32, pc int, inext bool) {
	ra := bytecode.InsnA(insn)

	target := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	fallback := b.Block(BlockFallback)

	// fast-path: builtin pairs/ipairs iteration over a table
	b.Inst(CmdCheckSafeEnv, fallback)
	tagB := b.Inst(CmdLoadTag, b.VmReg(ra+1))
	b.Inst(CmdCheckTag, tagB, b.ConstTag(vm.TTable), fallback)
	tagC := b.Inst(CmdLoadTag, b.VmReg(ra+2))

	if inext {
		finish := b.Block(BlockInternal)
		b.Inst(CmdCheckTag, tagC, b.ConstTag(vm.TNumber), fallback)
		numC := b.Inst(CmdLoadDouble, b.VmReg(ra+2))
		b.Inst(CmdJumpCmpNum, numC, b.ConstDouble(0.0), b.Cond(CondNotEqual), fallback, finish)
		b.BeginBlock(finish)
	} else {
		b.Inst(CmdCheckTag, tagC, b.ConstTag(vm.TNil), fallback)
	}

	b.Inst(CmdStoreTag, b.VmReg(ra), b.ConstTag(vm.TNil))

	// The control slot becomes an integer index packed in light userdata.
	b.Inst(CmdStoreInt, b.VmReg(ra+2), b.ConstInt(0))
	b.Inst(CmdStoreTag, b.VmReg(ra+2), b.ConstTag(vm.TLightUserdata))

	b.Inst(CmdJump, target)

	// No fallback stream scope: this instruction never falls through to the
	// next one.
	b.BeginBlock(fallback)
	b.Inst(CmdFallbackForgPrep, b.ConstUint(uint64(pc)), target)
}

func translateInstForGLoop(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)

	loopRepeat := b.BlockAtInst(pc + 1 + bytecode.InsnD(insn))
	loopExit := b.BlockAtInst(pc + bytecode.InsnOp(insn).Length())
	fallback := b.Block(BlockFallback)

	hasElem := b.Block(BlockInternal)

	b.Inst(CmdInterrupt, b.ConstUint(uint64(pc)))

	// fast-path: builtin table iteration
	tagA := b.Inst(CmdLoadTag, b.VmReg(ra))
	b.Inst(CmdCheckTag, tagA, b.ConstTag(vm.TNil), fallback)

	table := b.Inst(CmdLoadPointer, b.VmReg(ra+1))
	index := b.Inst(CmdLoadInt, b.VmReg(ra+2))

	elemPtr := b.Inst(CmdGetArrAddr, table, index)

	// Terminate if the array part has ended.
	b.Inst(CmdCheckArraySize, table, index, loopExit)

	// Terminate if the element is nil.
	elemTag := b.Inst(CmdLoadTag, elemPtr)
	b.Inst(CmdJumpEqTag, elemTag, b.ConstTag(vm.TNil), loopExit, hasElem)
	b.BeginBlock(hasElem)

	nextIndex := b.Inst(CmdAddInt, index, b.ConstInt(1))

	// Only the low dword of the packed userdata index is updated; the upper
	// bits start at zero and stay zero.
	b.Inst(CmdStoreInt, b.VmReg(ra+2), nextIndex)

	b.Inst(CmdStoreDouble, b.VmReg(ra+3), b.Inst(CmdIntToNum, nextIndex))
	b.Inst(CmdStoreTag, b.VmReg(ra+3), b.ConstTag(vm.TNumber))

	elemTV := b.Inst(CmdLoadTValue, elemPtr)
	b.Inst(CmdStoreTValue, b.VmReg(ra+4), elemTV)

	b.Inst(CmdJump, loopRepeat)

	b.BeginBlock(fallback)
	b.Inst(CmdFallbackForgLoop, b.ConstUint(uint64(pc)), loopRepeat, loopExit)

	if b.IsInternalBlock(loopExit) {
		b.BeginBlock(loopExit)
	}
}

// ---------------------------------------------------------------------------
// Table access
// ---------------------------------------------------------------------------

func translateInstGetTableN(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)
	c := bytecode.InsnC(insn)

	fallback := b.Block(BlockFallback)

	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdCheckTag, tb, b.ConstTag(vm.TTable), fallback)

	vb := b.Inst(CmdLoadPointer, b.VmReg(rb))

	b.Inst(CmdCheckArraySize, vb, b.ConstUint(uint64(c)), fallback)
	b.Inst(CmdCheckNoMetatable, vb, fallback)

	arrEl := b.Inst(CmdGetArrAddr, vb, b.ConstUint(uint64(c)))

	arrElTval := b.Inst(CmdLoadTValue, arrEl)
	b.Inst(CmdStoreTValue, b.VmReg(ra), arrElTval)

	next := b.BlockAtInst(pc + 1)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdGetTable, b.VmReg(ra), b.VmReg(rb), b.ConstUint(uint64(c+1)))
	b.Inst(CmdJump, next)
}

func translateInstSetTableN(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)
	c := bytecode.InsnC(insn)

	fallback := b.Block(BlockFallback)

	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdCheckTag, tb, b.ConstTag(vm.TTable), fallback)

	vb := b.Inst(CmdLoadPointer, b.VmReg(rb))

	b.Inst(CmdCheckArraySize, vb, b.ConstUint(uint64(c)), fallback)
	b.Inst(CmdCheckNoMetatable, vb, fallback)
	b.Inst(CmdCheckReadonly, vb, fallback)

	arrEl := b.Inst(CmdGetArrAddr, vb, b.ConstUint(uint64(c)))

	tva := b.Inst(CmdLoadTValue, b.VmReg(ra))
	b.Inst(CmdStoreTValue, arrEl, tva)

	b.Inst(CmdBarrierTableForward, vb, b.VmReg(ra))

	next := b.BlockAtInst(pc + 1)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdSetTable, b.VmReg(ra), b.VmReg(rb), b.ConstUint(uint64(c+1)))
	b.Inst(CmdJump, next)
}

func translateInstGetTable(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)
	rc := bytecode.InsnC(insn)

	fallback := b.Block(BlockFallback)

	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdCheckTag, tb, b.ConstTag(vm.TTable), fallback)
	tc := b.Inst(CmdLoadTag, b.VmReg(rc))
	b.Inst(CmdCheckTag, tc, b.ConstTag(vm.TNumber), fallback)

	// fast-path: table with a number index
	vb := b.Inst(CmdLoadPointer, b.VmReg(rb))
	vc := b.Inst(CmdLoadDouble, b.VmReg(rc))

	index := b.Inst(CmdNumToIndex, vc, fallback)

	index = b.Inst(CmdSubInt, index, b.ConstInt(1))

	b.Inst(CmdCheckArraySize, vb, index, fallback)
	b.Inst(CmdCheckNoMetatable, vb, fallback)

	arrEl := b.Inst(CmdGetArrAddr, vb, index)

	arrElTval := b.Inst(CmdLoadTValue, arrEl)
	b.Inst(CmdStoreTValue, b.VmReg(ra), arrElTval)

	next := b.BlockAtInst(pc + 1)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdGetTable, b.VmReg(ra), b.VmReg(rb), b.VmReg(rc))
	b.Inst(CmdJump, next)
}

func translateInstSetTable(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)
	rc := bytecode.InsnC(insn)

	fallback := b.Block(BlockFallback)

	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdCheckTag, tb, b.ConstTag(vm.TTable), fallback)
	tc := b.Inst(CmdLoadTag, b.VmReg(rc))
	b.Inst(CmdCheckTag, tc, b.ConstTag(vm.TNumber), fallback)

	// fast-path: table with a number index
	vb := b.Inst(CmdLoadPointer, b.VmReg(rb))
	vc := b.Inst(CmdLoadDouble, b.VmReg(rc))

	index := b.Inst(CmdNumToIndex, vc, fallback)

	index = b.Inst(CmdSubInt, index, b.ConstInt(1))

	b.Inst(CmdCheckArraySize, vb, index, fallback)
	b.Inst(CmdCheckNoMetatable, vb, fallback)
	b.Inst(CmdCheckReadonly, vb, fallback)

	arrEl := b.Inst(CmdGetArrAddr, vb, index)

	tva := b.Inst(CmdLoadTValue, b.VmReg(ra))
	b.Inst(CmdStoreTValue, arrEl, tva)

	b.Inst(CmdBarrierTableForward, vb, b.VmReg(ra))

	next := b.BlockAtInst(pc + 1)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdSetTable, b.VmReg(ra), b.VmReg(rb), b.VmReg(rc))
	b.Inst(CmdJump, next)
}

func translateInstGetTableKS(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)
	aux := int(b.Proto.Code[pc+1])

	fallback := b.Block(BlockFallback)

	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdCheckTag, tb, b.ConstTag(vm.TTable), fallback)

	vb := b.Inst(CmdLoadPointer, b.VmReg(rb))

	addrSlotEl := b.Inst(CmdGetSlotNodeAddr, vb, b.ConstUint(uint64(pc)))

	b.Inst(CmdCheckSlotMatch, addrSlotEl, b.VmConst(aux), fallback)

	tvn := b.Inst(CmdLoadNodeValueTV, addrSlotEl)
	b.Inst(CmdStoreTValue, b.VmReg(ra), tvn)

	next := b.BlockAtInst(pc + 2)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdFallbackGetTableKS, b.ConstUint(uint64(pc)), b.VmReg(ra), b.VmReg(rb), b.VmConst(aux))
	b.Inst(CmdJump, next)
}

func translateInstSetTableKS(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)
	aux := int(b.Proto.Code[pc+1])

	fallback := b.Block(BlockFallback)

	tb := b.Inst(CmdLoadTag, b.VmReg(rb))
	b.Inst(CmdCheckTag, tb, b.ConstTag(vm.TTable), fallback)

	vb := b.Inst(CmdLoadPointer, b.VmReg(rb))

	addrSlotEl := b.Inst(CmdGetSlotNodeAddr, vb, b.ConstUint(uint64(pc)))

	b.Inst(CmdCheckSlotMatch, addrSlotEl, b.VmConst(aux), fallback)
	b.Inst(CmdCheckReadonly, vb, fallback)

	tva := b.Inst(CmdLoadTValue, b.VmReg(ra))
	b.Inst(CmdStoreNodeValueTV, addrSlotEl, tva)

	b.Inst(CmdBarrierTableForward, vb, b.VmReg(ra))

	next := b.BlockAtInst(pc + 2)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdFallbackSetTableKS, b.ConstUint(uint64(pc)), b.VmReg(ra), b.VmReg(rb), b.VmConst(aux))
	b.Inst(CmdJump, next)
}

func translateInstGetGlobal(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	aux := int(b.Proto.Code[pc+1])

	fallback := b.Block(BlockFallback)

	env := b.Inst(CmdLoadEnv)
	addrSlotEl := b.Inst(CmdGetSlotNodeAddr, env, b.ConstUint(uint64(pc)))

	b.Inst(CmdCheckSlotMatch, addrSlotEl, b.VmConst(aux), fallback)

	tvn := b.Inst(CmdLoadNodeValueTV, addrSlotEl)
	b.Inst(CmdStoreTValue, b.VmReg(ra), tvn)

	next := b.BlockAtInst(pc + 2)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdFallbackGetGlobal, b.ConstUint(uint64(pc)), b.VmReg(ra), b.VmConst(aux))
	b.Inst(CmdJump, next)
}

func translateInstSetGlobal(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	aux := int(b.Proto.Code[pc+1])

	fallback := b.Block(BlockFallback)

	env := b.Inst(CmdLoadEnv)
	addrSlotEl := b.Inst(CmdGetSlotNodeAddr, env, b.ConstUint(uint64(pc)))

	b.Inst(CmdCheckSlotMatch, addrSlotEl, b.VmConst(aux), fallback)
	b.Inst(CmdCheckReadonly, env, fallback)

	tva := b.Inst(CmdLoadTValue, b.VmReg(ra))
	b.Inst(CmdStoreNodeValueTV, addrSlotEl, tva)

	b.Inst(CmdBarrierTableForward, env, b.VmReg(ra))

	next := b.BlockAtInst(pc + 2)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdFallbackSetGlobal, b.ConstUint(uint64(pc)), b.VmReg(ra), b.VmConst(aux))
	b.Inst(CmdJump, next)
}

func translateInstGetImport(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	k := bytecode.InsnD(insn)
	aux := b.Proto.Code[pc+1]

	fastPath := b.Block(BlockInternal)
	fallback := b.Block(BlockFallback)

	b.Inst(CmdCheckSafeEnv, fallback)

	// If the import failed to resolve at load time, its constant slot holds
	// nil; that is detected at runtime rather than at translation time so
	// ahead-of-time compiled code keeps working when an import appears later.
	tk := b.Inst(CmdLoadTag, b.VmConst(k))
	b.Inst(CmdJumpEqTag, tk, b.ConstTag(vm.TNil), fallback, fastPath)

	b.BeginBlock(fastPath)

	tvk := b.Inst(CmdLoadTValue, b.VmConst(k))
	b.Inst(CmdStoreTValue, b.VmReg(ra), tvk)

	next := b.BlockAtInst(pc + 2)
	scope := b.FallbackStream(fallback, next)
	defer scope.Close()

	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdGetImport, b.VmReg(ra), b.ConstUint(uint64(aux)))
	b.Inst(CmdJump, next)
}

// ---------------------------------------------------------------------------
// Concat
// ---------------------------------------------------------------------------

func translateInstConcat(b *Builder, insn uint32, pc int) {
	ra := bytecode.InsnA(insn)
	rb := bytecode.InsnB(insn)
	rc := bytecode.InsnC(insn)

	// Variadic string concat and its metamethod dispatch are not profitably
	// specialized inline; always call the runtime helper.
	b.Inst(CmdSetSavedPC, b.ConstUint(uint64(pc+1)))
	b.Inst(CmdConcat, b.ConstUint(uint64(rc-rb+1)), b.ConstUint(uint64(rc)))

	tvb := b.Inst(CmdLoadTValue, b.VmReg(rb))
	b.Inst(CmdStoreTValue, b.VmReg(ra), tvb)

	b.Inst(CmdCheckGC)
}
