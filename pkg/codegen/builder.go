package codegen

import (
	"fmt"

	"github.com/mjansson/luau/pkg/bytecode"
	"github.com/mjansson/luau/vm"
)

// Builder incrementally constructs an IR function. The translator drives it
// one bytecode instruction at a time; block bookkeeping (jump targets,
// fallback streams, fallthrough into internal blocks) lives here so the
// per-instruction translators stay declarative.
type Builder struct {
	Proto    *vm.Proto
	Function Function

	constantMap map[Constant]uint32

	// instToBlock maps a bytecode index to a block reserved for it: a
	// Bytecode block when the index is a jump target, an Internal block when
	// some translation needed a landing pad there.
	instToBlock []int32

	current  int32 // active block index, -1 when between blocks
	origin   uint32
}

// NewBuilder prepares a builder for one prototype: jump targets are scanned
// up front so that every control transfer lands on a Bytecode block.
func NewBuilder(p *vm.Proto) *Builder {
	b := &Builder{
		Proto:       p,
		constantMap: make(map[Constant]uint32),
		instToBlock: make([]int32, len(p.Code)+1),
		current:     -1,
	}
	for i := range b.instToBlock {
		b.instToBlock[i] = -1
	}

	b.reserveBlock(0, BlockBytecode)
	for pc := 0; pc < len(p.Code); {
		insn := p.Code[pc]
		op := bytecode.InsnOp(insn)
		if target, ok := jumpTarget(insn, pc); ok {
			b.reserveBlock(target, BlockBytecode)
			// Conditional control flow continues at the next instruction,
			// which therefore also heads a block.
			if isConditionalJump(op) || op == bytecode.OpForNPrep || op == bytecode.OpForNLoop || op == bytecode.OpForGLoop {
				b.reserveBlock(pc+op.Length(), BlockBytecode)
			}
		}
		pc += op.Length()
	}

	return b
}

func isConditionalJump(op bytecode.Opcode) bool {
	switch op {
	case bytecode.OpJumpIf, bytecode.OpJumpIfNot,
		bytecode.OpJumpIfEq, bytecode.OpJumpIfNotEq,
		bytecode.OpJumpIfLT, bytecode.OpJumpIfNotLT,
		bytecode.OpJumpIfLE, bytecode.OpJumpIfNotLE,
		bytecode.OpJumpXEqKNil, bytecode.OpJumpXEqKB,
		bytecode.OpJumpXEqKN, bytecode.OpJumpXEqKS:
		return true
	}
	return false
}

// jumpTarget returns the destination instruction index for control-flow
// opcodes.
func jumpTarget(insn uint32, pc int) (int, bool) {
	switch op := bytecode.InsnOp(insn); op {
	case bytecode.OpJump, bytecode.OpJumpBack,
		bytecode.OpJumpIf, bytecode.OpJumpIfNot,
		bytecode.OpJumpIfEq, bytecode.OpJumpIfNotEq,
		bytecode.OpJumpIfLT, bytecode.OpJumpIfNotLT,
		bytecode.OpJumpIfLE, bytecode.OpJumpIfNotLE,
		bytecode.OpJumpXEqKNil, bytecode.OpJumpXEqKB,
		bytecode.OpJumpXEqKN, bytecode.OpJumpXEqKS,
		bytecode.OpForNPrep, bytecode.OpForNLoop, bytecode.OpForGLoop,
		bytecode.OpForGPrepNext, bytecode.OpForGPrepInext:
		return pc + 1 + bytecode.InsnD(insn), true
	case bytecode.OpJumpX:
		return pc + 1 + bytecode.InsnE(insn), true
	case bytecode.OpLoadB:
		if c := bytecode.InsnC(insn); c != 0 {
			return pc + 1 + c, true
		}
	}
	return 0, false
}

func (b *Builder) reserveBlock(pc int, kind BlockKind) int32 {
	if pc < 0 || pc >= len(b.instToBlock) {
		panic(fmt.Sprintf("codegen: jump target %d out of range", pc))
	}
	if id := b.instToBlock[pc]; id >= 0 {
		return id
	}
	id := int32(len(b.Function.Blocks))
	b.Function.Blocks = append(b.Function.Blocks, Block{Kind: kind})
	b.instToBlock[pc] = id
	return id
}

// Block allocates a fresh unbound block of the given kind.
func (b *Builder) Block(kind BlockKind) Op {
	id := uint32(len(b.Function.Blocks))
	b.Function.Blocks = append(b.Function.Blocks, Block{Kind: kind})
	return Op{Kind: OpBlock, Index: id}
}

// BlockAtInst returns the block that control lands on at a bytecode index,
// creating an internal block when the index is not a jump target.
func (b *Builder) BlockAtInst(pc int) Op {
	if id := b.instToBlock[pc]; id >= 0 {
		return Op{Kind: OpBlock, Index: uint32(id)}
	}
	id := b.reserveBlock(pc, BlockInternal)
	b.Function.Blocks[id].Kind = BlockInternal
	return Op{Kind: OpBlock, Index: uint32(id)}
}

// IsInternalBlock reports whether a block operand refers to an internal
// block; the translator uses this to decide whether it owns the fallthrough.
func (b *Builder) IsInternalBlock(op Op) bool {
	return b.Function.Blocks[op.Index].Kind == BlockInternal
}

// BeginBlock makes a block the insertion point. A block can be begun only
// once, and only when no unfinished block is active.
func (b *Builder) BeginBlock(op Op) {
	blk := &b.Function.Blocks[op.Index]
	if blk.Begun {
		panic(fmt.Sprintf("codegen: block %d begun twice", op.Index))
	}
	if b.current >= 0 && !b.Function.Blocks[b.current].Finished {
		panic(fmt.Sprintf("codegen: block %d begun while block %d is unfinished", op.Index, b.current))
	}
	blk.Begun = true
	b.current = int32(op.Index)
}

// SetOrigin records the bytecode index attached to subsequently emitted
// instructions.
func (b *Builder) SetOrigin(pc int) {
	b.origin = uint32(pc)
}

// Inst appends an instruction to the active block and returns its value
// operand. Emitting a terminator finishes the block.
func (b *Builder) Inst(cmd Cmd, ops ...Op) Op {
	if b.current < 0 || b.Function.Blocks[b.current].Finished {
		panic(fmt.Sprintf("codegen: %s emitted outside an active block", cmd))
	}

	inst := Inst{Cmd: cmd, Origin: b.origin}
	fields := []*Op{&inst.A, &inst.B, &inst.C, &inst.D, &inst.E, &inst.F}
	if len(ops) > len(fields) {
		panic(fmt.Sprintf("codegen: %s with %d operands", cmd, len(ops)))
	}
	for i, op := range ops {
		*fields[i] = op
	}

	idx := uint32(len(b.Function.Insts))
	b.Function.Insts = append(b.Function.Insts, inst)
	blk := &b.Function.Blocks[b.current]
	blk.Insts = append(blk.Insts, idx)

	if cmd.IsTerminator() {
		blk.Finished = true
	}

	return Op{Kind: OpInst, Index: idx}
}

// ---------------------------------------------------------------------------
// Constants and VM references
// ---------------------------------------------------------------------------

func (b *Builder) constant(c Constant) Op {
	if id, ok := b.constantMap[c]; ok {
		return Op{Kind: c.Kind, Index: id}
	}
	id := uint32(len(b.Function.Constants))
	b.Function.Constants = append(b.Function.Constants, c)
	b.constantMap[c] = id
	return Op{Kind: c.Kind, Index: id}
}

// ConstBool pools a boolean constant.
func (b *Builder) ConstBool(v bool) Op {
	return b.constant(Constant{Kind: OpConstBool, Bool: v})
}

// ConstInt pools a signed integer constant.
func (b *Builder) ConstInt(v int64) Op {
	return b.constant(Constant{Kind: OpConstInt, Int: v})
}

// ConstUint pools an unsigned integer constant.
func (b *Builder) ConstUint(v uint64) Op {
	return b.constant(Constant{Kind: OpConstUint, Uint: v})
}

// ConstDouble pools a double constant.
func (b *Builder) ConstDouble(v float64) Op {
	return b.constant(Constant{Kind: OpConstDouble, Double: v})
}

// ConstTag pools a runtime type tag constant.
func (b *Builder) ConstTag(t vm.Tag) Op {
	return b.constant(Constant{Kind: OpConstTag, Tag: uint8(t)})
}

// Cond wraps a comparison condition as an operand.
func (b *Builder) Cond(c Condition) Op {
	return Op{Kind: OpCondition, Index: uint32(c)}
}

// VmReg references a virtual register.
func (b *Builder) VmReg(r int) Op {
	return Op{Kind: OpVmReg, Index: uint32(r)}
}

// VmConst references a prototype constant slot.
func (b *Builder) VmConst(k int) Op {
	return Op{Kind: OpVmConst, Index: uint32(k)}
}

// VmUpvalue references an upvalue slot.
func (b *Builder) VmUpvalue(u int) Op {
	return Op{Kind: OpVmUpvalue, Index: uint32(u)}
}

// ---------------------------------------------------------------------------
// Fallback stream discipline
// ---------------------------------------------------------------------------

// fallbackScope enforces the fallback emission order: at construction it
// jumps the fast path to next and begins the fallback block; the caller
// emits the fallback body and Close begins next. The fast path can never
// fall through into the fallback body.
type fallbackScope struct {
	b    *Builder
	next Op
}

// FallbackStream opens a fallback scope. fallback and next must be block
// operands. A fast path that already ended in a branch (a comparison that
// jumps both ways) needs no fallthrough jump.
func (b *Builder) FallbackStream(fallback, next Op) *fallbackScope {
	if fallback.Kind != OpBlock || next.Kind != OpBlock {
		panic("codegen: fallback stream requires block operands")
	}
	if b.current >= 0 && !b.Function.Blocks[b.current].Finished {
		b.Inst(CmdJump, next)
	}
	b.BeginBlock(fallback)
	return &fallbackScope{b: b, next: next}
}

// Close ends the fallback stream and begins the next block.
func (s *fallbackScope) Close() {
	s.b.BeginBlock(s.next)
}
