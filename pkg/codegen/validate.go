package codegen

import (
	"errors"
	"fmt"
)

var (
	ErrBlockNotTerminated = errors.New("block does not end with a terminator")
	ErrTerminatorInside   = errors.New("terminator in the middle of a block")
	ErrBadBlockRef        = errors.New("branch target references a missing block")
	ErrBadInstRef         = errors.New("operand references a missing instruction")
	ErrBadConstRef        = errors.New("operand references a missing constant")
)

// Validate checks the structural IR invariants: every block ends with
// exactly one terminator, every branch target references an existing block,
// and every operand reference resolves.
func Validate(f *Function) error {
	for bi := range f.Blocks {
		blk := &f.Blocks[bi]

		if len(blk.Insts) == 0 {
			return fmt.Errorf("%w: block %d is empty", ErrBlockNotTerminated, bi)
		}

		for ii, idx := range blk.Insts {
			if int(idx) >= len(f.Insts) {
				return fmt.Errorf("%w: block %d", ErrBadInstRef, bi)
			}
			inst := &f.Insts[idx]
			last := ii == len(blk.Insts)-1

			if inst.Cmd.IsTerminator() && !last {
				return fmt.Errorf("%w: %s in block %d", ErrTerminatorInside, inst.Cmd, bi)
			}
			if last && !inst.Cmd.IsTerminator() {
				return fmt.Errorf("%w: block %d ends with %s", ErrBlockNotTerminated, bi, inst.Cmd)
			}

			for _, op := range inst.Operands() {
				switch op.Kind {
				case OpBlock:
					if int(op.Index) >= len(f.Blocks) {
						return fmt.Errorf("%w: %s in block %d", ErrBadBlockRef, inst.Cmd, bi)
					}
				case OpInst:
					if int(op.Index) >= len(f.Insts) {
						return fmt.Errorf("%w: %s in block %d", ErrBadInstRef, inst.Cmd, bi)
					}
				case OpConstBool, OpConstInt, OpConstUint, OpConstDouble, OpConstTag:
					if int(op.Index) >= len(f.Constants) {
						return fmt.Errorf("%w: %s in block %d", ErrBadConstRef, inst.Cmd, bi)
					}
				}
			}
		}
	}
	return nil
}
