package codegen

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical options so snapshots are byte-stable for a
// given IR function.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("codegen: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Dump renders an IR function as text, one block per paragraph, for the
// disassembler and for debugging translation.
func Dump(f *Function) string {
	var sb strings.Builder

	for bi := range f.Blocks {
		blk := &f.Blocks[bi]
		fmt.Fprintf(&sb, "%s_%d:\n", blk.Kind, bi)
		for _, idx := range blk.Insts {
			inst := &f.Insts[idx]
			sb.WriteString("  ")
			sb.WriteString(inst.Cmd.String())
			for _, op := range inst.Operands() {
				sb.WriteString(" ")
				sb.WriteString(dumpOp(f, op))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func dumpOp(f *Function, op Op) string {
	switch op.Kind {
	case OpConstBool:
		return fmt.Sprintf("%v", f.Constants[op.Index].Bool)
	case OpConstInt:
		return fmt.Sprintf("%di", f.Constants[op.Index].Int)
	case OpConstUint:
		return fmt.Sprintf("%du", f.Constants[op.Index].Uint)
	case OpConstDouble:
		return fmt.Sprintf("%g", f.Constants[op.Index].Double)
	case OpConstTag:
		return fmt.Sprintf("t%d", f.Constants[op.Index].Tag)
	case OpCondition:
		return Condition(op.Index).String()
	case OpBlock:
		return fmt.Sprintf("%s_%d", f.Blocks[op.Index].Kind, op.Index)
	case OpInst:
		return fmt.Sprintf("%%%d", op.Index)
	case OpVmReg:
		return fmt.Sprintf("R%d", op.Index)
	case OpVmConst:
		return fmt.Sprintf("K%d", op.Index)
	case OpVmUpvalue:
		return fmt.Sprintf("U%d", op.Index)
	default:
		return "?"
	}
}

// snapshot mirrors Function with stable wire names for tooling consumers.
type snapshot struct {
	Blocks []snapshotBlock `cbor:"blocks"`
	Insts  []snapshotInst  `cbor:"insts"`
}

type snapshotBlock struct {
	Kind  string   `cbor:"kind"`
	Insts []uint32 `cbor:"insts"`
}

type snapshotInst struct {
	Cmd      string   `cbor:"cmd"`
	Operands []string `cbor:"ops"`
	Origin   uint32   `cbor:"origin"`
}

// MarshalSnapshot serializes an IR function to canonical CBOR for the
// disassembler's machine-readable output.
func MarshalSnapshot(f *Function) ([]byte, error) {
	s := snapshot{
		Blocks: make([]snapshotBlock, len(f.Blocks)),
		Insts:  make([]snapshotInst, len(f.Insts)),
	}
	for i := range f.Blocks {
		s.Blocks[i] = snapshotBlock{Kind: f.Blocks[i].Kind.String(), Insts: f.Blocks[i].Insts}
	}
	for i := range f.Insts {
		inst := &f.Insts[i]
		ops := inst.Operands()
		rendered := make([]string, len(ops))
		for j, op := range ops {
			rendered[j] = dumpOp(f, op)
		}
		s.Insts[i] = snapshotInst{Cmd: inst.Cmd.String(), Operands: rendered, Origin: inst.Origin}
	}
	return cborEncMode.Marshal(&s)
}

// UnmarshalSnapshot deserializes a CBOR IR snapshot.
func UnmarshalSnapshot(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := cbor.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("codegen: unmarshal snapshot: %w", err)
	}
	return out, nil
}
