package codegen

import (
	"strings"
	"testing"

	"github.com/mjansson/luau/pkg/bytecode"
	"github.com/mjansson/luau/vm"
)

// protoWith assembles a proto directly; translation tests do not need the
// loader.
func protoWith(code []uint32, k ...vm.TValue) *vm.Proto {
	return &vm.Proto{
		MaxStackSize: 8,
		Code:         code,
		K:            k,
	}
}

func ret(reg, count int) uint32 {
	return bytecode.EncodeABC(bytecode.OpReturn, reg, count+1, 0)
}

func translateOrFail(t *testing.T, p *vm.Proto) *Function {
	t.Helper()
	f, err := Translate(p)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if err := Validate(f); err != nil {
		t.Fatalf("Validate: %v\n%s", err, Dump(f))
	}
	return f
}

// blockCmds returns the command sequence of a block.
func blockCmds(f *Function, bi int) []Cmd {
	var cmds []Cmd
	for _, idx := range f.Blocks[bi].Insts {
		cmds = append(cmds, f.Insts[idx].Cmd)
	}
	return cmds
}

// findBlocks returns the indices of blocks of one kind.
func findBlocks(f *Function, kind BlockKind) []int {
	var out []int
	for i := range f.Blocks {
		if f.Blocks[i].Kind == kind {
			out = append(out, i)
		}
	}
	return out
}

func hasCmd(f *Function, bi int, cmd Cmd) bool {
	for _, c := range blockCmds(f, bi) {
		if c == cmd {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Structural invariants
// ---------------------------------------------------------------------------

// TestEveryBlockHasOneTerminator drives the translator over a corpus of
// programs exercising every instruction family and validates the block
// structure of each result.
func TestEveryBlockHasOneTerminator(t *testing.T) {
	numK := vm.Number(2.5)
	strK := vm.StringValue(&vm.TString{Data: "key"})

	programs := map[string]*vm.Proto{
		"loads": protoWith([]uint32{
			bytecode.EncodeABC(bytecode.OpLoadNil, 0, 0, 0),
			bytecode.EncodeABC(bytecode.OpLoadB, 1, 1, 0),
			bytecode.EncodeAD(bytecode.OpLoadN, 2, 7),
			bytecode.EncodeAD(bytecode.OpLoadK, 3, 0),
			bytecode.EncodeABC(bytecode.OpMove, 4, 3, 0),
			ret(0, 0),
		}, numK),
		"arith": protoWith([]uint32{
			bytecode.EncodeABC(bytecode.OpAdd, 0, 1, 2),
			bytecode.EncodeABC(bytecode.OpSub, 0, 1, 2),
			bytecode.EncodeABC(bytecode.OpMulK, 0, 1, 0),
			bytecode.EncodeABC(bytecode.OpMinus, 3, 0, 0),
			bytecode.EncodeABC(bytecode.OpNot, 3, 0, 0),
			bytecode.EncodeABC(bytecode.OpLength, 3, 0, 0),
			ret(0, 0),
		}, numK),
		"jumps": protoWith([]uint32{
			bytecode.EncodeAD(bytecode.OpJumpIf, 0, 2),
			bytecode.EncodeABC(bytecode.OpLoadNil, 0, 0, 0),
			bytecode.EncodeABC(bytecode.OpLoadNil, 1, 0, 0),
			bytecode.EncodeAD(bytecode.OpJumpBack, 0, -4),
			ret(0, 0),
		}),
		"compare": protoWith([]uint32{
			bytecode.EncodeAD(bytecode.OpJumpIfEq, 0, 2), 1,
			bytecode.EncodeABC(bytecode.OpLoadNil, 0, 0, 0),
			bytecode.EncodeAD(bytecode.OpJumpIfLT, 0, 1), 1,
			ret(0, 0),
		}),
		"tables": protoWith([]uint32{
			bytecode.EncodeABC(bytecode.OpNewTable, 0, 0, 0), 4,
			bytecode.EncodeABC(bytecode.OpGetTableN, 1, 0, 0),
			bytecode.EncodeABC(bytecode.OpSetTableN, 1, 0, 1),
			bytecode.EncodeABC(bytecode.OpGetTable, 1, 0, 2),
			bytecode.EncodeABC(bytecode.OpSetTable, 1, 0, 2),
			bytecode.EncodeABC(bytecode.OpGetTableKS, 1, 0, 0), 1,
			bytecode.EncodeABC(bytecode.OpSetTableKS, 1, 0, 0), 1,
			ret(0, 0),
		}, numK, strK),
		"globals": protoWith([]uint32{
			bytecode.EncodeABC(bytecode.OpGetGlobal, 0, 0, 0), 1,
			bytecode.EncodeABC(bytecode.OpSetGlobal, 0, 0, 0), 1,
			bytecode.EncodeAD(bytecode.OpGetImport, 0, 0), 0x40000000,
			ret(0, 0),
		}, vm.Nil(), strK),
		"upvals": protoWith([]uint32{
			bytecode.EncodeABC(bytecode.OpGetUpval, 0, 0, 0),
			bytecode.EncodeABC(bytecode.OpSetUpval, 0, 0, 0),
			bytecode.EncodeABC(bytecode.OpCloseUpvals, 0, 0, 0),
			bytecode.EncodeABC(bytecode.OpCapture, bytecode.CaptureVal, 0, 0),
			ret(0, 0),
		}),
		"concat": protoWith([]uint32{
			bytecode.EncodeABC(bytecode.OpConcat, 0, 1, 3),
			ret(0, 0),
		}),
		"fornloop": protoWith([]uint32{
			bytecode.EncodeAD(bytecode.OpLoadN, 0, 3),
			bytecode.EncodeAD(bytecode.OpLoadN, 1, 1),
			bytecode.EncodeAD(bytecode.OpLoadN, 2, 1),
			bytecode.EncodeAD(bytecode.OpForNPrep, 0, 2),
			bytecode.EncodeABC(bytecode.OpNop, 0, 0, 0),
			bytecode.EncodeAD(bytecode.OpForNLoop, 0, -2),
			ret(0, 0),
		}),
		"forgloop": protoWith([]uint32{
			bytecode.EncodeAD(bytecode.OpForGPrepInext, 0, 1),
			bytecode.EncodeABC(bytecode.OpNop, 0, 0, 0),
			bytecode.EncodeAD(bytecode.OpForGLoop, 0, -2), 0x80000002,
			ret(0, 0),
		}),
		"forgprep next": protoWith([]uint32{
			bytecode.EncodeAD(bytecode.OpForGPrepNext, 0, 1),
			bytecode.EncodeABC(bytecode.OpNop, 0, 0, 0),
			bytecode.EncodeAD(bytecode.OpForGLoop, 0, -2), 2,
			ret(0, 0),
		}),
		"xeqk": protoWith([]uint32{
			bytecode.EncodeAD(bytecode.OpJumpXEqKNil, 0, 3), 0,
			bytecode.EncodeAD(bytecode.OpJumpXEqKB, 0, 3), 1,
			bytecode.EncodeAD(bytecode.OpJumpXEqKN, 0, 1), 0,
			ret(0, 0),
		}, numK),
		"fallback ops": protoWith([]uint32{
			bytecode.EncodeABC(bytecode.OpCall, 0, 1, 1),
			bytecode.EncodeAD(bytecode.OpNewClosure, 0, 0),
			ret(0, 0),
		}),
	}

	// NEWCLOSURE needs a child proto.
	programs["fallback ops"].P = []*vm.Proto{protoWith([]uint32{ret(0, 0)})}

	for name, p := range programs {
		t.Run(name, func(t *testing.T) {
			f := translateOrFail(t, p)

			for bi := range f.Blocks {
				cmds := blockCmds(f, bi)
				terminators := 0
				for _, c := range cmds {
					if c.IsTerminator() {
						terminators++
					}
				}
				if terminators != 1 {
					t.Errorf("block %d has %d terminators:\n%s", bi, terminators, Dump(f))
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Fast path / fallback shapes
// ---------------------------------------------------------------------------

func TestAddFastPathShape(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeABC(bytecode.OpAdd, 0, 1, 2),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	entry := blockCmds(f, 0)

	want := []Cmd{
		CmdLoadTag, CmdCheckTag, CmdLoadTag, CmdCheckTag,
		CmdLoadDouble, CmdLoadDouble, CmdAddNum,
		CmdStoreDouble, CmdStoreTag, CmdJump,
	}
	if len(entry) != len(want) {
		t.Fatalf("entry block:\n%s", Dump(f))
	}
	for i := range want {
		if entry[i] != want[i] {
			t.Fatalf("entry[%d] = %s, want %s\n%s", i, entry[i], want[i], Dump(f))
		}
	}

	fallbacks := findBlocks(f, BlockFallback)
	if len(fallbacks) != 1 {
		t.Fatalf("want one fallback block, got %d", len(fallbacks))
	}

	fb := blockCmds(f, fallbacks[0])
	if fb[0] != CmdSetSavedPC || fb[1] != CmdDoArith || fb[2] != CmdJump {
		t.Errorf("fallback = %v, want SET_SAVEDPC, DO_ARITH, JUMP", fb)
	}

	// The DO_ARITH operand carries the metamethod index for ADD.
	inst := f.InstOf(Op{Kind: OpInst, Index: f.Blocks[fallbacks[0]].Insts[1]})
	if f.ConstOf(inst.D).Int != int64(vm.TMAdd) {
		t.Error("DO_ARITH should carry TM_ADD")
	}
}

func TestAddSameRegisterSkipsTagStore(t *testing.T) {
	// a = a + b: destination aliases a source, so the tag store is omitted.
	p := protoWith([]uint32{
		bytecode.EncodeABC(bytecode.OpAdd, 0, 0, 1),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	for _, c := range blockCmds(f, 0) {
		if c == CmdStoreTag {
			t.Fatalf("tag store should be skipped when ra aliases rb:\n%s", Dump(f))
		}
	}
}

func TestCheckTagTargetsFallback(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeABC(bytecode.OpAdd, 0, 1, 2),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	fallbacks := findBlocks(f, BlockFallback)

	for _, idx := range f.Blocks[0].Insts {
		inst := f.Insts[idx]
		if inst.Cmd == CmdCheckTag {
			if inst.C.Kind != OpBlock || int(inst.C.Index) != fallbacks[0] {
				t.Fatalf("CHECK_TAG should branch to the fallback block:\n%s", Dump(f))
			}
		}
	}
}

func TestGetTableShape(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeABC(bytecode.OpGetTable, 0, 1, 2),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	entry := blockCmds(f, 0)

	// Tag checks for table and number, NUM_TO_INDEX with a fallback edge,
	// index adjustment, bounds and metatable guards, then the element copy.
	want := []Cmd{
		CmdLoadTag, CmdCheckTag, CmdLoadTag, CmdCheckTag,
		CmdLoadPointer, CmdLoadDouble,
		CmdNumToIndex, CmdSubInt,
		CmdCheckArraySize, CmdCheckNoMetatable,
		CmdGetArrAddr, CmdLoadTValue, CmdStoreTValue, CmdJump,
	}
	if len(entry) != len(want) {
		t.Fatalf("entry:\n%s", Dump(f))
	}
	for i := range want {
		if entry[i] != want[i] {
			t.Fatalf("entry[%d] = %s, want %s", i, entry[i], want[i])
		}
	}

	fallbacks := findBlocks(f, BlockFallback)
	if len(fallbacks) != 1 {
		t.Fatalf("want one fallback, got %d", len(fallbacks))
	}
	if !hasCmd(f, fallbacks[0], CmdGetTable) {
		t.Error("fallback should invoke the generic GET_TABLE helper")
	}
}

func TestSetTableEmitsWriteBarrierAndReadonlyCheck(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeABC(bytecode.OpSetTable, 0, 1, 2),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	if !hasCmd(f, 0, CmdCheckReadonly) {
		t.Error("table write fast path must check the readonly bit")
	}
	if !hasCmd(f, 0, CmdBarrierTableForward) {
		t.Error("table write fast path must emit the GC write barrier")
	}
}

func TestGetTableKSUsesSlotPrediction(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeABC(bytecode.OpGetTableKS, 0, 1, 0), 0,
		ret(0, 0),
	}, vm.StringValue(&vm.TString{Data: "k"}))
	f := translateOrFail(t, p)

	if !hasCmd(f, 0, CmdGetSlotNodeAddr) || !hasCmd(f, 0, CmdCheckSlotMatch) {
		t.Fatalf("GETTABLEKS fast path should predict the node slot:\n%s", Dump(f))
	}

	fallbacks := findBlocks(f, BlockFallback)
	if !hasCmd(f, fallbacks[0], CmdFallbackGetTableKS) {
		t.Error("fallback should be the generic hash lookup")
	}
}

func TestGetImportShape(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeAD(bytecode.OpGetImport, 0, 0), 0x40000000,
		ret(0, 0),
	}, vm.Nil())
	f := translateOrFail(t, p)

	if !hasCmd(f, 0, CmdCheckSafeEnv) {
		t.Error("GETIMPORT fast path requires a safe environment")
	}

	fallbacks := findBlocks(f, BlockFallback)
	if len(fallbacks) != 1 || !hasCmd(f, fallbacks[0], CmdGetImport) {
		t.Error("fallback should call GET_IMPORT with the encoded chain")
	}
}

func TestJumpBackEmitsInterrupt(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeABC(bytecode.OpLoadNil, 0, 0, 0),
		bytecode.EncodeAD(bytecode.OpJumpBack, 0, -2),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	found := false
	for i := range f.Insts {
		if f.Insts[i].Cmd == CmdInterrupt && f.Insts[i].Origin == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("JUMPBACK must emit INTERRUPT carrying its pc:\n%s", Dump(f))
	}
}

func TestForNPrepTwoArmComparison(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeAD(bytecode.OpForNPrep, 0, 2),
		bytecode.EncodeABC(bytecode.OpNop, 0, 0, 0),
		bytecode.EncodeAD(bytecode.OpForNLoop, 0, -2),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	cmpCount := 0
	for i := range f.Insts {
		if f.Insts[i].Cmd == CmdJumpCmpNum {
			cmpCount++
		}
	}
	// Each of FORNPREP and FORNLOOP emits a step direction test plus the
	// two comparison arms.
	if cmpCount != 6 {
		t.Errorf("JUMP_CMP_NUM count = %d, want 6:\n%s", cmpCount, Dump(f))
	}

	if !hasCmd(f, findBlocks(f, BlockFallback)[0], CmdPrepareForN) {
		t.Error("FORNPREP fallback should coerce loop registers via PREPARE_FORN")
	}
}

func TestForGLoopIpairsShape(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeAD(bytecode.OpForGPrepInext, 0, 1),
		bytecode.EncodeABC(bytecode.OpNop, 0, 0, 0),
		bytecode.EncodeAD(bytecode.OpForGLoop, 0, -2), 0x80000002,
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	var hasInterrupt, hasArrayCheck, hasIntToNum bool
	for i := range f.Insts {
		switch f.Insts[i].Cmd {
		case CmdInterrupt:
			if f.Insts[i].Origin == 2 {
				hasInterrupt = true
			}
		case CmdCheckArraySize:
			hasArrayCheck = true
		case CmdIntToNum:
			hasIntToNum = true
		}
	}

	if !hasInterrupt {
		t.Error("FORGLOOP must poll for interrupts first")
	}
	if !hasArrayCheck {
		t.Error("FORGLOOP fast path must bounds-check the array part")
	}
	if !hasIntToNum {
		t.Error("FORGLOOP must store a double copy of the incremented index")
	}
}

func TestConcatAlwaysCallsHelper(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeABC(bytecode.OpConcat, 0, 1, 3),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	if len(findBlocks(f, BlockFallback)) != 0 {
		t.Error("CONCAT has no fast path and therefore no fallback block")
	}
	if !hasCmd(f, 0, CmdConcat) || !hasCmd(f, 0, CmdCheckGC) {
		t.Error("CONCAT should call the helper and emit a GC check")
	}
}

func TestBranchTargetsReferenceExistingBlocks(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeAD(bytecode.OpJumpIf, 0, 2),
		bytecode.EncodeABC(bytecode.OpAdd, 0, 1, 2),
		bytecode.EncodeABC(bytecode.OpLoadNil, 0, 0, 0),
		bytecode.EncodeAD(bytecode.OpJumpBack, 0, -4),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	for i := range f.Insts {
		for _, op := range f.Insts[i].Operands() {
			if op.Kind == OpBlock && int(op.Index) >= len(f.Blocks) {
				t.Fatalf("instruction %d references missing block %d", i, op.Index)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Dump and snapshot
// ---------------------------------------------------------------------------

func TestDumpRendersBlocks(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeABC(bytecode.OpAdd, 0, 1, 2),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	text := Dump(f)
	for _, fragment := range []string{"bb_0:", "CHECK_TAG", "DO_ARITH", "fallback_"} {
		if !strings.Contains(text, fragment) {
			t.Errorf("dump lacks %q:\n%s", fragment, text)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := protoWith([]uint32{
		bytecode.EncodeABC(bytecode.OpAdd, 0, 1, 2),
		ret(0, 0),
	})
	f := translateOrFail(t, p)

	blob, err := MarshalSnapshot(f)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}

	decoded, err := UnmarshalSnapshot(blob)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	if _, ok := decoded["blocks"]; !ok {
		t.Error("snapshot should carry a blocks section")
	}

	// Canonical encoding is deterministic.
	second, err := MarshalSnapshot(f)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	if string(blob) != string(second) {
		t.Error("canonical CBOR snapshots should be byte-identical")
	}
}
