package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tliron/commonlog"

	"github.com/mjansson/luau/pkg/bytecode"
)

var loadLog = commonlog.GetLogger("luau.load")

// ---------------------------------------------------------------------------
// Load errors
// ---------------------------------------------------------------------------

var (
	ErrTruncatedBlob    = errors.New("truncated bytecode")
	ErrBadConstantKind  = errors.New("unexpected constant kind")
	ErrBadStringRef     = errors.New("string reference out of range")
	ErrBadProtoRef      = errors.New("proto reference out of range")
	ErrBadConstantRef   = errors.New("constant reference out of range")
)

// ---------------------------------------------------------------------------
// Wire reader
// ---------------------------------------------------------------------------

// blobReader walks a serialized blob, raising Go errors on truncation or
// malformed sections; Load converts them into the error object contract.
type blobReader struct {
	data   []byte
	offset int
}

func (r *blobReader) byte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, ErrTruncatedBlob
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

func (r *blobReader) uint32() (uint32, error) {
	if r.offset+4 > len(r.data) {
		return 0, ErrTruncatedBlob
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *blobReader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *blobReader) double() (float64, error) {
	if r.offset+8 > len(r.data) {
		return 0, ErrTruncatedBlob
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.data[r.offset:]))
	r.offset += 8
	return v, nil
}

func (r *blobReader) varInt() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&127) << shift
		if b&128 == 0 {
			return result, nil
		}
		shift += 7
		if shift > 32 {
			return 0, fmt.Errorf("%w: varint too long", ErrTruncatedBlob)
		}
	}
}

func (r *blobReader) stringBytes() (string, error) {
	length, err := r.varInt()
	if err != nil {
		return "", err
	}
	if r.offset+int(length) > len(r.data) {
		return "", ErrTruncatedBlob
	}
	s := string(r.data[r.offset : r.offset+int(length)])
	r.offset += int(length)
	return s, nil
}

// stringRef resolves a 1-based string-table reference; 0 means "no string".
func (r *blobReader) stringRef(strings []*TString) (*TString, error) {
	id, err := r.varInt()
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, nil
	}
	if int(id) > len(strings) {
		return nil, ErrBadStringRef
	}
	return strings[id-1], nil
}

// ---------------------------------------------------------------------------
// Import resolution
// ---------------------------------------------------------------------------

// GetImport resolves an encoded import chain against env: env[k[id0]] then
// indexing by k[id1] and k[id2]. With propagateNil set, a nil intermediate
// short-circuits the remaining lookups instead of raising an index error.
// The result is pushed on the stack.
func GetImport(L *State, env *Table, k []TValue, id uint32, propagateNil bool) {
	ids := bytecode.DecodeImport(id)

	L.CheckStack(1)
	L.Push(Nil())
	if len(ids) == 0 {
		return
	}

	// The result slot is addressed by index: nested lookups can grow the
	// stack and relocate it.
	slot := L.Top - 1

	L.Stack[slot] = GetTableValue(L, TableValue(env), k[ids[0]])

	for _, idx := range ids[1:] {
		if propagateNil && L.Stack[slot].IsNil() {
			break
		}
		L.Stack[slot] = GetTableValue(L, L.Stack[slot], k[idx])
	}
}

// resolveImportSafe resolves an import chain inside a protected call so that
// any runtime error during lookup becomes a benign nil. If the environment
// is not safe (it was mutated since startup), no lookup is attempted and nil
// is pushed: pre-resolved imports would not be trustworthy.
func resolveImportSafe(L *State, env *Table, k []TValue, id uint32) {
	if !env.SafeEnv {
		L.Push(Nil())
		return
	}

	// Note: imports resolve with nil propagation; A.B.C chains quietly
	// resolve to nil when an intermediate table is missing, which keeps
	// scripts that inject globals at runtime loadable.
	err := L.PCall(func(L *State) {
		GetImport(L, env, k, id, true)
	})
	if err != nil {
		L.Push(Nil())
	}
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// Load deserializes a bytecode blob, wraps its main prototype in a closure
// sharing the host environment and pushes it on the stack. It returns 0 on
// success. On any failure a human-readable chunk-qualified message is pushed
// instead and 1 is returned.
//
// envIdx selects the closure environment: 0 for the thread's globals, or a
// 1-based stack index of a table pushed by the caller.
func Load(L *State, chunkname string, data []byte, envIdx int) int {
	r := &blobReader{data: data}

	version, err := r.byte()
	if err != nil {
		L.Push(StringValue(L.Global.Intern(chunkID(chunkname) + ": truncated bytecode")))
		return 1
	}

	// Version 0 means the rest of the payload is an error message from the
	// compiler; any other unsupported version is a mismatch.
	if version == 0 {
		msg := fmt.Sprintf("%s%s", chunkID(chunkname), string(data[r.offset:]))
		L.Push(StringValue(L.Global.Intern(msg)))
		return 1
	}
	if version != bytecode.Version {
		msg := fmt.Sprintf("%s: bytecode version mismatch (expected %d, got %d)", chunkID(chunkname), bytecode.Version, version)
		L.Push(StringValue(L.Global.Intern(msg)))
		return 1
	}

	// Pause GC for the duration of deserialization: objects created here are
	// not rooted until the final closure is pushed. The threshold is restored
	// on every exit path.
	savedThreshold := L.Global.GCThreshold
	L.Global.GCThreshold = math.MaxUint64
	defer func() {
		L.Global.GCThreshold = savedThreshold
	}()

	envt := L.Env
	if envIdx != 0 {
		if t := L.At(envIdx).AsTable(); t != nil {
			envt = t
		}
	}

	source := L.Global.Intern(chunkname)

	main, err := loadBody(L, r, source, envt)
	if err != nil {
		loadLog.Errorf("load %s failed: %s", chunkname, err.Error())
		L.Push(StringValue(L.Global.Intern(fmt.Sprintf("%s: %s", chunkID(chunkname), err.Error()))))
		return 1
	}

	cl := NewClosure(main, 0, envt)
	L.Push(FunctionValue(cl))
	return 0
}

func loadBody(L *State, r *blobReader, source *TString, envt *Table) (*Proto, error) {
	// String table. These are temporary load-time allocations; protos hold
	// the interned objects, not the table.
	stringCount, err := r.varInt()
	if err != nil {
		return nil, err
	}
	strings := make([]*TString, stringCount)
	for i := range strings {
		s, err := r.stringBytes()
		if err != nil {
			return nil, err
		}
		strings[i] = L.Global.Intern(s)
	}

	// Proto table. Child and closure references are indices into this table;
	// the format guarantees children precede their parents.
	protoCount, err := r.varInt()
	if err != nil {
		return nil, err
	}
	protos := make([]*Proto, protoCount)

	for i := range protos {
		p, err := loadProto(L, r, strings, protos, source, envt)
		if err != nil {
			return nil, fmt.Errorf("proto %d: %w", i, err)
		}
		protos[i] = p
	}

	mainID, err := r.varInt()
	if err != nil {
		return nil, err
	}
	if int(mainID) >= len(protos) {
		return nil, ErrBadProtoRef
	}

	return protos[mainID], nil
}

func loadProto(L *State, r *blobReader, strings []*TString, protos []*Proto, source *TString, envt *Table) (*Proto, error) {
	p := &Proto{Source: source}

	header := [4]byte{}
	for i := range header {
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		header[i] = b
	}
	p.MaxStackSize = header[0]
	p.NumParams = header[1]
	p.NumUpvals = header[2]
	p.IsVararg = header[3] != 0

	sizeCode, err := r.varInt()
	if err != nil {
		return nil, err
	}
	p.Code = make([]uint32, sizeCode)
	for j := range p.Code {
		insn, err := r.uint32()
		if err != nil {
			return nil, err
		}
		p.Code[j] = insn
	}

	sizeK, err := r.varInt()
	if err != nil {
		return nil, err
	}
	p.K = make([]TValue, sizeK)

	for j := range p.K {
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}

		switch int(kind) {
		case bytecode.ConstantNil:
			p.K[j] = Nil()

		case bytecode.ConstantBoolean:
			b, err := r.byte()
			if err != nil {
				return nil, err
			}
			p.K[j] = Boolean(b != 0)

		case bytecode.ConstantNumber:
			n, err := r.double()
			if err != nil {
				return nil, err
			}
			p.K[j] = Number(n)

		case bytecode.ConstantString:
			s, err := r.stringRef(strings)
			if err != nil {
				return nil, err
			}
			if s == nil {
				return nil, ErrBadStringRef
			}
			p.K[j] = StringValue(s)

		case bytecode.ConstantImport:
			iid, err := r.uint32()
			if err != nil {
				return nil, err
			}
			for _, id := range bytecode.DecodeImport(iid) {
				if id >= j {
					return nil, ErrBadConstantRef
				}
			}
			resolveImportSafe(L, envt, p.K, iid)
			p.K[j] = L.Pop()

		case bytecode.ConstantTable:
			keys, err := r.varInt()
			if err != nil {
				return nil, err
			}
			h := NewTable(0, int(keys))
			for ikey := uint32(0); ikey < keys; ikey++ {
				key, err := r.varInt()
				if err != nil {
					return nil, err
				}
				if int(key) >= j {
					return nil, ErrBadConstantRef
				}
				// Shape constants only record the key set; values are a
				// number placeholder.
				h.RawSet(p.K[key], Number(0))
			}
			p.K[j] = TableValue(h)

		case bytecode.ConstantClosure:
			fid, err := r.varInt()
			if err != nil {
				return nil, err
			}
			if int(fid) >= len(protos) || protos[fid] == nil {
				return nil, ErrBadProtoRef
			}
			child := protos[fid]
			cl := NewClosure(child, int(child.NumUpvals), envt)
			cl.Preload = child.NumUpvals > 0
			p.K[j] = FunctionValue(cl)

		default:
			return nil, fmt.Errorf("%w: %d", ErrBadConstantKind, kind)
		}
	}

	sizeP, err := r.varInt()
	if err != nil {
		return nil, err
	}
	p.P = make([]*Proto, sizeP)
	for j := range p.P {
		fid, err := r.varInt()
		if err != nil {
			return nil, err
		}
		if int(fid) >= len(protos) || protos[fid] == nil {
			return nil, ErrBadProtoRef
		}
		p.P[j] = protos[fid]
	}

	p.DebugName, err = r.stringRef(strings)
	if err != nil {
		return nil, err
	}

	hasLineInfo, err := r.byte()
	if err != nil {
		return nil, err
	}
	if hasLineInfo != 0 {
		p.LineGapLog2, err = r.byte()
		if err != nil {
			return nil, err
		}

		p.LineInfo = make([]uint8, sizeCode)
		lastOffset := uint8(0)
		for j := range p.LineInfo {
			d, err := r.byte()
			if err != nil {
				return nil, err
			}
			lastOffset += d
			p.LineInfo[j] = lastOffset
		}

		intervals := 1
		if sizeCode > 0 {
			intervals = ((int(sizeCode) - 1) >> p.LineGapLog2) + 1
		}
		p.AbsLineInfo = make([]int32, intervals)
		lastLine := int32(0)
		for j := range p.AbsLineInfo {
			d, err := r.int32()
			if err != nil {
				return nil, err
			}
			lastLine += d
			p.AbsLineInfo[j] = lastLine
		}
	}

	hasDebugInfo, err := r.byte()
	if err != nil {
		return nil, err
	}
	if hasDebugInfo != 0 {
		sizeLocVars, err := r.varInt()
		if err != nil {
			return nil, err
		}
		p.LocVars = make([]LocVar, sizeLocVars)
		for j := range p.LocVars {
			name, err := r.stringRef(strings)
			if err != nil {
				return nil, err
			}
			startPC, err := r.varInt()
			if err != nil {
				return nil, err
			}
			endPC, err := r.varInt()
			if err != nil {
				return nil, err
			}
			reg, err := r.byte()
			if err != nil {
				return nil, err
			}
			p.LocVars[j] = LocVar{Name: name, StartPC: startPC, EndPC: endPC, Reg: reg}
		}

		sizeUpvals, err := r.varInt()
		if err != nil {
			return nil, err
		}
		p.UpvalNames = make([]*TString, sizeUpvals)
		for j := range p.UpvalNames {
			p.UpvalNames[j], err = r.stringRef(strings)
			if err != nil {
				return nil, err
			}
		}
	}

	// Validate code references so the interpreter and translator can index
	// without bounds checks.
	if err := validateProto(p); err != nil {
		return nil, err
	}

	return p, nil
}

// validateProto checks that every constant and child-proto reference in the
// code lies within the proto's arrays.
func validateProto(p *Proto) error {
	for pc := 0; pc < len(p.Code); {
		insn := p.Code[pc]
		op := bytecode.InsnOp(insn)

		switch op {
		case bytecode.OpLoadK, bytecode.OpDupTable, bytecode.OpDupClosure:
			if d := bytecode.InsnD(insn); d < 0 || d >= len(p.K) {
				return ErrBadConstantRef
			}
		case bytecode.OpLoadKX, bytecode.OpGetGlobal, bytecode.OpSetGlobal,
			bytecode.OpGetTableKS, bytecode.OpSetTableKS, bytecode.OpNamecall:
			if pc+1 >= len(p.Code) {
				return ErrTruncatedBlob
			}
			if aux := p.Code[pc+1]; int(aux) >= len(p.K) {
				return ErrBadConstantRef
			}
		case bytecode.OpAddK, bytecode.OpSubK, bytecode.OpMulK,
			bytecode.OpDivK, bytecode.OpModK, bytecode.OpPowK:
			if c := bytecode.InsnC(insn); c >= len(p.K) {
				return ErrBadConstantRef
			}
		case bytecode.OpGetImport:
			if d := bytecode.InsnD(insn); d < 0 || d >= len(p.K) {
				return ErrBadConstantRef
			}
			if pc+1 >= len(p.Code) {
				return ErrTruncatedBlob
			}
			for _, id := range bytecode.DecodeImport(p.Code[pc+1]) {
				if id >= len(p.K) {
					return ErrBadConstantRef
				}
			}
		case bytecode.OpJumpXEqKN, bytecode.OpJumpXEqKS:
			if pc+1 >= len(p.Code) {
				return ErrTruncatedBlob
			}
			if aux := p.Code[pc+1] & 0xffffff; int(aux) >= len(p.K) {
				return ErrBadConstantRef
			}
		case bytecode.OpNewClosure:
			if d := bytecode.InsnD(insn); d < 0 || d >= len(p.P) {
				return ErrBadProtoRef
			}
		}

		pc += op.Length()
	}
	return nil
}
