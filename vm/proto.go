package vm

// Proto is a loaded function prototype: code, constants, nested prototypes
// and debug metadata. Protos are immutable once the loader hands them out.
type Proto struct {
	MaxStackSize uint8
	NumParams    uint8
	NumUpvals    uint8
	IsVararg     bool

	Code []uint32
	K    []TValue
	P    []*Proto

	// Line info is two-level: a per-instruction byte delta against a sparse
	// table of absolute line bases spaced every 1<<LineGapLog2 instructions.
	LineGapLog2 uint8
	LineInfo    []uint8
	AbsLineInfo []int32

	LocVars    []LocVar
	UpvalNames []*TString

	Source    *TString
	DebugName *TString
}

// LocVar is a local-variable debug record.
type LocVar struct {
	Name    *TString
	StartPC uint32
	EndPC   uint32
	Reg     uint8
}

// LineAt returns the source line for an instruction, or 0 when the proto
// carries no line info.
func (p *Proto) LineAt(pc int) int {
	if p.LineInfo == nil || pc < 0 || pc >= len(p.Code) {
		return 0
	}
	base := p.AbsLineInfo[pc>>p.LineGapLog2]
	return int(base) + int(p.LineInfo[pc])
}

// Upvalue is a captured variable cell. While the captured register is live
// the cell aliases the stack slot by index (the stack may be reallocated, so
// the cell never holds a pointer into it); Close snapshots the value when
// the scope ends.
type Upvalue struct {
	L     *State // non-nil while open
	Index int    // absolute stack index while open
	Value TValue // payload once closed
}

// Get reads through the cell.
func (uv *Upvalue) Get() TValue {
	if uv.L != nil {
		return uv.L.Stack[uv.Index]
	}
	return uv.Value
}

// Set writes through the cell.
func (uv *Upvalue) Set(v TValue) {
	if uv.L != nil {
		uv.L.Stack[uv.Index] = v
		return
	}
	uv.Value = v
}

// Close detaches the cell from the stack.
func (uv *Upvalue) Close() {
	if uv.L != nil {
		uv.Value = uv.L.Stack[uv.Index]
		uv.L = nil
	}
}

// Closure pairs a prototype with its captured environment.
type Closure struct {
	Proto  *Proto
	Env    *Table
	Upvals []*Upvalue

	// Preload marks closure constants that still need their upvalues filled
	// by CAPTURE pseudo-instructions when instantiated.
	Preload bool
}

// NewClosure allocates a closure with nupvals empty upvalue cells.
func NewClosure(proto *Proto, nupvals int, env *Table) *Closure {
	cl := &Closure{Proto: proto, Env: env}
	if nupvals > 0 {
		cl.Upvals = make([]*Upvalue, nupvals)
		for i := range cl.Upvals {
			cl.Upvals[i] = &Upvalue{}
		}
	}
	return cl
}
