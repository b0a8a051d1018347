package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Low-level wire encoding
// ---------------------------------------------------------------------------

// Writer serializes primitive values in the blob wire encoding: little-endian
// fixed-width integers and doubles, LEB128-style varints, and length-prefixed
// strings.
type Writer struct {
	buf bytes.Buffer
}

// Byte writes a single byte.
func (w *Writer) Byte(v byte) {
	w.buf.WriteByte(v)
}

// Uint32 writes a little-endian 32-bit value.
func (w *Writer) Uint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf.Write(tmp[:])
}

// Int32 writes a little-endian signed 32-bit value.
func (w *Writer) Int32(v int32) {
	w.Uint32(uint32(v))
}

// Double writes a little-endian IEEE-754 double.
func (w *Writer) Double(v float64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))
	w.buf.Write(tmp[:])
}

// VarInt writes an unsigned value in 7-bit groups, low group first, with the
// high bit of each byte marking continuation.
func (w *Writer) VarInt(v uint32) {
	for v >= 128 {
		w.buf.WriteByte(byte(v&127) | 128)
		v >>= 7
	}
	w.buf.WriteByte(byte(v))
}

// Raw appends bytes verbatim.
func (w *Writer) Raw(data []byte) {
	w.buf.Write(data)
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// ---------------------------------------------------------------------------
// Blob builder
// ---------------------------------------------------------------------------

// Constant describes one entry of a prototype's constant array in builder
// form. Kind selects which payload field is meaningful.
type Constant struct {
	Kind    int
	Bool    bool
	Number  float64
	String  string // interned into the blob string table
	Import  uint32 // encoded import chain (see EncodeImport)
	Table   []int  // constant indices forming a table shape
	Closure int    // child proto id
}

// ProtoDesc describes one function prototype to be serialized.
type ProtoDesc struct {
	MaxStackSize byte
	NumParams    byte
	NumUpvals    byte
	IsVararg     bool

	Code      []uint32
	Constants []Constant
	Children  []int // proto table indices

	DebugName string

	// Optional line info: one delta byte per instruction plus absolute line
	// bases every 1<<LineGapLog2 instructions.
	HasLineInfo bool
	LineGapLog2 byte
	LineDeltas  []byte
	AbsLines    []int32

	// Optional debug info.
	HasDebugInfo bool
	LocVars      []LocVarDesc
	UpvalNames   []string
}

// LocVarDesc describes a local variable debug record.
type LocVarDesc struct {
	Name    string
	StartPC uint32
	EndPC   uint32
	Reg     byte
}

// Builder assembles a loadable bytecode blob: a shared string table, a flat
// prototype table and a main prototype index.
type Builder struct {
	strings     []string
	stringIndex map[string]uint32
	protos      []*ProtoDesc
	mainID      uint32
}

// NewBuilder creates an empty blob builder.
func NewBuilder() *Builder {
	return &Builder{stringIndex: make(map[string]uint32)}
}

// StringRef interns s into the blob string table and returns its 1-based
// reference; reference 0 is reserved for "no string".
func (b *Builder) StringRef(s string) uint32 {
	if id, ok := b.stringIndex[s]; ok {
		return id
	}
	b.strings = append(b.strings, s)
	id := uint32(len(b.strings))
	b.stringIndex[s] = id
	return id
}

// AddProto appends a prototype and returns its proto-table index.
func (b *Builder) AddProto(p *ProtoDesc) int {
	b.protos = append(b.protos, p)
	return len(b.protos) - 1
}

// SetMain selects the main prototype pushed by the loader.
func (b *Builder) SetMain(id int) {
	b.mainID = uint32(id)
}

// Build serializes the blob with the current format version.
func (b *Builder) Build() ([]byte, error) {
	// String references inside protos must be interned before the table is
	// written, so intern everything up front.
	for _, p := range b.protos {
		for i := range p.Constants {
			if p.Constants[i].Kind == ConstantString {
				b.StringRef(p.Constants[i].String)
			}
		}
		if p.DebugName != "" {
			b.StringRef(p.DebugName)
		}
		for _, lv := range p.LocVars {
			if lv.Name != "" {
				b.StringRef(lv.Name)
			}
		}
		for _, uv := range p.UpvalNames {
			if uv != "" {
				b.StringRef(uv)
			}
		}
	}

	w := &Writer{}
	w.Byte(Version)

	w.VarInt(uint32(len(b.strings)))
	for _, s := range b.strings {
		w.VarInt(uint32(len(s)))
		w.Raw([]byte(s))
	}

	w.VarInt(uint32(len(b.protos)))
	for _, p := range b.protos {
		if err := b.writeProto(w, p); err != nil {
			return nil, err
		}
	}

	w.VarInt(b.mainID)
	return w.Bytes(), nil
}

// BuildError serializes a compiler-error blob: version byte 0 followed by the
// message text.
func BuildError(message string) []byte {
	w := &Writer{}
	w.Byte(0)
	w.Raw([]byte(message))
	return w.Bytes()
}

func (b *Builder) writeProto(w *Writer, p *ProtoDesc) error {
	w.Byte(p.MaxStackSize)
	w.Byte(p.NumParams)
	w.Byte(p.NumUpvals)
	if p.IsVararg {
		w.Byte(1)
	} else {
		w.Byte(0)
	}

	w.VarInt(uint32(len(p.Code)))
	for _, insn := range p.Code {
		w.Uint32(insn)
	}

	w.VarInt(uint32(len(p.Constants)))
	for _, k := range p.Constants {
		w.Byte(byte(k.Kind))
		switch k.Kind {
		case ConstantNil:
		case ConstantBoolean:
			if k.Bool {
				w.Byte(1)
			} else {
				w.Byte(0)
			}
		case ConstantNumber:
			w.Double(k.Number)
		case ConstantString:
			w.VarInt(b.stringIndex[k.String])
		case ConstantImport:
			w.Uint32(k.Import)
		case ConstantTable:
			w.VarInt(uint32(len(k.Table)))
			for _, key := range k.Table {
				w.VarInt(uint32(key))
			}
		case ConstantClosure:
			w.VarInt(uint32(k.Closure))
		default:
			return fmt.Errorf("bytecode: unknown constant kind %d", k.Kind)
		}
	}

	w.VarInt(uint32(len(p.Children)))
	for _, child := range p.Children {
		w.VarInt(uint32(child))
	}

	if p.DebugName != "" {
		w.VarInt(b.stringIndex[p.DebugName])
	} else {
		w.VarInt(0)
	}

	if p.HasLineInfo {
		w.Byte(1)
		w.Byte(p.LineGapLog2)
		if len(p.LineDeltas) != len(p.Code) {
			return fmt.Errorf("bytecode: line info has %d deltas for %d instructions", len(p.LineDeltas), len(p.Code))
		}
		for _, d := range p.LineDeltas {
			w.Byte(d)
		}
		for _, line := range p.AbsLines {
			w.Int32(line)
		}
	} else {
		w.Byte(0)
	}

	if p.HasDebugInfo {
		w.Byte(1)
		w.VarInt(uint32(len(p.LocVars)))
		for _, lv := range p.LocVars {
			w.VarInt(b.stringIndex[lv.Name])
			w.VarInt(lv.StartPC)
			w.VarInt(lv.EndPC)
			w.Byte(lv.Reg)
		}
		w.VarInt(uint32(len(p.UpvalNames)))
		for _, uv := range p.UpvalNames {
			w.VarInt(b.stringIndex[uv])
		}
	} else {
		w.Byte(0)
	}

	return nil
}
