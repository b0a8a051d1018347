package analysis

import (
	"fmt"

	"github.com/mjansson/luau/pkg/ast"
)

// TypeKind classifies a type node.
type TypeKind int

const (
	TypeAny TypeKind = iota
	TypeError_
	TypeNil
	TypeBoolean
	TypeNumber
	TypeString
	TypeTable
	TypeFunction
	TypeNamed
)

var typeKindNames = map[TypeKind]string{
	TypeAny: "any", TypeError_: "*error*", TypeNil: "nil", TypeBoolean: "boolean",
	TypeNumber: "number", TypeString: "string", TypeTable: "table",
	TypeFunction: "function", TypeNamed: "named",
}

// Type is one node of the type graph. Types may reference each other and
// themselves through Props and function signatures; all such references stay
// inside one arena, so ownership is never cyclic.
type Type struct {
	Kind TypeKind
	Name string // for TypeNamed

	Props   map[string]*Type // for TypeTable
	Params  []*Type          // for TypeFunction
	Returns []*Type          // for TypeFunction
}

func (t *Type) String() string {
	if t == nil {
		return "*unknown*"
	}
	if t.Kind == TypeNamed {
		return t.Name
	}
	return typeKindNames[t.Kind]
}

// TypeArena owns type nodes with stable identity. Freezing marks the arena
// immutable; it does not copy.
type TypeArena struct {
	types  []*Type
	frozen bool
}

// Add allocates a type in the arena.
func (a *TypeArena) Add(t Type) *Type {
	if a.frozen {
		panic("analysis: allocation in a frozen arena")
	}
	p := new(Type)
	*p = t
	a.types = append(a.types, p)
	return p
}

// Freeze marks the arena immutable.
func (a *TypeArena) Freeze() { a.frozen = true }

// Unfreeze makes the arena mutable again; used briefly to copy diagnostic
// types into a published module's interface arena.
func (a *TypeArena) Unfreeze() { a.frozen = false }

// Frozen reports the arena's mutability.
func (a *TypeArena) Frozen() bool { return a.frozen }

// Len reports the number of allocated types.
func (a *TypeArena) Len() int { return len(a.types) }

// Clear drops every type. The arena must not be frozen.
func (a *TypeArena) Clear() {
	if a.frozen {
		panic("analysis: clear of a frozen arena")
	}
	a.types = nil
}

// CloneState deduplicates cross-arena clones: a type already copied into the
// destination arena is reused instead of duplicated, which preserves cycles.
type CloneState struct {
	seen map[*Type]*Type
}

// Clone copies a type graph rooted at t into dst.
func Clone(t *Type, dst *TypeArena, state *CloneState) *Type {
	if t == nil {
		return nil
	}
	if state.seen == nil {
		state.seen = make(map[*Type]*Type)
	}
	if copied, ok := state.seen[t]; ok {
		return copied
	}

	copied := dst.Add(Type{Kind: t.Kind, Name: t.Name})
	state.seen[t] = copied

	if t.Props != nil {
		copied.Props = make(map[string]*Type, len(t.Props))
		for name, prop := range t.Props {
			copied.Props[name] = Clone(prop, dst, state)
		}
	}
	for _, p := range t.Params {
		copied.Params = append(copied.Params, Clone(p, dst, state))
	}
	for _, r := range t.Returns {
		copied.Returns = append(copied.Returns, Clone(r, dst, state))
	}

	return copied
}

// Scope is a lexical binding environment; lookups chain through Parent but
// parents are never owned.
type Scope struct {
	Parent   *Scope
	Bindings map[string]*Type

	ExportedTypeBindings map[string]*Type
}

// NewScope creates a child scope.
func NewScope(parent *Scope) *Scope {
	return &Scope{Parent: parent, Bindings: make(map[string]*Type)}
}

// Lookup resolves a name through the scope chain.
func (s *Scope) Lookup(name string) (*Type, bool) {
	for cur := s; cur != nil; cur = cur.Parent {
		if t, ok := cur.Bindings[name]; ok {
			return t, true
		}
	}
	return nil, false
}

// Module is the output of type-checking one source module.
type Module struct {
	Name ModuleName

	// InternalTypes holds everything inferred during the check;
	// InterfaceTypes holds only the exported surface and is frozen after
	// publication.
	InternalTypes  TypeArena
	InterfaceTypes TypeArena

	Errors []TypeError

	DeclaredGlobals      map[string]*Type
	ExportedTypeBindings map[string]*Type
	ReturnType           *Type

	// Side tables from syntax nodes to types, populated for tooling.
	AstTypes         map[ast.Expr]*Type
	AstExpectedTypes map[ast.Expr]*Type

	Scopes []*Scope

	// Timeout is set when the checker hit its deadline; the module may be
	// partial.
	Timeout bool

	Type SourceType
}

// ClearNonEssential drops the internal type graph and tooling side tables,
// keeping only errors and the exported interface. Declared globals and
// exported bindings are first cloned into the interface arena.
func (m *Module) ClearNonEssential() {
	// Error payloads render to strings eagerly, so unlike structured type
	// references they need no copying; the exported bindings do.
	m.InterfaceTypes.Unfreeze()
	cloneState := CloneState{}
	for name, t := range m.DeclaredGlobals {
		m.DeclaredGlobals[name] = Clone(t, &m.InterfaceTypes, &cloneState)
	}
	for name, t := range m.ExportedTypeBindings {
		m.ExportedTypeBindings[name] = Clone(t, &m.InterfaceTypes, &cloneState)
	}
	m.InterfaceTypes.Freeze()

	m.InternalTypes.Unfreeze()
	m.InternalTypes.Clear()
	m.AstTypes = nil
	m.AstExpectedTypes = nil
	m.Scopes = nil
}

func (m *Module) String() string {
	return fmt.Sprintf("Module(%s, %d errors)", m.Name, len(m.Errors))
}
