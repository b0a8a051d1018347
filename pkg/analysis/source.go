package analysis

import (
	"github.com/mjansson/luau/pkg/ast"
	"github.com/mjansson/luau/pkg/parser"
)

// SourceType classifies how a module is used by its host environment.
type SourceType int

const (
	SourceTypeNone SourceType = iota
	SourceTypeModule
	SourceTypeScript
	SourceTypeLocal
)

// SourceCode is what the file resolver returns for a module.
type SourceCode struct {
	Source string
	Type   SourceType
}

// SourceModule is the parsed form of one module. It is replaced wholesale
// whenever the module is reparsed.
type SourceModule struct {
	Name ModuleName
	Root *ast.StatBlock

	// Mode carries a hot-comment override; HasMode distinguishes "no
	// directive" from the zero mode.
	Mode    Mode
	HasMode bool

	// EnvironmentName selects a named environment scope, when present.
	EnvironmentName string

	ParseErrors []parser.ParseError

	HotComments      []ast.HotComment
	CommentLocations []ast.Comment

	Type  SourceType
	Lines int

	// Cyclic is set during check when the module participates in a require
	// cycle; the checker replaces cyclic edges with the any type.
	Cyclic bool
}

// RequireLocation is one require call site: the resolved module name and the
// location of the call in the requiring module.
type RequireLocation struct {
	Name     ModuleName
	Location ast.Location
}

// SourceNode is the frontend's bookkeeping record for a module: its
// dependencies and dirty state. SourceNodes survive reparses; only Clear
// destroys them.
type SourceNode struct {
	Name ModuleName

	RequireSet       map[ModuleName]struct{}
	RequireLocations []RequireLocation

	DirtySourceModule         bool
	DirtyModule               bool
	DirtyModuleForAutocomplete bool

	// AutocompleteLimitsMult scales the checker's work limits in
	// autocomplete mode; the frontend adapts it in (0, 1] based on observed
	// check durations.
	AutocompleteLimitsMult float64
}

// HasDirtyModule reports whether the module output for the given mode needs
// recomputation.
func (n *SourceNode) HasDirtyModule(forAutocomplete bool) bool {
	if forAutocomplete {
		return n.DirtyModuleForAutocomplete
	}
	return n.DirtyModule
}

// HasDirtySourceModule reports whether the module needs reparsing.
func (n *SourceNode) HasDirtySourceModule() bool {
	return n.DirtySourceModule
}
