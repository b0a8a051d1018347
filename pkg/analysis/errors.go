// Package analysis implements the incremental analysis frontend: it manages
// the module dependency graph, dirty tracking and ordered rechecking, and
// exposes the collaborator interfaces for the parser, type checker and
// linter.
package analysis

import (
	"fmt"
	"strings"

	"github.com/mjansson/luau/pkg/ast"
)

// ModuleName is an opaque module identifier; the file resolver maps it to
// source text and human-readable names.
type ModuleName = string

// TypeErrorData is the variant payload of a TypeError.
type TypeErrorData interface {
	typeErrorData()
	Message() string
}

// SyntaxError wraps a parse error surfaced through the check pipeline.
type SyntaxError struct {
	Text string
}

func (SyntaxError) typeErrorData() {}

func (e SyntaxError) Message() string { return e.Text }

// UnknownRequire reports a require of a module the file resolver cannot
// read.
type UnknownRequire struct {
	Name ModuleName
}

func (UnknownRequire) typeErrorData() {}

func (e UnknownRequire) Message() string {
	return fmt.Sprintf("Unknown require: %s", e.Name)
}

// ModuleHasCyclicDependency reports one require edge that participates in an
// import cycle; Path lists the cycle in DFS order from the requiring
// module's viewpoint.
type ModuleHasCyclicDependency struct {
	Path []ModuleName
}

func (ModuleHasCyclicDependency) typeErrorData() {}

func (e ModuleHasCyclicDependency) Message() string {
	return "Cyclic module dependency: " + strings.Join(e.Path, " -> ")
}

// TypeMismatch is the generic checker diagnostic for incompatible types.
type TypeMismatch struct {
	Wanted string
	Given  string
}

func (TypeMismatch) typeErrorData() {}

func (e TypeMismatch) Message() string {
	return fmt.Sprintf("Type '%s' could not be converted into '%s'", e.Given, e.Wanted)
}

// GenericError carries checker diagnostics that need no structure.
type GenericError struct {
	Text string
}

func (GenericError) typeErrorData() {}

func (e GenericError) Message() string { return e.Text }

// TypeError is one analysis diagnostic: a location, the module it belongs
// to, and a variant payload.
type TypeError struct {
	Location   ast.Location
	ModuleName ModuleName
	Data       TypeErrorData
}

func (e TypeError) Error() string {
	return fmt.Sprintf("%s(%s): %s", e.ModuleName, e.Location, e.Data.Message())
}

// InternalCompilerError is an invariant violation inside the frontend. It is
// fatal to the current top-level call but leaves the caches intact.
type InternalCompilerError struct {
	Text       string
	ModuleName ModuleName
}

func (e *InternalCompilerError) Error() string {
	if e.ModuleName != "" {
		return fmt.Sprintf("internal compiler error in %s: %s", e.ModuleName, e.Text)
	}
	return "internal compiler error: " + e.Text
}
