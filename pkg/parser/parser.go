// Package parser defines the contract between the analysis frontend and the
// syntax parser. The frontend never constructs trees itself; it hands source
// text to a Parser and consumes the result.
package parser

import (
	"fmt"

	"github.com/mjansson/luau/pkg/ast"
)

// ParseError is a syntax diagnostic with a source range.
type ParseError struct {
	Location ast.Location
	Message  string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Location, e.Message)
}

// ParseOptions configure a single parse.
type ParseOptions struct {
	// CaptureComments retains comment and hot-comment locations in the
	// result; the frontend always sets it so mode directives are visible.
	CaptureComments bool

	// AllowDeclarationSyntax enables the declaration-file grammar used by
	// environment definition modules.
	AllowDeclarationSyntax bool
}

// ParseResult carries everything one parse produced. A failed parse still
// reports Errors and may provide a partial Root; a nil Root means nothing
// could be recovered.
type ParseResult struct {
	Root  *ast.StatBlock
	Lines int

	Errors []ParseError

	HotComments      []ast.HotComment
	CommentLocations []ast.Comment
}

// Parser turns source text into a syntax tree. Implementations must be
// deterministic and must not retain the source string.
type Parser interface {
	Parse(name, source string, options ParseOptions) ParseResult
}
