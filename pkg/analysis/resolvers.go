package analysis

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjansson/luau/pkg/ast"
)

// FileResolver maps module names to source text. Implementations must be
// deterministic within one check call.
type FileResolver interface {
	// ReadSource returns the module's source, or ok=false when the module
	// does not exist.
	ReadSource(name ModuleName) (SourceCode, bool)

	// GetEnvironmentForModule returns the named environment the module is
	// checked in, or ok=false for the default environment.
	GetEnvironmentForModule(name ModuleName) (string, bool)

	// GetHumanReadableModuleName renders a module name for diagnostics.
	GetHumanReadableModuleName(name ModuleName) string
}

// ModuleInfo identifies a module resolved from a require path expression.
type ModuleInfo struct {
	Name ModuleName
}

// ModuleResolver is what the type checker uses to look across module
// boundaries: resolve require expressions and fetch checked modules.
type ModuleResolver interface {
	ResolveModuleInfo(currentModuleName ModuleName, pathExpr ast.Expr) (ModuleInfo, bool)
	GetModule(name ModuleName) *Module
	ModuleExists(name ModuleName) bool
	GetHumanReadableModuleName(name ModuleName) string
}

// RequireCycle is one detected import cycle: the location of the require in
// the starting module and the cycle path in human-readable names.
type RequireCycle struct {
	Location ast.Location
	Path     []ModuleName
}

// CheckRequest carries the per-call inputs of a type check.
type CheckRequest struct {
	Mode        Mode
	Environment *Scope

	// RequireCycles lists the cycles the current module participates in;
	// the checker types cyclic edges as any.
	RequireCycles []RequireCycle

	// FinishTime is the wall-clock deadline for autocomplete checks; the
	// zero value disables it. A checker that exceeds it sets
	// Module.Timeout and may return a partial module.
	FinishTime time.Time

	// Work limits scaled by the autocomplete budget controller; zero means
	// unlimited.
	InstantiationLimit int
	UnifierLimit       int
}

// ModuleChecker is the type-checker collaborator. Check must populate the
// module's Errors, InterfaceTypes, DeclaredGlobals and ExportedTypeBindings
// and set Timeout when the deadline was reached. A nil result is an
// internal error.
type ModuleChecker interface {
	Check(source *SourceModule, resolver ModuleResolver, req CheckRequest) *Module
	GlobalScope() *Scope
}

// CheckerFactory builds a checker bound to a module resolver; the frontend
// calls it twice, once per cache.
type CheckerFactory func(resolver ModuleResolver) ModuleChecker

// ---------------------------------------------------------------------------
// OS file resolver
// ---------------------------------------------------------------------------

// OSFileResolver resolves module names against a directory tree: module
// "a/b" reads <root>/a/b.luau (falling back to .lua).
type OSFileResolver struct {
	Root string
}

// ReadSource implements FileResolver.
func (r *OSFileResolver) ReadSource(name ModuleName) (SourceCode, bool) {
	for _, ext := range []string{".luau", ".lua"} {
		path := filepath.Join(r.Root, filepath.FromSlash(name)+ext)
		data, err := os.ReadFile(path)
		if err == nil {
			return SourceCode{Source: string(data), Type: SourceTypeModule}, true
		}
	}
	// A name that is already a path reads verbatim.
	data, err := os.ReadFile(filepath.Join(r.Root, filepath.FromSlash(name)))
	if err != nil {
		return SourceCode{}, false
	}
	return SourceCode{Source: string(data), Type: SourceTypeScript}, true
}

// GetEnvironmentForModule implements FileResolver; OS trees have no named
// environments.
func (r *OSFileResolver) GetEnvironmentForModule(name ModuleName) (string, bool) {
	return "", false
}

// GetHumanReadableModuleName implements FileResolver.
func (r *OSFileResolver) GetHumanReadableModuleName(name ModuleName) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
