package analysis

import (
	"strings"

	"github.com/mjansson/luau/pkg/ast"
)

// RequireTraceResult records every require call found in a module: the
// resolved names in call order and a per-expression map the module resolver
// consults when the checker asks about a specific require argument.
type RequireTraceResult struct {
	Exprs    map[ast.Expr]ModuleInfo
	Requires []RequireLocation
}

// ParsePathExpr flattens a dotted index chain into its segments. Only chains
// rooted at a global or local name qualify; anything else yields nil.
func ParsePathExpr(pathExpr ast.Expr) []string {
	indexName, ok := pathExpr.(*ast.ExprIndexName)
	if !ok {
		return nil
	}

	segments := []string{indexName.Index}

	for {
		switch e := indexName.Expr.(type) {
		case *ast.ExprIndexName:
			segments = append(segments, e.Index)
			indexName = e
		case *ast.ExprGlobal:
			segments = append(segments, e.Name)
			reverse(segments)
			return segments
		case *ast.ExprLocal:
			segments = append(segments, e.Name)
			reverse(segments)
			return segments
		default:
			return nil
		}
	}
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// PathExprToModuleName resolves path segments to a module name. A chain
// rooted at "script" resolves relative to the current module; each "Parent"
// segment removes the last path component but never the first. Other chains
// are taken literally from their segments.
func PathExprToModuleName(currentModuleName ModuleName, segments []string) (ModuleName, bool) {
	if len(segments) == 0 {
		return "", false
	}

	var result []string
	rest := segments

	scriptRooted := false
	if segments[0] == "script" && currentModuleName != "" {
		result = strings.Split(currentModuleName, "/")
		rest = segments[1:]
		scriptRooted = true
	}

	for _, seg := range rest {
		if scriptRooted && seg == "Parent" {
			if len(result) > 1 {
				result = result[:len(result)-1]
			}
			continue
		}
		result = append(result, seg)
	}

	return strings.Join(result, "/"), true
}

// requireTracer collects require(...) calls during an AST walk.
type requireTracer struct {
	currentModuleName ModuleName
	result            RequireTraceResult
}

func (t *requireTracer) Visit(node ast.Node) bool {
	call, ok := node.(*ast.ExprCall)
	if !ok {
		return true
	}

	g, ok := call.Func.(*ast.ExprGlobal)
	if !ok || g.Name != "require" || len(call.Args) != 1 {
		return true
	}

	arg := call.Args[0]

	var name ModuleName
	resolved := false

	switch e := arg.(type) {
	case *ast.ExprConstantString:
		// String requires are taken verbatim.
		name, resolved = e.Value, true
	default:
		if segments := ParsePathExpr(arg); segments != nil {
			name, resolved = PathExprToModuleName(t.currentModuleName, segments)
		}
	}

	if resolved {
		t.result.Exprs[arg] = ModuleInfo{Name: name}
		t.result.Requires = append(t.result.Requires, RequireLocation{Name: name, Location: call.Loc()})
	}

	return true
}

// TraceRequires walks a module's tree and records every resolvable require
// call. Unresolvable require arguments are left out; the type checker
// reports those as unknown requires.
func TraceRequires(root *ast.StatBlock, currentModuleName ModuleName) RequireTraceResult {
	tracer := &requireTracer{
		currentModuleName: currentModuleName,
		result: RequireTraceResult{
			Exprs: make(map[ast.Expr]ModuleInfo),
		},
	}

	if root != nil {
		ast.Walk(tracer, root)
	}

	return tracer.result
}
