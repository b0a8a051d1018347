package analysis

import (
	"fmt"

	"github.com/mjansson/luau/pkg/ast"
)

// BasicLinter is a reference Linter covering the rules the frontend itself
// configures: unknown globals (NoCheck mode only) and unused locals.
type BasicLinter struct{}

// Lint implements Linter.
func (BasicLinter) Lint(root *ast.StatBlock, scope *Scope, module *Module, hotcomments []ast.HotComment, options LintOptions) []LintWarning {
	if root == nil {
		return nil
	}

	var warnings []LintWarning

	declared := make(map[string]ast.Location)
	used := make(map[string]bool)

	ast.Walk(ast.VisitorFunc(func(node ast.Node) bool {
		switch n := node.(type) {
		case *ast.StatLocal:
			for _, name := range n.Names {
				declared[name] = n.Loc()
			}
		case *ast.ExprLocal:
			used[n.Name] = true
		case *ast.ExprGlobal:
			if n.Name == "require" {
				return true
			}
			if _, ok := scope.Lookup(n.Name); !ok && options.IsEnabled(LintUnknownGlobal) {
				warnings = append(warnings, LintWarning{
					Code:     LintUnknownGlobal,
					Location: n.Loc(),
					Text:     fmt.Sprintf("Unknown global '%s'", n.Name),
				})
			}
		}
		return true
	}), root)

	if options.IsEnabled(LintLocalUnused) {
		for name, loc := range declared {
			if !used[name] && name != "_" {
				warnings = append(warnings, LintWarning{
					Code:     LintLocalUnused,
					Location: loc,
					Text:     fmt.Sprintf("Variable '%s' is never used; prefix with '_' to silence", name),
				})
			}
		}
	}

	return warnings
}
