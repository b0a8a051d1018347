package analysis

import (
	"fmt"
	"time"

	"github.com/mjansson/luau/pkg/ast"
)

// BasicChecker is a reference implementation of the ModuleChecker contract,
// used by the command-line tools and the test suite. It types literals,
// resolves requires through the module resolver, and reports obvious
// mismatches; the production constraint solver plugs in through the same
// interface.
type BasicChecker struct {
	globalScope *Scope
	arena       TypeArena

	anyType     *Type
	numberType  *Type
	stringType  *Type
	booleanType *Type
	nilType     *Type
	errorType   *Type
}

// NewBasicChecker creates a checker with an empty global scope. It
// satisfies CheckerFactory.
func NewBasicChecker(resolver ModuleResolver) ModuleChecker {
	c := &BasicChecker{}
	c.anyType = c.arena.Add(Type{Kind: TypeAny})
	c.numberType = c.arena.Add(Type{Kind: TypeNumber})
	c.stringType = c.arena.Add(Type{Kind: TypeString})
	c.booleanType = c.arena.Add(Type{Kind: TypeBoolean})
	c.nilType = c.arena.Add(Type{Kind: TypeNil})
	c.errorType = c.arena.Add(Type{Kind: TypeError_})
	c.globalScope = NewScope(nil)
	return c
}

// GlobalScope implements ModuleChecker.
func (c *BasicChecker) GlobalScope() *Scope {
	return c.globalScope
}

// Check implements ModuleChecker.
func (c *BasicChecker) Check(source *SourceModule, resolver ModuleResolver, req CheckRequest) *Module {
	module := &Module{
		Name:                 source.Name,
		DeclaredGlobals:      make(map[string]*Type),
		ExportedTypeBindings: make(map[string]*Type),
		AstTypes:             make(map[ast.Expr]*Type),
		Type:                 source.Type,
	}

	state := &checkState{
		checker:  c,
		module:   module,
		source:   source,
		resolver: resolver,
		req:      req,
		scope:    NewScope(req.Environment),
	}

	if req.Mode != ModeNoCheck && source.Root != nil {
		ast.Walk(state, source.Root)
	}

	module.ReturnType = state.returnType
	if module.ReturnType == nil {
		module.ReturnType = c.anyType
	}

	module.InternalTypes.Freeze()
	module.InterfaceTypes.Freeze()

	return module
}

// checkState is the per-check traversal state.
type checkState struct {
	checker  *BasicChecker
	module   *Module
	source   *SourceModule
	resolver ModuleResolver
	req      CheckRequest
	scope    *Scope

	returnType *Type
	deadline   bool
}

func (s *checkState) Visit(node ast.Node) bool {
	if s.checkDeadline() {
		return false
	}

	switch n := node.(type) {
	case *ast.StatLocal:
		if len(n.Values) > len(n.Names) {
			for _, v := range n.Values[len(n.Names):] {
				s.typeOf(v)
			}
		}
		for i, name := range n.Names {
			if i < len(n.Values) {
				s.scope.Bindings[name] = s.typeOf(n.Values[i])
			} else {
				s.scope.Bindings[name] = s.checker.nilType
			}
		}
		return false
	case *ast.StatReturn:
		for i, v := range n.Values {
			t := s.typeOf(v)
			if i == 0 {
				s.returnType = t
			}
		}
		return false
	case *ast.ExprBinary:
		s.typeOf(n)
		return false
	case *ast.ExprCall:
		s.typeOf(n)
		return false
	}

	return true
}

// checkDeadline polls the autocomplete budget; once exceeded, the module is
// flagged and the traversal stops producing new information.
func (s *checkState) checkDeadline() bool {
	if s.deadline {
		return true
	}
	if !s.req.FinishTime.IsZero() && time.Now().After(s.req.FinishTime) {
		s.deadline = true
		s.module.Timeout = true
	}
	return s.deadline
}

func (s *checkState) typeOf(e ast.Expr) *Type {
	c := s.checker

	switch n := e.(type) {
	case *ast.ExprConstantNumber:
		s.module.AstTypes[e] = c.numberType
		return c.numberType

	case *ast.ExprConstantString:
		s.module.AstTypes[e] = c.stringType
		return c.stringType

	case *ast.ExprConstantBool:
		s.module.AstTypes[e] = c.booleanType
		return c.booleanType

	case *ast.ExprConstantNil:
		s.module.AstTypes[e] = c.nilType
		return c.nilType

	case *ast.ExprGlobal:
		if t, ok := s.scope.Lookup(n.Name); ok {
			return t
		}
		if s.req.Mode == ModeStrict {
			s.addError(n.Loc(), GenericError{Text: fmt.Sprintf("Unknown global '%s'", n.Name)})
			return c.errorType
		}
		return c.anyType

	case *ast.ExprLocal:
		if t, ok := s.scope.Lookup(n.Name); ok {
			return t
		}
		return c.anyType

	case *ast.ExprIndexName:
		base := s.typeOf(n.Expr)
		if base.Kind == TypeTable && base.Props != nil {
			if t, ok := base.Props[n.Index]; ok {
				return t
			}
		}
		return c.anyType

	case *ast.ExprCall:
		return s.typeOfCall(n)

	case *ast.ExprBinary:
		return s.typeOfBinary(n)
	}

	return c.anyType
}

func (s *checkState) typeOfCall(n *ast.ExprCall) *Type {
	c := s.checker

	// require(...) resolves across module boundaries.
	if g, ok := n.Func.(*ast.ExprGlobal); ok && g.Name == "require" && len(n.Args) == 1 {
		return s.typeOfRequire(n)
	}

	s.typeOf(n.Func)
	for _, a := range n.Args {
		s.typeOf(a)
	}
	return c.anyType
}

func (s *checkState) typeOfRequire(n *ast.ExprCall) *Type {
	c := s.checker

	info, ok := s.resolver.ResolveModuleInfo(s.source.Name, n.Args[0])
	if !ok {
		s.addError(n.Loc(), UnknownRequire{Name: renderRequireArg(n.Args[0])})
		return c.errorType
	}

	// Cyclic edges resolve to any; the cycle itself is reported separately.
	for _, cycle := range s.req.RequireCycles {
		for _, name := range cycle.Path {
			if name == info.Name {
				return c.anyType
			}
		}
	}

	if !s.resolver.ModuleExists(info.Name) {
		s.addError(n.Loc(), UnknownRequire{Name: info.Name})
		return c.errorType
	}

	if dep := s.resolver.GetModule(info.Name); dep != nil && dep.ReturnType != nil {
		return dep.ReturnType
	}
	return c.anyType
}

func (s *checkState) typeOfBinary(n *ast.ExprBinary) *Type {
	c := s.checker

	left := s.typeOf(n.Left)
	right := s.typeOf(n.Right)

	switch n.Op {
	case "+", "-", "*", "/", "%", "^":
		if bad, ok := arithOperandMismatch(left, right); ok {
			s.addError(n.Loc(), TypeMismatch{Wanted: "number", Given: bad.String()})
			return c.errorType
		}
		return c.numberType
	case "..":
		return c.stringType
	case "==", "~=", "<", "<=", ">", ">=":
		return c.booleanType
	}

	return c.anyType
}

// arithOperandMismatch reports the first operand that can never be a
// number.
func arithOperandMismatch(left, right *Type) (*Type, bool) {
	for _, t := range []*Type{left, right} {
		switch t.Kind {
		case TypeNumber, TypeAny, TypeError_:
		default:
			return t, true
		}
	}
	return nil, false
}

func (s *checkState) addError(loc ast.Location, data TypeErrorData) {
	s.module.Errors = append(s.module.Errors, TypeError{
		Location:   loc,
		ModuleName: s.source.Name,
		Data:       data,
	})
}

func renderRequireArg(e ast.Expr) string {
	if segments := ParsePathExpr(e); segments != nil {
		name := segments[0]
		for _, seg := range segments[1:] {
			name += "." + seg
		}
		return name
	}
	if str, ok := e.(*ast.ExprConstantString); ok {
		return str.Value
	}
	return "?"
}
