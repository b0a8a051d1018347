package analysis

import (
	"strings"
	"testing"
	"time"

	"github.com/mjansson/luau/pkg/parser"
)

// ---------------------------------------------------------------------------
// Test fixture
// ---------------------------------------------------------------------------

// memResolver serves sources from a map keyed by module name.
type memResolver struct {
	files map[ModuleName]string
}

func (r *memResolver) ReadSource(name ModuleName) (SourceCode, bool) {
	src, ok := r.files[name]
	if !ok {
		return SourceCode{}, false
	}
	return SourceCode{Source: src, Type: SourceTypeModule}, true
}

func (r *memResolver) GetEnvironmentForModule(name ModuleName) (string, bool) {
	return "", false
}

func (r *memResolver) GetHumanReadableModuleName(name ModuleName) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

// countingParser counts parses per module on top of the reference parser.
type countingParser struct {
	inner  parser.Parser
	parses map[string]int
}

func (p *countingParser) Parse(name, source string, options parser.ParseOptions) parser.ParseResult {
	p.parses[name]++
	return p.inner.Parse(name, source, options)
}

// fixture wires a frontend to in-memory sources with the reference parser
// and checker.
type fixture struct {
	t        *testing.T
	resolver *memResolver
	parses   *countingParser
	frontend *Frontend
}

func newFixture(t *testing.T, files map[ModuleName]string) *fixture {
	return newFixtureWithChecker(t, files, NewBasicChecker)
}

func newFixtureWithChecker(t *testing.T, files map[ModuleName]string, factory CheckerFactory) *fixture {
	t.Helper()

	resolver := &memResolver{files: files}
	parses := &countingParser{inner: parser.Simple{}, parses: make(map[string]int)}

	frontend := NewFrontend(
		parses,
		resolver,
		&NullConfigResolver{Config: DefaultConfig()},
		factory,
		FrontendOptions{},
	)
	frontend.SetLinter(BasicLinter{})

	return &fixture{t: t, resolver: resolver, parses: parses, frontend: frontend}
}

func (f *fixture) check(name ModuleName) CheckResult {
	f.t.Helper()
	result, err := f.frontend.Check(name, nil)
	if err != nil {
		f.t.Fatalf("Check(%s): %v", name, err)
	}
	return result
}

// ---------------------------------------------------------------------------
// Require tracing
// ---------------------------------------------------------------------------

func TestCheckResolvesRequireGraph(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/main": "local a = require(game.a)\nreturn a",
		"game/a":    "return 42",
	})

	result := f.check("game/main")
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}

	node := f.frontend.sourceNodes["game/main"]
	if node == nil {
		t.Fatal("main has no source node")
	}
	if _, ok := node.RequireSet["game/a"]; !ok {
		t.Error("main should require game/a")
	}
}

func TestScriptParentRequireResolution(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/lib/main": "return require(script.Parent.util)",
		"game/lib/util": "return 1",
	})

	f.check("game/lib/main")

	node := f.frontend.sourceNodes["game/lib/main"]
	if _, ok := node.RequireSet["game/lib/util"]; !ok {
		t.Errorf("script.Parent.util should resolve to game/lib/util, got %v", node.RequireSet)
	}
}

func TestUnknownRequireDiagnostic(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/main": "return require(game.missing)",
	})

	result := f.check("game/main")
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v, want one unknown require", result.Errors)
	}
	if _, ok := result.Errors[0].Data.(UnknownRequire); !ok {
		t.Errorf("error payload = %T, want UnknownRequire", result.Errors[0].Data)
	}
}

// ---------------------------------------------------------------------------
// Diagnostics across the graph
// ---------------------------------------------------------------------------

func TestCheckCollectsDependencyErrors(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/main": "local c = require(game.c)\nreturn c",
		"game/c":    "return 1 + 'two'",
	})

	result := f.check("game/main")

	found := false
	for _, e := range result.Errors {
		if e.ModuleName == "game/c" {
			if _, ok := e.Data.(TypeMismatch); ok {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("diagnostics should include the dependency's type error, got %v", result.Errors)
	}
}

func TestCheckTwiceDoesNoWork(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/main": "local a = require(game.a)\nreturn a",
		"game/a":    "return 1 + 'two'",
	})

	first := f.check("game/main")
	statsAfterFirst := f.frontend.Stats()

	second := f.check("game/main")
	statsAfterSecond := f.frontend.Stats()

	if len(first.Errors) != len(second.Errors) {
		t.Errorf("diagnostics changed across idle recheck: %d vs %d", len(first.Errors), len(second.Errors))
	}

	firstWork := statsAfterFirst.FilesStrict + statsAfterFirst.FilesNonstrict
	secondWork := statsAfterSecond.FilesStrict + statsAfterSecond.FilesNonstrict
	if firstWork != secondWork {
		t.Errorf("second check performed work: %d -> %d files", firstWork, secondWork)
	}
}

// ---------------------------------------------------------------------------
// Build order
// ---------------------------------------------------------------------------

// orderChecker records the order modules are checked in.
type orderChecker struct {
	ModuleChecker
	order *[]ModuleName
}

func (c orderChecker) Check(source *SourceModule, resolver ModuleResolver, req CheckRequest) *Module {
	*c.order = append(*c.order, source.Name)
	return c.ModuleChecker.Check(source, resolver, req)
}

func TestTopologicalBuildOrder(t *testing.T) {
	var order []ModuleName
	factory := func(r ModuleResolver) ModuleChecker {
		return orderChecker{ModuleChecker: NewBasicChecker(r), order: &order}
	}

	f := newFixtureWithChecker(t, map[ModuleName]string{
		"game/main": "local a = require(game.a)\nlocal b = require(game.b)\nreturn 1",
		"game/a":    "return require(game.c)",
		"game/b":    "return require(game.c)",
		"game/c":    "return 1",
	}, factory)

	f.check("game/main")

	pos := make(map[ModuleName]int)
	for i, name := range order {
		pos[name] = i
	}

	for _, tc := range []struct{ dep, dependent ModuleName }{
		{"game/c", "game/a"},
		{"game/c", "game/b"},
		{"game/a", "game/main"},
		{"game/b", "game/main"},
	} {
		if pos[tc.dep] >= pos[tc.dependent] {
			t.Errorf("%s checked at %d, after its dependent %s at %d", tc.dep, pos[tc.dep], tc.dependent, pos[tc.dependent])
		}
	}

	// Every dependency ends up cached and clean.
	for name := range f.resolver.files {
		if f.frontend.IsDirty(name, false) {
			t.Errorf("%s still dirty after check", name)
		}
		if f.frontend.moduleResolver.GetModule(name) == nil {
			t.Errorf("%s missing from the module cache", name)
		}
	}
}

// ---------------------------------------------------------------------------
// Cycles
// ---------------------------------------------------------------------------

func TestCycleDetection(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/a": "return require(game.b)",
		"game/b": "return require(game.c)",
		"game/c": "return require(game.a)",
	})

	result := f.check("game/a")

	var cycles []ModuleHasCyclicDependency
	perModule := make(map[ModuleName]int)
	for _, e := range result.Errors {
		if c, ok := e.Data.(ModuleHasCyclicDependency); ok {
			cycles = append(cycles, c)
			perModule[e.ModuleName]++
		}
	}

	if len(cycles) != 3 {
		t.Fatalf("cycle diagnostics = %d, want one per module: %v", len(cycles), result.Errors)
	}
	for _, name := range []ModuleName{"game/a", "game/b", "game/c"} {
		if perModule[name] != 1 {
			t.Errorf("%s has %d cycle diagnostics, want 1", name, perModule[name])
		}
	}

	for _, c := range cycles {
		if len(c.Path) != 4 {
			t.Errorf("cycle path %v should have 4 entries", c.Path)
		}
		if c.Path[0] != c.Path[len(c.Path)-1] {
			t.Errorf("cycle path %v should start and end at the same module", c.Path)
		}
	}
}

func TestCyclePathFromStartViewpoint(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/a": "return require(game.b)",
		"game/b": "return require(game.c)",
		"game/c": "return require(game.a)",
	})

	result := f.check("game/a")

	for _, e := range result.Errors {
		c, ok := e.Data.(ModuleHasCyclicDependency)
		if !ok || e.ModuleName != "game/a" {
			continue
		}
		want := []ModuleName{"a", "b", "c", "a"}
		if len(c.Path) != len(want) {
			t.Fatalf("path = %v, want %v", c.Path, want)
		}
		for i := range want {
			if c.Path[i] != want[i] {
				t.Fatalf("path = %v, want %v", c.Path, want)
			}
		}
		return
	}
	t.Fatal("no cycle diagnostic for game/a")
}

func TestNodeOnTwoCycles(t *testing.T) {
	// a lies on two distinct cycles through different siblings; clearing the
	// seen set only after a recorded cycle must still find both.
	f := newFixture(t, map[ModuleName]string{
		"game/a": "local b = require(game.b)\nlocal c = require(game.c)\nreturn 1",
		"game/b": "return require(game.a)",
		"game/c": "return require(game.a)",
	})

	result := f.check("game/a")

	var pathsFromA [][]ModuleName
	for _, e := range result.Errors {
		if c, ok := e.Data.(ModuleHasCyclicDependency); ok && e.ModuleName == "game/a" {
			pathsFromA = append(pathsFromA, c.Path)
		}
	}

	if len(pathsFromA) != 2 {
		t.Fatalf("cycles from a = %v, want two distinct cycles", pathsFromA)
	}
	if pathsFromA[0][1] == pathsFromA[1][1] {
		t.Errorf("both cycles go through the same sibling: %v", pathsFromA)
	}
}

// ---------------------------------------------------------------------------
// Dirty tracking
// ---------------------------------------------------------------------------

func TestMarkDirtyPropagatesToReverseDependencies(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/main":  "local a = require(game.a)\nlocal b = require(game.b)\nreturn 1",
		"game/a":     "return require(game.c)",
		"game/b":     "return require(game.c)",
		"game/c":     "return 1",
		"game/other": "return 2",
	})

	f.check("game/main")
	f.check("game/other")

	var marked []ModuleName
	f.frontend.MarkDirty("game/c", &marked)

	for _, name := range []ModuleName{"game/c", "game/a", "game/b", "game/main"} {
		node := f.frontend.sourceNodes[name]
		if !node.DirtySourceModule || !node.DirtyModule || !node.DirtyModuleForAutocomplete {
			t.Errorf("%s should be dirty in all three flags", name)
		}
	}

	if node := f.frontend.sourceNodes["game/other"]; node.DirtyModule {
		t.Error("unrelated module must stay clean")
	}

	if len(marked) < 4 {
		t.Errorf("marked = %v, want the four affected modules", marked)
	}
}

func TestIncrementalRecheck(t *testing.T) {
	files := map[ModuleName]string{
		"game/a": "return 1 + 'two'",
	}
	f := newFixture(t, files)

	result := f.check("game/a")
	if len(result.Errors) != 1 {
		t.Fatalf("first check: errors = %v, want one type error", result.Errors)
	}

	parsesBefore := f.parses.parses["game/a"]

	files["game/a"] = "return 1 + 2"
	f.frontend.MarkDirty("game/a", nil)

	result = f.check("game/a")
	if len(result.Errors) != 0 {
		t.Fatalf("after fix: errors = %v, want none", result.Errors)
	}

	if reparses := f.parses.parses["game/a"] - parsesBefore; reparses != 1 {
		t.Errorf("source reparsed %d times, want exactly once", reparses)
	}
}

func TestMissingFileEvictsSourceModule(t *testing.T) {
	files := map[ModuleName]string{
		"game/a": "return 1",
	}
	f := newFixture(t, files)
	f.check("game/a")

	delete(files, "game/a")
	f.frontend.MarkDirty("game/a", nil)

	node, sourceModule := f.frontend.getSourceNode("game/a")
	if node != nil || sourceModule != nil {
		t.Error("a deleted file should resolve to no source node")
	}
	if f.frontend.GetSourceModule("game/a") != nil {
		t.Error("stale source module should be evicted")
	}
}

// ---------------------------------------------------------------------------
// Modes and hot comments
// ---------------------------------------------------------------------------

func TestNoCheckModeSkipsTypeErrors(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/a": "--!nocheck\nreturn 1 + 'two'",
	})

	result := f.check("game/a")
	if len(result.Errors) != 0 {
		t.Errorf("nocheck module produced errors: %v", result.Errors)
	}
}

func TestParseErrorsBecomeSyntaxDiagnostics(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/a": "local = 1",
	})

	result := f.check("game/a")
	if len(result.Errors) == 0 {
		t.Fatal("syntax error should surface as a diagnostic")
	}
	if _, ok := result.Errors[0].Data.(SyntaxError); !ok {
		t.Errorf("payload = %T, want SyntaxError", result.Errors[0].Data)
	}
}

// ---------------------------------------------------------------------------
// Autocomplete budget
// ---------------------------------------------------------------------------

// timeoutChecker reports a deadline hit on its first check of each module
// and succeeds afterwards.
type timeoutChecker struct {
	ModuleChecker
	timedOut map[ModuleName]bool
}

func (c *timeoutChecker) Check(source *SourceModule, resolver ModuleResolver, req CheckRequest) *Module {
	module := c.ModuleChecker.Check(source, resolver, req)
	if !c.timedOut[source.Name] {
		c.timedOut[source.Name] = true
		module.Timeout = true
	}
	return module
}

func TestAutocompleteBudgetContraction(t *testing.T) {
	factory := func(r ModuleResolver) ModuleChecker {
		return &timeoutChecker{ModuleChecker: NewBasicChecker(r), timedOut: make(map[ModuleName]bool)}
	}

	f := newFixtureWithChecker(t, map[ModuleName]string{
		"game/a": "return 1",
	}, factory)

	opts := &CheckOptions{ForAutocomplete: true}

	result, err := f.frontend.Check("game/a", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.TimeoutHits) != 1 || result.TimeoutHits[0] != "game/a" {
		t.Fatalf("timeoutHits = %v, want [game/a]", result.TimeoutHits)
	}

	node := f.frontend.sourceNodes["game/a"]
	if node.AutocompleteLimitsMult > 0.5 {
		t.Errorf("limits multiplier = %v, want <= 0.5 after a timeout", node.AutocompleteLimitsMult)
	}

	// The second run completes inside the budget and the multiplier
	// re-expands.
	f.frontend.MarkDirty("game/a", nil)
	result, err = f.frontend.Check("game/a", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.TimeoutHits) != 0 {
		t.Errorf("second check should not time out: %v", result.TimeoutHits)
	}
	if node := f.frontend.sourceNodes["game/a"]; node.AutocompleteLimitsMult != 1.0 {
		t.Errorf("limits multiplier = %v, want re-expanded to 1.0", node.AutocompleteLimitsMult)
	}
}

func TestAutocompleteUsesSeparateCache(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/a": "return 1",
	})

	f.check("game/a")
	if f.frontend.moduleResolverForAutocomplete.GetModule("game/a") != nil {
		t.Fatal("normal check must not populate the autocomplete cache")
	}

	if _, err := f.frontend.Check("game/a", &CheckOptions{ForAutocomplete: true}); err != nil {
		t.Fatal(err)
	}
	if f.frontend.moduleResolverForAutocomplete.GetModule("game/a") == nil {
		t.Fatal("autocomplete check should populate its own cache")
	}
	if f.frontend.moduleResolver.GetModule("game/a") == nil {
		t.Fatal("the normal cache entry should survive")
	}
}

func TestAutocompleteLimitsScaleWithMultiplier(t *testing.T) {
	var gotInstantiation, gotUnifier int
	factory := func(r ModuleResolver) ModuleChecker {
		base := NewBasicChecker(r)
		return checkFunc{base: base, fn: func(source *SourceModule, resolver ModuleResolver, req CheckRequest) *Module {
			gotInstantiation = req.InstantiationLimit
			gotUnifier = req.UnifierLimit
			return base.Check(source, resolver, req)
		}}
	}

	resolver := &memResolver{files: map[ModuleName]string{"game/a": "return 1"}}
	frontend := NewFrontend(
		parser.Simple{},
		resolver,
		&NullConfigResolver{Config: DefaultConfig()},
		factory,
		FrontendOptions{InstantiationLimit: 100, UnifierLimit: 1000},
	)

	if _, err := frontend.Check("game/a", &CheckOptions{ForAutocomplete: true}); err != nil {
		t.Fatal(err)
	}
	if gotInstantiation != 100 || gotUnifier != 1000 {
		t.Errorf("limits = %d/%d, want unscaled at multiplier 1.0", gotInstantiation, gotUnifier)
	}

	frontend.sourceNodes["game/a"].AutocompleteLimitsMult = 0.25
	frontend.MarkDirty("game/a", nil)
	frontend.sourceNodes["game/a"].AutocompleteLimitsMult = 0.25

	if _, err := frontend.Check("game/a", &CheckOptions{ForAutocomplete: true}); err != nil {
		t.Fatal(err)
	}
	if gotInstantiation != 25 || gotUnifier != 250 {
		t.Errorf("limits = %d/%d, want scaled by 0.25", gotInstantiation, gotUnifier)
	}
}

// checkFunc adapts a function to ModuleChecker while sharing a base global
// scope.
type checkFunc struct {
	base ModuleChecker
	fn   func(*SourceModule, ModuleResolver, CheckRequest) *Module
}

func (c checkFunc) Check(source *SourceModule, resolver ModuleResolver, req CheckRequest) *Module {
	return c.fn(source, resolver, req)
}

func (c checkFunc) GlobalScope() *Scope { return c.base.GlobalScope() }

// ---------------------------------------------------------------------------
// Deadline plumbing
// ---------------------------------------------------------------------------

func TestAutocompleteDeadlineIsSet(t *testing.T) {
	var gotFinish time.Time
	factory := func(r ModuleResolver) ModuleChecker {
		base := NewBasicChecker(r)
		return checkFunc{base: base, fn: func(source *SourceModule, resolver ModuleResolver, req CheckRequest) *Module {
			gotFinish = req.FinishTime
			return base.Check(source, resolver, req)
		}}
	}

	f := newFixtureWithChecker(t, map[ModuleName]string{"game/a": "return 1"}, factory)

	before := time.Now()
	if _, err := f.frontend.Check("game/a", &CheckOptions{ForAutocomplete: true}); err != nil {
		t.Fatal(err)
	}

	if gotFinish.IsZero() {
		t.Fatal("autocomplete checks should carry a deadline")
	}
	if budget := gotFinish.Sub(before); budget <= 0 || budget > time.Second {
		t.Errorf("deadline %v from now, want around the 100ms default", budget)
	}
}

// ---------------------------------------------------------------------------
// Lint
// ---------------------------------------------------------------------------

func TestLintReportsUnusedLocal(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/a": "local unused = 1\nreturn 2",
	})

	result, err := f.frontend.Lint("game/a", nil)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, w := range result.Warnings {
		if w.Code == LintLocalUnused {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want LocalUnused", result.Warnings)
	}
}

func TestLintNolintHotCommentSuppresses(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/a": "--!nolint LocalUnused\nlocal unused = 1\nreturn 2",
	})

	result, err := f.frontend.Lint("game/a", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, w := range result.Warnings {
		if w.Code == LintLocalUnused {
			t.Error("nolint hot-comment should suppress the rule")
		}
	}
}

func TestLintMissingModuleIsEmpty(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{})

	result, err := f.frontend.Lint("game/missing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Errors) != 0 || len(result.Warnings) != 0 {
		t.Error("linting a missing module should produce nothing")
	}
}

// ---------------------------------------------------------------------------
// Clear and environments
// ---------------------------------------------------------------------------

func TestClearDropsAllCaches(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{
		"game/a": "return 1",
	})
	f.check("game/a")

	f.frontend.Clear()

	if f.frontend.GetSourceModule("game/a") != nil {
		t.Error("source module cache should be empty after Clear")
	}
	if f.frontend.moduleResolver.GetModule("game/a") != nil {
		t.Error("module cache should be empty after Clear")
	}
}

func TestEnvironmentScopeChaining(t *testing.T) {
	f := newFixture(t, map[ModuleName]string{})

	scope := f.frontend.AddEnvironment("testenv")
	if scope.Parent != f.frontend.GetGlobalScope() {
		t.Error("environment scopes derive from the global scope")
	}

	again := f.frontend.AddEnvironment("testenv")
	if again != scope {
		t.Error("adding the same environment twice should reuse the scope")
	}
}

func TestConfigGlobalsAreBoundToAny(t *testing.T) {
	config := DefaultConfig()
	config.Mode = ModeStrict
	config.Globals = []string{"game", "plugin"}

	resolver := &memResolver{files: map[ModuleName]string{
		"game/a": "return plugin",
	}}

	frontend := NewFrontend(
		parser.Simple{},
		resolver,
		&NullConfigResolver{Config: config},
		NewBasicChecker,
		FrontendOptions{},
	)

	result, err := frontend.Check("game/a", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range result.Errors {
		t.Errorf("config-listed global should not error: %v", e)
	}
}
