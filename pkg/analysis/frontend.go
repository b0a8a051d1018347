package analysis

import (
	"sort"
	"time"

	"github.com/tliron/commonlog"

	"github.com/mjansson/luau/pkg/ast"
	"github.com/mjansson/luau/pkg/parser"
)

var log = commonlog.GetLogger("luau.frontend")

// FrontendOptions configure a Frontend instance; CheckOptions can override
// parts of it per call.
type FrontendOptions struct {
	// RetainFullTypeGraphs keeps internal type graphs and AST side tables on
	// published modules. Tooling wants them; batch checking trims them to
	// bound memory.
	RetainFullTypeGraphs bool

	// AutocompleteTimeout bounds one autocomplete-mode module check. Zero
	// selects the 100ms default; a negative value disables the budget.
	AutocompleteTimeout time.Duration

	// InstantiationLimit and UnifierLimit are the base work limits scaled by
	// each module's adaptive multiplier in autocomplete mode; zero means
	// unlimited.
	InstantiationLimit int
	UnifierLimit       int
}

const defaultAutocompleteTimeout = 100 * time.Millisecond

// CheckOptions select the cache and trimming behavior of one Check call.
type CheckOptions struct {
	ForAutocomplete      bool
	RetainFullTypeGraphs bool
}

// CheckResult is the outcome of a Check call: every diagnostic reachable
// from the requested module and the modules whose autocomplete check timed
// out.
type CheckResult struct {
	Errors      []TypeError
	TimeoutHits []ModuleName
}

// Stats accumulate frontend work counters across calls.
type Stats struct {
	Files int
	Lines int

	FilesStrict    int
	FilesNonstrict int

	TimeRead  float64
	TimeParse float64
	TimeCheck float64
	TimeLint  float64
}

// Frontend drives incremental analysis: it parses modules on demand, traces
// their requires, topologically orders the dependency graph and rechecks
// dirty modules in order, maintaining one module cache per analysis mode.
// It is single-threaded and not re-entrant.
type Frontend struct {
	parser         parser.Parser
	fileResolver   FileResolver
	configResolver ConfigResolver
	linter         Linter
	options        FrontendOptions

	sourceNodes   map[ModuleName]*SourceNode
	sourceModules map[ModuleName]*SourceModule
	requireTrace  map[ModuleName]RequireTraceResult

	moduleResolver                *frontendModuleResolver
	moduleResolverForAutocomplete *frontendModuleResolver

	checker                ModuleChecker
	checkerForAutocomplete ModuleChecker

	environments       map[string]*Scope
	builtinDefinitions map[string]func(ModuleChecker, *Scope)

	globalTypes TypeArena

	stats Stats
}

// NewFrontend wires a frontend to its collaborators. The checker factory is
// invoked twice, once per module cache.
func NewFrontend(p parser.Parser, fileResolver FileResolver, configResolver ConfigResolver, factory CheckerFactory, options FrontendOptions) *Frontend {
	f := &Frontend{
		parser:             p,
		fileResolver:       fileResolver,
		configResolver:     configResolver,
		options:            options,
		sourceNodes:        make(map[ModuleName]*SourceNode),
		sourceModules:      make(map[ModuleName]*SourceModule),
		requireTrace:       make(map[ModuleName]RequireTraceResult),
		environments:       make(map[string]*Scope),
		builtinDefinitions: make(map[string]func(ModuleChecker, *Scope)),
	}

	f.moduleResolver = &frontendModuleResolver{frontend: f, modules: make(map[ModuleName]*Module)}
	f.moduleResolverForAutocomplete = &frontendModuleResolver{frontend: f, modules: make(map[ModuleName]*Module)}

	f.checker = factory(f.moduleResolver)
	f.checkerForAutocomplete = factory(f.moduleResolverForAutocomplete)

	return f
}

// SetLinter installs the lint collaborator.
func (f *Frontend) SetLinter(l Linter) {
	f.linter = l
}

// Stats returns a copy of the accumulated counters.
func (f *Frontend) Stats() Stats {
	return f.stats
}

// ClearStats resets the counters.
func (f *Frontend) ClearStats() {
	f.stats = Stats{}
}

// Clear drops every cache: source nodes, parsed modules, checked modules and
// require traces.
func (f *Frontend) Clear() {
	f.sourceNodes = make(map[ModuleName]*SourceNode)
	f.sourceModules = make(map[ModuleName]*SourceModule)
	f.requireTrace = make(map[ModuleName]RequireTraceResult)
	f.moduleResolver.modules = make(map[ModuleName]*Module)
	f.moduleResolverForAutocomplete.modules = make(map[ModuleName]*Module)
}

// IsDirty reports whether a module needs rechecking in the given mode.
func (f *Frontend) IsDirty(name ModuleName, forAutocomplete bool) bool {
	node, ok := f.sourceNodes[name]
	return !ok || node.HasDirtyModule(forAutocomplete)
}

// ---------------------------------------------------------------------------
// Check
// ---------------------------------------------------------------------------

// Check brings a module and all its transitive dependencies up to date in
// the selected cache and returns every diagnostic reachable from it.
// Invariant violations (a schedule entry without cached data) surface as
// *InternalCompilerError.
func (f *Frontend) Check(name ModuleName, optionOverride *CheckOptions) (CheckResult, error) {
	log.Debugf("check %s", name)

	options := CheckOptions{RetainFullTypeGraphs: f.options.RetainFullTypeGraphs}
	if optionOverride != nil {
		options = *optionOverride
	}

	var result CheckResult

	if node, ok := f.sourceNodes[name]; ok && !node.HasDirtyModule(options.ForAutocomplete) {
		// No recheck required; only verify the cache actually has the data
		// the dirty flags promise.
		resolver := f.resolverFor(options.ForAutocomplete)
		if resolver.modules[name] == nil {
			return CheckResult{}, &InternalCompilerError{Text: "Frontend::modules does not have data for " + name, ModuleName: name}
		}
		result.Errors = f.accumulateErrors(resolver.modules, name)
		return result, nil
	}

	buildQueue, cycleDetected := f.parseGraph(name, options.ForAutocomplete)

	for _, moduleName := range buildQueue {
		sourceNode, ok := f.sourceNodes[moduleName]
		if !ok {
			return CheckResult{}, &InternalCompilerError{Text: "build queue references unknown module", ModuleName: moduleName}
		}

		if !sourceNode.HasDirtyModule(options.ForAutocomplete) {
			continue
		}

		sourceModule, ok := f.sourceModules[moduleName]
		if !ok {
			return CheckResult{}, &InternalCompilerError{Text: "build queue references unparsed module", ModuleName: moduleName}
		}

		config := f.configResolver.GetConfig(moduleName)

		mode := config.Mode
		if sourceModule.HasMode {
			mode = sourceModule.Mode
		}

		environmentScope := f.getModuleEnvironment(sourceModule, config, options.ForAutocomplete)

		started := time.Now()

		var requireCycles []RequireCycle

		// In NoCheck mode only the cyclic bit matters to the checker; for
		// everything else the cycle paths become diagnostics. Correct
		// programs are acyclic, so this triggers rarely.
		if cycleDetected {
			requireCycles = f.getRequireCycles(sourceNode, mode == ModeNoCheck)
		}

		// The checker replaces the resulting type of cyclic modules with any.
		sourceModule.Cyclic = len(requireCycles) > 0

		if options.ForAutocomplete {
			// The autocomplete check always runs in strict mode to provide
			// the richest type information for IDE features, under a
			// wall-clock budget with adaptively scaled work limits.
			req := CheckRequest{
				Mode:          ModeStrict,
				Environment:   environmentScope,
				RequireCycles: requireCycles,
			}

			timeout := f.options.AutocompleteTimeout
			if timeout == 0 {
				timeout = defaultAutocompleteTimeout
			}
			if timeout > 0 {
				req.FinishTime = started.Add(timeout)
			}

			if f.options.InstantiationLimit > 0 {
				req.InstantiationLimit = scaledLimit(f.options.InstantiationLimit, sourceNode.AutocompleteLimitsMult)
			}
			if f.options.UnifierLimit > 0 {
				req.UnifierLimit = scaledLimit(f.options.UnifierLimit, sourceNode.AutocompleteLimitsMult)
			}

			module := f.checkerForAutocomplete.Check(sourceModule, f.moduleResolverForAutocomplete, req)
			if module == nil {
				return CheckResult{}, &InternalCompilerError{Text: "checker produced a nil module", ModuleName: moduleName}
			}

			f.moduleResolverForAutocomplete.modules[moduleName] = module

			duration := time.Since(started)

			if module.Timeout {
				result.TimeoutHits = append(result.TimeoutHits, moduleName)
				sourceNode.AutocompleteLimitsMult = sourceNode.AutocompleteLimitsMult / 2
			} else if timeout > 0 && duration < timeout/2 {
				sourceNode.AutocompleteLimitsMult = minFloat(sourceNode.AutocompleteLimitsMult*2, 1)
			}

			f.stats.TimeCheck += duration.Seconds()
			f.stats.FilesStrict++

			sourceNode.DirtyModuleForAutocomplete = false
			continue
		}

		req := CheckRequest{
			Mode:          mode,
			Environment:   environmentScope,
			RequireCycles: requireCycles,
		}

		module := f.checker.Check(sourceModule, f.moduleResolver, req)

		f.stats.TimeCheck += time.Since(started).Seconds()
		if mode == ModeStrict {
			f.stats.FilesStrict++
		} else if mode == ModeNonstrict {
			f.stats.FilesNonstrict++
		}

		if module == nil {
			return CheckResult{}, &InternalCompilerError{Text: "checker produced a nil module", ModuleName: moduleName}
		}

		if !options.RetainFullTypeGraphs {
			module.ClearNonEssential()
		}

		if mode != ModeNoCheck {
			for _, cycle := range requireCycles {
				module.Errors = append(module.Errors, TypeError{
					Location:   cycle.Location,
					ModuleName: moduleName,
					Data:       ModuleHasCyclicDependency{Path: cycle.Path},
				})
			}
		}

		// Parse errors come first in the module's own error list.
		parseErrors := make([]TypeError, 0, len(sourceModule.ParseErrors))
		for _, pe := range sourceModule.ParseErrors {
			parseErrors = append(parseErrors, TypeError{
				Location:   pe.Location,
				ModuleName: moduleName,
				Data:       SyntaxError{Text: pe.Message},
			})
		}
		module.Errors = append(parseErrors, module.Errors...)

		f.moduleResolver.modules[moduleName] = module
		sourceNode.DirtyModule = false
	}

	// Modules skipped above as clean still contribute their cached errors.
	result.Errors = f.accumulateErrors(f.resolverFor(options.ForAutocomplete).modules, name)

	return result, nil
}

func scaledLimit(limit int, mult float64) int {
	scaled := int(float64(limit) * mult)
	if scaled < 1 {
		return 1
	}
	return scaled
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (f *Frontend) resolverFor(forAutocomplete bool) *frontendModuleResolver {
	if forAutocomplete {
		return f.moduleResolverForAutocomplete
	}
	return f.moduleResolver
}

// accumulateErrors walks the require graph from name and collects the cached
// errors of every reachable module, ordered with the root module's errors
// last and each module's errors in source order.
func (f *Frontend) accumulateErrors(modules map[ModuleName]*Module, name ModuleName) []TypeError {
	seen := make(map[ModuleName]struct{})
	queue := []ModuleName{name}

	var result []TypeError

	for len(queue) > 0 {
		next := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}

		sourceNode, ok := f.sourceNodes[next]
		if !ok {
			continue
		}
		for dep := range sourceNode.RequireSet {
			queue = append(queue, dep)
		}

		module, ok := modules[next]
		if !ok {
			continue
		}

		errs := append([]TypeError(nil), module.Errors...)
		sort.SliceStable(errs, func(i, j int) bool {
			return errs[j].Location.Begin.Before(errs[i].Location.Begin)
		})
		result = append(result, errs...)
	}

	// Reversal restores source order per module while keeping dependency
	// errors ahead of their dependents.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	return result
}

// ---------------------------------------------------------------------------
// Dependency graph
// ---------------------------------------------------------------------------

// parseGraph topologically sorts the dependency graph reachable from root
// using an iterative three-color DFS, parsing modules on demand. It returns
// the build order and whether a cycle was seen.
//
// Non-dirty subtrees are skipped entirely: markDirty propagates over reverse
// dependencies, so a clean node's transitive dependencies are clean too, and
// none of them can participate in a cycle with any dirty node.
func (f *Frontend) parseGraph(root ModuleName, forAutocomplete bool) ([]ModuleName, bool) {
	type mark uint8
	const (
		markNone mark = iota
		markTemporary
		markPermanent
	)

	seen := make(map[*SourceNode]mark)
	var stack []*SourceNode
	var path []*SourceNode
	var buildQueue []ModuleName
	cyclic := false

	if sourceNode, _ := f.getSourceNode(root); sourceNode != nil {
		stack = append(stack, sourceNode)
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top == nil {
			// Post-order marker: the node on top of the path is complete.
			top = path[len(path)-1]
			path = path[:len(path)-1]

			seen[top] = markPermanent
			buildQueue = append(buildQueue, top.Name)
			continue
		}

		switch seen[top] {
		case markTemporary:
			cyclic = true
			continue
		case markPermanent:
			continue
		}

		seen[top] = markTemporary

		// Marker for post-order processing.
		stack = append(stack, nil)
		path = append(path, top)

		for dep := range top.RequireSet {
			if it, ok := f.sourceNodes[dep]; ok {
				if !it.HasDirtyModule(forAutocomplete) {
					continue
				}

				// getSourceNode reparses whenever the source-dirty flag is
				// still set, so consult the seen map first to keep its
				// memoization intact.
				if _, visited := seen[it]; visited {
					stack = append(stack, it)
					continue
				}
			}

			if sourceNode, _ := f.getSourceNode(dep); sourceNode != nil {
				stack = append(stack, sourceNode)
				if _, visited := seen[sourceNode]; !visited {
					seen[sourceNode] = markNone
				}
			}
		}
	}

	return buildQueue, cyclic
}

// getRequireCycles finds, for each direct require of start, the first
// transitive dependency path in DFS order that leads back to start. With
// stopAtFirst one cycle suffices (NoCheck mode only needs the cyclic bit).
//
// The seen set persists across sibling searches: nodes visited without
// producing a cycle cannot reach start at all and never need revisiting. It
// is cleared only after a cycle is recorded, because nodes on the found
// cycle may also lie on a different cycle through a later sibling.
func (f *Frontend) getRequireCycles(start *SourceNode, stopAtFirst bool) []RequireCycle {
	var result []RequireCycle

	seen := make(map[*SourceNode]struct{})
	var stack []*SourceNode
	var path []*SourceNode

	for _, req := range start.RequireLocations {
		dep, ok := f.sourceNodes[req.Name]
		if !ok {
			continue
		}

		var cycle []ModuleName
		stack = append(stack[:0], dep)
		path = path[:0]

		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if top == nil {
				top = path[len(path)-1]
				path = path[:len(path)-1]

				// Reaching the start node in post-order means the current
				// path is a cycle. The path is reported from the starting
				// module's viewpoint, closed on both ends, so adjacent
				// entries are always direct requires.
				if top == start {
					cycle = append(cycle, f.fileResolver.GetHumanReadableModuleName(start.Name))
					for _, node := range path {
						cycle = append(cycle, f.fileResolver.GetHumanReadableModuleName(node.Name))
					}
					cycle = append(cycle, f.fileResolver.GetHumanReadableModuleName(top.Name))
					break
				}
				continue
			}

			if _, visited := seen[top]; visited {
				continue
			}
			seen[top] = struct{}{}

			path = append(path, top)
			stack = append(stack, nil)

			// Requires are pushed in reverse so the stack pops them in
			// source order, making the reported path the first cycle in DFS
			// order.
			for i := len(top.RequireLocations); i > 0; i-- {
				if node, ok := f.sourceNodes[top.RequireLocations[i-1].Name]; ok {
					stack = append(stack, node)
				}
			}
		}

		path = path[:0]
		stack = stack[:0]

		if len(cycle) > 0 {
			result = append(result, RequireCycle{Location: req.Location, Path: cycle})

			if stopAtFirst {
				return result
			}

			seen = make(map[*SourceNode]struct{})
		}
	}

	return result
}

// ---------------------------------------------------------------------------
// Parsing and require tracing
// ---------------------------------------------------------------------------

// getSourceNode reads a module into the caches if necessary, tracing its
// requires and translating parse errors. A missing file returns (nil, nil)
// and evicts any stale SourceModule so the checker reports an unknown
// require instead of consuming stale data.
func (f *Frontend) getSourceNode(name ModuleName) (*SourceNode, *SourceModule) {
	if node, ok := f.sourceNodes[name]; ok && !node.HasDirtySourceModule() {
		if sourceModule, ok := f.sourceModules[name]; ok {
			return node, sourceModule
		}
		// Everything in sourceNodes must be in sourceModules as well.
		return node, nil
	}

	readStart := time.Now()

	source, found := f.fileResolver.ReadSource(name)
	environmentName, _ := f.fileResolver.GetEnvironmentForModule(name)

	f.stats.TimeRead += time.Since(readStart).Seconds()

	if !found {
		delete(f.sourceModules, name)
		return nil, nil
	}

	config := f.configResolver.GetConfig(name)
	parseOptions := config.ParseOptions
	parseOptions.CaptureComments = true

	sourceModule := f.parse(name, source.Source, parseOptions)
	sourceModule.Type = source.Type
	sourceModule.EnvironmentName = environmentName

	trace := TraceRequires(sourceModule.Root, name)
	f.requireTrace[name] = trace

	node, existed := f.sourceNodes[name]
	if !existed {
		node = &SourceNode{AutocompleteLimitsMult: 1}
		f.sourceNodes[name] = node
	}

	f.sourceModules[name] = sourceModule

	node.Name = name
	node.RequireSet = make(map[ModuleName]struct{})
	node.RequireLocations = trace.Requires
	node.DirtySourceModule = false

	if !existed {
		node.DirtyModule = true
		node.DirtyModuleForAutocomplete = true
	}

	for _, req := range trace.Requires {
		node.RequireSet[req.Name] = struct{}{}
	}

	return node, sourceModule
}

// parse runs the parser collaborator and folds the result into a
// SourceModule. A file with syntax errors still checks with whatever tree
// was recovered — an empty root if none — which suppresses spurious unknown
// require errors for modules that merely fail to parse.
func (f *Frontend) parse(name ModuleName, src string, parseOptions parser.ParseOptions) *SourceModule {
	sourceModule := &SourceModule{}

	parseStart := time.Now()
	parseResult := f.parser.Parse(name, src, parseOptions)
	f.stats.TimeParse += time.Since(parseStart).Seconds()

	f.stats.Files++
	f.stats.Lines += parseResult.Lines

	sourceModule.ParseErrors = parseResult.Errors

	if len(parseResult.Errors) == 0 || parseResult.Root != nil {
		sourceModule.Root = parseResult.Root
		sourceModule.Mode, sourceModule.HasMode = ParseMode(parseResult.HotComments)
	} else {
		sourceModule.Root = &ast.StatBlock{}
		sourceModule.Mode, sourceModule.HasMode = ModeNoCheck, true
	}

	sourceModule.Name = name
	sourceModule.Lines = parseResult.Lines

	if parseOptions.CaptureComments {
		sourceModule.CommentLocations = parseResult.CommentLocations
		sourceModule.HotComments = parseResult.HotComments
	}

	return sourceModule
}

// getModuleEnvironment computes the scope a module is checked in: the global
// scope, then a named environment override, then a child scope binding every
// config-listed extra global to the any type.
func (f *Frontend) getModuleEnvironment(sourceModule *SourceModule, config *Config, forAutocomplete bool) *Scope {
	var result *Scope
	if forAutocomplete {
		result = f.checkerForAutocomplete.GlobalScope()
	} else {
		result = f.checker.GlobalScope()
	}

	if sourceModule.EnvironmentName != "" {
		if scope, ok := f.environments[sourceModule.EnvironmentName]; ok {
			result = scope
		}
	}

	if len(config.Globals) > 0 {
		result = NewScope(result)

		anyType := f.globalType(TypeAny)
		for _, global := range config.Globals {
			result.Bindings[global] = anyType
		}
	}

	return result
}

// globalType allocates shared primitive types in the frontend-owned arena.
func (f *Frontend) globalType(kind TypeKind) *Type {
	return f.globalTypes.Add(Type{Kind: kind})
}

// ---------------------------------------------------------------------------
// Dirty tracking
// ---------------------------------------------------------------------------

// MarkDirty invalidates a module and every module that transitively requires
// it, in all caches. The parsed source is evicted so the next check
// reparses, but the SourceNode itself is kept as the reparse trigger.
// markedDirty, when non-nil, receives every name that was visited.
func (f *Frontend) MarkDirty(name ModuleName, markedDirty *[]ModuleName) {
	if f.moduleResolver.modules[name] == nil && f.moduleResolverForAutocomplete.modules[name] == nil {
		return
	}

	// The reverse dependency map is rebuilt per call; O(V+E) but trivially
	// correct against any sequence of reparses.
	reverseDeps := make(map[ModuleName][]ModuleName)
	for moduleName, node := range f.sourceNodes {
		for dep := range node.RequireSet {
			reverseDeps[dep] = append(reverseDeps[dep], moduleName)
		}
	}

	queue := []ModuleName{name}
	count := 0

	for len(queue) > 0 {
		next := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		sourceNode, ok := f.sourceNodes[next]
		if !ok {
			continue
		}

		if markedDirty != nil {
			*markedDirty = append(*markedDirty, next)
		}

		if sourceNode.DirtySourceModule && sourceNode.DirtyModule && sourceNode.DirtyModuleForAutocomplete {
			continue
		}

		sourceNode.DirtySourceModule = true
		sourceNode.DirtyModule = true
		sourceNode.DirtyModuleForAutocomplete = true
		count++

		delete(f.sourceModules, next)

		queue = append(queue, reverseDeps[next]...)
	}

	log.Debugf("markDirty %s: %d modules invalidated", name, count)
}

// ---------------------------------------------------------------------------
// Lint
// ---------------------------------------------------------------------------

// Lint runs the lint collaborator over a module, combining project
// configuration, hot-comment suppressions and mode-specific rule tweaks,
// and partitions the warnings by configured severity.
func (f *Frontend) Lint(name ModuleName, enabledLintWarnings *LintOptions) (LintResult, error) {
	_, sourceModule := f.getSourceNode(name)
	if sourceModule == nil {
		// A module the file resolver cannot read lints as empty.
		return LintResult{}, nil
	}

	return f.lintModule(sourceModule, enabledLintWarnings)
}

func (f *Frontend) lintModule(sourceModule *SourceModule, enabledLintWarnings *LintOptions) (LintResult, error) {
	if f.linter == nil {
		return LintResult{}, nil
	}

	config := f.configResolver.GetConfig(sourceModule.Name)

	ignoreLints := ParseLintMask(sourceModule.HotComments)

	options := config.EnabledLint
	if enabledLintWarnings != nil {
		options = *enabledLintWarnings
	}
	options.WarningMask &^= ignoreLints

	mode := config.Mode
	if sourceModule.HasMode {
		mode = sourceModule.Mode
	}

	// The checker already reports unknown globals outside NoCheck mode, and
	// strict mode makes implicit returns a type error.
	if mode != ModeNoCheck {
		options.DisableWarning(LintUnknownGlobal)
	}
	if mode == ModeStrict {
		options.DisableWarning(LintImplicitReturn)
	}

	environmentScope := f.getModuleEnvironment(sourceModule, config, false)

	module := f.moduleResolver.GetModule(sourceModule.Name)

	lintStart := time.Now()
	warnings := f.linter.Lint(sourceModule.Root, environmentScope, module, sourceModule.HotComments, options)
	f.stats.TimeLint += time.Since(lintStart).Seconds()

	return classifyLints(warnings, config), nil
}

func classifyLints(warnings []LintWarning, config *Config) LintResult {
	var result LintResult
	for _, w := range warnings {
		if config.LintErrors || config.FatalLint.IsEnabled(w.Code) {
			result.Errors = append(result.Errors, w)
		} else {
			result.Warnings = append(result.Warnings, w)
		}
	}
	return result
}

// ---------------------------------------------------------------------------
// Environments and definition modules
// ---------------------------------------------------------------------------

// GetSourceModule returns the cached parsed module, if any.
func (f *Frontend) GetSourceModule(name ModuleName) *SourceModule {
	return f.sourceModules[name]
}

// GetGlobalScope returns the global scope of the normal-mode checker.
func (f *Frontend) GetGlobalScope() *Scope {
	return f.checker.GlobalScope()
}

// AddEnvironment creates a named environment scope derived from the global
// scope.
func (f *Frontend) AddEnvironment(environmentName string) *Scope {
	if scope, ok := f.environments[environmentName]; ok {
		return scope
	}

	scope := NewScope(f.checker.GlobalScope())
	f.environments[environmentName] = scope
	return scope
}

// GetEnvironmentScope returns a previously added environment scope.
func (f *Frontend) GetEnvironmentScope(environmentName string) (*Scope, bool) {
	scope, ok := f.environments[environmentName]
	return scope, ok
}

// RegisterBuiltinDefinition registers an applicator that can inject builtin
// bindings into an environment.
func (f *Frontend) RegisterBuiltinDefinition(name string, applicator func(ModuleChecker, *Scope)) {
	if _, ok := f.builtinDefinitions[name]; !ok {
		f.builtinDefinitions[name] = applicator
	}
}

// ApplyBuiltinDefinitionToEnvironment runs a registered applicator against a
// named environment.
func (f *Frontend) ApplyBuiltinDefinitionToEnvironment(environmentName, definitionName string) {
	applicator, ok := f.builtinDefinitions[definitionName]
	if !ok {
		return
	}
	if scope, ok := f.environments[environmentName]; ok {
		applicator(f.checker, scope)
	}
}

// LoadDefinitionResult reports the outcome of loading a definition module.
type LoadDefinitionResult struct {
	Success     bool
	ParseErrors []parser.ParseError
	Module      *Module
}

// LoadDefinitionModule checks a definition file and persists its declared
// globals and exported types into the target scope (the checker's global
// scope by default). Definition sources use the declaration grammar.
func (f *Frontend) LoadDefinitionModule(source, packageName string, targetScope *Scope) LoadDefinitionResult {
	parseOptions := parser.ParseOptions{CaptureComments: true, AllowDeclarationSyntax: true}
	parseResult := f.parser.Parse(packageName, source, parseOptions)

	if len(parseResult.Errors) > 0 {
		return LoadDefinitionResult{ParseErrors: parseResult.Errors}
	}

	sourceModule := &SourceModule{
		Name:    packageName,
		Root:    parseResult.Root,
		Mode:    ModeDefinition,
		HasMode: true,
	}

	module := f.checker.Check(sourceModule, f.moduleResolver, CheckRequest{
		Mode:        ModeDefinition,
		Environment: f.checker.GlobalScope(),
	})
	if module == nil || len(module.Errors) > 0 {
		return LoadDefinitionResult{Module: module}
	}

	if targetScope == nil {
		targetScope = f.checker.GlobalScope()
	}

	cloneState := CloneState{}
	for name, ty := range module.DeclaredGlobals {
		targetScope.Bindings[name] = Clone(ty, &f.globalTypes, &cloneState)
	}
	for name, ty := range module.ExportedTypeBindings {
		if targetScope.ExportedTypeBindings == nil {
			targetScope.ExportedTypeBindings = make(map[string]*Type)
		}
		targetScope.ExportedTypeBindings[name] = Clone(ty, &f.globalTypes, &cloneState)
	}

	return LoadDefinitionResult{Success: true, ParseErrors: parseResult.Errors, Module: module}
}

// ---------------------------------------------------------------------------
// Module resolver
// ---------------------------------------------------------------------------

// frontendModuleResolver exposes one of the frontend's module caches through
// the ModuleResolver interface the checker consumes.
type frontendModuleResolver struct {
	frontend *Frontend
	modules  map[ModuleName]*Module
}

func (r *frontendModuleResolver) ResolveModuleInfo(currentModuleName ModuleName, pathExpr ast.Expr) (ModuleInfo, bool) {
	trace, ok := r.frontend.requireTrace[currentModuleName]
	if !ok {
		// The module bypassed the frontend entirely; requires cannot
		// resolve.
		return ModuleInfo{}, false
	}

	info, ok := trace.Exprs[pathExpr]
	return info, ok
}

func (r *frontendModuleResolver) GetModule(name ModuleName) *Module {
	return r.modules[name]
}

func (r *frontendModuleResolver) ModuleExists(name ModuleName) bool {
	_, ok := r.frontend.sourceNodes[name]
	return ok
}

func (r *frontendModuleResolver) GetHumanReadableModuleName(name ModuleName) string {
	return r.frontend.fileResolver.GetHumanReadableModuleName(name)
}
