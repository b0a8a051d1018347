package server

import (
	"sort"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/mjansson/luau/pkg/analysis"
	"github.com/mjansson/luau/pkg/ast"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "luau-lsp"

// OverlayResolver is a file resolver whose contents come from open editor
// documents, with an optional fallback to an underlying resolver for modules
// that are not open.
type OverlayResolver struct {
	mu       sync.Mutex
	docs     map[analysis.ModuleName]string
	Fallback analysis.FileResolver
}

// NewOverlayResolver creates an empty overlay.
func NewOverlayResolver(fallback analysis.FileResolver) *OverlayResolver {
	return &OverlayResolver{docs: make(map[analysis.ModuleName]string), Fallback: fallback}
}

// Set installs document text for a module.
func (r *OverlayResolver) Set(name analysis.ModuleName, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[name] = text
}

// Remove drops a document overlay.
func (r *OverlayResolver) Remove(name analysis.ModuleName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, name)
}

// ReadSource implements analysis.FileResolver.
func (r *OverlayResolver) ReadSource(name analysis.ModuleName) (analysis.SourceCode, bool) {
	r.mu.Lock()
	text, ok := r.docs[name]
	r.mu.Unlock()
	if ok {
		return analysis.SourceCode{Source: text, Type: analysis.SourceTypeModule}, true
	}
	if r.Fallback != nil {
		return r.Fallback.ReadSource(name)
	}
	return analysis.SourceCode{}, false
}

// GetEnvironmentForModule implements analysis.FileResolver.
func (r *OverlayResolver) GetEnvironmentForModule(name analysis.ModuleName) (string, bool) {
	if r.Fallback != nil {
		return r.Fallback.GetEnvironmentForModule(name)
	}
	return "", false
}

// GetHumanReadableModuleName implements analysis.FileResolver.
func (r *OverlayResolver) GetHumanReadableModuleName(name analysis.ModuleName) string {
	if r.Fallback != nil {
		return r.Fallback.GetHumanReadableModuleName(name)
	}
	return name
}

// LspServer bridges LSP editor features to the analysis frontend via
// FrontendWorker: diagnostics from normal-mode checks, completion and hover
// from the autocomplete-mode cache.
type LspServer struct {
	worker  *FrontendWorker
	overlay *OverlayResolver

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates an LSP server wrapping the given frontend and the overlay
// resolver the frontend reads from.
func NewLSP(f *analysis.Frontend, overlay *OverlayResolver) *LspServer {
	worker := NewFrontendWorker(f)
	s := &LspServer{
		worker:  worker,
		overlay: overlay,
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "Luau LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{".", ":"},
	}

	capabilities.HoverProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.updateDocument(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text.
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			text := whole.Text
			s.mu.Unlock()

			s.updateDocument(ctx, uri, text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	s.overlay.Remove(moduleNameFromURI(uri))

	// Clear diagnostics for the closed document.
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// --- Diagnostics ---

// updateDocument installs new text for a module, invalidates it and every
// dependent, rechecks and publishes the resulting diagnostics.
func (s *LspServer) updateDocument(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	name := moduleNameFromURI(uri)
	s.overlay.Set(name, text)

	result, err := s.worker.Do(func(f *analysis.Frontend) any {
		f.MarkDirty(name, nil)
		checkResult, err := f.Check(name, nil)
		if err != nil {
			return err
		}
		return checkResult
	})
	if err != nil {
		return
	}

	var diagnostics []protocol.Diagnostic
	if checkResult, ok := result.(analysis.CheckResult); ok {
		for _, e := range checkResult.Errors {
			if e.ModuleName != name {
				continue
			}
			severity := protocol.DiagnosticSeverityError
			source := lspName
			diagnostics = append(diagnostics, protocol.Diagnostic{
				Range:    rangeFromLocation(e.Location),
				Severity: &severity,
				Source:   &source,
				Message:  e.Data.Message(),
			})
		}
	}

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	uri := params.TextDocument.URI

	s.mu.Lock()
	text, ok := s.docs[string(uri)]
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	prefix := extractPrefix(text, params.Position)
	name := moduleNameFromURI(uri)

	result, err := s.worker.Do(func(f *analysis.Frontend) any {
		return s.complete(f, name, prefix)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// complete runs an autocomplete-mode check (budgeted, always strict) and
// offers the visible global bindings.
func (s *LspServer) complete(f *analysis.Frontend, name analysis.ModuleName, prefix string) []protocol.CompletionItem {
	opts := &analysis.CheckOptions{ForAutocomplete: true, RetainFullTypeGraphs: true}
	if _, err := f.Check(name, opts); err != nil {
		return nil
	}

	names := make(map[string]string)

	for scope := f.GetGlobalScope(); scope != nil; scope = scope.Parent {
		for bindingName, ty := range scope.Bindings {
			if _, ok := names[bindingName]; !ok {
				names[bindingName] = ty.String()
			}
		}
	}

	var items []protocol.CompletionItem
	for bindingName, detail := range names {
		if prefix != "" && !strings.HasPrefix(bindingName, prefix) {
			continue
		}
		kind := protocol.CompletionItemKindVariable
		detailCopy := detail
		items = append(items, protocol.CompletionItem{
			Label:  bindingName,
			Kind:   &kind,
			Detail: &detailCopy,
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
	return items
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	uri := params.TextDocument.URI

	s.mu.Lock()
	text, ok := s.docs[string(uri)]
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}

	result, err := s.worker.Do(func(f *analysis.Frontend) any {
		if ty, ok := f.GetGlobalScope().Lookup(word); ok {
			return ty.String()
		}
		return nil
	})
	if err != nil || result == nil {
		return nil, nil
	}

	detail, ok := result.(string)
	if !ok {
		return nil, nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindPlainText,
			Value: word + ": " + detail,
		},
	}, nil
}

// --- Helpers ---

// moduleNameFromURI strips the scheme and extension from a document URI to
// produce a module name.
func moduleNameFromURI(uri protocol.DocumentUri) analysis.ModuleName {
	name := string(uri)
	if i := strings.Index(name, "://"); i >= 0 {
		name = name[i+3:]
	} else if i := strings.Index(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimPrefix(name, "/")
	for _, ext := range []string{".luau", ".lua"} {
		if strings.HasSuffix(name, ext) {
			name = strings.TrimSuffix(name, ext)
			break
		}
	}
	return name
}

// rangeFromLocation converts an AST location to an LSP range; both are
// zero-based.
func rangeFromLocation(loc ast.Location) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: loc.Begin.Line, Character: loc.Begin.Column},
		End:   protocol.Position{Line: loc.End.Line, Character: loc.End.Column},
	}
}

// extractPrefix returns the identifier characters immediately before the
// cursor.
func extractPrefix(text string, pos protocol.Position) string {
	line := lineAt(text, int(pos.Line))
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}
	start := col
	for start > 0 && isIdentChar(line[start-1]) {
		start--
	}
	return line[start:col]
}

// extractWord returns the identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	line := lineAt(text, int(pos.Line))
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}
	start := col
	for start > 0 && isIdentChar(line[start-1]) {
		start--
	}
	end := col
	for end < len(line) && isIdentChar(line[end]) {
		end++
	}
	return line[start:end]
}

func lineAt(text string, line int) string {
	lines := strings.Split(text, "\n")
	if line < 0 || line >= len(lines) {
		return ""
	}
	return lines[line]
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func boolPtr(b bool) *bool { return &b }
