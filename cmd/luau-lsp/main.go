// luau-lsp serves analysis diagnostics, completion and hover over the
// Language Server Protocol on stdio.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/mjansson/luau/pkg/analysis"
	"github.com/mjansson/luau/pkg/parser"
	"github.com/mjansson/luau/server"
)

func main() {
	root := flag.String("root", ".", "Project root directory")
	verbose := flag.Int("v", 1, "Log verbosity")
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	config, err := analysis.LoadProjectConfig(*root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading project config: %v\n", err)
		os.Exit(1)
	}

	overlay := server.NewOverlayResolver(&analysis.OSFileResolver{Root: *root})

	frontend := analysis.NewFrontend(
		parser.Simple{},
		overlay,
		&analysis.NullConfigResolver{Config: config},
		analysis.NewBasicChecker,
		analysis.FrontendOptions{RetainFullTypeGraphs: true},
	)
	frontend.SetLinter(analysis.BasicLinter{})

	lsp := server.NewLSP(frontend, overlay)
	if err := lsp.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "LSP server error: %v\n", err)
		os.Exit(1)
	}
}
