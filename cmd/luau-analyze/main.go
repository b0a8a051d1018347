// luau-analyze checks and lints Luau modules and prints their diagnostics.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/mjansson/luau/pkg/analysis"
	"github.com/mjansson/luau/pkg/parser"
)

func main() {
	root := flag.String("root", ".", "Project root directory")
	modeFlag := flag.String("mode", "", "Override checking mode: nocheck, nonstrict or strict")
	annotate := flag.Bool("lint", true, "Run lint passes in addition to type checking")
	verbose := flag.Int("v", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: luau-analyze [options] modules...\n\n")
		fmt.Fprintf(os.Stderr, "Checks each module (and its requires) against the project configuration\n")
		fmt.Fprintf(os.Stderr, "in <root>/%s and prints every diagnostic found.\n\n", analysis.ConfigFileName)
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  luau-analyze game/main            # check game/main.luau\n")
		fmt.Fprintf(os.Stderr, "  luau-analyze -mode strict lib/a   # strict-check lib/a.luau\n")
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	config, err := analysis.LoadProjectConfig(*root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading project config: %v\n", err)
		os.Exit(1)
	}

	switch *modeFlag {
	case "":
	case "nocheck":
		config.Mode = analysis.ModeNoCheck
	case "nonstrict":
		config.Mode = analysis.ModeNonstrict
	case "strict":
		config.Mode = analysis.ModeStrict
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode %q\n", *modeFlag)
		os.Exit(2)
	}

	frontend := analysis.NewFrontend(
		parser.Simple{},
		&analysis.OSFileResolver{Root: *root},
		&analysis.NullConfigResolver{Config: config},
		analysis.NewBasicChecker,
		analysis.FrontendOptions{},
	)
	frontend.SetLinter(analysis.BasicLinter{})

	failed := false

	for _, name := range flag.Args() {
		name = strings.TrimSuffix(strings.TrimSuffix(name, ".luau"), ".lua")

		result, err := frontend.Check(name, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

		for _, e := range result.Errors {
			fmt.Printf("%s(%s): %s\n", e.ModuleName, e.Location, e.Data.Message())
			failed = true
		}

		if *annotate {
			lintResult, err := frontend.Lint(name, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			for _, w := range lintResult.Errors {
				fmt.Printf("%s(%s): %s: %s\n", name, w.Location, w.Code.Name(), w.Text)
				failed = true
			}
			for _, w := range lintResult.Warnings {
				fmt.Printf("%s(%s): warning %s: %s\n", name, w.Location, w.Code.Name(), w.Text)
			}
		}
	}

	if failed {
		os.Exit(1)
	}
}
