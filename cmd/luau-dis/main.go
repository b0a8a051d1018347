// luau-dis loads a compiled bytecode blob and prints its prototypes and
// their IR translation, either as text or as a canonical CBOR snapshot.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/mjansson/luau/pkg/bytecode"
	"github.com/mjansson/luau/pkg/codegen"
	"github.com/mjansson/luau/vm"
)

func main() {
	emitIR := flag.Bool("ir", false, "Translate prototypes to IR and dump it")
	emitCBOR := flag.Bool("cbor", false, "Emit a CBOR snapshot instead of text (implies -ir)")
	verbose := flag.Int("v", 0, "Log verbosity")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: luau-dis [options] file.luauc\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	path := flag.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
		os.Exit(1)
	}

	L := vm.NewState()
	if vm.Load(L, path, data, 0) != 0 {
		fmt.Fprintf(os.Stderr, "%s\n", vm.ToDisplayString(L.Pop()))
		os.Exit(1)
	}

	cl := L.Pop().AsClosure()
	dumpProto(cl.Proto, *emitIR || *emitCBOR, *emitCBOR)
}

func dumpProto(p *vm.Proto, emitIR, emitCBOR bool) {
	name := "main"
	if p.DebugName != nil {
		name = p.DebugName.Data
	}
	fmt.Printf("; proto %s: %d instructions, %d constants, %d children\n", name, len(p.Code), len(p.K), len(p.P))

	for pc := 0; pc < len(p.Code); {
		insn := p.Code[pc]
		op := bytecode.InsnOp(insn)
		fmt.Printf("%4d: %-14s A=%d B=%d C=%d D=%d\n", pc, op,
			bytecode.InsnA(insn), bytecode.InsnB(insn), bytecode.InsnC(insn), bytecode.InsnD(insn))
		pc += op.Length()
	}

	if emitIR {
		f, err := codegen.Translate(p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "IR translation failed: %v\n", err)
			os.Exit(1)
		}

		if emitCBOR {
			blob, err := codegen.MarshalSnapshot(f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Snapshot failed: %v\n", err)
				os.Exit(1)
			}
			os.Stdout.Write(blob)
		} else {
			fmt.Println()
			fmt.Print(codegen.Dump(f))
		}
	}

	for _, child := range p.P {
		dumpProto(child, emitIR, emitCBOR)
	}
}
