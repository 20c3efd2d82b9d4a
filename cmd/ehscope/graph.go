package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/zboralski/lattice"
	lrender "github.com/zboralski/lattice/render"

	"ehscope/internal/analysis"
	"ehscope/internal/callgraph"
	"ehscope/internal/disasm"
	"ehscope/internal/output"
	"ehscope/internal/render"
)

func cmdGraph(args []string) error {
	c := commonFlags{needsLib: true}
	fs := newFlagSet("graph", &c)
	outDir := fs.String("out", "", "output directory")
	noDisasm := fs.Bool("no-disasm", false, "build CFGs from call sites only")
	maxSteps := fs.Int("max-steps", 0, "instruction cap per function")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if *outDir == "" {
		return errors.New("--out is required")
	}
	log := c.setup()

	b, err := c.open(&log)
	if err != nil {
		return err
	}
	defer b.Close()

	fns, err := b.Functions()
	if err != nil {
		if c.strict {
			return err
		}
		log.Warn().Err(err).Msg("some exception tables failed to decode")
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	arch, archErr := disasm.ArchFor(b.File.Machine())
	if archErr != nil && !*noDisasm {
		log.Warn().Err(archErr).Msg("no disassembler, CFGs built from call sites")
	}

	infos := make([]callgraph.FuncInfo, 0, len(fns))
	cfgCount := 0
	for _, fn := range fns {
		var insts []disasm.Inst
		if !*noDisasm && archErr == nil {
			insts = functionInsts(b, fn, arch, *maxSteps, &log)
		}
		fi := callgraph.FromFunction(fn, insts)
		infos = append(infos, fi)

		lcfg, nblocks := callgraph.BuildFuncCFG(fi)
		if nblocks <= 1 {
			continue
		}
		name := fileName(fn.Name)
		g := &lattice.CFGGraph{Funcs: []*lattice.FuncCFG{lcfg}}
		if err := output.WriteDOT(*outDir, filepath.Join("cfg", name), lrender.DOTCFG(g, fn.Name)); err != nil {
			return err
		}
		if len(insts) > 0 {
			dcfg := callgraph.Disassembled(fi)
			dot := render.CFGDOT(dcfg, callgraph.UnwindEdges(fi, &dcfg), render.NASA)
			if err := output.WriteDOT(*outDir, filepath.Join("bb", name), dot); err != nil {
				return err
			}
		}
		cfgCount++
	}

	title := filepath.Base(c.lib)
	cg := callgraph.BuildCallGraph(infos)
	if err := output.WriteDOT(*outDir, "callgraph", lrender.DOT(cg, title)); err != nil {
		return err
	}
	if err := output.WriteDOT(*outDir, "pads", render.PadsDOT(infos, title, render.NASA)); err != nil {
		return err
	}
	if err := output.WriteFunctionsJSON(*outDir, fns); err != nil {
		return err
	}
	if err := output.WriteSymbolsJSON(*outDir, symbolEntries(b)); err != nil {
		return err
	}

	log.Info().
		Str("dir", *outDir).
		Int("functions", len(fns)).
		Int("nodes", len(cg.Nodes)).
		Int("edges", len(cg.Edges)).
		Int("cfgs", cfgCount).
		Msg("wrote landing-pad graphs")
	return nil
}

// functionInsts disassembles the body of fn. Failures are logged and yield
// no instructions.
func functionInsts(b *analysis.Binary, fn analysis.Function, arch disasm.Arch, maxSteps int, log *zerolog.Logger) []disasm.Inst {
	if fn.Size == 0 {
		return nil
	}
	code, err := b.File.ReadBytesAtVA(fn.Begin, int(fn.Size))
	if err != nil {
		log.Debug().Err(err).Str("func", fn.Name).Msg("read code")
		return nil
	}
	return disasm.Disassemble(code, disasm.Options{
		Arch:     arch,
		BaseAddr: fn.Begin,
		MaxSteps: maxSteps,
	})
}

func symbolEntries(b *analysis.Binary) []output.SymbolEntry {
	syms := b.File.Functions()
	out := make([]output.SymbolEntry, 0, len(syms))
	for _, s := range syms {
		out = append(out, output.SymbolEntry{Address: s.Addr, Name: s.Name, Size: s.Size})
	}
	return out
}
