package main

import (
	"errors"
	"fmt"

	"ehscope/internal/analysis"
	"ehscope/internal/callgraph"
	"ehscope/internal/disasm"
	"ehscope/internal/lsda"
	"ehscope/internal/output"
)

func cmdDisasm(args []string) error {
	c := commonFlags{needsLib: true}
	fs := newFlagSet("disasm", &c)
	name := fs.String("func", "", "function name or address inside it (0x...)")
	padsOnly := fs.Bool("pads", false, "only disassemble landing pads, each up to its first terminator")
	outDir := fs.String("out", "", "write asm/<func>.txt instead of printing")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if *name == "" {
		return errors.New("--func is required")
	}
	log := c.setup()

	b, err := c.open(&log)
	if err != nil {
		return err
	}
	defer b.Close()

	arch, err := disasm.ArchFor(b.File.Machine())
	if err != nil {
		return err
	}
	fde, err := b.FindFunction(*name)
	if err != nil {
		return err
	}
	fn, derr := b.Decode(fde)
	if derr != nil {
		log.Warn().Err(derr).Msg("partial exception table")
	}

	code, err := b.File.ReadBytesAtVA(fn.Begin, int(fn.Size))
	if err != nil {
		return fmt.Errorf("read %s: %w", fn.Name, err)
	}
	lookup := symbolLookup(b)
	opts := disasm.Options{Arch: arch, BaseAddr: fn.Begin, Symbols: lookup}
	fi := callgraph.FromFunction(fn, nil)
	anns := []disasm.Annotator{
		disasm.AddrAnnotator(padNotes(fi)),
		disasm.RangeAnnotator(siteRanges(fi)),
		disasm.BranchAnnotator(lookup),
	}

	if !*padsOnly {
		insts := disasm.Disassemble(code, opts)
		if *outDir != "" {
			return output.WriteASM(*outDir, fileName(fn.Name), insts, lookup, anns...)
		}
		fmt.Fprint(stdout, disasm.Format(insts, lookup, anns...))
		return nil
	}

	opts.StopAtTerminator = true
	for _, pad := range fn.LandingPads() {
		if pad < fn.Begin || pad >= fn.Begin+fn.Size {
			log.Warn().Msgf("landing pad 0x%x outside %s", pad, fn.Name)
			continue
		}
		off := pad - fn.Begin
		opts.BaseAddr = pad
		insts := disasm.Disassemble(code[off:], opts)
		fmt.Fprintf(stdout, "landing pad 0x%x (%s+0x%x):\n", pad, fn.Name, off)
		fmt.Fprint(stdout, disasm.Format(insts, nil, anns...))
		fmt.Fprintln(stdout)
	}
	return nil
}

func symbolLookup(b *analysis.Binary) disasm.SymbolLookup {
	return func(addr uint64) (string, bool) {
		s, ok := b.File.SymbolAt(addr)
		if !ok || s.Addr != addr {
			return "", false
		}
		return s.Name, true
	}
}

// padNotes labels landing-pad entry instructions with the actions that
// reach them.
func padNotes(fi callgraph.FuncInfo) map[uint64]string {
	notes := make(map[uint64]string)
	for _, s := range fi.Sites {
		if s.Action.Kind != lsda.Cleanup && s.Action.Kind != lsda.Catch {
			continue
		}
		if n, ok := notes[s.Action.LandingPad]; ok {
			if n != "landing pad: "+s.Action.Kind.String() {
				notes[s.Action.LandingPad] = "landing pad: cleanup+catch"
			}
			continue
		}
		notes[s.Action.LandingPad] = "landing pad: " + s.Action.Kind.String()
	}
	return notes
}

func siteRanges(fi callgraph.FuncInfo) []disasm.Range {
	var out []disasm.Range
	for i, s := range fi.Sites {
		if s.End <= s.Start {
			continue
		}
		out = append(out, disasm.Range{
			Start: s.Start,
			End:   s.End,
			Note:  fmt.Sprintf("site %d: %s", i, s.Action),
		})
	}
	return out
}
