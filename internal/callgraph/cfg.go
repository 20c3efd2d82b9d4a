package callgraph

import (
	"github.com/zboralski/lattice"

	"ehscope/internal/disasm"
	"ehscope/internal/lsda"
)

// BuildCFG constructs a lattice.CFGGraph from the given functions.
func BuildCFG(funcs []FuncInfo) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, f := range funcs {
		lcfg, _ := BuildFuncCFG(f)
		cg.Funcs = append(cg.Funcs, lcfg)
	}
	return cg
}

// BuildFuncCFG builds a single-function lattice.FuncCFG. With instructions
// the blocks come from Disassembled, and every block overlapping a call site
// gets an unwind successor to its landing pad labelled with the action kind.
// Returns the FuncCFG and the number of basic blocks.
func BuildFuncCFG(f FuncInfo) (*lattice.FuncCFG, int) {
	if len(f.Insts) == 0 {
		lcfg := siteCFG(f)
		return lcfg, len(lcfg.Blocks)
	}

	dcfg := Disassembled(f)
	lcfg := convertFuncCFG(&dcfg)
	for _, u := range UnwindEdges(f, &dcfg) {
		lb := lcfg.Blocks[u.From]
		lb.Succs = append(lb.Succs, lattice.Successor{BlockID: u.To, Cond: u.Action.Kind.String()})
		if u.Offset >= 0 {
			lb.Calls = append(lb.Calls, lattice.CallSite{
				Offset: u.Offset,
				Callee: PadName(f.Name, u.Action),
			})
		}
	}
	return lcfg, len(dcfg.Blocks)
}

// Disassembled builds the instruction-level CFG of f, split at call-site
// bounds and landing pads so that every site covers whole blocks.
func Disassembled(f FuncInfo) disasm.FuncCFG {
	var split []uint64
	for _, s := range f.Sites {
		split = append(split, s.Start, s.End)
		if hasPad(s) {
			split = append(split, s.Action.LandingPad)
		}
	}
	return disasm.BuildCFG(f.Name, f.Insts, split...)
}

// Unwind is an exceptional edge from a block inside a call site to the
// block holding its landing pad.
type Unwind struct {
	From, To int
	Action   lsda.Action
	Offset   int // instruction index where the site begins, or -1 if it began in an earlier block
}

// UnwindEdges returns the unwind edges of f over dcfg. Sites without a
// landing pad, and pads outside the disassembled range, produce no edge.
func UnwindEdges(f FuncInfo, dcfg *disasm.FuncCFG) []Unwind {
	var out []Unwind
	for _, s := range f.Sites {
		if !hasPad(s) {
			continue
		}
		pad := dcfg.BlockAt(s.Action.LandingPad)
		if pad < 0 {
			continue
		}
		for _, db := range dcfg.Blocks {
			if db.End <= db.Start {
				continue
			}
			lo, hi := blockRange(dcfg, db)
			if lo >= s.End || hi <= s.Start {
				continue
			}
			u := Unwind{From: db.ID, To: pad, Action: s.Action, Offset: -1}
			if lo <= s.Start {
				idx := db.Start
				for idx < db.End && dcfg.Insts[idx].Addr < s.Start {
					idx++
				}
				u.Offset = idx
			}
			out = append(out, u)
		}
	}
	return out
}

func hasPad(s Site) bool {
	return s.Action.Kind == lsda.Cleanup || s.Action.Kind == lsda.Catch
}

func blockRange(c *disasm.FuncCFG, b disasm.BasicBlock) (lo, hi uint64) {
	first, last := c.Insts[b.Start], c.Insts[b.End-1]
	return first.Addr, last.Addr + uint64(last.Size())
}

// convertFuncCFG maps a disasm.FuncCFG to a lattice.FuncCFG.
func convertFuncCFG(dcfg *disasm.FuncCFG) *lattice.FuncCFG {
	lcfg := &lattice.FuncCFG{Name: dcfg.Name}
	for _, db := range dcfg.Blocks {
		lb := &lattice.BasicBlock{
			ID:    db.ID,
			Start: db.Start,
			End:   db.End,
			Term:  db.IsTerm,
		}
		for _, ds := range db.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{
				BlockID: ds.BlockID,
				Cond:    ds.Cond,
			})
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}

// siteCFG builds a CFG without instructions: one block per call site in
// table order, followed by one terminal block per distinct landing pad.
func siteCFG(f FuncInfo) *lattice.FuncCFG {
	lcfg := &lattice.FuncCFG{Name: f.Name}
	padBlock := make(map[uint64]*lattice.BasicBlock)
	var pads []*lattice.BasicBlock
	for i := range f.Sites {
		lb := &lattice.BasicBlock{ID: i, Start: i, End: i + 1}
		if i+1 < len(f.Sites) {
			lb.Succs = append(lb.Succs, lattice.Successor{BlockID: i + 1})
		} else {
			lb.Term = true
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	for i, s := range f.Sites {
		if !hasPad(s) {
			continue
		}
		pb, ok := padBlock[s.Action.LandingPad]
		if !ok {
			id := len(f.Sites) + len(pads)
			pb = &lattice.BasicBlock{ID: id, Start: id, End: id + 1, Term: true}
			padBlock[s.Action.LandingPad] = pb
			pads = append(pads, pb)
		}
		lb := lcfg.Blocks[i]
		lb.Succs = append(lb.Succs, lattice.Successor{BlockID: pb.ID, Cond: s.Action.Kind.String()})
		lb.Calls = append(lb.Calls, lattice.CallSite{Offset: i, Callee: PadName(f.Name, s.Action)})
	}
	lcfg.Blocks = append(lcfg.Blocks, pads...)
	return lcfg
}
