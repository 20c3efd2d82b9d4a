package callgraph

import (
	"fmt"

	"github.com/zboralski/lattice"

	"ehscope/internal/analysis"
	"ehscope/internal/disasm"
	"ehscope/internal/lsda"
)

// Site is a call-site range with its resolved action. Addresses are absolute.
type Site struct {
	Start, End uint64
	Action     lsda.Action
}

// FuncInfo holds the data needed to build the landing-pad graph and CFG
// for one function.
type FuncInfo struct {
	Name  string
	Begin uint64
	Sites []Site
	Insts []disasm.Inst // optional; without it the CFG has one block per site
}

// FromFunction converts a decoded exception table. Indexed-mode sites have
// no address range and are attached to the function entry.
func FromFunction(fn analysis.Function, insts []disasm.Inst) FuncInfo {
	fi := FuncInfo{Name: fn.Name, Begin: fn.Begin, Insts: insts}
	for _, cs := range fn.Sites {
		start := fn.Begin + cs.Start
		fi.Sites = append(fi.Sites, Site{Start: start, End: start + cs.Length, Action: cs.Outcome(fn.LPBase)})
	}
	for _, s := range fn.Indexed {
		fi.Sites = append(fi.Sites, Site{Start: fn.Begin, End: fn.Begin, Action: s.Outcome()})
	}
	return fi
}

// PadName names a landing-pad node.
func PadName(fn string, a lsda.Action) string {
	return fmt.Sprintf("%s@0x%x", fn, a.LandingPad)
}

// BuildCallGraph constructs a lattice.Graph with one node per function and
// one per landing pad. Each function has an edge to each of its landing
// pads; sites without a landing pad add no edge.
func BuildCallGraph(funcs []FuncInfo) *lattice.Graph {
	g := &lattice.Graph{}
	seen := make(map[string]bool)
	node := func(name string) {
		if !seen[name] {
			seen[name] = true
			g.Nodes = append(g.Nodes, name)
		}
	}
	for _, f := range funcs {
		node(f.Name)
		for _, s := range f.Sites {
			if s.Action.Kind != lsda.Cleanup && s.Action.Kind != lsda.Catch {
				continue
			}
			pad := PadName(f.Name, s.Action)
			node(pad)
			g.Edges = append(g.Edges, lattice.Edge{Caller: f.Name, Callee: pad})
		}
	}
	g.Dedup()
	return g
}
