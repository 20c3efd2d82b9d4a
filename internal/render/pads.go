package render

import (
	"fmt"
	"strings"

	"ehscope/internal/callgraph"
	"ehscope/internal/lsda"
)

// PadsDOT renders the call-site tables of funcs as DOT: one cluster per
// function holding a node per call site, with an edge from each site to its
// landing pad. Sites without a landing pad are drawn greyed out with no edge.
// Landing pads shared by several sites are drawn once.
func PadsDOT(funcs []callgraph.FuncInfo, title string, t Theme) string {
	var b strings.Builder
	b.WriteString("digraph pads {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  nodesep=0.2;\n")
	b.WriteString("  ranksep=0.6;\n")
	fmt.Fprintf(&b, "  bgcolor=%q;\n", t.Background)
	fmt.Fprintf(&b, "  node [shape=rect, style=filled, fillcolor=%q, color=%q, penwidth=0.5, fontname=\"Courier,monospace\", fontsize=8, fontcolor=%q, margin=\"0.08,0.04\"];\n",
		t.NodeFill, t.NodeBorder, t.TextColor)
	fmt.Fprintf(&b, "  edge [penwidth=0.7, arrowsize=0.5, arrowhead=vee];\n")
	if title != "" {
		fmt.Fprintf(&b, "  labelloc=t;\n  labeljust=l;\n")
		fmt.Fprintf(&b, "  label=<<font face=\"Helvetica Neue,Helvetica\" point-size=\"10\" color=\"%s\">%s</font>>;\n",
			t.TextColor, dotEscape(title))
	}
	b.WriteByte('\n')

	for fi, f := range funcs {
		if len(f.Sites) == 0 {
			continue
		}
		fmt.Fprintf(&b, "  subgraph cluster_%d {\n", fi)
		fmt.Fprintf(&b, "    color=%q;\n    penwidth=0.5;\n", t.ClusterBorder)
		fmt.Fprintf(&b, "    label=<<font face=\"Helvetica Neue,Helvetica\" point-size=\"8\" color=\"%s\">%s @ 0x%x</font>>;\n",
			t.ClusterLabel, dotEscape(truncLabel(f.Name, 80)), f.Begin)

		padNodes := make(map[uint64]string)
		var edges []string
		for si, s := range f.Sites {
			site := fmt.Sprintf("%s_s%d", dotID(f.Name), si)
			label := fmt.Sprintf("[0x%x, 0x%x)", s.Start, s.End)
			if s.Start == s.End {
				label = fmt.Sprintf("index %d", si)
			}
			if s.Action.Kind == lsda.NoAction || s.Action.Kind == lsda.Terminate {
				fmt.Fprintf(&b, "    %s [label=<%s<br/>%s>, fontcolor=%q, style=\"filled,dashed\"];\n",
					site, dotEscape(label), s.Action.Kind, t.NoPadText)
				continue
			}
			fmt.Fprintf(&b, "    %s [label=<%s>];\n", site, dotEscape(label))

			pad, ok := padNodes[s.Action.LandingPad]
			if !ok {
				pad = fmt.Sprintf("%s_lp%x", dotID(f.Name), s.Action.LandingPad)
				padNodes[s.Action.LandingPad] = pad
				fmt.Fprintf(&b, "    %s [label=<0x%x>, shape=octagon, fillcolor=%q];\n",
					pad, s.Action.LandingPad, t.PadFill)
			}
			c := kindColor(s.Action.Kind, t)
			edges = append(edges, fmt.Sprintf("    %s -> %s [color=%q, label=<<font point-size=\"7\" color=\"%s\">%s</font>>];\n",
				site, pad, c, c, s.Action.Kind))
		}
		for _, e := range edges {
			b.WriteString(e)
		}
		b.WriteString("  }\n")
	}

	b.WriteString("}\n")
	return b.String()
}
