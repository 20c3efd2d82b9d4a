package output

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/fatih/color"

	"ehscope/internal/analysis"
	"ehscope/internal/lsda"
)

var (
	colorCleanup   = color.New(color.FgCyan).SprintFunc()
	colorCatch     = color.New(color.Bold, color.FgHiGreen).SprintFunc()
	colorTerminate = color.New(color.Bold, color.FgRed).SprintFunc()
	colorNone      = color.New(color.Faint).SprintFunc()
	colorName      = color.New(color.Bold).SprintFunc()
	colorAddr      = color.New(color.Faint).SprintfFunc()
	colorErr       = color.New(color.FgYellow).SprintFunc()
)

// KindString returns the action kind name, colored when color output is on.
func KindString(k lsda.Kind) string {
	switch k {
	case lsda.Cleanup:
		return colorCleanup(k)
	case lsda.Catch:
		return colorCatch(k)
	case lsda.Terminate:
		return colorTerminate(k)
	}
	return colorNone(k)
}

// ActionString formats an action with its landing pad.
func ActionString(a lsda.Action) string {
	switch a.Kind {
	case lsda.Cleanup, lsda.Catch:
		return fmt.Sprintf("%s -> %s", KindString(a.Kind), colorAddr("0x%x", a.LandingPad))
	}
	return KindString(a.Kind)
}

// Summary is one line of a scan report.
type Summary struct {
	Name  string `json:"name"`
	Begin uint64 `json:"begin"`
	Size  uint64 `json:"size"`
	LSDA  uint64 `json:"lsda"`
	Sites int    `json:"call_sites"`
	Pads  int    `json:"landing_pads"`
	Error string `json:"error,omitempty"`
}

// Summarize reduces decoded functions to scan report lines.
func Summarize(fns []analysis.Function) []Summary {
	out := make([]Summary, 0, len(fns))
	for i := range fns {
		fn := &fns[i]
		out = append(out, Summary{
			Name:  fn.Name,
			Begin: fn.Begin,
			Size:  fn.Size,
			LSDA:  fn.LSDA,
			Sites: len(fn.Sites) + len(fn.Indexed),
			Pads:  len(fn.LandingPads()),
			Error: fn.Error,
		})
	}
	return out
}

// WriteFunctionsJSON writes decoded functions to functions.json.
func WriteFunctionsJSON(dir string, fns []analysis.Function) error {
	return writeJSON(filepath.Join(dir, "functions.json"), fns)
}

// WriteScan writes one line per function: address, size, LSDA, site and
// landing-pad counts, and any decode error.
func WriteScan(w io.Writer, fns []analysis.Function) {
	for _, s := range Summarize(fns) {
		fmt.Fprintf(w, "%s %6d lsda=%s sites=%-3d pads=%-3d %s",
			colorAddr("0x%08x", s.Begin), s.Size, colorAddr("0x%x", s.LSDA), s.Sites, s.Pads, colorName(s.Name))
		if s.Error != "" {
			fmt.Fprintf(w, "  %s", colorErr(s.Error))
		}
		fmt.Fprintln(w)
	}
}

// WriteSites writes the LSDA header and call-site table of fn.
func WriteSites(w io.Writer, fn *analysis.Function) {
	fmt.Fprintf(w, "%s @ 0x%x size=0x%x\n", colorName(fn.Name), fn.Begin, fn.Size)
	if fn.LSDA == 0 {
		fmt.Fprintln(w, "  no LSDA")
		return
	}
	h := fn.Header
	fmt.Fprintf(w, "  lsda        0x%x\n", fn.LSDA)
	fmt.Fprintf(w, "  lpstart     %s 0x%x\n", h.LPBaseEncoding, h.LPBase)
	fmt.Fprintf(w, "  ttype       %s", h.TTypeEncoding)
	if h.TTypeEncoding != lsda.EncOmit {
		fmt.Fprintf(w, " +0x%x", h.TTypeOffset)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  call sites  %s len=%d at 0x%x\n", h.CallSiteEncoding, h.CallSiteTableLen, h.CallSiteTable)
	fmt.Fprintf(w, "  actions     0x%x\n", h.ActionTable)

	for i, cs := range fn.Sites {
		start := fn.Begin + cs.Start
		fmt.Fprintf(w, "  [%2d] 0x%x-0x%x action=%d  %s\n",
			i, start, start+cs.Length, cs.Action, ActionString(cs.Outcome(fn.LPBase)))
	}
	for _, s := range fn.Indexed {
		fmt.Fprintf(w, "  [%2d] action=%d  %s\n", s.Index, s.Action, ActionString(s.Outcome()))
	}
	if fn.Error != "" {
		fmt.Fprintf(w, "  %s\n", colorErr(fn.Error))
	}
}

// WriteResolution writes a one-line resolution result. An IP below the
// function start is a call-site index.
func WriteResolution(w io.Writer, r analysis.Resolution) {
	if r.IP < r.FuncStart || int64(r.IP) < 0 {
		fmt.Fprintf(w, "index %d in %s: %s\n", int64(r.IP), colorName(r.Func), ActionString(r.Action))
		return
	}
	fmt.Fprintf(w, "0x%x in %s+0x%x: %s\n", r.IP, colorName(r.Func), r.IP-r.FuncStart, ActionString(r.Action))
}
