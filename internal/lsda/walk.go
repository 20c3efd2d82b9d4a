package lsda

import (
	"fmt"
	"strings"
)

// Mode selects the call-site table layout. It is a property of the target
// and is fixed when a Resolver is built.
type Mode uint8

const (
	// ModeStandard is the DWARF table: sorted (start, length, landing pad,
	// action) records looked up by instruction pointer.
	ModeStandard Mode = iota
	// ModeIndexed is the setjmp/longjmp table: (landing pad, action) pairs
	// selected by a 1-based call-site index stored in place of the IP.
	ModeIndexed
)

func (m Mode) String() string {
	switch m {
	case ModeStandard:
		return "standard"
	case ModeIndexed:
		return "indexed"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode accepts "standard" (or "dwarf") and "indexed" (or "sjlj").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "standard", "dwarf":
		return ModeStandard, nil
	case "indexed", "sjlj":
		return ModeIndexed, nil
	}
	return 0, fmt.Errorf("lsda: unknown mode %q", s)
}

// CallSite is one standard-mode record. Start and Length are offsets from
// the function start; LandingPad is relative to the header's LPBase and zero
// means no landing pad.
type CallSite struct {
	Start      uint64 `json:"start"`
	Length     uint64 `json:"length"`
	LandingPad uint64 `json:"landing_pad"`
	Action     uint64 `json:"action"`
}

// IndexedSite is one indexed-mode record.
type IndexedSite struct {
	Index      uint64 `json:"index"`
	LandingPad uint64 `json:"landing_pad"`
	Action     uint64 `json:"action"`
}

// Outcome returns the action for an IP inside the record, given the
// header's landing-pad base.
func (cs CallSite) Outcome(lpBase uint64) Action {
	if cs.LandingPad == 0 {
		return Action{Kind: NoAction}
	}
	return classify(cs.Action, lpBase+cs.LandingPad)
}

// Outcome returns the action selected by the record's index.
func (s IndexedSite) Outcome() Action {
	return classify(s.Action, s.LandingPad)
}

func readCallSite(c *Cursor, ctx *Context, enc Encoding) (CallSite, error) {
	var cs CallSite
	var err error
	if cs.Start, err = c.ReadEncoded(ctx, enc); err != nil {
		return cs, err
	}
	if cs.Length, err = c.ReadEncoded(ctx, enc); err != nil {
		return cs, err
	}
	if cs.LandingPad, err = c.ReadEncoded(ctx, enc); err != nil {
		return cs, err
	}
	cs.Action = c.ULEB128()
	return cs, c.err
}

// walkStandard scans the call-site table in ascending order. The first
// record starting above the IP ends the scan: the IP sits in a nounwind
// region.
func (r *Resolver) walkStandard(c *Cursor, ctx *Context, h Header) (Action, error) {
	ip := c.mask(ctx.IP)
	var prev uint64
	for n := 0; c.Pos() < h.ActionTable; n++ {
		cs, err := readCallSite(c, ctx, h.CallSiteEncoding)
		if err != nil {
			return Action{}, err
		}
		if r.strict && n > 0 && cs.Start < prev {
			return Action{}, fmt.Errorf("%w: record %d starts at +0x%x after +0x%x",
				ErrUnsortedCallSites, n, cs.Start, prev)
		}
		prev = cs.Start

		lo := c.mask(ctx.FuncStart + cs.Start)
		if ip < lo {
			break
		}
		if ip-lo < cs.Length {
			if cs.LandingPad == 0 {
				return Action{Kind: NoAction}, nil
			}
			return classify(cs.Action, c.mask(h.LPBase+cs.LandingPad)), nil
		}
	}
	return Action{Kind: Terminate}, nil
}

// walkIndexed treats the IP as a control value: all ones means no action,
// zero means terminate, and N > 0 selects the N-th (landing pad, action)
// pair of the call-site table.
func (r *Resolver) walkIndexed(c *Cursor, ctx *Context, h Header) (Action, error) {
	idx := c.mask(ctx.IP)
	switch {
	case idx == c.mask(^uint64(0)):
		return Action{Kind: NoAction}, nil
	case idx == 0:
		return Action{Kind: Terminate}, nil
	case idx > c.mask(^uint64(0))>>1:
		return Action{}, fmt.Errorf("%w: negative index %d", ErrCallSiteIndex, signed(idx, c.width))
	}

	for n := idx; ; n-- {
		if c.Pos() >= h.ActionTable {
			return Action{}, fmt.Errorf("%w: index %d past end of table", ErrCallSiteIndex, idx)
		}
		lpad := c.ULEB128()
		code := c.ULEB128()
		if c.err != nil {
			return Action{}, c.err
		}
		if n == 1 {
			// A zero delta is a valid landing pad here; "no landing pad"
			// is encoded as index -1 instead.
			return classify(code, c.mask(lpad+1)), nil
		}
	}
}

func signed(v uint64, width int) int64 {
	if width == 4 {
		return int64(int32(v))
	}
	return int64(v)
}
