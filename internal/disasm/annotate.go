package disasm

import (
	"fmt"
	"sort"
)

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation.
type Annotator func(inst Inst) string

// AddrAnnotator annotates instructions at exact addresses.
func AddrAnnotator(notes map[uint64]string) Annotator {
	return func(inst Inst) string {
		return notes[inst.Addr]
	}
}

// Range is a half-open address range with a note.
type Range struct {
	Start, End uint64
	Note       string
}

// RangeAnnotator annotates the first instruction of each range and marks
// instructions that end it. Ranges must not overlap.
func RangeAnnotator(ranges []Range) Annotator {
	rs := append([]Range(nil), ranges...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	return func(inst Inst) string {
		i := sort.Search(len(rs), func(i int) bool { return rs[i].End > inst.Addr })
		if i == len(rs) || inst.Addr < rs[i].Start {
			return ""
		}
		r := rs[i]
		end := inst.Addr + uint64(inst.Size())
		switch {
		case inst.Addr == r.Start && end >= r.End:
			return r.Note
		case inst.Addr == r.Start:
			return r.Note + " {"
		case end >= r.End:
			return fmt.Sprintf("} 0x%x", r.Start)
		}
		return ""
	}
}

// BranchAnnotator names in-function branch targets from a symbol lookup.
func BranchAnnotator(lookup SymbolLookup) Annotator {
	return func(inst Inst) string {
		if inst.Branch == nil || inst.Branch.Target == 0 {
			return ""
		}
		if name, ok := lookup(inst.Branch.Target); ok {
			return "-> " + name
		}
		return ""
	}
}
