package disasm

import "golang.org/x/arch/x86/x86asm"

// BranchInfo describes a decoded branch instruction.
type BranchInfo struct {
	Target uint64 // absolute target address (0 if RET or indirect)
	Cond   bool   // true if conditional (has fallthrough)
	IsRet  bool   // true if RET
}

// Terminator reports whether the instruction ends straight-line flow:
// a return or an unconditional branch.
func (i Inst) Terminator() bool {
	return i.Branch != nil && !i.Branch.Cond
}

// decodeARM64Branch decodes a branch instruction from its raw encoding at
// pc. Returns nil if the instruction is not a branch/ret. BL/BLR are calls
// and return nil.
func decodeARM64Branch(raw uint32, pc uint64) *BranchInfo {
	rel := func(imm uint32, bits int) uint64 {
		return uint64(int64(pc) + int64(signExtend(imm, bits))*4)
	}
	switch {
	// RET {Xn}
	case raw&0xFFFFFC1F == 0xD65F0000:
		return &BranchInfo{IsRet: true}
	// BR Xn
	case raw&0xFFFFFC1F == 0xD61F0000:
		return &BranchInfo{}
	// B imm26
	case raw&0xFC000000 == 0x14000000:
		return &BranchInfo{Target: rel(raw&0x03FFFFFF, 26)}
	// B.cond imm19
	case raw&0xFF000010 == 0x54000000:
		return &BranchInfo{Target: rel((raw>>5)&0x7FFFF, 19), Cond: true}
	// CBZ/CBNZ imm19
	case raw&0x7E000000 == 0x34000000:
		return &BranchInfo{Target: rel((raw>>5)&0x7FFFF, 19), Cond: true}
	// TBZ/TBNZ imm14
	case raw&0x7E000000 == 0x36000000:
		return &BranchInfo{Target: rel((raw>>5)&0x3FFF, 14), Cond: true}
	}
	return nil
}

// signExtend sign-extends a value from the given bit width to int32.
func signExtend(val uint32, bits int) int32 {
	sign := uint32(1) << (bits - 1)
	mask := sign - 1
	if val&sign != 0 {
		return int32(val | ^mask)
	}
	return int32(val & mask)
}

var x86Cond = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JE: true, x86asm.JECXZ: true, x86asm.JG: true,
	x86asm.JGE: true, x86asm.JL: true, x86asm.JLE: true, x86asm.JNE: true,
	x86asm.JNO: true, x86asm.JNP: true, x86asm.JNS: true, x86asm.JO: true,
	x86asm.JP: true, x86asm.JRCXZ: true, x86asm.JS: true,
}

func decodeX86Branch(d x86asm.Inst, pc uint64) *BranchInfo {
	switch {
	case d.Op == x86asm.RET || d.Op == x86asm.LRET:
		return &BranchInfo{IsRet: true}
	case d.Op == x86asm.UD2 || d.Op == x86asm.HLT:
		return &BranchInfo{}
	case d.Op == x86asm.JMP || x86Cond[d.Op]:
		bi := &BranchInfo{Cond: d.Op != x86asm.JMP}
		if rel, ok := d.Args[0].(x86asm.Rel); ok {
			bi.Target = uint64(int64(pc) + int64(d.Len) + int64(rel))
		}
		return bi
	}
	return nil
}
