package disasm

import "sort"

// BasicBlock represents a sequence of instructions with a single entry point.
type BasicBlock struct {
	ID      int
	Start   int    // index into FuncCFG.Insts (inclusive)
	End     int    // index into FuncCFG.Insts (exclusive)
	Succs   []Succ // successor edges
	IsEntry bool
	IsTerm  bool // ends with RET or unconditional branch out of function
}

// Succ describes a control-flow successor edge.
type Succ struct {
	BlockID int
	Cond    string // "" = unconditional, "T" = taken/true, "F" = fallthrough/false
}

// FuncCFG is a per-function control flow graph.
type FuncCFG struct {
	Name   string
	Blocks []BasicBlock
	Insts  []Inst
}

// BlockAt returns the ID of the block starting at addr, or -1.
func (c *FuncCFG) BlockAt(addr uint64) int {
	for _, b := range c.Blocks {
		if b.Start < len(c.Insts) && c.Insts[b.Start].Addr == addr {
			return b.ID
		}
	}
	return -1
}

// BlockContaining returns the ID of the block whose instructions cover addr, or -1.
func (c *FuncCFG) BlockContaining(addr uint64) int {
	for _, b := range c.Blocks {
		if b.End <= b.Start {
			continue
		}
		first, last := c.Insts[b.Start], c.Insts[b.End-1]
		if addr >= first.Addr && addr < last.Addr+uint64(last.Size()) {
			return b.ID
		}
	}
	return -1
}

// BuildCFG constructs a control flow graph from a function's instruction stream.
// The algorithm:
//  1. Find block leaders: index 0, branch targets, instructions after
//     terminators and every address in split (call-site bounds, landing pads).
//  2. Partition instructions into blocks by leaders.
//  3. Compute successor edges from each block's last instruction.
func BuildCFG(name string, insts []Inst, split ...uint64) FuncCFG {
	if len(insts) == 0 {
		return FuncCFG{Name: name, Insts: insts}
	}

	funcStart := insts[0].Addr
	last := insts[len(insts)-1]
	funcEnd := last.Addr + uint64(last.Size())

	addrToIdx := make(map[uint64]int, len(insts))
	for i, inst := range insts {
		addrToIdx[inst.Addr] = i
	}

	// Pass 1: Identify block leaders.
	leaders := map[int]bool{0: true}
	for _, a := range split {
		if idx, ok := addrToIdx[a]; ok {
			leaders[idx] = true
		}
	}
	for i, inst := range insts {
		bi := inst.Branch
		if bi == nil {
			continue
		}
		if i+1 < len(insts) {
			leaders[i+1] = true
		}
		if !bi.IsRet && bi.Target >= funcStart && bi.Target < funcEnd {
			if idx, ok := addrToIdx[bi.Target]; ok {
				leaders[idx] = true
			}
		}
	}

	sorted := make([]int, 0, len(leaders))
	for idx := range leaders {
		sorted = append(sorted, idx)
	}
	sort.Ints(sorted)

	// Pass 2: Partition into blocks.
	blocks := make([]BasicBlock, len(sorted))
	leaderToBlock := make(map[int]int, len(sorted))
	for i, start := range sorted {
		end := len(insts)
		if i+1 < len(sorted) {
			end = sorted[i+1]
		}
		blocks[i] = BasicBlock{
			ID:      i,
			Start:   start,
			End:     end,
			IsEntry: start == 0,
		}
		leaderToBlock[start] = i
	}

	// Pass 3: Compute successors.
	for i := range blocks {
		blk := &blocks[i]
		bi := insts[blk.End-1].Branch

		if bi == nil {
			if nextBlk, ok := leaderToBlock[blk.End]; ok {
				blk.Succs = append(blk.Succs, Succ{BlockID: nextBlk})
			}
			continue
		}
		if bi.IsRet {
			blk.IsTerm = true
			continue
		}

		targetBlockID := -1
		if bi.Target >= funcStart && bi.Target < funcEnd {
			if idx, ok := addrToIdx[bi.Target]; ok {
				if bid, ok := leaderToBlock[idx]; ok {
					targetBlockID = bid
				}
			}
		}

		if bi.Cond {
			if targetBlockID >= 0 {
				blk.Succs = append(blk.Succs, Succ{BlockID: targetBlockID, Cond: "T"})
			}
			if nextBlk, ok := leaderToBlock[blk.End]; ok {
				blk.Succs = append(blk.Succs, Succ{BlockID: nextBlk, Cond: "F"})
			}
		} else if targetBlockID >= 0 {
			blk.Succs = append(blk.Succs, Succ{BlockID: targetBlockID})
		} else {
			// Indirect or out-of-function branch.
			blk.IsTerm = true
		}
	}

	return FuncCFG{Name: name, Blocks: blocks, Insts: insts}
}
