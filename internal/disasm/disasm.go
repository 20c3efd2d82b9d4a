// Package disasm decodes the machine code around landing pads and call
// sites for display.
package disasm

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Arch selects the instruction decoder.
type Arch uint8

const (
	ArchARM64 Arch = iota
	ArchAMD64
	Arch386
)

func (a Arch) String() string {
	switch a {
	case ArchARM64:
		return "arm64"
	case ArchAMD64:
		return "amd64"
	case Arch386:
		return "386"
	}
	return fmt.Sprintf("arch(%d)", uint8(a))
}

// ArchFor returns the decoder for an ELF machine.
func ArchFor(m elf.Machine) (Arch, error) {
	switch m {
	case elf.EM_AARCH64:
		return ArchARM64, nil
	case elf.EM_X86_64:
		return ArchAMD64, nil
	case elf.EM_386:
		return Arch386, nil
	}
	return 0, fmt.Errorf("disasm: no decoder for %s", m)
}

// Inst is a decoded instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Bytes    []byte
	Mnemonic string
	Operands string
	Text     string // full disassembly line
	Branch   *BranchInfo
}

// Size returns the encoded length in bytes.
func (i Inst) Size() int { return len(i.Bytes) }

// SymbolLookup resolves an address to a symbolic name. Returns ("", false) if unknown.
type SymbolLookup func(addr uint64) (name string, ok bool)

// Options controls disassembly behavior.
type Options struct {
	Arch     Arch
	BaseAddr uint64       // VA of the first byte in Data
	MaxSteps int          // maximum instructions to decode; 0 = 1M
	Symbols  SymbolLookup // optional, used for x86 branch operands
	// StopAtTerminator ends decoding after the first RET or unconditional
	// branch.
	StopAtTerminator bool
}

const defaultMaxSteps = 1_000_000

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Disassemble decodes instructions from a byte region.
// Returns decoded instructions up to MaxSteps or end of data.
func Disassemble(data []byte, opts Options) []Inst {
	maxSteps := opts.effectiveMax()
	var result []Inst
	for off := 0; off < len(data) && len(result) < maxSteps; {
		addr := opts.BaseAddr + uint64(off)
		var inst Inst
		switch opts.Arch {
		case ArchARM64:
			if off+4 > len(data) {
				return result
			}
			inst = decodeARM64(data[off:off+4], addr)
		default:
			inst = decodeX86(data[off:], addr, opts)
		}
		result = append(result, inst)
		off += inst.Size()
		if opts.StopAtTerminator && inst.Branch != nil && !inst.Branch.Cond {
			break
		}
	}
	return result
}

func decodeARM64(b []byte, addr uint64) Inst {
	raw := binary.LittleEndian.Uint32(b)
	inst := Inst{Addr: addr, Bytes: b, Branch: decodeARM64Branch(raw, addr)}
	d, err := arm64asm.Decode(b)
	if err != nil {
		inst.Mnemonic = ".word"
		inst.Operands = fmt.Sprintf("0x%08x", raw)
		inst.Text = ".word " + inst.Operands
		return inst
	}
	inst.Text = d.String()
	inst.Mnemonic, inst.Operands, _ = strings.Cut(inst.Text, " ")
	return inst
}

func decodeX86(b []byte, addr uint64, opts Options) Inst {
	mode := 64
	if opts.Arch == Arch386 {
		mode = 32
	}
	d, err := x86asm.Decode(b, mode)
	if err != nil || d.Len == 0 {
		inst := Inst{Addr: addr, Bytes: b[:1], Mnemonic: ".byte"}
		inst.Operands = fmt.Sprintf("0x%02x", b[0])
		inst.Text = ".byte " + inst.Operands
		return inst
	}
	lookup := func(a uint64) (string, uint64) {
		if opts.Symbols != nil {
			if name, ok := opts.Symbols(a); ok {
				return name, a
			}
		}
		return "", 0
	}
	inst := Inst{Addr: addr, Bytes: b[:d.Len], Branch: decodeX86Branch(d, addr)}
	inst.Text = x86asm.GNUSyntax(d, addr, lookup)
	inst.Mnemonic, inst.Operands, _ = strings.Cut(inst.Text, " ")
	return inst
}

// Format renders a slice of instructions as stable text output.
// Each line: <addr>  <hex bytes>  <disasm>  ; <comments>
// Annotators are checked in order; first non-empty result is used.
func Format(insts []Inst, lookup SymbolLookup, annotators ...Annotator) string {
	width := 0
	for _, inst := range insts {
		width = max(width, 3*len(inst.Bytes)-1)
	}
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%08x  ", inst.Addr)
		hex := make([]string, len(inst.Bytes))
		for i, c := range inst.Bytes {
			hex[i] = fmt.Sprintf("%02x", c)
		}
		fmt.Fprintf(&b, "%-*s  ", width, strings.Join(hex, " "))
		b.WriteString(inst.Text)
		commented := false
		if lookup != nil {
			if name, ok := lookup(inst.Addr); ok {
				fmt.Fprintf(&b, "  ; <%s>", name)
				commented = true
			}
		}
		if !commented {
			for _, ann := range annotators {
				if s := ann(inst); s != "" {
					fmt.Fprintf(&b, "  ; %s", s)
					break
				}
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// PlaceholderLookup returns a SymbolLookup backed by a fixed address map.
func PlaceholderLookup(entryPoints map[uint64]string) SymbolLookup {
	return func(addr uint64) (string, bool) {
		if name, ok := entryPoints[addr]; ok {
			return name, true
		}
		return "", false
	}
}
