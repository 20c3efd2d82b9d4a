// Package ehtest builds synthetic exception metadata and ELF images for tests.
package ehtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"ehscope/internal/lsda"
)

// Fixed layout of images produced by Binary.
const (
	TextAddr    = 0x1000
	TextSize    = 0x1000
	EHFrameAddr = 0x2000
	LSDAAddr    = 0x3000
	GOTAddr     = 0x4000
	// PersonalitySlot is the GOT slot the CIE personality pointer refers to.
	PersonalitySlot = GOTAddr
)

// AppendULEB128 appends v in unsigned LEB128.
func AppendULEB128(dst []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, c)
		}
		dst = append(dst, c|0x80)
	}
}

// AppendSLEB128 appends v in signed LEB128.
func AppendSLEB128(dst []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(dst, c)
		}
		dst = append(dst, c|0x80)
	}
}

// StandardLSDA encodes an LSDA with omitted lpstart and type table, uleb128
// call-site records, and a one-entry action table.
func StandardLSDA(sites []lsda.CallSite) []byte {
	var rec []byte
	for _, cs := range sites {
		rec = AppendULEB128(rec, cs.Start)
		rec = AppendULEB128(rec, cs.Length)
		rec = AppendULEB128(rec, cs.LandingPad)
		rec = AppendULEB128(rec, cs.Action)
	}
	out := []byte{byte(lsda.EncOmit), byte(lsda.EncOmit), byte(lsda.EncULEB128)}
	out = AppendULEB128(out, uint64(len(rec)))
	out = append(out, rec...)
	return append(out, 0x01, 0x00)
}

// IndexedLSDA encodes an LSDA whose call-site table holds uleb128
// (landing pad delta, action) pairs.
func IndexedLSDA(pairs [][2]uint64) []byte {
	var rec []byte
	for _, p := range pairs {
		rec = AppendULEB128(rec, p[0])
		rec = AppendULEB128(rec, p[1])
	}
	out := []byte{byte(lsda.EncOmit), byte(lsda.EncOmit), byte(lsda.EncULEB128)}
	out = AppendULEB128(out, uint64(len(rec)))
	return append(out, rec...)
}

// FDE describes one frame description entry. LSDA zero means none.
type FDE struct {
	Begin uint64
	Size  uint64
	LSDA  uint64
}

const ptrEnc = lsda.EncPCRel | lsda.EncSData4

// EHFrame encodes a little-endian .eh_frame mapped at addr: one "zPLR" CIE
// with pcrel|sdata4 pointers followed by the FDEs and a zero terminator.
func EHFrame(addr uint64, fdes []FDE) []byte {
	le := binary.LittleEndian
	var out []byte
	pos := func() uint64 { return addr + uint64(len(out)) }
	pcrel := func(target uint64) {
		out = le.AppendUint32(out, uint32(target-pos()))
	}

	cieStart := len(out)
	out = le.AppendUint32(out, 0) // length, patched below
	out = le.AppendUint32(out, 0) // CIE id
	out = append(out, 1)          // version
	out = append(out, "zPLR\x00"...)
	out = AppendULEB128(out, 1)
	out = AppendSLEB128(out, -8)
	out = append(out, 16) // return address register
	out = AppendULEB128(out, 7)
	out = append(out, byte(lsda.EncIndirect|ptrEnc))
	pcrel(PersonalitySlot)
	out = append(out, byte(ptrEnc), byte(ptrEnc))
	out = append(out, 0x0c, 0x07, 0x08, 0x90, 0x01) // def_cfa rsp+8; offset r16
	for (len(out)-cieStart)%4 != 0 {
		out = append(out, 0)
	}
	le.PutUint32(out[cieStart:], uint32(len(out)-cieStart-4))

	for _, f := range fdes {
		start := len(out)
		out = le.AppendUint32(out, 0)
		out = le.AppendUint32(out, uint32(len(out)-cieStart))
		pcrel(f.Begin)
		out = le.AppendUint32(out, uint32(f.Size))
		out = AppendULEB128(out, 4)
		if f.LSDA == 0 {
			out = le.AppendUint32(out, 0)
		} else {
			pcrel(f.LSDA)
		}
		for (len(out)-start)%4 != 0 {
			out = append(out, 0)
		}
		le.PutUint32(out[start:], uint32(len(out)-start-4))
	}
	return le.AppendUint32(out, 0)
}

// Section is one allocated section of a synthetic image. File offsets
// equal addresses.
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Data  []byte
}

// Symbol is a function symbol defined in .text.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// Image describes a little-endian ELF64 image with one PT_LOAD segment
// covering every allocated section.
type Image struct {
	Machine  elf.Machine
	Sections []Section // ascending Addr, first at or above 0x1000
	Symbols  []Symbol
}

// ELF64 serializes img.
func ELF64(img Image) []byte {
	le := binary.LittleEndian
	const headerEnd = 64 + 56
	out := make([]byte, headerEnd)

	type shdr struct {
		name string
		elf.Section64
	}
	shdrs := []shdr{{}}
	textIndex := uint16(0)
	for _, s := range img.Sections {
		for uint64(len(out)) < s.Addr {
			out = append(out, 0)
		}
		if s.Name == ".text" {
			textIndex = uint16(len(shdrs))
		}
		shdrs = append(shdrs, shdr{name: s.Name, Section64: elf.Section64{
			Type:      uint32(s.Type),
			Flags:     uint64(s.Flags),
			Addr:      s.Addr,
			Off:       uint64(len(out)),
			Size:      uint64(len(s.Data)),
			Addralign: 1,
		}})
		out = append(out, s.Data...)
	}
	loadEnd := uint64(len(out))

	if len(img.Symbols) > 0 {
		strtab := []byte{0}
		var symtab bytes.Buffer
		binary.Write(&symtab, le, elf.Sym64{})
		for _, s := range img.Symbols {
			binary.Write(&symtab, le, elf.Sym64{
				Name:  uint32(len(strtab)),
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
				Shndx: textIndex,
				Value: s.Value,
				Size:  s.Size,
			})
			strtab = append(append(strtab, s.Name...), 0)
		}
		strIndex := uint32(len(shdrs) + 1)
		shdrs = append(shdrs, shdr{name: ".symtab", Section64: elf.Section64{
			Type: uint32(elf.SHT_SYMTAB), Off: uint64(len(out)), Size: uint64(symtab.Len()),
			Link: strIndex, Info: 1, Addralign: 8, Entsize: elf.Sym64Size,
		}})
		out = append(out, symtab.Bytes()...)
		shdrs = append(shdrs, shdr{name: ".strtab", Section64: elf.Section64{
			Type: uint32(elf.SHT_STRTAB), Off: uint64(len(out)), Size: uint64(len(strtab)), Addralign: 1,
		}})
		out = append(out, strtab...)
	}

	shstrtab := []byte{0}
	shdrs = append(shdrs, shdr{name: ".shstrtab", Section64: elf.Section64{Type: uint32(elf.SHT_STRTAB), Addralign: 1}})
	for i := 1; i < len(shdrs); i++ {
		shdrs[i].Name = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, shdrs[i].name...), 0)
	}
	last := &shdrs[len(shdrs)-1]
	last.Off = uint64(len(out))
	last.Size = uint64(len(shstrtab))
	out = append(out, shstrtab...)

	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := uint64(len(out))
	var sh bytes.Buffer
	for _, s := range shdrs {
		binary.Write(&sh, le, s.Section64)
	}
	out = append(out, sh.Bytes()...)

	var hdr bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	binary.Write(&hdr, le, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(img.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Shoff:     shoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     uint16(len(shdrs)),
		Shstrndx:  uint16(len(shdrs) - 1),
	})
	binary.Write(&hdr, le, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W | elf.PF_X),
		Filesz: loadEnd,
		Memsz:  loadEnd,
		Align:  0x1000,
	})
	copy(out, hdr.Bytes())
	return out
}

// Func is a function of a synthetic image. With Indexed set the LSDA holds
// (landing pad delta, action) pairs; otherwise nil Sites means the function
// has no LSDA.
type Func struct {
	Name    string
	Addr    uint64
	Size    uint64
	Sites   []lsda.CallSite
	Indexed [][2]uint64
}

// Binary builds an x86-64 image with a NOP-filled .text, an .eh_frame
// describing funcs, their LSDAs in .gcc_except_table and an eight-byte .got.
func Binary(funcs []Func) []byte {
	text := bytes.Repeat([]byte{0x90}, TextSize)
	var except []byte
	var fdes []FDE
	var syms []Symbol
	for _, f := range funcs {
		fde := FDE{Begin: f.Addr, Size: f.Size}
		if f.Sites != nil || f.Indexed != nil {
			fde.LSDA = LSDAAddr + uint64(len(except))
			if f.Indexed != nil {
				except = append(except, IndexedLSDA(f.Indexed)...)
			} else {
				except = append(except, StandardLSDA(f.Sites)...)
			}
			for len(except)%4 != 0 {
				except = append(except, 0)
			}
		}
		fdes = append(fdes, fde)
		syms = append(syms, Symbol{Name: f.Name, Value: f.Addr, Size: f.Size})
	}
	return ELF64(Image{
		Machine: elf.EM_X86_64,
		Sections: []Section{
			{Name: ".text", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: TextAddr, Data: text},
			{Name: ".eh_frame", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: EHFrameAddr, Data: EHFrame(EHFrameAddr, fdes)},
			{Name: ".gcc_except_table", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC, Addr: LSDAAddr, Data: except},
			{Name: ".got", Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Addr: GOTAddr, Data: make([]byte, 8)},
		},
		Symbols: syms,
	})
}

// WriteBinary writes Binary(funcs) into a temporary file and returns its path.
func WriteBinary(t testing.TB, funcs []Func) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.so")
	if err := os.WriteFile(path, Binary(funcs), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
