// Package elfx provides ELF loading helpers for exception-table analysis.
package elfx

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

var (
	ErrNotELF        = errors.New("elfx: not an ELF file")
	ErrBadClass      = errors.New("elfx: unsupported ELF class")
	ErrNoSymbol      = errors.New("elfx: symbol not found")
	ErrNoSegment     = errors.New("elfx: no PT_LOAD segment covers address")
	ErrNoSection     = errors.New("elfx: section not found")
	ErrNotMapped     = errors.New("elfx: address range not mapped")
	ErrNoAllocations = errors.New("elfx: no loadable segments or sections")
)

// File wraps a debug/elf.File with address-space access for exception
// metadata.
type File struct {
	ELF  *elf.File
	raw  io.ReaderAt
	size int64

	regions []region

	symOnce sync.Once
	funcs   []Symbol
}

// region is a mapped span of the image: file bytes up to filesz, zeros
// up to memsz.
type region struct {
	vaddr  uint64
	memsz  uint64
	filesz uint64
	off    uint64
}

// Symbol is a function symbol.
type Symbol struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size,omitempty"`
}

// Open opens an ELF file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfx: open: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("elfx: stat: %w", err)
	}

	ef, err := NewFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	return ef, nil
}

// NewFile reads an ELF image from r. Closing the returned File closes r if
// it implements io.Closer.
func NewFile(r io.ReaderAt, size int64) (*File, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	if ef.Class != elf.ELFCLASS64 && ef.Class != elf.ELFCLASS32 {
		ef.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadClass, ef.Class)
	}

	f := &File{ELF: ef, raw: r, size: size}
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD && p.Memsz > 0 {
			f.regions = append(f.regions, region{vaddr: p.Vaddr, memsz: p.Memsz, filesz: p.Filesz, off: p.Off})
		}
	}
	if len(f.regions) == 0 {
		// Relocatable objects have no segments; use allocated sections.
		for _, s := range ef.Sections {
			if s.Flags&elf.SHF_ALLOC == 0 || s.Size == 0 {
				continue
			}
			filesz := s.Size
			if s.Type == elf.SHT_NOBITS {
				filesz = 0
			}
			f.regions = append(f.regions, region{vaddr: s.Addr, memsz: s.Size, filesz: filesz, off: s.Offset})
		}
	}
	if len(f.regions) == 0 {
		ef.Close()
		return nil, ErrNoAllocations
	}
	return f, nil
}

// Close releases resources.
func (f *File) Close() error {
	err := f.ELF.Close()
	if c, ok := f.raw.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// FileSize returns the size of the underlying file.
func (f *File) FileSize() int64 { return f.size }

// AddrSize returns the address width in bytes.
func (f *File) AddrSize() int {
	if f.ELF.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// ByteOrder returns the ELF byte order.
func (f *File) ByteOrder() binary.ByteOrder {
	return f.ELF.ByteOrder
}

// Machine returns the ELF machine.
func (f *File) Machine() elf.Machine { return f.ELF.Machine }

// VAToFileOffset converts a virtual address to a file offset using the
// mapped regions. Addresses in the zero-filled tail of a region have no
// file offset.
func (f *File) VAToFileOffset(va uint64) (uint64, error) {
	for _, r := range f.regions {
		if va >= r.vaddr && va < r.vaddr+r.filesz {
			offset := va - r.vaddr + r.off
			if offset >= uint64(f.size) {
				return 0, fmt.Errorf("elfx: VA 0x%x maps to offset 0x%x beyond file size 0x%x", va, offset, f.size)
			}
			return offset, nil
		}
	}
	return 0, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, va)
}

// Load fills buf with the image bytes at addr. It implements lsda.Memory.
// The range must lie within one region; bytes past the region's file
// size read as zero.
func (f *File) Load(addr uint64, buf []byte) error {
	n := uint64(len(buf))
	for _, r := range f.regions {
		if addr < r.vaddr || addr-r.vaddr >= r.memsz || n > r.memsz-(addr-r.vaddr) {
			continue
		}
		rel := addr - r.vaddr
		var fromFile uint64
		if rel < r.filesz {
			fromFile = min(n, r.filesz-rel)
			if _, err := f.raw.ReadAt(buf[:fromFile], int64(r.off+rel)); err != nil {
				return fmt.Errorf("elfx: read at VA 0x%x: %w", addr, err)
			}
		}
		clear(buf[fromFile:])
		return nil
	}
	return fmt.Errorf("%w: %d bytes at VA 0x%x", ErrNotMapped, n, addr)
}

// ReadAt reads bytes from the underlying file at the given file offset.
func (f *File) ReadAt(buf []byte, off int64) (int, error) {
	return f.raw.ReadAt(buf, off)
}

// ReadBytesAtVA reads n bytes starting at the given virtual address.
func (f *File) ReadBytesAtVA(va uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := f.Load(va, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SegmentInfo describes a PT_LOAD segment.
type SegmentInfo struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Offset uint64
	Flags  elf.ProgFlag
}

// LoadSegments returns all PT_LOAD segments.
func (f *File) LoadSegments() []SegmentInfo {
	var segs []SegmentInfo
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, SegmentInfo{
			Vaddr:  p.Vaddr,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
			Offset: p.Off,
			Flags:  p.Flags,
		})
	}
	return segs
}

// SectionInfo describes an allocated section.
type SectionInfo struct {
	Name string
	Addr uint64
	Size uint64
}

// Section looks up a section by name.
func (f *File) Section(name string) (SectionInfo, error) {
	s := f.ELF.Section(name)
	if s == nil {
		return SectionInfo{}, fmt.Errorf("%w: %s", ErrNoSection, name)
	}
	return SectionInfo{Name: s.Name, Addr: s.Addr, Size: s.Size}, nil
}

// TextBase returns the base for DW_EH_PE_textrel values: the address of
// .text, or zero when absent.
func (f *File) TextBase() uint64 {
	if s := f.ELF.Section(".text"); s != nil {
		return s.Addr
	}
	return 0
}

// DataBase returns the base for DW_EH_PE_datarel values: the address of
// .got, or of the first writable PT_LOAD segment when there is no .got.
func (f *File) DataBase() uint64 {
	if s := f.ELF.Section(".got"); s != nil {
		return s.Addr
	}
	for _, p := range f.ELF.Progs {
		if p.Type == elf.PT_LOAD && p.Flags&elf.PF_W != 0 {
			return p.Vaddr
		}
	}
	return 0
}

func (f *File) loadSymbols() {
	seen := make(map[uint64]bool)
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || seen[s.Value] {
				continue
			}
			seen[s.Value] = true
			f.funcs = append(f.funcs, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
		}
	}
	if syms, err := f.ELF.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.ELF.DynamicSymbols(); err == nil {
		add(syms)
	}
	sort.Slice(f.funcs, func(i, j int) bool { return f.funcs[i].Addr < f.funcs[j].Addr })
}

// Functions returns the function symbols sorted by address.
func (f *File) Functions() []Symbol {
	f.symOnce.Do(f.loadSymbols)
	return f.funcs
}

// Symbol looks up a function symbol by exact name.
// Returns the symbol's virtual address and size.
func (f *File) Symbol(name string) (addr, size uint64, err error) {
	for _, s := range f.Functions() {
		if s.Name == name {
			return s.Addr, s.Size, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoSymbol, name)
}

// SymbolAt returns the function symbol containing addr. Symbols without a
// size only match their own address.
func (f *File) SymbolAt(addr uint64) (Symbol, bool) {
	funcs := f.Functions()
	i := sort.Search(len(funcs), func(i int) bool { return funcs[i].Addr > addr }) - 1
	if i < 0 {
		return Symbol{}, false
	}
	s := funcs[i]
	if addr == s.Addr || addr-s.Addr < s.Size {
		return s, true
	}
	return Symbol{}, false
}
