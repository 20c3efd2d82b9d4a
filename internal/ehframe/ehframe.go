// Package ehframe walks .eh_frame call-frame information to find the
// function bounds and LSDA pointer of every FDE.
package ehframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	lru "github.com/elastic/go-freelru"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"ehscope/internal/elfx"
	"ehscope/internal/lsda"
)

const cieCacheSize = 1024

var (
	ErrBadLength       = errors.New("ehframe: unsupported initial length")
	ErrBadCIE          = errors.New("ehframe: malformed CIE")
	ErrBadFDE          = errors.New("ehframe: malformed FDE")
	ErrBadAugmentation = errors.New("ehframe: unsupported augmentation")
	ErrNoFrames        = errors.New("ehframe: no .eh_frame section")
	ErrOverlap         = errors.New("ehframe: overlapping FDE ranges")
)

// ErrNoFDEForPC is returned by Lookup when no FDE covers the PC.
type ErrNoFDEForPC struct {
	PC uint64
}

func (e *ErrNoFDEForPC) Error() string {
	return fmt.Sprintf("ehframe: no FDE covers PC %#x", e.PC)
}

// CIE is a parsed Common Information Entry.
type CIE struct {
	Addr         uint64
	Version      uint8
	Augmentation string
	CodeAlign    uint64
	DataAlign    int64
	ReturnReg    uint64
	PointerEnc   lsda.Encoding
	LSDAEnc      lsda.Encoding
	Personality  uint64
	Signal       bool

	hasAugData bool
}

// FDE is a parsed Frame Description Entry.
type FDE struct {
	Addr  uint64 `json:"addr"`
	CIE   *CIE   `json:"-"`
	Begin uint64 `json:"begin"`
	Size  uint64 `json:"size"`
	LSDA  uint64 `json:"lsda,omitempty"`
}

// End returns the first address past the FDE's range.
func (f *FDE) End() uint64 { return f.Begin + f.Size }

// Cover reports whether pc lies within the FDE's range.
func (f *FDE) Cover(pc uint64) bool { return pc >= f.Begin && pc-f.Begin < f.Size }

// Table is a list of FDEs sorted by Begin.
type Table []*FDE

// Lookup returns the FDE covering pc. The ranges must not overlap, which
// Parse guarantees.
func (t Table) Lookup(pc uint64) (*FDE, error) {
	idx := sort.Search(len(t), func(i int) bool { return t[i].Begin > pc })
	if idx == 0 || !t[idx-1].Cover(pc) {
		return nil, &ErrNoFDEForPC{pc}
	}
	return t[idx-1], nil
}

// WithLSDA returns the FDEs that carry an LSDA pointer.
func (t Table) WithLSDA() Table {
	var out Table
	for _, f := range t {
		if f.LSDA != 0 {
			out = append(out, f)
		}
	}
	return out
}

// Options configures Parse.
type Options struct {
	// Strict fails on the first malformed record instead of skipping it.
	Strict bool
	// Logger receives per-record diagnostics. Nil discards them.
	Logger *zerolog.Logger
	// TextBase and DataBase are the bases for textrel and datarel pointers.
	TextBase uint64
	DataBase uint64
}

// Frames is the result of walking one .eh_frame section.
type Frames struct {
	FDEs Table
	CIEs int
	// Skipped collects the records dropped in best-effort mode.
	Skipped error
}

type parser struct {
	mem   lsda.Memory
	order binary.ByteOrder
	width int
	opts  Options
	cies  *lru.LRU[uint64, *CIE]
}

func hashUint64(u uint64) uint32 {
	u ^= u >> 33
	u *= 0xff51afd7ed558ccd
	u ^= u >> 33
	return uint32(u)
}

// Parse walks the .eh_frame bytes mapped at [addr, addr+size).
func Parse(mem lsda.Memory, order binary.ByteOrder, width int, addr, size uint64, opts Options) (*Frames, error) {
	if width != 4 && width != 8 {
		return nil, fmt.Errorf("ehframe: unsupported address size %d", width)
	}
	cache, err := lru.New[uint64, *CIE](cieCacheSize, hashUint64)
	if err != nil {
		return nil, err
	}
	p := &parser{mem: mem, order: order, width: width, opts: opts, cies: cache}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	frames := &Frames{}
	var skipped *multierror.Error
	end := addr + size
	for pos := addr; pos < end; {
		rec, err := p.header(pos, end)
		if err != nil {
			// Sync is lost; nothing after this record can be trusted.
			if opts.Strict {
				return nil, err
			}
			skipped = multierror.Append(skipped, err)
			break
		}
		if rec.length == 0 {
			break
		}
		pos = rec.next
		if rec.isCIE {
			frames.CIEs++
			continue
		}

		fde, err := p.fde(rec)
		if err != nil {
			if opts.Strict {
				return nil, err
			}
			log.Debug().Err(err).Uint64("fde", rec.start).Msg("skipping FDE")
			skipped = multierror.Append(skipped, err)
			continue
		}
		frames.FDEs = append(frames.FDEs, fde)
	}

	sort.SliceStable(frames.FDEs, func(i, j int) bool {
		return frames.FDEs[i].Begin < frames.FDEs[j].Begin
	})
	kept := frames.FDEs[:0]
	for _, f := range frames.FDEs {
		if n := len(kept); n > 0 && f.Size > 0 && f.Begin < kept[n-1].End() {
			err := fmt.Errorf("%w: FDE at %#x [%#x, %#x) inside [%#x, %#x)",
				ErrOverlap, f.Addr, f.Begin, f.End(), kept[n-1].Begin, kept[n-1].End())
			if opts.Strict {
				return nil, err
			}
			log.Debug().Err(err).Msg("skipping FDE")
			skipped = multierror.Append(skipped, err)
			continue
		}
		// Empty ranges cover nothing.
		if f.Size > 0 {
			kept = append(kept, f)
		}
	}
	frames.FDEs = kept
	frames.Skipped = skipped.ErrorOrNil()
	log.Debug().
		Int("fdes", len(frames.FDEs)).
		Int("cies", frames.CIEs).
		Int("lsdas", len(frames.FDEs.WithLSDA())).
		Msg("parsed .eh_frame")
	return frames, nil
}

// FromELF walks the .eh_frame section of f. TextBase and DataBase default
// to the image's .text and .got addresses.
func FromELF(f *elfx.File, opts Options) (*Frames, error) {
	sec, err := f.Section(".eh_frame")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrames, err)
	}
	if opts.TextBase == 0 {
		opts.TextBase = f.TextBase()
	}
	if opts.DataBase == 0 {
		opts.DataBase = f.DataBase()
	}
	return Parse(f, f.ByteOrder(), f.AddrSize(), sec.Addr, sec.Size, opts)
}

// record is the common CIE/FDE header.
type record struct {
	start  uint64
	length uint64
	idPos  uint64
	body   uint64 // first byte after the id
	next   uint64
	isCIE  bool
	cieRef uint64
}

func (p *parser) cursor(pos uint64) *lsda.Cursor {
	return lsda.NewCursor(p.mem, p.order, p.width, pos)
}

func (p *parser) header(pos, end uint64) (record, error) {
	c := p.cursor(pos)
	rec := record{start: pos}
	length := uint64(c.U32())
	if c.Err() != nil {
		return rec, c.Err()
	}
	if length == 0 {
		return rec, nil
	}

	var id, idSize uint64
	switch {
	case length < 0xfffffff0:
		rec.idPos = c.Pos()
		id = uint64(c.U32())
		idSize = 4
	case length == 0xffffffff:
		length = c.U64()
		rec.idPos = c.Pos()
		id = c.U64()
		idSize = 8
	default:
		return rec, fmt.Errorf("%w %#x at %#x", ErrBadLength, length, pos)
	}
	if err := c.Err(); err != nil {
		return rec, err
	}
	if length < idSize || rec.idPos+length > end || rec.idPos+length < rec.idPos {
		return rec, fmt.Errorf("%w: record at %#x extends past section end", ErrBadLength, pos)
	}
	rec.length = length
	rec.body = c.Pos()
	rec.next = rec.idPos + length
	rec.isCIE = id == 0
	if !rec.isCIE {
		// FDE CIE pointers are relative to the id field.
		rec.cieRef = rec.idPos - id
	}
	return rec, nil
}

func (p *parser) cie(addr uint64) (*CIE, error) {
	if cie, ok := p.cies.Get(addr); ok {
		return cie, nil
	}
	rec, err := p.header(addr, ^uint64(0))
	if err != nil {
		return nil, err
	}
	if !rec.isCIE {
		return nil, fmt.Errorf("%w: %#x is not a CIE", ErrBadCIE, addr)
	}

	c := p.cursor(rec.body)
	cie := &CIE{
		Addr:       addr,
		PointerEnc: lsda.EncAbsPtr,
		LSDAEnc:    lsda.EncOmit,
	}
	cie.Version = c.U8()
	if v := cie.Version; v != 1 && v != 3 && v != 4 {
		return nil, fmt.Errorf("%w: version %d at %#x", ErrBadCIE, v, addr)
	}
	cie.Augmentation = p.cstring(c)
	if cie.Version == 4 {
		c.U8() // address_size
		c.U8() // segment_selector_size
	}
	cie.CodeAlign = c.ULEB128()
	cie.DataAlign = c.SLEB128()
	if cie.Version == 1 {
		cie.ReturnReg = uint64(c.U8())
	} else {
		cie.ReturnReg = c.ULEB128()
	}

	if aug := cie.Augmentation; aug != "" {
		if aug == "eh" || aug[0] != 'z' {
			return nil, fmt.Errorf("%w %q at %#x", ErrBadAugmentation, aug, addr)
		}
		cie.hasAugData = true
		c.ULEB128()
		for _, ch := range aug[1:] {
			switch ch {
			case 'L':
				cie.LSDAEnc = lsda.Encoding(c.U8())
			case 'R':
				cie.PointerEnc = lsda.Encoding(c.U8())
			case 'P':
				enc := lsda.Encoding(c.U8())
				if cie.Personality, err = p.pointer(c, enc, 0); err != nil {
					return nil, fmt.Errorf("%w: personality at %#x: %w", ErrBadCIE, addr, err)
				}
			case 'S':
				cie.Signal = true
			case 'B', 'G':
				// AArch64 pointer-authentication and memory-tagging markers.
			default:
				return nil, fmt.Errorf("%w %q at %#x", ErrBadAugmentation, aug, addr)
			}
		}
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("%w at %#x: %w", ErrBadCIE, addr, err)
	}
	if c.Pos() > rec.next {
		return nil, fmt.Errorf("%w: header overruns record at %#x", ErrBadCIE, addr)
	}
	p.cies.Add(addr, cie)
	return cie, nil
}

func (p *parser) fde(rec record) (*FDE, error) {
	cie, err := p.cie(rec.cieRef)
	if err != nil {
		return nil, fmt.Errorf("%w at %#x: %w", ErrBadFDE, rec.start, err)
	}

	c := p.cursor(rec.body)
	fde := &FDE{Addr: rec.start, CIE: cie}
	if fde.Begin, err = p.pointer(c, cie.PointerEnc, 0); err != nil {
		return nil, fmt.Errorf("%w at %#x: pc begin: %w", ErrBadFDE, rec.start, err)
	}
	if fde.Size, err = c.ReadValue(cie.PointerEnc.Format()); err != nil {
		return nil, fmt.Errorf("%w at %#x: pc range: %w", ErrBadFDE, rec.start, err)
	}
	if cie.hasAugData {
		augLen := c.ULEB128()
		augEnd := c.Pos() + augLen
		if cie.LSDAEnc != lsda.EncOmit {
			if fde.LSDA, err = p.pointer(c, cie.LSDAEnc, fde.Begin); err != nil {
				return nil, fmt.Errorf("%w at %#x: lsda: %w", ErrBadFDE, rec.start, err)
			}
		}
		if c.Pos() > augEnd {
			return nil, fmt.Errorf("%w at %#x: augmentation data overrun", ErrBadFDE, rec.start)
		}
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("%w at %#x: %w", ErrBadFDE, rec.start, err)
	}
	if c.Pos() > rec.next {
		return nil, fmt.Errorf("%w: header overruns record at %#x", ErrBadFDE, rec.start)
	}
	return fde, nil
}

// pointer reads a DW_EH_PE value with call-frame semantics: pcrel is
// relative to the start of the field and a zero raw value stays zero.
func (p *parser) pointer(c *lsda.Cursor, enc lsda.Encoding, funcStart uint64) (uint64, error) {
	if enc == lsda.EncOmit {
		return 0, nil
	}
	if enc.Base() == lsda.EncAligned {
		return c.ReadEncoded(&lsda.Context{}, enc)
	}

	pos := c.Pos()
	raw, err := c.ReadValue(enc)
	if err != nil || raw == 0 {
		return 0, err
	}
	var base uint64
	switch enc.Base() {
	case 0:
	case lsda.EncPCRel:
		base = pos
	case lsda.EncTextRel:
		base = p.opts.TextBase
	case lsda.EncDataRel:
		base = p.opts.DataBase
	case lsda.EncFuncRel:
		base = funcStart
	default:
		return 0, fmt.Errorf("%w: %s at %#x", lsda.ErrUnsupportedEncoding, enc, pos)
	}
	v := raw + base
	if p.width == 4 {
		v = uint64(uint32(v))
	}
	if enc.Indirect() {
		d := p.cursor(v)
		v = d.Addr()
		if err := d.Err(); err != nil {
			return 0, err
		}
	}
	return v, nil
}

func (p *parser) cstring(c *lsda.Cursor) string {
	var b []byte
	for {
		ch := c.U8()
		if ch == 0 || c.Err() != nil {
			return string(b)
		}
		b = append(b, ch)
	}
}
