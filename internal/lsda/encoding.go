package lsda

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOmittedField        = errors.New("lsda: mandatory field is omitted")
	ErrMissingFunctionBase = errors.New("lsda: function-relative value without function start")
	ErrMissingSectionBase  = errors.New("lsda: section-relative value without section base")
	ErrUnsupportedEncoding = errors.New("lsda: unsupported pointer encoding")
	ErrTruncated           = errors.New("lsda: read outside mapped memory")
	ErrUnsortedCallSites   = errors.New("lsda: call-site table not sorted")
	ErrCallSiteIndex       = errors.New("lsda: call-site index out of range")
)

// Encoding is a DW_EH_PE pointer-encoding byte: indirect flag (bit 7),
// base selector (bits 4-6) and value format (bits 0-3).
type Encoding uint8

// Value formats.
const (
	EncAbsPtr  Encoding = 0x00
	EncULEB128 Encoding = 0x01
	EncUData2  Encoding = 0x02
	EncUData4  Encoding = 0x03
	EncUData8  Encoding = 0x04
	EncSLEB128 Encoding = 0x09
	EncSData2  Encoding = 0x0a
	EncSData4  Encoding = 0x0b
	EncSData8  Encoding = 0x0c
)

// Base selectors. The absolute base is zero.
const (
	EncPCRel   Encoding = 0x10
	EncTextRel Encoding = 0x20
	EncDataRel Encoding = 0x30
	EncFuncRel Encoding = 0x40
	EncAligned Encoding = 0x50
)

const (
	EncIndirect Encoding = 0x80
	EncOmit     Encoding = 0xff

	formatMask Encoding = 0x0f
	baseMask   Encoding = 0x70
)

// Format returns the value-format bits.
func (e Encoding) Format() Encoding { return e & formatMask }

// Base returns the base-selector bits.
func (e Encoding) Base() Encoding { return e & baseMask }

// Indirect reports whether the decoded address must be dereferenced once.
func (e Encoding) Indirect() bool { return e != EncOmit && e&EncIndirect != 0 }

var formatNames = map[Encoding]string{
	EncAbsPtr:  "absptr",
	EncULEB128: "uleb128",
	EncUData2:  "udata2",
	EncUData4:  "udata4",
	EncUData8:  "udata8",
	EncSLEB128: "sleb128",
	EncSData2:  "sdata2",
	EncSData4:  "sdata4",
	EncSData8:  "sdata8",
}

var baseNames = map[Encoding]string{
	EncPCRel:   "pcrel",
	EncTextRel: "textrel",
	EncDataRel: "datarel",
	EncFuncRel: "funcrel",
	EncAligned: "aligned",
}

// String renders the encoding as "base|format[|indirect]", e.g. "pcrel|sdata4".
func (e Encoding) String() string {
	if e == EncOmit {
		return "omit"
	}
	var parts []string
	if b := e.Base(); b != 0 {
		name, ok := baseNames[b]
		if !ok {
			name = fmt.Sprintf("base(0x%02x)", uint8(b))
		}
		parts = append(parts, name)
	}
	if e.Base() != EncAligned {
		name, ok := formatNames[e.Format()]
		if !ok {
			name = fmt.Sprintf("format(0x%x)", uint8(e.Format()))
		}
		parts = append(parts, name)
	}
	if e.Indirect() {
		parts = append(parts, "indirect")
	}
	return strings.Join(parts, "|")
}

// Context carries the per-frame inputs of one resolution.
type Context struct {
	// IP is the suspended instruction pointer. In indexed mode it is a
	// call-site index instead of an address.
	IP uint64
	// FuncStart is the start address of the function containing IP; zero
	// when unknown.
	FuncStart uint64
	// TextBase and DataBase return the section bases for textrel and
	// datarel values. They are called only when an encoding needs them.
	TextBase func() uint64
	DataBase func() uint64
}

// ReadValue decodes one value in the format part of enc, zero- or
// sign-extended to the address width. No base is applied.
func (c *Cursor) ReadValue(enc Encoding) (uint64, error) {
	pos := c.pos
	var v uint64
	switch enc.Format() {
	case EncAbsPtr:
		v = c.Addr()
	case EncULEB128:
		v = c.ULEB128()
	case EncUData2:
		v = uint64(c.U16())
	case EncUData4:
		v = uint64(c.U32())
	case EncUData8:
		v = c.U64()
	case EncSLEB128:
		v = uint64(c.SLEB128())
	case EncSData2:
		v = uint64(int64(c.I16()))
	case EncSData4:
		v = uint64(int64(c.I32()))
	case EncSData8:
		v = uint64(c.I64())
	default:
		return 0, fmt.Errorf("%w: %s at 0x%x", ErrUnsupportedEncoding, enc, pos)
	}
	if c.err != nil {
		return 0, c.err
	}
	return c.mask(v), nil
}

// ReadEncoded decodes one pointer encoded with enc and applies its base.
//
// pcrel values are relative to the cursor position after the value. The
// aligned selector reads an absolute address-width value at the next
// aligned position. With the indirect flag the computed address is loaded
// exactly once more.
func (c *Cursor) ReadEncoded(ctx *Context, enc Encoding) (uint64, error) {
	if enc == EncOmit {
		return 0, fmt.Errorf("%w at 0x%x", ErrOmittedField, c.pos)
	}

	var v uint64
	if enc.Base() == EncAligned {
		if err := c.AlignUp(c.width); err != nil {
			return 0, err
		}
		v = c.Addr()
		if c.err != nil {
			return 0, c.err
		}
	} else {
		pos := c.pos
		raw, err := c.ReadValue(enc)
		if err != nil {
			return 0, err
		}
		var base uint64
		switch enc.Base() {
		case 0:
		case EncPCRel:
			base = c.pos
		case EncFuncRel:
			if ctx.FuncStart == 0 {
				return 0, fmt.Errorf("%w: %s at 0x%x", ErrMissingFunctionBase, enc, pos)
			}
			base = ctx.FuncStart
		case EncTextRel:
			if ctx.TextBase == nil {
				return 0, fmt.Errorf("%w: %s at 0x%x", ErrMissingSectionBase, enc, pos)
			}
			base = ctx.TextBase()
		case EncDataRel:
			if ctx.DataBase == nil {
				return 0, fmt.Errorf("%w: %s at 0x%x", ErrMissingSectionBase, enc, pos)
			}
			base = ctx.DataBase()
		default:
			return 0, fmt.Errorf("%w: %s at 0x%x", ErrUnsupportedEncoding, enc, pos)
		}
		v = c.mask(raw + base)
	}

	if enc.Indirect() {
		return c.deref(v)
	}
	return v, nil
}
