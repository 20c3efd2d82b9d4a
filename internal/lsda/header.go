package lsda

// Header is the fixed prefix of an LSDA:
//
//	[lpstart enc][lpstart?][ttype enc][ttype offset?][call-site enc][uleb128 table length]
type Header struct {
	Start            uint64
	LPBaseEncoding   Encoding
	LPBase           uint64
	TTypeEncoding    Encoding
	TTypeOffset      uint64
	CallSiteEncoding Encoding
	CallSiteTableLen uint64
	CallSiteTable    uint64
	ActionTable      uint64
}

// ParseHeader reads the LSDA header at the cursor. The landing-pad base
// defaults to ctx.FuncStart. The type-table offset is recorded but the type
// table itself is never read.
func ParseHeader(c *Cursor, ctx *Context) (Header, error) {
	h := Header{Start: c.Pos()}

	h.LPBaseEncoding = Encoding(c.U8())
	if c.err != nil {
		return h, c.err
	}
	h.LPBase = ctx.FuncStart
	if h.LPBaseEncoding != EncOmit {
		base, err := c.ReadEncoded(ctx, h.LPBaseEncoding)
		if err != nil {
			return h, err
		}
		h.LPBase = base
	}

	h.TTypeEncoding = Encoding(c.U8())
	if h.TTypeEncoding != EncOmit {
		h.TTypeOffset = c.ULEB128()
	}

	h.CallSiteEncoding = Encoding(c.U8())
	h.CallSiteTableLen = c.ULEB128()
	if c.err != nil {
		return h, c.err
	}
	h.CallSiteTable = c.Pos()
	h.ActionTable = c.Pos() + h.CallSiteTableLen
	return h, nil
}
