// Package lsda resolves exception-handling actions from GCC-style
// Language-Specific Data Areas (.gcc_except_table).
//
// Given a suspended instruction pointer and the LSDA of the function that
// contains it, the resolver decides whether the unwinder must run a cleanup,
// transfer control to a catch handler, do nothing, or give up on the frame.
package lsda

import (
	"encoding/binary"
	"fmt"
)

// Memory is a read-only view of a target address space.
type Memory interface {
	// Load fills buf with the bytes stored at addr.
	Load(addr uint64, buf []byte) error
}

// Bytes is a Memory backed by a single buffer mapped at Base.
type Bytes struct {
	Base uint64
	Data []byte
}

// Load implements Memory.
func (b Bytes) Load(addr uint64, buf []byte) error {
	off := addr - b.Base
	if addr < b.Base || off > uint64(len(b.Data)) || uint64(len(buf)) > uint64(len(b.Data))-off {
		return fmt.Errorf("%d bytes at 0x%x outside [0x%x, 0x%x)",
			len(buf), addr, b.Base, b.Base+uint64(len(b.Data)))
	}
	copy(buf, b.Data[off:])
	return nil
}

// Cursor reads LSDA fields sequentially from a Memory. It only moves forward.
//
// A failed load makes the error sticky: every later read returns zero and
// Err reports the first failure.
type Cursor struct {
	mem   Memory
	order binary.ByteOrder
	width int
	pos   uint64
	err   error
	buf   [8]byte
}

// NewCursor creates a cursor at pos. addrSize is the target address width
// in bytes (4 or 8) and order its native byte order.
func NewCursor(mem Memory, order binary.ByteOrder, addrSize int, pos uint64) *Cursor {
	return &Cursor{mem: mem, order: order, width: addrSize, pos: pos}
}

// Pos returns the address of the next byte to be read.
func (c *Cursor) Pos() uint64 { return c.pos }

// Err returns the first load failure, if any.
func (c *Cursor) Err() error { return c.err }

// AddrSize returns the address width in bytes.
func (c *Cursor) AddrSize() int { return c.width }

func (c *Cursor) load(n int) []byte {
	b := c.buf[:n]
	if c.err == nil {
		if err := c.mem.Load(c.pos, b); err != nil {
			c.err = fmt.Errorf("%w: read %d bytes at 0x%x: %w", ErrTruncated, n, c.pos, err)
		} else {
			c.pos += uint64(n)
			return b
		}
	}
	clear(b)
	return b
}

// mask truncates v to the address width.
func (c *Cursor) mask(v uint64) uint64 {
	if c.width == 4 {
		return uint64(uint32(v))
	}
	return v
}

// U8 reads one byte.
func (c *Cursor) U8() uint8 { return c.load(1)[0] }

// U16 reads a uint16 in target byte order.
func (c *Cursor) U16() uint16 { return c.order.Uint16(c.load(2)) }

// U32 reads a uint32 in target byte order.
func (c *Cursor) U32() uint32 { return c.order.Uint32(c.load(4)) }

// U64 reads a uint64 in target byte order.
func (c *Cursor) U64() uint64 { return c.order.Uint64(c.load(8)) }

// I16 reads an int16 in target byte order.
func (c *Cursor) I16() int16 { return int16(c.U16()) }

// I32 reads an int32 in target byte order.
func (c *Cursor) I32() int32 { return int32(c.U32()) }

// I64 reads an int64 in target byte order.
func (c *Cursor) I64() int64 { return int64(c.U64()) }

// Addr reads one address-width value.
func (c *Cursor) Addr() uint64 {
	if c.width == 4 {
		return uint64(c.U32())
	}
	return c.U64()
}

// ULEB128 reads an unsigned little-endian base-128 value.
// Payload bits beyond 64 are discarded.
func (c *Cursor) ULEB128() uint64 {
	var v uint64
	var shift uint
	for {
		b := c.U8()
		if c.err != nil {
			return 0
		}
		if shift < 64 {
			v |= uint64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			return v
		}
	}
}

// SLEB128 reads a signed little-endian base-128 value, sign-extended from
// the last payload chunk.
func (c *Cursor) SLEB128() int64 {
	var v int64
	var shift uint
	var b byte
	for {
		b = c.U8()
		if c.err != nil {
			return 0
		}
		if shift < 64 {
			v |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		v |= -1 << shift
	}
	return v
}

// AlignUp advances the cursor to the next multiple of align. An already
// aligned cursor does not move.
func (c *Cursor) AlignUp(align int) error {
	if align <= 0 || align&(align-1) != 0 {
		return fmt.Errorf("lsda: alignment %d is not a power of two", align)
	}
	a := uint64(align)
	c.pos = (c.pos + a - 1) &^ (a - 1)
	return nil
}

// deref loads the address-width value stored at addr without moving the cursor.
func (c *Cursor) deref(addr uint64) (uint64, error) {
	b := c.buf[:c.width]
	if err := c.mem.Load(addr, b); err != nil {
		return 0, fmt.Errorf("%w: indirect load at 0x%x: %w", ErrTruncated, addr, err)
	}
	if c.width == 4 {
		return uint64(c.order.Uint32(b)), nil
	}
	return c.order.Uint64(b), nil
}
