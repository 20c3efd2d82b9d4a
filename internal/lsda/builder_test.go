package lsda

import (
	"encoding/binary"
	"testing"
)

// builder assembles synthetic LSDA bytes mapped at base.
type builder struct {
	base  uint64
	order binary.ByteOrder
	width int
	buf   []byte
}

func newBuilder(base uint64, width int) *builder {
	return &builder{base: base, order: binary.LittleEndian, width: width}
}

func (b *builder) pos() uint64 { return b.base + uint64(len(b.buf)) }

func (b *builder) mem() Bytes { return Bytes{Base: b.base, Data: b.buf} }

func (b *builder) u8(v uint8) *builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *builder) fixed(v uint64, n int) *builder {
	var tmp [8]byte
	switch n {
	case 2:
		b.order.PutUint16(tmp[:], uint16(v))
	case 4:
		b.order.PutUint32(tmp[:], uint32(v))
	case 8:
		b.order.PutUint64(tmp[:], v)
	default:
		panic("bad width")
	}
	b.buf = append(b.buf, tmp[:n]...)
	return b
}

func (b *builder) uleb(v uint64) *builder {
	b.buf = appendULEB(b.buf, v)
	return b
}

func (b *builder) sleb(v int64) *builder {
	b.buf = appendSLEB(b.buf, v)
	return b
}

func (b *builder) pad(n int) *builder {
	b.buf = append(b.buf, make([]byte, n)...)
	return b
}

func appendULEB(dst []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, c|0x80)
			continue
		}
		return append(dst, c)
	}
}

func appendSLEB(dst []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(dst, c)
		}
		dst = append(dst, c|0x80)
	}
}

// value appends v in the format part of enc.
func (b *builder) value(enc Encoding, v uint64) *builder {
	switch enc.Format() {
	case EncAbsPtr:
		return b.fixed(v, b.width)
	case EncULEB128:
		return b.uleb(v)
	case EncSLEB128:
		return b.sleb(int64(v))
	case EncUData2, EncSData2:
		return b.fixed(v, 2)
	case EncUData4, EncSData4:
		return b.fixed(v, 4)
	case EncUData8, EncSData8:
		return b.fixed(v, 8)
	}
	panic("bad format")
}

// valueSize reports how many bytes value would append for v.
func (b *builder) valueSize(enc Encoding, v uint64) int {
	switch enc.Format() {
	case EncULEB128:
		return len(appendULEB(nil, v))
	case EncSLEB128:
		return len(appendSLEB(nil, int64(v)))
	}
	tmp := &builder{order: b.order, width: b.width}
	return len(tmp.value(enc, v).buf)
}

// pcrel appends target as a delta from the position right after the
// encoded value.
func (b *builder) pcrel(enc Encoding, target uint64, t *testing.T) *builder {
	t.Helper()
	for n := 1; n <= 10; n++ {
		delta := target - (b.pos() + uint64(n))
		if b.width == 4 {
			delta = uint64(uint32(delta))
			if enc.Format() == EncSLEB128 || enc.Format() == EncSData8 {
				delta = uint64(int64(int32(delta)))
			}
		}
		if b.valueSize(enc, delta) == n {
			return b.value(enc, delta)
		}
	}
	t.Fatalf("cannot encode 0x%x as %s at 0x%x", target, enc, b.pos())
	return b
}

// table appends a call-site table length followed by the records encoded
// with a position-independent format.
func (b *builder) table(enc Encoding, sites []CallSite) *builder {
	rec := &builder{order: b.order, width: b.width}
	for _, cs := range sites {
		rec.value(enc, cs.Start).value(enc, cs.Length).value(enc, cs.LandingPad).uleb(cs.Action)
	}
	b.uleb(uint64(len(rec.buf)))
	b.buf = append(b.buf, rec.buf...)
	return b
}

// countingMemory records every load address.
type countingMemory struct {
	Memory
	loads []uint64
}

func (m *countingMemory) Load(addr uint64, buf []byte) error {
	m.loads = append(m.loads, addr)
	return m.Memory.Load(addr, buf)
}

func (m *countingMemory) count(addr uint64) int {
	n := 0
	for _, a := range m.loads {
		if a == addr {
			n++
		}
	}
	return n
}
