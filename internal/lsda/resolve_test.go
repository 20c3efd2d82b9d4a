package lsda

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lsdaAddr  = 0x8000
	funcStart = 0x400000
)

func newResolver(t *testing.T, mem Memory, mode Mode) *Resolver {
	t.Helper()
	r, err := NewResolver(mem, Config{Order: binary.LittleEndian, AddrSize: 8, Mode: mode})
	require.NoError(t, err)
	return r
}

// standardLSDA builds an LSDA with omitted lpstart and type table and a
// uleb128 call-site table.
func standardLSDA(sites ...CallSite) Bytes {
	b := newBuilder(lsdaAddr, 8)
	b.u8(uint8(EncOmit)).u8(uint8(EncOmit)).u8(uint8(EncULEB128))
	b.table(EncULEB128, sites)
	// Action table follows; contents are irrelevant to resolution.
	b.u8(0x7f).u8(0x00)
	return b.mem()
}

func resolve(t *testing.T, mem Memory, ip uint64) Action {
	t.Helper()
	a, err := newResolver(t, mem, ModeStandard).FindAction(lsdaAddr, &Context{IP: ip, FuncStart: funcStart})
	require.NoError(t, err)
	return a
}

func TestNullLSDA(t *testing.T) {
	r := newResolver(t, Bytes{}, ModeStandard)
	a, err := r.FindAction(0, &Context{IP: 0x1234, FuncStart: funcStart})
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: NoAction}, a)
}

func TestStandardNoLandingPad(t *testing.T) {
	mem := standardLSDA(CallSite{Start: 0, Length: 16, LandingPad: 0, Action: 0})
	assert.Equal(t, Action{Kind: NoAction}, resolve(t, mem, funcStart+8))
}

func TestStandardZeroLandingPadIgnoresAction(t *testing.T) {
	for _, code := range []uint64{0, 1, 5, 200} {
		mem := standardLSDA(CallSite{Start: 0, Length: 16, LandingPad: 0, Action: code})
		assert.Equal(t, Action{Kind: NoAction}, resolve(t, mem, funcStart+8), "action %d", code)
	}
}

func TestStandardCleanupDefaultsToFunctionBase(t *testing.T) {
	mem := standardLSDA(CallSite{Start: 0, Length: 16, LandingPad: 32, Action: 0})
	assert.Equal(t, Action{Kind: Cleanup, LandingPad: funcStart + 32}, resolve(t, mem, funcStart+8))
}

func TestStandardCatch(t *testing.T) {
	mem := standardLSDA(
		CallSite{Start: 0x00, Length: 0x10, LandingPad: 0x80, Action: 0},
		CallSite{Start: 0x10, Length: 0x20, LandingPad: 0x90, Action: 3},
	)
	assert.Equal(t, Action{Kind: Catch, LandingPad: funcStart + 0x90}, resolve(t, mem, funcStart+0x2f))
}

func TestStandardRangeIsHalfOpen(t *testing.T) {
	mem := standardLSDA(
		CallSite{Start: 0x00, Length: 0x10, LandingPad: 0x80, Action: 0},
		CallSite{Start: 0x10, Length: 0x10, LandingPad: 0x90, Action: 1},
	)
	assert.Equal(t, Cleanup, resolve(t, mem, funcStart).Kind)
	assert.Equal(t, Action{Kind: Catch, LandingPad: funcStart + 0x90}, resolve(t, mem, funcStart+0x10))
	assert.Equal(t, Terminate, resolve(t, mem, funcStart+0x20).Kind)
}

func TestStandardOutsideTable(t *testing.T) {
	mem := standardLSDA(CallSite{Start: 0, Length: 16, LandingPad: 32, Action: 0})
	assert.Equal(t, Action{Kind: Terminate}, resolve(t, mem, funcStart+100))
}

func TestStandardGapTerminates(t *testing.T) {
	mem := standardLSDA(
		CallSite{Start: 0x00, Length: 0x10, LandingPad: 0x80, Action: 0},
		CallSite{Start: 0x40, Length: 0x10, LandingPad: 0x90, Action: 1},
	)
	assert.Equal(t, Action{Kind: Terminate}, resolve(t, mem, funcStart+0x20))
}

func TestStandardIPBeforeFunction(t *testing.T) {
	mem := standardLSDA(CallSite{Start: 0x10, Length: 0x10, LandingPad: 0x80, Action: 0})
	assert.Equal(t, Action{Kind: Terminate}, resolve(t, mem, funcStart+0x8))
}

func TestStandardStopsAtFirstLaterRecord(t *testing.T) {
	// The third record is out of order and would match; the scan must
	// stop at the second one.
	mem := standardLSDA(
		CallSite{Start: 0x00, Length: 0x10, LandingPad: 0x80, Action: 0},
		CallSite{Start: 0x40, Length: 0x10, LandingPad: 0x90, Action: 1},
		CallSite{Start: 0x20, Length: 0x10, LandingPad: 0xa0, Action: 1},
	)
	assert.Equal(t, Action{Kind: Terminate}, resolve(t, mem, funcStart+0x28))
}

func TestStandardStrictOrdering(t *testing.T) {
	mem := standardLSDA(
		CallSite{Start: 0x20, Length: 0x10, LandingPad: 0x80, Action: 0},
		CallSite{Start: 0x00, Length: 0x10, LandingPad: 0x90, Action: 1},
	)
	ctx := &Context{IP: funcStart + 0x40, FuncStart: funcStart}

	a, err := newResolver(t, mem, ModeStandard).FindAction(lsdaAddr, ctx)
	require.NoError(t, err)
	assert.Equal(t, Terminate, a.Kind)

	strict, err := NewResolver(mem, Config{Order: binary.LittleEndian, AddrSize: 8, Strict: true})
	require.NoError(t, err)
	_, err = strict.FindAction(lsdaAddr, ctx)
	require.ErrorIs(t, err, ErrUnsortedCallSites)
}

func TestStandardExplicitLandingPadBase(t *testing.T) {
	b := newBuilder(lsdaAddr, 8)
	b.u8(uint8(EncUData4)).fixed(0x500000, 4)
	b.u8(uint8(EncULEB128)).uleb(0x1c) // type table present, skipped
	b.u8(uint8(EncUData4))
	b.table(EncUData4, []CallSite{{Start: 0, Length: 0x20, LandingPad: 0x44, Action: 1}})

	a := resolve(t, b.mem(), funcStart+4)
	assert.Equal(t, Action{Kind: Catch, LandingPad: 0x500044}, a)
}

func TestStandardFuncRelCallSites(t *testing.T) {
	b := newBuilder(lsdaAddr, 8)
	b.u8(uint8(EncOmit)).u8(uint8(EncOmit)).u8(uint8(EncFuncRel | EncUData2))
	b.table(EncUData2, []CallSite{{Start: 0x10, Length: 0x10, LandingPad: 0x30, Action: 0}})

	// funcrel adds the function start to every field, including the start
	// offset, which is then relative to the function start again.
	a := resolve(t, b.mem(), 2*funcStart+0x14)
	assert.Equal(t, Action{Kind: Cleanup, LandingPad: 2*funcStart + 0x30}, a)
}

func TestStandardPropagatesDecodeErrors(t *testing.T) {
	b := newBuilder(lsdaAddr, 8)
	b.u8(uint8(EncOmit)).u8(uint8(EncOmit)).u8(uint8(EncOmit))
	b.uleb(4).uleb(0).uleb(0).uleb(0).uleb(0)
	_, err := newResolver(t, b.mem(), ModeStandard).FindAction(lsdaAddr, &Context{IP: funcStart, FuncStart: funcStart})
	require.ErrorIs(t, err, ErrOmittedField)

	b = newBuilder(lsdaAddr, 8)
	b.u8(uint8(EncFuncRel | EncULEB128)).uleb(0)
	_, err = newResolver(t, b.mem(), ModeStandard).FindAction(lsdaAddr, &Context{IP: 0x10})
	require.ErrorIs(t, err, ErrMissingFunctionBase)

	b = newBuilder(lsdaAddr, 8)
	b.u8(uint8(EncOmit)).u8(uint8(EncOmit)).u8(0x07)
	b.uleb(3).uleb(0).uleb(0).uleb(0)
	_, err = newResolver(t, b.mem(), ModeStandard).FindAction(lsdaAddr, &Context{IP: funcStart, FuncStart: funcStart})
	require.ErrorIs(t, err, ErrUnsupportedEncoding)
}

func TestStandardTruncatedTable(t *testing.T) {
	b := newBuilder(lsdaAddr, 8)
	b.u8(uint8(EncOmit)).u8(uint8(EncOmit)).u8(uint8(EncULEB128))
	b.uleb(16).uleb(0) // claims 16 bytes, provides one
	_, err := newResolver(t, b.mem(), ModeStandard).FindAction(lsdaAddr, &Context{IP: funcStart + 0x100, FuncStart: funcStart})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestClassify(t *testing.T) {
	const lpad = 0x1234
	assert.Equal(t, Action{Kind: Cleanup, LandingPad: lpad}, classify(0, lpad))
	for _, code := range []uint64{1, 255, 256, 1 << 40, ^uint64(0)} {
		assert.Equal(t, Action{Kind: Catch, LandingPad: lpad}, classify(code, lpad), "code %d", code)
	}
}

// indexedLSDA builds an LSDA whose call-site table holds uleb128
// (landing pad delta, action) pairs.
func indexedLSDA(width int, pairs ...[2]uint64) Bytes {
	b := newBuilder(lsdaAddr, width)
	b.u8(uint8(EncOmit)).u8(uint8(EncOmit)).u8(uint8(EncULEB128))
	var rec []byte
	for _, p := range pairs {
		rec = appendULEB(rec, p[0])
		rec = appendULEB(rec, p[1])
	}
	b.uleb(uint64(len(rec)))
	b.buf = append(b.buf, rec...)
	return b.mem()
}

func TestIndexedSelectsNthPair(t *testing.T) {
	mem := indexedLSDA(8, [2]uint64{0, 0}, [2]uint64{5, 1}, [2]uint64{300, 0})
	r := newResolver(t, mem, ModeIndexed)
	want := map[uint64]Action{
		1: {Kind: Cleanup, LandingPad: 1},
		2: {Kind: Catch, LandingPad: 6},
		3: {Kind: Cleanup, LandingPad: 301},
	}
	for ip, w := range want {
		a, err := r.FindAction(lsdaAddr, &Context{IP: ip})
		require.NoError(t, err)
		assert.Equal(t, w, a, "index %d", ip)
	}

	_, err := r.FindAction(lsdaAddr, &Context{IP: 4})
	require.ErrorIs(t, err, ErrCallSiteIndex)
}

func TestIndexedSentinelsSkipTable(t *testing.T) {
	for _, width := range []int{4, 8} {
		// Header only: the table is declared but not mapped.
		b := newBuilder(lsdaAddr, width)
		b.u8(uint8(EncOmit)).u8(uint8(EncOmit)).u8(uint8(EncULEB128)).uleb(64)
		mem := &countingMemory{Memory: b.mem()}
		r, err := NewResolver(mem, Config{Order: binary.LittleEndian, AddrSize: width, Mode: ModeIndexed})
		require.NoError(t, err)

		minusOne := ^uint64(0)
		if width == 4 {
			minusOne = 0xffffffff
		}
		a, err := r.FindAction(lsdaAddr, &Context{IP: minusOne})
		require.NoError(t, err)
		assert.Equal(t, Action{Kind: NoAction}, a)

		a, err = r.FindAction(lsdaAddr, &Context{IP: 0})
		require.NoError(t, err)
		assert.Equal(t, Action{Kind: Terminate}, a)

		assert.Zero(t, mem.count(b.pos()), "table must not be read")
	}
}

func TestIndexedNegativeIndex(t *testing.T) {
	mem := indexedLSDA(4, [2]uint64{0, 0})
	r, err := NewResolver(mem, Config{Order: binary.LittleEndian, AddrSize: 4, Mode: ModeIndexed})
	require.NoError(t, err)
	_, err = r.FindAction(lsdaAddr, &Context{IP: 0xfffffffe})
	require.ErrorIs(t, err, ErrCallSiteIndex)
}

func TestIndexedSignExtendedIndex(t *testing.T) {
	// A 32-bit target given indices widened to 64 bits.
	mem := indexedLSDA(4, [2]uint64{0, 0})
	r, err := NewResolver(mem, Config{Order: binary.LittleEndian, AddrSize: 4, Mode: ModeIndexed})
	require.NoError(t, err)

	minusOne := int64(-1)
	a, err := r.FindAction(lsdaAddr, &Context{IP: uint64(minusOne)})
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: NoAction}, a)

	minusTwo := int64(-2)
	_, err = r.FindAction(lsdaAddr, &Context{IP: uint64(minusTwo)})
	require.ErrorIs(t, err, ErrCallSiteIndex)
}

func TestStandardRangeEndingAtAddressSpaceTop(t *testing.T) {
	const start = 0xffffff00
	b := newBuilder(lsdaAddr, 4)
	b.u8(uint8(EncOmit)).u8(uint8(EncOmit)).u8(uint8(EncULEB128))
	b.table(EncULEB128, []CallSite{{Start: 0xf0, Length: 0x10, LandingPad: 0x20}})
	b.u8(0x00)
	r, err := NewResolver(b.mem(), Config{Order: binary.LittleEndian, AddrSize: 4})
	require.NoError(t, err)

	for _, ip := range []uint64{0xfffffff0, 0xfffffff8, 0xffffffff} {
		a, err := r.FindAction(lsdaAddr, &Context{IP: ip, FuncStart: start})
		require.NoError(t, err)
		assert.Equal(t, Action{Kind: Cleanup, LandingPad: 0xffffff20}, a, "ip %#x", ip)
	}
	a, err := r.FindAction(lsdaAddr, &Context{IP: 0xffffffef, FuncStart: start})
	require.NoError(t, err)
	assert.Equal(t, Action{Kind: Terminate}, a)
}

func TestCallSitesDump(t *testing.T) {
	sites := []CallSite{
		{Start: 0x00, Length: 0x10, LandingPad: 0x80, Action: 0},
		{Start: 0x10, Length: 0x08, LandingPad: 0, Action: 0},
		{Start: 0x20, Length: 0x10, LandingPad: 0x90, Action: 3},
	}
	r := newResolver(t, standardLSDA(sites...), ModeStandard)
	h, got, err := r.CallSites(lsdaAddr, &Context{FuncStart: funcStart})
	require.NoError(t, err)
	assert.Equal(t, sites, got)
	assert.Equal(t, uint64(funcStart), h.LPBase)
	assert.Equal(t, EncULEB128, h.CallSiteEncoding)
	assert.Equal(t, h.CallSiteTable+h.CallSiteTableLen, h.ActionTable)
}

func TestIndexedSitesDump(t *testing.T) {
	r := newResolver(t, indexedLSDA(8, [2]uint64{0, 0}, [2]uint64{7, 2}), ModeIndexed)
	_, got, err := r.IndexedSites(lsdaAddr, &Context{})
	require.NoError(t, err)
	assert.Equal(t, []IndexedSite{
		{Index: 1, LandingPad: 1, Action: 0},
		{Index: 2, LandingPad: 8, Action: 2},
	}, got)
}

func TestNewResolverValidates(t *testing.T) {
	_, err := NewResolver(Bytes{}, Config{Order: binary.LittleEndian, AddrSize: 2})
	require.Error(t, err)
	_, err = NewResolver(Bytes{}, Config{AddrSize: 8})
	require.Error(t, err)
	_, err = NewResolver(Bytes{}, Config{Order: binary.LittleEndian, AddrSize: 8, Mode: Mode(9)})
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("sjlj")
	require.NoError(t, err)
	assert.Equal(t, ModeIndexed, m)
	m, err = ParseMode("dwarf")
	require.NoError(t, err)
	assert.Equal(t, ModeStandard, m)
	_, err = ParseMode("seh")
	require.Error(t, err)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "cleanup(0x10)", Action{Kind: Cleanup, LandingPad: 0x10}.String())
	assert.Equal(t, "terminate", Action{Kind: Terminate}.String())
	assert.Equal(t, "none", Action{}.String())
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, Action{Kind: NoAction}, CallSite{Start: 1, Length: 2, Action: 3}.Outcome(0x1000))
	assert.Equal(t, Action{Kind: Cleanup, LandingPad: 0x1010}, CallSite{LandingPad: 0x10}.Outcome(0x1000))
	assert.Equal(t, Action{Kind: Catch, LandingPad: 0x1010}, CallSite{LandingPad: 0x10, Action: 1}.Outcome(0x1000))
	assert.Equal(t, Action{Kind: Catch, LandingPad: 0x5}, IndexedSite{Index: 1, LandingPad: 0x5, Action: 2}.Outcome())
}
