package ehframe

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ehscope/internal/ehtest"
	"ehscope/internal/elfx"
	"ehscope/internal/lsda"
)

const frameAddr = 0x2000

// image maps .eh_frame at frameAddr and a personality slot at
// ehtest.PersonalitySlot holding 0xabc.
func image(frame []byte) lsda.Bytes {
	data := make([]byte, ehtest.PersonalitySlot-frameAddr+8)
	copy(data, frame)
	binary.LittleEndian.PutUint64(data[ehtest.PersonalitySlot-frameAddr:], 0xabc)
	return lsda.Bytes{Base: frameAddr, Data: data}
}

func parse(t *testing.T, frame []byte, opts Options) (*Frames, error) {
	t.Helper()
	return Parse(image(frame), binary.LittleEndian, 8, frameAddr, uint64(len(frame)), opts)
}

func TestParse(t *testing.T) {
	fdes := []ehtest.FDE{
		{Begin: 0x1200, Size: 0x80, LSDA: 0x3010},
		{Begin: 0x1100, Size: 0x40},
		{Begin: 0x1000, Size: 0x100, LSDA: 0x3000},
	}
	frames, err := parse(t, ehtest.EHFrame(frameAddr, fdes), Options{})
	require.NoError(t, err)
	require.NoError(t, frames.Skipped)
	assert.Equal(t, 1, frames.CIEs)
	require.Len(t, frames.FDEs, 3)

	// Sorted by Begin.
	assert.Equal(t, uint64(0x1000), frames.FDEs[0].Begin)
	assert.Equal(t, uint64(0x100), frames.FDEs[0].Size)
	assert.Equal(t, uint64(0x3000), frames.FDEs[0].LSDA)
	assert.Equal(t, uint64(0x1100), frames.FDEs[1].Begin)
	assert.Zero(t, frames.FDEs[1].LSDA)
	assert.Equal(t, uint64(0x3010), frames.FDEs[2].LSDA)

	cie := frames.FDEs[0].CIE
	require.NotNil(t, cie)
	assert.Same(t, cie, frames.FDEs[1].CIE)
	assert.Equal(t, "zPLR", cie.Augmentation)
	assert.Equal(t, uint8(1), cie.Version)
	assert.Equal(t, uint64(1), cie.CodeAlign)
	assert.Equal(t, int64(-8), cie.DataAlign)
	assert.Equal(t, uint64(16), cie.ReturnReg)
	assert.Equal(t, lsda.EncPCRel|lsda.EncSData4, cie.PointerEnc)
	assert.Equal(t, lsda.EncPCRel|lsda.EncSData4, cie.LSDAEnc)
	assert.Equal(t, uint64(0xabc), cie.Personality)

	assert.Len(t, frames.FDEs.WithLSDA(), 2)
}

func TestLookup(t *testing.T) {
	table := Table{
		{Begin: 0x1000, Size: 0x100},
		{Begin: 0x1100, Size: 0x40},
		{Begin: 0x1200, Size: 0x80},
	}
	cases := []struct {
		pc   uint64
		want uint64
		ok   bool
	}{
		{0x1000, 0x1000, true},
		{0x10ff, 0x1000, true},
		{0x1100, 0x1100, true},
		{0x113f, 0x1100, true},
		{0x1140, 0, false},
		{0x127f, 0x1200, true},
		{0x1280, 0, false},
		{0x0fff, 0, false},
	}
	for _, tc := range cases {
		fde, err := table.Lookup(tc.pc)
		if !tc.ok {
			var nf *ErrNoFDEForPC
			require.ErrorAs(t, err, &nf, "pc %#x", tc.pc)
			assert.Equal(t, tc.pc, nf.PC)
			continue
		}
		require.NoError(t, err, "pc %#x", tc.pc)
		assert.Equal(t, tc.want, fde.Begin, "pc %#x", tc.pc)
	}
}

func TestParseOverlappingFDEs(t *testing.T) {
	// A narrower FDE nested inside a wide one would break the binary
	// search; the later one is dropped.
	frame := ehtest.EHFrame(frameAddr, []ehtest.FDE{
		{Begin: 0x1000, Size: 0x100, LSDA: 0x3000},
		{Begin: 0x1040, Size: 0x20},
		{Begin: 0x1100, Size: 0x10},
	})

	frames, err := parse(t, frame, Options{})
	require.NoError(t, err)
	require.Len(t, frames.FDEs, 2)
	require.ErrorIs(t, frames.Skipped, ErrOverlap)

	for _, pc := range []uint64{0x1000, 0x1050, 0x1080, 0x10ff} {
		fde, err := frames.FDEs.Lookup(pc)
		require.NoError(t, err, "pc %#x", pc)
		assert.Equal(t, uint64(0x1000), fde.Begin, "pc %#x", pc)
	}
	fde, err := frames.FDEs.Lookup(0x1105)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1100), fde.Begin)

	_, err = parse(t, frame, Options{Strict: true})
	require.ErrorIs(t, err, ErrOverlap)
}

func TestParseDropsEmptyFDE(t *testing.T) {
	frame := ehtest.EHFrame(frameAddr, []ehtest.FDE{
		{Begin: 0x1000, Size: 0},
		{Begin: 0x1000, Size: 0x40},
	})
	frames, err := parse(t, frame, Options{})
	require.NoError(t, err)
	require.NoError(t, frames.Skipped)
	require.Len(t, frames.FDEs, 1)

	fde, err := frames.FDEs.Lookup(0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40), fde.Size)
}

// withBogusFDE appends an FDE whose CIE pointer refers to the first FDE.
func withBogusFDE(frame []byte) []byte {
	le := binary.LittleEndian
	firstFDE := uint64(le.Uint32(frame) + 4)
	out := frame[:len(frame)-4] // drop terminator
	idPos := uint64(len(out)) + 4
	out = le.AppendUint32(out, 12)
	out = le.AppendUint32(out, uint32(idPos-firstFDE))
	out = le.AppendUint32(out, 0)
	out = le.AppendUint32(out, 0x10)
	return le.AppendUint32(out, 0)
}

func TestParseBestEffortSkipsBadFDE(t *testing.T) {
	frame := withBogusFDE(ehtest.EHFrame(frameAddr, []ehtest.FDE{{Begin: 0x1000, Size: 0x10}}))

	frames, err := parse(t, frame, Options{})
	require.NoError(t, err)
	assert.Len(t, frames.FDEs, 1)
	require.ErrorIs(t, frames.Skipped, ErrBadFDE)
	require.ErrorIs(t, frames.Skipped, ErrBadCIE)

	_, err = parse(t, frame, Options{Strict: true})
	require.ErrorIs(t, err, ErrBadFDE)
}

func TestParseBadLengthStopsWalk(t *testing.T) {
	frame := ehtest.EHFrame(frameAddr, []ehtest.FDE{{Begin: 0x1000, Size: 0x10}})
	frame = binary.LittleEndian.AppendUint32(frame[:len(frame)-4], 0xfffffff5)
	frame = append(frame, make([]byte, 8)...)

	frames, err := parse(t, frame, Options{})
	require.NoError(t, err)
	assert.Len(t, frames.FDEs, 1)
	require.ErrorIs(t, frames.Skipped, ErrBadLength)

	_, err = parse(t, frame, Options{Strict: true})
	require.ErrorIs(t, err, ErrBadLength)
}

func TestParseRecordPastSectionEnd(t *testing.T) {
	frame := ehtest.EHFrame(frameAddr, []ehtest.FDE{{Begin: 0x1000, Size: 0x10}})
	// Cut the section inside the FDE.
	cieLen := binary.LittleEndian.Uint32(frame) + 4
	short := frame[:cieLen+8]

	frames, err := Parse(image(frame), binary.LittleEndian, 8, frameAddr, uint64(len(short)), Options{})
	require.NoError(t, err)
	assert.Empty(t, frames.FDEs)
	require.ErrorIs(t, frames.Skipped, ErrBadLength)
}

func TestUnsupportedAugmentation(t *testing.T) {
	frame := ehtest.EHFrame(frameAddr, []ehtest.FDE{{Begin: 0x1000, Size: 0x10}})
	// "zPLR" -> "zPLX"
	copy(frame[9:], "zPLX")

	frames, err := parse(t, frame, Options{})
	require.NoError(t, err)
	assert.Empty(t, frames.FDEs)
	require.ErrorIs(t, frames.Skipped, ErrBadAugmentation)
}

func TestParseAddressSize(t *testing.T) {
	_, err := Parse(lsda.Bytes{}, binary.LittleEndian, 2, 0, 0, Options{})
	require.Error(t, err)
}

func TestFromELF(t *testing.T) {
	path := ehtest.WriteBinary(t, []ehtest.Func{
		{Name: "plain", Addr: 0x1000, Size: 0x20},
		{Name: "thrower", Addr: 0x1040, Size: 0x60, Sites: []lsda.CallSite{
			{Start: 0x10, Length: 0x8, LandingPad: 0x40, Action: 1},
		}},
	})
	f, err := elfx.Open(path)
	require.NoError(t, err)
	defer f.Close()

	frames, err := FromELF(f, Options{Strict: true})
	require.NoError(t, err)
	require.Len(t, frames.FDEs, 2)

	fde, err := frames.FDEs.Lookup(0x1050)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1040), fde.Begin)
	assert.Equal(t, uint64(ehtest.LSDAAddr), fde.LSDA)

	// Personality slot in .got holds zero.
	assert.Zero(t, fde.CIE.Personality)

	_, err = frames.FDEs.Lookup(0x1030)
	var nf *ErrNoFDEForPC
	assert.True(t, errors.As(err, &nf))
}
