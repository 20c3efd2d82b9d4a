package target

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ehscope/internal/lsda"
)

func TestBuiltinProfilesValidate(t *testing.T) {
	for _, tg := range Builtin() {
		require.NoError(t, tg.Validate(), tg.Name)
	}
}

func TestSjLjTargetUsesIndexedMode(t *testing.T) {
	tg, err := Lookup(Builtin(), "armv7-apple-ios")
	require.NoError(t, err)
	cfg, err := tg.Config()
	require.NoError(t, err)
	assert.Equal(t, lsda.ModeIndexed, cfg.Mode)
	assert.Equal(t, 4, cfg.AddrSize)
	assert.Equal(t, binary.ByteOrder(binary.LittleEndian), cfg.Order)
}

func TestForELF(t *testing.T) {
	cases := []struct {
		machine elf.Machine
		class   elf.Class
		order   binary.ByteOrder
		want    string
	}{
		{elf.EM_X86_64, elf.ELFCLASS64, binary.LittleEndian, "x86_64-unknown-linux-gnu"},
		{elf.EM_386, elf.ELFCLASS32, binary.LittleEndian, "i686-unknown-linux-gnu"},
		{elf.EM_AARCH64, elf.ELFCLASS64, binary.LittleEndian, "aarch64-unknown-linux-gnu"},
		{elf.EM_AARCH64, elf.ELFCLASS64, binary.BigEndian, "aarch64_be-unknown-linux-gnu"},
		{elf.EM_ARM, elf.ELFCLASS32, binary.LittleEndian, "armv7-unknown-linux-gnueabihf"},
		{elf.EM_RISCV, elf.ELFCLASS64, binary.LittleEndian, "riscv64gc-unknown-linux-gnu"},
	}
	for _, tc := range cases {
		tg, err := ForELF(Builtin(), tc.machine, tc.class, tc.order)
		require.NoError(t, err, tc.want)
		assert.Equal(t, tc.want, tg.Name)
	}

	_, err := ForELF(Builtin(), elf.EM_MIPS, elf.ELFCLASS32, binary.BigEndian)
	require.ErrorIs(t, err, ErrNoMatch)
}

func TestLoadAndMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  - name: armv7-custom-sjlj
    arch: arm
    addr_size: 4
    endian: little
    exceptions: sjlj
  - name: x86_64-unknown-linux-gnu
    arch: x86_64
    addr_size: 8
    endian: little
    abi: sysv
`), 0644))

	extra, err := Load(path)
	require.NoError(t, err)
	require.Len(t, extra, 2)
	assert.Equal(t, lsda.ModeIndexed, extra[0].Mode())

	all := Merge(Builtin(), extra)
	assert.Len(t, all, len(Builtin())+1)
	tg, err := Lookup(all, "x86_64-unknown-linux-gnu")
	require.NoError(t, err)
	assert.Equal(t, "sysv", tg.ABI)
}

func TestParseRejectsInvalidProfiles(t *testing.T) {
	_, err := Parse([]byte("targets:\n  - name: bad\n    addr_size: 2\n"))
	require.Error(t, err)
	_, err = Parse([]byte("targets:\n  - name: bad\n    addr_size: 8\n    endian: middle\n"))
	require.Error(t, err)
	_, err = Parse([]byte("targets:\n  - name: bad\n    addr_size: 8\n    exceptions: seh\n"))
	require.Error(t, err)
	_, err = Parse([]byte("targets: ["))
	require.Error(t, err)
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup(Builtin(), "vax-dec-ultrix")
	require.ErrorIs(t, err, ErrUnknownTarget)
}
