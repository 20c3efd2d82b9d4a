// Package target describes the platforms whose exception tables ehscope reads.
package target

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ehscope/internal/lsda"
)

var (
	ErrUnknownTarget = errors.New("target: unknown target")
	ErrNoMatch       = errors.New("target: no profile matches binary")
)

// Target is a platform profile. Only the fields that change how exception
// metadata is decoded matter here; the rest is informational.
type Target struct {
	Name       string `yaml:"name" json:"name"`
	Arch       string `yaml:"arch" json:"arch"`
	AddrSize   int    `yaml:"addr_size" json:"addr_size"`
	Endian     string `yaml:"endian" json:"endian"`
	ABI        string `yaml:"abi,omitempty" json:"abi,omitempty"`
	Exceptions string `yaml:"exceptions,omitempty" json:"exceptions,omitempty"` // "dwarf" or "sjlj"
}

var builtin = []Target{
	{Name: "x86_64-unknown-linux-gnu", Arch: "x86_64", AddrSize: 8, Endian: "little"},
	{Name: "i686-unknown-linux-gnu", Arch: "x86", AddrSize: 4, Endian: "little"},
	{Name: "aarch64-unknown-linux-gnu", Arch: "aarch64", AddrSize: 8, Endian: "little"},
	{Name: "aarch64_be-unknown-linux-gnu", Arch: "aarch64", AddrSize: 8, Endian: "big"},
	{Name: "armv7-unknown-linux-gnueabihf", Arch: "arm", AddrSize: 4, Endian: "little"},
	{Name: "armv7-apple-ios", Arch: "arm", AddrSize: 4, Endian: "little", Exceptions: "sjlj"},
	{Name: "riscv64gc-unknown-linux-gnu", Arch: "riscv64", AddrSize: 8, Endian: "little"},
	{Name: "powerpc64-unknown-linux-gnu", Arch: "ppc64", AddrSize: 8, Endian: "big"},
	// CHERI purecap targets carry 128-bit capabilities but 64-bit (or
	// 32-bit) addresses; LSDA values are addresses.
	{Name: "morello-unknown-linux-purecap", Arch: "aarch64", AddrSize: 8, Endian: "little", ABI: "purecap"},
	{Name: "morello-unknown-freebsd-purecap", Arch: "aarch64", AddrSize: 8, Endian: "little", ABI: "purecap"},
	{Name: "morello-unknown-none-purecap", Arch: "aarch64", AddrSize: 8, Endian: "little", ABI: "purecap"},
	{Name: "riscv32imcxcheri-unknown-none-purecap", Arch: "riscv32", AddrSize: 4, Endian: "little", ABI: "purecap"},
}

// Builtin returns a copy of the built-in profiles.
func Builtin() []Target {
	return append([]Target(nil), builtin...)
}

// Validate checks that the profile can be turned into a decoder config.
func (t Target) Validate() error {
	if t.Name == "" {
		return errors.New("target: profile without name")
	}
	if t.AddrSize != 4 && t.AddrSize != 8 {
		return fmt.Errorf("target %s: address size %d not supported", t.Name, t.AddrSize)
	}
	if _, err := t.ByteOrder(); err != nil {
		return err
	}
	if _, err := lsda.ParseMode(t.Exceptions); err != nil {
		return fmt.Errorf("target %s: %w", t.Name, err)
	}
	return nil
}

// ByteOrder returns the profile's byte order.
func (t Target) ByteOrder() (binary.ByteOrder, error) {
	switch strings.ToLower(t.Endian) {
	case "little", "le", "":
		return binary.LittleEndian, nil
	case "big", "be":
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("target %s: unknown endianness %q", t.Name, t.Endian)
}

// Mode returns the call-site table layout used by the target.
func (t Target) Mode() lsda.Mode {
	m, _ := lsda.ParseMode(t.Exceptions)
	return m
}

// Config returns the LSDA decoder configuration for the profile.
func (t Target) Config() (lsda.Config, error) {
	if err := t.Validate(); err != nil {
		return lsda.Config{}, err
	}
	order, _ := t.ByteOrder()
	return lsda.Config{Order: order, AddrSize: t.AddrSize, Mode: t.Mode()}, nil
}

type file struct {
	Targets []Target `yaml:"targets"`
}

// Load reads additional profiles from a YAML file of the form
//
//	targets:
//	  - name: armv7-custom-sjlj
//	    arch: arm
//	    addr_size: 4
//	    endian: little
//	    exceptions: sjlj
func Load(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("target: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML profiles. Every profile is validated.
func Parse(data []byte) ([]Target, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("target: decode: %w", err)
	}
	for _, t := range f.Targets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Targets, nil
}

// Merge returns base with extra appended; profiles in extra replace base
// profiles of the same name.
func Merge(base, extra []Target) []Target {
	out := make([]Target, 0, len(base)+len(extra))
	override := make(map[string]bool, len(extra))
	for _, t := range extra {
		override[t.Name] = true
	}
	for _, t := range base {
		if !override[t.Name] {
			out = append(out, t)
		}
	}
	return append(out, extra...)
}

// Lookup finds a profile by name.
func Lookup(targets []Target, name string) (Target, error) {
	for _, t := range targets {
		if t.Name == name {
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
}

var machineArch = map[elf.Machine]string{
	elf.EM_X86_64:  "x86_64",
	elf.EM_386:     "x86",
	elf.EM_AARCH64: "aarch64",
	elf.EM_ARM:     "arm",
	elf.EM_PPC64:   "ppc64",
}

// ArchOf maps an ELF machine and class to a profile architecture name.
func ArchOf(machine elf.Machine, class elf.Class) string {
	if machine == elf.EM_RISCV {
		if class == elf.ELFCLASS32 {
			return "riscv32"
		}
		return "riscv64"
	}
	return machineArch[machine]
}

// ForELF picks the first profile matching the binary's architecture,
// class and byte order. Profiles with a non-default ABI or SjLj exceptions
// are only chosen by name.
func ForELF(targets []Target, machine elf.Machine, class elf.Class, order binary.ByteOrder) (Target, error) {
	arch := ArchOf(machine, class)
	size := 8
	if class == elf.ELFCLASS32 {
		size = 4
	}
	for _, t := range targets {
		if t.Arch != arch || t.AddrSize != size || t.ABI != "" || t.Mode() != lsda.ModeStandard {
			continue
		}
		if o, err := t.ByteOrder(); err == nil && o == order {
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("%w: %s class %s order %s", ErrNoMatch, machine, class, order)
}
