// Package analysis ties an ELF image, its target profile, its .eh_frame
// table and an LSDA resolver together.
package analysis

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"ehscope/internal/ehframe"
	"ehscope/internal/elfx"
	"ehscope/internal/lsda"
	"ehscope/internal/target"
)

var ErrNoFunction = errors.New("analysis: function not found")

// Options configures Open.
type Options struct {
	// Targets is the profile list; nil means target.Builtin().
	Targets []target.Target
	// Target names the profile to use. Empty selects one from the ELF header.
	Target string
	// Strict fails on malformed .eh_frame records and unsorted call-site
	// tables.
	Strict bool
	Logger *zerolog.Logger
}

// Binary is an opened image ready for exception-table queries.
type Binary struct {
	File     *elfx.File
	Target   target.Target
	Frames   *ehframe.Frames
	Resolver *lsda.Resolver
}

// Open opens the ELF image at path.
func Open(path string, opts Options) (*Binary, error) {
	f, err := elfx.Open(path)
	if err != nil {
		return nil, err
	}
	b, err := New(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

// New builds a Binary over an already opened image.
func New(f *elfx.File, opts Options) (*Binary, error) {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	targets := opts.Targets
	if targets == nil {
		targets = target.Builtin()
	}

	var t target.Target
	var err error
	if opts.Target != "" {
		t, err = target.Lookup(targets, opts.Target)
	} else {
		t, err = target.ForELF(targets, f.Machine(), f.ELF.Class, f.ByteOrder())
	}
	if err != nil {
		return nil, err
	}
	if t.AddrSize != f.AddrSize() {
		log.Warn().
			Str("target", t.Name).
			Int("target_addr_size", t.AddrSize).
			Int("elf_addr_size", f.AddrSize()).
			Msg("target address size differs from ELF class")
	}

	cfg, err := t.Config()
	if err != nil {
		return nil, err
	}
	cfg.Strict = opts.Strict
	res, err := lsda.NewResolver(f, cfg)
	if err != nil {
		return nil, err
	}

	frames, err := ehframe.FromELF(f, ehframe.Options{Strict: opts.Strict, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	if frames.Skipped != nil {
		log.Warn().Err(frames.Skipped).Msg("skipped malformed .eh_frame records")
	}
	log.Info().
		Str("target", t.Name).
		Str("mode", cfg.Mode.String()).
		Int("fdes", len(frames.FDEs)).
		Msg("loaded binary")

	return &Binary{File: f, Target: t, Frames: frames, Resolver: res}, nil
}

// Close releases the underlying file.
func (b *Binary) Close() error { return b.File.Close() }

// Context returns the resolution context for ip inside fde.
func (b *Binary) Context(fde *ehframe.FDE, ip uint64) *lsda.Context {
	return &lsda.Context{
		IP:        ip,
		FuncStart: fde.Begin,
		TextBase:  b.File.TextBase,
		DataBase:  b.File.DataBase,
	}
}

// Name returns the symbol name for the function starting at addr, or
// "sub_<addr>" when there is none.
func (b *Binary) Name(addr uint64) string {
	if s, ok := b.File.SymbolAt(addr); ok && s.Addr == addr {
		return s.Name
	}
	return fmt.Sprintf("sub_%x", addr)
}

// Resolution is the outcome of resolving one instruction pointer.
type Resolution struct {
	IP        uint64      `json:"ip"`
	Func      string      `json:"func"`
	FuncStart uint64      `json:"func_start"`
	LSDA      uint64      `json:"lsda,omitempty"`
	Action    lsda.Action `json:"action"`
}

// Resolve finds the FDE covering ip and resolves its action. Indexed
// targets use ResolveIndex instead.
func (b *Binary) Resolve(ip uint64) (Resolution, error) {
	fde, err := b.Frames.FDEs.Lookup(ip)
	if err != nil {
		return Resolution{IP: ip}, err
	}
	return b.resolve(fde, ip)
}

// ResolveReturnAddress resolves a return address taken from a stack: the
// call instruction ends at ra, so ra-1 is looked up.
func (b *Binary) ResolveReturnAddress(ra uint64) (Resolution, error) {
	return b.Resolve(ra - 1)
}

// ResolveIndex resolves a call-site index against the LSDA of the function
// starting at funcStart.
func (b *Binary) ResolveIndex(funcStart, index uint64) (Resolution, error) {
	fde, err := b.Frames.FDEs.Lookup(funcStart)
	if err != nil {
		return Resolution{IP: index}, err
	}
	return b.resolve(fde, index)
}

func (b *Binary) resolve(fde *ehframe.FDE, ip uint64) (Resolution, error) {
	r := Resolution{IP: ip, Func: b.Name(fde.Begin), FuncStart: fde.Begin, LSDA: fde.LSDA}
	act, err := b.Resolver.FindAction(fde.LSDA, b.Context(fde, ip))
	if err != nil {
		r.Action = lsda.Action{Kind: lsda.Terminate}
		return r, fmt.Errorf("%s: %w", r.Func, err)
	}
	r.Action = act
	return r, nil
}

// Function is the decoded exception table of one function.
type Function struct {
	Name    string             `json:"name"`
	Begin   uint64             `json:"begin"`
	Size    uint64             `json:"size"`
	LSDA    uint64             `json:"lsda"`
	Header  lsda.Header        `json:"-"`
	LPBase  uint64             `json:"lp_base"`
	Sites   []lsda.CallSite    `json:"call_sites,omitempty"`
	Indexed []lsda.IndexedSite `json:"indexed_sites,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// LandingPads returns the distinct absolute landing-pad addresses.
func (fn *Function) LandingPads() []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	add := func(a uint64) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, cs := range fn.Sites {
		if cs.LandingPad != 0 {
			add(fn.LPBase + cs.LandingPad)
		}
	}
	for _, s := range fn.Indexed {
		add(s.LandingPad)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decode reads the LSDA of fde. A partially decoded table is returned along
// with the error.
func (b *Binary) Decode(fde *ehframe.FDE) (Function, error) {
	fn := Function{Name: b.Name(fde.Begin), Begin: fde.Begin, Size: fde.Size, LSDA: fde.LSDA}
	if fde.LSDA == 0 {
		return fn, nil
	}
	ctx := b.Context(fde, fde.Begin)
	var err error
	if b.Resolver.Mode() == lsda.ModeIndexed {
		fn.Header, fn.Indexed, err = b.Resolver.IndexedSites(fde.LSDA, ctx)
	} else {
		fn.Header, fn.Sites, err = b.Resolver.CallSites(fde.LSDA, ctx)
	}
	fn.LPBase = fn.Header.LPBase
	if err != nil {
		fn.Error = err.Error()
		return fn, fmt.Errorf("%s: %w", fn.Name, err)
	}
	return fn, nil
}

// Functions decodes every function with an LSDA. Decode failures are
// recorded on the function and aggregated in the returned error.
func (b *Binary) Functions() ([]Function, error) {
	var out []Function
	var errs *multierror.Error
	for _, fde := range b.Frames.FDEs.WithLSDA() {
		fn, err := b.Decode(fde)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		out = append(out, fn)
	}
	return out, errs.ErrorOrNil()
}

// FindFunction returns the FDE for a symbol name or a hex address
// ("0x1040") inside the function.
func (b *Binary) FindFunction(name string) (*ehframe.FDE, error) {
	if strings.HasPrefix(name, "0x") {
		addr, err := strconv.ParseUint(name[2:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad address %q", ErrNoFunction, name)
		}
		fde, err := b.Frames.FDEs.Lookup(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoFunction, err)
		}
		return fde, nil
	}
	addr, _, err := b.File.Symbol(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoFunction, err)
	}
	fde, err := b.Frames.FDEs.Lookup(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no FDE", ErrNoFunction, name)
	}
	return fde, nil
}

// ParseAddr parses a hex address with or without the 0x prefix.
func ParseAddr(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
}
