package lsda

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Config describes the target whose LSDAs are read.
type Config struct {
	Order    binary.ByteOrder
	AddrSize int
	Mode     Mode
	// Strict rejects standard-mode tables whose records are not in
	// ascending start order. Producers always sort, so this is off by default.
	Strict bool
}

// Resolver finds exception actions for one target address space.
// It is immutable and safe for concurrent use.
type Resolver struct {
	mem    Memory
	order  binary.ByteOrder
	width  int
	mode   Mode
	strict bool
}

// NewResolver returns a resolver reading LSDAs from mem.
func NewResolver(mem Memory, cfg Config) (*Resolver, error) {
	if cfg.AddrSize != 4 && cfg.AddrSize != 8 {
		return nil, fmt.Errorf("lsda: unsupported address size %d", cfg.AddrSize)
	}
	if cfg.Order == nil {
		return nil, errors.New("lsda: byte order required")
	}
	if cfg.Mode != ModeStandard && cfg.Mode != ModeIndexed {
		return nil, fmt.Errorf("lsda: unknown mode %s", cfg.Mode)
	}
	return &Resolver{
		mem:    mem,
		order:  cfg.Order,
		width:  cfg.AddrSize,
		mode:   cfg.Mode,
		strict: cfg.Strict,
	}, nil
}

// Mode returns the call-site table layout the resolver was built for.
func (r *Resolver) Mode() Mode { return r.mode }

// Cursor returns a new cursor over the resolver's memory at addr.
func (r *Resolver) Cursor(addr uint64) *Cursor {
	return NewCursor(r.mem, r.order, r.width, addr)
}

// FindAction resolves the action for ctx.IP using the LSDA at lsda.
// A zero lsda means the function has no exception metadata and yields
// NoAction. Any error is terminal for the frame; callers must treat it
// like Terminate.
func (r *Resolver) FindAction(lsda uint64, ctx *Context) (Action, error) {
	if lsda == 0 {
		return Action{Kind: NoAction}, nil
	}
	c := r.Cursor(lsda)
	h, err := ParseHeader(c, ctx)
	if err != nil {
		return Action{}, err
	}
	if r.mode == ModeIndexed {
		return r.walkIndexed(c, ctx, h)
	}
	return r.walkStandard(c, ctx, h)
}

// CallSites decodes the header and every standard-mode record of the LSDA
// at lsda. Record order is preserved as emitted.
func (r *Resolver) CallSites(lsda uint64, ctx *Context) (Header, []CallSite, error) {
	c := r.Cursor(lsda)
	h, err := ParseHeader(c, ctx)
	if err != nil {
		return h, nil, err
	}
	var sites []CallSite
	for c.Pos() < h.ActionTable {
		cs, err := readCallSite(c, ctx, h.CallSiteEncoding)
		if err != nil {
			return h, sites, fmt.Errorf("call site %d: %w", len(sites), err)
		}
		sites = append(sites, cs)
	}
	return h, sites, nil
}

// IndexedSites decodes the header and the indexed-mode records of the
// LSDA at lsda, stopping at the end of the call-site table.
func (r *Resolver) IndexedSites(lsda uint64, ctx *Context) (Header, []IndexedSite, error) {
	c := r.Cursor(lsda)
	h, err := ParseHeader(c, ctx)
	if err != nil {
		return h, nil, err
	}
	var sites []IndexedSite
	for c.Pos() < h.ActionTable {
		s := IndexedSite{Index: uint64(len(sites) + 1)}
		s.LandingPad = c.ULEB128() + 1
		s.Action = c.ULEB128()
		if c.err != nil {
			return h, sites, fmt.Errorf("call site %d: %w", s.Index, c.err)
		}
		sites = append(sites, s)
	}
	return h, sites, nil
}
