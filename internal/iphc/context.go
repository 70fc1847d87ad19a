// Package iphc implements 6LoWPAN IPv6/UDP header compression and
// decompression (RFC 6282) with stateless and context-based prefix
// compression fed by 6LoWPAN contexts the ND engine installs via the
// 6CO option (spec C5).
package iphc

import (
	"errors"
	"net/netip"
	"time"
)

// MaxContexts bounds the 4-bit Context Identifier space (0-15).
const MaxContexts = 16

var (
	ErrNoContext       = errors.New("iphc: required context not installed")
	ErrBadCID          = errors.New("iphc: context id out of range")
	ErrUnsupportedNH   = errors.New("iphc: unsupported next header for NHC")
	ErrTruncated       = errors.New("iphc: truncated IPHC packet")
	ErrUnsupportedDisp = errors.New("iphc: unrecognized dispatch")
)

// Context is a single 6LoWPAN context table entry (spec §3).
type Context struct {
	Prefix   netip.Prefix
	Compress bool // usable for compression; expired entries decompress-only
	Deadline time.Time
	HasLifetime bool
	Iface    int
	inUse    bool
}

// ContextTable holds up to MaxContexts contexts, indexed by CID.
// Installed/updated/removed by the ND engine's 6CO option handler.
type ContextTable struct {
	entries [MaxContexts]Context
}

func NewContextTable() *ContextTable { return &ContextTable{} }

// Set installs or updates the context at cid.
func (t *ContextTable) Set(cid uint8, c Context) error {
	if cid >= MaxContexts {
		return ErrBadCID
	}
	c.inUse = true
	t.entries[cid] = c
	return nil
}

// Remove clears the context at cid.
func (t *ContextTable) Remove(cid uint8) error {
	if cid >= MaxContexts {
		return ErrBadCID
	}
	t.entries[cid] = Context{}
	return nil
}

// Get returns the context at cid, if installed.
func (t *ContextTable) Get(cid uint8) (Context, bool) {
	if cid >= MaxContexts {
		return Context{}, false
	}
	c := t.entries[cid]
	return c, c.inUse
}

// Expire marks any context whose deadline has passed as decompress-only.
func (t *ContextTable) Expire(now time.Time) {
	for i := range t.entries {
		c := &t.entries[i]
		if c.inUse && c.HasLifetime && !now.Before(c.Deadline) {
			c.Compress = false
		}
	}
}

// MatchForCompress finds the longest-matching installed, compress-usable
// context covering addr.
func (t *ContextTable) MatchForCompress(addr netip.Addr) (cid uint8, ctx Context, ok bool) {
	bestBits := -1
	for i := range t.entries {
		c := t.entries[i]
		if !c.inUse || !c.Compress {
			continue
		}
		if c.Prefix.Contains(addr) && c.Prefix.Bits() > bestBits {
			cid, ctx, ok = uint8(i), c, true
			bestBits = c.Prefix.Bits()
		}
	}
	return
}
