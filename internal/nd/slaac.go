package nd

import (
	"net/netip"
	"time"
)

const twoHours = 2 * time.Hour

// autoconfigure implements §4.3.6: derive an address from prefix P (len
// 64) and the interface's EUI-64 identifier, or refresh an existing
// autoconf address's lifetimes under the two-hour rule (RFC 4862 §5.5.3).
func (e *Engine) autoconfigure(iface int, pi PrefixInfo) {
	s := e.iface(iface)
	addr := deriveSLAACAddress(pi.Prefix, s.eui64)

	now := time.Now()
	validFor := time.Duration(pi.ValidLifetime) * time.Second
	prefFor := time.Duration(pi.PreferredLife) * time.Second
	infinite := pi.ValidLifetime == 0xffffffff

	if existing := e.findAddress(iface, addr); existing != nil && existing.Autoconf {
		applyTwoHourRule(existing, now, validFor, infinite)
		if !infinite {
			existing.PreferredUntil = now.Add(prefFor)
		}
		return
	}

	a := &Address{
		Addr:      addr,
		PrefixLen: pi.Prefix.Bits(),
		Tentative: true,
		Autoconf:  true,
		Infinite:  infinite,
	}
	if !infinite {
		a.ValidUntil = now.Add(validFor)
		a.PreferredUntil = now.Add(prefFor)
	}
	s.addresses = append(s.addresses, a)
	e.StartDAD(iface, addr)
}

// applyTwoHourRule implements RFC 4862 §5.5.3's overflow-avoidance
// policy: the stored valid lifetime becomes
// max(remaining_valid, min(advertised_valid, 2h)), except an advertised
// value strictly greater than the cap always replaces it directly.
func applyTwoHourRule(a *Address, now time.Time, advertisedValid time.Duration, infinite bool) {
	if infinite {
		a.Infinite = true
		return
	}
	if advertisedValid > twoHours {
		a.Infinite = false
		a.ValidUntil = now.Add(advertisedValid)
		return
	}

	var remaining time.Duration
	if a.Infinite {
		remaining = advertisedValid // no stored finite remaining to compare against
	} else if a.ValidUntil.After(now) {
		remaining = a.ValidUntil.Sub(now)
	}

	capped := advertisedValid
	if capped > twoHours {
		capped = twoHours
	}
	newRemaining := remaining
	if capped > newRemaining {
		newRemaining = capped
	}
	a.Infinite = false
	a.ValidUntil = now.Add(newRemaining)
}

// deriveSLAACAddress combines a /64 prefix with an EUI-64-derived
// interface identifier (the universal/local bit flipped, RFC 4291
// §2.5.1) to produce a full address.
func deriveSLAACAddress(prefix netip.Prefix, eui64 [8]byte) netip.Addr {
	iid := iidFromEUI64(eui64)
	pb := prefix.Addr().As16()
	var full [16]byte
	copy(full[:8], pb[:8])
	copy(full[8:], iid[:])
	return netip.AddrFrom16(full)
}

func iidFromEUI64(eui64 [8]byte) [8]byte {
	out := eui64
	out[0] ^= 0x02
	return out
}
