package rpl

import (
	"net/netip"
	"time"
)

// HandleDIS processes a received DODAG Information Solicitation
// (§4.4.8): a multicast DIS resets Trickle for every instance this node
// runs (prompting everyone to re-announce sooner); a unicast DIS gets an
// immediate unicast DIO reply for each instance instead of a full reset.
func (e *Engine) HandleDIS(src netip.Addr, multicast bool) {
	for _, inst := range e.instances {
		if inst.DAG == nil || !inst.DAG.Joined {
			continue
		}
		if multicast {
			inst.Trickle.Reset(e.now())
			continue
		}
		e.sendDIO(inst, src)
	}
}

// SendDIS emits a multicast DIS, used when this node has no DAG to join
// and wants to prompt nearby routers to announce themselves sooner than
// their next scheduled DIO.
func (e *Engine) SendDIS(iface int) {
	if e.transmit == nil {
		return
	}
	buf := encodeDIS(nil)
	_ = e.transmit(iface, multicastRPLGroup(), buf)
}

// sendDIO emits this instance's current DIO, unicast to dst if valid,
// otherwise to the link-local all-RPL-nodes multicast group.
func (e *Engine) sendDIO(inst *Instance, dst netip.Addr) {
	if inst.DAG == nil || e.transmit == nil {
		return
	}
	msg := dioMsg{
		InstanceID: inst.InstanceID,
		Version:    inst.DAG.Version,
		Rank:       inst.DAG.Rank,
		Grounded:   inst.DAG.Grounded,
		MOP:        inst.MOP,
		Preference: inst.DAG.Preference,
		DTSN:       inst.DTSN,
		DODAGID:    inst.DAG.DAGID,
	}
	var opts []byte
	if inst.DAG.Prefix.IsValid() {
		opts = append(opts, encodePrefixInfoOption(inst.DAG.Prefix, inst.DAG.PrefixLifetime)...)
	}
	buf := encodeDIO(msg, opts)

	if !dst.IsValid() {
		dst = multicastRPLGroup()
	}
	if err := e.transmit(e.iface, dst, buf); err != nil {
		e.log.Debug("DIO transmit failed", "err", err)
	}
}

// ScanDIOTimers drives every instance's Trickle timer, emitting a DIO
// when it fires and advancing to the next interval at the boundary.
// Returns the earliest deadline across all instances.
func (e *Engine) ScanDIOTimers(now time.Time) (next time.Time, ok bool) {
	for _, inst := range e.instances {
		if inst.DAG == nil || !inst.DAG.Joined || inst.Trickle == nil {
			continue
		}
		if inst.Trickle.ShouldTransmitNow(now) {
			e.sendDIO(inst, netip.Addr{})
		}
		if inst.Trickle.IntervalEnd(now) {
			inst.Trickle.AdvanceInterval(now)
		}
		track(&next, &ok, inst.Trickle.NextDeadline(), true)
	}
	return next, ok
}

// encodePrefixInfoOption encodes a Prefix Information option (§6.7.3)
// advertising dag's configured prefix with the L (on-link) and
// A (autonomous) flags set, matching how this node's own RA behavior
// treats DAG-wide prefixes.
func encodePrefixInfoOption(prefix netip.Prefix, lifetime time.Duration) []byte {
	out := make([]byte, 32)
	out[0] = optPrefixInfo
	out[1] = 30
	out[2] = byte(prefix.Bits())
	out[3] = 0xC0 // L+A, matching this node's own SLAAC-eligible prefixes
	secs := uint32(lifetime / time.Second)
	out[4] = byte(secs >> 24)
	out[5] = byte(secs >> 16)
	out[6] = byte(secs >> 8)
	out[7] = byte(secs)
	copy(out[8:12], out[4:8]) // preferred lifetime mirrors valid lifetime
	addr := prefix.Addr().As16()
	copy(out[16:32], addr[:])
	return out
}
