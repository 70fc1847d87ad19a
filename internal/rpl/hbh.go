package rpl

import "encoding/binary"

// RPL Option (RFC 6550 §11.2) Hop-by-Hop header type, and its 4-byte
// value layout: O(1) Down, R(1) Rank-Error, F(1) Forwarding-Error,
// reserved(5) | RPLInstanceID(8) | SenderRank(16).
const (
	HBHOptionType = 0x63

	hbhFlagDown    = 0x80
	hbhFlagRankErr = 0x40
	hbhFlagFwdErr  = 0x20
)

// HBHOption is the decoded RPL Option carried in an IPv6 Hop-by-Hop
// extension header, per §4.4.7.
type HBHOption struct {
	Down       bool
	RankErr    bool
	FwdErr     bool
	InstanceID uint8
	SenderRank uint16
}

func EncodeHBH(o HBHOption) []byte {
	buf := make([]byte, 6)
	buf[0] = HBHOptionType
	buf[1] = 4
	flags := byte(0)
	if o.Down {
		flags |= hbhFlagDown
	}
	if o.RankErr {
		flags |= hbhFlagRankErr
	}
	if o.FwdErr {
		flags |= hbhFlagFwdErr
	}
	buf[2] = flags
	buf[3] = o.InstanceID
	binary.BigEndian.PutUint16(buf[4:6], o.SenderRank)
	return buf
}

func DecodeHBH(buf []byte) (HBHOption, bool) {
	if len(buf) < 6 || buf[0] != HBHOptionType || buf[1] < 4 {
		return HBHOption{}, false
	}
	return HBHOption{
		Down:       buf[2]&hbhFlagDown != 0,
		RankErr:    buf[2]&hbhFlagRankErr != 0,
		FwdErr:     buf[2]&hbhFlagFwdErr != 0,
		InstanceID: buf[3],
		SenderRank: binary.BigEndian.Uint16(buf[4:6]),
	}, true
}

// InsertHBH builds the option this node should attach when forwarding a
// packet within instanceID: Down is set if the packet travels away from
// the root (destination rank deeper than this node's).
func (e *Engine) InsertHBH(instanceID uint8, destinationIsDownward bool) (HBHOption, bool) {
	inst, ok := e.instances[instanceID]
	if !ok || inst.DAG == nil {
		return HBHOption{}, false
	}
	return HBHOption{Down: destinationIsDownward, InstanceID: instanceID, SenderRank: inst.DAG.Rank}, true
}

// VerifyHBH checks direction consistency against this node's own rank
// (§4.4.7 / RFC 6550 §11.2.2.3): a packet claiming to travel downward
// (Down=1) from a sender whose rank is not less than ours, or upward
// from a sender whose rank is not greater than ours, indicates the DAG
// shape has changed underneath the packet's path. A first offense sets
// RankErr and lets the packet through; a second sets ForwardingError and
// the packet should be dropped by the caller. Either violation should
// reset this instance's Trickle timer.
func (e *Engine) VerifyHBH(o HBHOption) (out HBHOption, drop bool) {
	inst, ok := e.instances[o.InstanceID]
	if !ok || inst.DAG == nil {
		return o, false
	}
	myRank := inst.DAG.Rank
	inconsistent := (o.Down && myRank <= o.SenderRank) || (!o.Down && myRank >= o.SenderRank)
	if !inconsistent {
		return o, false
	}
	inst.Trickle.Reset(e.now())
	if inst.hbhRankErrSeen {
		inst.hbhRankErrSeen = false
		o.FwdErr = true
		return o, true
	}
	inst.hbhRankErrSeen = true
	o.RankErr = true
	return o, false
}

// RevertHBH flips the Down bit and rewrites SenderRank, as required when
// a packet's RPL option must be reversed to route back toward the
// source after a forwarding error (§11.2.2.3 case 2).
func (e *Engine) RevertHBH(o HBHOption) HBHOption {
	o.Down = !o.Down
	if inst, ok := e.instances[o.InstanceID]; ok && inst.DAG != nil {
		o.SenderRank = inst.DAG.Rank
	}
	return o
}
