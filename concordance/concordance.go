// Package concordance decides whether a proposed circle supersedes the one a
// device currently trusts.
//
// Evaluation is a pure function of its inputs and never fails: every outcome,
// including rejections, is reported as a Status.
package concordance

import (
	"slices"

	"xdao.co/sos/circle"
	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
)

type Status string

const (
	StatusTrusted       Status = "Trusted"
	StatusWeSigned      Status = "WeSigned"
	StatusGenerationOld Status = "GenerationOld"
	StatusNoUserSig     Status = "NoUserSig"
	StatusNoUserKey     Status = "NoUserKey"
	StatusBadUserSig    Status = "BadUserSig"
	StatusNoPeerSig     Status = "NoPeerSig"
	StatusBadPeerSig    Status = "BadPeerSig"
	StatusNoPeer        Status = "NoPeer"
	// StatusInvalid covers a missing proposal or one from another circle.
	StatusInvalid Status = "Invalid"
)

// Accepted reports whether a proposal with this status may replace the known
// circle.
func (s Status) Accepted() bool {
	return s == StatusTrusted || s == StatusWeSigned
}

// Verdict is the evidence behind a Status. It does not change the outcome; it
// lets callers log why a proposal was refused.
type Verdict struct {
	Status             Status
	KnownGeneration    uint64
	ProposedGeneration uint64
	// Signers lists, in peer ID order, the trusted peers whose concurrence on
	// the proposal verified.
	Signers []string
	// Missing and Invalid list trusted peers with absent or failing signatures.
	Missing []string
	Invalid []string
	Reason  string
}

// Trust classifies proposed against known. knownUserPub is preferred for the
// user signature; proposedUserPub is used only when knownUserPub is zero.
// exclude is the evaluating device, whose own signature does not count toward
// the peer quorum.
func Trust(known, proposed *circle.Circle, knownUserPub, proposedUserPub keys.PublicKey, exclude *peer.PeerInfo) Status {
	return Evaluate(known, proposed, knownUserPub, proposedUserPub, exclude).Status
}

// Evaluate runs the checks in precedence order; the first that matches wins.
// A nil known circle means nothing is trusted yet.
func Evaluate(known, proposed *circle.Circle, knownUserPub, proposedUserPub keys.PublicKey, exclude *peer.PeerInfo) Verdict {
	v := Verdict{}
	if proposed == nil {
		return v.with(StatusInvalid, "no proposal")
	}
	v.ProposedGeneration = proposed.Generation()
	if known != nil {
		v.KnownGeneration = known.Generation()
		if known.Name() != proposed.Name() {
			return v.with(StatusInvalid, "proposal belongs to circle "+proposed.Name())
		}
	}

	identical := known != nil && known.Equal(proposed)
	if known != nil && !identical {
		switch {
		case proposed.Generation() < known.Generation():
			return v.with(StatusGenerationOld, "older generation")
		case proposed.Generation() == known.Generation() && !Outranks(proposed, known):
			return v.with(StatusGenerationOld, "same generation, outranked by known circle")
		}
	}

	if !proposed.Signed() {
		return v.with(StatusNoUserSig, "no user signature")
	}
	userPub := knownUserPub
	if userPub.IsZero() {
		userPub = proposedUserPub
	}
	if userPub.IsZero() {
		return v.with(StatusNoUserKey, "no user key to verify with")
	}
	if !proposed.Verify(userPub) {
		return v.with(StatusBadUserSig, "user signature does not verify")
	}

	weSigned := identical && exclude != nil && proposed.HasPeer(exclude.ID()) && proposed.VerifyPeerSigned(exclude)

	pool := trustedPool(known, proposed, exclude)
	if len(pool) == 0 {
		if weSigned {
			return v.with(StatusWeSigned, "our own publication")
		}
		return v.with(StatusNoPeer, "no trusted peer in common")
	}
	for _, p := range pool {
		switch {
		case !hasSignature(proposed, p.ID()):
			v.Missing = append(v.Missing, p.ID())
		case proposed.VerifyPeerSigned(p):
			v.Signers = append(v.Signers, p.ID())
		default:
			v.Invalid = append(v.Invalid, p.ID())
		}
	}
	if len(v.Signers) == 0 && len(v.Invalid) == 0 {
		if weSigned {
			return v.with(StatusWeSigned, "our own publication")
		}
		return v.with(StatusNoPeerSig, "no trusted peer signed the proposal")
	}
	if len(v.Invalid) > 0 {
		return v.with(StatusBadPeerSig, "peer signature does not verify")
	}
	if weSigned {
		return v.with(StatusWeSigned, "our own publication")
	}
	return v.with(StatusTrusted, "")
}

func (v Verdict) with(s Status, reason string) Verdict {
	v.Status = s
	v.Reason = reason
	return v
}

// trustedPool returns the peers whose signatures count: members of the known
// circle other than exclude that the proposal still lists or that signed it,
// so a member concurring with its own departure counts. With nothing known
// every proposed member counts. Records come from the known circle.
func trustedPool(known, proposed *circle.Circle, exclude *peer.PeerInfo) []*peer.PeerInfo {
	from := known
	if known == nil || known.PeerCount() == 0 {
		from = proposed
	}
	var pool []*peer.PeerInfo
	for p := range from.Peers() {
		if exclude != nil && p.ID() == exclude.ID() {
			continue
		}
		if !proposed.HasPeer(p.ID()) && !hasSignature(proposed, p.ID()) {
			continue
		}
		pool = append(pool, p)
	}
	return pool
}

func hasSignature(c *circle.Circle, slot string) bool {
	_, ok := c.Signature(slot)
	return ok
}

// Outranks orders two circles of the same generation: the one with more
// concurring members wins, then the one carrying fresher peer records (a
// higher serial total), and finally the greater CID. Every device therefore
// settles on the same winner regardless of arrival order.
func Outranks(a, b *circle.Circle) bool {
	if ra, rb := rank(a), rank(b); ra != rb {
		return ra > rb
	}
	if fa, fb := freshness(a), freshness(b); fa != fb {
		return fa > fb
	}
	ida, errA := a.CID()
	idb, errB := b.CID()
	if errA != nil || errB != nil {
		return false
	}
	return ida > idb
}

func rank(c *circle.Circle) int {
	n := 0
	for range c.ConcurringPeers() {
		n++
	}
	return n
}

// freshness sums the record serials of members and applicants. Records sit
// outside the signed content, so a record refresh leaves the rank unchanged.
func freshness(c *circle.Circle) uint64 {
	var n uint64
	for p := range c.Peers() {
		n += p.Serial()
	}
	for p := range c.Applicants() {
		n += p.Serial()
	}
	return n
}

// SharedTrustedPeers reports whether some peer other than me concurs with
// both current and proposed.
func SharedTrustedPeers(current, proposed *circle.Circle, me *peer.PeerInfo) bool {
	if current == nil || proposed == nil {
		return false
	}
	var inCurrent []string
	for p := range current.ConcurringPeers() {
		if me == nil || p.ID() != me.ID() {
			inCurrent = append(inCurrent, p.ID())
		}
	}
	for p := range proposed.ConcurringPeers() {
		if _, found := slices.BinarySearch(inCurrent, p.ID()); found {
			return true
		}
	}
	return false
}
