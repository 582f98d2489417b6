package circle

import (
	"maps"

	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
)

// Generation rule: operations that change the member set or the rejection set
// bump the generation; applicant-only changes keep it. Any operation that
// changes the signed content drops every signature it cannot reproduce. Keyless
// operations therefore return circles that must be generation-signed before
// they are published.

func emptyLike(c *Circle) *Circle {
	return &Circle{
		name:       c.name,
		generation: c.generation,
		peers:      map[string]*peer.PeerInfo{},
		applicants: map[string]*peer.PeerInfo{},
		rejected:   map[string]*peer.PeerInfo{},
		signatures: map[string][]byte{},
	}
}

// ResetToEmpty clears every set and signature and keeps the generation.
func (c *Circle) ResetToEmpty() *Circle {
	return emptyLike(c)
}

// ResetToOffering makes requestor the sole member of a fresh generation and
// signs it.
func (c *Circle) ResetToOffering(userKey keys.Signer, requestor *peer.FullPeerInfo) (*Circle, error) {
	if err := checkFull(requestor, "requestor"); err != nil {
		return nil, err
	}
	if requestor.PeerInfo().IsRetired() {
		return nil, newError(KindInvalidArgument, "SOS-ARG-004", "retired peer cannot offer a circle")
	}
	n := emptyLike(c)
	n.generation++
	n.peers[requestor.ID()] = requestor.PeerInfo()
	return n.GenerationSign(userKey, requestor)
}

// RequestAdmission lists requestor as an applicant and refreshes the user
// signature. Members, rejected peers and existing applicants with an equal or
// newer record leave the circle unchanged.
func (c *Circle) RequestAdmission(userKey keys.Signer, requestor *peer.FullPeerInfo) (*Circle, error) {
	if err := checkFull(requestor, "requestor"); err != nil {
		return nil, err
	}
	if userKey == nil {
		return nil, newError(KindInvalidArgument, "SOS-ARG-003", "missing user key")
	}
	id := requestor.ID()
	if c.HasPeer(id) || c.HasRejected(id) {
		return c, nil
	}
	if cur, ok := c.applicants[id]; ok && cur.Serial() >= requestor.PeerInfo().Serial() {
		return c, nil
	}
	n := c.clone()
	n.applicants[id] = requestor.PeerInfo()
	n.signatures = map[string][]byte{}
	if err := n.signSlot(UserSlot, userKey.Sign); err != nil {
		return nil, err
	}
	return n, nil
}

// RecordApplicants adds applications observed in another copy of the circle
// and re-signs with approver's concurrence. Members and current applicants are
// skipped. A rejected peer listed in infos is readmitted, which bumps the
// generation once. If nothing changes c is returned.
func (c *Circle) RecordApplicants(userKey keys.Signer, approver *peer.FullPeerInfo, infos ...*peer.PeerInfo) (*Circle, error) {
	if err := c.checkApprover(approver); err != nil {
		return nil, err
	}
	n := c.clone()
	added, readmitted := 0, 0
	for _, info := range infos {
		if info == nil {
			return nil, newError(KindInvalidArgument, "SOS-ARG-002", "nil applicant")
		}
		id := info.ID()
		switch {
		case n.HasPeer(id), n.HasApplicant(id):
			continue
		case n.HasRejected(id):
			delete(n.rejected, id)
			readmitted++
		}
		n.applicants[id] = info
		added++
	}
	if added == 0 {
		return c, nil
	}
	if readmitted > 0 {
		n.generation++
	}
	n.signatures = map[string][]byte{}
	return n.GenerationSign(userKey, approver)
}

// RequestReadmission moves a rejected peer back to the applicants.
func (c *Circle) RequestReadmission(userPub keys.PublicKey, requestor *peer.FullPeerInfo) (*Circle, error) {
	if err := checkFull(requestor, "requestor"); err != nil {
		return nil, err
	}
	if userPub.IsZero() {
		return nil, newError(KindInvalidArgument, "SOS-ARG-003", "missing user public key")
	}
	if c.Signed() && !c.Verify(userPub) {
		return nil, newError(KindSignatureInvalid, "SOS-SIG-001", "circle is not signed by the user key")
	}
	id := requestor.ID()
	if !c.HasRejected(id) {
		return nil, newError(KindPeerNotFound, "SOS-PEER-003", "peer "+id+" was not rejected")
	}
	n := c.clone()
	delete(n.rejected, id)
	n.applicants[id] = requestor.PeerInfo()
	n.generation++
	n.signatures = map[string][]byte{}
	return n, nil
}

// AcceptRequest admits an applicant, bumps the generation and signs with the
// user key and approver's concurrence.
func (c *Circle) AcceptRequest(userKey keys.Signer, approver *peer.FullPeerInfo, p *peer.PeerInfo) (*Circle, error) {
	if err := c.checkApprover(approver); err != nil {
		return nil, err
	}
	info, err := c.requireApplicant(p)
	if err != nil {
		return nil, err
	}
	n := c.clone()
	delete(n.applicants, info.ID())
	n.peers[info.ID()] = info
	n.generation++
	n.signatures = map[string][]byte{}
	return n.GenerationSign(userKey, approver)
}

// RejectRequest moves an applicant to the rejected set. The result carries only
// approver's concurrence; the user signature must be added before publishing.
func (c *Circle) RejectRequest(approver *peer.FullPeerInfo, p *peer.PeerInfo) (*Circle, error) {
	if err := c.checkApprover(approver); err != nil {
		return nil, err
	}
	info, err := c.requireApplicant(p)
	if err != nil {
		return nil, err
	}
	n := c.clone()
	delete(n.applicants, info.ID())
	n.rejected[info.ID()] = info
	n.generation++
	n.signatures = map[string][]byte{}
	if err := n.signSlot(approver.ID(), approver.Sign); err != nil {
		return nil, err
	}
	return n, nil
}

// WithdrawRequest drops p from the applicants. Absent applicants are a no-op.
func (c *Circle) WithdrawRequest(p *peer.PeerInfo) *Circle {
	if p == nil || !c.HasApplicant(p.ID()) {
		return c
	}
	n := c.clone()
	delete(n.applicants, p.ID())
	n.signatures = map[string][]byte{}
	return n
}

// RemoveRejectedPeer forgets a rejection so the peer may apply afresh.
func (c *Circle) RemoveRejectedPeer(p *peer.PeerInfo) *Circle {
	if p == nil || !c.HasRejected(p.ID()) {
		return c
	}
	n := c.clone()
	delete(n.rejected, p.ID())
	n.generation++
	n.signatures = map[string][]byte{}
	return n
}

// RemovePeer drops a member, bumps the generation and signs. A remover that
// removes itself is no longer a member, but still concurs in its own slot so
// the remaining members can accept its departure.
func (c *Circle) RemovePeer(userKey keys.Signer, remover *peer.FullPeerInfo, p *peer.PeerInfo) (*Circle, error) {
	if err := checkFull(remover, "remover"); err != nil {
		return nil, err
	}
	if userKey == nil {
		return nil, newError(KindInvalidArgument, "SOS-ARG-003", "missing user key")
	}
	if p == nil {
		return nil, newError(KindInvalidArgument, "SOS-ARG-002", "nil peer")
	}
	if !c.HasPeer(p.ID()) {
		return nil, newError(KindPeerNotFound, "SOS-PEER-002", "peer "+p.ID()+" is not a member")
	}
	if p.ID() != remover.ID() && !c.HasPeer(remover.ID()) {
		return nil, newError(KindPeerNotFound, "SOS-PEER-004", "remover "+remover.ID()+" is not a member")
	}
	n := c.clone()
	delete(n.peers, p.ID())
	n.generation++
	n.signatures = map[string][]byte{}
	if p.ID() == remover.ID() {
		if err := n.signSlot(UserSlot, userKey.Sign); err != nil {
			return nil, err
		}
		if err := n.signSlot(remover.ID(), remover.Sign); err != nil {
			return nil, err
		}
		return n, nil
	}
	return n.GenerationSign(userKey, remover)
}

// RemoveRetired drops members whose records carry a retirement stamp.
func (c *Circle) RemoveRetired() *Circle {
	n := c.clone()
	maps.DeleteFunc(n.peers, func(_ string, p *peer.PeerInfo) bool { return p.IsRetired() })
	if len(n.peers) == len(c.peers) {
		return c
	}
	n.generation++
	n.signatures = map[string][]byte{}
	return n
}

// UpdatePeerInfo swaps in a newer self-signed record for a member or
// applicant. Records are outside the signed content, so signatures and the
// generation are kept.
func (c *Circle) UpdatePeerInfo(replacement *peer.PeerInfo) (*Circle, error) {
	if replacement == nil {
		return nil, newError(KindInvalidArgument, "SOS-ARG-002", "nil replacement")
	}
	id := replacement.ID()
	n := c.clone()
	var set map[string]*peer.PeerInfo
	switch {
	case c.HasPeer(id):
		set = n.peers
	case c.HasApplicant(id):
		set = n.applicants
	default:
		return nil, newError(KindPeerNotFound, "SOS-PEER-005", "peer "+id+" is not in the circle")
	}
	cur := set[id]
	if cur.Identical(replacement) {
		return c, nil
	}
	if replacement.Serial() <= cur.Serial() {
		return nil, newError(KindInvalidArgument, "SOS-ARG-005", "replacement record is not newer")
	}
	set[id] = replacement
	return n, nil
}

func checkFull(fp *peer.FullPeerInfo, role string) error {
	if err := fp.Validate(); err != nil {
		return wrapError(KindInvalidArgument, "SOS-ARG-002", "invalid "+role, err)
	}
	return nil
}

func (c *Circle) checkApprover(approver *peer.FullPeerInfo) error {
	if err := checkFull(approver, "approver"); err != nil {
		return err
	}
	if !c.HasPeer(approver.ID()) {
		return newError(KindPeerNotFound, "SOS-PEER-004", "approver "+approver.ID()+" is not a member")
	}
	return nil
}

func (c *Circle) requireApplicant(p *peer.PeerInfo) (*peer.PeerInfo, error) {
	if p == nil {
		return nil, newError(KindInvalidArgument, "SOS-ARG-002", "nil applicant")
	}
	info, ok := c.applicants[p.ID()]
	if !ok {
		return nil, newError(KindPeerNotFound, "SOS-PEER-001", "peer "+p.ID()+" is not an applicant")
	}
	return info, nil
}
