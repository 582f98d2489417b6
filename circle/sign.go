package circle

import (
	"iter"

	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
)

func (c *Circle) signSlot(slot string, sign func([]byte) ([]byte, error)) error {
	content, err := c.SignedContent()
	if err != nil {
		return err
	}
	sig, err := sign(content)
	if err != nil {
		return wrapError(KindInternal, "SOS-SIG-003", "sign circle", err)
	}
	if len(sig) == 0 {
		return newError(KindInternal, "SOS-SIG-003", "signer returned an empty signature")
	}
	c.signatures[slot] = sig
	return nil
}

// GenerationSign signs the current content with the user key and adds p's
// concurrence. Member signatures that no longer verify are dropped, together
// with the slots of departed members. p may be
// nil for a signer that is not a member, such as an applicant; then only the
// user signature is produced.
func (c *Circle) GenerationSign(userKey keys.Signer, p *peer.FullPeerInfo) (*Circle, error) {
	if userKey == nil {
		return nil, newError(KindInvalidArgument, "SOS-ARG-003", "missing user key")
	}
	if p != nil {
		if err := checkFull(p, "signer"); err != nil {
			return nil, err
		}
		if !c.HasPeer(p.ID()) {
			return nil, newError(KindPeerNotFound, "SOS-PEER-004", "signer "+p.ID()+" is not a member")
		}
	}
	n := c.clone()
	content, err := n.SignedContent()
	if err != nil {
		return nil, err
	}
	for slot, sig := range n.signatures {
		member, ok := n.peers[slot]
		if !ok || !member.VerifySignature(content, sig) {
			delete(n.signatures, slot)
		}
	}
	if err := n.signSlot(UserSlot, userKey.Sign); err != nil {
		return nil, err
	}
	if p == nil {
		return n, nil
	}
	if err := n.signSlot(p.ID(), p.Sign); err != nil {
		return nil, err
	}
	return n, nil
}

// GenerationUpdate bumps the generation and signs afresh. Every other
// concurrence signature is invalidated by the bump.
func (c *Circle) GenerationUpdate(userKey keys.Signer, p *peer.FullPeerInfo) (*Circle, error) {
	n := c.clone()
	n.generation++
	n.signatures = map[string][]byte{}
	return n.GenerationSign(userKey, p)
}

// PeerSigUpdate refreshes only fp's concurrence signature. The circle must
// already carry a valid signature by userKey.
func (c *Circle) PeerSigUpdate(userKey keys.Signer, fp *peer.FullPeerInfo) (*Circle, error) {
	if userKey == nil {
		return nil, newError(KindInvalidArgument, "SOS-ARG-003", "missing user key")
	}
	if err := checkFull(fp, "signer"); err != nil {
		return nil, err
	}
	if !c.HasPeer(fp.ID()) {
		return nil, newError(KindPeerNotFound, "SOS-PEER-004", "signer "+fp.ID()+" is not a member")
	}
	if !c.Verify(userKey.Public()) {
		return nil, newError(KindSignatureInvalid, "SOS-SIG-002", "circle is not signed by the user key")
	}
	n := c.clone()
	if err := n.signSlot(fp.ID(), fp.Sign); err != nil {
		return nil, err
	}
	return n, nil
}

// Verify checks the user signature against userPub.
func (c *Circle) Verify(userPub keys.PublicKey) bool {
	return c.verifyWith(userPub, UserSlot)
}

// VerifySignatureExists reports whether a user signature is present and there
// is a key to check it with. It performs no cryptography.
func (c *Circle) VerifySignatureExists(userPub keys.PublicKey) bool {
	return !userPub.IsZero() && c.Signed()
}

// VerifyPeerSigned checks p's concurrence signature using p's own key.
func (c *Circle) VerifyPeerSigned(p *peer.PeerInfo) bool {
	if p == nil {
		return false
	}
	return c.verifyWith(p.Key(), p.ID())
}

// IsPeerActive reports whether id is a member with a valid concurrence
// signature on a circle validly signed by userPub.
func (c *Circle) IsPeerActive(id string, userPub keys.PublicKey) bool {
	p, ok := c.peers[id]
	return ok && c.VerifyPeerSigned(p) && c.Verify(userPub)
}

// ConcurringPeers yields, in peer ID order, the members whose concurrence
// signature verifies. The user signature is not consulted.
func (c *Circle) ConcurringPeers() iter.Seq[*peer.PeerInfo] {
	return func(yield func(*peer.PeerInfo) bool) {
		content, err := c.SignedContent()
		if err != nil {
			return
		}
		for p := range c.Peers() {
			sig, ok := c.signatures[p.ID()]
			if !ok || !p.VerifySignature(content, sig) {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}
