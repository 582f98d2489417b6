package account

import (
	"context"
	"errors"
	"fmt"

	"xdao.co/sos/circle"
	"xdao.co/sos/compliance"
	"xdao.co/sos/concordance"
	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
	"xdao.co/sos/transport"
)

// Outcome reports what happened to an inbound proposal.
type Outcome struct {
	Status   concordance.Status
	Accepted bool
	Reason   string
}

// Sync fetches the latest published circle and handles it.
func (a *AccountTrust) Sync(ctx context.Context) (Outcome, error) {
	if a.transport == nil {
		return Outcome{}, errors.New("account: no transport configured")
	}
	raw, err := a.transport.Fetch(ctx, a.name)
	if errors.Is(err, transport.ErrNoCircle) {
		return Outcome{}, fmt.Errorf("%w: nothing published", ErrNoCircle)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("account: fetch: %w", err)
	}
	return a.HandleProposed(ctx, raw)
}

// HandleProposed evaluates an encoded circle received from another device and
// adopts it when concordance and the compliance mode allow. Refused proposals,
// including ones that fail to decode, are logged and reported in the Outcome;
// the error is reserved for local failures.
func (a *AccountTrust) HandleProposed(ctx context.Context, raw []byte) (Outcome, error) {
	proposed, err := circle.Decode(raw)
	if err != nil {
		a.log.Info("ignoring undecodable circle", "error", err)
		return Outcome{Status: concordance.StatusInvalid, Reason: "undecodable: " + err.Error()}, nil
	}
	a.lock()
	defer a.unlock()
	return a.handle(ctx, proposed)
}

func (a *AccountTrust) handle(ctx context.Context, proposed *circle.Circle) (Outcome, error) {
	var me *peer.PeerInfo
	if a.me != nil {
		me = a.me.PeerInfo()
	}
	v := a.evaluate(proposed, me)
	out := Outcome{Status: v.Status, Reason: v.Reason}

	if !compliance.Permits(a.mode, v.Status, a.trusted, proposed, me) {
		if v.Status.Accepted() {
			out.Reason = "no shared trusted peer"
		}
		a.log.Info("proposal not accepted",
			"status", v.Status,
			"reason", out.Reason,
			"known_generation", v.KnownGeneration,
			"proposed_generation", v.ProposedGeneration,
			"missing", len(v.Missing),
			"invalid", len(v.Invalid))
		a.pending = append(a.pending, func(o Observer) { o.OnRejected(proposed, v.Status) })
		recorded, err := a.recordApplications(ctx, proposed, v.Status)
		if err != nil || recorded {
			return out, err
		}
		if v.Status == concordance.StatusGenerationOld && a.trusted != nil {
			// The sender holds an outranked circle; make ours the latest
			// publication so it can catch up.
			return out, a.publish(ctx, a.trusted, "answer outranked circle")
		}
		return out, nil
	}

	out.Accepted = true
	if v.Status == concordance.StatusWeSigned || proposed.Equal(a.trusted) {
		return out, nil
	}
	old := a.trusted
	if err := a.install(ctx, proposed); err != nil {
		return out, err
	}
	a.noteDeparture(old, proposed)
	if err := a.followUp(ctx, proposed); err != nil {
		return out, err
	}
	return out, a.persist(ctx)
}

// evaluate memoizes concordance. Verdicts depend only on the two circles, the
// user key, and this device, which together form the cache key.
func (a *AccountTrust) evaluate(proposed *circle.Circle, me *peer.PeerInfo) concordance.Verdict {
	key := ""
	if pid, err := proposed.CID(); err == nil {
		meID := ""
		if me != nil {
			meID = me.ID()
		}
		key = a.trustedCID + "|" + pid + "|" + meID + "|" + a.userPub.String()
		if v, ok := a.verdicts.Get(key); ok {
			return v
		}
	}
	v := concordance.Evaluate(a.trusted, proposed, a.userPub, keys.PublicKey{}, me)
	if key != "" {
		a.verdicts.Add(key, v)
	}
	return v
}

func (a *AccountTrust) noteDeparture(old, next *circle.Circle) {
	if a.me == nil {
		return
	}
	id := a.me.ID()
	switch {
	case next.HasRejected(id):
		a.departure = DepartureRevoked
	case a.listed(next):
		if a.departure != DepartureWithdrew {
			a.departure = DepartureNeverLeft
		}
	case a.listed(old) && a.departure == DepartureNeverLeft:
		a.departure = DepartureRevoked
	}
	if a.departure == DepartureRevoked {
		a.log.Info("device is no longer in the circle", "peer", id)
	}
}

// followUp brings a freshly accepted circle in line with this device: it
// re-admits members lost in a same-generation conflict with the circle this
// device last published, refreshes a stale record of its own, and adds its
// concurrence. Any change is published. A device that withdrew never concurs;
// if it is still listed as a member it removes itself again.
func (a *AccountTrust) followUp(ctx context.Context, accepted *circle.Circle) error {
	if a.me == nil || a.me.PeerInfo().IsRetired() || a.userKey == nil {
		return nil
	}
	id := a.me.ID()
	if a.departure == DepartureWithdrew {
		if !accepted.HasPeer(id) {
			return nil
		}
		next, err := accepted.RemovePeer(a.userKey, a.me, a.me.PeerInfo())
		if err != nil {
			return err
		}
		a.log.Info("repeating departure", "generation", next.Generation())
		return a.commit(ctx, next, "repeat departure")
	}
	next := accepted
	var err error

	if lost := a.lostAdmissions(next); len(lost) > 0 && next.HasPeer(id) {
		if next, err = next.RecordApplicants(a.userKey, a.me, lost...); err != nil {
			return err
		}
		for _, p := range lost {
			if next, err = next.AcceptRequest(a.userKey, a.me, p); err != nil {
				return err
			}
		}
		a.log.Info("re-admitted members lost in a conflict", "count", len(lost))
	}

	current, ok := next.Peer(id)
	if !ok {
		current, ok = next.Applicant(id)
	}
	if ok && current.Serial() < a.me.PeerInfo().Serial() {
		if next, err = next.UpdatePeerInfo(a.me.PeerInfo()); err != nil {
			return err
		}
	}

	if next.HasPeer(id) && !next.VerifyPeerSigned(a.me.PeerInfo()) && next.Verify(a.userPub) {
		if next, err = next.PeerSigUpdate(a.userKey, a.me); err != nil {
			return err
		}
	}

	if next == accepted {
		return nil
	}
	return a.commit(ctx, next, "follow up")
}

// lostAdmissions lists members of the circle this device last published that
// the accepted circle of the same generation dropped without rejecting.
func (a *AccountTrust) lostAdmissions(accepted *circle.Circle) []*peer.PeerInfo {
	produced := a.lastProduced
	if produced == nil || produced.Generation() != accepted.Generation() || produced.Equal(accepted) {
		return nil
	}
	var lost []*peer.PeerInfo
	for p := range produced.Peers() {
		if accepted.HasPeer(p.ID()) || accepted.HasRejected(p.ID()) || p.IsRetired() {
			continue
		}
		lost = append(lost, p)
	}
	return lost
}

// recordApplications picks up applications carried by a proposal that was not
// accepted for lack of a trusted signer, which is how applicants reach the
// members. The proposal must be user-signed and no older than the trusted
// circle. A rejected peer is readmitted only by a proposal of a later
// generation. It reports whether a circle was published.
func (a *AccountTrust) recordApplications(ctx context.Context, proposed *circle.Circle, status concordance.Status) (bool, error) {
	switch status {
	case concordance.StatusNoPeerSig, concordance.StatusNoPeer, concordance.StatusGenerationOld:
	default:
		return false, nil
	}
	if a.trusted == nil || a.userKey == nil || !a.active() {
		return false, nil
	}
	if proposed.Name() != a.trusted.Name() || proposed.Generation() < a.trusted.Generation() || !proposed.Verify(a.userPub) {
		return false, nil
	}
	var fresh []*peer.PeerInfo
	for p := range proposed.Applicants() {
		switch id := p.ID(); {
		case p.IsRetired(), a.trusted.HasPeer(id), a.trusted.HasApplicant(id):
			continue
		case a.trusted.HasRejected(id) && proposed.Generation() == a.trusted.Generation():
			continue
		}
		fresh = append(fresh, p)
	}
	if len(fresh) == 0 {
		return false, nil
	}
	next, err := a.trusted.RecordApplicants(a.userKey, a.me, fresh...)
	if err != nil {
		return false, err
	}
	a.log.Info("recorded applications", "count", len(fresh))
	return true, a.commit(ctx, next, "record applications")
}
