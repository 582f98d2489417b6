package account

import (
	"context"
	"fmt"

	"xdao.co/sos/circle"
	"xdao.co/sos/peer"
)

func (a *AccountTrust) requireIdentity() error {
	if a.me == nil {
		return ErrNoIdentity
	}
	if a.me.PeerInfo().IsRetired() {
		return ErrRetired
	}
	return nil
}

func (a *AccountTrust) requireSigning() error {
	if err := a.requireIdentity(); err != nil {
		return err
	}
	if a.userKey == nil {
		return ErrNoUserKey
	}
	return nil
}

func (a *AccountTrust) requireActive() error {
	if err := a.requireSigning(); err != nil {
		return err
	}
	if a.trusted == nil {
		return ErrNoCircle
	}
	if !a.active() {
		return ErrNotActive
	}
	return nil
}

// ResetToOffering makes this device the sole member of a fresh generation of
// the circle, creating the circle if none is trusted yet.
func (a *AccountTrust) ResetToOffering(ctx context.Context) error {
	a.lock()
	defer a.unlock()
	if err := a.requireSigning(); err != nil {
		return err
	}
	base := a.trusted
	if base == nil {
		var err error
		if base, err = circle.New(a.name); err != nil {
			return err
		}
	}
	next, err := base.ResetToOffering(a.userKey, a.me)
	if err != nil {
		return err
	}
	a.departure = DepartureNeverLeft
	return a.commit(ctx, next, "reset to offering")
}

// ResetToEmpty drops every member locally. Nothing is published: an empty
// circle carries no concurrence that another device would accept.
func (a *AccountTrust) ResetToEmpty(ctx context.Context) error {
	a.lock()
	defer a.unlock()
	if a.trusted == nil {
		return ErrNoCircle
	}
	if err := a.install(ctx, a.trusted.ResetToEmpty()); err != nil {
		return err
	}
	a.lastProduced = nil
	a.departure = DepartureLeftUntrusted
	return a.persist(ctx)
}

// RequestToJoin applies for membership in the trusted circle. Applying again
// while already listed republishes the circle.
func (a *AccountTrust) RequestToJoin(ctx context.Context) error {
	a.lock()
	defer a.unlock()
	if err := a.requireSigning(); err != nil {
		return err
	}
	if a.trusted == nil || a.trusted.PeerCount() == 0 {
		return fmt.Errorf("%w: nothing to join", ErrNoCircle)
	}
	if a.trusted.HasPeer(a.me.ID()) {
		return nil
	}
	if a.trusted.HasRejected(a.me.ID()) {
		return a.requestReadmission(ctx)
	}
	next, err := a.trusted.RequestAdmission(a.userKey, a.me)
	if err != nil {
		return err
	}
	a.departure = DepartureNeverLeft
	if next == a.trusted {
		return a.publish(ctx, next, "repeat application")
	}
	return a.commit(ctx, next, "request admission")
}

// RequestReadmission reapplies after this device was rejected.
func (a *AccountTrust) RequestReadmission(ctx context.Context) error {
	a.lock()
	defer a.unlock()
	if err := a.requireSigning(); err != nil {
		return err
	}
	if a.trusted == nil {
		return ErrNoCircle
	}
	return a.requestReadmission(ctx)
}

func (a *AccountTrust) requestReadmission(ctx context.Context) error {
	next, err := a.trusted.RequestReadmission(a.userPub, a.me)
	if err != nil {
		return err
	}
	if next, err = next.GenerationSign(a.userKey, nil); err != nil {
		return err
	}
	a.departure = DepartureNeverLeft
	return a.commit(ctx, next, "request readmission")
}

// WithdrawApplication removes this device's pending application. Other devices
// that already recorded the application keep it until it is accepted or
// rejected.
func (a *AccountTrust) WithdrawApplication(ctx context.Context) error {
	a.lock()
	defer a.unlock()
	if err := a.requireSigning(); err != nil {
		return err
	}
	if a.trusted == nil || !a.trusted.HasApplicant(a.me.ID()) {
		return fmt.Errorf("%w: no pending application", ErrUnknownPeer)
	}
	next, err := a.trusted.WithdrawRequest(a.me.PeerInfo()).GenerationSign(a.userKey, nil)
	if err != nil {
		return err
	}
	a.departure = DepartureWithdrew
	return a.commit(ctx, next, "withdraw application")
}

// AcceptApplicant admits a pending applicant.
func (a *AccountTrust) AcceptApplicant(ctx context.Context, peerID string) error {
	a.lock()
	defer a.unlock()
	if err := a.requireActive(); err != nil {
		return err
	}
	p, ok := a.trusted.Applicant(peerID)
	if !ok {
		return fmt.Errorf("%w: no applicant %s", ErrUnknownPeer, peerID)
	}
	next, err := a.trusted.AcceptRequest(a.userKey, a.me, p)
	if err != nil {
		return err
	}
	return a.commit(ctx, next, "accept "+peerID)
}

// RejectApplicant refuses a pending applicant.
func (a *AccountTrust) RejectApplicant(ctx context.Context, peerID string) error {
	a.lock()
	defer a.unlock()
	if err := a.requireActive(); err != nil {
		return err
	}
	p, ok := a.trusted.Applicant(peerID)
	if !ok {
		return fmt.Errorf("%w: no applicant %s", ErrUnknownPeer, peerID)
	}
	next, err := a.trusted.RejectRequest(a.me, p)
	if err != nil {
		return err
	}
	if next, err = next.GenerationSign(a.userKey, a.me); err != nil {
		return err
	}
	return a.commit(ctx, next, "reject "+peerID)
}

// ForgetRejected drops a peer from the rejected set so it may apply again
// from scratch.
func (a *AccountTrust) ForgetRejected(ctx context.Context, peerID string) error {
	a.lock()
	defer a.unlock()
	if err := a.requireActive(); err != nil {
		return err
	}
	target := findRejected(a.trusted, peerID)
	if target == nil {
		return fmt.Errorf("%w: %s was not rejected", ErrUnknownPeer, peerID)
	}
	next, err := a.trusted.RemoveRejectedPeer(target).GenerationSign(a.userKey, a.me)
	if err != nil {
		return err
	}
	return a.commit(ctx, next, "forget rejected "+peerID)
}

// RemovePeer removes a member. Removing this device itself records a
// voluntary departure.
func (a *AccountTrust) RemovePeer(ctx context.Context, peerID string) error {
	a.lock()
	defer a.unlock()
	if err := a.requireActive(); err != nil {
		return err
	}
	p, ok := a.trusted.Peer(peerID)
	if !ok {
		return fmt.Errorf("%w: no member %s", ErrUnknownPeer, peerID)
	}
	next, err := a.trusted.RemovePeer(a.userKey, a.me, p)
	if err != nil {
		return err
	}
	if peerID == a.me.ID() {
		a.departure = DepartureWithdrew
	}
	return a.commit(ctx, next, "remove "+peerID)
}

// Leave retires this device. The retirement ticket replaces its record in the
// circle, and active members later drop it with CleanupRetirees. The identity
// cannot be used to sign again.
func (a *AccountTrust) Leave(ctx context.Context) error {
	a.lock()
	defer a.unlock()
	if err := a.requireIdentity(); err != nil {
		return err
	}
	ticket, err := a.me.Retire(a.now())
	if err != nil {
		return err
	}
	a.me = ticket
	a.departure = DepartureWithdrew
	if a.trusted == nil || !a.listed(a.trusted) {
		return a.persist(ctx)
	}
	next, err := a.trusted.UpdatePeerInfo(ticket.PeerInfo())
	if err != nil {
		return err
	}
	return a.commit(ctx, next, "retire")
}

// CleanupRetirees removes retired members from the circle.
func (a *AccountTrust) CleanupRetirees(ctx context.Context) error {
	a.lock()
	defer a.unlock()
	if err := a.requireActive(); err != nil {
		return err
	}
	cleaned := a.trusted.RemoveRetired()
	if cleaned == a.trusted {
		return nil
	}
	next, err := cleaned.GenerationSign(a.userKey, a.me)
	if err != nil {
		return err
	}
	return a.commit(ctx, next, "remove retirees")
}

func findRejected(c *circle.Circle, id string) *peer.PeerInfo {
	for p := range c.Rejected() {
		if p.ID() == id {
			return p
		}
	}
	return nil
}
