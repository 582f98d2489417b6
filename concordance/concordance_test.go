package concordance

import (
	"bytes"
	"encoding/base64"
	"testing"

	"xdao.co/sos/circle"
	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
)

func testKey(t *testing.T, b byte) *keys.PrivateKey {
	t.Helper()
	k, err := keys.FromSeed(keys.AlgEd25519, bytes.Repeat([]byte{b}, keys.SeedSize))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	return k
}

func testPeer(t *testing.T, b byte) *peer.FullPeerInfo {
	t.Helper()
	fp, err := peer.NewFullPeerInfo(testKey(t, b), nil, nil)
	if err != nil {
		t.Fatalf("NewFullPeerInfo: %v", err)
	}
	return fp
}

// must wraps a circle operation: must(t)(c.Op(...)).
func must(t *testing.T) func(*circle.Circle, error) *circle.Circle {
	return func(c *circle.Circle, err error) *circle.Circle {
		t.Helper()
		if err != nil {
			t.Fatalf("circle op: %v", err)
		}
		return c
	}
}

type world struct {
	user         *keys.PrivateKey
	d1, d2, x, y *peer.FullPeerInfo
	offered      *circle.Circle // d1 only
	applied      *circle.Circle // d1 member, d2 applicant
	accepted     *circle.Circle // d1, d2 members; only d1 concurs
	base         *circle.Circle // d1, d2 active; x, y applicants
}

func newWorld(t *testing.T) world {
	t.Helper()
	w := world{user: testKey(t, 0x55), d1: testPeer(t, 1), d2: testPeer(t, 2), x: testPeer(t, 3), y: testPeer(t, 4)}
	empty, err := circle.New("family")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.offered = must(t)(empty.ResetToOffering(w.user, w.d1))
	w.applied = must(t)(w.offered.RequestAdmission(w.user, w.d2))
	w.accepted = must(t)(w.applied.AcceptRequest(w.user, w.d1, w.d2.PeerInfo()))

	b := must(t)(w.accepted.RequestAdmission(w.user, w.x))
	b = must(t)(b.RequestAdmission(w.user, w.y))
	b = must(t)(b.GenerationSign(w.user, w.d1))
	w.base = must(t)(b.PeerSigUpdate(w.user, w.d2))
	return w
}

func roundTrip(t *testing.T, c *circle.Circle) *circle.Circle {
	t.Helper()
	raw, err := c.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := circle.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return back
}

func TestTrust_AdmittedPeerTrustsAcceptance(t *testing.T) {
	w := newWorld(t)
	got := Trust(w.applied, w.accepted, w.user.Public(), keys.PublicKey{}, w.d2.PeerInfo())
	if got != StatusTrusted {
		t.Fatalf("expected Trusted, got %s", got)
	}
}

func TestTrust_EchoIsWeSigned(t *testing.T) {
	w := newWorld(t)
	echo := roundTrip(t, w.accepted)
	got := Trust(w.accepted, echo, w.user.Public(), keys.PublicKey{}, w.d1.PeerInfo())
	if got != StatusWeSigned {
		t.Fatalf("expected WeSigned, got %s", got)
	}
	// Another device receiving the same circle does not see its own signature.
	if got := Trust(w.applied, echo, w.user.Public(), keys.PublicKey{}, w.d2.PeerInfo()); got != StatusTrusted {
		t.Fatalf("expected Trusted for the other device, got %s", got)
	}
}

func TestTrust_Deterministic(t *testing.T) {
	w := newWorld(t)
	first := Evaluate(w.applied, w.accepted, w.user.Public(), keys.PublicKey{}, w.d2.PeerInfo())
	for i := 0; i < 10; i++ {
		again := Evaluate(w.applied, w.accepted, w.user.Public(), keys.PublicKey{}, w.d2.PeerInfo())
		if again.Status != first.Status || again.Reason != first.Reason || len(again.Signers) != len(first.Signers) {
			t.Fatalf("run %d differs: %+v vs %+v", i, again, first)
		}
	}
}

func TestTrust_OlderGenerationAlwaysLoses(t *testing.T) {
	w := newWorld(t)
	stranger := testKey(t, 0x77).Public()
	for _, key := range []keys.PublicKey{w.user.Public(), stranger, {}} {
		if got := Trust(w.accepted, w.offered, key, keys.PublicKey{}, w.d1.PeerInfo()); got != StatusGenerationOld {
			t.Fatalf("expected GenerationOld, got %s", got)
		}
	}
}

func TestTrust_Precedence(t *testing.T) {
	w := newWorld(t)
	rejected := must(t)(w.base.RejectRequest(w.d1, w.x.PeerInfo()))
	userOnly := must(t)(rejected.RemoveRejectedPeer(w.x.PeerInfo()).GenerationSign(w.user, nil))
	takeover := must(t)(w.accepted.ResetToOffering(w.user, w.x))

	cases := []struct {
		name     string
		known    *circle.Circle
		proposed *circle.Circle
		knownPub keys.PublicKey
		propPub  keys.PublicKey
		exclude  *peer.PeerInfo
		want     Status
	}{
		{"no user signature", w.base, rejected, w.user.Public(), keys.PublicKey{}, w.d2.PeerInfo(), StatusNoUserSig},
		{"no user key", w.offered, w.accepted, keys.PublicKey{}, keys.PublicKey{}, w.d2.PeerInfo(), StatusNoUserKey},
		{"bad user signature", w.offered, w.accepted, testKey(t, 0x66).Public(), w.user.Public(), w.d2.PeerInfo(), StatusBadUserSig},
		{"proposed user key used when known missing", w.offered, w.accepted, keys.PublicKey{}, w.user.Public(), w.d2.PeerInfo(), StatusTrusted},
		{"no peer signature", w.base, userOnly, w.user.Public(), keys.PublicKey{}, w.d2.PeerInfo(), StatusNoPeerSig},
		{"no shared peer", w.accepted, takeover, w.user.Public(), keys.PublicKey{}, w.d1.PeerInfo(), StatusNoPeer},
		{"bootstrap", nil, w.accepted, w.user.Public(), keys.PublicKey{}, w.d2.PeerInfo(), StatusTrusted},
		{"nil proposal", w.accepted, nil, w.user.Public(), keys.PublicKey{}, nil, StatusInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Trust(tc.known, tc.proposed, tc.knownPub, tc.propPub, tc.exclude); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestTrust_OtherCircleIsInvalid(t *testing.T) {
	w := newWorld(t)
	other, err := circle.New("work")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	other = must(t)(other.ResetToOffering(w.user, w.d1))
	if got := Trust(w.offered, other, w.user.Public(), keys.PublicKey{}, nil); got != StatusInvalid {
		t.Fatalf("expected Invalid, got %s", got)
	}
}

func TestTrust_BadPeerSignature(t *testing.T) {
	w := newWorld(t)
	concurred := must(t)(w.accepted.PeerSigUpdate(w.user, w.d2))
	raw, err := concurred.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	sig1, _ := concurred.Signature(w.d1.ID())
	sig2, _ := concurred.Signature(w.d2.ID())
	line1 := w.d1.ID() + ": " + base64.StdEncoding.EncodeToString(sig1)
	forgedLine := w.d1.ID() + ": " + base64.StdEncoding.EncodeToString(sig2)
	forged, err := circle.Decode(bytes.Replace(raw, []byte(line1), []byte(forgedLine), 1))
	if err != nil {
		t.Fatalf("Decode forged: %v", err)
	}
	v := Evaluate(w.offered, forged, w.user.Public(), keys.PublicKey{}, nil)
	if v.Status != StatusBadPeerSig || len(v.Invalid) != 1 || v.Invalid[0] != w.d1.ID() {
		t.Fatalf("expected BadPeerSig naming d1, got %+v", v)
	}
}

func TestTrust_SameGenerationConflict(t *testing.T) {
	w := newWorld(t)
	c1 := must(t)(w.base.AcceptRequest(w.user, w.d1, w.x.PeerInfo()))
	c2 := must(t)(w.base.AcceptRequest(w.user, w.d2, w.y.PeerInfo()))
	if c1.Generation() != c2.Generation() {
		t.Fatalf("conflicting circles should share a generation")
	}

	at2 := Trust(c2, c1, w.user.Public(), keys.PublicKey{}, w.d2.PeerInfo())
	at1 := Trust(c1, c2, w.user.Public(), keys.PublicKey{}, w.d1.PeerInfo())
	statuses := map[Status]int{at1: 1, at2: 2}
	if len(statuses) != 2 || statuses[StatusTrusted] == 0 || statuses[StatusGenerationOld] == 0 {
		t.Fatalf("expected one Trusted and one GenerationOld, got %s and %s", at1, at2)
	}
	if Outranks(c1, c2) == Outranks(c2, c1) {
		t.Fatalf("Outranks must be antisymmetric")
	}

	// More concurrence beats the identifier tie-break.
	stronger := must(t)(c1.PeerSigUpdate(w.user, w.x))
	if got := Trust(c2, stronger, w.user.Public(), keys.PublicKey{}, w.d2.PeerInfo()); got != StatusTrusted {
		t.Fatalf("expected Trusted for the better-signed circle, got %s", got)
	}
	if got := Trust(stronger, c2, w.user.Public(), keys.PublicKey{}, w.d1.PeerInfo()); got != StatusGenerationOld {
		t.Fatalf("expected GenerationOld for the weaker circle, got %s", got)
	}
}

func TestSharedTrustedPeers(t *testing.T) {
	w := newWorld(t)
	c1 := must(t)(w.base.AcceptRequest(w.user, w.d1, w.x.PeerInfo()))
	if !SharedTrustedPeers(w.base, c1, w.d2.PeerInfo()) {
		t.Fatalf("d1 concurs with both circles")
	}
	if SharedTrustedPeers(w.base, c1, w.d1.PeerInfo()) {
		t.Fatalf("only d1 concurs with c1; excluding it leaves nothing shared")
	}
	if SharedTrustedPeers(nil, c1, nil) {
		t.Fatalf("nil circle shares nothing")
	}
}

func TestTrust_RecordRefreshWinsAtSameGeneration(t *testing.T) {
	w := newWorld(t)
	d2, err := w.d2.WithViews([]string{"keychain"})
	if err != nil {
		t.Fatalf("WithViews: %v", err)
	}
	refreshed := must(t)(w.base.UpdatePeerInfo(d2.PeerInfo()))
	if refreshed.Generation() != w.base.Generation() {
		t.Fatalf("record refresh must keep the generation")
	}
	if got := Trust(w.base, refreshed, w.user.Public(), keys.PublicKey{}, w.d1.PeerInfo()); got != StatusTrusted {
		t.Fatalf("expected Trusted for the fresher record, got %s", got)
	}
	if got := Trust(refreshed, w.base, w.user.Public(), keys.PublicKey{}, w.d1.PeerInfo()); got != StatusGenerationOld {
		t.Fatalf("expected GenerationOld for the stale record, got %s", got)
	}
}

func TestTrust_DepartureCarriesLeaverSignature(t *testing.T) {
	w := newWorld(t)
	departed := roundTrip(t, must(t)(w.base.RemovePeer(w.user, w.d2, w.d2.PeerInfo())))
	if departed.HasPeer(w.d2.ID()) {
		t.Fatalf("d2 should be gone")
	}

	v := Evaluate(w.base, departed, w.user.Public(), keys.PublicKey{}, w.d1.PeerInfo())
	if v.Status != StatusTrusted || len(v.Signers) != 1 || v.Signers[0] != w.d2.ID() {
		t.Fatalf("expected the remaining member to trust the departure, got %+v", v)
	}

	// Without the leaver's signature nobody d1 trusts vouches for the change.
	bare := must(t)(departed.GenerationSign(w.user, nil))
	if got := Trust(w.base, bare, w.user.Public(), keys.PublicKey{}, w.d1.PeerInfo()); got != StatusNoPeer {
		t.Fatalf("expected NoPeer without the leaver's signature, got %s", got)
	}
}
