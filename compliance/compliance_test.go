package compliance

import (
	"bytes"
	"testing"

	"xdao.co/sos/circle"
	"xdao.co/sos/concordance"
	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
)

func TestParseMode(t *testing.T) {
	cases := map[string]ComplianceMode{"": Permissive, "permissive": Permissive, " Strict ": Strict}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("lenient"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if Strict.String() != "strict" {
		t.Fatalf("unexpected String: %s", Strict)
	}
}

func fullPeer(t *testing.T, b byte) *peer.FullPeerInfo {
	t.Helper()
	k, err := keys.FromSeed(keys.AlgEd25519, bytes.Repeat([]byte{b}, keys.SeedSize))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	fp, err := peer.NewFullPeerInfo(k, nil, nil)
	if err != nil {
		t.Fatalf("NewFullPeerInfo: %v", err)
	}
	return fp
}

func TestPermits_StrictRequiresContinuity(t *testing.T) {
	user, err := keys.FromSeed(keys.AlgEd25519, bytes.Repeat([]byte{0x55}, keys.SeedSize))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	a, b, x := fullPeer(t, 1), fullPeer(t, 2), fullPeer(t, 3)

	c, _ := circle.New("family")
	c, err = c.ResetToOffering(user, a)
	if err != nil {
		t.Fatalf("ResetToOffering: %v", err)
	}
	c, _ = c.RequestAdmission(user, b)
	c, err = c.AcceptRequest(user, a, b.PeerInfo())
	if err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	known, err := c.PeerSigUpdate(user, b)
	if err != nil {
		t.Fatalf("PeerSigUpdate: %v", err)
	}
	// b resets the circle around a new device x; a is left out entirely.
	takeover, err := known.ResetToOffering(user, x)
	if err != nil {
		t.Fatalf("ResetToOffering: %v", err)
	}

	if !Permits(Permissive, concordance.StatusTrusted, known, takeover, a.PeerInfo()) {
		t.Fatalf("permissive mode should accept a trusted proposal")
	}
	if Permits(Strict, concordance.StatusTrusted, known, takeover, a.PeerInfo()) {
		t.Fatalf("strict mode should refuse a proposal no other known peer concurs with")
	}
	if !Permits(Strict, concordance.StatusWeSigned, known, known, a.PeerInfo()) {
		t.Fatalf("our own echo is always acceptable")
	}
	if Permits(Permissive, concordance.StatusNoPeerSig, known, takeover, a.PeerInfo()) {
		t.Fatalf("rejecting statuses are never permitted")
	}
}
