// Package testkit holds the conformance suite every circle archive must pass.
package testkit

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"

	"xdao.co/sos/circle"
	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
	"xdao.co/sos/storage"
)

// NewCAS constructs a fresh, empty CAS instance for a test.
// The returned CAS MUST be isolated from other tests.
type NewCAS func(t *testing.T) storage.CAS

// Circles returns encoded circles of a short history: the empty circle, an
// offering and the same generation with a pending applicant.
func Circles(t *testing.T) []*circle.Circle {
	t.Helper()
	signer := func(b byte) *keys.PrivateKey {
		k, err := keys.FromSeed(keys.AlgEd25519, bytes.Repeat([]byte{b}, keys.SeedSize))
		if err != nil {
			t.Fatalf("FromSeed: %v", err)
		}
		return k
	}
	device := func(b byte, name string) *peer.FullPeerInfo {
		fp, err := peer.NewFullPeerInfo(signer(b), map[string]string{peer.GestaltDeviceName: name}, nil)
		if err != nil {
			t.Fatalf("NewFullPeerInfo: %v", err)
		}
		return fp
	}
	user := signer(0x55)

	empty, err := circle.New("family")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	offered, err := empty.ResetToOffering(user, device(1, "laptop"))
	if err != nil {
		t.Fatalf("ResetToOffering: %v", err)
	}
	applied, err := offered.RequestAdmission(user, device(2, "phone"))
	if err != nil {
		t.Fatalf("RequestAdmission: %v", err)
	}
	return []*circle.Circle{empty, offered, applied}
}

func encode(t *testing.T, c *circle.Circle) ([]byte, string) {
	t.Helper()
	raw, err := c.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	id, err := c.CID()
	if err != nil {
		t.Fatalf("CID: %v", err)
	}
	return raw, id
}

// RunCASConformance checks the storage.CAS contract against circle
// encodings: the archive keys each circle by the circle's own CID, returns
// bytes that decode to the same circle, and reports absent circles with
// ErrNotFound.
func RunCASConformance(t *testing.T, newCAS NewCAS) {
	t.Helper()
	history := Circles(t)

	t.Run("ArchivesEveryGeneration", func(t *testing.T) {
		cas := newCAS(t)
		for _, c := range history {
			raw, want := encode(t, c)
			id, err := cas.Put(raw)
			if err != nil {
				t.Fatalf("Put generation %d: %v", c.Generation(), err)
			}
			if id.String() != want {
				t.Fatalf("Put keyed generation %d as %s, circle CID is %s", c.Generation(), id, want)
			}
		}
		for _, c := range history {
			_, want := encode(t, c)
			got, err := storage.GetString(cas, want)
			if err != nil {
				t.Fatalf("GetString %s: %v", want, err)
			}
			back, err := circle.Decode(got)
			if err != nil {
				t.Fatalf("Decode archived circle: %v", err)
			}
			if !back.Equal(c) {
				t.Fatalf("archived generation %d changed", c.Generation())
			}
		}
	})

	t.Run("PutIsIdempotent", func(t *testing.T) {
		cas := newCAS(t)
		raw, _ := encode(t, history[1])
		id1, err := cas.Put(raw)
		if err != nil {
			t.Fatalf("Put(1): %v", err)
		}
		id2, err := cas.Put(raw)
		if err != nil {
			t.Fatalf("Put(2): %v", err)
		}
		if !id1.Equals(id2) {
			t.Fatalf("Put not idempotent: %s vs %s", id1, id2)
		}
	})

	t.Run("MissingCircle", func(t *testing.T) {
		cas := newCAS(t)
		raw, want := encode(t, history[2])
		id, err := cid.Decode(want)
		if err != nil {
			t.Fatalf("cid.Decode: %v", err)
		}
		if cas.Has(id) {
			t.Fatalf("Has reported a circle that was never archived")
		}
		if _, err := cas.Get(id); !storage.IsNotFound(err) {
			t.Fatalf("Get missing: got %v want ErrNotFound", err)
		}
		if _, err := cas.Put(raw); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if !cas.Has(id) {
			t.Fatalf("Has false after Put")
		}
	})

	t.Run("RejectsBadIdentifiers", func(t *testing.T) {
		cas := newCAS(t)
		var undef cid.Cid
		if cas.Has(undef) {
			t.Fatalf("Has should be false for undefined CID")
		}
		if _, err := cas.Get(undef); err == nil {
			t.Fatalf("Get should fail for undefined CID")
		}
		if _, err := storage.GetString(cas, "not-a-cid"); !errors.Is(err, storage.ErrInvalidCID) {
			t.Fatalf("GetString invalid: got %v want ErrInvalidCID", err)
		}
	})
}
