package keys

import (
	"strings"
	"testing"
)

func TestDeriveSeedDeterministic(t *testing.T) {
	root := make([]byte, SeedSize)
	for i := range root {
		root[i] = byte(i)
	}

	a, err := DeriveSeed(root, "device")
	if err != nil {
		t.Fatalf("DeriveSeed: %v", err)
	}
	b, err := DeriveSeed(root, "device")
	if err != nil {
		t.Fatalf("DeriveSeed: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected deterministic derivation")
	}

	c, err := DeriveSeed(root, "backup")
	if err != nil {
		t.Fatalf("DeriveSeed: %v", err)
	}
	if string(a) == string(c) {
		t.Fatalf("expected different purposes to derive different seeds")
	}

	if _, err := DeriveSeed(root[:5], "device"); err == nil {
		t.Fatalf("expected error for short root seed")
	}
	if _, err := DeriveSeed(root, "bad purpose"); err == nil {
		t.Fatalf("expected error for invalid purpose")
	}
}

func TestDeriveUserKey_SameSecretSameKey(t *testing.T) {
	a, err := DeriveUserKey([]byte("correct horse"), "alice@example.com", AlgEd25519)
	if err != nil {
		t.Fatalf("DeriveUserKey: %v", err)
	}
	b, err := DeriveUserKey([]byte("correct horse"), "alice@example.com", AlgEd25519)
	if err != nil {
		t.Fatalf("DeriveUserKey: %v", err)
	}
	if !a.Public().Equal(b.Public()) {
		t.Fatalf("expected identical user keys")
	}
	c, err := DeriveUserKey([]byte("correct horse"), "bob@example.com", AlgEd25519)
	if err != nil {
		t.Fatalf("DeriveUserKey: %v", err)
	}
	if a.Public().Equal(c.Public()) {
		t.Fatalf("account name must salt the derivation")
	}
	if !strings.HasPrefix(a.Public().String(), "ed25519:") {
		t.Fatalf("unexpected key string %q", a.Public().String())
	}
	if _, err := DeriveUserKey(nil, "alice", AlgEd25519); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
