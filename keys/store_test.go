package keys

import (
	"errors"
	"testing"
)

func TestKeyStore_LoadOrCreateIsStable(t *testing.T) {
	ks, err := CreateKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("CreateKeyStore: %v", err)
	}
	if _, err := ks.LoadDeviceKey("phone"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}

	a, err := ks.LoadOrCreateDeviceKey("phone", AlgEd25519)
	if err != nil {
		t.Fatalf("LoadOrCreateDeviceKey: %v", err)
	}
	b, err := ks.LoadOrCreateDeviceKey("phone", AlgEd25519)
	if err != nil {
		t.Fatalf("LoadOrCreateDeviceKey: %v", err)
	}
	if !a.Public().Equal(b.Public()) {
		t.Fatalf("second load produced a different key")
	}

	exported, err := ks.ExportKey("phone")
	if err != nil {
		t.Fatalf("ExportKey: %v", err)
	}
	if exported != a.Public().String() {
		t.Fatalf("ExportKey mismatch")
	}

	entries, err := ks.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "phone" || entries[0].Alg != AlgEd25519 {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestKeyStore_InitializeRefusesOverwrite(t *testing.T) {
	ks := &KeyStore{Directory: t.TempDir()}
	seed := make([]byte, SeedSize)
	if _, err := ks.InitializeDeviceKey("laptop", AlgDilithium3, seed, false); err != nil {
		t.Fatalf("InitializeDeviceKey: %v", err)
	}
	if _, err := ks.InitializeDeviceKey("laptop", AlgDilithium3, seed, false); err == nil {
		t.Fatalf("expected error without overwrite")
	}
	if _, err := ks.InitializeDeviceKey("laptop", AlgDilithium3, seed, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := ks.InitializeDeviceKey("../escape", AlgEd25519, seed, false); err == nil {
		t.Fatalf("expected invalid name error")
	}
}
