package cidutil

import (
	"strings"
	"testing"
)

func TestSum_Deterministic(t *testing.T) {
	a, err := Sum([]byte("circle"))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	b, err := Sum([]byte("circle"))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if !a.Equals(b) {
		t.Fatalf("Sum not deterministic: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a.String(), "bafkrei") {
		t.Fatalf("expected CIDv1 raw sha2-256, got %s", a)
	}
	if !Matches(a, []byte("circle")) || Matches(a, []byte("other")) {
		t.Fatalf("Matches gave wrong answer")
	}
}

func TestPeerID_DependsOnKey(t *testing.T) {
	a := PeerID("ed25519:AAAA")
	b := PeerID("ed25519:AAAB")
	if a == "" || b == "" {
		t.Fatalf("empty peer id")
	}
	if a == b {
		t.Fatalf("different keys produced the same peer id")
	}
	if a != PeerID("ed25519:AAAA") {
		t.Fatalf("peer id not stable")
	}
}
