package peer

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"xdao.co/sos/keys"
)

func mustSigner(t *testing.T, b byte) *keys.PrivateKey {
	t.Helper()
	k, err := keys.FromSeed(keys.AlgEd25519, bytes.Repeat([]byte{b}, keys.SeedSize))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	return k
}

func TestNewFullPeerInfo_RecordRoundTrip(t *testing.T) {
	fp, err := NewFullPeerInfo(mustSigner(t, 1), map[string]string{GestaltDeviceName: "phone"}, []string{"wifi", "keychain"})
	if err != nil {
		t.Fatalf("NewFullPeerInfo: %v", err)
	}
	info := fp.PeerInfo()
	if info.Serial() != 1 {
		t.Fatalf("expected serial 1, got %d", info.Serial())
	}
	if got := info.Views(); len(got) != 2 || got[0] != "keychain" || got[1] != "wifi" {
		t.Fatalf("views not sorted: %v", got)
	}
	if !info.HasView("wifi") || info.HasView("photos") {
		t.Fatalf("HasView wrong")
	}

	parsed, err := ParseRecord(info.Record())
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if !parsed.Identical(info) || !parsed.Equal(info) {
		t.Fatalf("parsed record differs")
	}
	again, err := ParseEncodedRecord(info.EncodedRecord())
	if err != nil {
		t.Fatalf("ParseEncodedRecord: %v", err)
	}
	if again.ID() != info.ID() {
		t.Fatalf("encoded round trip changed id")
	}
}

func TestParseRecord_RejectsTampering(t *testing.T) {
	fp, err := NewFullPeerInfo(mustSigner(t, 2), map[string]string{GestaltDeviceName: "laptop"}, nil)
	if err != nil {
		t.Fatalf("NewFullPeerInfo: %v", err)
	}
	raw := fp.PeerInfo().Record()

	tampered := bytes.Replace(raw, []byte("laptop"), []byte("lapdog"), 1)
	if _, err := ParseRecord(tampered); !errors.Is(err, ErrBadSelfSignature) {
		t.Fatalf("expected ErrBadSelfSignature, got %v", err)
	}

	other := mustSigner(t, 3).Public().String()
	swapped := bytes.Replace(raw, []byte(fp.PeerInfo().Key().String()), []byte(other), 1)
	if _, err := ParseRecord(swapped); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for key swap, got %v", err)
	}
}

func TestFullPeerInfo_UpdatesBumpSerial(t *testing.T) {
	fp, err := NewFullPeerInfo(mustSigner(t, 4), nil, []string{"a"})
	if err != nil {
		t.Fatalf("NewFullPeerInfo: %v", err)
	}
	fp2, err := fp.WithViews([]string{"a", "b"})
	if err != nil {
		t.Fatalf("WithViews: %v", err)
	}
	if fp2.PeerInfo().Serial() != 2 || fp.PeerInfo().Serial() != 1 {
		t.Fatalf("serials wrong: %d %d", fp.PeerInfo().Serial(), fp2.PeerInfo().Serial())
	}
	if !fp2.PeerInfo().Equal(fp.PeerInfo()) || fp2.PeerInfo().Identical(fp.PeerInfo()) {
		t.Fatalf("update must keep identity and change the record")
	}
	if _, err := fp.WithViews([]string{"bad,view"}); err == nil {
		t.Fatalf("expected error for view containing comma")
	}
}

func TestFullPeerInfo_Retire(t *testing.T) {
	fp, err := NewFullPeerInfo(mustSigner(t, 5), nil, nil)
	if err != nil {
		t.Fatalf("NewFullPeerInfo: %v", err)
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	ticket, err := fp.Retire(at)
	if err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if !ticket.PeerInfo().IsRetired() || fp.PeerInfo().IsRetired() {
		t.Fatalf("retirement flag wrong")
	}
	if !ticket.PeerInfo().RetiredAt().Equal(at.Truncate(time.Second)) {
		t.Fatalf("unexpected retirement time %v", ticket.PeerInfo().RetiredAt())
	}
	if !strings.Contains(string(ticket.PeerInfo().Record()), "Retired: 2026-01-02T03:04:05Z") {
		t.Fatalf("retirement not recorded in payload")
	}
	again, err := ticket.Retire(at.Add(time.Hour))
	if err != nil || again != ticket {
		t.Fatalf("retiring twice should be a no-op")
	}
}

func TestRestoreFullPeerInfo_RequiresOwner(t *testing.T) {
	fp, err := NewFullPeerInfo(mustSigner(t, 6), nil, nil)
	if err != nil {
		t.Fatalf("NewFullPeerInfo: %v", err)
	}
	if _, err := RestoreFullPeerInfo(mustSigner(t, 6), fp.PeerInfo().Record()); err != nil {
		t.Fatalf("RestoreFullPeerInfo: %v", err)
	}
	if _, err := RestoreFullPeerInfo(mustSigner(t, 7), fp.PeerInfo().Record()); err == nil {
		t.Fatalf("expected error for foreign signer")
	}
	var empty *FullPeerInfo
	if err := empty.Validate(); err == nil {
		t.Fatalf("nil full peer info must not validate")
	}
}
