// Package peer implements device identities as seen by a circle.
//
// A PeerInfo is the public, self-signed description of one device: its peer ID,
// its public signing key, a gestalt (free-form device attributes), the sync views
// it participates in, a serial that increases every time its owner re-signs it,
// and an optional retirement stamp. The signed record is the peer's opaque
// payload; it is carried verbatim inside circles.
//
// A FullPeerInfo is the local device's own identity: a PeerInfo plus the signer
// able to produce signatures with the matching private key.
package peer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"xdao.co/sos/cidutil"
	"xdao.co/sos/internal/canon"
	"xdao.co/sos/keys"
)

const recordKind = "SOS PEER"

var recordSections = []string{"IDENTITY", "GESTALT", "STATE", "SIGNATURE"}

var (
	ErrInvalidRecord    = errors.New("peer: invalid record")
	ErrBadSelfSignature = errors.New("peer: self-signature invalid")
)

// Gestalt keys with a defined meaning.
const (
	GestaltDeviceName = "Device-Name"
	GestaltModel      = "Model"
	GestaltBackupKey  = "Backup-Key"
)

// PeerInfo is immutable; all accessors return copies.
type PeerInfo struct {
	id      string
	key     keys.PublicKey
	gestalt map[string]string
	views   []string
	serial  uint64
	retired time.Time
	raw     []byte
}

// ParseRecord decodes a canonical peer record and checks that the peer ID is
// derived from the key and that the record is signed by that key.
func ParseRecord(raw []byte) (*PeerInfo, error) {
	secs, err := canon.Parse(raw, recordKind, recordSections)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	ident := secs["IDENTITY"].Pairs
	key, err := keys.ParsePublicKey(ident["Key"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	id := ident["Peer-ID"]
	if id == "" || id != cidutil.PeerID(key.String()) || len(ident) != 2 {
		return nil, fmt.Errorf("%w: peer id does not match key", ErrInvalidRecord)
	}

	p := &PeerInfo{
		id:      id,
		key:     key,
		gestalt: secs["GESTALT"].Pairs,
		raw:     append([]byte(nil), raw...),
	}

	state := secs["STATE"].Pairs
	for k, v := range state {
		switch k {
		case "Serial":
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil || strconv.FormatUint(n, 10) != v {
				return nil, fmt.Errorf("%w: bad serial %q", ErrInvalidRecord, v)
			}
			p.serial = n
		case "Views":
			p.views = strings.Split(v, ",")
			if !slices.IsSorted(p.views) || len(slices.Compact(slices.Clone(p.views))) != len(p.views) {
				return nil, fmt.Errorf("%w: views must be sorted and unique", ErrInvalidRecord)
			}
		case "Retired":
			at, err := time.Parse(time.RFC3339, v)
			if err != nil || at.UTC().Format(time.RFC3339) != v {
				return nil, fmt.Errorf("%w: bad retirement time %q", ErrInvalidRecord, v)
			}
			p.retired = at
		default:
			return nil, fmt.Errorf("%w: unknown state field %q", ErrInvalidRecord, k)
		}
	}
	if _, ok := state["Serial"]; !ok {
		return nil, fmt.Errorf("%w: missing serial", ErrInvalidRecord)
	}

	sigField := secs["SIGNATURE"].Pairs
	if len(sigField) != 1 {
		return nil, fmt.Errorf("%w: signature section must hold exactly one value", ErrInvalidRecord)
	}
	sig, err := base64.StdEncoding.DecodeString(sigField["Value"])
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding: %v", ErrInvalidRecord, err)
	}
	scope, err := canon.ScopeBefore(raw, "SIGNATURE")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !key.Verify(scope, sig) {
		return nil, ErrBadSelfSignature
	}
	return p, nil
}

// ParseEncodedRecord decodes the base64 form used inside circles.
func ParseEncodedRecord(s string) (*PeerInfo, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return ParseRecord(raw)
}

func (p *PeerInfo) ID() string           { return p.id }
func (p *PeerInfo) Key() keys.PublicKey  { return p.key }
func (p *PeerInfo) Serial() uint64       { return p.serial }
func (p *PeerInfo) IsRetired() bool      { return !p.retired.IsZero() }
func (p *PeerInfo) RetiredAt() time.Time { return p.retired }

func (p *PeerInfo) Gestalt() map[string]string { return maps.Clone(p.gestalt) }
func (p *PeerInfo) Views() []string            { return slices.Clone(p.views) }

func (p *PeerInfo) HasView(view string) bool {
	_, found := slices.BinarySearch(p.views, view)
	return found
}

// Record returns the canonical signed record bytes.
func (p *PeerInfo) Record() []byte { return append([]byte(nil), p.raw...) }

// EncodedRecord returns the record in the single-line form embedded in circles.
func (p *PeerInfo) EncodedRecord() string { return base64.StdEncoding.EncodeToString(p.raw) }

// Equal compares identities: two infos are equal when their peer IDs are.
func (p *PeerInfo) Equal(o *PeerInfo) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.id == o.id
}

// Identical reports whether both infos carry byte-identical records.
func (p *PeerInfo) Identical(o *PeerInfo) bool {
	if p == nil || o == nil {
		return p == o
	}
	return bytes.Equal(p.raw, o.raw)
}

// VerifySignature checks a detached signature by this peer over message.
func (p *PeerInfo) VerifySignature(message, sig []byte) bool {
	if p == nil {
		return false
	}
	return p.key.Verify(message, sig)
}

func (p *PeerInfo) String() string {
	if name := p.gestalt[GestaltDeviceName]; name != "" {
		return fmt.Sprintf("%s (%s)", p.id, name)
	}
	return p.id
}

type recordFields struct {
	gestalt map[string]string
	views   []string
	serial  uint64
	retired time.Time
}

func signRecord(signer keys.Signer, f recordFields) (*PeerInfo, error) {
	keyString := signer.Public().String()
	if keyString == "" {
		return nil, fmt.Errorf("%w: signer has no public key", ErrInvalidRecord)
	}
	views, err := normalizeViews(f.views)
	if err != nil {
		return nil, err
	}
	state := map[string]string{"Serial": strconv.FormatUint(f.serial, 10)}
	if len(views) > 0 {
		state["Views"] = strings.Join(views, ",")
	}
	if !f.retired.IsZero() {
		state["Retired"] = f.retired.UTC().Format(time.RFC3339)
	}
	sections := []canon.Section{
		{Name: "IDENTITY", Pairs: map[string]string{"Key": keyString, "Peer-ID": cidutil.PeerID(keyString)}},
		{Name: "GESTALT", Pairs: maps.Clone(f.gestalt)},
		{Name: "STATE", Pairs: state},
		{Name: "SIGNATURE", Pairs: nil},
	}
	unsigned, err := canon.Render(recordKind, sections)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	scope, err := canon.ScopeBefore(unsigned, "SIGNATURE")
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(scope)
	if err != nil {
		return nil, fmt.Errorf("sign peer record: %w", err)
	}
	sections[3].Pairs = map[string]string{"Value": base64.StdEncoding.EncodeToString(sig)}
	raw, err := canon.Render(recordKind, sections)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return ParseRecord(raw)
}

func normalizeViews(views []string) ([]string, error) {
	out := slices.Clone(views)
	for _, v := range out {
		if err := canon.CheckKey(v); err != nil || strings.Contains(v, ",") {
			return nil, fmt.Errorf("%w: invalid view name %q", ErrInvalidRecord, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
