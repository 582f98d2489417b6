// Package circle implements the replicated trust-circle value.
//
// A Circle is immutable: every mutation returns a new Circle and leaves its
// input untouched, so values can be shared freely between goroutines. The
// canonical encoding (Encode/Decode) is both the wire form and the input to
// every circle signature.
package circle

import (
	"encoding/base64"
	"iter"
	"maps"
	"slices"
	"strconv"

	"xdao.co/sos/cidutil"
	"xdao.co/sos/internal/canon"
	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
)

const (
	documentKind = "SOS CIRCLE"

	// UserSlot is the reserved signature slot for the account user key.
	UserSlot = "@user"
)

var sections = []string{"CIRCLE", "PEERS", "APPLICANTS", "REJECTED", "RECORDS", "SIGNATURES"}

// Circle is the signed membership state of one account's devices.
type Circle struct {
	name       string
	generation uint64
	peers      map[string]*peer.PeerInfo
	applicants map[string]*peer.PeerInfo
	rejected   map[string]*peer.PeerInfo
	signatures map[string][]byte
}

// New creates an empty, unsigned circle at generation 0.
func New(name string) (*Circle, error) {
	if err := canon.CheckValue(name); err != nil {
		return nil, wrapError(KindInvalidArgument, "SOS-ARG-001", "invalid circle name", err)
	}
	return &Circle{
		name:       name,
		peers:      map[string]*peer.PeerInfo{},
		applicants: map[string]*peer.PeerInfo{},
		rejected:   map[string]*peer.PeerInfo{},
		signatures: map[string][]byte{},
	}, nil
}

func (c *Circle) Name() string       { return c.name }
func (c *Circle) Generation() uint64 { return c.generation }

func (c *Circle) PeerCount() int      { return len(c.peers) }
func (c *Circle) ApplicantCount() int { return len(c.applicants) }
func (c *Circle) RejectedCount() int  { return len(c.rejected) }

// Peers yields the members in peer ID order.
func (c *Circle) Peers() iter.Seq[*peer.PeerInfo] { return sortedSeq(c.peers) }

// Applicants yields pending applicants in peer ID order.
func (c *Circle) Applicants() iter.Seq[*peer.PeerInfo] { return sortedSeq(c.applicants) }

// Rejected yields rejected applicants in peer ID order.
func (c *Circle) Rejected() iter.Seq[*peer.PeerInfo] { return sortedSeq(c.rejected) }

func sortedSeq(m map[string]*peer.PeerInfo) iter.Seq[*peer.PeerInfo] {
	return func(yield func(*peer.PeerInfo) bool) {
		for _, id := range slices.Sorted(maps.Keys(m)) {
			if !yield(m[id]) {
				return
			}
		}
	}
}

// Peer returns the member with the given ID.
func (c *Circle) Peer(id string) (*peer.PeerInfo, bool) {
	p, ok := c.peers[id]
	return p, ok
}

// Applicant returns the pending applicant with the given ID.
func (c *Circle) Applicant(id string) (*peer.PeerInfo, bool) {
	p, ok := c.applicants[id]
	return p, ok
}

func (c *Circle) HasPeer(id string) bool      { _, ok := c.peers[id]; return ok }
func (c *Circle) HasApplicant(id string) bool { _, ok := c.applicants[id]; return ok }
func (c *Circle) HasRejected(id string) bool  { _, ok := c.rejected[id]; return ok }

// Signature returns the raw signature stored in slot.
func (c *Circle) Signature(slot string) ([]byte, bool) {
	sig, ok := c.signatures[slot]
	if !ok {
		return nil, false
	}
	return slices.Clone(sig), true
}

// SignatureSlots lists occupied signature slots in sorted order.
func (c *Circle) SignatureSlots() []string {
	return slices.Sorted(maps.Keys(c.signatures))
}

// Signed reports whether the circle carries a user signature.
func (c *Circle) Signed() bool {
	_, ok := c.signatures[UserSlot]
	return ok
}

// Encode renders the canonical form of c.
func (c *Circle) Encode() ([]byte, error) {
	secs := []canon.Section{
		{Name: "CIRCLE", Pairs: map[string]string{
			"Generation": strconv.FormatUint(c.generation, 10),
			"Name":       c.name,
		}},
		{Name: "PEERS", Pairs: keyPairs(c.peers)},
		{Name: "APPLICANTS", Pairs: keyPairs(c.applicants)},
		{Name: "REJECTED", Pairs: keyPairs(c.rejected)},
		{Name: "RECORDS", Pairs: recordPairs(c.peers, c.applicants, c.rejected)},
		{Name: "SIGNATURES", Pairs: signaturePairs(c.signatures)},
	}
	raw, err := canon.Render(documentKind, secs)
	if err != nil {
		return nil, wrapError(KindEncoding, "SOS-ENC-001", "render circle", err)
	}
	return raw, nil
}

// SignedContent returns the bytes covered by every circle signature: name,
// generation, members, applicants and rejections.
func (c *Circle) SignedContent() ([]byte, error) {
	raw, err := c.Encode()
	if err != nil {
		return nil, err
	}
	scope, err := canon.ScopeBefore(raw, "RECORDS")
	if err != nil {
		return nil, wrapError(KindEncoding, "SOS-ENC-002", "locate signed content", err)
	}
	return scope, nil
}

// CID returns the content identifier of the canonical encoding.
func (c *Circle) CID() (string, error) {
	raw, err := c.Encode()
	if err != nil {
		return "", err
	}
	return cidutil.String(raw), nil
}

// Equal reports whether both circles have the same canonical encoding.
func (c *Circle) Equal(o *Circle) bool {
	if c == nil || o == nil {
		return c == o
	}
	a, errA := c.Encode()
	b, errB := o.Encode()
	return errA == nil && errB == nil && string(a) == string(b)
}

// Decode parses a canonical circle. Every embedded peer record must be
// correctly self-signed and agree with the key listed for its peer ID.
func Decode(raw []byte) (*Circle, error) {
	secs, err := canon.Parse(raw, documentKind, sections)
	if err != nil {
		return nil, wrapError(KindEncoding, "SOS-ENC-003", "parse circle", err)
	}

	head := secs["CIRCLE"].Pairs
	if len(head) != 2 {
		return nil, newError(KindEncoding, "SOS-ENC-004", "circle section must hold Generation and Name")
	}
	gen, err := strconv.ParseUint(head["Generation"], 10, 64)
	if err != nil || strconv.FormatUint(gen, 10) != head["Generation"] {
		return nil, newError(KindEncoding, "SOS-ENC-004", "invalid generation")
	}
	c, err := New(head["Name"])
	if err != nil {
		return nil, err
	}
	c.generation = gen

	records := secs["RECORDS"].Pairs
	used := 0
	load := func(section string, into map[string]*peer.PeerInfo) error {
		for id, keyString := range secs[section].Pairs {
			if c.peers[id] != nil || c.applicants[id] != nil || c.rejected[id] != nil {
				return newError(KindEncoding, "SOS-ENC-005", "peer "+id+" listed in more than one set")
			}
			enc, ok := records[id]
			if !ok {
				return newError(KindEncoding, "SOS-ENC-006", "missing record for "+id)
			}
			info, err := peer.ParseEncodedRecord(enc)
			if err != nil {
				return wrapError(KindEncoding, "SOS-ENC-006", "record for "+id, err)
			}
			if info.ID() != id || info.Key().String() != keyString {
				return newError(KindEncoding, "SOS-ENC-006", "record does not match listing for "+id)
			}
			into[id] = info
			used++
		}
		return nil
	}
	for _, s := range []struct {
		name string
		m    map[string]*peer.PeerInfo
	}{{"PEERS", c.peers}, {"APPLICANTS", c.applicants}, {"REJECTED", c.rejected}} {
		if err := load(s.name, s.m); err != nil {
			return nil, err
		}
	}
	if used != len(records) {
		return nil, newError(KindEncoding, "SOS-ENC-007", "records section lists unknown peers")
	}

	for slot, enc := range secs["SIGNATURES"].Pairs {
		// A slot outside the member set holds a departing member's
		// concurrence, which only an earlier circle can check.
		if slot != UserSlot && !c.HasPeer(slot) && (!cidutil.IsCID(slot) || c.HasApplicant(slot) || c.HasRejected(slot)) {
			return nil, newError(KindEncoding, "SOS-ENC-008", "signature slot "+slot+" is not a peer")
		}
		sig, err := base64.StdEncoding.DecodeString(enc)
		if err != nil || len(sig) == 0 {
			return nil, newError(KindEncoding, "SOS-ENC-008", "invalid signature encoding in slot "+slot)
		}
		c.signatures[slot] = sig
	}
	return c, nil
}

// clone returns a deep-enough copy for copy-on-write mutation: the maps are
// fresh, the PeerInfo values (themselves immutable) are shared.
func (c *Circle) clone() *Circle {
	return &Circle{
		name:       c.name,
		generation: c.generation,
		peers:      maps.Clone(c.peers),
		applicants: maps.Clone(c.applicants),
		rejected:   maps.Clone(c.rejected),
		signatures: maps.Clone(c.signatures),
	}
}

func keyPairs(m map[string]*peer.PeerInfo) map[string]string {
	out := make(map[string]string, len(m))
	for id, p := range m {
		out[id] = p.Key().String()
	}
	return out
}

func recordPairs(sets ...map[string]*peer.PeerInfo) map[string]string {
	out := map[string]string{}
	for _, m := range sets {
		for id, p := range m {
			out[id] = p.EncodedRecord()
		}
	}
	return out
}

func signaturePairs(m map[string][]byte) map[string]string {
	out := make(map[string]string, len(m))
	for slot, sig := range m {
		out[slot] = base64.StdEncoding.EncodeToString(sig)
	}
	return out
}

// verifyWith checks sig over the signed content of c with key.
func (c *Circle) verifyWith(key keys.PublicKey, slot string) bool {
	sig, ok := c.signatures[slot]
	if !ok || key.IsZero() {
		return false
	}
	content, err := c.SignedContent()
	if err != nil {
		return false
	}
	return key.Verify(content, sig)
}
