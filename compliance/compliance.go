package compliance

import (
	"fmt"
	"strings"

	"xdao.co/sos/circle"
	"xdao.co/sos/concordance"
	"xdao.co/sos/peer"
)

// ComplianceMode selects how much continuity an account demands before it
// adopts a proposed circle.
//
// Permissive accepts every Trusted or WeSigned proposal.
// Strict additionally requires a Trusted proposal to be concurred by some
// other peer that also concurs with the known circle, whenever the known
// circle has such a peer.
type ComplianceMode int

const (
	Permissive ComplianceMode = iota
	Strict
)

func (m ComplianceMode) String() string {
	switch m {
	case Permissive:
		return "permissive"
	case Strict:
		return "strict"
	default:
		return fmt.Sprintf("ComplianceMode(%d)", int(m))
	}
}

// ParseMode reads the configuration spelling of a mode. Empty means Permissive.
func ParseMode(s string) (ComplianceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "permissive":
		return Permissive, nil
	case "strict":
		return Strict, nil
	default:
		return Permissive, fmt.Errorf("compliance: unknown mode %q", s)
	}
}

// Permits reports whether a proposal classified as status may replace known.
func Permits(mode ComplianceMode, status concordance.Status, known, proposed *circle.Circle, me *peer.PeerInfo) bool {
	if !status.Accepted() {
		return false
	}
	if mode != Strict || status != concordance.StatusTrusted || known == nil {
		return true
	}
	for p := range known.ConcurringPeers() {
		if me != nil && p.ID() == me.ID() {
			continue
		}
		return concordance.SharedTrustedPeers(known, proposed, me)
	}
	return true
}
