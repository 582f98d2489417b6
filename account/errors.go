package account

import "errors"

var (
	ErrNoIdentity  = errors.New("account: no device identity")
	ErrNoUserKey   = errors.New("account: user key not available")
	ErrNoCircle    = errors.New("account: no circle to act on")
	ErrNotActive   = errors.New("account: device is not an active member")
	ErrUnknownPeer = errors.New("account: unknown peer")
	ErrRetired     = errors.New("account: device identity is retired")
	ErrReservedKey = errors.New("account: reserved expansion key")
)
