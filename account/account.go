// Package account maintains one device's view of its account's trust circle.
//
// AccountTrust owns the device identity, the circle it currently trusts, and
// the last circle it published. Local intents (offer, join, accept, leave) and
// inbound proposals are applied one at a time under a single lock, so every
// read-modify-publish sequence sees a consistent state. Observers are notified
// after the lock is released.
package account

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"xdao.co/sos/cidutil"
	"xdao.co/sos/circle"
	"xdao.co/sos/compliance"
	"xdao.co/sos/concordance"
	"xdao.co/sos/internal/canon"
	"xdao.co/sos/internal/logging"
	"xdao.co/sos/keys"
	"xdao.co/sos/peer"
	"xdao.co/sos/storage"
	"xdao.co/sos/transport"
)

// DefaultViews are the views a new device identity participates in.
var DefaultViews = []string{"keychain"}

const (
	defaultCacheSize = 128

	// reservedPrefix marks expansion keys used by the account itself.
	reservedPrefix = "sos."
	deviceIDKey    = reservedPrefix + "device-id"
)

// IdentitySource supplies the device signing key for a device ID.
// keys.KeyStore implements it.
type IdentitySource interface {
	DeviceSigner(deviceID string) (keys.Signer, error)
}

type Options struct {
	CircleName string
	// UserKey signs circles on behalf of the account. It may be set later
	// with SetUserKey; until then UserPublicKey alone allows verification.
	UserKey       keys.Signer
	UserPublicKey keys.PublicKey

	Identities IdentitySource
	Views      []string

	Transport transport.Transport
	// Archive keeps every circle this device trusted, keyed by CID.
	Archive storage.CAS
	// State persists the account across restarts.
	State storage.StateStore

	Compliance compliance.ComplianceMode
	Observers  []Observer
	Log        *logging.Logger
	Now        func() time.Time
	// CacheSize bounds the number of memoized concordance verdicts.
	CacheSize int
}

type AccountTrust struct {
	// mu guards every field below it. It is held across each whole operation,
	// including the publish, and no other account lock is taken while it is
	// held.
	mu sync.Mutex

	me           *peer.FullPeerInfo
	deviceID     string
	savedRecord  []byte
	trusted      *circle.Circle
	trustedCID   string
	lastProduced *circle.Circle
	retirees     map[string]*peer.PeerInfo
	departure    DepartureCode
	expansion    map[string][]byte
	history      []storage.HistoryEntry
	userKey      keys.Signer
	userPub      keys.PublicKey
	verdicts     *simplelru.LRU[string, concordance.Verdict]
	pending      []func(Observer)

	name       string
	views      []string
	identities IdentitySource
	transport  transport.Transport
	archive    storage.CAS
	state      storage.StateStore
	mode       compliance.ComplianceMode
	observers  []Observer
	log        *logging.Logger
	now        func() time.Time
}

// New builds an AccountTrust and, when opts.State is set, restores the state
// saved for the circle. A restored identity becomes usable after
// EnsureFullPeerAvailable supplies its signer.
func New(ctx context.Context, opts Options) (*AccountTrust, error) {
	if err := canon.CheckValue(opts.CircleName); err != nil {
		return nil, fmt.Errorf("account: invalid circle name: %w", err)
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := simplelru.NewLRU[string, concordance.Verdict](size, nil)
	if err != nil {
		return nil, err
	}
	a := &AccountTrust{
		name:       opts.CircleName,
		views:      opts.Views,
		identities: opts.Identities,
		transport:  opts.Transport,
		archive:    opts.Archive,
		state:      opts.State,
		mode:       opts.Compliance,
		observers:  slices.Clone(opts.Observers),
		log:        opts.Log,
		now:        opts.Now,
		verdicts:   cache,
		retirees:   map[string]*peer.PeerInfo{},
		expansion:  map[string][]byte{},
		departure:  DepartureNeverApplied,
		userPub:    opts.UserPublicKey,
	}
	if a.views == nil {
		a.views = DefaultViews
	}
	if a.log == nil {
		a.log = logging.Nop()
	}
	a.log = a.log.With("circle", a.name)
	if a.now == nil {
		a.now = time.Now
	}
	if opts.UserKey != nil {
		a.userKey = opts.UserKey
		a.userPub = opts.UserKey.Public()
	}
	if a.state != nil {
		if err := a.restore(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *AccountTrust) lock() { a.mu.Lock() }

// unlock releases the lock and then delivers queued notifications.
func (a *AccountTrust) unlock() {
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	for _, ev := range pending {
		for _, o := range a.observers {
			ev(o)
		}
	}
}

func (a *AccountTrust) Name() string { return a.name }

// SetUserKey installs the account user key, for example after the user
// supplied their password.
func (a *AccountTrust) SetUserKey(k keys.Signer) {
	a.lock()
	defer a.unlock()
	a.userKey = k
	if k != nil {
		a.userPub = k.Public()
	}
	a.verdicts.Purge()
}

// TrustedCircle returns the circle this device currently trusts, or nil.
func (a *AccountTrust) TrustedCircle() *circle.Circle {
	a.lock()
	defer a.unlock()
	return a.trusted
}

// Me returns this device's public identity, or nil before one exists.
func (a *AccountTrust) Me() *peer.PeerInfo {
	a.lock()
	defer a.unlock()
	if a.me == nil {
		return nil
	}
	return a.me.PeerInfo()
}

func (a *AccountTrust) DepartureCode() DepartureCode {
	a.lock()
	defer a.unlock()
	return a.departure
}

// Retirees returns the retirement tickets seen in trusted circles, in peer ID
// order.
func (a *AccountTrust) Retirees() []*peer.PeerInfo {
	a.lock()
	defer a.unlock()
	out := make([]*peer.PeerInfo, 0, len(a.retirees))
	for _, id := range slices.Sorted(maps.Keys(a.retirees)) {
		out = append(out, a.retirees[id])
	}
	return out
}

// Expansion returns an opaque value stored alongside the account.
func (a *AccountTrust) Expansion(key string) ([]byte, bool) {
	a.lock()
	defer a.unlock()
	v, ok := a.expansion[key]
	return slices.Clone(v), ok
}

// SetExpansion stores an opaque value alongside the account. A nil value
// deletes the key.
func (a *AccountTrust) SetExpansion(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, reservedPrefix) {
		return fmt.Errorf("%w: %s", ErrReservedKey, key)
	}
	a.lock()
	defer a.unlock()
	if value == nil {
		delete(a.expansion, key)
	} else {
		a.expansion[key] = slices.Clone(value)
	}
	return a.persist(ctx)
}

// History lists the circles this device accepted, oldest first.
func (a *AccountTrust) History(ctx context.Context) ([]storage.HistoryEntry, error) {
	if a.state != nil {
		return a.state.History(ctx, a.name)
	}
	a.lock()
	defer a.unlock()
	return slices.Clone(a.history), nil
}

// EnsureFullPeerAvailable makes sure the device has an identity. If one
// already exists it does nothing and reports false. Otherwise it restores the
// saved identity when the device key still owns it, or creates a fresh one
// from gestalt, and reports true. backupKey, when set, is advertised in the
// gestalt. An empty deviceID reuses the one saved with the account.
func (a *AccountTrust) EnsureFullPeerAvailable(ctx context.Context, gestalt map[string]string, deviceID string, backupKey []byte) (bool, error) {
	a.lock()
	defer a.unlock()
	if a.me != nil {
		return false, nil
	}
	if a.identities == nil {
		return false, fmt.Errorf("%w: no identity source configured", ErrNoIdentity)
	}
	if deviceID == "" {
		deviceID = a.deviceID
	}
	signer, err := a.identities.DeviceSigner(deviceID)
	if err != nil {
		return false, fmt.Errorf("account: device signer: %w", err)
	}

	if a.savedRecord != nil {
		fp, err := peer.RestoreFullPeerInfo(signer, a.savedRecord)
		if err == nil {
			a.me, a.deviceID, a.savedRecord = fp, deviceID, nil
			a.log.Info("restored device identity", "peer", fp.ID())
			return true, a.persist(ctx)
		}
		a.log.Warn("saved identity does not match device key", "error", err)
		a.departure = DepartureLostPrivateKey
		a.savedRecord = nil
	}

	g := maps.Clone(gestalt)
	if len(backupKey) > 0 {
		if g == nil {
			g = map[string]string{}
		}
		g[peer.GestaltBackupKey] = base64.StdEncoding.EncodeToString(backupKey)
	}
	fp, err := peer.NewFullPeerInfo(signer, g, a.views)
	if err != nil {
		return false, err
	}
	a.me, a.deviceID = fp, deviceID
	a.log.Info("created device identity", "peer", fp.ID())
	return true, a.persist(ctx)
}

// UpdateFullPeerInfo re-signs the device identity with minimumViews added
// and excludedViews removed. If the device is listed in the trusted circle the
// refreshed record is published. It reports whether anything changed.
func (a *AccountTrust) UpdateFullPeerInfo(ctx context.Context, minimumViews, excludedViews []string) (bool, error) {
	a.lock()
	defer a.unlock()
	if a.me == nil {
		return false, ErrNoIdentity
	}
	current := a.me.PeerInfo().Views()
	views := slices.Clone(current)
	for _, v := range minimumViews {
		if !slices.Contains(views, v) {
			views = append(views, v)
		}
	}
	views = slices.DeleteFunc(views, func(v string) bool { return slices.Contains(excludedViews, v) })
	slices.Sort(views)
	if slices.Equal(views, current) {
		return false, nil
	}
	fp, err := a.me.WithViews(views)
	if err != nil {
		return false, err
	}
	a.me = fp
	if a.trusted != nil && a.listed(a.trusted) {
		next, err := a.trusted.UpdatePeerInfo(fp.PeerInfo())
		if err != nil {
			return true, err
		}
		return true, a.commit(ctx, next, "update peer info")
	}
	return true, a.persist(ctx)
}

// IsMyPeerActive reports whether this device is a member of the trusted
// circle with a valid concurrence, and has not retired.
func (a *AccountTrust) IsMyPeerActive() bool {
	a.lock()
	defer a.unlock()
	return a.active()
}

func (a *AccountTrust) active() bool {
	if a.me == nil || a.trusted == nil || a.me.PeerInfo().IsRetired() {
		return false
	}
	return a.trusted.IsPeerActive(a.me.ID(), a.userPub)
}

// PurgeIdentity discards the device identity, as on sign-out. The trusted
// circle is kept.
func (a *AccountTrust) PurgeIdentity(ctx context.Context) error {
	a.lock()
	defer a.unlock()
	a.me, a.savedRecord, a.deviceID = nil, nil, ""
	a.verdicts.Purge()
	a.log.Info("purged device identity")
	return a.persist(ctx)
}

// listed reports whether this device appears in c as member or applicant.
func (a *AccountTrust) listed(c *circle.Circle) bool {
	if a.me == nil || c == nil {
		return false
	}
	return c.HasPeer(a.me.ID()) || c.HasApplicant(a.me.ID())
}

// install records next in the history and archive, then makes it the trusted
// circle. A failed history write leaves the trusted circle unchanged.
func (a *AccountTrust) install(ctx context.Context, next *circle.Circle) error {
	raw, err := next.Encode()
	if err != nil {
		return err
	}
	id := cidutil.String(raw)

	entry := storage.HistoryEntry{Generation: next.Generation(), CID: id, AcceptedAt: a.now().UTC()}
	if a.state != nil {
		if err := a.state.AppendHistory(ctx, a.name, entry); err != nil {
			return fmt.Errorf("account: history: %w", err)
		}
	} else {
		a.history = append(a.history, entry)
	}
	if a.archive != nil {
		if _, err := a.archive.Put(raw); err != nil {
			a.log.Warn("archive failed", "cid", id, "error", err)
		}
	}

	old := a.trusted
	a.trusted, a.trustedCID = next, id
	for p := range next.Peers() {
		if p.IsRetired() && (a.me == nil || p.ID() != a.me.ID()) {
			a.retirees[p.ID()] = p
		}
	}

	a.log.Debug("trusted circle changed", "generation", next.Generation(), "cid", id, "peers", next.PeerCount(), "applicants", next.ApplicantCount())
	a.pending = append(a.pending, func(o Observer) { o.OnCircleChanged(old, next) })
	return nil
}

// commit installs a circle produced on this device and publishes it. Local
// state is kept when the publish fails; the error is returned so the caller
// can retry with Republish.
func (a *AccountTrust) commit(ctx context.Context, next *circle.Circle, reason string) error {
	if err := a.install(ctx, next); err != nil {
		return err
	}
	a.lastProduced = next
	if err := a.persist(ctx); err != nil {
		return err
	}
	return a.publish(ctx, next, reason)
}

func (a *AccountTrust) publish(ctx context.Context, c *circle.Circle, reason string) error {
	if a.transport == nil {
		return nil
	}
	raw, err := c.Encode()
	if err != nil {
		return err
	}
	if err := a.transport.Publish(ctx, a.name, raw); err != nil {
		a.log.Warn("publish failed", "reason", reason, "generation", c.Generation(), "error", err)
		return fmt.Errorf("account: publish: %w", err)
	}
	a.log.Info("published circle", "reason", reason, "generation", c.Generation())
	return nil
}

// Republish sends the trusted circle again.
func (a *AccountTrust) Republish(ctx context.Context) error {
	a.lock()
	defer a.unlock()
	if a.trusted == nil {
		return ErrNoCircle
	}
	return a.publish(ctx, a.trusted, "republish")
}

func (a *AccountTrust) persist(ctx context.Context) error {
	if a.state == nil {
		return nil
	}
	snap := storage.AccountSnapshot{
		Circle:    a.name,
		Departure: string(a.departure),
		Expansion: maps.Clone(a.expansion),
		UpdatedAt: a.now().UTC(),
	}
	if snap.Expansion == nil {
		snap.Expansion = map[string][]byte{}
	}
	switch {
	case a.me != nil:
		snap.PeerRecord = a.me.PeerInfo().Record()
	case a.savedRecord != nil:
		snap.PeerRecord = slices.Clone(a.savedRecord)
	}
	if a.deviceID != "" {
		snap.Expansion[deviceIDKey] = []byte(a.deviceID)
	}
	var err error
	if a.trusted != nil {
		if snap.TrustedCircle, err = a.trusted.Encode(); err != nil {
			return err
		}
	}
	if a.lastProduced != nil {
		if snap.LastProduced, err = a.lastProduced.Encode(); err != nil {
			return err
		}
	}
	for _, id := range slices.Sorted(maps.Keys(a.retirees)) {
		snap.Retirees = append(snap.Retirees, a.retirees[id].Record())
	}
	if err := a.state.SaveAccount(ctx, snap); err != nil {
		return fmt.Errorf("account: save: %w", err)
	}
	return nil
}

func (a *AccountTrust) restore(ctx context.Context) error {
	snap, err := a.state.LoadAccount(ctx, a.name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("account: load: %w", err)
	}
	if len(snap.TrustedCircle) > 0 {
		c, err := circle.Decode(snap.TrustedCircle)
		if err != nil {
			return fmt.Errorf("account: saved trusted circle: %w", err)
		}
		if a.trustedCID, err = c.CID(); err != nil {
			return err
		}
		a.trusted = c
	}
	if len(snap.LastProduced) > 0 {
		c, err := circle.Decode(snap.LastProduced)
		if err != nil {
			return fmt.Errorf("account: saved circle: %w", err)
		}
		a.lastProduced = c
	}
	for _, raw := range snap.Retirees {
		p, err := peer.ParseRecord(raw)
		if err != nil {
			return fmt.Errorf("account: saved retiree: %w", err)
		}
		a.retirees[p.ID()] = p
	}
	for k, v := range snap.Expansion {
		if k == deviceIDKey {
			a.deviceID = string(v)
			continue
		}
		a.expansion[k] = v
	}
	if len(snap.PeerRecord) > 0 {
		a.savedRecord = slices.Clone(snap.PeerRecord)
	}
	a.departure = parseDeparture(snap.Departure)
	a.log.Debug("restored account state", "trusted", a.trusted != nil, "departure", a.departure)
	return nil
}
