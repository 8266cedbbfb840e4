package doubleratchet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kamune-org/doubleratchet/pkg/exchange"
	"github.com/kamune-org/doubleratchet/pkg/invite"
	"github.com/kamune-org/doubleratchet/pkg/ratchet"
	"github.com/kamune-org/doubleratchet/pkg/wire"
)

// SessionID is the opaque handle a SessionManager uses to resolve a relay
// callback back to its Session. Per spec §9's "cyclic references" note, a
// Session never holds a pointer back to the manager; instead the manager
// hands ratchet.Init/Restore a closure that captures only this id, and
// resolves the live *ratchet.Session from its own locked map on each call.
type SessionID uint64

type sessionEntry struct {
	id          SessionID
	peerPubKey  string
	deviceID    string
	session     *ratchet.Session
	unsubscribe func()
}

// RumorHandler receives every rumor any session successfully decrypts.
// Deduplication on rumor.ID is the caller's responsibility (spec §4.4
// Receiving).
type RumorHandler func(peerPubKey, deviceID string, rumor *wire.Event)

// ManagerOption configures a SessionManager at construction time.
type ManagerOption func(*SessionManager)

// WithMaxSkip bounds how far a session's receiving chain may be
// fast-forwarded to catch up with a missing message (spec §9, MAX_SKIP).
// It applies to the responder sessions this manager builds from inbound
// invite responses; sessions created by accepting an invite use
// ratchet.DefaultMaxSkip.
func WithMaxSkip(n uint32) ManagerOption {
	return func(m *SessionManager) { m.maxSkip = n }
}

// WithStaleGrace sets how long a device stays in a UserRecord after being
// marked stale before PruneStale actually removes it.
func WithStaleGrace(d time.Duration) ManagerOption {
	return func(m *SessionManager) { m.staleGrace = d }
}

// WithInviteMaxUses bounds how many times the manager's own advertised
// Invite can be accepted before DecodeResponse starts rejecting with
// invite.ErrInviteExhausted. Zero (the default) means unlimited.
func WithInviteMaxUses(n int) ManagerOption {
	return func(m *SessionManager) { m.inviteMaxUses = n }
}

// SessionManager is the top-level object described in spec §4.4: it keeps
// our own device's invite advertised, discovers peer devices, maintains one
// ratchet Session per (peer, device) pair, persists every mutation, and
// fans outgoing rumors out across every active session — including our own
// sibling devices.
type SessionManager struct {
	identity    exchange.Signer
	ownDeviceID string
	relay       RelayAdapter
	storage     StorageAdapter

	maxSkip       uint32
	staleGrace    time.Duration
	inviteMaxUses int

	mu            sync.RWMutex
	ownInvite     *invite.Invite
	users         map[string]*UserRecord // keyed by peer identity pubkey
	sessions      map[SessionID]*sessionEntry
	appKeySubs    map[string]func()
	nextSessionID atomic.Uint64
	ownInviteSubs []func()
	closed        bool

	handlersMu sync.RWMutex
	handlers   []RumorHandler
}

// New constructs a SessionManager for one local device. Call Init before
// using it.
func New(identity exchange.Signer, deviceID string, relay RelayAdapter, storage StorageAdapter, opts ...ManagerOption) *SessionManager {
	m := &SessionManager{
		identity:    identity,
		ownDeviceID: deviceID,
		relay:       relay,
		storage:     storage,
		maxSkip:     ratchet.DefaultMaxSkip,
		staleGrace:  24 * time.Hour,
		users:       make(map[string]*UserRecord),
		sessions:    make(map[SessionID]*sessionEntry),
		appKeySubs:  make(map[string]func()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnRumor registers a fan-in callback invoked for every rumor any session
// decrypts, across every peer and device.
func (m *SessionManager) OnRumor(handler RumorHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Init runs the startup sequence of spec §4.4: load or create our own
// Invite and publish it, subscribe to our own identity's invites (sibling
// devices joining), subscribe to our own Invite's envelope traffic
// (inbound acceptances), and hydrate any sessions persisted in a previous
// process.
func (m *SessionManager) Init(ctx context.Context) error {
	if _, err := m.loadOrCreateOwnInvite(ctx); err != nil {
		return fmt.Errorf("loading own invite: %w", err)
	}
	inviteEvent, err := m.ownInvite.ToEvent(m.identity)
	if err != nil {
		return fmt.Errorf("signing own invite event: %w", err)
	}
	if err := m.relay.Publish(ctx, inviteEvent); err != nil {
		return fmt.Errorf("publishing own invite event: %w", err)
	}

	unsubSibling, err := m.relay.Subscribe(wire.Filter{
		Kinds:   []int{wire.KindInvite},
		Authors: []string{m.identity.PublicKeyHex()},
		Tags:    wire.TagMap{"l": {wire.InviteNamespace}},
	}, m.onSiblingInvite)
	if err != nil {
		return fmt.Errorf("subscribing to own invites: %w", err)
	}

	unsubResponse, err := m.relay.Subscribe(wire.Filter{
		Kinds: []int{wire.KindInviteResponse},
		Tags:  wire.TagMap{"p": {m.ownInvite.EphemeralPublic}},
	}, m.onInviteResponse)
	if err != nil {
		unsubSibling()
		return fmt.Errorf("subscribing to invite responses: %w", err)
	}

	m.mu.Lock()
	m.ownInviteSubs = []func(){unsubSibling, unsubResponse}
	m.mu.Unlock()

	if err := m.subscribeAppKeys(m.identity.PublicKeyHex()); err != nil {
		return fmt.Errorf("subscribing to own app keys: %w", err)
	}

	if err := m.hydrateSessions(ctx); err != nil {
		return fmt.Errorf("hydrating sessions: %w", err)
	}
	return nil
}

// loadOrCreateOwnInvite restores our own invite from storage if one was
// already persisted, or mints and persists a fresh one. It reports whether
// a new invite was created.
func (m *SessionManager) loadOrCreateOwnInvite(ctx context.Context) (created bool, err error) {
	data, found, err := m.storage.Get(ctx, inviteStorageKey(m.ownDeviceID))
	if err != nil {
		return false, err
	}
	if found {
		var inv invite.Invite
		if err := json.Unmarshal(data, &inv); err != nil {
			return false, fmt.Errorf("decoding stored invite: %w", err)
		}
		m.ownInvite = &inv
		return false, nil
	}

	inv, err := invite.CreateNew(m.identity, m.ownDeviceID, m.inviteMaxUses)
	if err != nil {
		return false, fmt.Errorf("creating invite: %w", err)
	}
	m.ownInvite = inv
	if err := m.persistOwnInvite(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (m *SessionManager) persistOwnInvite(ctx context.Context) error {
	data, err := json.Marshal(m.ownInvite)
	if err != nil {
		return fmt.Errorf("encoding invite: %w", err)
	}
	return m.storage.Put(ctx, inviteStorageKey(m.ownDeviceID), data)
}

// onSiblingInvite handles one of our own identity's INVITE events observed
// for a device_id other than ours: it accepts the invite on our behalf,
// establishing a self-sync session to that sibling device.
func (m *SessionManager) onSiblingInvite(ev *wire.Event) {
	inv, err := invite.ParseEvent(ev)
	if err != nil {
		slog.Debug("dropping malformed sibling invite", slog.String("err", err.Error()))
		return
	}
	if inv.DeviceID == m.ownDeviceID || inv.EphemeralPublic == "" {
		return // our own advertisement, or a tombstone
	}

	session, envelope, err := invite.Accept(inv, m.identity, m.ownDeviceID)
	if err != nil {
		slog.Warn("accepting sibling invite failed", slog.String("err", err.Error()))
		return
	}
	ctx := context.Background()
	if err := m.relay.Publish(ctx, envelope); err != nil {
		slog.Warn("publishing sibling accept envelope failed", slog.String("err", err.Error()))
	}
	m.adoptSession(m.identity.PublicKeyHex(), inv.DeviceID, session)
}

// onInviteResponse handles an INVITE_RESPONSE addressed to our own
// advertised Invite: it establishes a responder session with the invitee.
func (m *SessionManager) onInviteResponse(ev *wire.Event) {
	m.mu.Lock()
	inv := m.ownInvite
	m.mu.Unlock()

	sessionPublic, deviceID, invitee, err := inv.DecodeResponse(m.identity, ev)
	if err != nil {
		if errors.Is(err, invite.ErrInviteExhausted) {
			slog.Info("invite exhausted, dropping acceptance", slog.String("invitee", hexShort(invitee)))
		} else {
			slog.Debug("dropping invite response", slog.String("err", err.Error()))
		}
		return
	}
	ctx := context.Background()
	if err := m.persistOwnInvite(ctx); err != nil {
		slog.Warn("persisting invite used_by failed", slog.String("err", err.Error()))
	}

	session, err := m.buildSession(func(notifier ratchet.SubscriptionNotifier) (*ratchet.Session, error) {
		ephemeral, err := exchange.FromPrivateHex(inv.EphemeralPrivate)
		if err != nil {
			return nil, fmt.Errorf("restoring invite ephemeral keypair: %w", err)
		}
		return ratchet.Init(sessionPublic, ephemeral, false, inv.SharedSecret,
			ratchet.WithMaxSkip(m.maxSkip), ratchet.WithSubscriptionNotifier(notifier))
	})
	if err != nil {
		slog.Warn("initialising responder session failed", slog.String("err", err.Error()))
		return
	}
	m.adoptSession(invitee, deviceID, session)
}

// hydrateSessions restores every session previously persisted under the
// session/ storage key prefix (spec §4.4 step 4).
func (m *SessionManager) hydrateSessions(ctx context.Context) error {
	keys, err := m.storage.List(ctx, "session/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		peerPubKey, deviceID, ok := splitSessionKey(key)
		if !ok {
			continue
		}
		data, found, err := m.storage.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		state, err := ratchet.DeserializeState(data)
		if err != nil {
			slog.Warn("skipping corrupt session state", slog.String("key", key), slog.String("err", err.Error()))
			continue
		}

		session, err := m.buildSession(func(notifier ratchet.SubscriptionNotifier) (*ratchet.Session, error) {
			return ratchet.Restore(state, notifier)
		})
		if err != nil {
			slog.Warn("restoring session failed", slog.String("key", key), slog.String("err", err.Error()))
			continue
		}
		m.adoptSession(peerPubKey, deviceID, session)
	}
	return nil
}

// splitSessionKey parses "session/{peer}/{device}" back into its parts.
func splitSessionKey(key string) (peerPubKey, deviceID string, ok bool) {
	const prefix = "session/"
	if len(key) <= len(prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

// buildSession reserves a SessionID, builds the notifier closure for it,
// and invokes build to construct the actual *ratchet.Session. The entry is
// not registered in m.sessions until adoptSession runs — build's own
// notifier firing (Init never fires it synchronously; Restore doesn't
// either) cannot race the registration.
func (m *SessionManager) buildSession(build func(ratchet.SubscriptionNotifier) (*ratchet.Session, error)) (*ratchet.Session, error) {
	id := SessionID(m.nextSessionID.Add(1))
	notifier := func(*ratchet.Session) { m.onSessionChanged(id) }
	return build(notifier)
}

// adoptSession finalises a session built via buildSession: it registers
// the entry under the id baked into its notifier (by re-deriving it is not
// possible, so adoptSession takes the id's session pointer directly and
// assigns the next counter value — callers always pair one buildSession
// with exactly one adoptSession, in order), stores it in the owning
// UserRecord, persists its state, and opens its relay subscription.
func (m *SessionManager) adoptSession(peerPubKey, deviceID string, session *ratchet.Session) {
	id := SessionID(m.nextSessionID.Load())

	m.mu.Lock()
	entry := &sessionEntry{id: id, peerPubKey: peerPubKey, deviceID: deviceID, session: session}
	m.sessions[id] = entry
	user := m.userRecordLocked(peerPubKey)
	m.mu.Unlock()

	user.UpsertSession(deviceID, session)
	if err := m.subscribeAppKeys(peerPubKey); err != nil {
		slog.Warn("subscribing to peer app keys failed", slog.String("err", err.Error()))
	}
	m.onSessionChanged(id)
}

func (m *SessionManager) userRecordLocked(peerPubKey string) *UserRecord {
	user, ok := m.users[peerPubKey]
	if !ok {
		user = NewUserRecord(peerPubKey)
		m.users[peerPubKey] = user
	}
	return user
}

// onSessionChanged persists a session's state and refreshes its relay
// subscription whenever a ratchet step changes which authors it needs to
// hear from. It is the only path by which a Session's internal change
// reaches the manager, and it resolves the session from m.sessions under
// lock rather than through any pointer the Session itself holds.
func (m *SessionManager) onSessionChanged(id SessionID) {
	m.mu.RLock()
	entry, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if err := m.persistSession(context.Background(), entry); err != nil {
		slog.Warn("persisting session failed", slog.String("err", err.Error()))
	}

	authors := entry.session.SubscribedAuthors()
	var unsub func()
	if len(authors) > 0 {
		var err error
		unsub, err = m.relay.Subscribe(wire.Filter{
			Kinds:   []int{wire.KindMessage},
			Authors: authors,
		}, func(ev *wire.Event) { m.handleMessage(id, ev) })
		if err != nil {
			slog.Warn("subscribing to session authors failed", slog.String("err", err.Error()))
		}
	}

	m.mu.Lock()
	if entry.unsubscribe != nil {
		entry.unsubscribe()
	}
	entry.unsubscribe = unsub
	m.mu.Unlock()
}

// persistEntryFor looks up which sessionEntry owns session and persists its
// state. ActiveSessions returns bare *ratchet.Session values, not entries,
// so this is the one place that re-associates the two under lock.
func (m *SessionManager) persistEntryFor(session *ratchet.Session) error {
	m.mu.RLock()
	var entry *sessionEntry
	for _, e := range m.sessions {
		if e.session == session {
			entry = e
			break
		}
	}
	m.mu.RUnlock()
	if entry == nil {
		return nil
	}
	return m.persistSession(context.Background(), entry)
}

func (m *SessionManager) persistSession(ctx context.Context, entry *sessionEntry) error {
	state, err := entry.session.Save()
	if err != nil {
		return fmt.Errorf("snapshotting session: %w", err)
	}
	data, err := state.Serialize()
	if err != nil {
		return fmt.Errorf("serialising session: %w", err)
	}
	return m.storage.Put(ctx, sessionStorageKey(entry.peerPubKey, entry.deviceID), data)
}

// handleMessage delivers one inbound MESSAGE event to the session it was
// subscribed for, and fans the decrypted rumor out to every registered
// RumorHandler.
func (m *SessionManager) handleMessage(id SessionID, ev *wire.Event) {
	m.mu.RLock()
	entry, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	rumor, err := entry.session.OnEvent(ev)
	if err != nil {
		switch {
		case errors.Is(err, ratchet.ErrHeaderDecryptionFailed),
			errors.Is(err, ratchet.ErrBodyDecryptionFailed),
			errors.Is(err, ratchet.ErrIntegrityFailed),
			errors.Is(err, ratchet.ErrTooManySkipped):
			slog.Debug("dropping undecryptable message",
				slog.String("peer", hexShort(entry.peerPubKey)), slog.String("err", err.Error()))
		default:
			slog.Warn("session error handling message", slog.String("err", err.Error()))
		}
		return
	}
	if err := m.persistSession(context.Background(), entry); err != nil {
		slog.Warn("persisting session after receive failed", slog.String("err", err.Error()))
	}

	m.handlersMu.RLock()
	handlers := append([]RumorHandler(nil), m.handlers...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(entry.peerPubKey, entry.deviceID, rumor)
	}
}

// SendEvent completes a rumor, hands it to our own OnRumor callbacks so the
// sending device records its own outgoing message (spec §8 scenario S5),
// and emits it over every active session in recipientPubKey's UserRecord
// plus our own UserRecord (sibling devices), per spec §4.4 send_event / §8
// invariant 7. If recipientPubKey has no active session to encrypt to,
// discovery is started (we subscribe to their invites) and SendEvent
// returns ErrUnknownRecipient alongside whatever events our own sibling
// devices still produced.
func (m *SessionManager) SendEvent(ctx context.Context, recipientPubKey, content string) ([]*wire.Event, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	rumor := completeRumor(content)
	rumorBytes, err := json.Marshal(rumor)
	if err != nil {
		return nil, fmt.Errorf("marshalling rumor: %w", err)
	}

	recipient := m.ensureDiscovery(recipientPubKey)

	m.handlersMu.RLock()
	handlers := append([]RumorHandler(nil), m.handlers...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(m.identity.PublicKeyHex(), m.ownDeviceID, rumor)
	}

	var out []*wire.Event
	reachedRecipient := false
	for _, record := range []*UserRecord{recipient, m.selfRecord()} {
		if record == nil {
			continue
		}
		for _, session := range record.ActiveSessions() {
			ev, err := session.Encrypt(rumorBytes)
			if err != nil {
				if errors.Is(err, ratchet.ErrNotInitiator) {
					continue
				}
				slog.Warn("encrypting to session failed", slog.String("err", err.Error()))
				continue
			}
			// Encrypt advances the sending chain but never changes
			// SubscribedAuthors, so it never fires the session's
			// SubscriptionNotifier. Persist explicitly here so a sent
			// counter is never lost to a crash before the next inbound
			// ratchet step.
			if err := m.persistEntryFor(session); err != nil {
				slog.Warn("persisting session after send failed", slog.String("err", err.Error()))
			}
			if err := m.relay.Publish(ctx, ev); err != nil {
				slog.Warn("publishing outer event failed", slog.String("err", err.Error()))
				continue
			}
			out = append(out, ev)
			if record == recipient {
				reachedRecipient = true
			}
		}
	}
	if !reachedRecipient {
		return out, ErrUnknownRecipient
	}
	return out, nil
}

func (m *SessionManager) selfRecord() *UserRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[m.identity.PublicKeyHex()]
}

// ensureDiscovery returns recipientPubKey's UserRecord, creating an empty
// one and subscribing to the recipient's invites if this is the first time
// we've tried to reach them. A synchronous RelayAdapter may resolve that
// subscription (and its first session) before Subscribe even returns; an
// asynchronous one won't have anything for recipientPubKey yet — either way
// the caller discovers which case it got by checking ActiveSessions.
func (m *SessionManager) ensureDiscovery(recipientPubKey string) *UserRecord {
	m.mu.Lock()
	record, known := m.users[recipientPubKey]
	if !known {
		record = m.userRecordLocked(recipientPubKey)
	}
	m.mu.Unlock()
	if known {
		return record
	}

	unsub, err := m.relay.Subscribe(wire.Filter{
		Kinds:   []int{wire.KindInvite},
		Authors: []string{recipientPubKey},
		Tags:    wire.TagMap{"l": {wire.InviteNamespace}},
	}, func(ev *wire.Event) { m.onDiscoveredInvite(recipientPubKey, ev) })
	if err != nil {
		slog.Warn("subscribing to recipient invites failed", slog.String("err", err.Error()))
		return record
	}
	m.mu.Lock()
	m.appKeySubs["discovery/"+recipientPubKey] = unsub
	m.mu.Unlock()
	return record
}

// onDiscoveredInvite handles a peer's INVITE event found via discovery: we
// accept it as an ordinary invitee, establishing an initiator session.
func (m *SessionManager) onDiscoveredInvite(expectedAuthor string, ev *wire.Event) {
	inv, err := invite.ParseEvent(ev)
	if err != nil || inv.EphemeralPublic == "" || inv.InviterPubKey != expectedAuthor {
		return
	}

	session, envelope, err := invite.Accept(inv, m.identity, m.ownDeviceID)
	if err != nil {
		slog.Warn("accepting discovered invite failed", slog.String("err", err.Error()))
		return
	}
	ctx := context.Background()
	if err := m.relay.Publish(ctx, envelope); err != nil {
		slog.Warn("publishing discovered accept envelope failed", slog.String("err", err.Error()))
	}
	m.adoptSession(inv.InviterPubKey, inv.DeviceID, session)
}

// subscribeAppKeys ensures we're listening for peerPubKey's AppKeys
// revocation record, subscribing at most once per peer.
func (m *SessionManager) subscribeAppKeys(peerPubKey string) error {
	m.mu.Lock()
	if _, ok := m.appKeySubs[peerPubKey]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	unsub, err := m.relay.Subscribe(wire.Filter{
		Kinds:   []int{wire.KindAppKeys},
		Authors: []string{peerPubKey},
	}, func(ev *wire.Event) { m.OnAppKeys(ev) })
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.appKeySubs[peerPubKey] = unsub
	m.mu.Unlock()
	return nil
}

// OnAppKeys applies a freshly observed AppKeys record: any device of the
// author no longer listed is marked stale, its session removed from the
// sending set (spec §4.4 Revocation). Exported so a caller that already
// runs its own AppKeys subscription can feed events in directly.
func (m *SessionManager) OnAppKeys(ev *wire.Event) {
	author, authorized, err := parseAppKeys(ev)
	if err != nil {
		slog.Debug("dropping malformed app keys event", slog.String("err", err.Error()))
		return
	}

	m.mu.RLock()
	user, ok := m.users[author]
	m.mu.RUnlock()
	if !ok {
		return
	}

	keep := make(map[string]bool, len(authorized))
	for _, id := range authorized {
		keep[id] = true
	}
	user.mu.RLock()
	var revoked []string
	for id := range user.Devices {
		if !keep[id] {
			revoked = append(revoked, id)
		}
	}
	user.mu.RUnlock()
	for _, id := range revoked {
		user.MarkDeviceStale(id)
	}

	if author == m.identity.PublicKeyHex() && !keep[m.ownDeviceID] {
		slog.Warn("this device is no longer listed in its own app keys record; treating as revoked")
	}
}

// PublishAppKeys signs and publishes the authoritative device list for our
// own identity: our own device id plus every sibling device we currently
// hold a non-stale session with.
func (m *SessionManager) PublishAppKeys(ctx context.Context) error {
	ids := []string{m.ownDeviceID}
	if self := m.selfRecord(); self != nil {
		ids = append(ids, self.deviceIDs()...)
	}
	ev, err := buildAppKeys(m.identity, ids)
	if err != nil {
		return err
	}
	return m.relay.Publish(ctx, ev)
}

// PruneStale removes every device that has been stale for longer than the
// manager's configured grace period, across every known peer.
func (m *SessionManager) PruneStale() {
	m.mu.RLock()
	records := make([]*UserRecord, 0, len(m.users))
	for _, u := range m.users {
		records = append(records, u)
	}
	grace := m.staleGrace
	m.mu.RUnlock()
	for _, u := range records {
		u.PruneStale(grace)
	}
}

func (m *SessionManager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close releases every subscription and closes every session across every
// UserRecord (spec §5 Cancellation: "Closing a SessionManager cascades to
// all UserRecords and Sessions").
func (m *SessionManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.ownInviteSubs
	for _, unsub := range m.appKeySubs {
		subs = append(subs, unsub)
	}
	for _, entry := range m.sessions {
		if entry.unsubscribe != nil {
			subs = append(subs, entry.unsubscribe)
		}
	}
	records := make([]*UserRecord, 0, len(m.users))
	for _, u := range m.users {
		records = append(records, u)
	}
	m.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	for _, u := range records {
		u.mu.RLock()
		devices := make([]*DeviceRecord, 0, len(u.Devices))
		for _, d := range u.Devices {
			devices = append(devices, d)
		}
		u.mu.RUnlock()
		for _, d := range devices {
			closeDevice(d)
		}
	}
}
