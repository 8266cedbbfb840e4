package doubleratchet

import (
	"sort"
	"sync"
	"time"

	"github.com/kamune-org/doubleratchet/pkg/ratchet"
)

// DeviceRecord tracks one physical device's session history within a
// UserRecord (spec §4.3). A device's active session is replaced wholesale
// on re-handshake; the displaced session is kept around (newest first) so
// a stray late message against the old ratchet chain can still be
// attempted against it.
type DeviceRecord struct {
	DeviceID         string
	ActiveSession    *ratchet.Session
	InactiveSessions []*ratchet.Session
	LastActivity     time.Time
	Stale            bool
	StaleAt          time.Time
}

// UserRecord is the book of every device known for one peer identity,
// keyed by the identity's long-term pubkey (spec §4.3). It never dials out
// to a RelayAdapter itself — subscription lifecycle is owned entirely by
// SessionManager, consistent with never letting a Session (or the records
// that hold one) own a pointer back to the manager (spec §9).
type UserRecord struct {
	mu sync.RWMutex

	PeerPubKey string
	Devices    map[string]*DeviceRecord

	Stale   bool
	StaleAt time.Time
}

// NewUserRecord creates an empty record for peerPubKey.
func NewUserRecord(peerPubKey string) *UserRecord {
	return &UserRecord{
		PeerPubKey: peerPubKey,
		Devices:    make(map[string]*DeviceRecord),
	}
}

// UpsertSession installs session as deviceID's active session, pushing any
// previous active session onto the front of InactiveSessions.
func (u *UserRecord) UpsertSession(deviceID string, session *ratchet.Session) {
	u.mu.Lock()
	defer u.mu.Unlock()

	dev, ok := u.Devices[deviceID]
	if !ok {
		dev = &DeviceRecord{DeviceID: deviceID}
		u.Devices[deviceID] = dev
	}
	if dev.ActiveSession != nil {
		dev.InactiveSessions = append([]*ratchet.Session{dev.ActiveSession}, dev.InactiveSessions...)
	}
	dev.ActiveSession = session
	dev.LastActivity = time.Now().UTC()
}

// ActiveSessions returns the active session of every non-stale device,
// ordered so sessions that can currently send precede responders still
// awaiting their first inbound turn (spec §4.3 invariant: no duplicates,
// at most one session per device).
func (u *UserRecord) ActiveSessions() []*ratchet.Session {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.Stale {
		return nil
	}
	sessions := make([]*ratchet.Session, 0, len(u.Devices))
	for _, dev := range u.Devices {
		if dev.Stale || dev.ActiveSession == nil {
			continue
		}
		sessions = append(sessions, dev.ActiveSession)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CanSend() && !sessions[j].CanSend()
	})
	return sessions
}

// MarkDeviceStale excludes deviceID from future ActiveSessions results.
func (u *UserRecord) MarkDeviceStale(deviceID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if dev, ok := u.Devices[deviceID]; ok {
		dev.Stale = true
		dev.StaleAt = time.Now().UTC()
	}
}

// MarkUserStale excludes every device of this record from ActiveSessions
// immediately, without mutating individual DeviceRecord entries.
func (u *UserRecord) MarkUserStale() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Stale = true
	u.StaleAt = time.Now().UTC()
}

// PruneStale closes and removes every device that has been stale for
// longer than maxLatency.
func (u *UserRecord) PruneStale(maxLatency time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now().UTC()
	for id, dev := range u.Devices {
		if !dev.Stale || now.Sub(dev.StaleAt) < maxLatency {
			continue
		}
		closeDevice(dev)
		delete(u.Devices, id)
	}
}

// RemoveDevice closes every session (active and inactive) belonging to
// deviceID and drops its entry.
func (u *UserRecord) RemoveDevice(deviceID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	dev, ok := u.Devices[deviceID]
	if !ok {
		return
	}
	closeDevice(dev)
	delete(u.Devices, deviceID)
}

func closeDevice(dev *DeviceRecord) {
	if dev.ActiveSession != nil {
		dev.ActiveSession.Close()
	}
	for _, s := range dev.InactiveSessions {
		s.Close()
	}
}

// deviceIDs returns every non-stale device id currently tracked, for
// building this user's own AppKeys record.
func (u *UserRecord) deviceIDs() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	ids := make([]string, 0, len(u.Devices))
	for id, dev := range u.Devices {
		if dev.Stale {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
