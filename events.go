package doubleratchet

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kamune-org/doubleratchet/pkg/exchange"
	"github.com/kamune-org/doubleratchet/pkg/wire"
)

// completeRumor fills in a partial rumor per spec §4.4 SendEvent step 1:
// dummy pubkey, created_at, empty tags, and a computed content-addressed
// id. The caller passes only the content; everything else is derived.
func completeRumor(content string) *wire.Event {
	ev := &wire.Event{
		PubKey:    wire.ZeroPubKey,
		CreatedAt: wire.TimestampFrom(time.Now().UTC()),
		Tags:      wire.Tags{},
		Content:   content,
	}
	ev.ID = ev.GetID()
	return ev
}

// buildAppKeys signs the parameter-replaceable AppKeys event listing the
// caller's currently authorised device ids (spec §4.4's "supplemented
// feature": the spec only describes consuming AppKeys, not producing it).
func buildAppKeys(signer exchange.Signer, deviceIDs []string) (*wire.Event, error) {
	tags := wire.Tags{
		{wire.TagD, wire.AppKeysNamespace},
		{wire.TagL, wire.AppKeysNamespace},
	}
	for _, id := range deviceIDs {
		tags = append(tags, wire.Tag{wire.TagDevice, id})
	}
	ev := &wire.Event{
		Kind:      wire.KindAppKeys,
		CreatedAt: wire.TimestampFrom(time.Now().UTC()),
		Tags:      tags,
	}
	if err := wire.Sign(ev, signer); err != nil {
		return nil, fmt.Errorf("signing app keys event: %w", err)
	}
	return ev, nil
}

// parseAppKeys extracts the set of authorised device ids from an AppKeys
// event, verifying its signature first.
func parseAppKeys(ev *wire.Event) (authorPubKey string, deviceIDs []string, err error) {
	if err := wire.Verify(ev); err != nil {
		return "", nil, fmt.Errorf("verifying app keys event: %w", err)
	}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == wire.TagDevice {
			deviceIDs = append(deviceIDs, tag[1])
		}
	}
	return ev.PubKey, deviceIDs, nil
}

// sessionStorageKey is the §6 storage key layout for a session's state.
func sessionStorageKey(peerPubKey, deviceID string) string {
	return "session/" + peerPubKey + "/" + deviceID
}

// inviteStorageKey is the §6 storage key layout for our own Invite.
func inviteStorageKey(deviceID string) string {
	return "invite/" + deviceID
}

// hexShort renders a short prefix of a hex-ish identifier for logging
// without leaking full key material.
func hexShort(s string) string {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 {
		if len(s) > 8 {
			return s[:8]
		}
		return s
	}
	return hex.EncodeToString(b[:min(4, len(b))])
}
