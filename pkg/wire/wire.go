// Package wire defines the on-relay event shapes shared by the ratchet,
// invite, and session-manager layers: event kinds, tag names, and the
// signing/verification glue over github.com/nbd-wtf/go-nostr's Event type.
//
// Kind numbers for Invite/InviteResponse/Message/AppKeys are this project's
// own assignment (not registered NIPs), chosen to land in the ranges NIP-01
// reserves for their category: INVITE and APP_KEYS are parameterized
// replaceable (30000-39999, addressed by pubkey+kind+"d" tag), MESSAGE is a
// regular event, and INVITE_RESPONSE reuses NIP-59's gift-wrap kind so a
// relay or observer sees an ordinary gift wrap.
package wire

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kamune-org/doubleratchet/pkg/exchange"
)

const (
	// KindInvite advertises a long-lived or single-use handshake invite.
	KindInvite = 30078
	// KindInviteResponse is the gift-wrap-style envelope an invitee sends
	// back to accept an invite. Reuses NIP-59's gift-wrap kind.
	KindInviteResponse = 1059
	// KindMessage carries one ratchet-encrypted payload.
	KindMessage = 1447
	// KindAppKeys is the parameterized-replaceable authoritative device
	// list used for multi-device revocation. Devices are discovered
	// through their INVITE events, not through this list.
	KindAppKeys = 30309
)

const (
	TagD             = "d"
	TagL             = "l"
	TagP             = "p"
	TagHeader        = "header"
	TagEphemeralKey  = "ephemeralKey"
	TagSharedSecret  = "sharedSecret"
	TagDevice        = "device"
	InviteNamespace  = "double-ratchet/invites"
	AppKeysNamespace = "double-ratchet/app-keys"
)

// Event is the wire event shape: an alias of nostr.Event so every layer can
// build, hash, and sign events without redefining NIP-01's canonical
// serialization.
type Event = nostr.Event

// Tags and Tag mirror nostr's ordered-string-list tag representation.
type Tags = nostr.Tags
type Tag = nostr.Tag

// Filter is the RelayAdapter subscription filter shape (§6): kinds,
// authors, and tag filters.
type Filter = nostr.Filter

// TagMap is Filter's tag-filter shape: a tag name mapped to the set of
// values that satisfy it.
type TagMap = nostr.TagMap

// Timestamp mirrors nostr's unix-second event timestamp type.
type Timestamp = nostr.Timestamp

// ZeroPubKey is the dummy 64-hex-zero author a Rumor is stamped with before
// it is wrapped in ratchet ciphertext — authenticity there comes from key
// possession, not from this field (spec §3, "Rumor").
var ZeroPubKey = strings.Repeat("0", 64)

// Sign stamps ev.PubKey, computes its canonical id, and signs it with
// signer. When signer is backed by a raw private key the fast path
// (nostr.Event.Sign) is used; a closure-backed Signer (exchange.SignerFunc)
// signs the canonical digest directly, since it may not expose raw bytes.
func Sign(ev *Event, signer exchange.Signer) error {
	ev.PubKey = signer.PublicKeyHex()
	ev.ID = ev.GetID()

	if kp, ok := signer.(*exchange.Keypair); ok {
		if err := ev.Sign(kp.PrivateKeyHex()); err != nil {
			return fmt.Errorf("signing event: %w", err)
		}
		return nil
	}

	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil || len(idBytes) != 32 {
		return fmt.Errorf("unexpected canonical id shape: %w", err)
	}
	var digest [32]byte
	copy(digest[:], idBytes)
	sig, err := signer.Sign(digest)
	if err != nil {
		return fmt.Errorf("signing event: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig)
	return nil
}

// Verify checks that ev's signature matches its canonical id and author.
func Verify(ev *Event) error {
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("checking signature: %w", err)
	}
	if !ok {
		return exchange.ErrInvalidSignature
	}
	return nil
}

// TimestampFrom converts a time.Time to the wire's unix-second Timestamp.
func TimestampFrom(t time.Time) Timestamp {
	return nostr.Timestamp(t.Unix())
}

// GetTag returns the first value of the first tag named name, and whether
// it was found.
func GetTag(tags Tags, name string) (string, bool) {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1], true
		}
	}
	return "", false
}
