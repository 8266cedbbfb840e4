// Package invite implements the handshake that turns a single shareable
// link (or signed relay event) into an established ratchet Session: one
// side calls CreateNew and publishes the result, the other calls Accept,
// and the inviter's SessionManager feeds each resulting envelope through
// DecodeResponse.
package invite

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	mathrand "math/rand/v2"

	"github.com/kamune-org/doubleratchet/pkg/exchange"
	"github.com/kamune-org/doubleratchet/pkg/ratchet"
	"github.com/kamune-org/doubleratchet/pkg/wire"
)

var (
	ErrMalformedInvite = errors.New("malformed invite")
	ErrInviteExhausted = errors.New("invite has reached its max uses")
)

// maxJitter bounds how far an envelope's created_at is backdated, to
// frustrate timing correlation between invite acceptance and relay
// observation (spec §4.2 step 4).
const maxJitter = 48 * time.Hour

const (
	infoSharedLayer   = "double-ratchet/invite-shared"
	infoIdentityLayer = "double-ratchet/invite-identity"
	infoEnvelope      = "double-ratchet/invite-envelope"
)

// Invite is the immutable descriptor shared between inviter and invitee.
// EphemeralPrivate is populated only on the inviter's own copy.
type Invite struct {
	InviterPubKey    string
	EphemeralPublic  string
	EphemeralPrivate string
	SharedSecret     []byte
	DeviceID         string
	MaxUses          int
	UsedBy           []string
	CreatedAt        time.Time
}

// CreateNew samples a fresh ephemeral keypair and a 32-byte shared secret
// for a new invite advertised by inviter.
func CreateNew(inviter exchange.Signer, deviceID string, maxUses int) (*Invite, error) {
	eph, err := exchange.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral keypair: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating shared secret: %w", err)
	}
	return &Invite{
		InviterPubKey:    inviter.PublicKeyHex(),
		EphemeralPublic:  eph.PublicKeyHex(),
		EphemeralPrivate: eph.PrivateKeyHex(),
		SharedSecret:     secret,
		DeviceID:         deviceID,
		MaxUses:          maxUses,
		CreatedAt:        time.Now().UTC(),
	}, nil
}

// urlPayload is the JSON shape carried in an invite URL's fragment.
type urlPayload struct {
	Inviter      string `json:"inviter"`
	EphemeralKey string `json:"ephemeralKey"`
	SharedSecret string `json:"sharedSecret"`
}

// ToURL renders the invite's public fields into a fragment-only URL, so
// relays and intermediate servers never see the shared secret.
func (inv *Invite) ToURL(scheme, host string) (string, error) {
	payload := urlPayload{
		Inviter:      inv.InviterPubKey,
		EphemeralKey: inv.EphemeralPublic,
		SharedSecret: hex.EncodeToString(inv.SharedSecret),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling url payload: %w", err)
	}
	u := url.URL{Scheme: scheme, Host: host, Path: "/", Fragment: string(b)}
	return u.String(), nil
}

// ParseURL recovers the public fields of an invite from a URL produced by
// ToURL. The returned Invite has no EphemeralPrivate, DeviceID, or MaxUses
// — those travel only in the signed event form.
func ParseURL(raw string) (*Invite, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedInvite, err)
	}
	if u.Fragment == "" {
		return nil, fmt.Errorf("%w: missing fragment", ErrMalformedInvite)
	}
	var payload urlPayload
	if err := json.Unmarshal([]byte(u.Fragment), &payload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedInvite, err)
	}
	secret, err := hex.DecodeString(payload.SharedSecret)
	if err != nil || len(secret) != 32 {
		return nil, fmt.Errorf("%w: shared secret must be 32 bytes", ErrMalformedInvite)
	}
	if payload.Inviter == "" || payload.EphemeralKey == "" {
		return nil, fmt.Errorf("%w: missing inviter or ephemeral key", ErrMalformedInvite)
	}
	return &Invite{
		InviterPubKey:   payload.Inviter,
		EphemeralPublic: payload.EphemeralKey,
		SharedSecret:    secret,
	}, nil
}

// ToEvent signs the parameter-replaceable INVITE advertisement event.
func (inv *Invite) ToEvent(signer exchange.Signer) (*wire.Event, error) {
	ev := &wire.Event{
		Kind:      wire.KindInvite,
		CreatedAt: wire.TimestampFrom(inv.CreatedAt),
		Tags: wire.Tags{
			{wire.TagEphemeralKey, inv.EphemeralPublic},
			{wire.TagSharedSecret, hex.EncodeToString(inv.SharedSecret)},
			{wire.TagD, wire.InviteNamespace + "/" + inv.DeviceID},
			{wire.TagL, wire.InviteNamespace},
		},
		Content: "",
	}
	if err := wire.Sign(ev, signer); err != nil {
		return nil, fmt.Errorf("signing invite event: %w", err)
	}
	return ev, nil
}

// Tombstone produces a retraction event for this invite's device_id: same
// "d" tag, no key tags. Observers that see it treat the invite as revoked.
func (inv *Invite) Tombstone(signer exchange.Signer) (*wire.Event, error) {
	ev := &wire.Event{
		CreatedAt: wire.TimestampFrom(time.Now().UTC()),
		Kind:      wire.KindInvite,
		Tags: wire.Tags{
			{wire.TagD, wire.InviteNamespace + "/" + inv.DeviceID},
			{wire.TagL, wire.InviteNamespace},
		},
		Content: "",
	}
	if err := wire.Sign(ev, signer); err != nil {
		return nil, fmt.Errorf("signing tombstone event: %w", err)
	}
	return ev, nil
}

// ParseEvent recovers an Invite from a signed INVITE event. A tombstone
// (missing key tags) returns an Invite with InviterPubKey, DeviceID and
// CreatedAt set and empty key fields — callers distinguish it by checking
// EphemeralPublic == "".
func ParseEvent(ev *wire.Event) (*Invite, error) {
	if err := wire.Verify(ev); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedInvite, err)
	}
	d, ok := wire.GetTag(ev.Tags, wire.TagD)
	if !ok {
		return nil, fmt.Errorf("%w: missing d tag", ErrMalformedInvite)
	}
	deviceID := d
	if len(d) > len(wire.InviteNamespace)+1 {
		deviceID = d[len(wire.InviteNamespace)+1:]
	}

	inv := &Invite{InviterPubKey: ev.PubKey, DeviceID: deviceID, CreatedAt: ev.CreatedAt.Time()}
	ephemeralKey, hasEph := wire.GetTag(ev.Tags, wire.TagEphemeralKey)
	sharedSecretHex, hasSecret := wire.GetTag(ev.Tags, wire.TagSharedSecret)
	if !hasEph || !hasSecret {
		return inv, nil // tombstone
	}
	secret, err := hex.DecodeString(sharedSecretHex)
	if err != nil || len(secret) != 32 {
		return nil, fmt.Errorf("%w: shared secret must be 32 bytes", ErrMalformedInvite)
	}
	inv.EphemeralPublic = ephemeralKey
	inv.SharedSecret = secret
	return inv, nil
}

// innerPayload is the plaintext carried by the double-wrapped inner event.
type innerPayload struct {
	SessionKey string `json:"session_key"`
	DeviceID   string `json:"device_id"`
}

// Accept is the invitee's side of the handshake (spec §4.2). It returns a
// freshly initialised initiator Session plus the signed envelope event the
// caller must publish.
func Accept(inv *Invite, identity exchange.Signer, deviceID string) (*ratchet.Session, *wire.Event, error) {
	sessionKeypair, err := exchange.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("generating session keypair: %w", err)
	}
	envelopeKeypair, err := exchange.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("generating envelope keypair: %w", err)
	}

	session, err := ratchet.Init(inv.EphemeralPublic, sessionKeypair, true, inv.SharedSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising session: %w", err)
	}

	identityDH, err := identity.Exchange(inv.InviterPubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("identity dh exchange: %w", err)
	}
	plaintext, err := json.Marshal(innerPayload{
		SessionKey: sessionKeypair.PublicKeyHex(),
		DeviceID:   deviceID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshalling inner payload: %w", err)
	}
	layer1, err := sealWith(identityDH, infoIdentityLayer, plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("sealing identity layer: %w", err)
	}
	layer2, err := sealWith(inv.SharedSecret, infoSharedLayer, layer1)
	if err != nil {
		return nil, nil, fmt.Errorf("sealing shared-secret layer: %w", err)
	}

	inner := &wire.Event{
		PubKey:    identity.PublicKeyHex(),
		CreatedAt: wire.TimestampFrom(time.Now().UTC()),
		Tags:      wire.Tags{},
		Content:   hex.EncodeToString(layer2),
	}
	inner.ID = inner.GetID()

	innerBytes, err := json.Marshal(inner)
	if err != nil {
		return nil, nil, fmt.Errorf("marshalling inner event: %w", err)
	}
	envelopeDH, err := envelopeKeypair.Exchange(inv.EphemeralPublic)
	if err != nil {
		return nil, nil, fmt.Errorf("envelope dh exchange: %w", err)
	}
	envelopeCT, err := sealWith(envelopeDH, infoEnvelope, innerBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("sealing envelope: %w", err)
	}

	envelope := &wire.Event{
		Kind:      wire.KindInviteResponse,
		CreatedAt: wire.TimestampFrom(jitteredPast(time.Now().UTC())),
		Tags:      wire.Tags{{wire.TagP, inv.EphemeralPublic}},
		Content:   hex.EncodeToString(envelopeCT),
	}
	if err := wire.Sign(envelope, envelopeKeypair); err != nil {
		return nil, nil, fmt.Errorf("signing envelope: %w", err)
	}

	return session, envelope, nil
}

// DecodeResponse is the inviter's side of processing one INVITE_RESPONSE
// event (spec §4.2 Listen). It does not touch a RelayAdapter — the caller
// (SessionManager) owns the subscription and feeds each delivered event
// here. On success it appends the invitee's identity to inv.UsedBy and
// returns the fields needed to initialise a responder Session.
func (inv *Invite) DecodeResponse(inviterIdentity exchange.Signer, envelope *wire.Event) (sessionPublic, deviceID, invitee string, err error) {
	if inv.MaxUses > 0 && len(inv.UsedBy) >= inv.MaxUses {
		return "", "", "", ErrInviteExhausted
	}
	if inv.EphemeralPrivate == "" {
		return "", "", "", fmt.Errorf("%w: invite has no ephemeral private key", ErrMalformedInvite)
	}

	envelopeKeypair, err := exchange.FromPrivateHex(inv.EphemeralPrivate)
	if err != nil {
		return "", "", "", fmt.Errorf("restoring ephemeral keypair: %w", err)
	}
	envelopeDH, err := envelopeKeypair.Exchange(envelope.PubKey)
	if err != nil {
		return "", "", "", fmt.Errorf("envelope dh exchange: %w", err)
	}
	envelopeCT, err := hex.DecodeString(envelope.Content)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: malformed envelope content", ErrMalformedInvite)
	}
	innerBytes, err := openWith(envelopeDH, infoEnvelope, envelopeCT)
	if err != nil {
		return "", "", "", fmt.Errorf("opening envelope: %w", err)
	}

	var inner wire.Event
	if err := json.Unmarshal(innerBytes, &inner); err != nil {
		return "", "", "", fmt.Errorf("%w: malformed inner event", ErrMalformedInvite)
	}
	if inner.GetID() != inner.ID {
		return "", "", "", fmt.Errorf("%w: inner event id mismatch", ErrMalformedInvite)
	}

	layer2, err := hex.DecodeString(inner.Content)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: malformed inner content", ErrMalformedInvite)
	}
	layer1, err := openWith(inv.SharedSecret, infoSharedLayer, layer2)
	if err != nil {
		return "", "", "", fmt.Errorf("opening shared-secret layer: %w", err)
	}
	identityDH, err := inviterIdentity.Exchange(inner.PubKey)
	if err != nil {
		return "", "", "", fmt.Errorf("identity dh exchange: %w", err)
	}
	plaintext, err := openWith(identityDH, infoIdentityLayer, layer1)
	if err != nil {
		return "", "", "", fmt.Errorf("opening identity layer: %w", err)
	}

	var payload innerPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return "", "", "", fmt.Errorf("%w: malformed identity payload", ErrMalformedInvite)
	}

	inv.UsedBy = append(inv.UsedBy, inner.PubKey)
	return payload.SessionKey, payload.DeviceID, inner.PubKey, nil
}

func jitteredPast(from time.Time) time.Time {
	offset := time.Duration(mathrand.Int64N(int64(maxJitter)))
	return from.Add(-offset)
}
