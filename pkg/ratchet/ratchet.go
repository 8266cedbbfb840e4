// Package ratchet implements Signal's Double Ratchet algorithm "with header
// encryption", specialised to a relay transport: instead of headers
// travelling as plaintext alongside ciphertext, header metadata is
// AEAD-encrypted under a header key derived from the pair's current DH, and
// instead of transport sequencing the outer event's author pubkey tells the
// receiver which of several candidate header keys to try.
package ratchet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kamune-org/doubleratchet/internal/enigma"
	"github.com/kamune-org/doubleratchet/pkg/exchange"
	"github.com/kamune-org/doubleratchet/pkg/wire"
)

// DefaultMaxSkip bounds how many missing keys a single chain will derive and
// cache before giving up on a sender, per MAX_SKIP in the error-handling
// design.
const DefaultMaxSkip = 1000

var (
	ErrNotInitiator           = errors.New("session cannot send before its first inbound ratchet step")
	ErrHeaderDecryptionFailed = errors.New("header decryption exhausted current, next and skipped keys")
	ErrBodyDecryptionFailed   = errors.New("body decryption failed")
	ErrIntegrityFailed        = errors.New("rumor id does not match its content hash")
	ErrTooManySkipped         = errors.New("too many skipped messages in chain")
	ErrSessionClosed          = errors.New("session is closed")
)

// Header is the AEAD-encrypted metadata carried inside every MESSAGE event's
// "header" tag.
type Header struct {
	Counter             uint32 `json:"counter"`
	NextPublicKey       string `json:"next_public_key"`
	PreviousChainLength uint32 `json:"previous_chain_length"`
}

// skippedEntry holds everything needed to decrypt messages that arrive late
// from a sender identity the session has since ratcheted past: the header
// keys reachable from that identity (so the header still decrypts) and the
// message keys already advanced past but not yet consumed.
type skippedEntry struct {
	HeaderKeys  [][]byte
	MessageKeys map[uint32][]byte
}

// SubscriptionNotifier is invoked after a ratchet step changes the set of
// sender pubkeys a Session expects traffic from (its "next", "current", and
// skipped authors, §4.1 Subscription bookkeeping). The Session never opens
// or closes relay subscriptions itself — it has no RelayAdapter reference —
// it only reports that the set changed; the SessionManager owns the actual
// subscription lifecycle. It is called after the session's lock has been
// released, so it may call back into the Session (Save, SubscribedAuthors).
type SubscriptionNotifier func(s *Session)

// Option configures a Session at construction.
type Option func(*Session)

// WithMaxSkip overrides DefaultMaxSkip.
func WithMaxSkip(n uint32) Option {
	return func(s *Session) { s.maxSkip = n }
}

// WithSubscriptionNotifier registers the callback invoked whenever the
// session's expected-sender set changes.
func WithSubscriptionNotifier(f SubscriptionNotifier) Option {
	return func(s *Session) { s.onSubscriptionChange = f }
}

// Session is one Double Ratchet conversation with a single peer DH identity.
// All state mutation is serialised through mu; ratchet steps pre-derive
// their outputs into locals and commit them in one block so a step either
// fully applies or (on error, e.g. TooManySkipped) leaves state untouched,
// per the no-partial-mutation rule.
type Session struct {
	mu sync.Mutex

	rootKey           []byte
	sendingChainKey   []byte
	receivingChainKey []byte

	ourCurrentDH *exchange.Keypair // absent until the responder's first ratchet step
	ourNextDH    *exchange.Keypair // always present

	theirNextDHPublic    string // always present
	theirCurrentDHPublic string // optional; stashed subscription/decrypt fallback

	sendingCounter             uint32
	receivingCounter           uint32
	previousSendingChainLength uint32

	skipped map[string]*skippedEntry
	maxSkip uint32

	closed bool

	onSubscriptionChange SubscriptionNotifier
}

// Init constructs a Session per spec §4.1. peerNextDHPublic is the peer's
// currently-announced next DH public key (from an Invite's ephemeral_public,
// for an initiator, or from the invitee's session public key, for a
// responder). For an initiator, ourEphemeral is the caller's freshly
// generated session keypair and becomes ourCurrentDH, while the initial
// root and sending chain mix DH(ourNextDH, peerNextDHPublic). For a
// responder, ourEphemeral is the keypair behind the public key the
// initiator targeted (an Invite's ephemeral keypair) and becomes
// ourNextDH; a responder cannot send until its first inbound ratchet step.
func Init(
	peerNextDHPublic string,
	ourEphemeral *exchange.Keypair,
	isInitiator bool,
	sharedSecret []byte,
	opts ...Option,
) (*Session, error) {
	ourNextDH, err := exchange.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating next dh keypair: %w", err)
	}

	s := &Session{
		theirNextDHPublic: peerNextDHPublic,
		ourNextDH:         ourNextDH,
		skipped:           make(map[string]*skippedEntry),
		maxSkip:           DefaultMaxSkip,
	}
	for _, opt := range opts {
		opt(s)
	}

	if isInitiator {
		dh, err := ourNextDH.Exchange(peerNextDHPublic)
		if err != nil {
			return nil, fmt.Errorf("initiator dh exchange: %w", err)
		}
		outs, err := enigma.KDF(sharedSecret, dh, 2)
		if err != nil {
			return nil, fmt.Errorf("deriving root/sending chain: %w", err)
		}
		s.rootKey, s.sendingChainKey = outs[0], outs[1]
		s.ourCurrentDH = ourEphemeral
		s.sendingCounter = 0
	} else {
		if ourEphemeral == nil {
			return nil, errors.New("responder session needs our ephemeral keypair")
		}
		s.ourNextDH = ourEphemeral
		s.rootKey = append([]byte(nil), sharedSecret...)
	}

	return s, nil
}

// CanSend reports whether the session has a sending chain — false for a
// responder session that hasn't observed its first inbound ratchet step.
func (s *Session) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ourCurrentDH != nil && s.theirNextDHPublic != ""
}

// Encrypt seals plaintext into a signed outer MESSAGE event. The caller is
// responsible for publishing it via a RelayAdapter.
func (s *Session) Encrypt(plaintext []byte) (*wire.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.ourCurrentDH == nil || s.theirNextDHPublic == "" {
		return nil, ErrNotInitiator
	}

	outs, err := enigma.KDF(s.sendingChainKey, []byte{0x01}, 2)
	if err != nil {
		return nil, fmt.Errorf("stepping sending chain: %w", err)
	}
	nextSendingChainKey, messageKey := outs[0], outs[1]

	header := Header{
		Counter:             s.sendingCounter,
		NextPublicKey:       s.ourNextDH.PublicKeyHex(),
		PreviousChainLength: s.previousSendingChainLength,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshalling header: %w", err)
	}

	headerKeyMaterial, err := s.ourCurrentDH.Exchange(s.theirNextDHPublic)
	if err != nil {
		return nil, fmt.Errorf("deriving header key: %w", err)
	}
	headerCT, err := sealWith(headerKeyMaterial, infoHeader, headerBytes)
	if err != nil {
		return nil, fmt.Errorf("encrypting header: %w", err)
	}
	bodyCT, err := sealWith(messageKey, infoMessage, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting body: %w", err)
	}

	enigma.Zero(s.sendingChainKey)
	s.sendingChainKey = nextSendingChainKey
	s.sendingCounter++

	ev := &wire.Event{
		Kind:    wire.KindMessage,
		Tags:    wire.Tags{{wire.TagHeader, hexEncode(headerCT)}},
		Content: hexEncode(bodyCT),
	}
	if err := wire.Sign(ev, s.ourCurrentDH); err != nil {
		return nil, fmt.Errorf("signing outer event: %w", err)
	}
	return ev, nil
}

// OnEvent attempts to decrypt outer as a MESSAGE addressed to this session,
// returning the recovered rumor event. A nil rumor with a nil error never
// happens — callers that want "drop silently" semantics for
// ErrHeaderDecryptionFailed should treat that specific error as a no-op,
// per §7's propagation policy (decryption errors are absorbed at this
// boundary, not surfaced as caller-facing failures).
func (s *Session) OnEvent(outer *wire.Event) (*wire.Event, error) {
	ratcheted := false
	defer func() {
		if ratcheted {
			s.notifySubscriptionChange()
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	headerCT, err := hexDecode(firstTagValue(outer, wire.TagHeader))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed header tag", ErrHeaderDecryptionFailed)
	}
	bodyCT, err := hexDecode(outer.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed content", ErrBodyDecryptionFailed)
	}

	header, shouldRatchet, err := s.decryptHeader(headerCT, outer.PubKey)
	if err != nil {
		return nil, err
	}

	if shouldRatchet {
		if err := s.performRatchetStep(outer.PubKey, *header); err != nil {
			return nil, err
		}
		ratcheted = true
	}

	// Skipped lookup: this exact (sender, counter) may already have a
	// cached message key from an earlier catch-up.
	if entry, ok := s.skipped[outer.PubKey]; ok {
		if mk, ok := entry.MessageKeys[header.Counter]; ok {
			plaintext, err := openWith(mk, infoMessage, bodyCT)
			if err != nil {
				return nil, fmt.Errorf("%w", ErrBodyDecryptionFailed)
			}
			delete(entry.MessageKeys, header.Counter)
			if len(entry.MessageKeys) == 0 {
				delete(s.skipped, outer.PubKey)
			}
			return s.finishRumor(plaintext)
		}
	}

	if header.Counter < s.receivingCounter {
		// Already consumed from the live chain and not in skipped_keys:
		// a duplicate relay delivery. Drop silently.
		return nil, ErrHeaderDecryptionFailed
	}

	nextCK, messageKey, err := s.catchUp(outer.PubKey, s.receivingChainKey, s.receivingCounter, header.Counter)
	if err != nil {
		return nil, err
	}

	plaintext, err := openWith(messageKey, infoMessage, bodyCT)
	if err != nil {
		return nil, fmt.Errorf("%w", ErrBodyDecryptionFailed)
	}

	enigma.Zero(s.receivingChainKey)
	s.receivingChainKey = nextCK
	s.receivingCounter = header.Counter + 1

	return s.finishRumor(plaintext)
}

// decryptHeader tries, in order: our_current_dh against the outer author,
// our_next_dh against the outer author, then every recorded skipped header
// key for that author. shouldRatchet is true only when the next-slot key
// was the one that worked.
func (s *Session) decryptHeader(headerCT []byte, author string) (*Header, bool, error) {
	if s.ourCurrentDH != nil {
		if dh, err := s.ourCurrentDH.Exchange(author); err == nil {
			if h, err := openHeader(dh, headerCT); err == nil {
				return h, false, nil
			}
		}
	}
	if dh, err := s.ourNextDH.Exchange(author); err == nil {
		if h, err := openHeader(dh, headerCT); err == nil {
			return h, true, nil
		}
	}
	if entry, ok := s.skipped[author]; ok {
		for _, hk := range entry.HeaderKeys {
			if h, err := openHeader(hk, headerCT); err == nil {
				return h, false, nil
			}
		}
	}
	return nil, false, ErrHeaderDecryptionFailed
}

// performRatchetStep runs spec §4.1 step 2. sender is the outer event's
// author pubkey — the sending identity that triggered this ratchet turn.
// Missing keys of the chain being left are cached under
// theirCurrentDHPublic, the author of that chain. OnEvent reports the
// changed sender set once it has released the session's lock.
func (s *Session) performRatchetStep(sender string, header Header) error {
	if s.receivingChainKey != nil {
		if _, err := s.skipInto(s.theirCurrentDHPublic, s.receivingChainKey, s.receivingCounter, header.PreviousChainLength); err != nil {
			return err
		}
	}

	newNextDH, err := exchange.Generate()
	if err != nil {
		return fmt.Errorf("generating fresh next dh: %w", err)
	}

	dh1, err := s.ourNextDH.Exchange(header.NextPublicKey)
	if err != nil {
		return fmt.Errorf("ratchet dh (receiving): %w", err)
	}
	outs1, err := enigma.KDF(s.rootKey, dh1, 2)
	if err != nil {
		return fmt.Errorf("deriving temp root/receiving chain: %w", err)
	}
	tempRoot, receivingChainKey := outs1[0], outs1[1]

	dh2, err := newNextDH.Exchange(header.NextPublicKey)
	if err != nil {
		return fmt.Errorf("ratchet dh (sending): %w", err)
	}
	outs2, err := enigma.KDF(tempRoot, dh2, 2)
	if err != nil {
		return fmt.Errorf("deriving root/sending chain: %w", err)
	}
	rootKey, sendingChainKey := outs2[0], outs2[1]

	s.previousSendingChainLength = s.sendingCounter
	s.sendingCounter = 0
	s.receivingCounter = 0
	s.theirCurrentDHPublic = sender
	s.theirNextDHPublic = header.NextPublicKey
	s.ourCurrentDH = s.ourNextDH
	s.ourNextDH = newNextDH
	s.rootKey = rootKey
	s.sendingChainKey = sendingChainKey
	s.receivingChainKey = receivingChainKey
	enigma.Zero(tempRoot)

	return nil
}

// catchUp is the non-ratcheting counter-advance path (§4.1 step 4): it
// derives forward from (chainKey, fromCounter) up to, but not including,
// toCounter, caching each intermediate key, then returns the chain key and
// message key for toCounter itself.
func (s *Session) catchUp(sender string, chainKey []byte, fromCounter, toCounter uint32) (nextChainKey, messageKey []byte, err error) {
	gap := toCounter - fromCounter
	if gap > s.maxSkip {
		return nil, nil, ErrTooManySkipped
	}
	ck, err := s.skipInto(sender, chainKey, fromCounter, toCounter)
	if err != nil {
		return nil, nil, err
	}
	outs, err := enigma.KDF(ck, []byte{0x01}, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving message key: %w", err)
	}
	return outs[0], outs[1], nil
}

// skipInto derives chainKey forward from fromCounter to toCounter
// (exclusive), caching every intermediate message key under
// skipped_keys[sender] and returning the resulting chain key. Used both for
// the pre-ratchet "finish the old chain" skip and for ordinary
// out-of-order catch-up.
func (s *Session) skipInto(sender string, chainKey []byte, fromCounter, toCounter uint32) ([]byte, error) {
	if toCounter <= fromCounter {
		return chainKey, nil
	}
	if toCounter-fromCounter > s.maxSkip {
		return nil, ErrTooManySkipped
	}

	entry := s.ensureSkippedEntry(sender)
	ck := chainKey
	for i := fromCounter; i < toCounter; i++ {
		outs, err := enigma.KDF(ck, []byte{0x01}, 2)
		if err != nil {
			return nil, fmt.Errorf("deriving skipped key %d: %w", i, err)
		}
		ck, entry.MessageKeys[i] = outs[0], outs[1]
	}
	return ck, nil
}

// ensureSkippedEntry returns sender's skipped-keys bucket, creating it (and
// recording the header keys reachable from sender via both our current and
// next DH keys, per the skipping policy) on first use.
func (s *Session) ensureSkippedEntry(sender string) *skippedEntry {
	entry, ok := s.skipped[sender]
	if ok {
		return entry
	}
	entry = &skippedEntry{MessageKeys: make(map[uint32][]byte)}
	if s.ourCurrentDH != nil {
		if dh, err := s.ourCurrentDH.Exchange(sender); err == nil {
			entry.HeaderKeys = append(entry.HeaderKeys, dh)
		}
	}
	if dh, err := s.ourNextDH.Exchange(sender); err == nil {
		entry.HeaderKeys = append(entry.HeaderKeys, dh)
	}
	s.skipped[sender] = entry
	return entry
}

// finishRumor parses plaintext as a rumor event and verifies its id matches
// its canonical hash (§8 invariant 2), then returns it to the caller.
func (s *Session) finishRumor(plaintext []byte) (*wire.Event, error) {
	var rumor wire.Event
	if err := json.Unmarshal(plaintext, &rumor); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIntegrityFailed, err)
	}
	if rumor.GetID() != rumor.ID {
		return nil, ErrIntegrityFailed
	}
	return &rumor, nil
}

// notifySubscriptionChange reports the session's new expected-sender set.
func (s *Session) notifySubscriptionChange() {
	if s.onSubscriptionChange != nil {
		s.onSubscriptionChange(s)
	}
}

// SubscribedAuthors returns the pubkeys this session currently expects
// traffic from: its next slot, its current slot (if any), and every sender
// with pending skipped keys. The SessionManager uses this to drive its
// relay subscriptions.
func (s *Session) SubscribedAuthors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	authors := make([]string, 0, 2+len(s.skipped))
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		authors = append(authors, p)
	}
	add(s.theirNextDHPublic)
	add(s.theirCurrentDHPublic)
	for author := range s.skipped {
		add(author)
	}
	return authors
}

// Close releases the session's secret material. It does not touch relay
// subscriptions — the manager owns those.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	enigma.Zero(s.rootKey)
	enigma.Zero(s.sendingChainKey)
	enigma.Zero(s.receivingChainKey)
	for _, entry := range s.skipped {
		for _, hk := range entry.HeaderKeys {
			enigma.Zero(hk)
		}
		for _, mk := range entry.MessageKeys {
			enigma.Zero(mk)
		}
	}
	s.closed = true
}
