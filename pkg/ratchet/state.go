package ratchet

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/kamune-org/doubleratchet/pkg/exchange"
)

// State is the serialisable snapshot of a Session, matching §6's
// SessionState record: every byte array is hex-encoded so the whole value
// round-trips through JSON (and therefore through any StorageAdapter that
// accepts opaque byte strings or JSON scalars).
type State struct {
	RootKey           string `json:"root_key"`
	SendingChainKey   string `json:"sending_chain_key,omitempty"`
	ReceivingChainKey string `json:"receiving_chain_key,omitempty"`

	OurCurrentDHPriv string `json:"our_current_dh_priv,omitempty"`
	OurNextDHPriv    string `json:"our_next_dh_priv"`

	TheirNextDHPublic    string `json:"their_next_dh_public"`
	TheirCurrentDHPublic string `json:"their_current_dh_public,omitempty"`

	SendingCounter             uint32 `json:"sending_counter"`
	ReceivingCounter           uint32 `json:"receiving_counter"`
	PreviousSendingChainLength uint32 `json:"previous_sending_chain_length"`

	MaxSkip uint32 `json:"max_skip"`

	Skipped map[string]SkippedState `json:"skipped_keys,omitempty"`
}

// SkippedState is skippedEntry's serialisable form.
type SkippedState struct {
	HeaderKeys  []string          `json:"header_keys"`
	MessageKeys map[string]string `json:"message_keys"`
}

// Save snapshots the session's current state for persistence under
// session/{peer_pubkey}/{device_id}.
func (s *Session) Save() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &State{
		RootKey:                    hex.EncodeToString(s.rootKey),
		TheirNextDHPublic:          s.theirNextDHPublic,
		TheirCurrentDHPublic:       s.theirCurrentDHPublic,
		OurNextDHPriv:              s.ourNextDH.PrivateKeyHex(),
		SendingCounter:             s.sendingCounter,
		ReceivingCounter:           s.receivingCounter,
		PreviousSendingChainLength: s.previousSendingChainLength,
		MaxSkip:                    s.maxSkip,
	}
	if s.sendingChainKey != nil {
		state.SendingChainKey = hex.EncodeToString(s.sendingChainKey)
	}
	if s.receivingChainKey != nil {
		state.ReceivingChainKey = hex.EncodeToString(s.receivingChainKey)
	}
	if s.ourCurrentDH != nil {
		state.OurCurrentDHPriv = s.ourCurrentDH.PrivateKeyHex()
	}
	if len(s.skipped) > 0 {
		state.Skipped = make(map[string]SkippedState, len(s.skipped))
		for sender, entry := range s.skipped {
			hks := make([]string, len(entry.HeaderKeys))
			for i, hk := range entry.HeaderKeys {
				hks[i] = hex.EncodeToString(hk)
			}
			mks := make(map[string]string, len(entry.MessageKeys))
			for counter, mk := range entry.MessageKeys {
				mks[fmt.Sprintf("%d", counter)] = hex.EncodeToString(mk)
			}
			state.Skipped[sender] = SkippedState{HeaderKeys: hks, MessageKeys: mks}
		}
	}
	return state, nil
}

// Restore reconstructs a Session from a State produced by Save. Per §4.4, a
// freshly hydrated session must re-open its subscriptions before delivering
// any event to application callbacks; the caller does that by reading
// SubscribedAuthors() right after Restore and wiring notifier in so future
// ratchet steps keep reporting changes.
func Restore(state *State, notifier SubscriptionNotifier) (*Session, error) {
	if state == nil {
		return nil, fmt.Errorf("%w: nil state", ErrSessionClosed)
	}

	rootKey, err := hex.DecodeString(state.RootKey)
	if err != nil {
		return nil, fmt.Errorf("decoding root key: %w", err)
	}
	ourNextDH, err := exchange.FromPrivateHex(state.OurNextDHPriv)
	if err != nil {
		return nil, fmt.Errorf("restoring our next dh: %w", err)
	}

	s := &Session{
		rootKey:                    rootKey,
		ourNextDH:                  ourNextDH,
		theirNextDHPublic:          state.TheirNextDHPublic,
		theirCurrentDHPublic:       state.TheirCurrentDHPublic,
		sendingCounter:             state.SendingCounter,
		receivingCounter:           state.ReceivingCounter,
		previousSendingChainLength: state.PreviousSendingChainLength,
		maxSkip:                    state.MaxSkip,
		skipped:                    make(map[string]*skippedEntry),
		onSubscriptionChange:       notifier,
	}
	if s.maxSkip == 0 {
		s.maxSkip = DefaultMaxSkip
	}
	if state.SendingChainKey != "" {
		if s.sendingChainKey, err = hex.DecodeString(state.SendingChainKey); err != nil {
			return nil, fmt.Errorf("decoding sending chain key: %w", err)
		}
	}
	if state.ReceivingChainKey != "" {
		if s.receivingChainKey, err = hex.DecodeString(state.ReceivingChainKey); err != nil {
			return nil, fmt.Errorf("decoding receiving chain key: %w", err)
		}
	}
	if state.OurCurrentDHPriv != "" {
		if s.ourCurrentDH, err = exchange.FromPrivateHex(state.OurCurrentDHPriv); err != nil {
			return nil, fmt.Errorf("restoring our current dh: %w", err)
		}
	}
	for sender, ss := range state.Skipped {
		entry := &skippedEntry{MessageKeys: make(map[uint32][]byte, len(ss.MessageKeys))}
		for _, hk := range ss.HeaderKeys {
			b, err := hex.DecodeString(hk)
			if err != nil {
				return nil, fmt.Errorf("decoding skipped header key: %w", err)
			}
			entry.HeaderKeys = append(entry.HeaderKeys, b)
		}
		for counterStr, mk := range ss.MessageKeys {
			var counter uint32
			if _, err := fmt.Sscanf(counterStr, "%d", &counter); err != nil {
				return nil, fmt.Errorf("parsing skipped counter %q: %w", counterStr, err)
			}
			b, err := hex.DecodeString(mk)
			if err != nil {
				return nil, fmt.Errorf("decoding skipped message key: %w", err)
			}
			entry.MessageKeys[counter] = b
		}
		s.skipped[sender] = entry
	}

	return s, nil
}

// Serialize encodes a State to JSON bytes, for StorageAdapter.put.
func (st *State) Serialize() ([]byte, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshalling session state: %w", err)
	}
	return b, nil
}

// DeserializeState decodes a State from JSON bytes, for StorageAdapter.get.
func DeserializeState(data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshalling session state: %w", err)
	}
	return &st, nil
}
